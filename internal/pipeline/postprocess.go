package pipeline

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// TermRule replaces a term in the MT output, optionally only when the
// source text contains a given phrase.
type TermRule struct {
	Pattern        string `yaml:"pattern"`
	Replacement    string `yaml:"replacement"`
	SourceContains string `yaml:"source_contains,omitempty"`
}

type compiledTermRule struct {
	re             *regexp.Regexp
	replacement    string
	sourceContains string
}

func compileTermRules(rules []TermRule) []compiledTermRule {
	out := make([]compiledTermRule, 0, len(rules))
	for _, r := range rules {
		if r.Pattern == "" {
			continue
		}
		re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(r.Pattern) + `\b`)
		if err != nil {
			continue
		}
		out = append(out, compiledTermRule{re: re, replacement: r.Replacement, sourceContains: strings.ToLower(r.SourceContains)})
	}
	return out
}

// postProcess fixes MT output before emission. Order matters: term
// mappings first so later steps see the corrected terms, number and
// date preservation next, the single-word fallback last since it only
// applies when everything else left the word untranslated.
func (p *Pipeline) postProcess(emitted, newText, fullText string) string {
	emitted = p.applyTermMappings(emitted, fullText)
	if primaryTag(p.cfg.TargetLang) == "ro" {
		emitted = fixReligiousNouns(emitted, fullText)
	}
	emitted = preserveNumbers(emitted, newText)
	emitted = preserveDates(emitted, newText, p.cfg.TargetLang)
	emitted = p.singleWordFallback(emitted, newText)
	return emitted
}

func (p *Pipeline) applyTermMappings(text, sourceText string) string {
	sourceLower := strings.ToLower(sourceText)
	for _, r := range p.mappings {
		if r.sourceContains != "" && !strings.Contains(sourceLower, r.sourceContains) {
			continue
		}
		text = r.re.ReplaceAllString(text, r.replacement)
	}
	return text
}

// properNoun is a religious name the MT renders inconsistently when
// translating into Romanian. When the English trigger appears in the
// source, every known variant in the output is normalized to the
// canonical Romanian form.
type properNoun struct {
	trigger   string
	canonical string
	variants  *regexp.Regexp
}

var religiousNouns = []properNoun{
	{trigger: "jehovah", canonical: "Iehova", variants: regexp.MustCompile(`(?i)\b(Jehova|Jehovah|Yehova|Iehovah)\b`)},
	{trigger: "jesus", canonical: "Isus", variants: regexp.MustCompile(`(?i)\b(Jesus|Iisus)\b`)},
	{trigger: "moses", canonical: "Moise", variants: regexp.MustCompile(`(?i)\b(Moses|Mose)\b`)},
	{trigger: "solomon", canonical: "Solomon", variants: regexp.MustCompile(`(?i)\b(Salomon)\b`)},
	{trigger: "isaiah", canonical: "Isaia", variants: regexp.MustCompile(`(?i)\b(Isaiah|Isaias)\b`)},
	{trigger: "psalm", canonical: "Psalmul", variants: regexp.MustCompile(`(?i)\b(Psalm)\b`)},
}

func fixReligiousNouns(text, sourceText string) string {
	sourceLower := strings.ToLower(sourceText)
	for _, n := range religiousNouns {
		if !strings.Contains(sourceLower, n.trigger) {
			continue
		}
		text = n.variants.ReplaceAllString(text, n.canonical)
	}
	return text
}

// Multi-group thousands like 1.234.567 are already unambiguous and the
// MT reformats them legitimately; they are matched first and excluded
// from positional substitution.
var (
	reGroupedNumber = regexp.MustCompile(`\d{1,3}(?:\.\d{3}){2,}`)
	reNumericToken  = regexp.MustCompile(`\d{1,3}(?:\.\d{3}){2,}|\d+(?:[.,]\d+)?`)
)

var spelledNumbers = map[string]string{
	"zero": "0", "one": "1", "two": "2", "three": "3", "four": "4",
	"five": "5", "six": "6", "seven": "7", "eight": "8", "nine": "9",
	"ten": "10", "eleven": "11", "twelve": "12", "thirteen": "13",
	"fourteen": "14", "fifteen": "15", "sixteen": "16",
	"seventeen": "17", "eighteen": "18", "nineteen": "19",
	"twenty": "20", "thirty": "30", "forty": "40", "fifty": "50",
	"sixty": "60", "seventy": "70", "eighty": "80", "ninety": "90",
	"hundred": "100", "thousand": "1000",
}

var reSpelledNumber = func() *regexp.Regexp {
	words := make([]string, 0, len(spelledNumbers))
	for w := range spelledNumbers {
		words = append(words, w)
	}
	return regexp.MustCompile(`(?i)\b(` + strings.Join(words, "|") + `)\b`)
}()

type numToken struct {
	start, end int
	text       string // digits form, spelled words already converted
	grouped    bool
	spelled    bool
}

// outputNumTokens lists numeric tokens in MT output in order, counting
// spelled English number words as numeric so "chapter fourteen" can be
// re-substituted from a digit in the source.
func outputNumTokens(s string) []numToken {
	var toks []numToken
	for _, m := range reNumericToken.FindAllStringIndex(s, -1) {
		t := s[m[0]:m[1]]
		toks = append(toks, numToken{start: m[0], end: m[1], text: t, grouped: reGroupedNumber.FindString(t) == t})
	}
	for _, m := range reSpelledNumber.FindAllStringIndex(s, -1) {
		toks = append(toks, numToken{start: m[0], end: m[1], text: spelledNumbers[strings.ToLower(s[m[0]:m[1]])], spelled: true})
	}
	// merge in document order
	for i := 1; i < len(toks); i++ {
		for j := i; j > 0 && toks[j].start < toks[j-1].start; j-- {
			toks[j], toks[j-1] = toks[j-1], toks[j]
		}
	}
	return toks
}

func digitsOf(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// preserveNumbers substitutes the source's exact numeric tokens into
// the MT output so the translation never misrenders a figure. When
// token counts match, substitution is positional; otherwise it falls
// back to matching contiguous digit runs (MT sometimes splits or joins
// numbers).
func preserveNumbers(emitted, newText string) string {
	srcToks := outputNumTokens(newText)
	if len(srcToks) == 0 {
		return emitted
	}
	outToks := outputNumTokens(emitted)
	if len(outToks) == 0 {
		return emitted
	}

	// Grouped thousands in the source pass through untouched; drop
	// them and their output counterparts from the matching problem.
	var src []numToken
	consumed := make([]bool, len(outToks))
	for _, st := range srcToks {
		if !st.grouped {
			src = append(src, st)
			continue
		}
		for i, ot := range outToks {
			if !consumed[i] && digitsOf(ot.text) == digitsOf(st.text) {
				consumed[i] = true
				break
			}
		}
	}
	var out []numToken
	for i, ot := range outToks {
		if !consumed[i] {
			out = append(out, ot)
		}
	}
	if len(src) == 0 || len(out) == 0 {
		return emitted
	}

	type span struct {
		start, end int
		text       string
	}
	var repls []span

	if len(src) == len(out) {
		for i := range src {
			if out[i].spelled || out[i].text != src[i].text {
				repls = append(repls, span{out[i].start, out[i].end, src[i].text})
			}
		}
	} else {
		// Digit-run matching: a source number may come out split
		// ("1234" as "12 34"). Replace whole runs whose concatenated
		// digits equal a source number's digits.
		used := make([]bool, len(src))
		for i := 0; i < len(out); {
			matched := false
			for j := i; j < len(out); j++ {
				if j > i && !onlySpace(emitted[out[j-1].end:out[j].start]) {
					break
				}
				run := ""
				for k := i; k <= j; k++ {
					run += digitsOf(out[k].text)
				}
				for si, st := range src {
					if !used[si] && digitsOf(st.text) == run {
						repls = append(repls, span{out[i].start, out[j].end, st.text})
						used[si] = true
						i = j + 1
						matched = true
						break
					}
				}
				if matched {
					break
				}
			}
			if !matched {
				i++
			}
		}
	}

	for i := len(repls) - 1; i >= 0; i-- {
		r := repls[i]
		emitted = emitted[:r.start] + r.text + emitted[r.end:]
	}
	return emitted
}

func onlySpace(s string) bool {
	return strings.TrimSpace(s) == ""
}

var monthsRo = []string{"ianuarie", "februarie", "martie", "aprilie", "mai", "iunie", "iulie", "august", "septembrie", "octombrie", "noiembrie", "decembrie"}
var monthsEn = []string{"january", "february", "march", "april", "may", "june", "july", "august", "september", "october", "november", "december"}

var reSourceDate = regexp.MustCompile(`(?i)\b(\d{1,2})\s+(` + strings.Join(append(append([]string{}, monthsRo...), monthsEn...), "|") + `)\s+(\d{4})\b`)

// preserveDates re-injects a dropped month name. MT occasionally turns
// "23 martie 2024" into "23 2024"; when the source has a full date and
// the output has the day and year with no month between them, the
// month is inserted in the target language.
func preserveDates(emitted, newText, targetLang string) string {
	for _, m := range reSourceDate.FindAllStringSubmatch(newText, -1) {
		day, month, year := m[1], strings.ToLower(m[2]), m[3]
		if containsAnyMonth(emitted) {
			continue
		}
		idx := monthIndex(month)
		if idx < 0 {
			continue
		}
		var outMonth string
		if primaryTag(targetLang) == "ro" {
			outMonth = monthsRo[idx]
		} else {
			outMonth = monthsEn[idx]
		}
		gap := regexp.MustCompile(`\b` + regexp.QuoteMeta(day) + `\s*,?\s+` + regexp.QuoteMeta(year) + `\b`)
		emitted = gap.ReplaceAllString(emitted, day+" "+outMonth+" "+year)
	}
	return emitted
}

func containsAnyMonth(s string) bool {
	lower := strings.ToLower(s)
	for _, m := range monthsRo {
		if strings.Contains(lower, m) {
			return true
		}
	}
	for _, m := range monthsEn {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

func monthIndex(month string) int {
	for i, m := range monthsRo {
		if m == month {
			return i
		}
	}
	for i, m := range monthsEn {
		if m == month {
			return i
		}
	}
	return -1
}

// singleWordMap holds translations for isolated words the MT passes
// through unchanged when given no sentence context.
var singleWordMap = map[string]map[string]string{
	"en": {
		"pace": "peace", "adevar": "truth", "credinta": "faith",
		"dragoste": "love", "bucurie": "joy", "speranta": "hope",
		"rabdare": "patience", "bunatate": "goodness",
	},
	"ro": {
		"peace": "pace", "truth": "adevăr", "faith": "credință",
		"love": "dragoste", "joy": "bucurie", "hope": "speranță",
		"patience": "răbdare", "goodness": "bunătate",
	},
}

// singleWordFallback handles a single-word utterance that came back
// untranslated (diacritics aside). A small dictionary beats emitting
// the source word verbatim.
func (p *Pipeline) singleWordFallback(emitted, newText string) string {
	src := strings.TrimSpace(newText)
	out := strings.TrimSpace(emitted)
	if src == "" || strings.ContainsAny(src, " \t") {
		return emitted
	}
	if foldDiacritics(src) != foldDiacritics(strings.Trim(out, ".,!?")) {
		return emitted
	}
	dict := singleWordMap[primaryTag(p.cfg.TargetLang)]
	if dict == nil {
		return emitted
	}
	if repl, ok := dict[foldDiacritics(src)]; ok {
		p.logger.Debug("single-word fallback applied", "word", src, "replacement", repl)
		return repl
	}
	return emitted
}

// foldDiacritics lowercases and strips combining marks, so "credință"
// and "credinta" compare equal.
func foldDiacritics(s string) string {
	decomposed := norm.NFD.String(strings.ToLower(s))
	var b strings.Builder
	for _, r := range decomposed {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// primaryTag returns the language subtag before any region ("ro-RO"
// gives "ro").
func primaryTag(lang string) string {
	if i := strings.IndexByte(lang, '-'); i >= 0 {
		return strings.ToLower(lang[:i])
	}
	return strings.ToLower(lang)
}
