// Package rules decides, for every transcript update, whether a
// translation should be attempted now and what portion of the text is
// actually new. It also owns post-translation duplicate detection over
// a bounded window of recent outputs.
package rules

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Trigger identifies what kind of transcript update is being evaluated.
type Trigger string

const (
	TriggerInterim Trigger = "interim"
	TriggerFinal   Trigger = "final"
	TriggerPause   Trigger = "pause"
)

// Reason explains a decision outcome.
type Reason string

const (
	ReasonSentenceEnding  Reason = "sentence_ending"
	ReasonMaxInterval     Reason = "max_interval"
	ReasonFinalResult     Reason = "final_result"
	ReasonPauseDetected   Reason = "pause_detected"
	ReasonWaiting         Reason = "waiting_for_trigger"
	ReasonTooFewWords     Reason = "too_few_words"
	ReasonFillerOnly      Reason = "filler_words_only"
	ReasonTooShort        Reason = "too_short"
	ReasonEmptyText       Reason = "empty_text"
	ReasonMaxIntervalPoor Reason = "max_interval_poor_quality"
	ReasonNothingNew      Reason = "nothing_new"
	reasonQualityOK       Reason = "quality_ok"
)

// Update is a single transcript state handed to the engine.
type Update struct {
	Text            string
	IsFinal         bool
	TimeSinceChange time.Duration
	Trigger         Trigger
}

// Decision is the engine's verdict for one update.
type Decision struct {
	ShouldTranslate bool
	Reason          Reason
	Confidence      float64
	// NewText is the portion of the transcript not yet covered by a
	// previous translation attempt. Empty on rejection.
	NewText string
	// IsComplete marks the emitted translation as a finished unit
	// (rendered as a committed subtitle line rather than a draft).
	IsComplete bool
}

// Options tunes a rules engine. Zero values fall back to defaults.
type Options struct {
	// TranslationInterval forces an emission at most this far apart.
	TranslationInterval time.Duration
	// PauseDetection is the quiet interval that triggers an emission.
	PauseDetection time.Duration
	// MinWords is the minimum word count for quality acceptance.
	MinWords int
	// DedupWindow is the horizon for post-translation duplicate
	// detection. Must exceed TranslationInterval.
	DedupWindow time.Duration
	// PreOverlap is the word-overlap threshold above which an incoming
	// transcript is considered a repeat of the last translated text.
	PreOverlap float64
	// PostOverlap is the word-overlap threshold for post-translation
	// duplicate detection.
	PostOverlap float64
	// ExtraFillers extends the built-in filler word set.
	ExtraFillers []string
}

const (
	DefaultTranslationInterval = 15 * time.Second
	DefaultPauseDetection      = 4 * time.Second
	DefaultMinWords            = 6
	DefaultDedupWindow         = 20 * time.Second
	DefaultPreOverlap          = 0.65
	DefaultPostOverlap         = 0.65

	maxLastTranslatedChars = 500
	maxAccumulatedChars    = 1000
	minQualityChars        = 10
)

func (o Options) withDefaults() Options {
	if o.TranslationInterval <= 0 {
		o.TranslationInterval = DefaultTranslationInterval
	}
	if o.PauseDetection <= 0 {
		o.PauseDetection = DefaultPauseDetection
	}
	if o.MinWords <= 0 {
		o.MinWords = DefaultMinWords
	}
	if o.DedupWindow <= 0 {
		o.DedupWindow = DefaultDedupWindow
	}
	// The dedup window has to outlive the forced-emission interval or
	// max-interval emissions could never be flagged as duplicates.
	if o.DedupWindow <= o.TranslationInterval {
		o.DedupWindow = o.TranslationInterval + 5*time.Second
	}
	if o.PreOverlap <= 0 {
		o.PreOverlap = DefaultPreOverlap
	}
	if o.PostOverlap <= 0 {
		o.PostOverlap = DefaultPostOverlap
	}
	return o
}

// Metrics are cumulative per-session decision counters.
type Metrics struct {
	Checks     int
	Approvals  int
	Rejections int
	ByReason   map[Reason]int
}

type recentTranslation struct {
	text string
	at   time.Time
}

// Engine holds the per-session decision state. Safe for concurrent
// use: decisions arrive on the transcript path while the translation
// goroutine records outputs.
type Engine struct {
	opts Options
	now  func() time.Time

	fillers map[string]struct{}

	mu                  sync.Mutex
	lastTranslationTime time.Time
	lastTranslatedText  string
	accumulated         string
	recent              []recentTranslation

	metrics Metrics
	logger  *slog.Logger
}

// NewEngine creates a rules engine for one session.
func NewEngine(opts Options, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	fillers := make(map[string]struct{}, len(fillerWords)+len(opts.ExtraFillers))
	for w := range fillerWords {
		fillers[w] = struct{}{}
	}
	for _, w := range opts.ExtraFillers {
		fillers[strings.ToLower(strings.TrimSpace(w))] = struct{}{}
	}
	return &Engine{
		opts:    opts.withDefaults(),
		now:     time.Now,
		logger:  logger,
		fillers: fillers,
		metrics: Metrics{
			ByReason: make(map[Reason]int),
		},
	}
}

// SetClock overrides the engine's time source. Tests only.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Options returns the effective (defaulted) options.
func (e *Engine) Options() Options { return e.opts }

// Decide evaluates one transcript update. Engine state mutates only when
// the decision approves; rejections leave lastTranslationTime and
// lastTranslatedText untouched.
func (e *Engine) Decide(u Update) Decision {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	if e.lastTranslationTime.IsZero() {
		e.lastTranslationTime = now
	}
	e.metrics.Checks++

	d := e.decide(u, now)
	if d.ShouldTranslate {
		d.NewText = e.newText(u.Text)
		if d.NewText == "" {
			// Everything in this update was already translated.
			d.ShouldTranslate = false
			d.Reason = ReasonNothingNew
			d.IsComplete = false
		}
	}

	if d.ShouldTranslate {
		e.metrics.Approvals++
		e.lastTranslationTime = now
		e.lastTranslatedText = tail(u.Text, maxLastTranslatedChars)
	} else {
		e.metrics.Rejections++
	}
	e.metrics.ByReason[d.Reason]++
	return d
}

func (e *Engine) decide(u Update, now time.Time) Decision {
	qualityOK, qualityReason := e.checkQuality(u.Text)

	if isSentenceEnding(u.Text) && qualityOK {
		return Decision{ShouldTranslate: true, Reason: ReasonSentenceEnding, Confidence: 1.0, IsComplete: true}
	}

	if now.Sub(e.lastTranslationTime) >= e.opts.TranslationInterval {
		if qualityOK {
			return Decision{ShouldTranslate: true, Reason: ReasonMaxInterval, Confidence: 0.9, IsComplete: true}
		}
		// The interval clock keeps running: the next quality text gets
		// emitted immediately.
		return Decision{Reason: ReasonMaxIntervalPoor}
	}

	if u.IsFinal {
		if qualityOK {
			return Decision{ShouldTranslate: true, Reason: ReasonFinalResult, Confidence: 0.8, IsComplete: true}
		}
		return Decision{Reason: qualityReason}
	}

	if u.TimeSinceChange >= e.opts.PauseDetection && qualityOK {
		return Decision{ShouldTranslate: true, Reason: ReasonPauseDetected, Confidence: 0.7, IsComplete: true}
	}

	return Decision{Reason: ReasonWaiting}
}

// checkQuality applies the deterministic filter chain:
// empty → word count → filler-only → char count.
func (e *Engine) checkQuality(text string) (bool, Reason) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false, ReasonEmptyText
	}
	words := strings.Fields(trimmed)
	if len(words) < e.opts.MinWords {
		return false, ReasonTooFewWords
	}
	if e.fillerOnly(words) {
		return false, ReasonFillerOnly
	}
	if len([]rune(trimmed)) < minQualityChars {
		return false, ReasonTooShort
	}
	return true, reasonQualityOK
}

// fillerWords is language-neutral enough for the supported pairs;
// Romanian hesitation particles included.
var fillerWords = map[string]struct{}{
	"uh": {}, "um": {}, "ah": {}, "hmm": {}, "eh": {}, "er": {},
	"like": {}, "ă": {}, "e": {}, "ei": {}, "păi": {}, "deci": {}, "adică": {},
}

func (e *Engine) fillerOnly(words []string) bool {
	for i := 0; i < len(words); i++ {
		w := strings.ToLower(strings.TrimRight(words[i], ".,!?;:"))
		if w == "" {
			continue
		}
		if w == "you" && i+1 < len(words) {
			next := strings.ToLower(strings.TrimRight(words[i+1], ".,!?;:"))
			if next == "know" {
				i++
				continue
			}
		}
		if _, ok := e.fillers[w]; ok {
			continue
		}
		return false
	}
	return true
}

var sentenceEnders = map[rune]struct{}{
	'.': {}, '!': {}, '?': {}, '。': {}, '！': {}, '？': {},
}

// isSentenceEnding reports whether text ends a sentence. A trailing
// ellipsis ("..", "...") is a continuation, not an ending.
func isSentenceEnding(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}
	runes := []rune(trimmed)
	last := runes[len(runes)-1]
	if _, ok := sentenceEnders[last]; !ok {
		return false
	}
	if last == '.' && len(runes) >= 2 && runes[len(runes)-2] == '.' {
		return false
	}
	return true
}

// NewText returns the portion of fullText not yet covered by the last
// translation attempt. Comparison is case-insensitive. An empty return
// means the update is a duplicate of already-translated speech.
func (e *Engine) NewText(fullText string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.newText(fullText)
}

func (e *Engine) newText(fullText string) string {
	cur := strings.TrimSpace(fullText)
	last := strings.TrimSpace(e.lastTranslatedText)
	curLower := strings.ToLower(cur)
	lastLower := strings.ToLower(last)

	if curLower == "" || curLower == lastLower {
		return ""
	}
	if lastLower == "" {
		return cur
	}

	// Subset duplicate. The word-count guard matters after an ASR
	// restart: lastTranslatedText may hold a long tail that happens to
	// contain a new, shorter utterance.
	if strings.Contains(lastLower, curLower) && countWords(cur) <= countWords(last) {
		return ""
	}

	if strings.HasPrefix(curLower, lastLower) {
		return strings.TrimSpace(cur[len(lastLower):])
	}

	if wordOverlap(cur, last) > e.opts.PreOverlap {
		return ""
	}

	return cur
}

// IsDuplicateTranslation reports whether t repeats a recent output.
// Entries older than the dedup window are evicted first.
func (e *Engine) IsDuplicateTranslation(t string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.evictRecent()
	for _, r := range e.recent {
		if isDuplicatePair(t, r.text, e.opts.PostOverlap) {
			return true
		}
	}
	return false
}

// RecordTranslation remembers an emitted output for duplicate detection.
func (e *Engine) RecordTranslation(t string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recent = append(e.recent, recentTranslation{text: t, at: e.now()})
	e.evictRecent()
}

func (e *Engine) evictRecent() {
	cutoff := e.now().Add(-e.opts.DedupWindow)
	i := 0
	for i < len(e.recent) && e.recent[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		e.recent = append(e.recent[:0], e.recent[i:]...)
	}
}

func isDuplicatePair(a, b string, overlapThreshold float64) bool {
	al := strings.ToLower(strings.TrimSpace(a))
	bl := strings.ToLower(strings.TrimSpace(b))
	if al == bl {
		return true
	}
	if al == "" || bl == "" {
		return false
	}
	if strings.Contains(al, bl) || strings.Contains(bl, al) {
		shorter, longer := len(al), len(bl)
		if shorter > longer {
			shorter, longer = longer, shorter
		}
		if float64(shorter)/float64(longer) >= overlapThreshold {
			return true
		}
	}
	return wordOverlap(a, b) >= overlapThreshold
}

// wordOverlap computes multiset word overlap between two strings:
// shared word occurrences divided by the larger word count. Multiset
// counts keep repeated words from inflating similarity.
func wordOverlap(a, b string) float64 {
	aw := strings.Fields(strings.ToLower(a))
	bw := strings.Fields(strings.ToLower(b))
	if len(aw) == 0 || len(bw) == 0 {
		return 0
	}
	counts := make(map[string]int, len(aw))
	for _, w := range aw {
		counts[w]++
	}
	shared := 0
	for _, w := range bw {
		if counts[w] > 0 {
			counts[w]--
			shared++
		}
	}
	larger := len(aw)
	if len(bw) > larger {
		larger = len(bw)
	}
	return float64(shared) / float64(larger)
}

// AppendAccumulated appends an emission to the bounded running tail of
// translated output and returns the new value.
func (e *Engine) AppendAccumulated(t string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.accumulated == "" {
		e.accumulated = t
	} else {
		e.accumulated = e.accumulated + " " + t
	}
	e.accumulated = tail(e.accumulated, maxAccumulatedChars)
	return e.accumulated
}

// Accumulated returns the bounded running tail of emitted translations.
func (e *Engine) Accumulated() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.accumulated
}

// LastTranslatedText returns the source text most recently fed into a
// translation attempt. The ASR controller preserves it across restarts.
func (e *Engine) LastTranslatedText() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastTranslatedText
}

// Snapshot returns a copy of the decision counters.
func (e *Engine) Snapshot() Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	m := e.metrics
	m.ByReason = make(map[Reason]int, len(e.metrics.ByReason))
	for k, v := range e.metrics.ByReason {
		m.ByReason[k] = v
	}
	return m
}

func countWords(s string) int {
	return len(strings.Fields(s))
}

// tail returns the last max runes of s.
func tail(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[len(runes)-max:])
}
