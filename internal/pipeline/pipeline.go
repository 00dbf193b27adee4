// Package pipeline turns an approved decision and the full transcript
// into at most one translation event: full-context translate, extract
// the not-yet-shown tail by word-level longest common prefix, apply
// output post-processing, then run duplicate suppression.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/mikesibiu/BudgetTranslate/internal/rules"
)

// Translator is the narrow MT contract the pipeline needs.
type Translator interface {
	Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error)
}

// Sink receives emitted translations for debug persistence. Writes are
// fire-and-forget; failures must not affect the session.
type Sink interface {
	Append(ctx context.Context, row Row)
}

// Row is one persisted translation record.
type Row struct {
	SessionID      string
	ClientID       string
	SourceText     string
	TranslatedText string
	SourceLanguage string
	TargetLanguage string
	Reason         string
}

// Event is a translation-result payload sent to the client.
type Event struct {
	Original    string `json:"original"`
	Translated  string `json:"translated"`
	Accumulated string `json:"accumulated"`
	Count       int    `json:"count"`
	IsInterim   bool   `json:"isInterim"`
	Reason      string `json:"reason"`
}

// DefaultLCPThreshold is the committed-prefix match ratio above which
// only the tail of a new full translation is emitted. Below it the full
// translation is emitted again: repeating a few words reads better than
// a decontextualized re-translation.
const DefaultLCPThreshold = 0.60

// Config sets up a per-session pipeline.
type Config struct {
	SessionID    string
	ClientID     string
	SourceLang   string
	TargetLang   string
	LCPThreshold float64
	// TermMappings are applied, in order, to every emission.
	TermMappings []TermRule
}

// Pipeline holds the per-session translation state. The session runs at
// most one Run at a time, but ResetCommitted arrives from the
// recognizer's restart path, so the mutable state is mutex-guarded.
type Pipeline struct {
	cfg        Config
	translator Translator
	eng        *rules.Engine
	sink       Sink
	logger     *slog.Logger

	mappings []compiledTermRule

	mu sync.Mutex
	// committed is always the latest raw MT output for the full
	// transcript, never a concatenation of emitted tails. LCP
	// extraction compares against what the MT actually produced;
	// anything else accumulates drift until no prefix ever matches.
	committed string
	count     int
}

// New creates a pipeline bound to a session's rules engine.
func New(cfg Config, translator Translator, eng *rules.Engine, sink Sink, logger *slog.Logger) *Pipeline {
	if cfg.LCPThreshold <= 0 {
		cfg.LCPThreshold = DefaultLCPThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		cfg:        cfg,
		translator: translator,
		eng:        eng,
		sink:       sink,
		logger:     logger,
		mappings:   compileTermRules(cfg.TermMappings),
	}
}

// Committed returns the full translation of the accumulated transcript
// from the most recent successful MT call. Debug surface.
func (p *Pipeline) Committed() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.committed
}

// Count returns the number of emitted translation events.
func (p *Pipeline) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

// ResetCommitted clears the committed translation. Called on ASR
// restart: a fresh stream produces fresh full-context translations.
func (p *Pipeline) ResetCommitted() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.committed = ""
}

// Run executes one translation attempt. A nil event with nil error
// means the output was suppressed as a duplicate. On error no pipeline
// state is mutated.
func (p *Pipeline) Run(ctx context.Context, fullText string, d rules.Decision) (*Event, error) {
	translatedFull, err := p.translator.Translate(ctx, fullText, p.cfg.SourceLang, p.cfg.TargetLang)
	if err != nil {
		return nil, fmt.Errorf("translate: %w", err)
	}
	translatedFull = strings.TrimSpace(translatedFull)
	if translatedFull == "" {
		return nil, fmt.Errorf("translate: empty result")
	}

	p.mu.Lock()
	emitted := extractTail(p.committed, translatedFull, p.cfg.LCPThreshold)
	p.committed = translatedFull
	p.mu.Unlock()

	emitted = p.postProcess(emitted, d.NewText, fullText)
	if strings.TrimSpace(emitted) == "" {
		p.logger.Debug("nothing new after tail extraction", "client_id", p.cfg.ClientID)
		return nil, nil
	}

	if p.eng.IsDuplicateTranslation(emitted) {
		p.logger.Debug("duplicate translation suppressed", "client_id", p.cfg.ClientID, "text", emitted)
		return nil, nil
	}

	accumulated := p.eng.AppendAccumulated(emitted)
	p.eng.RecordTranslation(emitted)
	p.mu.Lock()
	p.count++
	count := p.count
	p.mu.Unlock()

	ev := &Event{
		Original:    d.NewText,
		Translated:  emitted,
		Accumulated: accumulated,
		Count:       count,
		IsInterim:   !d.IsComplete,
		Reason:      string(d.Reason),
	}

	if p.sink != nil {
		row := Row{
			SessionID:      p.cfg.SessionID,
			ClientID:       p.cfg.ClientID,
			SourceText:     clip(d.NewText, 1000),
			TranslatedText: clip(emitted, 1000),
			SourceLanguage: p.cfg.SourceLang,
			TargetLanguage: p.cfg.TargetLang,
			Reason:         string(d.Reason),
		}
		go p.sink.Append(context.WithoutCancel(ctx), row)
	}

	return ev, nil
}

// extractTail compares the new full translation against the committed
// one at word granularity. When enough of the committed prefix matches,
// only the unseen tail (in original casing and punctuation) is emitted;
// otherwise the whole translation is.
func extractTail(committed, translatedFull string, threshold float64) string {
	if strings.TrimSpace(committed) == "" {
		return translatedFull
	}

	fullWords := strings.Fields(translatedFull)
	committedNorm := normalizeWords(strings.Fields(committed))
	fullNorm := normalizeWords(fullWords)

	match := 0
	for match < len(fullNorm) && match < len(committedNorm) && fullNorm[match] == committedNorm[match] {
		match++
	}

	ratio := float64(match) / float64(len(committedNorm))
	if ratio < threshold {
		return translatedFull
	}
	return strings.Join(fullWords[match:], " ")
}

// normalizeWords lowercases and strips leading/trailing punctuation per
// word so the LCP is insensitive to casing and edge punctuation.
func normalizeWords(words []string) []string {
	out := make([]string, len(words))
	for i, w := range words {
		out[i] = strings.ToLower(strings.Trim(w, ".,!?;:\"'()[]«»„”“"))
	}
	return out
}

func clip(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
