package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/mikesibiu/BudgetTranslate/internal/rules"
)

type fakeTranslator struct {
	outputs []string
	err     error
	calls   []string
}

func (f *fakeTranslator) Translate(_ context.Context, text, _, _ string) (string, error) {
	f.calls = append(f.calls, text)
	if f.err != nil {
		return "", f.err
	}
	if len(f.outputs) == 0 {
		return "", errors.New("no scripted output")
	}
	out := f.outputs[0]
	f.outputs = f.outputs[1:]
	return out, nil
}

type fakeSink struct {
	rows chan Row
}

func (f *fakeSink) Append(_ context.Context, row Row) { f.rows <- row }

func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTestPipeline(t *testing.T, tr Translator, cfg Config) (*Pipeline, *rules.Engine) {
	t.Helper()
	if cfg.SourceLang == "" {
		cfg.SourceLang = "ro-RO"
	}
	if cfg.TargetLang == "" {
		cfg.TargetLang = "en"
	}
	eng := rules.NewEngine(rules.Options{}, discard())
	return New(cfg, tr, eng, nil, discard()), eng
}

func approved(newText string) rules.Decision {
	return rules.Decision{
		ShouldTranslate: true,
		Reason:          rules.ReasonSentenceEnding,
		Confidence:      1.0,
		NewText:         newText,
		IsComplete:      true,
	}
}

func TestRunFirstEmissionIsFullTranslation(t *testing.T) {
	t.Parallel()
	tr := &fakeTranslator{outputs: []string{"The shepherd leads his sheep."}}
	p, _ := newTestPipeline(t, tr, Config{})

	ev, err := p.Run(context.Background(), "păstorul își conduce oile.", approved("păstorul își conduce oile."))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ev == nil {
		t.Fatal("Run returned nil event")
	}
	if ev.Translated != "The shepherd leads his sheep." {
		t.Errorf("Translated = %q", ev.Translated)
	}
	if ev.Count != 1 || ev.IsInterim {
		t.Errorf("Count = %d, IsInterim = %v", ev.Count, ev.IsInterim)
	}
	if p.Committed() != "The shepherd leads his sheep." {
		t.Errorf("Committed = %q", p.Committed())
	}
}

func TestRunEmitsOnlyTailWhenPrefixMatches(t *testing.T) {
	t.Parallel()
	tr := &fakeTranslator{outputs: []string{
		"The shepherd leads his sheep.",
		"The shepherd leads his sheep to green pastures.",
	}}
	p, _ := newTestPipeline(t, tr, Config{})

	if _, err := p.Run(context.Background(), "păstorul își conduce oile.", approved("păstorul își conduce oile.")); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	ev, err := p.Run(context.Background(), "păstorul își conduce oile spre pășuni verzi.", approved("spre pășuni verzi."))
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if ev.Translated != "to green pastures." {
		t.Errorf("Translated = %q, want tail only", ev.Translated)
	}
	// The committed translation is always the raw MT output for the
	// full transcript, never an accumulation of emitted tails.
	if p.Committed() != "The shepherd leads his sheep to green pastures." {
		t.Errorf("Committed = %q", p.Committed())
	}
	if ev.Count != 2 {
		t.Errorf("Count = %d, want 2", ev.Count)
	}
}

func TestRunEmitsFullWhenPrefixDiverges(t *testing.T) {
	t.Parallel()
	tr := &fakeTranslator{outputs: []string{
		"He walked to the market yesterday morning early.",
		"She sang a quiet song near the river tonight.",
	}}
	p, _ := newTestPipeline(t, tr, Config{})

	ctx := context.Background()
	if _, err := p.Run(ctx, "s1", approved("s1")); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	ev, err := p.Run(ctx, "s2", approved("s2"))
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if ev == nil {
		t.Fatal("expected full re-emission, got suppression")
	}
	if ev.Translated != "She sang a quiet song near the river tonight." {
		t.Errorf("Translated = %q, want full translation", ev.Translated)
	}
}

func TestRunRewordedDuplicateSuppressedButStillCommitted(t *testing.T) {
	t.Parallel()
	// The second translation reorders the first; the multiset word
	// overlap (6 of 9) is above the post threshold, so it is suppressed
	// while the committed translation still advances to the raw output.
	tr := &fakeTranslator{outputs: []string{
		"He walked to the market yesterday morning early.",
		"Yesterday morning he walked over to the town market.",
	}}
	p, _ := newTestPipeline(t, tr, Config{})

	ctx := context.Background()
	if _, err := p.Run(ctx, "s1", approved("s1")); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	ev, err := p.Run(ctx, "s2", approved("s2"))
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if ev != nil {
		t.Errorf("expected suppression, got %+v", ev)
	}
	if p.Committed() != "Yesterday morning he walked over to the town market." {
		t.Errorf("Committed = %q, want raw MT output even when suppressed", p.Committed())
	}
	if p.Count() != 1 {
		t.Errorf("Count = %d, want 1", p.Count())
	}
}

func TestRunIdenticalTranslationYieldsNoEvent(t *testing.T) {
	t.Parallel()
	tr := &fakeTranslator{outputs: []string{
		"Good evening everyone.",
		"Good evening everyone.",
	}}
	p, _ := newTestPipeline(t, tr, Config{})

	ctx := context.Background()
	if _, err := p.Run(ctx, "bună seara tuturor.", approved("bună seara tuturor.")); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	ev, err := p.Run(ctx, "bună seara tuturor.", approved("bună seara tuturor."))
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if ev != nil {
		t.Errorf("expected nil event, got %+v", ev)
	}
	if p.Count() != 1 {
		t.Errorf("Count = %d, want 1", p.Count())
	}
}

func TestRunDuplicateSuppressedButStillCommitted(t *testing.T) {
	t.Parallel()
	tr := &fakeTranslator{outputs: []string{"Good evening everyone."}}
	p, eng := newTestPipeline(t, tr, Config{})
	eng.RecordTranslation("Good evening everyone.")

	ev, err := p.Run(context.Background(), "bună seara tuturor.", approved("bună seara tuturor."))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ev != nil {
		t.Errorf("expected suppression, got %+v", ev)
	}
	if p.Committed() != "Good evening everyone." {
		t.Errorf("Committed = %q, want raw MT output even when suppressed", p.Committed())
	}
	if p.Count() != 0 {
		t.Errorf("Count = %d, want 0", p.Count())
	}
}

func TestRunErrorMutatesNothing(t *testing.T) {
	t.Parallel()
	tr := &fakeTranslator{err: errors.New("backend down")}
	p, eng := newTestPipeline(t, tr, Config{})

	_, err := p.Run(context.Background(), "ceva text aici.", approved("ceva text aici."))
	if err == nil {
		t.Fatal("expected error")
	}
	if p.Committed() != "" || p.Count() != 0 {
		t.Errorf("state mutated on error: committed=%q count=%d", p.Committed(), p.Count())
	}
	if eng.Accumulated() != "" {
		t.Errorf("accumulated mutated on error: %q", eng.Accumulated())
	}
}

func TestRunPersistsRow(t *testing.T) {
	t.Parallel()
	tr := &fakeTranslator{outputs: []string{"Hello there."}}
	sink := &fakeSink{rows: make(chan Row, 1)}
	eng := rules.NewEngine(rules.Options{}, discard())
	p := New(Config{SessionID: "s-1", ClientID: "c-1", SourceLang: "ro-RO", TargetLang: "en"}, tr, eng, sink, discard())

	if _, err := p.Run(context.Background(), "bună ziua.", approved("bună ziua.")); err != nil {
		t.Fatalf("Run: %v", err)
	}
	select {
	case row := <-sink.rows:
		if row.SessionID != "s-1" || row.TranslatedText != "Hello there." || row.Reason != "sentence_ending" {
			t.Errorf("unexpected row: %+v", row)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no row persisted")
	}
}

func TestResetCommitted(t *testing.T) {
	t.Parallel()
	tr := &fakeTranslator{outputs: []string{"First sentence.", "Second sentence."}}
	p, _ := newTestPipeline(t, tr, Config{})
	ctx := context.Background()

	if _, err := p.Run(ctx, "prima.", approved("prima.")); err != nil {
		t.Fatalf("Run: %v", err)
	}
	p.ResetCommitted()
	ev, err := p.Run(ctx, "a doua.", approved("a doua."))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ev.Translated != "Second sentence." {
		t.Errorf("Translated = %q, want full translation after reset", ev.Translated)
	}
}

func TestExtractTailWordGranularity(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name      string
		committed string
		full      string
		want      string
	}{
		{"empty committed", "", "Hello world.", "Hello world."},
		{"exact prefix", "The quick brown fox", "The quick brown fox jumps over", "jumps over"},
		{"punctuation insensitive", "The quick brown fox.", "The quick brown fox jumps.", "jumps."},
		{"case insensitive", "the quick brown fox", "The quick brown fox jumps", "jumps"},
		{"diverged early", "one two three four five", "one nine eight seven six five four", "one nine eight seven six five four"},
		{"identical", "Same text here now.", "Same text here now.", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := extractTail(tc.committed, tc.full, DefaultLCPThreshold)
			if got != tc.want {
				t.Errorf("extractTail(%q, %q) = %q, want %q", tc.committed, tc.full, got, tc.want)
			}
		})
	}
}
