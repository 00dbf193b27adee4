package store

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/mikesibiu/BudgetTranslate/internal/pipeline"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, "test", slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testRow(sessionID string) pipeline.Row {
	return pipeline.Row{
		SessionID:      sessionID,
		ClientID:       "client-1",
		SourceText:     "bună ziua",
		TranslatedText: "good day",
		SourceLanguage: "ro-RO",
		TargetLanguage: "en",
		Reason:         "sentence_ending",
	}
}

func TestAppendAndCount(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	s.Append(ctx, testRow("s-1"))
	s.Append(ctx, testRow("s-1"))

	n, err := s.DebugRowCount(ctx)
	if err != nil {
		t.Fatalf("DebugRowCount: %v", err)
	}
	if n != 2 {
		t.Errorf("rows = %d, want 2", n)
	}
}

func TestRowCapEnforced(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < retentionRows+20; i++ {
		s.Append(ctx, testRow("s-cap"))
	}
	n, err := s.DebugRowCount(ctx)
	if err != nil {
		t.Fatalf("DebugRowCount: %v", err)
	}
	if n != retentionRows {
		t.Errorf("rows = %d, want %d", n, retentionRows)
	}
}

func TestAgeRetention(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	// Backdate a row past the retention horizon, then trigger a lazy
	// cleanup with a fresh append.
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO debug_log
			(session_id, client_id, source_text, translated_text,
			 source_language, target_language, reason, created_at)
		VALUES ('old', 'c', 's', 't', 'ro-RO', 'en', 'pause_detected',
		        datetime('now', '-60 minutes'))`,
	); err != nil {
		t.Fatalf("backdated insert: %v", err)
	}
	s.Append(ctx, testRow("s-new"))

	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM debug_log WHERE session_id = 'old'`,
	).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Errorf("backdated rows remaining = %d, want 0", n)
	}
}

func TestUsageCounters(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	s.AddUsage(ctx, 120, 2.5)
	s.AddUsage(ctx, 80, 1.5)

	chars, secs, err := s.Usage(ctx)
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	if chars != 200 || secs != 4.0 {
		t.Errorf("usage = (%d, %v), want (200, 4)", chars, secs)
	}
}

func TestUsageCapsPerEvent(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	s.AddUsage(ctx, maxCharsPerEvent*10, maxSecondsPerEvent*10)
	s.AddUsage(ctx, -5, -5)

	chars, secs, err := s.Usage(ctx)
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	if chars != maxCharsPerEvent || secs != maxSecondsPerEvent {
		t.Errorf("usage = (%d, %v), want clamped to (%d, %d)",
			chars, secs, maxCharsPerEvent, maxSecondsPerEvent)
	}
}
