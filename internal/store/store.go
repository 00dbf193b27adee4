// Package store persists the translation debug log and usage counters
// in sqlite. Everything here is best-effort: a failed write is logged
// and dropped, never surfaced to a session.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mikesibiu/BudgetTranslate/internal/pipeline"
)

const (
	// Debug rows older than this are purged on the next append.
	retentionMinutes = 45
	// Hard cap on retained debug rows.
	retentionRows = 500

	// Per-append caps keep a misbehaving client from inflating the
	// usage counters.
	maxCharsPerEvent   = 5000
	maxSecondsPerEvent = 60
)

// Store wraps the sqlite database.
type Store struct {
	db         *sql.DB
	logger     *slog.Logger
	appVersion string
}

// Open opens (or creates) the database and runs migrations.
func Open(dbPath, appVersion string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// SQLite only supports one writer at a time; limit the pool to 1
	// connection to avoid SQLITE_BUSY under concurrent sessions.
	db.SetMaxOpenConns(1)

	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{db: db, logger: logger, appVersion: appVersion}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS debug_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			client_id TEXT NOT NULL,
			source_text TEXT NOT NULL,
			translated_text TEXT NOT NULL,
			source_language TEXT NOT NULL,
			target_language TEXT NOT NULL,
			reason TEXT NOT NULL,
			app_version TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT (datetime('now'))
		);
		CREATE INDEX IF NOT EXISTS idx_debug_created ON debug_log(created_at);
		CREATE TABLE IF NOT EXISTS usage_counters (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			characters_translated INTEGER NOT NULL DEFAULT 0,
			audio_seconds REAL NOT NULL DEFAULT 0
		);
		INSERT OR IGNORE INTO usage_counters (id) VALUES (1);
	`)
	return err
}

// Append writes one debug row and lazily enforces retention. It
// satisfies the pipeline's sink contract; failures are logged only.
func (s *Store) Append(ctx context.Context, row pipeline.Row) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO debug_log
			(session_id, client_id, source_text, translated_text,
			 source_language, target_language, reason, app_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		row.SessionID, row.ClientID, row.SourceText, row.TranslatedText,
		row.SourceLanguage, row.TargetLanguage, row.Reason, s.appVersion,
	)
	if err != nil {
		s.logger.Warn("debug log insert failed", "error", err)
		return
	}
	s.cleanup(ctx)
}

func (s *Store) cleanup(ctx context.Context) {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM debug_log WHERE created_at < datetime('now', ?)`,
		fmt.Sprintf("-%d minutes", retentionMinutes),
	); err != nil {
		s.logger.Warn("debug log age cleanup failed", "error", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM debug_log WHERE id NOT IN (
			SELECT id FROM debug_log ORDER BY id DESC LIMIT ?
		)`, retentionRows,
	); err != nil {
		s.logger.Warn("debug log size cleanup failed", "error", err)
	}
}

// DebugRowCount reports the current debug-log size. Debug surface.
func (s *Store) DebugRowCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM debug_log`).Scan(&n)
	return n, err
}

// AddUsage increments the write-only usage counters, clamping each
// event's contribution.
func (s *Store) AddUsage(ctx context.Context, characters int, audioSeconds float64) {
	if characters < 0 {
		characters = 0
	}
	if characters > maxCharsPerEvent {
		characters = maxCharsPerEvent
	}
	if audioSeconds < 0 {
		audioSeconds = 0
	}
	if audioSeconds > maxSecondsPerEvent {
		audioSeconds = maxSecondsPerEvent
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE usage_counters
		SET characters_translated = characters_translated + ?,
		    audio_seconds = audio_seconds + ?
		WHERE id = 1`, characters, audioSeconds,
	); err != nil {
		s.logger.Warn("usage counter update failed", "error", err)
	}
}

// Usage reads the counters back. Debug surface.
func (s *Store) Usage(ctx context.Context) (characters int64, audioSeconds float64, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT characters_translated, audio_seconds FROM usage_counters WHERE id = 1`,
	).Scan(&characters, &audioSeconds)
	return characters, audioSeconds, err
}

func (s *Store) Close() error { return s.db.Close() }
