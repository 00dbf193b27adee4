// Package session owns all per-session state: the Idle/Active state
// machine, serialization of translation attempts, the pause and
// inactivity timers, and teardown. One Session per connected client.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mikesibiu/BudgetTranslate/internal/asr"
	"github.com/mikesibiu/BudgetTranslate/internal/pipeline"
	"github.com/mikesibiu/BudgetTranslate/internal/rules"
)

// Server → client event names.
const (
	EventSessionStarted   = "session-started"
	EventInterimResult    = "interim-result"
	EventTranslation      = "translation-result"
	EventTranslationError = "translation-error"
	EventRecognitionError = "recognition-error"
	EventSessionTimeout   = "session-timeout"
	EventSessionStopped   = "session-stopped"
	EventConnectionError  = "connection-error"
)

// Emitter delivers server events to the client. Implementations must
// be safe for concurrent use.
type Emitter interface {
	Emit(event string, payload any)
}

// UsageRecorder receives write-only usage increments.
type UsageRecorder interface {
	AddUsage(ctx context.Context, characters int, audioSeconds float64)
}

// Config wires one session together.
type Config struct {
	SessionID  string
	ClientID   string
	SourceLang string
	TargetLang string

	Engine   *rules.Engine
	Pipeline *pipeline.Pipeline
	// ASR is nil when the client performs browser-side recognition and
	// sends transcript-result events directly.
	ASR *asr.Controller

	InactivityTimeout time.Duration
	Emitter           Emitter
	Usage             UsageRecorder
	Logger            *slog.Logger

	// OnClose runs exactly once after teardown (admission release).
	OnClose func()
}

// Session is the per-client coordinator. All mutable state is guarded
// by mu; the pipeline itself is only ever entered by one goroutine at
// a time via the in-flight flag.
type Session struct {
	cfg    Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu              sync.Mutex
	active          bool
	inFlight        bool
	hasPending      bool
	pendingText     string
	pendingDecision rules.Decision

	lastInterimText string
	lastChangeAt    time.Time

	pauseTimer      *time.Timer
	inactivityTimer *time.Timer

	closeOnce sync.Once
}

// New builds a session in the Idle state.
func New(cfg Config) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("client_id", cfg.ClientID)
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = 30 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{cfg: cfg, logger: logger, ctx: ctx, cancel: cancel}
}

// Start transitions Idle→Active. A duplicate start on an Active
// session is a no-op here; the transport layer replaces the session
// wholesale (tearing down the prior stream) before calling Start again.
func (s *Session) Start() error {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return nil
	}
	s.active = true
	s.lastInterimText = ""
	s.lastChangeAt = time.Now()
	s.resetInactivityLocked()
	s.mu.Unlock()

	if s.cfg.ASR != nil {
		s.cfg.ASR.SetOnRestart(s.cfg.Pipeline.ResetCommitted)
		if err := s.cfg.ASR.Start(s.ctx); err != nil {
			return err
		}
		go s.consumeASR()
	}

	opts := s.cfg.Engine.Options()
	s.logger.Info("session started",
		"source", s.cfg.SourceLang, "target", s.cfg.TargetLang,
		"interval", opts.TranslationInterval, "pause", opts.PauseDetection,
		"pre_overlap", opts.PreOverlap, "post_overlap", opts.PostOverlap)

	s.cfg.Emitter.Emit(EventSessionStarted, map[string]any{
		"sourceLanguage": s.cfg.SourceLang,
		"targetLanguage": s.cfg.TargetLang,
	})
	return nil
}

func (s *Session) consumeASR() {
	for {
		select {
		case r, ok := <-s.cfg.ASR.Results():
			if !ok {
				return
			}
			s.HandleTranscript(r.Text, r.IsFinal)
		case err := <-s.cfg.ASR.Fatal():
			s.logger.Error("recognition terminated session", "error", err)
			s.cfg.Emitter.Emit(EventRecognitionError, map[string]any{
				"message": err.Error(),
				"code":    "recognition_failed",
			})
			s.Terminate()
			return
		case <-s.ctx.Done():
			return
		}
	}
}

// HandleTranscript processes one transcript update, from either the
// ASR controller or a browser-side recognizer.
func (s *Session) HandleTranscript(text string, isFinal bool) {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.resetInactivityLocked()

	now := time.Now()
	changed := text != s.lastInterimText
	if changed {
		s.lastChangeAt = now
		s.cancelPauseLocked()
	}
	s.lastInterimText = text
	timeSince := now.Sub(s.lastChangeAt)

	trigger := rules.TriggerInterim
	if isFinal {
		trigger = rules.TriggerFinal
	}
	d := s.cfg.Engine.Decide(rules.Update{
		Text:            text,
		IsFinal:         isFinal,
		TimeSinceChange: timeSince,
		Trigger:         trigger,
	})

	if d.ShouldTranslate {
		if s.inFlight {
			if isFinal {
				// Latest final wins; earlier pendings are superseded.
				s.pendingText = text
				s.pendingDecision = d
				s.hasPending = true
			}
			s.mu.Unlock()
			s.emitInterim(text, isFinal)
			return
		}
		s.inFlight = true
		s.mu.Unlock()
		s.emitInterim(text, isFinal)
		go s.runPipeline(text, d)
		return
	}

	// Rejected interim with fresh text: arm the pause timer so a lull
	// in speech still produces output.
	if !isFinal && changed && s.pauseTimer == nil {
		pause := s.cfg.Engine.Options().PauseDetection
		s.pauseTimer = time.AfterFunc(pause, s.onPauseTimer)
	}
	s.mu.Unlock()
	s.emitInterim(text, isFinal)
}

func (s *Session) emitInterim(text string, isFinal bool) {
	s.cfg.Emitter.Emit(EventInterimResult, map[string]any{
		"text":    text,
		"isFinal": isFinal,
	})
}

func (s *Session) onPauseTimer() {
	s.mu.Lock()
	s.pauseTimer = nil
	if !s.active || s.inFlight {
		s.mu.Unlock()
		return
	}
	text := s.lastInterimText
	timeSince := time.Since(s.lastChangeAt)
	d := s.cfg.Engine.Decide(rules.Update{
		Text:            text,
		IsFinal:         false,
		TimeSinceChange: timeSince,
		Trigger:         rules.TriggerPause,
	})
	if !d.ShouldTranslate {
		s.mu.Unlock()
		return
	}
	s.inFlight = true
	s.mu.Unlock()
	go s.runPipeline(text, d)
}

// runPipeline executes exactly one translation attempt and then, if a
// final arrived meanwhile, the pending one. Chaining in the same
// goroutine keeps emission order equal to decision order.
func (s *Session) runPipeline(text string, d rules.Decision) {
	ev, err := s.cfg.Pipeline.Run(s.ctx, text, d)

	s.mu.Lock()
	s.inFlight = false
	active := s.active
	var nextText string
	var nextDecision rules.Decision
	runNext := false
	if active && s.hasPending {
		nextText, nextDecision = s.pendingText, s.pendingDecision
		s.hasPending = false
		s.inFlight = true
		runNext = true
	}
	s.mu.Unlock()

	if active {
		switch {
		case err != nil:
			s.logger.Warn("translation failed", "error", err)
			s.cfg.Emitter.Emit(EventTranslationError, map[string]any{"message": err.Error()})
		case ev != nil:
			s.cfg.Emitter.Emit(EventTranslation, ev)
			if s.cfg.Usage != nil {
				s.cfg.Usage.AddUsage(s.ctx, len([]rune(text)), 0)
			}
		}
	}

	if runNext {
		s.runPipeline(nextText, nextDecision)
	}
}

// HandleAudio forwards one binary audio frame to the recognizer.
func (s *Session) HandleAudio(chunk []byte) {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.resetInactivityLocked()
	s.mu.Unlock()

	if s.cfg.ASR == nil {
		s.cfg.Emitter.Emit(EventRecognitionError, map[string]any{
			"message": "session does not accept audio",
			"code":    "audio_not_supported",
		})
		return
	}

	if err := s.cfg.ASR.WriteChunk(chunk); err != nil {
		code := "audio_write_failed"
		switch err {
		case asr.ErrChunkTooLarge:
			code = "chunk_too_large"
		case asr.ErrRateLimited:
			code = "rate_limited"
		}
		s.cfg.Emitter.Emit(EventRecognitionError, map[string]any{
			"message": err.Error(),
			"code":    code,
		})
		return
	}
	if s.cfg.Usage != nil {
		// 16 kHz mono s16le.
		s.cfg.Usage.AddUsage(s.ctx, 0, float64(len(chunk))/32000.0)
	}
}

// Stop handles an explicit stop-session: emits the summary, then tears
// down.
func (s *Session) Stop() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	count := s.cfg.Pipeline.Count()
	accumulated := s.cfg.Engine.Accumulated()
	s.teardownLocked()
	s.mu.Unlock()

	s.cfg.Emitter.Emit(EventSessionStopped, map[string]any{
		"translationCount": count,
		"accumulatedText":  accumulated,
	})
	s.finish()
}

// Terminate tears down without a summary (disconnect, fatal ASR).
func (s *Session) Terminate() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		s.finish()
		return
	}
	s.teardownLocked()
	s.mu.Unlock()
	s.finish()
}

func (s *Session) onInactivity() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	timeout := s.cfg.InactivityTimeout
	s.teardownLocked()
	s.mu.Unlock()

	s.logger.Info("session timed out", "inactive", timeout)
	s.cfg.Emitter.Emit(EventSessionTimeout, map[string]any{
		"message":         "session closed after inactivity",
		"inactiveMinutes": int(timeout.Minutes()),
	})
	s.finish()
}

// teardownLocked flips to Idle and cancels all owned resources. The
// in-flight MT call, if any, completes but its emission is skipped
// because active is already false.
func (s *Session) teardownLocked() {
	s.active = false
	s.hasPending = false
	s.pendingText = ""
	s.cancelPauseLocked()
	if s.inactivityTimer != nil {
		s.inactivityTimer.Stop()
		s.inactivityTimer = nil
	}
}

func (s *Session) finish() {
	s.closeOnce.Do(func() {
		s.cancel()
		if s.cfg.ASR != nil {
			_ = s.cfg.ASR.Close()
		}
		if s.cfg.OnClose != nil {
			s.cfg.OnClose()
		}
		s.logger.Info("session closed",
			"translations", s.cfg.Pipeline.Count(),
			"metrics", s.cfg.Engine.Snapshot())
	})
}

func (s *Session) cancelPauseLocked() {
	if s.pauseTimer != nil {
		s.pauseTimer.Stop()
		s.pauseTimer = nil
	}
}

func (s *Session) resetInactivityLocked() {
	if s.inactivityTimer != nil {
		s.inactivityTimer.Stop()
	}
	s.inactivityTimer = time.AfterFunc(s.cfg.InactivityTimeout, s.onInactivity)
}

// Active reports the state machine position.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}
