// Package server exposes the WebSocket endpoint: it admits
// connections, decodes client events, builds a session per
// start-session, and writes server events through a single writer
// goroutine per connection.
package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"google.golang.org/api/option"

	"github.com/mikesibiu/BudgetTranslate/internal/asr"
	"github.com/mikesibiu/BudgetTranslate/internal/config"
	"github.com/mikesibiu/BudgetTranslate/internal/mt"
	"github.com/mikesibiu/BudgetTranslate/internal/pipeline"
	"github.com/mikesibiu/BudgetTranslate/internal/rules"
	"github.com/mikesibiu/BudgetTranslate/internal/session"
	"github.com/mikesibiu/BudgetTranslate/internal/store"
)

// Server holds the shared collaborators for all sessions.
type Server struct {
	cfg        *config.Config
	tuning     *config.HotTuning
	translator mt.Translator
	store      *store.Store // may be nil
	manager    *session.Manager
	creds      []option.ClientOption
	logger     *slog.Logger
	httpServer *http.Server
}

// New assembles the server.
func New(cfg *config.Config, tuning *config.HotTuning, translator mt.Translator, st *store.Store, creds []option.ClientOption, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:        cfg,
		tuning:     tuning,
		translator: translator,
		store:      st,
		manager:    session.NewManager(cfg.MaxConnections, cfg.MaxConnectionsPerIP),
		creds:      creds,
		logger:     logger,
	}
}

// Handler returns the HTTP mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	return mux
}

// ListenAndServe blocks until the listener fails or Shutdown runs.
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("listening", "port", s.cfg.Port)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and drains the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ip := remoteIP(r)
	if err := s.manager.Acquire(ip); err != nil {
		s.logger.Warn("connection rejected", "ip", ip, "error", err)
		conn, upErr := upgrader.Upgrade(w, r, nil)
		if upErr != nil {
			return
		}
		_ = conn.WriteJSON(serverEvent{Type: session.EventConnectionError, Payload: map[string]any{
			"message": err.Error(),
			"code":    admissionCode(err),
		}})
		_ = conn.Close()
		return
	}
	defer s.manager.Release(ip)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "ip", ip, "error", err)
		return
	}

	clientID := newID()
	logger := s.logger.With("client_id", clientID, "ip", ip)
	c := newWSConn(conn, logger)
	defer c.close()

	logger.Info("client connected", "connections", s.manager.Count())
	s.readLoop(c, clientID, logger)
	logger.Info("client disconnected")
}

func admissionCode(err error) string {
	if err == session.ErrTooManyFromAddress {
		return "too_many_connections_from_ip"
	}
	return "server_full"
}

// readLoop drives one connection until it drops. It owns the session
// pointer; all mutation of it happens here.
func (s *Server) readLoop(c *wsConn, clientID string, logger *slog.Logger) {
	var sess *session.Session
	defer func() {
		if sess != nil {
			sess.Terminate()
		}
	}()

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		switch msgType {
		case websocketBinary:
			if sess == nil {
				c.Emit(session.EventRecognitionError, map[string]any{
					"message": "no active session",
					"code":    "no_session",
				})
				continue
			}
			sess.HandleAudio(data)
		case websocketText:
			ev, err := decodeClientEvent(data)
			if err != nil {
				c.Emit(session.EventConnectionError, map[string]any{
					"message": "malformed event",
					"code":    "bad_event",
				})
				continue
			}
			switch ev.Type {
			case "start-session":
				// A duplicate start tears the prior session down first.
				if sess != nil {
					sess.Terminate()
					sess = nil
				}
				next, err := s.startSession(c, clientID, ev, logger)
				if err != nil {
					c.Emit(session.EventConnectionError, map[string]any{
						"message": err.Error(),
						"code":    "invalid_session_params",
					})
					continue
				}
				sess = next
			case "transcript-result":
				if sess != nil {
					sess.HandleTranscript(ev.Text, ev.IsFinal)
				}
			case "stop-session":
				if sess != nil {
					sess.Stop()
					sess = nil
				}
			default:
				logger.Debug("unknown event", "type", ev.Type)
			}
		}
	}
}

// startSession validates the parameters and assembles the engine,
// pipeline and (optionally) the recognizer for one session.
func (s *Server) startSession(c *wsConn, clientID string, ev clientEvent, logger *slog.Logger) (*session.Session, error) {
	if !config.ValidSourceLang(ev.SourceLanguage) {
		return nil, fmt.Errorf("invalid source language %q", ev.SourceLanguage)
	}
	if !config.ValidTargetLang(ev.TargetLang) {
		return nil, fmt.Errorf("invalid target language %q", ev.TargetLang)
	}
	tn := s.tuning.Get()
	mode := ev.Mode
	if mode == "" {
		mode = "talks"
	}
	if !tn.ValidMode(mode) {
		return nil, fmt.Errorf("invalid mode %q", mode)
	}
	var override time.Duration
	if ev.TranslationIntervalMs != 0 {
		var err error
		override, err = config.IntervalOverride(ev.TranslationIntervalMs)
		if err != nil {
			return nil, err
		}
	}

	sessionID := newID()
	eng := rules.NewEngine(tn.RulesOptions(mode, override), logger)

	var sink pipeline.Sink
	var usage session.UsageRecorder
	if s.store != nil {
		sink = s.store
		usage = s.store
	}
	pipe := pipeline.New(pipeline.Config{
		SessionID:    sessionID,
		ClientID:     clientID,
		SourceLang:   ev.SourceLanguage,
		TargetLang:   ev.TargetLang,
		LCPThreshold: tn.LCPThreshold,
		TermMappings: tn.TermMappings,
	}, s.translator, eng, sink, logger)

	var controller *asr.Controller
	if ev.UseServerASR {
		var err error
		controller, err = asr.New(context.Background(), asr.Config{
			SourceLang:    ev.SourceLanguage,
			PhraseHints:   tn.PhraseHints,
			ClientOptions: s.creds,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("start recognizer: %w", err)
		}
	}

	sess := session.New(session.Config{
		SessionID:         sessionID,
		ClientID:          clientID,
		SourceLang:        ev.SourceLanguage,
		TargetLang:        ev.TargetLang,
		Engine:            eng,
		Pipeline:          pipe,
		ASR:               controller,
		InactivityTimeout: s.cfg.InactivityTimeout,
		Emitter:           c,
		Usage:             usage,
		Logger:            logger,
	})
	if err := sess.Start(); err != nil {
		sess.Terminate()
		return nil, err
	}
	return sess, nil
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func newID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
