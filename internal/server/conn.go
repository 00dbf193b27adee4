package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

const (
	websocketText   = websocket.TextMessage
	websocketBinary = websocket.BinaryMessage

	// sendBuffer bounds the per-connection outbound queue; a client
	// that stops reading loses events rather than stalling the session.
	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin policy is enforced by the fronting proxy.
	CheckOrigin: func(*http.Request) bool { return true },
}

// clientEvent is the envelope for client → server JSON messages.
type clientEvent struct {
	Type                  string `json:"type"`
	SourceLanguage        string `json:"sourceLanguage,omitempty"`
	TargetLang            string `json:"targetLang,omitempty"`
	Mode                  string `json:"mode,omitempty"`
	TranslationIntervalMs int    `json:"translationIntervalMs,omitempty"`
	UseServerASR          bool   `json:"useServerAsr,omitempty"`
	Text                  string `json:"text,omitempty"`
	IsFinal               bool   `json:"isFinal,omitempty"`
}

func decodeClientEvent(data []byte) (clientEvent, error) {
	var ev clientEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return clientEvent{}, fmt.Errorf("decode client event: %w", err)
	}
	if ev.Type == "" {
		return clientEvent{}, fmt.Errorf("decode client event: missing type")
	}
	return ev, nil
}

// serverEvent is the envelope for server → client JSON messages.
type serverEvent struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// wsConn owns the write side of one websocket. gorilla connections
// allow a single concurrent writer, so all writes funnel through one
// goroutine.
type wsConn struct {
	ws     *websocket.Conn
	send   chan serverEvent
	logger *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

func newWSConn(ws *websocket.Conn, logger *slog.Logger) *wsConn {
	c := &wsConn{
		ws:     ws,
		send:   make(chan serverEvent, sendBuffer),
		logger: logger,
		done:   make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

func (c *wsConn) writeLoop() {
	for {
		select {
		case ev := <-c.send:
			if err := c.ws.WriteJSON(ev); err != nil {
				c.logger.Debug("write failed", "error", err)
				return
			}
		case <-c.done:
			return
		}
	}
}

// Emit queues one event. Never blocks: a full queue drops the event.
func (c *wsConn) Emit(event string, payload any) {
	select {
	case c.send <- serverEvent{Type: event, Payload: payload}:
	case <-c.done:
	default:
		c.logger.Warn("send queue full, dropping event", "event", event)
	}
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}
