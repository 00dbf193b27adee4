// Package asr manages a Google streaming speech recognition session on
// behalf of one client: stream configuration, the ~305 s hard-limit
// restart dance, audio buffering across restarts, and fault recovery.
package asr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"golang.org/x/time/rate"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	// Google closes a streaming recognize call at roughly 305 s; the
	// proactive restart fires comfortably before that.
	restartAfter = 290 * time.Second

	maxRestartAttempts = 10
	maxBufferedChunks  = 50
	maxChunkBytes      = 1 << 20 // 1 MB
	maxAudioBytesPerS  = 2 << 20 // 2 MB/s
)

var (
	// ErrChunkTooLarge rejects a single audio frame over 1 MB.
	ErrChunkTooLarge = errors.New("audio chunk exceeds 1 MB")
	// ErrRateLimited rejects audio arriving faster than 2 MB/s.
	ErrRateLimited = errors.New("audio rate limit exceeded")
)

// Result is one decoded recognition event.
type Result struct {
	Text    string
	IsFinal bool
}

// Config describes the recognition session.
type Config struct {
	SourceLang    string
	SampleRateHz  int32
	PhraseHints   []string
	HintBoost     float32
	ClientOptions []option.ClientOption
}

// recognizeStream is the slice of the generated bidi stream the
// controller uses; tests substitute a fake.
type recognizeStream interface {
	Send(*speechpb.StreamingRecognizeRequest) error
	Recv() (*speechpb.StreamingRecognizeResponse, error)
	CloseSend() error
}

// streamOpener opens configured recognition streams.
type streamOpener interface {
	open(ctx context.Context) (recognizeStream, error)
	Close() error
}

// googleOpener dials the real Speech API and sends the streaming
// config as the first request, the way the API requires.
type googleOpener struct {
	client *speech.Client
	cfg    Config
}

func (g *googleOpener) open(ctx context.Context) (recognizeStream, error) {
	stream, err := g.client.StreamingRecognize(ctx)
	if err != nil {
		return nil, fmt.Errorf("start streaming recognize: %w", err)
	}

	rc := &speechpb.RecognitionConfig{
		Encoding:                   speechpb.RecognitionConfig_LINEAR16,
		SampleRateHertz:            g.cfg.SampleRateHz,
		LanguageCode:               g.cfg.SourceLang,
		EnableAutomaticPunctuation: true,
		Model:                      "latest_long",
		UseEnhanced:                true,
	}
	if len(g.cfg.PhraseHints) > 0 {
		rc.SpeechContexts = []*speechpb.SpeechContext{{
			Phrases: g.cfg.PhraseHints,
			Boost:   g.cfg.HintBoost,
		}}
	}
	if err := stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config:         rc,
				InterimResults: true,
			},
		},
	}); err != nil {
		return nil, fmt.Errorf("send streaming config: %w", err)
	}
	return stream, nil
}

func (g *googleOpener) Close() error { return g.client.Close() }

// Controller owns one recognition stream at a time. At most one stream
// handle is writable; during a restart writes are buffered and flushed
// onto the replacement stream in order.
type Controller struct {
	opener  streamOpener
	logger  *slog.Logger
	limiter *rate.Limiter

	results chan Result
	fatal   chan error

	// onRestart runs after every successful stream replacement, so the
	// session can reset its committed translation.
	onRestart func()

	mu              sync.Mutex
	ctx             context.Context
	cancelAll       context.CancelFunc
	stream          recognizeStream
	cancelStream    context.CancelFunc
	generation      int
	restarting      bool
	restartAttempts int
	buffered        [][]byte
	dropLogged      bool
	restartTimer    *time.Timer
	closed          bool
}

// New dials the Speech API and returns a controller ready to Start.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Controller, error) {
	if cfg.SampleRateHz == 0 {
		cfg.SampleRateHz = 16000
	}
	if cfg.HintBoost == 0 {
		cfg.HintBoost = 10
	}
	client, err := speech.NewClient(ctx, cfg.ClientOptions...)
	if err != nil {
		return nil, fmt.Errorf("create speech client: %w", err)
	}
	return newController(&googleOpener{client: client, cfg: cfg}, logger), nil
}

func newController(opener streamOpener, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		opener:  opener,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(maxAudioBytesPerS), maxAudioBytesPerS),
		results: make(chan Result, 16),
		fatal:   make(chan error, 1),
	}
}

// Results delivers decoded recognition events.
func (c *Controller) Results() <-chan Result { return c.results }

// Fatal delivers at most one non-recoverable error; the session must
// terminate on receipt.
func (c *Controller) Fatal() <-chan error { return c.fatal }

// SetOnRestart registers the post-restart hook. Must be called before
// Start.
func (c *Controller) SetOnRestart(fn func()) { c.onRestart = fn }

// Start opens the first stream and schedules the proactive restart.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("controller closed")
	}
	c.ctx, c.cancelAll = context.WithCancel(ctx)
	base := c.ctx
	c.mu.Unlock()

	stream, cancel, err := c.dial(base)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.installStreamLocked(stream, cancel)
	c.mu.Unlock()
	return nil
}

func (c *Controller) dial(base context.Context) (recognizeStream, context.CancelFunc, error) {
	streamCtx, cancel := context.WithCancel(base)
	stream, err := c.opener.open(streamCtx)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	return stream, cancel, nil
}

// installStreamLocked wires a freshly opened stream in and spawns its
// receive loop. Caller holds c.mu.
func (c *Controller) installStreamLocked(stream recognizeStream, cancel context.CancelFunc) {
	c.stream = stream
	c.cancelStream = cancel
	c.generation++
	gen := c.generation

	if c.restartTimer != nil {
		c.restartTimer.Stop()
	}
	c.restartTimer = time.AfterFunc(restartAfter, func() {
		c.restart(gen, false, "stream duration limit approaching")
	})

	go c.recvLoop(gen, stream)
}

// WriteChunk forwards one audio frame, buffering during restarts.
func (c *Controller) WriteChunk(chunk []byte) error {
	if len(chunk) > maxChunkBytes {
		return ErrChunkTooLarge
	}
	if !c.limiter.AllowN(time.Now(), len(chunk)) {
		return ErrRateLimited
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("controller closed")
	}
	if c.restarting {
		if len(c.buffered) >= maxBufferedChunks {
			if !c.dropLogged {
				c.logger.Warn("restart buffer full, dropping newest audio", "buffered", len(c.buffered))
				c.dropLogged = true
			}
			c.mu.Unlock()
			return nil
		}
		buf := make([]byte, len(chunk))
		copy(buf, chunk)
		c.buffered = append(c.buffered, buf)
		c.mu.Unlock()
		return nil
	}
	stream := c.stream
	c.mu.Unlock()

	if stream == nil {
		return errors.New("stream not started")
	}
	return sendAudio(stream, chunk)
}

func sendAudio(stream recognizeStream, chunk []byte) error {
	return stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: chunk,
		},
	})
}

func (c *Controller) recvLoop(gen int, stream recognizeStream) {
	for {
		resp, err := stream.Recv()
		if err != nil {
			c.handleStreamError(gen, err)
			return
		}
		for _, result := range resp.Results {
			if len(result.Alternatives) == 0 {
				continue
			}
			alt := result.Alternatives[0]
			if result.IsFinal {
				c.logger.Debug("recognition final", "text", alt.Transcript, "confidence", alt.Confidence)
			}
			select {
			case c.results <- Result{Text: alt.Transcript, IsFinal: result.IsFinal}:
			case <-c.ctx.Done():
				return
			}
		}
	}
}

type faultClass int

const (
	faultSilence faultClass = iota
	faultDuration
	faultFatal
)

// classifyFault sorts stream errors into the recovery taxonomy. The
// silence timeout arrives as OUT_OF_RANGE too, so it is checked first.
func classifyFault(err error) faultClass {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "audio timeout") || strings.Contains(msg, "without audio") {
		return faultSilence
	}
	if strings.Contains(msg, "maximum allowed stream duration") {
		return faultDuration
	}
	if s, ok := status.FromError(err); ok {
		switch s.Code() {
		case codes.OutOfRange, codes.DeadlineExceeded:
			return faultDuration
		}
	}
	return faultFatal
}

func (c *Controller) handleStreamError(gen int, err error) {
	c.mu.Lock()
	stale := c.closed || gen != c.generation
	c.mu.Unlock()
	if stale {
		return
	}

	if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) || status.Code(err) == codes.Canceled {
		// Stream torn down by us.
		return
	}

	switch classifyFault(err) {
	case faultSilence:
		c.logger.Info("silence timeout, restarting stream", "error", err)
		c.restart(gen, false, "silence timeout")
	case faultDuration:
		c.logger.Info("stream duration fault, restarting", "error", err)
		c.restart(gen, true, "duration limit")
	default:
		c.logger.Error("recognition stream failed", "error", err)
		c.fail(fmt.Errorf("recognition stream: %w", err))
	}
}

// restart replaces the stream. The in-flight flag collapses concurrent
// triggers (the stream can report the same death more than once).
func (c *Controller) restart(gen int, counted bool, cause string) {
	c.mu.Lock()
	if c.closed || c.restarting || gen != c.generation {
		c.mu.Unlock()
		return
	}
	c.restarting = true
	if counted {
		c.restartAttempts++
		if c.restartAttempts > maxRestartAttempts {
			c.restarting = false
			c.mu.Unlock()
			c.fail(fmt.Errorf("restart attempts exhausted (%d)", maxRestartAttempts))
			return
		}
	}
	if c.cancelStream != nil {
		c.cancelStream()
	}
	old := c.stream
	c.stream = nil
	attempts := c.restartAttempts
	base := c.ctx
	c.mu.Unlock()

	if old != nil {
		_ = old.CloseSend()
	}
	c.logger.Info("restarting recognition stream", "cause", cause, "counted", counted, "attempts", attempts)

	// Dial outside the lock so incoming audio buffers instead of
	// blocking on the mutex.
	stream, cancel, err := c.dial(base)
	if err != nil {
		c.mu.Lock()
		c.restarting = false
		c.mu.Unlock()
		c.fail(fmt.Errorf("reopen recognition stream: %w", err))
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return
	}
	c.installStreamLocked(stream, cancel)
	flush := c.buffered
	c.buffered = nil
	c.dropLogged = false
	c.restarting = false
	c.mu.Unlock()

	for _, chunk := range flush {
		if err := sendAudio(stream, chunk); err != nil {
			c.logger.Warn("flush buffered audio failed", "error", err)
			break
		}
	}
	if c.onRestart != nil {
		c.onRestart()
	}
}

func (c *Controller) fail(err error) {
	select {
	case c.fatal <- err:
	default:
	}
}

// Close tears the controller down. Safe to call more than once.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.restartTimer != nil {
		c.restartTimer.Stop()
	}
	if c.cancelStream != nil {
		c.cancelStream()
	}
	if c.cancelAll != nil {
		c.cancelAll()
	}
	stream := c.stream
	c.stream = nil
	c.mu.Unlock()

	if stream != nil {
		_ = stream.CloseSend()
	}
	return c.opener.Close()
}
