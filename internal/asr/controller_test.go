package asr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type recvEvent struct {
	resp *speechpb.StreamingRecognizeResponse
	err  error
}

type fakeStream struct {
	mu     sync.Mutex
	sent   [][]byte
	events chan recvEvent
}

func newFakeStream() *fakeStream {
	return &fakeStream{events: make(chan recvEvent, 16)}
}

func (f *fakeStream) Send(req *speechpb.StreamingRecognizeRequest) error {
	if audio, ok := req.StreamingRequest.(*speechpb.StreamingRecognizeRequest_AudioContent); ok {
		f.mu.Lock()
		f.sent = append(f.sent, audio.AudioContent)
		f.mu.Unlock()
	}
	return nil
}

func (f *fakeStream) Recv() (*speechpb.StreamingRecognizeResponse, error) {
	ev, ok := <-f.events
	if !ok {
		return nil, io.EOF
	}
	return ev.resp, ev.err
}

func (f *fakeStream) CloseSend() error { return nil }

func (f *fakeStream) sentChunks() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sent))
	copy(out, f.sent)
	return out
}

type fakeOpener struct {
	mu      sync.Mutex
	streams []*fakeStream
	// gate, when set, blocks open calls after the first until released.
	gate    chan struct{}
	opening chan struct{}
}

func (f *fakeOpener) open(ctx context.Context) (recognizeStream, error) {
	f.mu.Lock()
	n := len(f.streams)
	f.mu.Unlock()
	if n > 0 && f.opening != nil {
		f.opening <- struct{}{}
	}
	if n > 0 && f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s := newFakeStream()
	f.mu.Lock()
	f.streams = append(f.streams, s)
	f.mu.Unlock()
	return s, nil
}

func (f *fakeOpener) Close() error { return nil }

func (f *fakeOpener) stream(i int) *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.streams) {
		return nil
	}
	return f.streams[i]
}

func (f *fakeOpener) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.streams)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func startController(t *testing.T, opener *fakeOpener) *Controller {
	t.Helper()
	c := newController(opener, slog.New(slog.DiscardHandler))
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func resultsResponse(text string, isFinal bool) *speechpb.StreamingRecognizeResponse {
	return &speechpb.StreamingRecognizeResponse{
		Results: []*speechpb.StreamingRecognitionResult{{
			IsFinal: isFinal,
			Alternatives: []*speechpb.SpeechRecognitionAlternative{{
				Transcript: text,
			}},
		}},
	}
}

func TestResultsForwarded(t *testing.T) {
	t.Parallel()
	opener := &fakeOpener{}
	c := startController(t, opener)

	opener.stream(0).events <- recvEvent{resp: resultsResponse("bună", false)}
	opener.stream(0).events <- recvEvent{resp: resultsResponse("bună ziua.", true)}

	r1 := <-c.Results()
	r2 := <-c.Results()
	if r1.Text != "bună" || r1.IsFinal {
		t.Errorf("r1 = %+v", r1)
	}
	if r2.Text != "bună ziua." || !r2.IsFinal {
		t.Errorf("r2 = %+v", r2)
	}
}

func TestWriteChunkValidation(t *testing.T) {
	t.Parallel()
	opener := &fakeOpener{}
	c := startController(t, opener)

	if err := c.WriteChunk(make([]byte, maxChunkBytes+1)); !errors.Is(err, ErrChunkTooLarge) {
		t.Errorf("oversized chunk: err = %v", err)
	}

	// The limiter burst is 2 MB; the third 1 MB chunk in the same
	// instant exceeds it.
	if err := c.WriteChunk(make([]byte, maxChunkBytes)); err != nil {
		t.Fatalf("chunk 1: %v", err)
	}
	if err := c.WriteChunk(make([]byte, maxChunkBytes)); err != nil {
		t.Fatalf("chunk 2: %v", err)
	}
	if err := c.WriteChunk(make([]byte, maxChunkBytes)); !errors.Is(err, ErrRateLimited) {
		t.Errorf("chunk 3: err = %v, want rate limited", err)
	}
}

func TestDurationFaultRestartsAndFlushesBuffer(t *testing.T) {
	t.Parallel()
	opener := &fakeOpener{gate: make(chan struct{}), opening: make(chan struct{}, 1)}
	c := newController(opener, slog.New(slog.DiscardHandler))
	restarted := make(chan struct{}, 1)
	c.SetOnRestart(func() { restarted <- struct{}{} })
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	opener.stream(0).events <- recvEvent{err: status.Error(codes.OutOfRange, "Exceeded maximum allowed stream duration")}

	// Reopen is now blocked on the gate; writes must buffer.
	<-opener.opening
	if err := c.WriteChunk([]byte{1}); err != nil {
		t.Fatalf("buffered write: %v", err)
	}
	if err := c.WriteChunk([]byte{2}); err != nil {
		t.Fatalf("buffered write: %v", err)
	}
	close(opener.gate)

	select {
	case <-restarted:
	case <-time.After(3 * time.Second):
		t.Fatal("restart hook never fired")
	}
	waitFor(t, func() bool { return opener.stream(1) != nil && len(opener.stream(1).sentChunks()) == 2 })
	chunks := opener.stream(1).sentChunks()
	if chunks[0][0] != 1 || chunks[1][0] != 2 {
		t.Errorf("flush order = %v", chunks)
	}
}

func TestBufferDropsNewestWhenFull(t *testing.T) {
	t.Parallel()
	opener := &fakeOpener{gate: make(chan struct{}), opening: make(chan struct{}, 1)}
	c := startController(t, opener)

	opener.stream(0).events <- recvEvent{err: status.Error(codes.OutOfRange, "Exceeded maximum allowed stream duration")}
	<-opener.opening

	for i := 0; i < maxBufferedChunks+5; i++ {
		if err := c.WriteChunk([]byte{byte(i)}); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	close(opener.gate)

	waitFor(t, func() bool { return opener.stream(1) != nil && len(opener.stream(1).sentChunks()) >= maxBufferedChunks })
	if got := len(opener.stream(1).sentChunks()); got != maxBufferedChunks {
		t.Errorf("flushed %d chunks, want %d", got, maxBufferedChunks)
	}
}

func TestSilenceTimeoutDoesNotCountTowardCap(t *testing.T) {
	t.Parallel()
	opener := &fakeOpener{}
	c := startController(t, opener)

	for i := 0; i < maxRestartAttempts+3; i++ {
		waitFor(t, func() bool { return opener.stream(i) != nil })
		opener.stream(i).events <- recvEvent{err: status.Error(codes.OutOfRange, "Audio Timeout Error: Long duration elapsed without audio")}
		waitFor(t, func() bool { return opener.count() > i+1 })
	}

	select {
	case err := <-c.Fatal():
		t.Fatalf("silence restarts produced fatal error: %v", err)
	default:
	}
}

func TestRestartCapTerminates(t *testing.T) {
	t.Parallel()
	opener := &fakeOpener{}
	c := startController(t, opener)

	for i := 0; i <= maxRestartAttempts; i++ {
		waitFor(t, func() bool { return opener.stream(i) != nil })
		opener.stream(i).events <- recvEvent{err: status.Error(codes.OutOfRange, "Exceeded maximum allowed stream duration")}
		if i < maxRestartAttempts {
			waitFor(t, func() bool { return opener.count() > i+1 })
		}
	}

	select {
	case err := <-c.Fatal():
		if err == nil {
			t.Fatal("nil fatal error")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("restart cap did not produce a fatal error")
	}
}

func TestOtherErrorsSurface(t *testing.T) {
	t.Parallel()
	opener := &fakeOpener{}
	c := startController(t, opener)

	opener.stream(0).events <- recvEvent{err: status.Error(codes.Internal, "backend exploded")}

	select {
	case err := <-c.Fatal():
		if err == nil {
			t.Fatal("nil fatal error")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("internal error did not surface")
	}
	if opener.count() != 1 {
		t.Errorf("streams opened = %d, want no restart", opener.count())
	}
}

func TestClassifyFault(t *testing.T) {
	t.Parallel()
	cases := []struct {
		err  error
		want faultClass
	}{
		{status.Error(codes.OutOfRange, "Audio Timeout Error: Long duration elapsed without audio"), faultSilence},
		{status.Error(codes.OutOfRange, "Exceeded maximum allowed stream duration of 305 seconds"), faultDuration},
		{status.Error(codes.DeadlineExceeded, "deadline exceeded"), faultDuration},
		{fmt.Errorf("maximum allowed stream duration exceeded"), faultDuration},
		{status.Error(codes.Internal, "boom"), faultFatal},
		{errors.New("plain failure"), faultFatal},
	}
	for _, tc := range cases {
		if got := classifyFault(tc.err); got != tc.want {
			t.Errorf("classifyFault(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()
	opener := &fakeOpener{}
	c := startController(t, opener)
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
