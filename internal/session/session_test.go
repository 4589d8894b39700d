package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/voicebroker/broker/internal/protocol"
)

type fakeWriter struct {
	mu     sync.Mutex
	frames []protocol.Frame
	closed bool
}

func (f *fakeWriter) WriteText(data []byte) error {
	var fr protocol.Frame
	if err := json.Unmarshal(data, &fr); err != nil {
		return err
	}
	f.mu.Lock()
	f.frames = append(f.frames, fr)
	f.mu.Unlock()
	return nil
}

func (f *fakeWriter) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeWriter) events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.frames))
	for i, fr := range f.frames {
		out[i] = fr.Event
	}
	return out
}

type recordingStarter struct {
	mu      sync.Mutex
	starts  int
	lastBuf []byte
}

func (r *recordingStarter) StartTurn(ctx context.Context, sess *Session, buf []byte, format protocol.AudioFormat, sampleRate int) {
	r.mu.Lock()
	r.starts++
	r.lastBuf = buf
	r.mu.Unlock()
	sess.EndTurn(ctx)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSession_PingPong(t *testing.T) {
	w := &fakeWriter{}
	starter := &recordingStarter{}
	s := New("s1", "u1", protocol.DefaultVoiceSettings(), w, starter, testLogger())
	s.Start()
	defer s.Shutdown()

	s.HandleInbound(context.Background(), protocol.Frame{
		Event: protocol.EventPing,
		Data:  mustJSON(t, protocol.PingData{TS: 42}),
	})

	waitFor(t, func() bool { return len(w.events()) == 1 })
	if got := w.events(); len(got) != 1 || got[0] != protocol.EventPong {
		t.Fatalf("expected [pong], got %v", got)
	}
}

func TestSession_UnknownEventEmitsErrorAndStaysOpen(t *testing.T) {
	w := &fakeWriter{}
	starter := &recordingStarter{}
	s := New("s1", "u1", protocol.DefaultVoiceSettings(), w, starter, testLogger())
	s.Start()
	defer s.Shutdown()

	s.HandleInbound(context.Background(), protocol.Frame{Event: "foo", Data: json.RawMessage(`{}`)})

	waitFor(t, func() bool { return len(w.events()) == 1 })
	if got := w.events(); got[0] != protocol.EventError {
		t.Fatalf("expected error frame, got %v", got)
	}
	if s.State() == Closed {
		t.Fatalf("unknown event must not close the session")
	}
}

func TestSession_FinalAudioChunkStartsATurn(t *testing.T) {
	w := &fakeWriter{}
	starter := &recordingStarter{}
	s := New("s1", "u1", protocol.DefaultVoiceSettings(), w, starter, testLogger())
	s.Start()
	defer s.Shutdown()

	s.HandleInbound(context.Background(), protocol.Frame{
		Event: protocol.EventAudioChunk,
		Data: mustJSON(t, protocol.AudioChunkData{
			AudioChunk: "AAA=",
			Format:     protocol.FormatWAV,
			SampleRate: 16000,
			IsFinal:    true,
		}),
	})

	waitFor(t, func() bool {
		starter.mu.Lock()
		defer starter.mu.Unlock()
		return starter.starts == 1
	})
}

func TestSession_BargeInCancelsAndStartsNewTurn(t *testing.T) {
	w := &fakeWriter{}
	starter := &recordingStarter{}
	s := New("s1", "u1", protocol.DefaultVoiceSettings(), w, starter, testLogger())
	s.Start()
	defer s.Shutdown()
	s.setState(Speaking)
	prevCtx, prevCancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.turnCancel = prevCancel
	s.mu.Unlock()

	s.HandleInbound(context.Background(), protocol.Frame{
		Event: protocol.EventAudioChunk,
		Data: mustJSON(t, protocol.AudioChunkData{
			AudioChunk: "AAA=",
			Format:     protocol.FormatWAV,
			SampleRate: 16000,
			IsFinal:    true,
		}),
	})

	waitFor(t, func() bool {
		starter.mu.Lock()
		defer starter.mu.Unlock()
		return starter.starts == 1
	})
	if prevCtx.Err() == nil {
		t.Fatalf("expected barge-in to cancel the in-flight turn")
	}
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within timeout")
}
