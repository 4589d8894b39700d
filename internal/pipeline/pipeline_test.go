package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/voicebroker/broker/internal/adapters"
	"github.com/voicebroker/broker/internal/audio"
	"github.com/voicebroker/broker/internal/errs"
	"github.com/voicebroker/broker/internal/protocol"
	"github.com/voicebroker/broker/internal/session"
	"github.com/voicebroker/broker/internal/turnlog"
)

// fakeWriter captures outbound frames in delivery order, the same shape as
// the session package's own test fake.
type fakeWriter struct {
	mu     sync.Mutex
	frames []protocol.Frame
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

func (f *fakeWriter) Close() error { return nil }

func (f *fakeWriter) events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.frames))
	for i, fr := range f.frames {
		out[i] = fr.Event
	}
	return out
}

func (f *fakeWriter) dataOf(event string) json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, fr := range f.frames {
		if fr.Event == event {
			return fr.Data
		}
	}
	return nil
}

type noopStarter struct{}

func (noopStarter) StartTurn(ctx context.Context, sess *session.Session, buf []byte, format protocol.AudioFormat, sampleRate int) {
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeASR is a configurable adapters.ASR. blockUntilCancel makes Transcribe
// hang until ctx is cancelled, so a caller-side timeout can be exercised
// without sleeping through the real per-call budget.
type fakeASR struct {
	transcript       string
	err              error
	blockUntilCancel bool
}

func (f *fakeASR) Transcribe(ctx context.Context, pcmWAV []byte) (string, error) {
	if f.blockUntilCancel {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return f.transcript, f.err
}

// fakeAgent is a configurable adapters.Agent (non-streaming).
type fakeAgent struct {
	response         string
	err              error
	blockUntilCancel bool
}

func (f *fakeAgent) Respond(ctx context.Context, userText string, history []adapters.HistoryTurn) (string, error) {
	if f.blockUntilCancel {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return f.response, f.err
}

// fakeTTS returns a fixed set of chunks (or a fixed error) regardless of
// input text.
type fakeTTS struct {
	mu     sync.Mutex
	calls  int
	chunks [][]byte
	err    error
	// block, if set, makes Synthesize return a channel that never produces
	// a value or closes, forcing drainTTS's select onto ctx.Done().
	block bool
}

func (f *fakeTTS) Synthesize(ctx context.Context, text string) (<-chan []byte, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.block {
		return make(chan []byte), nil
	}
	ch := make(chan []byte, len(f.chunks))
	for _, c := range f.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (f *fakeTTS) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestTurnLog(t *testing.T) *turnlog.Log {
	t.Helper()
	log, err := turnlog.Open(t.TempDir())
	if err != nil {
		t.Fatalf("turnlog.Open: %v", err)
	}
	t.Cleanup(func() { log.Close() })
	return log
}

// newTestSession builds a *session.Session with no real transport, its
// writer instead capturing frames in fakeWriter.
func newTestSession(settings protocol.VoiceSettings) (*session.Session, *fakeWriter) {
	w := &fakeWriter{}
	sess := session.New("sess-1", "user-1", settings, w, noopStarter{}, testLogger())
	sess.Start()
	return sess, w
}

// loudWAV builds a canonical 16kHz mono WAV buffer loud enough to clear the
// validator's default energy threshold (500.0): a square wave has constant
// magnitude, so its RMS equals its amplitude exactly.
func loudWAV() []byte {
	samples := make([]float32, canonicalSampleRate/2) // 0.5s
	for i := range samples {
		if i%2 == 0 {
			samples[i] = 0.8
		} else {
			samples[i] = -0.8
		}
	}
	return audio.SamplesToWAV(samples, canonicalSampleRate)
}

// silentWAV builds a buffer well below the energy threshold.
func silentWAV() []byte {
	samples := make([]float32, canonicalSampleRate/2)
	return audio.SamplesToWAV(samples, canonicalSampleRate)
}

func settingsWithEnergyThreshold(threshold float64) protocol.VoiceSettings {
	s := protocol.DefaultVoiceSettings()
	s.BackendEnergyThreshold = threshold
	s.BackendVADEnabled = false // isolate stage 1 for these tests
	return s
}

func isTerminalEvent(e string) bool {
	switch e {
	case protocol.EventStreamingComplete, protocol.EventStreamingInterrupted,
		protocol.EventError, protocol.EventValidationRejected:
		return true
	default:
		return false
	}
}

// waitForTerminal polls until the session has written a frame that ends a
// turn (every StartTurn call in these tests reaches exactly one such frame
// as its last write), so tests don't race the outbound writer goroutine.
func waitForTerminal(t *testing.T, w *fakeWriter) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got := w.events()
		if len(got) > 0 && isTerminalEvent(got[len(got)-1]) {
			return got
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for a terminal frame, got %v", w.events())
	return nil
}

func TestTurnPipeline_HappyPathOrdering(t *testing.T) {
	sess, w := newTestSession(settingsWithEnergyThreshold(500.0))
	defer sess.Shutdown()

	tts := &fakeTTS{chunks: [][]byte{[]byte("chunk-a")}}
	p := New(Config{
		ASR:       &fakeASR{transcript: "hello there"},
		Agent:     &fakeAgent{response: "Hi there. Thanks for asking."},
		TTS:       tts,
		TurnLog:   newTestTurnLog(t),
		TTSFormat: protocol.FormatWAV,
	})

	p.StartTurn(context.Background(), sess, loudWAV(), protocol.FormatWAV, canonicalSampleRate)

	got := waitForTerminal(t, w)
	wantPrefix := []string{protocol.EventTranscription, protocol.EventAgentResponse}
	for i, want := range wantPrefix {
		if got[i] != want {
			t.Fatalf("event %d = %q, want %q (full: %v)", i, got[i], want, got)
		}
	}
	last := got[len(got)-1]
	if last != protocol.EventStreamingComplete {
		t.Fatalf("last event = %q, want %q (full: %v)", last, protocol.EventStreamingComplete, got)
	}
	for _, e := range got[2 : len(got)-1] {
		if e != protocol.EventTTSChunk {
			t.Fatalf("expected only tts_chunk between agent_response and streaming_complete, got %q in %v", e, got)
		}
	}
}

func TestTurnPipeline_ValidationRejectedSkipsASR(t *testing.T) {
	sess, w := newTestSession(settingsWithEnergyThreshold(500.0))
	defer sess.Shutdown()

	asr := &fakeASR{}
	p := New(Config{
		ASR:     asr,
		Agent:   &fakeAgent{response: "unused"},
		TTS:     &fakeTTS{},
		TurnLog: newTestTurnLog(t),
	})

	p.StartTurn(context.Background(), sess, silentWAV(), protocol.FormatWAV, canonicalSampleRate)

	got := waitForTerminal(t, w)
	if len(got) != 1 || got[0] != protocol.EventValidationRejected {
		t.Fatalf("expected [validation_rejected], got %v", got)
	}

	var data protocol.ValidationRejectedData
	if err := json.Unmarshal(w.dataOf(protocol.EventValidationRejected), &data); err != nil {
		t.Fatalf("unmarshal validation_rejected data: %v", err)
	}
	if data.Reason == "" {
		t.Fatalf("expected a non-empty rejection reason")
	}
}

func TestTurnPipeline_EmptyTranscriptEmitsNoTranscription(t *testing.T) {
	sess, w := newTestSession(settingsWithEnergyThreshold(500.0))
	defer sess.Shutdown()

	p := New(Config{
		ASR:     &fakeASR{transcript: "   "},
		Agent:   &fakeAgent{response: "unused"},
		TTS:     &fakeTTS{},
		TurnLog: newTestTurnLog(t),
	})

	p.StartTurn(context.Background(), sess, loudWAV(), protocol.FormatWAV, canonicalSampleRate)

	waitForTerminal(t, w)
	var data protocol.ErrorData
	if err := json.Unmarshal(w.dataOf(protocol.EventError), &data); err != nil {
		t.Fatalf("unmarshal error data: %v", err)
	}
	if data.Reason != errs.Reason(errs.ErrNoTranscription) {
		t.Fatalf("reason = %q, want %q", data.Reason, errs.Reason(errs.ErrNoTranscription))
	}
	if data.Stage != "asr" {
		t.Fatalf("stage = %q, want asr", data.Stage)
	}
}

// TestTurnPipeline_PerSessionValidatorSettings is the regression test for
// spec.md §8's "subsequent validator decisions for that session use the new
// thresholds (no stale reads)" invariant: the same loud buffer is accepted
// under one session's settings and rejected under another's, proving
// validation reads sess.Settings() rather than one process-wide default.
func TestTurnPipeline_PerSessionValidatorSettings(t *testing.T) {
	buf := loudWAV() // RMS ≈ 0.8*32767 = 26213

	lenientSess, lenientW := newTestSession(settingsWithEnergyThreshold(500.0))
	defer lenientSess.Shutdown()
	strictSess, strictW := newTestSession(settingsWithEnergyThreshold(30000.0))
	defer strictSess.Shutdown()

	newPipeline := func() *TurnPipeline {
		return New(Config{
			ASR:     &fakeASR{transcript: "ok"},
			Agent:   &fakeAgent{response: "ok."},
			TTS:     &fakeTTS{},
			TurnLog: newTestTurnLog(t),
		})
	}

	newPipeline().StartTurn(context.Background(), lenientSess, buf, protocol.FormatWAV, canonicalSampleRate)
	newPipeline().StartTurn(context.Background(), strictSess, buf, protocol.FormatWAV, canonicalSampleRate)

	lenientGot := waitForTerminal(t, lenientW)
	strictGot := waitForTerminal(t, strictW)

	if lenientGot[0] == protocol.EventValidationRejected {
		t.Fatalf("lenient session: expected acceptance, got %v", lenientGot)
	}
	if strictGot[0] != protocol.EventValidationRejected {
		t.Fatalf("strict session: expected validation_rejected, got %v", strictGot)
	}
}

func TestTurnPipeline_ASRTimeout(t *testing.T) {
	orig := asrCallTimeout
	asrCallTimeout = 20 * time.Millisecond
	defer func() { asrCallTimeout = orig }()

	sess, w := newTestSession(settingsWithEnergyThreshold(500.0))
	defer sess.Shutdown()

	agent := &fakeAgent{response: "should not be reached"}
	p := New(Config{
		ASR:     &fakeASR{blockUntilCancel: true},
		Agent:   agent,
		TTS:     &fakeTTS{},
		TurnLog: newTestTurnLog(t),
	})

	p.StartTurn(context.Background(), sess, loudWAV(), protocol.FormatWAV, canonicalSampleRate)

	waitForTerminal(t, w)
	var data protocol.ErrorData
	if err := json.Unmarshal(w.dataOf(protocol.EventError), &data); err != nil {
		t.Fatalf("unmarshal error data: %v", err)
	}
	if data.Reason != errs.Reason(errs.ErrTimeout) {
		t.Fatalf("reason = %q, want %q", data.Reason, errs.Reason(errs.ErrTimeout))
	}
	if data.Stage != "asr" {
		t.Fatalf("stage = %q, want asr", data.Stage)
	}
	for _, e := range w.events() {
		if e == protocol.EventTranscription {
			t.Fatalf("no transcription frame should be emitted on ASR timeout, got %v", w.events())
		}
	}
}

// TestTurnPipeline_AgentTimeout is spec.md §8's literal adapter-timeout
// scenario: the agent call exceeds its budget, the turn is cancelled with
// error{reason:"timeout", stage:"agent"}, and no tts_chunk is ever emitted.
func TestTurnPipeline_AgentTimeout(t *testing.T) {
	orig := agentCallTimeout
	agentCallTimeout = 20 * time.Millisecond
	defer func() { agentCallTimeout = orig }()

	sess, w := newTestSession(settingsWithEnergyThreshold(500.0))
	defer sess.Shutdown()

	tts := &fakeTTS{chunks: [][]byte{[]byte("should-not-be-sent")}}
	p := New(Config{
		ASR:     &fakeASR{transcript: "hello"},
		Agent:   &fakeAgent{blockUntilCancel: true},
		TTS:     tts,
		TurnLog: newTestTurnLog(t),
	})

	p.StartTurn(context.Background(), sess, loudWAV(), protocol.FormatWAV, canonicalSampleRate)

	waitForTerminal(t, w)
	var data protocol.ErrorData
	if err := json.Unmarshal(w.dataOf(protocol.EventError), &data); err != nil {
		t.Fatalf("unmarshal error data: %v", err)
	}
	if data.Reason != errs.Reason(errs.ErrTimeout) {
		t.Fatalf("reason = %q, want %q", data.Reason, errs.Reason(errs.ErrTimeout))
	}
	if data.Stage != "agent" {
		t.Fatalf("stage = %q, want agent", data.Stage)
	}
	for _, e := range w.events() {
		if e == protocol.EventTTSChunk {
			t.Fatalf("no tts_chunk should be emitted on agent timeout, got %v", w.events())
		}
	}
	if tts.callCount() != 0 {
		t.Fatalf("TTS should never be called on agent timeout, got %d calls", tts.callCount())
	}
}

func TestTurnPipeline_Cancellation(t *testing.T) {
	sess, w := newTestSession(settingsWithEnergyThreshold(500.0))
	defer sess.Shutdown()

	p := New(Config{
		ASR:     &fakeASR{transcript: "hello"},
		Agent:   &fakeAgent{response: "a reply."},
		TTS:     &fakeTTS{block: true},
		TurnLog: newTestTurnLog(t),
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancelled before drainTTS ever reads a chunk

	p.StartTurn(ctx, sess, loudWAV(), protocol.FormatWAV, canonicalSampleRate)

	waitForTerminal(t, w)
	found := false
	for _, e := range w.events() {
		if e == protocol.EventStreamingInterrupted {
			found = true
		}
		if e == protocol.EventStreamingComplete {
			t.Fatalf("expected streaming_interrupted, not streaming_complete: %v", w.events())
		}
	}
	if !found {
		t.Fatalf("expected a streaming_interrupted frame, got %v", w.events())
	}
}
