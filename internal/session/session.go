// Package session implements the per-connection state machine (spec.md C4):
// identity, settings, current turn bookkeeping, cancellation, and the single
// writer discipline over a bounded outbound channel. The teacher's ws/handler.go
// writes directly to the socket from a mutex-guarded closure (newEventSender);
// spec.md §4.4 requires an actual bounded channel with a single consumer
// goroutine so backpressure can be observed and acted on, so this is
// restructured as a channel + drain-goroutine, in the same shape as the
// teacher's trace.Tracer async writer (internal/trace/tracer.go).
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/voicebroker/broker/internal/errs"
	"github.com/voicebroker/broker/internal/metrics"
	"github.com/voicebroker/broker/internal/protocol"
)

// State is one node of the C4 state machine (spec.md §4.4).
type State int

const (
	Connecting State = iota
	Idle
	Listening
	Transcribing
	Generating
	Speaking
	Cancelling
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	case Transcribing:
		return "transcribing"
	case Generating:
		return "generating"
	case Speaking:
		return "speaking"
	case Cancelling:
		return "cancelling"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// outboundCapacity is the bounded outbound channel size (spec.md §4.4: "e.g. 64 slots").
const outboundCapacity = 64

// overflowGrace is how long a full outbound channel tolerates a would-be
// audio-frame drop before disconnecting with slow_consumer (spec.md §4.4, §5).
const overflowGrace = 200 * time.Millisecond

// Turn is a pair of utterance exchanges kept for short-term conversational
// context, passed to Agent.Respond as the "short-term history handle"
// (spec.md §4.2).
type Turn struct {
	User      string
	Assistant string
}

// Writer sends a single outbound JSON text frame over the transport. The
// broker supplies the real websocket.Conn-backed implementation; tests
// supply an in-memory fake.
type Writer interface {
	WriteText(data []byte) error
	Close() error
}

// TurnStarter is implemented by the Turn Pipeline (internal/pipeline) and
// invoked by the Session whenever a new turn should begin. Kept as an
// interface here (rather than importing internal/pipeline directly) so the
// dependency runs pipeline → session, not the reverse.
type TurnStarter interface {
	StartTurn(ctx context.Context, sess *Session, buf []byte, format protocol.AudioFormat, sampleRate int)
}

// Session holds per-connection state and exposes the three Broker-facing
// operations named in spec.md §4.4: HandleInbound, Shutdown, Write.
type Session struct {
	ID     string
	UserID string

	log *slog.Logger

	writer  Writer
	starter TurnStarter

	mu           sync.Mutex
	state        State
	settings     protocol.VoiceSettings
	pendingBuf   []byte
	pendingMeta  pendingBuf
	history      []Turn
	turnCancel   context.CancelFunc
	lastErrEmit  map[string]time.Time // error-kind -> last emit time, throttle (spec.md §5)
	suppressed   map[string]int

	onSettingsChanged func(protocol.VoiceSettings)

	outbound chan []byte
	writerWG sync.WaitGroup
	closed   bool
}

type pendingBuf struct {
	format     protocol.AudioFormat
	sampleRate int
	valid      bool
}

// New constructs a Session in the Connecting state. Call Start once the
// connect handshake has been written.
func New(id, userID string, settings protocol.VoiceSettings, writer Writer, starter TurnStarter, log *slog.Logger) *Session {
	return &Session{
		ID:          id,
		UserID:      userID,
		log:         log.With("session_id", id),
		writer:      writer,
		starter:     starter,
		state:       Connecting,
		settings:    settings,
		outbound:    make(chan []byte, outboundCapacity),
		lastErrEmit: make(map[string]time.Time),
		suppressed:  make(map[string]int),
	}
}

// OnSettingsChanged registers fn to be called (synchronously, under no
// lock) after each settings_update is applied, so the broker can mirror the
// result to the Cache adapter (spec.md §3: settings are "persisted
// externally"). Must be called before Start.
func (s *Session) OnSettingsChanged(fn func(protocol.VoiceSettings)) {
	s.onSettingsChanged = fn
}

// Start transitions Connecting → Idle and launches the single outbound
// writer goroutine. Must be called exactly once.
func (s *Session) Start() {
	s.mu.Lock()
	s.state = Idle
	s.mu.Unlock()

	s.writerWG.Add(1)
	go s.runWriter()
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Settings returns a copy of the session's current voice settings.
func (s *Session) Settings() protocol.VoiceSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// History returns a snapshot copy of the short-term conversation history.
func (s *Session) History() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.history))
	copy(out, s.history)
	return out
}

// AppendHistory records one completed exchange.
func (s *Session) AppendHistory(t Turn) {
	s.mu.Lock()
	s.history = append(s.history, t)
	s.mu.Unlock()
}

// SetState is called by the Turn Pipeline (via TurnStarter) as a turn moves
// through Transcribing → Generating → Speaking → Idle.
func (s *Session) SetState(st State) {
	s.setState(st)
}

// Write is the only legal way to produce outbound traffic (spec.md §4.4):
// it marshals frame and enqueues it on the bounded outbound channel, which
// the single writer goroutine drains. On overflow, non-audio frames are
// dropped first (tts_chunk/transcription/agent_response survive); if the
// channel stays full past overflowGrace the session is disconnected with
// slow_consumer.
func (s *Session) Write(event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		s.log.Error("marshal outbound frame", "event", event, "error", err)
		return
	}
	frame, err := json.Marshal(protocol.Frame{Event: event, Data: payload})
	if err != nil {
		s.log.Error("marshal outbound envelope", "event", event, "error", err)
		return
	}

	select {
	case s.outbound <- frame:
		return
	default:
	}

	if isControlFrame(event) {
		s.dropOldestControl(event)
		return
	}

	// Data-bearing frame and the channel is still full: give the writer a
	// short grace period before giving up on the connection.
	select {
	case s.outbound <- frame:
	case <-time.After(overflowGrace):
		s.disconnectSlowConsumer()
	}
}

func isControlFrame(event string) bool {
	switch event {
	case protocol.EventPong, protocol.EventSettingsAck:
		return true
	default:
		return false
	}
}

// dropOldestControl discards the incoming control frame; frames already
// queued, audio included, stay in the channel.
func (s *Session) dropOldestControl(event string) {
	metrics.OutboundDropped.WithLabelValues(event).Inc()
	s.log.Warn("dropped outbound frame under backpressure", "event", event)
}

func (s *Session) disconnectSlowConsumer() {
	metrics.SlowConsumerDisconnects.Inc()
	s.EmitError(errs.ErrSlowConsumer, "", "")
	s.Shutdown()
}

func (s *Session) runWriter() {
	defer s.writerWG.Done()
	for frame := range s.outbound {
		if err := s.writer.WriteText(frame); err != nil {
			s.log.Error("write outbound frame", "error", err)
			return
		}
	}
}

// EmitError writes an error frame, throttled to at most once per second per
// reason and stage (spec.md §5 Error logging throttle); suppressed repeats are folded
// into the next emission's detail.
func (s *Session) EmitError(reason error, stage, detail string) {
	key := reason.Error() + ":" + stage
	now := time.Now()

	s.mu.Lock()
	last, seen := s.lastErrEmit[key]
	if seen && now.Sub(last) < time.Second {
		s.suppressed[key]++
		s.mu.Unlock()
		return
	}
	suppressedCount := s.suppressed[key]
	s.suppressed[key] = 0
	s.lastErrEmit[key] = now
	s.mu.Unlock()

	d := detail
	if suppressedCount > 0 {
		if d != "" {
			d += " "
		}
		d += sprintfSuppressed(suppressedCount)
	}

	s.Write(protocol.EventError, protocol.ErrorData{
		Reason: errs.Reason(reason),
		Stage:  stage,
		Detail: d,
	})
}

func sprintfSuppressed(n int) string {
	if n == 1 {
		return "(1 similar error suppressed)"
	}
	return "(" + itoa(n) + " similar errors suppressed)"
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

// HandleInbound dispatches one inbound frame (spec.md §4.4).
func (s *Session) HandleInbound(ctx context.Context, frame protocol.Frame) {
	switch frame.Event {
	case protocol.EventAudioChunk:
		s.handleAudioChunk(ctx, frame.Data)
	case protocol.EventInterrupt:
		s.handleInterrupt()
	case protocol.EventSettingsUpdate:
		s.handleSettingsUpdate(frame.Data)
	case protocol.EventPing:
		s.handlePing(frame.Data)
	default:
		s.EmitError(errs.ErrUnknownEvent, "", "")
	}
}

func (s *Session) handleAudioChunk(ctx context.Context, raw json.RawMessage) {
	var data protocol.AudioChunkData
	if err := json.Unmarshal(raw, &data); err != nil {
		s.EmitError(errs.ErrBadFrame, "", err.Error())
		return
	}

	decoded, err := decodeBase64(data.AudioChunk)
	if err != nil {
		s.EmitError(errs.ErrBadFrame, "", err.Error())
		return
	}
	metrics.AudioChunksReceived.Inc()

	s.mu.Lock()
	s.pendingBuf = append(s.pendingBuf, decoded...)
	s.pendingMeta = pendingBuf{format: data.Format, sampleRate: data.SampleRate, valid: true}
	if !data.IsFinal {
		s.mu.Unlock()
		return
	}
	buf := s.pendingBuf
	meta := s.pendingMeta
	s.pendingBuf = nil
	s.pendingMeta = pendingBuf{}
	state := s.state
	s.mu.Unlock()

	switch state {
	case Idle, Listening:
		s.beginTurn(ctx, buf, meta, false)
	case Speaking:
		// Barge-in: cancel current TTS stream and start a new turn (I3, §4.4).
		s.cancelCurrentTurn()
		s.beginTurn(ctx, buf, meta, true)
	case Transcribing, Generating:
		// A prior turn is in flight: latest is_final wins (spec.md §9 Open
		// Questions resolution); cancel it and queue this buffer as the one
		// retained pending follow-up.
		s.cancelCurrentTurn()
		s.mu.Lock()
		s.pendingBuf = buf
		s.pendingMeta = meta
		s.mu.Unlock()
	case Cancelling, Closed, Connecting:
		// Drop silently; a cancel is already in flight or the session isn't
		// ready yet.
	}
}

func (s *Session) handleInterrupt() {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state != Speaking && state != Transcribing && state != Generating {
		return
	}
	s.setState(Cancelling)
	s.cancelCurrentTurn()
}

func (s *Session) handleSettingsUpdate(raw json.RawMessage) {
	var partial map[string]any
	if err := json.Unmarshal(raw, &partial); err != nil {
		s.EmitError(errs.ErrBadFrame, "", err.Error())
		return
	}

	s.mu.Lock()
	applied := applySettings(s.settings, raw)
	s.settings = applied
	s.mu.Unlock()

	s.Write(protocol.EventSettingsAck, protocol.SettingsAckData{Settings: applied})

	if s.onSettingsChanged != nil {
		s.onSettingsChanged(applied)
	}
}

func (s *Session) handlePing(raw json.RawMessage) {
	var ping protocol.PingData
	_ = json.Unmarshal(raw, &ping)
	s.Write(protocol.EventPong, protocol.PongData{TS: ping.TS})
}

// beginTurn sets up a fresh cancellation token and spawns the Turn Pipeline
// via TurnStarter. bargeIn is passed through only for logging: the pipeline
// itself does not branch on it.
func (s *Session) beginTurn(ctx context.Context, buf []byte, meta pendingBuf, bargeIn bool) {
	turnCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.turnCancel = cancel
	s.state = Transcribing
	s.mu.Unlock()

	if bargeIn {
		s.log.Info("barge-in: starting new turn")
	}

	go s.starter.StartTurn(turnCtx, s, buf, meta.format, meta.sampleRate)
}

func (s *Session) cancelCurrentTurn() {
	s.mu.Lock()
	cancel := s.turnCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// EndTurn is called by the pipeline when a turn reaches a terminal state; it
// returns the Session to Idle/Listening and, if a follow-up buffer was
// queued during Transcribing/Generating (latest-is_final-wins), starts it.
func (s *Session) EndTurn(ctx context.Context) {
	s.mu.Lock()
	s.turnCancel = nil
	followUp := s.pendingBuf
	meta := s.pendingMeta
	s.pendingBuf = nil
	s.pendingMeta = pendingBuf{}
	s.state = Idle
	s.mu.Unlock()

	if len(followUp) > 0 && meta.valid {
		s.beginTurn(ctx, followUp, meta, false)
	}
}

// Shutdown cancels any in-flight turn, drains the outbound channel up to a
// grace period, closes the transport, and marks the session Closed
// (spec.md §4.5).
func (s *Session) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.state = Closed
	cancel := s.turnCancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	close(s.outbound)
	done := make(chan struct{})
	go func() {
		s.writerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(overflowGrace):
	}

	_ = s.writer.Close()
}

func applySettings(base protocol.VoiceSettings, raw json.RawMessage) protocol.VoiceSettings {
	merged := base
	_ = json.Unmarshal(raw, &merged)
	return clampSettings(merged)
}

func clampSettings(v protocol.VoiceSettings) protocol.VoiceSettings {
	v.VADThreshold = clamp(v.VADThreshold, 0.01, 0.1)
	v.SilenceTimeoutMs = clampInt(v.SilenceTimeoutMs, 300, 2000)
	v.MinRecordingMs = clampInt(v.MinRecordingMs, 300, 2000)
	v.BackendVADMode = clampInt(v.BackendVADMode, 0, 3)
	v.BackendSpeechRatioThreshold = clamp(v.BackendSpeechRatioThreshold, 0.01, 0.5)
	return v
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
