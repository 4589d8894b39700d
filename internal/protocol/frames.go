// Package protocol defines the WebSocket-framed JSON event grammar exchanged
// between a client session and the broker: one text frame per event, shaped
// as {"event": "...", "data": {...}}. Binary frames are rejected.
package protocol

import "encoding/json"

// Frame is the wire envelope for every text frame in either direction.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Client → Server event names.
const (
	EventAudioChunk      = "audio_chunk"
	EventInterrupt       = "interrupt"
	EventSettingsUpdate  = "settings_update"
	EventPing            = "ping"
)

// Server → Client event names.
const (
	EventConnected            = "connected"
	EventTranscription        = "transcription"
	EventAgentResponse        = "agent_response"
	EventTTSChunk             = "tts_chunk"
	EventStreamingComplete    = "streaming_complete"
	EventStreamingInterrupted = "streaming_interrupted"
	EventValidationRejected   = "validation_rejected"
	EventError                = "error"
	EventSettingsAck          = "settings_ack"
	EventPong                 = "pong"
)

// AudioFormat enumerates the supported wire audio encodings.
type AudioFormat string

const (
	FormatWAV  AudioFormat = "wav"
	FormatOpus AudioFormat = "opus"
	FormatWebM AudioFormat = "webm"
	FormatMP3  AudioFormat = "mp3"
)

// AudioChunkData is the payload of an inbound audio_chunk event.
type AudioChunkData struct {
	AudioChunk  string      `json:"audio_chunk"` // base64
	Format      AudioFormat `json:"format"`
	SampleRate  int         `json:"sample_rate"`
	IsFinal     bool        `json:"is_final"`
	Compression *string     `json:"compression,omitempty"`
}

// InterruptData is the payload of an inbound interrupt event.
type InterruptData struct {
	Reason string `json:"reason,omitempty"`
}

// PingData / PongData carry a client-supplied timestamp through unchanged.
type PingData struct {
	TS int64 `json:"ts"`
}

type PongData struct {
	TS int64 `json:"ts"`
}

// ConnectedData is the payload of the server's connect handshake frame.
type ConnectedData struct {
	SessionID string `json:"session_id"`
	Timestamp int64  `json:"timestamp"`
}

// TranscriptionData carries the ASR result for a turn.
type TranscriptionData struct {
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// AgentResponseData carries the full agent reply text, even in streaming mode.
type AgentResponseData struct {
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// TTSChunkData carries one synthesized audio chunk.
type TTSChunkData struct {
	AudioChunk string      `json:"audio_chunk"` // base64
	ChunkIndex int         `json:"chunk_index"`
	Format     AudioFormat `json:"format"`
	Timestamp  int64       `json:"timestamp"`
}

// StreamingCompleteData marks a turn's normal termination.
type StreamingCompleteData struct {
	ChunksSent int   `json:"chunks_sent"`
	DurationMs int64 `json:"duration_ms"`
}

// StreamingInterruptedData marks a turn cancelled mid-stream.
type StreamingInterruptedData struct {
	ChunksSent int `json:"chunks_sent"`
}

// ValidationRejectedData reports why the validator rejected a buffer.
type ValidationRejectedData struct {
	Reason      string  `json:"reason"`
	Energy      float64 `json:"energy"`
	SpeechRatio float64 `json:"speech_ratio"`
}

// ErrorData is the taxonomy-constrained error payload (see internal/errs).
type ErrorData struct {
	Reason string `json:"reason"`
	Stage  string `json:"stage,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// SettingsAckData echoes the settings actually applied after a settings_update.
type SettingsAckData struct {
	Settings VoiceSettings `json:"settings"`
}

// VoiceSettings mirrors spec.md §3 exactly. A settings_update payload is
// merged onto the session's current settings (fields absent from the
// payload keep their current values) and the ranged fields are then
// clamped; a zero that survives clamping is applied as given.
type VoiceSettings struct {
	VADThreshold               float64     `json:"vad_threshold"`
	SilenceTimeoutMs            int        `json:"silence_timeout_ms"`
	MinRecordingMs               int       `json:"min_recording_ms"`
	BackendVADEnabled            bool      `json:"backend_vad_enabled"`
	BackendVADMode                int      `json:"backend_vad_mode"`
	BackendEnergyThreshold     float64     `json:"backend_energy_threshold"`
	BackendSpeechRatioThreshold float64    `json:"backend_speech_ratio_threshold"`
	UseCompression                bool     `json:"use_compression"`
	CompressionCodec          AudioFormat  `json:"compression_codec"`
	CompressionBitrate            string   `json:"compression_bitrate"`
}

// DefaultVoiceSettings returns the spec's defaults (§3, §4.1).
func DefaultVoiceSettings() VoiceSettings {
	return VoiceSettings{
		VADThreshold:                0.05,
		SilenceTimeoutMs:            800,
		MinRecordingMs:              500,
		BackendVADEnabled:           true,
		BackendVADMode:              2,
		BackendEnergyThreshold:      500.0,
		BackendSpeechRatioThreshold: 0.03,
		UseCompression:              false,
		CompressionCodec:            FormatWAV,
		CompressionBitrate:          "64k",
	}
}
