// Package errs enumerates the client-facing error taxonomy (spec.md §7) and
// the internal sentinel errors adapters/pipeline stages return. A sentinel
// error is mapped to its wire reason string at the point an error frame is
// built; raw Go error text never reaches the client.
package errs

import "errors"

// Protocol errors.
var (
	ErrUnknownEvent      = errors.New("unknown_event")
	ErrBadFrame          = errors.New("bad_frame")
	ErrUnsupportedBinary = errors.New("unsupported_binary")
)

// Audio errors.
var (
	ErrDecodeFailed           = errors.New("decode_failed")
	ErrUnsupportedSampleRate  = errors.New("unsupported_sample_rate")
	ErrInsufficientEnergy     = errors.New("insufficient_energy")
	ErrInsufficientSpeechRatio = errors.New("insufficient_speech_ratio")
)

// Pipeline errors.
var (
	ErrNoTranscription = errors.New("no_transcription")
	ErrAgentFailed      = errors.New("agent_failed")
	ErrTTSFailed        = errors.New("tts_failed")
	ErrTimeout          = errors.New("timeout")
)

// Transport errors.
var (
	ErrSlowConsumer = errors.New("slow_consumer")
	ErrDisconnect   = errors.New("disconnect")
)

// Internal fallback.
var ErrInternal = errors.New("internal")

// Reason returns the wire taxonomy string for err, defaulting to "internal"
// for anything not in the enumerated set (spec.md §7 Propagation).
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnknownEvent),
		errors.Is(err, ErrBadFrame),
		errors.Is(err, ErrUnsupportedBinary),
		errors.Is(err, ErrDecodeFailed),
		errors.Is(err, ErrUnsupportedSampleRate),
		errors.Is(err, ErrInsufficientEnergy),
		errors.Is(err, ErrInsufficientSpeechRatio),
		errors.Is(err, ErrNoTranscription),
		errors.Is(err, ErrAgentFailed),
		errors.Is(err, ErrTTSFailed),
		errors.Is(err, ErrTimeout),
		errors.Is(err, ErrSlowConsumer),
		errors.Is(err, ErrDisconnect):
		return err.Error()
	default:
		return ErrInternal.Error()
	}
}
