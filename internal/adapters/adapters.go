// Package adapters declares the five narrow collaborator capabilities
// (spec.md C2, §4.2): ASR, Agent, TTS, Cache, and Persistence. Each is
// stateless with respect to the Session and addressable behind an
// interface so a local-model backend and a remote-service backend can be
// swapped without touching the Turn Pipeline. Concrete implementations
// live in internal/pipeline (ASR/Agent/TTS, wrapping the teacher's
// HTTP/SDK clients) and in this package (Cache/Persistence, which have no
// pipeline-side state to wrap).
package adapters

import (
	"context"
	"time"

	"github.com/voicebroker/broker/internal/turnlog"
)

// HistoryTurn is the adapter-facing view of one past exchange. It mirrors
// session.Turn structurally without importing internal/session, so the
// dependency runs session → pipeline → adapters, never the reverse.
type HistoryTurn struct {
	User      string
	Assistant string
}

// ASR transcribes a canonical 16kHz mono 16-bit PCM WAV buffer to text
// (spec.md §4.2: "Must accept 16 kHz mono 16-bit PCM; other formats are
// decoded before call"). Expected latency 300-1500ms.
type ASR interface {
	Transcribe(ctx context.Context, pcmWAV []byte) (string, error)
}

// Agent generates a reply to user text given short-term conversational
// context; tool invocation, if any, is opaque to the caller. Expected
// latency 500-3000ms.
type Agent interface {
	Respond(ctx context.Context, userText string, history []HistoryTurn) (string, error)
}

// StreamingAgent is the optional streaming variant (spec.md §4.2).
// RespondStream invokes onFragment for each text fragment as it is
// produced and returns the full accumulated text once generation
// completes, so callers that need the whole reply (e.g. for the
// agent_response frame) don't have to reassemble it themselves.
type StreamingAgent interface {
	Agent
	RespondStream(ctx context.Context, userText string, history []HistoryTurn, onFragment func(string)) (string, error)
}

// TTS synthesizes speech for one text fragment as a lazy sequence of audio
// chunks (spec.md §4.2). The returned channel is closed once synthesis
// completes or ctx is cancelled; a synthesis error is returned via the error
// return with a nil channel, never sent on the channel.
type TTS interface {
	Synthesize(ctx context.Context, text string) (<-chan []byte, error)
}

// Cache is a best-effort key/value store (spec.md §4.2). Failures are
// logged by the caller and never abort a turn.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Persistence mirrors sealed turns to a secondary durable store. The Turn
// Log (internal/turnlog) is canonical; this is best-effort and its
// failures never affect the turn's outbound completion (spec.md §4.2,
// §4.6).
type Persistence interface {
	AppendTurn(ctx context.Context, rec turnlog.TurnRecord) error
	GetSession(ctx context.Context, sessionID string) ([]turnlog.TurnRecord, error)
}
