package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/voicebroker/broker/internal/audio"
)

// ttsChunkTargetSeconds is the target audio duration per outbound tts_chunk
// frame (spec.md §4.2: "target one outbound chunk per ~250-333 ms of
// audio").
const ttsChunkTargetSeconds = 0.28

// ttsChunkBuffer bounds how many re-chunked audio pieces can queue on the
// returned channel before Synthesize's background goroutine blocks.
const ttsChunkBuffer = 8

// TTSAdapter satisfies adapters.TTS by calling the Piper-backed TTSClient
// (which synthesizes a whole utterance in one HTTP round trip) and then
// re-chunking the resulting WAV into fixed-duration pieces, since spec.md
// §4.2 requires a lazy sequence of chunks rather than one large buffer.
type TTSAdapter struct {
	client      *TTSClient
	engine      string
	callTimeout time.Duration
}

// NewTTSAdapter wraps a TTSClient as an adapters.TTS. callTimeout bounds the
// underlying HTTP round trip only (spec.md §5: "TTS 30s (per call)"); the
// subsequent local re-chunking of the result is not subject to it.
func NewTTSAdapter(client *TTSClient, engine string, callTimeout time.Duration) *TTSAdapter {
	return &TTSAdapter{client: client, engine: engine, callTimeout: callTimeout}
}

// Synthesize implements adapters.TTS. The channel is closed once every
// chunk has been sent or ctx is cancelled partway through.
func (a *TTSAdapter) Synthesize(ctx context.Context, text string) (<-chan []byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, a.callTimeout)
	result, err := a.client.Synthesize(callCtx, text, a.engine)
	cancel()
	if err != nil {
		return nil, err
	}

	samples, sampleRate, err := audio.DecodeWAV(result.Audio)
	if err != nil {
		return nil, err
	}

	out := make(chan []byte, ttsChunkBuffer)
	go rechunkWAV(ctx, samples, sampleRate, out)
	return out, nil
}

func rechunkWAV(ctx context.Context, samples []float32, sampleRate int, out chan<- []byte) {
	defer close(out)

	chunkSamples := int(float64(sampleRate) * ttsChunkTargetSeconds)
	if chunkSamples <= 0 {
		chunkSamples = len(samples)
	}

	for i := 0; i < len(samples); i += chunkSamples {
		end := min(i+chunkSamples, len(samples))
		wavChunk := audio.SamplesToWAV(samples[i:end], sampleRate)

		select {
		case out <- wavChunk:
		case <-ctx.Done():
			slog.Debug("tts rechunk cancelled mid-stream")
			return
		}
	}
}
