package pipeline

import (
	"context"
	"fmt"

	"github.com/voicebroker/broker/internal/audio"
)

// ASRAdapter satisfies adapters.ASR by decoding the canonical WAV buffer
// back to float32 samples and calling the whisper.cpp-backed ASRClient,
// which re-encodes to multipart WAV on the wire. The round trip through
// WAV exists because ASRClient predates the Turn Pipeline's WAV-only
// adapter boundary (spec.md §4.2) and still speaks in raw samples.
type ASRAdapter struct {
	client *ASRClient
}

// NewASRAdapter wraps an ASRClient as an adapters.ASR.
func NewASRAdapter(client *ASRClient) *ASRAdapter {
	return &ASRAdapter{client: client}
}

// Transcribe implements adapters.ASR.
func (a *ASRAdapter) Transcribe(ctx context.Context, pcmWAV []byte) (string, error) {
	samples, _, err := audio.DecodeWAV(pcmWAV)
	if err != nil {
		return "", fmt.Errorf("asr adapter decode: %w", err)
	}
	result, err := a.client.Transcribe(ctx, samples)
	if err != nil {
		return "", err
	}
	return result.Text, nil
}
