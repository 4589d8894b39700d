package audio

import (
	"fmt"

	"layeh.com/gopus"
)

// opusFrameSamples is the decode buffer size per Opus packet, mono: 120ms
// (the largest Opus frame) at 48kHz, so it also covers every lower rate.
const opusFrameSamples = 960 * 6

// DecodeOpus decodes data as a single raw Opus packet into mono float32 PCM
// at sampleRate. The payload is not split: length prefixes or several
// concatenated packets are not parsed. Unlike the
// container formats handled by the external Transcoder, raw Opus packets
// decode cheaply in-process via gopus — the same binding the pack's Discord
// voice-bot example (MrWong99-glyphoxa) uses for its voice pipeline.
func DecodeOpus(data []byte, sampleRate int) ([]float32, error) {
	if len(data) == 0 {
		return nil, nil
	}
	dec, err := gopus.NewDecoder(sampleRate, 1)
	if err != nil {
		return nil, fmt.Errorf("create opus decoder: %w", err)
	}

	pcm16, err := dec.Decode(data, opusFrameSamples, false)
	if err != nil {
		return nil, fmt.Errorf("decode opus packet: %w", err)
	}

	samples := make([]float32, len(pcm16))
	for i, s := range pcm16 {
		samples[i] = float32(s) / 32768.0
	}
	return samples, nil
}
