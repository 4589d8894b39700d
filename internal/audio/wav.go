package audio

import (
	"bytes"
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/voicebroker/broker/internal/errs"
)

// SamplesToWAV encodes float32 PCM samples in [-1, 1] as a 16-bit mono WAV
// byte slice at sampleRate, using the go-audio/wav encoder over an in-memory
// seekable buffer (the encoder writes the RIFF/data chunk sizes on Close,
// which requires Seek).
func SamplesToWAV(samples []float32, sampleRate int) []byte {
	buf := newMemWriteSeeker()
	enc := wav.NewEncoder(buf, sampleRate, 16, 1, 1)

	ints := make([]int, len(samples))
	for i, s := range samples {
		clamped := max(-1.0, min(1.0, s))
		ints[i] = int(clamped * 32767)
	}

	intBuf := &goaudio.IntBuffer{
		Format: &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:   ints,
		SourceBitDepth: 16,
	}
	if err := enc.Write(intBuf); err != nil {
		// Encoding in-memory int16 PCM cannot fail in practice; fall back to
		// an empty WAV rather than panicking a hot path.
		return emptyWAV(sampleRate)
	}
	if err := enc.Close(); err != nil {
		return emptyWAV(sampleRate)
	}
	return buf.buf.Bytes()
}

// DecodeWAV reads a RIFF/WAVE byte slice and returns mono float32 PCM in
// [-1, 1] plus the file's sample rate. Stereo input is downmixed by
// averaging channels.
func DecodeWAV(data []byte) ([]float32, int, error) {
	d := wav.NewDecoder(bytes.NewReader(data))
	if !d.IsValidFile() {
		return nil, 0, fmt.Errorf("%w: not a valid WAV file", errs.ErrDecodeFailed)
	}
	pcm, err := d.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", errs.ErrDecodeFailed, err)
	}
	sampleRate := int(d.SampleRate)
	channels := int(d.NumChans)
	if channels <= 0 {
		channels = 1
	}

	frames := len(pcm.Data) / channels
	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum int
		for c := 0; c < channels; c++ {
			sum += pcm.Data[i*channels+c]
		}
		out[i] = float32(sum/channels) / 32768.0
	}
	return out, sampleRate, nil
}

// StripWAVHeader returns the raw PCM data bytes after the 44-byte canonical
// header if data looks WAV-wrapped (RIFF/WAVE magic), else returns data
// unchanged. Nothing in this module calls it: the Turn Pipeline decodes WAV
// input with DecodeWAV before the validator sees it.
func StripWAVHeader(data []byte) []byte {
	if len(data) >= 44 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE" {
		return data[44:]
	}
	return data
}

func emptyWAV(sampleRate int) []byte {
	return SamplesToWAV(nil, sampleRate)
}

// memWriteSeeker is a minimal io.WriteSeeker over a growable in-memory
// buffer, needed because wav.Encoder seeks back to patch chunk sizes.
type memWriteSeeker struct {
	buf bytes.Buffer
	pos int64
}

func newMemWriteSeeker() *memWriteSeeker {
	return &memWriteSeeker{}
}

func (m *memWriteSeeker) Write(p []byte) (int, error) {
	end := m.pos + int64(len(p))
	data := m.buf.Bytes()
	if end > int64(len(data)) {
		grown := make([]byte, end)
		copy(grown, data)
		data = grown
	}
	copy(data[m.pos:end], p)
	m.buf.Reset()
	m.buf.Write(data)
	m.pos = end
	return len(p), nil
}

func (m *memWriteSeeker) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = m.pos
	case io.SeekEnd:
		base = int64(m.buf.Len())
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	m.pos = base + offset
	if m.pos < 0 {
		return 0, fmt.Errorf("negative seek position")
	}
	return m.pos, nil
}
