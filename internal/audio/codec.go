package audio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/voicebroker/broker/internal/errs"
	"github.com/voicebroker/broker/internal/protocol"
)

// Transcoder is the external-codec-conversion adapter boundary (spec.md §1
// lists "audio codec conversion libraries" among the out-of-scope external
// collaborators). webm and mp3 payloads are handed to a sidecar service over
// this interface rather than decoded in-process, mirroring the teacher's
// NoiseClient/ClassifyClient sidecar shape (internal/pipeline/noise.go,
// classify.go): small stateless HTTP POST, raw bytes in, canonical WAV out.
type Transcoder interface {
	Transcode(ctx context.Context, data []byte, format protocol.AudioFormat, sampleRate int) (wavBytes []byte, err error)
}

// Decoder converts an inbound AudioBuffer (spec.md §3) to mono float32 PCM
// samples plus the actual sample rate of the decoded audio.
type Decoder struct {
	transcoder Transcoder
}

// NewDecoder builds a Decoder. transcoder may be nil, in which case webm/mp3
// input is rejected with decode_failed instead of being proxied out.
func NewDecoder(transcoder Transcoder) *Decoder {
	return &Decoder{transcoder: transcoder}
}

// Decode implements the pipeline's Decode stage (spec.md §4.3 step 1) and the
// Decompression adapter (§4.2): WAV is parsed in-core, Opus is decoded
// in-core via the opus codec, and webm/mp3 are routed to the external
// Transcoder, all converging on mono float32 PCM.
func (d *Decoder) Decode(ctx context.Context, data []byte, format protocol.AudioFormat, sampleRate int) ([]float32, int, error) {
	switch format {
	case protocol.FormatWAV, "":
		samples, sr, err := DecodeWAV(data)
		if err != nil {
			return nil, 0, err
		}
		return samples, sr, nil

	case protocol.FormatOpus:
		samples, err := DecodeOpus(data, sampleRate)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %v", errs.ErrDecodeFailed, err)
		}
		return samples, sampleRate, nil

	case protocol.FormatWebM, protocol.FormatMP3:
		if d.transcoder == nil {
			return nil, 0, fmt.Errorf("%w: no transcoder configured for %s", errs.ErrDecodeFailed, format)
		}
		wavBytes, err := d.transcoder.Transcode(ctx, data, format, sampleRate)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %v", errs.ErrDecodeFailed, err)
		}
		samples, sr, err := DecodeWAV(wavBytes)
		if err != nil {
			return nil, 0, err
		}
		return samples, sr, nil

	default:
		return nil, 0, fmt.Errorf("%w: unrecognized format %q", errs.ErrDecodeFailed, format)
	}
}

// ToInt16PCM converts canonical float32 [-1,1] PCM back to int16 LE samples,
// used when a stage needs raw PCM rather than normalized float32 (e.g. the
// validator's Stage 1 energy gate, spec.md §4.1).
func ToInt16PCM(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		clamped := max(-1.0, min(1.0, s))
		out[i] = int16(clamped * 32767)
	}
	return out
}

// httpTranscoderTimeout bounds one sidecar round trip.
const httpTranscoderTimeout = 10 * time.Second

// HTTPTranscoder proxies webm/mp3 payloads to an external codec-conversion
// sidecar over HTTP, the same small-stateless-POST shape as the teacher's
// ClassifyClient/NoiseClient (internal/pipeline/classify.go, noise.go):
// raw bytes in, raw bytes out, one query param for context the sidecar needs.
type HTTPTranscoder struct {
	url    string
	client *http.Client
}

// NewHTTPTranscoder builds an HTTPTranscoder pointed at a sidecar's
// POST /transcode endpoint.
func NewHTTPTranscoder(url string) *HTTPTranscoder {
	return &HTTPTranscoder{url: url, client: &http.Client{Timeout: httpTranscoderTimeout}}
}

// Transcode implements Transcoder.
func (t *HTTPTranscoder) Transcode(ctx context.Context, data []byte, format protocol.AudioFormat, sampleRate int) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url+"/transcode", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("transcode request: %w", err)
	}
	q := req.URL.Query()
	q.Set("format", string(format))
	q.Set("sample_rate", fmt.Sprintf("%d", sampleRate))
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: transcode http: %v", errs.ErrDecodeFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: transcode status %d: %s", errs.ErrDecodeFailed, resp.StatusCode, string(body))
	}

	wavBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: transcode read: %v", errs.ErrDecodeFailed, err)
	}
	return wavBytes, nil
}
