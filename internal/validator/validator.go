// Package validator implements the two-stage Audio Validator (spec.md C1,
// §4.1): a pure, side-effect-free gate deciding whether a complete utterance
// buffer is worth sending to ASR. It has no analog in the teacher repo,
// whose internal/audio/vad.go is a continuous, stateful, silence-timeout
// endpoint detector operating on a live stream. Here utterance boundaries
// come from the client's is_final flag (spec.md §4.4), so the validator is
// restructured as a stateless function of one already-segmented buffer.
package validator

import "math"

// SupportedSampleRates enumerates the rates Stage 2's 30ms framing accepts.
var SupportedSampleRates = map[int]bool{8000: true, 16000: true, 32000: true, 48000: true}

// Config mirrors the VoiceSettings fields the validator consumes (spec.md §3).
type Config struct {
	EnergyThreshold      float64 // default 500.0
	SpeechRatioThreshold float64 // default 0.03
	VADMode              int     // 0..3, WebRTC-style aggressiveness
	BackendVADEnabled    bool    // if false, Stage 2 is skipped
}

// DefaultConfig returns the spec's defaults.
func DefaultConfig() Config {
	return Config{
		EnergyThreshold:      500.0,
		SpeechRatioThreshold: 0.03,
		VADMode:              2,
		BackendVADEnabled:    true,
	}
}

// Reason strings, matching spec.md §7's Audio error taxonomy.
const (
	ReasonInsufficientEnergy      = "insufficient_energy"
	ReasonUnsupportedSampleRate   = "unsupported_sample_rate"
	ReasonInsufficientSpeechRatio = "insufficient_speech_ratio"
	ReasonDecodeError             = "decode_error"
)

// Metrics is the validator's output detail, echoed on validation_rejected
// frames and logged on acceptance.
type Metrics struct {
	EnergyRMS   float64
	SpeechRatio float64
	Reason      string
}

// Validate runs both stages against raw little-endian signed 16-bit PCM
// samples; the Turn Pipeline passes PCM already decoded out of its WAV
// container by audio.DecodeWAV, so no header reaches it. It never panics on well-formed
// input; malformed input yields (false, {Reason: "decode_error"}).
func Validate(pcmS16LE []int16, sampleRate int, cfg Config) (bool, Metrics) {
	if len(pcmS16LE) == 0 {
		return false, Metrics{Reason: ReasonDecodeError}
	}

	rms := energyRMS(pcmS16LE)
	if rms < cfg.EnergyThreshold {
		return false, Metrics{EnergyRMS: rms, Reason: ReasonInsufficientEnergy}
	}

	if !cfg.BackendVADEnabled {
		return true, Metrics{EnergyRMS: rms}
	}

	if !SupportedSampleRates[sampleRate] {
		return false, Metrics{EnergyRMS: rms, Reason: ReasonUnsupportedSampleRate}
	}

	ratio := speechRatio(pcmS16LE, sampleRate, cfg.VADMode)
	if ratio < cfg.SpeechRatioThreshold {
		return false, Metrics{EnergyRMS: rms, SpeechRatio: ratio, Reason: ReasonInsufficientSpeechRatio}
	}

	return true, Metrics{EnergyRMS: rms, SpeechRatio: ratio}
}

// energyRMS computes sqrt(mean(x^2)) over int16 samples (Stage 1).
func energyRMS(samples []int16) float64 {
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// frameSamples returns how many samples make up one 30ms frame at sampleRate.
func frameSamples(sampleRate int) int {
	return sampleRate * 30 / 1000
}

// speechRatio slices pcm into 30ms frames and classifies each with the
// frame-level classifier (vad_frame.go), returning the fraction classified
// as speech. Frames shorter than a full 30ms are discarded (spec.md §4.1).
func speechRatio(pcm []int16, sampleRate, vadMode int) float64 {
	n := frameSamples(sampleRate)
	if n <= 0 || len(pcm) < n {
		return 0
	}

	total := len(pcm) / n
	if total == 0 {
		return 0
	}

	speech := 0
	for i := 0; i < total; i++ {
		frame := pcm[i*n : (i+1)*n]
		if classifyFrame(frame, vadMode) {
			speech++
		}
	}
	return float64(speech) / float64(total)
}
