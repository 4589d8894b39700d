package validator

import "testing"

func silence(n int) []int16 {
	return make([]int16, n)
}

func tone(n int, amplitude int16, period int) []int16 {
	out := make([]int16, n)
	for i := range out {
		if (i/period)%2 == 0 {
			out[i] = amplitude
		} else {
			out[i] = -amplitude
		}
	}
	return out
}

func TestValidate_RejectsSilence(t *testing.T) {
	cfg := DefaultConfig()
	samples := silence(16000) // 1s @ 16kHz
	ok, metrics := Validate(samples, 16000, cfg)
	if ok {
		t.Fatalf("expected silence to be rejected, got accepted with metrics %+v", metrics)
	}
	if metrics.Reason != ReasonInsufficientEnergy {
		t.Fatalf("expected reason %q, got %q", ReasonInsufficientEnergy, metrics.Reason)
	}
}

func TestValidate_AcceptsLoudSpeechLikeTone(t *testing.T) {
	cfg := DefaultConfig()
	// An alternating tone at a period chosen to land inside the mode-2 ZCR
	// band exercises both stages end to end.
	samples := tone(16000, 8000, 10)
	ok, metrics := Validate(samples, 16000, cfg)
	if !ok {
		t.Fatalf("expected tone to be accepted, got rejected: %+v", metrics)
	}
	if metrics.EnergyRMS < cfg.EnergyThreshold {
		t.Fatalf("energy %f below threshold %f despite acceptance", metrics.EnergyRMS, cfg.EnergyThreshold)
	}
}

func TestValidate_EnergyExactlyAtThresholdIsAccepted(t *testing.T) {
	// rms(constant amplitude a) == a, so a constant-amplitude frame at
	// exactly the threshold must be accepted (>= semantics, spec.md §8).
	cfg := DefaultConfig()
	cfg.BackendVADEnabled = false // isolate Stage 1
	amplitude := int16(cfg.EnergyThreshold)
	samples := make([]int16, 16000)
	for i := range samples {
		samples[i] = amplitude
	}
	ok, metrics := Validate(samples, 16000, cfg)
	if !ok {
		t.Fatalf("expected energy exactly at threshold to be accepted, got %+v", metrics)
	}
}

func TestValidate_UnsupportedSampleRate(t *testing.T) {
	cfg := DefaultConfig()
	samples := tone(4000, 8000, 20)
	ok, metrics := Validate(samples, 11025, cfg)
	if ok {
		t.Fatalf("expected unsupported sample rate to be rejected")
	}
	if metrics.Reason != ReasonUnsupportedSampleRate {
		t.Fatalf("expected reason %q, got %q", ReasonUnsupportedSampleRate, metrics.Reason)
	}
}

func TestValidate_EmptyBufferIsDecodeError(t *testing.T) {
	ok, metrics := Validate(nil, 16000, DefaultConfig())
	if ok {
		t.Fatalf("expected empty buffer to be rejected")
	}
	if metrics.Reason != ReasonDecodeError {
		t.Fatalf("expected reason %q, got %q", ReasonDecodeError, metrics.Reason)
	}
}

func TestValidate_SkipsStage2WhenBackendVADDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BackendVADEnabled = false
	// Loud but perfectly flat (no zero crossings) — would fail Stage 2's ZCR
	// band, but Stage 2 must not run when disabled.
	samples := make([]int16, 16000)
	for i := range samples {
		samples[i] = 20000
	}
	ok, _ := Validate(samples, 16000, cfg)
	if !ok {
		t.Fatalf("expected loud flat signal to be accepted with Stage 2 disabled")
	}
}

func TestValidate_IsPure(t *testing.T) {
	cfg := DefaultConfig()
	samples := tone(16000, 9000, 55)
	ok1, m1 := Validate(samples, 16000, cfg)
	ok2, m2 := Validate(samples, 16000, cfg)
	if ok1 != ok2 || m1 != m2 {
		t.Fatalf("Validate is not pure: (%v,%+v) != (%v,%+v)", ok1, m1, ok2, m2)
	}
}

func TestClassifyFrame_ModeThresholdsIncreaseWithAggressiveness(t *testing.T) {
	frame := tone(480, 150, 10) // 30ms @16kHz, moderate amplitude
	if !classifyFrame(frame, 0) {
		t.Fatalf("expected mode 0 (lenient) to classify moderate tone as speech")
	}
	if classifyFrame(frame, 3) {
		t.Fatalf("expected mode 3 (strictest) to reject the same moderate tone")
	}
}
