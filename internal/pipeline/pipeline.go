package pipeline

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/voicebroker/broker/internal/adapters"
	"github.com/voicebroker/broker/internal/audio"
	"github.com/voicebroker/broker/internal/errs"
	"github.com/voicebroker/broker/internal/metrics"
	"github.com/voicebroker/broker/internal/protocol"
	"github.com/voicebroker/broker/internal/session"
	"github.com/voicebroker/broker/internal/turnlog"
	"github.com/voicebroker/broker/internal/validator"
)

// canonicalSampleRate is the rate every decoded buffer is resampled to
// before validation and ASR (spec.md §4.3 step 1: "canonical PCM WAV (16
// kHz mono s16le)").
const canonicalSampleRate = 16000

// Per-adapter call timeouts (spec.md §5: "ASR 10s, Agent 30s, TTS 30s (per
// call)"), independent of and tighter than the whole-turn MaxTurnDuration.
// TTSCallTimeout is exported since NewTTSAdapter's caller (cmd/broker) wires
// it in at construction time rather than per call. Variables rather than
// constants so tests can shrink them instead of sleeping through the real
// budget to exercise the timeout paths.
var (
	asrCallTimeout   = 10 * time.Second
	agentCallTimeout = 30 * time.Second
	TTSCallTimeout   = 30 * time.Second
)

// Config wires the Turn Pipeline to its collaborators (spec.md C2) and its
// two stores (Turn Log and the optional Persistence mirror).
type Config struct {
	ASR         adapters.ASR
	Agent       adapters.Agent // may additionally satisfy adapters.StreamingAgent
	TTS         adapters.TTS
	Persistence adapters.Persistence // optional, best-effort mirror

	TurnLog         *turnlog.Log
	Transcoder      audio.Transcoder // optional webm/mp3 sidecar
	TTSFormat       protocol.AudioFormat
	MaxTurnDuration time.Duration // 0 disables the per-turn timeout
}

// TurnPipeline executes one turn start-to-finish (spec.md C3) and is the
// concrete session.TurnStarter a Session invokes on every complete
// utterance buffer.
type TurnPipeline struct {
	cfg     Config
	decoder *audio.Decoder
}

// New creates a Turn Pipeline bound to the given collaborators.
func New(cfg Config) *TurnPipeline {
	return &TurnPipeline{cfg: cfg, decoder: audio.NewDecoder(cfg.Transcoder)}
}

// StartTurn implements session.TurnStarter. It always reaches a terminal
// state: every return path seals the turn in the Turn Log and calls
// sess.EndTurn so the Session can return to Idle/Listening (spec.md §4.3
// Failure semantics, §4.6).
func (p *TurnPipeline) StartTurn(ctx context.Context, sess *session.Session, buf []byte, format protocol.AudioFormat, sampleRate int) {
	turnID := uuid.NewString()
	startedAt := time.Now()

	if p.cfg.MaxTurnDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.MaxTurnDuration)
		defer cancel()
	}

	seal := func(status string, reason error, transcript, response string, chunksSent int) {
		p.sealTurn(ctx, turnlog.TurnRecord{
			TurnID:        turnID,
			SessionID:     sess.ID,
			UserID:        sess.UserID,
			StartedAt:     startedAt,
			SealedAt:      time.Now(),
			Transcript:    transcript,
			Response:      response,
			Status:        status,
			ErrorReason:   errs.Reason(reason),
			TTSChunksSent: chunksSent,
			DurationMs:    float64(time.Since(startedAt).Milliseconds()),
		})
		metrics.TurnsTotal.Inc()
		metrics.TurnDuration.Observe(time.Since(startedAt).Seconds())
		sess.EndTurn(ctx)
	}

	// 1. Decode to canonical PCM WAV (16kHz mono s16le).
	decodeStart := time.Now()
	samples, srcRate, err := p.decoder.Decode(ctx, buf, format, sampleRate)
	metrics.StageDuration.WithLabelValues("decode").Observe(time.Since(decodeStart).Seconds())
	if err != nil {
		metrics.Errors.WithLabelValues("decode", errs.Reason(errs.ErrDecodeFailed)).Inc()
		sess.EmitError(errs.ErrDecodeFailed, "decode", err.Error())
		seal("error", errs.ErrDecodeFailed, "", "", 0)
		return
	}
	canonical := audio.Resample(samples, srcRate, canonicalSampleRate)

	// 2. Validate (C1) against the session's current settings, not the
	// process-wide default, so an accepted settings_update takes effect on
	// the very next turn (spec.md §8: "subsequent validator decisions for
	// that session use the new thresholds (no stale reads)").
	accepted, vmetrics := validator.Validate(audio.ToInt16PCM(canonical), canonicalSampleRate, p.validatorConfig(sess))
	if !accepted {
		metrics.ValidatorRejections.WithLabelValues(vmetrics.Reason).Inc()
		sess.Write(protocol.EventValidationRejected, protocol.ValidationRejectedData{
			Reason:      vmetrics.Reason,
			Energy:      vmetrics.EnergyRMS,
			SpeechRatio: vmetrics.SpeechRatio,
		})
		sess.SetState(session.Listening)
		seal("filtered", nil, "", "", 0)
		return
	}

	// 3. Log acceptance.
	pcmWAV := audio.SamplesToWAV(canonical, canonicalSampleRate)
	slog.Info("validation accepted", "session_id", sess.ID, "turn_id", turnID,
		"energy_rms", vmetrics.EnergyRMS, "speech_ratio", vmetrics.SpeechRatio, "bytes", len(pcmWAV))

	// 4. Transcribe.
	sess.SetState(session.Transcribing)
	asrCtx, cancelASR := context.WithTimeout(ctx, asrCallTimeout)
	asrStart := time.Now()
	transcript, err := p.cfg.ASR.Transcribe(asrCtx, pcmWAV)
	cancelASR()
	metrics.StageDuration.WithLabelValues("asr").Observe(time.Since(asrStart).Seconds())
	if errors.Is(err, context.DeadlineExceeded) {
		metrics.Errors.WithLabelValues("asr", errs.Reason(errs.ErrTimeout)).Inc()
		sess.EmitError(errs.ErrTimeout, "asr", "")
		sess.SetState(session.Listening)
		seal("timeout", errs.ErrTimeout, "", "", 0)
		return
	}
	transcript = strings.TrimSpace(transcript)
	if err != nil || transcript == "" {
		metrics.Errors.WithLabelValues("asr", errs.Reason(errs.ErrNoTranscription)).Inc()
		sess.EmitError(errs.ErrNoTranscription, "asr", errDetail(err))
		sess.SetState(session.Listening)
		seal("no_transcription", errs.ErrNoTranscription, "", "", 0)
		return
	}

	// 5. Emit transcription.
	sess.Write(protocol.EventTranscription, protocol.TranscriptionData{Text: transcript, Timestamp: time.Now().UnixMilli()})

	// 6-7. Generate, then emit the full reply (even in streaming mode, for
	// UI capture) before any tts_chunk frame is written — see generate's
	// doc comment for how streaming mode still preserves this ordering.
	sess.SetState(session.Generating)
	genStart := time.Now()
	response, chunkChans, err := p.generate(ctx, sess, transcript)
	metrics.StageDuration.WithLabelValues("agent").Observe(time.Since(genStart).Seconds())
	if errors.Is(err, context.DeadlineExceeded) {
		metrics.Errors.WithLabelValues("agent", errs.Reason(errs.ErrTimeout)).Inc()
		sess.EmitError(errs.ErrTimeout, "agent", "")
		sess.SetState(session.Listening)
		seal("timeout", errs.ErrTimeout, transcript, "", 0)
		return
	}
	if err != nil {
		metrics.Errors.WithLabelValues("agent", errs.Reason(errs.ErrAgentFailed)).Inc()
		sess.EmitError(errs.ErrAgentFailed, "agent", err.Error())
		sess.SetState(session.Listening)
		seal("error", errs.ErrAgentFailed, transcript, "", 0)
		return
	}
	sess.Write(protocol.EventAgentResponse, protocol.AgentResponseData{Text: response, Timestamp: time.Now().UnixMilli()})
	sess.AppendHistory(session.Turn{User: transcript, Assistant: response})

	// 8. Synthesize + stream.
	sess.SetState(session.Speaking)
	ttsStart := time.Now()
	chunksSent, cancelled := p.drainTTS(ctx, sess, chunkChans)
	metrics.StageDuration.WithLabelValues("tts").Observe(time.Since(ttsStart).Seconds())

	// 9. Terminate.
	sess.SetState(session.Listening)
	if cancelled {
		sess.Write(protocol.EventStreamingInterrupted, protocol.StreamingInterruptedData{ChunksSent: chunksSent})
		metrics.TurnsInterrupted.Inc()
		seal("interrupted", nil, transcript, response, chunksSent)
		return
	}
	sess.Write(protocol.EventStreamingComplete, protocol.StreamingCompleteData{
		ChunksSent: chunksSent,
		DurationMs: time.Since(startedAt).Milliseconds(),
	})
	seal("ok", nil, transcript, response, chunksSent)
}

// validatorConfig builds a per-turn validator.Config from the session's
// current settings. A session that has never sent a settings_update still
// has a well-formed VoiceSettings (protocol.DefaultVoiceSettings, or a
// cached value restored at connect time), so there is no separate default
// case to fall back to here.
func (p *TurnPipeline) validatorConfig(sess *session.Session) validator.Config {
	s := sess.Settings()
	return validator.Config{
		EnergyThreshold:      s.BackendEnergyThreshold,
		SpeechRatioThreshold: s.BackendSpeechRatioThreshold,
		VADMode:              s.BackendVADMode,
		BackendVADEnabled:    s.BackendVADEnabled,
	}
}

// generate produces the agent's reply. When the configured Agent also
// satisfies adapters.StreamingAgent, fragments are accumulated into
// sentences and a TTS task is started on each sentence as soon as it
// completes (spec.md §4.3 Streaming mode), overlapping synthesis with the
// remainder of generation. Either way the returned channels are not
// drained until after the caller has written agent_response, so the
// transcription → agent_response → tts_chunk… ordering guarantee holds
// regardless of how early synthesis actually started.
func (p *TurnPipeline) generate(ctx context.Context, sess *session.Session, transcript string) (string, []<-chan []byte, error) {
	history := toHistoryTurns(sess.History())

	agentCtx, cancel := context.WithTimeout(ctx, agentCallTimeout)
	defer cancel()

	streaming, ok := p.cfg.Agent.(adapters.StreamingAgent)
	if !ok {
		response, err := p.cfg.Agent.Respond(agentCtx, transcript, history)
		if err != nil {
			return "", nil, err
		}
		return response, p.synthesizeSentences(ctx, splitIntoSentences(response)), nil
	}

	var sb sentenceBuffer
	var chans []<-chan []byte
	response, err := streaming.RespondStream(agentCtx, transcript, history, func(fragment string) {
		s := sb.Add(fragment)
		if s == "" {
			return
		}
		if ch, synthErr := p.cfg.TTS.Synthesize(ctx, s); synthErr == nil {
			chans = append(chans, ch)
		} else {
			logTTSSynthesizeFailure(s, synthErr)
		}
	})
	if err != nil {
		return "", nil, err
	}

	if remainder := sb.Flush(); remainder != "" {
		if ch, synthErr := p.cfg.TTS.Synthesize(ctx, remainder); synthErr == nil {
			chans = append(chans, ch)
		} else {
			logTTSSynthesizeFailure(remainder, synthErr)
		}
	}

	return response, chans, nil
}

// synthesizeSentences kicks off one TTS task per segment produced by
// splitIntoSentences, used on the non-streaming Agent path.
func (p *TurnPipeline) synthesizeSentences(ctx context.Context, sentences []string) []<-chan []byte {
	chans := make([]<-chan []byte, 0, len(sentences))
	for _, s := range sentences {
		ch, err := p.cfg.TTS.Synthesize(ctx, s)
		if err != nil {
			logTTSSynthesizeFailure(s, err)
			continue
		}
		chans = append(chans, ch)
	}
	return chans
}

// logTTSSynthesizeFailure records a per-sentence synthesis failure. A
// sentence dropped this way is simply missing from the outbound audio; it
// never fails the turn (spec.md §4.3: TTS failures are per-sentence, not
// fatal), but it is counted under the same reason taxonomy as ASR/Agent
// failures so timeouts are distinguishable from other causes in metrics.
func logTTSSynthesizeFailure(text string, err error) {
	reason := errs.ErrTTSFailed
	if errors.Is(err, context.DeadlineExceeded) {
		reason = errs.ErrTimeout
	}
	metrics.Errors.WithLabelValues("tts", errs.Reason(reason)).Inc()
	slog.Warn("tts synthesize failed", "error", err, "text", text, "reason", errs.Reason(reason))
}

// splitIntoSentences runs the whole text through a sentenceBuffer in one
// Add, so it uses the streaming path's boundary rules but yields at most two
// segments: everything up to the last sentence boundary (or, with no
// boundary and over maxSentenceChars, up to the last space), then the rest.
func splitIntoSentences(text string) []string {
	var sb sentenceBuffer
	var out []string
	if s := sb.Add(text); s != "" {
		out = append(out, s)
	}
	if remainder := sb.Flush(); remainder != "" {
		out = append(out, remainder)
	}
	return out
}

// drainTTS reads each sentence's chunk channel in the order tasks were
// started (spec.md §4.3: "serialized into the outbound channel in the
// order they were started"), writing a tts_chunk frame per chunk with a
// strictly monotonic chunk_index. Cancellation stops draining immediately
// and reports how many chunks were sent before the cut.
func (p *TurnPipeline) drainTTS(ctx context.Context, sess *session.Session, chans []<-chan []byte) (int, bool) {
	chunkIndex := 0
outer:
	for _, ch := range chans {
		for {
			select {
			case audioChunk, ok := <-ch:
				if !ok {
					continue outer
				}
				sess.Write(protocol.EventTTSChunk, protocol.TTSChunkData{
					AudioChunk: base64.StdEncoding.EncodeToString(audioChunk),
					ChunkIndex: chunkIndex,
					Format:     p.cfg.TTSFormat,
					Timestamp:  time.Now().UnixMilli(),
				})
				chunkIndex++
				metrics.TTSChunksSent.Inc()
			case <-ctx.Done():
				return chunkIndex, true
			}
		}
	}
	return chunkIndex, false
}

// sealTurn records the turn in the canonical Turn Log and, if configured,
// mirrors it to Persistence. Both are best-effort (spec.md §4.2, §4.6):
// failures are logged and never affect the turn's outbound completion,
// which has already happened by the time seal runs.
func (p *TurnPipeline) sealTurn(ctx context.Context, rec turnlog.TurnRecord) {
	if p.cfg.TurnLog != nil {
		p.cfg.TurnLog.Append(rec)
	}
	if p.cfg.Persistence != nil {
		if err := p.cfg.Persistence.AppendTurn(ctx, rec); err != nil {
			slog.Error("persistence append turn failed", "turn_id", rec.TurnID, "error", err)
		}
	}
}

func toHistoryTurns(turns []session.Turn) []adapters.HistoryTurn {
	out := make([]adapters.HistoryTurn, len(turns))
	for i, t := range turns {
		out[i] = adapters.HistoryTurn{User: t.User, Assistant: t.Assistant}
	}
	return out
}

func errDetail(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
