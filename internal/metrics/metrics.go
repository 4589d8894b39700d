package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "broker_sessions_active",
		Help: "Currently connected sessions",
	})

	SessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_sessions_total",
		Help: "Total sessions accepted",
	})

	SessionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_sessions_rejected_total",
		Help: "Upgrade requests refused, by reason",
	}, []string{"reason"})

	TurnsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_turns_total",
		Help: "Total turns sealed",
	})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "broker_stage_duration_seconds",
		Help:    "Per-stage latency within a turn",
		Buckets: []float64{0.05, 0.1, 0.2, 0.3, 0.5, 0.8, 1.0, 2.0, 5.0, 10, 30},
	}, []string{"stage"})

	TurnDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "broker_turn_duration_seconds",
		Help:    "End-to-end turn latency, decode through terminal frame",
		Buckets: []float64{0.1, 0.2, 0.5, 0.8, 1.0, 1.5, 2.0, 3.0, 5.0, 10},
	})

	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_errors_total",
		Help: "Error counts by stage and reason",
	}, []string{"stage", "reason"})

	AudioChunksReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_audio_chunks_received_total",
		Help: "Total inbound audio_chunk frames",
	})

	TTSChunksSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_tts_chunks_sent_total",
		Help: "Total outbound tts_chunk frames",
	})

	ValidatorRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_validator_rejections_total",
		Help: "Validator rejections by reason",
	}, []string{"reason"})

	TurnsInterrupted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_turns_interrupted_total",
		Help: "Turns ended via barge-in or explicit interrupt",
	})

	OutboundDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_outbound_dropped_total",
		Help: "Outbound frames dropped under backpressure, by frame kind",
	}, []string{"kind"})

	SlowConsumerDisconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_slow_consumer_disconnects_total",
		Help: "Sessions disconnected for failing to drain the outbound channel",
	})
)
