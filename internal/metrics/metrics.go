// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "voice_gateway"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Call metrics
	CallsTotal   *prometheus.CounterVec
	CallsActive  prometheus.Gauge
	CallDuration prometheus.Histogram

	// Audio metrics
	InboundFrames  prometheus.Counter
	InboundBytes   prometheus.Counter
	InboundDropped prometheus.Counter
	OutboundFrames prometheus.Counter
	BargeIns       prometheus.Counter

	// STT metrics
	Utterances      *prometheus.CounterVec
	STTErrors       *prometheus.CounterVec
	STTAudioSeconds *prometheus.CounterVec

	// Turn metrics
	TurnsTotal       prometheus.Counter
	TurnLatency      *prometheus.HistogramVec
	FirstByteLatency prometheus.Histogram

	// Agent metrics
	NodeErrors      *prometheus.CounterVec
	StreakTripped   prometheus.Counter
	IntentsDetected *prometheus.CounterVec

	// Persistence metrics
	StoreWrites     *prometheus.CounterVec
	StoreRetries    prometheus.Counter
	StoreQueueDepth prometheus.Gauge
}

// Default is the global metrics instance.
var Default = New()

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	return newWith(prometheus.DefaultRegisterer)
}

// NewForTesting registers metrics on a private registry so tests can
// construct instances without double-registration panics.
func NewForTesting() *Metrics {
	return newWith(prometheus.NewRegistry())
}

func newWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		CallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Total number of calls accepted",
		}, []string{"provider"}),
		CallsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "calls_active",
			Help:      "Number of currently active calls",
		}),
		CallDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Duration of completed calls in seconds",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800},
		}),

		InboundFrames: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_frames_total",
			Help:      "Total inbound audio frames received",
		}),
		InboundBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_bytes_total",
			Help:      "Total inbound audio bytes received",
		}),
		InboundDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_frames_dropped_total",
			Help:      "Inbound frames dropped under backpressure",
		}),
		OutboundFrames: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_frames_total",
			Help:      "Total outbound audio frames sent",
		}),
		BargeIns: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "barge_ins_total",
			Help:      "Total number of caller interruptions of playback",
		}),

		Utterances: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stt_utterances_total",
			Help:      "Final utterances produced per track",
		}, []string{"track"}),
		STTErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stt_errors_total",
			Help:      "Total number of STT errors",
		}, []string{"provider", "error_type"}),
		STTAudioSeconds: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stt_audio_seconds_total",
			Help:      "Seconds of audio submitted for transcription per track",
		}, []string{"track"}),

		TurnsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Total conversation turns completed",
		}),
		TurnLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_latency_seconds",
			Help:      "Per-stage turn latency in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"stage"}),
		FirstByteLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_audio_byte_seconds",
			Help:      "Time from final utterance to first synthesized audio byte",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 3, 5},
		}),

		NodeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_node_errors_total",
			Help:      "Errors raised by agent graph nodes",
		}, []string{"node"}),
		StreakTripped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_error_streak_tripped_total",
			Help:      "Calls ended by the consecutive-error limit",
		}),
		IntentsDetected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_intents_total",
			Help:      "Classified user intents",
		}, []string{"intent"}),

		StoreWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_writes_total",
			Help:      "Conversation store write attempts",
		}, []string{"backend", "outcome"}),
		StoreRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_retries_total",
			Help:      "Conversation store writes retried from the queue",
		}),
		StoreQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_retry_queue_depth",
			Help:      "Pending writes in the persistence retry queue",
		}),
	}
}

// RecordCallStart records a call being accepted.
func (m *Metrics) RecordCallStart(provider string) {
	m.CallsTotal.WithLabelValues(provider).Inc()
	m.CallsActive.Inc()
}

// RecordCallEnd records a call finishing.
func (m *Metrics) RecordCallEnd(durationSeconds float64) {
	m.CallsActive.Dec()
	m.CallDuration.Observe(durationSeconds)
}

// RecordInboundFrame records one inbound media frame.
func (m *Metrics) RecordInboundFrame(bytes int) {
	m.InboundFrames.Inc()
	m.InboundBytes.Add(float64(bytes))
}

// RecordInboundDrop records frames dropped under backpressure.
func (m *Metrics) RecordInboundDrop(n int) {
	m.InboundDropped.Add(float64(n))
}

// RecordBargeIn records the caller interrupting playback.
func (m *Metrics) RecordBargeIn() {
	m.BargeIns.Inc()
}

// RecordUtterance records a final utterance on a track.
func (m *Metrics) RecordUtterance(track string, audioSeconds float64) {
	m.Utterances.WithLabelValues(track).Inc()
	m.STTAudioSeconds.WithLabelValues(track).Add(audioSeconds)
}

// RecordSTTError records an STT error.
func (m *Metrics) RecordSTTError(provider, errorType string) {
	m.STTErrors.WithLabelValues(provider, errorType).Inc()
}

// RecordTurn records a completed turn and its stage latencies.
func (m *Metrics) RecordTurn(stages map[string]float64) {
	m.TurnsTotal.Inc()
	for stage, seconds := range stages {
		m.TurnLatency.WithLabelValues(stage).Observe(seconds)
	}
}

// RecordNodeError records an agent node failure.
func (m *Metrics) RecordNodeError(node string) {
	m.NodeErrors.WithLabelValues(node).Inc()
}

// RecordIntent records a classified intent.
func (m *Metrics) RecordIntent(intent string) {
	m.IntentsDetected.WithLabelValues(intent).Inc()
}

// RecordStoreWrite records a persistence write attempt.
func (m *Metrics) RecordStoreWrite(backend string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.StoreWrites.WithLabelValues(backend, outcome).Inc()
}
