// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "voice_expense"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Session metrics
	SessionsTotal   prometheus.Counter
	SessionsActive  prometheus.Gauge
	SessionDuration prometheus.Histogram
	GRPCCalls       *prometheus.CounterVec
	GRPCDuration    *prometheus.HistogramVec

	// Segment metrics
	SegmentsCreated   prometheus.Counter
	SegmentsDiscarded *prometheus.CounterVec
	SegmentAudioBytes prometheus.Histogram

	// Dispatch metrics
	DispatchLatency  prometheus.Histogram
	DispatchFailures *prometheus.CounterVec
	QueueDepth       prometheus.Gauge

	// Reorder metrics
	FragmentsReleased prometheus.Counter
	SegmentsLost      prometheus.Counter
	StaleTranscripts  prometheus.Counter

	// Proposal pipeline metrics
	PassesTotal         prometheus.Counter
	PassDuration        prometheus.Histogram
	ProposalsAccepted   prometheus.Counter
	ProposalsSuppressed *prometheus.CounterVec
	UnderstandingErrors prometheus.Counter
	Decisions           *prometheus.CounterVec

	// Diagnostics
	Diagnostics *prometheus.CounterVec

	// Kafka publish metrics
	KafkaPublishTotal   *prometheus.CounterVec
	KafkaPublishErrors  *prometheus.CounterVec
	KafkaPublishLatency *prometheus.HistogramVec
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics()

// NewMetrics creates and registers all Prometheus metrics.
// It registers with the default registry, so call it once per process.
func NewMetrics() *Metrics {
	return &Metrics{
		SessionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of listening sessions started",
		}),
		SessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently active sessions",
		}),
		SessionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration of listening sessions in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}),
		GRPCCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grpc_calls_total",
			Help:      "Total number of gRPC calls by service, method and code",
		}, []string{"service", "method", "code"}),
		GRPCDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "grpc_call_duration_seconds",
			Help:      "gRPC call duration by service",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"service"}),

		SegmentsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_created_total",
			Help:      "Total number of voice segments emitted by the segmenter",
		}),
		SegmentsDiscarded: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_discarded_total",
			Help:      "Total number of segments discarded before dispatch",
		}, []string{"reason"}),
		SegmentAudioBytes: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "segment_audio_bytes",
			Help:      "Size of dispatched segment audio in bytes",
			Buckets:   prometheus.ExponentialBuckets(4096, 2, 10),
		}),

		DispatchLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_latency_seconds",
			Help:      "Transcription call latency in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 3, 5},
		}),
		DispatchFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_failures_total",
			Help:      "Total number of failed transcription dispatches",
		}, []string{"kind"}),
		QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dispatch_queue_depth",
			Help:      "Segments waiting for dispatch across sessions",
		}),

		FragmentsReleased: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fragments_released_total",
			Help:      "Total number of fragments released in order",
		}),
		SegmentsLost: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_lost_total",
			Help:      "Total number of sequence IDs skipped after the gap timeout",
		}),
		StaleTranscripts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_transcripts_total",
			Help:      "Transcripts that arrived behind the reorder cursor",
		}),

		PassesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_passes_total",
			Help:      "Total number of proposal generation passes",
		}),
		PassDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_pass_duration_seconds",
			Help:      "Duration of a proposal generation pass",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		ProposalsAccepted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proposals_accepted_total",
			Help:      "Total number of candidate proposals accepted",
		}),
		ProposalsSuppressed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proposals_suppressed_total",
			Help:      "Total number of candidate proposals suppressed",
		}, []string{"reason"}),
		UnderstandingErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "understanding_errors_total",
			Help:      "Total number of failed understanding calls",
		}),
		Decisions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proposal_decisions_total",
			Help:      "Reviewer decisions applied to proposals",
		}, []string{"decision", "result"}),

		Diagnostics: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "diagnostics_total",
			Help:      "Discarded, suppressed and lost items by kind",
		}, []string{"kind"}),

		KafkaPublishTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_total",
			Help:      "Total number of Kafka messages published",
		}, []string{"topic", "event_type"}),
		KafkaPublishErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_errors_total",
			Help:      "Total number of Kafka publish errors",
		}, []string{"topic", "event_type"}),
		KafkaPublishLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kafka_publish_latency_seconds",
			Help:      "Kafka publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"topic"}),
	}
}

// RecordSessionStart records a new session starting.
func (m *Metrics) RecordSessionStart() {
	m.SessionsTotal.Inc()
	m.SessionsActive.Inc()
}

// RecordSessionEnd records a session ending.
func (m *Metrics) RecordSessionEnd(durationSeconds float64) {
	m.SessionsActive.Dec()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordGRPCCall records a completed gRPC call.
func (m *Metrics) RecordGRPCCall(service, method, code string, durationSeconds float64) {
	m.GRPCCalls.WithLabelValues(service, method, code).Inc()
	m.GRPCDuration.WithLabelValues(service).Observe(durationSeconds)
}

// RecordSegmentCreated records a segment emitted with the given audio size.
func (m *Metrics) RecordSegmentCreated(audioBytes int) {
	m.SegmentsCreated.Inc()
	m.SegmentAudioBytes.Observe(float64(audioBytes))
}

// RecordSegmentDiscarded records a segment dropped before dispatch.
func (m *Metrics) RecordSegmentDiscarded(reason string) {
	m.SegmentsDiscarded.WithLabelValues(reason).Inc()
}

// RecordDispatch records a finished transcription call.
func (m *Metrics) RecordDispatch(latencySeconds float64, failureKind string) {
	m.DispatchLatency.Observe(latencySeconds)
	if failureKind != "" {
		m.DispatchFailures.WithLabelValues(failureKind).Inc()
	}
}

// RecordQueueDelta adjusts the dispatch queue depth gauge.
func (m *Metrics) RecordQueueDelta(delta int) {
	m.QueueDepth.Add(float64(delta))
}

// RecordReleased records fragments released by the reorder buffer.
func (m *Metrics) RecordReleased(n int) {
	m.FragmentsReleased.Add(float64(n))
}

// RecordLost records sequence IDs skipped past a gap.
func (m *Metrics) RecordLost(n int) {
	m.SegmentsLost.Add(float64(n))
}

// RecordStale records a transcript that arrived behind the cursor.
func (m *Metrics) RecordStale() {
	m.StaleTranscripts.Inc()
}

// RecordPass records a generation pass and its outcome counts.
func (m *Metrics) RecordPass(durationSeconds float64, accepted int, err error) {
	m.PassesTotal.Inc()
	m.PassDuration.Observe(durationSeconds)
	m.ProposalsAccepted.Add(float64(accepted))
	if err != nil {
		m.UnderstandingErrors.Inc()
	}
}

// RecordSuppressed records a suppressed candidate.
func (m *Metrics) RecordSuppressed(reason string) {
	m.ProposalsSuppressed.WithLabelValues(reason).Inc()
}

// RecordDecision records a reviewer decision.
func (m *Metrics) RecordDecision(decision string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Decisions.WithLabelValues(decision, result).Inc()
}

// RecordDiagnostic records a diagnostic report.
func (m *Metrics) RecordDiagnostic(kind string) {
	m.Diagnostics.WithLabelValues(kind).Inc()
}

// RecordKafkaPublish records a Kafka publish attempt.
func (m *Metrics) RecordKafkaPublish(topic, eventType string, err error, latencySeconds float64) {
	m.KafkaPublishTotal.WithLabelValues(topic, eventType).Inc()
	m.KafkaPublishLatency.WithLabelValues(topic).Observe(latencySeconds)
	if err != nil {
		m.KafkaPublishErrors.WithLabelValues(topic, eventType).Inc()
	}
}
