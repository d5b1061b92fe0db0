package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the memory service.
type Metrics struct {
	ActiveSessions      prometheus.Gauge
	SessionEvents       *prometheus.CounterVec
	TurnsAppended       prometheus.Counter
	AnnotationsDropped  prometheus.Counter
	ProposalsTotal      *prometheus.CounterVec
	ConsolidationRuns   *prometheus.CounterVec
	PrefsSuperseded     prometheus.Counter
	ContextBuildLatency prometheus.Histogram
	ContextTruncations  prometheus.Counter
	SimilaritySkips     prometheus.Counter

	stages *stageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of sessions held in the working set.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		TurnsAppended: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_appended_total",
			Help:      "Turns durably appended to the log.",
		}),
		AnnotationsDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "annotations_dropped_total",
			Help:      "Malformed entity annotations dropped at ingest.",
		}),
		ProposalsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "preference_proposals_total",
			Help:      "Preference proposals by source.",
		}, []string{"source"}),
		ConsolidationRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consolidation_runs_total",
			Help:      "Consolidation runs by result.",
		}, []string{"result"}),
		PrefsSuperseded: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "preferences_superseded_total",
			Help:      "Preferences superseded by conflict resolution.",
		}),
		ContextBuildLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "context_build_latency_ms",
			Help:      "Latency of context view builds in milliseconds.",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 200, 400},
		}),
		ContextTruncations: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "context_truncations_total",
			Help:      "Context builds resolved by truncating an item.",
		}),
		SimilaritySkips: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "similarity_skips_total",
			Help:      "Long-term retrieval lookups skipped on timeout or error.",
		}),
		stages: newStageWindow(256),
	}
}

func (m *Metrics) ObserveContextBuild(d time.Duration) {
	m.ContextBuildLatency.Observe(float64(d.Milliseconds()))
	m.ObserveStage(StageBuildContext, d)
}

// ObserveStage records a pipeline stage latency in the rolling window.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil || m.stages == nil {
		return
	}
	m.stages.Observe(stage, float64(d.Microseconds())/1000)
}

// SnapshotStages returns rolling latency percentiles per pipeline stage.
func (m *Metrics) SnapshotStages() StageSnapshot {
	if m == nil || m.stages == nil {
		return StageSnapshot{}
	}
	return m.stages.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
