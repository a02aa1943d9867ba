// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	PipelineRuns      prometheus.Counter
	PipelineDeduped   prometheus.Counter
	PipelineFailed    prometheus.Counter
	PipelineCompleted prometheus.Counter

	// StageOutcomes counts per-stage results (outcome: success|retry|fallback|fail).
	StageOutcomes *prometheus.CounterVec

	// Histograms (seconds)
	StageDuration *prometheus.HistogramVec
	RunDuration   prometheus.Observer

	// Gauges
	QueueDepthGauge prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		PipelineRuns = promauto.NewCounter(prometheus.CounterOpts{Name: "analysis_pipeline_runs_total", Help: "Number of pipeline runs started"})
		PipelineDeduped = promauto.NewCounter(prometheus.CounterOpts{Name: "analysis_pipeline_deduped_total", Help: "Number of runs short-circuited by the idempotent dedup check"})
		PipelineFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "analysis_pipeline_failed_total", Help: "Number of runs ending in failed status"})
		PipelineCompleted = promauto.NewCounter(prometheus.CounterOpts{Name: "analysis_pipeline_completed_total", Help: "Number of runs ending in completed status"})
		StageOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{Name: "analysis_stage_outcomes_total", Help: "Per-stage outcomes"}, []string{"stage", "outcome"})
		StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "analysis_stage_duration_seconds", Help: "Stage duration seconds", Buckets: prometheus.DefBuckets}, []string{"stage"})
		RunDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "analysis_run_duration_seconds", Help: "Total pipeline run duration seconds", Buckets: prometheus.DefBuckets})
		QueueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "analysis_queue_depth", Help: "Current number of queued analysis requests"})
	})
}

// IncRuns / IncDeduped / IncFailed / IncCompleted are nil-safe counter hooks
// so unit tests can exercise the pipeline without registering metrics.
func IncRuns() {
	if PipelineRuns != nil {
		PipelineRuns.Inc()
	}
}

func IncDeduped() {
	if PipelineDeduped != nil {
		PipelineDeduped.Inc()
	}
}

func IncFailed() {
	if PipelineFailed != nil {
		PipelineFailed.Inc()
	}
}

func IncCompleted() {
	if PipelineCompleted != nil {
		PipelineCompleted.Inc()
	}
}

// ObserveRun records a full pipeline run duration in seconds.
func ObserveRun(seconds float64) {
	if RunDuration != nil {
		RunDuration.Observe(seconds)
	}
}

// SetQueueDepth records the current number of queued requests.
func SetQueueDepth(n int) {
	if QueueDepthGauge != nil {
		QueueDepthGauge.Set(float64(n))
	}
}

// CountStage records one per-stage outcome (no-op before Init, e.g. in unit tests).
func CountStage(stage, outcome string) {
	if StageOutcomes != nil {
		StageOutcomes.WithLabelValues(stage, outcome).Inc()
	}
}

// ObserveStage records a stage duration in seconds.
func ObserveStage(stage string, seconds float64) {
	if StageDuration != nil {
		StageDuration.WithLabelValues(stage).Observe(seconds)
	}
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns the correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
