package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	progressSavedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "progress_service",
		Subsystem: "persistence",
		Name:      "last_progress_saved_timestamp_seconds",
		Help:      "Unix timestamp of the most recent progress record written to Postgres.",
	})
	badgeOutcomeCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "progress_service",
		Subsystem: "badges",
		Name:      "evaluations_total",
		Help:      "Badge award evaluations grouped by badge key and outcome.",
	}, []string{"badge_key", "outcome"})
	metricsDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "progress_service",
		Subsystem: "metrics",
		Name:      "computation_duration_seconds",
		Help:      "Time spent deriving badge progress metrics for a student.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
	})
)

func init() {
	prometheus.MustRegister(progressSavedGauge, badgeOutcomeCounter, metricsDuration)
}

// RecordProgressSaved updates the persistence watermark gauge.
func RecordProgressSaved(ts time.Time) {
	if ts.IsZero() {
		return
	}
	progressSavedGauge.Set(float64(ts.Unix()))
}

// RecordBadgeOutcome counts one evaluation result.
func RecordBadgeOutcome(badgeKey, outcome string) {
	badgeOutcomeCounter.WithLabelValues(badgeKey, outcome).Inc()
}

// BadgeOutcomeCounter exposes the evaluation counter for assertions.
func BadgeOutcomeCounter(badgeKey, outcome string) prometheus.Counter {
	return badgeOutcomeCounter.WithLabelValues(badgeKey, outcome)
}

// ObserveMetricsComputation records the elapsed time since start.
func ObserveMetricsComputation(start time.Time) {
	metricsDuration.Observe(time.Since(start).Seconds())
}
