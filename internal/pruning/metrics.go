package pruning

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for pruning passes.
type Metrics struct {
	// RecordsTotal counts selected records by strategy, reason and action:
	// "removed", "deactivated", "would_remove".
	RecordsTotal *prometheus.CounterVec

	// PassesTotal counts passes by result: "ok", "dry_run", "aborted".
	PassesTotal *prometheus.CounterVec

	PassDuration prometheus.Histogram
}

// NewMetrics returns the process-wide pruning metrics, registering them once.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			RecordsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "aml_pruning_records_total",
				Help: "Total number of records selected by pruning",
			}, []string{"strategy", "reason", "action"}),
			PassesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "aml_pruning_passes_total",
				Help: "Total number of pruning passes by result",
			}, []string{"result"}),
			PassDuration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "aml_pruning_pass_duration_seconds",
				Help:    "Duration of pruning passes",
				Buckets: prometheus.DefBuckets,
			}),
		}
	})
	return globalMetrics
}

func (m *Metrics) recordRemoval(r Removal, action string) {
	if m != nil {
		m.RecordsTotal.WithLabelValues(string(r.Strategy), string(r.Reason), action).Inc()
	}
}

func (m *Metrics) recordPass(result string, seconds float64) {
	if m != nil {
		m.PassesTotal.WithLabelValues(result).Inc()
		m.PassDuration.Observe(seconds)
	}
}
