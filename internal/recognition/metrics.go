package recognition

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for pattern recognition.
type Metrics struct {
	// CandidatesTotal counts validated candidates by outcome ("accepted",
	// "rejected") and reason ("none" for accepted candidates).
	CandidatesTotal *prometheus.CounterVec

	// ExtractedWindows observes the number of windows extracted per history.
	ExtractedWindows prometheus.Histogram
}

// NewMetrics returns the process-wide recognition metrics, registering them once.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			CandidatesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "aml_recognition_candidates_total",
				Help: "Total number of validated pattern candidates by outcome and reason",
			}, []string{"outcome", "reason"}),
			ExtractedWindows: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "aml_recognition_extracted_windows",
				Help:    "Number of candidate windows extracted per action history",
				Buckets: prometheus.ExponentialBuckets(1, 4, 8),
			}),
		}
	})
	return globalMetrics
}

func (m *Metrics) recordAccepted() {
	if m != nil {
		m.CandidatesTotal.WithLabelValues("accepted", "none").Inc()
	}
}

func (m *Metrics) recordRejected(reason Reason) {
	if m != nil {
		m.CandidatesTotal.WithLabelValues("rejected", string(reason)).Inc()
	}
}

func (m *Metrics) observeWindows(n int) {
	if m != nil {
		m.ExtractedWindows.Observe(float64(n))
	}
}
