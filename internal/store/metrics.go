package store

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for the record store.
type Metrics struct {
	CacheHitsTotal   prometheus.Counter
	CacheMissesTotal prometheus.Counter
	CacheSize        prometheus.Gauge

	// LoadsTotal counts document loads by result: "ok", "missing", "corrupt", "error".
	LoadsTotal *prometheus.CounterVec

	// WritesTotal counts document writes by result: "ok", "invalid", "error".
	WritesTotal *prometheus.CounterVec
}

// NewMetrics returns the process-wide store metrics, registering them once.
//
// Metrics:
//   - aml_store_cache_hits_total
//   - aml_store_cache_misses_total
//   - aml_store_cache_size
//   - aml_store_loads_total{result}
//   - aml_store_writes_total{result}
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			CacheHitsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "aml_store_cache_hits_total",
				Help: "Total number of record cache hits",
			}),
			CacheMissesTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "aml_store_cache_misses_total",
				Help: "Total number of record cache misses, including expired entries",
			}),
			CacheSize: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "aml_store_cache_size",
				Help: "Current number of owners in the record cache",
			}),
			LoadsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "aml_store_loads_total",
				Help: "Total number of record document loads by result",
			}, []string{"result"}),
			WritesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "aml_store_writes_total",
				Help: "Total number of record document writes by result",
			}, []string{"result"}),
		}
	})
	return globalMetrics
}

func (m *Metrics) recordHit() {
	if m != nil {
		m.CacheHitsTotal.Inc()
	}
}

func (m *Metrics) recordMiss() {
	if m != nil {
		m.CacheMissesTotal.Inc()
	}
}

func (m *Metrics) setSize(n int) {
	if m != nil {
		m.CacheSize.Set(float64(n))
	}
}

func (m *Metrics) recordLoad(result string) {
	if m != nil {
		m.LoadsTotal.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) recordWrite(result string) {
	if m != nil {
		m.WritesTotal.WithLabelValues(result).Inc()
	}
}
