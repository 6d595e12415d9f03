package checker

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricsOnce     sync.Once
	metricsInstance *Metrics
)

// Metrics holds the Prometheus metrics of the checksum checker.
type Metrics struct {
	ChecksTotal   *prometheus.CounterVec // bitkeep_checker_checks_total{result}
	CheckDuration prometheus.Histogram   // bitkeep_checker_check_duration_seconds
	BytesChecked  prometheus.Counter     // bitkeep_checker_bytes_checked_total
	LastRunEnd    prometheus.Gauge       // bitkeep_checker_last_run_timestamp_seconds
	HistoryPruned prometheus.Counter     // bitkeep_checker_history_pruned_total
}

// InitMetrics registers the checker metrics with registry (the default
// registerer if nil). Later calls return the same instance.
func InitMetrics(registry prometheus.Registerer) *Metrics {
	metricsOnce.Do(func() {
		if registry == nil {
			registry = prometheus.DefaultRegisterer
		}
		metricsInstance = &Metrics{
			ChecksTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
				Name: "bitkeep_checker_checks_total",
				Help: "Bitstream checks by result code",
			}, []string{"result"}),

			CheckDuration: promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
				Name:    "bitkeep_checker_check_duration_seconds",
				Help:    "Time to verify one bitstream",
				Buckets: prometheus.DefBuckets,
			}),

			BytesChecked: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "bitkeep_checker_bytes_checked_total",
				Help: "Content bytes read while verifying checksums",
			}),

			LastRunEnd: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
				Name: "bitkeep_checker_last_run_timestamp_seconds",
				Help: "Unix time at which the last checker run finished",
			}),

			HistoryPruned: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "bitkeep_checker_history_pruned_total",
				Help: "Checksum history rows removed by the pruner",
			}),
		}
	})

	return metricsInstance
}

// GetMetrics returns the metrics instance, or nil if not initialized.
func GetMetrics() *Metrics {
	return metricsInstance
}

// PrometheusCollector exports results as metrics.
type PrometheusCollector struct {
	metrics *Metrics
}

// NewPrometheusCollector creates a collector recording into metrics.
func NewPrometheusCollector(metrics *Metrics) *PrometheusCollector {
	return &PrometheusCollector{metrics: metrics}
}

func (c *PrometheusCollector) Collect(r *Result) {
	if c.metrics == nil {
		return
	}
	c.metrics.ChecksTotal.WithLabelValues(string(r.Code)).Inc()
	c.metrics.CheckDuration.Observe(r.ProcessEnd.Sub(r.ProcessStart).Seconds())
	if r.Calculated != "" {
		c.metrics.BytesChecked.Add(float64(r.Size))
	}
}
