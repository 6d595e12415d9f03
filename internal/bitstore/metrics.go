package bitstore

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricsOnce     sync.Once
	metricsInstance *Metrics
)

// Metrics holds the Prometheus metrics of the storage layer.
type Metrics struct {
	OperationsTotal *prometheus.CounterVec // bitkeep_bitstream_operations_total{operation,result}
	BytesStored     prometheus.Counter     // bitkeep_bitstream_bytes_stored_total
	BytesRetrieved  prometheus.Counter     // bitkeep_bitstream_bytes_retrieved_total

	CleanupTotal *prometheus.CounterVec // bitkeep_cleanup_actions_total{action}
	CleanupRuns  prometheus.Counter     // bitkeep_cleanup_runs_total

	StoreAvailableBytes *prometheus.GaugeVec // bitkeep_store_available_bytes{store}
	StoreUsedBytes      *prometheus.GaugeVec // bitkeep_store_used_bytes{store}
}

// InitMetrics registers the storage metrics with registry (the default
// registerer if nil). Later calls return the same instance.
func InitMetrics(registry prometheus.Registerer) *Metrics {
	metricsOnce.Do(func() {
		if registry == nil {
			registry = prometheus.DefaultRegisterer
		}
		metricsInstance = &Metrics{
			OperationsTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
				Name: "bitkeep_bitstream_operations_total",
				Help: "Bitstream operations by operation and result",
			}, []string{"operation", "result"}),

			BytesStored: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "bitkeep_bitstream_bytes_stored_total",
				Help: "Total content bytes written to asset stores",
			}),

			BytesRetrieved: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "bitkeep_bitstream_bytes_retrieved_total",
				Help: "Total content bytes read back for retrieval",
			}),

			CleanupTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
				Name: "bitkeep_cleanup_actions_total",
				Help: "Cleanup outcomes by action",
			}, []string{"action"}),

			CleanupRuns: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "bitkeep_cleanup_runs_total",
				Help: "Completed cleanup passes",
			}),

			StoreAvailableBytes: promauto.With(registry).NewGaugeVec(prometheus.GaugeOpts{
				Name: "bitkeep_store_available_bytes",
				Help: "Effective free bytes per asset store (volume and quota)",
			}, []string{"store"}),

			StoreUsedBytes: promauto.With(registry).NewGaugeVec(prometheus.GaugeOpts{
				Name: "bitkeep_store_used_bytes",
				Help: "Logical bytes recorded per asset store",
			}, []string{"store"}),
		}
	})

	return metricsInstance
}

// GetMetrics returns the metrics instance, or nil if not initialized.
func GetMetrics() *Metrics {
	return metricsInstance
}

func (m *Metrics) recordOp(operation, result string) {
	if m == nil {
		return
	}
	m.OperationsTotal.WithLabelValues(operation, result).Inc()
}

func (m *Metrics) recordStored(bytes int64) {
	if m == nil {
		return
	}
	m.BytesStored.Add(float64(bytes))
}

func (m *Metrics) recordRetrieved(bytes int64) {
	if m == nil {
		return
	}
	m.BytesRetrieved.Add(float64(bytes))
}

func (m *Metrics) recordCleanup(action string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.CleanupTotal.WithLabelValues(action).Add(float64(n))
}

func (m *Metrics) recordCapacity(storeNumber int, available, used int64) {
	if m == nil {
		return
	}
	label := strconv.Itoa(storeNumber)
	m.StoreAvailableBytes.WithLabelValues(label).Set(float64(available))
	m.StoreUsedBytes.WithLabelValues(label).Set(float64(used))
}
