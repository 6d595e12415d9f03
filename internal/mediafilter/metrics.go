package mediafilter

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricsOnce     sync.Once
	metricsInstance *Metrics
)

// Metrics holds the media filter metrics.
type Metrics struct {
	DerivativesTotal *prometheus.CounterVec // bitkeep_mediafilter_derivatives_total{filter,result}
	ItemsProcessed   prometheus.Counter     // bitkeep_mediafilter_items_processed_total
}

// InitMetrics registers the media filter metrics with registry (the default
// registerer if nil). Later calls return the same instance.
func InitMetrics(registry prometheus.Registerer) *Metrics {
	metricsOnce.Do(func() {
		if registry == nil {
			registry = prometheus.DefaultRegisterer
		}
		metricsInstance = &Metrics{
			DerivativesTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
				Name: "bitkeep_mediafilter_derivatives_total",
				Help: "Derived bitstreams by filter and result",
			}, []string{"filter", "result"}),

			ItemsProcessed: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "bitkeep_mediafilter_items_processed_total",
				Help: "Items visited by the media filter",
			}),
		}
	})

	return metricsInstance
}

// GetMetrics returns the metrics instance, or nil if not initialized.
func GetMetrics() *Metrics {
	return metricsInstance
}

func (m *Metrics) recordDerivative(filter, result string) {
	if m == nil {
		return
	}
	m.DerivativesTotal.WithLabelValues(filter, result).Inc()
}

func (m *Metrics) recordItem() {
	if m == nil {
		return
	}
	m.ItemsProcessed.Inc()
}
