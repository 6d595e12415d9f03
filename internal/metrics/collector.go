package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

// Sampler refreshes gauges that are not updated as a side effect of work,
// such as asset store capacity.
type Sampler interface {
	Sample(ctx context.Context) error
}

// SamplerFunc adapts a function to Sampler.
type SamplerFunc func(ctx context.Context) error

func (f SamplerFunc) Sample(ctx context.Context) error { return f(ctx) }

// CollectorMetrics describes the collector itself.
type CollectorMetrics struct {
	Errors      *prometheus.CounterVec // bitkeep_sampler_errors_total{sampler}
	LastCollect prometheus.Gauge       // bitkeep_last_sample_timestamp_seconds
}

// Collector runs named samplers periodically.
type Collector struct {
	metrics  *CollectorMetrics
	names    []string
	samplers map[string]Sampler
}

// NewCollector registers the collector metrics and returns an empty collector.
func NewCollector() *Collector {
	return &Collector{
		metrics: &CollectorMetrics{
			Errors: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
				Name: "bitkeep_sampler_errors_total",
				Help: "Failed metric samples by sampler",
			}, []string{"sampler"}),
			LastCollect: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
				Name: "bitkeep_last_sample_timestamp_seconds",
				Help: "Unix time of the last sampling pass",
			}),
		},
		samplers: make(map[string]Sampler),
	}
}

// Add registers a sampler under name. Samplers run in the order added.
func (c *Collector) Add(name string, s Sampler) {
	if _, ok := c.samplers[name]; !ok {
		c.names = append(c.names, name)
	}
	c.samplers[name] = s
}

// Collect runs every sampler once. Failures are logged and counted.
func (c *Collector) Collect(ctx context.Context) {
	for _, name := range c.names {
		if err := c.samplers[name].Sample(ctx); err != nil {
			c.metrics.Errors.WithLabelValues(name).Inc()
			log.Debug().Err(err).Str("sampler", name).Msg("metric sample failed")
		}
	}
	c.metrics.LastCollect.SetToCurrentTime()
}

// Run collects immediately and then every interval until ctx is done.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.Collect(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect(ctx)
		}
	}
}
