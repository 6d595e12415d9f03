// Package metrics owns the Prometheus registry of a bitkeep process and the
// ways it is exposed: an HTTP handler for long-running checkers and a
// node_exporter textfile for batch runs.
package metrics

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registry for all bitkeep metrics.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

var (
	buildOnce sync.Once
	buildInfo *prometheus.GaugeVec
)

// InitBuildInfo sets bitkeep_build_info for this process, registering it on
// first use.
func InitBuildInfo(version, command string) *prometheus.GaugeVec {
	buildOnce.Do(func() {
		buildInfo = promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
			Name: "bitkeep_build_info",
			Help: "Build information (value is always 1)",
		}, []string{"version", "command"})
	})
	buildInfo.WithLabelValues(version, command).Set(1)
	return buildInfo
}

// Handler serves the registry in the Prometheus exposition formats.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// WriteTextfile writes the registry to path for the node_exporter textfile
// collector. The file is replaced atomically.
func WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, Registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
