package goftp

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/netfold/goftp/internal/metrics"
)

// Metrics is the exported handle to the engine's optional Prometheus
// instrumentation (commands sent, replies by class, keepalive NOOPs,
// data transfer success/failure). Construct with NewMetrics and set on
// Config.Metrics before calling Connect; a Session built with no Metrics
// set records nothing, at zero cost.
type Metrics = metrics.Metrics

// NewMetrics builds and registers a Metrics set against reg. Pass
// prometheus.NewRegistry() for an isolated registry in tests, or
// prometheus.DefaultRegisterer in a long-lived process; reg may be nil
// to build an unregistered set.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return metrics.New(reg)
}
