// Package metrics exposes optional Prometheus counters for the command
// dispatcher and data channel broker. Registration is opt-in: a nil
// *Metrics (the zero value returned by Disabled) is safe to call methods
// on and does nothing, so callers that don't want a metrics endpoint pay
// no registration cost.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups the counters/gauges the engine updates. All of rclone,
// conniver, and sockstats in the reference pack pull in
// prometheus/client_golang directly, so counters here use the same
// vocabulary (a Namespace/Subsystem pair plus plain Counter/Gauge types)
// rather than inventing a bespoke stats struct.
type Metrics struct {
	CommandsSent     prometheus.Counter
	RepliesByClass   *prometheus.CounterVec
	KeepaliveNoops   prometheus.Counter
	DataTransfers    prometheus.Counter
	DataTransferFail prometheus.Counter
}

// New creates and registers a Metrics set against reg. Pass
// prometheus.NewRegistry() for an isolated registry in tests, or
// prometheus.DefaultRegisterer in a long-lived process.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CommandsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "goftp",
			Subsystem: "dispatcher",
			Name:      "commands_sent_total",
			Help:      "Total commands written to the control channel.",
		}),
		RepliesByClass: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "goftp",
			Subsystem: "dispatcher",
			Name:      "replies_total",
			Help:      "Replies received, labeled by hundreds digit (1xx..5xx).",
		}, []string{"class"}),
		KeepaliveNoops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "goftp",
			Subsystem: "dispatcher",
			Name:      "keepalive_noops_total",
			Help:      "NOOP commands injected by the keepalive timer.",
		}),
		DataTransfers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "goftp",
			Subsystem: "broker",
			Name:      "data_transfers_total",
			Help:      "Completed data-channel operations.",
		}),
		DataTransferFail: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "goftp",
			Subsystem: "broker",
			Name:      "data_transfer_failures_total",
			Help:      "Data-channel operations that ended in error or abort.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.CommandsSent, m.RepliesByClass, m.KeepaliveNoops, m.DataTransfers, m.DataTransferFail)
	}
	return m
}

func (m *Metrics) commandSent() {
	if m != nil {
		m.CommandsSent.Inc()
	}
}

// CommandSent records a command write. Safe on a nil *Metrics.
func (m *Metrics) CommandSent() { m.commandSent() }

// Reply records a reply by its hundreds digit ("1".."5").
func (m *Metrics) Reply(class string) {
	if m != nil {
		m.RepliesByClass.WithLabelValues(class).Inc()
	}
}

// Keepalive records an injected NOOP.
func (m *Metrics) Keepalive() {
	if m != nil {
		m.KeepaliveNoops.Inc()
	}
}

// DataTransfer records a completed or failed data-channel operation.
func (m *Metrics) DataTransfer(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.DataTransfers.Inc()
	} else {
		m.DataTransferFail.Inc()
	}
}
