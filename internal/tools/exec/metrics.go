package exec

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts exec pipeline outcomes. A nil *Metrics is a no-op, so tests
// and embedded uses can skip registration.
type Metrics struct {
	commands  *prometheus.CounterVec
	approvals *prometheus.CounterVec
	running   prometheus.Gauge
}

// NewMetrics creates and registers the gateway metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "execd",
			Subsystem: "exec",
			Name:      "commands_total",
			Help:      "Exec calls by terminal outcome.",
		}, []string{"outcome"}),
		approvals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "execd",
			Subsystem: "exec",
			Name:      "approvals_total",
			Help:      "Approval requests by decision.",
		}, []string{"decision"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "execd",
			Subsystem: "exec",
			Name:      "running_sessions",
			Help:      "Exec sessions currently running.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.commands, m.approvals, m.running)
	}
	return m
}

// Command records the terminal outcome of one exec call.
func (m *Metrics) Command(outcome string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(outcome).Inc()
}

// Approval records a decision on an approval request.
func (m *Metrics) Approval(decision string) {
	if m == nil {
		return
	}
	m.approvals.WithLabelValues(decision).Inc()
}

// RunStarted bumps the running-session gauge.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.running.Inc()
}

// RunEnded drops the running-session gauge.
func (m *Metrics) RunEnded() {
	if m == nil {
		return
	}
	m.running.Dec()
}
