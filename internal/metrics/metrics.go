// Package metrics provides Prometheus metrics for the automation core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the counters the rule engine and lifecycle managers update.
type Metrics struct {
	RuleExecutionsTotal  *prometheus.CounterVec
	TaskTransitionsTotal *prometheus.CounterVec
	WriteConflictsTotal  *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		RuleExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workdeck_rule_executions_total",
				Help: "Rule execution ledger inserts by outcome and suppression reason.",
			},
			[]string{"outcome", "reason"},
		),
		TaskTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workdeck_task_transitions_total",
				Help: "Task state transitions by target status.",
			},
			[]string{"to_status"},
		),
		WriteConflictsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workdeck_write_conflicts_total",
				Help: "Optimistic-concurrency conflicts by entity.",
			},
			[]string{"entity"},
		),
		registry: reg,
	}

	reg.MustRegister(m.RuleExecutionsTotal)
	reg.MustRegister(m.TaskTransitionsTotal)
	reg.MustRegister(m.WriteConflictsTotal)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRuleExecution increments the ledger counter.
func (m *Metrics) RecordRuleExecution(outcome, reason string) {
	m.RuleExecutionsTotal.WithLabelValues(outcome, reason).Inc()
}

// RecordTaskTransition increments the transition counter.
func (m *Metrics) RecordTaskTransition(toStatus string) {
	m.TaskTransitionsTotal.WithLabelValues(toStatus).Inc()
}

// RecordWriteConflict increments the conflict counter.
func (m *Metrics) RecordWriteConflict(entity string) {
	m.WriteConflictsTotal.WithLabelValues(entity).Inc()
}
