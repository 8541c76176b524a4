// Package metrics exposes gateway counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns its own registry so several gateways can live in one process (tests).
// A nil *Collector is valid and records nothing.
type Collector struct {
	reg *prometheus.Registry

	submitted   *prometheus.CounterVec
	claims      *prometheus.CounterVec
	outcomes    *prometheus.CounterVec
	requeues    prometheus.Counter
	deadLetters prometheus.Counter
	reapedNodes prometheus.Counter
	orphans     *prometheus.CounterVec
	heartbeats  prometheus.Counter
	reconciled  *prometheus.CounterVec
}

func NewCollector(namespace string) *Collector {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Collector{
		reg: reg,
		submitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_submitted_total",
			Help:      "Tasks accepted by the gateway",
		}, []string{"type", "affinity"}),
		claims: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_total",
			Help:      "Claim calls by result (claimed, empty, stale)",
		}, []string{"result"}),
		outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_outcomes_total",
			Help:      "Reported task outcomes",
		}, []string{"type", "outcome"}),
		requeues: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_requeued_total",
			Help:      "Tasks returned to pending",
		}),
		deadLetters: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_dead_lettered_total",
			Help:      "Tasks that exhausted their attempts",
		}),
		reapedNodes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nodes_reaped_total",
			Help:      "Nodes whose lease expired",
		}),
		orphans: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orphans_recovered_total",
			Help:      "Orphaned claims handled by the reaper, by result",
		}, []string{"result"}),
		heartbeats: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_total",
			Help:      "Heartbeats received",
		}),
		reconciled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciled_total",
			Help:      "Tasks moved on by the reaper's reconcile pass, by action",
		}, []string{"action"}),
	}
}

func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}

func (c *Collector) Submitted(taskType, affinity string) {
	if c != nil {
		c.submitted.WithLabelValues(taskType, affinity).Inc()
	}
}

func (c *Collector) Claim(result string) {
	if c != nil {
		c.claims.WithLabelValues(result).Inc()
	}
}

func (c *Collector) Outcome(taskType, outcome string) {
	if c != nil {
		c.outcomes.WithLabelValues(taskType, outcome).Inc()
	}
}

func (c *Collector) Requeued() {
	if c != nil {
		c.requeues.Inc()
	}
}

func (c *Collector) DeadLettered() {
	if c != nil {
		c.deadLetters.Inc()
	}
}

func (c *Collector) NodeReaped() {
	if c != nil {
		c.reapedNodes.Inc()
	}
}

func (c *Collector) Orphan(result string) {
	if c != nil {
		c.orphans.WithLabelValues(result).Inc()
	}
}

func (c *Collector) Heartbeat() {
	if c != nil {
		c.heartbeats.Inc()
	}
}

func (c *Collector) Reconciled(action string) {
	if c != nil {
		c.reconciled.WithLabelValues(action).Inc()
	}
}
