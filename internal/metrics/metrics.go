// Package metrics counts what a locker invocation did to containers, rules
// and addresses.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels of locker_operations_total.
const (
	OutcomePerformed = "performed"
	OutcomeSkipped   = "skipped"
	OutcomeFailed    = "failed"
)

// Collector holds the metrics of one invocation. Metrics are registered in
// a dedicated registry so they do not interfere with the default global
// registry.
type Collector struct {
	registry *prometheus.Registry

	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	rules      *prometheus.CounterVec
	leases     prometheus.Counter
}

// NewCollector creates a Collector with all metrics registered.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	operations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "locker",
		Name:      "operations_total",
		Help:      "Container operations by operation and outcome.",
	}, []string{"operation", "outcome"})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "locker",
		Name:      "operation_duration_seconds",
		Help:      "Duration of container operations.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"operation"})

	rules := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "locker",
		Name:      "firewall_rules_total",
		Help:      "Firewall rules inserted or deleted.",
	}, []string{"action"})

	leases := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "locker",
		Name:      "leases_total",
		Help:      "Container addresses leased on the project bridge.",
	})

	reg.MustRegister(operations, duration, rules, leases)

	return &Collector{
		registry:   reg,
		operations: operations,
		duration:   duration,
		rules:      rules,
		leases:     leases,
	}
}

// Registry returns the registry holding the collector's metrics.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordOperation counts one container operation.
func (c *Collector) RecordOperation(operation, outcome string, d time.Duration) {
	c.operations.WithLabelValues(operation, outcome).Inc()
	c.duration.WithLabelValues(operation).Observe(d.Seconds())
}

// RulesChanged counts inserted or deleted firewall rules.
func (c *Collector) RulesChanged(action string, n int) {
	if n <= 0 {
		return
	}
	c.rules.WithLabelValues(action).Add(float64(n))
}

// LeaseGranted counts one address lease.
func (c *Collector) LeaseGranted() {
	c.leases.Inc()
}
