// Package metrics exposes Prometheus instrumentation for the
// coordinator: node pool size, handoffs, and command throughput.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PoolSize is the current number of registered forwarder agents.
	PoolSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "blearbiter_pool_size",
		Help: "Number of forwarder agents currently registered",
	})

	// HandoffCount counts completed handoff cycles by outcome.
	HandoffCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blearbiter_handoffs_total",
		Help: "Number of handoff cycles, by outcome",
	}, []string{"outcome"})

	// CommandCount counts submitted commands by endpoint kind and result.
	CommandCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blearbiter_commands_total",
		Help: "Number of commands submitted, by endpoint and result",
	}, []string{"endpoint", "result"})

	// ActiveEndpoint reports which kind of endpoint currently holds the
	// device: 0 = none, 1 = local, 2 = remote agent.
	ActiveEndpoint = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "blearbiter_active_endpoint",
		Help: "0=none, 1=local, 2=remote",
	})
)

// Handoff outcome labels.
const (
	HandoffElected  = "elected"
	HandoffNoActive = "no_active"
)

// Endpoint labels.
const (
	EndpointLocal  = "local"
	EndpointRemote = "remote"
)

// Result labels.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Active endpoint gauge values.
const (
	ActiveNone = iota
	ActiveLocal
	ActiveRemote
)

// IncHandoff records a completed handoff cycle.
func IncHandoff(outcome string) {
	HandoffCount.WithLabelValues(outcome).Inc()
}

// IncCommand records one submitted command.
func IncCommand(endpoint, result string) {
	CommandCount.WithLabelValues(endpoint, result).Inc()
}

// SetPoolSize sets the current pool size gauge.
func SetPoolSize(n int) {
	PoolSize.Set(float64(n))
}

// SetActiveEndpoint sets the active-endpoint gauge.
func SetActiveEndpoint(kind int) {
	ActiveEndpoint.Set(float64(kind))
}
