// Package metrics exposes the runner's Prometheus instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AgentsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "oken_agents_running",
		Help: "Number of agents currently in the running state.",
	})
	AgentsRegistered = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "oken_agents_registered",
		Help: "Total number of agents currently tracked by the registry, any status.",
	})
	DeploysTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oken_deploys_total",
		Help: "Total number of deploy attempts by terminal status.",
	}, []string{"status"})
	DeployDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "oken_deploy_duration_seconds",
		Help:    "Duration of the full deployment pipeline, from validate to running.",
		Buckets: prometheus.DefBuckets,
	})
	InvocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oken_invocations_total",
		Help: "Total number of invoke requests forwarded to replicas, by outcome.",
	}, []string{"outcome"})
	InvocationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "oken_invocation_duration_seconds",
		Help:    "Duration of a single proxied invocation.",
		Buckets: prometheus.DefBuckets,
	})
	SweepEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oken_sweep_evictions_total",
		Help: "Total number of agents evicted by the idle sweep.",
	})
	SweepRaces = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oken_sweep_witness_mismatches_total",
		Help: "Total number of sweep candidates skipped because the witness check detected a racing invocation.",
	})
	OrphansCleaned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oken_orphans_cleaned_total",
		Help: "Total number of orphaned containers removed at startup.",
	})
)

// DeployTimer accumulates a single deploy attempt's outcome into
// DeploysTotal and DeployDuration.
type DeployTimer struct {
	start time.Time
}

// NewDeployTimer starts timing a deploy attempt.
func NewDeployTimer() *DeployTimer {
	return &DeployTimer{start: time.Now()}
}

// ObserveSuccess records a completed deploy that reached running.
func (t *DeployTimer) ObserveSuccess() {
	DeployDuration.Observe(time.Since(t.start).Seconds())
	DeploysTotal.WithLabelValues("running").Inc()
}

// ObserveFailure records a deploy attempt that did not reach running.
func (t *DeployTimer) ObserveFailure() {
	DeployDuration.Observe(time.Since(t.start).Seconds())
	DeploysTotal.WithLabelValues("error").Inc()
}

// InvocationTimer accumulates a single invoke call's outcome into
// InvocationsTotal and InvocationDuration.
type InvocationTimer struct {
	start time.Time
}

// NewInvocationTimer starts timing an invoke call.
func NewInvocationTimer() *InvocationTimer {
	return &InvocationTimer{start: time.Now()}
}

// ObserveOutcome records outcome ("ok" or "error") for the timed call.
func (t *InvocationTimer) ObserveOutcome(outcome string) {
	InvocationDuration.Observe(time.Since(t.start).Seconds())
	InvocationsTotal.WithLabelValues(outcome).Inc()
}
