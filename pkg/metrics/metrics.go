// Package metrics exposes the platform's Prometheus instruments. One
// Registry is constructed at startup and injected; subsystems record through
// it rather than package-level globals.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics bundles every instrument the platform records.
type Metrics struct {
	Registry *prometheus.Registry

	SessionsActive  prometheus.Gauge
	SessionsCreated prometheus.Counter
	BrowserActions  *prometheus.CounterVec
	AgentRuns       *prometheus.CounterVec
	RunDuration     *prometheus.HistogramVec
	QueueJobs       *prometheus.CounterVec
	LLMTokens       *prometheus.CounterVec
}

// New builds a registry with all collectors registered, including the
// standard Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		Registry: reg,
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "browser_sessions_active",
			Help: "Number of live browser sessions.",
		}),
		SessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "browser_sessions_created_total",
			Help: "Total browser sessions created.",
		}),
		BrowserActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "browser_actions_total",
			Help: "Browser actions executed, by action type.",
		}, []string{"action"}),
		AgentRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_runs_total",
			Help: "Agent runs by agent kind and terminal status.",
		}, []string{"agent", "status"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agent_run_duration_seconds",
			Help:    "Wall-clock run duration by agent kind.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"agent"}),
		QueueJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "queue_job_total",
			Help: "Queue jobs by queue name and outcome.",
		}, []string{"queue", "status"}),
		LLMTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_tokens_total",
			Help: "LLM tokens consumed, by provider, model and direction.",
		}, []string{"provider", "model", "direction"}),
	}

	reg.MustRegister(
		m.SessionsActive,
		m.SessionsCreated,
		m.BrowserActions,
		m.AgentRuns,
		m.RunDuration,
		m.QueueJobs,
		m.LLMTokens,
	)
	return m
}

// NewNop returns a Metrics whose instruments are registered on a throwaway
// registry. Tests use it to avoid collector name collisions.
func NewNop() *Metrics {
	return New()
}
