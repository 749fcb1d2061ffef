package infra

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/agentcore/kernel/pkg/models"
)

// Metrics is the kernel's Prometheus surface. Wire it to an event bus
// via Bus.RegisterObserver(metrics.ObserveEvent); the embedder exposes
// Registry() however it serves /metrics.
type Metrics struct {
	registry *prometheus.Registry

	eventsTotal  *prometheus.CounterVec
	toolDuration *prometheus.HistogramVec
	toolTotal    *prometheus.CounterVec
	tokensTotal  *prometheus.CounterVec
	agentsLive   prometheus.Gauge
	errorsTotal  *prometheus.CounterVec
}

// NewMetrics constructs and registers the kernel collectors on a fresh
// registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kernel_events_total",
			Help: "Events emitted, by channel and type.",
		}, []string{"channel", "type"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kernel_tool_duration_seconds",
			Help:    "Wall-clock duration of tool executions.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"tool"}),
		toolTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kernel_tool_executions_total",
			Help: "Tool executions, by tool name and outcome.",
		}, []string{"tool", "outcome"}),
		tokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kernel_model_tokens_total",
			Help: "Model tokens consumed, by direction.",
		}, []string{"direction"}),
		agentsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kernel_agents_live",
			Help: "Agents currently live in the pool.",
		}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kernel_errors_total",
			Help: "Monitor-channel errors, by phase.",
		}, []string{"phase"}),
	}
	m.registry.MustRegister(m.eventsTotal, m.toolDuration, m.toolTotal, m.tokensTotal, m.agentsLive, m.errorsTotal)
	return m
}

// Registry returns the registry holding the kernel collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// AgentStarted / AgentStopped adjust the live-agent gauge; the pool
// calls these on create/resume and destroy.
func (m *Metrics) AgentStarted() { m.agentsLive.Inc() }
func (m *Metrics) AgentStopped() { m.agentsLive.Dec() }

// ObserveEvent folds one bus event into the collectors. Safe for
// concurrent use.
func (m *Metrics) ObserveEvent(e models.Event) {
	m.eventsTotal.WithLabelValues(string(e.Channel), string(e.Type)).Inc()

	switch e.Type {
	case models.EventToolExecuted:
		tool, _ := e.Data["tool_name"].(string)
		outcome := "failed"
		if ok, _ := e.Data["ok"].(bool); ok {
			outcome = "completed"
		}
		m.toolTotal.WithLabelValues(tool, outcome).Inc()
		if ms, ok := e.Data["duration_ms"].(int64); ok {
			m.toolDuration.WithLabelValues(tool).Observe(float64(ms) / 1000)
		}
	case models.EventTokenUsage:
		if in, ok := e.Data["input_tokens"].(int); ok {
			m.tokensTotal.WithLabelValues("input").Add(float64(in))
		}
		if out, ok := e.Data["output_tokens"].(int); ok {
			m.tokensTotal.WithLabelValues("output").Add(float64(out))
		}
	case models.EventError:
		phase, _ := e.Data["phase"].(string)
		m.errorsTotal.WithLabelValues(phase).Inc()
	}
}
