// Package metrics 会议引擎的 Prometheus 指标。
//
// 所有方法对 nil 接收者安全，未启用指标时组件直接传 nil。
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "jcp_debate"

// Metrics 指标集合
type Metrics struct {
	registry *prometheus.Registry

	sessionsStarted  *prometheus.CounterVec
	sessionsFinished *prometheus.CounterVec
	sessionsActive   prometheus.Gauge
	agentTurns       *prometheus.CounterVec
	events           *prometheus.CounterVec
	searchTasks      *prometheus.CounterVec
	planDecisions    *prometheus.CounterVec
}

// New 创建指标并注册到独立的 registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Sessions started, by mode.",
		}, []string{"mode"}),
		sessionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_finished_total",
			Help:      "Sessions finished, by mode and terminal status.",
		}, []string{"mode", "status"}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Sessions currently running.",
		}),
		agentTurns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_turns_total",
			Help:      "Agent turns, by role and outcome.",
		}, []string{"role", "outcome"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_emitted_total",
			Help:      "Events emitted on session channels, by type.",
		}, []string{"type"}),
		searchTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "search_tasks_total",
			Help:      "Search plan tasks executed, by source and outcome.",
		}, []string{"source", "outcome"}),
		planDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plan_decisions_total",
			Help:      "User decisions on search plans.",
		}, []string{"decision"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sessionsStarted, m.sessionsFinished, m.sessionsActive,
		m.agentTurns, m.events, m.searchTasks, m.planDecisions,
	)
	return m
}

// Registry 返回底层 registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler /metrics 处理器
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionStarted(mode string) {
	if m == nil {
		return
	}
	m.sessionsStarted.WithLabelValues(mode).Inc()
	m.sessionsActive.Inc()
}

func (m *Metrics) SessionFinished(mode, status string) {
	if m == nil {
		return
	}
	m.sessionsFinished.WithLabelValues(mode, status).Inc()
	m.sessionsActive.Dec()
}

func (m *Metrics) AgentTurn(role, outcome string) {
	if m == nil {
		return
	}
	m.agentTurns.WithLabelValues(role, outcome).Inc()
}

func (m *Metrics) Event(eventType string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(eventType).Inc()
}

func (m *Metrics) SearchTask(source, outcome string) {
	if m == nil {
		return
	}
	m.searchTasks.WithLabelValues(source, outcome).Inc()
}

func (m *Metrics) PlanDecision(decision string) {
	if m == nil {
		return
	}
	m.planDecisions.WithLabelValues(decision).Inc()
}
