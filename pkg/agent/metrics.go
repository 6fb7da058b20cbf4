package agent

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// agentMetrics is a per-agent Prometheus registry served next to the
// JSON metrics endpoint. Every series carries the agent_id label so
// scrapes from multiple agents can be aggregated.
type agentMetrics struct {
	registry *prometheus.Registry

	tasksCompleted prometheus.Counter
	tasksFailed    prometheus.Counter
	taskDuration   prometheus.Histogram
	heartbeatsSent prometheus.Counter
}

func newAgentMetrics(agentID string) *agentMetrics {
	labels := prometheus.Labels{"agent_id": agentID}
	m := &agentMetrics{
		registry: prometheus.NewRegistry(),
		tasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mas", Subsystem: "agent",
			Name:        "tasks_completed_total",
			Help:        "Total number of tasks completed by this agent",
			ConstLabels: labels,
		}),
		tasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mas", Subsystem: "agent",
			Name:        "tasks_failed_total",
			Help:        "Total number of tasks failed by this agent",
			ConstLabels: labels,
		}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "mas", Subsystem: "agent",
			Name:        "task_duration_seconds",
			Help:        "Task execution duration",
			Buckets:     prometheus.ExponentialBuckets(0.1, 2, 10),
			ConstLabels: labels,
		}),
		heartbeatsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mas", Subsystem: "agent",
			Name:        "heartbeats_sent_total",
			Help:        "Total number of heartbeats published",
			ConstLabels: labels,
		}),
	}
	m.registry.MustRegister(m.tasksCompleted, m.tasksFailed, m.taskDuration, m.heartbeatsSent)
	return m
}

func (m *agentMetrics) observeTask(duration time.Duration, failed bool) {
	if failed {
		m.tasksFailed.Inc()
	} else {
		m.tasksCompleted.Inc()
	}
	m.taskDuration.Observe(duration.Seconds())
}

func (m *agentMetrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
