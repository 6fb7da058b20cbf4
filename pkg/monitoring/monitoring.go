// Package monitoring provides metrics and tracing for the MAS runtime.
package monitoring

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/MycosoftLabs/mas-runtime/internal/version"
	"github.com/MycosoftLabs/mas-runtime/pkg/config"
	"github.com/MycosoftLabs/mas-runtime/pkg/logging"
)

// Monitor manages metrics collection and distributed tracing.
type Monitor struct {
	config   *config.MonitoringConfig
	registry *prometheus.Registry
	tracer   oteltrace.Tracer
	logger   *logging.Logger

	metrics       *Metrics
	metricsServer *http.Server

	running bool
	mu      sync.RWMutex
}

// Metrics holds all Prometheus metrics for the runtime.
type Metrics struct {
	// Agent metrics
	AgentsByStatus *prometheus.GaugeVec
	AgentSpawns    prometheus.Counter
	AgentStops     prometheus.Counter
	AgentRestarts  prometheus.Counter
	AgentFailures  prometheus.Counter

	// Heartbeat metrics
	HeartbeatsReceived prometheus.Counter
	HeartbeatTimeouts  prometheus.Counter

	// Task metrics
	TasksSubmitted prometheus.Counter
	TasksCompleted prometheus.Counter
	TasksFailed    prometheus.Counter
	TaskDuration   prometheus.Histogram
	TasksQueued    prometheus.Gauge

	// Broker metrics
	MessagesPublished prometheus.Counter
	MessagesDelivered prometheus.Counter
	StreamDepth       prometheus.Gauge

	// Gap detection metrics
	GapsDetected *prometheus.GaugeVec
	GapsFilled   prometheus.Counter

	// Factory metrics
	ApprovalsPending  prometheus.Gauge
	AgentsCreated     prometheus.Counter
	ApprovalsRejected prometheus.Counter

	// Snapshot metrics
	SnapshotsTaken  prometheus.Counter
	SnapshotsPruned prometheus.Counter

	// HTTP metrics
	HTTPRequestsTotal    prometheus.Counter
	HTTPRequestDuration  prometheus.Histogram
	HTTPRequestsInFlight prometheus.Gauge

	// System metrics
	ProcessMemory  prometheus.Gauge
	GoroutineCount prometheus.Gauge
}

// NewMonitor creates a monitor with a fresh registry.
func NewMonitor(config *config.MonitoringConfig) (*Monitor, error) {
	if config == nil {
		return nil, fmt.Errorf("monitoring config is required")
	}

	monitor := &Monitor{
		config:   config,
		registry: prometheus.NewRegistry(),
		logger:   logging.GetLogger().WithComponent("monitoring"),
	}

	if err := monitor.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	if config.Tracing.Enabled {
		if err := monitor.initTracing(); err != nil {
			return nil, fmt.Errorf("failed to initialize tracing: %w", err)
		}
	}

	return monitor, nil
}

// Metrics returns the registered metric set. Nil receivers are
// tolerated so callers can pass an unconfigured monitor through.
func (m *Monitor) Metrics() *Metrics {
	if m == nil {
		return nil
	}
	return m.metrics
}

// Start starts the metrics server and system metric collection.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("monitor is already running")
	}
	m.running = true
	m.mu.Unlock()

	if m.config.Metrics.Enabled {
		if err := m.startMetricsServer(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	go m.collectSystemMetrics(ctx)
	return nil
}

// IsRunning returns whether the monitor is currently running.
func (m *Monitor) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// Stop shuts down the metrics server.
func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	m.mu.Unlock()

	if m.metricsServer != nil {
		if err := m.metricsServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("metrics server shutdown error: %w", err)
		}
	}
	return nil
}

// GetMetrics returns the metrics instance.
func (m *Monitor) GetMetrics() *Metrics {
	return m.metrics
}

// GetTracer returns the OpenTelemetry tracer.
func (m *Monitor) GetTracer() oteltrace.Tracer {
	return m.tracer
}

// initMetrics registers all Prometheus metrics.
func (m *Monitor) initMetrics() error {
	ns := m.config.Metrics.Namespace
	sub := m.config.Metrics.Subsystem

	m.metrics = &Metrics{
		AgentsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub,
			Name: "agents",
			Help: "Number of agents by status",
		}, []string{"status"}),
		AgentSpawns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "agent_spawns_total",
			Help: "Total number of agent spawns",
		}),
		AgentStops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "agent_stops_total",
			Help: "Total number of agent stops",
		}),
		AgentRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "agent_restarts_total",
			Help: "Total number of agent restarts",
		}),
		AgentFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "agent_failures_total",
			Help: "Total number of agent failures",
		}),

		HeartbeatsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "heartbeats_received_total",
			Help: "Total number of heartbeats received",
		}),
		HeartbeatTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "heartbeat_timeouts_total",
			Help: "Total number of heartbeat timeouts",
		}),

		TasksSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "tasks_submitted_total",
			Help: "Total number of tasks submitted",
		}),
		TasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "tasks_completed_total",
			Help: "Total number of tasks completed",
		}),
		TasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "tasks_failed_total",
			Help: "Total number of tasks failed",
		}),
		TaskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: sub,
			Name:    "task_duration_seconds",
			Help:    "Task execution duration",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		TasksQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub,
			Name: "tasks_queued",
			Help: "Number of tasks waiting in queues",
		}),

		MessagesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "messages_published_total",
			Help: "Total number of messages published",
		}),
		MessagesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "messages_delivered_total",
			Help: "Total number of messages delivered",
		}),
		StreamDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub,
			Name: "task_stream_depth",
			Help: "Current task stream depth",
		}),

		GapsDetected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub,
			Name: "gaps_detected",
			Help: "Coverage gaps detected by severity",
		}, []string{"severity"}),
		GapsFilled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "gaps_filled_total",
			Help: "Total number of gaps filled",
		}),

		ApprovalsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub,
			Name: "approvals_pending",
			Help: "Number of agent creations awaiting approval",
		}),
		AgentsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "agents_created_total",
			Help: "Total number of agents created by the factory",
		}),
		ApprovalsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "approvals_rejected_total",
			Help: "Total number of rejected agent creations",
		}),

		SnapshotsTaken: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "snapshots_taken_total",
			Help: "Total number of snapshots taken",
		}),
		SnapshotsPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "snapshots_pruned_total",
			Help: "Total number of snapshots pruned by retention",
		}),

		HTTPRequestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}),
		HTTPRequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: prometheus.DefBuckets,
		}),
		HTTPRequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Number of HTTP requests currently in flight",
		}),

		ProcessMemory: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "process_memory_bytes",
			Help: "Process memory usage in bytes",
		}),
		GoroutineCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "go_goroutines",
			Help: "Number of goroutines",
		}),
	}

	collectors := []prometheus.Collector{
		m.metrics.AgentsByStatus,
		m.metrics.AgentSpawns,
		m.metrics.AgentStops,
		m.metrics.AgentRestarts,
		m.metrics.AgentFailures,
		m.metrics.HeartbeatsReceived,
		m.metrics.HeartbeatTimeouts,
		m.metrics.TasksSubmitted,
		m.metrics.TasksCompleted,
		m.metrics.TasksFailed,
		m.metrics.TaskDuration,
		m.metrics.TasksQueued,
		m.metrics.MessagesPublished,
		m.metrics.MessagesDelivered,
		m.metrics.StreamDepth,
		m.metrics.GapsDetected,
		m.metrics.GapsFilled,
		m.metrics.ApprovalsPending,
		m.metrics.AgentsCreated,
		m.metrics.ApprovalsRejected,
		m.metrics.SnapshotsTaken,
		m.metrics.SnapshotsPruned,
		m.metrics.HTTPRequestsTotal,
		m.metrics.HTTPRequestDuration,
		m.metrics.HTTPRequestsInFlight,
		m.metrics.ProcessMemory,
		m.metrics.GoroutineCount,
	}

	for _, collector := range collectors {
		if err := m.registry.Register(collector); err != nil {
			return fmt.Errorf("failed to register metric: %w", err)
		}
	}
	return nil
}

// initTracing initializes OpenTelemetry tracing.
func (m *Monitor) initTracing() error {
	ctx := context.Background()

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(m.config.Tracing.Endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(m.config.Tracing.ServiceName),
			semconv.ServiceVersionKey.String(version.Version),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter, trace.WithBatchTimeout(m.config.Tracing.BatchTimeout)),
		trace.WithResource(res),
		trace.WithSampler(trace.TraceIDRatioBased(m.config.Tracing.SampleRate)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	m.tracer = otel.Tracer("mas-runtime")
	return nil
}

// startMetricsServer starts the Prometheus metrics server.
func (m *Monitor) startMetricsServer() error {
	addr := fmt.Sprintf("%s:%d", m.config.Metrics.Host, m.config.Metrics.Port)

	mux := http.NewServeMux()
	mux.Handle(m.config.Metrics.Path, promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	m.metricsServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		m.logger.Info("metrics server listening on %s", addr)
		if err := m.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("metrics server error: %v", err)
		}
	}()
	return nil
}

// collectSystemMetrics samples process metrics periodically.
func (m *Monitor) collectSystemMetrics(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var memStats runtime.MemStats
			runtime.ReadMemStats(&memStats)

			m.metrics.ProcessMemory.Set(float64(memStats.Alloc))
			m.metrics.GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// StartSpan starts a new trace span.
func (m *Monitor) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	if m.tracer == nil {
		return ctx, oteltrace.SpanFromContext(ctx)
	}
	return m.tracer.Start(ctx, name, oteltrace.WithAttributes(attrs...))
}

// SetAgentCount updates the per-status agent gauge.
func (m *Monitor) SetAgentCount(status string, count int) {
	if m.metrics != nil {
		m.metrics.AgentsByStatus.WithLabelValues(status).Set(float64(count))
	}
}

// RecordAgentSpawned records an agent spawn event.
func (m *Monitor) RecordAgentSpawned() {
	if m.metrics != nil {
		m.metrics.AgentSpawns.Inc()
	}
}

// RecordAgentStopped records an agent stop event.
func (m *Monitor) RecordAgentStopped() {
	if m.metrics != nil {
		m.metrics.AgentStops.Inc()
	}
}

// RecordAgentRestarted records an agent restart event.
func (m *Monitor) RecordAgentRestarted() {
	if m.metrics != nil {
		m.metrics.AgentRestarts.Inc()
	}
}

// RecordAgentFailed records an agent failure event.
func (m *Monitor) RecordAgentFailed() {
	if m.metrics != nil {
		m.metrics.AgentFailures.Inc()
	}
}

// RecordHeartbeat records a received heartbeat.
func (m *Monitor) RecordHeartbeat() {
	if m.metrics != nil {
		m.metrics.HeartbeatsReceived.Inc()
	}
}

// RecordHeartbeatTimeout records a heartbeat timeout.
func (m *Monitor) RecordHeartbeatTimeout() {
	if m.metrics != nil {
		m.metrics.HeartbeatTimeouts.Inc()
	}
}

// RecordTaskSubmitted records a task submission.
func (m *Monitor) RecordTaskSubmitted() {
	if m.metrics != nil {
		m.metrics.TasksSubmitted.Inc()
	}
}

// RecordTaskCompleted records a task completion with its duration.
func (m *Monitor) RecordTaskCompleted(duration time.Duration) {
	if m.metrics != nil {
		m.metrics.TasksCompleted.Inc()
		m.metrics.TaskDuration.Observe(duration.Seconds())
	}
}

// RecordTaskFailed records a task failure.
func (m *Monitor) RecordTaskFailed() {
	if m.metrics != nil {
		m.metrics.TasksFailed.Inc()
	}
}

// RecordMessagePublished records a published message.
func (m *Monitor) RecordMessagePublished() {
	if m.metrics != nil {
		m.metrics.MessagesPublished.Inc()
	}
}

// SetGapCount updates the per-severity gap gauge.
func (m *Monitor) SetGapCount(severity string, count int) {
	if m.metrics != nil {
		m.metrics.GapsDetected.WithLabelValues(severity).Set(float64(count))
	}
}

// RecordGapFilled records a filled coverage gap.
func (m *Monitor) RecordGapFilled() {
	if m.metrics != nil {
		m.metrics.GapsFilled.Inc()
	}
}

// SetPendingApprovals updates the pending approvals gauge.
func (m *Monitor) SetPendingApprovals(count int) {
	if m.metrics != nil {
		m.metrics.ApprovalsPending.Set(float64(count))
	}
}

// RecordAgentCreated records a factory agent creation.
func (m *Monitor) RecordAgentCreated() {
	if m.metrics != nil {
		m.metrics.AgentsCreated.Inc()
	}
}

// RecordApprovalRejected records a rejected creation request.
func (m *Monitor) RecordApprovalRejected() {
	if m.metrics != nil {
		m.metrics.ApprovalsRejected.Inc()
	}
}

// RecordSnapshotTaken records a taken snapshot.
func (m *Monitor) RecordSnapshotTaken() {
	if m.metrics != nil {
		m.metrics.SnapshotsTaken.Inc()
	}
}
