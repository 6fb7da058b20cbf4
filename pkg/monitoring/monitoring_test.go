package monitoring

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MycosoftLabs/mas-runtime/pkg/config"
)

func testMonitoringConfig() *config.MonitoringConfig {
	return &config.MonitoringConfig{
		Metrics: config.MetricsConfig{
			Enabled:   false, // no listener in tests
			Namespace: "mas_test",
			Subsystem: "runtime",
		},
		Tracing: config.TracingConfig{
			Enabled: false,
		},
	}
}

func TestNewMonitor(t *testing.T) {
	monitor, err := NewMonitor(testMonitoringConfig())
	if err != nil {
		t.Fatalf("NewMonitor: %v", err)
	}
	if monitor.registry == nil {
		t.Error("registry not initialized")
	}
	if monitor.Metrics() == nil {
		t.Error("metrics not initialized")
	}
}

func TestNewMonitorRequiresConfig(t *testing.T) {
	if _, err := NewMonitor(nil); err == nil {
		t.Fatal("NewMonitor accepted a nil config")
	}
}

func TestMonitorStartStop(t *testing.T) {
	monitor, err := NewMonitor(testMonitoringConfig())
	if err != nil {
		t.Fatalf("NewMonitor: %v", err)
	}

	if monitor.IsRunning() {
		t.Error("monitor running before Start")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := monitor.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !monitor.IsRunning() {
		t.Error("monitor not running after Start")
	}

	// Second start is rejected.
	if err := monitor.Start(ctx); err == nil {
		t.Error("double Start succeeded")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	if err := monitor.Stop(stopCtx); err != nil {
		t.Errorf("Stop: %v", err)
	}
	if monitor.IsRunning() {
		t.Error("monitor still running after Stop")
	}

	// Stopping twice is a no-op.
	if err := monitor.Stop(stopCtx); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestMetricRegistration(t *testing.T) {
	monitor, err := NewMonitor(testMonitoringConfig())
	if err != nil {
		t.Fatalf("NewMonitor: %v", err)
	}

	monitor.RecordAgentSpawned()
	monitor.RecordAgentStopped()
	monitor.RecordHeartbeat()
	monitor.RecordTaskSubmitted()
	monitor.RecordTaskCompleted(1500 * time.Millisecond)
	monitor.RecordTaskFailed()
	monitor.SetAgentCount("active", 3)
	monitor.SetGapCount("critical", 1)
	monitor.RecordSnapshotTaken()

	families, err := monitor.registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}

	for _, want := range []string{
		"mas_test_runtime_agents",
		"mas_test_runtime_agent_spawns_total",
		"mas_test_runtime_heartbeats_received_total",
		"mas_test_runtime_tasks_submitted_total",
		"mas_test_runtime_task_duration_seconds",
		"mas_test_runtime_gaps_detected",
		"mas_test_runtime_snapshots_taken_total",
	} {
		if !names[want] {
			t.Errorf("metric %s not registered", want)
		}
	}
}

func TestNilMonitorMetrics(t *testing.T) {
	// The server builds its middleware chain from monitor.Metrics();
	// a nil monitor must yield a nil metric set, not a panic.
	var monitor *Monitor
	if monitor.Metrics() != nil {
		t.Error("nil monitor returned non-nil metrics")
	}
}

func TestStartSpanWithoutTracer(t *testing.T) {
	monitor, err := NewMonitor(testMonitoringConfig())
	if err != nil {
		t.Fatalf("NewMonitor: %v", err)
	}

	ctx, span := monitor.StartSpan(context.Background(), "spawn-agent")
	if span == nil {
		t.Fatal("StartSpan returned nil span with tracing disabled")
	}
	if ctx == nil {
		t.Fatal("StartSpan returned nil context")
	}
	span.End()
}

func TestConcurrentRecording(t *testing.T) {
	monitor, err := NewMonitor(testMonitoringConfig())
	if err != nil {
		t.Fatalf("NewMonitor: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				monitor.RecordTaskSubmitted()
				monitor.RecordTaskCompleted(time.Duration(j) * time.Millisecond)
				monitor.RecordHeartbeat()
				monitor.SetAgentCount("idle", j)
			}
		}()
	}
	wg.Wait()

	if _, err := monitor.registry.Gather(); err != nil {
		t.Fatalf("Gather after concurrent recording: %v", err)
	}
}
