// Package testutil provides shared fixtures for runtime tests: an
// in-memory container runtime and a fully wired orchestrator stack
// over the memory broker.
package testutil

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/MycosoftLabs/mas-runtime/pkg/broker"
	"github.com/MycosoftLabs/mas-runtime/pkg/container"
	"github.com/MycosoftLabs/mas-runtime/pkg/factory"
	"github.com/MycosoftLabs/mas-runtime/pkg/gaps"
	"github.com/MycosoftLabs/mas-runtime/pkg/orchestrator"
	"github.com/MycosoftLabs/mas-runtime/pkg/pool"
	"github.com/MycosoftLabs/mas-runtime/pkg/snapshot"
	"github.com/MycosoftLabs/mas-runtime/pkg/types"
)

// MockRuntime is an in-memory container.Runtime. Containers exist only
// as records; SetRunning flips their observed liveness.
type MockRuntime struct {
	mu         sync.Mutex
	containers map[string]*container.Instance
	created    int

	// CreateError fails the next CreateAgent call when set.
	CreateError error
}

// NewMockRuntime creates an empty mock runtime.
func NewMockRuntime() *MockRuntime {
	return &MockRuntime{containers: make(map[string]*container.Instance)}
}

func (m *MockRuntime) CreateAgent(ctx context.Context, spec *container.Spec) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateError != nil {
		return "", m.CreateError
	}
	m.created++
	id := fmt.Sprintf("ctr-%s-%d", spec.Config.AgentID, m.created)
	now := time.Now()
	m.containers[spec.Config.AgentID] = &container.Instance{
		AgentID:     spec.Config.AgentID,
		ContainerID: id,
		Name:        container.ContainerName(spec.Config.AgentID),
		Image:       spec.Image,
		State:       "running",
		Running:     true,
		StartedAt:   &now,
		Labels: map[string]string{
			container.LabelManaged:  "true",
			container.LabelAgentID:  spec.Config.AgentID,
			container.LabelType:     spec.Config.AgentType,
			container.LabelCategory: string(spec.Config.Category),
		},
	}
	return id, nil
}

func (m *MockRuntime) StopAgent(ctx context.Context, agentID string, timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if instance, ok := m.containers[agentID]; ok {
		instance.Running = false
		instance.State = "exited"
	}
	return nil
}

func (m *MockRuntime) RemoveAgent(ctx context.Context, agentID string, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.containers, agentID)
	return nil
}

func (m *MockRuntime) GetInstance(ctx context.Context, agentID string) (*container.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	instance, ok := m.containers[agentID]
	if !ok {
		return nil, fmt.Errorf("no container for agent %s", agentID)
	}
	copied := *instance
	return &copied, nil
}

func (m *MockRuntime) ListInstances(ctx context.Context) ([]*container.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*container.Instance, 0, len(m.containers))
	for _, instance := range m.containers {
		copied := *instance
		out = append(out, &copied)
	}
	return out, nil
}

func (m *MockRuntime) GetStats(ctx context.Context, agentID string) (*container.Stats, error) {
	return &container.Stats{}, nil
}

func (m *MockRuntime) StreamLogs(ctx context.Context, agentID string) (io.ReadCloser, error) {
	return nil, fmt.Errorf("log streaming is not supported by the mock runtime")
}

func (m *MockRuntime) Close() error { return nil }

// SetRunning flips an agent container's observed liveness.
func (m *MockRuntime) SetRunning(agentID string, running bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if instance, ok := m.containers[agentID]; ok {
		instance.Running = running
		if running {
			instance.State = "running"
		} else {
			instance.State = "exited"
			instance.ExitCode = 137
		}
	}
}

// Created returns how many containers were created.
func (m *MockRuntime) Created() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.created
}

// Environment is a fully wired orchestrator stack over the memory
// broker and mock runtime.
type Environment struct {
	Runtime      *MockRuntime
	Broker       *broker.MemoryBroker
	Pool         *pool.Pool
	Orchestrator *orchestrator.Orchestrator
	Factory      *factory.Factory
	Detector     *gaps.Detector
}

// NewEnvironment builds the stack. Nothing is started; call Start.
func NewEnvironment(t *testing.T) *Environment {
	t.Helper()

	rt := NewMockRuntime()
	b := broker.NewMemoryBroker()
	p := pool.New(rt, pool.DefaultConfig())

	orch, err := orchestrator.New(orchestrator.Options{
		Config: orchestrator.Config{
			HealthCheckInterval: time.Hour,
			HeartbeatTimeout:    time.Hour,
		},
		Pool:          p,
		Broker:        b,
		SnapshotStore: snapshot.NewMemoryStore(),
	})
	if err != nil {
		t.Fatalf("orchestrator.New: %v", err)
	}

	f := factory.New(orch, b, factory.NewMemoryApprovalStore())
	orch.SetFactory(f)

	detector := gaps.NewDetector(p, orch, gaps.Config{Enabled: true})
	orch.SetGapDetector(detector)

	return &Environment{
		Runtime:      rt,
		Broker:       b,
		Pool:         p,
		Orchestrator: orch,
		Factory:      f,
		Detector:     detector,
	}
}

// Start starts the orchestrator and registers cleanup.
func (e *Environment) Start(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	if err := e.Orchestrator.Start(ctx); err != nil {
		t.Fatalf("orchestrator start: %v", err)
	}
	t.Cleanup(func() { e.Orchestrator.Stop(context.Background()) })
}

// AgentConfig builds a minimal agent config for tests.
func AgentConfig(agentID string) *types.AgentConfig {
	return &types.AgentConfig{
		AgentID:   agentID,
		AgentType: "test-agent",
		Category:  types.CategoryCore,
	}
}

// WaitFor polls condition until it holds or the deadline passes.
func WaitFor(t *testing.T, timeout time.Duration, condition func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}
