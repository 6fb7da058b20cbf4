package orchestrator

import (
	"context"
	goerrors "errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/MycosoftLabs/mas-runtime/pkg/broker"
	"github.com/MycosoftLabs/mas-runtime/pkg/container"
	"github.com/MycosoftLabs/mas-runtime/pkg/errors"
	"github.com/MycosoftLabs/mas-runtime/pkg/pool"
	"github.com/MycosoftLabs/mas-runtime/pkg/snapshot"
	"github.com/MycosoftLabs/mas-runtime/pkg/types"
)

// mockRuntime is an in-memory container.Runtime.
type mockRuntime struct {
	mu         sync.Mutex
	containers map[string]*container.Instance
	created    int
}

func newMockRuntime() *mockRuntime {
	return &mockRuntime{containers: make(map[string]*container.Instance)}
}

func (m *mockRuntime) CreateAgent(ctx context.Context, spec *container.Spec) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created++
	id := fmt.Sprintf("ctr-%s-%d", spec.Config.AgentID, m.created)
	now := time.Now()
	m.containers[spec.Config.AgentID] = &container.Instance{
		AgentID:     spec.Config.AgentID,
		ContainerID: id,
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

func (m *mockRuntime) StopAgent(ctx context.Context, agentID string, timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if instance, ok := m.containers[agentID]; ok {
		instance.Running = false
		instance.State = "exited"
	}
	return nil
}

func (m *mockRuntime) RemoveAgent(ctx context.Context, agentID string, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.containers, agentID)
	return nil
}

func (m *mockRuntime) GetInstance(ctx context.Context, agentID string) (*container.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	instance, ok := m.containers[agentID]
	if !ok {
		return nil, fmt.Errorf("no container for agent %s", agentID)
	}
	copied := *instance
	return &copied, nil
}

func (m *mockRuntime) ListInstances(ctx context.Context) ([]*container.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*container.Instance, 0, len(m.containers))
	for _, instance := range m.containers {
		copied := *instance
		out = append(out, &copied)
	}
	return out, nil
}

func (m *mockRuntime) GetStats(ctx context.Context, agentID string) (*container.Stats, error) {
	return &container.Stats{}, nil
}

func (m *mockRuntime) StreamLogs(ctx context.Context, agentID string) (io.ReadCloser, error) {
	return nil, fmt.Errorf("not supported")
}

func (m *mockRuntime) Close() error { return nil }

// eventCollector records messages published to one channel.
type eventCollector struct {
	mu       sync.Mutex
	messages []*types.AgentMessage
}

func (c *eventCollector) handle(ctx context.Context, msg *types.AgentMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
}

func (c *eventCollector) all() []*types.AgentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*types.AgentMessage, len(c.messages))
	copy(out, c.messages)
	return out
}

func testOrchestrator(t *testing.T) (*Orchestrator, *broker.MemoryBroker, *pool.Pool) {
	t.Helper()
	b := broker.NewMemoryBroker()
	p := pool.New(newMockRuntime(), pool.DefaultConfig())
	o, err := New(Options{
		Config: Config{
			HealthCheckInterval: time.Hour,
			HeartbeatTimeout:    50 * time.Millisecond,
		},
		Pool:          p,
		Broker:        b,
		SnapshotStore: snapshot.NewMemoryStore(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o, b, p
}

func testConfig(agentID string) *types.AgentConfig {
	return &types.AgentConfig{
		AgentID:   agentID,
		AgentType: "test-agent",
		Category:  types.CategoryCore,
	}
}

func TestSpawnAgentPublishesEvent(t *testing.T) {
	ctx := context.Background()
	o, b, _ := testOrchestrator(t)

	events := &eventCollector{}
	if err := b.Subscribe(ctx, broker.EventsChannel, events.handle); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	state, err := o.SpawnAgent(ctx, testConfig("worker-1"))
	if err != nil {
		t.Fatalf("SpawnAgent: %v", err)
	}
	if state.Status != types.AgentStatusActive {
		t.Fatalf("status = %s, want active", state.Status)
	}

	msgs := events.all()
	if len(msgs) != 1 {
		t.Fatalf("got %d events, want 1", len(msgs))
	}
	if msgs[0].Type != types.MessageTypeEvent {
		t.Errorf("event type = %s", msgs[0].Type)
	}
	if got := msgs[0].Payload.String("event"); got != "agent_spawned" {
		t.Errorf("event = %q, want agent_spawned", got)
	}
	if got := msgs[0].Payload.String("agent_id"); got != "worker-1" {
		t.Errorf("agent_id = %q", got)
	}
}

func TestStopAgentPublishesEventOnlyWhenStopped(t *testing.T) {
	ctx := context.Background()
	o, b, _ := testOrchestrator(t)

	events := &eventCollector{}
	b.Subscribe(ctx, broker.EventsChannel, events.handle)

	if o.StopAgent(ctx, "missing", false) {
		t.Fatal("StopAgent succeeded for unknown agent")
	}
	if len(events.all()) != 0 {
		t.Fatal("event published for unknown agent")
	}

	o.SpawnAgent(ctx, testConfig("worker-1"))
	if !o.StopAgent(ctx, "worker-1", false) {
		t.Fatal("StopAgent failed for known agent")
	}

	var stopped bool
	for _, msg := range events.all() {
		if msg.Payload.String("event") == "agent_stopped" {
			stopped = true
		}
	}
	if !stopped {
		t.Fatal("agent_stopped event not published")
	}
}

func TestSubmitTaskRequiresAvailableAgent(t *testing.T) {
	ctx := context.Background()
	o, b, p := testOrchestrator(t)

	requests := &eventCollector{}
	b.Subscribe(ctx, broker.AgentChannel("worker-1"), requests.handle)

	o.SpawnAgent(ctx, testConfig("worker-1"))
	p.MarkError("worker-1", "boom")

	task := types.NewTask("worker-1", "analyze", types.Payload{"sample": "x9"})
	if _, err := o.SubmitTask(ctx, task); !goerrors.Is(err, errors.ErrAgentUnavailable) {
		t.Fatalf("err = %v, want ErrAgentUnavailable", err)
	}
	if len(requests.all()) != 0 {
		t.Fatal("task published despite unavailable agent")
	}
	if _, err := o.TaskStatus(task.ID); !goerrors.Is(err, errors.ErrTaskNotFound) {
		t.Fatalf("task recorded despite rejection: %v", err)
	}
}

func TestSubmitTaskPublishesRequest(t *testing.T) {
	ctx := context.Background()
	o, b, _ := testOrchestrator(t)

	requests := &eventCollector{}
	b.Subscribe(ctx, broker.AgentChannel("worker-1"), requests.handle)

	o.SpawnAgent(ctx, testConfig("worker-1"))

	task := types.NewTask("worker-1", "analyze", types.Payload{"sample": "x9"})
	task.Priority = types.PriorityHigh
	id, err := o.SubmitTask(ctx, task)
	if err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}
	if id != task.ID {
		t.Errorf("returned id %q, want %q", id, task.ID)
	}

	msgs := requests.all()
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	msg := msgs[0]
	if msg.Type != types.MessageTypeRequest {
		t.Errorf("type = %s, want request", msg.Type)
	}
	if msg.Priority != types.PriorityHigh {
		t.Errorf("priority = %d, want high", msg.Priority)
	}
	if got := msg.Payload.String("task_id"); got != task.ID {
		t.Errorf("task_id = %q", got)
	}
	if got := msg.Payload.String("task_type"); got != "analyze" {
		t.Errorf("task_type = %q", got)
	}
	if got := msg.Payload.String("sample"); got != "x9" {
		t.Errorf("sample = %q, task payload not carried", got)
	}

	// The task is also appended to the durable stream.
	length, err := b.StreamLength(ctx, broker.TaskStream)
	if err != nil {
		t.Fatalf("StreamLength: %v", err)
	}
	if length != 1 {
		t.Fatalf("stream has %d entries, want 1", length)
	}

	recorded, err := o.TaskStatus(task.ID)
	if err != nil {
		t.Fatalf("TaskStatus: %v", err)
	}
	if recorded.Status != types.TaskStatusPending {
		t.Errorf("status = %s, want pending", recorded.Status)
	}
}

func TestHeartbeatIngestion(t *testing.T) {
	ctx := context.Background()
	o, b, p := testOrchestrator(t)

	o.SpawnAgent(ctx, testConfig("worker-1"))
	if err := o.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer o.Stop(ctx)

	hb := types.NewMessage("worker-1", OrchestratorID, types.MessageTypeHeartbeat, types.Payload{
		"status":          "idle",
		"tasks_completed": 7,
		"tasks_failed":    1,
		"current_task":    "",
	})
	if err := b.Publish(ctx, broker.HeartbeatChannel, hb); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	state, err := p.GetAgentState("worker-1")
	if err != nil {
		t.Fatalf("GetAgentState: %v", err)
	}
	if state.Status != types.AgentStatusIdle {
		t.Errorf("status = %s, want idle", state.Status)
	}
	if state.TasksCompleted != 7 || state.TasksFailed != 1 {
		t.Errorf("counters = %d/%d, want 7/1", state.TasksCompleted, state.TasksFailed)
	}
	if state.LastHeartbeat == nil {
		t.Error("LastHeartbeat not recorded")
	}
}

func TestHeartbeatDoesNotClearError(t *testing.T) {
	ctx := context.Background()
	o, b, p := testOrchestrator(t)

	o.SpawnAgent(ctx, testConfig("worker-1"))
	p.MarkError("worker-1", "heartbeat timeout")
	if err := o.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer o.Stop(ctx)

	hb := types.NewMessage("worker-1", OrchestratorID, types.MessageTypeHeartbeat, types.Payload{
		"status": "active",
	})
	b.Publish(ctx, broker.HeartbeatChannel, hb)

	state, _ := p.GetAgentState("worker-1")
	if state.Status != types.AgentStatusError {
		t.Fatalf("status = %s, heartbeat cleared error state", state.Status)
	}
}

func TestHeartbeatTimeoutMarksError(t *testing.T) {
	ctx := context.Background()
	o, _, p := testOrchestrator(t)

	o.SpawnAgent(ctx, testConfig("worker-1"))
	p.UpdateHeartbeat("worker-1", types.AgentStatusActive, 0, 0, "")

	time.Sleep(80 * time.Millisecond)
	o.checkHeartbeats()

	state, _ := p.GetAgentState("worker-1")
	if state.Status != types.AgentStatusError {
		t.Fatalf("status = %s, want error after missed heartbeat", state.Status)
	}
	if state.ErrorMessage != "heartbeat timeout" {
		t.Errorf("error message = %q", state.ErrorMessage)
	}
}

func TestResponseUpdatesTaskRecord(t *testing.T) {
	ctx := context.Background()
	o, b, _ := testOrchestrator(t)

	o.SpawnAgent(ctx, testConfig("worker-1"))
	if err := o.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer o.Stop(ctx)

	task := types.NewTask("worker-1", "analyze", nil)
	if _, err := o.SubmitTask(ctx, task); err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}

	resp := types.NewMessage("worker-1", OrchestratorID, types.MessageTypeResponse, types.Payload{
		"task_id": task.ID,
		"status":  "completed",
		"result":  map[string]interface{}{"matches": 3},
	})
	if err := b.Publish(ctx, broker.AgentChannel(OrchestratorID), resp); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	recorded, err := o.TaskStatus(task.ID)
	if err != nil {
		t.Fatalf("TaskStatus: %v", err)
	}
	if recorded.Status != types.TaskStatusCompleted {
		t.Errorf("status = %s, want completed", recorded.Status)
	}
	if recorded.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}
	if got := recorded.Result.Int("matches"); got != 3 {
		t.Errorf("result matches = %d, want 3", got)
	}
}

func TestSendMessageRouting(t *testing.T) {
	ctx := context.Background()
	o, b, _ := testOrchestrator(t)

	direct := &eventCollector{}
	fanout := &eventCollector{}
	b.Subscribe(ctx, broker.AgentChannel("worker-1"), direct.handle)
	b.Subscribe(ctx, broker.BroadcastChannel, fanout.handle)

	id, err := o.SendMessage(ctx, "ceo-agent", "worker-1", types.MessageTypeCommand, types.Payload{"command": "pause"}, 0)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if id == "" {
		t.Fatal("empty message id")
	}
	if len(direct.all()) != 1 {
		t.Fatalf("direct messages = %d, want 1", len(direct.all()))
	}

	if _, err := o.SendMessage(ctx, "ceo-agent", types.BroadcastTarget, types.MessageTypeEvent, types.Payload{"event": "maintenance"}, 0); err != nil {
		t.Fatalf("SendMessage broadcast: %v", err)
	}
	if len(fanout.all()) != 1 {
		t.Fatalf("broadcast messages = %d, want 1", len(fanout.all()))
	}
	if len(direct.all()) != 1 {
		t.Fatal("broadcast leaked to the direct channel")
	}
}

func TestRestartAgentTakesSnapshot(t *testing.T) {
	ctx := context.Background()
	o, _, _ := testOrchestrator(t)

	o.SpawnAgent(ctx, testConfig("worker-1"))
	if _, err := o.RestartAgent(ctx, "worker-1"); err != nil {
		t.Fatalf("RestartAgent: %v", err)
	}

	snaps, err := o.Snapshots().List(ctx, "worker-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("got %d snapshots, want 1", len(snaps))
	}
	if snaps[0].Reason != types.SnapshotReasonPreRestart {
		t.Errorf("reason = %s, want pre-restart", snaps[0].Reason)
	}
	if snaps[0].Config.AgentID != "worker-1" {
		t.Errorf("snapshot config agent = %q", snaps[0].Config.AgentID)
	}
}

func TestStatusSummary(t *testing.T) {
	ctx := context.Background()
	o, _, _ := testOrchestrator(t)

	status := o.Status()
	if got := status.String("status"); got != "stopped" {
		t.Errorf("status = %q, want stopped", got)
	}

	if err := o.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer o.Stop(ctx)

	o.SpawnAgent(ctx, testConfig("worker-1"))
	task := types.NewTask("worker-1", "analyze", nil)
	o.SubmitTask(ctx, task)

	status = o.Status()
	if got := status.String("status"); got != "running" {
		t.Errorf("status = %q, want running", got)
	}
	if got := status.Int("total_agents"); got != 1 {
		t.Errorf("total_agents = %d, want 1", got)
	}
	if got := status.Int("pending_tasks"); got != 1 {
		t.Errorf("pending_tasks = %d, want 1", got)
	}
}

func TestDiscoverOnStart(t *testing.T) {
	ctx := context.Background()
	rt := newMockRuntime()
	p := pool.New(rt, pool.DefaultConfig())

	seed := pool.New(rt, pool.DefaultConfig())
	seed.SpawnAgent(ctx, testConfig("survivor"))

	o, err := New(Options{
		Config: DefaultConfig(),
		Pool:   p,
		Broker: broker.NewMemoryBroker(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := o.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer o.Stop(ctx)

	if _, err := o.GetAgent("survivor"); err != nil {
		t.Fatalf("agent not recovered from running container: %v", err)
	}
}
