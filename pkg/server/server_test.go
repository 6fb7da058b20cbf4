package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/MycosoftLabs/mas-runtime/pkg/broker"
	"github.com/MycosoftLabs/mas-runtime/pkg/config"
	"github.com/MycosoftLabs/mas-runtime/pkg/container"
	"github.com/MycosoftLabs/mas-runtime/pkg/factory"
	"github.com/MycosoftLabs/mas-runtime/pkg/gaps"
	"github.com/MycosoftLabs/mas-runtime/pkg/orchestrator"
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

func testServer(t *testing.T) (*Server, *orchestrator.Orchestrator) {
	t.Helper()

	b := broker.NewMemoryBroker()
	p := pool.New(newMockRuntime(), pool.DefaultConfig())
	orch, err := orchestrator.New(orchestrator.Options{
		Config:        orchestrator.DefaultConfig(),
		Pool:          p,
		Broker:        b,
		SnapshotStore: snapshot.NewMemoryStore(),
	})
	if err != nil {
		t.Fatalf("orchestrator.New: %v", err)
	}

	f := factory.New(orch, b, factory.NewMemoryApprovalStore())
	f.RegisterTemplate(&factory.Template{
		TemplateID:    "corporate-agent",
		AgentType:     "corporate-agent",
		Category:      types.CategoryCorporate,
		DisplayName:   "Corporate Agent",
		CPULimit:      1.0,
		MemoryLimitMB: 512,
	})
	orch.SetFactory(f)
	orch.SetGapDetector(gaps.NewDetector(p, orch, gaps.Config{Enabled: true}))

	cfg := config.DefaultConfig().Server
	return New(&cfg, orch, nil), orch
}

func doRequest(t *testing.T, s *Server, method, path string, body interface{}) (*httptest.ResponseRecorder, *types.Response) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	resp := &types.Response{}
	if err := json.Unmarshal(rec.Body.Bytes(), resp); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return rec, resp
}

func dataMap(t *testing.T, resp *types.Response) map[string]interface{} {
	t.Helper()
	m, ok := resp.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("data is %T, want object", resp.Data)
	}
	return m
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := testServer(t)
	rec, resp := doRequest(t, s, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !resp.Success {
		t.Fatal("success = false")
	}
	if got := dataMap(t, resp)["status"]; got != "ok" {
		t.Errorf("status = %v", got)
	}
}

func TestSpawnAndGetAgent(t *testing.T) {
	s, _ := testServer(t)

	rec, resp := doRequest(t, s, http.MethodPost, "/agents/spawn", types.AgentConfig{
		AgentID:   "worker-1",
		AgentType: "test-agent",
		Category:  types.CategoryCore,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("spawn status = %d: %s", rec.Code, resp.Message)
	}
	if got := dataMap(t, resp)["status"]; got != "active" {
		t.Errorf("agent status = %v, want active", got)
	}

	rec, resp = doRequest(t, s, http.MethodGet, "/agents/worker-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	if got := dataMap(t, resp)["agent_id"]; got != "worker-1" {
		t.Errorf("agent_id = %v", got)
	}

	rec, _ = doRequest(t, s, http.MethodGet, "/agents/missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown agent status = %d, want 404", rec.Code)
	}
}

func TestSpawnAgentValidation(t *testing.T) {
	s, _ := testServer(t)
	rec, resp := doRequest(t, s, http.MethodPost, "/agents/spawn", types.AgentConfig{AgentID: "no-type"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if resp.Success {
		t.Fatal("success = true for invalid request")
	}
}

func TestStopAgent(t *testing.T) {
	s, _ := testServer(t)
	doRequest(t, s, http.MethodPost, "/agents/spawn", types.AgentConfig{
		AgentID: "worker-1", AgentType: "test-agent", Category: types.CategoryCore,
	})

	rec, _ := doRequest(t, s, http.MethodPost, "/agents/worker-1/stop", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stop status = %d", rec.Code)
	}

	rec, _ = doRequest(t, s, http.MethodPost, "/agents/missing/stop", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("stop unknown status = %d, want 404", rec.Code)
	}
}

func TestTaskLifecycle(t *testing.T) {
	s, _ := testServer(t)
	doRequest(t, s, http.MethodPost, "/agents/spawn", types.AgentConfig{
		AgentID: "worker-1", AgentType: "test-agent", Category: types.CategoryCore,
	})

	rec, resp := doRequest(t, s, http.MethodPost, "/tasks", map[string]interface{}{
		"agent_id":  "worker-1",
		"task_type": "analyze",
		"payload":   map[string]interface{}{"sample": "x9"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("submit status = %d: %s", rec.Code, resp.Message)
	}
	taskID, _ := dataMap(t, resp)["task_id"].(string)
	if taskID == "" {
		t.Fatal("no task_id in response")
	}

	rec, resp = doRequest(t, s, http.MethodGet, "/tasks/"+taskID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("task status = %d", rec.Code)
	}
	if got := dataMap(t, resp)["task_type"]; got != "analyze" {
		t.Errorf("task_type = %v", got)
	}

	rec, _ = doRequest(t, s, http.MethodGet, "/tasks/missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown task status = %d, want 404", rec.Code)
	}
}

func TestSubmitTaskToUnavailableAgent(t *testing.T) {
	s, orch := testServer(t)
	doRequest(t, s, http.MethodPost, "/agents/spawn", types.AgentConfig{
		AgentID: "worker-1", AgentType: "test-agent", Category: types.CategoryCore,
	})
	orch.Pool().MarkError("worker-1", "boom")

	rec, resp := doRequest(t, s, http.MethodPost, "/tasks", map[string]interface{}{
		"agent_id":  "worker-1",
		"task_type": "analyze",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", rec.Code, resp.Message)
	}
}

func TestSendMessageEndpoint(t *testing.T) {
	s, _ := testServer(t)
	rec, resp := doRequest(t, s, http.MethodPost, "/messages", map[string]interface{}{
		"from_agent": "ceo-agent",
		"to_agent":   "broadcast",
		"type":       "event",
		"payload":    map[string]interface{}{"event": "maintenance"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, resp.Message)
	}
	if id, _ := dataMap(t, resp)["message_id"].(string); id == "" {
		t.Fatal("no message_id")
	}
}

func TestGapEndpoints(t *testing.T) {
	s, _ := testServer(t)

	rec, resp := doRequest(t, s, http.MethodGet, "/gaps", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("gaps status = %d: %s", rec.Code, resp.Message)
	}
	report := dataMap(t, resp)
	if total, _ := report["total_gaps"].(float64); total == 0 {
		t.Fatal("empty pool reported no gaps")
	}

	rec, resp = doRequest(t, s, http.MethodPost, "/gaps/fill", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("fill status = %d: %s", rec.Code, resp.Message)
	}
	if count, _ := dataMap(t, resp)["count"].(float64); count == 0 {
		t.Fatal("auto-fill created no agents")
	}
}

func TestApprovalFlow(t *testing.T) {
	s, _ := testServer(t)

	rec, resp := doRequest(t, s, http.MethodPost, "/agents/create", map[string]interface{}{
		"template_id": "corporate-agent",
		"reason":      "board request",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("create status = %d, want 202: %s", rec.Code, resp.Message)
	}
	approvalID, _ := dataMap(t, resp)["approval_id"].(string)
	if approvalID == "" {
		t.Fatal("no approval_id in response")
	}

	rec, resp = doRequest(t, s, http.MethodGet, "/approvals", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}

	rec, resp = doRequest(t, s, http.MethodPost, "/approvals/"+approvalID+"/approve", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("approve status = %d: %s", rec.Code, resp.Message)
	}
	if got := dataMap(t, resp)["status"]; got != "active" {
		t.Errorf("approved agent status = %v", got)
	}

	rec, _ = doRequest(t, s, http.MethodPost, "/approvals/"+approvalID+"/approve", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("second approve status = %d, want 404", rec.Code)
	}
}

func TestRejectApproval(t *testing.T) {
	s, _ := testServer(t)

	_, resp := doRequest(t, s, http.MethodPost, "/agents/create", map[string]interface{}{
		"template_id": "corporate-agent",
	})
	approvalID, _ := dataMap(t, resp)["approval_id"].(string)

	rec, _ := doRequest(t, s, http.MethodPost, "/approvals/"+approvalID+"/reject", map[string]interface{}{
		"reason": "over budget",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("reject status = %d", rec.Code)
	}

	rec, _ = doRequest(t, s, http.MethodGet, "/approvals", nil)
	if rec.Code != http.StatusOK {
		t.Fatal("list after reject failed")
	}
}

func TestTemplatesEndpoint(t *testing.T) {
	s, _ := testServer(t)
	rec, resp := doRequest(t, s, http.MethodGet, "/templates", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	templates, ok := resp.Data.([]interface{})
	if !ok || len(templates) == 0 {
		t.Fatalf("no templates returned: %T", resp.Data)
	}
}

func TestSnapshotEndpoints(t *testing.T) {
	s, _ := testServer(t)
	doRequest(t, s, http.MethodPost, "/agents/spawn", types.AgentConfig{
		AgentID: "worker-1", AgentType: "test-agent", Category: types.CategoryCore,
	})

	rec, resp := doRequest(t, s, http.MethodPost, "/agents/worker-1/snapshot", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("snapshot status = %d: %s", rec.Code, resp.Message)
	}
	if got := dataMap(t, resp)["reason"]; got != "manual" {
		t.Errorf("reason = %v", got)
	}

	rec, resp = doRequest(t, s, http.MethodGet, "/agents/worker-1/snapshots", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	snaps, ok := resp.Data.([]interface{})
	if !ok || len(snaps) != 1 {
		t.Fatalf("snapshots = %T len %d", resp.Data, len(snaps))
	}
}

func TestStatusEndpoint(t *testing.T) {
	s, _ := testServer(t)
	rec, resp := doRequest(t, s, http.MethodGet, "/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := dataMap(t, resp)["status"]; got != "stopped" {
		t.Errorf("orchestrator status = %v", got)
	}
}
