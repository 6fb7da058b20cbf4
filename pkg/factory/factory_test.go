package factory

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/MycosoftLabs/mas-runtime/pkg/broker"
	"github.com/MycosoftLabs/mas-runtime/pkg/errors"
	"github.com/MycosoftLabs/mas-runtime/pkg/types"
)

type mockSpawner struct {
	mu      sync.Mutex
	spawned []*types.AgentConfig
	err     error
}

func (m *mockSpawner) SpawnAgent(ctx context.Context, config *types.AgentConfig) (*types.AgentState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.spawned = append(m.spawned, config)
	return &types.AgentState{AgentID: config.AgentID, Status: types.AgentStatusActive}, nil
}

func corporateTemplate() *Template {
	return &Template{
		TemplateID:    "executive",
		AgentType:     "executive",
		Category:      types.CategoryCorporate,
		DisplayName:   "Executive Agent",
		CPULimit:      1.0,
		MemoryLimitMB: 512,
	}
}

func TestCreateAgentFromBuiltinTemplate(t *testing.T) {
	spawner := &mockSpawner{}
	f := New(spawner, nil, nil)

	template, err := f.GetTemplate("data")
	if err != nil {
		t.Fatalf("GetTemplate() error = %v", err)
	}

	state, pending, err := f.CreateAgent(context.Background(), template, CreateOptions{})
	if err != nil {
		t.Fatalf("CreateAgent() error = %v", err)
	}
	if pending != nil {
		t.Error("data category should not require approval")
	}
	if state == nil || state.Status != types.AgentStatusActive {
		t.Fatalf("unexpected state: %+v", state)
	}

	if len(spawner.spawned) != 1 {
		t.Fatalf("expected 1 spawn, got %d", len(spawner.spawned))
	}
	config := spawner.spawned[0]
	if config.CPULimit != 2.0 || config.MemoryLimitMB != 1024 {
		t.Errorf("template limits not applied: cpu=%v mem=%v", config.CPULimit, config.MemoryLimitMB)
	}
	if config.AgentID == "" {
		t.Error("agent id should be generated")
	}
}

func TestCreateAgentCustomSettings(t *testing.T) {
	spawner := &mockSpawner{}
	f := New(spawner, nil, nil)

	template, _ := f.GetTemplate("integration")
	template.Settings = types.Payload{"endpoint": "default", "retries": 3}

	_, _, err := f.CreateAgent(context.Background(), template, CreateOptions{
		AgentID:        "n8n-agent",
		CustomSettings: types.Payload{"endpoint": "https://n8n.local"},
	})
	if err != nil {
		t.Fatalf("CreateAgent() error = %v", err)
	}

	settings := spawner.spawned[0].Settings
	if settings.String("endpoint") != "https://n8n.local" {
		t.Errorf("custom setting not applied: %v", settings)
	}
	if settings.Int("retries") != 3 {
		t.Errorf("template setting lost: %v", settings)
	}
}

func TestCreateAgentRequiresApproval(t *testing.T) {
	spawner := &mockSpawner{}
	b := broker.NewMemoryBroker()
	defer b.Close()

	var events []*types.AgentMessage
	var mu sync.Mutex
	b.Subscribe(context.Background(), broker.EventsChannel, func(ctx context.Context, msg *types.AgentMessage) {
		mu.Lock()
		events = append(events, msg)
		mu.Unlock()
	})

	f := New(spawner, b, nil)

	state, pending, err := f.CreateAgent(context.Background(), corporateTemplate(), CreateOptions{
		AgentID: "ceo-agent",
		Reason:  "gap fill",
	})
	if err != nil {
		t.Fatalf("CreateAgent() error = %v", err)
	}
	if state != nil {
		t.Error("corporate creation should not spawn without approval")
	}
	if pending == nil || pending.ApprovalID == "" {
		t.Fatal("expected pending approval info")
	}
	if len(spawner.spawned) != 0 {
		t.Error("spawner should not be called before approval")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 1 {
		t.Fatalf("expected 1 approval event, got %d", len(events))
	}
	if events[0].Payload.String("event") != "approval_required" {
		t.Errorf("unexpected event payload: %v", events[0].Payload)
	}
	if events[0].Payload.String("approval_id") != pending.ApprovalID {
		t.Error("event approval id mismatch")
	}
}

func TestApproveCreation(t *testing.T) {
	spawner := &mockSpawner{}
	f := New(spawner, nil, nil)
	ctx := context.Background()

	_, pending, err := f.CreateAgent(ctx, corporateTemplate(), CreateOptions{AgentID: "ceo-agent"})
	if err != nil {
		t.Fatalf("CreateAgent() error = %v", err)
	}

	state, err := f.ApproveCreation(ctx, pending.ApprovalID)
	if err != nil {
		t.Fatalf("ApproveCreation() error = %v", err)
	}
	if state == nil || state.AgentID != "ceo-agent" {
		t.Fatalf("unexpected state after approval: %+v", state)
	}

	approvals, _ := f.ListPendingApprovals(ctx)
	if len(approvals) != 0 {
		t.Errorf("approval not consumed, %d remain", len(approvals))
	}

	records := f.CreationLog(10)
	if len(records) != 1 || records[0].Status != "created" {
		t.Errorf("unexpected creation log: %+v", records)
	}
}

func TestRejectCreation(t *testing.T) {
	spawner := &mockSpawner{}
	f := New(spawner, nil, nil)
	ctx := context.Background()

	_, pending, _ := f.CreateAgent(ctx, corporateTemplate(), CreateOptions{AgentID: "cfo-agent"})

	if err := f.RejectCreation(ctx, pending.ApprovalID, "budget freeze"); err != nil {
		t.Fatalf("RejectCreation() error = %v", err)
	}
	if len(spawner.spawned) != 0 {
		t.Error("rejected creation must not spawn")
	}

	records := f.CreationLog(10)
	if len(records) != 1 || records[0].Status != "rejected" || records[0].Reason != "budget freeze" {
		t.Errorf("unexpected creation log: %+v", records)
	}
}

func TestApproveUnknownApproval(t *testing.T) {
	f := New(&mockSpawner{}, nil, nil)
	if _, err := f.ApproveCreation(context.Background(), "missing"); !errors.Is(err, errors.ErrApprovalNotFound) {
		t.Errorf("expected ErrApprovalNotFound, got %v", err)
	}
}

func TestRegisterTemplate(t *testing.T) {
	f := New(&mockSpawner{}, nil, nil)

	custom := &Template{
		TemplateID: "lab-robot",
		AgentType:  "robot",
		Category:   types.CategoryDevice,
	}
	if err := f.RegisterTemplate(custom); err != nil {
		t.Fatalf("RegisterTemplate() error = %v", err)
	}

	got, err := f.GetTemplate("lab-robot")
	if err != nil || got.AgentType != "robot" {
		t.Errorf("registered template not retrievable: %v %v", got, err)
	}

	if err := f.RegisterTemplate(&Template{}); err == nil {
		t.Error("expected error for template without id")
	}
}

func TestCreationLogLimit(t *testing.T) {
	spawner := &mockSpawner{}
	f := New(spawner, nil, nil)
	ctx := context.Background()

	template, _ := f.GetTemplate("device")
	for i := 0; i < 5; i++ {
		f.CreateAgent(ctx, template, CreateOptions{AgentID: fmt.Sprintf("device-%d", i)})
	}

	records := f.CreationLog(2)
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[1].AgentID != "device-4" {
		t.Errorf("expected most recent records, got %+v", records)
	}
}

func TestApprovalsSurviveRestart(t *testing.T) {
	store := NewMemoryApprovalStore()
	first := New(&mockSpawner{}, nil, store)
	ctx := context.Background()

	_, pending, _ := first.CreateAgent(ctx, corporateTemplate(), CreateOptions{AgentID: "ceo-agent"})

	// New factory over the same store simulates a restart.
	spawner := &mockSpawner{}
	second := New(spawner, nil, store)

	state, err := second.ApproveCreation(ctx, pending.ApprovalID)
	if err != nil {
		t.Fatalf("ApproveCreation() after restart error = %v", err)
	}
	if state == nil || state.AgentID != "ceo-agent" {
		t.Fatalf("unexpected state: %+v", state)
	}
}
