package testutil

import (
	"context"
	"testing"

	"github.com/MycosoftLabs/mas-runtime/pkg/container"
	"github.com/MycosoftLabs/mas-runtime/pkg/types"
)

func TestEnvironmentWiring(t *testing.T) {
	env := NewEnvironment(t)
	env.Start(t)

	state, err := env.Orchestrator.SpawnAgent(context.Background(), AgentConfig("worker-1"))
	if err != nil {
		t.Fatalf("SpawnAgent: %v", err)
	}
	if state.Status != types.AgentStatusActive {
		t.Fatalf("status = %s, want active", state.Status)
	}
	if env.Runtime.Created() != 1 {
		t.Fatalf("containers created = %d, want 1", env.Runtime.Created())
	}
}

func TestMockRuntimeSetRunning(t *testing.T) {
	ctx := context.Background()
	rt := NewMockRuntime()

	if _, err := rt.CreateAgent(ctx, &container.Spec{Config: AgentConfig("worker-1"), Image: "mas-agent:latest"}); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	rt.SetRunning("worker-1", false)

	instance, err := rt.GetInstance(ctx, "worker-1")
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if instance.Running {
		t.Fatal("instance still running after SetRunning(false)")
	}
	if instance.ExitCode != 137 {
		t.Errorf("exit code = %d", instance.ExitCode)
	}
}
