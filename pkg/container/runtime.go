// Package container provides the container runtimes agents execute in.
package container

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/MycosoftLabs/mas-runtime/pkg/types"
)

// Labels applied to every managed container.
const (
	LabelManaged  = "mas.agent"
	LabelAgentID  = "mas.agent_id"
	LabelType     = "mas.agent_type"
	LabelCategory = "mas.agent_category"
)

// ContainerName returns the canonical container name for an agent.
func ContainerName(agentID string) string {
	return "mas-agent-" + agentID
}

// Spec describes the container to create for one agent.
type Spec struct {
	Config *types.AgentConfig
	Image  string

	// Env holds extra environment on top of the standard agent set
	Env map[string]string
}

// Instance is the observed state of one agent container.
type Instance struct {
	AgentID     string
	ContainerID string
	Name        string
	Image       string
	State       string // created, running, exited, dead
	Running     bool
	ExitCode    int
	StartedAt   *time.Time
	Labels      map[string]string
}

// Stats holds resource usage sampled from a running container.
type Stats struct {
	CPUPercent      float64
	MemoryMB        int
	NetworkInBytes  int64
	NetworkOutBytes int64
}

// Runtime creates and manages agent containers. Implementations exist
// for Docker and Kubernetes.
type Runtime interface {
	// CreateAgent creates and starts a container for the agent,
	// returning the container ID.
	CreateAgent(ctx context.Context, spec *Spec) (string, error)

	// StopAgent stops an agent's container within timeout.
	StopAgent(ctx context.Context, agentID string, timeout time.Duration) error

	// RemoveAgent removes an agent's container.
	RemoveAgent(ctx context.Context, agentID string, force bool) error

	// GetInstance returns the observed container state for an agent.
	GetInstance(ctx context.Context, agentID string) (*Instance, error)

	// ListInstances returns all containers this runtime manages.
	ListInstances(ctx context.Context) ([]*Instance, error)

	// GetStats samples resource usage for a running agent container.
	GetStats(ctx context.Context, agentID string) (*Stats, error)

	// StreamLogs follows an agent container's log output.
	StreamLogs(ctx context.Context, agentID string) (io.ReadCloser, error)

	// Close releases the runtime's client connection.
	Close() error
}

// Config holds container runtime configuration.
type Config struct {
	Type       string // "docker" or "kubernetes"
	Endpoint   string // Docker socket override
	Network    string // Docker network agents attach to
	Namespace  string // Kubernetes namespace
	KubeConfig string // Path to kubeconfig file

	// Collaborator endpoints injected into agent environments
	RedisURL        string
	MindexURL       string
	OrchestratorURL string

	// LogLevel passed through to agents
	LogLevel string
}

// New creates a runtime for the configured backend.
func New(config Config) (Runtime, error) {
	switch config.Type {
	case "docker":
		return NewDockerRuntime(config)
	case "kubernetes":
		return NewKubernetesRuntime(config)
	default:
		return nil, fmt.Errorf("unsupported container runtime: %s", config.Type)
	}
}

// standardEnv builds the environment every agent container receives.
func standardEnv(config Config, spec *Spec) map[string]string {
	env := map[string]string{
		"AGENT_ID":           spec.Config.AgentID,
		"AGENT_TYPE":         spec.Config.AgentType,
		"AGENT_CATEGORY":     string(spec.Config.Category),
		"AGENT_DISPLAY_NAME": spec.Config.DisplayName,
		"LOG_LEVEL":          config.LogLevel,
		"REDIS_URL":          config.RedisURL,
		"MINDEX_URL":         config.MindexURL,
		"ORCHESTRATOR_URL":   config.OrchestratorURL,
	}
	if env["LOG_LEVEL"] == "" {
		env["LOG_LEVEL"] = "INFO"
	}
	for k, v := range spec.Env {
		env[k] = v
	}
	return env
}

// standardLabels builds the labels every agent container receives.
func standardLabels(spec *Spec) map[string]string {
	return map[string]string{
		LabelManaged:  "true",
		LabelAgentID:  spec.Config.AgentID,
		LabelType:     spec.Config.AgentType,
		LabelCategory: string(spec.Config.Category),
	}
}
