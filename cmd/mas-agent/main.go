// Command mas-agent runs a generic agent process inside a container
// spawned by the orchestrator. Identity and collaborator endpoints
// arrive through the environment.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/MycosoftLabs/mas-runtime/internal/version"
	"github.com/MycosoftLabs/mas-runtime/pkg/agent"
	"github.com/MycosoftLabs/mas-runtime/pkg/broker"
	"github.com/MycosoftLabs/mas-runtime/pkg/config"
	"github.com/MycosoftLabs/mas-runtime/pkg/logging"
	"github.com/MycosoftLabs/mas-runtime/pkg/memory"
	"github.com/MycosoftLabs/mas-runtime/pkg/types"
)

var versionFlag = flag.Bool("version", false, "print version and exit")

func main() {
	flag.Parse()

	if *versionFlag {
		fmt.Println(version.String())
		os.Exit(0)
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "mas-agent: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	agentID := os.Getenv("AGENT_ID")
	if agentID == "" {
		return fmt.Errorf("AGENT_ID is required")
	}
	agentType := os.Getenv("AGENT_TYPE")
	if agentType == "" {
		agentType = "generic-agent"
	}

	logCfg := config.DefaultConfig().Logging
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		logCfg.Level = lvl
	}
	if err := logging.InitializeGlobalLogger(&logCfg); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	logger := logging.GetLogger().WithComponent("mas-agent").WithAgent(agentID)

	agentCfg := &types.AgentConfig{
		AgentID:           agentID,
		AgentType:         agentType,
		Category:          types.ParseCategory(os.Getenv("AGENT_CATEGORY")),
		DisplayName:       os.Getenv("AGENT_DISPLAY_NAME"),
		HeartbeatInterval: envDuration("HEARTBEAT_INTERVAL", 15*time.Second),
		TaskTimeout:       envDuration("TASK_TIMEOUT", 5*time.Minute),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := newBroker(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to message broker: %w", err)
	}

	var activity *memory.ActivityLogger
	if mindexURL := os.Getenv("MINDEX_URL"); mindexURL != "" {
		activity = memory.NewActivityLogger(mindexURL, 5*time.Second)
	}

	rt, err := agent.New(agent.Options{
		Config:          agentCfg,
		Broker:          b,
		Activity:        activity,
		OrchestratorURL: os.Getenv("ORCHESTRATOR_URL"),
		HTTPPort:        envInt("AGENT_HTTP_PORT", 8080),
	})
	if err != nil {
		return err
	}

	registerHandlers(rt)

	if err := rt.Start(ctx); err != nil {
		return fmt.Errorf("failed to start agent runtime: %w", err)
	}
	logger.Info("agent started as %s", agentType)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received %s, shutting down", sig.String())
	case <-rt.Done():
		logger.Info("runtime stopped")
		return nil
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	return rt.Stop(shutdownCtx)
}

// registerHandlers installs the baseline task handlers every generic
// agent supports. Specialized agents build their own binary on
// pkg/agent and register their own.
func registerHandlers(rt *agent.Runtime) {
	rt.RegisterHandler("echo", func(ctx context.Context, task *types.AgentTask) (types.Payload, error) {
		return task.Payload, nil
	})
	rt.RegisterHandler("ping", func(ctx context.Context, task *types.AgentTask) (types.Payload, error) {
		return types.Payload{"pong": time.Now().UTC().Format(time.RFC3339)}, nil
	})
	rt.RegisterHandler("status", func(ctx context.Context, task *types.AgentTask) (types.Payload, error) {
		state := rt.State()
		return types.Payload{
			"status":          string(state.Status),
			"tasks_completed": state.TasksCompleted,
			"tasks_failed":    state.TasksFailed,
		}, nil
	})
}

func newBroker(ctx context.Context) (broker.Broker, error) {
	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		return broker.NewMemoryBroker(), nil
	}
	return broker.NewRedisBroker(ctx, broker.Config{URL: redisURL})
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return fallback
}
