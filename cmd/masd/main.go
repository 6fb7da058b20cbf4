// Command masd runs the MAS orchestrator daemon: agent pool, message
// broker, gap detection, agent factory and the REST API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MycosoftLabs/mas-runtime/internal/version"
	"github.com/MycosoftLabs/mas-runtime/pkg/broker"
	"github.com/MycosoftLabs/mas-runtime/pkg/config"
	"github.com/MycosoftLabs/mas-runtime/pkg/container"
	"github.com/MycosoftLabs/mas-runtime/pkg/factory"
	"github.com/MycosoftLabs/mas-runtime/pkg/gaps"
	"github.com/MycosoftLabs/mas-runtime/pkg/logging"
	"github.com/MycosoftLabs/mas-runtime/pkg/memory"
	"github.com/MycosoftLabs/mas-runtime/pkg/monitoring"
	"github.com/MycosoftLabs/mas-runtime/pkg/orchestrator"
	"github.com/MycosoftLabs/mas-runtime/pkg/pool"
	"github.com/MycosoftLabs/mas-runtime/pkg/server"
	"github.com/MycosoftLabs/mas-runtime/pkg/snapshot"
	"github.com/MycosoftLabs/mas-runtime/pkg/validation"
)

var (
	configFile  = flag.String("config", "", "configuration file path (YAML or JSON)")
	logLevel    = flag.String("log-level", "", "log level override (debug, info, warn, error)")
	versionFlag = flag.Bool("version", false, "print version and exit")
)

func main() {
	flag.Parse()

	if *versionFlag {
		fmt.Println(version.String())
		os.Exit(0)
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "masd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		return err
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	if err := logging.InitializeGlobalLogger(&cfg.Logging); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	logger := logging.GetLogger().WithComponent("masd")
	logger.Info("starting %s", version.String())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	monitor, err := monitoring.NewMonitor(&cfg.Monitoring)
	if err != nil {
		return fmt.Errorf("failed to create monitor: %w", err)
	}
	if err := monitor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start monitor: %w", err)
	}
	defer monitor.Stop(context.Background())

	b, err := newBroker(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to message broker: %w", err)
	}

	runtime, err := newContainerRuntime(cfg)
	if err != nil {
		return fmt.Errorf("failed to create container runtime: %w", err)
	}
	defer runtime.Close()

	agentPool := pool.New(runtime, pool.Config{
		DefaultImage: cfg.Container.DefaultImage,
		ImagePolicy: validation.Policy{
			AllowedRegistries: cfg.Container.AllowedRegistries,
			BlockedRegistries: cfg.Container.BlockedRegistries,
			AllowLatestTag:    cfg.Container.AllowLatestTag,
			RequireDigest:     cfg.Container.RequireImageDigest,
		},
	})

	snapStore, err := newSnapshotStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open snapshot store: %w", err)
	}
	defer snapStore.Close()

	memStore := newMemoryStore(ctx, cfg, logger)

	orch, err := orchestrator.New(orchestrator.Options{
		Config: orchestrator.Config{
			HealthCheckInterval: cfg.Orchestrator.HealthCheckInterval,
			HeartbeatTimeout:    cfg.Orchestrator.HeartbeatTimeout,
		},
		Pool:          agentPool,
		Broker:        b,
		Monitor:       monitor,
		SnapshotStore: snapStore,
		SnapshotCfg: snapshot.ManagerConfig{
			Interval:   cfg.Snapshot.Interval,
			KeepCount:  cfg.Snapshot.KeepCount,
			MaxAgeDays: cfg.Snapshot.MaxAgeDays,
		},
		Memory: memStore,
	})
	if err != nil {
		return err
	}

	approvals, err := newApprovalStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open approval store: %w", err)
	}
	defer approvals.Close()
	orch.SetFactory(factory.New(orch, b, approvals))

	detector := gaps.NewDetector(agentPool, orch, gaps.Config{
		Enabled:      cfg.Gaps.Enabled,
		ScanInterval: cfg.Gaps.ScanInterval,
		AutoFill:     cfg.Gaps.AutoFill,
	})
	orch.SetGapDetector(detector)

	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("failed to start orchestrator: %w", err)
	}
	if cfg.Gaps.Enabled {
		if err := detector.Start(ctx); err != nil {
			return fmt.Errorf("failed to start gap detector: %w", err)
		}
	}
	if mgr := orch.Snapshots(); mgr != nil && cfg.Snapshot.Interval > 0 {
		if err := mgr.Start(ctx); err != nil {
			return fmt.Errorf("failed to start snapshot scheduler: %w", err)
		}
	}

	srv := server.New(&cfg.Server, orch, monitor)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received %s, shutting down", sig.String())
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http server shutdown failed")
	}
	detector.Stop()
	if err := orch.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Warn("orchestrator shutdown failed")
	}

	logger.Info("shutdown complete")
	return nil
}

func newBroker(ctx context.Context, cfg *config.Config) (broker.Broker, error) {
	switch cfg.Broker.Type {
	case "memory":
		return broker.NewMemoryBroker(), nil
	case "redis", "":
		return broker.NewRedisBroker(ctx, broker.Config{
			URL:             cfg.Broker.RedisURL,
			MaxStreamLength: cfg.Broker.MaxStreamLength,
		})
	default:
		return nil, fmt.Errorf("unknown broker type %q", cfg.Broker.Type)
	}
}

func newContainerRuntime(cfg *config.Config) (container.Runtime, error) {
	rc := container.Config{
		Type:            cfg.Container.Type,
		Network:         cfg.Container.Network,
		Namespace:       cfg.Container.Namespace,
		RedisURL:        cfg.Container.RedisURL,
		MindexURL:       cfg.Container.MindexURL,
		OrchestratorURL: cfg.Container.OrchestratorURL,
		LogLevel:        cfg.Logging.Level,
	}
	switch cfg.Container.Type {
	case "kubernetes":
		return container.NewKubernetesRuntime(rc)
	case "docker", "":
		return container.NewDockerRuntime(rc)
	default:
		return nil, fmt.Errorf("unknown container runtime %q", cfg.Container.Type)
	}
}

func newSnapshotStore(cfg *config.Config) (snapshot.Store, error) {
	switch cfg.Snapshot.Type {
	case "memory":
		return snapshot.NewMemoryStore(), nil
	case "badger", "":
		return snapshot.NewBadgerStore(snapshot.BadgerConfig{Path: cfg.Snapshot.Path})
	default:
		return nil, fmt.Errorf("unknown snapshot store %q", cfg.Snapshot.Type)
	}
}

// newMemoryStore connects working memory when redis is configured.
// Memory is optional; snapshots simply omit it when unavailable.
func newMemoryStore(ctx context.Context, cfg *config.Config, logger *logging.Logger) memory.Store {
	if cfg.Memory.RedisURL == "" {
		return nil
	}
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	store, err := memory.NewRedisStore(connectCtx, memory.Config{
		URL: cfg.Memory.RedisURL,
		TTL: cfg.Memory.ShortTermTTL,
	})
	if err != nil {
		logger.WithError(err).Warn("agent memory store unavailable")
		return nil
	}
	return store
}

func newApprovalStore(cfg *config.Config) (factory.ApprovalStore, error) {
	switch cfg.Factory.ApprovalStore {
	case "memory":
		return factory.NewMemoryApprovalStore(), nil
	case "badger", "":
		return factory.NewBadgerApprovalStore(cfg.Factory.ApprovalPath)
	default:
		return nil, fmt.Errorf("unknown approval store %q", cfg.Factory.ApprovalStore)
	}
}
