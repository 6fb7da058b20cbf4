// Package orchestrator is the central service coordinating the agent
// fleet: lifecycle, task routing, liveness and coverage.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MycosoftLabs/mas-runtime/pkg/broker"
	"github.com/MycosoftLabs/mas-runtime/pkg/errors"
	"github.com/MycosoftLabs/mas-runtime/pkg/factory"
	"github.com/MycosoftLabs/mas-runtime/pkg/gaps"
	"github.com/MycosoftLabs/mas-runtime/pkg/logging"
	"github.com/MycosoftLabs/mas-runtime/pkg/memory"
	"github.com/MycosoftLabs/mas-runtime/pkg/monitoring"
	"github.com/MycosoftLabs/mas-runtime/pkg/pool"
	"github.com/MycosoftLabs/mas-runtime/pkg/snapshot"
	"github.com/MycosoftLabs/mas-runtime/pkg/types"
)

// OrchestratorID is the agent identity the service uses on the broker.
const OrchestratorID = "orchestrator"

// Config holds orchestrator behavior settings.
type Config struct {
	HealthCheckInterval time.Duration
	HeartbeatTimeout    time.Duration
}

// DefaultConfig returns orchestrator defaults.
func DefaultConfig() Config {
	return Config{
		HealthCheckInterval: 30 * time.Second,
		HeartbeatTimeout:    60 * time.Second,
	}
}

// Options wires the orchestrator's collaborators. Pool and Broker are
// required; everything else degrades gracefully when nil.
type Options struct {
	Config  Config
	Pool    *pool.Pool
	Broker  broker.Broker
	Monitor *monitoring.Monitor

	// SnapshotStore enables snapshots (pre-restart and on demand).
	SnapshotStore snapshot.Store
	SnapshotCfg   snapshot.ManagerConfig

	// Memory contributes working-memory contents to snapshots.
	Memory memory.Store
}

// Orchestrator coordinates agents over the pool and broker.
type Orchestrator struct {
	config  Config
	pool    *pool.Pool
	broker  broker.Broker
	monitor *monitoring.Monitor
	logger  *logging.Logger

	snapshots *snapshot.Manager
	memory    memory.Store

	factory  *factory.Factory
	detector *gaps.Detector

	tasks  map[string]*types.AgentTask
	taskMu sync.RWMutex

	cancel  context.CancelFunc
	started time.Time
	running bool
	mu      sync.Mutex
}

// New creates an orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Pool == nil || opts.Broker == nil {
		return nil, fmt.Errorf("pool and broker are required")
	}
	if opts.Config.HealthCheckInterval <= 0 {
		opts.Config.HealthCheckInterval = 30 * time.Second
	}
	if opts.Config.HeartbeatTimeout <= 0 {
		opts.Config.HeartbeatTimeout = 60 * time.Second
	}

	o := &Orchestrator{
		config:  opts.Config,
		pool:    opts.Pool,
		broker:  opts.Broker,
		monitor: opts.Monitor,
		memory:  opts.Memory,
		logger:  logging.GetLogger().WithComponent("orchestrator"),
		tasks:   make(map[string]*types.AgentTask),
	}

	if opts.SnapshotStore != nil {
		o.snapshots = snapshot.NewManager(opts.SnapshotStore, opts.SnapshotCfg, o.captureSnapshot)
	}
	return o, nil
}

// SetFactory attaches the agent factory.
func (o *Orchestrator) SetFactory(f *factory.Factory) { o.factory = f }

// Factory returns the attached agent factory, or nil.
func (o *Orchestrator) Factory() *factory.Factory { return o.factory }

// SetGapDetector attaches the gap detector.
func (o *Orchestrator) SetGapDetector(d *gaps.Detector) { o.detector = d }

// Snapshots returns the snapshot manager, or nil when disabled.
func (o *Orchestrator) Snapshots() *snapshot.Manager { return o.snapshots }

// Start discovers running agents, subscribes to heartbeats and
// responses, and launches the health monitor.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator is already running")
	}
	o.running = true
	o.started = time.Now().UTC()
	o.mu.Unlock()

	o.logger.Info("starting orchestrator")

	if discovered, err := o.pool.DiscoverAgents(ctx); err != nil {
		o.logger.WithError(err).Warn("agent discovery failed")
	} else if discovered > 0 {
		o.logger.WithField("count", discovered).Info("recovered agents from running containers")
	}

	if err := o.broker.Subscribe(ctx, broker.HeartbeatChannel, o.handleHeartbeat); err != nil {
		return fmt.Errorf("failed to subscribe to heartbeats: %w", err)
	}
	if err := o.broker.Subscribe(ctx, broker.AgentChannel(OrchestratorID), o.handleDirectMessage); err != nil {
		return fmt.Errorf("failed to subscribe to orchestrator channel: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	go o.healthMonitor(loopCtx)

	o.logger.Info("orchestrator started")
	return nil
}

// Stop halts loops and closes the broker connection.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return nil
	}
	o.running = false
	o.mu.Unlock()

	o.logger.Info("stopping orchestrator")
	if o.cancel != nil {
		o.cancel()
	}
	if o.snapshots != nil {
		o.snapshots.Stop()
	}
	return o.broker.Close()
}

// SpawnAgent starts an agent and announces it on the events channel.
func (o *Orchestrator) SpawnAgent(ctx context.Context, config *types.AgentConfig) (*types.AgentState, error) {
	state, err := o.pool.SpawnAgent(ctx, config)
	if err != nil {
		if o.monitor != nil {
			o.monitor.RecordAgentFailed()
		}
		return state, err
	}

	if o.snapshots != nil {
		o.snapshots.Register(config.AgentID)
	}
	if o.monitor != nil {
		o.monitor.RecordAgentSpawned()
	}
	o.publishEvent(ctx, types.Payload{
		"event":      "agent_spawned",
		"agent_id":   config.AgentID,
		"agent_type": config.AgentType,
	})
	return state, nil
}

// StopAgent stops an agent and announces it. Returns false for an
// unknown agent.
func (o *Orchestrator) StopAgent(ctx context.Context, agentID string, force bool) bool {
	if !o.pool.StopAgent(ctx, agentID, force) {
		return false
	}

	if o.snapshots != nil {
		o.snapshots.Deregister(agentID)
	}
	if o.monitor != nil {
		o.monitor.RecordAgentStopped()
	}
	o.publishEvent(ctx, types.Payload{
		"event":    "agent_stopped",
		"agent_id": agentID,
	})
	return true
}

// RestartAgent snapshots the agent, then stops and respawns it from
// its recorded config.
func (o *Orchestrator) RestartAgent(ctx context.Context, agentID string) (*types.AgentState, error) {
	if o.snapshots != nil {
		if _, err := o.snapshots.Take(ctx, agentID, types.SnapshotReasonPreRestart); err != nil {
			o.logger.WithAgent(agentID).WithError(err).Warn("pre-restart snapshot failed")
		}
	}

	state, err := o.pool.RestartAgent(ctx, agentID)
	if err == nil && o.monitor != nil {
		o.monitor.RecordAgentRestarted()
	}
	return state, err
}

// RegisterAgent records an externally managed agent.
func (o *Orchestrator) RegisterAgent(ctx context.Context, config *types.AgentConfig) (*types.AgentState, error) {
	state, err := o.pool.RegisterAgent(config)
	if err != nil {
		return nil, err
	}
	o.publishEvent(ctx, types.Payload{
		"event":    "agent_registered",
		"agent_id": config.AgentID,
	})
	return state, nil
}

// DeregisterAgent removes an agent's record.
func (o *Orchestrator) DeregisterAgent(ctx context.Context, agentID string) bool {
	removed := o.pool.DeregisterAgent(agentID)
	if removed {
		if o.snapshots != nil {
			o.snapshots.Deregister(agentID)
		}
		o.publishEvent(ctx, types.Payload{
			"event":    "agent_deregistered",
			"agent_id": agentID,
		})
	}
	return removed
}

// GetAgent returns one agent's state.
func (o *Orchestrator) GetAgent(agentID string) (*types.AgentState, error) {
	return o.pool.GetAgentState(agentID)
}

// ListAgents returns all agent states.
func (o *Orchestrator) ListAgents() []*types.AgentState {
	return o.pool.GetAllAgents()
}

// Pool exposes the underlying agent pool.
func (o *Orchestrator) Pool() *pool.Pool { return o.pool }

// SubmitTask routes a task to its target agent. The target must be
// active or idle; otherwise an unavailability error is returned and
// nothing is recorded.
func (o *Orchestrator) SubmitTask(ctx context.Context, task *types.AgentTask) (string, error) {
	state, err := o.pool.GetAgentState(task.AgentID)
	if err != nil {
		return "", err
	}
	if !state.Status.IsAvailable() {
		return "", fmt.Errorf("%w: agent %s status is %s", errors.ErrAgentUnavailable, task.AgentID, state.Status)
	}

	o.taskMu.Lock()
	o.tasks[task.ID] = task
	o.taskMu.Unlock()

	msg := types.NewMessage(OrchestratorID, task.AgentID, types.MessageTypeRequest,
		task.Payload.Merge(types.Payload{
			"task_id":   task.ID,
			"task_type": task.TaskType,
		}))
	msg.Priority = task.Priority

	// Durable record first, then the live push.
	if _, err := o.broker.AddToStream(ctx, broker.TaskStream, msg); err != nil {
		o.logger.WithError(err).WithField("task_id", task.ID).Warn("task stream append failed")
	}
	if err := o.broker.Publish(ctx, broker.AgentChannel(task.AgentID), msg); err != nil {
		return "", fmt.Errorf("failed to publish task: %w", err)
	}

	if o.monitor != nil {
		o.monitor.RecordTaskSubmitted()
	}
	o.logger.WithAgent(task.AgentID).WithField("task_id", task.ID).Info("task submitted")
	return task.ID, nil
}

// TaskStatus returns a submitted task's current record.
func (o *Orchestrator) TaskStatus(taskID string) (*types.AgentTask, error) {
	o.taskMu.RLock()
	defer o.taskMu.RUnlock()
	task, ok := o.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errors.ErrTaskNotFound, taskID)
	}
	return task, nil
}

// SendMessage routes a message between agents and returns its ID.
// Broadcast goes to the fan-out channel, everything else to the
// target's channel.
func (o *Orchestrator) SendMessage(ctx context.Context, from, to string, mt types.MessageType, payload types.Payload, priority types.TaskPriority) (string, error) {
	msg := types.NewMessage(from, to, mt, payload)
	if priority != 0 {
		msg.Priority = priority
	}

	channel := broker.AgentChannel(to)
	if to == types.BroadcastTarget {
		channel = broker.BroadcastChannel
	}
	if err := o.broker.Publish(ctx, channel, msg); err != nil {
		return "", err
	}
	if o.monitor != nil {
		o.monitor.RecordMessagePublished()
	}
	return msg.ID, nil
}

// DetectGaps runs a coverage scan.
func (o *Orchestrator) DetectGaps(ctx context.Context) ([]*gaps.Gap, error) {
	if o.detector == nil {
		return nil, fmt.Errorf("gap detection is not configured")
	}
	return o.detector.ScanForGaps(ctx), nil
}

// AutoFillGaps scans and fills auto-creatable gaps, returning the
// agent IDs that were spawned.
func (o *Orchestrator) AutoFillGaps(ctx context.Context) ([]string, error) {
	if o.detector == nil {
		return nil, fmt.Errorf("gap detection is not configured")
	}
	o.detector.ScanForGaps(ctx)
	return o.detector.AutoFillGaps(ctx), nil
}

// GapReport returns the last scan's aggregate report.
func (o *Orchestrator) GapReport() (*gaps.Report, error) {
	if o.detector == nil {
		return nil, fmt.Errorf("gap detection is not configured")
	}
	return o.detector.Report(), nil
}

// Status summarizes the orchestrator for the status endpoint.
func (o *Orchestrator) Status() types.Payload {
	o.mu.Lock()
	running := o.running
	started := o.started
	o.mu.Unlock()

	o.taskMu.RLock()
	pendingTasks := len(o.tasks)
	o.taskMu.RUnlock()

	stats := o.pool.GetPoolStats()

	status := "stopped"
	uptime := 0.0
	if running {
		status = "running"
		uptime = time.Since(started).Seconds()
	}
	return types.Payload{
		"status":         status,
		"uptime_seconds": uptime,
		"total_agents":   stats.Total,
		"pool_stats":     stats,
		"pending_tasks":  pendingTasks,
	}
}

// handleHeartbeat ingests one agent heartbeat. Heartbeats refresh
// liveness and counters but never clear an error status.
func (o *Orchestrator) handleHeartbeat(ctx context.Context, msg *types.AgentMessage) {
	if msg.Type != types.MessageTypeHeartbeat {
		return
	}

	err := o.pool.UpdateHeartbeat(
		msg.FromAgent,
		types.AgentStatus(msg.Payload.String("status")),
		msg.Payload.Int("tasks_completed"),
		msg.Payload.Int("tasks_failed"),
		msg.Payload.String("current_task"),
	)
	if err != nil {
		o.logger.WithAgent(msg.FromAgent).Debug("heartbeat from unknown agent")
		return
	}
	if o.monitor != nil {
		o.monitor.RecordHeartbeat()
	}
}

// handleDirectMessage ingests messages addressed to the orchestrator,
// updating task records from agent responses.
func (o *Orchestrator) handleDirectMessage(ctx context.Context, msg *types.AgentMessage) {
	if msg.Type != types.MessageTypeResponse {
		return
	}

	taskID := msg.Payload.String("task_id")
	if taskID == "" {
		return
	}

	o.taskMu.Lock()
	task, ok := o.tasks[taskID]
	if !ok {
		o.taskMu.Unlock()
		return
	}
	now := time.Now().UTC()
	task.CompletedAt = &now
	task.Status = types.TaskStatus(msg.Payload.String("status"))
	task.Error = msg.Payload.String("error")
	if result := msg.Payload.Map("result"); result != nil {
		task.Result = result
	}
	started := task.StartedAt
	status := task.Status
	taskType := task.TaskType
	o.taskMu.Unlock()

	if o.memory != nil {
		entry := types.Payload{
			"task_id":   taskID,
			"task_type": taskType,
			"status":    string(status),
			"at":        now.Format(time.RFC3339),
		}
		if err := o.memory.AppendConversation(ctx, msg.FromAgent, entry); err != nil {
			o.logger.Debug("failed to record conversation for %s: %v", msg.FromAgent, err)
		}
	}

	if o.monitor != nil {
		switch status {
		case types.TaskStatusCompleted:
			duration := time.Duration(0)
			if started != nil {
				duration = now.Sub(*started)
			}
			o.monitor.RecordTaskCompleted(duration)
		case types.TaskStatusFailed:
			o.monitor.RecordTaskFailed()
		}
	}
}

// healthMonitor escalates unresponsive agents in two stages: a missed
// heartbeat marks error, then the container probe moves errored agents
// to dead once their process is gone.
func (o *Orchestrator) healthMonitor(ctx context.Context) {
	ticker := time.NewTicker(o.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.checkHeartbeats()
			o.pool.UpdateAgentHealth(ctx)
			o.recordPoolStats()
		}
	}
}

func (o *Orchestrator) checkHeartbeats() {
	now := time.Now().UTC()
	for _, agent := range o.pool.GetAllAgents() {
		if !agent.Status.IsLive() || agent.LastHeartbeat == nil {
			continue
		}
		age := now.Sub(*agent.LastHeartbeat)
		if age <= o.config.HeartbeatTimeout {
			continue
		}
		o.logger.WithAgent(agent.AgentID).
			WithField("age_seconds", int(age.Seconds())).
			Warn("agent missed heartbeat")
		o.pool.MarkError(agent.AgentID, "heartbeat timeout")
		if o.monitor != nil {
			o.monitor.RecordHeartbeatTimeout()
		}
	}
}

func (o *Orchestrator) recordPoolStats() {
	if o.monitor == nil {
		return
	}
	stats := o.pool.GetPoolStats()
	for status, count := range stats.ByStatus {
		o.monitor.SetAgentCount(string(status), count)
	}
}

// captureSnapshot builds a full snapshot for one agent: pool state and
// config, working-memory contents, and in-flight tasks.
func (o *Orchestrator) captureSnapshot(ctx context.Context, agentID string) (*types.AgentSnapshot, error) {
	state, config, err := o.pool.Snapshot(agentID)
	if err != nil {
		return nil, err
	}

	snap := &types.AgentSnapshot{
		AgentID: agentID,
		State:   *state,
	}
	if config != nil {
		snap.Config = *config
	}
	if o.memory != nil {
		if memState, err := o.memory.Dump(ctx, agentID); err == nil && len(memState) > 0 {
			snap.MemoryState = memState
		}
	}

	o.taskMu.RLock()
	for _, task := range o.tasks {
		if task.AgentID == agentID && !task.Status.IsTerminal() {
			snap.PendingTasks = append(snap.PendingTasks, task)
		}
	}
	o.taskMu.RUnlock()

	if o.monitor != nil {
		o.monitor.RecordSnapshotTaken()
	}
	return snap, nil
}

// publishEvent emits a lifecycle event to the events channel.
func (o *Orchestrator) publishEvent(ctx context.Context, payload types.Payload) {
	msg := types.NewMessage(OrchestratorID, types.BroadcastTarget, types.MessageTypeEvent, payload)
	if err := o.broker.Publish(ctx, broker.EventsChannel, msg); err != nil {
		o.logger.WithError(err).Warn("event publish failed")
	}
}
