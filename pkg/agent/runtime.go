// Package agent is the execution engine that runs inside each agent
// container: it receives tasks over the broker, executes them through
// registered handlers, and reports health to the orchestrator.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/MycosoftLabs/mas-runtime/pkg/broker"
	"github.com/MycosoftLabs/mas-runtime/pkg/logging"
	"github.com/MycosoftLabs/mas-runtime/pkg/memory"
	"github.com/MycosoftLabs/mas-runtime/pkg/snapshot"
	"github.com/MycosoftLabs/mas-runtime/pkg/types"
)

// HandlerFunc executes one task and returns its result payload.
type HandlerFunc func(ctx context.Context, task *types.AgentTask) (types.Payload, error)

// Options configures a Runtime.
type Options struct {
	Config *types.AgentConfig
	Broker broker.Broker

	// Activity posts task executions to the long-term activity log.
	// Nil disables activity logging.
	Activity *memory.ActivityLogger

	// Snapshots persists on-demand snapshots. Nil disables the
	// snapshot command.
	Snapshots snapshot.Store

	// OrchestratorURL is used for best-effort register/deregister.
	// Empty disables registration.
	OrchestratorURL string

	// HTTPPort serves /health, /metrics and /status. Defaults to 8080;
	// negative disables the server.
	HTTPPort int
}

// Runtime is one agent's execution loop. Exactly one task runs at a
// time; the agent reports busy while executing.
type Runtime struct {
	config          *types.AgentConfig
	broker          broker.Broker
	activity        *memory.ActivityLogger
	snapshots       *snapshot.Manager
	orchestratorURL string
	httpPort        int
	logger          *logging.Logger
	httpClient      *http.Client
	prom            *agentMetrics

	handlers map[string]HandlerFunc
	queue    *taskQueue

	mu             sync.RWMutex
	status         types.AgentStatus
	startedAt      *time.Time
	currentTask    *types.AgentTask
	tasksCompleted int
	tasksFailed    int

	server  *http.Server
	cancel  context.CancelFunc
	stopped chan struct{}
	once    sync.Once
}

// New creates a runtime for the given agent config.
func New(opts Options) (*Runtime, error) {
	if opts.Config == nil || opts.Config.AgentID == "" {
		return nil, fmt.Errorf("agent config with agent_id is required")
	}
	if opts.Broker == nil {
		return nil, fmt.Errorf("broker is required")
	}
	opts.Config.ApplyDefaults()

	port := opts.HTTPPort
	if port == 0 {
		port = 8080
	}

	r := &Runtime{
		config:          opts.Config,
		broker:          opts.Broker,
		activity:        opts.Activity,
		orchestratorURL: opts.OrchestratorURL,
		httpPort:        port,
		logger:          logging.GetLogger().WithComponent("agent").WithAgent(opts.Config.AgentID),
		httpClient:      &http.Client{Timeout: 10 * time.Second},
		prom:            newAgentMetrics(opts.Config.AgentID),
		handlers:        make(map[string]HandlerFunc),
		queue:           newTaskQueue(),
		status:          types.AgentStatusSpawning,
		stopped:         make(chan struct{}),
	}

	if opts.Snapshots != nil {
		r.snapshots = snapshot.NewManager(opts.Snapshots, snapshot.ManagerConfig{}, r.capture)
	}
	return r, nil
}

// RegisterHandler installs the handler for a task type. Registering the
// same type twice replaces the handler.
func (r *Runtime) RegisterHandler(taskType string, handler HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[taskType] = handler
}

// Start connects the broker, registers with the orchestrator and runs
// the heartbeat and task loops. Broker connection failure is fatal;
// orchestrator registration is best-effort.
func (r *Runtime) Start(ctx context.Context) error {
	r.logger.Info("starting agent runtime")

	now := time.Now().UTC()
	r.mu.Lock()
	r.startedAt = &now
	r.mu.Unlock()

	if err := r.broker.Subscribe(ctx, broker.AgentChannel(r.config.AgentID), r.handleMessage); err != nil {
		return fmt.Errorf("failed to subscribe to agent channel: %w", err)
	}

	if r.httpPort > 0 {
		r.startHTTPServer()
	}

	r.registerWithOrchestrator(ctx)

	r.setStatus(types.AgentStatusActive)

	loopCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	go r.heartbeatLoop(loopCtx)
	go r.taskLoop(loopCtx)

	r.logger.Info("agent is now active")
	return nil
}

// Stop shuts the runtime down. An in-flight task is abandoned.
func (r *Runtime) Stop(ctx context.Context) error {
	var err error
	r.once.Do(func() {
		r.logger.Info("stopping agent runtime")
		r.setStatus(types.AgentStatusShutdown)

		r.deregisterFromOrchestrator(ctx)

		if r.cancel != nil {
			r.cancel()
		}
		close(r.stopped)

		if r.server != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			r.server.Shutdown(shutdownCtx)
		}

		err = r.broker.Close()
		r.logger.Info("agent stopped")
	})
	return err
}

// Done is closed once Stop has run.
func (r *Runtime) Done() <-chan struct{} {
	return r.stopped
}

// Status returns the agent's current status.
func (r *Runtime) Status() types.AgentStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// State builds the agent's current observable state.
func (r *Runtime) State() *types.AgentState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now().UTC()
	state := &types.AgentState{
		AgentID:        r.config.AgentID,
		Status:         r.status,
		StartedAt:      r.startedAt,
		LastHeartbeat:  &now,
		TasksCompleted: r.tasksCompleted,
		TasksFailed:    r.tasksFailed,
	}
	if r.currentTask != nil {
		state.CurrentTaskID = r.currentTask.ID
	}
	return state
}

// Metrics builds the agent's current metrics.
func (r *Runtime) Metrics() *types.AgentMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	uptime := 0
	if r.startedAt != nil {
		uptime = int(time.Since(*r.startedAt).Seconds())
	}
	return &types.AgentMetrics{
		AgentID:        r.config.AgentID,
		Timestamp:      time.Now().UTC(),
		TasksCompleted: r.tasksCompleted,
		TasksFailed:    r.tasksFailed,
		UptimeSeconds:  uptime,
	}
}

// QueuedTasks returns the number of tasks waiting for execution.
func (r *Runtime) QueuedTasks() int {
	return r.queue.len()
}

func (r *Runtime) setStatus(status types.AgentStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = status
}

// handleMessage dispatches one delivered broker message. Malformed or
// unexpected messages are logged and dropped, never fatal.
func (r *Runtime) handleMessage(ctx context.Context, msg *types.AgentMessage) {
	switch msg.Type {
	case types.MessageTypeCommand:
		r.handleCommand(ctx, msg)
	case types.MessageTypeRequest:
		taskType := msg.Payload.String("task_type")
		if taskType == "" {
			taskType = "unknown"
		}
		task := types.NewTask(r.config.AgentID, taskType, msg.Payload)
		task.Priority = msg.Priority
		task.RequesterAgent = msg.FromAgent
		if id := msg.Payload.String("task_id"); id != "" {
			task.ID = id
		}
		r.queue.push(task, msg.ID)
	default:
		// Events and broadcasts are informational for the base runtime.
	}
}

// handleCommand reacts immediately, outside the task queue.
func (r *Runtime) handleCommand(ctx context.Context, msg *types.AgentMessage) {
	switch command := msg.Payload.String("command"); command {
	case "pause":
		r.setStatus(types.AgentStatusPaused)
		r.logger.Info("agent paused")
	case "resume":
		r.setStatus(types.AgentStatusActive)
		r.logger.Info("agent resumed")
		select {
		case r.queue.notify <- struct{}{}:
		default:
		}
	case "stop":
		go r.Stop(context.Background())
	case "snapshot":
		reason := types.SnapshotReason(msg.Payload.String("reason"))
		if reason == "" {
			reason = types.SnapshotReasonManual
		}
		if r.snapshots == nil {
			r.logger.Warn("snapshot command received but no store configured")
			return
		}
		if _, err := r.snapshots.Take(ctx, r.config.AgentID, reason); err != nil {
			r.logger.WithError(err).Error("snapshot failed")
		} else {
			r.logger.WithField("reason", string(reason)).Info("snapshot created")
		}
	default:
		r.logger.WithField("command", command).Warn("unknown command")
	}
}

// capture builds a snapshot of the runtime's current state.
func (r *Runtime) capture(ctx context.Context, agentID string) (*types.AgentSnapshot, error) {
	return &types.AgentSnapshot{
		AgentID:      agentID,
		State:        *r.State(),
		Config:       *r.config,
		PendingTasks: r.queue.snapshot(),
	}, nil
}

// taskLoop executes queued tasks one at a time. Paused agents keep
// queueing but do not dequeue.
func (r *Runtime) taskLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.queue.notify:
		case <-ticker.C:
		}

		for {
			if status := r.Status(); status == types.AgentStatusPaused || status == types.AgentStatusShutdown {
				break
			}
			item := r.queue.pop()
			if item == nil {
				break
			}
			r.executeTask(ctx, item)
		}
	}
}

// executeTask runs one task through its handler, reports the result to
// the requester, and logs the execution. Handler errors and panics are
// recorded on the task and never escape the loop.
func (r *Runtime) executeTask(ctx context.Context, item *queuedTask) {
	task := item.task
	now := time.Now().UTC()
	task.StartedAt = &now
	task.Status = types.TaskStatusRunning

	r.mu.Lock()
	r.status = types.AgentStatusBusy
	r.currentTask = task
	r.mu.Unlock()

	result, err := r.runHandler(ctx, task)

	done := time.Now().UTC()
	task.CompletedAt = &done

	r.mu.Lock()
	if err != nil {
		task.Status = types.TaskStatusFailed
		task.Error = err.Error()
		r.tasksFailed++
	} else {
		task.Status = types.TaskStatusCompleted
		task.Result = result
		r.tasksCompleted++
	}
	r.currentTask = nil
	if r.status == types.AgentStatusBusy {
		r.status = types.AgentStatusActive
	}
	r.mu.Unlock()

	r.prom.observeTask(done.Sub(now), err != nil)

	if err != nil {
		r.logger.WithError(err).WithField("task_id", task.ID).Error("task failed")
	}

	if task.RequesterAgent != "" {
		r.sendTaskResponse(ctx, task, item.correlationID)
	}
	r.logActivity(ctx, task)
}

// runHandler dispatches to the registered handler with the task's
// timeout applied. Unknown task types produce a structured unsupported
// result rather than an error.
func (r *Runtime) runHandler(ctx context.Context, task *types.AgentTask) (result types.Payload, err error) {
	r.mu.RLock()
	handler, ok := r.handlers[task.TaskType]
	supported := make([]string, 0, len(r.handlers))
	for taskType := range r.handlers {
		supported = append(supported, taskType)
	}
	r.mu.RUnlock()

	if !ok {
		return types.Payload{
			"status":          "unsupported",
			"task_type":       task.TaskType,
			"supported_types": supported,
		}, nil
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()

	taskCtx := ctx
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}
	return handler(taskCtx, task)
}

// sendTaskResponse reports a finished task back to its requester with
// the correlation ID of the originating request.
func (r *Runtime) sendTaskResponse(ctx context.Context, task *types.AgentTask, correlationID string) {
	response := types.NewMessage(r.config.AgentID, task.RequesterAgent, types.MessageTypeResponse, types.Payload{
		"task_id": task.ID,
		"status":  string(task.Status),
		"result":  map[string]interface{}(task.Result),
		"error":   task.Error,
	})
	response.CorrelationID = correlationID

	if err := r.broker.Publish(ctx, broker.AgentChannel(task.RequesterAgent), response); err != nil {
		r.logger.WithError(err).WithField("task_id", task.ID).Warn("task response publish failed")
	}
}

func (r *Runtime) logActivity(ctx context.Context, task *types.AgentTask) {
	if r.activity == nil {
		return
	}
	duration := int64(0)
	if task.StartedAt != nil && task.CompletedAt != nil {
		duration = task.CompletedAt.Sub(*task.StartedAt).Milliseconds()
	}
	output := ""
	if task.Result != nil {
		output = fmt.Sprintf("%v", map[string]interface{}(task.Result))
	}
	r.activity.Record(ctx, &types.ActivityRecord{
		AgentID:       r.config.AgentID,
		ActionType:    task.TaskType,
		InputSummary:  fmt.Sprintf("%v", map[string]interface{}(task.Payload)),
		OutputSummary: output,
		Success:       task.Status == types.TaskStatusCompleted,
		DurationMS:    duration,
	})
}

// heartbeatLoop publishes liveness to the orchestrator. Publish errors
// are logged and the loop continues.
func (r *Runtime) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(r.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.sendHeartbeat(ctx); err != nil {
				r.logger.WithError(err).Error("heartbeat failed")
			}
		}
	}
}

func (r *Runtime) sendHeartbeat(ctx context.Context) error {
	r.mu.RLock()
	currentTaskID := ""
	if r.currentTask != nil {
		currentTaskID = r.currentTask.ID
	}
	payload := types.Payload{
		"status":          string(r.status),
		"tasks_completed": r.tasksCompleted,
		"tasks_failed":    r.tasksFailed,
		"current_task":    currentTaskID,
	}
	r.mu.RUnlock()

	msg := types.NewMessage(r.config.AgentID, "orchestrator", types.MessageTypeHeartbeat, payload)
	if err := r.broker.Publish(ctx, broker.HeartbeatChannel, msg); err != nil {
		return err
	}
	r.prom.heartbeatsSent.Inc()
	return nil
}

// registerWithOrchestrator announces this agent over HTTP. Failures are
// logged; the agent still runs.
func (r *Runtime) registerWithOrchestrator(ctx context.Context) {
	if r.orchestratorURL == "" {
		return
	}
	body, err := json.Marshal(map[string]interface{}{
		"agent_id": r.config.AgentID,
		"config":   r.config,
		"status":   string(r.Status()),
	})
	if err != nil {
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		r.orchestratorURL+"/agents/register", bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		r.logger.WithError(err).Warn("orchestrator registration failed")
		return
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		r.logger.Info("registered with orchestrator")
	} else {
		r.logger.WithField("status", resp.StatusCode).Warn("orchestrator registration rejected")
	}
}

func (r *Runtime) deregisterFromOrchestrator(ctx context.Context) {
	if r.orchestratorURL == "" {
		return
	}
	url := fmt.Sprintf("%s/agents/%s/deregister", r.orchestratorURL, r.config.AgentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		r.logger.WithError(err).Warn("orchestrator deregistration failed")
		return
	}
	resp.Body.Close()
}
