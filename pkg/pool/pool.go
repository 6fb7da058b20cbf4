// Package pool supervises the fleet of agent containers.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MycosoftLabs/mas-runtime/pkg/container"
	"github.com/MycosoftLabs/mas-runtime/pkg/errors"
	"github.com/MycosoftLabs/mas-runtime/pkg/logging"
	"github.com/MycosoftLabs/mas-runtime/pkg/types"
	"github.com/MycosoftLabs/mas-runtime/pkg/validation"
)

// Config holds pool behavior settings.
type Config struct {
	// DefaultImage is used when a spawn request names no image
	DefaultImage string

	// StopTimeout bounds graceful container stops
	StopTimeout time.Duration

	// RestartPause is the delay between stop and respawn on restart
	RestartPause time.Duration

	// ImagePolicy constrains which container images agents may run
	ImagePolicy validation.Policy
}

// DefaultConfig returns pool defaults.
func DefaultConfig() Config {
	return Config{
		DefaultImage: "mas-agent:latest",
		StopTimeout:  30 * time.Second,
		RestartPause: 2 * time.Second,
		ImagePolicy:  validation.DefaultPolicy(),
	}
}

// record pairs an agent's observed state with the config it was
// spawned from. External agents carry no container.
type record struct {
	state    *types.AgentState
	config   *types.AgentConfig
	image    string
	external bool
}

// Stats summarizes the pool for status endpoints and metrics.
type Stats struct {
	Total    int                         `json:"total"`
	ByStatus map[types.AgentStatus]int   `json:"by_status"`
	ByCat    map[types.AgentCategory]int `json:"by_category"`
}

// Pool tracks every known agent and drives its container lifecycle.
// One live instance exists per agent id; restarts replace it.
type Pool struct {
	runtime container.Runtime
	config  Config
	logger  *logging.Logger

	agents map[string]*record
	mu     sync.RWMutex
}

// New creates a pool over the given container runtime.
func New(runtime container.Runtime, config Config) *Pool {
	if config.DefaultImage == "" {
		config.DefaultImage = "mas-agent:latest"
	}
	if config.StopTimeout <= 0 {
		config.StopTimeout = 30 * time.Second
	}
	if config.RestartPause <= 0 {
		config.RestartPause = 2 * time.Second
	}
	if policy := config.ImagePolicy; len(policy.AllowedRegistries) == 0 &&
		len(policy.BlockedRegistries) == 0 && !policy.AllowLatestTag && !policy.RequireDigest {
		config.ImagePolicy = validation.DefaultPolicy()
	}
	return &Pool{
		runtime: runtime,
		config:  config,
		logger:  logging.GetLogger().WithComponent("pool"),
		agents:  make(map[string]*record),
	}
}

// SpawnAgent creates and starts a container for the agent. Spawning an
// agent that is already active or busy returns its current state
// unchanged.
func (p *Pool) SpawnAgent(ctx context.Context, config *types.AgentConfig) (*types.AgentState, error) {
	if config == nil || config.AgentID == "" {
		return nil, fmt.Errorf("agent config with agent_id is required")
	}
	config.ApplyDefaults()

	image := p.imageFor(config)
	if _, err := validation.CheckImage(image, p.config.ImagePolicy); err != nil {
		return nil, fmt.Errorf("rejected image for agent %s: %w", config.AgentID, err)
	}

	p.mu.Lock()
	if existing, ok := p.agents[config.AgentID]; ok {
		// A spawning record means another caller is between the state
		// table and CreateAgent; a second container must not start.
		if existing.state.Status.IsLive() || existing.state.Status == types.AgentStatusSpawning {
			state := copyState(existing.state)
			p.mu.Unlock()
			p.logger.WithAgent(config.AgentID).Info("agent already running, spawn is a no-op")
			return state, nil
		}
	}

	now := time.Now().UTC()
	rec := &record{
		state: &types.AgentState{
			AgentID:   config.AgentID,
			Status:    types.AgentStatusSpawning,
			StartedAt: &now,
		},
		config: config,
		image:  image,
	}
	p.agents[config.AgentID] = rec
	p.mu.Unlock()

	containerID, err := p.runtime.CreateAgent(ctx, &container.Spec{
		Config: config,
		Image:  rec.image,
	})

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		rec.state.Status = types.AgentStatusError
		rec.state.ErrorMessage = err.Error()
		p.logger.WithAgent(config.AgentID).WithError(err).Error("agent spawn failed")
		return copyState(rec.state), fmt.Errorf("failed to spawn agent %s: %w", config.AgentID, err)
	}

	rec.state.ContainerID = containerID
	rec.state.Status = types.AgentStatusActive
	rec.state.ErrorMessage = ""
	p.logger.WithAgent(config.AgentID).WithField("container_id", containerID).Info("agent spawned")
	return copyState(rec.state), nil
}

// StopAgent stops an agent's container. It returns false when the
// agent is unknown. With force the container is killed immediately.
func (p *Pool) StopAgent(ctx context.Context, agentID string, force bool) bool {
	p.mu.RLock()
	rec, ok := p.agents[agentID]
	p.mu.RUnlock()
	if !ok {
		return false
	}

	timeout := p.config.StopTimeout
	if force {
		timeout = 0
	}

	status := types.AgentStatusShutdown
	if !rec.external {
		if err := p.runtime.StopAgent(ctx, agentID, timeout); err != nil {
			p.logger.WithAgent(agentID).WithError(err).Warn("container stop failed")
			status = types.AgentStatusDead
		}
	}

	p.mu.Lock()
	rec.state.Status = status
	rec.state.CurrentTaskID = ""
	p.mu.Unlock()

	p.logger.WithAgent(agentID).Info("agent stopped")
	return true
}

// RestartAgent stops the agent and respawns it from its recorded
// config.
func (p *Pool) RestartAgent(ctx context.Context, agentID string) (*types.AgentState, error) {
	p.mu.RLock()
	rec, ok := p.agents[agentID]
	p.mu.RUnlock()
	if !ok || rec.config == nil {
		return nil, fmt.Errorf("%w: no recorded config for agent %s", errors.ErrAgentNotFound, agentID)
	}

	p.StopAgent(ctx, agentID, false)

	if !rec.external {
		if err := p.runtime.RemoveAgent(ctx, agentID, true); err != nil {
			p.logger.WithAgent(agentID).WithError(err).Warn("container removal before restart failed")
		}
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(p.config.RestartPause):
	}

	return p.SpawnAgent(ctx, rec.config)
}

// RegisterAgent records an externally managed agent (one whose process
// the pool did not spawn). The agent reports as active immediately.
func (p *Pool) RegisterAgent(config *types.AgentConfig) (*types.AgentState, error) {
	if config == nil || config.AgentID == "" {
		return nil, fmt.Errorf("agent config with agent_id is required")
	}
	config.ApplyDefaults()

	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.agents[config.AgentID]; ok && existing.state.Status.IsLive() {
		return copyState(existing.state), nil
	}

	now := time.Now().UTC()
	rec := &record{
		state: &types.AgentState{
			AgentID:       config.AgentID,
			Status:        types.AgentStatusActive,
			StartedAt:     &now,
			LastHeartbeat: &now,
		},
		config:   config,
		external: true,
	}
	p.agents[config.AgentID] = rec

	p.logger.WithAgent(config.AgentID).Info("external agent registered")
	return copyState(rec.state), nil
}

// DeregisterAgent removes an agent's record entirely.
func (p *Pool) DeregisterAgent(agentID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.agents[agentID]; !ok {
		return false
	}
	delete(p.agents, agentID)
	p.logger.WithAgent(agentID).Info("agent deregistered")
	return true
}

// GetAgentState returns a copy of one agent's state.
func (p *Pool) GetAgentState(agentID string) (*types.AgentState, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	rec, ok := p.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errors.ErrAgentNotFound, agentID)
	}
	return copyState(rec.state), nil
}

// GetAgentConfig returns a copy of the config an agent was spawned
// from.
func (p *Pool) GetAgentConfig(agentID string) (*types.AgentConfig, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	rec, ok := p.agents[agentID]
	if !ok || rec.config == nil {
		return nil, fmt.Errorf("%w: %s", errors.ErrAgentNotFound, agentID)
	}
	configCopy := *rec.config
	return &configCopy, nil
}

// GetAllAgents returns copies of every agent state.
func (p *Pool) GetAllAgents() []*types.AgentState {
	p.mu.RLock()
	defer p.mu.RUnlock()

	states := make([]*types.AgentState, 0, len(p.agents))
	for _, rec := range p.agents {
		states = append(states, copyState(rec.state))
	}
	return states
}

// GetAgentsByStatus returns agents currently in the given status.
func (p *Pool) GetAgentsByStatus(status types.AgentStatus) []*types.AgentState {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var states []*types.AgentState
	for _, rec := range p.agents {
		if rec.state.Status == status {
			states = append(states, copyState(rec.state))
		}
	}
	return states
}

// GetAgentsByCategory returns agents spawned under the given category.
func (p *Pool) GetAgentsByCategory(category types.AgentCategory) []*types.AgentState {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var states []*types.AgentState
	for _, rec := range p.agents {
		if rec.config != nil && rec.config.Category == category {
			states = append(states, copyState(rec.state))
		}
	}
	return states
}

// GetPoolStats returns agent counts by status and category.
func (p *Pool) GetPoolStats() *Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := &Stats{
		Total:    len(p.agents),
		ByStatus: make(map[types.AgentStatus]int),
		ByCat:    make(map[types.AgentCategory]int),
	}
	for _, rec := range p.agents {
		stats.ByStatus[rec.state.Status]++
		if rec.config != nil {
			stats.ByCat[rec.config.Category]++
		}
	}
	return stats
}

// UpdateHeartbeat records a heartbeat from an agent. Status moves with
// the report except out of error: an agent in error stays in error
// until health probing recovers it.
func (p *Pool) UpdateHeartbeat(agentID string, status types.AgentStatus, completed, failed int, currentTaskID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", errors.ErrAgentNotFound, agentID)
	}

	now := time.Now().UTC()
	rec.state.LastHeartbeat = &now
	rec.state.TasksCompleted = completed
	rec.state.TasksFailed = failed
	rec.state.CurrentTaskID = currentTaskID
	if rec.state.Status != types.AgentStatusError && rec.state.Status != types.AgentStatusDead && status != "" {
		rec.state.Status = status
	}
	return nil
}

// MarkError puts an agent into error with a message. Already-dead
// agents are left alone.
func (p *Pool) MarkError(agentID, message string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.agents[agentID]
	if !ok || rec.state.Status == types.AgentStatusDead {
		return
	}
	rec.state.Status = types.AgentStatusError
	rec.state.ErrorMessage = message
}

// SetStatus unconditionally sets an agent's status.
func (p *Pool) SetStatus(agentID string, status types.AgentStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if rec, ok := p.agents[agentID]; ok {
		rec.state.Status = status
	}
}

// UpdateAgentHealth probes every containerized agent:
//   - running container with agent in error: recovered, back to active
//   - stopped container with agent live: error
//   - agent in error with no container: dead
//   - missing container for a live agent: dead
//
// External agents are judged by heartbeats elsewhere and skipped here.
func (p *Pool) UpdateAgentHealth(ctx context.Context) {
	p.mu.RLock()
	ids := make([]string, 0, len(p.agents))
	for id, rec := range p.agents {
		if !rec.external {
			ids = append(ids, id)
		}
	}
	p.mu.RUnlock()

	for _, agentID := range ids {
		instance, err := p.runtime.GetInstance(ctx, agentID)

		p.mu.Lock()
		rec, ok := p.agents[agentID]
		if !ok {
			p.mu.Unlock()
			continue
		}

		switch {
		case err != nil || instance == nil:
			if rec.state.Status.IsLive() || rec.state.Status == types.AgentStatusError {
				rec.state.Status = types.AgentStatusDead
				rec.state.ErrorMessage = "container not found"
			}
		case instance.Running:
			if rec.state.Status == types.AgentStatusError {
				rec.state.Status = types.AgentStatusActive
				rec.state.ErrorMessage = ""
				p.logger.WithAgent(agentID).Info("agent recovered, container is running")
			}
		default:
			// Container exists but is not running
			if rec.state.Status == types.AgentStatusError {
				rec.state.Status = types.AgentStatusDead
			} else if rec.state.Status.IsLive() {
				rec.state.Status = types.AgentStatusError
				rec.state.ErrorMessage = fmt.Sprintf("container %s (exit code %d)", instance.State, instance.ExitCode)
			}
		}
		p.mu.Unlock()
	}

	p.sampleUsage(ctx)
}

// sampleUsage refreshes per-agent resource usage where the runtime
// supports it.
func (p *Pool) sampleUsage(ctx context.Context) {
	p.mu.RLock()
	var running []string
	for id, rec := range p.agents {
		if !rec.external && rec.state.Status.IsLive() {
			running = append(running, id)
		}
	}
	p.mu.RUnlock()

	for _, agentID := range running {
		stats, err := p.runtime.GetStats(ctx, agentID)
		if err != nil || stats == nil {
			continue
		}
		p.mu.Lock()
		if rec, ok := p.agents[agentID]; ok {
			rec.state.CPUUsage = stats.CPUPercent
			rec.state.MemoryUsageMB = stats.MemoryMB
		}
		p.mu.Unlock()
	}
}

// CleanupDeadAgents force-removes containers of dead agents. The
// AgentState records stay until deregistration.
func (p *Pool) CleanupDeadAgents(ctx context.Context) int {
	p.mu.RLock()
	var dead []string
	for id, rec := range p.agents {
		if !rec.external && rec.state.Status == types.AgentStatusDead && rec.state.ContainerID != "" {
			dead = append(dead, id)
		}
	}
	p.mu.RUnlock()

	removed := 0
	for _, agentID := range dead {
		if err := p.runtime.RemoveAgent(ctx, agentID, true); err != nil {
			p.logger.WithAgent(agentID).WithError(err).Warn("dead agent cleanup failed")
			continue
		}
		p.mu.Lock()
		if rec, ok := p.agents[agentID]; ok {
			rec.state.ContainerID = ""
		}
		p.mu.Unlock()
		removed++
	}
	return removed
}

// DiscoverAgents rebuilds pool state from labeled containers already
// running, recovering from an orchestrator restart.
func (p *Pool) DiscoverAgents(ctx context.Context) (int, error) {
	instances, err := p.runtime.ListInstances(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to discover agents: %w", err)
	}

	discovered := 0
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, instance := range instances {
		if instance.AgentID == "" {
			continue
		}
		if _, ok := p.agents[instance.AgentID]; ok {
			continue
		}

		status := types.AgentStatusActive
		if !instance.Running {
			status = types.AgentStatusDead
		}

		p.agents[instance.AgentID] = &record{
			state: &types.AgentState{
				AgentID:     instance.AgentID,
				Status:      status,
				ContainerID: instance.ContainerID,
				StartedAt:   instance.StartedAt,
			},
			config: &types.AgentConfig{
				AgentID:   instance.AgentID,
				AgentType: instance.Labels[container.LabelType],
				Category:  types.ParseCategory(instance.Labels[container.LabelCategory]),
			},
			image: instance.Image,
		}
		discovered++
	}

	if discovered > 0 {
		p.logger.WithField("count", discovered).Info("discovered running agents")
	}
	return discovered, nil
}

// Snapshot builds the lifecycle portion of an agent snapshot: current
// state plus spawn config. Memory contents are layered on by callers.
func (p *Pool) Snapshot(agentID string) (*types.AgentState, *types.AgentConfig, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	rec, ok := p.agents[agentID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", errors.ErrAgentNotFound, agentID)
	}
	state := copyState(rec.state)
	var config *types.AgentConfig
	if rec.config != nil {
		configCopy := *rec.config
		config = &configCopy
	}
	return state, config, nil
}

func (p *Pool) imageFor(config *types.AgentConfig) string {
	if img := config.Settings.String("image"); img != "" {
		return img
	}
	return p.config.DefaultImage
}

func copyState(s *types.AgentState) *types.AgentState {
	stateCopy := *s
	return &stateCopy
}
