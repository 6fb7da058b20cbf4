package snapshot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MycosoftLabs/mas-runtime/pkg/logging"
	"github.com/MycosoftLabs/mas-runtime/pkg/types"
)

// CaptureFunc produces the snapshot content for one agent. The pool
// supplies this so the manager never reaches into runtime internals.
type CaptureFunc func(ctx context.Context, agentID string) (*types.AgentSnapshot, error)

// ManagerConfig holds snapshot scheduling and retention settings.
type ManagerConfig struct {
	// Interval between scheduled snapshots; zero disables scheduling
	Interval time.Duration

	// KeepCount snapshots are always retained regardless of age.
	// Zero disables pruning entirely.
	KeepCount int

	// MaxAgeDays prunes snapshots beyond KeepCount older than this.
	// Zero disables age-based pruning.
	MaxAgeDays int
}

// Manager takes, schedules, restores, and prunes agent snapshots.
type Manager struct {
	store   Store
	config  ManagerConfig
	capture CaptureFunc
	logger  *logging.Logger

	mu      sync.Mutex
	agents  map[string]bool
	cancel  context.CancelFunc
	started bool

	now func() time.Time
}

// NewManager creates a snapshot manager over the given store.
func NewManager(store Store, config ManagerConfig, capture CaptureFunc) *Manager {
	return &Manager{
		store:   store,
		config:  config,
		capture: capture,
		logger:  logging.GetLogger().WithComponent("snapshot"),
		agents:  make(map[string]bool),
		now:     time.Now,
	}
}

// Register enrolls an agent for scheduled snapshots.
func (m *Manager) Register(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[agentID] = true
}

// Deregister removes an agent from scheduled snapshots.
func (m *Manager) Deregister(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.agents, agentID)
}

// Take captures and persists a snapshot for an agent, then applies
// retention.
func (m *Manager) Take(ctx context.Context, agentID string, reason types.SnapshotReason) (*types.AgentSnapshot, error) {
	snap, err := m.capture(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to capture agent %s: %w", agentID, err)
	}

	snap.ID = uuid.NewString()
	snap.AgentID = agentID
	snap.SnapshotTime = m.now().UTC()
	snap.Reason = reason

	if err := m.store.SaveSnapshot(ctx, snap); err != nil {
		return nil, fmt.Errorf("failed to save snapshot for %s: %w", agentID, err)
	}

	if err := m.Prune(ctx, agentID); err != nil {
		m.logger.Warn("failed to prune snapshots for %s: %v", agentID, err)
	}

	m.logger.Debug("snapshot %s taken for agent %s (%s)", snap.ID, agentID, reason)
	return snap, nil
}

// RestoreLatest returns the most recent snapshot for an agent.
func (m *Manager) RestoreLatest(ctx context.Context, agentID string) (*types.AgentSnapshot, error) {
	return m.store.LatestSnapshot(ctx, agentID)
}

// List returns all snapshots for an agent, newest first.
func (m *Manager) List(ctx context.Context, agentID string) ([]*types.AgentSnapshot, error) {
	return m.store.ListSnapshots(ctx, agentID)
}

// Get returns a snapshot by ID.
func (m *Manager) Get(ctx context.Context, id string) (*types.AgentSnapshot, error) {
	return m.store.GetSnapshot(ctx, id)
}

// Remove deletes all snapshots for an agent.
func (m *Manager) Remove(ctx context.Context, agentID string) error {
	m.Deregister(agentID)
	return m.store.DeleteAgentSnapshots(ctx, agentID)
}

// Prune applies retention: the KeepCount newest snapshots are always
// kept; beyond those, snapshots older than MaxAgeDays are deleted.
func (m *Manager) Prune(ctx context.Context, agentID string) error {
	if m.config.KeepCount <= 0 {
		return nil
	}

	snaps, err := m.store.ListSnapshots(ctx, agentID)
	if err != nil {
		return err
	}
	if len(snaps) <= m.config.KeepCount {
		return nil
	}

	if m.config.MaxAgeDays <= 0 {
		return nil
	}
	cutoff := m.now().UTC().AddDate(0, 0, -m.config.MaxAgeDays)

	// snaps is newest-first; only candidates past the retention floor
	// are eligible for deletion
	for _, snap := range snaps[m.config.KeepCount:] {
		if snap.SnapshotTime.Before(cutoff) {
			if err := m.store.DeleteSnapshot(ctx, snap.ID); err != nil {
				return err
			}
			m.logger.Debug("pruned snapshot %s for agent %s", snap.ID, agentID)
		}
	}
	return nil
}

// Start begins the scheduled snapshot loop.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return fmt.Errorf("snapshot manager already started")
	}
	if m.config.Interval <= 0 {
		return nil // scheduling disabled
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.started = true

	go m.scheduleLoop(loopCtx)
	return nil
}

// Stop halts the scheduled snapshot loop.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.started = false
}

// scheduleLoop snapshots every registered agent each interval.
func (m *Manager) scheduleLoop(ctx context.Context) {
	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			ids := make([]string, 0, len(m.agents))
			for id := range m.agents {
				ids = append(ids, id)
			}
			m.mu.Unlock()

			for _, agentID := range ids {
				if _, err := m.Take(ctx, agentID, types.SnapshotReasonScheduled); err != nil {
					m.logger.Warn("scheduled snapshot failed for %s: %v", agentID, err)
				}
			}
		}
	}
}
