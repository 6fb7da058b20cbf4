package snapshot

import (
	"context"
	"sort"
	"sync"

	"github.com/MycosoftLabs/mas-runtime/pkg/errors"
	"github.com/MycosoftLabs/mas-runtime/pkg/types"
)

// MemoryStore implements Store in memory. Used for tests and local
// development.
type MemoryStore struct {
	mu    sync.RWMutex
	byID  map[string]*types.AgentSnapshot
	byAgt map[string][]string // agentID -> snapshot IDs
}

// NewMemoryStore creates an in-memory snapshot store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:  make(map[string]*types.AgentSnapshot),
		byAgt: make(map[string][]string),
	}
}

// SaveSnapshot persists a snapshot.
func (s *MemoryStore) SaveSnapshot(ctx context.Context, snap *types.AgentSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *snap
	s.byID[snap.ID] = &copied
	s.byAgt[snap.AgentID] = append(s.byAgt[snap.AgentID], snap.ID)
	return nil
}

// GetSnapshot returns a snapshot by ID.
func (s *MemoryStore) GetSnapshot(ctx context.Context, id string) (*types.AgentSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.byID[id]
	if !ok {
		return nil, errors.ErrSnapshotNotFound
	}
	copied := *snap
	return &copied, nil
}

// ListSnapshots returns all snapshots for an agent, newest first.
func (s *MemoryStore) ListSnapshots(ctx context.Context, agentID string) ([]*types.AgentSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var snaps []*types.AgentSnapshot
	for _, id := range s.byAgt[agentID] {
		if snap, ok := s.byID[id]; ok {
			copied := *snap
			snaps = append(snaps, &copied)
		}
	}

	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].SnapshotTime.After(snaps[j].SnapshotTime)
	})
	return snaps, nil
}

// LatestSnapshot returns the most recent snapshot for an agent.
func (s *MemoryStore) LatestSnapshot(ctx context.Context, agentID string) (*types.AgentSnapshot, error) {
	snaps, err := s.ListSnapshots(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, errors.ErrSnapshotNotFound
	}
	return snaps[0], nil
}

// DeleteSnapshot removes a snapshot by ID.
func (s *MemoryStore) DeleteSnapshot(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, ok := s.byID[id]
	if !ok {
		return errors.ErrSnapshotNotFound
	}
	delete(s.byID, id)

	ids := s.byAgt[snap.AgentID]
	for i, sid := range ids {
		if sid == id {
			s.byAgt[snap.AgentID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	return nil
}

// DeleteAgentSnapshots removes all snapshots for an agent.
func (s *MemoryStore) DeleteAgentSnapshots(ctx context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.byAgt[agentID] {
		delete(s.byID, id)
	}
	delete(s.byAgt, agentID)
	return nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}
