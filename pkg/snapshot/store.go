// Package snapshot persists point-in-time agent captures for recovery.
package snapshot

import (
	"context"

	"github.com/MycosoftLabs/mas-runtime/pkg/types"
)

// Store persists agent snapshots. Snapshots are immutable once saved;
// the only mutation is deletion by retention policy or agent removal.
type Store interface {
	// SaveSnapshot persists a snapshot.
	SaveSnapshot(ctx context.Context, snap *types.AgentSnapshot) error

	// GetSnapshot returns a snapshot by ID.
	GetSnapshot(ctx context.Context, id string) (*types.AgentSnapshot, error)

	// ListSnapshots returns all snapshots for an agent, newest first.
	ListSnapshots(ctx context.Context, agentID string) ([]*types.AgentSnapshot, error)

	// LatestSnapshot returns the most recent snapshot for an agent.
	LatestSnapshot(ctx context.Context, agentID string) (*types.AgentSnapshot, error)

	// DeleteSnapshot removes a snapshot by ID.
	DeleteSnapshot(ctx context.Context, id string) error

	// DeleteAgentSnapshots removes all snapshots for an agent.
	DeleteAgentSnapshots(ctx context.Context, agentID string) error

	// Close releases store resources.
	Close() error
}
