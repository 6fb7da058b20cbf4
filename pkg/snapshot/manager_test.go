package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/MycosoftLabs/mas-runtime/pkg/errors"
	"github.com/MycosoftLabs/mas-runtime/pkg/types"
)

func testCapture(ctx context.Context, agentID string) (*types.AgentSnapshot, error) {
	return &types.AgentSnapshot{
		State:  types.AgentState{AgentID: agentID, Status: types.AgentStatusActive},
		Config: types.AgentConfig{AgentID: agentID, AgentType: "test"},
	}, nil
}

func TestTakeAndRestoreLatest(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store, ManagerConfig{KeepCount: 10, MaxAgeDays: 30}, testCapture)

	ctx := context.Background()
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	mgr.now = func() time.Time { return now }

	first, err := mgr.Take(ctx, "agent-1", types.SnapshotReasonManual)
	if err != nil {
		t.Fatalf("Take failed: %v", err)
	}

	now = now.Add(time.Hour)
	second, err := mgr.Take(ctx, "agent-1", types.SnapshotReasonScheduled)
	if err != nil {
		t.Fatalf("Take failed: %v", err)
	}

	latest, err := mgr.RestoreLatest(ctx, "agent-1")
	if err != nil {
		t.Fatalf("RestoreLatest failed: %v", err)
	}
	if latest.ID != second.ID {
		t.Errorf("expected latest %s, got %s", second.ID, latest.ID)
	}
	if latest.Reason != types.SnapshotReasonScheduled {
		t.Errorf("expected scheduled reason, got %s", latest.Reason)
	}

	got, err := mgr.Get(ctx, first.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.AgentID != "agent-1" {
		t.Errorf("expected agent-1, got %s", got.AgentID)
	}
}

func TestRestoreLatestEmpty(t *testing.T) {
	mgr := NewManager(NewMemoryStore(), ManagerConfig{}, testCapture)

	_, err := mgr.RestoreLatest(context.Background(), "nobody")
	if !errors.Is(err, errors.ErrSnapshotNotFound) {
		t.Errorf("expected ErrSnapshotNotFound, got %v", err)
	}
}

func TestPruneKeepsRetentionFloor(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store, ManagerConfig{KeepCount: 3, MaxAgeDays: 7}, testCapture)

	ctx := context.Background()

	// Five snapshots all well past the age limit
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := base
	mgr.now = func() time.Time { return clock }
	for i := 0; i < 5; i++ {
		clock = base.Add(time.Duration(i) * time.Hour)
		if _, err := mgr.Take(ctx, "agent-1", types.SnapshotReasonScheduled); err != nil {
			t.Fatalf("Take failed: %v", err)
		}
	}

	// Prune from a vantage point a year later
	clock = base.AddDate(1, 0, 0)
	if err := mgr.Prune(ctx, "agent-1"); err != nil {
		t.Fatalf("Prune failed: %v", err)
	}

	snaps, err := store.ListSnapshots(ctx, "agent-1")
	if err != nil {
		t.Fatalf("ListSnapshots failed: %v", err)
	}

	// The newest KeepCount survive even though every snapshot is older
	// than MaxAgeDays
	if len(snaps) != 3 {
		t.Fatalf("expected 3 snapshots retained, got %d", len(snaps))
	}
	for i := 1; i < len(snaps); i++ {
		if snaps[i].SnapshotTime.After(snaps[i-1].SnapshotTime) {
			t.Errorf("snapshots not ordered newest first")
		}
	}
}

func TestPruneSparesRecentBeyondFloor(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store, ManagerConfig{KeepCount: 2, MaxAgeDays: 7}, testCapture)

	ctx := context.Background()
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	clock := now
	mgr.now = func() time.Time { return clock }

	// Four recent snapshots, none older than the age limit
	for i := 0; i < 4; i++ {
		clock = now.Add(time.Duration(i) * time.Hour)
		if _, err := mgr.Take(ctx, "agent-1", types.SnapshotReasonScheduled); err != nil {
			t.Fatalf("Take failed: %v", err)
		}
	}

	clock = now.Add(5 * time.Hour)
	if err := mgr.Prune(ctx, "agent-1"); err != nil {
		t.Fatalf("Prune failed: %v", err)
	}

	snaps, _ := store.ListSnapshots(ctx, "agent-1")
	if len(snaps) != 4 {
		t.Errorf("recent snapshots beyond the floor must not be pruned, got %d", len(snaps))
	}
}

func TestRemoveDeletesAllSnapshots(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store, ManagerConfig{KeepCount: 10}, testCapture)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := mgr.Take(ctx, "agent-1", types.SnapshotReasonManual); err != nil {
			t.Fatalf("Take failed: %v", err)
		}
	}

	if err := mgr.Remove(ctx, "agent-1"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	snaps, _ := store.ListSnapshots(ctx, "agent-1")
	if len(snaps) != 0 {
		t.Errorf("expected no snapshots after removal, got %d", len(snaps))
	}
}
