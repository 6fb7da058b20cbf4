package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/MycosoftLabs/mas-runtime/pkg/errors"
	"github.com/MycosoftLabs/mas-runtime/pkg/types"
)

const (
	// snapPrefix keys snapshots by agent and timestamp so a prefix scan
	// returns one agent's snapshots in time order
	snapPrefix = "snap:"

	// idPrefix maps snapshot IDs to their primary keys
	idPrefix = "snapid:"
)

// BadgerStore implements Store on BadgerDB.
type BadgerStore struct {
	db     *badger.DB
	path   string
	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// BadgerConfig holds BadgerDB-specific configuration.
type BadgerConfig struct {
	Path string
}

// NewBadgerStore opens or creates a BadgerDB-backed snapshot store.
func NewBadgerStore(config BadgerConfig) (*BadgerStore, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("path is required for BadgerDB store")
	}

	opts := badger.DefaultOptions(config.Path)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	store := &BadgerStore{
		db:   db,
		path: config.Path,
		done: make(chan struct{}),
	}
	go store.runGC()

	return store, nil
}

// snapKey builds the primary key for a snapshot. The nanosecond
// timestamp is zero-padded so lexicographic order is time order.
func snapKey(agentID string, t time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", snapPrefix, agentID, t.UnixNano(), id))
}

// SaveSnapshot persists a snapshot and its ID index entry.
func (s *BadgerStore) SaveSnapshot(ctx context.Context, snap *types.AgentSnapshot) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return fmt.Errorf("snapshot store is closed")
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	key := snapKey(snap.AgentID, snap.SnapshotTime, snap.ID)
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(key, data); err != nil {
			return fmt.Errorf("failed to store snapshot: %w", err)
		}
		if err := txn.Set([]byte(idPrefix+snap.ID), key); err != nil {
			return fmt.Errorf("failed to index snapshot: %w", err)
		}
		return nil
	})
}

// GetSnapshot returns a snapshot by ID.
func (s *BadgerStore) GetSnapshot(ctx context.Context, id string) (*types.AgentSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("snapshot store is closed")
	}

	var snap *types.AgentSnapshot
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(idPrefix + id))
		if err == badger.ErrKeyNotFound {
			return errors.ErrSnapshotNotFound
		}
		if err != nil {
			return err
		}

		var key []byte
		if err := item.Value(func(val []byte) error {
			key = append([]byte{}, val...)
			return nil
		}); err != nil {
			return err
		}

		item, err = txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return errors.ErrSnapshotNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &snap)
		})
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// ListSnapshots returns all snapshots for an agent, newest first.
func (s *BadgerStore) ListSnapshots(ctx context.Context, agentID string) ([]*types.AgentSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("snapshot store is closed")
	}

	var snaps []*types.AgentSnapshot
	prefix := []byte(snapPrefix + agentID + ":")

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var snap types.AgentSnapshot
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &snap)
			}); err != nil {
				return err
			}
			snaps = append(snaps, &snap)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].SnapshotTime.After(snaps[j].SnapshotTime)
	})
	return snaps, nil
}

// LatestSnapshot returns the most recent snapshot for an agent.
func (s *BadgerStore) LatestSnapshot(ctx context.Context, agentID string) (*types.AgentSnapshot, error) {
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
func (s *BadgerStore) DeleteSnapshot(ctx context.Context, id string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return fmt.Errorf("snapshot store is closed")
	}

	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(idPrefix + id))
		if err == badger.ErrKeyNotFound {
			return errors.ErrSnapshotNotFound
		}
		if err != nil {
			return err
		}

		var key []byte
		if err := item.Value(func(val []byte) error {
			key = append([]byte{}, val...)
			return nil
		}); err != nil {
			return err
		}

		if err := txn.Delete(key); err != nil {
			return err
		}
		return txn.Delete([]byte(idPrefix + id))
	})
}

// DeleteAgentSnapshots removes all snapshots for an agent.
func (s *BadgerStore) DeleteAgentSnapshots(ctx context.Context, agentID string) error {
	snaps, err := s.ListSnapshots(ctx, agentID)
	if err != nil {
		return err
	}

	for _, snap := range snaps {
		if err := s.DeleteSnapshot(ctx, snap.ID); err != nil && !errors.Is(err, errors.ErrSnapshotNotFound) {
			return err
		}
	}
	return nil
}

// Close stops GC and closes the database.
func (s *BadgerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	return s.db.Close()
}

// runGC periodically reclaims value log space.
func (s *BadgerStore) runGC() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.RLock()
			closed := s.closed
			s.mu.RUnlock()
			if closed {
				return
			}
			// Ignore ErrNoRewrite; nothing to collect
			_ = s.db.RunValueLogGC(0.5)
		}
	}
}
