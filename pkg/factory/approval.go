package factory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/MycosoftLabs/mas-runtime/pkg/errors"
	"github.com/MycosoftLabs/mas-runtime/pkg/types"
)

// PendingApproval is a parked agent-creation request awaiting an
// operator decision. It carries the full template so custom templates
// survive restarts.
type PendingApproval struct {
	ApprovalID     string        `json:"approval_id"`
	Template       *Template     `json:"template"`
	AgentID        string        `json:"agent_id"`
	Reason         string        `json:"reason"`
	CustomSettings types.Payload `json:"custom_settings,omitempty"`
	RequestedAt    string        `json:"requested_at"`
}

// ApprovalStore persists pending approvals.
type ApprovalStore interface {
	Put(ctx context.Context, approval *PendingApproval) error
	Get(ctx context.Context, approvalID string) (*PendingApproval, error)
	List(ctx context.Context) ([]*PendingApproval, error)
	Delete(ctx context.Context, approvalID string) error
	Close() error
}

// MemoryApprovalStore keeps approvals in memory, for tests and
// single-run deployments.
type MemoryApprovalStore struct {
	approvals map[string]*PendingApproval
	mu        sync.RWMutex
}

// NewMemoryApprovalStore creates an empty in-memory store.
func NewMemoryApprovalStore() *MemoryApprovalStore {
	return &MemoryApprovalStore{approvals: make(map[string]*PendingApproval)}
}

func (s *MemoryApprovalStore) Put(ctx context.Context, approval *PendingApproval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.approvals[approval.ApprovalID] = approval
	return nil
}

func (s *MemoryApprovalStore) Get(ctx context.Context, approvalID string) (*PendingApproval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	approval, ok := s.approvals[approvalID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errors.ErrApprovalNotFound, approvalID)
	}
	return approval, nil
}

func (s *MemoryApprovalStore) List(ctx context.Context) ([]*PendingApproval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	approvals := make([]*PendingApproval, 0, len(s.approvals))
	for _, approval := range s.approvals {
		approvals = append(approvals, approval)
	}
	sort.Slice(approvals, func(i, j int) bool {
		return approvals[i].RequestedAt < approvals[j].RequestedAt
	})
	return approvals, nil
}

func (s *MemoryApprovalStore) Delete(ctx context.Context, approvalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.approvals[approvalID]; !ok {
		return fmt.Errorf("%w: %s", errors.ErrApprovalNotFound, approvalID)
	}
	delete(s.approvals, approvalID)
	return nil
}

func (s *MemoryApprovalStore) Close() error { return nil }

const approvalPrefix = "approval:"

// BadgerApprovalStore persists approvals in Badger so pending
// decisions survive orchestrator restarts.
type BadgerApprovalStore struct {
	db *badger.DB
}

// NewBadgerApprovalStore opens (or creates) the approval database at
// path.
func NewBadgerApprovalStore(path string) (*BadgerApprovalStore, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open approval store: %w", err)
	}
	return &BadgerApprovalStore{db: db}, nil
}

func (s *BadgerApprovalStore) Put(ctx context.Context, approval *PendingApproval) error {
	data, err := json.Marshal(approval)
	if err != nil {
		return fmt.Errorf("failed to marshal approval: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(approvalPrefix+approval.ApprovalID), data)
	})
}

func (s *BadgerApprovalStore) Get(ctx context.Context, approvalID string) (*PendingApproval, error) {
	var approval PendingApproval
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(approvalPrefix + approvalID))
		if err == badger.ErrKeyNotFound {
			return fmt.Errorf("%w: %s", errors.ErrApprovalNotFound, approvalID)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &approval)
		})
	})
	if err != nil {
		return nil, err
	}
	return &approval, nil
}

func (s *BadgerApprovalStore) List(ctx context.Context) ([]*PendingApproval, error) {
	var approvals []*PendingApproval
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(approvalPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var approval PendingApproval
				if err := json.Unmarshal(val, &approval); err != nil {
					return err
				}
				approvals = append(approvals, &approval)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(approvals, func(i, j int) bool {
		return approvals[i].RequestedAt < approvals[j].RequestedAt
	})
	return approvals, nil
}

func (s *BadgerApprovalStore) Delete(ctx context.Context, approvalID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		key := []byte(approvalPrefix + approvalID)
		if _, err := txn.Get(key); err == badger.ErrKeyNotFound {
			return fmt.Errorf("%w: %s", errors.ErrApprovalNotFound, approvalID)
		}
		return txn.Delete(key)
	})
}

func (s *BadgerApprovalStore) Close() error {
	return s.db.Close()
}
