package memory

import (
	"context"
	"sync"

	"token-ledger/internal/domain"
	"token-ledger/internal/storage"
)

// SnapshotStore is an in-memory implementation of storage.SnapshotStore.
type SnapshotStore struct {
	mu         sync.RWMutex
	bySequence map[uint64]*domain.Snapshot
	latest     uint64
	hasAny     bool
}

// NewSnapshotStore creates a new in-memory snapshot store.
func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{
		bySequence: make(map[uint64]*domain.Snapshot),
	}
}

// Save stores a snapshot. Returns ErrDuplicateKey if one exists for the same sequence.
func (s *SnapshotStore) Save(_ context.Context, snap *domain.Snapshot) error {
	if snap == nil || snap.Metadata.TotalSupply == nil {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.bySequence[snap.Sequence]; exists {
		return storage.ErrDuplicateKey
	}

	s.bySequence[snap.Sequence] = copySnapshot(snap)
	if !s.hasAny || snap.Sequence > s.latest {
		s.latest = snap.Sequence
		s.hasAny = true
	}
	return nil
}

// Latest retrieves the snapshot with the highest sequence. Returns ErrNotFound if none.
func (s *SnapshotStore) Latest(_ context.Context) (*domain.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.hasAny {
		return nil, storage.ErrNotFound
	}
	return copySnapshot(s.bySequence[s.latest]), nil
}

// GetBySequence retrieves the snapshot taken at sequence. Returns ErrNotFound if not exists.
func (s *SnapshotStore) GetBySequence(_ context.Context, sequence uint64) (*domain.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, exists := s.bySequence[sequence]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return copySnapshot(snap), nil
}

// copySnapshot deep-copies balances and allowances.
func copySnapshot(src *domain.Snapshot) *domain.Snapshot {
	dst := domain.NewSnapshot(*src.Metadata.Clone(), src.Sequence)
	dst.TakenAt = src.TakenAt
	for a, v := range src.Balances {
		dst.Balances[a] = v.Clone()
	}
	for k, v := range src.Allowances {
		dst.Allowances[k] = v.Clone()
	}
	return dst
}

var _ storage.SnapshotStore = (*SnapshotStore)(nil)
