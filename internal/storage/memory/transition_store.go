package memory

import (
	"context"
	"sort"
	"sync"

	"token-ledger/internal/address"
	"token-ledger/internal/domain"
	"token-ledger/internal/storage"
)

// TransitionStore is an in-memory implementation of storage.TransitionStore.
type TransitionStore struct {
	mu         sync.RWMutex
	bySequence map[uint64]*domain.Transition
	ordered    []*domain.Transition // kept sorted by sequence
}

// NewTransitionStore creates a new in-memory transition store.
func NewTransitionStore() *TransitionStore {
	return &TransitionStore{
		bySequence: make(map[uint64]*domain.Transition),
	}
}

// Append adds a committed transition. Returns ErrDuplicateKey if the sequence exists.
func (s *TransitionStore) Append(_ context.Context, t *domain.Transition) error {
	if t == nil || t.Sequence == 0 || t.Amount == nil {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.bySequence[t.Sequence]; exists {
		return storage.ErrDuplicateKey
	}

	c := t.Clone()
	s.bySequence[t.Sequence] = c

	// Appends normally arrive in order; fall back to insertion sort otherwise.
	n := len(s.ordered)
	if n == 0 || s.ordered[n-1].Sequence < c.Sequence {
		s.ordered = append(s.ordered, c)
		return nil
	}
	i := sort.Search(n, func(i int) bool { return s.ordered[i].Sequence > c.Sequence })
	s.ordered = append(s.ordered, nil)
	copy(s.ordered[i+1:], s.ordered[i:])
	s.ordered[i] = c
	return nil
}

// GetBySequenceRange retrieves transitions with sequence in [from, to], ordered ASC.
func (s *TransitionStore) GetBySequenceRange(_ context.Context, from, to uint64) ([]*domain.Transition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := sort.Search(len(s.ordered), func(i int) bool { return s.ordered[i].Sequence >= from })

	var result []*domain.Transition
	for i := start; i < len(s.ordered) && s.ordered[i].Sequence <= to; i++ {
		result = append(result, s.ordered[i].Clone())
	}
	return result, nil
}

// GetByAccount retrieves all transitions touching account, ordered ASC.
func (s *TransitionStore) GetByAccount(_ context.Context, account address.Address) ([]*domain.Transition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Transition
	for _, t := range s.ordered {
		if t.Touches(account) {
			result = append(result, t.Clone())
		}
	}
	return result, nil
}

// LastSequence returns the highest stored sequence, 0 if empty.
func (s *TransitionStore) LastSequence(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.ordered) == 0 {
		return 0, nil
	}
	return s.ordered[len(s.ordered)-1].Sequence, nil
}

var _ storage.TransitionStore = (*TransitionStore)(nil)
