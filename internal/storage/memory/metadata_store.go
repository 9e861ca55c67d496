package memory

import (
	"context"
	"sync"

	"token-ledger/internal/domain"
	"token-ledger/internal/storage"
)

// MetadataStore is an in-memory implementation of storage.MetadataStore.
type MetadataStore struct {
	mu   sync.RWMutex
	meta *domain.TokenMetadata
}

// NewMetadataStore creates a new in-memory metadata store.
func NewMetadataStore() *MetadataStore {
	return &MetadataStore{}
}

// Put stores the metadata. Returns ErrDuplicateKey if already stored.
func (s *MetadataStore) Put(_ context.Context, m *domain.TokenMetadata) error {
	if m == nil || m.TotalSupply == nil {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.meta != nil {
		return storage.ErrDuplicateKey
	}
	s.meta = m.Clone()
	return nil
}

// Get retrieves the metadata. Returns ErrNotFound if not stored.
func (s *MetadataStore) Get(_ context.Context) (*domain.TokenMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.meta == nil {
		return nil, storage.ErrNotFound
	}
	return s.meta.Clone(), nil
}

var _ storage.MetadataStore = (*MetadataStore)(nil)
