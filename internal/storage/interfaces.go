package storage

import (
	"context"

	"token-ledger/internal/address"
	"token-ledger/internal/domain"
)

// MetadataStore provides access to token_metadata storage.
// A ledger has exactly one metadata record, written at issuance.
type MetadataStore interface {
	// Put stores the metadata. Returns ErrDuplicateKey if already stored.
	Put(ctx context.Context, m *domain.TokenMetadata) error

	// Get retrieves the metadata. Returns ErrNotFound if the ledger was never issued.
	Get(ctx context.Context) (*domain.TokenMetadata, error)
}

// TransitionStore provides access to ledger_transitions storage (append-only).
type TransitionStore interface {
	// Append adds a committed transition. Returns ErrDuplicateKey if the sequence exists.
	Append(ctx context.Context, t *domain.Transition) error

	// GetBySequenceRange retrieves transitions with sequence in [from, to] (inclusive),
	// ordered by sequence ASC.
	GetBySequenceRange(ctx context.Context, from, to uint64) ([]*domain.Transition, error)

	// GetByAccount retrieves all transitions touching account in any role,
	// ordered by sequence ASC.
	GetByAccount(ctx context.Context, account address.Address) ([]*domain.Transition, error)

	// LastSequence returns the highest stored sequence, 0 if empty.
	LastSequence(ctx context.Context) (uint64, error)
}

// SnapshotStore provides access to ledger_snapshots storage.
type SnapshotStore interface {
	// Save stores a snapshot. Returns ErrDuplicateKey if one exists for the same sequence.
	Save(ctx context.Context, s *domain.Snapshot) error

	// Latest retrieves the snapshot with the highest sequence. Returns ErrNotFound if none.
	Latest(ctx context.Context) (*domain.Snapshot, error)

	// GetBySequence retrieves the snapshot taken at sequence. Returns ErrNotFound if not exists.
	GetBySequence(ctx context.Context, sequence uint64) (*domain.Snapshot, error)
}
