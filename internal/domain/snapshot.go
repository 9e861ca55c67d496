package domain

import (
	"github.com/holiman/uint256"

	"token-ledger/internal/address"
)

// AllowanceKey identifies an (owner, spender) pair.
type AllowanceKey struct {
	Owner   address.Address
	Spender address.Address
}

// Snapshot is a consistent copy of the full ledger state as of Sequence.
// Accounts whose balance returned to zero are kept.
type Snapshot struct {
	Sequence   uint64                        // last transition included
	Metadata   TokenMetadata                 // token description and supply
	Balances   map[address.Address]*uint256.Int
	Allowances map[AllowanceKey]*uint256.Int
	TakenAt    int64 // ms
}

// NewSnapshot returns a snapshot with initialized maps.
func NewSnapshot(meta TokenMetadata, sequence uint64) *Snapshot {
	return &Snapshot{
		Sequence:   sequence,
		Metadata:   meta,
		Balances:   make(map[address.Address]*uint256.Int),
		Allowances: make(map[AllowanceKey]*uint256.Int),
	}
}
