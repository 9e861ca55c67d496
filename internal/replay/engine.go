package replay

import (
	"fmt"

	"token-ledger/internal/domain"
	"token-ledger/internal/token"
)

// Genesis returns the state immediately after issuance: the issuer holds
// the entire supply and no allowances exist.
func Genesis(meta domain.TokenMetadata) *domain.Snapshot {
	snap := domain.NewSnapshot(*meta.Clone(), 0)
	if meta.TotalSupply != nil {
		snap.Balances[meta.Issuer] = meta.TotalSupply.Clone()
	}
	snap.TakenAt = meta.IssuedAt
	return snap
}

// Apply re-executes one stored transition against l. The transition must be
// the next in sequence and must reproduce the stored record exactly
// (timestamps excepted).
func Apply(l *token.Ledger, stored *domain.Transition) error {
	if want := l.Sequence() + 1; stored.Sequence != want {
		return fmt.Errorf("%w: expected sequence %d, got %d", ErrInvalidOrdering, want, stored.Sequence)
	}

	in, err := token.InstructionFor(stored)
	if err != nil {
		return fmt.Errorf("sequence %d: %w", stored.Sequence, err)
	}

	replayed, err := l.Execute(stored.Caller, in)
	if err != nil {
		return fmt.Errorf("%w: sequence %d rejected on replay: %v", ErrDivergence, stored.Sequence, err)
	}

	if divs := CompareTransitions(stored, replayed); len(divs) > 0 {
		d := divs[0]
		return fmt.Errorf("%w: sequence %d field %s: stored %v, replayed %v",
			ErrDivergence, stored.Sequence, d.Field, d.Expected, d.Actual)
	}
	return nil
}
