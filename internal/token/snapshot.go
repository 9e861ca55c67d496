package token

import (
	"errors"
	"fmt"

	"token-ledger/internal/domain"
)

// ErrInvariant is returned when a state violates supply conservation.
var ErrInvariant = errors.New("ledger invariant violated")

// Snapshot returns a consistent deep copy of the ledger state.
// Before issuance it returns ErrNotInitialized.
func (l *Ledger) Snapshot() (*domain.Snapshot, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.meta == nil {
		return nil, &Error{Kind: KindNotInitialized, Op: "snapshot"}
	}

	snap := domain.NewSnapshot(*l.meta.Clone(), l.seq)
	for a, v := range l.state.balances {
		snap.Balances[a] = v.Clone()
	}
	for k, v := range l.state.allowances {
		snap.Allowances[k] = v.Clone()
	}
	snap.TakenAt = l.clock().UnixMilli()
	return snap, nil
}

// Restore rebuilds a ledger from a snapshot. The snapshot must satisfy
// sum(balances) == totalSupply.
func Restore(snap *domain.Snapshot, opts Options) (*Ledger, error) {
	if snap == nil || snap.Metadata.TotalSupply == nil {
		return nil, invalid("restore", "snapshot without total supply")
	}

	l := New(opts)
	l.meta = snap.Metadata.Clone()
	l.seq = snap.Sequence
	for a, v := range snap.Balances {
		if v == nil {
			return nil, invalid("restore", fmt.Sprintf("nil balance for %s", a))
		}
		l.state.balances[a] = v.Clone()
	}
	for k, v := range snap.Allowances {
		if v == nil {
			return nil, invalid("restore", fmt.Sprintf("nil allowance for %s/%s", k.Owner, k.Spender))
		}
		l.state.allowances[k] = v.Clone()
	}

	if err := l.CheckInvariants(); err != nil {
		return nil, err
	}
	return l, nil
}

// CheckInvariants verifies sum(balances) == totalSupply. Non-negativity
// holds by construction of the unsigned representation.
func (l *Ledger) CheckInvariants() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.meta == nil {
		if len(l.state.balances) != 0 || len(l.state.allowances) != 0 {
			return fmt.Errorf("%w: state present before issuance", ErrInvariant)
		}
		return nil
	}

	sum, ok := l.state.supply()
	if !ok {
		return fmt.Errorf("%w: balance sum overflows", ErrInvariant)
	}
	if !sum.Eq(l.meta.TotalSupply) {
		return fmt.Errorf("%w: sum(balances)=%s, totalSupply=%s",
			ErrInvariant, sum.Dec(), l.meta.TotalSupply.Dec())
	}
	return nil
}
