package domain

import (
	"github.com/holiman/uint256"

	"token-ledger/internal/address"
)

// TransitionKind identifies the operation that produced a transition.
type TransitionKind string

// Transition kinds.
const (
	TransitionTransfer     TransitionKind = "TRANSFER"
	TransitionApprove      TransitionKind = "APPROVE"
	TransitionTransferFrom TransitionKind = "TRANSFER_FROM"
)

// Valid reports whether k is a known kind.
func (k TransitionKind) Valid() bool {
	switch k {
	case TransitionTransfer, TransitionApprove, TransitionTransferFrom:
		return true
	}
	return false
}

// Transition is the record of one committed ledger mutation.
// Corresponds to the ledger_transitions table.
//
// Field meaning by kind:
//   - TRANSFER:      From = caller, To = recipient
//   - APPROVE:       From = owner (caller), To = spender, Allowance = new allowance
//   - TRANSFER_FROM: From = owner, To = recipient, Caller = spender, Allowance = remaining allowance
type Transition struct {
	Sequence    uint64          // commit order, starts at 1
	ID          string          // deterministic hash, see idhash.ComputeTransitionID
	Kind        TransitionKind  // operation kind
	Caller      address.Address // authenticated caller
	From        address.Address // debited account or allowance owner
	To          address.Address // credited account or spender
	Amount      *uint256.Int    // moved or approved amount
	FromBalance *uint256.Int    // balance of From after commit (nil for APPROVE)
	ToBalance   *uint256.Int    // balance of To after commit (nil for APPROVE)
	Allowance   *uint256.Int    // allowance after commit (nil for TRANSFER)
	Timestamp   int64           // commit time (ms)
}

// Clone returns a deep copy.
func (t *Transition) Clone() *Transition {
	if t == nil {
		return nil
	}
	c := *t
	c.Amount = cloneInt(t.Amount)
	c.FromBalance = cloneInt(t.FromBalance)
	c.ToBalance = cloneInt(t.ToBalance)
	c.Allowance = cloneInt(t.Allowance)
	return &c
}

// Touches reports whether the transition involves account in any role.
func (t *Transition) Touches(account address.Address) bool {
	return t.Caller == account || t.From == account || t.To == account
}

func cloneInt(v *uint256.Int) *uint256.Int {
	if v == nil {
		return nil
	}
	return v.Clone()
}
