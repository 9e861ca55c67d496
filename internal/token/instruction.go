package token

import (
	"fmt"

	"github.com/holiman/uint256"

	"token-ledger/internal/address"
	"token-ledger/internal/domain"
)

// Instruction is a typed ledger mutation. The set is closed: Transfer,
// Approve and TransferFrom are the only implementations.
type Instruction interface {
	Kind() domain.TransitionKind
	plan(s *state, caller address.Address) (*effect, error)
}

// Transfer moves Amount from the caller to To.
type Transfer struct {
	To     address.Address
	Amount *uint256.Int
}

// Approve sets the caller's allowance for Spender to Amount, replacing any previous value.
type Approve struct {
	Spender address.Address
	Amount  *uint256.Int
}

// TransferFrom moves Amount from Owner to To, spending the caller's allowance from Owner.
type TransferFrom struct {
	Owner  address.Address
	To     address.Address
	Amount *uint256.Int
}

// Kind implements Instruction.
func (Transfer) Kind() domain.TransitionKind { return domain.TransitionTransfer }

// Kind implements Instruction.
func (Approve) Kind() domain.TransitionKind { return domain.TransitionApprove }

// Kind implements Instruction.
func (TransferFrom) Kind() domain.TransitionKind { return domain.TransitionTransferFrom }

func (in Transfer) plan(s *state, caller address.Address) (*effect, error) {
	const op = "transfer"
	if in.Amount == nil {
		return nil, invalid(op, "nil amount")
	}

	have := s.balance(caller)
	if have.Lt(in.Amount) {
		return nil, insufficient(KindInsufficientBalance, op, caller, have, in.Amount)
	}

	e := newEffect(caller, in.To)
	e.debit(s, caller, in.Amount)
	e.credit(s, in.To, in.Amount)
	return e, nil
}

func (in Approve) plan(_ *state, caller address.Address) (*effect, error) {
	const op = "approve"
	if in.Amount == nil {
		return nil, invalid(op, "nil amount")
	}

	e := newEffect(caller, in.Spender)
	e.allowance = &allowanceWrite{
		key:   domain.AllowanceKey{Owner: caller, Spender: in.Spender},
		value: in.Amount.Clone(),
	}
	return e, nil
}

func (in TransferFrom) plan(s *state, caller address.Address) (*effect, error) {
	const op = "transferFrom"
	if in.Amount == nil {
		return nil, invalid(op, "nil amount")
	}

	key := domain.AllowanceKey{Owner: in.Owner, Spender: caller}
	allowed := s.allowance(key)
	if allowed.Lt(in.Amount) {
		return nil, insufficient(KindInsufficientAllowance, op, in.Owner, allowed, in.Amount)
	}

	have := s.balance(in.Owner)
	if have.Lt(in.Amount) {
		return nil, insufficient(KindInsufficientBalance, op, in.Owner, have, in.Amount)
	}

	e := newEffect(in.Owner, in.To)
	e.allowance = &allowanceWrite{
		key:   key,
		value: new(uint256.Int).Sub(allowed, in.Amount),
	}
	e.debit(s, in.Owner, in.Amount)
	e.credit(s, in.To, in.Amount)
	return e, nil
}

// InstructionFor reconstructs the instruction that produced a transition.
func InstructionFor(t *domain.Transition) (Instruction, error) {
	if t == nil || t.Amount == nil {
		return nil, fmt.Errorf("%w: transition without amount", ErrInvalidInput)
	}
	amount := t.Amount.Clone()
	switch t.Kind {
	case domain.TransitionTransfer:
		return Transfer{To: t.To, Amount: amount}, nil
	case domain.TransitionApprove:
		return Approve{Spender: t.To, Amount: amount}, nil
	case domain.TransitionTransferFrom:
		return TransferFrom{Owner: t.From, To: t.To, Amount: amount}, nil
	}
	return nil, fmt.Errorf("%w: unknown transition kind %q", ErrInvalidInput, t.Kind)
}
