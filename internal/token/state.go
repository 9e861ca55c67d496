package token

import (
	"github.com/holiman/uint256"

	"token-ledger/internal/address"
	"token-ledger/internal/domain"
)

// zero is returned for absent entries. It must never be mutated.
var zero = new(uint256.Int)

// state holds balances and allowances. Stored values are treated as
// immutable: commits replace pointers, they never write through them.
type state struct {
	balances   map[address.Address]*uint256.Int
	allowances map[domain.AllowanceKey]*uint256.Int
}

func newState() state {
	return state{
		balances:   make(map[address.Address]*uint256.Int),
		allowances: make(map[domain.AllowanceKey]*uint256.Int),
	}
}

// balance reads with a zero default. It never inserts.
func (s *state) balance(a address.Address) *uint256.Int {
	if v, ok := s.balances[a]; ok {
		return v
	}
	return zero
}

// allowance reads with a zero default. It never inserts.
func (s *state) allowance(k domain.AllowanceKey) *uint256.Int {
	if v, ok := s.allowances[k]; ok {
		return v
	}
	return zero
}

// supply sums all balances. ok is false if the sum overflows 256 bits.
func (s *state) supply() (sum *uint256.Int, ok bool) {
	sum = new(uint256.Int)
	for _, v := range s.balances {
		if _, overflow := sum.AddOverflow(sum, v); overflow {
			return nil, false
		}
	}
	return sum, true
}

// effect is the computed outcome of a validated instruction. Nothing in it
// is visible until commit.
type effect struct {
	from, to  address.Address
	balances  map[address.Address]*uint256.Int
	allowance *allowanceWrite
}

type allowanceWrite struct {
	key   domain.AllowanceKey
	value *uint256.Int
}

func newEffect(from, to address.Address) *effect {
	return &effect{
		from:     from,
		to:       to,
		balances: make(map[address.Address]*uint256.Int, 2),
	}
}

// current returns the pending balance for a if the effect already touched
// it, so that a self-transfer sees its own debit.
func (e *effect) current(s *state, a address.Address) *uint256.Int {
	if v, ok := e.balances[a]; ok {
		return v
	}
	return s.balance(a)
}

// debit assumes the caller already checked the balance.
func (e *effect) debit(s *state, a address.Address, amount *uint256.Int) {
	e.balances[a] = new(uint256.Int).Sub(e.current(s, a), amount)
}

func (e *effect) credit(s *state, a address.Address, amount *uint256.Int) {
	sum, overflow := new(uint256.Int).AddOverflow(e.current(s, a), amount)
	if overflow {
		// Unreachable while sum(balances) == totalSupply.
		panic("token: balance overflow, supply invariant broken")
	}
	e.balances[a] = sum
}

func (s *state) apply(e *effect) {
	for a, v := range e.balances {
		s.balances[a] = v
	}
	if e.allowance != nil {
		s.allowances[e.allowance.key] = e.allowance.value
	}
}
