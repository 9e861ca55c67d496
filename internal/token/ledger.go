// Package token implements the fixed-supply fungible token ledger:
// issuance, transfer, approve, delegated transfer and read accessors.
//
// A Ledger is a sequential state machine. Every mutation validates against
// the current state, computes its full effect, then commits it under an
// exclusive lock; a rejected mutation leaves the state untouched. Readers
// share a read lock and never observe a partially applied mutation.
//
// Approve overwrites. A spender holding an allowance may spend it before
// the owner's replacement allowance commits; the ledger offers no
// compare-and-set variant.
package token

import (
	"fmt"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"token-ledger/internal/address"
	"token-ledger/internal/domain"
	"token-ledger/internal/idhash"
	"token-ledger/internal/units"
)

// Reference token parameters.
const (
	DefaultName        = "ERC-BEGGIN"
	DefaultSymbol      = "ERCB"
	DefaultDecimals    = 18
	DefaultWholeSupply = 21_000_000
)

// Config describes an issuance.
type Config struct {
	Issuer      address.Address
	TotalSupply *uint256.Int
	Name        string
	Symbol      string
	Decimals    uint8
}

// DefaultConfig returns the reference token issued to issuer:
// 21,000,000 whole tokens at 18 decimals.
func DefaultConfig(issuer address.Address) Config {
	return Config{
		Issuer:      issuer,
		TotalSupply: units.MustScale(DefaultWholeSupply, DefaultDecimals),
		Name:        DefaultName,
		Symbol:      DefaultSymbol,
		Decimals:    DefaultDecimals,
	}
}

// Options configures a Ledger.
type Options struct {
	// Clock stamps issuance and transitions. Defaults to time.Now.
	Clock func() time.Time
}

// Ledger is the token state machine. The zero value is not usable; use New, Issue or Restore.
type Ledger struct {
	mu    sync.RWMutex
	clock func() time.Time
	meta  *domain.TokenMetadata // nil until issuance
	state state
	seq   uint64 // sequence of the last committed transition
}

// New creates an uninitialized ledger. Call Initialize before any mutation.
func New(opts Options) *Ledger {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Ledger{
		clock: clock,
		state: newState(),
	}
}

// Issue creates a ledger and initializes it with cfg.
func Issue(cfg Config, opts Options) (*Ledger, error) {
	l := New(opts)
	if err := l.Initialize(cfg); err != nil {
		return nil, err
	}
	return l, nil
}

// Initialize mints the entire supply to cfg.Issuer and fixes the metadata.
// It succeeds at most once.
func (l *Ledger) Initialize(cfg Config) error {
	const op = "initialize"
	if cfg.TotalSupply == nil {
		return invalid(op, "nil total supply")
	}
	if cfg.Decimals > units.MaxDecimals {
		return invalid(op, fmt.Sprintf("decimals %d above %d", cfg.Decimals, units.MaxDecimals))
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.meta != nil {
		return &Error{Kind: KindAlreadyInitialized, Op: op}
	}

	l.meta = &domain.TokenMetadata{
		Name:        cfg.Name,
		Symbol:      cfg.Symbol,
		Decimals:    cfg.Decimals,
		TotalSupply: cfg.TotalSupply.Clone(),
		Issuer:      cfg.Issuer,
		IssuedAt:    l.clock().UnixMilli(),
	}
	l.state.balances[cfg.Issuer] = cfg.TotalSupply.Clone()
	return nil
}

// Execute validates and commits one instruction on behalf of caller.
// On success it returns the committed transition; on failure it returns
// an *Error and the state is unchanged.
func (l *Ledger) Execute(caller address.Address, in Instruction) (*domain.Transition, error) {
	if in == nil {
		return nil, invalid("execute", "nil instruction")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.meta == nil {
		return nil, &Error{Kind: KindNotInitialized, Op: string(in.Kind())}
	}

	e, err := in.plan(&l.state, caller)
	if err != nil {
		return nil, err
	}

	l.state.apply(e)
	l.seq++

	return l.transition(in, caller, e), nil
}

// Transfer moves amount from caller to to.
func (l *Ledger) Transfer(caller, to address.Address, amount *uint256.Int) (*domain.Transition, error) {
	return l.Execute(caller, Transfer{To: to, Amount: amount})
}

// Approve sets allowance(caller, spender) to amount.
func (l *Ledger) Approve(caller, spender address.Address, amount *uint256.Int) (*domain.Transition, error) {
	return l.Execute(caller, Approve{Spender: spender, Amount: amount})
}

// TransferFrom moves amount from owner to to using caller's allowance from owner.
func (l *Ledger) TransferFrom(caller, owner, to address.Address, amount *uint256.Int) (*domain.Transition, error) {
	return l.Execute(caller, TransferFrom{Owner: owner, To: to, Amount: amount})
}

// transition builds the record for a just-committed effect. Must hold l.mu.
func (l *Ledger) transition(in Instruction, caller address.Address, e *effect) *domain.Transition {
	var amount *uint256.Int
	switch v := in.(type) {
	case Transfer:
		amount = v.Amount
	case Approve:
		amount = v.Amount
	case TransferFrom:
		amount = v.Amount
	}

	t := &domain.Transition{
		Sequence:  l.seq,
		Kind:      in.Kind(),
		Caller:    caller,
		From:      e.from,
		To:        e.to,
		Amount:    amount.Clone(),
		Timestamp: l.clock().UnixMilli(),
	}
	if in.Kind() != domain.TransitionApprove {
		t.FromBalance = l.state.balance(e.from).Clone()
		t.ToBalance = l.state.balance(e.to).Clone()
	}
	if e.allowance != nil {
		t.Allowance = e.allowance.value.Clone()
	}
	t.ID = idhash.ComputeTransitionID(
		t.Sequence,
		string(t.Kind),
		t.Caller.String(),
		t.From.String(),
		t.To.String(),
		t.Amount.Dec(),
	)
	return t
}

// BalanceOf returns the balance of account, zero if it never held tokens.
func (l *Ledger) BalanceOf(account address.Address) *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state.balance(account).Clone()
}

// Allowance returns how much spender may still move out of owner's balance.
func (l *Ledger) Allowance(owner, spender address.Address) *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state.allowance(domain.AllowanceKey{Owner: owner, Spender: spender}).Clone()
}

// TotalSupply returns the fixed supply, zero before issuance.
func (l *Ledger) TotalSupply() *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.meta == nil {
		return new(uint256.Int)
	}
	return l.meta.TotalSupply.Clone()
}

// Name returns the token name.
func (l *Ledger) Name() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.meta == nil {
		return ""
	}
	return l.meta.Name
}

// Symbol returns the token symbol.
func (l *Ledger) Symbol() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.meta == nil {
		return ""
	}
	return l.meta.Symbol
}

// Decimals returns the display scale.
func (l *Ledger) Decimals() uint8 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.meta == nil {
		return 0
	}
	return l.meta.Decimals
}

// Metadata returns a copy of the token metadata, or false before issuance.
func (l *Ledger) Metadata() (domain.TokenMetadata, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.meta == nil {
		return domain.TokenMetadata{}, false
	}
	return *l.meta.Clone(), true
}

// Initialized reports whether issuance has happened.
func (l *Ledger) Initialized() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.meta != nil
}

// Sequence returns the sequence number of the last committed transition.
func (l *Ledger) Sequence() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.seq
}
