// Package feed streams committed ledger transitions to websocket subscribers.
package feed

import (
	"fmt"

	"github.com/holiman/uint256"

	"token-ledger/internal/address"
	"token-ledger/internal/domain"
)

// Message is the wire form of a transition. Amounts are decimal strings of raw units.
type Message struct {
	Sequence    uint64  `json:"sequence"`
	ID          string  `json:"id"`
	Kind        string  `json:"kind"`
	Caller      string  `json:"caller"`
	From        string  `json:"from"`
	To          string  `json:"to"`
	Amount      string  `json:"amount"`
	FromBalance *string `json:"fromBalance,omitempty"`
	ToBalance   *string `json:"toBalance,omitempty"`
	Allowance   *string `json:"allowance,omitempty"`
	Timestamp   int64   `json:"timestamp"`
}

// NewMessage converts a transition to its wire form.
func NewMessage(t *domain.Transition) Message {
	return Message{
		Sequence:    t.Sequence,
		ID:          t.ID,
		Kind:        string(t.Kind),
		Caller:      t.Caller.String(),
		From:        t.From.String(),
		To:          t.To.String(),
		Amount:      t.Amount.Dec(),
		FromBalance: decPtr(t.FromBalance),
		ToBalance:   decPtr(t.ToBalance),
		Allowance:   decPtr(t.Allowance),
		Timestamp:   t.Timestamp,
	}
}

// Transition decodes the message back into a transition.
func (m Message) Transition() (*domain.Transition, error) {
	t := &domain.Transition{
		Sequence:  m.Sequence,
		ID:        m.ID,
		Kind:      domain.TransitionKind(m.Kind),
		Timestamp: m.Timestamp,
	}
	if !t.Kind.Valid() {
		return nil, fmt.Errorf("unknown transition kind %q", m.Kind)
	}

	var err error
	for _, f := range []struct {
		dst *address.Address
		src string
	}{{&t.Caller, m.Caller}, {&t.From, m.From}, {&t.To, m.To}} {
		if *f.dst, err = address.Parse(f.src); err != nil {
			return nil, err
		}
	}

	if t.Amount, err = uint256.FromDecimal(m.Amount); err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	for _, f := range []struct {
		dst **uint256.Int
		src *string
	}{{&t.FromBalance, m.FromBalance}, {&t.ToBalance, m.ToBalance}, {&t.Allowance, m.Allowance}} {
		if f.src == nil {
			continue
		}
		if *f.dst, err = uint256.FromDecimal(*f.src); err != nil {
			return nil, fmt.Errorf("parse amount: %w", err)
		}
	}
	return t, nil
}

// matches reports whether a subscriber filtering on account should receive m.
func (m Message) matches(account string) bool {
	return account == "" || m.Caller == account || m.From == account || m.To == account
}

func decPtr(v *uint256.Int) *string {
	if v == nil {
		return nil
	}
	s := v.Dec()
	return &s
}
