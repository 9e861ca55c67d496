package token

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"token-ledger/internal/address"
)

// Kind classifies a ledger failure.
type Kind uint8

// Failure kinds. KindNone is returned by KindOf for nil or foreign errors.
const (
	KindNone Kind = iota
	KindInsufficientBalance
	KindInsufficientAllowance
	KindAlreadyInitialized
	KindNotInitialized
	KindInvalidInput
)

var kindNames = map[Kind]string{
	KindNone:                  "None",
	KindInsufficientBalance:   "InsufficientBalance",
	KindInsufficientAllowance: "InsufficientAllowance",
	KindAlreadyInitialized:    "AlreadyInitialized",
	KindNotInitialized:        "NotInitialized",
	KindInvalidInput:          "InvalidInput",
}

// String returns the kind name.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Sentinel errors, one per kind. Every *Error unwraps to exactly one of these.
var (
	// ErrInsufficientBalance is returned when an account holds less than the amount moved out of it.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInsufficientAllowance is returned when a delegated transfer exceeds the granted allowance.
	ErrInsufficientAllowance = errors.New("insufficient allowance")

	// ErrAlreadyInitialized is returned when issuance is attempted twice.
	ErrAlreadyInitialized = errors.New("ledger already initialized")

	// ErrNotInitialized is returned when a mutation is attempted before issuance.
	ErrNotInitialized = errors.New("ledger not initialized")

	// ErrInvalidInput is returned for malformed instructions (nil amount, bad metadata).
	ErrInvalidInput = errors.New("invalid input")
)

var kindSentinels = map[Kind]error{
	KindInsufficientBalance:   ErrInsufficientBalance,
	KindInsufficientAllowance: ErrInsufficientAllowance,
	KindAlreadyInitialized:    ErrAlreadyInitialized,
	KindNotInitialized:        ErrNotInitialized,
	KindInvalidInput:          ErrInvalidInput,
}

// Error describes a rejected operation. The ledger state is unchanged
// whenever an Error is returned.
type Error struct {
	Kind    Kind
	Op      string          // operation name, e.g. "transfer"
	Account address.Address // account whose balance or allowance was short
	Have    *uint256.Int    // available balance or allowance, when relevant
	Want    *uint256.Int    // requested amount, when relevant
	Detail  string          // free-form context for InvalidInput
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindInsufficientBalance, KindInsufficientAllowance:
		return fmt.Sprintf("%s: %s: account %s has %s, needs %s",
			e.Op, kindSentinels[e.Kind], e.Account, decOrZero(e.Have), decOrZero(e.Want))
	case KindInvalidInput:
		return fmt.Sprintf("%s: %s: %s", e.Op, ErrInvalidInput, e.Detail)
	}
	if sentinel, ok := kindSentinels[e.Kind]; ok {
		return fmt.Sprintf("%s: %s", e.Op, sentinel)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

// Unwrap returns the sentinel for e.Kind.
func (e *Error) Unwrap() error {
	return kindSentinels[e.Kind]
}

// KindOf classifies err. It returns KindNone for nil and for errors the
// ledger did not produce.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	for kind, sentinel := range kindSentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindNone
}

func insufficient(kind Kind, op string, account address.Address, have, want *uint256.Int) *Error {
	return &Error{
		Kind:    kind,
		Op:      op,
		Account: account,
		Have:    have.Clone(),
		Want:    want.Clone(),
	}
}

func invalid(op, detail string) *Error {
	return &Error{Kind: KindInvalidInput, Op: op, Detail: detail}
}

func decOrZero(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}
