// Package address defines the account identifier used by the ledger.
//
// An Address is an opaque 32-byte value rendered as base58 text. Wallet
// addresses are ed25519 public keys and lie on the curve; derived addresses
// (treasuries, escrows) are produced by Derive and are guaranteed to be off it.
package address

import (
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
)

// Size is the length of an address in bytes.
const Size = 32

// derivationMarker is appended to every derivation preimage.
const derivationMarker = "LedgerDerivedAddress"

var (
	// ErrInvalidAddress is returned when text does not decode to a 32-byte address.
	ErrInvalidAddress = errors.New("invalid address")

	// ErrNoDerivation is returned when no bump yields an off-curve address.
	ErrNoDerivation = errors.New("unable to derive off-curve address")
)

// Address identifies a ledger account.
type Address [Size]byte

// Zero is the all-zero address. It has no special meaning to the ledger.
var Zero Address

// Parse decodes a base58 address.
func Parse(s string) (Address, error) {
	var a Address
	if s == "" {
		return a, fmt.Errorf("%w: empty", ErrInvalidAddress)
	}
	decoded, err := base58.Decode(s)
	if err != nil {
		return a, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if len(decoded) != Size {
		return a, fmt.Errorf("%w: decoded length %d", ErrInvalidAddress, len(decoded))
	}
	copy(a[:], decoded)
	return a, nil
}

// MustParse is like Parse but panics on error. Intended for constants and tests.
func MustParse(s string) Address {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// FromPublicKey converts an ed25519 public key to an address.
func FromPublicKey(pub ed25519.PublicKey) (Address, error) {
	var a Address
	if len(pub) != ed25519.PublicKeySize {
		return a, fmt.Errorf("%w: public key length %d", ErrInvalidAddress, len(pub))
	}
	copy(a[:], pub)
	return a, nil
}

// String returns the base58 form.
func (a Address) String() string {
	return base58.Encode(a[:])
}

// Bytes returns a copy of the raw bytes.
func (a Address) Bytes() []byte {
	b := make([]byte, Size)
	copy(b, a[:])
	return b
}

// IsZero reports whether a is the all-zero address.
func (a Address) IsZero() bool {
	return a == Zero
}

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// IsOnCurve reports whether a is a valid compressed edwards25519 point,
// i.e. whether it can be an ed25519 public key.
func (a Address) IsOnCurve() bool {
	_, err := new(edwards25519.Point).SetBytes(a[:])
	return err == nil
}

// Derive computes a deterministic off-curve address from seeds and a base
// address. The bump is searched from 255 downward; the first preimage
// sha256(seeds || bump || base || marker) that is not a curve point wins.
func Derive(seeds [][]byte, base Address) (Address, byte, error) {
	for bump := 255; bump > 0; bump-- {
		h := sha256.New()
		for _, seed := range seeds {
			h.Write(seed)
		}
		h.Write([]byte{byte(bump)})
		h.Write(base[:])
		h.Write([]byte(derivationMarker))

		var candidate Address
		copy(candidate[:], h.Sum(nil))
		if !candidate.IsOnCurve() {
			return candidate, byte(bump), nil
		}
	}
	return Zero, 0, ErrNoDerivation
}
