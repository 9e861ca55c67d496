package domain

import (
	"github.com/holiman/uint256"

	"token-ledger/internal/address"
)

// TokenMetadata is the immutable description of the issued token.
// Corresponds to the token_metadata table.
type TokenMetadata struct {
	Name        string          // display name
	Symbol      string          // ticker
	Decimals    uint8           // display scale
	TotalSupply *uint256.Int    // fixed at issuance
	Issuer      address.Address // received the entire supply
	IssuedAt    int64           // issuance time (ms)
}

// Clone returns a deep copy.
func (m *TokenMetadata) Clone() *TokenMetadata {
	if m == nil {
		return nil
	}
	c := *m
	c.TotalSupply = cloneInt(m.TotalSupply)
	return &c
}
