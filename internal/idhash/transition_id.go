package idhash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ComputeTransitionID computes a deterministic transition ID using SHA256.
// Formula: SHA256(sequence|kind|caller|from|to|amount)
// Addresses and amount are passed in their canonical text form (base58, decimal).
// Returns hex-encoded hash (64 characters).
func ComputeTransitionID(
	sequence uint64,
	kind string,
	caller string,
	from string,
	to string,
	amount string,
) string {
	data := fmt.Sprintf("%d|%s|%s|%s|%s|%s",
		sequence,
		kind,
		caller,
		from,
		to,
		amount,
	)

	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
