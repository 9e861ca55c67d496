package storage

import "errors"

var (
	// ErrNotFound means no metadata, transition or snapshot matched the lookup.
	ErrNotFound = errors.New("storage: not found")

	// ErrDuplicateKey means a record with the same sequence or identity is
	// already stored. Journal records are never overwritten.
	ErrDuplicateKey = errors.New("storage: record already exists")

	// ErrInvalidInput means a record was rejected before reaching the backend.
	ErrInvalidInput = errors.New("storage: invalid input")
)
