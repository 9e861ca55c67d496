package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"token-ledger/internal/domain"
	"token-ledger/internal/storage"
)

// MetadataStore implements storage.MetadataStore using PostgreSQL.
type MetadataStore struct {
	pool *Pool
}

// NewMetadataStore creates a new MetadataStore.
func NewMetadataStore(pool *Pool) *MetadataStore {
	return &MetadataStore{pool: pool}
}

// Compile-time interface check.
var _ storage.MetadataStore = (*MetadataStore)(nil)

// Put stores the metadata. The table holds a single row, so a second Put
// returns ErrDuplicateKey.
func (s *MetadataStore) Put(ctx context.Context, m *domain.TokenMetadata) error {
	if m == nil || m.TotalSupply == nil {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO token_metadata (
			name, symbol, decimals, total_supply, issuer, issued_at
		) VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := s.pool.Exec(ctx, query,
		m.Name,
		m.Symbol,
		int16(m.Decimals),
		numeric(m.TotalSupply),
		m.Issuer.String(),
		m.IssuedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert token metadata: %w", err)
	}
	return nil
}

// Get retrieves the metadata. Returns ErrNotFound if the ledger was never issued.
func (s *MetadataStore) Get(ctx context.Context) (*domain.TokenMetadata, error) {
	query := `
		SELECT name, symbol, decimals, total_supply::text, issuer, issued_at
		FROM token_metadata
		WHERE id = 1
	`

	row := s.pool.QueryRow(ctx, query)
	m, err := scanTokenMetadata(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get token metadata: %w", err)
	}
	return m, nil
}

// scanTokenMetadata scans name, symbol, decimals, supply, issuer, issued_at.
func scanTokenMetadata(row pgx.Row) (*domain.TokenMetadata, error) {
	var (
		m        domain.TokenMetadata
		decimals int16
		supply   string
		issuer   string
	)

	if err := row.Scan(&m.Name, &m.Symbol, &decimals, &supply, &issuer, &m.IssuedAt); err != nil {
		return nil, err
	}

	var err error
	m.Decimals = uint8(decimals)
	if m.TotalSupply, err = parseAmount(supply); err != nil {
		return nil, err
	}
	if m.Issuer, err = parseAddress(issuer); err != nil {
		return nil, err
	}
	return &m, nil
}
