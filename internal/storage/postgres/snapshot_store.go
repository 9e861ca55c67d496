package postgres

import (
	"context"
	"fmt"
	"math"

	"github.com/jackc/pgx/v5"

	"token-ledger/internal/domain"
	"token-ledger/internal/storage"
)

// SnapshotStore implements storage.SnapshotStore using PostgreSQL.
// A snapshot spans ledger_snapshots (header) plus one row per balance and allowance.
type SnapshotStore struct {
	pool *Pool
}

// NewSnapshotStore creates a new SnapshotStore.
func NewSnapshotStore(pool *Pool) *SnapshotStore {
	return &SnapshotStore{pool: pool}
}

// Compile-time interface check.
var _ storage.SnapshotStore = (*SnapshotStore)(nil)

// Save stores a snapshot atomically. Returns ErrDuplicateKey if one exists for the same sequence.
func (s *SnapshotStore) Save(ctx context.Context, snap *domain.Snapshot) error {
	if snap == nil || snap.Metadata.TotalSupply == nil || snap.Sequence > math.MaxInt64 {
		return storage.ErrInvalidInput
	}

	seq := int64(snap.Sequence)
	meta := snap.Metadata

	balances := make([][]any, 0, len(snap.Balances))
	for account, v := range snap.Balances {
		balances = append(balances, []any{seq, account.String(), numeric(v)})
	}
	allowances := make([][]any, 0, len(snap.Allowances))
	for key, v := range snap.Allowances {
		allowances = append(allowances, []any{seq, key.Owner.String(), key.Spender.String(), numeric(v)})
	}

	return s.pool.withTx(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO ledger_snapshots (
				sequence, name, symbol, decimals, total_supply, issuer, issued_at, taken_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`,
			seq,
			meta.Name,
			meta.Symbol,
			int16(meta.Decimals),
			numeric(meta.TotalSupply),
			meta.Issuer.String(),
			meta.IssuedAt,
			snap.TakenAt,
		)
		if err != nil {
			if isDuplicateKeyError(err) {
				return storage.ErrDuplicateKey
			}
			return fmt.Errorf("insert snapshot: %w", err)
		}

		// COPY is one round trip per table regardless of account count.
		if _, err := tx.CopyFrom(ctx,
			pgx.Identifier{"ledger_snapshot_balances"},
			[]string{"sequence", "account", "balance"},
			pgx.CopyFromRows(balances),
		); err != nil {
			return fmt.Errorf("copy snapshot balances: %w", err)
		}
		if _, err := tx.CopyFrom(ctx,
			pgx.Identifier{"ledger_snapshot_allowances"},
			[]string{"sequence", "owner", "spender", "amount"},
			pgx.CopyFromRows(allowances),
		); err != nil {
			return fmt.Errorf("copy snapshot allowances: %w", err)
		}
		return nil
	})
}

// Latest retrieves the snapshot with the highest sequence. Returns ErrNotFound if none.
func (s *SnapshotStore) Latest(ctx context.Context) (*domain.Snapshot, error) {
	var seq int64
	err := s.pool.QueryRow(ctx, `SELECT sequence FROM ledger_snapshots ORDER BY sequence DESC LIMIT 1`).Scan(&seq)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get latest snapshot: %w", err)
	}
	return s.GetBySequence(ctx, uint64(seq))
}

// GetBySequence retrieves the snapshot taken at sequence. Returns ErrNotFound if not exists.
func (s *SnapshotStore) GetBySequence(ctx context.Context, sequence uint64) (*domain.Snapshot, error) {
	if sequence > math.MaxInt64 {
		return nil, storage.ErrNotFound
	}
	seq := int64(sequence)

	var snap *domain.Snapshot
	// Repeatable read keeps header and rows consistent with each other.
	err := s.pool.withTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, func(tx pgx.Tx) error {
		var err error
		if snap, err = loadSnapshotHeader(ctx, tx, seq); err != nil {
			return err
		}
		if err := loadSnapshotBalances(ctx, tx, seq, snap); err != nil {
			return err
		}
		return loadSnapshotAllowances(ctx, tx, seq, snap)
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func loadSnapshotHeader(ctx context.Context, tx pgx.Tx, seq int64) (*domain.Snapshot, error) {
	row := tx.QueryRow(ctx, `
		SELECT name, symbol, decimals, total_supply::text, issuer, issued_at, taken_at
		FROM ledger_snapshots
		WHERE sequence = $1
	`, seq)

	var (
		meta     domain.TokenMetadata
		decimals int16
		supply   string
		issuer   string
		takenAt  int64
	)
	if err := row.Scan(&meta.Name, &meta.Symbol, &decimals, &supply, &issuer, &meta.IssuedAt, &takenAt); err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get snapshot header: %w", err)
	}

	var err error
	meta.Decimals = uint8(decimals)
	if meta.TotalSupply, err = parseAmount(supply); err != nil {
		return nil, err
	}
	if meta.Issuer, err = parseAddress(issuer); err != nil {
		return nil, err
	}

	snap := domain.NewSnapshot(meta, uint64(seq))
	snap.TakenAt = takenAt
	return snap, nil
}

func loadSnapshotBalances(ctx context.Context, tx pgx.Tx, seq int64, snap *domain.Snapshot) error {
	rows, err := tx.Query(ctx, `
		SELECT account, balance::text
		FROM ledger_snapshot_balances
		WHERE sequence = $1
	`, seq)
	if err != nil {
		return fmt.Errorf("get snapshot balances: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var account, balance string
		if err := rows.Scan(&account, &balance); err != nil {
			return fmt.Errorf("scan snapshot balance: %w", err)
		}
		a, err := parseAddress(account)
		if err != nil {
			return err
		}
		if snap.Balances[a], err = parseAmount(balance); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate snapshot balances: %w", err)
	}
	return nil
}

func loadSnapshotAllowances(ctx context.Context, tx pgx.Tx, seq int64, snap *domain.Snapshot) error {
	rows, err := tx.Query(ctx, `
		SELECT owner, spender, amount::text
		FROM ledger_snapshot_allowances
		WHERE sequence = $1
	`, seq)
	if err != nil {
		return fmt.Errorf("get snapshot allowances: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var owner, spender, amount string
		if err := rows.Scan(&owner, &spender, &amount); err != nil {
			return fmt.Errorf("scan snapshot allowance: %w", err)
		}
		var key domain.AllowanceKey
		if key.Owner, err = parseAddress(owner); err != nil {
			return err
		}
		if key.Spender, err = parseAddress(spender); err != nil {
			return err
		}
		if snap.Allowances[key], err = parseAmount(amount); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate snapshot allowances: %w", err)
	}
	return nil
}
