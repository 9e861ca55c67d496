package postgres

import (
	"context"
	"fmt"
	"math"

	"github.com/jackc/pgx/v5"

	"token-ledger/internal/address"
	"token-ledger/internal/domain"
	"token-ledger/internal/storage"
)

// TransitionStore implements storage.TransitionStore using PostgreSQL.
type TransitionStore struct {
	pool *Pool
}

// NewTransitionStore creates a new TransitionStore.
func NewTransitionStore(pool *Pool) *TransitionStore {
	return &TransitionStore{pool: pool}
}

// Compile-time interface check.
var _ storage.TransitionStore = (*TransitionStore)(nil)

const transitionColumns = `
	sequence, transition_id, kind, caller, from_account, to_account,
	amount::text, from_balance::text, to_balance::text, allowance::text, timestamp_ms
`

// Append adds a committed transition. Returns ErrDuplicateKey if the sequence
// or transition_id exists.
func (s *TransitionStore) Append(ctx context.Context, t *domain.Transition) error {
	if t == nil || t.Sequence == 0 || t.Sequence > math.MaxInt64 || t.Amount == nil {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO ledger_transitions (
			sequence, transition_id, kind, caller, from_account, to_account,
			amount, from_balance, to_balance, allowance, timestamp_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := s.pool.Exec(ctx, query,
		int64(t.Sequence),
		t.ID,
		string(t.Kind),
		t.Caller.String(),
		t.From.String(),
		t.To.String(),
		numeric(t.Amount),
		numeric(t.FromBalance),
		numeric(t.ToBalance),
		numeric(t.Allowance),
		t.Timestamp,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

// GetBySequenceRange retrieves transitions with sequence in [from, to], ordered ASC.
func (s *TransitionStore) GetBySequenceRange(ctx context.Context, from, to uint64) ([]*domain.Transition, error) {
	if from > math.MaxInt64 {
		return nil, nil
	}
	if to > math.MaxInt64 {
		to = math.MaxInt64
	}

	query := `SELECT ` + transitionColumns + `
		FROM ledger_transitions
		WHERE sequence >= $1 AND sequence <= $2
		ORDER BY sequence ASC
	`

	rows, err := s.pool.Query(ctx, query, int64(from), int64(to))
	if err != nil {
		return nil, fmt.Errorf("get transitions by sequence range: %w", err)
	}
	defer rows.Close()

	return scanTransitions(rows)
}

// GetByAccount retrieves all transitions touching account, ordered ASC.
func (s *TransitionStore) GetByAccount(ctx context.Context, account address.Address) ([]*domain.Transition, error) {
	query := `SELECT ` + transitionColumns + `
		FROM ledger_transitions
		WHERE caller = $1 OR from_account = $1 OR to_account = $1
		ORDER BY sequence ASC
	`

	rows, err := s.pool.Query(ctx, query, account.String())
	if err != nil {
		return nil, fmt.Errorf("get transitions by account: %w", err)
	}
	defer rows.Close()

	return scanTransitions(rows)
}

// LastSequence returns the highest stored sequence, 0 if empty.
func (s *TransitionStore) LastSequence(ctx context.Context) (uint64, error) {
	var last int64
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(sequence), 0) FROM ledger_transitions`).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("get last sequence: %w", err)
	}
	return uint64(last), nil
}

// scanTransitions scans multiple rows into Transitions.
func scanTransitions(rows pgx.Rows) ([]*domain.Transition, error) {
	var result []*domain.Transition

	for rows.Next() {
		var (
			t                            domain.Transition
			seq                          int64
			kind, caller, from, to       string
			amount                       string
			fromBal, toBal, allowanceStr *string
		)
		err := rows.Scan(
			&seq,
			&t.ID,
			&kind,
			&caller,
			&from,
			&to,
			&amount,
			&fromBal,
			&toBal,
			&allowanceStr,
			&t.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}

		t.Sequence = uint64(seq)
		t.Kind = domain.TransitionKind(kind)
		if t.Caller, err = parseAddress(caller); err != nil {
			return nil, err
		}
		if t.From, err = parseAddress(from); err != nil {
			return nil, err
		}
		if t.To, err = parseAddress(to); err != nil {
			return nil, err
		}
		if t.Amount, err = parseAmount(amount); err != nil {
			return nil, err
		}
		if t.FromBalance, err = parseNullableAmount(fromBal); err != nil {
			return nil, err
		}
		if t.ToBalance, err = parseNullableAmount(toBal); err != nil {
			return nil, err
		}
		if t.Allowance, err = parseNullableAmount(allowanceStr); err != nil {
			return nil, err
		}

		result = append(result, &t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transitions: %w", err)
	}

	return result, nil
}
