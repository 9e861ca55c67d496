package clickhouse

import (
	"context"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"

	"token-ledger/internal/address"
	"token-ledger/internal/domain"
	"token-ledger/internal/storage"
)

// TransitionStore implements storage.TransitionStore using ClickHouse.
// It serves as the analytical copy of the journal; the ledger never reads
// its own state back from here.
type TransitionStore struct {
	conn *Conn
}

// NewTransitionStore creates a new TransitionStore.
func NewTransitionStore(conn *Conn) *TransitionStore {
	return &TransitionStore{conn: conn}
}

// Compile-time interface check.
var _ storage.TransitionStore = (*TransitionStore)(nil)

// AccountVolume is the token flow through one account.
type AccountVolume struct {
	Account     address.Address
	Sent        *uint256.Int // sum of amounts debited from the account
	Received    *uint256.Int // sum of amounts credited to the account
	Transitions uint64       // number of movements touching the account
}

const transitionSelect = `
	SELECT sequence, transition_id, kind, caller, from_account, to_account,
		toString(amount), toString(from_balance), toString(to_balance), toString(allowance),
		timestamp_ms
	FROM ledger_transitions FINAL
`

// Append adds a committed transition. MergeTree does not enforce uniqueness,
// so the sequence is checked before insert.
func (s *TransitionStore) Append(ctx context.Context, t *domain.Transition) error {
	if t == nil || t.Sequence == 0 || t.Amount == nil {
		return storage.ErrInvalidInput
	}

	exists, err := s.exists(ctx, t.Sequence)
	if err != nil {
		return fmt.Errorf("check exists: %w", err)
	}
	if exists {
		return storage.ErrDuplicateKey
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO ledger_transitions (
			sequence, transition_id, kind, caller, from_account, to_account,
			amount, from_balance, to_balance, allowance, timestamp_ms
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	err = batch.Append(
		t.Sequence,
		t.ID,
		string(t.Kind),
		t.Caller.String(),
		t.From.String(),
		t.To.String(),
		t.Amount.ToBig(),
		bigOrNil(t.FromBalance),
		bigOrNil(t.ToBalance),
		bigOrNil(t.Allowance),
		t.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("append to batch: %w", err)
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// GetBySequenceRange retrieves transitions with sequence in [from, to], ordered ASC.
func (s *TransitionStore) GetBySequenceRange(ctx context.Context, from, to uint64) ([]*domain.Transition, error) {
	query := transitionSelect + `
		WHERE sequence >= ? AND sequence <= ?
		ORDER BY sequence ASC
	`

	rows, err := s.conn.Query(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("query by sequence range: %w", err)
	}
	defer rows.Close()

	return scanTransitions(rows)
}

// GetByAccount retrieves all transitions touching account, ordered ASC.
func (s *TransitionStore) GetByAccount(ctx context.Context, account address.Address) ([]*domain.Transition, error) {
	query := transitionSelect + `
		WHERE caller = ? OR from_account = ? OR to_account = ?
		ORDER BY sequence ASC
	`

	a := account.String()
	rows, err := s.conn.Query(ctx, query, a, a, a)
	if err != nil {
		return nil, fmt.Errorf("query by account: %w", err)
	}
	defer rows.Close()

	return scanTransitions(rows)
}

// LastSequence returns the highest stored sequence, 0 if empty.
func (s *TransitionStore) LastSequence(ctx context.Context) (uint64, error) {
	var last uint64
	if err := s.conn.QueryRow(ctx, `SELECT max(sequence) FROM ledger_transitions`).Scan(&last); err != nil {
		return 0, fmt.Errorf("query last sequence: %w", err)
	}
	return last, nil
}

// AccountVolume aggregates token movements (TRANSFER and TRANSFER_FROM) for account.
// Approvals move no tokens and are excluded.
func (s *TransitionStore) AccountVolume(ctx context.Context, account address.Address) (*AccountVolume, error) {
	query := `
		SELECT
			toString(sumIf(amount, from_account = ?)),
			toString(sumIf(amount, to_account = ?)),
			count()
		FROM ledger_transitions FINAL
		WHERE kind != 'APPROVE' AND (from_account = ? OR to_account = ?)
	`

	a := account.String()
	var sent, received string
	var count uint64
	if err := s.conn.QueryRow(ctx, query, a, a, a, a).Scan(&sent, &received, &count); err != nil {
		return nil, fmt.Errorf("query account volume: %w", err)
	}

	v := &AccountVolume{Account: account, Transitions: count}
	var err error
	if v.Sent, err = uint256.FromDecimal(sent); err != nil {
		return nil, fmt.Errorf("parse sent volume: %w", err)
	}
	if v.Received, err = uint256.FromDecimal(received); err != nil {
		return nil, fmt.Errorf("parse received volume: %w", err)
	}
	return v, nil
}

// exists checks if a transition with the given sequence exists.
func (s *TransitionStore) exists(ctx context.Context, sequence uint64) (bool, error) {
	var count uint64
	err := s.conn.QueryRow(ctx, `SELECT count(*) FROM ledger_transitions WHERE sequence = ?`, sequence).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func bigOrNil(v *uint256.Int) *big.Int {
	if v == nil {
		return nil
	}
	return v.ToBig()
}

// scanTransitions scans multiple rows.
func scanTransitions(rows chRows) ([]*domain.Transition, error) {
	var result []*domain.Transition

	for rows.Next() {
		var (
			t                      domain.Transition
			kind, caller, from, to string
			amount                 string
			fromBal, toBal, allow  *string
		)

		err := rows.Scan(
			&t.Sequence, &t.ID, &kind, &caller, &from, &to,
			&amount, &fromBal, &toBal, &allow, &t.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("scan transition row: %w", err)
		}

		t.Kind = domain.TransitionKind(kind)
		if t.Caller, err = address.Parse(caller); err != nil {
			return nil, err
		}
		if t.From, err = address.Parse(from); err != nil {
			return nil, err
		}
		if t.To, err = address.Parse(to); err != nil {
			return nil, err
		}
		if t.Amount, err = uint256.FromDecimal(amount); err != nil {
			return nil, fmt.Errorf("parse amount: %w", err)
		}
		if t.FromBalance, err = parseNullable(fromBal); err != nil {
			return nil, err
		}
		if t.ToBalance, err = parseNullable(toBal); err != nil {
			return nil, err
		}
		if t.Allowance, err = parseNullable(allow); err != nil {
			return nil, err
		}

		result = append(result, &t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transition rows: %w", err)
	}

	return result, nil
}

func parseNullable(s *string) (*uint256.Int, error) {
	if s == nil {
		return nil, nil
	}
	v, err := uint256.FromDecimal(*s)
	if err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	return v, nil
}
