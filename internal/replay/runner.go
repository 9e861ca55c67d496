package replay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"

	"token-ledger/internal/storage"
	"token-ledger/internal/token"
)

// DefaultBatchSize is the number of transitions loaded per store query.
const DefaultBatchSize = 10_000

// Runner rebuilds ledger state from stored metadata and transitions.
type Runner struct {
	metadata    storage.MetadataStore
	transitions storage.TransitionStore
	snapshots   storage.SnapshotStore
	batchSize   uint64
	logger      *log.Logger
}

// RunnerOptions contains configuration for creating a Runner.
type RunnerOptions struct {
	Metadata    storage.MetadataStore
	Transitions storage.TransitionStore
	Snapshots   storage.SnapshotStore // optional, required by VerifyLatest
	BatchSize   uint64                // Default: DefaultBatchSize
	Logger      *log.Logger
}

// NewRunner creates a new replay runner.
func NewRunner(opts RunnerOptions) *Runner {
	batch := opts.BatchSize
	if batch == 0 {
		batch = DefaultBatchSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Runner{
		metadata:    opts.Metadata,
		transitions: opts.Transitions,
		snapshots:   opts.Snapshots,
		batchSize:   batch,
		logger:      logger,
	}
}

// Rebuild recomputes the ledger from genesis through every stored transition.
func (r *Runner) Rebuild(ctx context.Context) (*token.Ledger, error) {
	return r.RebuildTo(ctx, math.MaxUint64)
}

// RebuildTo recomputes the ledger from genesis through sequence upTo.
// Fewer stored transitions than upTo is not an error; the ledger stops at the last one.
func (r *Runner) RebuildTo(ctx context.Context, upTo uint64) (*token.Ledger, error) {
	meta, err := r.metadata.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("load metadata: %w", err)
	}

	l, err := token.Restore(Genesis(*meta), token.Options{})
	if err != nil {
		return nil, fmt.Errorf("restore genesis: %w", err)
	}

	if err := r.ReplayOnto(ctx, l, upTo); err != nil {
		return nil, err
	}
	return l, nil
}

// ReplayOnto applies stored transitions after l.Sequence() through upTo.
func (r *Runner) ReplayOnto(ctx context.Context, l *token.Ledger, upTo uint64) error {
	applied := 0
	for from := l.Sequence() + 1; from <= upTo; {
		to := upTo
		if span := r.batchSize - 1; to-from > span {
			to = from + span
		}

		batch, err := r.transitions.GetBySequenceRange(ctx, from, to)
		if err != nil {
			return fmt.Errorf("load transitions [%d, %d]: %w", from, to, err)
		}
		if err := CheckOrdering(batch, from-1); err != nil {
			return err
		}
		for _, t := range batch {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := Apply(l, t); err != nil {
				return err
			}
		}
		applied += len(batch)

		if uint64(len(batch)) < to-from+1 || to == math.MaxUint64 {
			break
		}
		from = to + 1
	}

	if applied > 0 {
		r.logger.Printf("Replayed %d transitions, ledger at sequence %d", applied, l.Sequence())
	}
	return nil
}

// Report is the result of verifying a stored snapshot against a rebuild.
type Report struct {
	SnapshotSequence uint64            // sequence of the verified snapshot
	LedgerSequence   uint64            // sequence reached by the full rebuild
	Divergences      []FieldDivergence // snapshot vs rebuilt at SnapshotSequence
	InvariantError   string            // non-empty if the full rebuild breaks conservation
}

// Match reports whether the verification found no problems.
func (r *Report) Match() bool {
	return len(r.Divergences) == 0 && r.InvariantError == ""
}

// VerifyLatest rebuilds state up to the latest stored snapshot, compares the two,
// then continues to the end of the journal and checks the supply invariant.
func (r *Runner) VerifyLatest(ctx context.Context) (*Report, error) {
	if r.snapshots == nil {
		return nil, errors.New("verify: no snapshot store configured")
	}

	stored, err := r.snapshots.Latest(ctx)
	if err != nil {
		return nil, fmt.Errorf("load latest snapshot: %w", err)
	}

	l, err := r.RebuildTo(ctx, stored.Sequence)
	if err != nil {
		return nil, err
	}
	rebuilt, err := l.Snapshot()
	if err != nil {
		return nil, err
	}

	report := &Report{
		SnapshotSequence: stored.Sequence,
		Divergences:      Verify(stored, rebuilt),
	}

	if err := r.ReplayOnto(ctx, l, math.MaxUint64); err != nil {
		return nil, err
	}
	report.LedgerSequence = l.Sequence()
	if err := l.CheckInvariants(); err != nil {
		report.InvariantError = err.Error()
	}
	return report, nil
}
