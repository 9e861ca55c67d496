// Package journal makes a token ledger durable. It issues or restores the
// ledger from storage at startup, appends every committed transition to the
// transition store in commit order, fans transitions out to subscribers and
// persists periodic snapshots.
//
// The journal is fail-stop: once the primary transition store rejects an
// append, the in-memory state is ahead of the durable record and every
// further mutation is refused until restart, which rebuilds from storage.
package journal

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"token-ledger/internal/address"
	"token-ledger/internal/domain"
	"token-ledger/internal/observability"
	"token-ledger/internal/replay"
	"token-ledger/internal/storage"
	"token-ledger/internal/token"
)

var (
	// ErrJournalFailed is returned by mutations after a primary append failure.
	ErrJournalFailed = errors.New("journal failed")

	// ErrMetadataMismatch is returned by Open in strict mode when the stored
	// token differs from the configured one.
	ErrMetadataMismatch = errors.New("stored token metadata differs from configuration")
)

// DefaultSnapshotInterval is used when Options.SnapshotInterval is zero.
const DefaultSnapshotInterval = 5 * time.Minute

// Publisher receives committed transitions in commit order.
type Publisher interface {
	Publish(t *domain.Transition)
}

// Options configures a Journal.
type Options struct {
	Metadata    storage.MetadataStore
	Transitions storage.TransitionStore
	Snapshots   storage.SnapshotStore

	// Mirror receives a best-effort copy of each transition (analytics).
	// Mirror failures are logged and counted but never fail a mutation.
	Mirror storage.TransitionStore

	Publisher        Publisher
	Metrics          *observability.Metrics // Default: observability.DefaultMetrics
	Logger           *log.Logger
	Clock            func() time.Time
	SnapshotInterval time.Duration // Default: DefaultSnapshotInterval

	// StrictMetadata fails Open when stored metadata differs from cfg.
	// Otherwise the stored values win and the difference is logged.
	StrictMetadata bool
}

// Journal owns a ledger and its durable record.
type Journal struct {
	ledger      *token.Ledger
	transitions storage.TransitionStore
	snapshots   storage.SnapshotStore
	mirror      storage.TransitionStore
	publisher   Publisher
	metrics     *observability.Metrics
	logger      *log.Logger
	interval    time.Duration

	mu           sync.Mutex // serializes execute+append so the store sees commit order
	failed       error
	snapshotted  bool // lastSnapshot is persisted
	lastSnapshot uint64
}

// Open issues the ledger described by cfg on first start, or restores it
// from the latest snapshot plus later transitions. Once metadata exists it
// wins over cfg, unless opts.StrictMetadata is set.
func Open(ctx context.Context, cfg token.Config, opts Options) (*Journal, error) {
	if opts.Metadata == nil || opts.Transitions == nil || opts.Snapshots == nil {
		return nil, errors.New("journal: metadata, transition and snapshot stores are required")
	}

	j := &Journal{
		transitions: opts.Transitions,
		snapshots:   opts.Snapshots,
		mirror:      opts.Mirror,
		publisher:   opts.Publisher,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
		interval:    opts.SnapshotInterval,
	}
	if j.metrics == nil {
		j.metrics = observability.DefaultMetrics
	}
	if j.logger == nil {
		j.logger = log.Default()
	}
	if j.interval <= 0 {
		j.interval = DefaultSnapshotInterval
	}
	ledgerOpts := token.Options{Clock: opts.Clock}

	meta, err := opts.Metadata.Get(ctx)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if err := j.issue(ctx, cfg, ledgerOpts, opts.Metadata); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("load metadata: %w", err)
	default:
		if diff := metadataDiff(meta, cfg); len(diff) > 0 {
			if opts.StrictMetadata {
				return nil, fmt.Errorf("%w: %s", ErrMetadataMismatch, strings.Join(diff, ", "))
			}
			j.logger.Printf("Stored token %s differs from configuration (%s); using stored",
				meta.Symbol, strings.Join(diff, ", "))
		}
		if err := j.restore(ctx, meta, ledgerOpts); err != nil {
			return nil, err
		}
	}

	j.metrics.LedgerSequence.Set(float64(j.ledger.Sequence()))
	return j, nil
}

func (j *Journal) issue(ctx context.Context, cfg token.Config, opts token.Options, store storage.MetadataStore) error {
	l, err := token.Issue(cfg, opts)
	if err != nil {
		return fmt.Errorf("issue: %w", err)
	}
	meta, _ := l.Metadata()
	if err := store.Put(ctx, &meta); err != nil {
		return fmt.Errorf("store metadata: %w", err)
	}
	j.ledger = l
	j.logger.Printf("Issued %s %s to %s", meta.TotalSupply.Dec(), meta.Symbol, meta.Issuer)

	// Genesis snapshot so restarts never depend on config.
	return j.Snapshot(ctx)
}

func (j *Journal) restore(ctx context.Context, meta *domain.TokenMetadata, opts token.Options) error {
	start := time.Now()
	snap, err := j.snapshots.Latest(ctx)
	j.metrics.RecordDBQuery("primary", "latest_snapshot", time.Since(start).Seconds(), ignoreNotFound(err))
	switch {
	case errors.Is(err, storage.ErrNotFound):
		// Metadata was stored but the genesis snapshot was not.
		snap = replay.Genesis(*meta)
	case err != nil:
		return fmt.Errorf("load latest snapshot: %w", err)
	default:
		j.snapshotted = true
	}

	l, err := token.Restore(snap, opts)
	if err != nil {
		return fmt.Errorf("restore snapshot %d: %w", snap.Sequence, err)
	}

	runner := replay.NewRunner(replay.RunnerOptions{Transitions: j.transitions, Logger: j.logger})
	if err := runner.ReplayOnto(ctx, l, math.MaxUint64); err != nil {
		return fmt.Errorf("replay journal after snapshot %d: %w", snap.Sequence, err)
	}

	j.ledger = l
	j.lastSnapshot = snap.Sequence
	j.logger.Printf("Restored %s from snapshot %d, ledger at sequence %d", meta.Symbol, snap.Sequence, l.Sequence())
	return nil
}

// Ledger returns the underlying ledger for reads.
// Mutating it directly bypasses the journal.
func (j *Journal) Ledger() *token.Ledger {
	return j.ledger
}

// Execute commits in on behalf of caller and records the transition.
func (j *Journal) Execute(ctx context.Context, caller address.Address, in token.Instruction) (*domain.Transition, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.failed != nil {
		return nil, fmt.Errorf("%w: %v", ErrJournalFailed, j.failed)
	}

	t, err := j.ledger.Execute(caller, in)
	if err != nil {
		if in != nil {
			j.metrics.RecordRejected(string(in.Kind()), token.KindOf(err).String())
		}
		return nil, err
	}

	// The transition is committed in memory; a client going away must not
	// abort its append.
	appendCtx := context.WithoutCancel(ctx)

	start := time.Now()
	err = j.transitions.Append(appendCtx, t)
	j.metrics.RecordAppend("primary", time.Since(start).Seconds(), err)
	if err != nil {
		j.failed = fmt.Errorf("append sequence %d: %w", t.Sequence, err)
		j.logger.Printf("Journal failed, refusing further mutations: %v", j.failed)
		return nil, fmt.Errorf("%w: %v", ErrJournalFailed, j.failed)
	}

	if j.mirror != nil {
		start = time.Now()
		err := j.mirror.Append(appendCtx, t)
		j.metrics.RecordAppend("mirror", time.Since(start).Seconds(), err)
		if err != nil {
			j.logger.Printf("Mirror append sequence %d failed: %v", t.Sequence, err)
		}
	}

	j.metrics.RecordCommitted(string(t.Kind), t.Sequence)
	if j.publisher != nil {
		j.publisher.Publish(t.Clone())
	}
	return t, nil
}

// Transfer moves amount from caller to to.
func (j *Journal) Transfer(ctx context.Context, caller, to address.Address, amount *uint256.Int) (*domain.Transition, error) {
	return j.Execute(ctx, caller, token.Transfer{To: to, Amount: amount})
}

// Approve sets the allowance of spender over caller's balance.
func (j *Journal) Approve(ctx context.Context, caller, spender address.Address, amount *uint256.Int) (*domain.Transition, error) {
	return j.Execute(ctx, caller, token.Approve{Spender: spender, Amount: amount})
}

// TransferFrom moves amount from owner to to using caller's allowance.
func (j *Journal) TransferFrom(ctx context.Context, caller, owner, to address.Address, amount *uint256.Int) (*domain.Transition, error) {
	return j.Execute(ctx, caller, token.TransferFrom{Owner: owner, To: to, Amount: amount})
}

// Failed returns the error that stopped the journal, or nil.
func (j *Journal) Failed() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.failed
}

// Snapshot persists the current state unless a snapshot at the current
// sequence already exists. After a failed append the in-memory state holds a
// transition the store never saw, so Snapshot refuses with ErrJournalFailed.
func (j *Journal) Snapshot(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.failed != nil {
		return fmt.Errorf("%w: %v", ErrJournalFailed, j.failed)
	}
	if j.snapshotted && j.ledger.Sequence() == j.lastSnapshot {
		return nil
	}

	start := time.Now()
	snap, err := j.ledger.Snapshot()
	if err != nil {
		return fmt.Errorf("capture snapshot: %w", err)
	}
	saveStart := time.Now()
	err = j.snapshots.Save(ctx, snap)
	j.metrics.RecordDBQuery("primary", "save_snapshot", time.Since(saveStart).Seconds(), err)
	if errors.Is(err, storage.ErrDuplicateKey) {
		j.snapshotted, j.lastSnapshot = true, snap.Sequence
		return nil
	}
	if err != nil {
		return fmt.Errorf("save snapshot %d: %w", snap.Sequence, err)
	}

	j.snapshotted, j.lastSnapshot = true, snap.Sequence
	j.metrics.RecordSnapshot(time.Since(start).Seconds(), time.Now().Unix())
	j.logger.Printf("Snapshot saved at sequence %d (%d accounts, %d allowances)",
		snap.Sequence, len(snap.Balances), len(snap.Allowances))
	return nil
}

// Run snapshots on every interval tick until ctx is cancelled, then takes
// a final snapshot.
func (j *Journal) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.logger.Printf("Journal started, snapshot interval: %v", j.interval)

	for {
		select {
		case <-ctx.Done():
			if err := j.Snapshot(context.WithoutCancel(ctx)); err != nil {
				j.logger.Printf("Final snapshot failed: %v", err)
			}
			j.logger.Println("Journal stopping...")
			return ctx.Err()

		case <-ticker.C:
			if err := j.Snapshot(ctx); err != nil {
				j.logger.Printf("Snapshot failed: %v", err)
			}
		}
	}
}

// metadataDiff lists the fields where stored metadata and cfg disagree.
func metadataDiff(stored *domain.TokenMetadata, cfg token.Config) []string {
	var diff []string
	if stored.Name != cfg.Name {
		diff = append(diff, fmt.Sprintf("name %q != %q", stored.Name, cfg.Name))
	}
	if stored.Symbol != cfg.Symbol {
		diff = append(diff, fmt.Sprintf("symbol %q != %q", stored.Symbol, cfg.Symbol))
	}
	if stored.Decimals != cfg.Decimals {
		diff = append(diff, fmt.Sprintf("decimals %d != %d", stored.Decimals, cfg.Decimals))
	}
	if stored.Issuer != cfg.Issuer {
		diff = append(diff, fmt.Sprintf("issuer %s != %s", stored.Issuer, cfg.Issuer))
	}
	if !stored.TotalSupply.Eq(orZero(cfg.TotalSupply)) {
		diff = append(diff, fmt.Sprintf("supply %s != %s", stored.TotalSupply.Dec(), orZero(cfg.TotalSupply).Dec()))
	}
	return diff
}

func ignoreNotFound(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

func orZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}
