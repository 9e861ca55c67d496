// Package main rebuilds the ledger from its journal and verifies the latest
// stored snapshot against the rebuild. With --follow it then tracks the live
// feed, re-executing each transition as it is committed.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"token-ledger/internal/address"
	"token-ledger/internal/config"
	"token-ledger/internal/domain"
	"token-ledger/internal/feed"
	"token-ledger/internal/replay"
	"token-ledger/internal/storage"
	chstore "token-ledger/internal/storage/clickhouse"
	pgstore "token-ledger/internal/storage/postgres"
	"token-ledger/internal/token"
	"token-ledger/internal/units"
)

func main() {
	if err := config.LoadEnvFile(".env"); err != nil {
		log.Fatalf("load .env: %v", err)
	}

	// Parse flags
	postgresDSN := flag.String("postgres-dsn", os.Getenv(config.EnvPostgresDSN), "PostgreSQL connection string")
	clickhouseDSN := flag.String("clickhouse-dsn", os.Getenv(config.EnvClickhouseDSN), "ClickHouse connection string")
	source := flag.String("source", "postgres", "Transition source: postgres or clickhouse")
	accountFlag := flag.String("account", "", "Print the rebuilt balance of this account")
	upTo := flag.Uint64("up-to", 0, "Rebuild only through this sequence (skips snapshot verification)")
	outputJSON := flag.Bool("json", false, "Output as JSON")
	followURL := flag.String("follow", "", "After verifying, apply live transitions from this feed URL (ws://host/v1/feed) until interrupted")

	flag.Parse()

	logger := log.New(os.Stderr, "[replay] ", log.LstdFlags)

	if *postgresDSN == "" {
		logger.Fatal("--postgres-dsn is required")
	}
	if *source != "postgres" && *source != "clickhouse" {
		logger.Fatalf("--source must be postgres or clickhouse, got %q", *source)
	}
	if *source == "clickhouse" && *clickhouseDSN == "" {
		logger.Fatal("--clickhouse-dsn is required with --source clickhouse")
	}
	if *followURL != "" && *upTo > 0 {
		logger.Fatal("--follow cannot be combined with --up-to")
	}

	var account *address.Address
	if *accountFlag != "" {
		a, err := address.Parse(*accountFlag)
		if err != nil {
			logger.Fatalf("--account: %v", err)
		}
		account = &a
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Printf("Received signal %v, shutting down...", sig)
		cancel()
	}()

	pool, err := pgstore.NewPool(ctx, *postgresDSN)
	if err != nil {
		logger.Fatalf("connect to postgres: %v", err)
	}
	defer pool.Close()

	var transitions storage.TransitionStore = pgstore.NewTransitionStore(pool)
	if *source == "clickhouse" {
		conn, err := chstore.NewConn(ctx, *clickhouseDSN)
		if err != nil {
			logger.Fatalf("connect to clickhouse: %v", err)
		}
		defer conn.Close()
		transitions = chstore.NewTransitionStore(conn)
	}

	runner := replay.NewRunner(replay.RunnerOptions{
		Metadata:    pgstore.NewMetadataStore(pool),
		Transitions: transitions,
		Snapshots:   pgstore.NewSnapshotStore(pool),
		Logger:      logger,
	})

	summary, ledger, err := run(ctx, runner, *upTo, account)
	if err != nil {
		logger.Fatalf("replay failed: %v", err)
	}
	summary.Source = *source

	if *outputJSON {
		output, _ := json.MarshalIndent(summary, "", "  ")
		fmt.Println(string(output))
	} else {
		printSummary(summary)
	}

	if !summary.Match {
		os.Exit(2)
	}

	if *followURL != "" {
		if err := follow(ctx, runner, ledger, *followURL, account, logger); err != nil && !errors.Is(err, context.Canceled) {
			logger.Fatalf("follow failed: %v", err)
		}
	}
}

// follow keeps the rebuilt ledger in step with the live feed, printing each
// applied transition, until ctx is cancelled.
func follow(ctx context.Context, runner *replay.Runner, l *token.Ledger, endpoint string, account *address.Address, logger *log.Logger) error {
	client, err := feed.Dial(ctx, endpoint, &feed.ClientConfig{Logger: logger})
	if err != nil {
		return fmt.Errorf("dial feed: %w", err)
	}
	defer client.Close()

	logger.Printf("Following %s from sequence %d", endpoint, l.Sequence())
	return runner.Follow(ctx, l, client.Messages(), func(t *domain.Transition) {
		fmt.Printf("#%d %-13s %s -> %s %s\n", t.Sequence, t.Kind, t.From, t.To, units.Format(t.Amount, l.Decimals()))
		if account != nil {
			fmt.Printf("  %s balance: %s\n", account, units.Format(l.BalanceOf(*account), l.Decimals()))
		}
	})
}

// Summary is the replay result.
type Summary struct {
	Source           string       `json:"source"`
	Symbol           string       `json:"symbol"`
	TotalSupply      string       `json:"total_supply"`
	LedgerSequence   uint64       `json:"ledger_sequence"`
	SnapshotSequence *uint64      `json:"snapshot_sequence,omitempty"`
	Match            bool         `json:"match"`
	Divergences      []Divergence `json:"divergences,omitempty"`
	InvariantError   string       `json:"invariant_error,omitempty"`
	Account          string       `json:"account,omitempty"`
	Balance          string       `json:"balance,omitempty"`
	BalanceDisplay   string       `json:"balance_display,omitempty"`
}

// Divergence is the printable form of replay.FieldDivergence.
type Divergence struct {
	Field    string `json:"field"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

func run(ctx context.Context, runner *replay.Runner, upTo uint64, account *address.Address) (*Summary, *token.Ledger, error) {
	summary := &Summary{}

	if upTo > 0 {
		l, err := runner.RebuildTo(ctx, upTo)
		if err != nil {
			return nil, nil, err
		}
		summary.Match = true
		if err := l.CheckInvariants(); err != nil {
			summary.Match = false
			summary.InvariantError = err.Error()
		}
		summary.Symbol = l.Symbol()
		summary.TotalSupply = l.TotalSupply().Dec()
		summary.LedgerSequence = l.Sequence()
		if account != nil {
			bal := l.BalanceOf(*account)
			summary.Account = account.String()
			summary.Balance = bal.Dec()
			summary.BalanceDisplay = units.Format(bal, l.Decimals())
		}
		return summary, l, nil
	}

	report, err := runner.VerifyLatest(ctx)
	if err != nil {
		return nil, nil, err
	}
	snapSeq := report.SnapshotSequence
	summary.SnapshotSequence = &snapSeq
	summary.LedgerSequence = report.LedgerSequence
	summary.Match = report.Match()
	summary.InvariantError = report.InvariantError
	for _, d := range report.Divergences {
		summary.Divergences = append(summary.Divergences, Divergence{
			Field:    d.Field,
			Expected: fmt.Sprint(d.Expected),
			Actual:   fmt.Sprint(d.Actual),
		})
	}

	// VerifyLatest does not expose its ledger; rebuild once more for reads.
	l, err := runner.Rebuild(ctx)
	if err != nil {
		return nil, nil, err
	}
	summary.Symbol = l.Symbol()
	summary.TotalSupply = l.TotalSupply().Dec()
	if account != nil {
		bal := l.BalanceOf(*account)
		summary.Account = account.String()
		summary.Balance = bal.Dec()
		summary.BalanceDisplay = units.Format(bal, l.Decimals())
	}
	return summary, l, nil
}

func printSummary(s *Summary) {
	fmt.Printf("\n=== Replay Summary ===\n")
	fmt.Printf("Source:            %s\n", s.Source)
	fmt.Printf("Token:             %s\n", s.Symbol)
	fmt.Printf("Total Supply:      %s\n", s.TotalSupply)
	fmt.Printf("Ledger Sequence:   %d\n", s.LedgerSequence)
	if s.SnapshotSequence != nil {
		fmt.Printf("Snapshot Sequence: %d\n", *s.SnapshotSequence)
	} else {
		fmt.Printf("Snapshot Sequence: N/A\n")
	}
	if s.Account != "" {
		fmt.Printf("Account:           %s\n", s.Account)
		fmt.Printf("Balance:           %s (%s)\n", s.Balance, s.BalanceDisplay)
	}

	if s.Match {
		fmt.Printf("Result:            MATCH\n")
		return
	}
	fmt.Printf("Result:            MISMATCH\n")
	if s.InvariantError != "" {
		fmt.Printf("Invariant:         %s\n", s.InvariantError)
	}
	for _, d := range s.Divergences {
		fmt.Printf("  %s: expected=%s actual=%s\n", d.Field, d.Expected, d.Actual)
	}
}
