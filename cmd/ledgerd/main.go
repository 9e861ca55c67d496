// Package main runs the token ledger service:
// - API (HTTP): token reads and transfer/approve/transferFrom
// - Feed (WebSocket): committed transitions at /v1/feed
// - Journal: durable transitions and periodic snapshots
// - Metrics: /health, /metrics and /status on a separate address
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"token-ledger/internal/api"
	"token-ledger/internal/config"
	"token-ledger/internal/feed"
	"token-ledger/internal/journal"
	"token-ledger/internal/observability"
	"token-ledger/internal/storage"
	chstore "token-ledger/internal/storage/clickhouse"
	"token-ledger/internal/storage/memory"
	"token-ledger/internal/storage/migrations"
	pgstore "token-ledger/internal/storage/postgres"
)

// Server holds the running components.
type Server struct {
	cfg     *config.Config
	stores  *allStores
	journal *journal.Journal
	hub     *feed.Hub
	logger  *log.Logger
	started time.Time
}

// allStores holds the storage implementations.
type allStores struct {
	metadataStore   storage.MetadataStore
	transitionStore storage.TransitionStore
	snapshotStore   storage.SnapshotStore
	mirrorStore     *chstore.TransitionStore // nil without ClickHouse
}

func main() {
	logger := log.New(os.Stdout, "[ledgerd] ", log.LstdFlags|log.Lshortfile)

	// Load .env file if exists
	if err := config.LoadEnvFile(".env"); err != nil {
		logger.Fatalf("Failed to load .env: %v", err)
	}

	cfg, err := config.Parse(os.Args[0], os.Args[1:])
	if err != nil {
		logger.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	stores, cleanup, err := createStores(ctx, cfg)
	if err != nil {
		logger.Fatalf("Failed to create stores: %v", err)
	}
	defer cleanup()

	hub := feed.NewHub(feed.HubConfig{
		Logger: log.New(os.Stdout, "[feed] ", log.LstdFlags|log.Lshortfile),
	})
	defer hub.Close()

	opts := journal.Options{
		Metadata:         stores.metadataStore,
		Transitions:      stores.transitionStore,
		Snapshots:        stores.snapshotStore,
		Publisher:        hub,
		Logger:           log.New(os.Stdout, "[journal] ", log.LstdFlags|log.Lshortfile),
		SnapshotInterval: cfg.SnapshotInterval,
		StrictMetadata:   cfg.StrictToken,
	}
	if stores.mirrorStore != nil {
		opts.Mirror = stores.mirrorStore
	}
	tokenCfg, err := cfg.TokenConfig()
	if err != nil {
		logger.Fatalf("Failed to resolve token config: %v", err)
	}
	j, err := journal.Open(ctx, tokenCfg, opts)
	if err != nil {
		logger.Fatalf("Failed to open journal: %v", err)
	}

	server := &Server{
		cfg:     cfg,
		stores:  stores,
		journal: j,
		hub:     hub,
		logger:  logger,
		started: time.Now(),
	}

	// Channel to signal completion
	done := make(chan error, 1)

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Printf("Received signal %v, initiating graceful shutdown...", sig)
		cancel()

		// Wait for second signal for immediate shutdown
		select {
		case sig := <-sigCh:
			logger.Printf("Received second signal %v, forcing immediate shutdown", sig)
			os.Exit(1)
		case <-time.After(30 * time.Second):
			logger.Println("Graceful shutdown timed out after 30s, forcing exit")
			os.Exit(1)
		case <-done:
			// Normal shutdown completed
		}
	}()

	go server.startMetricsServer(cfg.MetricsAddr)

	err = server.Run(ctx)
	done <- err
	cancel()

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatalf("Server error: %v", err)
	}

	logger.Println("Shutdown complete")
}

// createStores creates the stores. Without --use-memory it connects to
// PostgreSQL and, when configured, ClickHouse, applying migrations to both.
func createStores(ctx context.Context, cfg *config.Config) (*allStores, func(), error) {
	if cfg.UseMemory {
		stores := &allStores{
			metadataStore:   memory.NewMetadataStore(),
			transitionStore: memory.NewTransitionStore(),
			snapshotStore:   memory.NewSnapshotStore(),
		}
		return stores, func() {}, nil
	}

	// PostgreSQL
	pool, err := pgstore.NewPool(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("migrate postgres: %w", err)
	}

	stores := &allStores{
		metadataStore:   pgstore.NewMetadataStore(pool),
		transitionStore: pgstore.NewTransitionStore(pool),
		snapshotStore:   pgstore.NewSnapshotStore(pool),
	}

	// ClickHouse (optional analytics mirror)
	var chConn *chstore.Conn
	if cfg.ClickhouseDSN != "" {
		chConn, err = migrations.RunClickhouseMigrations(ctx, cfg.ClickhouseDSN)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrate clickhouse: %w", err)
		}
		stores.mirrorStore = chstore.NewTransitionStore(chConn)
	}

	cleanup := func() {
		if chConn != nil {
			chConn.Close()
		}
		pool.Close()
	}

	return stores, cleanup, nil
}

// Run serves the API and feed and runs the snapshot loop until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Println("Starting ledger server...")

	ctx, stop := context.WithCancel(ctx)
	defer stop()

	apiOpts := api.Options{
		History: s.stores.transitionStore,
		Logger:  log.New(os.Stdout, "[api] ", log.LstdFlags|log.Lshortfile),
	}
	if s.stores.mirrorStore != nil {
		apiOpts.Volume = s.stores.mirrorStore
	}

	mux := http.NewServeMux()
	mux.Handle("/v1/feed", s.hub)
	mux.Handle("/", api.NewServer(s.journal, apiOpts))

	httpServer := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Create error channel for goroutines
	errCh := make(chan error, 2)

	go func() {
		s.logger.Printf("API listening on %s", s.cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	journalDone := make(chan struct{})
	go func() {
		defer close(journalDone)
		err := s.journal.Run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("journal: %w", err)
		}
	}()

	go s.trackUptime(ctx)

	var runErr error
	select {
	case <-ctx.Done():
		runErr = ctx.Err()
	case runErr = <-errCh:
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Printf("API shutdown: %v", err)
	}
	s.hub.Close()
	<-journalDone

	return runErr
}

// trackUptime feeds the uptime counter until ctx is cancelled.
func (s *Server) trackUptime(ctx context.Context) {
	const interval = 15 * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			observability.DefaultMetrics.RecordUptime(interval)
		}
	}
}

// startMetricsServer starts the HTTP server for health/metrics/status.
func (s *Server) startMetricsServer(addr string) {
	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if s.journal.Failed() != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("journal failed"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// Prometheus metrics
	mux.Handle("/metrics", observability.Handler())

	// Status endpoint
	mux.HandleFunc("/status", s.handleStatus)

	s.logger.Printf("Starting metrics server on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		s.logger.Printf("Metrics server error: %v", err)
	}
}

// StatusResponse is the JSON response for /status endpoint.
type StatusResponse struct {
	Status      string    `json:"status"`
	Uptime      string    `json:"uptime"`
	Started     time.Time `json:"started"`
	Symbol      string    `json:"symbol"`
	Sequence    uint64    `json:"sequence"`
	Subscribers int       `json:"subscribers"`
	Storage     string    `json:"storage"`
	Mirror      bool      `json:"mirror"`
	Error       string    `json:"error,omitempty"`
}

// handleStatus returns server status as JSON.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	l := s.journal.Ledger()
	resp := StatusResponse{
		Status:      "running",
		Uptime:      time.Since(s.started).String(),
		Started:     s.started,
		Symbol:      l.Symbol(),
		Sequence:    l.Sequence(),
		Subscribers: s.hub.Subscribers(),
		Storage:     "postgres",
		Mirror:      s.stores.mirrorStore != nil,
	}
	if s.cfg.UseMemory {
		resp.Storage = "memory"
	}
	if err := s.journal.Failed(); err != nil {
		resp.Status = "failed"
		resp.Error = err.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
