package postgres

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"token-ledger/internal/address"
	"token-ledger/internal/domain"
)

// setupTestDB starts a PostgreSQL container, applies the schema and returns
// a pool. The container is terminated when the test ends.
func setupTestDB(t *testing.T) *Pool {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}

	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("ledger"),
		postgres.WithUsername("ledger"),
		postgres.WithPassword("ledger"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "start postgres container")
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := NewPool(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	applySchema(t, ctx, pool)
	return pool
}

// applySchema executes ../migrations/postgres/*.sql in order. The migrations
// package imports this one, so the files are read from disk.
func applySchema(t *testing.T, ctx context.Context, pool *Pool) {
	t.Helper()

	files, err := filepath.Glob(filepath.Join("..", "migrations", "postgres", "*.sql"))
	require.NoError(t, err)
	require.NotEmpty(t, files, "no postgres migrations found")
	sort.Strings(files)

	for _, file := range files {
		sql, err := os.ReadFile(file)
		require.NoError(t, err)
		_, err = pool.Exec(ctx, string(sql))
		require.NoError(t, err, "apply %s", filepath.Base(file))
	}
}

// testAccount returns a deterministic address for index n.
func testAccount(n byte) address.Address {
	var a address.Address
	a[0] = n
	a[31] = 0xAA
	return a
}

// amt builds an amount from a decimal string.
func amt(s string) *uint256.Int {
	return uint256.MustFromDecimal(s)
}

// testMetadata returns metadata for a token with a supply larger than uint64.
func testMetadata() domain.TokenMetadata {
	return domain.TokenMetadata{
		Name:        "ERC-BEGGIN",
		Symbol:      "ERCB",
		Decimals:    18,
		TotalSupply: amt("21000000000000000000000000"),
		Issuer:      testAccount(1),
		IssuedAt:    1704067200000,
	}
}
