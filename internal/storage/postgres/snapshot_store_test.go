package postgres

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"token-ledger/internal/domain"
	"token-ledger/internal/storage"
)

func testSnapshot(seq uint64) *domain.Snapshot {
	snap := domain.NewSnapshot(testMetadata(), seq)
	snap.TakenAt = 1704067300000
	snap.Balances[testAccount(1)] = amt("20999999000000000000000000")
	snap.Balances[testAccount(2)] = amt("1000000000000000000000000")
	snap.Balances[testAccount(3)] = amt("0")
	snap.Allowances[domain.AllowanceKey{Owner: testAccount(1), Spender: testAccount(3)}] = amt("500")
	return snap
}

func TestSnapshotStore_SaveAndGet(t *testing.T) {
	pool := setupTestDB(t)

	ctx := context.Background()
	store := NewSnapshotStore(pool)

	snap := testSnapshot(5)
	require.NoError(t, store.Save(ctx, snap))

	got, err := store.GetBySequence(ctx, 5)
	require.NoError(t, err)

	assert.Equal(t, uint64(5), got.Sequence)
	assert.Equal(t, snap.TakenAt, got.TakenAt)
	assert.Equal(t, snap.Metadata.Symbol, got.Metadata.Symbol)
	assert.True(t, snap.Metadata.TotalSupply.Eq(got.Metadata.TotalSupply))

	require.Len(t, got.Balances, 3)
	for account, want := range snap.Balances {
		require.Contains(t, got.Balances, account)
		assert.True(t, want.Eq(got.Balances[account]), "balance of %s", account)
	}
	require.Len(t, got.Allowances, 1)
	key := domain.AllowanceKey{Owner: testAccount(1), Spender: testAccount(3)}
	assert.Equal(t, uint64(500), got.Allowances[key].Uint64())
}

func TestSnapshotStore_Latest(t *testing.T) {
	pool := setupTestDB(t)

	ctx := context.Background()
	store := NewSnapshotStore(pool)

	_, err := store.Latest(ctx)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, store.Save(ctx, testSnapshot(0)))
	require.NoError(t, store.Save(ctx, testSnapshot(10)))
	require.NoError(t, store.Save(ctx, testSnapshot(4)))

	latest, err := store.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), latest.Sequence)
	assert.Len(t, latest.Balances, 3)
}

func TestSnapshotStore_SaveDuplicate(t *testing.T) {
	pool := setupTestDB(t)

	ctx := context.Background()
	store := NewSnapshotStore(pool)

	require.NoError(t, store.Save(ctx, testSnapshot(1)))
	assert.ErrorIs(t, store.Save(ctx, testSnapshot(1)), storage.ErrDuplicateKey)
}

func TestSnapshotStore_EmptyMaps(t *testing.T) {
	pool := setupTestDB(t)

	ctx := context.Background()
	store := NewSnapshotStore(pool)

	snap := domain.NewSnapshot(testMetadata(), 0)
	require.NoError(t, store.Save(ctx, snap))

	got, err := store.GetBySequence(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, got.Balances)
	assert.Empty(t, got.Allowances)
}

func TestSnapshotStore_GetNotFound(t *testing.T) {
	pool := setupTestDB(t)

	_, err := NewSnapshotStore(pool).GetBySequence(context.Background(), 99)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
