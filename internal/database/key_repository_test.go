//go:build integration

package database

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"routstr-proxy/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	// Initialize logger for tests
	_ = logger.Init("development")
}

func newTestKey(hashedKey string) *Key {
	return &Key{
		HashedKey:  hashedKey,
		RefundUnit: Sat,
		CreatedAt:  time.Now().UTC(),
	}
}

func TestKeyRepository_CreateAndGet(t *testing.T) {
	db := SetupTestDB(t)
	defer db.Close()
	defer CleanupTestDB(t, db)

	repo := NewKeyRepository(db)
	ctx := context.Background()

	key := newTestKey("createget")
	require.NoError(t, repo.Create(ctx, key))

	retrieved, err := repo.Get(ctx, "createget")
	require.NoError(t, err)
	assert.Equal(t, "createget", retrieved.HashedKey)
	assert.Equal(t, int64(0), retrieved.Balance)
	assert.Equal(t, int64(0), retrieved.ReservedBalance)
	assert.Equal(t, Sat, retrieved.RefundUnit)
	assert.WithinDuration(t, key.CreatedAt, retrieved.CreatedAt, time.Second)
}

func TestKeyRepository_CreateDuplicate(t *testing.T) {
	db := SetupTestDB(t)
	defer db.Close()
	defer CleanupTestDB(t, db)

	repo := NewKeyRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newTestKey("dup")))
	err := repo.Create(ctx, newTestKey("dup"))
	assert.ErrorIs(t, err, ErrKeyExists)
}

func TestKeyRepository_GetMissing(t *testing.T) {
	db := SetupTestDB(t)
	defer db.Close()
	defer CleanupTestDB(t, db)

	repo := NewKeyRepository(db)
	_, err := repo.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestKeyRepository_ReserveFinalizeLifecycle(t *testing.T) {
	db := SetupTestDB(t)
	defer db.Close()
	defer CleanupTestDB(t, db)

	repo := NewKeyRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newTestKey("lifecycle")))
	require.NoError(t, repo.Credit(ctx, "lifecycle", 1_000_000))

	require.NoError(t, repo.Reserve(ctx, "lifecycle", 10_000))

	key, err := repo.Get(ctx, "lifecycle")
	require.NoError(t, err)
	assert.Equal(t, int64(990_000), key.Balance)
	assert.Equal(t, int64(10_000), key.ReservedBalance)
	assert.Equal(t, int64(1), key.TotalRequests)

	require.NoError(t, repo.Finalize(ctx, "lifecycle", 10_000, 6000))

	key, err = repo.Get(ctx, "lifecycle")
	require.NoError(t, err)
	assert.Equal(t, int64(994_000), key.Balance)
	assert.Equal(t, int64(0), key.ReservedBalance)
	assert.Equal(t, int64(6000), key.TotalSpent)
	assert.Equal(t, int64(1), key.TotalRequests)
}

func TestKeyRepository_ReserveBoundary(t *testing.T) {
	db := SetupTestDB(t)
	defer db.Close()
	defer CleanupTestDB(t, db)

	repo := NewKeyRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newTestKey("boundary")))
	require.NoError(t, repo.Credit(ctx, "boundary", 999))

	// Balance one below the reservation must be rejected without mutation.
	err := repo.Reserve(ctx, "boundary", 1000)
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	key, err := repo.Get(ctx, "boundary")
	require.NoError(t, err)
	assert.Equal(t, int64(999), key.Balance)
	assert.Equal(t, int64(0), key.TotalRequests)

	// Balance exactly equal to the reservation is admitted.
	require.NoError(t, repo.Credit(ctx, "boundary", 1))
	require.NoError(t, repo.Reserve(ctx, "boundary", 1000))

	key, err = repo.Get(ctx, "boundary")
	require.NoError(t, err)
	assert.Equal(t, int64(0), key.Balance)
	assert.Equal(t, int64(1000), key.ReservedBalance)
}

func TestKeyRepository_ReserveMissingKey(t *testing.T) {
	db := SetupTestDB(t)
	defer db.Close()
	defer CleanupTestDB(t, db)

	repo := NewKeyRepository(db)
	err := repo.Reserve(context.Background(), "ghost", 1000)
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestKeyRepository_RevertRestoresExactly(t *testing.T) {
	db := SetupTestDB(t)
	defer db.Close()
	defer CleanupTestDB(t, db)

	repo := NewKeyRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newTestKey("revert")))
	require.NoError(t, repo.Credit(ctx, "revert", 50_000))
	require.NoError(t, repo.Reserve(ctx, "revert", 20_000))
	require.NoError(t, repo.Revert(ctx, "revert", 20_000))

	key, err := repo.Get(ctx, "revert")
	require.NoError(t, err)
	assert.Equal(t, int64(50_000), key.Balance)
	assert.Equal(t, int64(0), key.ReservedBalance)
	assert.Equal(t, int64(0), key.TotalRequests)
	assert.Equal(t, int64(0), key.TotalSpent)
}

func TestKeyRepository_ConcurrentReserves(t *testing.T) {
	db := SetupTestDB(t)
	defer db.Close()
	defer CleanupTestDB(t, db)

	repo := NewKeyRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newTestKey("race")))
	require.NoError(t, repo.Credit(ctx, "race", 1500))

	// Two concurrent reservations of 1000 against 1500: exactly one wins.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			errs[n] = repo.Reserve(ctx, "race", 1000)
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			assert.ErrorIs(t, err, ErrInsufficientBalance)
		}
	}
	assert.Equal(t, 1, winners)

	key, err := repo.Get(ctx, "race")
	require.NoError(t, err)
	assert.Equal(t, int64(500), key.Balance)
	assert.Equal(t, int64(1000), key.ReservedBalance)
}

func TestKeyRepository_DrainAndDelete(t *testing.T) {
	db := SetupTestDB(t)
	defer db.Close()
	defer CleanupTestDB(t, db)

	repo := NewKeyRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newTestKey("drain")))
	require.NoError(t, repo.Credit(ctx, "drain", 42_000))

	amount, err := repo.Drain(ctx, "drain")
	require.NoError(t, err)
	assert.Equal(t, int64(42_000), amount)

	key, err := repo.Get(ctx, "drain")
	require.NoError(t, err)
	assert.Equal(t, int64(0), key.Balance)

	// A second drain finds nothing.
	_, err = repo.Drain(ctx, "drain")
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	require.NoError(t, repo.Delete(ctx, "drain"))
	_, err = repo.Get(ctx, "drain")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestKeyRepository_SetRefundInfoPartialUpdate(t *testing.T) {
	db := SetupTestDB(t)
	defer db.Close()
	defer CleanupTestDB(t, db)

	repo := NewKeyRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newTestKey("refundinfo")))

	addr := "user@wallet.example"
	unit := Msat
	require.NoError(t, repo.SetRefundInfo(ctx, "refundinfo", &addr, &unit, nil, nil))

	// A later expiry-only update must not clobber the address.
	expiry := int64(1767225600)
	require.NoError(t, repo.SetRefundInfo(ctx, "refundinfo", nil, nil, nil, &expiry))

	key, err := repo.Get(ctx, "refundinfo")
	require.NoError(t, err)
	require.NotNil(t, key.RefundAddress)
	assert.Equal(t, addr, *key.RefundAddress)
	assert.Equal(t, Msat, key.RefundUnit)
	require.NotNil(t, key.KeyExpiryTime)
	assert.Equal(t, expiry, *key.KeyExpiryTime)
}

func TestKeyRepository_TotalUserBalance(t *testing.T) {
	db := SetupTestDB(t)
	defer db.Close()
	defer CleanupTestDB(t, db)

	repo := NewKeyRepository(db)
	ctx := context.Background()

	for i, balance := range []int64{10_000, 20_000} {
		key := newTestKey(fmt.Sprintf("total%d", i))
		require.NoError(t, repo.Create(ctx, key))
		require.NoError(t, repo.Credit(ctx, key.HashedKey, balance))
	}
	require.NoError(t, repo.Reserve(ctx, "total1", 5000))

	total, err := repo.TotalUserBalance(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(30_000), total, "reserved funds still belong to users")
}
