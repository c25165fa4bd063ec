package refund

import (
	"context"
	"errors"
	"sync"
	"testing"

	"routstr-proxy/internal/auth"
	"routstr-proxy/internal/database"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const primaryMint = "https://mint.example"

type fakeWallet struct {
	mu          sync.Mutex
	sendCalls   int
	payCalls    int
	sendErr     error
	payErr      error
	paidSats    []uint64
	balances    map[string]uint64
	payFeeDelta uint64 // subtracted from the requested amount to simulate fees
}

func (w *fakeWallet) SendToken(_ context.Context, amount uint64, _, _ string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sendCalls++
	if w.sendErr != nil {
		return "", w.sendErr
	}
	return "cashuArefund", nil
}

func (w *fakeWallet) PayLNURL(_ context.Context, amount uint64, _, _, _ string) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.payCalls++
	if w.payErr != nil {
		return 0, w.payErr
	}
	paid := amount - w.payFeeDelta
	w.paidSats = append(w.paidSats, paid)
	return paid, nil
}

func (w *fakeWallet) Balance(_ context.Context, mintURL, _ string) (uint64, error) {
	return w.balances[mintURL], nil
}

func (w *fakeWallet) TrustedMints() []string {
	mints := make([]string, 0, len(w.balances))
	for m := range w.balances {
		mints = append(mints, m)
	}
	if len(mints) == 0 {
		mints = []string{primaryMint}
	}
	return mints
}

func (w *fakeWallet) PrimaryMint() string { return primaryMint }

type fakeLedger struct {
	mu   sync.Mutex
	rows map[string]*database.Key
	owed int64
}

func newFakeLedger() *fakeLedger { return &fakeLedger{rows: make(map[string]*database.Key)} }

func (l *fakeLedger) Get(_ context.Context, hashedKey string) (*database.Key, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k, ok := l.rows[hashedKey]
	if !ok {
		return nil, database.ErrKeyNotFound
	}
	cp := *k
	return &cp, nil
}

func (l *fakeLedger) Drain(_ context.Context, hashedKey string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k, ok := l.rows[hashedKey]
	if !ok {
		return 0, database.ErrKeyNotFound
	}
	if k.Balance <= 0 {
		return 0, database.ErrInsufficientBalance
	}
	old := k.Balance
	k.Balance = 0
	return old, nil
}

func (l *fakeLedger) Credit(_ context.Context, hashedKey string, msats int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	k, ok := l.rows[hashedKey]
	if !ok {
		return database.ErrKeyNotFound
	}
	k.Balance += msats
	return nil
}

func (l *fakeLedger) Delete(_ context.Context, hashedKey string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.rows[hashedKey]; !ok {
		return database.ErrKeyNotFound
	}
	delete(l.rows, hashedKey)
	return nil
}

func (l *fakeLedger) TotalUserBalance(context.Context) (int64, error) {
	return l.owed, nil
}

func seedKey(l *fakeLedger, bearer string, balance int64, refundAddr *string) string {
	hashed, _ := auth.HashedKeyFromBearer(bearer)
	l.rows[hashed] = &database.Key{
		HashedKey:     hashed,
		Balance:       balance,
		RefundAddress: refundAddr,
		RefundUnit:    database.Sat,
	}
	return hashed
}

func TestRefundAsToken(t *testing.T) {
	wallet := &fakeWallet{}
	ledger := newFakeLedger()
	bearer := "sk-abc123"
	hashed := seedKey(ledger, bearer, 5500, nil)

	svc := NewService(wallet, ledger, 60)
	result, err := svc.Refund(context.Background(), bearer)
	require.NoError(t, err)

	assert.Equal(t, "cashuArefund", result.Token)
	assert.Equal(t, uint64(5), result.Sats, "5500 msat tokenizes as 5 sat")
	assert.Empty(t, result.Recipient)

	_, err = ledger.Get(context.Background(), hashed)
	assert.ErrorIs(t, err, database.ErrKeyNotFound, "row deleted after successful refund")
}

func TestRefundOverLightning(t *testing.T) {
	wallet := &fakeWallet{payFeeDelta: 1}
	ledger := newFakeLedger()
	addr := "user@wallet.example"
	bearer := "sk-def456"
	seedKey(ledger, bearer, 10_000, &addr)

	svc := NewService(wallet, ledger, 60)
	result, err := svc.Refund(context.Background(), bearer)
	require.NoError(t, err)

	assert.Equal(t, addr, result.Recipient)
	assert.Equal(t, uint64(9), result.Sats)
	assert.Empty(t, result.Token)
	assert.Equal(t, 1, wallet.payCalls)
	assert.Equal(t, 0, wallet.sendCalls)
}

func TestRefundIdempotent(t *testing.T) {
	wallet := &fakeWallet{}
	ledger := newFakeLedger()
	bearer := "sk-abc123"
	seedKey(ledger, bearer, 5000, nil)

	svc := NewService(wallet, ledger, 60)
	first, err := svc.Refund(context.Background(), bearer)
	require.NoError(t, err)

	second, err := svc.Refund(context.Background(), bearer)
	require.NoError(t, err, "retry within the TTL returns the cached response")
	assert.Equal(t, first, second)
	assert.Equal(t, 1, wallet.sendCalls, "the wallet is only touched once")
}

func TestRefundFailureRestoresBalance(t *testing.T) {
	wallet := &fakeWallet{sendErr: errors.New("mint unreachable")}
	ledger := newFakeLedger()
	bearer := "sk-abc123"
	hashed := seedKey(ledger, bearer, 5000, nil)

	svc := NewService(wallet, ledger, 60)
	_, err := svc.Refund(context.Background(), bearer)
	require.ErrorIs(t, err, ErrPayoutFailed)

	key, err := ledger.Get(context.Background(), hashed)
	require.NoError(t, err, "row survives a failed payout")
	assert.Equal(t, int64(5000), key.Balance, "drained amount is restored")
}

func TestRefundNothingToRefund(t *testing.T) {
	ledger := newFakeLedger()
	bearer := "sk-abc123"
	seedKey(ledger, bearer, 0, nil)

	svc := NewService(&fakeWallet{}, ledger, 60)
	_, err := svc.Refund(context.Background(), bearer)
	assert.ErrorIs(t, err, ErrNothingToRefund)
}

func TestRefundUnknownBearer(t *testing.T) {
	svc := NewService(&fakeWallet{}, newFakeLedger(), 60)

	_, err := svc.Refund(context.Background(), "sk-nothere")
	assert.ErrorIs(t, err, database.ErrKeyNotFound)

	_, err = svc.Refund(context.Background(), "garbage")
	assert.ErrorIs(t, err, auth.ErrInvalidCredential)
}

func TestPayoutSweepAboveThreshold(t *testing.T) {
	wallet := &fakeWallet{balances: map[string]uint64{primaryMint: 10_000}}
	ledger := newFakeLedger()
	ledger.owed = 2_000_000 // 2000 sat owed to users

	w := NewPayoutWorker(wallet, ledger, "operator@wallet.example")
	w.sweep(context.Background())

	require.Equal(t, 1, wallet.payCalls)
	assert.Equal(t, []uint64{8000}, wallet.paidSats, "surplus = held 10000 minus owed 2000")
}

func TestPayoutSweepBelowThresholdSkipped(t *testing.T) {
	wallet := &fakeWallet{balances: map[string]uint64{primaryMint: 2100}}
	ledger := newFakeLedger()
	ledger.owed = 2_000_000

	w := NewPayoutWorker(wallet, ledger, "operator@wallet.example")
	w.sweep(context.Background())

	assert.Equal(t, 0, wallet.payCalls, "100 sat surplus is below the 210 sat threshold")
}

func TestPayoutSweepNeverTouchesUserFunds(t *testing.T) {
	wallet := &fakeWallet{balances: map[string]uint64{primaryMint: 1500}}
	ledger := newFakeLedger()
	ledger.owed = 2_000_000

	w := NewPayoutWorker(wallet, ledger, "operator@wallet.example")
	w.sweep(context.Background())

	assert.Equal(t, 0, wallet.payCalls)
}
