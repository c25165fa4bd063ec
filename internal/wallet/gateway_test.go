package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend is an in-memory Backend with per-mint balances.
type fakeBackend struct {
	mu       sync.Mutex
	balances map[string]uint64

	// receive behavior
	receiveAmount uint64
	receiveMint   string
	receiveErr    error

	// swap bookkeeping
	quoteCounter int
	quotes       map[string]uint64 // quoteID -> amount
	meltErr      error
	sendErr      error

	sends []uint64
	melts []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		balances: make(map[string]uint64),
		quotes:   make(map[string]uint64),
	}
}

func (f *fakeBackend) Balance(mintURL string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if mintURL == "" {
		var total uint64
		for _, b := range f.balances {
			total += b
		}
		return total, nil
	}
	return f.balances[mintURL], nil
}

func (f *fakeBackend) Receive(ctx context.Context, token string) (uint64, string, error) {
	if f.receiveErr != nil {
		return 0, "", f.receiveErr
	}
	f.mu.Lock()
	f.balances[f.receiveMint] += f.receiveAmount
	f.mu.Unlock()
	return f.receiveAmount, f.receiveMint, nil
}

func (f *fakeBackend) Send(ctx context.Context, amount uint64, mintURL string) (string, error) {
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balances[mintURL] < amount {
		return "", ErrInsufficientFunds
	}
	f.balances[mintURL] -= amount
	f.sends = append(f.sends, amount)
	return fmt.Sprintf("cashuAfake%d", amount), nil
}

func (f *fakeBackend) MintQuote(ctx context.Context, amount uint64, mintURL string) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quoteCounter++
	id := fmt.Sprintf("quote-%d", f.quoteCounter)
	f.quotes[id] = amount
	return id, "lnbc-invoice-" + id, nil
}

func (f *fakeBackend) MintTokens(ctx context.Context, quoteID string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	amount, ok := f.quotes[quoteID]
	if !ok {
		return 0, errors.New("unknown quote")
	}
	return amount, nil
}

func (f *fakeBackend) Melt(ctx context.Context, invoice string, mintURL string) (uint64, error) {
	if f.meltErr != nil {
		return 0, f.meltErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.melts = append(f.melts, invoice)
	return f.balances[mintURL], nil
}

const (
	primaryMint = "https://mint.primary.example"
	foreignMint = "https://mint.foreign.example"
)

func newTestManager(t *testing.T, backend Backend) *Manager {
	t.Helper()
	m, err := NewManager(backend, []string{primaryMint, "https://mint.second.example"}, nil)
	require.NoError(t, err)
	return m
}

func TestNewManagerRequiresMints(t *testing.T) {
	_, err := NewManager(newFakeBackend(), nil, nil)
	assert.Error(t, err)
}

func TestRedeemTrustedMint(t *testing.T) {
	backend := newFakeBackend()
	backend.receiveAmount = 100
	backend.receiveMint = primaryMint
	m := newTestManager(t, backend)

	red, err := m.Redeem(context.Background(), "cashuAtok")
	require.NoError(t, err)
	assert.Equal(t, uint64(100), red.Amount)
	assert.Equal(t, SatUnit, red.Unit)
	assert.Equal(t, primaryMint, red.MintURL)
	assert.Empty(t, backend.melts, "trusted-mint tokens are held in place")
}

func TestRedeemForeignMintSwapsToPrimary(t *testing.T) {
	backend := newFakeBackend()
	backend.receiveAmount = 100
	backend.receiveMint = foreignMint
	m := newTestManager(t, backend)

	red, err := m.Redeem(context.Background(), "cashuAtok")
	require.NoError(t, err)
	// 100 sats minus the 2 sat fee reserve lands at the primary mint.
	assert.Equal(t, uint64(98), red.Amount)
	assert.Equal(t, primaryMint, red.MintURL)
	require.Len(t, backend.melts, 1)
}

func TestRedeemForeignTokenTooSmall(t *testing.T) {
	backend := newFakeBackend()
	backend.receiveAmount = 2
	backend.receiveMint = foreignMint
	m := newTestManager(t, backend)

	_, err := m.Redeem(context.Background(), "cashuAtok")
	assert.ErrorIs(t, err, ErrTokenTooSmall)
}

func TestRedeemSpentToken(t *testing.T) {
	backend := newFakeBackend()
	backend.receiveErr = ErrTokenAlreadySpent
	m := newTestManager(t, backend)

	_, err := m.Redeem(context.Background(), "cashuAtok")
	assert.ErrorIs(t, err, ErrTokenAlreadySpent)
}

func TestSendTokenDefaultsToPrimary(t *testing.T) {
	backend := newFakeBackend()
	backend.balances[primaryMint] = 50
	m := newTestManager(t, backend)

	token, err := m.SendToken(context.Background(), 20, SatUnit, "")
	require.NoError(t, err)
	assert.Equal(t, "cashuAfake20", token)

	balance, err := m.Balance(context.Background(), primaryMint, SatUnit)
	require.NoError(t, err)
	assert.Equal(t, uint64(30), balance)
}

func TestSendTokenInsufficientFunds(t *testing.T) {
	m := newTestManager(t, newFakeBackend())

	_, err := m.SendToken(context.Background(), 20, SatUnit, primaryMint)
	assert.ErrorIs(t, err, ErrInsufficientFunds)
}

func TestBalanceMsatConversion(t *testing.T) {
	backend := newFakeBackend()
	backend.balances[primaryMint] = 21
	m := newTestManager(t, backend)

	msats, err := m.Balance(context.Background(), primaryMint, "msat")
	require.NoError(t, err)
	assert.Equal(t, uint64(21_000), msats)
}

func TestIsTrusted(t *testing.T) {
	m := newTestManager(t, newFakeBackend())
	assert.True(t, m.IsTrusted(primaryMint))
	assert.True(t, m.IsTrusted("https://mint.second.example"))
	assert.False(t, m.IsTrusted(foreignMint))
}

func TestEstimateLightningFee(t *testing.T) {
	assert.Equal(t, uint64(2), EstimateLightningFee(1))
	assert.Equal(t, uint64(2), EstimateLightningFee(100))
	assert.Equal(t, uint64(2), EstimateLightningFee(200))
	assert.Equal(t, uint64(3), EstimateLightningFee(201))
	assert.Equal(t, uint64(10), EstimateLightningFee(1000))
}
