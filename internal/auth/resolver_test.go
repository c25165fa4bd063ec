package auth

import (
	"context"
	"errors"
	"sync"
	"testing"

	"routstr-proxy/internal/database"
	"routstr-proxy/internal/wallet"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeKeyStore struct {
	mu   sync.Mutex
	keys map[string]*database.Key
}

func newFakeKeyStore() *fakeKeyStore {
	return &fakeKeyStore{keys: make(map[string]*database.Key)}
}

func (s *fakeKeyStore) Get(_ context.Context, hashedKey string) (*database.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[hashedKey]
	if !ok {
		return nil, database.ErrKeyNotFound
	}
	cp := *k
	return &cp, nil
}

func (s *fakeKeyStore) Create(_ context.Context, key *database.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key.HashedKey]; ok {
		return database.ErrKeyExists
	}
	cp := *key
	s.keys[key.HashedKey] = &cp
	return nil
}

func (s *fakeKeyStore) Credit(_ context.Context, hashedKey string, msats int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[hashedKey]
	if !ok {
		return database.ErrKeyNotFound
	}
	k.Balance += msats
	return nil
}

func (s *fakeKeyStore) Delete(_ context.Context, hashedKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[hashedKey]; !ok {
		return database.ErrKeyNotFound
	}
	delete(s.keys, hashedKey)
	return nil
}

func (s *fakeKeyStore) SetRefundInfo(_ context.Context, hashedKey string, refundAddress *string, refundUnit *database.Unit, refundMint *string, expiry *int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[hashedKey]
	if !ok {
		return database.ErrKeyNotFound
	}
	if refundAddress != nil {
		k.RefundAddress = refundAddress
	}
	if refundUnit != nil {
		k.RefundUnit = *refundUnit
	}
	if refundMint != nil {
		k.RefundMint = refundMint
	}
	if expiry != nil {
		k.KeyExpiryTime = expiry
	}
	return nil
}

type fakeTreasury struct {
	mu          sync.Mutex
	redeemed    map[string]int
	amount      uint64
	mintURL     string
	redeemErr   error
	primaryMint string
}

func (t *fakeTreasury) Redeem(_ context.Context, token string) (*wallet.Redemption, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.redeemed == nil {
		t.redeemed = make(map[string]int)
	}
	t.redeemed[token]++
	if t.redeemErr != nil {
		return nil, t.redeemErr
	}
	mint := t.mintURL
	if mint == "" {
		mint = t.primaryMint
	}
	return &wallet.Redemption{Amount: t.amount, Unit: wallet.SatUnit, MintURL: mint}, nil
}

func (t *fakeTreasury) PrimaryMint() string {
	return t.primaryMint
}

const testMint = "https://mint.example.com"

func TestResolveEmptyBearer(t *testing.T) {
	r := NewResolver(newFakeKeyStore(), &fakeTreasury{primaryMint: testMint})

	_, err := r.Resolve(context.Background(), "", Options{})
	assert.ErrorIs(t, err, ErrMissingCredential)

	_, err = r.Resolve(context.Background(), "   ", Options{})
	assert.ErrorIs(t, err, ErrMissingCredential)
}

func TestResolveGarbageBearer(t *testing.T) {
	r := NewResolver(newFakeKeyStore(), &fakeTreasury{primaryMint: testMint})

	_, err := r.Resolve(context.Background(), "not-a-credential", Options{})
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestResolveAPIKey(t *testing.T) {
	store := newFakeKeyStore()
	hashed := HashCredential("cashuAsome-token")
	require.NoError(t, store.Create(context.Background(), &database.Key{HashedKey: hashed}))
	require.NoError(t, store.Credit(context.Background(), hashed, 5000))

	r := NewResolver(store, &fakeTreasury{primaryMint: testMint})

	key, err := r.Resolve(context.Background(), "sk-"+hashed, Options{})
	require.NoError(t, err)
	assert.Equal(t, hashed, key.HashedKey)
	assert.Equal(t, int64(5000), key.Balance)

	_, err = r.Resolve(context.Background(), "sk-deadbeef", Options{})
	assert.ErrorIs(t, err, ErrUnknownKey)
}

func TestResolveTokenFundsNewKey(t *testing.T) {
	store := newFakeKeyStore()
	treasury := &fakeTreasury{primaryMint: testMint, amount: 21}
	r := NewResolver(store, treasury)

	token := "cashuAeyJ0b2tlbiI6W119"
	key, err := r.Resolve(context.Background(), token, Options{})
	require.NoError(t, err)
	assert.Equal(t, HashCredential(token), key.HashedKey)
	assert.Equal(t, int64(21000), key.Balance, "21 sat should land as 21000 msat")
	require.NotNil(t, key.RefundMint)
	assert.Equal(t, testMint, *key.RefundMint)
}

func TestResolveTokenIdempotent(t *testing.T) {
	store := newFakeKeyStore()
	treasury := &fakeTreasury{primaryMint: testMint, amount: 100}
	r := NewResolver(store, treasury)

	token := "cashuAeyJ0b2tlbiI6W119"
	first, err := r.Resolve(context.Background(), token, Options{})
	require.NoError(t, err)

	second, err := r.Resolve(context.Background(), token, Options{})
	require.NoError(t, err)

	assert.Equal(t, first.HashedKey, second.HashedKey)
	assert.Equal(t, int64(100000), second.Balance, "resubmission must not double-credit")
	assert.Equal(t, 1, treasury.redeemed[token], "token must be redeemed exactly once")
}

func TestResolveTokenRedeemFailureDeletesRow(t *testing.T) {
	store := newFakeKeyStore()
	treasury := &fakeTreasury{primaryMint: testMint, redeemErr: wallet.ErrTokenAlreadySpent}
	r := NewResolver(store, treasury)

	token := "cashuAspent"
	_, err := r.Resolve(context.Background(), token, Options{})
	require.ErrorIs(t, err, wallet.ErrTokenAlreadySpent)

	_, err = store.Get(context.Background(), HashCredential(token))
	assert.ErrorIs(t, err, database.ErrKeyNotFound, "failed redemption must not leave a row behind")
}

func TestResolveTokenForeignMintRecorded(t *testing.T) {
	store := newFakeKeyStore()
	treasury := &fakeTreasury{primaryMint: testMint, amount: 50, mintURL: "https://other.mint"}
	r := NewResolver(store, treasury)

	key, err := r.Resolve(context.Background(), "cashuAforeign", Options{})
	require.NoError(t, err)
	require.NotNil(t, key.RefundMint)
	assert.Equal(t, "https://other.mint", *key.RefundMint)
}

func TestResolveRefundHeaders(t *testing.T) {
	store := newFakeKeyStore()
	treasury := &fakeTreasury{primaryMint: testMint, amount: 10}
	r := NewResolver(store, treasury)

	key, err := r.Resolve(context.Background(), "cashuAwithrefund", Options{
		RefundLNURL:   "user@wallet.example",
		KeyExpiryTime: "1767225600",
	})
	require.NoError(t, err)
	require.NotNil(t, key.RefundAddress)
	assert.Equal(t, "user@wallet.example", *key.RefundAddress)
	require.NotNil(t, key.KeyExpiryTime)
	assert.Equal(t, int64(1767225600), *key.KeyExpiryTime)
}

func TestResolveExpiryWithoutRefundRejected(t *testing.T) {
	store := newFakeKeyStore()
	r := NewResolver(store, &fakeTreasury{primaryMint: testMint, amount: 10})

	_, err := r.Resolve(context.Background(), "cashuAnorefund", Options{KeyExpiryTime: "1767225600"})
	assert.ErrorIs(t, err, ErrExpiryWithoutRefund)
}

func TestResolveExpiryOnKeyWithExistingRefund(t *testing.T) {
	store := newFakeKeyStore()
	treasury := &fakeTreasury{primaryMint: testMint, amount: 10}
	r := NewResolver(store, treasury)

	token := "cashuAhasrefund"
	_, err := r.Resolve(context.Background(), token, Options{RefundLNURL: "user@wallet.example"})
	require.NoError(t, err)

	key, err := r.Resolve(context.Background(), token, Options{KeyExpiryTime: "1767225600"})
	require.NoError(t, err)
	require.NotNil(t, key.KeyExpiryTime)
	assert.Equal(t, int64(1767225600), *key.KeyExpiryTime)
}

func TestResolveInvalidExpiry(t *testing.T) {
	store := newFakeKeyStore()
	r := NewResolver(store, &fakeTreasury{primaryMint: testMint, amount: 10})

	_, err := r.Resolve(context.Background(), "cashuAbadexpiry", Options{
		RefundLNURL:   "user@wallet.example",
		KeyExpiryTime: "tomorrow",
	})
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrExpiryWithoutRefund))
}
