// Package wallet wraps the Cashu wallet behind the capability set the rest
// of the proxy needs: redeem tokens, send tokens, swap foreign-mint tokens
// to the primary mint over Lightning, and pay LNURL addresses.
//
// The underlying wallet library is not assumed to be safe for concurrent
// callers, so every (mint, unit) pair gets one Gateway whose operations are
// serialized by its mutex. Gateways are created lazily by the Manager.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"routstr-proxy/pkg/logger"

	"go.uber.org/zap"
)

var (
	// ErrInvalidToken is returned for tokens that do not parse as ecash
	ErrInvalidToken = errors.New("invalid ecash token format")
	// ErrTokenAlreadySpent is returned when the mint rejects proofs as spent
	ErrTokenAlreadySpent = errors.New("ecash token already spent")
	// ErrInsufficientFunds is returned when the wallet cannot cover a send
	ErrInsufficientFunds = errors.New("insufficient wallet balance")
	// ErrTokenTooSmall is returned when a token cannot cover the swap fee
	ErrTokenTooSmall = errors.New("token too small to cover lightning fee")
)

// SatUnit is the wallet's native unit. The ledger deals in msats; the
// conversion happens at the ledger boundary, never inside the wallet.
const SatUnit = "sat"

// Redemption is the outcome of receiving an ecash token.
type Redemption struct {
	Amount  uint64 // denominated in Unit
	Unit    string
	MintURL string // mint that ended up holding the proofs
}

// Backend is the capability set required from the underlying Cashu wallet
// library. All amounts are sats.
type Backend interface {
	// Balance returns the proof sum held at one mint ("" = all mints).
	Balance(mintURL string) (uint64, error)
	// Receive redeems a serialized token into wallet proofs at the token's
	// own mint and reports (amount, mintURL).
	Receive(ctx context.Context, token string) (uint64, string, error)
	// Send removes proofs worth amount from the given mint and serializes
	// them as a token.
	Send(ctx context.Context, amount uint64, mintURL string) (string, error)
	// MintQuote asks mintURL for a Lightning invoice that, once paid, mints
	// amount sats of new proofs there.
	MintQuote(ctx context.Context, amount uint64, mintURL string) (quoteID, invoice string, err error)
	// MintTokens claims the proofs for a previously paid quote.
	MintTokens(ctx context.Context, quoteID string) (uint64, error)
	// Melt pays a BOLT11 invoice with proofs held at mintURL and returns the
	// amount paid in sats.
	Melt(ctx context.Context, invoice string, mintURL string) (uint64, error)
}

// Gateway serializes wallet operations for one (mint, unit) pair.
type Gateway struct {
	mu      sync.Mutex
	mintURL string
	unit    string
}

// Manager owns the backend and the lazily created gateway singletons.
type Manager struct {
	backend      Backend
	trustedMints []string // head is the primary mint
	httpClient   *http.Client

	mu       sync.Mutex
	gateways map[string]*Gateway
}

// NewManager creates a manager. trustedMints must be non-empty; its head is
// the primary mint. httpClient is used for LNURL callbacks (nil gets a
// default with a 30s timeout).
func NewManager(backend Backend, trustedMints []string, httpClient *http.Client) (*Manager, error) {
	if len(trustedMints) == 0 {
		return nil, errors.New("at least one trusted mint is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Manager{
		backend:      backend,
		trustedMints: trustedMints,
		httpClient:   httpClient,
		gateways:     make(map[string]*Gateway),
	}, nil
}

// PrimaryMint returns the head of the trusted mint list.
func (m *Manager) PrimaryMint() string {
	return m.trustedMints[0]
}

// TrustedMints returns the configured mint list, primary first.
func (m *Manager) TrustedMints() []string {
	return m.trustedMints
}

// IsTrusted reports whether proofs at mintURL may be held long-term.
func (m *Manager) IsTrusted(mintURL string) bool {
	return slices.Contains(m.trustedMints, mintURL)
}

// gateway returns the singleton for (mintURL, unit), creating it lazily.
func (m *Manager) gateway(mintURL, unit string) *Gateway {
	key := mintURL + "|" + unit
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.gateways[key]
	if !ok {
		g = &Gateway{mintURL: mintURL, unit: unit}
		m.gateways[key] = g
	}
	return g
}

// Balance returns the proof sum at one mint, denominated in unit.
func (m *Manager) Balance(ctx context.Context, mintURL, unit string) (uint64, error) {
	g := m.gateway(mintURL, unit)
	g.mu.Lock()
	defer g.mu.Unlock()

	sats, err := m.backend.Balance(mintURL)
	if err != nil {
		return 0, fmt.Errorf("failed to get wallet balance at %s: %w", mintURL, err)
	}
	if unit == "msat" {
		return sats * 1000, nil
	}
	return sats, nil
}

// Redeem receives an ecash token into the treasury. Tokens from untrusted
// mints are swapped to the primary mint over Lightning; the returned amount
// is what actually landed (net of the Lightning fee for swaps).
func (m *Manager) Redeem(ctx context.Context, token string) (*Redemption, error) {
	amount, mintURL, err := m.receiveAt(ctx, token)
	if err != nil {
		return nil, err
	}

	if m.IsTrusted(mintURL) {
		return &Redemption{Amount: amount, Unit: SatUnit, MintURL: mintURL}, nil
	}

	swapped, err := m.swapToPrimary(ctx, amount, mintURL)
	if err != nil {
		return nil, err
	}
	logger.Info("Swapped foreign-mint token to primary mint",
		zap.String("source_mint", mintURL),
		zap.Uint64("received_sats", amount),
		zap.Uint64("swapped_sats", swapped))
	return &Redemption{Amount: swapped, Unit: SatUnit, MintURL: m.PrimaryMint()}, nil
}

func (m *Manager) receiveAt(ctx context.Context, token string) (uint64, string, error) {
	// The token's own mint is only known after decode, so receive under the
	// primary gateway lock; the backend wallet is a single shared store.
	g := m.gateway(m.PrimaryMint(), SatUnit)
	g.mu.Lock()
	defer g.mu.Unlock()
	return m.backend.Receive(ctx, token)
}

// SendToken mints a serialized token worth amount sats from the proofs held
// at mintURL ("" = primary).
func (m *Manager) SendToken(ctx context.Context, amount uint64, unit, mintURL string) (string, error) {
	if mintURL == "" {
		mintURL = m.PrimaryMint()
	}
	g := m.gateway(mintURL, unit)
	g.mu.Lock()
	defer g.mu.Unlock()

	token, err := m.backend.Send(ctx, amount, mintURL)
	if err != nil {
		return "", err
	}
	return token, nil
}

// swapToPrimary moves value held at a foreign mint to the primary mint:
// mint quote at primary for amount minus the estimated Lightning fee, melt
// the foreign proofs into the quote's invoice, then claim the new proofs.
func (m *Manager) swapToPrimary(ctx context.Context, amount uint64, fromMint string) (uint64, error) {
	fee := EstimateLightningFee(amount)
	if amount <= fee {
		return 0, ErrTokenTooSmall
	}

	src := m.gateway(fromMint, SatUnit)
	dst := m.gateway(m.PrimaryMint(), SatUnit)
	src.mu.Lock()
	defer src.mu.Unlock()
	dst.mu.Lock()
	defer dst.mu.Unlock()

	quoteID, invoice, err := m.backend.MintQuote(ctx, amount-fee, m.PrimaryMint())
	if err != nil {
		return 0, fmt.Errorf("failed to request mint quote at primary: %w", err)
	}
	if _, err := m.backend.Melt(ctx, invoice, fromMint); err != nil {
		return 0, fmt.Errorf("failed to melt foreign proofs: %w", err)
	}
	minted, err := m.backend.MintTokens(ctx, quoteID)
	if err != nil {
		return 0, fmt.Errorf("failed to mint at primary after melt: %w", err)
	}
	return minted, nil
}

// EstimateLightningFee is the routing fee reserve used for swaps and LNURL
// payouts: max(1% rounded up, 2 sat).
func EstimateLightningFee(amountSats uint64) uint64 {
	fee := (amountSats + 99) / 100
	if fee < 2 {
		fee = 2
	}
	return fee
}
