// Package refund drains key balances back to their owners, either as ecash
// tokens or over Lightning, and sweeps the operator's surplus out of the
// treasury on a timer.
package refund

import (
	"context"
	"errors"
	"fmt"

	"routstr-proxy/internal/auth"
	"routstr-proxy/internal/database"
	"routstr-proxy/pkg/logger"

	"go.uber.org/zap"
)

var (
	// ErrNothingToRefund is returned for keys with a zero spendable balance
	ErrNothingToRefund = errors.New("no balance to refund")
	// ErrPayoutFailed wraps wallet failures; the balance has been restored
	ErrPayoutFailed = errors.New("refund payout failed")
)

// Wallet is the treasury capability refunds need.
type Wallet interface {
	SendToken(ctx context.Context, amount uint64, unit, mintURL string) (string, error)
	PayLNURL(ctx context.Context, amount uint64, unit, mintURL, lnurl string) (uint64, error)
	Balance(ctx context.Context, mintURL, unit string) (uint64, error)
	TrustedMints() []string
	PrimaryMint() string
}

// Ledger is the key repository slice refunds need.
type Ledger interface {
	Get(ctx context.Context, hashedKey string) (*database.Key, error)
	Drain(ctx context.Context, hashedKey string) (int64, error)
	Credit(ctx context.Context, hashedKey string, msats int64) error
	Delete(ctx context.Context, hashedKey string) error
	TotalUserBalance(ctx context.Context) (int64, error)
}

// Result is the refund response body.
type Result struct {
	Token     string `json:"token,omitempty"`
	Recipient string `json:"recipient,omitempty"`
	Sats      uint64 `json:"sats,omitempty"`
	Msats     int64  `json:"msats,omitempty"`
}

// Service executes refunds with per-bearer idempotency.
type Service struct {
	wallet Wallet
	ledger Ledger
	cache  *resultCache
}

// NewService creates a refund service. cacheTTLSeconds bounds how long a
// repeated refund call returns the prior response instead of failing on the
// now-deleted key.
func NewService(wallet Wallet, ledger Ledger, cacheTTLSeconds int) *Service {
	return &Service{
		wallet: wallet,
		ledger: ledger,
		cache:  newResultCache(cacheTTLSeconds),
	}
}

// Refund drains the bearer's balance and pays it out: to the stored LNURL
// refund address when one is set, otherwise as a fresh ecash token. The row
// is deleted only after the payout succeeded; on failure the drained amount
// is credited back.
func (s *Service) Refund(ctx context.Context, bearer string) (*Result, error) {
	cacheKey := auth.HashCredential(bearer)
	if prior, ok := s.cache.get(cacheKey); ok {
		return prior, nil
	}

	hashedKey, err := auth.HashedKeyFromBearer(bearer)
	if err != nil {
		return nil, err
	}
	key, err := s.ledger.Get(ctx, hashedKey)
	if err != nil {
		return nil, err
	}

	amount, err := s.ledger.Drain(ctx, hashedKey)
	if err != nil {
		if errors.Is(err, database.ErrInsufficientBalance) {
			return nil, ErrNothingToRefund
		}
		return nil, err
	}

	result, err := s.payOut(ctx, key, amount)
	if err != nil {
		if restoreErr := s.ledger.Credit(ctx, hashedKey, amount); restoreErr != nil {
			logger.Error("Failed to restore balance after failed refund",
				zap.String("hashed_key", hashedKey),
				zap.Int64("msats", amount),
				zap.Error(restoreErr))
		}
		return nil, fmt.Errorf("%w: %w", ErrPayoutFailed, err)
	}

	if err := s.ledger.Delete(ctx, hashedKey); err != nil {
		logger.Error("Failed to delete key after refund",
			zap.String("hashed_key", hashedKey), zap.Error(err))
	}
	s.cache.put(cacheKey, result)
	logger.Info("Refund completed",
		zap.String("hashed_key", hashedKey),
		zap.Int64("msats", amount),
		zap.Bool("lightning", key.RefundAddress != nil))
	return result, nil
}

func (s *Service) payOut(ctx context.Context, key *database.Key, msats int64) (*Result, error) {
	mintURL := s.wallet.PrimaryMint()
	if key.RefundMint != nil && *key.RefundMint != "" {
		mintURL = *key.RefundMint
	}
	unit := key.RefundUnit.String()

	if key.RefundAddress != nil && *key.RefundAddress != "" {
		amount := uint64(msats)
		if key.RefundUnit == database.Sat {
			amount = uint64(msats / 1000)
		}
		paid, err := s.wallet.PayLNURL(ctx, amount, unit, mintURL, *key.RefundAddress)
		if err != nil {
			return nil, err
		}
		result := &Result{Recipient: *key.RefundAddress}
		if key.RefundUnit == database.Msat {
			result.Msats = int64(paid) * 1000
		} else {
			result.Sats = paid
		}
		return result, nil
	}

	// Proofs are sat-denominated; sub-sat remainders stay with the treasury.
	sats := uint64(msats / 1000)
	if sats < 1 {
		return nil, errors.New("balance below one sat cannot be tokenized")
	}
	token, err := s.wallet.SendToken(ctx, sats, unit, mintURL)
	if err != nil {
		return nil, err
	}
	result := &Result{Token: token}
	if key.RefundUnit == database.Msat {
		result.Msats = int64(sats) * 1000
	} else {
		result.Sats = sats
	}
	return result, nil
}
