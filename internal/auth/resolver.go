// Package auth maps inbound bearer credentials to ledger rows. A credential
// is either an opaque key ("sk-" + hashed key) or a serialized Cashu token;
// tokens are redeemed into the treasury on first sight.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"routstr-proxy/internal/database"
	"routstr-proxy/internal/wallet"
	"routstr-proxy/pkg/logger"

	"go.uber.org/zap"
)

var (
	// ErrMissingCredential is returned for an empty bearer
	ErrMissingCredential = errors.New("missing authorization credential")
	// ErrUnknownKey is returned for an sk- credential with no ledger row
	ErrUnknownKey = errors.New("unknown api key")
	// ErrInvalidCredential is returned for bearers that are neither keys nor tokens
	ErrInvalidCredential = errors.New("credential is neither an api key nor an ecash token")
	// ErrExpiryWithoutRefund rejects an expiry on a key with no refund address
	ErrExpiryWithoutRefund = errors.New("key expiry requires a refund address")
)

// Treasury is the wallet capability the resolver needs.
type Treasury interface {
	Redeem(ctx context.Context, token string) (*wallet.Redemption, error)
	PrimaryMint() string
}

// KeyStore is the ledger capability the resolver needs.
type KeyStore interface {
	Get(ctx context.Context, hashedKey string) (*database.Key, error)
	Create(ctx context.Context, key *database.Key) error
	Credit(ctx context.Context, hashedKey string, msats int64) error
	Delete(ctx context.Context, hashedKey string) error
	SetRefundInfo(ctx context.Context, hashedKey string, refundAddress *string, refundUnit *database.Unit, refundMint *string, expiry *int64) error
}

// Options carries the request-scoped headers applied on first sight of a
// credential and on subsequent explicit updates.
type Options struct {
	RefundLNURL   string
	KeyExpiryTime string // unix seconds, as sent in the Key-Expiry-Time header
}

// Resolver turns bearers into ledger rows.
type Resolver struct {
	keys     KeyStore
	treasury Treasury
}

// NewResolver creates a resolver over the given ledger and treasury.
func NewResolver(keys KeyStore, treasury Treasury) *Resolver {
	return &Resolver{keys: keys, treasury: treasury}
}

// HashCredential returns the lowercase SHA-256 hex of a credential; this is
// the ledger primary key and, behind an "sk-" prefix, the public key form.
func HashCredential(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:])
}

// HashedKeyFromBearer maps a bearer to the ledger primary key it addresses
// without any side effects: "sk-" credentials carry the hash directly, ecash
// tokens hash to it.
func HashedKeyFromBearer(bearer string) (string, error) {
	bearer = strings.TrimSpace(bearer)
	switch {
	case strings.HasPrefix(bearer, "sk-"):
		return strings.TrimPrefix(bearer, "sk-"), nil
	case strings.HasPrefix(bearer, "cashu"):
		return HashCredential(bearer), nil
	case bearer == "":
		return "", ErrMissingCredential
	default:
		return "", ErrInvalidCredential
	}
}

// Resolve maps a bearer to its ledger row, creating and funding one when the
// bearer is a fresh ecash token.
func (r *Resolver) Resolve(ctx context.Context, bearer string, opts Options) (*database.Key, error) {
	bearer = strings.TrimSpace(bearer)

	switch {
	case bearer == "":
		return nil, ErrMissingCredential

	case strings.HasPrefix(bearer, "sk-"):
		key, err := r.keys.Get(ctx, strings.TrimPrefix(bearer, "sk-"))
		if err != nil {
			if errors.Is(err, database.ErrKeyNotFound) {
				return nil, ErrUnknownKey
			}
			return nil, err
		}
		return r.applyOptions(ctx, key, opts)

	case strings.HasPrefix(bearer, "cashu"):
		return r.resolveToken(ctx, bearer, opts)

	default:
		return nil, ErrInvalidCredential
	}
}

// resolveToken is idempotent: re-submitting a token that already funded a
// row returns that row without touching the wallet again.
func (r *Resolver) resolveToken(ctx context.Context, token string, opts Options) (*database.Key, error) {
	hashedKey := HashCredential(token)

	key, err := r.keys.Get(ctx, hashedKey)
	if err == nil {
		return r.applyOptions(ctx, key, opts)
	}
	if !errors.Is(err, database.ErrKeyNotFound) {
		return nil, err
	}

	refundAddress, refundUnit, expiry, err := parseOptions(opts, nil)
	if err != nil {
		return nil, err
	}
	primaryMint := r.treasury.PrimaryMint()
	key = &database.Key{
		HashedKey:     hashedKey,
		RefundAddress: refundAddress,
		RefundUnit:    refundUnit,
		RefundMint:    &primaryMint,
		KeyExpiryTime: expiry,
		CreatedAt:     time.Now().UTC(),
	}
	if err := r.keys.Create(ctx, key); err != nil {
		if errors.Is(err, database.ErrKeyExists) {
			// Concurrent submission of the same token; the other request is
			// (or was) redeeming it. Return the existing row.
			return r.keys.Get(ctx, hashedKey)
		}
		return nil, err
	}

	redemption, err := r.treasury.Redeem(ctx, token)
	if err != nil {
		// The row was created speculatively; a failed redemption must not
		// leave an empty key behind.
		if delErr := r.keys.Delete(ctx, hashedKey); delErr != nil {
			logger.Error("Failed to delete key after failed redemption",
				zap.String("hashed_key", hashedKey), zap.Error(delErr))
		}
		return nil, fmt.Errorf("failed to redeem token: %w", err)
	}

	msats := database.ParseUnit(redemption.Unit).ToMsats(int64(redemption.Amount))
	if err := r.keys.Credit(ctx, hashedKey, msats); err != nil {
		return nil, err
	}
	if redemption.MintURL != primaryMint {
		mint := redemption.MintURL
		if err := r.keys.SetRefundInfo(ctx, hashedKey, nil, nil, &mint, nil); err != nil {
			logger.Warn("Failed to record refund mint", zap.Error(err))
		}
	}

	logger.Info("New key funded from ecash token",
		zap.String("hashed_key", hashedKey),
		zap.Int64("msats", msats),
		zap.String("mint", redemption.MintURL))
	return r.keys.Get(ctx, hashedKey)
}

// applyOptions persists explicit Refund-LNURL / Key-Expiry-Time updates on
// an existing row.
func (r *Resolver) applyOptions(ctx context.Context, key *database.Key, opts Options) (*database.Key, error) {
	if opts.RefundLNURL == "" && opts.KeyExpiryTime == "" {
		return key, nil
	}
	refundAddress, refundUnit, expiry, err := parseOptions(opts, key.RefundAddress)
	if err != nil {
		return nil, err
	}
	var unitPtr *database.Unit
	if refundAddress != nil {
		unitPtr = &refundUnit
	}
	if err := r.keys.SetRefundInfo(ctx, key.HashedKey, refundAddress, unitPtr, nil, expiry); err != nil {
		return nil, err
	}
	return r.keys.Get(ctx, key.HashedKey)
}

// parseOptions validates the header pair. existingRefund is the row's
// current refund address, nil for new rows.
func parseOptions(opts Options, existingRefund *string) (*string, database.Unit, *int64, error) {
	var refundAddress *string
	refundUnit := database.Sat
	if opts.RefundLNURL != "" {
		addr := opts.RefundLNURL
		refundAddress = &addr
	}

	var expiry *int64
	if opts.KeyExpiryTime != "" {
		ts, err := strconv.ParseInt(opts.KeyExpiryTime, 10, 64)
		if err != nil {
			return nil, refundUnit, nil, fmt.Errorf("invalid Key-Expiry-Time: %w", err)
		}
		if refundAddress == nil && (existingRefund == nil || *existingRefund == "") {
			return nil, refundUnit, nil, ErrExpiryWithoutRefund
		}
		expiry = &ts
	}
	return refundAddress, refundUnit, expiry, nil
}
