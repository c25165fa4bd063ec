package exchange

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"routstr-proxy/pkg/cache"
	"routstr-proxy/pkg/logger"

	"go.uber.org/zap"
)

// rateCacheKey stores the raw (pre-fee) sats-per-USD rate in Redis so a
// burst of refreshes across processes hits the providers at most once per TTL.
const rateCacheKey = "exchange:sats_per_usd"

const rateCacheTTL = 60 * time.Second

// ErrNoPrice is returned when every configured provider failed
var ErrNoPrice = errors.New("no price available from any provider")

// Oracle converts USD amounts to sats. It queries all configured providers,
// takes the maximum sats-per-USD answer (the most conservative conversion
// for the operator) and applies the exchange and upstream provider fees.
type Oracle struct {
	providers   []PriceProvider
	exchangeFee float64
	providerFee float64
}

// NewOracle builds an oracle over the given providers. Pass the result of
// DefaultProviders() in production; tests inject providers against mock
// servers.
func NewOracle(providers []PriceProvider, exchangeFee, providerFee float64) *Oracle {
	if exchangeFee <= 0 {
		exchangeFee = 1.005
	}
	if providerFee <= 0 {
		providerFee = 1.05
	}
	return &Oracle{
		providers:   providers,
		exchangeFee: exchangeFee,
		providerFee: providerFee,
	}
}

// DefaultProviders returns the three production price sources.
func DefaultProviders() []PriceProvider {
	var out []PriceProvider
	for _, name := range []string{"coinbase", "coingecko", "bitstamp"} {
		p, err := NewProvider(name, "", nil)
		if err != nil {
			// Only reachable if the name list above drifts from NewProvider.
			logger.Error("Failed to create price provider", zap.String("provider", name), zap.Error(err))
			continue
		}
		out = append(out, p)
	}
	return out
}

// SatsPerUSD returns sats per US dollar including fees.
func (o *Oracle) SatsPerUSD(ctx context.Context) (float64, error) {
	raw, err := o.rawSatsPerUSD(ctx)
	if err != nil {
		return 0, err
	}
	return raw * o.exchangeFee * o.providerFee, nil
}

func (o *Oracle) rawSatsPerUSD(ctx context.Context) (float64, error) {
	if cached := o.cachedRate(ctx); cached > 0 {
		return cached, nil
	}

	best := 0.0
	var lastErr error
	for _, p := range o.providers {
		price, err := p.GetPrice(ctx, "USD") // USD per BTC
		if err != nil {
			lastErr = err
			continue
		}
		if price <= 0 {
			continue
		}
		// 1 BTC = 100,000,000 sats; the cheaper the BTC price, the more sats
		// one dollar buys.
		satsPerUSD := 100_000_000 / price
		if satsPerUSD > best {
			best = satsPerUSD
		}
	}
	if best <= 0 {
		if lastErr != nil {
			return 0, fmt.Errorf("%w: %w", ErrNoPrice, lastErr)
		}
		return 0, ErrNoPrice
	}

	o.storeRate(ctx, best)
	return best, nil
}

func (o *Oracle) cachedRate(ctx context.Context) float64 {
	if cache.Client == nil {
		return 0
	}
	val, err := cache.Get(ctx, rateCacheKey)
	if err != nil || val == "" {
		return 0
	}
	rate, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0
	}
	return rate
}

func (o *Oracle) storeRate(ctx context.Context, rate float64) {
	if cache.Client == nil {
		return
	}
	if err := cache.Set(ctx, rateCacheKey, strconv.FormatFloat(rate, 'f', -1, 64), rateCacheTTL); err != nil {
		logger.Warn("Failed to cache exchange rate", zap.Error(err))
	}
}
