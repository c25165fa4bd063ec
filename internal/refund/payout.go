package refund

import (
	"context"
	"time"

	"routstr-proxy/pkg/logger"

	"go.uber.org/zap"
)

// payoutThresholdSats is the minimum surplus worth sweeping; below it the
// Lightning fee would eat a meaningful fraction.
const payoutThresholdSats = 210

// payoutInterval is how often the sweep runs.
const payoutInterval = 5 * time.Minute

// PayoutWorker periodically moves the operator's surplus (treasury holdings
// above the aggregate user balance) to the configured Lightning address.
type PayoutWorker struct {
	wallet         Wallet
	ledger         Ledger
	receiveAddress string
	interval       time.Duration
	threshold      uint64
}

// NewPayoutWorker creates a payout worker. An empty receiveAddress disables
// it; Run returns immediately.
func NewPayoutWorker(wallet Wallet, ledger Ledger, receiveAddress string) *PayoutWorker {
	return &PayoutWorker{
		wallet:         wallet,
		ledger:         ledger,
		receiveAddress: receiveAddress,
		interval:       payoutInterval,
		threshold:      payoutThresholdSats,
	}
}

// Run sweeps until ctx is canceled.
func (w *PayoutWorker) Run(ctx context.Context) {
	if w.receiveAddress == "" {
		logger.Info("No receive address configured, payout worker disabled")
		return
	}
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("Payout worker stopped")
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

// sweep pays out the surplus at each trusted mint. The full aggregate user
// balance is subtracted at every mint, which understates the surplus when
// balances are spread across mints; money is never swept out from under a
// user.
func (w *PayoutWorker) sweep(ctx context.Context) {
	owedMsats, err := w.ledger.TotalUserBalance(ctx)
	if err != nil {
		logger.Error("Payout sweep failed to read user balances", zap.Error(err))
		return
	}
	owedSats := uint64((owedMsats + 999) / 1000)

	for _, mint := range w.wallet.TrustedMints() {
		held, err := w.wallet.Balance(ctx, mint, "sat")
		if err != nil {
			logger.Error("Payout sweep failed to read wallet balance",
				zap.String("mint", mint), zap.Error(err))
			continue
		}
		if held <= owedSats {
			continue
		}
		surplus := held - owedSats
		if surplus <= w.threshold {
			continue
		}

		paid, err := w.wallet.PayLNURL(ctx, surplus, "sat", mint, w.receiveAddress)
		if err != nil {
			logger.Error("Payout failed",
				zap.String("mint", mint),
				zap.Uint64("surplus_sats", surplus),
				zap.Error(err))
			continue
		}
		logger.Info("Surplus paid out",
			zap.String("mint", mint),
			zap.Uint64("surplus_sats", surplus),
			zap.Uint64("paid_sats", paid),
			zap.String("recipient", w.receiveAddress))
	}
}
