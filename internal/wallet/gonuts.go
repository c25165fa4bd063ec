package wallet

import (
	"context"
	"fmt"
	"strings"

	"github.com/elnosh/gonuts/cashu"
	"github.com/elnosh/gonuts/cashu/nuts/nut05"
	"github.com/elnosh/gonuts/wallet"
)

// gonutsBackend implements Backend on top of github.com/elnosh/gonuts.
// One wallet instance holds proofs for every mint; per-(mint,unit)
// serialization happens above this layer.
type gonutsBackend struct {
	w *wallet.Wallet
}

// NewGonutsBackend loads (or creates) the wallet database at walletPath,
// bound to the primary mint.
func NewGonutsBackend(walletPath, primaryMint string) (Backend, error) {
	w, err := wallet.LoadWallet(wallet.Config{
		WalletPath:     walletPath,
		CurrentMintURL: primaryMint,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load cashu wallet: %w", err)
	}
	return &gonutsBackend{w: w}, nil
}

func (b *gonutsBackend) Balance(mintURL string) (uint64, error) {
	if mintURL == "" {
		return b.w.GetBalance(), nil
	}
	return b.w.GetBalanceByMints()[mintURL], nil
}

func (b *gonutsBackend) Receive(ctx context.Context, token string) (uint64, string, error) {
	t, err := cashu.DecodeToken(token)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	// swapToTrusted = false: the caller decides whether to move the value to
	// the primary mint (the Lightning swap carries a fee).
	amount, err := b.w.Receive(t, false)
	if err != nil {
		if isAlreadySpent(err) {
			return 0, "", ErrTokenAlreadySpent
		}
		return 0, "", fmt.Errorf("failed to receive token: %w", err)
	}
	return amount, t.Mint(), nil
}

func (b *gonutsBackend) Send(ctx context.Context, amount uint64, mintURL string) (string, error) {
	proofs, err := b.w.Send(amount, mintURL, true)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "insufficient") {
			return "", fmt.Errorf("%w: %w", ErrInsufficientFunds, err)
		}
		return "", fmt.Errorf("failed to send from wallet: %w", err)
	}

	token, err := cashu.NewTokenV4(proofs, mintURL, cashu.Sat, false)
	if err != nil {
		return "", fmt.Errorf("failed to build token: %w", err)
	}
	serialized, err := token.Serialize()
	if err != nil {
		return "", fmt.Errorf("failed to serialize token: %w", err)
	}
	return serialized, nil
}

func (b *gonutsBackend) MintQuote(ctx context.Context, amount uint64, mintURL string) (string, string, error) {
	quote, err := b.w.RequestMint(amount, mintURL)
	if err != nil {
		return "", "", fmt.Errorf("failed to request mint quote: %w", err)
	}
	return quote.Quote, quote.Request, nil
}

func (b *gonutsBackend) MintTokens(ctx context.Context, quoteID string) (uint64, error) {
	proofs, err := b.w.MintTokens(quoteID)
	if err != nil {
		return 0, fmt.Errorf("failed to mint tokens: %w", err)
	}
	return proofs.Amount(), nil
}

func (b *gonutsBackend) Melt(ctx context.Context, invoice string, mintURL string) (uint64, error) {
	res, err := b.w.Melt(invoice, mintURL)
	if err != nil {
		return 0, fmt.Errorf("failed to melt proofs: %w", err)
	}
	if res.State != nut05.Paid {
		return 0, fmt.Errorf("melt did not settle (state %v)", res.State)
	}
	return res.Amount, nil
}

func isAlreadySpent(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already spent") || strings.Contains(msg, "token already spent")
}
