package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"routstr-proxy/pkg/logger"

	"github.com/btcsuite/btcd/btcutil/bech32"
	decodepay "github.com/nbd-wtf/ln-decodepay"
	"go.uber.org/zap"
)

var (
	// ErrInvalidLNURL is returned when the address parses as none of the
	// supported forms
	ErrInvalidLNURL = errors.New("invalid lnurl or lightning address")
	// ErrAmountOutOfRange is returned when the payee's min/max excludes the
	// requested amount
	ErrAmountOutOfRange = errors.New("amount outside lnurl sendable range")
)

// payRequest is the LNURL-pay metadata served at the resolved endpoint.
// minSendable/maxSendable are msats per LUD-06.
type payRequest struct {
	Callback    string `json:"callback"`
	MinSendable int64  `json:"minSendable"`
	MaxSendable int64  `json:"maxSendable"`
	Tag         string `json:"tag"`
}

type invoiceResponse struct {
	PR     string `json:"pr"`
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// PayLNURL sends amount (denominated in unit) from the proofs at mintURL to
// an LNURL or Lightning address. The estimated routing fee is withheld from
// the amount; the return value is what was actually paid out in sats.
func (m *Manager) PayLNURL(ctx context.Context, amount uint64, unit, mintURL, lnurl string) (uint64, error) {
	amountSats := amount
	if unit == "msat" {
		amountSats = amount / 1000
	}
	if mintURL == "" {
		mintURL = m.PrimaryMint()
	}

	fee := EstimateLightningFee(amountSats)
	if amountSats <= fee {
		return 0, ErrTokenTooSmall
	}
	sendSats := amountSats - fee

	invoice, err := m.fetchInvoice(ctx, lnurl, sendSats)
	if err != nil {
		return 0, err
	}

	g := m.gateway(mintURL, SatUnit)
	g.mu.Lock()
	defer g.mu.Unlock()

	paid, err := m.backend.Melt(ctx, invoice, mintURL)
	if err != nil {
		return 0, fmt.Errorf("failed to pay lnurl invoice: %w", err)
	}
	logger.Info("Paid LNURL",
		zap.String("recipient", lnurl),
		zap.Uint64("requested_sats", amountSats),
		zap.Uint64("paid_sats", paid))
	return paid, nil
}

// fetchInvoice resolves the address, checks the sendable range and requests
// an invoice for sendSats, verifying the invoice amount matches.
func (m *Manager) fetchInvoice(ctx context.Context, lnurl string, sendSats uint64) (string, error) {
	endpoint, err := ResolveLNURL(lnurl)
	if err != nil {
		return "", err
	}

	var pr payRequest
	if err := m.getJSON(ctx, endpoint, &pr); err != nil {
		return "", fmt.Errorf("failed to fetch lnurl pay request: %w", err)
	}
	if pr.Callback == "" {
		return "", fmt.Errorf("%w: pay request has no callback", ErrInvalidLNURL)
	}

	sendMsats := int64(sendSats) * 1000
	if sendMsats < pr.MinSendable || (pr.MaxSendable > 0 && sendMsats > pr.MaxSendable) {
		return "", fmt.Errorf("%w: %d msat not in [%d, %d]",
			ErrAmountOutOfRange, sendMsats, pr.MinSendable, pr.MaxSendable)
	}

	cbURL, err := url.Parse(pr.Callback)
	if err != nil {
		return "", fmt.Errorf("%w: bad callback url: %w", ErrInvalidLNURL, err)
	}
	q := cbURL.Query()
	q.Set("amount", fmt.Sprintf("%d", sendMsats))
	cbURL.RawQuery = q.Encode()

	var inv invoiceResponse
	if err := m.getJSON(ctx, cbURL.String(), &inv); err != nil {
		return "", fmt.Errorf("failed to fetch lnurl invoice: %w", err)
	}
	if strings.EqualFold(inv.Status, "ERROR") || inv.PR == "" {
		return "", fmt.Errorf("lnurl callback rejected request: %s", inv.Reason)
	}

	// The payee chooses the invoice; make sure it asks for what we offered.
	bolt11, err := decodepay.Decodepay(inv.PR)
	if err != nil {
		return "", fmt.Errorf("failed to decode lnurl invoice: %w", err)
	}
	if bolt11.MSatoshi != sendMsats {
		return "", fmt.Errorf("lnurl invoice amount %d msat does not match requested %d msat",
			bolt11.MSatoshi, sendMsats)
	}
	return inv.PR, nil
}

func (m *Manager) getJSON(ctx context.Context, rawURL string, target any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("lnurl endpoint returned status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(target)
}

// ResolveLNURL turns any supported recipient form into the HTTPS endpoint
// serving its payRequest: `lightning:` prefixed values, Lightning addresses
// (user@host), bech32 `lnurl1…` strings, and direct HTTPS URLs.
func ResolveLNURL(address string) (string, error) {
	address = strings.TrimSpace(address)
	address = strings.TrimPrefix(address, "lightning:")
	if address == "" {
		return "", ErrInvalidLNURL
	}

	if strings.Contains(address, "@") {
		parts := strings.Split(address, "@")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return "", fmt.Errorf("%w: malformed lightning address %q", ErrInvalidLNURL, address)
		}
		return fmt.Sprintf("https://%s/.well-known/lnurlp/%s", parts[1], parts[0]), nil
	}

	if strings.HasPrefix(strings.ToLower(address), "lnurl1") {
		hrp, data, err := bech32.DecodeNoLimit(strings.ToLower(address))
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrInvalidLNURL, err)
		}
		if hrp != "lnurl" {
			return "", fmt.Errorf("%w: unexpected hrp %q", ErrInvalidLNURL, hrp)
		}
		decoded, err := bech32.ConvertBits(data, 5, 8, false)
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrInvalidLNURL, err)
		}
		return string(decoded), nil
	}

	if strings.HasPrefix(address, "https://") || strings.HasPrefix(address, "http://") {
		return address, nil
	}

	return "", fmt.Errorf("%w: %q", ErrInvalidLNURL, address)
}
