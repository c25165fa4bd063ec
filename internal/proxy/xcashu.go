package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"routstr-proxy/internal/auth"
	"routstr-proxy/internal/cost"
	"routstr-proxy/internal/database"
	"routstr-proxy/internal/payment"
	"routstr-proxy/internal/wallet"
	"routstr-proxy/pkg/logger"

	"go.uber.org/zap"
)

// handleXCashu runs the per-request ecash flow on chat completions: the
// X-Cashu token is redeemed into an ephemeral ledger row, the max cost is
// reserved, and whatever is left after settlement comes back as a fresh
// token in the X-Cashu response header. The row is deleted at the end; no
// balance survives the request.
//
// Change is minted before any response headers go out, because the header is
// the only channel back to the client and headers cannot be amended once
// streaming starts. Streaming requests therefore settle at the max cost.
func (e *Engine) handleXCashu(w http.ResponseWriter, r *http.Request, token string, body []byte, parsed map[string]any, model string) {
	if e.treasury == nil || e.keys == nil {
		WriteError(w, r, http.StatusBadRequest, "xcashu_disabled", "per-request ecash is not enabled")
		return
	}
	ctx := r.Context()

	redemption, err := e.treasury.Redeem(ctx, token)
	if err != nil {
		status, code := redeemStatus(err)
		WriteError(w, r, status, code, err.Error())
		return
	}
	msats := database.ParseUnit(redemption.Unit).ToMsats(int64(redemption.Amount))

	hashedKey := auth.HashCredential(token)
	row := &database.Key{
		HashedKey: hashedKey,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.keys.Create(ctx, row); err != nil {
		WriteError(w, r, http.StatusInternalServerError, "internal_error", "failed to create ephemeral key")
		return
	}
	if err := e.keys.Credit(ctx, hashedKey, msats); err != nil {
		WriteError(w, r, http.StatusInternalServerError, "internal_error", "failed to credit ephemeral key")
		return
	}
	defer func() {
		cleanup := context.WithoutCancel(r.Context())
		if err := e.keys.Delete(cleanup, hashedKey); err != nil {
			logger.Error("Failed to delete ephemeral key",
				zap.String("hashed_key", hashedKey), zap.Error(err))
		}
	}()

	maxCost := e.pricer.MaxCostMsats(model)
	if msats < maxCost {
		e.setChangeHeader(ctx, w.Header(), msats, redemption.MintURL)
		WriteError(w, r, http.StatusPaymentRequired, "insufficient_balance", "token does not cover the model's max cost")
		return
	}

	pending, err := e.payments.Reserve(ctx, hashedKey, maxCost, RequestIDFrom(ctx), model)
	if err != nil {
		e.setChangeHeader(ctx, w.Header(), msats, redemption.MintURL)
		status, code := reserveStatus(err)
		WriteError(w, r, status, code, err.Error())
		return
	}

	resp, err := e.doUpstream(r, body)
	if err != nil {
		e.revert(ctx, pending)
		e.setChangeHeader(ctx, w.Header(), msats, redemption.MintURL)
		status, code := upstreamStatus(err)
		WriteError(w, r, status, code, "upstream request failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		e.revert(ctx, pending)
		e.setChangeHeader(ctx, w.Header(), msats, redemption.MintURL)
		copyResponseHeaders(w.Header(), resp.Header, false)
		w.WriteHeader(resp.StatusCode)
		if _, err := io.Copy(w, resp.Body); err != nil {
			logger.Warn("Failed to relay upstream error body", zap.Error(err))
		}
		return
	}

	if isEventStream(resp) {
		// Change above the max cost goes out in the headers now, so the
		// stream is charged at the full reservation regardless of usage.
		// Settle up front; a disconnect mid-stream changes nothing.
		e.setChangeHeader(ctx, w.Header(), msats-maxCost, redemption.MintURL)
		e.finalizeAtMax(ctx, pending)
		copyResponseHeaders(w.Header(), resp.Header, true)
		w.WriteHeader(resp.StatusCode)
		relayStream(w, resp.Body)
		return
	}

	e.finalizeXCashuJSON(w, r, resp, pending, msats, redemption.MintURL)
}

// finalizeXCashuJSON settles a non-streaming X-Cashu response at the actual
// cost and returns the remainder of the token as change.
func (e *Engine) finalizeXCashuJSON(w http.ResponseWriter, r *http.Request, resp *http.Response, pending *payment.Pending, msats int64, mintURL string) {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		e.finalizeAtMax(r.Context(), pending)
		e.setChangeHeader(r.Context(), w.Header(), msats-pending.Reserved(), mintURL)
		WriteError(w, r, http.StatusBadGateway, "upstream_body_read_failed", "failed to read upstream response")
		return
	}

	finCtx := context.WithoutCancel(r.Context())
	charged := pending.Reserved()
	costData := cost.CostData{TotalMsats: charged}

	var parsed map[string]any
	if jsonErr := json.Unmarshal(raw, &parsed); jsonErr == nil {
		result, calcErr := e.calc.Calculate(parsed, pending.Reserved())
		if calcErr == nil && !result.AtMax {
			charged = result.Cost.TotalMsats
			costData = result.Cost
			if err := pending.Finalize(finCtx, charged); err != nil && !errors.Is(err, payment.ErrAlreadySettled) {
				logger.Error("X-Cashu finalize failed", zap.Error(err))
			}
		} else {
			if result.AtMax {
				costData = result.Cost
			}
			e.finalizeAtMax(finCtx, pending)
		}
		parsed["cost"] = costData
		if out, mErr := json.Marshal(parsed); mErr == nil {
			raw = out
		}
	} else {
		e.finalizeAtMax(finCtx, pending)
	}

	e.setChangeHeader(finCtx, w.Header(), msats-charged, mintURL)
	copyResponseHeaders(w.Header(), resp.Header, true)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	w.Write(raw)
}

// setChangeHeader mints a token worth the whole-sat part of msats and puts
// it in the X-Cashu response header. Sub-sat remainders cannot be expressed
// as proofs and are kept by the treasury.
func (e *Engine) setChangeHeader(ctx context.Context, hdr http.Header, msats int64, mintURL string) {
	sats := msats / 1000
	if sats < 1 {
		return
	}
	token, err := e.treasury.SendToken(context.WithoutCancel(ctx), uint64(sats), wallet.SatUnit, mintURL)
	if err != nil {
		logger.Error("Failed to mint change token",
			zap.Int64("sats", sats), zap.String("mint", mintURL), zap.Error(err))
		return
	}
	hdr.Set("X-Cashu", token)
}

// relayStream copies SSE bytes through, flushing on every frame boundary.
func relayStream(w http.ResponseWriter, body io.Reader) {
	flusher, _ := w.(http.Flusher)
	reader := bufio.NewReader(body)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			if _, werr := w.Write(line); werr != nil {
				return
			}
			if flusher != nil && isFrameBoundary(line) {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

// redeemStatus maps wallet redemption failures to (status, code).
func redeemStatus(err error) (int, string) {
	switch {
	case errors.Is(err, wallet.ErrInvalidToken):
		return http.StatusUnauthorized, "invalid_token"
	case errors.Is(err, wallet.ErrTokenAlreadySpent):
		return http.StatusUnauthorized, "token_already_spent"
	case errors.Is(err, wallet.ErrTokenTooSmall):
		return http.StatusRequestEntityTooLarge, "token_too_small"
	default:
		return http.StatusServiceUnavailable, "mint_unavailable"
	}
}
