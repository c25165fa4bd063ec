// Package proxy forwards OpenAI-compatible API traffic to the upstream
// provider with ecash billing wrapped around every billable request: reserve
// the model's max cost before forwarding, settle at the actual cost (or at
// max, or revert) once the upstream outcome is known.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"routstr-proxy/internal/auth"
	"routstr-proxy/internal/cost"
	"routstr-proxy/internal/database"
	"routstr-proxy/internal/payment"
	"routstr-proxy/internal/wallet"
	"routstr-proxy/pkg/logger"

	"go.uber.org/zap"
	xproxy "golang.org/x/net/proxy"
)

// maxRequestBody bounds how much of the inbound body is buffered for model
// extraction. Chat completion payloads are far below this.
const maxRequestBody = 10 << 20

// Config holds the upstream connection settings.
type Config struct {
	UpstreamBaseURL string
	UpstreamAPIKey  string
	TorProxyURL     string // optional socks5:// endpoint
}

// Resolver maps bearers to ledger rows.
type Resolver interface {
	Resolve(ctx context.Context, bearer string, opts auth.Options) (*database.Key, error)
}

// Pricer sizes reservations.
type Pricer interface {
	MaxCostMsats(model string) int64
}

// Calculator prices upstream responses.
type Calculator interface {
	Calculate(body map[string]any, deductedMaxCost int64) (cost.Result, error)
}

// Treasury is the wallet slice the per-request ecash flow needs.
type Treasury interface {
	Redeem(ctx context.Context, token string) (*wallet.Redemption, error)
	SendToken(ctx context.Context, amount uint64, unit, mintURL string) (string, error)
	PrimaryMint() string
}

// KeyStore is the ledger slice the per-request ecash flow needs for its
// ephemeral rows.
type KeyStore interface {
	Create(ctx context.Context, key *database.Key) error
	Credit(ctx context.Context, hashedKey string, msats int64) error
	Get(ctx context.Context, hashedKey string) (*database.Key, error)
	Delete(ctx context.Context, hashedKey string) error
}

// Engine is the proxy handler.
type Engine struct {
	cfg      Config
	client   *http.Client
	resolver Resolver
	payments *payment.Service
	pricer   Pricer
	calc     Calculator
	treasury Treasury // nil disables the X-Cashu flow
	keys     KeyStore
}

// NewEngine builds the proxy. The upstream client has no global timeout
// because completions stream for minutes; cancellation rides the request
// context. treasury and keys may be nil together to disable X-Cashu.
func NewEngine(cfg Config, resolver Resolver, payments *payment.Service, pricer Pricer, calc Calculator, treasury Treasury, keys KeyStore) (*Engine, error) {
	client, err := newUpstreamClient(cfg.TorProxyURL)
	if err != nil {
		return nil, err
	}
	return &Engine{
		cfg:      cfg,
		client:   client,
		resolver: resolver,
		payments: payments,
		pricer:   pricer,
		calc:     calc,
		treasury: treasury,
		keys:     keys,
	}, nil
}

func newUpstreamClient(torProxyURL string) (*http.Client, error) {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
	}
	if torProxyURL != "" {
		u, err := url.Parse(torProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid tor proxy url: %w", err)
		}
		var sockAuth *xproxy.Auth
		if u.User != nil {
			pw, _ := u.User.Password()
			sockAuth = &xproxy.Auth{User: u.User.Username(), Password: pw}
		}
		dialer, err := xproxy.SOCKS5("tcp", u.Host, sockAuth, xproxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("failed to create socks5 dialer: %w", err)
		}
		cd, ok := dialer.(xproxy.ContextDialer)
		if !ok {
			return nil, errors.New("socks5 dialer does not support contexts")
		}
		transport.Proxy = nil
		transport.DialContext = cd.DialContext
		logger.Info("Routing upstream traffic through tor", zap.String("proxy", u.Host))
	}
	return &http.Client{Transport: transport}, nil
}

// Handle is the catch-all proxy handler: GETs pass through unbilled, POSTs
// are admitted against the ledger before the upstream ever sees them.
func (e *Engine) Handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		e.passThrough(w, r)
		return
	}
	if r.Method != http.MethodPost {
		WriteError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "only GET and POST are proxied")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		WriteError(w, r, http.StatusBadRequest, "body_read_failed", "failed to read request body")
		return
	}

	var parsed map[string]any
	if len(body) > 0 && strings.Contains(r.Header.Get("Content-Type"), "json") {
		if err := json.Unmarshal(body, &parsed); err != nil {
			WriteError(w, r, http.StatusBadRequest, "invalid_json", "request body is not valid JSON")
			return
		}
	}
	model, _ := parsed["model"].(string)

	if token := r.Header.Get("X-Cashu"); token != "" && strings.HasSuffix(r.URL.Path, "chat/completions") {
		e.handleXCashu(w, r, token, body, parsed, model)
		return
	}

	bearer := BearerToken(r)
	if bearer == "" {
		WriteError(w, r, http.StatusUnauthorized, "missing_authorization", "POST requests require an Authorization or X-Cashu header")
		return
	}
	key, err := e.resolver.Resolve(r.Context(), bearer, auth.Options{
		RefundLNURL:   r.Header.Get("Refund-LNURL"),
		KeyExpiryTime: r.Header.Get("Key-Expiry-Time"),
	})
	if err != nil {
		status, code := AuthStatus(err)
		WriteError(w, r, status, code, err.Error())
		return
	}

	maxCost := e.pricer.MaxCostMsats(model)
	pending, err := e.payments.Reserve(r.Context(), key.HashedKey, maxCost, RequestIDFrom(r.Context()), model)
	if err != nil {
		status, code := reserveStatus(err)
		WriteError(w, r, status, code, err.Error())
		return
	}

	e.forward(w, r, body, pending)
}

// forward issues the upstream request and settles the reservation according
// to the outcome.
func (e *Engine) forward(w http.ResponseWriter, r *http.Request, body []byte, pending *payment.Pending) {
	resp, err := e.doUpstream(r, body)
	if err != nil {
		e.revert(r.Context(), pending)
		status, code := upstreamStatus(err)
		WriteError(w, r, status, code, "upstream request failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		e.revert(r.Context(), pending)
		copyResponseHeaders(w.Header(), resp.Header, false)
		w.WriteHeader(resp.StatusCode)
		if _, err := io.Copy(w, resp.Body); err != nil {
			logger.Warn("Failed to relay upstream error body", zap.Error(err))
		}
		return
	}

	if isEventStream(resp) {
		e.streamResponse(w, r, resp, pending)
		return
	}
	e.finalizeJSON(w, r, resp, pending)
}

// doUpstream builds and sends the upstream request. One retry on transport
// errors for idempotent bodies is left to the http.Transport itself.
func (e *Engine) doUpstream(r *http.Request, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(r.Context(), r.Method, e.upstreamURL(r), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	copyRequestHeaders(req.Header, r.Header)
	if e.cfg.UpstreamAPIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.UpstreamAPIKey)
	}
	return e.client.Do(req)
}

// upstreamURL maps the inbound path onto the upstream base, dropping the
// local /v1 prefix (the base carries its own version segment).
func (e *Engine) upstreamURL(r *http.Request) string {
	path := strings.TrimPrefix(r.URL.Path, "/v1")
	base := strings.TrimSuffix(e.cfg.UpstreamBaseURL, "/")
	u := base + "/" + strings.TrimPrefix(path, "/")
	if r.URL.RawQuery != "" {
		u += "?" + r.URL.RawQuery
	}
	return u
}

// passThrough relays unbilled GETs (model lists, health probes).
func (e *Engine) passThrough(w http.ResponseWriter, r *http.Request) {
	resp, err := e.doUpstream(r, nil)
	if err != nil {
		status, code := upstreamStatus(err)
		WriteError(w, r, status, code, "upstream request failed")
		return
	}
	defer resp.Body.Close()

	copyResponseHeaders(w.Header(), resp.Header, false)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		logger.Warn("Failed to relay upstream response", zap.Error(err))
	}
}

// finalizeJSON settles a non-streaming response: price the body, release the
// unspent reservation and inject the cost object before delivery.
func (e *Engine) finalizeJSON(w http.ResponseWriter, r *http.Request, resp *http.Response, pending *payment.Pending) {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		// The response is gone; the reservation still has to be released.
		e.finalizeAtMax(r.Context(), pending)
		WriteError(w, r, http.StatusBadGateway, "upstream_body_read_failed", "failed to read upstream response")
		return
	}

	finCtx := context.WithoutCancel(r.Context())
	var parsed map[string]any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		e.finalizeAtMax(finCtx, pending)
		copyResponseHeaders(w.Header(), resp.Header, false)
		w.WriteHeader(resp.StatusCode)
		w.Write(raw)
		return
	}

	costData := cost.CostData{TotalMsats: pending.Reserved()}
	result, calcErr := e.calc.Calculate(parsed, pending.Reserved())
	switch {
	case calcErr != nil:
		logger.Warn("Cost calculation failed, charging reservation",
			zap.String("request_id", RequestIDFrom(r.Context())), zap.Error(calcErr))
		e.finalizeAtMax(finCtx, pending)
	case result.AtMax:
		costData = result.Cost
		e.finalizeAtMax(finCtx, pending)
	default:
		costData = result.Cost
		if err := pending.Finalize(finCtx, result.Cost.TotalMsats); err != nil && !errors.Is(err, payment.ErrAlreadySettled) {
			logger.Error("Finalize failed", zap.String("request_id", RequestIDFrom(r.Context())), zap.Error(err))
		}
	}

	parsed["cost"] = costData
	out, err := json.Marshal(parsed)
	if err != nil {
		out = raw
	}
	copyResponseHeaders(w.Header(), resp.Header, true)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	w.Write(out)
}

func (e *Engine) finalizeAtMax(ctx context.Context, pending *payment.Pending) {
	if err := pending.FinalizeAtMax(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, payment.ErrAlreadySettled) {
		logger.Error("Finalize at max failed", zap.Error(err))
	}
}

func (e *Engine) revert(ctx context.Context, pending *payment.Pending) {
	if err := pending.Revert(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, payment.ErrAlreadySettled) {
		logger.Error("Revert failed", zap.Error(err))
	}
}

func isEventStream(resp *http.Response) bool {
	return strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream")
}

// AuthStatus maps resolver failures to (status, code).
func AuthStatus(err error) (int, string) {
	switch {
	case errors.Is(err, auth.ErrMissingCredential):
		return http.StatusUnauthorized, "missing_authorization"
	case errors.Is(err, auth.ErrUnknownKey):
		return http.StatusUnauthorized, "unknown_key"
	case errors.Is(err, auth.ErrInvalidCredential):
		return http.StatusUnauthorized, "invalid_credential"
	case errors.Is(err, auth.ErrExpiryWithoutRefund):
		return http.StatusBadRequest, "expiry_without_refund"
	case errors.Is(err, wallet.ErrInvalidToken):
		return http.StatusUnauthorized, "invalid_token"
	case errors.Is(err, wallet.ErrTokenAlreadySpent):
		return http.StatusUnauthorized, "token_already_spent"
	case errors.Is(err, wallet.ErrTokenTooSmall):
		return http.StatusRequestEntityTooLarge, "token_too_small"
	case strings.Contains(err.Error(), "Key-Expiry-Time"):
		return http.StatusBadRequest, "invalid_expiry"
	case strings.Contains(err.Error(), "redeem"):
		return http.StatusServiceUnavailable, "mint_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// reserveStatus maps admission failures to (status, code).
func reserveStatus(err error) (int, string) {
	switch {
	case errors.Is(err, database.ErrInsufficientBalance):
		return http.StatusPaymentRequired, "insufficient_balance"
	case errors.Is(err, database.ErrKeyNotFound):
		return http.StatusUnauthorized, "unknown_key"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// upstreamStatus maps transport failures: timeouts to 504, everything else
// to 502.
func upstreamStatus(err error) (int, string) {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return http.StatusGatewayTimeout, "upstream_timeout"
	}
	return http.StatusBadGateway, "upstream_unreachable"
}
