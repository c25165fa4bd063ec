package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"routstr-proxy/pkg/logger"

	"go.uber.org/zap"
)

// RequestIDHeader is echoed on every response so log lines can be joined to
// the request that produced them.
const RequestIDHeader = "x-routstr-request-id"

type ctxKey int

const requestIDKey ctxKey = iota

// WithRequestID stores the request id in the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFrom returns the request id, or "" when middleware did not run.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// ErrorBody is the error envelope returned on every failure.
type ErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

// WriteError emits the error envelope with the request id from the context.
func WriteError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	var body ErrorBody
	body.Error.Message = message
	body.Error.Type = errorType(status)
	body.Error.Code = code
	body.RequestID = RequestIDFrom(r.Context())

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Warn("Failed to write error response", zap.Error(err))
	}
}

func errorType(status int) string {
	switch {
	case status == http.StatusPaymentRequired:
		return "insufficient_quota"
	case status == http.StatusBadGateway || status == http.StatusGatewayTimeout:
		return "upstream_error"
	case status >= 400 && status < 500:
		return "invalid_request_error"
	default:
		return "internal_error"
	}
}

// BearerToken extracts the bearer credential from the Authorization header.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	if strings.HasPrefix(h, "Bearer ") || strings.HasPrefix(h, "bearer ") {
		return strings.TrimSpace(h[len("Bearer "):])
	}
	return strings.TrimSpace(h)
}

// hopByHopHeaders are stripped in both directions per RFC 7230 §6.1.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// sensitiveRequestHeaders carry client credentials or billing directives and
// must never reach the upstream.
var sensitiveRequestHeaders = []string{
	"Authorization",
	"X-Cashu",
	"Refund-Lnurl",
	"Key-Expiry-Time",
	"Cookie",
	"Host",
	"Content-Length",
	"Accept-Encoding",
}

// copyRequestHeaders copies inbound headers minus hop-by-hop and sensitive
// ones into the upstream request.
func copyRequestHeaders(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
	for _, h := range hopByHopHeaders {
		dst.Del(h)
	}
	for _, h := range sensitiveRequestHeaders {
		dst.Del(h)
	}
}

// copyResponseHeaders copies upstream headers minus hop-by-hop ones to the
// client. dropLength additionally removes Content-Length for bodies that are
// rewritten before delivery.
func copyResponseHeaders(dst, src http.Header, dropLength bool) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
	for _, h := range hopByHopHeaders {
		dst.Del(h)
	}
	if dropLength {
		dst.Del("Content-Length")
	}
}
