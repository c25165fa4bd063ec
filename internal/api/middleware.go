package api

import (
	"net/http"
	"strings"
	"time"

	"routstr-proxy/internal/proxy"
	"routstr-proxy/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// middleware assigns each request a uuid, echoes it in the response header,
// applies CORS, recovers panics into 500 envelopes and logs the outcome.
func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.NewString()
		r = r.WithContext(proxy.WithRequestID(r.Context(), requestID))
		w.Header().Set(proxy.RequestIDHeader, requestID)

		if s.applyCORS(w, r) {
			return
		}

		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("Panic in request handler",
					zap.String("request_id", requestID),
					zap.String("path", r.URL.Path),
					zap.Any("panic", rec))
				proxy.WriteError(w, r, http.StatusInternalServerError, "internal_error", "internal server error")
			}
		}()

		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Info("Request handled",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)))
	})
}

// applyCORS sets the CORS headers and answers preflights. Returns true when
// the request was a preflight and is already answered.
func (s *Server) applyCORS(w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}

	allowed := ""
	if s.corsOrigins == "*" {
		allowed = "*"
	} else {
		for _, o := range strings.Split(s.corsOrigins, ",") {
			if strings.TrimSpace(o) == origin {
				allowed = origin
				break
			}
		}
	}
	if allowed == "" {
		return false
	}

	w.Header().Set("Access-Control-Allow-Origin", allowed)
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Cashu, Refund-LNURL, Key-Expiry-Time")
	w.Header().Set("Access-Control-Expose-Headers", "X-Cashu, "+proxy.RequestIDHeader)

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return true
	}
	return false
}
