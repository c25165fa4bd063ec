// Package api exposes the HTTP surface: server metadata, the model list,
// balance management endpoints and the catch-all proxy, wrapped in request
// id, CORS and recovery middleware.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"

	"routstr-proxy/internal/auth"
	"routstr-proxy/internal/database"
	"routstr-proxy/internal/proxy"
	"routstr-proxy/internal/refund"
	"routstr-proxy/pkg/logger"

	"go.uber.org/zap"
)

// Version is reported by /v1/info.
const Version = "0.1.0"

// Catalog is the model list slice the API needs.
type Catalog interface {
	ListModels() []*database.Model
}

// Resolver maps bearers to ledger rows.
type Resolver interface {
	Resolve(ctx context.Context, bearer string, opts auth.Options) (*database.Key, error)
}

// Refunder executes balance refunds.
type Refunder interface {
	Refund(ctx context.Context, bearer string) (*refund.Result, error)
}

// SettingsStore persists the runtime config overrides edited over /admin.
type SettingsStore interface {
	Get(ctx context.Context) (*database.Settings, error)
	Upsert(ctx context.Context, s *database.Settings) error
}

// Server wires the HTTP surface together.
type Server struct {
	engine        *proxy.Engine
	resolver      Resolver
	catalog       Catalog
	refunds       Refunder
	mints         []string
	corsOrigins   string
	settings      SettingsStore
	adminPassword string
}

// NewServer creates the API server.
func NewServer(engine *proxy.Engine, resolver Resolver, catalog Catalog, refunds Refunder, mints []string, corsOrigins string) *Server {
	return &Server{
		engine:      engine,
		resolver:    resolver,
		catalog:     catalog,
		refunds:     refunds,
		mints:       mints,
		corsOrigins: corsOrigins,
	}
}

// EnableAdmin turns on the /admin/settings endpoints. A blank password keeps
// them off.
func (s *Server) EnableAdmin(settings SettingsStore, password string) {
	s.settings = settings
	s.adminPassword = password
}

// Routes returns the fully wired handler.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/info", s.handleInfo)
	mux.HandleFunc("GET /v1/models", s.handleModels)

	// /v1/wallet/* mirrors /v1/balance/* for older clients.
	for _, prefix := range []string{"/v1/balance", "/v1/wallet"} {
		mux.HandleFunc("GET "+prefix+"/info", s.handleBalanceInfo)
		mux.HandleFunc("GET "+prefix+"/{$}", s.handleBalanceInfo)
		mux.HandleFunc("POST "+prefix+"/topup", s.handleTopup)
		mux.HandleFunc("POST "+prefix+"/refund", s.handleRefund)
	}

	if s.settings != nil && s.adminPassword != "" {
		mux.HandleFunc("GET /admin/settings", s.requireAdmin(s.handleGetSettings))
		mux.HandleFunc("PUT /admin/settings", s.requireAdmin(s.handleUpdateSettings))
	}

	mux.HandleFunc("/", s.engine.Handle)

	return s.middleware(mux)
}

type infoResponse struct {
	Name    string   `json:"name"`
	Version string   `json:"version"`
	Mints   []string `json:"mints"`
	Models  []string `json:"models"`
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	models := s.catalog.ListModels()
	ids := make([]string, 0, len(models))
	for _, m := range models {
		ids = append(ids, m.ID)
	}
	writeJSON(w, http.StatusOK, infoResponse{
		Name:    "routstr-proxy",
		Version: Version,
		Mints:   s.mints,
		Models:  ids,
	})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	models := s.catalog.ListModels()
	if models == nil {
		models = []*database.Model{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": models})
}

type balanceResponse struct {
	APIKey   string `json:"api_key"`
	Balance  int64  `json:"balance"`
	Reserved int64  `json:"reserved"`
}

func (s *Server) handleBalanceInfo(w http.ResponseWriter, r *http.Request) {
	key, ok := s.resolveBearer(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{
		APIKey:   "sk-" + key.HashedKey,
		Balance:  key.Balance,
		Reserved: key.ReservedBalance,
	})
}

func (s *Server) handleTopup(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("cashu_token")
	if token == "" {
		var body struct {
			CashuToken string `json:"cashu_token"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			token = body.CashuToken
		}
	}
	if token == "" {
		proxy.WriteError(w, r, http.StatusBadRequest, "missing_token", "cashu_token is required")
		return
	}

	key, err := s.resolver.Resolve(r.Context(), token, auth.Options{
		RefundLNURL:   r.Header.Get("Refund-LNURL"),
		KeyExpiryTime: r.Header.Get("Key-Expiry-Time"),
	})
	if err != nil {
		status, code := proxy.AuthStatus(err)
		proxy.WriteError(w, r, status, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"api_key": "sk-" + key.HashedKey,
		"msats":   key.Balance,
	})
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	bearer := proxy.BearerToken(r)
	if bearer == "" {
		proxy.WriteError(w, r, http.StatusUnauthorized, "missing_authorization", "refund requires an Authorization header")
		return
	}

	result, err := s.refunds.Refund(r.Context(), bearer)
	if err != nil {
		status, code := refundStatus(err)
		proxy.WriteError(w, r, status, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// resolveBearer authenticates the request, writing the error response on
// failure.
func (s *Server) resolveBearer(w http.ResponseWriter, r *http.Request) (*database.Key, bool) {
	bearer := proxy.BearerToken(r)
	key, err := s.resolver.Resolve(r.Context(), bearer, auth.Options{
		RefundLNURL:   r.Header.Get("Refund-LNURL"),
		KeyExpiryTime: r.Header.Get("Key-Expiry-Time"),
	})
	if err != nil {
		status, code := proxy.AuthStatus(err)
		proxy.WriteError(w, r, status, code, err.Error())
		return nil, false
	}
	return key, true
}

// requireAdmin gates a handler behind the admin password.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		bearer := proxy.BearerToken(r)
		if subtle.ConstantTimeCompare([]byte(bearer), []byte(s.adminPassword)) != 1 {
			proxy.WriteError(w, r, http.StatusUnauthorized, "invalid_admin_password", "admin authentication failed")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.settings.Get(r.Context())
	if err != nil {
		proxy.WriteError(w, r, http.StatusInternalServerError, "internal_error", "failed to load settings")
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

// handleUpdateSettings persists override fields. Overrides are applied at
// startup, so a restart is needed for them to take effect.
func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var settings database.Settings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		proxy.WriteError(w, r, http.StatusBadRequest, "invalid_json", "request body is not valid settings JSON")
		return
	}
	if err := s.settings.Upsert(r.Context(), &settings); err != nil {
		proxy.WriteError(w, r, http.StatusInternalServerError, "internal_error", "failed to save settings")
		return
	}
	stored, err := s.settings.Get(r.Context())
	if err != nil {
		proxy.WriteError(w, r, http.StatusInternalServerError, "internal_error", "failed to load settings")
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

func refundStatus(err error) (int, string) {
	switch {
	case errors.Is(err, refund.ErrNothingToRefund):
		return http.StatusBadRequest, "nothing_to_refund"
	case errors.Is(err, refund.ErrPayoutFailed):
		return http.StatusServiceUnavailable, "mint_unavailable"
	case errors.Is(err, database.ErrKeyNotFound):
		return http.StatusUnauthorized, "unknown_key"
	case errors.Is(err, auth.ErrMissingCredential), errors.Is(err, auth.ErrInvalidCredential):
		return http.StatusUnauthorized, "invalid_credential"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Warn("Failed to write response", zap.Error(err))
	}
}
