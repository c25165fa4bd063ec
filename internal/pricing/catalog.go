// Package pricing maintains the model catalog: USD pricing pulled from the
// upstream provider, sats pricing derived from the exchange oracle, and the
// worst-case max cost used to size reservations.
package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"routstr-proxy/internal/database"
	"routstr-proxy/internal/exchange"
	"routstr-proxy/pkg/logger"

	"go.uber.org/zap"
)

// Fallback token counts when the upstream publishes no context limits.
const (
	fallbackPromptTokens     = 1_000_000
	fallbackCompletionTokens = 32_000
)

// minCostMsats floors every per-request max cost at one millisatoshi.
const minCostMsats = 1

// Config controls catalog behavior.
type Config struct {
	UpstreamBaseURL string
	UpstreamAPIKey  string
	ModelsPath      string // optional models.json bootstrap file
	SourcePrefix    string // optional filter: only ids with this prefix

	// Fixed pricing mode: ignore the upstream catalog and charge flat rates.
	Fixed                  bool
	FixedCostPerRequest    int64   // sats
	FixedPer1KInputTokens  float64 // sats
	FixedPer1KOutputTokens float64 // sats

	RefreshInterval time.Duration
}

// Catalog is the in-memory + DB-cached model pricing table.
//
// Reads (GetModel, MaxCostMsats) are served from memory; the refresh loop
// and bootstrap keep memory and the models table in step.
type Catalog struct {
	cfg    Config
	repo   *database.ModelRepository
	oracle *exchange.Oracle
	client *http.Client

	mu     sync.RWMutex
	models map[string]*database.Model
}

// NewCatalog creates a catalog. repo may be nil in tests; persistence is
// then skipped.
func NewCatalog(cfg Config, repo *database.ModelRepository, oracle *exchange.Oracle, client *http.Client) *Catalog {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 3 * time.Minute
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Catalog{
		cfg:    cfg,
		repo:   repo,
		oracle: oracle,
		client: client,
		models: make(map[string]*database.Model),
	}
}

// ListModels returns a snapshot of every model, sorted by nothing in
// particular; callers that need order sort themselves.
func (c *Catalog) ListModels() []*database.Model {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*database.Model, 0, len(c.models))
	for _, m := range c.models {
		out = append(out, m)
	}
	return out
}

// GetModel returns the model with the given id, or nil.
func (c *Catalog) GetModel(id string) *database.Model {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.models[id]
}

// MaxCostMsats returns the worst-case request cost for a model in msats:
// sats_pricing.max_cost × 1000 when the model is known, otherwise the global
// fixed cost per request.
func (c *Catalog) MaxCostMsats(id string) int64 {
	c.mu.RLock()
	m := c.models[id]
	c.mu.RUnlock()

	if m != nil && m.SatsPricing != nil {
		msats := int64(math.Round(m.SatsPricing.MaxCost * 1000))
		if msats < minCostMsats {
			msats = minCostMsats
		}
		return msats
	}
	msats := c.cfg.FixedCostPerRequest * 1000
	if msats < minCostMsats {
		msats = minCostMsats
	}
	return msats
}

// FixedPricing reports whether flat rates are in force, and what they are:
// sats per request plus sats per 1000 tokens each way.
func (c *Catalog) FixedPricing() (perRequest, per1kInput, per1kOutput float64, enabled bool) {
	return float64(c.cfg.FixedCostPerRequest), c.cfg.FixedPer1KInputTokens, c.cfg.FixedPer1KOutputTokens, c.cfg.Fixed
}

// Bootstrap fills an empty catalog: DB rows first, then models.json if
// configured, then the upstream /models endpoint. Always derives fresh sats
// pricing when an exchange rate is available.
func (c *Catalog) Bootstrap(ctx context.Context) error {
	if c.cfg.Fixed {
		logger.Info("Fixed pricing enabled, skipping model catalog bootstrap")
		return nil
	}

	if c.repo != nil {
		stored, err := c.repo.List(ctx)
		if err != nil {
			return fmt.Errorf("failed to load stored models: %w", err)
		}
		if len(stored) > 0 {
			c.mu.Lock()
			for _, m := range stored {
				c.models[m.ID] = m
			}
			c.mu.Unlock()
			logger.Info("Model catalog loaded from database", zap.Int("models", len(stored)))
			return nil
		}
	}

	var models []*database.Model
	var err error
	if c.cfg.ModelsPath != "" {
		models, err = c.loadModelsFile(c.cfg.ModelsPath)
	} else {
		models, err = c.fetchUpstreamModels(ctx)
	}
	if err != nil {
		return err
	}

	if err := c.RefreshSatsPricing(ctx, models); err != nil {
		// Models without sats pricing still admit requests at the fixed cost
		// floor; pricing catches up on the next refresh tick.
		logger.Warn("Initial sats pricing derivation failed", zap.Error(err))
	}

	c.mu.Lock()
	for _, m := range models {
		c.models[m.ID] = m
	}
	c.mu.Unlock()

	if c.repo != nil {
		for _, m := range models {
			if err := c.repo.Upsert(ctx, m); err != nil {
				return fmt.Errorf("failed to persist model %s: %w", m.ID, err)
			}
		}
	}
	logger.Info("Model catalog bootstrapped", zap.Int("models", len(models)))
	return nil
}

// RunRefreshLoop recomputes sats pricing every RefreshInterval ± 10% jitter
// until ctx is canceled.
func (c *Catalog) RunRefreshLoop(ctx context.Context) {
	if c.cfg.Fixed {
		return
	}
	for {
		select {
		case <-ctx.Done():
			logger.Info("Pricing refresh loop stopped")
			return
		case <-time.After(jitter(c.cfg.RefreshInterval)):
		}

		if err := c.RefreshSatsPricing(ctx, c.ListModels()); err != nil {
			logger.Error("Pricing refresh failed", zap.Error(err))
			continue
		}
		if c.repo != nil {
			c.persistSatsPricing(ctx)
		}
	}
}

// RefreshSatsPricing recomputes sats pricing for the given models in place
// from a fresh exchange rate.
func (c *Catalog) RefreshSatsPricing(ctx context.Context, models []*database.Model) error {
	satsPerUSD, err := c.oracle.SatsPerUSD(ctx)
	if err != nil {
		return fmt.Errorf("failed to get exchange rate: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range models {
		sats := convertPricing(m.Pricing, satsPerUSD)
		deriveMaxCosts(&sats, m.TopProvider)
		m.SatsPricing = &sats
		m.UpdatedAt = time.Now().UTC()
	}
	logger.Info("Sats pricing refreshed",
		zap.Float64("sats_per_usd", satsPerUSD),
		zap.Int("models", len(models)))
	return nil
}

func (c *Catalog) persistSatsPricing(ctx context.Context) {
	for _, m := range c.ListModels() {
		if m.SatsPricing == nil {
			continue
		}
		if err := c.repo.UpdateSatsPricing(ctx, m.ID, m.SatsPricing); err != nil {
			logger.Error("Failed to persist sats pricing",
				zap.String("model", m.ID), zap.Error(err))
		}
	}
}

// convertPricing multiplies every USD rate by satsPerUSD.
func convertPricing(usd database.Pricing, satsPerUSD float64) database.Pricing {
	return database.Pricing{
		Prompt:            usd.Prompt * satsPerUSD,
		Completion:        usd.Completion * satsPerUSD,
		Request:           usd.Request * satsPerUSD,
		Image:             usd.Image * satsPerUSD,
		WebSearch:         usd.WebSearch * satsPerUSD,
		InternalReasoning: usd.InternalReasoning * satsPerUSD,
	}
}

// deriveMaxCosts fills the max_* fields of p from the model's context limits
// and per-token rates.
func deriveMaxCosts(p *database.Pricing, tp database.TopProvider) {
	contextLen := tp.ContextLength
	maxCompletion := tp.MaxCompletionTokens

	switch {
	case contextLen > 0 && maxCompletion > 0:
		p.MaxPromptCost = float64(contextLen-maxCompletion) * p.Prompt
		p.MaxCompletionCost = float64(maxCompletion) * p.Completion
	case contextLen > 0:
		p.MaxPromptCost = 0.8 * float64(contextLen) * p.Prompt
		p.MaxCompletionCost = 0.2 * float64(contextLen) * p.Completion
	case maxCompletion > 0:
		p.MaxPromptCost = 4 * float64(maxCompletion) * p.Prompt
		p.MaxCompletionCost = float64(maxCompletion) * p.Completion
	default:
		p.MaxPromptCost = fallbackPromptTokens * p.Prompt
		p.MaxCompletionCost = fallbackCompletionTokens * p.Completion
	}
	p.MaxCost = p.MaxPromptCost + p.MaxCompletionCost
	if p.MaxCost < 0.001 { // 1 msat expressed in sats
		p.MaxCost = 0.001
	}
}

func jitter(d time.Duration) time.Duration {
	// ±10%
	f := 0.9 + 0.2*rand.Float64()
	return time.Duration(float64(d) * f)
}

// ---- upstream catalog fetch ----

// flexFloat accepts both JSON numbers and numeric strings; upstream catalogs
// publish prices like "0.000003".
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	var v float64
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return fmt.Errorf("invalid price value %q: %w", s, err)
	}
	*f = flexFloat(v)
	return nil
}

type upstreamPricing struct {
	Prompt            flexFloat `json:"prompt"`
	Completion        flexFloat `json:"completion"`
	Request           flexFloat `json:"request"`
	Image             flexFloat `json:"image"`
	WebSearch         flexFloat `json:"web_search"`
	InternalReasoning flexFloat `json:"internal_reasoning"`
}

type upstreamModel struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Pricing     upstreamPricing `json:"pricing"`
	TopProvider struct {
		ContextLength       int64 `json:"context_length"`
		MaxCompletionTokens int64 `json:"max_completion_tokens"`
	} `json:"top_provider"`
}

type upstreamModelList struct {
	Data []upstreamModel `json:"data"`
}

func (c *Catalog) fetchUpstreamModels(ctx context.Context) ([]*database.Model, error) {
	url := strings.TrimSuffix(c.cfg.UpstreamBaseURL, "/") + "/models"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.cfg.UpstreamAPIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.UpstreamAPIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch upstream models: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstream models endpoint returned status %d", resp.StatusCode)
	}

	var list upstreamModelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("failed to parse upstream models: %w", err)
	}
	return c.toModels(list.Data), nil
}

func (c *Catalog) loadModelsFile(path string) ([]*database.Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read models file %s: %w", path, err)
	}
	var list upstreamModelList
	if err := json.Unmarshal(data, &list); err != nil {
		// A bare array is also accepted.
		if arrErr := json.Unmarshal(data, &list.Data); arrErr != nil {
			return nil, fmt.Errorf("failed to parse models file %s: %w", path, err)
		}
	}
	return c.toModels(list.Data), nil
}

func (c *Catalog) toModels(in []upstreamModel) []*database.Model {
	var out []*database.Model
	for _, um := range in {
		if c.cfg.SourcePrefix != "" && !strings.HasPrefix(um.ID, c.cfg.SourcePrefix) {
			continue
		}
		out = append(out, &database.Model{
			ID:          um.ID,
			Name:        um.Name,
			Description: um.Description,
			Pricing: database.Pricing{
				Prompt:            float64(um.Pricing.Prompt),
				Completion:        float64(um.Pricing.Completion),
				Request:           float64(um.Pricing.Request),
				Image:             float64(um.Pricing.Image),
				WebSearch:         float64(um.Pricing.WebSearch),
				InternalReasoning: float64(um.Pricing.InternalReasoning),
			},
			TopProvider: database.TopProvider{
				ContextLength:       um.TopProvider.ContextLength,
				MaxCompletionTokens: um.TopProvider.MaxCompletionTokens,
			},
			UpdatedAt: time.Now().UTC(),
		})
	}
	return out
}
