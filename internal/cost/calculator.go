// Package cost turns upstream responses into msat charges. All schema
// problems surface as typed errors, never as panics: the payment path has to
// decide between charging actual cost and charging the full reservation.
package cost

import (
	"errors"
	"math"

	"routstr-proxy/internal/database"
)

var (
	// ErrModelNotFound is returned when the response names an unknown model
	ErrModelNotFound = errors.New("model_not_found")
	// ErrPricingNotFound is returned when the model has no sats pricing yet
	ErrPricingNotFound = errors.New("pricing_not_found")
)

// CostData is the cost object injected into responses, all in msats.
type CostData struct {
	BaseMsats   int64 `json:"base_msats"`
	InputMsats  int64 `json:"input_msats"`
	OutputMsats int64 `json:"output_msats"`
	TotalMsats  int64 `json:"total_msats"`
}

// Result is the tagged outcome of a calculation. AtMax means the response
// carried no usage object, so the full deducted max cost stands.
type Result struct {
	AtMax bool
	Cost  CostData
}

// ModelSource is the slice of the pricing catalog the calculator needs.
// Fixed rates are sats: a flat amount per request plus per-1000-token rates.
type ModelSource interface {
	GetModel(id string) *database.Model
	FixedPricing() (perRequest, per1kInput, per1kOutput float64, enabled bool)
}

// Calculator computes per-request charges from usage stats.
type Calculator struct {
	models ModelSource
}

// NewCalculator creates a calculator over the given catalog.
func NewCalculator(models ModelSource) *Calculator {
	return &Calculator{models: models}
}

// Calculate prices a parsed upstream response body.
//
// No usage object → Result{AtMax: true} with the deducted max as the total.
// Unknown model → ErrModelNotFound. Known model without sats pricing →
// ErrPricingNotFound. Rounding is half-away-from-zero to the nearest msat.
func (c *Calculator) Calculate(body map[string]any, deductedMaxCost int64) (Result, error) {
	usage, ok := body["usage"].(map[string]any)
	if !ok || usage == nil {
		return Result{
			AtMax: true,
			Cost:  CostData{TotalMsats: deductedMaxCost},
		}, nil
	}

	promptTokens := numberField(usage, "prompt_tokens")
	completionTokens := numberField(usage, "completion_tokens")

	if perReq, per1kIn, per1kOut, fixed := c.models.FixedPricing(); fixed {
		data := CostData{
			BaseMsats:   roundMsats(perReq * 1000),
			InputMsats:  roundMsats(promptTokens / 1000 * per1kIn * 1000),
			OutputMsats: roundMsats(completionTokens / 1000 * per1kOut * 1000),
		}
		data.TotalMsats = data.BaseMsats + data.InputMsats + data.OutputMsats
		return Result{Cost: data}, nil
	}

	modelID, _ := body["model"].(string)
	model := c.models.GetModel(modelID)
	if model == nil {
		return Result{}, ErrModelNotFound
	}
	sp := model.SatsPricing
	if sp == nil {
		return Result{}, ErrPricingNotFound
	}

	data := CostData{
		BaseMsats:   roundMsats(sp.Request * 1000),
		InputMsats:  roundMsats(promptTokens * sp.Prompt * 1000),
		OutputMsats: roundMsats(completionTokens * sp.Completion * 1000),
	}
	data.TotalMsats = data.BaseMsats + data.InputMsats + data.OutputMsats
	return Result{Cost: data}, nil
}

// roundMsats rounds half away from zero to the nearest msat.
func roundMsats(v float64) int64 {
	return int64(math.Round(v))
}

func numberField(m map[string]any, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}
