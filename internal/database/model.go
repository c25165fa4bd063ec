package database

import (
	"time"
)

// Unit is the currency unit a balance or refund is denominated in.
type Unit int

const (
	Sat Unit = iota
	Msat
)

// String converts Unit to its database/API string value.
func (u Unit) String() string {
	switch u {
	case Sat:
		return "sat"
	case Msat:
		return "msat"
	default:
		return "unknown"
	}
}

// ParseUnit converts a database/API string to a Unit.
// Unknown values default to Sat, the wallet's native unit.
func ParseUnit(s string) Unit {
	switch s {
	case "sat":
		return Sat
	case "msat":
		return Msat
	default:
		return Sat
	}
}

// ToMsats converts an amount denominated in u to millisatoshis.
func (u Unit) ToMsats(amount int64) int64 {
	if u == Sat {
		return amount * 1000
	}
	return amount
}

// FromMsats converts millisatoshis to an amount denominated in u.
func (u Unit) FromMsats(msats int64) int64 {
	if u == Sat {
		return msats / 1000
	}
	return msats
}

// Key is one ledger row. The primary key is the SHA-256 hex of the bearer
// credential; balances are millisatoshis and never go negative.
type Key struct {
	HashedKey       string     `json:"hashed_key" db:"hashed_key"`
	Balance         int64      `json:"balance" db:"balance"`                   // spendable msats
	ReservedBalance int64      `json:"reserved_balance" db:"reserved_balance"` // msats held by in-flight requests
	TotalSpent      int64      `json:"total_spent" db:"total_spent"`
	TotalRequests   int64      `json:"total_requests" db:"total_requests"`
	RefundAddress   *string    `json:"refund_address,omitempty" db:"refund_address"`
	RefundUnit      Unit       `json:"refund_unit" db:"refund_unit"`
	RefundMint      *string    `json:"refund_mint,omitempty" db:"refund_mint"`
	KeyExpiryTime   *int64     `json:"key_expiry_time,omitempty" db:"key_expiry_time"` // unix seconds, advisory
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
}

// Pricing holds per-unit rates plus worst-case totals for one model, in a
// single currency (USD as fetched upstream, or sats after conversion).
type Pricing struct {
	Prompt            float64 `json:"prompt"`
	Completion        float64 `json:"completion"`
	Request           float64 `json:"request"`
	Image             float64 `json:"image"`
	WebSearch         float64 `json:"web_search"`
	InternalReasoning float64 `json:"internal_reasoning"`
	MaxPromptCost     float64 `json:"max_prompt_cost"`
	MaxCompletionCost float64 `json:"max_completion_cost"`
	MaxCost           float64 `json:"max_cost"`
}

// TopProvider carries the context limits used for max-cost derivation.
type TopProvider struct {
	ContextLength       int64 `json:"context_length"`
	MaxCompletionTokens int64 `json:"max_completion_tokens"`
}

// Model is one pricing catalog row, keyed by the upstream model id.
type Model struct {
	ID          string      `json:"id" db:"id"`
	Name        string      `json:"name" db:"name"`
	Description string      `json:"description,omitempty" db:"description"`
	Pricing     Pricing     `json:"pricing" db:"pricing"`                 // USD, as published upstream
	SatsPricing *Pricing    `json:"sats_pricing,omitempty" db:"sats_pricing"` // derived, refreshed periodically
	TopProvider TopProvider `json:"top_provider" db:"top_provider"`
	UpdatedAt   time.Time   `json:"updated_at" db:"updated_at"`
}

// Settings is the singleton row of runtime configuration overrides.
// Nil fields mean "no override; use the environment value".
type Settings struct {
	UpstreamBaseURL     *string  `json:"upstream_base_url,omitempty" db:"upstream_base_url"`
	ReceiveLNAddress    *string  `json:"receive_ln_address,omitempty" db:"receive_ln_address"`
	ExchangeFee         *float64 `json:"exchange_fee,omitempty" db:"exchange_fee"`
	UpstreamProviderFee *float64 `json:"upstream_provider_fee,omitempty" db:"upstream_provider_fee"`
	FixedPricing        *bool    `json:"fixed_pricing,omitempty" db:"fixed_pricing"`
	FixedCostPerRequest *int64   `json:"fixed_cost_per_request,omitempty" db:"fixed_cost_per_request"`
	ModelSourcePrefix   *string  `json:"model_source_prefix,omitempty" db:"model_source_prefix"`
	UpdatedAt           time.Time `json:"updated_at" db:"updated_at"`
}
