package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SettingsRepository reads and writes the singleton settings row (id = 1).
// Settings are runtime overrides layered on top of the environment config.
type SettingsRepository struct {
	db *pgxpool.Pool
}

// NewSettingsRepository creates a new settings repository instance
func NewSettingsRepository(db *DB) *SettingsRepository {
	return &SettingsRepository{
		db: db.pool,
	}
}

// Get returns the current overrides. A missing row means no overrides.
func (r *SettingsRepository) Get(ctx context.Context) (*Settings, error) {
	query := `SELECT upstream_base_url, receive_ln_address, exchange_fee,
		upstream_provider_fee, fixed_pricing, fixed_cost_per_request,
		model_source_prefix, updated_at
		FROM settings WHERE id = 1`

	var s Settings
	err := r.db.QueryRow(ctx, query).Scan(
		&s.UpstreamBaseURL,
		&s.ReceiveLNAddress,
		&s.ExchangeFee,
		&s.UpstreamProviderFee,
		&s.FixedPricing,
		&s.FixedCostPerRequest,
		&s.ModelSourcePrefix,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &Settings{}, nil
		}
		return nil, fmt.Errorf("failed to get settings: %w", err)
	}
	return &s, nil
}

// Upsert replaces the singleton row. COALESCE keeps existing overrides for
// fields passed as nil.
func (r *SettingsRepository) Upsert(ctx context.Context, s *Settings) error {
	query := `INSERT INTO settings (id, upstream_base_url, receive_ln_address, exchange_fee,
			upstream_provider_fee, fixed_pricing, fixed_cost_per_request, model_source_prefix, updated_at)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			upstream_base_url = COALESCE(EXCLUDED.upstream_base_url, settings.upstream_base_url),
			receive_ln_address = COALESCE(EXCLUDED.receive_ln_address, settings.receive_ln_address),
			exchange_fee = COALESCE(EXCLUDED.exchange_fee, settings.exchange_fee),
			upstream_provider_fee = COALESCE(EXCLUDED.upstream_provider_fee, settings.upstream_provider_fee),
			fixed_pricing = COALESCE(EXCLUDED.fixed_pricing, settings.fixed_pricing),
			fixed_cost_per_request = COALESCE(EXCLUDED.fixed_cost_per_request, settings.fixed_cost_per_request),
			model_source_prefix = COALESCE(EXCLUDED.model_source_prefix, settings.model_source_prefix),
			updated_at = EXCLUDED.updated_at`

	_, err := r.db.Exec(ctx, query,
		s.UpstreamBaseURL,
		s.ReceiveLNAddress,
		s.ExchangeFee,
		s.UpstreamProviderFee,
		s.FixedPricing,
		s.FixedCostPerRequest,
		s.ModelSourcePrefix,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert settings: %w", err)
	}
	return nil
}
