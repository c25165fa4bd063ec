package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrModelNotFound is returned when a model id is not in the catalog table
var ErrModelNotFound = errors.New("model not found")

// ModelRepository persists the pricing catalog. Pricing structs are stored
// as JSONB so new per-unit rates never need a migration.
type ModelRepository struct {
	db *pgxpool.Pool
}

// NewModelRepository creates a new model repository instance
func NewModelRepository(db *DB) *ModelRepository {
	return &ModelRepository{
		db: db.pool,
	}
}

// Upsert inserts or replaces one catalog row.
func (r *ModelRepository) Upsert(ctx context.Context, m *Model) error {
	pricingJSON, err := json.Marshal(m.Pricing)
	if err != nil {
		return fmt.Errorf("failed to marshal pricing: %w", err)
	}
	var satsJSON []byte
	if m.SatsPricing != nil {
		if satsJSON, err = json.Marshal(m.SatsPricing); err != nil {
			return fmt.Errorf("failed to marshal sats pricing: %w", err)
		}
	}
	providerJSON, err := json.Marshal(m.TopProvider)
	if err != nil {
		return fmt.Errorf("failed to marshal top provider: %w", err)
	}

	query := `INSERT INTO models (id, name, description, pricing, sats_pricing, top_provider, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			pricing = EXCLUDED.pricing,
			sats_pricing = EXCLUDED.sats_pricing,
			top_provider = EXCLUDED.top_provider,
			updated_at = EXCLUDED.updated_at`

	_, err = r.db.Exec(ctx, query, m.ID, m.Name, m.Description, pricingJSON, satsJSON, providerJSON, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert model %s: %w", m.ID, err)
	}
	return nil
}

// UpdateSatsPricing rewrites only the derived sats pricing of one row.
// The refresh loop calls this after each exchange-rate pull.
func (r *ModelRepository) UpdateSatsPricing(ctx context.Context, id string, sats *Pricing) error {
	satsJSON, err := json.Marshal(sats)
	if err != nil {
		return fmt.Errorf("failed to marshal sats pricing: %w", err)
	}

	commandTag, err := r.db.Exec(ctx,
		`UPDATE models SET sats_pricing = $2, updated_at = $3 WHERE id = $1`,
		id, satsJSON, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update sats pricing for %s: %w", id, err)
	}
	if commandTag.RowsAffected() == 0 {
		return ErrModelNotFound
	}
	return nil
}

// List returns every catalog row ordered by id.
func (r *ModelRepository) List(ctx context.Context) ([]*Model, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, name, description, pricing, sats_pricing, top_provider, updated_at FROM models ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}
	defer rows.Close()

	var models []*Model
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		models = append(models, m)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return models, nil
}

// Get retrieves one catalog row by model id.
// Returns ErrModelNotFound if the id does not exist.
func (r *ModelRepository) Get(ctx context.Context, id string) (*Model, error) {
	row := r.db.QueryRow(ctx,
		`SELECT id, name, description, pricing, sats_pricing, top_provider, updated_at FROM models WHERE id = $1`, id)
	m, err := scanModel(row)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func scanModel(row pgx.Row) (*Model, error) {
	var m Model
	var pricingJSON, providerJSON []byte
	var satsJSON []byte

	err := row.Scan(&m.ID, &m.Name, &m.Description, &pricingJSON, &satsJSON, &providerJSON, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrModelNotFound
		}
		return nil, fmt.Errorf("failed to scan model row: %w", err)
	}

	if err := json.Unmarshal(pricingJSON, &m.Pricing); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pricing: %w", err)
	}
	if len(satsJSON) > 0 {
		var sats Pricing
		if err := json.Unmarshal(satsJSON, &sats); err != nil {
			return nil, fmt.Errorf("failed to unmarshal sats pricing: %w", err)
		}
		m.SatsPricing = &sats
	}
	if err := json.Unmarshal(providerJSON, &m.TopProvider); err != nil {
		return nil, fmt.Errorf("failed to unmarshal top provider: %w", err)
	}
	return &m, nil
}
