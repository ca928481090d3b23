package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/recurhq/recur"
	"github.com/recurhq/recur/recurring"
)

const recurringColumns = `
	id, display_name, expression, zone_id, retry_count,
	labels, details, active, anchor_at, content_hash,
	created_at, updated_at`

// UpsertRecurring creates or replaces a definition record.
func (s *Store) UpsertRecurring(ctx context.Context, def *recurring.Definition) error {
	details, err := json.Marshal(def.Details)
	if err != nil {
		return fmt.Errorf("recur/postgres: marshal details: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO recur_recurring_jobs (
			id, display_name, expression, zone_id, retry_count,
			labels, details, active, anchor_at, content_hash,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12
		)
		ON CONFLICT (id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			expression = EXCLUDED.expression,
			zone_id = EXCLUDED.zone_id,
			retry_count = EXCLUDED.retry_count,
			labels = EXCLUDED.labels,
			details = EXCLUDED.details,
			active = EXCLUDED.active,
			anchor_at = EXCLUDED.anchor_at,
			content_hash = EXCLUDED.content_hash,
			updated_at = EXCLUDED.updated_at`,
		def.ID, def.DisplayName, def.Expression, def.ZoneID, def.RetryCount,
		def.Labels, details, def.Active, def.AnchorAt, def.ContentHash,
		def.CreatedAt, def.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("recur/postgres: upsert recurring: %w", err)
	}
	return nil
}

// GetRecurring retrieves a definition by id.
func (s *Store) GetRecurring(ctx context.Context, recurringJobID string) (*recurring.Definition, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT`+recurringColumns+` FROM recur_recurring_jobs WHERE id = $1`,
		recurringJobID,
	)

	def, err := scanDefinition(row)
	if err != nil {
		if isNoRows(err) {
			return nil, recur.ErrRecurringNotFound
		}
		return nil, fmt.Errorf("recur/postgres: get recurring: %w", err)
	}
	return def, nil
}

// ListActiveRecurring returns all active definitions, ordered by id.
func (s *Store) ListActiveRecurring(ctx context.Context) ([]*recurring.Definition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT`+recurringColumns+`
		FROM recur_recurring_jobs
		WHERE active = TRUE
		ORDER BY id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("recur/postgres: list active recurring: %w", err)
	}
	defer rows.Close()

	var defs []*recurring.Definition
	for rows.Next() {
		def, scanErr := scanDefinition(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("recur/postgres: scan recurring row: %w", scanErr)
		}
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recur/postgres: iterate recurring rows: %w", err)
	}
	return defs, nil
}

// RemoveRecurring marks a definition inactive.
func (s *Store) RemoveRecurring(ctx context.Context, recurringJobID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE recur_recurring_jobs SET active = FALSE, updated_at = NOW() WHERE id = $1`,
		recurringJobID,
	)
	if err != nil {
		return fmt.Errorf("recur/postgres: remove recurring: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return recur.ErrRecurringNotFound
	}
	return nil
}

// scanDefinition scans a single definition row.
func scanDefinition(row pgx.Row) (*recurring.Definition, error) {
	var (
		def        recurring.Definition
		detailsRaw []byte
	)
	err := row.Scan(
		&def.ID, &def.DisplayName, &def.Expression, &def.ZoneID, &def.RetryCount,
		&def.Labels, &detailsRaw, &def.Active, &def.AnchorAt, &def.ContentHash,
		&def.CreatedAt, &def.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(detailsRaw, &def.Details); err != nil {
		return nil, fmt.Errorf("recur/postgres: unmarshal details: %w", err)
	}

	return &def, nil
}
