package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

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
		return fmt.Errorf("recur/sqlite: marshal details: %w", err)
	}
	labels, err := json.Marshal(def.Labels)
	if err != nil {
		return fmt.Errorf("recur/sqlite: marshal labels: %w", err)
	}

	var retryCount sql.NullInt64
	if def.RetryCount != nil {
		retryCount = sql.NullInt64{Int64: int64(*def.RetryCount), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO recur_recurring_jobs (
			id, display_name, expression, zone_id, retry_count,
			labels, details, active, anchor_at, content_hash,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			display_name = excluded.display_name,
			expression = excluded.expression,
			zone_id = excluded.zone_id,
			retry_count = excluded.retry_count,
			labels = excluded.labels,
			details = excluded.details,
			active = excluded.active,
			anchor_at = excluded.anchor_at,
			content_hash = excluded.content_hash,
			updated_at = excluded.updated_at`,
		def.ID, def.DisplayName, def.Expression, def.ZoneID, retryCount,
		string(labels), string(details), def.Active, timeText(def.AnchorAt), def.ContentHash,
		timeText(def.CreatedAt), timeText(def.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("recur/sqlite: upsert recurring: %w", err)
	}
	return nil
}

// GetRecurring retrieves a definition by id.
func (s *Store) GetRecurring(ctx context.Context, recurringJobID string) (*recurring.Definition, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT`+recurringColumns+` FROM recur_recurring_jobs WHERE id = ?`,
		recurringJobID,
	)

	def, err := scanDefinition(row)
	if err != nil {
		if isNoRows(err) {
			return nil, recur.ErrRecurringNotFound
		}
		return nil, fmt.Errorf("recur/sqlite: get recurring: %w", err)
	}
	return def, nil
}

// ListActiveRecurring returns all active definitions, ordered by id.
func (s *Store) ListActiveRecurring(ctx context.Context) ([]*recurring.Definition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT`+recurringColumns+`
		FROM recur_recurring_jobs
		WHERE active = 1
		ORDER BY id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("recur/sqlite: list active recurring: %w", err)
	}
	defer rows.Close()

	var defs []*recurring.Definition
	for rows.Next() {
		def, scanErr := scanDefinition(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("recur/sqlite: scan recurring row: %w", scanErr)
		}
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recur/sqlite: iterate recurring rows: %w", err)
	}
	return defs, nil
}

// RemoveRecurring marks a definition inactive.
func (s *Store) RemoveRecurring(ctx context.Context, recurringJobID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE recur_recurring_jobs SET active = 0, updated_at = ? WHERE id = ?`,
		timeText(time.Now()), recurringJobID,
	)
	if err != nil {
		return fmt.Errorf("recur/sqlite: remove recurring: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("recur/sqlite: remove recurring: %w", err)
	}
	if affected == 0 {
		return recur.ErrRecurringNotFound
	}
	return nil
}

// scanDefinition scans a single definition row.
func scanDefinition(row rowScanner) (*recurring.Definition, error) {
	var (
		def        recurring.Definition
		retryCount sql.NullInt64
		labelsRaw  string
		detailsRaw string
		anchorAt   string
		createdAt  string
		updatedAt  string
	)
	err := row.Scan(
		&def.ID, &def.DisplayName, &def.Expression, &def.ZoneID, &retryCount,
		&labelsRaw, &detailsRaw, &def.Active, &anchorAt, &def.ContentHash,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if retryCount.Valid {
		n := int(retryCount.Int64)
		def.RetryCount = &n
	}
	def.AnchorAt = parseTime(anchorAt)
	def.CreatedAt = parseTime(createdAt)
	def.UpdatedAt = parseTime(updatedAt)

	if err := json.Unmarshal([]byte(labelsRaw), &def.Labels); err != nil {
		return nil, fmt.Errorf("recur/sqlite: unmarshal labels: %w", err)
	}
	if err := json.Unmarshal([]byte(detailsRaw), &def.Details); err != nil {
		return nil, fmt.Errorf("recur/sqlite: unmarshal details: %w", err)
	}

	return &def, nil
}
