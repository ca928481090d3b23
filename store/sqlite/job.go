package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/recurhq/recur"
	"github.com/recurhq/recur/id"
	"github.com/recurhq/recur/job"
)

const jobColumns = `
	id, recurring_job_id, version, state, scheduled_at, run_at,
	retries_remaining, retry_count, labels, details, last_error,
	enqueued_at, started_at, completed_at, created_at, updated_at`

// CreateJob persists a new instance. The partial unique index over
// (recurring_job_id, scheduled_at) arbitrates occurrence claims.
func (s *Store) CreateJob(ctx context.Context, inst *job.Instance) error {
	details, err := json.Marshal(inst.Details)
	if err != nil {
		return fmt.Errorf("recur/sqlite: marshal details: %w", err)
	}
	labels, err := json.Marshal(inst.Labels)
	if err != nil {
		return fmt.Errorf("recur/sqlite: marshal labels: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO recur_jobs (
			id, recurring_job_id, version, state, scheduled_at, run_at,
			retries_remaining, retry_count, labels, details, last_error,
			enqueued_at, started_at, completed_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID.String(), inst.RecurringJobID, inst.Version, string(inst.State), timeText(inst.ScheduledAt), nullTimeText(inst.RunAt),
		inst.RetriesRemaining, inst.RetryCount, string(labels), string(details), inst.LastError,
		nullTimeText(inst.EnqueuedAt), nullTimeText(inst.StartedAt), nullTimeText(inst.CompletedAt),
		timeText(inst.CreatedAt), timeText(inst.UpdatedAt),
	)
	if err != nil {
		if isDuplicateKey(err) {
			// The primary key guards instance identity, not the occurrence.
			if strings.Contains(err.Error(), "recur_jobs.id") {
				return fmt.Errorf("%w: job id %s already exists", recur.ErrInvalidArgument, inst.ID)
			}
			return recur.ErrDuplicateOccurrence
		}
		return fmt.Errorf("recur/sqlite: create instance: %w", err)
	}
	return nil
}

// GetJob retrieves an instance by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Instance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT`+jobColumns+` FROM recur_jobs WHERE id = ?`,
		jobID.String(),
	)

	inst, err := scanInstance(row)
	if err != nil {
		if isNoRows(err) {
			return nil, recur.ErrJobNotFound
		}
		return nil, fmt.Errorf("recur/sqlite: get instance: %w", err)
	}
	return inst, nil
}

// UpdateJob applies a conditional update by expected version.
func (s *Store) UpdateJob(ctx context.Context, inst *job.Instance) error {
	details, err := json.Marshal(inst.Details)
	if err != nil {
		return fmt.Errorf("recur/sqlite: marshal details: %w", err)
	}
	labels, err := json.Marshal(inst.Labels)
	if err != nil {
		return fmt.Errorf("recur/sqlite: marshal labels: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE recur_jobs SET
			version = version + 1,
			state = ?, scheduled_at = ?, run_at = ?,
			retries_remaining = ?, retry_count = ?,
			labels = ?, details = ?, last_error = ?,
			enqueued_at = ?, started_at = ?, completed_at = ?,
			updated_at = ?
		WHERE id = ? AND version = ?`,
		string(inst.State), timeText(inst.ScheduledAt), nullTimeText(inst.RunAt),
		inst.RetriesRemaining, inst.RetryCount,
		string(labels), string(details), inst.LastError,
		nullTimeText(inst.EnqueuedAt), nullTimeText(inst.StartedAt), nullTimeText(inst.CompletedAt),
		timeText(time.Now()),
		inst.ID.String(), inst.Version,
	)
	if err != nil {
		// A reschedule moves the occurrence key with the row; landing on an
		// already claimed (recurring_job_id, scheduled_at) pair violates the
		// partial unique index.
		if isDuplicateKey(err) {
			return recur.ErrDuplicateOccurrence
		}
		return fmt.Errorf("recur/sqlite: update instance: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("recur/sqlite: update instance: %w", err)
	}
	if affected > 0 {
		inst.Version++
		return nil
	}

	// No row matched: the instance is missing or the version is stale.
	var exists bool
	if checkErr := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM recur_jobs WHERE id = ?)`,
		inst.ID.String(),
	).Scan(&exists); checkErr != nil {
		return fmt.Errorf("recur/sqlite: update instance: %w", checkErr)
	}
	if !exists {
		return recur.ErrJobNotFound
	}
	return recur.ErrVersionConflict
}

// LatestJobForRecurring returns the instance with the greatest
// ScheduledAt for the recurring job, or nil when none exists yet.
func (s *Store) LatestJobForRecurring(ctx context.Context, recurringJobID string) (*job.Instance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT`+jobColumns+`
		FROM recur_jobs
		WHERE recurring_job_id = ?
		ORDER BY scheduled_at DESC
		LIMIT 1`,
		recurringJobID,
	)

	inst, err := scanInstance(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("recur/sqlite: latest instance: %w", err)
	}
	return inst, nil
}

// ListJobsByState returns instances in the given state, ordered by
// ScheduledAt ascending.
func (s *Store) ListJobsByState(ctx context.Context, state job.State, opts job.ListOpts) ([]*job.Instance, error) {
	query := `SELECT` + jobColumns + ` FROM recur_jobs WHERE state = ? ORDER BY scheduled_at ASC`
	args := []interface{}{string(state)}

	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	} else if opts.Offset > 0 {
		// SQLite requires LIMIT before OFFSET.
		query += " LIMIT -1"
	}
	if opts.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("recur/sqlite: list instances by state: %w", err)
	}
	defer rows.Close()

	var insts []*job.Instance
	for rows.Next() {
		inst, scanErr := scanInstance(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("recur/sqlite: scan instance row: %w", scanErr)
		}
		insts = append(insts, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recur/sqlite: iterate instance rows: %w", err)
	}
	return insts, nil
}

// DeleteJob marks an instance DELETED, vacating its occurrence key via
// the partial unique index.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE recur_jobs
		SET state = 'DELETED', version = version + 1, updated_at = ?
		WHERE id = ?`,
		timeText(time.Now()), jobID.String(),
	)
	if err != nil {
		return fmt.Errorf("recur/sqlite: delete instance: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("recur/sqlite: delete instance: %w", err)
	}
	if affected == 0 {
		return recur.ErrJobNotFound
	}
	return nil
}

// PruneJobs permanently removes instances in the given states whose last
// update is older than the cutoff.
func (s *Store) PruneJobs(ctx context.Context, olderThan time.Time, states []job.State) (int64, error) {
	if len(states) == 0 {
		return 0, nil
	}

	placeholders := make([]string, len(states))
	args := make([]interface{}, 0, len(states)+1)
	for i, st := range states {
		placeholders[i] = "?"
		args = append(args, string(st))
	}
	args = append(args, timeText(olderThan))

	res, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM recur_jobs WHERE state IN (%s) AND updated_at < ?`,
		strings.Join(placeholders, ","),
	), args...)
	if err != nil {
		return 0, fmt.Errorf("recur/sqlite: prune instances: %w", err)
	}
	return res.RowsAffected()
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanInstance scans a single instance row.
func scanInstance(row rowScanner) (*job.Instance, error) {
	var (
		inst        job.Instance
		idStr       string
		stateStr    string
		scheduled   string
		runAt       sql.NullString
		labelsRaw   string
		detailsRaw  string
		enqueuedAt  sql.NullString
		startedAt   sql.NullString
		completedAt sql.NullString
		createdAt   string
		updatedAt   string
	)
	err := row.Scan(
		&idStr, &inst.RecurringJobID, &inst.Version, &stateStr, &scheduled, &runAt,
		&inst.RetriesRemaining, &inst.RetryCount, &labelsRaw, &detailsRaw, &inst.LastError,
		&enqueuedAt, &startedAt, &completedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	parsedID, parseErr := id.ParseJobID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("recur/sqlite: parse instance id %q: %w", idStr, parseErr)
	}
	inst.ID = parsedID
	inst.State = job.State(stateStr)
	inst.ScheduledAt = parseTime(scheduled)
	inst.RunAt = parseNullTime(runAt)
	inst.EnqueuedAt = parseNullTime(enqueuedAt)
	inst.StartedAt = parseNullTime(startedAt)
	inst.CompletedAt = parseNullTime(completedAt)
	inst.CreatedAt = parseTime(createdAt)
	inst.UpdatedAt = parseTime(updatedAt)

	if err := json.Unmarshal([]byte(labelsRaw), &inst.Labels); err != nil {
		return nil, fmt.Errorf("recur/sqlite: unmarshal labels: %w", err)
	}
	if err := json.Unmarshal([]byte(detailsRaw), &inst.Details); err != nil {
		return nil, fmt.Errorf("recur/sqlite: unmarshal details: %w", err)
	}

	return &inst, nil
}
