package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/recurhq/recur"
	"github.com/recurhq/recur/id"
	"github.com/recurhq/recur/job"
)

const jobColumns = `
	id, recurring_job_id, version, state, scheduled_at, run_at,
	retries_remaining, retry_count, labels, details, last_error,
	enqueued_at, started_at, completed_at, created_at, updated_at`

// CreateJob persists a new instance. The partial unique index over
// (recurring_job_id, scheduled_at) arbitrates occurrence claims: the
// losing insert surfaces as a unique violation.
func (s *Store) CreateJob(ctx context.Context, inst *job.Instance) error {
	details, err := json.Marshal(inst.Details)
	if err != nil {
		return fmt.Errorf("recur/postgres: marshal details: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO recur_jobs (
			id, recurring_job_id, version, state, scheduled_at, run_at,
			retries_remaining, retry_count, labels, details, last_error,
			enqueued_at, started_at, completed_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16
		)`,
		inst.ID.String(), inst.RecurringJobID, inst.Version, string(inst.State), inst.ScheduledAt, inst.RunAt,
		inst.RetriesRemaining, inst.RetryCount, inst.Labels, details, inst.LastError,
		inst.EnqueuedAt, inst.StartedAt, inst.CompletedAt, inst.CreatedAt, inst.UpdatedAt,
	)
	if err != nil {
		if constraint := duplicateConstraint(err); constraint != "" {
			// The primary key guards instance identity, not the occurrence.
			if constraint == "recur_jobs_pkey" {
				return fmt.Errorf("%w: job id %s already exists", recur.ErrInvalidArgument, inst.ID)
			}
			return recur.ErrDuplicateOccurrence
		}
		return fmt.Errorf("recur/postgres: create instance: %w", err)
	}
	return nil
}

// GetJob retrieves an instance by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Instance, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT`+jobColumns+` FROM recur_jobs WHERE id = $1`,
		jobID.String(),
	)

	inst, err := scanInstance(row)
	if err != nil {
		if isNoRows(err) {
			return nil, recur.ErrJobNotFound
		}
		return nil, fmt.Errorf("recur/postgres: get instance: %w", err)
	}
	return inst, nil
}

// UpdateJob applies a conditional update by expected version. The row is
// written only when the stored version matches; the new version is read
// back into the instance.
func (s *Store) UpdateJob(ctx context.Context, inst *job.Instance) error {
	details, err := json.Marshal(inst.Details)
	if err != nil {
		return fmt.Errorf("recur/postgres: marshal details: %w", err)
	}

	var newVersion int64
	err = s.pool.QueryRow(ctx, `
		UPDATE recur_jobs SET
			version = version + 1,
			state = $3, scheduled_at = $4, run_at = $5,
			retries_remaining = $6, retry_count = $7,
			labels = $8, details = $9, last_error = $10,
			enqueued_at = $11, started_at = $12, completed_at = $13,
			updated_at = NOW()
		WHERE id = $1 AND version = $2
		RETURNING version`,
		inst.ID.String(), inst.Version,
		string(inst.State), inst.ScheduledAt, inst.RunAt,
		inst.RetriesRemaining, inst.RetryCount,
		inst.Labels, details, inst.LastError,
		inst.EnqueuedAt, inst.StartedAt, inst.CompletedAt,
	).Scan(&newVersion)
	if err == nil {
		inst.Version = newVersion
		return nil
	}
	// A reschedule moves the occurrence key with the row; landing on an
	// already claimed (recurring_job_id, scheduled_at) pair violates the
	// partial unique index.
	if isDuplicateKey(err) {
		return recur.ErrDuplicateOccurrence
	}
	if !isNoRows(err) {
		return fmt.Errorf("recur/postgres: update instance: %w", err)
	}

	// No row matched: the instance is missing or the version is stale.
	var exists bool
	if checkErr := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM recur_jobs WHERE id = $1)`,
		inst.ID.String(),
	).Scan(&exists); checkErr != nil {
		return fmt.Errorf("recur/postgres: update instance: %w", checkErr)
	}
	if !exists {
		return recur.ErrJobNotFound
	}
	return recur.ErrVersionConflict
}

// LatestJobForRecurring returns the instance with the greatest
// ScheduledAt for the recurring job, or nil when none exists yet.
func (s *Store) LatestJobForRecurring(ctx context.Context, recurringJobID string) (*job.Instance, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT`+jobColumns+`
		FROM recur_jobs
		WHERE recurring_job_id = $1
		ORDER BY scheduled_at DESC
		LIMIT 1`,
		recurringJobID,
	)

	inst, err := scanInstance(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("recur/postgres: latest instance: %w", err)
	}
	return inst, nil
}

// ListJobsByState returns instances in the given state, ordered by
// ScheduledAt ascending.
func (s *Store) ListJobsByState(ctx context.Context, state job.State, opts job.ListOpts) ([]*job.Instance, error) {
	query := `SELECT` + jobColumns + ` FROM recur_jobs WHERE state = $1 ORDER BY scheduled_at ASC`
	args := []interface{}{string(state)}
	argIdx := 2

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("recur/postgres: list instances by state: %w", err)
	}
	defer rows.Close()

	return collectInstances(rows)
}

// DeleteJob marks an instance DELETED. The partial unique index excludes
// DELETED rows, so the occurrence key is vacated by the state change.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE recur_jobs
		SET state = 'DELETED', version = version + 1, updated_at = NOW()
		WHERE id = $1`,
		jobID.String(),
	)
	if err != nil {
		return fmt.Errorf("recur/postgres: delete instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return recur.ErrJobNotFound
	}
	return nil
}

// PruneJobs permanently removes instances in the given states whose last
// update is older than the cutoff.
func (s *Store) PruneJobs(ctx context.Context, olderThan time.Time, states []job.State) (int64, error) {
	names := make([]string, len(states))
	for i, st := range states {
		names[i] = string(st)
	}

	tag, err := s.pool.Exec(ctx,
		`DELETE FROM recur_jobs WHERE state = ANY($1) AND updated_at < $2`,
		names, olderThan,
	)
	if err != nil {
		return 0, fmt.Errorf("recur/postgres: prune instances: %w", err)
	}
	return tag.RowsAffected(), nil
}

// scanInstance scans a single instance row.
func scanInstance(row pgx.Row) (*job.Instance, error) {
	var (
		inst       job.Instance
		idStr      string
		stateStr   string
		detailsRaw []byte
	)
	err := row.Scan(
		&idStr, &inst.RecurringJobID, &inst.Version, &stateStr, &inst.ScheduledAt, &inst.RunAt,
		&inst.RetriesRemaining, &inst.RetryCount, &inst.Labels, &detailsRaw, &inst.LastError,
		&inst.EnqueuedAt, &inst.StartedAt, &inst.CompletedAt, &inst.CreatedAt, &inst.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	inst.State = job.State(stateStr)

	parsedID, parseErr := id.ParseJobID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("recur/postgres: parse instance id %q: %w", idStr, parseErr)
	}
	inst.ID = parsedID

	if err := json.Unmarshal(detailsRaw, &inst.Details); err != nil {
		return nil, fmt.Errorf("recur/postgres: unmarshal details: %w", err)
	}

	return &inst, nil
}

// collectInstances collects all instances from query rows.
func collectInstances(rows pgx.Rows) ([]*job.Instance, error) {
	var insts []*job.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("recur/postgres: scan instance row: %w", err)
		}
		insts = append(insts, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recur/postgres: iterate instance rows: %w", err)
	}
	return insts, nil
}
