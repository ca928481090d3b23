package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/recurhq/recur"
	"github.com/recurhq/recur/id"
	"github.com/recurhq/recur/job"
)

// casScript performs the conditional update server-side: compare the
// stored version, move the occurrence claim when the due instant changed,
// write the new fields, and vacate the claim when the instance
// transitions into DELETED.
//
// KEYS[1] = instance hash, KEYS[2] = prior occurrence key,
// KEYS[3] = new occurrence key (equal to KEYS[2] unless rescheduled)
// ARGV[1] = expected version, ARGV[2] = new version, ARGV[3] = job id,
// ARGV[4..] = field/value pairs (includes the new state)
// Returns the new version, -1 on version mismatch, -2 when missing,
// -3 when the new occurrence key is already claimed.
var casScript = goredis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 0 then
		return -2
	end
	local stored = tonumber(redis.call('HGET', KEYS[1], 'version'))
	if stored ~= tonumber(ARGV[1]) then
		return -1
	end
	local prior = redis.call('HGET', KEYS[1], 'state')
	if KEYS[3] ~= '' and KEYS[3] ~= KEYS[2] then
		if redis.call('SET', KEYS[3], ARGV[3], 'NX') == false then
			return -3
		end
		if KEYS[2] ~= '' then
			redis.call('DEL', KEYS[2])
		end
	end
	for i = 4, #ARGV, 2 do
		redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
	end
	redis.call('HSET', KEYS[1], 'version', ARGV[2])
	local state = redis.call('HGET', KEYS[1], 'state')
	if state == 'DELETED' and prior ~= 'DELETED' and KEYS[3] ~= '' then
		redis.call('DEL', KEYS[3])
	end
	return tonumber(ARGV[2])
`)

// CreateJob persists a new instance. For recurring occurrences the
// occurrence key is claimed with SET NX first; losing that race is the
// duplicate outcome.
func (s *Store) CreateJob(ctx context.Context, inst *job.Instance) error {
	jID := inst.ID.String()
	key := jobKey(jID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("recur/redis: create check exists: %w", err)
	}
	if exists > 0 {
		return fmt.Errorf("%w: job id %s already exists", recur.ErrInvalidArgument, jID)
	}

	if inst.RecurringJobID != "" {
		occ := occurrenceKey(inst.RecurringJobID, inst.ScheduledAt)
		claimed, claimErr := s.client.SetNX(ctx, occ, jID, 0).Result()
		if claimErr != nil {
			return fmt.Errorf("recur/redis: claim occurrence: %w", claimErr)
		}
		if !claimed {
			return recur.ErrDuplicateOccurrence
		}
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, instanceToMap(inst))
	pipe.SAdd(ctx, jobIDsKey, jID)
	if inst.RecurringJobID != "" {
		pipe.ZAdd(ctx, recurringJobsKey(inst.RecurringJobID), goredis.Z{
			Score:  float64(inst.ScheduledAt.UnixNano()),
			Member: jID,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("recur/redis: create instance: %w", err)
	}
	return nil
}

// GetJob retrieves an instance by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Instance, error) {
	return s.getInstanceByKey(ctx, jobKey(jobID.String()))
}

// UpdateJob applies a conditional update by expected version through the
// CAS script. A reschedule moves the occurrence claim with the record,
// matching the index-follows-row behavior of the SQL backends.
func (s *Store) UpdateJob(ctx context.Context, inst *job.Instance) error {
	oldOcc, newOcc := "", ""
	if inst.RecurringJobID != "" {
		// The prior due instant determines the claim key currently held.
		// The version CAS in the script guards this read: any concurrent
		// write bumps the version and the script bails out.
		stored, err := s.getInstanceByKey(ctx, jobKey(inst.ID.String()))
		if err != nil {
			return err
		}
		oldOcc = occurrenceKey(inst.RecurringJobID, stored.ScheduledAt)
		newOcc = occurrenceKey(inst.RecurringJobID, inst.ScheduledAt)
	}

	newVersion := inst.Version + 1
	args := []interface{}{inst.Version, newVersion, inst.ID.String()}
	for field, value := range instanceToMap(inst) {
		if field == "version" {
			continue
		}
		args = append(args, field, value)
	}

	res, err := casScript.Run(ctx, s.client,
		[]string{jobKey(inst.ID.String()), oldOcc, newOcc},
		args...,
	).Int64()
	if err != nil {
		return fmt.Errorf("recur/redis: update instance: %w", err)
	}
	switch res {
	case -3:
		return recur.ErrDuplicateOccurrence
	case -2:
		return recur.ErrJobNotFound
	case -1:
		return recur.ErrVersionConflict
	}
	inst.Version = res

	if newOcc != "" && newOcc != oldOcc {
		// Refresh the score so LatestJobForRecurring tracks the move.
		if err := s.client.ZAdd(ctx, recurringJobsKey(inst.RecurringJobID), goredis.Z{
			Score:  float64(inst.ScheduledAt.UnixNano()),
			Member: inst.ID.String(),
		}).Err(); err != nil {
			return fmt.Errorf("recur/redis: refresh schedule index: %w", err)
		}
	}
	return nil
}

// LatestJobForRecurring returns the instance with the greatest
// ScheduledAt for the recurring job, or nil when none exists yet.
func (s *Store) LatestJobForRecurring(ctx context.Context, recurringJobID string) (*job.Instance, error) {
	ids, err := s.client.ZRevRange(ctx, recurringJobsKey(recurringJobID), 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("recur/redis: latest instance: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return s.getInstanceByKey(ctx, jobKey(ids[0]))
}

// ListJobsByState returns instances in the given state, ordered by
// ScheduledAt ascending.
func (s *Store) ListJobsByState(ctx context.Context, state job.State, opts job.ListOpts) ([]*job.Instance, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("recur/redis: list instances smembers: %w", err)
	}

	insts := make([]*job.Instance, 0, len(ids))
	for _, jID := range ids {
		inst, getErr := s.getInstanceByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue // skip missing
		}
		if inst.State != state {
			continue
		}
		insts = append(insts, inst)
	}

	sort.Slice(insts, func(i, j int) bool {
		return insts[i].ScheduledAt.Before(insts[j].ScheduledAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(insts) {
			return nil, nil
		}
		insts = insts[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(insts) {
		insts = insts[:opts.Limit]
	}
	return insts, nil
}

// DeleteJob marks an instance DELETED and vacates its occurrence key.
// The record survives for auditability until pruned.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID) error {
	inst, err := s.getInstanceByKey(ctx, jobKey(jobID.String()))
	if err != nil {
		return err
	}
	if inst.State == job.StateDeleted {
		return nil
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, jobKey(jobID.String()),
		"state", string(job.StateDeleted),
		"version", strconv.FormatInt(inst.Version+1, 10),
		"updated_at", now,
	)
	if inst.RecurringJobID != "" {
		pipe.Del(ctx, occurrenceKey(inst.RecurringJobID, inst.ScheduledAt))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("recur/redis: delete instance: %w", err)
	}
	return nil
}

// PruneJobs permanently removes instances in the given states whose last
// update is older than the cutoff.
func (s *Store) PruneJobs(ctx context.Context, olderThan time.Time, states []job.State) (int64, error) {
	stateSet := make(map[job.State]struct{}, len(states))
	for _, st := range states {
		stateSet[st] = struct{}{}
	}

	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("recur/redis: prune smembers: %w", err)
	}

	var pruned int64
	for _, jID := range ids {
		inst, getErr := s.getInstanceByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue
		}
		if _, ok := stateSet[inst.State]; !ok {
			continue
		}
		if !inst.UpdatedAt.Before(olderThan) {
			continue
		}

		pipe := s.client.TxPipeline()
		pipe.Del(ctx, jobKey(jID))
		pipe.SRem(ctx, jobIDsKey, jID)
		if inst.RecurringJobID != "" {
			pipe.ZRem(ctx, recurringJobsKey(inst.RecurringJobID), jID)
			if inst.State != job.StateDeleted {
				pipe.Del(ctx, occurrenceKey(inst.RecurringJobID, inst.ScheduledAt))
			}
		}
		if _, pErr := pipe.Exec(ctx); pErr != nil {
			return pruned, fmt.Errorf("recur/redis: prune instance: %w", pErr)
		}
		pruned++
	}
	return pruned, nil
}

// ── helpers ──

func instanceToMap(inst *job.Instance) map[string]interface{} {
	m := map[string]interface{}{
		"id":                inst.ID.String(),
		"recurring_job_id":  inst.RecurringJobID,
		"version":           strconv.FormatInt(inst.Version, 10),
		"state":             string(inst.State),
		"scheduled_at":      inst.ScheduledAt.Format(time.RFC3339Nano),
		"retries_remaining": strconv.Itoa(inst.RetriesRemaining),
		"retry_count":       strconv.Itoa(inst.RetryCount),
		"labels":            marshalJSON(inst.Labels),
		"details":           marshalJSON(inst.Details),
		"last_error":        inst.LastError,
		"created_at":        inst.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":        inst.UpdatedAt.Format(time.RFC3339Nano),
		// Optional timestamps are always written, empty when unset, so a
		// CAS update clears fields a retry reset to nil.
		"run_at":       optTimeText(inst.RunAt),
		"enqueued_at":  optTimeText(inst.EnqueuedAt),
		"started_at":   optTimeText(inst.StartedAt),
		"completed_at": optTimeText(inst.CompletedAt),
	}
	return m
}

// optTimeText formats an optional timestamp, empty when nil.
func optTimeText(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}

func (s *Store) getInstanceByKey(ctx context.Context, key string) (*job.Instance, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("recur/redis: get instance: %w", err)
	}
	if len(vals) == 0 {
		return nil, recur.ErrJobNotFound
	}
	return mapToInstance(vals)
}

func mapToInstance(m map[string]string) (*job.Instance, error) {
	jID, err := id.ParseJobID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("recur/redis: parse instance id: %w", err)
	}

	version, _ := strconv.ParseInt(m["version"], 10, 64)   //nolint:errcheck // best-effort parse from trusted Redis data
	retriesLeft, _ := strconv.Atoi(m["retries_remaining"]) //nolint:errcheck // best-effort parse from trusted Redis data
	retryCount, _ := strconv.Atoi(m["retry_count"])        //nolint:errcheck // best-effort parse from trusted Redis data

	scheduledAt, _ := time.Parse(time.RFC3339Nano, m["scheduled_at"]) //nolint:errcheck // best-effort parse from trusted Redis data
	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"])     //nolint:errcheck // best-effort parse from trusted Redis data
	updatedAt, _ := time.Parse(time.RFC3339Nano, m["updated_at"])     //nolint:errcheck // best-effort parse from trusted Redis data

	inst := &job.Instance{
		Entity: recur.Entity{
			CreatedAt: createdAt,
			UpdatedAt: updatedAt,
		},
		ID:               jID,
		RecurringJobID:   m["recurring_job_id"],
		Version:          version,
		State:            job.State(m["state"]),
		ScheduledAt:      scheduledAt,
		RetriesRemaining: retriesLeft,
		RetryCount:       retryCount,
		Labels:           unmarshalStrings(m["labels"]),
		LastError:        m["last_error"],
	}

	if err := json.Unmarshal([]byte(m["details"]), &inst.Details); err != nil {
		return nil, fmt.Errorf("recur/redis: unmarshal details: %w", err)
	}

	if v := m["run_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		inst.RunAt = &t
	}
	if v := m["enqueued_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		inst.EnqueuedAt = &t
	}
	if v := m["started_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		inst.StartedAt = &t
	}
	if v := m["completed_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		inst.CompletedAt = &t
	}

	return inst, nil
}

// marshalJSON is a helper to marshal to JSON string.
func marshalJSON(v interface{}) string {
	b, _ := json.Marshal(v) //nolint:errcheck // marshal should not fail for basic types
	return string(b)
}

// unmarshalStrings parses a JSON array of strings.
func unmarshalStrings(s string) []string {
	if s == "" || s == "null" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(s), &out) //nolint:errcheck // best-effort parse from trusted Redis data
	return out
}

// unmarshalMap parses a JSON map.
func unmarshalMap(s string) map[string]string {
	if s == "" || s == "null" {
		return nil
	}
	out := make(map[string]string)
	_ = json.Unmarshal([]byte(s), &out) //nolint:errcheck // best-effort parse from trusted Redis data
	return out
}
