package sqlite_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/recurhq/recur"
	"github.com/recurhq/recur/cluster"
	"github.com/recurhq/recur/id"
	"github.com/recurhq/recur/job"
	"github.com/recurhq/recur/recurring"
	"github.com/recurhq/recur/store/sqlite"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := sqlite.New(":memory:", sqlite.WithLogger(logger))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})

	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func testDetails() recur.JobDetails {
	return recur.NewRequestDetails("send-report", json.RawMessage(`{"format":"pdf"}`))
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
}

func TestCreateJobOccurrenceUniqueness(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	due := time.Date(2025, 3, 11, 11, 0, 0, 0, time.UTC)

	first := job.New("r1", due, testDetails(), 3)
	if err := s.CreateJob(ctx, first); err != nil {
		t.Fatalf("first CreateJob: %v", err)
	}

	second := job.New("r1", due, testDetails(), 3)
	if err := s.CreateJob(ctx, second); !errors.Is(err, recur.ErrDuplicateOccurrence) {
		t.Errorf("second CreateJob err = %v, want ErrDuplicateOccurrence", err)
	}

	// A different occurrence instant is a different key.
	third := job.New("r1", due.Add(time.Hour), testDetails(), 3)
	if err := s.CreateJob(ctx, third); err != nil {
		t.Errorf("third CreateJob: %v", err)
	}
}

// Re-submitting the same instance is an identity collision, not an
// occurrence conflict.
func TestCreateJobDuplicateID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inst := job.New("", time.Date(2025, 3, 11, 11, 0, 0, 0, time.UTC), testDetails(), 0)
	if err := s.CreateJob(ctx, inst); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := s.CreateJob(ctx, inst); !errors.Is(err, recur.ErrInvalidArgument) {
		t.Errorf("duplicate-id CreateJob err = %v, want ErrInvalidArgument", err)
	}
}

func TestOneOffJobsCarryNoOccurrenceKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	due := time.Date(2025, 3, 11, 11, 0, 0, 0, time.UTC)

	for range 3 {
		if err := s.CreateJob(ctx, job.New("", due, testDetails(), 0)); err != nil {
			t.Fatalf("one-off CreateJob: %v", err)
		}
	}
}

func TestJobRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	due := time.Date(2025, 3, 11, 11, 0, 0, 0, time.UTC)

	inst := job.New("r1", due, testDetails(), 3)
	inst.Labels = []string{"reports", "nightly"}
	runAt := due.Add(2 * time.Hour)
	inst.RunAt = &runAt
	if err := s.CreateJob(ctx, inst); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	got, err := s.GetJob(ctx, inst.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.RecurringJobID != "r1" || got.State != job.StateScheduled {
		t.Errorf("got = %+v", got)
	}
	if !got.ScheduledAt.Equal(due) {
		t.Errorf("ScheduledAt = %v, want %v", got.ScheduledAt, due)
	}
	if got.RunAt == nil || !got.RunAt.Equal(runAt) {
		t.Errorf("RunAt = %v, want %v", got.RunAt, runAt)
	}
	if len(got.Labels) != 2 || got.Labels[0] != "reports" {
		t.Errorf("Labels = %v", got.Labels)
	}
	if got.Details.Request == nil || got.Details.Request.Type != "send-report" {
		t.Errorf("Details = %+v", got.Details)
	}

	if _, err := s.GetJob(ctx, id.NewJobID()); !errors.Is(err, recur.ErrJobNotFound) {
		t.Errorf("GetJob(missing) err = %v, want ErrJobNotFound", err)
	}
}

func TestUpdateJobVersionCAS(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inst := job.New("r1", time.Now().UTC(), testDetails(), 3)
	if err := s.CreateJob(ctx, inst); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	// Two readers fetch the same version.
	a, err := s.GetJob(ctx, inst.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	b, err := s.GetJob(ctx, inst.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}

	if err := a.Transition(job.StateEnqueued); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if err := s.UpdateJob(ctx, a); err != nil {
		t.Fatalf("first UpdateJob: %v", err)
	}
	if a.Version != 2 {
		t.Errorf("winner version = %d, want 2", a.Version)
	}

	// The stale writer must be rejected.
	if err := b.Transition(job.StateEnqueued); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if err := s.UpdateJob(ctx, b); !errors.Is(err, recur.ErrVersionConflict) {
		t.Errorf("stale UpdateJob err = %v, want ErrVersionConflict", err)
	}

	missing := job.New("r2", time.Now().UTC(), testDetails(), 0)
	if err := s.UpdateJob(ctx, missing); !errors.Is(err, recur.ErrJobNotFound) {
		t.Errorf("UpdateJob(missing) err = %v, want ErrJobNotFound", err)
	}
}

// A reschedule moves the occurrence key with the row: the partial unique
// index vacates the old instant and claims the new one.
func TestUpdateJobRescheduleMovesOccurrenceKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	t1 := time.Date(2025, 3, 11, 11, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	inst := job.New("r1", t1, testDetails(), 3)
	if err := s.CreateJob(ctx, inst); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	inst.ScheduledAt = t2
	if err := s.UpdateJob(ctx, inst); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}

	// The new instant is claimed by the moved instance.
	if err := s.CreateJob(ctx, job.New("r1", t2, testDetails(), 3)); !errors.Is(err, recur.ErrDuplicateOccurrence) {
		t.Errorf("CreateJob at new instant err = %v, want ErrDuplicateOccurrence", err)
	}
	// The old instant is free again.
	if err := s.CreateJob(ctx, job.New("r1", t1, testDetails(), 3)); err != nil {
		t.Errorf("CreateJob at vacated instant: %v", err)
	}
}

func TestUpdateJobRescheduleOntoClaimedInstant(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	t1 := time.Date(2025, 3, 11, 11, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	mover := job.New("r1", t1, testDetails(), 3)
	if err := s.CreateJob(ctx, mover); err != nil {
		t.Fatalf("CreateJob mover: %v", err)
	}
	if err := s.CreateJob(ctx, job.New("r1", t2, testDetails(), 3)); err != nil {
		t.Fatalf("CreateJob holder: %v", err)
	}

	mover.ScheduledAt = t2
	if err := s.UpdateJob(ctx, mover); !errors.Is(err, recur.ErrDuplicateOccurrence) {
		t.Errorf("UpdateJob onto claimed instant err = %v, want ErrDuplicateOccurrence", err)
	}
}

func TestDeleteJobVacatesOccurrenceKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	due := time.Date(2025, 3, 11, 11, 0, 0, 0, time.UTC)

	inst := job.New("r1", due, testDetails(), 3)
	if err := s.CreateJob(ctx, inst); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := s.DeleteJob(ctx, inst.ID); err != nil {
		t.Fatalf("DeleteJob: %v", err)
	}

	// The occurrence key is free again.
	if err := s.CreateJob(ctx, job.New("r1", due, testDetails(), 3)); err != nil {
		t.Errorf("CreateJob after delete: %v", err)
	}
}

func TestLatestJobForRecurring(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC)

	if latest, err := s.LatestJobForRecurring(ctx, "r1"); err != nil || latest != nil {
		t.Fatalf("empty store: latest = %v, err = %v; want nil, nil", latest, err)
	}

	for i := range 3 {
		inst := job.New("r1", base.Add(time.Duration(i)*time.Hour), testDetails(), 3)
		if err := s.CreateJob(ctx, inst); err != nil {
			t.Fatalf("CreateJob %d: %v", i, err)
		}
	}
	// Unrelated recurring id.
	if err := s.CreateJob(ctx, job.New("r2", base.Add(48*time.Hour), testDetails(), 3)); err != nil {
		t.Fatalf("CreateJob r2: %v", err)
	}

	latest, err := s.LatestJobForRecurring(ctx, "r1")
	if err != nil {
		t.Fatalf("LatestJobForRecurring: %v", err)
	}
	if want := base.Add(2 * time.Hour); !latest.ScheduledAt.Equal(want) {
		t.Errorf("latest.ScheduledAt = %v, want %v", latest.ScheduledAt, want)
	}
}

func TestListJobsByState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC)

	for i := range 5 {
		inst := job.New("r1", base.Add(time.Duration(i)*time.Hour), testDetails(), 3)
		if err := s.CreateJob(ctx, inst); err != nil {
			t.Fatalf("CreateJob %d: %v", i, err)
		}
	}

	all, err := s.ListJobsByState(ctx, job.StateScheduled, job.ListOpts{})
	if err != nil {
		t.Fatalf("ListJobsByState: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("len = %d, want 5", len(all))
	}
	if !all[0].ScheduledAt.Equal(base) {
		t.Errorf("first ScheduledAt = %v, want %v", all[0].ScheduledAt, base)
	}

	page, err := s.ListJobsByState(ctx, job.StateScheduled, job.ListOpts{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("ListJobsByState paged: %v", err)
	}
	if len(page) != 2 || !page[0].ScheduledAt.Equal(base.Add(time.Hour)) {
		t.Errorf("page = %v", page)
	}

	tail, err := s.ListJobsByState(ctx, job.StateScheduled, job.ListOpts{Offset: 3})
	if err != nil {
		t.Fatalf("ListJobsByState offset only: %v", err)
	}
	if len(tail) != 2 {
		t.Errorf("tail len = %d, want 2", len(tail))
	}
}

func TestPruneJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := job.New("r1", time.Now().UTC().Add(-48*time.Hour), testDetails(), 0)
	old.State = job.StateSucceeded
	old.UpdatedAt = time.Now().UTC().Add(-48 * time.Hour)
	if err := s.CreateJob(ctx, old); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	fresh := job.New("r1", time.Now().UTC(), testDetails(), 0)
	if err := s.CreateJob(ctx, fresh); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	pruned, err := s.PruneJobs(ctx, time.Now().UTC().Add(-24*time.Hour), []job.State{job.StateSucceeded})
	if err != nil {
		t.Fatalf("PruneJobs: %v", err)
	}
	if pruned != 1 {
		t.Errorf("pruned = %d, want 1", pruned)
	}
	if _, err := s.GetJob(ctx, fresh.ID); err != nil {
		t.Errorf("fresh instance should survive pruning: %v", err)
	}
}

func TestRecurringRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	retries := 5
	def := &recurring.Definition{
		Entity:     recur.NewEntity(),
		ID:         "r1",
		Expression: "0 * * * *",
		RetryCount: &retries,
		Details:    testDetails(),
		Active:     true,
		AnchorAt:   time.Now().UTC(),
	}
	if err := s.UpsertRecurring(ctx, def); err != nil {
		t.Fatalf("UpsertRecurring: %v", err)
	}

	got, err := s.GetRecurring(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRecurring: %v", err)
	}
	if got.Expression != "0 * * * *" {
		t.Errorf("expression = %q", got.Expression)
	}
	if got.RetryCount == nil || *got.RetryCount != 5 {
		t.Errorf("RetryCount = %v, want 5", got.RetryCount)
	}

	active, err := s.ListActiveRecurring(ctx)
	if err != nil || len(active) != 1 {
		t.Fatalf("ListActiveRecurring = %v, %v; want one definition", active, err)
	}

	if err := s.RemoveRecurring(ctx, "r1"); err != nil {
		t.Fatalf("RemoveRecurring: %v", err)
	}
	active, err = s.ListActiveRecurring(ctx)
	if err != nil || len(active) != 0 {
		t.Fatalf("after remove: ListActiveRecurring = %v, %v; want empty", active, err)
	}

	// The record itself survives as inactive.
	if _, err := s.GetRecurring(ctx, "r1"); err != nil {
		t.Errorf("GetRecurring after remove: %v", err)
	}

	if err := s.RemoveRecurring(ctx, "missing"); !errors.Is(err, recur.ErrRecurringNotFound) {
		t.Errorf("RemoveRecurring(missing) err = %v, want ErrRecurringNotFound", err)
	}
}

func TestNodeLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	stale := &cluster.Node{
		ID:        id.NewNodeID(),
		Hostname:  "worker-1",
		State:     cluster.NodeActive,
		LastSeen:  now.Add(-10 * time.Minute),
		Metadata:  map[string]string{"zone": "eu-west-1"},
		CreatedAt: now.Add(-time.Hour),
	}
	fresh := &cluster.Node{
		ID:        id.NewNodeID(),
		Hostname:  "worker-2",
		State:     cluster.NodeActive,
		LastSeen:  now,
		CreatedAt: now,
	}
	for _, n := range []*cluster.Node{stale, fresh} {
		if err := s.RegisterNode(ctx, n); err != nil {
			t.Fatalf("RegisterNode: %v", err)
		}
	}

	nodes, err := s.ListNodes(ctx)
	if err != nil || len(nodes) != 2 {
		t.Fatalf("ListNodes = %v, %v; want two nodes", nodes, err)
	}

	dead, err := s.ReapDeadNodes(ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("ReapDeadNodes: %v", err)
	}
	if len(dead) != 1 || dead[0].ID.String() != stale.ID.String() {
		t.Fatalf("dead = %v, want only the stale node", dead)
	}
	if dead[0].State != cluster.NodeDead {
		t.Errorf("state = %q, want dead", dead[0].State)
	}
	if dead[0].Metadata["zone"] != "eu-west-1" {
		t.Errorf("metadata = %v", dead[0].Metadata)
	}

	// A heartbeat revives the reaped node.
	if err := s.HeartbeatNode(ctx, stale.ID); err != nil {
		t.Fatalf("HeartbeatNode: %v", err)
	}
	if dead, err = s.ReapDeadNodes(ctx, 5*time.Minute); err != nil || len(dead) != 0 {
		t.Fatalf("after heartbeat: dead = %v, err = %v; want none", dead, err)
	}

	if err := s.DeregisterNode(ctx, fresh.ID); err != nil {
		t.Fatalf("DeregisterNode: %v", err)
	}
	if err := s.DeregisterNode(ctx, fresh.ID); !errors.Is(err, recur.ErrNodeNotFound) {
		t.Errorf("second DeregisterNode err = %v, want ErrNodeNotFound", err)
	}
	if err := s.HeartbeatNode(ctx, fresh.ID); !errors.Is(err, recur.ErrNodeNotFound) {
		t.Errorf("HeartbeatNode(missing) err = %v, want ErrNodeNotFound", err)
	}
}
