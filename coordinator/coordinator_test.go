package coordinator_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/recurhq/recur"
	"github.com/recurhq/recur/carbon"
	"github.com/recurhq/recur/coordinator"
	"github.com/recurhq/recur/id"
	"github.com/recurhq/recur/job"
	"github.com/recurhq/recur/recurring"
	"github.com/recurhq/recur/store/memory"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testDetails() recur.JobDetails {
	return recur.NewRequestDetails("send-report", json.RawMessage(`{"format":"pdf"}`))
}

// registerDef inserts an active definition directly into the store with a
// fixed anchor, bypassing the registry so tests control the anchor instant.
func registerDef(t *testing.T, s *memory.Store, defID, expression string, anchor time.Time) *recurring.Definition {
	t.Helper()

	def := &recurring.Definition{
		Entity:     recur.NewEntity(),
		ID:         defID,
		Expression: expression,
		Details:    testDetails(),
		Active:     true,
		AnchorAt:   anchor,
	}
	def.ContentHash = def.Hash()
	if err := s.UpsertRecurring(context.Background(), def); err != nil {
		t.Fatalf("UpsertRecurring: %v", err)
	}
	return def
}

func fixedNow(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func scheduledInstances(t *testing.T, s *memory.Store) []*job.Instance {
	t.Helper()
	insts, err := s.ListJobsByState(context.Background(), job.StateScheduled, job.ListOpts{})
	if err != nil {
		t.Fatalf("ListJobsByState: %v", err)
	}
	return insts
}

// claimSpy records EmitOccurrenceClaimed calls.
type claimSpy struct {
	mu    sync.Mutex
	calls []string
}

func (e *claimSpy) EmitOccurrenceClaimed(_ context.Context, def *recurring.Definition, _ *job.Instance) {
	e.mu.Lock()
	e.calls = append(e.calls, def.ID)
	e.mu.Unlock()
}

func (e *claimSpy) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

// Register an hourly cron at 10:00; two nodes polling just after 11:00
// both compute the 11:00 occurrence, and exactly one instance exists
// afterward.
func TestTwoNodeRaceProducesOneInstance(t *testing.T) {
	s := memory.New()
	anchor := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	registerDef(t, s, "r1", "0 * * * *", anchor)

	now := time.Date(2025, 3, 10, 11, 0, 1, 0, time.UTC)
	spy := &claimSpy{}

	nodeA := coordinator.New(s, s, id.NewNodeID(), quietLogger(),
		coordinator.WithNow(fixedNow(now)), coordinator.WithEmitter(spy))
	nodeB := coordinator.New(s, s, id.NewNodeID(), quietLogger(),
		coordinator.WithNow(fixedNow(now)), coordinator.WithEmitter(spy))

	var wg sync.WaitGroup
	for _, node := range []*coordinator.Coordinator{nodeA, nodeB} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := node.Poll(context.Background()); err != nil {
				t.Errorf("Poll: %v", err)
			}
		}()
	}
	wg.Wait()

	insts := scheduledInstances(t, s)
	if len(insts) != 1 {
		t.Fatalf("got %d scheduled instances, want exactly 1", len(insts))
	}
	want := time.Date(2025, 3, 10, 11, 0, 0, 0, time.UTC)
	if !insts[0].ScheduledAt.Equal(want) {
		t.Errorf("ScheduledAt = %v, want %v", insts[0].ScheduledAt, want)
	}
	if insts[0].RecurringJobID != "r1" {
		t.Errorf("RecurringJobID = %q, want r1", insts[0].RecurringJobID)
	}
	if spy.count() != 1 {
		t.Errorf("claim events = %d, want 1 (losers stay silent)", spy.count())
	}
}

// A node that was down across five due instants creates exactly one
// catch-up occurrence under the default policy.
func TestMissedOccurrencesSingleCatchUp(t *testing.T) {
	s := memory.New()
	anchor := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	registerDef(t, s, "r1", "0 * * * *", anchor)

	// Five due instants passed: 11:00 through 15:00.
	now := time.Date(2025, 3, 10, 15, 30, 0, 0, time.UTC)
	c := coordinator.New(s, s, id.NewNodeID(), quietLogger(),
		coordinator.WithNow(fixedNow(now)))

	if err := c.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	insts := scheduledInstances(t, s)
	if len(insts) != 1 {
		t.Fatalf("got %d instances, want exactly 1 catch-up occurrence", len(insts))
	}
	want := time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)
	if !insts[0].ScheduledAt.Equal(want) {
		t.Errorf("ScheduledAt = %v, want most recent due instant %v", insts[0].ScheduledAt, want)
	}

	// Re-polling at the same instant creates nothing further.
	if err := c.Poll(context.Background()); err != nil {
		t.Fatalf("re-Poll: %v", err)
	}
	if insts = scheduledInstances(t, s); len(insts) != 1 {
		t.Errorf("re-poll created extra instances: %d", len(insts))
	}
}

// With CatchUpAll every missed occurrence is replayed, oldest first.
func TestMissedOccurrencesCatchUpAll(t *testing.T) {
	s := memory.New()
	anchor := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	registerDef(t, s, "r1", "0 * * * *", anchor)

	now := time.Date(2025, 3, 10, 15, 30, 0, 0, time.UTC)
	c := coordinator.New(s, s, id.NewNodeID(), quietLogger(),
		coordinator.WithNow(fixedNow(now)),
		coordinator.WithCatchUpPolicy(recur.CatchUpAll))

	if err := c.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	insts := scheduledInstances(t, s)
	if len(insts) != 5 {
		t.Fatalf("got %d instances, want 5 replayed occurrences", len(insts))
	}
	for i, inst := range insts {
		want := anchor.Add(time.Duration(i+1) * time.Hour)
		if !inst.ScheduledAt.Equal(want) {
			t.Errorf("instance %d ScheduledAt = %v, want %v", i, inst.ScheduledAt, want)
		}
	}
}

// Interval occurrences stay anchored to the previous fire: successive
// polls claim T0+D, T0+2D, ... exactly, however many ticks happen between.
func TestIntervalAnchoredSequence(t *testing.T) {
	s := memory.New()
	anchor := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	registerDef(t, s, "r1", "PT1H", anchor)

	c := coordinator.New(s, s, id.NewNodeID(), quietLogger())

	for k := 1; k <= 3; k++ {
		// Several redundant polls at each step must not over-create.
		now := anchor.Add(time.Duration(k)*time.Hour + 10*time.Minute)
		coordinator.WithNow(fixedNow(now))(c)

		for range 3 {
			if err := c.Poll(context.Background()); err != nil {
				t.Fatalf("Poll: %v", err)
			}
		}

		insts := scheduledInstances(t, s)
		if len(insts) != k {
			t.Fatalf("after step %d: %d instances, want %d", k, len(insts), k)
		}
		want := anchor.Add(time.Duration(k) * time.Hour)
		if !insts[k-1].ScheduledAt.Equal(want) {
			t.Errorf("fire %d = %v, want %v", k, insts[k-1].ScheduledAt, want)
		}
	}
}

func TestCarbonAwareSelectsCleanestHour(t *testing.T) {
	s := memory.New()
	anchor := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	registerDef(t, s, "r1", "0 0 * * * [PT0S/PT7H]", anchor)

	forecast := carbon.Forecast{
		time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC): 300,
		time.Date(2025, 3, 11, 1, 0, 0, 0, time.UTC): 250,
		time.Date(2025, 3, 11, 2, 0, 0, 0, time.UTC): 90, // cleanest
		time.Date(2025, 3, 11, 3, 0, 0, 0, time.UTC): 180,
	}

	now := time.Date(2025, 3, 11, 0, 0, 30, 0, time.UTC)
	c := coordinator.New(s, s, id.NewNodeID(), quietLogger(),
		coordinator.WithNow(fixedNow(now)),
		coordinator.WithForecastProvider(carbon.NewStaticProvider(forecast)))

	if err := c.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	insts := scheduledInstances(t, s)
	if len(insts) != 1 {
		t.Fatalf("got %d instances, want 1", len(insts))
	}
	windowOpen := time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC)
	if !insts[0].ScheduledAt.Equal(windowOpen) {
		t.Errorf("ScheduledAt = %v, want window open %v", insts[0].ScheduledAt, windowOpen)
	}
	cleanest := time.Date(2025, 3, 11, 2, 0, 0, 0, time.UTC)
	if insts[0].RunAt == nil || !insts[0].RunAt.Equal(cleanest) {
		t.Errorf("RunAt = %v, want cleanest hour %v", insts[0].RunAt, cleanest)
	}
}

// Missing forecast data fails open to the window's opening instant; the
// run is never silently skipped.
func TestCarbonAwareFailsOpenWithoutForecast(t *testing.T) {
	s := memory.New()
	anchor := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	registerDef(t, s, "r1", "0 0 * * * [PT0S/PT7H]", anchor)

	now := time.Date(2025, 3, 11, 0, 0, 30, 0, time.UTC)
	c := coordinator.New(s, s, id.NewNodeID(), quietLogger(),
		coordinator.WithNow(fixedNow(now)),
		coordinator.WithForecastProvider(carbon.NewStaticProvider(carbon.Forecast{})))

	if err := c.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	insts := scheduledInstances(t, s)
	if len(insts) != 1 {
		t.Fatalf("got %d instances, want 1 (fail-open)", len(insts))
	}
	want := time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC)
	if !insts[0].ScheduledAt.Equal(want) {
		t.Errorf("ScheduledAt = %v, want window open %v", insts[0].ScheduledAt, want)
	}
	if insts[0].RunAt != nil {
		t.Errorf("RunAt = %v, want nil (run at window open)", insts[0].RunAt)
	}
}

// Nodes whose forecast inputs diverge (one has data, one fails open)
// still claim the same occurrence key, so the occurrence runs once.
func TestCarbonAwareDivergentForecastsClaimOnce(t *testing.T) {
	s := memory.New()
	anchor := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	registerDef(t, s, "r1", "0 0 * * * [PT0S/PT7H]", anchor)

	forecast := carbon.Forecast{
		time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC): 300,
		time.Date(2025, 3, 11, 2, 0, 0, 0, time.UTC): 90,
	}

	now := time.Date(2025, 3, 11, 0, 0, 30, 0, time.UTC)
	informed := coordinator.New(s, s, id.NewNodeID(), quietLogger(),
		coordinator.WithNow(fixedNow(now)),
		coordinator.WithForecastProvider(carbon.NewStaticProvider(forecast)))
	blind := coordinator.New(s, s, id.NewNodeID(), quietLogger(),
		coordinator.WithNow(fixedNow(now)),
		coordinator.WithForecastProvider(carbon.NewStaticProvider(carbon.Forecast{})))

	if err := informed.Poll(context.Background()); err != nil {
		t.Fatalf("informed Poll: %v", err)
	}
	if err := blind.Poll(context.Background()); err != nil {
		t.Fatalf("blind Poll: %v", err)
	}

	insts := scheduledInstances(t, s)
	if len(insts) != 1 {
		t.Fatalf("got %d instances, want exactly 1", len(insts))
	}
	windowOpen := time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC)
	if !insts[0].ScheduledAt.Equal(windowOpen) {
		t.Errorf("ScheduledAt = %v, want window open %v", insts[0].ScheduledAt, windowOpen)
	}
}

// One definition's failure must not block the remaining definitions in
// the same tick.
func TestDefinitionFailureIsolation(t *testing.T) {
	s := memory.New()
	anchor := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)

	// Bypasses the registry with an unparseable expression, as a record
	// written by an older incompatible version would be.
	broken := &recurring.Definition{
		Entity:     recur.NewEntity(),
		ID:         "broken",
		Expression: "not a schedule",
		Details:    testDetails(),
		Active:     true,
		AnchorAt:   anchor,
	}
	if err := s.UpsertRecurring(context.Background(), broken); err != nil {
		t.Fatalf("UpsertRecurring: %v", err)
	}
	registerDef(t, s, "healthy", "0 * * * *", anchor)

	now := time.Date(2025, 3, 10, 11, 0, 1, 0, time.UTC)
	c := coordinator.New(s, s, id.NewNodeID(), quietLogger(),
		coordinator.WithNow(fixedNow(now)))

	if err := c.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	insts := scheduledInstances(t, s)
	if len(insts) != 1 || insts[0].RecurringJobID != "healthy" {
		t.Fatalf("healthy definition should still fire; got %+v", insts)
	}
}

// Removing a definition stops occurrence creation on the next tick.
func TestRemovedDefinitionStopsFiring(t *testing.T) {
	s := memory.New()
	anchor := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	registerDef(t, s, "r1", "0 * * * *", anchor)

	if err := s.RemoveRecurring(context.Background(), "r1"); err != nil {
		t.Fatalf("RemoveRecurring: %v", err)
	}

	now := time.Date(2025, 3, 10, 11, 0, 1, 0, time.UTC)
	c := coordinator.New(s, s, id.NewNodeID(), quietLogger(),
		coordinator.WithNow(fixedNow(now)))

	if err := c.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if insts := scheduledInstances(t, s); len(insts) != 0 {
		t.Errorf("removed definition fired: %d instances", len(insts))
	}
}

// A definition override trims the retry budget of created instances.
func TestRetryOverrideFlowsToInstances(t *testing.T) {
	s := memory.New()
	anchor := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	def := registerDef(t, s, "r1", "0 * * * *", anchor)
	override := 2
	def.RetryCount = &override
	if err := s.UpsertRecurring(context.Background(), def); err != nil {
		t.Fatalf("UpsertRecurring: %v", err)
	}

	now := time.Date(2025, 3, 10, 11, 0, 1, 0, time.UTC)
	c := coordinator.New(s, s, id.NewNodeID(), quietLogger(),
		coordinator.WithNow(fixedNow(now)),
		coordinator.WithDefaultRetries(10))

	if err := c.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	insts := scheduledInstances(t, s)
	if len(insts) != 1 {
		t.Fatalf("got %d instances, want 1", len(insts))
	}
	if insts[0].RetriesRemaining != 2 {
		t.Errorf("RetriesRemaining = %d, want override 2", insts[0].RetriesRemaining)
	}
}
