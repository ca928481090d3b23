package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/recurhq/recur"
	"github.com/recurhq/recur/carbon"
	"github.com/recurhq/recur/id"
	"github.com/recurhq/recur/job"
	"github.com/recurhq/recur/recurring"
	"github.com/recurhq/recur/schedule"
)

// meterName is the instrumentation scope name for coordinator metrics.
const meterName = "github.com/recurhq/recur/coordinator"

// Emitter receives claim lifecycle events.
type Emitter interface {
	EmitOccurrenceClaimed(ctx context.Context, def *recurring.Definition, inst *job.Instance)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithPollInterval sets how often the coordinator scans for due
// occurrences.
func WithPollInterval(d time.Duration) Option {
	return func(c *Coordinator) { c.pollInterval = d }
}

// WithCatchUpPolicy selects the missed-occurrence behavior.
func WithCatchUpPolicy(p recur.CatchUpPolicy) Option {
	return func(c *Coordinator) { c.catchUp = p }
}

// WithBatchLimit caps per-definition occurrence creation within one tick.
func WithBatchLimit(n int) Option {
	return func(c *Coordinator) { c.batchLimit = n }
}

// WithDefaultRetries sets the retry budget for instances whose definition
// carries no override.
func WithDefaultRetries(n int) Option {
	return func(c *Coordinator) { c.defaultRetries = n }
}

// WithForecastProvider enables carbon-aware instant selection.
func WithForecastProvider(p carbon.Provider) Option {
	return func(c *Coordinator) { c.forecast = p }
}

// WithForecastHorizon sets how many hours of forecast to request.
func WithForecastHorizon(hours int) Option {
	return func(c *Coordinator) { c.horizonHours = hours }
}

// WithEmitter sets the claim event emitter.
func WithEmitter(e Emitter) Option {
	return func(c *Coordinator) { c.emitter = e }
}

// WithFailureSignalThreshold sets the number of consecutive failed ticks
// after which the monitoring signal is raised.
func WithFailureSignalThreshold(n int) Option {
	return func(c *Coordinator) { c.failureThreshold = n }
}

// WithNow overrides the clock. Intended for tests.
func WithNow(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// Coordinator scans due recurring jobs on a tick loop and claims their
// occurrences through conditional creates. It holds no persistent state
// of its own: everything it needs is recomputed from the store each tick.
type Coordinator struct {
	jobs       job.Store
	recurrings recurring.Store
	forecast   carbon.Provider
	emitter    Emitter
	nodeID     id.NodeID
	logger     *slog.Logger

	pollInterval     time.Duration
	catchUp          recur.CatchUpPolicy
	batchLimit       int
	defaultRetries   int
	horizonHours     int
	failureThreshold int

	now func() time.Time

	// parsed caches parsed schedule expressions.
	parsedMu sync.RWMutex
	parsed   map[string]schedule.Expression

	// consecutiveFailures counts failed ticks since the last good one.
	consecutiveFailures int

	claimsWon    metric.Int64Counter
	claimsLost   metric.Int64Counter
	tickDuration metric.Float64Histogram
	tickFailures metric.Int64Counter

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Coordinator for one scheduler node.
func New(
	jobs job.Store,
	recurrings recurring.Store,
	nodeID id.NodeID,
	logger *slog.Logger,
	opts ...Option,
) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		jobs:             jobs,
		recurrings:       recurrings,
		nodeID:           nodeID,
		logger:           logger,
		pollInterval:     5 * time.Second,
		catchUp:          recur.CatchUpLatest,
		batchLimit:       100,
		defaultRetries:   10,
		horizonHours:     48,
		failureThreshold: 5,
		now:              func() time.Time { return time.Now().UTC() },
		parsed:           make(map[string]schedule.Expression),
		stopCh:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	// OTel instruments are noop-safe: on error the API returns noop
	// instruments and the coordinator degrades gracefully.
	meter := otel.Meter(meterName)
	c.claimsWon, _ = meter.Int64Counter(
		"recur.claims.won",
		metric.WithDescription("Occurrences claimed by this node"),
		metric.WithUnit("{occurrence}"),
	)
	c.claimsLost, _ = meter.Int64Counter(
		"recur.claims.lost",
		metric.WithDescription("Claim races lost to another node"),
		metric.WithUnit("{occurrence}"),
	)
	c.tickDuration, _ = meter.Float64Histogram(
		"recur.tick.duration",
		metric.WithDescription("Duration of one poll tick in seconds"),
		metric.WithUnit("s"),
	)
	c.tickFailures, _ = meter.Int64Counter(
		"recur.tick.failures",
		metric.WithDescription("Poll ticks that failed to list definitions"),
		metric.WithUnit("{tick}"),
	)
	return c
}

// Start launches the poll loop goroutine.
func (c *Coordinator) Start(_ context.Context) error {
	c.wg.Add(1)
	go c.pollLoop()
	c.logger.Info("claim coordinator started",
		slog.String("node_id", c.nodeID.String()),
		slog.Duration("poll_interval", c.pollInterval),
		slog.String("catch_up", string(c.catchUp)),
	)
	return nil
}

// Stop signals the coordinator to stop and waits for the loop to finish.
func (c *Coordinator) Stop(_ context.Context) error {
	close(c.stopCh)
	c.wg.Wait()
	c.logger.Info("claim coordinator stopped")
	return nil
}

// pollLoop fires on each poll interval until stopped.
func (c *Coordinator) pollLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if err := c.Poll(context.Background()); err != nil {
				c.logger.Warn("poll tick failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Poll runs a single tick: scan active definitions and claim whatever is
// due. Exported so callers can drive the loop themselves; the error
// reports only tick-level failures (listing definitions), never
// per-definition ones, which are isolated and logged.
func (c *Coordinator) Poll(ctx context.Context) error {
	start := time.Now()

	defs, err := c.recurrings.ListActiveRecurring(ctx)
	if err != nil {
		c.tickFailures.Add(ctx, 1)
		c.consecutiveFailures++
		if c.failureThreshold > 0 && c.consecutiveFailures >= c.failureThreshold {
			c.logger.Error("store unreachable across consecutive ticks",
				slog.Int("consecutive_failures", c.consecutiveFailures),
			)
		}
		return fmt.Errorf("recur/coordinator: list recurring: %w", err)
	}
	c.consecutiveFailures = 0

	now := c.now()
	for _, def := range defs {
		if err := c.processDefinition(ctx, def, now); err != nil {
			// Transient per-definition failure: skip, retry next tick.
			c.logger.Warn("definition skipped this tick",
				slog.String("recurring_job_id", def.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	c.tickDuration.Record(ctx, time.Since(start).Seconds())
	return nil
}

// processDefinition computes and claims the due occurrences of one
// recurring definition.
func (c *Coordinator) processDefinition(ctx context.Context, def *recurring.Definition, now time.Time) error {
	expr, err := c.getOrParse(def.Expression)
	if err != nil {
		// Malformed expressions cannot reach the store through the
		// registry; a record predating a grammar change is skipped
		// rather than blocking the tick.
		return err
	}
	loc, err := def.Location()
	if err != nil {
		return err
	}

	ref, err := c.referenceInstant(ctx, def)
	if err != nil {
		return err
	}

	created := 0
	for {
		inst, next, dueErr := c.nextDue(ctx, def, expr, loc, ref, now)
		if dueErr != nil {
			return dueErr
		}
		if inst == nil {
			return nil // nothing (more) due
		}

		if err := c.claim(ctx, def, inst); err != nil {
			return err
		}

		created++
		if c.catchUp != recur.CatchUpAll || (c.batchLimit > 0 && created >= c.batchLimit) {
			return nil
		}
		ref = next
	}
}

// referenceInstant returns the persisted reference point for occurrence
// computation: the most recent instance's scheduled instant, or the
// definition's anchor when no instance exists yet.
func (c *Coordinator) referenceInstant(ctx context.Context, def *recurring.Definition) (time.Time, error) {
	latest, err := c.jobs.LatestJobForRecurring(ctx, def.ID)
	if err != nil {
		return time.Time{}, err
	}
	if latest != nil {
		return latest.ScheduledAt, nil
	}
	return def.AnchorAt, nil
}

// nextDue computes the next due occurrence after ref. It returns a nil
// instance when nothing is due yet. The second return value is the
// occurrence's fire instant, used to advance the reference during
// catch-up replay.
func (c *Coordinator) nextDue(
	ctx context.Context,
	def *recurring.Definition,
	expr schedule.Expression,
	loc *time.Location,
	ref, now time.Time,
) (*job.Instance, time.Time, error) {
	if expr.Kind() == schedule.KindCarbonAware {
		w := expr.NextWindow(ref, loc)
		if w.From.After(now) {
			return nil, time.Time{}, nil
		}
		if c.catchUp == recur.CatchUpLatest {
			// Skip intermediate missed windows; claim only the most
			// recent one whose opening has passed.
			for {
				nw := expr.NextWindow(w.From, loc)
				if nw.From.After(now) {
					break
				}
				w = nw
			}
		}

		// Claim on the window opening instant: every node derives it from
		// the same persisted reference, so the occurrence key is identical
		// across nodes even when their forecast inputs diverge. The
		// selected instant only defers execution, never identity.
		at := c.selectWithinWindow(ctx, def, w)
		inst := job.New(def.ID, w.From, def.Details, def.Retries(c.defaultRetries))
		inst.Labels = def.Labels
		if at.After(w.From) {
			runAt := at
			inst.RunAt = &runAt
		}
		return inst, w.From, nil
	}

	next := expr.Next(ref, loc)
	if next.After(now) {
		return nil, time.Time{}, nil
	}
	if c.catchUp == recur.CatchUpLatest {
		for {
			following := expr.Next(next, loc)
			if following.After(now) {
				break
			}
			next = following
		}
	}

	inst := job.New(def.ID, next, def.Details, def.Retries(c.defaultRetries))
	inst.Labels = def.Labels
	return inst, next, nil
}

// selectWithinWindow picks the lowest-intensity instant inside the
// window, failing open to the window's opening instant when no forecast
// covers it. The optimization is retried naturally on the next occurrence.
func (c *Coordinator) selectWithinWindow(ctx context.Context, def *recurring.Definition, w schedule.Window) time.Time {
	if c.forecast == nil {
		return w.From
	}

	f, err := c.forecast.Forecast(ctx, def.ZoneID, c.horizonHours)
	if err != nil {
		c.logger.Warn("forecast fetch failed, failing open to window start",
			slog.String("recurring_job_id", def.ID),
			slog.String("error", err.Error()),
		)
		return w.From
	}

	at, err := carbon.SelectInstant(w, f)
	if err != nil {
		if errors.Is(err, recur.ErrForecastUnavailable) {
			c.logger.Warn("forecast does not cover window, failing open to window start",
				slog.String("recurring_job_id", def.ID),
				slog.Time("window_from", w.From),
				slog.Time("window_to", w.To),
			)
		}
		return w.From
	}
	return at
}

// claim attempts the conditional create. Losing the race to another node
// is an expected outcome and logged at diagnostic level only.
func (c *Coordinator) claim(ctx context.Context, def *recurring.Definition, inst *job.Instance) error {
	err := c.jobs.CreateJob(ctx, inst)
	switch {
	case err == nil:
		c.claimsWon.Add(ctx, 1, metric.WithAttributes(
			attribute.String("recurring_job_id", def.ID),
		))
		if c.emitter != nil {
			c.emitter.EmitOccurrenceClaimed(ctx, def, inst)
		}
		c.logger.Info("occurrence claimed",
			slog.String("recurring_job_id", def.ID),
			slog.String("job_id", inst.ID.String()),
			slog.Time("scheduled_at", inst.ScheduledAt),
		)
		return nil

	case errors.Is(err, recur.ErrDuplicateOccurrence):
		c.claimsLost.Add(ctx, 1, metric.WithAttributes(
			attribute.String("recurring_job_id", def.ID),
		))
		c.logger.Debug("occurrence already claimed by another node",
			slog.String("recurring_job_id", def.ID),
			slog.Time("scheduled_at", inst.ScheduledAt),
		)
		return nil

	default:
		return fmt.Errorf("recur/coordinator: create instance: %w", err)
	}
}

// getOrParse caches parsed schedule expressions.
func (c *Coordinator) getOrParse(text string) (schedule.Expression, error) {
	c.parsedMu.RLock()
	expr, ok := c.parsed[text]
	c.parsedMu.RUnlock()
	if ok {
		return expr, nil
	}

	expr, err := schedule.Parse(text)
	if err != nil {
		return nil, err
	}

	c.parsedMu.Lock()
	c.parsed[text] = expr
	c.parsedMu.Unlock()
	return expr, nil
}
