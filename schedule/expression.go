package schedule

import (
	"fmt"
	"strings"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"github.com/sosodev/duration"

	"github.com/recurhq/recur"
)

// Kind discriminates the three expression grammars.
type Kind string

const (
	KindCron        Kind = "cron"
	KindInterval    Kind = "interval"
	KindCarbonAware Kind = "carbon-aware"
)

// Window is a half-open time range [From, To) within which an occurrence
// is permitted to run.
type Window struct {
	From time.Time
	To   time.Time
}

// IsInstant reports whether the window has collapsed to a single instant,
// which is the case for plain cron and interval expressions.
func (w Window) IsInstant() bool { return !w.From.Before(w.To) }

// Contains reports whether t lies within the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.From) && t.Before(w.To)
}

// Duration returns the window length.
func (w Window) Duration() time.Duration { return w.To.Sub(w.From) }

// Expression is a parsed schedule expression. Implementations are
// immutable and safe for concurrent use.
type Expression interface {
	fmt.Stringer

	// Kind returns the grammar this expression was parsed from.
	Kind() Kind

	// Next returns the first fire instant strictly after the reference.
	// Re-invoking with the result as the new reference never repeats an
	// instant, so idempotent re-polling is safe. loc is the definition's
	// zone; nil means UTC.
	Next(after time.Time, loc *time.Location) time.Time

	// NextWindow returns the permitted execution window for the first
	// occurrence strictly after the reference. For cron and interval
	// expressions the window collapses to the fire instant itself.
	NextWindow(after time.Time, loc *time.Location) Window
}

// cronParser accepts both the standard 5-field form and the extended
// 6-field form with a leading seconds field. Descriptors like "@every"
// are deliberately excluded: intervals have their own grammar.
var cronParser = cronlib.NewParser(
	cronlib.SecondOptional | cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Parse parses text against the three grammars and returns the matching
// expression. It fails with recur.ErrInvalidExpression when the text
// matches none of them.
func Parse(text string) (Expression, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty expression", recur.ErrInvalidExpression)
	}

	if strings.HasSuffix(trimmed, "]") {
		return parseCarbonAware(trimmed)
	}
	return parseInstant(trimmed)
}

// parseInstant parses the cron and interval grammars, which resolve to a
// single instant rather than a window.
func parseInstant(text string) (Expression, error) {
	if strings.ContainsAny(text, "[]") {
		return nil, fmt.Errorf("%w: carbon-aware expressions cannot be nested: %q", recur.ErrInvalidExpression, text)
	}

	// Interval: ISO-8601 durations start with 'P'; Go durations contain
	// no spaces and end in a unit. Cron expressions always contain spaces.
	if !strings.ContainsRune(text, ' ') {
		d, err := parseDuration(text)
		if err != nil {
			return nil, err
		}
		return &IntervalExpression{text: text, every: d}, nil
	}

	sched, err := cronParser.Parse(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", recur.ErrInvalidExpression, text, err)
	}
	return &CronExpression{text: text, sched: sched}, nil
}

// parseCarbonAware splits "<inner> [PTb/PTa]" into the inner expression
// and the margin pair.
func parseCarbonAware(text string) (Expression, error) {
	open := strings.LastIndex(text, "[")
	if open <= 0 {
		return nil, fmt.Errorf("%w: %q: missing inner expression before margin", recur.ErrInvalidExpression, text)
	}

	innerText := strings.TrimSpace(text[:open])
	marginText := strings.TrimSuffix(text[open+1:], "]")

	parts := strings.Split(marginText, "/")
	if len(parts) != 2 {
		return nil, fmt.Errorf("%w: %q: margin must be [before/after]", recur.ErrInvalidExpression, text)
	}

	before, err := parseISODuration(parts[0])
	if err != nil {
		return nil, err
	}
	after, err := parseISODuration(parts[1])
	if err != nil {
		return nil, err
	}
	if before+after <= 0 {
		return nil, fmt.Errorf("%w: %q: margin window is empty", recur.ErrInvalidExpression, text)
	}

	inner, err := parseInstant(innerText)
	if err != nil {
		return nil, err
	}

	return &CarbonAwareExpression{
		text:         text,
		inner:        inner,
		marginBefore: before,
		marginAfter:  after,
	}, nil
}

// parseDuration accepts ISO-8601 durations and, as a convenience, plain Go
// duration strings. Intervals must be strictly positive: a zero interval
// would make Next return its reference instant and break the
// strictly-after contract.
func parseDuration(text string) (time.Duration, error) {
	var (
		d   time.Duration
		err error
	)
	if strings.HasPrefix(text, "P") {
		d, err = parseISODuration(text)
	} else {
		d, err = time.ParseDuration(text)
		if err != nil {
			err = fmt.Errorf("%w: %q: %v", recur.ErrInvalidExpression, text, err)
		}
	}
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("%w: %q: interval must be positive", recur.ErrInvalidExpression, text)
	}
	return d, nil
}

// parseISODuration parses an ISO-8601 duration. Zero is allowed here:
// carbon-aware margins may legitimately be PT0S.
func parseISODuration(text string) (time.Duration, error) {
	iso, err := duration.Parse(text)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", recur.ErrInvalidExpression, text, err)
	}
	d := iso.ToTimeDuration()
	if d < 0 {
		return 0, fmt.Errorf("%w: %q: duration must not be negative", recur.ErrInvalidExpression, text)
	}
	return d, nil
}

// ──────────────────────────────────────────────────
// Cron
// ──────────────────────────────────────────────────

// CronExpression fires on wall-clock instants matched by a cron spec,
// evaluated in the definition's zone.
type CronExpression struct {
	text  string
	sched cronlib.Schedule
}

// Kind returns KindCron.
func (c *CronExpression) Kind() Kind { return KindCron }

// String returns the original expression text.
func (c *CronExpression) String() string { return c.text }

// Next returns the first matching instant strictly after the reference.
func (c *CronExpression) Next(after time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return c.sched.Next(after.In(loc))
}

// NextWindow returns the degenerate window [next, next).
func (c *CronExpression) NextWindow(after time.Time, loc *time.Location) Window {
	next := c.Next(after, loc)
	return Window{From: next, To: next}
}

// ──────────────────────────────────────────────────
// Interval
// ──────────────────────────────────────────────────

// IntervalExpression fires a fixed duration after the previous fire.
// The computation is lastFire + duration, recomputed from persisted state,
// never from the system clock, so restarts do not introduce drift.
type IntervalExpression struct {
	text  string
	every time.Duration
}

// Kind returns KindInterval.
func (i *IntervalExpression) Kind() Kind { return KindInterval }

// String returns the original expression text.
func (i *IntervalExpression) String() string { return i.text }

// Every returns the interval duration.
func (i *IntervalExpression) Every() time.Duration { return i.every }

// Next returns the reference plus the interval, exactly.
func (i *IntervalExpression) Next(after time.Time, _ *time.Location) time.Time {
	return after.Add(i.every)
}

// NextWindow returns the degenerate window [next, next).
func (i *IntervalExpression) NextWindow(after time.Time, loc *time.Location) Window {
	next := i.Next(after, loc)
	return Window{From: next, To: next}
}

// ──────────────────────────────────────────────────
// Carbon-aware
// ──────────────────────────────────────────────────

// CarbonAwareExpression wraps an inner cron or interval expression with a
// permitted margin window around each inner fire instant F:
// [F-before, F+after). Instant selection inside the window belongs to the
// carbon package; the fallback instant when no forecast is available is
// the window opening.
type CarbonAwareExpression struct {
	text         string
	inner        Expression
	marginBefore time.Duration
	marginAfter  time.Duration
}

// Kind returns KindCarbonAware.
func (c *CarbonAwareExpression) Kind() Kind { return KindCarbonAware }

// String returns the original expression text.
func (c *CarbonAwareExpression) String() string { return c.text }

// Inner returns the wrapped expression.
func (c *CarbonAwareExpression) Inner() Expression { return c.inner }

// Margins returns the window margins around each inner fire instant.
func (c *CarbonAwareExpression) Margins() (before, after time.Duration) {
	return c.marginBefore, c.marginAfter
}

// Next returns the opening instant of the next window. This is the
// fail-open instant used when no forecast covers the window.
func (c *CarbonAwareExpression) Next(after time.Time, loc *time.Location) time.Time {
	return c.NextWindow(after, loc).From
}

// NextWindow returns the next permitted window strictly after the
// reference. A reference that already lies inside a window belongs to that
// window's occurrence (the optimizer may have selected an instant before
// the inner fire), so the following window is returned instead of
// repeating it.
func (c *CarbonAwareExpression) NextWindow(after time.Time, loc *time.Location) Window {
	fire := c.inner.Next(after, loc)
	if !after.Before(fire.Add(-c.marginBefore)) {
		fire = c.inner.Next(fire, loc)
	}
	return Window{From: fire.Add(-c.marginBefore), To: fire.Add(c.marginAfter)}
}
