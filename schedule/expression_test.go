package schedule_test

import (
	"errors"
	"testing"
	"time"

	"github.com/recurhq/recur"
	"github.com/recurhq/recur/schedule"
)

func mustParse(t *testing.T, text string) schedule.Expression {
	t.Helper()
	expr, err := schedule.Parse(text)
	if err != nil {
		t.Fatalf("Parse(%q): %v", text, err)
	}
	return expr
}

func TestParseKinds(t *testing.T) {
	tests := []struct {
		text string
		kind schedule.Kind
	}{
		{"0 * * * *", schedule.KindCron},
		{"*/15 0 9 * * 1-5", schedule.KindCron},
		{"PT15M", schedule.KindInterval},
		{"P1D", schedule.KindInterval},
		{"90s", schedule.KindInterval},
		{"0 0 * * * [PT0S/PT7H]", schedule.KindCarbonAware},
		{"PT8H [PT1H/PT3H]", schedule.KindCarbonAware},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			expr := mustParse(t, tt.text)
			if expr.Kind() != tt.kind {
				t.Errorf("kind = %q, want %q", expr.Kind(), tt.kind)
			}
			if expr.String() != tt.text {
				t.Errorf("String() = %q, want %q", expr.String(), tt.text)
			}
		})
	}
}

func TestParseInvalid(t *testing.T) {
	tests := []string{
		"",
		"not a schedule",
		"61 * * * *",
		"* * * *",                           // 4 fields
		"* * * * * * *",                     // 7 fields
		"PT",                                // empty ISO duration
		"PT0S",                              // zero interval
		"P0D",                               // zero interval
		"0s",                                // zero interval
		"-5m",                               // negative interval
		"0 0 * * * [PT7H]",                  // margin missing separator
		"0 0 * * * [PT0S/PT0S]",             // empty window
		"[PT0S/PT7H]",                       // no inner expression
		"0 0 * * * [PT1H/PT2H] [PT1H/PT2H]", // nested carbon-aware
	}

	for _, text := range tests {
		t.Run(text, func(t *testing.T) {
			_, err := schedule.Parse(text)
			if !errors.Is(err, recur.ErrInvalidExpression) {
				t.Errorf("Parse(%q) err = %v, want ErrInvalidExpression", text, err)
			}
		})
	}
}

func TestCronNextStrictlyAfter(t *testing.T) {
	tests := []string{
		"0 * * * *",
		"*/5 * * * *",
		"0 9 * * 1-5",
		"30 0 9 * * *",
		"*/20 * * * * *",
	}

	ref := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	for _, text := range tests {
		t.Run(text, func(t *testing.T) {
			expr := mustParse(t, text)

			prev := ref
			for range 10 {
				next := expr.Next(prev, time.UTC)
				if !next.After(prev) {
					t.Fatalf("Next(%v) = %v, not strictly after", prev, next)
				}
				prev = next
			}
		})
	}
}

// A reference that exactly equals a fire instant must yield the following
// occurrence, never the same instant again.
func TestCronNoRepeatOnExactBoundary(t *testing.T) {
	expr := mustParse(t, "0 * * * *")

	onTheHour := time.Date(2025, 3, 10, 11, 0, 0, 0, time.UTC)
	next := expr.Next(onTheHour, time.UTC)

	want := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("Next(%v) = %v, want %v", onTheHour, next, want)
	}
}

func TestCronZoneEvaluation(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("LoadLocation: %v", err)
	}

	expr := mustParse(t, "0 9 * * *")

	// 13:00 UTC is 09:00 in New York (EDT); the next 09:00 New York fire
	// must be the following day.
	ref := time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC)
	next := expr.Next(ref, loc)

	want := time.Date(2025, 6, 2, 9, 0, 0, 0, loc)
	if !next.Equal(want) {
		t.Errorf("Next in zone = %v, want %v", next, want)
	}
}

// Interval scheduling anchors to the last fire instant: after k fires the
// k-th instant equals T0 + k*D exactly, no matter how evaluation is
// interleaved.
func TestIntervalDriftFree(t *testing.T) {
	expr := mustParse(t, "PT15M")

	t0 := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	fire := t0
	for k := 1; k <= 20; k++ {
		fire = expr.Next(fire, time.UTC)
		want := t0.Add(time.Duration(k) * 15 * time.Minute)
		if !fire.Equal(want) {
			t.Fatalf("fire %d = %v, want %v", k, fire, want)
		}
	}
}

func TestIntervalGoDuration(t *testing.T) {
	expr := mustParse(t, "90s")

	t0 := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	next := expr.Next(t0, time.UTC)
	if !next.Equal(t0.Add(90 * time.Second)) {
		t.Errorf("Next = %v, want %v", next, t0.Add(90*time.Second))
	}
}

func TestCarbonAwareWindow(t *testing.T) {
	expr := mustParse(t, "0 0 * * * [PT0S/PT7H]")

	ref := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	w := expr.NextWindow(ref, time.UTC)

	wantFrom := time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC)
	wantTo := time.Date(2025, 3, 11, 7, 0, 0, 0, time.UTC)
	if !w.From.Equal(wantFrom) || !w.To.Equal(wantTo) {
		t.Errorf("window = [%v, %v), want [%v, %v)", w.From, w.To, wantFrom, wantTo)
	}
	if w.IsInstant() {
		t.Error("carbon-aware window should not be an instant")
	}
	if w.Duration() != 7*time.Hour {
		t.Errorf("duration = %v, want 7h", w.Duration())
	}
}

func TestCarbonAwareMarginBefore(t *testing.T) {
	expr := mustParse(t, "0 0 * * * [PT2H/PT6H]")

	ref := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	w := expr.NextWindow(ref, time.UTC)

	wantFrom := time.Date(2025, 3, 10, 22, 0, 0, 0, time.UTC)
	wantTo := time.Date(2025, 3, 11, 6, 0, 0, 0, time.UTC)
	if !w.From.Equal(wantFrom) || !w.To.Equal(wantTo) {
		t.Errorf("window = [%v, %v), want [%v, %v)", w.From, w.To, wantFrom, wantTo)
	}
}

// An optimizer-selected instant may precede the inner fire instant when a
// margin-before is configured. The following evaluation must advance to
// the next window rather than serving the same one twice.
func TestCarbonAwareNoWindowRepeat(t *testing.T) {
	expr := mustParse(t, "0 0 * * * [PT2H/PT6H]")

	// Selected instant 23:00, one hour before the inner midnight fire.
	chosen := time.Date(2025, 3, 10, 23, 0, 0, 0, time.UTC)
	w := expr.NextWindow(chosen, time.UTC)

	wantFrom := time.Date(2025, 3, 11, 22, 0, 0, 0, time.UTC)
	if !w.From.Equal(wantFrom) {
		t.Errorf("window.From = %v, want %v (next day's window)", w.From, wantFrom)
	}
}

func TestCarbonAwareFailOpenInstant(t *testing.T) {
	expr := mustParse(t, "0 0 * * * [PT0S/PT7H]")

	ref := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	next := expr.Next(ref, time.UTC)
	w := expr.NextWindow(ref, time.UTC)

	if !next.Equal(w.From) {
		t.Errorf("Next = %v, want window open %v", next, w.From)
	}
}

func TestInstantWindowCollapses(t *testing.T) {
	for _, text := range []string{"0 * * * *", "PT15M"} {
		expr := mustParse(t, text)

		ref := time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC)
		w := expr.NextWindow(ref, time.UTC)
		if !w.IsInstant() {
			t.Errorf("%q: window should collapse to an instant", text)
		}
		if !w.From.Equal(expr.Next(ref, time.UTC)) {
			t.Errorf("%q: window open should equal Next", text)
		}
	}
}
