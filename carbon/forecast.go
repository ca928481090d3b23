package carbon

import (
	"time"

	"github.com/recurhq/recur"
	"github.com/recurhq/recur/schedule"
)

// Forecast maps hour-aligned UTC instants to carbon-intensity scores.
// Lower scores mean cleaner energy. Scores are unitless; only their
// ordering matters.
type Forecast map[time.Time]float64

// At returns the score for the hour containing t.
func (f Forecast) At(t time.Time) (float64, bool) {
	score, ok := f[t.UTC().Truncate(time.Hour)]
	return score, ok
}

// Horizon returns the latest hour covered by the forecast, or the zero
// time for an empty forecast.
func (f Forecast) Horizon() time.Time {
	var latest time.Time
	for h := range f {
		if h.After(latest) {
			latest = h
		}
	}
	return latest
}

// SelectInstant returns the instant of lowest forecast intensity inside
// the window [w.From, w.To). Candidates are the hour-aligned instants
// inside the window, plus the window opening itself for the partial hour
// it may start in. Ties break toward the earliest candidate.
//
// It fails with recur.ErrForecastUnavailable when the forecast covers no
// hour of the window (stale data, or a window beyond the horizon). The
// caller's policy on that failure is the coordinator's concern, not ours.
func SelectInstant(w schedule.Window, f Forecast) (time.Time, error) {
	if w.IsInstant() {
		return w.From, nil
	}

	var (
		best      time.Time
		bestScore float64
		found     bool
	)

	for hour := w.From.UTC().Truncate(time.Hour); hour.Before(w.To); hour = hour.Add(time.Hour) {
		candidate := hour
		if candidate.Before(w.From) {
			candidate = w.From
		}
		if !candidate.Before(w.To) {
			break
		}

		score, ok := f[hour]
		if !ok {
			continue
		}
		if !found || score < bestScore {
			best, bestScore, found = candidate, score, true
		}
	}

	if !found {
		return time.Time{}, recur.ErrForecastUnavailable
	}
	return best, nil
}
