// Package schedule parses and evaluates recurring-job schedule expressions.
//
// Three grammars are supported:
//
//   - Cron: standard 5-field expressions ("0 9 * * 1-5") and an extended
//     6-field form with a leading seconds field ("*/30 0 9 * * *").
//   - Interval: ISO-8601 durations ("PT15M", "P1D") or Go duration strings
//     ("15m", "90s"). Interval schedules anchor to the instant of the last
//     fire, never to wall-clock boundaries, so drift does not accumulate.
//   - Carbon-aware: an inner cron or interval expression followed by a
//     bracketed margin window, e.g. "0 0 * * * [PT0H/PT7H]": run the daily
//     trigger anywhere between the trigger instant and seven hours later,
//     wherever the carbon-intensity forecast is lowest. Instant selection
//     inside the window is the carbon package's job; this package only
//     resolves the window bounds.
//
// Evaluation is pure and deterministic: no clock access, no shared state.
// Every scheduler node can therefore evaluate the same expression from the
// same persisted reference instant and arrive at the same next fire instant
// without coordination.
package schedule
