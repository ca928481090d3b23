// Package carbon selects the lowest-emission execution instant inside a
// permitted schedule window.
//
// A Forecast maps hour-aligned UTC instants to carbon-intensity scores for
// a bounded horizon. SelectInstant picks the covered hour with the minimum
// score inside the window, breaking ties toward the earliest hour. The
// selection is a pure function over supplied data: repeated invocation with
// the same inputs returns the same instant, which is what lets every
// scheduler node run it independently without coordination.
//
// Forecast data itself comes from a Provider. StaticProvider serves a fixed
// forecast (tests, development); HTTPProvider fetches JSON from an external
// intensity API and is expected to be refreshed at least daily. When no
// forecast covers a window, SelectInstant fails with
// recur.ErrForecastUnavailable and the coordinator falls back to the
// window's opening instant: fail-open, never a silently skipped run.
package carbon
