package recur

import "errors"

var (
	// Store errors.
	ErrNoStore     = errors.New("recur: no store configured")
	ErrStoreClosed = errors.New("recur: store closed")

	// Not found errors.
	ErrJobNotFound       = errors.New("recur: job instance not found")
	ErrRecurringNotFound = errors.New("recur: recurring job not found")
	ErrNodeNotFound      = errors.New("recur: node not found")

	// Registration errors. Fatal at registration time, surfaced to the
	// caller immediately, never retried.
	ErrInvalidExpression = errors.New("recur: invalid schedule expression")
	ErrInvalidArgument   = errors.New("recur: invalid argument")

	// Coordination errors. Expected outcomes of the claim protocol,
	// recoverable by re-reading or abandoning the attempt.
	ErrVersionConflict     = errors.New("recur: version conflict")
	ErrDuplicateOccurrence = errors.New("recur: occurrence already claimed")

	// State errors.
	ErrInvalidState     = errors.New("recur: invalid state transition")
	ErrRetriesExhausted = errors.New("recur: retries exhausted")

	// Degraded-mode errors. Trigger fail-open fallback rather than
	// surfacing to the registrant.
	ErrForecastUnavailable = errors.New("recur: no forecast data covers the window")
)
