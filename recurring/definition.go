package recurring

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/recurhq/recur"
	"github.com/recurhq/recur/schedule"
)

// Label constraints. The registry re-validates them on every upsert,
// including definitions that arrive pre-built.
const (
	MaxLabels      = 3
	MaxLabelLength = 45
)

// Definition describes a recurring job: what to run, on what schedule,
// and with which overrides.
type Definition struct {
	recur.Entity

	// ID is client-supplied, or derived as a stable content hash when the
	// client leaves it empty.
	ID string `json:"id"`

	// DisplayName is an optional human-readable name.
	DisplayName string `json:"display_name,omitempty"`

	// Expression is the schedule expression text: cron, ISO-8601
	// interval, or carbon-aware.
	Expression string `json:"expression"`

	// ZoneID is the IANA time zone for cron evaluation. Empty means UTC.
	ZoneID string `json:"zone_id,omitempty"`

	// RetryCount optionally overrides the engine-wide retry default for
	// instances created from this definition.
	RetryCount *int `json:"retry_count,omitempty"`

	Labels  []string         `json:"labels,omitempty"`
	Details recur.JobDetails `json:"details"`

	// Active is cleared instead of deleting the record, so in-flight
	// instances keep a resolvable parent.
	Active bool `json:"active"`

	// AnchorAt is the scheduling base: the registration (or last
	// replacement) instant, used as the occurrence reference until the
	// first instance exists.
	AnchorAt time.Time `json:"anchor_at"`

	// ContentHash fingerprints the definition content for idempotent
	// upserts.
	ContentHash string `json:"content_hash"`
}

// Validate checks the invariants the registry owns: id presence, label
// shape, a parseable expression, a resolvable zone, and a well-formed
// payload.
func (d *Definition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("%w: recurring job id must not be empty", recur.ErrInvalidArgument)
	}
	if len(d.Labels) > MaxLabels {
		return fmt.Errorf("%w: at most %d labels allowed, got %d", recur.ErrInvalidArgument, MaxLabels, len(d.Labels))
	}
	for _, l := range d.Labels {
		if len(l) > MaxLabelLength {
			return fmt.Errorf("%w: label %q exceeds %d characters", recur.ErrInvalidArgument, l, MaxLabelLength)
		}
	}
	if _, err := schedule.Parse(d.Expression); err != nil {
		return err
	}
	if _, err := d.Location(); err != nil {
		return err
	}
	return d.Details.Validate()
}

// Location resolves the definition's zone. Empty means UTC.
func (d *Definition) Location() (*time.Location, error) {
	if d.ZoneID == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(d.ZoneID)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown zone %q", recur.ErrInvalidArgument, d.ZoneID)
	}
	return loc, nil
}

// Retries returns the definition's retry override, or fallback when none
// is set.
func (d *Definition) Retries(fallback int) int {
	if d.RetryCount != nil {
		return *d.RetryCount
	}
	return fallback
}

// hashContent is the identity-free projection of a definition used for
// idempotent upserts. Field order is fixed by the struct, so the JSON
// encoding is canonical.
type hashContent struct {
	DisplayName string           `json:"display_name"`
	Expression  string           `json:"expression"`
	ZoneID      string           `json:"zone_id"`
	RetryCount  *int             `json:"retry_count"`
	Labels      []string         `json:"labels"`
	Details     recur.JobDetails `json:"details"`
}

// Hash fingerprints the definition content. Identity (ID) and scheduling
// state (AnchorAt, Active) are excluded: two definitions with equal
// content hash equal regardless of when or under which id they were
// registered.
func (d *Definition) Hash() string {
	raw, err := json.Marshal(hashContent{
		DisplayName: d.DisplayName,
		Expression:  d.Expression,
		ZoneID:      d.ZoneID,
		RetryCount:  d.RetryCount,
		Labels:      d.Labels,
		Details:     d.Details,
	})
	if err != nil {
		// Every field is JSON-serializable by construction.
		panic(fmt.Sprintf("recurring: hash definition: %v", err))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// DeriveID returns a stable id for a definition the client did not name:
// the same payload and schedule always derive the same id, so blind
// re-registration converges on one record.
func DeriveID(details recur.JobDetails, expression string) string {
	raw, _ := json.Marshal(struct {
		Details    recur.JobDetails `json:"details"`
		Expression string           `json:"expression"`
	}{details, expression})
	sum := sha256.Sum256(raw)
	return "rec-" + hex.EncodeToString(sum[:8])
}
