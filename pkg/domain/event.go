package domain

import "time"

// EventKind distinguishes the cloud-provider change-notification shapes
// the batcher accepts.
type EventKind string

const (
	EventResourceChanged EventKind = "resource_changed"
	EventResourceDeleted EventKind = "resource_deleted"
)

// Event is one cloud change notification ingested by the event batcher
// (EB), normalized to the (cloud, account_id, region, event_name,
// resource_fingerprint) shape every provider's raw payload maps onto
// (§3, §4.7). Events are deduplicated on (EventName, ResourceFingerprint)
// within a batch window before they trigger re-admission.
type Event struct {
	ID                  string    `json:"id" db:"id"`
	Customer            string    `json:"customer" db:"customer"`
	Tenant              string    `json:"tenant" db:"tenant"`
	Cloud               Cloud     `json:"cloud" db:"cloud"`
	AccountID           string    `json:"account_id" db:"account_id"`
	Region              string    `json:"region" db:"region"`
	Kind                EventKind `json:"kind" db:"kind"`
	EventName           string    `json:"event_name" db:"event_name"`
	ResourceID          string    `json:"resource_id" db:"resource_id"`
	ResourceFingerprint string    `json:"resource_fingerprint" db:"resource_fingerprint"`
	ReceivedAt          time.Time `json:"received_at" db:"received_at"`
}

// BatchResult is the outcome of draining one tenant's event window into
// a Job submission. Re-drains of an already-open window extend the
// existing BatchResult's EventIDs rather than replacing it (§9 Open
// Question, decided in DESIGN.md).
type BatchResult struct {
	ID         string    `json:"id" db:"id"`
	Customer   string    `json:"customer" db:"customer"`
	Tenant     string    `json:"tenant" db:"tenant"`
	Cloud      Cloud     `json:"cloud" db:"cloud"`
	WindowEnd  time.Time `json:"window_end" db:"window_end"`
	EventIDs   []string  `json:"event_ids" db:"event_ids"`
	EventNames []string  `json:"event_names" db:"event_names"`
	DedupKeys  []string  `json:"dedup_keys" db:"dedup_keys"`
	JobID      string    `json:"job_id,omitempty" db:"job_id"`
	Drained    bool      `json:"drained" db:"drained"`
	DrainedAt  time.Time `json:"drained_at,omitempty" db:"drained_at"`
}
