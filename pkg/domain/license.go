package domain

import "time"

// KeyStatus mirrors the license signing key lifecycle (grounded on the
// teacher's key-rotation state machine).
type KeyStatus string

const (
	KeyStatusActive    KeyStatus = "ACTIVE"
	KeyStatusRotating  KeyStatus = "ROTATING"
	KeyStatusRetired   KeyStatus = "RETIRED"
)

// KeyVersion is one generation of a customer's license signing key. The
// key material itself is never stored here: signToken re-derives the
// HS256 secret on demand via Controller.deriveSigningKey, keyed only by
// customer and Version.
type KeyVersion struct {
	Version   int       `json:"version" db:"version"`
	Status    KeyStatus `json:"status" db:"status"`
	IssuedAt  time.Time `json:"issued_at" db:"issued_at"`
	RetiresAt time.Time `json:"retires_at,omitempty" db:"retires_at"`
}

// License is a Customer's entitlement: a quota of resource-scans per
// period, plus the set of cloud platforms and rulesets it admits.
//
// Invariant: Used never exceeds Quota once Admit has approved a charge;
// the license manager is the sole writer of Used.
type License struct {
	Customer    string       `json:"customer" db:"customer"`
	Quota       int64        `json:"quota" db:"quota"`
	Used        int64        `json:"used" db:"used"`
	PeriodStart time.Time    `json:"period_start" db:"period_start"`
	PeriodEnd   time.Time    `json:"period_end" db:"period_end"`
	Clouds      []Cloud      `json:"clouds" db:"clouds"`
	Rulesets    []string     `json:"rulesets" db:"rulesets"`
	KeyVersions []KeyVersion `json:"key_versions" db:"-"`
	Suspended   bool         `json:"suspended" db:"suspended"`
}

// Remaining returns the unused portion of the quota, floored at zero.
func (l License) Remaining() int64 {
	if r := l.Quota - l.Used; r > 0 {
		return r
	}
	return 0
}

// Activation records a successful license activation handshake for a
// tenant. LC.Admit does not read it: when the license manager is
// unreachable, Admit returns UNAVAILABLE rather than failing open.
type Activation struct {
	Customer    string    `json:"customer" db:"customer"`
	Tenant      string    `json:"tenant" db:"tenant"`
	ActivatedAt time.Time `json:"activated_at" db:"activated_at"`
	ExpiresAt   time.Time `json:"expires_at" db:"expires_at"`
	KeyVersion  int       `json:"key_version" db:"key_version"`
	Token       string    `json:"token,omitempty" db:"-"`
}
