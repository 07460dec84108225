// Package domain holds the entity types shared across the engine (§3).
// Entities reference each other by identifier only (never by pointer) so
// that every component can resolve relationships on demand through the
// document store, per the cyclic-reference redesign note in §9.
package domain

import "time"

// Cloud identifies a supported cloud platform.
type Cloud string

const (
	CloudAWS   Cloud = "aws"
	CloudAzure Cloud = "azure"
	CloudGCP   Cloud = "gcp"
	CloudK8s   Cloud = "k8s"
)

// Contact is a named point of contact on a Tenant.
type Contact struct {
	Name  string `json:"name" db:"name"`
	Email string `json:"email" db:"email"`
}

// Tenant is one cloud account under a Customer.
//
// Invariant: exactly one Cloud per Tenant; CloudIdentifier is unique per
// Cloud within a Customer.
type Tenant struct {
	Name            string    `json:"name" db:"name"`
	Customer        string    `json:"customer" db:"customer"`
	Cloud           Cloud     `json:"cloud" db:"cloud"`
	CloudIdentifier string    `json:"cloud_identifier" db:"cloud_identifier"`
	ActiveRegions   []string  `json:"active_regions" db:"active_regions"`
	Primary         *Contact  `json:"primary_contact,omitempty" db:"-"`
	Secondary       *Contact  `json:"secondary_contact,omitempty" db:"-"`
	Manager         *Contact  `json:"manager_contact,omitempty" db:"-"`
	CurrentJob      string    `json:"current_job,omitempty" db:"current_job"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// Key returns the (customer, tenant) document-store key.
func (t Tenant) Key() string { return t.Customer + "/" + t.Name }
