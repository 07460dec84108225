package domain

import "time"

// SyncState is the lifecycle of a RuleSource sync.
type SyncState string

const (
	SyncIdle    SyncState = "IDLE"
	SyncSyncing SyncState = "SYNCING"
	SyncSynced  SyncState = "SYNCED"
	SyncFailed  SyncState = "FAILED"
)

// RuleSourceKind distinguishes the two ways a RuleSource can point at content.
type RuleSourceKind string

const (
	RuleSourceGit     RuleSourceKind = "git"
	RuleSourceRelease RuleSourceKind = "release"
)

// RuleSource points at an external content origin that rules are pulled from.
type RuleSource struct {
	ID           string         `json:"id" db:"id"`
	Customer     string         `json:"customer" db:"customer"`
	Kind         RuleSourceKind `json:"kind" db:"kind"`
	GitURL       string         `json:"git_url,omitempty" db:"git_url"`
	GitRef       string         `json:"git_ref,omitempty" db:"git_ref"`
	Prefix       string         `json:"prefix,omitempty" db:"prefix"`
	ReleaseTag   string         `json:"release_tag,omitempty" db:"release_tag"`
	SecretRef    string         `json:"secret_ref" db:"secret_ref"`
	State        SyncState      `json:"state" db:"state"`
	LastSyncedAt time.Time      `json:"last_synced_at,omitempty" db:"last_synced_at"`
	Priority     int            `json:"priority" db:"priority"`
}

// MitreMapping is the wire contract for MITRE ATT&CK attribution (§6).
type MitreMapping struct {
	Tactic        string `json:"tactic"`
	Technique     string `json:"technique"`
	SubTechnique  string `json:"sub_technique,omitempty"`
}

// Rule is an atomic policy. Rules are mutable only via RuleSource sync
// (§3): nothing outside pkg/ruleset constructs or edits a Rule directly.
type Rule struct {
	ID             string            `json:"id" yaml:"id"`
	SourceID       string            `json:"source_id" yaml:"-"`
	Version        int               `json:"version" yaml:"version"`
	Cloud          Cloud             `json:"cloud" yaml:"cloud"`
	Description    string            `json:"description" yaml:"description"`
	ServiceSection string            `json:"service_section" yaml:"service_section"`
	Mitre          []MitreMapping    `json:"mitre,omitempty" yaml:"mitre,omitempty"`
	Standards      map[string][]string `json:"standards,omitempty" yaml:"standards,omitempty"`
	Severity       string            `json:"severity" yaml:"severity"`
	Article        string            `json:"article,omitempty" yaml:"article,omitempty"`
	Remediation    string            `json:"remediation,omitempty" yaml:"remediation,omitempty"`
	FinOps         bool              `json:"finops,omitempty" yaml:"finops,omitempty"`
	Selector       string            `json:"selector,omitempty" yaml:"selector,omitempty"`
	Condition      string            `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// RulesetStatus is the lifecycle of an assembled Ruleset.
type RulesetStatus string

const (
	RulesetAssembling  RulesetStatus = "ASSEMBLING"
	RulesetReadyToScan RulesetStatus = "READY_TO_SCAN"
	RulesetFailed      RulesetStatus = "FAILED"
)

// Ruleset is an immutable named+versioned collection of Rules.
//
// Invariant: RulesNumber == len(RuleIDs); every referenced Rule exists
// at creation time.
type Ruleset struct {
	Customer     string        `json:"customer" db:"customer"`
	Name         string        `json:"name" db:"name"`
	Version      int           `json:"version" db:"version"`
	Cloud        Cloud         `json:"cloud" db:"cloud"`
	Licensed     bool          `json:"licensed" db:"licensed"`
	RuleIDs      []string      `json:"rule_id_set" db:"rule_id_set"`
	RulesNumber  int           `json:"rules_number" db:"rules_number"`
	Status       RulesetStatus `json:"status" db:"status"`
	Active       bool          `json:"active" db:"active"`
	DisplayName  string        `json:"display_name,omitempty" db:"display_name"`
	BundleKey    string        `json:"bundle_key,omitempty" db:"bundle_key"`
	CreatedAt    time.Time     `json:"created_at" db:"created_at"`
}

// Key is the document-store key for a specific ruleset version.
func (r Ruleset) Key() string {
	return r.Customer + "/" + string(r.Cloud) + "/" + r.Name + "/" + itoa(r.Version)
}

// FilteredTo returns a copy of r whose RuleIDs are restricted to the
// intersection with ids, preserving r's own ordering. Used by
// event-driven jobs that re-run only the rules their triggering events
// implicate, rather than the whole ruleset (§4.7).
func (r Ruleset) FilteredTo(ids []string) Ruleset {
	allowed := make(map[string]bool, len(ids))
	for _, id := range ids {
		allowed[id] = true
	}
	filtered := make([]string, 0, len(r.RuleIDs))
	for _, id := range r.RuleIDs {
		if allowed[id] {
			filtered = append(filtered, id)
		}
	}
	out := r
	out.RuleIDs = filtered
	out.RulesNumber = len(filtered)
	return out
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
