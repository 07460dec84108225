package domain

import "time"

// JobStatus is the Job state machine (§4). Transitions are conditional
// writes in the document store; no status is ever reached by two writers.
type JobStatus string

const (
	JobPending   JobStatus = "PENDING"
	JobAdmitted  JobStatus = "ADMITTED"
	JobRunning   JobStatus = "RUNNING"
	JobSucceeded JobStatus = "SUCCEEDED"
	JobFailed    JobStatus = "FAILED"
	JobTimedOut  JobStatus = "TIMED_OUT"
	JobCancelled JobStatus = "CANCELLED"
)

// Terminal reports whether status ends the Job's lifecycle.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobTimedOut, JobCancelled:
		return true
	default:
		return false
	}
}

// JobTrigger identifies what caused a Job to be submitted.
type JobTrigger string

const (
	TriggerScheduled JobTrigger = "scheduled"
	TriggerManual    JobTrigger = "manual"
	TriggerEvent     JobTrigger = "event"
)

// JobStatistics summarizes a completed Job's findings for quick display
// without re-reading every Shard.
type JobStatistics struct {
	ResourcesScanned int            `json:"resources_scanned"`
	RulesEvaluated   int            `json:"rules_evaluated"`
	FindingsByResult map[string]int `json:"findings_by_result"`
	RegionsCompleted []string       `json:"regions_completed"`
	RegionsFailed    []string       `json:"regions_failed"`
}

// Job is one compliance scan run against a Tenant.
//
// Invariant: Status transitions only forward (§4); RegionsTotal is fixed
// at admission from Tenant.ActiveRegions and never changes mid-run.
type Job struct {
	ID            string         `json:"id" db:"id"`
	Customer      string         `json:"customer" db:"customer"`
	Tenant        string         `json:"tenant" db:"tenant"`
	RulesetName   string         `json:"ruleset_name" db:"ruleset_name"`
	RulesetVersion int           `json:"ruleset_version" db:"ruleset_version"`
	RequestedRuleIDs []string    `json:"requested_rule_ids,omitempty" db:"requested_rule_ids"`
	Trigger       JobTrigger     `json:"trigger" db:"trigger"`
	Status        JobStatus      `json:"status" db:"status"`
	RegionsTotal  []string       `json:"regions_total" db:"regions_total"`
	Statistics    *JobStatistics `json:"statistics,omitempty" db:"-"`
	Error         string         `json:"error,omitempty" db:"error"`
	SubmittedAt   time.Time      `json:"submitted_at" db:"submitted_at"`
	StartedAt     time.Time      `json:"started_at,omitempty" db:"started_at"`
	FinishedAt    time.Time      `json:"finished_at,omitempty" db:"finished_at"`
	Deadline      time.Time      `json:"deadline,omitempty" db:"deadline"`
}

// CanTransition reports whether the job may move from its current status
// to next, per the forward-only state machine.
func (j Job) CanTransition(next JobStatus) bool {
	if j.Status.Terminal() {
		return false
	}
	switch j.Status {
	case JobPending:
		return next == JobAdmitted || next == JobCancelled
	case JobAdmitted:
		return next == JobRunning || next == JobCancelled || next == JobTimedOut
	case JobRunning:
		return next == JobSucceeded || next == JobFailed || next == JobTimedOut || next == JobCancelled
	default:
		return false
	}
}

// ScheduledJob is a recurring admission source driven by the scheduler
// (§7): one cron-tick entry per Tenant/Ruleset pairing that should run
// without manual or event triggers.
type ScheduledJob struct {
	ID          string     `json:"id" db:"id"`
	Customer    string     `json:"customer" db:"customer"`
	Tenant      string     `json:"tenant" db:"tenant"`
	RulesetName string     `json:"ruleset_name" db:"ruleset_name"`
	CronSpec    string     `json:"cron_spec" db:"cron_spec"`
	Enabled     bool       `json:"enabled" db:"enabled"`
	LastRunAt   time.Time  `json:"last_run_at,omitempty" db:"last_run_at"`
	LastJobID   string     `json:"last_job_id,omitempty" db:"last_job_id"`
}
