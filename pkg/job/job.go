// Package job implements JM: job submission, the eight-step admission
// pipeline, the forward-only status state machine, timeouts and
// cancellation.
package job

import (
	"context"
	"time"

	"github.com/google/uuid"

	internalerrors "github.com/cloudveil/compliance-engine/internal/errors"
	"github.com/cloudveil/compliance-engine/internal/metrics"
	"github.com/cloudveil/compliance-engine/pkg/documentstore"
	"github.com/cloudveil/compliance-engine/pkg/domain"
	"github.com/cloudveil/compliance-engine/pkg/lock"
	"github.com/cloudveil/compliance-engine/pkg/resilience"
)

const (
	jobsCollection    = "jobs"
	tenantsCollection = "tenants"
	rulesetsCollection = "rulesets"
)

// LicenseAdmitter is the subset of pkg/license.Controller the admission
// pipeline depends on, kept narrow so tests can fake it.
type LicenseAdmitter interface {
	Admit(ctx context.Context, customer string) (bool, error)
	Refund(ctx context.Context, customer string) error
}

// CredentialsResolver is the subset of pkg/credentials.Resolver the
// admission pipeline depends on to confirm a tenant's cloud credentials
// resolve before a job is ever dispatched (§4.4/CR).
type CredentialsResolver interface {
	Resolve(ctx context.Context, tenant domain.Tenant) error
}

// Dispatcher hands an admitted Job to the worker pool. The HTTP API and
// scheduler both submit through the same Manager, so the Dispatcher is
// the only seam between JM and WR.
type Dispatcher interface {
	Dispatch(ctx context.Context, j domain.Job) error
}

// Manager is the JM handle.
type Manager struct {
	ds          *documentstore.Store
	locker      *lock.Locker
	credentials CredentialsResolver
	license     LicenseAdmitter
	dispatch    Dispatcher
	metrics     *metrics.Registry
	deadline    time.Duration
}

// Config tunes Manager defaults.
type Config struct {
	DefaultDeadline time.Duration
}

// New constructs a Manager.
func New(ds *documentstore.Store, locker *lock.Locker, credentials CredentialsResolver, license LicenseAdmitter, dispatch Dispatcher, reg *metrics.Registry, cfg Config) *Manager {
	if cfg.DefaultDeadline <= 0 {
		cfg.DefaultDeadline = 2 * time.Hour
	}
	return &Manager{ds: ds, locker: locker, credentials: credentials, license: license, dispatch: dispatch, metrics: reg, deadline: cfg.DefaultDeadline}
}

// Submit runs the admission pipeline (§4.5):
//  1. validate the request shape
//  2. resolve the tenant
//  3. resolve the active ruleset for the tenant's cloud
//  4. acquire the tenant-job lock
//  5. resolve cloud credentials (CR)
//  6. admit with LC, when the resolved ruleset is licensed
//  7. persist the Job as ADMITTED
//  8. dispatch to the worker pool
//
// Any step failing releases whatever was acquired in earlier steps. A
// job row only ever exists once every step through license admission
// has succeeded, so a CR or LC failure returns directly rather than
// persisting and then failing a Job; a license charge that's already
// been made is refunded if persistence or dispatch fails afterward.
func (m *Manager) Submit(ctx context.Context, customer, tenantName, rulesetName string, trigger domain.JobTrigger) (domain.Job, error) {
	return m.submit(ctx, customer, tenantName, rulesetName, nil, trigger)
}

// SubmitRules runs the same admission pipeline as Submit but scopes the
// dispatched job to ruleIDs, a subset of the resolved ruleset's own
// rules. EB's Drain uses this so an event-driven job only re-evaluates
// the rules its triggering events actually implicate (§4.7) rather than
// the whole ruleset.
func (m *Manager) SubmitRules(ctx context.Context, customer, tenantName, rulesetName string, ruleIDs []string, trigger domain.JobTrigger) (domain.Job, error) {
	return m.submit(ctx, customer, tenantName, rulesetName, ruleIDs, trigger)
}

func (m *Manager) submit(ctx context.Context, customer, tenantName, rulesetName string, ruleIDs []string, trigger domain.JobTrigger) (domain.Job, error) {
	if customer == "" || tenantName == "" {
		return domain.Job{}, internalerrors.Validation("job: customer and tenant are required")
	}

	tenant, _, err := documentstore.Get[domain.Tenant](ctx, m.ds, tenantsCollection, customer+"/"+tenantName)
	if err != nil {
		return domain.Job{}, err
	}

	rsPage, err := documentstore.Query[domain.Ruleset](ctx, m.ds, rulesetsCollection, customer, "", 0)
	if err != nil {
		return domain.Job{}, err
	}
	var rs domain.Ruleset
	found := false
	for _, candidate := range rsPage.Items {
		if candidate.Name == rulesetName && candidate.Cloud == tenant.Cloud && candidate.Active {
			rs = candidate
			found = true
			break
		}
	}
	if !found {
		return domain.Job{}, internalerrors.NotFound("active ruleset", rulesetName)
	}

	lockKey := tenant.Key()
	jobID := uuid.NewString()
	if err := m.locker.Acquire(ctx, lockKey, jobID); err != nil {
		return domain.Job{}, err
	}

	if err := m.credentials.Resolve(ctx, tenant); err != nil {
		_ = m.locker.Release(ctx, lockKey, jobID)
		return domain.Job{}, internalerrors.Wrap(err, internalerrors.KindUnavailable, "Could not resolve any credentials")
	}

	licensed := false
	if rs.Licensed {
		admitted, err := m.admitWithRetry(ctx, customer)
		if err != nil || !admitted {
			_ = m.locker.Release(ctx, lockKey, jobID)
			return domain.Job{}, internalerrors.Quota("License manager does not allow this job")
		}
		licensed = true
	}

	j := domain.Job{
		ID:               jobID,
		Customer:         customer,
		Tenant:           tenantName,
		RulesetName:      rs.Name,
		RulesetVersion:   rs.Version,
		RequestedRuleIDs: ruleIDs,
		Trigger:          trigger,
		Status:         domain.JobAdmitted,
		RegionsTotal:   tenant.ActiveRegions,
		SubmittedAt:    time.Now(),
		Deadline:       time.Now().Add(m.deadline),
	}
	if err := documentstore.PutIfVersion(ctx, m.ds, jobsCollection, j.ID, customer, j, 0); err != nil {
		if licensed {
			_ = m.license.Refund(ctx, customer)
		}
		_ = m.locker.Release(ctx, lockKey, jobID)
		return domain.Job{}, err
	}

	if err := m.dispatch.Dispatch(ctx, j); err != nil {
		if licensed {
			_ = m.license.Refund(ctx, customer)
		}
		_ = m.locker.Release(ctx, lockKey, jobID)
		return domain.Job{}, err
	}

	if m.metrics != nil {
		m.metrics.JobsSubmitted.WithLabelValues(string(trigger)).Inc()
	}
	return j, nil
}

// admitWithRetry retries a license-manager admission check for a
// bounded window while it reports the license manager unavailable,
// then gives up (§4.3, §8).
func (m *Manager) admitWithRetry(ctx context.Context, customer string) (bool, error) {
	var admitted bool
	err := resilience.Retry(ctx, resilience.LicenseAdmitRetryConfig(), func() error {
		ok, err := m.license.Admit(ctx, customer)
		if err != nil {
			return err
		}
		admitted = ok
		return nil
	})
	if err != nil {
		return false, err
	}
	return admitted, nil
}

// Transition moves job jobID to next status, rejecting any transition
// the state machine forbids.
func (m *Manager) Transition(ctx context.Context, jobID, customer string, next domain.JobStatus, failReason string) (domain.Job, error) {
	j, version, err := documentstore.Get[domain.Job](ctx, m.ds, jobsCollection, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if !j.CanTransition(next) {
		return domain.Job{}, internalerrors.Conflict("job: cannot move from " + string(j.Status) + " to " + string(next))
	}

	j.Status = next
	switch next {
	case domain.JobRunning:
		j.StartedAt = time.Now()
	case domain.JobFailed, domain.JobTimedOut, domain.JobCancelled:
		j.FinishedAt = time.Now()
		j.Error = failReason
	case domain.JobSucceeded:
		j.FinishedAt = time.Now()
	}

	if err := documentstore.PutIfVersion(ctx, m.ds, jobsCollection, jobID, customer, j, version); err != nil {
		return domain.Job{}, err
	}

	if j.Status.Terminal() {
		_ = m.locker.Release(ctx, tenantKeyFromJob(j), jobID)
		if m.metrics != nil {
			m.metrics.JobsTerminal.WithLabelValues(string(j.Status)).Inc()
			if !j.StartedAt.IsZero() {
				m.metrics.JobDuration.WithLabelValues(string(j.Status)).Observe(j.FinishedAt.Sub(j.StartedAt).Seconds())
			}
		}
	}
	return j, nil
}

// Get fetches a Job by id.
func (m *Manager) Get(ctx context.Context, jobID string) (domain.Job, error) {
	j, _, err := documentstore.Get[domain.Job](ctx, m.ds, jobsCollection, jobID)
	return j, err
}

// Query lists a customer's jobs, paginated by opaque cursor.
func (m *Manager) Query(ctx context.Context, customer, cursor string, limit int) (documentstore.Page[domain.Job], error) {
	return documentstore.Query[domain.Job](ctx, m.ds, jobsCollection, customer, cursor, limit)
}

// Terminate cancels a job that has not yet reached a terminal status.
func (m *Manager) Terminate(ctx context.Context, jobID, customer string) (domain.Job, error) {
	return m.Transition(ctx, jobID, customer, domain.JobCancelled, "cancelled by operator")
}

// SweepTimeouts scans for ADMITTED/RUNNING jobs past their deadline and
// transitions them to TIMED_OUT. Intended to be driven by the scheduler.
func (m *Manager) SweepTimeouts(ctx context.Context, customer string) (int, error) {
	page, err := m.Query(ctx, customer, "", 0)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, j := range page.Items {
		if j.Status.Terminal() {
			continue
		}
		if time.Now().Before(j.Deadline) {
			continue
		}
		if _, err := m.Transition(ctx, j.ID, customer, domain.JobTimedOut, "deadline exceeded"); err == nil {
			n++
		}
	}
	return n, nil
}

func tenantKeyFromJob(j domain.Job) string { return j.Customer + "/" + j.Tenant }
