// Package scheduler drives the engine's periodic ticks: the daily
// metrics pipeline run, event-window draining, license manager resync,
// failed-delivery retries, and job timeout sweeps. It is the single
// long-running goroutine besides the HTTP server and the worker pool.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cloudveil/compliance-engine/internal/config"
	"github.com/cloudveil/compliance-engine/internal/logging"
	"github.com/cloudveil/compliance-engine/pkg/delivery"
	"github.com/cloudveil/compliance-engine/pkg/documentstore"
	"github.com/cloudveil/compliance-engine/pkg/domain"
	"github.com/cloudveil/compliance-engine/pkg/eventbatch"
	"github.com/cloudveil/compliance-engine/pkg/job"
	"github.com/cloudveil/compliance-engine/pkg/license"
	"github.com/cloudveil/compliance-engine/pkg/reportpipeline"
)

const (
	customersCollection = "customers"
	tenantsCollection   = "tenants"
)

// Deps bundles the components each cron tick drives.
type Deps struct {
	DS       *documentstore.Store
	Jobs     *job.Manager
	Batcher  *eventbatch.Batcher
	License  *license.Controller
	Reports  *reportpipeline.Pipeline
	Delivery *delivery.Dispatcher
	Sinks    map[string]delivery.Sink
	Payloads map[string][]byte
	Log      *logging.Logger
}

// Scheduler wraps a robfig/cron.Cron with the engine's five scheduled
// operations. Built once at process start, stopped on shutdown.
type Scheduler struct {
	cron *cron.Cron
	deps Deps
}

// New builds a Scheduler and registers every tick from cfg's cron
// expressions. Callers must call Start to begin running them.
func New(cfg *config.Config, deps Deps) (*Scheduler, error) {
	c := cron.New()
	s := &Scheduler{cron: c, deps: deps}

	if _, err := c.AddFunc(cfg.ReportDailyCron, s.tick("daily_report", s.runDailyReports)); err != nil {
		return nil, err
	}
	if _, err := c.AddFunc(cfg.DrainCron, s.tick("event_drain", s.drainEvents)); err != nil {
		return nil, err
	}
	if _, err := c.AddFunc(cfg.LMResyncCron, s.tick("lm_resync", s.resyncLicenses)); err != nil {
		return nil, err
	}
	if _, err := c.AddFunc(cfg.RetrySendCron, s.tick("retry_send_reports", s.retrySendReports)); err != nil {
		return nil, err
	}
	if _, err := c.AddFunc("@every 1m", s.tick("sweep_timeouts", s.sweepTimeouts)); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins running registered ticks in the background.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop blocks until any in-flight tick completes, then stops the cron.
func (s *Scheduler) Stop() { <-s.cron.Stop().Done() }

func (s *Scheduler) tick(name string, fn func(ctx context.Context) error) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if err := fn(ctx); err != nil && s.deps.Log != nil {
			s.deps.Log.WithContext(ctx).WithError(err).Errorf("scheduler: %s tick failed", name)
		}
	}
}

func (s *Scheduler) customers(ctx context.Context) ([]domain.Customer, error) {
	page, err := documentstore.Query[domain.Customer](ctx, s.deps.DS, customersCollection, "", "", 0)
	if err != nil {
		return nil, err
	}
	return page.Items, nil
}

func (s *Scheduler) tenantsFor(ctx context.Context, customer string) ([]domain.Tenant, error) {
	page, err := documentstore.Query[domain.Tenant](ctx, s.deps.DS, tenantsCollection, customer, "", 0)
	if err != nil {
		return nil, err
	}
	return page.Items, nil
}

// runDailyReports runs MP's seven-stage pipeline for every active
// customer against the jobs that succeeded since the last run.
func (s *Scheduler) runDailyReports(ctx context.Context) error {
	if s.deps.Reports == nil {
		return nil
	}
	customers, err := s.customers(ctx)
	if err != nil {
		return err
	}
	date := time.Now().Format("2006-01-02")
	for _, c := range customers {
		if !c.Active {
			continue
		}
		jobsPage, err := s.deps.Jobs.Query(ctx, c.Name, "", 0)
		if err != nil {
			return err
		}
		succeeded := make([]domain.Job, 0, len(jobsPage.Items))
		for _, j := range jobsPage.Items {
			if j.Status == domain.JobSucceeded {
				succeeded = append(succeeded, j)
			}
		}
		if _, err := s.deps.Reports.RunDaily(ctx, c.Name, date, succeeded); err != nil {
			return err
		}
	}
	return nil
}

// drainEvents checks every tenant's open event window and submits an
// event-driven job for any window that has elapsed.
func (s *Scheduler) drainEvents(ctx context.Context) error {
	if s.deps.Batcher == nil {
		return nil
	}
	customers, err := s.customers(ctx)
	if err != nil {
		return err
	}
	for _, c := range customers {
		tenants, err := s.tenantsFor(ctx, c.Name)
		if err != nil {
			return err
		}
		for _, t := range tenants {
			if _, err := s.deps.Batcher.Drain(ctx, c.Name, t.Name); err != nil {
				continue
			}
		}
	}
	return nil
}

// resyncLicenses pulls the latest quota/allowance mirror for every
// customer from the license manager.
func (s *Scheduler) resyncLicenses(ctx context.Context) error {
	if s.deps.License == nil {
		return nil
	}
	customers, err := s.customers(ctx)
	if err != nil {
		return err
	}
	for _, c := range customers {
		if _, err := s.deps.License.Sync(ctx, c.Name); err != nil {
			continue
		}
	}
	return nil
}

// retrySendReports replays every failed delivery attempt recorded
// against a registered sink, per customer.
func (s *Scheduler) retrySendReports(ctx context.Context) error {
	if s.deps.Delivery == nil {
		return nil
	}
	customers, err := s.customers(ctx)
	if err != nil {
		return err
	}
	for _, c := range customers {
		if _, err := s.deps.Delivery.RetrySendReports(ctx, c.Name, s.deps.Sinks, s.deps.Payloads); err != nil {
			continue
		}
	}
	return nil
}

// sweepTimeouts transitions every job past its deadline to TIMED_OUT.
func (s *Scheduler) sweepTimeouts(ctx context.Context) error {
	customers, err := s.customers(ctx)
	if err != nil {
		return err
	}
	for _, c := range customers {
		if _, err := s.deps.Jobs.SweepTimeouts(ctx, c.Name); err != nil {
			continue
		}
	}
	return nil
}
