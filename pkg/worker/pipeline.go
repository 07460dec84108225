package worker

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cloudveil/compliance-engine/pkg/domain"
	"github.com/cloudveil/compliance-engine/pkg/findings"
	"github.com/cloudveil/compliance-engine/pkg/job"
)

// ResourceFetcher lists a tenant region's resource inventory. Each
// cloud package (not built here; out of scope per the Non-goals on
// provider SDK breadth) implements this against its own SDK.
type ResourceFetcher interface {
	ListResources(ctx context.Context, tenant domain.Tenant, region string) ([]Resource, error)
}

// RuleResolver resolves the Rules behind a Job's (customer, cloud,
// ruleset name, version). Implemented in production by
// pkg/ruleset.Controller.RulesForJob, which both cmd/ entrypoints pass
// in directly.
type RuleResolver interface {
	RulesForJob(ctx context.Context, j domain.Job) ([]domain.Rule, error)
}

// ExitCode mirrors the process exit codes a WR subprocess returns to
// its supervisor (§4.6's observable exit contract).
type ExitCode int

const (
	ExitSuccess             ExitCode = 0
	ExitNonRetryable        ExitCode = 1
	ExitLicenseDenied       ExitCode = 2
	ExitRetryableCredential ExitCode = 126
)

// Pool runs Jobs across a bounded number of concurrent per-region
// pipelines. Its size defaults to DefaultPoolSize but can be overridden
// for tests or constrained environments.
type Pool struct {
	fetcher   ResourceFetcher
	rules     RuleResolver
	evaluator *Evaluator
	shards    *findings.Store
	jobs      *job.Manager
	size      int
	log       zerolog.Logger
}

// Config tunes the Pool.
type Config struct {
	Size int
}

// NewPool constructs a Pool. The pool logs region pipeline failures
// through zerolog rather than the logrus-based internal/logging used
// elsewhere, matching the teacher's split between a general structured
// logger and a zero-allocation logger; the per-resource evaluation loop
// itself does not log.
func NewPool(fetcher ResourceFetcher, rules RuleResolver, shards *findings.Store, jobs *job.Manager, cfg Config) *Pool {
	size := cfg.Size
	if size <= 0 {
		size = DefaultPoolSize()
	}
	return &Pool{
		fetcher:   fetcher,
		rules:     rules,
		evaluator: NewEvaluator(),
		shards:    shards,
		jobs:      jobs,
		size:      size,
		log:       zerolog.New(os.Stdout).With().Timestamp().Str("component", "worker").Logger(),
	}
}

// SetJobs wires the Manager the pool transitions jobs through. Pool and
// Manager depend on each other (the Manager dispatches to the Pool, the
// Pool transitions through the Manager), so callers construct the Pool
// with a nil Manager, build the Manager with the Pool as its Dispatcher,
// then close the loop with SetJobs before accepting traffic.
func (p *Pool) SetJobs(jobs *job.Manager) { p.jobs = jobs }

// Dispatch runs j's regions through the pipeline and transitions the
// job to its terminal status. It implements pkg/job.Dispatcher.
func (p *Pool) Dispatch(ctx context.Context, j domain.Job) error {
	if _, err := p.jobs.Transition(ctx, j.ID, j.Customer, domain.JobRunning, ""); err != nil {
		return err
	}

	tenant := domain.Tenant{Customer: j.Customer, Name: j.Tenant}
	rules, err := p.rules.RulesForJob(ctx, j)
	if err != nil {
		_, _ = p.jobs.Transition(ctx, j.ID, j.Customer, domain.JobFailed, err.Error())
		return err
	}

	stats := domain.JobStatistics{FindingsByResult: make(map[string]int)}
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, p.size)
	var firstErr error

	for _, region := range j.RegionsTotal {
		region := region
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			shard, err := p.runRegion(ctx, tenant, region, rules)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				p.log.Error().Err(err).Str("job_id", j.ID).Str("region", region).Msg("region pipeline failed")
				stats.RegionsFailed = append(stats.RegionsFailed, region)
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			stats.RegionsCompleted = append(stats.RegionsCompleted, region)
			stats.ResourcesScanned += len(shard.Findings)
			for _, f := range shard.Findings {
				stats.FindingsByResult[string(f.Result)]++
			}
		}()
	}
	wg.Wait()
	stats.RulesEvaluated = len(rules)

	if len(stats.RegionsFailed) > 0 && len(stats.RegionsCompleted) == 0 {
		_, _ = p.jobs.Transition(ctx, j.ID, j.Customer, domain.JobFailed, errString(firstErr))
		return firstErr
	}
	_, err := p.jobs.Transition(ctx, j.ID, j.Customer, domain.JobSucceeded, "")
	return err
}

// RunRegion runs one region's pipeline to completion without touching
// job state, for the complianceworker subprocess's one-region-per-exec
// isolation model (§4.6's "process per region" scheduling option, as an
// alternative to Dispatch's in-process goroutine pool).
func (p *Pool) RunRegion(ctx context.Context, tenant domain.Tenant, region string, rules []domain.Rule) (domain.Shard, error) {
	return p.runRegion(ctx, tenant, region, rules)
}

func (p *Pool) runRegion(ctx context.Context, tenant domain.Tenant, region string, rules []domain.Rule) (domain.Shard, error) {
	resources, err := p.fetcher.ListResources(ctx, tenant, region)
	if err != nil {
		return domain.Shard{}, err
	}

	shard := domain.Shard{Tenant: tenant.Key(), Region: region, BuiltAt: time.Now()}
	ruleIDs := make([]string, 0, len(rules))
	for _, rule := range rules {
		ruleIDs = append(ruleIDs, rule.ID)
		for _, res := range resources {
			f := p.evaluator.Evaluate(rule, res)
			now := time.Now()
			f.FirstSeen = now
			f.LastSeen = now
			shard.Findings = append(shard.Findings, f)
		}
	}

	return p.shards.Archive(ctx, shard, time.Now().Format("2006-01-02"), "findings", ruleIDs)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
