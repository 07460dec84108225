// Package reportpipeline implements MP: the daily metrics pipeline that
// rolls findings up through seven stages (operational, project,
// department, C-level, delta, FinOps, Kubernetes), each stage
// consuming the previous stage's output.
package reportpipeline

import (
	"context"
	"time"

	"github.com/cloudveil/compliance-engine/internal/metrics"
	"github.com/cloudveil/compliance-engine/pkg/documentstore"
	"github.com/cloudveil/compliance-engine/pkg/domain"
)

const metricsCollection = "metrics"

// Stage names, in DAG order. FinOps and Kubernetes both depend only on
// the operational stage and run concurrently with department; all three
// are joined before C-level runs. delta depends on the prior day's
// C-level output.
const (
	StageOperational = "operational"
	StageProject     = "project"
	StageDepartment  = "department"
	StageCLevel      = "c_level"
	StageDelta       = "delta"
	StageFinOps      = "finops"
	StageKubernetes  = "kubernetes"
)

// ShardSource resolves the findings a tenant's job produced, so the
// operational stage can roll them up without depending on pkg/findings
// directly (keeps MP's dependency surface to documentstore + domain).
type ShardSource interface {
	FindingsForJob(ctx context.Context, j domain.Job) ([]domain.Finding, error)
}

// Pipeline is the MP handle.
type Pipeline struct {
	ds      *documentstore.Store
	shards  ShardSource
	metrics *metrics.Registry
}

// New constructs a Pipeline.
func New(ds *documentstore.Store, shards ShardSource, reg *metrics.Registry) *Pipeline {
	return &Pipeline{
		ds:      ds,
		shards:  shards,
		metrics: reg,
	}
}

func (p *Pipeline) observe(stage string, start time.Time) {
	if p.metrics != nil {
		p.metrics.ReportStageTime.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	}
}

// RunDaily executes all seven stages for customer on date (YYYY-MM-DD),
// given the jobs that completed that day. FinOps and Kubernetes run
// concurrently once the operational stage is available; delta runs
// after c_level so it can diff against the prior day.
func (p *Pipeline) RunDaily(ctx context.Context, customer, date string, jobs []domain.Job) ([]domain.MetricRecord, error) {
	operational, err := p.operational(ctx, customer, date, jobs)
	if err != nil {
		return nil, err
	}

	project, err := p.project(ctx, customer, date, operational)
	if err != nil {
		return nil, err
	}

	type result struct {
		records []domain.MetricRecord
		err     error
	}
	deptCh := make(chan result, 1)
	finopsCh := make(chan result, 1)
	k8sCh := make(chan result, 1)

	go func() {
		r, err := p.department(ctx, customer, date, project)
		deptCh <- result{r, err}
	}()
	go func() {
		r, err := p.finops(ctx, customer, date, operational)
		finopsCh <- result{r, err}
	}()
	go func() {
		r, err := p.kubernetes(ctx, customer, date, operational)
		k8sCh <- result{r, err}
	}()

	deptResult, finopsResult, k8sResult := <-deptCh, <-finopsCh, <-k8sCh
	if deptResult.err != nil {
		return nil, deptResult.err
	}
	if finopsResult.err != nil {
		return nil, finopsResult.err
	}
	if k8sResult.err != nil {
		return nil, k8sResult.err
	}

	cLevel, err := p.cLevel(ctx, customer, date, deptResult.records)
	if err != nil {
		return nil, err
	}

	delta, err := p.delta(ctx, customer, date, cLevel)
	if err != nil {
		return nil, err
	}

	all := make([]domain.MetricRecord, 0, len(operational)+len(project)+len(deptResult.records)+len(cLevel)+len(delta)+len(finopsResult.records)+len(k8sResult.records))
	all = append(all, operational...)
	all = append(all, project...)
	all = append(all, deptResult.records...)
	all = append(all, cLevel...)
	all = append(all, delta...)
	all = append(all, finopsResult.records...)
	all = append(all, k8sResult.records...)

	for _, r := range all {
		if err := documentstore.Put(ctx, p.ds, metricsCollection, recordKey(r), customer, r); err != nil {
			return nil, err
		}
	}
	return all, nil
}

func recordKey(r domain.MetricRecord) string {
	return r.Customer + "/" + r.Stage + "/" + r.Scope + "/" + r.ScopeKey + "/" + r.Date
}

func (p *Pipeline) operational(ctx context.Context, customer, date string, jobs []domain.Job) ([]domain.MetricRecord, error) {
	start := time.Now()
	defer p.observe(StageOperational, start)

	records := make([]domain.MetricRecord, 0, len(jobs))
	for _, j := range jobs {
		findings, err := p.shards.FindingsForJob(ctx, j)
		if err != nil {
			return nil, err
		}
		values := map[string]float64{"pass": 0, "fail": 0, "error": 0}
		for _, f := range findings {
			switch f.Result {
			case domain.ResultPass:
				values["pass"]++
			case domain.ResultFail:
				values["fail"]++
			case domain.ResultError:
				values["error"]++
			}
		}
		records = append(records, domain.MetricRecord{
			Customer: customer, Scope: "tenant", ScopeKey: j.Tenant,
			Stage: StageOperational, Date: date, Values: values, ComputedAt: time.Now(),
		})
	}
	return records, nil
}

func (p *Pipeline) project(ctx context.Context, customer, date string, operational []domain.MetricRecord) ([]domain.MetricRecord, error) {
	start := time.Now()
	defer p.observe(StageProject, start)
	return aggregate(operational, "project", date, func(r domain.MetricRecord) string { return customer }), nil
}

func (p *Pipeline) department(ctx context.Context, customer, date string, project []domain.MetricRecord) ([]domain.MetricRecord, error) {
	start := time.Now()
	defer p.observe(StageDepartment, start)
	return aggregate(project, "department", date, func(r domain.MetricRecord) string { return customer }), nil
}

func (p *Pipeline) cLevel(ctx context.Context, customer, date string, department []domain.MetricRecord) ([]domain.MetricRecord, error) {
	start := time.Now()
	defer p.observe(StageCLevel, start)
	return aggregate(department, "c_level", date, func(r domain.MetricRecord) string { return customer }), nil
}

// delta compares today's c_level rollup against yesterday's persisted one,
// read back from the document store rather than an in-process cache: the
// baseline must survive a complianceengine restart between two daily runs,
// and RunDaily already durably persists every stage's records at the end
// of each run (see the Put loop in RunDaily), so c_level's own prior-day row is
// always there once a prior run has happened. A tenant with no prior-day
// row (first run, or no findings yesterday) shows its entire current total
// as "new" rather than as an undefined delta (§9 Open Question, decided in
// DESIGN.md).
func (p *Pipeline) delta(ctx context.Context, customer, date string, cLevel []domain.MetricRecord) ([]domain.MetricRecord, error) {
	start := time.Now()
	defer p.observe(StageDelta, start)

	yesterday, err := time.Parse("2006-01-02", date)
	if err != nil {
		return nil, err
	}
	yesterdayDate := yesterday.AddDate(0, 0, -1).Format("2006-01-02")

	records := make([]domain.MetricRecord, 0, len(cLevel))
	for _, r := range cLevel {
		baselineKey := recordKey(domain.MetricRecord{
			Customer: customer, Stage: StageCLevel, Scope: r.Scope, ScopeKey: r.ScopeKey, Date: yesterdayDate,
		})
		baseline, _, err := documentstore.Get[domain.MetricRecord](ctx, p.ds, metricsCollection, baselineKey)
		hasBaseline := err == nil

		values := make(map[string]float64, len(r.Values))
		for k, v := range r.Values {
			if !hasBaseline {
				values[k] = v
				continue
			}
			values[k] = v - baseline.Values[k]
		}
		records = append(records, domain.MetricRecord{
			Customer: customer, Scope: r.Scope, ScopeKey: r.ScopeKey,
			Stage: StageDelta, Date: date, Values: values, ComputedAt: time.Now(),
		})
	}
	return records, nil
}

func (p *Pipeline) finops(ctx context.Context, customer, date string, operational []domain.MetricRecord) ([]domain.MetricRecord, error) {
	start := time.Now()
	defer p.observe(StageFinOps, start)
	return aggregate(operational, StageFinOps, date, func(r domain.MetricRecord) string { return r.ScopeKey }), nil
}

func (p *Pipeline) kubernetes(ctx context.Context, customer, date string, operational []domain.MetricRecord) ([]domain.MetricRecord, error) {
	start := time.Now()
	defer p.observe(StageKubernetes, start)
	records := make([]domain.MetricRecord, 0)
	for _, r := range operational {
		records = append(records, domain.MetricRecord{
			Customer: customer, Scope: "cluster", ScopeKey: r.ScopeKey,
			Stage: StageKubernetes, Date: date, Values: r.Values, ComputedAt: time.Now(),
		})
	}
	return records, nil
}

func aggregate(in []domain.MetricRecord, stage, date string, scopeKeyFn func(domain.MetricRecord) string) []domain.MetricRecord {
	if len(in) == 0 {
		return nil
	}
	byScope := make(map[string]map[string]float64)
	customer := in[0].Customer
	for _, r := range in {
		key := scopeKeyFn(r)
		if byScope[key] == nil {
			byScope[key] = make(map[string]float64)
		}
		for k, v := range r.Values {
			byScope[key][k] += v
		}
	}
	out := make([]domain.MetricRecord, 0, len(byScope))
	for key, values := range byScope {
		out = append(out, domain.MetricRecord{
			Customer: customer, Scope: stage, ScopeKey: key,
			Stage: stage, Date: date, Values: values, ComputedAt: time.Now(),
		})
	}
	return out
}
