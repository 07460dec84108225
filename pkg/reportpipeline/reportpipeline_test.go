package reportpipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/cloudveil/compliance-engine/pkg/documentstore"
	"github.com/cloudveil/compliance-engine/pkg/domain"
)

type fakeShardSource struct {
	byTenant map[string][]domain.Finding
}

func (f *fakeShardSource) FindingsForJob(ctx context.Context, j domain.Job) ([]domain.Finding, error) {
	return f.byTenant[j.Tenant], nil
}

func newTestPipeline(t *testing.T, shards ShardSource) (*Pipeline, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	ds := documentstore.NewWithDB(sqlx.NewDb(db, "postgres"))
	return New(ds, shards, nil), mock
}

func TestOperationalStageCountsFindingsByResult(t *testing.T) {
	shards := &fakeShardSource{byTenant: map[string][]domain.Finding{
		"prod": {
			{Result: domain.ResultPass},
			{Result: domain.ResultPass},
			{Result: domain.ResultFail},
			{Result: domain.ResultError},
		},
	}}
	p, _ := newTestPipeline(t, shards)

	records, err := p.operational(context.Background(), "acme", "2026-07-31", []domain.Job{{Tenant: "prod"}})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "tenant", records[0].Scope)
	require.Equal(t, "prod", records[0].ScopeKey)
	require.Equal(t, float64(2), records[0].Values["pass"])
	require.Equal(t, float64(1), records[0].Values["fail"])
	require.Equal(t, float64(1), records[0].Values["error"])
}

func TestAggregateSumsValuesByScopeKey(t *testing.T) {
	in := []domain.MetricRecord{
		{Customer: "acme", Values: map[string]float64{"pass": 1, "fail": 1}},
		{Customer: "acme", Values: map[string]float64{"pass": 3, "fail": 0}},
	}
	out := aggregate(in, "project", "2026-07-31", func(domain.MetricRecord) string { return "acme" })
	require.Len(t, out, 1)
	require.Equal(t, float64(4), out[0].Values["pass"])
	require.Equal(t, float64(1), out[0].Values["fail"])
	require.Equal(t, "project", out[0].Stage)
}

func TestAggregateOnEmptyInputReturnsNil(t *testing.T) {
	require.Nil(t, aggregate(nil, "project", "2026-07-31", func(domain.MetricRecord) string { return "acme" }))
}

func TestFinopsStageScopesByTenantNotCustomer(t *testing.T) {
	p, _ := newTestPipeline(t, &fakeShardSource{})
	operational := []domain.MetricRecord{
		{Customer: "acme", ScopeKey: "prod", Values: map[string]float64{"pass": 1}},
		{Customer: "acme", ScopeKey: "staging", Values: map[string]float64{"pass": 2}},
	}
	records, err := p.finops(context.Background(), "acme", "2026-07-31", operational)
	require.NoError(t, err)
	require.Len(t, records, 2)
}

func TestKubernetesStagePreservesOperationalValues(t *testing.T) {
	p, _ := newTestPipeline(t, &fakeShardSource{})
	operational := []domain.MetricRecord{
		{Customer: "acme", ScopeKey: "prod", Values: map[string]float64{"pass": 5}},
	}
	records, err := p.kubernetes(context.Background(), "acme", "2026-07-31", operational)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "cluster", records[0].Scope)
	require.Equal(t, float64(5), records[0].Values["pass"])
}

func TestDeltaWithNoPriorBaselineReportsFullTotalAsNew(t *testing.T) {
	p, mock := newTestPipeline(t, &fakeShardSource{})
	mock.ExpectQuery("SELECT (.+) FROM documents").
		WithArgs("metrics", "acme/c_level/c_level/acme/2026-07-30").
		WillReturnError(sql.ErrNoRows)

	cLevel := []domain.MetricRecord{{Customer: "acme", Scope: StageCLevel, ScopeKey: "acme", Values: map[string]float64{"fail": 7}}}
	records, err := p.delta(context.Background(), "acme", "2026-07-31", cLevel)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, float64(7), records[0].Values["fail"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeltaWithPriorBaselineComputesDifference(t *testing.T) {
	p, mock := newTestPipeline(t, &fakeShardSource{})

	baseline := domain.MetricRecord{Customer: "acme", Scope: StageCLevel, ScopeKey: "acme", Values: map[string]float64{"fail": 3}}
	rows := sqlmock.NewRows([]string{"collection", "key", "secondary_key", "body", "version"}).
		AddRow("metrics", "acme/c_level/c_level/acme/2026-07-30", "acme", mustJSON(t, baseline), 1)
	mock.ExpectQuery("SELECT (.+) FROM documents").
		WithArgs("metrics", "acme/c_level/c_level/acme/2026-07-30").
		WillReturnRows(rows)

	cLevel := []domain.MetricRecord{{Customer: "acme", Scope: StageCLevel, ScopeKey: "acme", Values: map[string]float64{"fail": 7}}}
	records, err := p.delta(context.Background(), "acme", "2026-07-31", cLevel)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, float64(4), records[0].Values["fail"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func mustJSON(t *testing.T, r domain.MetricRecord) []byte {
	t.Helper()
	body, err := json.Marshal(r)
	require.NoError(t, err)
	return body
}
