package worker

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/cloudveil/compliance-engine/pkg/documentstore"
	"github.com/cloudveil/compliance-engine/pkg/domain"
	"github.com/cloudveil/compliance-engine/pkg/findings"
	"github.com/cloudveil/compliance-engine/pkg/job"
	"github.com/cloudveil/compliance-engine/pkg/lock"
	"github.com/cloudveil/compliance-engine/pkg/objectstore"
)

type fakeFetcher struct{}

func (fakeFetcher) ListResources(ctx context.Context, tenant domain.Tenant, region string) ([]Resource, error) {
	return []Resource{{ID: "bucket-1", Type: "s3", Data: []byte(`{"encrypted": false}`)}}, nil
}

type fakeRuleResolver struct{}

func (fakeRuleResolver) RulesForJob(ctx context.Context, j domain.Job) ([]domain.Rule, error) {
	return []domain.Rule{{ID: "s3-encrypted", Selector: "encrypted"}}, nil
}

type alwaysAdmit struct{}

func (alwaysAdmit) Admit(ctx context.Context, customer string) (bool, error) { return true, nil }
func (alwaysAdmit) Refund(ctx context.Context, customer string) error        { return nil }

type alwaysResolve struct{}

func (alwaysResolve) Resolve(ctx context.Context, tenant domain.Tenant) error { return nil }

func TestDispatchRunsRegionsAndSucceeds(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	ds := documentstore.NewWithDB(sqlx.NewDb(db, "postgres"))
	locker := lock.New(ds, nil, time.Minute)
	jm := job.New(ds, locker, alwaysResolve{}, alwaysAdmit{}, nil, nil, job.Config{})
	shards := findings.New(objectstore.New(objectstore.NewMemoryBackend()), ds)

	j := domain.Job{ID: "job-1", Customer: "acme", Tenant: "prod", RegionsTotal: []string{"us-east-1"}}

	// Transition to RUNNING
	runningRows := sqlmock.NewRows([]string{"collection", "key", "secondary_key", "body", "version"}).
		AddRow("jobs", "job-1", "acme", []byte(`{"status":"ADMITTED"}`), int64(1))
	mock.ExpectQuery("SELECT (.+) FROM documents").WillReturnRows(runningRows)
	mock.ExpectExec("UPDATE documents").WillReturnResult(sqlmock.NewResult(1, 1))

	// Archive shard: no prior shard, then insert.
	mock.ExpectQuery("SELECT (.+) FROM documents").WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO documents").WillReturnResult(sqlmock.NewResult(1, 1))

	// Transition to SUCCEEDED
	succeededRows := sqlmock.NewRows([]string{"collection", "key", "secondary_key", "body", "version"}).
		AddRow("jobs", "job-1", "acme", []byte(`{"status":"RUNNING"}`), int64(2))
	mock.ExpectQuery("SELECT (.+) FROM documents").WillReturnRows(succeededRows)
	mock.ExpectExec("UPDATE documents").WillReturnResult(sqlmock.NewResult(1, 1))

	// Terminal transition releases the tenant lock, which is a no-op
	// here since Dispatch was invoked directly without Submit acquiring one.
	mock.ExpectQuery("SELECT (.+) FROM documents").WillReturnError(sql.ErrNoRows)

	pool := NewPool(fakeFetcher{}, fakeRuleResolver{}, shards, jm, Config{Size: 2})
	err = pool.Dispatch(context.Background(), j)
	require.NoError(t, err)
}
