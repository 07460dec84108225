package job

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	internalerrors "github.com/cloudveil/compliance-engine/internal/errors"
	"github.com/cloudveil/compliance-engine/pkg/documentstore"
	"github.com/cloudveil/compliance-engine/pkg/domain"
	"github.com/cloudveil/compliance-engine/pkg/lock"
)

type fakeAdmitter struct {
	admit    bool
	refunded int
}

func (f *fakeAdmitter) Admit(ctx context.Context, customer string) (bool, error) { return f.admit, nil }
func (f *fakeAdmitter) Refund(ctx context.Context, customer string) error {
	f.refunded++
	return nil
}

type fakeCredentialsResolver struct{ err error }

func (f fakeCredentialsResolver) Resolve(ctx context.Context, tenant domain.Tenant) error {
	return f.err
}

type fakeDispatcher struct{ calls int }

func (f *fakeDispatcher) Dispatch(ctx context.Context, j domain.Job) error {
	f.calls++
	return nil
}

func newTestManager(t *testing.T, admit bool) (*Manager, *fakeDispatcher, *fakeAdmitter, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ds := documentstore.NewWithDB(sqlx.NewDb(db, "postgres"))
	locker := lock.New(ds, nil, time.Minute)
	dispatcher := &fakeDispatcher{}
	admitter := &fakeAdmitter{admit: admit}
	mgr := New(ds, locker, fakeCredentialsResolver{}, admitter, dispatcher, nil, Config{})
	return mgr, dispatcher, admitter, mock
}

func TestCanTransitionForwardOnly(t *testing.T) {
	j := domain.Job{Status: domain.JobPending}
	require.True(t, j.CanTransition(domain.JobAdmitted))
	require.False(t, j.CanTransition(domain.JobRunning))

	j.Status = domain.JobSucceeded
	require.False(t, j.CanTransition(domain.JobRunning))
}

func TestTransitionRejectsInvalidMove(t *testing.T) {
	mgr, _, _, mock := newTestManager(t, true)

	rows := sqlmock.NewRows([]string{"collection", "key", "secondary_key", "body", "version"}).
		AddRow("jobs", "job-1", "acme", []byte(`{"status":"SUCCEEDED"}`), int64(1))
	mock.ExpectQuery("SELECT (.+) FROM documents").WillReturnRows(rows)

	_, err := mgr.Transition(context.Background(), "job-1", "acme", domain.JobRunning, "")
	require.Error(t, err)
}

func TestSubmitRejectsMissingTenant(t *testing.T) {
	mgr, dispatcher, _, _ := newTestManager(t, true)

	_, err := mgr.Submit(context.Background(), "", "prod", "baseline", domain.TriggerManual)
	require.Error(t, err)
	require.Equal(t, 0, dispatcher.calls)
}

func TestSubmitSkipsLicenseAdmitForUnlicensedRuleset(t *testing.T) {
	mgr, dispatcher, admitter, mock := newTestManager(t, false)

	tenantRows := sqlmock.NewRows([]string{"collection", "key", "secondary_key", "body", "version"}).
		AddRow("tenants", "acme/prod", "acme", []byte(`{"customer":"acme","name":"prod","cloud":"aws","active_regions":["us-east-1"]}`), int64(1))
	mock.ExpectQuery("SELECT (.+) FROM documents").WillReturnRows(tenantRows)

	rsRows := sqlmock.NewRows([]string{"collection", "key", "secondary_key", "body", "version"}).
		AddRow("rulesets", "acme/baseline", "acme", []byte(`{"customer":"acme","name":"baseline","cloud":"aws","active":true,"licensed":false}`), int64(1))
	mock.ExpectQuery("SELECT (.+) FROM documents").WillReturnRows(rsRows)

	mock.ExpectQuery("SELECT (.+) FROM documents").WillReturnError(sql.ErrNoRows) // lock acquire: tenant not currently locked
	mock.ExpectExec("INSERT INTO documents").WillReturnResult(sqlmock.NewResult(1, 1)) // lock acquire: grant
	mock.ExpectExec("INSERT INTO documents").WillReturnResult(sqlmock.NewResult(1, 1)) // job put

	j, err := mgr.Submit(context.Background(), "acme", "prod", "baseline", domain.TriggerManual)
	require.NoError(t, err)
	require.Equal(t, 1, dispatcher.calls)
	require.Equal(t, "baseline", j.RulesetName)
	require.Equal(t, 0, admitter.refunded)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmitFailsWithExactReasonWhenCredentialsDoNotResolve(t *testing.T) {
	mgr, dispatcher, _, mock := newTestManager(t, true)
	mgr.credentials = fakeCredentialsResolver{err: internalerrors.Unavailable("no secrets configured")}

	tenantRows := sqlmock.NewRows([]string{"collection", "key", "secondary_key", "body", "version"}).
		AddRow("tenants", "acme/prod", "acme", []byte(`{"customer":"acme","name":"prod","cloud":"aws","active_regions":["us-east-1"]}`), int64(1))
	mock.ExpectQuery("SELECT (.+) FROM documents").WillReturnRows(tenantRows)

	rsRows := sqlmock.NewRows([]string{"collection", "key", "secondary_key", "body", "version"}).
		AddRow("rulesets", "acme/baseline", "acme", []byte(`{"customer":"acme","name":"baseline","cloud":"aws","active":true,"licensed":false}`), int64(1))
	mock.ExpectQuery("SELECT (.+) FROM documents").WillReturnRows(rsRows)

	mock.ExpectQuery("SELECT (.+) FROM documents").WillReturnError(sql.ErrNoRows)         // lock acquire
	mock.ExpectExec("INSERT INTO documents").WillReturnResult(sqlmock.NewResult(1, 1))    // lock grant
	mock.ExpectQuery("SELECT (.+) FROM documents").WillReturnError(sql.ErrNoRows)         // lock release (already gone is fine; result is discarded)

	_, err := mgr.Submit(context.Background(), "acme", "prod", "baseline", domain.TriggerManual)
	require.Error(t, err)
	se, ok := internalerrors.As(err)
	require.True(t, ok)
	require.Equal(t, "Could not resolve any credentials", se.Message)
	require.Equal(t, 0, dispatcher.calls)
}

func TestSubmitRefundsLicenseWhenDispatchFails(t *testing.T) {
	mgr, dispatcher, admitter, mock := newTestManager(t, true)
	mgr.dispatch = failingDispatcher{}
	_ = dispatcher

	tenantRows := sqlmock.NewRows([]string{"collection", "key", "secondary_key", "body", "version"}).
		AddRow("tenants", "acme/prod", "acme", []byte(`{"customer":"acme","name":"prod","cloud":"aws","active_regions":["us-east-1"]}`), int64(1))
	mock.ExpectQuery("SELECT (.+) FROM documents").WillReturnRows(tenantRows)

	rsRows := sqlmock.NewRows([]string{"collection", "key", "secondary_key", "body", "version"}).
		AddRow("rulesets", "acme/baseline", "acme", []byte(`{"customer":"acme","name":"baseline","cloud":"aws","active":true,"licensed":true}`), int64(1))
	mock.ExpectQuery("SELECT (.+) FROM documents").WillReturnRows(rsRows)

	mock.ExpectQuery("SELECT (.+) FROM documents").WillReturnError(sql.ErrNoRows)      // lock acquire
	mock.ExpectExec("INSERT INTO documents").WillReturnResult(sqlmock.NewResult(1, 1)) // lock grant
	mock.ExpectExec("INSERT INTO documents").WillReturnResult(sqlmock.NewResult(1, 1)) // job put
	mock.ExpectQuery("SELECT (.+) FROM documents").WillReturnError(sql.ErrNoRows)      // lock release

	_, err := mgr.Submit(context.Background(), "acme", "prod", "baseline", domain.TriggerManual)
	require.Error(t, err)
	require.Equal(t, 1, admitter.refunded)
}

type failingDispatcher struct{}

func (failingDispatcher) Dispatch(ctx context.Context, j domain.Job) error {
	return internalerrors.Internal("dispatch: pool full", nil)
}
