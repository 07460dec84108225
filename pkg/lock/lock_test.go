package lock

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/cloudveil/compliance-engine/pkg/documentstore"
)

func newTestLocker(t *testing.T) (*Locker, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ds := documentstore.NewWithDB(sqlx.NewDb(db, "postgres"))
	return New(ds, nil, time.Minute), mock
}

func TestAcquireSucceedsWhenUnheld(t *testing.T) {
	l, mock := newTestLocker(t)

	mock.ExpectQuery("SELECT (.+) FROM documents").
		WithArgs("tenant_locks", "acme/prod").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO documents").
		WithArgs("tenant_locks", "acme/prod", "worker-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := l.Acquire(context.Background(), "acme/prod", "worker-1")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAcquireConflictsWhenHeld(t *testing.T) {
	l, mock := newTestLocker(t)

	rows := sqlmock.NewRows([]string{"collection", "key", "secondary_key", "body", "version"}).
		AddRow("tenant_locks", "acme/prod", "worker-0", []byte(`{"held_by":"worker-0"}`), int64(1))
	mock.ExpectQuery("SELECT (.+) FROM documents").
		WithArgs("tenant_locks", "acme/prod").
		WillReturnRows(rows)

	err := l.Acquire(context.Background(), "acme/prod", "worker-1")
	require.Error(t, err)
}
