package scheduler

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/cloudveil/compliance-engine/pkg/documentstore"
)

func newTestScheduler(t *testing.T) (*Scheduler, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	ds := documentstore.NewWithDB(sqlx.NewDb(db, "postgres"))
	return &Scheduler{deps: Deps{DS: ds}}, mock
}

func TestCustomersReturnsEmptyWhenNoneRegistered(t *testing.T) {
	s, mock := newTestScheduler(t)
	rows := sqlmock.NewRows([]string{"collection", "key", "secondary_key", "body", "version"})
	mock.ExpectQuery("SELECT (.+) FROM documents").WillReturnRows(rows)

	customers, err := s.customers(context.Background())
	require.NoError(t, err)
	require.Empty(t, customers)
}

func TestSweepTimeoutsSkipsWhenNoCustomers(t *testing.T) {
	s, mock := newTestScheduler(t)
	rows := sqlmock.NewRows([]string{"collection", "key", "secondary_key", "body", "version"})
	mock.ExpectQuery("SELECT (.+) FROM documents").WillReturnRows(rows)

	err := s.sweepTimeouts(context.Background())
	require.NoError(t, err)
}
