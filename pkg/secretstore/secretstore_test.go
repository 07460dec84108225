package secretstore

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/cloudveil/compliance-engine/pkg/documentstore"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ds := documentstore.NewWithDB(sqlx.NewDb(db, "postgres"))
	s, err := New(ds, []byte("01234567890123456789012345678901"[:32]))
	require.NoError(t, err)
	return s, mock
}

func TestPutEncryptsBeforeStoring(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectExec("INSERT INTO documents").
		WithArgs("secrets", "acme/aws-key", "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := s.Put(context.Background(), "acme/aws-key", "super-secret", []string{"worker"}, time.Time{})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNormalizeMasterKeyRejectsShortKey(t *testing.T) {
	_, err := normalizeMasterKey([]byte("too-short"))
	require.Error(t, err)
}

func TestNormalizeMasterKeyAcceptsHex(t *testing.T) {
	hexKey := "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	key, err := normalizeMasterKey([]byte(hexKey))
	require.NoError(t, err)
	require.Len(t, key, 32)
}

func TestServiceAllowedEmptyAllowlistPermitsAll(t *testing.T) {
	require.True(t, serviceAllowed("worker", nil))
	require.True(t, serviceAllowed("anything", []string{}))
}

func TestServiceAllowedDeniesUnlisted(t *testing.T) {
	require.False(t, serviceAllowed("other", []string{"worker"}))
	require.True(t, serviceAllowed("worker", []string{"worker"}))
}
