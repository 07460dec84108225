package credentials

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/cloudveil/compliance-engine/pkg/documentstore"
	"github.com/cloudveil/compliance-engine/pkg/domain"
	"github.com/cloudveil/compliance-engine/pkg/secretstore"
)

func newTestResolver(t *testing.T) (*Resolver, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ds := documentstore.NewWithDB(sqlx.NewDb(db, "postgres"))
	ss, err := secretstore.New(ds, []byte("01234567890123456789012345678901"[:32]))
	require.NoError(t, err)
	return New(ss), mock
}

func TestResolveAWSNotFoundWhenNoSecretsConfigured(t *testing.T) {
	r, mock := newTestResolver(t)
	tenant := domain.Tenant{Customer: "acme", Name: "prod", Cloud: domain.CloudAWS}

	mock.ExpectQuery("SELECT (.+) FROM documents").WillReturnRows(sqlmock.NewRows(nil))
	mock.ExpectQuery("SELECT (.+) FROM documents").WillReturnRows(sqlmock.NewRows(nil))

	_, err := r.ResolveAWS(context.Background(), tenant)
	require.Error(t, err)
}

func TestResolveAzureFallsBackToDefaultChain(t *testing.T) {
	r, mock := newTestResolver(t)
	tenant := domain.Tenant{Customer: "acme", Name: "prod", Cloud: domain.CloudAzure, CloudIdentifier: "sub-1"}

	mock.ExpectQuery("SELECT (.+) FROM documents").WillReturnRows(sqlmock.NewRows(nil))
	mock.ExpectQuery("SELECT (.+) FROM documents").WillReturnRows(sqlmock.NewRows(nil))
	mock.ExpectQuery("SELECT (.+) FROM documents").WillReturnRows(sqlmock.NewRows(nil))

	creds, err := r.ResolveAzure(context.Background(), tenant)
	require.NoError(t, err)
	require.Equal(t, "sub-1", creds.SubscriptionID)
	require.NotNil(t, creds.TokenCredential)
}

func TestResolveDispatchesOnTenantCloud(t *testing.T) {
	r, mock := newTestResolver(t)
	tenant := domain.Tenant{Customer: "acme", Name: "prod", Cloud: domain.CloudAzure, CloudIdentifier: "sub-1"}

	mock.ExpectQuery("SELECT (.+) FROM documents").WillReturnRows(sqlmock.NewRows(nil))
	mock.ExpectQuery("SELECT (.+) FROM documents").WillReturnRows(sqlmock.NewRows(nil))
	mock.ExpectQuery("SELECT (.+) FROM documents").WillReturnRows(sqlmock.NewRows(nil))

	err := r.Resolve(context.Background(), tenant)
	require.NoError(t, err)
}

func TestResolveRejectsUnsupportedCloud(t *testing.T) {
	r, _ := newTestResolver(t)
	tenant := domain.Tenant{Customer: "acme", Name: "prod", Cloud: domain.Cloud("oracle")}

	err := r.Resolve(context.Background(), tenant)
	require.Error(t, err)
}
