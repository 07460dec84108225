package findings

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudveil/compliance-engine/pkg/documentstore"
	"github.com/cloudveil/compliance-engine/pkg/domain"
	"github.com/cloudveil/compliance-engine/pkg/objectstore"
)

func TestEncodeSortsFindingsDeterministically(t *testing.T) {
	s := domain.Shard{
		Tenant: "acme/prod",
		Region: "us-east-1",
		Findings: []domain.Finding{
			{RuleID: "b-rule", ResourceID: "r2"},
			{RuleID: "a-rule", ResourceID: "r1"},
		},
	}
	a, err := Encode(s)
	require.NoError(t, err)

	s.Findings[0], s.Findings[1] = s.Findings[1], s.Findings[0]
	b, err := Encode(s)
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestDecodeRoundTrip(t *testing.T) {
	s := domain.Shard{Tenant: "acme/prod", Region: "us-east-1", Findings: []domain.Finding{{RuleID: "r1", ResourceID: "i-1"}}}
	raw, err := Encode(s)
	require.NoError(t, err)

	decoded, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, "acme/prod", decoded.Tenant)
	assert.Len(t, decoded.Findings, 1)
}

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	ds := documentstore.NewWithDB(sqlx.NewDb(db, "postgres"))
	objects := objectstore.New(objectstore.NewMemoryBackend())
	return New(objects, ds), mock
}

func TestArchiveFirstRunHasNoPriorShard(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectQuery("SELECT (.+) FROM documents").
		WithArgs("shard_index", "acme/prod/us-east-1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO documents").
		WillReturnResult(sqlmock.NewResult(1, 1))

	shard := domain.Shard{
		Tenant: "acme/prod", Region: "us-east-1", BuiltAt: time.Now(),
		Findings: []domain.Finding{{RuleID: "r1", ResourceID: "i-1", Result: domain.ResultFail}},
	}
	merged, err := s.Archive(context.Background(), shard, "2026-08-01", "findings", []string{"r1"})
	require.NoError(t, err)
	assert.Len(t, merged.Findings, 1)
}

func TestMergeDropsStaleFindingForRuleExecutedThisRun(t *testing.T) {
	prior := domain.Shard{
		Tenant: "acme/prod", Region: "us-east-1",
		Findings: []domain.Finding{
			{RuleID: "r1", ResourceID: "i-1", Result: domain.ResultFail, FirstSeen: time.Unix(1, 0)},
		},
	}
	// i-1 was deleted; r1 ran this pass but only saw i-2.
	current := domain.Shard{
		Tenant: "acme/prod", Region: "us-east-1",
		Findings: []domain.Finding{
			{RuleID: "r1", ResourceID: "i-2", Result: domain.ResultFail, FirstSeen: time.Unix(2, 0)},
		},
	}

	merged := prior.Merge(current, []string{"r1"})
	require.Len(t, merged.Findings, 1)
	assert.Equal(t, "i-2", merged.Findings[0].ResourceID)
}

func TestMergeRetainsFindingForRuleNotExecutedThisRun(t *testing.T) {
	prior := domain.Shard{
		Tenant: "acme/prod", Region: "us-east-1",
		Findings: []domain.Finding{
			{RuleID: "r1", ResourceID: "i-1", Result: domain.ResultFail, FirstSeen: time.Unix(1, 0)},
		},
	}
	// r1 wasn't part of this run's ruleset at all (e.g. a ruleset swap).
	current := domain.Shard{
		Tenant: "acme/prod", Region: "us-east-1",
		Findings: []domain.Finding{
			{RuleID: "r2", ResourceID: "i-1", Result: domain.ResultPass, FirstSeen: time.Unix(2, 0)},
		},
	}

	merged := prior.Merge(current, []string{"r2"})
	require.Len(t, merged.Findings, 2)
}

func TestMergeCarriesFirstSeenForwardOnReoccurrence(t *testing.T) {
	prior := domain.Shard{
		Findings: []domain.Finding{
			{RuleID: "r1", ResourceID: "i-1", FirstSeen: time.Unix(1, 0)},
		},
	}
	current := domain.Shard{
		Findings: []domain.Finding{
			{RuleID: "r1", ResourceID: "i-1", FirstSeen: time.Unix(99, 0)},
		},
	}

	merged := prior.Merge(current, []string{"r1"})
	require.Len(t, merged.Findings, 1)
	assert.Equal(t, time.Unix(1, 0), merged.Findings[0].FirstSeen)
}
