// Package documentstore implements DS: the engine's system of record for
// every entity in pkg/domain. It is backed by Postgres through
// jmoiron/sqlx and lib/pq, with schema managed by golang-migrate.
//
// Every entity is stored in one wide "documents" table keyed by
// (collection, key), with the entity JSON-encoded into a jsonb column
// and a secondary_key column projected out as a native type for indexed
// querying. This keeps the generic Put/Get/Query/Delete surface uniform
// across entity types the way the teacher's GenericCreate/GenericUpdate
// helpers keep its REST repository uniform across tables.
package documentstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
	// blank import below registers the postgres driver
	_ "github.com/lib/pq"

	internalerrors "github.com/cloudveil/compliance-engine/internal/errors"
)

// Store is the DS handle. One Store per process, shared by every
// component that needs document persistence.
type Store struct {
	db *sqlx.DB
}

// Open connects to dsn and verifies connectivity.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, internalerrors.Wrap(err, internalerrors.KindUnavailable, "documentstore: connect")
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an already-open sqlx.DB, used by tests that drive the
// store against a sqlmock connection instead of a real Postgres instance.
func NewWithDB(db *sqlx.DB) *Store { return &Store{db: db} }

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying *sqlx.DB for migration tooling.
func (s *Store) DB() *sqlx.DB { return s.db }

type row struct {
	Collection string `db:"collection"`
	Key        string `db:"key"`
	Secondary  string `db:"secondary_key"`
	Body       []byte `db:"body"`
	Version    int64  `db:"version"`
}

// Put inserts or replaces the document at (collection, key). secondary
// is an optional indexed field (e.g. a tenant id) used by Query.
func Put[T any](ctx context.Context, s *Store, collection, key, secondary string, value T) error {
	body, err := json.Marshal(value)
	if err != nil {
		return internalerrors.Wrap(err, internalerrors.KindInternal, "documentstore: marshal")
	}
	const q = `
		INSERT INTO documents (collection, key, secondary_key, body, version)
		VALUES ($1, $2, $3, $4, 1)
		ON CONFLICT (collection, key)
		DO UPDATE SET secondary_key = $3, body = $4, version = documents.version + 1`
	if _, err := s.db.ExecContext(ctx, q, collection, key, secondary, body); err != nil {
		return internalerrors.Wrap(err, internalerrors.KindUnavailable, "documentstore: put")
	}
	return nil
}

// PutIfVersion performs a conditional write: the update only applies if
// the document's current version matches expectedVersion (0 means "must
// not exist"). Used by pkg/job for the state machine's forward-only
// transitions and by pkg/lock for tenant-job locking.
func PutIfVersion[T any](ctx context.Context, s *Store, collection, key, secondary string, value T, expectedVersion int64) error {
	body, err := json.Marshal(value)
	if err != nil {
		return internalerrors.Wrap(err, internalerrors.KindInternal, "documentstore: marshal")
	}

	var res sql.Result
	if expectedVersion == 0 {
		const q = `INSERT INTO documents (collection, key, secondary_key, body, version)
			VALUES ($1, $2, $3, $4, 1)
			ON CONFLICT (collection, key) DO NOTHING`
		res, err = s.db.ExecContext(ctx, q, collection, key, secondary, body)
	} else {
		const q = `UPDATE documents SET secondary_key = $3, body = $4, version = version + 1
			WHERE collection = $1 AND key = $2 AND version = $5`
		res, err = s.db.ExecContext(ctx, q, collection, key, secondary, body, expectedVersion)
	}
	if err != nil {
		return internalerrors.Wrap(err, internalerrors.KindUnavailable, "documentstore: conditional put")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return internalerrors.Wrap(err, internalerrors.KindUnavailable, "documentstore: rows affected")
	}
	if n == 0 {
		return internalerrors.Conflict(fmt.Sprintf("documentstore: version mismatch for %s/%s", collection, key))
	}
	return nil
}

// Get fetches the document at (collection, key).
func Get[T any](ctx context.Context, s *Store, collection, key string) (T, int64, error) {
	var zero T
	var r row
	const q = `SELECT collection, key, secondary_key, body, version FROM documents WHERE collection = $1 AND key = $2`
	if err := s.db.GetContext(ctx, &r, q, collection, key); err != nil {
		if err == sql.ErrNoRows {
			return zero, 0, internalerrors.NotFound("document", collection+"/"+key)
		}
		return zero, 0, internalerrors.Wrap(err, internalerrors.KindUnavailable, "documentstore: get")
	}
	var out T
	if err := json.Unmarshal(r.Body, &out); err != nil {
		return zero, 0, internalerrors.Wrap(err, internalerrors.KindInternal, "documentstore: unmarshal")
	}
	return out, r.Version, nil
}

// Delete removes the document at (collection, key). It is not an error
// if no document existed.
func Delete(ctx context.Context, s *Store, collection, key string) error {
	const q = `DELETE FROM documents WHERE collection = $1 AND key = $2`
	if _, err := s.db.ExecContext(ctx, q, collection, key); err != nil {
		return internalerrors.Wrap(err, internalerrors.KindUnavailable, "documentstore: delete")
	}
	return nil
}

// Page is an opaque-cursor result page.
type Page[T any] struct {
	Items  []T
	Cursor string
}

// Query lists documents in collection whose secondary index equals
// secondary, paginated by an opaque cursor (the last row's key).
func Query[T any](ctx context.Context, s *Store, collection, secondary, cursor string, limit int) (Page[T], error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []row
	var err error
	if cursor == "" {
		const q = `SELECT collection, key, secondary_key, body, version FROM documents
			WHERE collection = $1 AND secondary_key = $2 ORDER BY key LIMIT $3`
		err = s.db.SelectContext(ctx, &rows, q, collection, secondary, limit+1)
	} else {
		const q = `SELECT collection, key, secondary_key, body, version FROM documents
			WHERE collection = $1 AND secondary_key = $2 AND key > $3 ORDER BY key LIMIT $4`
		err = s.db.SelectContext(ctx, &rows, q, collection, secondary, cursor, limit+1)
	}
	if err != nil {
		return Page[T]{}, internalerrors.Wrap(err, internalerrors.KindUnavailable, "documentstore: query")
	}

	var page Page[T]
	for i, r := range rows {
		if i == limit {
			page.Cursor = rows[i-1].Key
			break
		}
		var item T
		if err := json.Unmarshal(r.Body, &item); err != nil {
			return Page[T]{}, internalerrors.Wrap(err, internalerrors.KindInternal, "documentstore: unmarshal")
		}
		page.Items = append(page.Items, item)
	}
	return page, nil
}

// AtomicAdd adds delta to a numeric counter stored as a top-level JSON
// field named field, used by LC to deduct and refund license quota
// without a read-modify-write race.
func AtomicAdd(ctx context.Context, s *Store, collection, key, field string, delta int64) (int64, error) {
	const q = `UPDATE documents
		SET body = jsonb_set(body, $3, to_jsonb(COALESCE((body->>$4)::bigint, 0) + $5)), version = version + 1
		WHERE collection = $1 AND key = $2
		RETURNING (body->>$4)::bigint`
	path := fmt.Sprintf("{%s}", field)
	var result int64
	if err := s.db.GetContext(ctx, &result, q, collection, key, path, field, delta); err != nil {
		if err == sql.ErrNoRows {
			return 0, internalerrors.NotFound("document", collection+"/"+key)
		}
		return 0, internalerrors.Wrap(err, internalerrors.KindUnavailable, "documentstore: atomic add")
	}
	return result, nil
}
