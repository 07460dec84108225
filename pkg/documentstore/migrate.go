package documentstore

import (
	"embed"
	"errors"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	internalerrors "github.com/cloudveil/compliance-engine/internal/errors"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrate applies every pending migration against the store's database.
func (s *Store) Migrate() error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return internalerrors.Wrap(err, internalerrors.KindInternal, "documentstore: load migrations")
	}
	driver, err := postgres.WithInstance(s.db.DB, &postgres.Config{})
	if err != nil {
		return internalerrors.Wrap(err, internalerrors.KindInternal, "documentstore: migration driver")
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return internalerrors.Wrap(err, internalerrors.KindInternal, "documentstore: migration init")
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return internalerrors.Wrap(err, internalerrors.KindInternal, "documentstore: migrate up")
	}
	return nil
}
