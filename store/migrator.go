package store

import (
	"context"
	"embed"
	"log/slog"

	"github.com/pkg/errors"
)

// The schema is small enough that fresh installs apply LATEST.sql directly;
// there is no incremental migration history yet.
//
// Migration files live in store/migration/{driver}/LATEST.sql.

//go:embed migration
var migrationFS embed.FS

// Migrate initializes the database schema when it is missing.
func (s *Store) Migrate(ctx context.Context) error {
	initialized, err := s.driver.IsInitialized(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to check database initialization")
	}
	if initialized {
		return nil
	}

	buf, err := migrationFS.ReadFile("migration/" + s.profile.Driver + "/LATEST.sql")
	if err != nil {
		return errors.Wrapf(err, "failed to read latest schema for driver %q", s.profile.Driver)
	}

	if _, err := s.driver.GetDB().ExecContext(ctx, string(buf)); err != nil {
		return errors.Wrap(err, "failed to apply latest schema")
	}
	slog.Info("database schema initialized", "driver", s.profile.Driver)
	return nil
}
