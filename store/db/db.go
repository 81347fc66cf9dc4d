package db

import (
	"github.com/pkg/errors"

	"github.com/hrygo/contextgate/internal/profile"
	"github.com/hrygo/contextgate/store"
	"github.com/hrygo/contextgate/store/db/postgres"
	"github.com/hrygo/contextgate/store/db/sqlite"
)

// PostgreSQL is the production driver with full vector search support.
// SQLite covers development and testing; vector search is unavailable there
// and retrieval falls back to recency.

// NewDBDriver creates new db driver based on profile.
func NewDBDriver(profile *profile.Profile) (store.Driver, error) {
	var driver store.Driver
	var err error

	switch profile.Driver {
	case "sqlite":
		driver, err = sqlite.NewDB(profile)
	case "postgres":
		driver, err = postgres.NewDB(profile)
	default:
		return nil, errors.New("unknown db driver: only 'postgres' and 'sqlite' are supported")
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to create db driver")
	}
	return driver, nil
}
