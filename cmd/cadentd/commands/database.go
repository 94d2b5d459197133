package commands

import (
	"database/sql"

	"github.com/emberworks/cadent/config"
	"github.com/emberworks/cadent/db"
	"github.com/emberworks/cadent/errors"
	"github.com/emberworks/cadent/logger"
)

// openDatabase opens and migrates the database at the given path.
// An empty path falls back to the configured storage path.
func openDatabase(dbPath string) (*sql.DB, error) {
	if dbPath == "" {
		cfg, err := config.Load()
		if err != nil {
			return nil, errors.Wrap(err, "failed to load config")
		}
		dbPath = cfg.Storage.Path
	}

	database, err := db.Open(dbPath, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", dbPath)
	}

	if err := db.Migrate(database, logger.Logger); err != nil {
		database.Close()
		return nil, errors.Wrapf(err, "failed to run migrations on %s", dbPath)
	}

	return database, nil
}
