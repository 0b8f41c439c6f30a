package commands

import (
	"database/sql"

	"github.com/loomworks/loom/config"
	"github.com/loomworks/loom/db"
	"github.com/loomworks/loom/errors"
	"github.com/loomworks/loom/logger"
)

// openDatabase opens and migrates the database at the configured path
func openDatabase(cfg *config.Config) (*sql.DB, error) {
	path := cfg.Database.Path
	if path == "" {
		path = "loom.db"
	}

	database, err := db.Open(path, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", path)
	}

	if err := db.Migrate(database, logger.Logger); err != nil {
		database.Close()
		return nil, errors.Wrapf(err, "failed to run migrations on %s", path)
	}

	return database, nil
}
