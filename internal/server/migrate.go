package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/mohammad-safakhou/buildingqa/config"
	"github.com/mohammad-safakhou/buildingqa/internal/runtime"
)

// AuditDatabase returns the postgres section holding the audit table: storage.postgres
// when configured, the timeseries database otherwise.
func AuditDatabase(cfg *config.Config) config.PostgresConfig {
	if cfg.Storage.Postgres.Configured() {
		return cfg.Storage.Postgres
	}
	return cfg.Timeseries.Postgres
}

// Migrate applies database migrations from the given directory.
// dir example: migrations or file://migrations
func Migrate(dir string, db config.PostgresConfig, direction string, steps int) error {
	if dir == "" {
		dir = "migrations"
	}
	if !strings.Contains(dir, "://") {
		dir = "file://" + dir
	}
	dsn, err := runtime.BuildPostgresDSN(db)
	if err != nil {
		return err
	}

	m, err := migrate.New(dir, dsn)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	defer m.Close()

	switch direction {
	case "up":
		if steps > 0 {
			err = m.Steps(steps)
		} else {
			err = m.Up()
		}
	case "down":
		if steps > 0 {
			err = m.Steps(-steps)
		} else {
			err = m.Down()
		}
	default:
		return fmt.Errorf("unknown direction: %s", direction)
	}
	if errors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	return err
}
