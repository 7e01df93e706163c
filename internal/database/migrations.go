package database

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/sirupsen/logrus"
)

// Migrate applies every pending schema migration. Already being at the latest
// version is not an error.
func Migrate(databaseURL, migrationsPath string, log *logrus.Logger) error {
	m, err := migrate.New("file://"+migrationsPath, databaseURL)
	if err != nil {
		return fmt.Errorf("opening migrations from %s: %w", migrationsPath, err)
	}
	defer closeMigrate(m, log)

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Debug("Schema already at latest migration")
			return nil
		}
		return fmt.Errorf("applying migrations: %w", err)
	}

	if version, dirty, err := m.Version(); err == nil {
		log.WithFields(logrus.Fields{
			"schema_version": version,
			"dirty":          dirty,
		}).Info("Schema migrations applied")
	}
	return nil
}

// MigrateDown rolls the schema back by one migration.
func MigrateDown(databaseURL, migrationsPath string, log *logrus.Logger) error {
	m, err := migrate.New("file://"+migrationsPath, databaseURL)
	if err != nil {
		return fmt.Errorf("opening migrations from %s: %w", migrationsPath, err)
	}
	defer closeMigrate(m, log)

	if err := m.Steps(-1); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return nil
		}
		return fmt.Errorf("rolling back migration: %w", err)
	}
	log.Info("Rolled schema back one migration")
	return nil
}

func closeMigrate(m *migrate.Migrate, log *logrus.Logger) {
	sourceErr, dbErr := m.Close()
	if sourceErr != nil {
		log.WithError(sourceErr).Warn("Closing migration source")
	}
	if dbErr != nil {
		log.WithError(dbErr).Warn("Closing migration database handle")
	}
}
