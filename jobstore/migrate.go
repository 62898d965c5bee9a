package jobstore

import (
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"convertd/logger"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// MigrationConfig holds migration configuration
type MigrationConfig struct {
	DatabaseURL   string
	RetryAttempts int
	RetryDelay    time.Duration
}

// DefaultMigrationConfig returns default configuration
func DefaultMigrationConfig(databaseURL string) MigrationConfig {
	return MigrationConfig{
		DatabaseURL:   databaseURL,
		RetryAttempts: 5,
		RetryDelay:    3 * time.Second,
	}
}

// Migrator applies the embedded versioned schema to a postgres database.
type Migrator struct {
	m *migrate.Migrate
}

// NewMigrator connects to the database, retrying while it comes up.
func NewMigrator(config MigrationConfig) (*Migrator, error) {
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return nil, fmt.Errorf("load embedded migrations: %w", err)
	}

	attempts := config.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var m *migrate.Migrate
	for i := 0; i < attempts; i++ {
		m, err = migrate.NewWithSourceInstance("iofs", src, config.DatabaseURL)
		if err == nil {
			break
		}
		logger.Warnf("Failed to connect for migrations, attempt %d/%d: %v", i+1, attempts, err)
		time.Sleep(config.RetryDelay)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create migration instance after %d attempts: %w", attempts, err)
	}
	return &Migrator{m: m}, nil
}

// Up runs all pending migrations
func (s *Migrator) Up() error {
	if err := s.m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	logger.Info("Migrations completed successfully")
	return nil
}

// Down rolls back all migrations
func (s *Migrator) Down() error {
	if err := s.m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to rollback migrations: %w", err)
	}
	logger.Info("Rollback completed successfully")
	return nil
}

// Version returns the current migration version
func (s *Migrator) Version() (uint, bool, error) {
	v, dirty, err := s.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return v, dirty, err
}

// Close releases the source and database handles.
func (s *Migrator) Close() error {
	srcErr, dbErr := s.m.Close()
	if srcErr != nil {
		return srcErr
	}
	return dbErr
}
