package storage

import (
	"errors"
	"fmt"
	"net"
	"net/url"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/reseller-panel/internal/config"
)

// migrationURL builds the postgres URL the migrate driver expects from the
// same config the connection pool is built from.
func migrationURL(cfg *config.PostgresConfig) string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     net.JoinHostPort(cfg.Host, cfg.Port),
		Path:     "/" + cfg.Database,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

func openMigrator(cfg *config.PostgresConfig, migrationsPath string) (*migrate.Migrate, error) {
	m, err := migrate.New("file://"+migrationsPath, migrationURL(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open migrator: %w", err)
	}
	return m, nil
}

func closeMigrator(m *migrate.Migrate, err error) error {
	srcErr, dbErr := m.Close()
	return errors.Join(err, srcErr, dbErr)
}

// ApplyMigrations brings the schema up to the latest version. A schema that
// is already current is not an error.
func ApplyMigrations(cfg *config.PostgresConfig, migrationsPath string) error {
	m, err := openMigrator(cfg, migrationsPath)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return closeMigrator(m, fmt.Errorf("failed to apply migrations: %w", err))
	}

	return closeMigrator(m, nil)
}

// RollbackMigration steps the schema back by one version.
func RollbackMigration(cfg *config.PostgresConfig, migrationsPath string) error {
	m, err := openMigrator(cfg, migrationsPath)
	if err != nil {
		return err
	}

	if err := m.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return closeMigrator(m, fmt.Errorf("failed to rollback migration: %w", err))
	}

	return closeMigrator(m, nil)
}

// SchemaVersion reports the current migration version. A database with no
// applied migrations reports version 0, not an error.
func SchemaVersion(cfg *config.PostgresConfig, migrationsPath string) (uint, bool, error) {
	m, err := openMigrator(cfg, migrationsPath)
	if err != nil {
		return 0, false, err
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, closeMigrator(m, fmt.Errorf("failed to read schema version: %w", err))
	}

	return version, dirty, closeMigrator(m, nil)
}
