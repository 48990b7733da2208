package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/fleetpulse-io/fleetpulse/internal/config"
)

// Configuration errors.
var (
	ErrDatabaseURLRequired   = errors.New("DATABASE_URL cannot be empty")
	ErrMigrationTableEmpty   = errors.New("MIGRATION_TABLE cannot be empty")
	ErrMigrationsPathEmpty   = errors.New("MIGRATIONS_PATH cannot be empty")
	ErrMigrationsPathMissing = errors.New("migrations directory does not exist")
)

// Config holds all configuration for the migration tool
type Config struct {
	// DatabaseURL is the PostgreSQL connection string
	DatabaseURL string

	// MigrationsPath is the path to migration files
	MigrationsPath string

	// MigrationTable is the name of the table to track migrations
	MigrationTable string
}

// LoadConfig loads configuration from environment variables with sensible defaults
func LoadConfig() (*Config, error) {
	cfg := &Config{
		DatabaseURL:    config.GetEnvStr("DATABASE_URL", ""),
		MigrationsPath: config.GetEnvStr("MIGRATIONS_PATH", "./migrations"),
		MigrationTable: config.GetEnvStr("MIGRATION_TABLE", "schema_migrations"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return ErrDatabaseURLRequired
	}

	if c.MigrationTable == "" {
		return ErrMigrationTableEmpty
	}

	if c.MigrationsPath == "" {
		return ErrMigrationsPathEmpty
	}

	absPath, err := filepath.Abs(c.MigrationsPath)
	if err != nil {
		return fmt.Errorf("failed to resolve migrations path: %w", err)
	}
	c.MigrationsPath = absPath

	if _, err := os.Stat(c.MigrationsPath); os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrMigrationsPathMissing, c.MigrationsPath)
	}

	return nil
}

// String returns a string representation of the configuration (safe for logging)
func (c *Config) String() string {
	return fmt.Sprintf("Config{DatabaseURL: %s, MigrationsPath: %s, MigrationTable: %s}",
		maskDatabaseURL(c.DatabaseURL), c.MigrationsPath, c.MigrationTable)
}

// maskDatabaseURL masks the password in a database URL for logging.
// Malformed URLs are returned unchanged; they fail later at connect time.
func maskDatabaseURL(raw string) string {
	if raw == "" {
		return ""
	}

	parsed, err := url.Parse(raw)
	if err != nil || parsed.User == nil {
		return raw
	}

	if _, hasPassword := parsed.User.Password(); !hasPassword {
		return raw
	}

	parsed.User = url.UserPassword(parsed.User.Username(), "***")

	return parsed.String()
}
