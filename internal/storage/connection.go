// Package storage provides PostgreSQL-backed persistence for machine events.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

const healthCheckTimeout = 5 * time.Second

var (
	// ErrNoDatabaseConnection is returned when a store is constructed or used
	// without a live database connection.
	ErrNoDatabaseConnection = errors.New("no database connection")

	// ErrConnectionFailed is returned when opening or pinging the database fails.
	ErrConnectionFailed = errors.New("database connection failed")
)

// Connection wraps the database handle with pool configuration applied.
// It embeds *sql.DB so stores can use the full database/sql surface.
type Connection struct {
	*sql.DB
}

// NewConnection opens a PostgreSQL connection pool using the given configuration
// and verifies connectivity with a ping before returning.
func NewConnection(config *Config) (*Connection, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	db, err := sql.Open("postgres", config.databaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}

	return &Connection{DB: db}, nil
}

// HealthCheck verifies the connection pool can still reach the database.
func (c *Connection) HealthCheck(ctx context.Context) error {
	if c == nil || c.DB == nil {
		return ErrNoDatabaseConnection
	}

	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	if err := c.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	return nil
}
