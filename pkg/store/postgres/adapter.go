// Package postgres opens and supervises the PostgreSQL connection pool of the SQL
// document provider.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/nimburion/docrepo/pkg/observability/logger"
)

// ErrClosed is returned by Ping and HealthCheck after Close.
var ErrClosed = errors.New("postgres adapter is closed")

// PostgreSQLAdapter owns a pooled *sql.DB.
type PostgreSQLAdapter struct {
	db     *sql.DB
	logger logger.Logger
	config Config

	mu     sync.RWMutex
	closed bool
}

// Config holds PostgreSQL connection configuration
type Config struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	// QueryTimeout is handed to the provider; it bounds statements issued without a
	// caller deadline.
	QueryTimeout time.Duration
}

// NewPostgreSQLAdapter opens the pool and pings the server once.
func NewPostgreSQLAdapter(cfg Config, log logger.Logger) (*PostgreSQLAdapter, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database URL is required")
	}
	if log == nil {
		log = logger.NewNop()
	}

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	a := newAdapter(db, cfg, log)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info("PostgreSQL connection established",
		"max_open_conns", cfg.MaxOpenConns,
		"max_idle_conns", cfg.MaxIdleConns,
		"conn_max_lifetime", cfg.ConnMaxLifetime,
		"conn_max_idle_time", cfg.ConnMaxIdleTime,
	)
	return a, nil
}

func newAdapter(db *sql.DB, cfg Config, log logger.Logger) *PostgreSQLAdapter {
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	return &PostgreSQLAdapter{db: db, logger: log, config: cfg}
}

// DB returns the pool.
func (a *PostgreSQLAdapter) DB() *sql.DB {
	return a.db
}

// QueryTimeout returns the configured statement bound.
func (a *PostgreSQLAdapter) QueryTimeout() time.Duration {
	return a.config.QueryTimeout
}

// Ping verifies the database connection is alive
func (a *PostgreSQLAdapter) Ping(ctx context.Context) error {
	a.mu.RLock()
	closed := a.closed
	a.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	return a.db.PingContext(ctx)
}

// HealthCheck pings with a two second bound and logs the pool state on failure.
func (a *PostgreSQLAdapter) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := a.Ping(ctx); err != nil {
		stats := a.db.Stats()
		a.logger.Error("PostgreSQL health check failed",
			"error", err,
			"open_connections", stats.OpenConnections,
			"in_use", stats.InUse,
			"wait_count", stats.WaitCount,
		)
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// Close closes the pool. Calling it again is a no-op.
func (a *PostgreSQLAdapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	if err := a.db.Close(); err != nil {
		a.logger.Error("failed to close PostgreSQL connection", "error", err)
		return fmt.Errorf("failed to close database connection: %w", err)
	}
	a.logger.Info("PostgreSQL connection closed")
	return nil
}
