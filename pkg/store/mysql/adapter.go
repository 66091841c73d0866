// Package mysql opens and supervises the MySQL connection pool of the SQL document
// provider.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/nimburion/docrepo/pkg/observability/logger"
)

// ErrClosed is returned by Ping and HealthCheck after Close.
var ErrClosed = errors.New("mysql adapter is closed")

// MySQLAdapter owns a pooled *sql.DB.
type MySQLAdapter struct {
	db     *sql.DB
	logger logger.Logger
	config Config

	mu     sync.RWMutex
	closed bool
}

// Config holds MySQL configuration.
type Config struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	QueryTimeout    time.Duration
}

// NewMySQLAdapter validates the DSN, opens the pool and pings the server once.
func NewMySQLAdapter(cfg Config, log logger.Logger) (*MySQLAdapter, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database URL is required")
	}
	if log == nil {
		log = logger.NewNop()
	}
	if _, err := mysql.ParseDSN(cfg.URL); err != nil {
		return nil, fmt.Errorf("invalid mysql DSN: %w", err)
	}

	db, err := sql.Open("mysql", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open mysql database: %w", err)
	}
	a := newAdapter(db, cfg, log)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping mysql database: %w", err)
	}

	log.Info("MySQL connection established",
		"max_open_conns", cfg.MaxOpenConns,
		"max_idle_conns", cfg.MaxIdleConns,
		"conn_max_lifetime", cfg.ConnMaxLifetime,
		"conn_max_idle_time", cfg.ConnMaxIdleTime,
	)
	return a, nil
}

func newAdapter(db *sql.DB, cfg Config, log logger.Logger) *MySQLAdapter {
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	return &MySQLAdapter{db: db, logger: log, config: cfg}
}

// DB returns the pool.
func (a *MySQLAdapter) DB() *sql.DB {
	return a.db
}

// QueryTimeout returns the configured statement bound.
func (a *MySQLAdapter) QueryTimeout() time.Duration {
	return a.config.QueryTimeout
}

// Ping performs a basic connectivity check.
func (a *MySQLAdapter) Ping(ctx context.Context) error {
	a.mu.RLock()
	closed := a.closed
	a.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	return a.db.PingContext(ctx)
}

// HealthCheck pings with a two second bound.
func (a *MySQLAdapter) HealthCheck(ctx context.Context) error {
	hcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := a.Ping(hcCtx); err != nil {
		a.logger.Error("MySQL health check failed", "error", err, "open_connections", a.db.Stats().OpenConnections)
		return fmt.Errorf("mysql health check failed: %w", err)
	}
	return nil
}

// Close closes the pool. Calling it again is a no-op.
func (a *MySQLAdapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	if err := a.db.Close(); err != nil {
		a.logger.Error("failed to close MySQL connection", "error", err)
		return fmt.Errorf("failed to close mysql connection: %w", err)
	}
	a.logger.Info("MySQL connection closed")
	return nil
}
