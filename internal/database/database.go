package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	healthTimeout     = 2 * time.Second
	healthCheckPeriod = 30 * time.Second
)

// PoolOptions sizes the connection pool
type PoolOptions struct {
	MinConns        int
	MaxConns        int
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

func (o PoolOptions) withDefaults() PoolOptions {
	if o.MaxConns <= 0 {
		o.MaxConns = 10
	}
	if o.MinConns < 0 || o.MinConns > o.MaxConns {
		o.MinConns = 0
	}
	if o.MaxConnLifetime <= 0 {
		o.MaxConnLifetime = time.Hour
	}
	if o.MaxConnIdleTime <= 0 {
		o.MaxConnIdleTime = 30 * time.Minute
	}
	return o
}

// PoolConfig parses databaseURL and applies opts on top of it
func PoolConfig(databaseURL string, opts PoolOptions) (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database URL: %w", err)
	}

	opts = opts.withDefaults()
	cfg.MinConns = int32(opts.MinConns)
	cfg.MaxConns = int32(opts.MaxConns)
	cfg.MaxConnLifetime = opts.MaxConnLifetime
	cfg.MaxConnIdleTime = opts.MaxConnIdleTime
	cfg.HealthCheckPeriod = healthCheckPeriod

	return cfg, nil
}

// DB owns the pgx pool shared by the repositories
type DB struct {
	Pool   *pgxpool.Pool
	logger *slog.Logger
}

// Connect opens the pool and verifies the server answers before returning.
func Connect(ctx context.Context, databaseURL string, opts PoolOptions, logger *slog.Logger) (*DB, error) {
	cfg, err := PoolConfig(databaseURL, opts)
	if err != nil {
		return nil, err
	}

	logger.Info("connecting to database",
		"host", cfg.ConnConfig.Host,
		"port", cfg.ConnConfig.Port,
		"database", cfg.ConnConfig.Database,
	)

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	db := &DB{Pool: pool, logger: logger}
	if err := db.Health(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to reach database: %w", err)
	}

	logger.Info("database pool ready", "min_conns", cfg.MinConns, "max_conns", cfg.MaxConns)
	return db, nil
}

// Close releases every pooled connection
func (db *DB) Close() {
	if db.Pool == nil {
		return
	}
	stat := db.Pool.Stat()
	db.logger.Info("closing database pool",
		"acquired_conns", stat.AcquiredConns(),
		"total_conns", stat.TotalConns(),
	)
	db.Pool.Close()
}

// Health pings the server with a short deadline
func (db *DB) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	return db.Pool.Ping(ctx)
}
