// Package postgres provides PostgreSQL-based implementations of the store interfaces.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"fleetguard/internal/config"
)

// DB wraps a PostgreSQL connection pool.
type DB struct {
	pool *pgxpool.Pool
}

// NewDB creates a new PostgreSQL connection pool.
func NewDB(ctx context.Context, cfg *config.PostgresConfig) (*DB, error) {
	connString := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s&pool_max_conns=%d",
		cfg.User,
		cfg.Password,
		cfg.Host,
		cfg.Port,
		cfg.Database,
		cfg.SSLMode,
		cfg.MaxOpenConns,
	)

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}

	poolConfig.MaxConns = cfg.MaxOpenConns
	poolConfig.MinConns = cfg.MaxIdleConns
	poolConfig.MaxConnLifetime = time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return &DB{pool: pool}, nil
}

// Pool returns the underlying connection pool.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Close closes the connection pool.
func (db *DB) Close() {
	if db.pool != nil {
		db.pool.Close()
	}
}

// RunMigrations creates the required database tables.
func (db *DB) RunMigrations(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS alerts (
			id VARCHAR(255) PRIMARY KEY,
			device_id VARCHAR(255) NOT NULL,
			driver_id VARCHAR(255) NOT NULL,
			alert_type VARCHAR(64) NOT NULL,
			priority VARCHAR(16) NOT NULL,
			event_time TIMESTAMP WITH TIME ZONE NOT NULL,
			payload JSONB,
			status VARCHAR(20) NOT NULL,
			escalation_level INTEGER NOT NULL DEFAULT 0,
			escalated_at TIMESTAMP WITH TIME ZONE,
			escalated_to VARCHAR(255),
			acknowledged_at TIMESTAMP WITH TIME ZONE,
			resolved_at TIMESTAMP WITH TIME ZONE,
			closed_at TIMESTAMP WITH TIME ZONE,
			closing_notes TEXT,
			annotations JSONB,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL,
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_alerts_status ON alerts(status);
		CREATE INDEX IF NOT EXISTS idx_alerts_priority ON alerts(priority);
		CREATE INDEX IF NOT EXISTS idx_alerts_device ON alerts(device_id);
		CREATE INDEX IF NOT EXISTS idx_alerts_driver ON alerts(driver_id);
		CREATE INDEX IF NOT EXISTS idx_alerts_event_time ON alerts(event_time DESC);

		CREATE TABLE IF NOT EXISTS alert_history (
			id BIGSERIAL PRIMARY KEY,
			alert_id VARCHAR(255) NOT NULL REFERENCES alerts(id),
			from_status VARCHAR(20) NOT NULL,
			to_status VARCHAR(20) NOT NULL,
			at TIMESTAMP WITH TIME ZONE NOT NULL,
			actor VARCHAR(255) NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_alert_history_alert ON alert_history(alert_id, id);
	`

	_, err := db.pool.Exec(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}
