// internal/common/database/postgres.go
package database

import (
	"context"
	"database/sql"
	"fmt"

	"notification-dispatcher/internal/common/config"

	_ "github.com/lib/pq"
)

// PostgresClient owns the pooled connection behind the storage layer.
type PostgresClient struct {
	DB *sql.DB
}

// NewPostgres opens the pool without dialing; Ping confirms reachability.
func NewPostgres(cfg config.PostgresConfig) (*PostgresClient, error) {
	if cfg.Host == "" || cfg.Database == "" {
		return nil, fmt.Errorf("postgres host and database are required")
	}
	db, err := sql.Open("postgres", cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxIdle)
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.GetDuration(cfg.ConnMaxLifetime))
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(config.GetDuration(cfg.ConnMaxIdleTime))
	}

	return &PostgresClient{DB: db}, nil
}

func (c *PostgresClient) Ping(ctx context.Context) error {
	if err := c.DB.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping failed: %w", err)
	}
	return nil
}

// Stats reports pool usage for startup and readiness logs.
func (c *PostgresClient) Stats() map[string]interface{} {
	st := c.DB.Stats()
	return map[string]interface{}{
		"maxOpen": st.MaxOpenConnections,
		"open":    st.OpenConnections,
		"inUse":   st.InUse,
		"idle":    st.Idle,
	}
}

func (c *PostgresClient) Close() error {
	if c.DB != nil {
		return c.DB.Close()
	}
	return nil
}

func (c *PostgresClient) GetDB() *sql.DB {
	return c.DB
}
