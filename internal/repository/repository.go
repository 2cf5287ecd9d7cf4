// Package repository is the persistence facade the import engine treats
// as a black box per its scope note: upsert and range-query operations
// over the tables in §6.1, backed by pgx the way the teacher's own
// repository package is.
package repository

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository wraps the connection pool backing every table in §6.1:
// import_state (via internal/importstate.Store, constructed separately
// from the same pool), price_feed, product, price_ts, investment_ts,
// investor and debug_data_ts.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository opens a pool configured the way the teacher's
// NewRepository is: env-overridable pool sizing, periodic connection
// recycling, and per-connection statement/idle-transaction timeouts so
// a stuck query or an abandoned transaction cannot wedge the pool.
// Query timeout defaults to the 2s §5 calls for; connect timeout to 5s.
func NewRepository(dbURL string) (*Repository, error) {
	config, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse db url: %w", err)
	}

	if maxConnStr := os.Getenv("DB_MAX_OPEN_CONNS"); maxConnStr != "" {
		if maxConn, err := strconv.Atoi(maxConnStr); err == nil {
			config.MaxConns = int32(maxConn)
		}
	}
	if minConnStr := os.Getenv("DB_MAX_IDLE_CONNS"); minConnStr != "" {
		if minConn, err := strconv.Atoi(minConnStr); err == nil {
			config.MinConns = int32(minConn)
		}
	}

	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute
	config.ConnConfig.ConnectTimeout = 5 * time.Second

	if config.ConnConfig.RuntimeParams == nil {
		config.ConnConfig.RuntimeParams = map[string]string{}
	}
	if _, ok := config.ConnConfig.RuntimeParams["statement_timeout"]; !ok {
		config.ConnConfig.RuntimeParams["statement_timeout"] = getEnvDefault("DB_STATEMENT_TIMEOUT", "2000")
	}
	if _, ok := config.ConnConfig.RuntimeParams["idle_in_transaction_session_timeout"]; !ok {
		config.ConnConfig.RuntimeParams["idle_in_transaction_session_timeout"] = getEnvDefault("DB_IDLE_TX_TIMEOUT", "120000")
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	return &Repository{db: pool}, nil
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// Pool exposes the underlying pool so callers needing a second facade
// over the same connections (internal/importstate.Store) can share it
// instead of opening a competing pool.
func (r *Repository) Pool() *pgxpool.Pool { return r.db }

func (r *Repository) Close() { r.db.Close() }

// Migrate runs a schema file verbatim, the way the teacher's Migrate
// does for its own bootstrap SQL.
func (r *Repository) Migrate(schemaPath string) error {
	content, err := os.ReadFile(schemaPath)
	if err != nil {
		return fmt.Errorf("failed to read schema file: %w", err)
	}
	if _, err := r.db.Exec(context.Background(), string(content)); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return nil
}
