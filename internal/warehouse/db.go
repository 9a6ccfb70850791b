package warehouse

import (
	"context"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"golang.org/x/sync/semaphore"

	"github.com/gestioncompras/rotacion-etl/internal/config"
	"github.com/gestioncompras/rotacion-etl/pkg/logger"
)

// DB wraps the warehouse connection pool. A single DB is built at startup
// and passed explicitly down the orchestrator -> loader -> resolver chain.
type DB struct {
	*sqlx.DB
	schema string
	sem    *semaphore.Weighted
}

// NewDB opens a connection pool against the warehouse. Connection failures
// here are fatal for the whole run.
func NewDB(cfg *config.DatabaseConfig) (*DB, error) {
	connStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode)

	db, err := sqlx.Connect("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("could not connect to warehouse %s: %w", cfg.DBName, err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	schema := cfg.Schema
	if schema == "" {
		schema = "public"
	}

	return &DB{
		DB:     db,
		schema: schema,
		sem:    semaphore.NewWeighted(10), // Limit concurrent write transactions
	}, nil
}

// Schema returns the warehouse schema the staging and fact tables live in.
func (db *DB) Schema() string {
	return db.schema
}

// WithTx executes a function within a transaction. The semaphore bounds how
// many transactions run at once when PDVs are processed in parallel.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	if err := db.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("could not acquire semaphore: %w", err)
	}
	defer db.sem.Release(1)

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logger.Log.Error().Err(rbErr).Msg("could not rollback transaction")
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("could not commit transaction: %w", err)
	}

	return nil
}
