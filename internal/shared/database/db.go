package database

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/mrmushfiq/mediagen-dispatch/internal/shared/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type DB struct {
	conn *sqlx.DB
}

// New creates a new database connection
func New(databaseURL string) (*DB, error) {
	conn, err := sqlx.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Configure connection pool
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(10)
	conn.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	return &DB{conn: conn}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks if the database is reachable
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Migrate applies the embedded schema migrations. Already applied ones are skipped.
func (db *DB) Migrate() error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	driver, err := migratepostgres.WithInstance(db.conn.DB, &migratepostgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// LogDispatch records a request handled by the HTTP surface
func (db *DB) LogDispatch(ctx context.Context, log *models.DispatchLog) error {
	query := `
		INSERT INTO dispatch_logs (
			request_id, endpoint, model, prediction_id, credential_id,
			attempts, latency_ms, status_code, error_kind, error_message
		) VALUES (
			:request_id, :endpoint, :model, :prediction_id, :credential_id,
			:attempts, :latency_ms, :status_code, :error_kind, :error_message
		)
	`
	_, err := db.conn.NamedExecContext(ctx, query, log)
	return err
}
