package store

import (
	"context"
	stdsql "database/sql"
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the pgx driver for database/sql
)

//go:embed migrations
var migrationsFS embed.FS

// Store is a thread-safe handle exposing typed mutators and readers over the
// benchmark relational schema. All multi-row mutations that touch related
// entities happen inside a single transaction.
type Store struct {
	db *stdsql.DB
}

// NewStore opens a connection pool, verifies connectivity, and applies
// pending migrations.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	db, err := stdsql.Open("pgx", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(db, cfg.Database); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// NewStoreFromDB wraps an already-open, already-migrated *sql.DB (used by
// tests against a disposable container database).
func NewStoreFromDB(db *stdsql.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying connection pool for health checks.
func (s *Store) DB() *stdsql.DB {
	return s.db
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func runMigrations(db *stdsql.DB, databaseName string) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, databaseName, driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	// We must not call m.Close(), which would also close db via the shared
	// postgres.WithInstance() driver — only the source side needs releasing.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}
	return nil
}
