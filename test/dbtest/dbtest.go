// Package dbtest provides a disposable PostgreSQL-backed store for tests,
// using a shared testcontainer started once per package.
package dbtest

import (
	"context"
	"crypto/rand"
	stdsql "database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/codeready-toolchain/evalharness/internal/store"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	sharedConnStr string
	containerOnce sync.Once
	containerErr  error
)

// NewStore creates a *store.Store backed by a unique, migrated schema on the
// shared test database, cleaned up automatically when the test completes.
func NewStore(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()

	connStr := sharedDatabase(t)
	schemaName := schemaNameFor(t)

	db, err := stdsql.Open("pgx", connStr)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA %s", schemaName))
	require.NoError(t, err)
	_ = db.Close()

	scoped := addSearchPath(connStr, schemaName)
	db, err = stdsql.Open("pgx", scoped)
	require.NoError(t, err)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	s := store.NewStoreFromDB(db)
	require.NoError(t, applyMigrations(ctx, db, schemaName))

	t.Cleanup(func() {
		_, _ = db.ExecContext(context.Background(), fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schemaName))
		_ = db.Close()
	})

	return s
}

func applyMigrations(ctx context.Context, db *stdsql.DB, schemaName string) error {
	// The schema files embedded in internal/store/migrations are plain DDL;
	// since the test schema is already on search_path, running them verbatim
	// against this connection creates the tables inside the test schema.
	data, err := os.ReadFile(migrationPath())
	if err != nil {
		return fmt.Errorf("read migration: %w", err)
	}
	_, err = db.ExecContext(ctx, string(data))
	return err
}

func migrationPath() string {
	_, thisFile, _, ok := runtime.Caller(0)
	if !ok {
		panic("migrationPath: runtime.Caller(0) failed")
	}
	// test/dbtest/dbtest.go → test/ → project root
	root := filepath.Dir(filepath.Dir(filepath.Dir(thisFile)))
	return filepath.Join(root, "internal", "store", "migrations", "0001_init.up.sql")
}

func sharedDatabase(t *testing.T) string {
	if ci := os.Getenv("CI_DATABASE_URL"); ci != "" {
		return ci
	}

	containerOnce.Do(func() {
		ctx := context.Background()
		pgContainer, err := postgres.Run(ctx,
			"postgres:17-alpine",
			postgres.WithDatabase("test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			containerErr = fmt.Errorf("failed to start postgres container: %w", err)
			return
		}
		connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			containerErr = fmt.Errorf("failed to get connection string: %w", err)
			return
		}
		sharedConnStr = connStr
	})

	require.NoError(t, containerErr, "failed to start shared postgres test container")
	return sharedConnStr
}

func schemaNameFor(t *testing.T) string {
	name := strings.ToLower(t.Name())
	name = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, name)
	if len(name) > 40 {
		name = name[:40]
	}
	randomBytes := make([]byte, 4)
	_, err := rand.Read(randomBytes)
	require.NoError(t, err)
	return fmt.Sprintf("test_%s_%s", name, hex.EncodeToString(randomBytes))
}

func addSearchPath(connStr, schemaName string) string {
	sep := "?"
	if strings.Contains(connStr, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%ssearch_path=%s", connStr, sep, schemaName)
}
