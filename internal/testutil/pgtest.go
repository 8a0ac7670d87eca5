// Package testutil provides shared test infrastructure for integration tests.
package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// PGTest provisions a PostgreSQL database for integration tests, applies all
// goose migrations, and returns the *sql.DB plus a cleanup function.
//
// Tests should call this at the top:
//
//	db, cleanup := testutil.PGTest(t)
//	defer cleanup()
//
// If POSTGRES_URL is set, that database is used directly. Otherwise a
// throwaway container is started; the test is skipped when Docker is not
// available.
func PGTest(t *testing.T) (*sql.DB, func()) {
	t.Helper()

	ctx := context.Background()

	dbURL := os.Getenv("POSTGRES_URL")
	terminate := func() {}

	if dbURL == "" {
		container, err := func() (c *postgres.PostgresContainer, err error) {
			// testcontainers panics (MustExtractDockerHost) when no Docker
			// daemon is reachable; fold that into the skip path below.
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("docker host discovery panicked: %v", r)
				}
			}()
			return postgres.Run(ctx,
				"postgres:16-alpine",
				postgres.WithDatabase("marketsettle_test"),
				postgres.WithUsername("test"),
				postgres.WithPassword("test"),
				testcontainers.WithWaitStrategy(
					wait.ForLog("database system is ready to accept connections").
						WithOccurrence(2).
						WithStartupTimeout(60*time.Second),
				),
			)
		}()
		if err != nil {
			t.Skipf("postgres container unavailable, skipping integration test: %v", err)
		}
		terminate = func() { _ = container.Terminate(ctx) }

		dbURL, err = container.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			terminate()
			t.Fatalf("pgtest: connection string: %v", err)
		}
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		terminate()
		t.Fatalf("pgtest: open database: %v", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		terminate()
		t.Fatalf("pgtest: connect to database: %v", err)
	}

	if err := goose.SetDialect("postgres"); err != nil {
		_ = db.Close()
		terminate()
		t.Fatalf("pgtest: set dialect: %v", err)
	}
	if err := goose.UpContext(ctx, db, findMigrationsDir(t)); err != nil {
		_ = db.Close()
		terminate()
		t.Fatalf("pgtest: run migrations: %v", err)
	}

	cleanup := func() {
		truncateAll(ctx, db)
		_ = db.Close()
		terminate()
	}

	return db, cleanup
}

// findMigrationsDir walks up from the test working directory to find
// the project-level migrations/ directory.
func findMigrationsDir(t *testing.T) string {
	t.Helper()

	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("pgtest: getwd: %v", err)
	}

	for {
		candidate := filepath.Join(dir, "migrations")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatalf("pgtest: could not find migrations/ directory walking up from cwd")
		}
		dir = parent
	}
}

// truncateAll truncates all application tables to provide a clean slate
// between tests. Goose bookkeeping is left alone.
func truncateAll(ctx context.Context, db *sql.DB) {
	rows, err := db.QueryContext(ctx, `
		SELECT tablename FROM pg_tables
		WHERE schemaname = 'public' AND tablename <> 'goose_db_version'`)
	if err != nil {
		return
	}
	defer func() { _ = rows.Close() }()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err == nil {
			tables = append(tables, name)
		}
	}
	if err := rows.Err(); err != nil || len(tables) == 0 {
		return
	}

	_, _ = db.ExecContext(ctx, "TRUNCATE "+strings.Join(tables, ", ")+" CASCADE")
}
