// Package testutil provides shared test infrastructure for integration tests.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"strings"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/mbd888/tradeescrow/migrations"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// PGTest opens a test database connection, applies the embedded goose
// migrations, and returns the *sql.DB plus a cleanup function.
//
// Tests should call this at the top:
//
//	db, cleanup := testutil.PGTest(t)
//	defer cleanup()
//
// POSTGRES_URL selects an existing database. Without it a postgres:16
// container is started; if Docker is unavailable the test is skipped.
// The cleanup function truncates all application tables.
func PGTest(t *testing.T) (*sql.DB, func()) {
	t.Helper()

	ctx := context.Background()
	dbURL, terminate := resolveDSN(ctx, t)

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		terminate()
		t.Fatalf("pgtest: open database: %v", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		terminate()
		t.Fatalf("pgtest: connect to database: %v", err)
	}

	if err := migrations.Up(ctx, db); err != nil {
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

func resolveDSN(ctx context.Context, t *testing.T) (string, func()) {
	t.Helper()

	if dsn := os.Getenv("POSTGRES_URL"); dsn != "" {
		return dsn, func() {}
	}

	startCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	pgC, err := postgres.Run(startCtx,
		"postgres:16-alpine",
		postgres.WithDatabase("escrow_test"),
		postgres.WithUsername("escrow"),
		postgres.WithPassword("escrow"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Skipf("POSTGRES_URL not set and postgres container unavailable: %v", err)
	}

	dsn, err := pgC.ConnectionString(startCtx, "sslmode=disable")
	if err != nil {
		_ = testcontainers.TerminateContainer(pgC)
		t.Fatalf("pgtest: container connection string: %v", err)
	}
	return dsn, func() { _ = testcontainers.TerminateContainer(pgC) }
}

// truncateAll truncates all user-created tables to provide a clean slate
// between tests. The goose version table is left alone.
func truncateAll(ctx context.Context, db *sql.DB) {
	rows, err := db.QueryContext(ctx, `
		SELECT tablename FROM pg_tables
		WHERE schemaname = 'public'
		  AND tablename NOT LIKE 'pg_%'
		  AND tablename NOT LIKE 'sql_%'
		  AND tablename <> 'goose_db_version'
	`)
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

	if len(tables) > 0 {
		// Table names come from pg_tables, not user input.
		stmt := "TRUNCATE " + strings.Join(tables, ", ") + " CASCADE" // #nosec G202
		_, _ = db.ExecContext(ctx, stmt)
	}
}
