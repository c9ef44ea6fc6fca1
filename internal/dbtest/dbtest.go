// Package dbtest opens a migrated database for tests. By default every test
// gets its own SQLite file; set TEST_DATABASE_URL to run against Postgres
// instead (tables are emptied first, so run such suites with -p 1).
package dbtest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"

	"github.com/semanticallynull/bikerental-backend/internal/database"
)

func Open(t *testing.T) *sqlx.DB {
	t.Helper()

	ctx := context.Background()
	url := os.Getenv("TEST_DATABASE_URL")
	shared := url != ""
	if !shared {
		url = "sqlite://" + filepath.Join(t.TempDir(), "test.db")
	}

	db, err := database.Open(ctx, url)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := database.Migrate(ctx, db); err != nil {
		t.Fatalf("failed to migrate database: %v", err)
	}

	if shared {
		cleanupTestData(t, db)
	}
	return db
}

func cleanupTestData(t *testing.T, db *sqlx.DB) {
	t.Helper()

	// Delete in order of dependencies
	for _, table := range []string{"rentals", "bikes", "users"} {
		if _, err := db.Exec("DELETE FROM " + table); err != nil {
			t.Logf("warning: failed to clean %s: %v", table, err)
		}
	}
}
