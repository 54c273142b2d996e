package testutil

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/onnwee/stream-herald/db"
)

// SetupTestDB creates a test database connection and runs migrations.
// It skips the test if TEST_PG_DSN environment variable is not set.
// Both tables are truncated so each test starts empty.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	database, err := db.Connect(dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	ctx := context.Background()
	if err := db.Migrate(ctx, database); err != nil {
		database.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	if _, err := database.ExecContext(ctx, `TRUNCATE subjects, subject_states`); err != nil {
		database.Close()
		t.Fatalf("failed to truncate tables: %v", err)
	}
	t.Cleanup(func() {
		database.Close()
	})
	return database
}
