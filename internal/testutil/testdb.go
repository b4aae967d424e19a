// Package testutil provides shared test helpers.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"casehooks/internal/platform/config"
	"casehooks/internal/platform/database"
)

// SetupTestDB opens a private in-memory SQLite database with all migrations
// applied. The database is closed when the test completes.
func SetupTestDB(t *testing.T) *database.DB {
	t.Helper()
	ctx := context.Background()

	name := "file:" + uuid.NewString() + "?mode=memory&cache=shared&_foreign_keys=on"
	db, err := database.Open(ctx, config.DatabaseConfig{Driver: "sqlite3", URL: name})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if _, err := database.Migrate(ctx, db); err != nil {
		t.Fatalf("run migrations: %v", err)
	}
	return db
}

// TestContext returns a context with a 5-second timeout.
// The context is cancelled when the test completes.
func TestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}
