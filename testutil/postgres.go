package testutil

import (
	"context"
	"os"
	"testing"

	"github.com/onnwee/chat-relay/backend/store"
)

// SetupTestStore opens a Postgres-backed store and runs migrations.
// It skips the test if the TEST_PG_DSN environment variable is not set.
func SetupTestStore(t *testing.T) *store.SQLStore {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	s, err := store.NewPostgres(dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := s.Migrate(context.Background()); err != nil {
		s.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
	})
	return s
}
