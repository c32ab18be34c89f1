// Package storetest opens throwaway sqlite databases with the schema applied.
package storetest

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"enrollment-service/internal/store"
	"enrollment-service/migrations"
)

// New returns a migrated store backed by a sqlite file in t.TempDir().
func New(t testing.TB) *store.Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "enrollments.db")
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout=10000&_pragma=foreign_keys(ON)&_time_format=sqlite", path)

	s, err := store.NewStore(store.DriverSQLite, dsn)
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if err := s.ApplyMigrations(context.Background(), migrations.Files); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return s
}
