package server

import (
	"path/filepath"
	"testing"
)

func newTestSQLiteJobStore(t *testing.T) *SQLiteJobStore {
	t.Helper()

	path := filepath.Join(t.TempDir(), "jobs.sqlite")
	store, err := NewSQLiteJobStore(SQLiteStoreConfig{DSN: path})
	if err != nil {
		t.Fatalf("NewSQLiteJobStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}
