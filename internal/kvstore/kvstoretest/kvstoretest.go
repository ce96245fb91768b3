// Package kvstoretest opens throwaway in-memory stores for tests.
package kvstoretest

import (
	"testing"

	"campuslibrary/internal/kvstore"
)

// New returns a Store over a fresh SQLite in-memory database that is closed
// when the test ends.
func New(t testing.TB) kvstore.Store {
	t.Helper()
	db, err := kvstore.Open(kvstore.DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("open memory store: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return kvstore.New(db)
}
