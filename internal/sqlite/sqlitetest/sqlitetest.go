// Package sqlitetest opens throwaway migrated databases for tests.
package sqlitetest

import (
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"

	"github.com/jdholdren/dolate/internal/sqlite"
)

// New returns a fresh database in the test's temp dir, closed on cleanup.
func New(t testing.TB) *sqlx.DB {
	t.Helper()

	dbx, err := sqlite.Open(filepath.Join(t.TempDir(), "dolate.db"))
	if err != nil {
		t.Fatalf("error opening test database: %s", err)
	}
	// A single connection keeps concurrent tests from tripping over SQLITE_BUSY
	dbx.SetMaxOpenConns(1)
	t.Cleanup(func() { dbx.Close() })

	return dbx
}
