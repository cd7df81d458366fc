package database

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, time.May, 20, 10, 0, 0, 0, time.UTC)

func setupTestDB(t *testing.T) (*DB, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(testNow)
	logger := zerolog.Nop()
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"), &logger,
		WithClock(clock), WithPaymentWindow(2*time.Minute))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, clock
}

func TestNewDB_DirectoryCreation(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "db_test_dir")
	require.NoError(t, err)
	defer os.RemoveAll(tempDir)

	dbPath := filepath.Join(tempDir, "nested", "dir", "test.db")
	logger := zerolog.Nop()

	db, err := NewDB(dbPath, &logger)
	require.NoError(t, err)
	defer db.Close()

	assert.FileExists(t, dbPath)
}

func TestNewDB_InMemory(t *testing.T) {
	db, err := NewDB(":memory:", nil)
	require.NoError(t, err)
	defer db.Close()

	assert.NoError(t, db.Ping(context.Background()))
}

func TestCreateTables_Idempotent(t *testing.T) {
	db, _ := setupTestDB(t)

	// Running migrations again must not fail
	require.NoError(t, createTables(db.DB))
}

func TestTrimSQL(t *testing.T) {
	assert.Equal(t, "SELECT 1", trimSQL("  SELECT\n   1 "))
	long := trimSQL("CREATE TABLE IF NOT EXISTS reservations (id TEXT PRIMARY KEY, habitation_id TEXT NOT NULL)")
	assert.Len(t, long, 63)
	assert.Contains(t, long, "...")
}
