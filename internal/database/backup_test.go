package database

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"lodging/internal/config"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackupService(t *testing.T) {
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "source.db")
	storagePath := filepath.Join(tempDir, "backups")

	logger := zerolog.Nop()
	db, err := NewDB(dbPath, &logger)
	require.NoError(t, err)
	require.NoError(t, db.CreateReservationWithLock(context.Background(), newReservation("H", day(1), day(3))))
	db.Close()

	clock := clockwork.NewFakeClockAt(time.Now())
	cfg := config.BackupConfig{
		Enabled:       true,
		StoragePath:   storagePath,
		RetentionDays: 1,
	}
	s := NewBackupService(dbPath, cfg, clock, &logger)

	var backupPath string
	t.Run("PerformBackup", func(t *testing.T) {
		backupPath, err = s.PerformBackup(context.Background())
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(filepath.Base(backupPath), backupPrefix))

		files, err := os.ReadDir(storagePath)
		assert.NoError(t, err)
		assert.Len(t, files, 1)

		restored, err := NewDB(backupPath, &logger)
		require.NoError(t, err)
		defer restored.Close()
		ranges, err := restored.ReservedRanges(context.Background(), "H")
		require.NoError(t, err)
		assert.Len(t, ranges, 1, "backup carries the reservations")
	})

	t.Run("CleanupOldBackups", func(t *testing.T) {
		oldFile := filepath.Join(storagePath, "backup_old.db")
		require.NoError(t, os.WriteFile(oldFile, []byte("old"), 0o644))
		foreign := filepath.Join(storagePath, "notes.txt")
		require.NoError(t, os.WriteFile(foreign, []byte("keep"), 0o644))

		oldTime := clock.Now().AddDate(0, 0, -2)
		require.NoError(t, os.Chtimes(oldFile, oldTime, oldTime))
		require.NoError(t, os.Chtimes(foreign, oldTime, oldTime))

		assert.Equal(t, 1, s.CleanupOldBackups())

		assert.NoFileExists(t, oldFile)
		assert.FileExists(t, foreign, "only backup files are cleaned up")
		assert.FileExists(t, backupPath)
	})
}

func TestBackupService_Disabled(_ *testing.T) {
	logger := zerolog.Nop()
	s := NewBackupService("any", config.BackupConfig{Enabled: false}, nil, &logger)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Start(ctx)
}

func TestBackupService_StartRunsInitialBackup(t *testing.T) {
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "source.db")
	logger := zerolog.Nop()
	db, err := NewDB(dbPath, &logger)
	require.NoError(t, err)
	db.Close()

	storagePath := filepath.Join(tempDir, "backups")
	s := NewBackupService(dbPath, config.BackupConfig{
		Enabled:     true,
		Interval:    time.Hour,
		StoragePath: storagePath,
	}, clockwork.NewFakeClock(), &logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		files, err := os.ReadDir(storagePath)
		return err == nil && len(files) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
