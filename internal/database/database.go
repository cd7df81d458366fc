package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"lodging/internal/models"

	"github.com/jonboulle/clockwork"
	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/rs/zerolog"
)

var ErrConcurrentModification = errors.New("reservation was modified concurrently")

// DB is the authoritative reservation store behind the reference backend.
type DB struct {
	*sql.DB
	clock  clockwork.Clock
	window time.Duration
	logger *zerolog.Logger
}

type Option func(*DB)

func WithClock(clock clockwork.Clock) Option {
	return func(db *DB) { db.clock = clock }
}

// WithPaymentWindow sets how long new reservations stay pending.
func WithPaymentWindow(d time.Duration) Option {
	return func(db *DB) {
		if d > 0 {
			db.window = d
		}
	}
}

// NewDB opens the database at path and runs migrations. Writes are
// serialized: one connection, and every transaction takes the write lock
// up front so the overlap check and the insert cannot interleave.
func NewDB(path string, logger *zerolog.Logger, opts ...Option) (*DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	sqlDB, err := sql.Open("sqlite3", path+"?_txlock=immediate&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := createTables(sqlDB); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	db := &DB{
		DB:     sqlDB,
		clock:  clockwork.NewRealClock(),
		window: models.DefaultPaymentWindow,
	}
	for _, opt := range opts {
		opt(db)
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "database").Logger()
	db.logger = &l

	db.logger.Info().Str("path", path).Msg("Database initialized")
	return db, nil
}

func createTables(db *sql.DB) error {
	queries := []string{
		// Timestamps are StorageLayout strings so range predicates compare lexically.
		`CREATE TABLE IF NOT EXISTS reservations (
            id TEXT PRIMARY KEY,
            habitation_id TEXT NOT NULL,
            user_id TEXT NOT NULL,
            check_in TEXT NOT NULL,
            check_out TEXT NOT NULL,
            status TEXT NOT NULL DEFAULT 'pending',
            payment_deadline TEXT,
            created_at TEXT NOT NULL,
            updated_at TEXT NOT NULL,
            version INTEGER NOT NULL DEFAULT 1
        )`,

		`CREATE INDEX IF NOT EXISTS idx_reservations_habitation ON reservations(habitation_id, check_in, check_out)`,
		`CREATE INDEX IF NOT EXISTS idx_reservations_status ON reservations(status, payment_deadline)`,
	}

	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			return fmt.Errorf("exec migration %s: %w", trimSQL(q), err)
		}
	}
	return nil
}

func trimSQL(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > 60 {
		return s[:60] + "..."
	}
	return s
}

func (db *DB) now() time.Time {
	return db.clock.Now().UTC()
}

// Ping checks the connection.
func (db *DB) Ping(ctx context.Context) error {
	return db.PingContext(ctx)
}
