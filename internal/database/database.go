package database

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/crewmate/crewmate/internal/clock"
)

// DB wraps the SQLite database connection
type DB struct {
	*sql.DB
	path  string
	mu    sync.Mutex
	clock clock.Clock
}

// New opens the database at path. Use ":memory:"-style paths only in tests
// that keep a single connection.
func New(path string) (*DB, error) {
	// WAL for concurrent readers; times are written in a fixed sortable layout
	// so they can be compared in SQL.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_time_format=sqlite", path)

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(5)

	log.Debug().Str("path", path).Msg("Database connection established")

	return &DB{
		DB:    conn,
		path:  path,
		clock: clock.Real{},
	}, nil
}

// Path returns the database file path
func (db *DB) Path() string {
	return db.path
}

// SetClock replaces the time source used for created/updated timestamps.
func (db *DB) SetClock(c clock.Clock) {
	db.clock = c
}

// Now returns the database clock's current time in storage precision.
func (db *DB) Now() time.Time {
	return dbTime(db.clock.Now())
}

// IsFirstRun reports whether no users exist yet.
func (db *DB) IsFirstRun() (bool, error) {
	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM users").Scan(&count); err != nil {
		return false, fmt.Errorf("failed to check users: %w", err)
	}
	return count == 0, nil
}

// Transaction runs fn in a transaction. Writers are serialised so SQLite
// never sees two concurrent write transactions from this process.
func (db *DB) Transaction(fn func(*sql.Tx) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Error().Err(rbErr).Msg("Failed to rollback transaction")
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// dbTime normalises times to UTC whole seconds so the stored text sorts
// chronologically.
func dbTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}
