package database

import "fmt"

// Optimize refreshes SQLite's query planner statistics.
func (db *DB) Optimize() error {
	return db.exclusive("optimize", "PRAGMA optimize")
}

// Vacuum checkpoints the WAL and rebuilds the file to reclaim free pages.
// Writers are blocked while it runs.
func (db *DB) Vacuum() error {
	return db.exclusive("vacuum", "PRAGMA wal_checkpoint(TRUNCATE)", "VACUUM")
}

func (db *DB) exclusive(op string, statements ...string) error {
	if db == nil || db.DB == nil {
		return fmt.Errorf("%s: database not initialized", op)
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	return nil
}
