// Package databasetest opens migrated throwaway databases for tests.
package databasetest

import (
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/crewmate/crewmate/internal/clock"
	"github.com/crewmate/crewmate/internal/database"
)

// Epoch is the default start time of the manual clock.
var Epoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// New opens a migrated database in t's temp dir driven by a manual clock.
func New(t testing.TB) (*database.DB, *clock.Manual) {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clk := clock.NewManual(Epoch)
	db.SetClock(clk)
	return db, clk
}

var userSeq atomic.Int64

// CreateUser inserts a user named name with a unique referral code.
func CreateUser(t testing.TB, db *database.DB, name string, referredBy *int64) *database.UserRecord {
	t.Helper()

	u := &database.UserRecord{
		Email:        name + "@crew.test",
		PasswordHash: "x",
		DisplayName:  name,
		ReferralCode: fmt.Sprintf("T%07d", userSeq.Add(1)),
		ReferredBy:   referredBy,
	}
	if err := db.CreateUser(u); err != nil {
		t.Fatalf("failed to create user %s: %v", name, err)
	}
	return u
}
