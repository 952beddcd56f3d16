package database

import (
	"database/sql"
	"fmt"
)

// OrphanCounts lists rows left pointing at deleted records, per category.
type OrphanCounts map[string]int64

// Total sums all categories.
func (c OrphanCounts) Total() int64 {
	var n int64
	for _, v := range c {
		n += v
	}
	return n
}

type orphanRule struct {
	name   string
	count  string
	repair string
}

// Rows can only become orphaned when foreign keys were off during writes
// (imports, manual edits), so each rule is checked explicitly.
var orphanRules = []orphanRule{
	{
		name:   "sessions",
		count:  "SELECT COUNT(*) FROM sessions WHERE user_id NOT IN (SELECT id FROM users)",
		repair: "DELETE FROM sessions WHERE user_id NOT IN (SELECT id FROM users)",
	},
	{
		name:   "push_tokens",
		count:  "SELECT COUNT(*) FROM push_tokens WHERE user_id NOT IN (SELECT id FROM users)",
		repair: "DELETE FROM push_tokens WHERE user_id NOT IN (SELECT id FROM users)",
	},
	{
		name:   "verification_codes",
		count:  "SELECT COUNT(*) FROM verification_codes WHERE user_id NOT IN (SELECT id FROM users)",
		repair: "DELETE FROM verification_codes WHERE user_id NOT IN (SELECT id FROM users)",
	},
	{
		name:   "verification_sends",
		count:  "SELECT COUNT(*) FROM verification_sends WHERE user_id NOT IN (SELECT id FROM users)",
		repair: "DELETE FROM verification_sends WHERE user_id NOT IN (SELECT id FROM users)",
	},
	{
		name:   "layovers",
		count:  "SELECT COUNT(*) FROM layovers WHERE user_id NOT IN (SELECT id FROM users)",
		repair: "DELETE FROM layovers WHERE user_id NOT IN (SELECT id FROM users)",
	},
	{
		name:   "referred_by",
		count:  "SELECT COUNT(*) FROM users WHERE referred_by IS NOT NULL AND referred_by NOT IN (SELECT id FROM users)",
		repair: "UPDATE users SET referred_by = NULL WHERE referred_by IS NOT NULL AND referred_by NOT IN (SELECT id FROM users)",
	},
	{
		name:   "plan_attendees",
		count:  "SELECT COUNT(*) FROM plan_attendees WHERE plan_id NOT IN (SELECT id FROM plans) OR user_id NOT IN (SELECT id FROM users)",
		repair: "DELETE FROM plan_attendees WHERE plan_id NOT IN (SELECT id FROM plans) OR user_id NOT IN (SELECT id FROM users)",
	},
	{
		name:   "notifications",
		count:  "SELECT COUNT(*) FROM notifications WHERE user_id NOT IN (SELECT id FROM users)",
		repair: "DELETE FROM notifications WHERE user_id NOT IN (SELECT id FROM users)",
	},
}

// RepairOrphans removes or detaches orphaned rows and returns how many were
// found per category. With dryRun nothing is changed.
func (db *DB) RepairOrphans(dryRun bool) (OrphanCounts, error) {
	counts := OrphanCounts{}
	err := db.Transaction(func(tx *sql.Tx) error {
		for _, rule := range orphanRules {
			var n int64
			if err := tx.QueryRow(rule.count).Scan(&n); err != nil {
				return fmt.Errorf("failed to count orphaned %s: %w", rule.name, err)
			}
			counts[rule.name] = n
			if dryRun || n == 0 {
				continue
			}
			if _, err := tx.Exec(rule.repair); err != nil {
				return fmt.Errorf("failed to repair orphaned %s: %w", rule.name, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}
