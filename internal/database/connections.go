package database

import (
	"database/sql"
	"fmt"
	"time"
)

// Connection request statuses
const (
	RequestPending  = "pending"
	RequestAccepted = "accepted"
	RequestDeclined = "declined"
)

// ConnectionRequest is a pending or answered request to connect.
type ConnectionRequest struct {
	ID          int64      `json:"id"`
	FromID      int64      `json:"from_id"`
	ToID        int64      `json:"to_id"`
	Message     string     `json:"message,omitempty"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	RespondedAt *time.Time `json:"responded_at,omitempty"`
}

// Connection is an accepted link seen from one user's side.
type Connection struct {
	UserID    int64     `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

func orderedPair(a, b int64) (int64, int64) {
	if a < b {
		return a, b
	}
	return b, a
}

const requestColumns = "id, from_id, to_id, message, status, created_at, responded_at"

func scanRequest(row rowScanner) (*ConnectionRequest, error) {
	r := &ConnectionRequest{}
	var responded sql.NullTime
	if err := row.Scan(&r.ID, &r.FromID, &r.ToID, &r.Message, &r.Status, &r.CreatedAt, &responded); err != nil {
		return nil, err
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.RespondedAt = nullTimeToPtr(responded)
	return r, nil
}

// RequestOutcome tells how OpenConnectionRequest resolved.
type RequestOutcome int

const (
	RequestCreated RequestOutcome = iota
	// RequestMatched means the other user had already asked; their request
	// was accepted and the pair is now connected.
	RequestMatched
	RequestAlreadyConnected
	RequestAlreadyPending
)

// OpenConnectionRequest creates a pending request from -> to unless the pair
// is already connected or the request is already pending. A pending request
// in the other direction is accepted instead. Everything happens in one
// transaction. The returned request is the new one or the accepted one.
func (db *DB) OpenConnectionRequest(fromID, toID int64, message string) (*ConnectionRequest, RequestOutcome, error) {
	now := db.Now()
	var req *ConnectionRequest
	outcome := RequestCreated
	err := db.Transaction(func(tx *sql.Tx) error {
		a, b := orderedPair(fromID, toID)
		var n int
		if err := tx.QueryRow("SELECT COUNT(*) FROM connections WHERE user_a = ? AND user_b = ?", a, b).Scan(&n); err != nil {
			return fmt.Errorf("failed to check connection: %w", err)
		}
		if n > 0 {
			outcome = RequestAlreadyConnected
			return nil
		}

		pending := func(from, to int64) (*ConnectionRequest, error) {
			r, err := scanRequest(tx.QueryRow(`
				SELECT `+requestColumns+` FROM connection_requests
				WHERE from_id = ? AND to_id = ? AND status = 'pending'
			`, from, to))
			if err == sql.ErrNoRows {
				return nil, nil
			}
			return r, err
		}
		existing, err := pending(fromID, toID)
		if err != nil {
			return fmt.Errorf("failed to get pending request: %w", err)
		}
		if existing != nil {
			outcome = RequestAlreadyPending
			return nil
		}
		reverse, err := pending(toID, fromID)
		if err != nil {
			return fmt.Errorf("failed to get pending request: %w", err)
		}

		if reverse != nil {
			if _, err := tx.Exec("UPDATE connection_requests SET status = 'accepted', responded_at = ? WHERE id = ?", now, reverse.ID); err != nil {
				return fmt.Errorf("failed to accept request: %w", err)
			}
			if _, err := tx.Exec("INSERT OR IGNORE INTO connections (user_a, user_b, created_at) VALUES (?, ?, ?)", a, b, now); err != nil {
				return fmt.Errorf("failed to create connection: %w", err)
			}
			reverse.Status = RequestAccepted
			reverse.RespondedAt = &now
			req, outcome = reverse, RequestMatched
			return nil
		}

		result, err := tx.Exec(`
			INSERT INTO connection_requests (from_id, to_id, message, status, created_at) VALUES (?, ?, ?, 'pending', ?)
		`, fromID, toID, message, now)
		if isUniqueViolation(err) {
			outcome = RequestAlreadyPending
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to create connection request: %w", err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get request id: %w", err)
		}
		req = &ConnectionRequest{ID: id, FromID: fromID, ToID: toID, Message: message, Status: RequestPending, CreatedAt: now}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return req, outcome, nil
}

// GetConnectionRequest retrieves a request by ID.
func (db *DB) GetConnectionRequest(id int64) (*ConnectionRequest, error) {
	r, err := scanRequest(db.QueryRow("SELECT "+requestColumns+" FROM connection_requests WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get connection request: %w", err)
	}
	return r, nil
}

// AcceptConnectionRequest answers a pending request and creates the connection.
// It returns false when the request was no longer pending.
func (db *DB) AcceptConnectionRequest(id int64) (bool, error) {
	now := db.Now()
	accepted := false
	err := db.Transaction(func(tx *sql.Tx) error {
		var fromID, toID int64
		err := tx.QueryRow(`
			UPDATE connection_requests SET status = 'accepted', responded_at = ?
			WHERE id = ? AND status = 'pending' RETURNING from_id, to_id
		`, now, id).Scan(&fromID, &toID)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to accept request: %w", err)
		}
		a, b := orderedPair(fromID, toID)
		if _, err := tx.Exec("INSERT OR IGNORE INTO connections (user_a, user_b, created_at) VALUES (?, ?, ?)", a, b, now); err != nil {
			return fmt.Errorf("failed to create connection: %w", err)
		}
		accepted = true
		return nil
	})
	return accepted, err
}

// DeclineConnectionRequest answers a pending request negatively.
func (db *DB) DeclineConnectionRequest(id int64) (bool, error) {
	result, err := db.Exec(`
		UPDATE connection_requests SET status = 'declined', responded_at = ? WHERE id = ? AND status = 'pending'
	`, db.Now(), id)
	if err != nil {
		return false, fmt.Errorf("failed to decline request: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// ListPendingRequests returns pending requests received and sent by the user.
func (db *DB) ListPendingRequests(userID int64) (incoming, outgoing []*ConnectionRequest, err error) {
	rows, err := db.Query(`
		SELECT `+requestColumns+` FROM connection_requests
		WHERE status = 'pending' AND (to_id = ? OR from_id = ?)
		ORDER BY created_at DESC, id DESC
	`, userID, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list pending requests: %w", err)
	}
	defer rows.Close()

	incoming = []*ConnectionRequest{}
	outgoing = []*ConnectionRequest{}
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to scan request: %w", err)
		}
		if r.ToID == userID {
			incoming = append(incoming, r)
		} else {
			outgoing = append(outgoing, r)
		}
	}
	return incoming, outgoing, rows.Err()
}

// AreConnected reports whether a and b are connected.
func (db *DB) AreConnected(a, b int64) (bool, error) {
	a, b = orderedPair(a, b)
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM connections WHERE user_a = ? AND user_b = ?", a, b).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to check connection: %w", err)
	}
	return n > 0, nil
}

// ListConnections returns the user's connections, newest first.
func (db *DB) ListConnections(userID int64) ([]Connection, error) {
	rows, err := db.Query(`
		SELECT CASE WHEN user_a = ? THEN user_b ELSE user_a END, created_at
		FROM connections WHERE user_a = ? OR user_b = ?
		ORDER BY created_at DESC
	`, userID, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	defer rows.Close()

	out := []Connection{}
	for rows.Next() {
		var c Connection
		if err := rows.Scan(&c.UserID, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}
		c.CreatedAt = c.CreatedAt.UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteConnection removes the link between a and b.
func (db *DB) DeleteConnection(a, b int64) (bool, error) {
	a, b = orderedPair(a, b)
	result, err := db.Exec("DELETE FROM connections WHERE user_a = ? AND user_b = ?", a, b)
	if err != nil {
		return false, fmt.Errorf("failed to delete connection: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// Block records that blocker blocked blocked, dropping any connection and
// pending requests between the two.
func (db *DB) Block(blockerID, blockedID int64) error {
	now := db.Now()
	a, b := orderedPair(blockerID, blockedID)
	return db.Transaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec("INSERT OR IGNORE INTO blocks (blocker_id, blocked_id, created_at) VALUES (?, ?, ?)", blockerID, blockedID, now); err != nil {
			return fmt.Errorf("failed to insert block: %w", err)
		}
		if _, err := tx.Exec("DELETE FROM connections WHERE user_a = ? AND user_b = ?", a, b); err != nil {
			return fmt.Errorf("failed to remove connection: %w", err)
		}
		if _, err := tx.Exec(`
			UPDATE connection_requests SET status = 'declined', responded_at = ?
			WHERE status = 'pending' AND ((from_id = ? AND to_id = ?) OR (from_id = ? AND to_id = ?))
		`, now, blockerID, blockedID, blockedID, blockerID); err != nil {
			return fmt.Errorf("failed to close requests: %w", err)
		}
		return nil
	})
}

// Unblock removes a block.
func (db *DB) Unblock(blockerID, blockedID int64) (bool, error) {
	result, err := db.Exec("DELETE FROM blocks WHERE blocker_id = ? AND blocked_id = ?", blockerID, blockedID)
	if err != nil {
		return false, fmt.Errorf("failed to unblock: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// IsBlockedEither reports whether a blocked b or b blocked a.
func (db *DB) IsBlockedEither(a, b int64) (bool, error) {
	var n int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM blocks WHERE (blocker_id = ? AND blocked_id = ?) OR (blocker_id = ? AND blocked_id = ?)
	`, a, b, b, a).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check block: %w", err)
	}
	return n > 0, nil
}
