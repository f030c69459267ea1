package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stagecrew/roster/internal/model"
)

// eligibleSQL is the computed eligibility predicate shared by every claim
// query. The grouping is deliberate: "claimable status AND (no cooldown OR
// cooldown expired)" must be the literal evaluated expression, so a cooldown
// clause can never escape the status scope.
const eligibleSQL = `(status = 'active' OR status = 'cooldown')
	AND (cooldown_until_ns = 0 OR cooldown_until_ns <= ?)`

// unclaimedSQL excludes rows covered by a live (unexpired) claim.
const unclaimedSQL = `id NOT IN (SELECT resource_id FROM claims WHERE kind = ? AND expires_at_ns > ?)`

// rowScanner abstracts sql.Row/sql.Rows for claim scan closures.
type rowScanner interface {
	Scan(dest ...any) error
}

// claimNext runs the atomic claim-and-lock transaction: select the
// best-ranked eligible row via query, then insert a claim row for it, all
// under the store's single-writer lock. scan must read one row and return
// the resource id. Returns ErrNoEligibleResource when the select is empty.
func (s *Store) claimNext(kind model.Kind, sessionID, query string, args []any, scan func(rowScanner) (int64, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("claim %s: begin: %w", kind, errNotConnected(err))
	}
	defer tx.Rollback() //nolint:errcheck

	id, err := scan(tx.QueryRow(query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("claim %s: %w", kind, ErrNoEligibleResource)
		}
		return fmt.Errorf("claim %s: scan: %w", kind, err)
	}

	now := time.Now()
	// An expired claim row is dead but still occupies the UNIQUE slot until
	// the watchdog sweeps it; clear it so the insert below can win.
	if _, err := tx.Exec("DELETE FROM claims WHERE kind = ? AND resource_id = ? AND expires_at_ns <= ?",
		string(kind), id, now.UnixNano()); err != nil {
		return fmt.Errorf("claim %s: clear expired claim: %w", kind, err)
	}
	_, err = tx.Exec(`
		INSERT INTO claims (id, kind, resource_id, session_id, claimed_at_ns, expires_at_ns)
		VALUES (?, ?, ?, ?, ?, ?)
	`, uuid.New().String(), string(kind), id, sessionID, now.UnixNano(), now.Add(s.claimTTL).UnixNano())
	if err != nil {
		if isUniqueViolation(err) {
			// Another process claimed the row between our select and insert.
			return fmt.Errorf("claim %s id=%d: %w", kind, id, ErrClaimConflict)
		}
		return fmt.Errorf("claim %s: insert claim: %w", kind, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("claim %s: commit: %w", kind, err)
	}
	return nil
}

// releaseClaim deletes the claim row for a resource inside tx and reports
// whether a row was actually deleted. The delete gates per-claim side effects
// (usage accounting), making outcome reporting idempotent: a second report
// for the same claim finds no row and skips the increment.
func releaseClaim(tx *sql.Tx, kind model.Kind, resourceID int64) (bool, error) {
	res, err := tx.Exec("DELETE FROM claims WHERE kind = ? AND resource_id = ?", string(kind), resourceID)
	if err != nil {
		return false, fmt.Errorf("release claim %s id=%d: %w", kind, resourceID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ExpireStaleClaims deletes claims whose expiry has passed, returning the
// covered resources to rotation. Called by the watchdog loop; safe to run
// concurrently with claims because expired rows are already invisible to the
// claim predicate.
func (s *Store) ExpireStaleClaims(now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM claims WHERE expires_at_ns <= ?", now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("expire stale claims: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ListClaims returns all live claims, oldest first. Observability only.
func (s *Store) ListClaims() ([]model.Claim, error) {
	rows, err := s.db.Query(`SELECT id, kind, resource_id, session_id, claimed_at_ns, expires_at_ns
		FROM claims ORDER BY claimed_at_ns ASC`)
	if err != nil {
		return nil, fmt.Errorf("list claims: %w", err)
	}
	defer rows.Close()

	var result []model.Claim
	for rows.Next() {
		var c model.Claim
		var kind string
		if err := rows.Scan(&c.ID, &kind, &c.ResourceID, &c.SessionID, &c.ClaimedAtNs, &c.ExpiresAtNs); err != nil {
			return nil, err
		}
		c.Kind = model.Kind(kind)
		result = append(result, c)
	}
	return result, rows.Err()
}

// appendExcludeSQL appends an "id NOT IN (...)" clause for session-local
// exclusion ids. No-op for an empty list.
func appendExcludeSQL(where *[]string, args *[]any, excludeIDs []int64) {
	if len(excludeIDs) == 0 {
		return
	}
	placeholders := make([]string, len(excludeIDs))
	for i, id := range excludeIDs {
		placeholders[i] = "?"
		*args = append(*args, id)
	}
	*where = append(*where, "id NOT IN ("+strings.Join(placeholders, ",")+")")
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func errNotConnected(err error) error {
	if errors.Is(err, sql.ErrConnDone) {
		return ErrNotConnected
	}
	return err
}
