package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/stagecrew/roster/internal/model"
)

// reportOutcome is the shared outcome transaction: release the claim row,
// then apply the kind-specific status transition computed by next.
//
// Guarantees:
//   - terminal statuses are never overwritten (monotonic terminal states);
//   - usage_count and last_used_at move only when a claim row was actually
//     released, i.e. exactly once per claim-to-outcome cycle;
//   - re-reporting the same outcome is a safe no-op apart from the
//     idempotent status write.
func (s *Store) reportOutcome(kind model.Kind, table string, id int64, next func(model.Status) model.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("report outcome %s id=%d: begin: %w", kind, id, errNotConnected(err))
	}
	defer tx.Rollback() //nolint:errcheck

	released, err := releaseClaim(tx, kind, id)
	if err != nil {
		return err
	}

	cur, err := currentStatus(tx, table, id)
	if err != nil {
		return fmt.Errorf("report outcome %s id=%d: %w", kind, id, err)
	}

	now := time.Now().UnixNano()
	if cur.IsTerminal() {
		// Drop the claim but leave the row alone.
		return tx.Commit()
	}

	nextStatus := next(cur)
	cooldownReset := ""
	if nextStatus == model.StatusActive {
		cooldownReset = ", cooldown_until_ns = 0"
	}

	if released {
		_, err = tx.Exec(fmt.Sprintf(`UPDATE %s SET status = ?, usage_count = usage_count + 1,
			last_used_at_ns = ?, updated_at_ns = ?%s WHERE id = ?`, table, cooldownReset),
			string(nextStatus), now, now, id)
	} else {
		_, err = tx.Exec(fmt.Sprintf(`UPDATE %s SET status = ?, updated_at_ns = ?%s WHERE id = ?`, table, cooldownReset),
			string(nextStatus), now, id)
	}
	if err != nil {
		return fmt.Errorf("report outcome %s id=%d: update: %w", kind, id, err)
	}

	return tx.Commit()
}

// setCooldown releases any claim on the resource and parks it until the
// given time. Terminal rows are left untouched.
func (s *Store) setCooldown(kind model.Kind, table string, id int64, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("set cooldown %s id=%d: begin: %w", kind, id, errNotConnected(err))
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := releaseClaim(tx, kind, id); err != nil {
		return err
	}

	cur, err := currentStatus(tx, table, id)
	if err != nil {
		return fmt.Errorf("set cooldown %s id=%d: %w", kind, id, err)
	}
	if cur.IsTerminal() {
		return tx.Commit()
	}

	now := time.Now().UnixNano()
	_, err = tx.Exec(fmt.Sprintf(`UPDATE %s SET status = ?, cooldown_until_ns = ?, updated_at_ns = ? WHERE id = ?`, table),
		string(model.StatusCooldown), until.UnixNano(), now, id)
	if err != nil {
		return fmt.Errorf("set cooldown %s id=%d: update: %w", kind, id, err)
	}
	return tx.Commit()
}

// resetResource is the explicit administrative reset: the only sanctioned
// path out of a terminal status. Clears cooldown and any claim.
func (s *Store) resetResource(kind model.Kind, table string, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("reset %s id=%d: begin: %w", kind, id, errNotConnected(err))
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := releaseClaim(tx, kind, id); err != nil {
		return err
	}

	now := time.Now().UnixNano()
	res, err := tx.Exec(fmt.Sprintf(`UPDATE %s SET status = ?, cooldown_until_ns = 0, updated_at_ns = ? WHERE id = ?`, table),
		string(model.StatusActive), now, id)
	if err != nil {
		return fmt.Errorf("reset %s id=%d: update: %w", kind, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("reset %s id=%d: %w", kind, id, ErrNotFound)
	}
	return tx.Commit()
}

func currentStatus(tx *sql.Tx, table string, id int64) (model.Status, error) {
	var status string
	err := tx.QueryRow(fmt.Sprintf("SELECT status FROM %s WHERE id = ?", table), id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return model.Status(status), nil
}
