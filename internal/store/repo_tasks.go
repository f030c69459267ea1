package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stagecrew/roster/internal/model"
)

// TaskRepo provides claim and lifecycle operations for the tasks table.
type TaskRepo struct {
	s *Store
}

// TaskFilter constrains task claim queries. Zero values mean "no constraint".
type TaskFilter struct {
	Type        string
	MinPriority int
}

const taskCols = `id, type, payload_json, priority, max_attempts, usage_count,
	status, cooldown_until_ns, last_used_at_ns, hash, created_at_ns,
	updated_at_ns`

// ClaimNext atomically selects the best-ranked eligible task and takes an
// allocation lock on it. Tasks whose attempt budget is spent are never
// offered.
func (r *TaskRepo) ClaimNext(sessionID string, f TaskFilter, excludeIDs []int64) (*model.Task, error) {
	now := time.Now().UnixNano()
	where := []string{eligibleSQL, unclaimedSQL, "(max_attempts = 0 OR usage_count < max_attempts)"}
	args := []any{now, string(model.KindTask), now}

	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, f.Type)
	}
	if f.MinPriority > 0 {
		where = append(where, "priority >= ?")
		args = append(args, f.MinPriority)
	}
	appendExcludeSQL(&where, &args, excludeIDs)

	query := "SELECT " + taskCols + " FROM tasks WHERE " + strings.Join(where, " AND ") +
		" ORDER BY priority DESC, usage_count ASC, last_used_at_ns ASC, id ASC LIMIT 1"

	var t model.Task
	err := r.s.claimNext(model.KindTask, sessionID, query, args, func(row rowScanner) (int64, error) {
		if err := scanTask(row, &t); err != nil {
			return 0, err
		}
		return t.ID, nil
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetByID returns a task by id without taking an allocation lock.
func (r *TaskRepo) GetByID(id int64) (*model.Task, error) {
	row := r.s.db.QueryRow("SELECT "+taskCols+" FROM tasks WHERE id = ?", id)
	var t model.Task
	if err := scanTask(row, &t); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task id=%d: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return &t, nil
}

// ReportOutcome releases the task's allocation lock and applies the outcome.
// Success completes the task; a failed attempt puts it back in rotation
// unless it was the last allowed attempt, which retires the task.
func (r *TaskRepo) ReportOutcome(id int64, outcome model.Outcome, detail string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	tx, err := r.s.db.Begin()
	if err != nil {
		return fmt.Errorf("report outcome task id=%d: begin: %w", id, errNotConnected(err))
	}
	defer tx.Rollback() //nolint:errcheck

	released, err := releaseClaim(tx, model.KindTask, id)
	if err != nil {
		return err
	}

	var status string
	var usage, maxAttempts int
	err = tx.QueryRow("SELECT status, usage_count, max_attempts FROM tasks WHERE id = ?", id).
		Scan(&status, &usage, &maxAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("report outcome task id=%d: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("report outcome task id=%d: %w", id, err)
	}
	if model.Status(status).IsTerminal() {
		return tx.Commit()
	}

	nextUsage := usage
	if released {
		nextUsage++
	}
	var next model.Status
	switch outcome {
	case model.OutcomeSuccess:
		next = model.StatusUsed
	case model.OutcomeExpired:
		next = model.StatusExpired
	default:
		if maxAttempts > 0 && nextUsage >= maxAttempts {
			next = model.StatusDead
		} else {
			next = model.StatusActive
		}
	}

	now := time.Now().UnixNano()
	cooldownReset := ""
	if next == model.StatusActive {
		cooldownReset = ", cooldown_until_ns = 0"
	}
	if released {
		_, err = tx.Exec(`UPDATE tasks SET status = ?, usage_count = ?, last_used_at_ns = ?, updated_at_ns = ?`+cooldownReset+` WHERE id = ?`,
			string(next), nextUsage, now, now, id)
	} else {
		_, err = tx.Exec(`UPDATE tasks SET status = ?, updated_at_ns = ?`+cooldownReset+` WHERE id = ?`,
			string(next), now, id)
	}
	if err != nil {
		return fmt.Errorf("report outcome task id=%d: update: %w", id, err)
	}
	return tx.Commit()
}

// SetCooldown releases the allocation lock and parks the task until the
// given time.
func (r *TaskRepo) SetCooldown(id int64, until time.Time) error {
	return r.s.setCooldown(model.KindTask, "tasks", id, until)
}

// Reset administratively returns a task to active.
func (r *TaskRepo) Reset(id int64) error {
	return r.s.resetResource(model.KindTask, "tasks", id)
}

// BulkCreate inserts tasks, deduplicating on content hash.
func (r *TaskRepo) BulkCreate(tasks []model.Task) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	tx, err := r.s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("bulk create tasks: begin: %w", errNotConnected(err))
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO tasks (
		type, payload_json, priority, max_attempts, usage_count, status,
		cooldown_until_ns, last_used_at_ns, hash, created_at_ns, updated_at_ns
	) VALUES (?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return 0, fmt.Errorf("bulk create tasks: prepare: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UnixNano()
	inserted := 0
	for i := range tasks {
		t := &tasks[i]
		if t.Status == "" {
			t.Status = model.StatusActive
		}
		if t.PayloadJSON == "" {
			t.PayloadJSON = "{}"
		}
		if t.Hash == "" {
			t.Hash = HashTask(t.Type, t.PayloadJSON)
		}
		res, err := stmt.Exec(t.Type, t.PayloadJSON, t.Priority, t.MaxAttempts,
			t.UsageCount, string(t.Status), t.CooldownUntilNs, t.LastUsedAtNs,
			t.Hash, now, now)
		if err != nil {
			return 0, fmt.Errorf("bulk create tasks: insert: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("bulk create tasks: commit: %w", err)
	}
	return inserted, nil
}

func scanTask(row rowScanner, t *model.Task) error {
	var status string
	if err := row.Scan(&t.ID, &t.Type, &t.PayloadJSON, &t.Priority, &t.MaxAttempts,
		&t.UsageCount, &status, &t.CooldownUntilNs, &t.LastUsedAtNs, &t.Hash,
		&t.CreatedAtNs, &t.UpdatedAtNs); err != nil {
		return err
	}
	t.Status = model.Status(status)
	return nil
}
