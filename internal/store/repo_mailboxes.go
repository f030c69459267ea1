package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stagecrew/roster/internal/model"
)

// MailboxRepo provides claim and lifecycle operations for the emails table.
type MailboxRepo struct {
	s *Store
}

// MailboxFilter constrains mailbox claim queries. Zero values mean
// "no constraint".
type MailboxFilter struct {
	Provider     string
	VerifiedOnly bool
}

const mailboxCols = `id, address, password, provider, verified, imap_host,
	imap_port, smtp_host, smtp_port, usage_count, status, cooldown_until_ns,
	last_used_at_ns, hash, created_at_ns, updated_at_ns`

// ClaimNext atomically selects the best-ranked eligible mailbox and takes an
// allocation lock on it.
func (r *MailboxRepo) ClaimNext(sessionID string, f MailboxFilter, excludeIDs []int64) (*model.Mailbox, error) {
	now := time.Now().UnixNano()
	where := []string{eligibleSQL, unclaimedSQL}
	args := []any{now, string(model.KindMailbox), now}

	if f.Provider != "" {
		where = append(where, "provider = ?")
		args = append(args, f.Provider)
	}
	if f.VerifiedOnly {
		where = append(where, "verified = 1")
	}
	appendExcludeSQL(&where, &args, excludeIDs)

	query := "SELECT " + mailboxCols + " FROM emails WHERE " + strings.Join(where, " AND ") +
		" ORDER BY verified DESC, usage_count ASC, last_used_at_ns ASC, id ASC LIMIT 1"

	var m model.Mailbox
	err := r.s.claimNext(model.KindMailbox, sessionID, query, args, func(row rowScanner) (int64, error) {
		if err := scanMailbox(row, &m); err != nil {
			return 0, err
		}
		return m.ID, nil
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetByID returns a mailbox by id without taking an allocation lock.
func (r *MailboxRepo) GetByID(id int64) (*model.Mailbox, error) {
	row := r.s.db.QueryRow("SELECT "+mailboxCols+" FROM emails WHERE id = ?", id)
	var m model.Mailbox
	if err := scanMailbox(row, &m); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("mailbox id=%d: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return &m, nil
}

// ReportOutcome releases the mailbox's allocation lock and applies the
// outcome. A banned mailbox (provider locked it out) is retired for good.
func (r *MailboxRepo) ReportOutcome(id int64, outcome model.Outcome, detail string) error {
	next := func(model.Status) model.Status {
		switch outcome {
		case model.OutcomeSuccess:
			return model.StatusUsed
		case model.OutcomeBanned:
			return model.StatusDead
		default:
			return model.StatusActive
		}
	}
	return r.s.reportOutcome(model.KindMailbox, "emails", id, next)
}

// SetCooldown releases the allocation lock and parks the mailbox until the
// given time.
func (r *MailboxRepo) SetCooldown(id int64, until time.Time) error {
	return r.s.setCooldown(model.KindMailbox, "emails", id, until)
}

// Reset administratively returns a mailbox to active.
func (r *MailboxRepo) Reset(id int64) error {
	return r.s.resetResource(model.KindMailbox, "emails", id)
}

// MarkVerified flags a mailbox as having passed inbox verification.
func (r *MailboxRepo) MarkVerified(id int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	res, err := r.s.db.Exec("UPDATE emails SET verified = 1, updated_at_ns = ? WHERE id = ?",
		time.Now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("verify mailbox id=%d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("verify mailbox id=%d: %w", id, ErrNotFound)
	}
	return nil
}

// BulkCreate inserts mailboxes, deduplicating on content hash.
func (r *MailboxRepo) BulkCreate(mailboxes []model.Mailbox) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	tx, err := r.s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("bulk create mailboxes: begin: %w", errNotConnected(err))
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO emails (
		address, password, provider, verified, imap_host, imap_port,
		smtp_host, smtp_port, usage_count, status, cooldown_until_ns,
		last_used_at_ns, hash, created_at_ns, updated_at_ns
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return 0, fmt.Errorf("bulk create mailboxes: prepare: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UnixNano()
	inserted := 0
	for i := range mailboxes {
		m := &mailboxes[i]
		if m.Status == "" {
			m.Status = model.StatusActive
		}
		if m.Hash == "" {
			m.Hash = HashMailbox(m.Address)
		}
		res, err := stmt.Exec(m.Address, m.Password, m.Provider, boolToInt(m.Verified),
			m.IMAPHost, m.IMAPPort, m.SMTPHost, m.SMTPPort, m.UsageCount,
			string(m.Status), m.CooldownUntilNs, m.LastUsedAtNs, m.Hash, now, now)
		if err != nil {
			return 0, fmt.Errorf("bulk create mailboxes: insert: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("bulk create mailboxes: commit: %w", err)
	}
	return inserted, nil
}

func scanMailbox(row rowScanner, m *model.Mailbox) error {
	var status string
	var verified int
	if err := row.Scan(&m.ID, &m.Address, &m.Password, &m.Provider, &verified, &m.IMAPHost,
		&m.IMAPPort, &m.SMTPHost, &m.SMTPPort, &m.UsageCount, &status,
		&m.CooldownUntilNs, &m.LastUsedAtNs, &m.Hash, &m.CreatedAtNs, &m.UpdatedAtNs); err != nil {
		return err
	}
	m.Status = model.Status(status)
	m.Verified = verified != 0
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
