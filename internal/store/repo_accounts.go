package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stagecrew/roster/internal/model"
)

// AccountRepo provides claim and lifecycle operations for the accounts table.
type AccountRepo struct {
	s *Store
}

// AccountFilter constrains account claim queries. Zero values mean
// "no constraint".
type AccountFilter struct {
	// Tags requires every listed tag to be present on the account.
	Tags []string
	// MinPriority excludes accounts below this priority.
	MinPriority int
}

const accountCols = `id, username, password, tags_json, linked_card_id, linked_proxy_id,
	priority, credential_score, usage_count, status, cooldown_until_ns,
	last_used_at_ns, hash, created_at_ns, updated_at_ns`

// ClaimNext atomically selects the best-ranked eligible account and takes an
// allocation lock on it. The account's persistent status is not changed;
// only an outcome report does that.
func (r *AccountRepo) ClaimNext(sessionID string, f AccountFilter, excludeIDs []int64) (*model.Account, error) {
	now := time.Now().UnixNano()
	where := []string{eligibleSQL, unclaimedSQL}
	args := []any{now, string(model.KindAccount), now}

	if f.MinPriority > 0 {
		where = append(where, "priority >= ?")
		args = append(args, f.MinPriority)
	}
	for _, tag := range f.Tags {
		where = append(where, "tags_json LIKE ?")
		args = append(args, `%"`+tag+`"%`)
	}
	appendExcludeSQL(&where, &args, excludeIDs)

	query := "SELECT " + accountCols + " FROM accounts WHERE " + strings.Join(where, " AND ") +
		" ORDER BY priority DESC, usage_count ASC, last_used_at_ns ASC, id ASC LIMIT 1"

	var a model.Account
	err := r.s.claimNext(model.KindAccount, sessionID, query, args, func(row rowScanner) (int64, error) {
		if err := scanAccount(row, &a); err != nil {
			return 0, err
		}
		return a.ID, nil
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetByID returns an account by id. Used for account-linked card/proxy
// resolution; takes no allocation lock.
func (r *AccountRepo) GetByID(id int64) (*model.Account, error) {
	row := r.s.db.QueryRow("SELECT "+accountCols+" FROM accounts WHERE id = ?", id)
	var a model.Account
	if err := scanAccount(row, &a); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("account id=%d: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return &a, nil
}

// ReportOutcome releases the account's allocation lock and applies the
// outcome's status transition. Idempotent: a repeated report finds no claim
// row and skips usage accounting. Terminal statuses are never overwritten.
func (r *AccountRepo) ReportOutcome(id int64, outcome model.Outcome, detail string) error {
	next := func(model.Status) model.Status {
		switch outcome {
		case model.OutcomeSuccess:
			return model.StatusUsed
		case model.OutcomeBanned:
			return model.StatusBanned
		default:
			// Ordinary failure: the account re-enters rotation.
			return model.StatusActive
		}
	}
	return r.s.reportOutcome(model.KindAccount, "accounts", id, next)
}

// SetCooldown releases the allocation lock and parks the account until the
// given time.
func (r *AccountRepo) SetCooldown(id int64, until time.Time) error {
	return r.s.setCooldown(model.KindAccount, "accounts", id, until)
}

// Reset administratively returns an account to active, clearing cooldown.
// The only sanctioned way out of a terminal status.
func (r *AccountRepo) Reset(id int64) error {
	return r.s.resetResource(model.KindAccount, "accounts", id)
}

// BulkCreate inserts accounts, deduplicating on content hash. Returns the
// number of rows actually inserted. Exempt from claim locking.
func (r *AccountRepo) BulkCreate(accounts []model.Account) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	tx, err := r.s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("bulk create accounts: begin: %w", errNotConnected(err))
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO accounts (
		username, password, tags_json, linked_card_id, linked_proxy_id,
		priority, credential_score, usage_count, status, cooldown_until_ns,
		last_used_at_ns, hash, created_at_ns, updated_at_ns
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return 0, fmt.Errorf("bulk create accounts: prepare: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UnixNano()
	inserted := 0
	for i := range accounts {
		a := &accounts[i]
		if a.Status == "" {
			a.Status = model.StatusActive
		}
		if a.Hash == "" {
			a.Hash = HashAccount(a.Username)
		}
		tags, err := json.Marshal(emptyIfNil(a.Tags))
		if err != nil {
			return 0, fmt.Errorf("bulk create accounts: marshal tags: %w", err)
		}
		res, err := stmt.Exec(a.Username, a.Password, string(tags), a.LinkedCardID, a.LinkedProxyID,
			a.Priority, a.CredentialScore, a.UsageCount, string(a.Status), a.CooldownUntilNs,
			a.LastUsedAtNs, a.Hash, now, now)
		if err != nil {
			return 0, fmt.Errorf("bulk create accounts: insert: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("bulk create accounts: commit: %w", err)
	}
	return inserted, nil
}

func scanAccount(row rowScanner, a *model.Account) error {
	var tagsJSON, status string
	if err := row.Scan(&a.ID, &a.Username, &a.Password, &tagsJSON, &a.LinkedCardID, &a.LinkedProxyID,
		&a.Priority, &a.CredentialScore, &a.UsageCount, &status, &a.CooldownUntilNs,
		&a.LastUsedAtNs, &a.Hash, &a.CreatedAtNs, &a.UpdatedAtNs); err != nil {
		return err
	}
	a.Status = model.Status(status)
	if err := json.Unmarshal([]byte(tagsJSON), &a.Tags); err != nil {
		a.Tags = nil
	}
	return nil
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
