package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stagecrew/roster/internal/model"
)

// ProxyRepo provides claim, lifecycle, and health operations for the
// proxies table.
type ProxyRepo struct {
	s *Store
}

// ProxyFilter constrains proxy claim queries. Zero values mean
// "no constraint".
type ProxyFilter struct {
	Protocol      string
	Country       string
	RotationGroup string
}

const proxyCols = `id, host, port, protocol, username, password, country,
	rotation_group, fail_count, success_count, consecutive_fail,
	response_time_ms, usage_count, status, cooldown_until_ns,
	last_used_at_ns, expires_at_ns, hash, created_at_ns, updated_at_ns`

// ClaimNext atomically selects the best-ranked eligible proxy and takes an
// allocation lock on it. Proxies have no operator priority; observed latency
// plays that role: least-used first, then fastest measured, unmeasured last.
func (r *ProxyRepo) ClaimNext(sessionID string, f ProxyFilter, excludeIDs []int64) (*model.Proxy, error) {
	now := time.Now().UnixNano()
	where := []string{eligibleSQL, unclaimedSQL, "(expires_at_ns = 0 OR expires_at_ns > ?)"}
	args := []any{now, string(model.KindProxy), now, now}

	if f.Protocol != "" {
		where = append(where, "protocol = ?")
		args = append(args, f.Protocol)
	}
	if f.Country != "" {
		where = append(where, "country = ?")
		args = append(args, f.Country)
	}
	if f.RotationGroup != "" {
		where = append(where, "rotation_group = ?")
		args = append(args, f.RotationGroup)
	}
	appendExcludeSQL(&where, &args, excludeIDs)

	query := "SELECT " + proxyCols + " FROM proxies WHERE " + strings.Join(where, " AND ") +
		` ORDER BY usage_count ASC,
			CASE WHEN response_time_ms = 0 THEN 9223372036854775807 ELSE response_time_ms END ASC,
			last_used_at_ns ASC, id ASC LIMIT 1`

	var p model.Proxy
	err := r.s.claimNext(model.KindProxy, sessionID, query, args, func(row rowScanner) (int64, error) {
		if err := scanProxy(row, &p); err != nil {
			return 0, err
		}
		return p.ID, nil
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetByID returns a proxy by id without taking an allocation lock.
func (r *ProxyRepo) GetByID(id int64) (*model.Proxy, error) {
	row := r.s.db.QueryRow("SELECT "+proxyCols+" FROM proxies WHERE id = ?", id)
	var p model.Proxy
	if err := scanProxy(row, &p); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("proxy id=%d: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return &p, nil
}

// ReportOutcome releases the proxy's allocation lock. Ordinary failure does
// not retire a proxy; accumulated failures do, via ReportFailure/MarkDead.
func (r *ProxyRepo) ReportOutcome(id int64, outcome model.Outcome, detail string) error {
	next := func(model.Status) model.Status {
		switch outcome {
		case model.OutcomeExpired:
			return model.StatusExpired
		default:
			return model.StatusActive
		}
	}
	return r.s.reportOutcome(model.KindProxy, "proxies", id, next)
}

// ReportSuccess records a successful use: resets the consecutive-failure
// streak, bumps the lifetime success count, and stores the freshest latency
// sample when one was observed. The allocation lock is kept; a sticky
// session continues using the proxy.
func (r *ProxyRepo) ReportSuccess(id int64, responseTime time.Duration) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	set := "success_count = success_count + 1, consecutive_fail = 0, updated_at_ns = ?"
	args := []any{time.Now().UnixNano()}
	if responseTime > 0 {
		set += ", response_time_ms = ?"
		args = append(args, responseTime.Milliseconds())
	}
	args = append(args, id)

	res, err := r.s.db.Exec("UPDATE proxies SET "+set+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("proxy success id=%d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("proxy success id=%d: %w", id, ErrNotFound)
	}
	return nil
}

// ReportFailure increments both the lifetime and the consecutive failure
// counters and returns the new consecutive count so the caller can decide
// on rotation or retirement. The allocation lock is kept.
func (r *ProxyRepo) ReportFailure(id int64) (consecutive int, err error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	tx, err := r.s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("proxy failure id=%d: begin: %w", id, errNotConnected(err))
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.Exec(`UPDATE proxies SET fail_count = fail_count + 1,
		consecutive_fail = consecutive_fail + 1, updated_at_ns = ? WHERE id = ?`,
		time.Now().UnixNano(), id)
	if err != nil {
		return 0, fmt.Errorf("proxy failure id=%d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, fmt.Errorf("proxy failure id=%d: %w", id, ErrNotFound)
	}

	if err := tx.QueryRow("SELECT consecutive_fail FROM proxies WHERE id = ?", id).Scan(&consecutive); err != nil {
		return 0, fmt.Errorf("proxy failure id=%d: read count: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return consecutive, nil
}

// MarkDead permanently retires a proxy and releases any claim on it.
func (r *ProxyRepo) MarkDead(id int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	tx, err := r.s.db.Begin()
	if err != nil {
		return fmt.Errorf("proxy dead id=%d: begin: %w", id, errNotConnected(err))
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := releaseClaim(tx, model.KindProxy, id); err != nil {
		return err
	}
	res, err := tx.Exec(`UPDATE proxies SET status = ?, updated_at_ns = ? WHERE id = ?`,
		string(model.StatusDead), time.Now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("proxy dead id=%d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("proxy dead id=%d: %w", id, ErrNotFound)
	}
	return tx.Commit()
}

// SetCooldown releases the allocation lock and parks the proxy until the
// given time.
func (r *ProxyRepo) SetCooldown(id int64, until time.Time) error {
	return r.s.setCooldown(model.KindProxy, "proxies", id, until)
}

// Reset administratively returns a proxy to active and clears its failure
// streak.
func (r *ProxyRepo) Reset(id int64) error {
	if err := r.s.resetResource(model.KindProxy, "proxies", id); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	_, err := r.s.db.Exec("UPDATE proxies SET consecutive_fail = 0 WHERE id = ?", id)
	return err
}

// ListActive returns non-terminal proxies for background health probing,
// least-recently-updated first so stale health data gets refreshed soonest.
// limit <= 0 means no limit.
func (r *ProxyRepo) ListActive(limit int) ([]model.Proxy, error) {
	query := "SELECT " + proxyCols + ` FROM proxies
		WHERE status IN ('active', 'cooldown') ORDER BY updated_at_ns ASC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list active proxies: %w", errNotConnected(err))
	}
	defer rows.Close()

	var out []model.Proxy
	for rows.Next() {
		var p model.Proxy
		if err := scanProxy(rows, &p); err != nil {
			return nil, fmt.Errorf("list active proxies: scan: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// BulkCreate inserts proxies, deduplicating on content hash.
func (r *ProxyRepo) BulkCreate(proxies []model.Proxy) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	tx, err := r.s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("bulk create proxies: begin: %w", errNotConnected(err))
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO proxies (
		host, port, protocol, username, password, country, rotation_group,
		fail_count, success_count, consecutive_fail, response_time_ms,
		usage_count, status, cooldown_until_ns, last_used_at_ns, expires_at_ns,
		hash, created_at_ns, updated_at_ns
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return 0, fmt.Errorf("bulk create proxies: prepare: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UnixNano()
	inserted := 0
	for i := range proxies {
		p := &proxies[i]
		if p.Status == "" {
			p.Status = model.StatusActive
		}
		if p.Protocol == "" {
			p.Protocol = "http"
		}
		if p.Hash == "" {
			p.Hash = HashProxy(p.Protocol, p.Host, p.Port)
		}
		res, err := stmt.Exec(p.Host, p.Port, p.Protocol, p.Username, p.Password, p.Country,
			p.RotationGroup, p.FailCount, p.SuccessCount, p.ConsecutiveFail, p.ResponseTimeMs,
			p.UsageCount, string(p.Status), p.CooldownUntilNs, p.LastUsedAtNs, p.ExpiresAtNs,
			p.Hash, now, now)
		if err != nil {
			return 0, fmt.Errorf("bulk create proxies: insert: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("bulk create proxies: commit: %w", err)
	}
	return inserted, nil
}

func scanProxy(row rowScanner, p *model.Proxy) error {
	var status string
	if err := row.Scan(&p.ID, &p.Host, &p.Port, &p.Protocol, &p.Username, &p.Password, &p.Country,
		&p.RotationGroup, &p.FailCount, &p.SuccessCount, &p.ConsecutiveFail,
		&p.ResponseTimeMs, &p.UsageCount, &status, &p.CooldownUntilNs,
		&p.LastUsedAtNs, &p.ExpiresAtNs, &p.Hash, &p.CreatedAtNs, &p.UpdatedAtNs); err != nil {
		return err
	}
	p.Status = model.Status(status)
	return nil
}
