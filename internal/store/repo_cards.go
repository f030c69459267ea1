package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stagecrew/roster/internal/model"
)

// CardRepo provides claim and lifecycle operations for the cards table.
type CardRepo struct {
	s *Store
}

// CardFilter constrains card claim queries. Zero values mean "no constraint".
type CardFilter struct {
	CardType        string
	MinBalanceCents int64
}

const cardCols = `id, number, exp_month, exp_year, cvv, holder, card_type,
	billing_address, billing_zip, balance_cents, usage_count, max_usage,
	priority, status, cooldown_until_ns, last_used_at_ns, hash,
	created_at_ns, updated_at_ns`

// ClaimNext atomically selects the best-ranked eligible card and takes an
// allocation lock on it. Cards at their usage budget are never offered.
func (r *CardRepo) ClaimNext(sessionID string, f CardFilter, excludeIDs []int64) (*model.Card, error) {
	now := time.Now().UnixNano()
	where := []string{eligibleSQL, unclaimedSQL, "(max_usage = 0 OR usage_count < max_usage)"}
	args := []any{now, string(model.KindCard), now}

	if f.CardType != "" {
		where = append(where, "card_type = ?")
		args = append(args, f.CardType)
	}
	if f.MinBalanceCents > 0 {
		where = append(where, "balance_cents >= ?")
		args = append(args, f.MinBalanceCents)
	}
	appendExcludeSQL(&where, &args, excludeIDs)

	query := "SELECT " + cardCols + " FROM cards WHERE " + strings.Join(where, " AND ") +
		" ORDER BY priority DESC, usage_count ASC, last_used_at_ns ASC, id ASC LIMIT 1"

	var c model.Card
	err := r.s.claimNext(model.KindCard, sessionID, query, args, func(row rowScanner) (int64, error) {
		if err := scanCard(row, &c); err != nil {
			return 0, err
		}
		return c.ID, nil
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetByID returns a card by id without taking an allocation lock.
func (r *CardRepo) GetByID(id int64) (*model.Card, error) {
	row := r.s.db.QueryRow("SELECT "+cardCols+" FROM cards WHERE id = ?", id)
	var c model.Card
	if err := scanCard(row, &c); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("card id=%d: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return &c, nil
}

// ReportOutcome releases the card's allocation lock and applies the outcome.
// A successful use that exhausts max_usage retires the card to used.
func (r *CardRepo) ReportOutcome(id int64, outcome model.Outcome, detail string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	tx, err := r.s.db.Begin()
	if err != nil {
		return fmt.Errorf("report outcome card id=%d: begin: %w", id, errNotConnected(err))
	}
	defer tx.Rollback() //nolint:errcheck

	released, err := releaseClaim(tx, model.KindCard, id)
	if err != nil {
		return err
	}

	var status string
	var usage, maxUsage int
	err = tx.QueryRow("SELECT status, usage_count, max_usage FROM cards WHERE id = ?", id).
		Scan(&status, &usage, &maxUsage)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("report outcome card id=%d: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("report outcome card id=%d: %w", id, err)
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
		if maxUsage > 0 && nextUsage >= maxUsage {
			next = model.StatusUsed
		} else {
			next = model.StatusActive
		}
	case model.OutcomeDeclined:
		next = model.StatusDeclined
	case model.OutcomeExpired:
		next = model.StatusExpired
	default:
		next = model.StatusActive
	}

	now := time.Now().UnixNano()
	cooldownReset := ""
	if next == model.StatusActive {
		cooldownReset = ", cooldown_until_ns = 0"
	}
	if released {
		_, err = tx.Exec(`UPDATE cards SET status = ?, usage_count = ?, last_used_at_ns = ?, updated_at_ns = ?`+cooldownReset+` WHERE id = ?`,
			string(next), nextUsage, now, now, id)
	} else {
		_, err = tx.Exec(`UPDATE cards SET status = ?, updated_at_ns = ?`+cooldownReset+` WHERE id = ?`,
			string(next), now, id)
	}
	if err != nil {
		return fmt.Errorf("report outcome card id=%d: update: %w", id, err)
	}
	return tx.Commit()
}

// SetCooldown releases the allocation lock and parks the card until the
// given time.
func (r *CardRepo) SetCooldown(id int64, until time.Time) error {
	return r.s.setCooldown(model.KindCard, "cards", id, until)
}

// Reset administratively returns a card to active.
func (r *CardRepo) Reset(id int64) error {
	return r.s.resetResource(model.KindCard, "cards", id)
}

// ExpireCards marks active cards whose expiry date has passed. Returns the
// number of cards retired. Run from the retention sweep.
func (r *CardRepo) ExpireCards(now time.Time) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	res, err := r.s.db.Exec(`UPDATE cards SET status = ?, updated_at_ns = ?
		WHERE status IN ('active', 'cooldown')
		  AND (exp_year < ? OR (exp_year = ? AND exp_month < ?))`,
		string(model.StatusExpired), now.UnixNano(), now.Year(), now.Year(), int(now.Month()))
	if err != nil {
		return 0, fmt.Errorf("expire cards: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// BulkCreate inserts cards, deduplicating on content hash.
func (r *CardRepo) BulkCreate(cards []model.Card) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	tx, err := r.s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("bulk create cards: begin: %w", errNotConnected(err))
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO cards (
		number, exp_month, exp_year, cvv, holder, card_type, billing_address,
		billing_zip, balance_cents, usage_count, max_usage, priority, status,
		cooldown_until_ns, last_used_at_ns, hash, created_at_ns, updated_at_ns
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return 0, fmt.Errorf("bulk create cards: prepare: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UnixNano()
	inserted := 0
	for i := range cards {
		c := &cards[i]
		if c.Status == "" {
			c.Status = model.StatusActive
		}
		if c.Hash == "" {
			c.Hash = HashCard(c.Number, c.ExpMonth, c.ExpYear)
		}
		res, err := stmt.Exec(c.Number, c.ExpMonth, c.ExpYear, c.CVV, c.Holder, c.CardType,
			c.BillingAddress, c.BillingZip, c.BalanceCents, c.UsageCount, c.MaxUsage,
			c.Priority, string(c.Status), c.CooldownUntilNs, c.LastUsedAtNs, c.Hash, now, now)
		if err != nil {
			return 0, fmt.Errorf("bulk create cards: insert: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("bulk create cards: commit: %w", err)
	}
	return inserted, nil
}

func scanCard(row rowScanner, c *model.Card) error {
	var status string
	if err := row.Scan(&c.ID, &c.Number, &c.ExpMonth, &c.ExpYear, &c.CVV, &c.Holder, &c.CardType,
		&c.BillingAddress, &c.BillingZip, &c.BalanceCents, &c.UsageCount, &c.MaxUsage,
		&c.Priority, &status, &c.CooldownUntilNs, &c.LastUsedAtNs, &c.Hash,
		&c.CreatedAtNs, &c.UpdatedAtNs); err != nil {
		return err
	}
	c.Status = model.Status(status)
	return nil
}
