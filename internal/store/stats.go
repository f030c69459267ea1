package store

import (
	"fmt"
	"time"

	"github.com/stagecrew/roster/internal/model"
)

// StatsSnapshot is a point-in-time count of resources per kind per status,
// plus the number of live allocation locks per kind.
type StatsSnapshot struct {
	Counts     map[model.Kind]model.StatusCounts `json:"counts"`
	LiveClaims map[model.Kind]int                `json:"live_claims"`
	TakenAtNs  int64                             `json:"taken_at_ns"`
}

const statsCacheKey = "stats"

// Stats aggregates status counts across all kinds. Results may be served
// from a short-TTL cache; pass through Store.Options.StatsTTL=0 to always
// hit the database.
func (s *Store) Stats() (StatsSnapshot, error) {
	if s.statsTTL > 0 {
		if snap, ok := s.statsCache.Get(statsCacheKey); ok {
			return snap, nil
		}
	}

	now := time.Now()
	snap := StatsSnapshot{
		Counts:     make(map[model.Kind]model.StatusCounts, len(model.AllKinds)),
		LiveClaims: make(map[model.Kind]int, len(model.AllKinds)),
		TakenAtNs:  now.UnixNano(),
	}

	for _, kind := range model.AllKinds {
		counts, err := s.statusCounts(kind.Table())
		if err != nil {
			return StatsSnapshot{}, err
		}
		snap.Counts[kind] = counts
	}

	rows, err := s.db.Query("SELECT kind, COUNT(*) FROM claims WHERE expires_at_ns > ? GROUP BY kind", now.UnixNano())
	if err != nil {
		return StatsSnapshot{}, fmt.Errorf("stats: live claims: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return StatsSnapshot{}, err
		}
		snap.LiveClaims[model.Kind(kind)] = n
	}
	if err := rows.Err(); err != nil {
		return StatsSnapshot{}, err
	}

	if s.statsTTL > 0 {
		s.statsCache.Set(statsCacheKey, snap)
	}
	return snap, nil
}

func (s *Store) statusCounts(table string) (model.StatusCounts, error) {
	rows, err := s.db.Query(fmt.Sprintf("SELECT status, COUNT(*) FROM %s GROUP BY status", table))
	if err != nil {
		return nil, fmt.Errorf("stats: %s: %w", table, err)
	}
	defer rows.Close()

	counts := make(model.StatusCounts)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[model.Status(status)] = n
	}
	return counts, rows.Err()
}
