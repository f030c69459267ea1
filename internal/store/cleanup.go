package store

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/stagecrew/roster/internal/model"
)

// terminalStatusesSQL is the quoted list of statuses eligible for retention
// deletion.
var terminalStatusesSQL = "'" + strings.Join([]string{
	string(model.StatusUsed),
	string(model.StatusBanned),
	string(model.StatusDeclined),
	string(model.StatusExpired),
	string(model.StatusDead),
}, "','") + "'"

// Cleanup deletes terminal-state rows whose last update is older than the
// retention window. Kinds left nil means all kinds. Returns the total number
// of rows removed. Never touches active, cooldown, or claimed rows.
func (s *Store) Cleanup(olderThan time.Duration, kinds []model.Kind) (int, error) {
	if len(kinds) == 0 {
		kinds = model.AllKinds
	}
	cutoff := time.Now().Add(-olderThan).UnixNano()

	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	for _, kind := range kinds {
		if !kind.IsValid() {
			return total, fmt.Errorf("cleanup: unknown kind %q", kind)
		}
		res, err := s.db.Exec(fmt.Sprintf(
			"DELETE FROM %s WHERE status IN (%s) AND updated_at_ns < ?",
			kind.Table(), terminalStatusesSQL), cutoff)
		if err != nil {
			return total, fmt.Errorf("cleanup %s: %w", kind, err)
		}
		n, _ := res.RowsAffected()
		if n > 0 {
			log.Printf("[store] cleanup removed %d terminal %s rows", n, kind)
		}
		total += int(n)
	}
	return total, nil
}
