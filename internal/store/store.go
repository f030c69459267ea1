// Package store implements the persistence layer: the SQLite-backed resource
// tables, per-kind claim repositories, stats aggregation, and retention
// cleanup.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/maypok86/otter"
	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// DefaultClaimTTL bounds how long an allocation lock survives without an
// outcome report before the watchdog may re-offer the resource.
const DefaultClaimTTL = 10 * time.Minute

// Options configures a Store.
type Options struct {
	// ClaimTTL is the expiry applied to new claim rows. Zero means
	// DefaultClaimTTL.
	ClaimTTL time.Duration

	// StatsTTL is how long aggregated status counts may be served from
	// cache. Zero disables caching.
	StatsTTL time.Duration
}

// Store wraps inventory.db and is the single source of truth for resources
// and claims. All writes are serialized by an internal mutex on top of a
// single-connection database handle, which makes every claim transaction
// linearizable with respect to other claims.
type Store struct {
	db *sql.DB
	mu sync.Mutex

	claimTTL time.Duration

	statsTTL   time.Duration
	statsCache otter.Cache[string, StatsSnapshot]
}

// Open opens (or creates) the inventory database in dir, applies pragmas and
// migrations, and returns a ready Store.
func Open(dir string, opts Options) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir %s: %w", dir, err)
	}
	db, err := OpenDB(filepath.Join(dir, "inventory.db"))
	if err != nil {
		return nil, err
	}
	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate inventory.db: %w", err)
	}
	return newStore(db, opts)
}

// newStore wires a Store around an already-migrated database handle.
func newStore(db *sql.DB, opts Options) (*Store, error) {
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = DefaultClaimTTL
	}
	s := &Store{
		db:       db,
		claimTTL: opts.ClaimTTL,
		statsTTL: opts.StatsTTL,
	}
	if opts.StatsTTL > 0 {
		cache, err := otter.MustBuilder[string, StatsSnapshot](16).
			Cost(func(_ string, _ StatsSnapshot) uint32 { return 1 }).
			WithTTL(opts.StatsTTL).
			Build()
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("build stats cache: %w", err)
		}
		s.statsCache = cache
	}
	return s, nil
}

// Close closes the database handle and releases the stats cache.
func (s *Store) Close() error {
	if s.statsTTL > 0 {
		s.statsCache.Close()
	}
	return s.db.Close()
}

// Accounts returns the account repository.
func (s *Store) Accounts() *AccountRepo { return &AccountRepo{s: s} }

// Cards returns the card repository.
func (s *Store) Cards() *CardRepo { return &CardRepo{s: s} }

// Proxies returns the proxy repository.
func (s *Store) Proxies() *ProxyRepo { return &ProxyRepo{s: s} }

// Mailboxes returns the mailbox repository.
func (s *Store) Mailboxes() *MailboxRepo { return &MailboxRepo{s: s} }

// Tasks returns the task repository.
func (s *Store) Tasks() *TaskRepo { return &TaskRepo{s: s} }

// OpenDB opens (or creates) a SQLite database at path with recommended
// pragmas: WAL journal mode, synchronous=NORMAL, foreign_keys=ON,
// busy_timeout=5000.
func OpenDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db %s: %w", path, err)
	}

	// Single-writer: only one connection needed.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q on %s: %w", p, path, err)
		}
	}

	return db, nil
}
