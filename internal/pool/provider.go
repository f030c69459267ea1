// Package pool wraps the store's per-kind repositories with session-local
// allocation state: already-claimed tracking, current-resource bookkeeping,
// manual lock/unlock pinning, and lifecycle event notification.
//
// Providers hold no durable state. Correctness under concurrency comes
// entirely from the store's atomic claim; the in-memory exclusion sets only
// prevent one allocator run from handing itself the same resource twice.
package pool

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/stagecrew/roster/internal/model"
)

// EventType classifies a provider lifecycle notification.
type EventType string

const (
	EventSelected EventType = "selected"
	EventSuccess  EventType = "success"
	EventFailed   EventType = "failed"
	EventCooldown EventType = "cooldown"
	EventRotated  EventType = "rotated"
	EventRetired  EventType = "retired"
)

// Event describes one provider lifecycle transition. Events are
// observability side effects; their ordering is not part of the allocation
// contract.
type Event struct {
	Kind       model.Kind `json:"kind"`
	Type       EventType  `json:"type"`
	ResourceID int64      `json:"resource_id"`
	SessionID  string     `json:"session_id"`
	Detail     string     `json:"detail"`
	AtNs       int64      `json:"at_ns"`
}

// Listener receives provider lifecycle events.
type Listener func(Event)

// Notifier fans events out to registered listeners. Safe for concurrent
// Subscribe and publish.
type Notifier struct {
	mu        sync.RWMutex
	listeners []Listener
}

// Subscribe registers a listener for all future events.
func (n *Notifier) Subscribe(l Listener) {
	n.mu.Lock()
	n.listeners = append(n.listeners, l)
	n.mu.Unlock()
}

func (n *Notifier) publish(ev Event) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, l := range n.listeners {
		l(ev)
	}
}

// core holds the session-local bookkeeping shared by every provider kind.
type core struct {
	kind      model.Kind
	sessionID string

	events *Notifier

	// used: ids claimed during this run; never re-offered to this provider
	// even after an outcome report.
	used *xsync.Map[int64, struct{}]
	// locked: ids pinned out of rotation without a claim (manual review).
	locked *xsync.Map[int64, struct{}]
}

func newCore(kind model.Kind, events *Notifier) core {
	if events == nil {
		events = &Notifier{}
	}
	return core{
		kind:      kind,
		sessionID: uuid.New().String(),
		events:    events,
		used:      xsync.NewMap[int64, struct{}](),
		locked:    xsync.NewMap[int64, struct{}](),
	}
}

// SessionID returns the provider's run-scoped session identifier, recorded
// on every claim row it creates.
func (c *core) SessionID() string { return c.sessionID }

// Events returns the provider's notifier for listener registration.
func (c *core) Events() *Notifier { return c.events }

// Lock pins a resource id out of rotation without claiming it.
func (c *core) Lock(id int64) { c.locked.Store(id, struct{}{}) }

// Unlock releases a pinned resource id back into rotation.
func (c *core) Unlock(id int64) { c.locked.Delete(id) }

// markUsed records an id as claimed during this run.
func (c *core) markUsed(id int64) { c.used.Store(id, struct{}{}) }

// excludeIDs returns the union of used and locked ids for claim queries.
func (c *core) excludeIDs() []int64 {
	var ids []int64
	c.used.Range(func(id int64, _ struct{}) bool {
		ids = append(ids, id)
		return true
	})
	c.locked.Range(func(id int64, _ struct{}) bool {
		if _, dup := c.used.Load(id); !dup {
			ids = append(ids, id)
		}
		return true
	})
	return ids
}

func (c *core) emit(t EventType, id int64, detail string) {
	c.events.publish(Event{
		Kind:       c.kind,
		Type:       t,
		ResourceID: id,
		SessionID:  c.sessionID,
		Detail:     detail,
		AtNs:       time.Now().UnixNano(),
	})
}
