package pool

import (
	"errors"
	"testing"
	"time"

	"github.com/stagecrew/roster/internal/model"
	"github.com/stagecrew/roster/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir(), store.Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedAccounts(t *testing.T, s *store.Store, usernames ...string) {
	t.Helper()
	accounts := make([]model.Account, len(usernames))
	for i, u := range usernames {
		accounts[i] = model.Account{Username: u, Password: "pw-" + u}
	}
	if _, err := s.Accounts().BulkCreate(accounts); err != nil {
		t.Fatalf("BulkCreate: %v", err)
	}
}

func seedProxies(t *testing.T, s *store.Store, hosts ...string) {
	t.Helper()
	proxies := make([]model.Proxy, len(hosts))
	for i, h := range hosts {
		proxies[i] = model.Proxy{Host: h, Port: 8080, Protocol: "http"}
	}
	if _, err := s.Proxies().BulkCreate(proxies); err != nil {
		t.Fatalf("BulkCreate: %v", err)
	}
}

func TestAccountProvider_NeverRepeatsWithinRun(t *testing.T) {
	s := newTestStore(t)
	seedAccounts(t, s, "alice", "bob")
	p := NewAccountProvider(s.Accounts(), nil)

	first, err := p.GetNext(store.AccountFilter{})
	if err != nil {
		t.Fatalf("GetNext: %v", err)
	}
	// Failure returns the account to the shared pool, but this run must not
	// see it again.
	if err := p.MarkFailed("timeout"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	second, err := p.GetNext(store.AccountFilter{})
	if err != nil {
		t.Fatalf("GetNext second: %v", err)
	}
	if second.ID == first.ID {
		t.Fatalf("provider re-offered account %d within the same run", first.ID)
	}

	if _, err := p.GetNext(store.AccountFilter{}); !errors.Is(err, store.ErrNoEligibleResource) {
		t.Fatalf("exhausted run: got %v, want ErrNoEligibleResource", err)
	}

	// A different run still sees the returned account.
	other := NewAccountProvider(s.Accounts(), nil)
	got, err := other.GetNext(store.AccountFilter{})
	if err != nil {
		t.Fatalf("other run GetNext: %v", err)
	}
	if got.ID != first.ID {
		t.Fatalf("other run claimed %d, want returned account %d", got.ID, first.ID)
	}
}

func TestProvider_LockExcludesWithoutClaim(t *testing.T) {
	s := newTestStore(t)
	seedAccounts(t, s, "alice")
	p := NewAccountProvider(s.Accounts(), nil)

	p.Lock(1)
	if _, err := p.GetNext(store.AccountFilter{}); !errors.Is(err, store.ErrNoEligibleResource) {
		t.Fatalf("locked claim: got %v, want ErrNoEligibleResource", err)
	}

	p.Unlock(1)
	a, err := p.GetNext(store.AccountFilter{})
	if err != nil {
		t.Fatalf("GetNext after unlock: %v", err)
	}
	if a.ID != 1 {
		t.Fatalf("claimed %d, want 1", a.ID)
	}
}

func TestProvider_OutcomeWithNoCurrentIsNoOp(t *testing.T) {
	s := newTestStore(t)
	p := NewAccountProvider(s.Accounts(), nil)

	if err := p.MarkSuccess(); err != nil {
		t.Fatalf("MarkSuccess without current: %v", err)
	}
	if err := p.MarkFailed("x"); err != nil {
		t.Fatalf("MarkFailed without current: %v", err)
	}
	if err := p.SetCooldown(time.Minute); err != nil {
		t.Fatalf("SetCooldown without current: %v", err)
	}
}

func TestProxyProvider_RotatesAtThreeFailures(t *testing.T) {
	s := newTestStore(t)
	seedProxies(t, s, "10.0.0.1", "10.0.0.2")

	var events []Event
	notifier := &Notifier{}
	notifier.Subscribe(func(ev Event) { events = append(events, ev) })
	p := NewProxyProvider(s.Proxies(), notifier, ProxyProviderConfig{Sticky: true})

	first, err := p.GetNext(store.ProxyFilter{})
	if err != nil {
		t.Fatalf("GetNext: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := p.ReportFailure(); err != nil {
			t.Fatalf("ReportFailure %d: %v", i, err)
		}
	}

	if p.Current() != nil {
		t.Fatalf("current still set after rotation")
	}
	last := events[len(events)-1]
	if last.Type != EventRotated || last.ResourceID != first.ID {
		t.Fatalf("last event = %+v, want rotated for id %d", last, first.ID)
	}

	// The rotated proxy stays excluded for this run; the next claim is the
	// other proxy.
	second, err := p.GetNext(store.ProxyFilter{})
	if err != nil {
		t.Fatalf("GetNext after rotation: %v", err)
	}
	if second.ID == first.ID {
		t.Fatalf("rotated proxy %d re-offered within the same run", first.ID)
	}

	// Rotation is not retirement: the proxy remains alive in the store.
	got, err := s.Proxies().GetByID(first.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status.IsTerminal() {
		t.Fatalf("rotated proxy status = %s, want non-terminal", got.Status)
	}
}

func TestProxyProvider_RetiresAtFiveFailures(t *testing.T) {
	s := newTestStore(t)
	seedProxies(t, s, "10.0.0.1")

	var events []Event
	notifier := &Notifier{}
	notifier.Subscribe(func(ev Event) { events = append(events, ev) })
	// Rotation threshold above dead threshold would mask retirement; use
	// explicit values.
	p := NewProxyProvider(s.Proxies(), notifier, ProxyProviderConfig{
		MaxFailsBeforeRotate: 5,
		MaxFailsBeforeDead:   5,
	})

	px, err := p.GetNext(store.ProxyFilter{})
	if err != nil {
		t.Fatalf("GetNext: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := p.ReportFailure(); err != nil {
			t.Fatalf("ReportFailure %d: %v", i, err)
		}
	}

	got, err := s.Proxies().GetByID(px.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != model.StatusDead {
		t.Fatalf("status = %s, want dead", got.Status)
	}
	last := events[len(events)-1]
	if last.Type != EventRetired {
		t.Fatalf("last event = %+v, want retired", last)
	}
}

func TestProxyProvider_StreakPersistsAcrossRunsUntilDead(t *testing.T) {
	s := newTestStore(t)
	seedProxies(t, s, "10.0.0.1")

	var events []Event
	notifier := &Notifier{}
	notifier.Subscribe(func(ev Event) { events = append(events, ev) })

	// Run A burns three failures and rotates the proxy away. Rotation puts
	// the proxy back in the shared pool with its failure streak intact.
	a := NewProxyProvider(s.Proxies(), notifier, ProxyProviderConfig{})
	if _, err := a.GetNext(store.ProxyFilter{}); err != nil {
		t.Fatalf("run A GetNext: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := a.ReportFailure(); err != nil {
			t.Fatalf("run A ReportFailure %d: %v", i, err)
		}
	}
	if last := events[len(events)-1]; last.Type != EventRotated {
		t.Fatalf("run A last event = %s, want rotated", last.Type)
	}

	// Run B claims the same proxy and its single failure lands on top of the
	// persisted streak: four total, still below the dead line.
	b := NewProxyProvider(s.Proxies(), notifier, ProxyProviderConfig{})
	if _, err := b.GetNext(store.ProxyFilter{}); err != nil {
		t.Fatalf("run B GetNext: %v", err)
	}
	if err := b.ReportFailure(); err != nil {
		t.Fatalf("run B ReportFailure: %v", err)
	}
	got, err := s.Proxies().GetByID(1)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status.IsTerminal() {
		t.Fatalf("proxy retired at 4 consecutive failures: %s", got.Status)
	}
	if got.ConsecutiveFail != 4 {
		t.Fatalf("consecutive_fail = %d, want 4", got.ConsecutiveFail)
	}

	// Run C delivers the fifth failure; the proxy is permanently retired and
	// leaves the shared pool.
	c := NewProxyProvider(s.Proxies(), notifier, ProxyProviderConfig{})
	if _, err := c.GetNext(store.ProxyFilter{}); err != nil {
		t.Fatalf("run C GetNext: %v", err)
	}
	if err := c.ReportFailure(); err != nil {
		t.Fatalf("run C ReportFailure: %v", err)
	}
	got, err = s.Proxies().GetByID(1)
	if err != nil {
		t.Fatalf("GetByID after retirement: %v", err)
	}
	if got.Status != model.StatusDead {
		t.Fatalf("status = %s, want dead", got.Status)
	}
	if last := events[len(events)-1]; last.Type != EventRetired {
		t.Fatalf("last event = %s, want retired", last.Type)
	}

	d := NewProxyProvider(s.Proxies(), nil, ProxyProviderConfig{})
	if _, err := d.GetNext(store.ProxyFilter{}); !errors.Is(err, store.ErrNoEligibleResource) {
		t.Fatalf("dead proxy claim: got %v, want ErrNoEligibleResource", err)
	}
}

func TestProxyProvider_SuccessResetsStreak(t *testing.T) {
	s := newTestStore(t)
	seedProxies(t, s, "10.0.0.1")
	p := NewProxyProvider(s.Proxies(), nil, ProxyProviderConfig{Sticky: true})

	px, err := p.GetNext(store.ProxyFilter{})
	if err != nil {
		t.Fatalf("GetNext: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := p.ReportFailure(); err != nil {
			t.Fatalf("ReportFailure: %v", err)
		}
	}
	if err := p.ReportSuccess(90 * time.Millisecond); err != nil {
		t.Fatalf("ReportSuccess: %v", err)
	}

	// The streak restarts: two more failures still do not rotate.
	for i := 0; i < 2; i++ {
		if err := p.ReportFailure(); err != nil {
			t.Fatalf("ReportFailure after success: %v", err)
		}
	}
	cur := p.Current()
	if cur == nil || cur.ID != px.ID {
		t.Fatalf("proxy rotated despite reset streak")
	}
}

func TestProxyProvider_StickyReturnsHeldProxy(t *testing.T) {
	s := newTestStore(t)
	seedProxies(t, s, "10.0.0.1", "10.0.0.2")
	p := NewProxyProvider(s.Proxies(), nil, ProxyProviderConfig{Sticky: true})

	first, err := p.GetNext(store.ProxyFilter{})
	if err != nil {
		t.Fatalf("GetNext: %v", err)
	}
	second, err := p.GetNext(store.ProxyFilter{})
	if err != nil {
		t.Fatalf("GetNext sticky: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("sticky session switched proxy: %d then %d", first.ID, second.ID)
	}
}

func TestNotifier_EventsCarrySessionID(t *testing.T) {
	s := newTestStore(t)
	seedAccounts(t, s, "alice")

	var events []Event
	notifier := &Notifier{}
	notifier.Subscribe(func(ev Event) { events = append(events, ev) })
	p := NewAccountProvider(s.Accounts(), notifier)

	if _, err := p.GetNext(store.AccountFilter{}); err != nil {
		t.Fatalf("GetNext: %v", err)
	}
	if err := p.MarkSuccess(); err != nil {
		t.Fatalf("MarkSuccess: %v", err)
	}

	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Type != EventSelected || events[1].Type != EventSuccess {
		t.Fatalf("event types = %s, %s", events[0].Type, events[1].Type)
	}
	for _, ev := range events {
		if ev.SessionID != p.SessionID() {
			t.Fatalf("event session %s, want %s", ev.SessionID, p.SessionID())
		}
		if ev.Kind != model.KindAccount {
			t.Fatalf("event kind %s, want account", ev.Kind)
		}
	}
}
