package profile

import (
	"errors"
	"sync"
	"testing"

	"github.com/stagecrew/roster/internal/model"
	"github.com/stagecrew/roster/internal/pool"
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

func newTestAssembler(t *testing.T, s *store.Store) *Assembler {
	t.Helper()
	events := &pool.Notifier{}
	return New(
		pool.NewAccountProvider(s.Accounts(), events),
		pool.NewCardProvider(s.Cards(), events),
		pool.NewProxyProvider(s.Proxies(), events, pool.ProxyProviderConfig{}),
		pool.NewMailboxProvider(s.Mailboxes(), events),
		s.Cards(), s.Proxies(),
	)
}

func TestGetFullProfile_CompanionsAreBestEffort(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Accounts().BulkCreate([]model.Account{{Username: "alice", Password: "pw"}}); err != nil {
		t.Fatalf("BulkCreate accounts: %v", err)
	}
	if _, err := s.Proxies().BulkCreate([]model.Proxy{{Host: "10.0.0.1", Port: 8080, Protocol: "http"}}); err != nil {
		t.Fatalf("BulkCreate proxies: %v", err)
	}
	// No cards, no mailboxes.

	p, err := newTestAssembler(t, s).GetFullProfile(Request{})
	if err != nil {
		t.Fatalf("GetFullProfile: %v", err)
	}
	if p.Account == nil || p.Account.Username != "alice" {
		t.Fatalf("account = %+v, want alice", p.Account)
	}
	if p.Proxy == nil || p.Proxy.Host != "10.0.0.1" {
		t.Fatalf("proxy = %+v, want 10.0.0.1", p.Proxy)
	}
	if p.Card != nil {
		t.Fatalf("card = %+v, want nil with empty pool", p.Card)
	}
	if p.Mailbox != nil {
		t.Fatalf("mailbox = %+v, want nil with empty pool", p.Mailbox)
	}
}

func TestGetFullProfile_AccountIsMandatory(t *testing.T) {
	s := newTestStore(t)
	// Plenty of companions, no accounts.
	if _, err := s.Proxies().BulkCreate([]model.Proxy{{Host: "10.0.0.1", Port: 8080, Protocol: "http"}}); err != nil {
		t.Fatalf("BulkCreate proxies: %v", err)
	}

	_, err := newTestAssembler(t, s).GetFullProfile(Request{})
	if !errors.Is(err, store.ErrNoEligibleResource) {
		t.Fatalf("got %v, want ErrNoEligibleResource", err)
	}
}

func TestGetFullProfile_LinkedResourcesTakePrecedence(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Cards().BulkCreate([]model.Card{
		{Number: "4111111111111111", ExpMonth: 1, ExpYear: 2031},
		{Number: "5555555555554444", ExpMonth: 1, ExpYear: 2031},
	}); err != nil {
		t.Fatalf("BulkCreate cards: %v", err)
	}
	if _, err := s.Accounts().BulkCreate([]model.Account{
		{Username: "alice", Password: "pw", LinkedCardID: 2},
	}); err != nil {
		t.Fatalf("BulkCreate accounts: %v", err)
	}

	p, err := newTestAssembler(t, s).GetFullProfile(Request{SkipProxy: true, SkipMailbox: true})
	if err != nil {
		t.Fatalf("GetFullProfile: %v", err)
	}
	if p.Card == nil || p.Card.ID != 2 {
		t.Fatalf("card = %+v, want linked card 2", p.Card)
	}
}

func TestGetFullProfile_RetiredLinkedResourcesFallBackToPool(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Cards().BulkCreate([]model.Card{
		{Number: "4111111111111111", ExpMonth: 1, ExpYear: 2031}, // linked, will be declined
		{Number: "5555555555554444", ExpMonth: 1, ExpYear: 2031},
	}); err != nil {
		t.Fatalf("BulkCreate cards: %v", err)
	}
	if _, err := s.Proxies().BulkCreate([]model.Proxy{
		{Host: "10.0.0.1", Port: 8080, Protocol: "http"}, // linked, will be dead
		{Host: "10.0.0.2", Port: 8080, Protocol: "http"},
	}); err != nil {
		t.Fatalf("BulkCreate proxies: %v", err)
	}
	if _, err := s.Accounts().BulkCreate([]model.Account{
		{Username: "alice", Password: "pw", LinkedCardID: 1, LinkedProxyID: 1},
	}); err != nil {
		t.Fatalf("BulkCreate accounts: %v", err)
	}

	// Retire both linked resources out from under the account.
	if c, err := s.Cards().ClaimNext("setup", store.CardFilter{}, nil); err != nil {
		t.Fatalf("ClaimNext card: %v", err)
	} else if err := s.Cards().ReportOutcome(c.ID, model.OutcomeDeclined, ""); err != nil {
		t.Fatalf("decline card: %v", err)
	}
	if err := s.Proxies().MarkDead(1); err != nil {
		t.Fatalf("MarkDead: %v", err)
	}

	p, err := newTestAssembler(t, s).GetFullProfile(Request{SkipMailbox: true})
	if err != nil {
		t.Fatalf("GetFullProfile: %v", err)
	}
	if p.Card == nil || p.Card.ID != 2 {
		t.Fatalf("card = %+v, want pool fallback card 2", p.Card)
	}
	if p.Proxy == nil || p.Proxy.Host != "10.0.0.2" {
		t.Fatalf("proxy = %+v, want pool fallback 10.0.0.2", p.Proxy)
	}
}

func TestGetFullProfile_SkipFlagsLeavePoolsUntouched(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Accounts().BulkCreate([]model.Account{{Username: "alice", Password: "pw"}}); err != nil {
		t.Fatalf("BulkCreate accounts: %v", err)
	}
	if _, err := s.Proxies().BulkCreate([]model.Proxy{{Host: "10.0.0.1", Port: 8080, Protocol: "http"}}); err != nil {
		t.Fatalf("BulkCreate proxies: %v", err)
	}

	p, err := newTestAssembler(t, s).GetFullProfile(Request{SkipProxy: true, SkipCard: true, SkipMailbox: true})
	if err != nil {
		t.Fatalf("GetFullProfile: %v", err)
	}
	if p.Proxy != nil {
		t.Fatalf("proxy = %+v, want nil when skipped", p.Proxy)
	}
	claims, err := s.ListClaims()
	if err != nil {
		t.Fatalf("ListClaims: %v", err)
	}
	if len(claims) != 1 || claims[0].Kind != model.KindAccount {
		t.Fatalf("claims = %+v, want only the account claim", claims)
	}
}

func TestGetFullProfile_ConcurrentRunsShareOneAccount(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Accounts().BulkCreate([]model.Account{{Username: "alice", Password: "pw"}}); err != nil {
		t.Fatalf("BulkCreate accounts: %v", err)
	}
	if _, err := s.Proxies().BulkCreate([]model.Proxy{
		{Host: "10.0.0.1", Port: 8080, Protocol: "http"},
		{Host: "10.0.0.2", Port: 8080, Protocol: "http"},
	}); err != nil {
		t.Fatalf("BulkCreate proxies: %v", err)
	}

	// Two independent runs race for one account: exactly one full profile.
	var wg sync.WaitGroup
	profiles := make([]*Profile, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		asm := newTestAssembler(t, s)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			profiles[i], errs[i] = asm.GetFullProfile(Request{SkipMailbox: true, SkipCard: true})
		}(i)
	}
	wg.Wait()

	won, lost := 0, 0
	for i := 0; i < 2; i++ {
		switch {
		case errs[i] == nil:
			won++
			if profiles[i].Account == nil || profiles[i].Proxy == nil {
				t.Fatalf("winner profile incomplete: %+v", profiles[i])
			}
		case errors.Is(errs[i], store.ErrNoEligibleResource):
			lost++
		default:
			t.Fatalf("unexpected error: %v", errs[i])
		}
	}
	if won != 1 || lost != 1 {
		t.Fatalf("winners=%d losers=%d, want exactly one of each", won, lost)
	}
}

func TestMarkProfileOutcome_FansOutToAllHolders(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Accounts().BulkCreate([]model.Account{{Username: "alice", Password: "pw"}}); err != nil {
		t.Fatalf("BulkCreate accounts: %v", err)
	}
	if _, err := s.Proxies().BulkCreate([]model.Proxy{{Host: "10.0.0.1", Port: 8080, Protocol: "http"}}); err != nil {
		t.Fatalf("BulkCreate proxies: %v", err)
	}

	asm := newTestAssembler(t, s)
	p, err := asm.GetFullProfile(Request{SkipMailbox: true})
	if err != nil {
		t.Fatalf("GetFullProfile: %v", err)
	}
	if err := asm.MarkProfileSuccess(); err != nil {
		t.Fatalf("MarkProfileSuccess: %v", err)
	}

	acct, err := s.Accounts().GetByID(p.Account.ID)
	if err != nil {
		t.Fatalf("GetByID account: %v", err)
	}
	if acct.Status != model.StatusUsed || acct.UsageCount != 1 {
		t.Fatalf("account after success = %s usage=%d, want used/1", acct.Status, acct.UsageCount)
	}
	px, err := s.Proxies().GetByID(p.Proxy.ID)
	if err != nil {
		t.Fatalf("GetByID proxy: %v", err)
	}
	if px.UsageCount != 1 {
		t.Fatalf("proxy usage = %d, want 1", px.UsageCount)
	}
	claims, err := s.ListClaims()
	if err != nil {
		t.Fatalf("ListClaims: %v", err)
	}
	if len(claims) != 0 {
		t.Fatalf("claims remain after outcome: %+v", claims)
	}
}
