package store

import (
	"errors"
	"testing"
	"time"

	"github.com/stagecrew/roster/internal/model"
)

func seedCards(t *testing.T, s *Store, cards ...model.Card) {
	t.Helper()
	if _, err := s.Cards().BulkCreate(cards); err != nil {
		t.Fatalf("BulkCreate cards: %v", err)
	}
}

func seedProxies(t *testing.T, s *Store, proxies ...model.Proxy) {
	t.Helper()
	if _, err := s.Proxies().BulkCreate(proxies); err != nil {
		t.Fatalf("BulkCreate proxies: %v", err)
	}
}

func TestCardRepo_UsageBudgetRetiresCard(t *testing.T) {
	s := newTestStore(t, Options{})
	seedCards(t, s, model.Card{Number: "4111111111111111", ExpMonth: 12, ExpYear: 2030, MaxUsage: 2})

	for i := 0; i < 2; i++ {
		c, err := s.Cards().ClaimNext("s1", CardFilter{}, nil)
		if err != nil {
			t.Fatalf("ClaimNext %d: %v", i, err)
		}
		if err := s.Cards().ReportOutcome(c.ID, model.OutcomeSuccess, ""); err != nil {
			t.Fatalf("ReportOutcome %d: %v", i, err)
		}
	}

	// Budget exhausted: the card is retired and no longer offered.
	if _, err := s.Cards().ClaimNext("s1", CardFilter{}, nil); !errors.Is(err, ErrNoEligibleResource) {
		t.Fatalf("claim past budget: got %v, want ErrNoEligibleResource", err)
	}
	cards, err := s.Cards().GetByID(1)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if cards.Status != model.StatusUsed {
		t.Fatalf("status = %s, want used", cards.Status)
	}
}

func TestCardRepo_DeclinedIsTerminal(t *testing.T) {
	s := newTestStore(t, Options{})
	seedCards(t, s, model.Card{Number: "5555555555554444", ExpMonth: 6, ExpYear: 2031})

	c, err := s.Cards().ClaimNext("s1", CardFilter{}, nil)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if err := s.Cards().ReportOutcome(c.ID, model.OutcomeDeclined, "processor refused"); err != nil {
		t.Fatalf("ReportOutcome: %v", err)
	}
	got, err := s.Cards().GetByID(c.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != model.StatusDeclined {
		t.Fatalf("status = %s, want declined", got.Status)
	}
	if err := s.Cards().ReportOutcome(c.ID, model.OutcomeSuccess, ""); err != nil {
		t.Fatalf("second ReportOutcome: %v", err)
	}
	got, _ = s.Cards().GetByID(c.ID)
	if got.Status != model.StatusDeclined {
		t.Fatalf("status after success report = %s, want declined", got.Status)
	}
}

func TestCardRepo_ExpireCards(t *testing.T) {
	s := newTestStore(t, Options{})
	now := time.Now()
	seedCards(t, s,
		model.Card{Number: "4000000000000002", ExpMonth: 1, ExpYear: now.Year() - 1},
		model.Card{Number: "4000000000000010", ExpMonth: 12, ExpYear: now.Year() + 1},
	)

	n, err := s.Cards().ExpireCards(now)
	if err != nil {
		t.Fatalf("ExpireCards: %v", err)
	}
	if n != 1 {
		t.Fatalf("expired %d cards, want 1", n)
	}
	c, err := s.Cards().ClaimNext("s1", CardFilter{}, nil)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if c.ExpYear != now.Year()+1 {
		t.Fatalf("claimed expired card exp_year=%d", c.ExpYear)
	}
}

func TestCardRepo_FilterByTypeAndBalance(t *testing.T) {
	s := newTestStore(t, Options{})
	seedCards(t, s,
		model.Card{Number: "4111111111111111", ExpMonth: 1, ExpYear: 2031, CardType: "visa", BalanceCents: 500},
		model.Card{Number: "5555555555554444", ExpMonth: 1, ExpYear: 2031, CardType: "mastercard", BalanceCents: 10_000},
	)

	c, err := s.Cards().ClaimNext("s1", CardFilter{CardType: "mastercard", MinBalanceCents: 5_000}, nil)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if c.CardType != "mastercard" {
		t.Fatalf("card_type = %s, want mastercard", c.CardType)
	}
	if _, err := s.Cards().ClaimNext("s1", CardFilter{CardType: "visa", MinBalanceCents: 5_000}, nil); !errors.Is(err, ErrNoEligibleResource) {
		t.Fatalf("low-balance visa claim: got %v, want ErrNoEligibleResource", err)
	}
}

func TestProxyRepo_HealthCounters(t *testing.T) {
	s := newTestStore(t, Options{})
	seedProxies(t, s, model.Proxy{Host: "10.0.0.1", Port: 8080, Protocol: "http"})

	p, err := s.Proxies().ClaimNext("s1", ProxyFilter{}, nil)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}

	for want := 1; want <= 3; want++ {
		got, err := s.Proxies().ReportFailure(p.ID)
		if err != nil {
			t.Fatalf("ReportFailure: %v", err)
		}
		if got != want {
			t.Fatalf("consecutive = %d, want %d", got, want)
		}
	}

	if err := s.Proxies().ReportSuccess(p.ID, 120*time.Millisecond); err != nil {
		t.Fatalf("ReportSuccess: %v", err)
	}
	got, err := s.Proxies().GetByID(p.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.ConsecutiveFail != 0 {
		t.Fatalf("consecutive_fail = %d, want 0 after success", got.ConsecutiveFail)
	}
	if got.FailCount != 3 || got.SuccessCount != 1 {
		t.Fatalf("lifetime counters = %d/%d, want 3/1", got.FailCount, got.SuccessCount)
	}
	if got.ResponseTimeMs != 120 {
		t.Fatalf("response_time_ms = %d, want 120", got.ResponseTimeMs)
	}
}

func TestProxyRepo_MarkDeadReleasesClaim(t *testing.T) {
	s := newTestStore(t, Options{})
	seedProxies(t, s, model.Proxy{Host: "10.0.0.1", Port: 8080, Protocol: "http"})

	p, err := s.Proxies().ClaimNext("s1", ProxyFilter{}, nil)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if err := s.Proxies().MarkDead(p.ID); err != nil {
		t.Fatalf("MarkDead: %v", err)
	}

	got, err := s.Proxies().GetByID(p.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != model.StatusDead {
		t.Fatalf("status = %s, want dead", got.Status)
	}
	claims, err := s.ListClaims()
	if err != nil {
		t.Fatalf("ListClaims: %v", err)
	}
	if len(claims) != 0 {
		t.Fatalf("claim still live after MarkDead: %+v", claims)
	}
}

func TestProxyRepo_RankingPrefersMeasuredLatency(t *testing.T) {
	s := newTestStore(t, Options{})
	seedProxies(t, s,
		model.Proxy{Host: "10.0.0.1", Port: 8080, Protocol: "http"}, // unmeasured
		model.Proxy{Host: "10.0.0.2", Port: 8080, Protocol: "http", ResponseTimeMs: 80},
		model.Proxy{Host: "10.0.0.3", Port: 8080, Protocol: "http", ResponseTimeMs: 300},
	)

	p, err := s.Proxies().ClaimNext("s1", ProxyFilter{}, nil)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if p.Host != "10.0.0.2" {
		t.Fatalf("claimed %s, want fastest measured 10.0.0.2", p.Host)
	}
}

func TestProxyRepo_FilterByCountryAndProtocol(t *testing.T) {
	s := newTestStore(t, Options{})
	seedProxies(t, s,
		model.Proxy{Host: "10.0.0.1", Port: 1080, Protocol: "socks5", Country: "de"},
		model.Proxy{Host: "10.0.0.2", Port: 8080, Protocol: "http", Country: "us"},
	)

	p, err := s.Proxies().ClaimNext("s1", ProxyFilter{Protocol: "socks5", Country: "de"}, nil)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if p.Host != "10.0.0.1" {
		t.Fatalf("claimed %s, want 10.0.0.1", p.Host)
	}
	if _, err := s.Proxies().ClaimNext("s1", ProxyFilter{Protocol: "socks5", Country: "us"}, nil); !errors.Is(err, ErrNoEligibleResource) {
		t.Fatalf("mismatched filter: got %v, want ErrNoEligibleResource", err)
	}
}

func TestProxyRepo_ListActiveSkipsTerminal(t *testing.T) {
	s := newTestStore(t, Options{})
	seedProxies(t, s,
		model.Proxy{Host: "10.0.0.1", Port: 8080, Protocol: "http"},
		model.Proxy{Host: "10.0.0.2", Port: 8080, Protocol: "http"},
	)
	if err := s.Proxies().MarkDead(1); err != nil {
		t.Fatalf("MarkDead: %v", err)
	}

	list, err := s.Proxies().ListActive(0)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(list) != 1 || list[0].Host != "10.0.0.2" {
		t.Fatalf("unexpected list: %+v", list)
	}
}

func TestMailboxRepo_VerifiedFirstAndBannedIsDead(t *testing.T) {
	s := newTestStore(t, Options{})
	mailboxes := []model.Mailbox{
		{Address: "a@example.com", Provider: "custom"},
		{Address: "b@example.com", Provider: "custom"},
	}
	if _, err := s.Mailboxes().BulkCreate(mailboxes); err != nil {
		t.Fatalf("BulkCreate: %v", err)
	}
	if err := s.Mailboxes().MarkVerified(2); err != nil {
		t.Fatalf("MarkVerified: %v", err)
	}

	m, err := s.Mailboxes().ClaimNext("s1", MailboxFilter{}, nil)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if m.Address != "b@example.com" {
		t.Fatalf("claimed %s, want verified b@example.com", m.Address)
	}

	if err := s.Mailboxes().ReportOutcome(m.ID, model.OutcomeBanned, ""); err != nil {
		t.Fatalf("ReportOutcome: %v", err)
	}
	got, err := s.Mailboxes().GetByID(m.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != model.StatusDead {
		t.Fatalf("status = %s, want dead", got.Status)
	}
}

func TestMailboxRepo_VerifiedOnlyFilter(t *testing.T) {
	s := newTestStore(t, Options{})
	if _, err := s.Mailboxes().BulkCreate([]model.Mailbox{{Address: "a@example.com", Provider: "gmail"}}); err != nil {
		t.Fatalf("BulkCreate: %v", err)
	}

	if _, err := s.Mailboxes().ClaimNext("s1", MailboxFilter{VerifiedOnly: true}, nil); !errors.Is(err, ErrNoEligibleResource) {
		t.Fatalf("unverified claim: got %v, want ErrNoEligibleResource", err)
	}
	if err := s.Mailboxes().MarkVerified(1); err != nil {
		t.Fatalf("MarkVerified: %v", err)
	}
	if _, err := s.Mailboxes().ClaimNext("s1", MailboxFilter{VerifiedOnly: true}, nil); err != nil {
		t.Fatalf("verified claim: %v", err)
	}
}

func seedTasks(t *testing.T, s *Store, tasks ...model.Task) {
	t.Helper()
	if _, err := s.Tasks().BulkCreate(tasks); err != nil {
		t.Fatalf("BulkCreate tasks: %v", err)
	}
}

func TestTaskRepo_SuccessCompletesTask(t *testing.T) {
	s := newTestStore(t, Options{})
	seedTasks(t, s, model.Task{Type: "checkout", PayloadJSON: `{"sku":"A-100"}`})

	tk, err := s.Tasks().ClaimNext("s1", TaskFilter{}, nil)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if err := s.Tasks().ReportOutcome(tk.ID, model.OutcomeSuccess, ""); err != nil {
		t.Fatalf("ReportOutcome: %v", err)
	}

	got, err := s.Tasks().GetByID(tk.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != model.StatusUsed {
		t.Fatalf("status = %s, want used", got.Status)
	}
	if got.UsageCount != 1 {
		t.Fatalf("usage_count = %d, want 1", got.UsageCount)
	}
	if _, err := s.Tasks().ClaimNext("s2", TaskFilter{}, nil); !errors.Is(err, ErrNoEligibleResource) {
		t.Fatalf("completed task re-offered: %v", err)
	}
}

func TestTaskRepo_AttemptBudgetRetiresTask(t *testing.T) {
	s := newTestStore(t, Options{})
	seedTasks(t, s, model.Task{Type: "signup", MaxAttempts: 2})

	// First failed attempt: back into rotation.
	tk, err := s.Tasks().ClaimNext("s1", TaskFilter{}, nil)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if err := s.Tasks().ReportOutcome(tk.ID, model.OutcomeFailed, "timeout"); err != nil {
		t.Fatalf("ReportOutcome: %v", err)
	}
	got, _ := s.Tasks().GetByID(tk.ID)
	if got.Status != model.StatusActive {
		t.Fatalf("status after first failure = %s, want active", got.Status)
	}

	// Second failed attempt spends the budget.
	tk, err = s.Tasks().ClaimNext("s2", TaskFilter{}, nil)
	if err != nil {
		t.Fatalf("ClaimNext second: %v", err)
	}
	if err := s.Tasks().ReportOutcome(tk.ID, model.OutcomeFailed, "timeout"); err != nil {
		t.Fatalf("ReportOutcome second: %v", err)
	}
	got, _ = s.Tasks().GetByID(tk.ID)
	if got.Status != model.StatusDead {
		t.Fatalf("status after spent budget = %s, want dead", got.Status)
	}
	if _, err := s.Tasks().ClaimNext("s3", TaskFilter{}, nil); !errors.Is(err, ErrNoEligibleResource) {
		t.Fatalf("retired task re-offered: %v", err)
	}
}

func TestTaskRepo_FilterByTypeAndPriorityOrder(t *testing.T) {
	s := newTestStore(t, Options{})
	seedTasks(t, s,
		model.Task{Type: "checkout", Priority: 1},
		model.Task{Type: "checkout", PayloadJSON: `{"rush":true}`, Priority: 5},
		model.Task{Type: "signup", Priority: 9},
	)

	tk, err := s.Tasks().ClaimNext("s1", TaskFilter{Type: "checkout"}, nil)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if tk.Priority != 5 {
		t.Fatalf("claimed priority %d, want the high-priority checkout", tk.Priority)
	}
	if _, err := s.Tasks().ClaimNext("s1", TaskFilter{Type: "export"}, nil); !errors.Is(err, ErrNoEligibleResource) {
		t.Fatalf("unknown type: got %v, want ErrNoEligibleResource", err)
	}
}

func TestTaskRepo_BulkCreateDeduplicatesOnHash(t *testing.T) {
	s := newTestStore(t, Options{})
	task := model.Task{Type: "checkout", PayloadJSON: `{"sku":"A-100"}`}

	n, err := s.Tasks().BulkCreate([]model.Task{task})
	if err != nil {
		t.Fatalf("BulkCreate: %v", err)
	}
	if n != 1 {
		t.Fatalf("inserted %d, want 1", n)
	}
	n, err = s.Tasks().BulkCreate([]model.Task{{Type: "checkout", PayloadJSON: `{"sku":"A-100"}`}})
	if err != nil {
		t.Fatalf("re-BulkCreate: %v", err)
	}
	if n != 0 {
		t.Fatalf("duplicate inserted %d rows, want 0", n)
	}
}
