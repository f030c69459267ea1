package pool

import (
	"log"
	"sync"
	"time"

	"github.com/stagecrew/roster/internal/model"
	"github.com/stagecrew/roster/internal/store"
)

// AccountProvider allocates accounts for one run.
type AccountProvider struct {
	core
	repo *store.AccountRepo

	mu      sync.Mutex
	current *model.Account
}

// NewAccountProvider creates a provider over the given repository. Pass a
// shared Notifier to aggregate events across providers, or nil for a
// provider-local one.
func NewAccountProvider(repo *store.AccountRepo, events *Notifier) *AccountProvider {
	return &AccountProvider{core: newCore(model.KindAccount, events), repo: repo}
}

// GetNext claims the next eligible account, excluding every id this provider
// has already claimed or locked this run.
func (p *AccountProvider) GetNext(f store.AccountFilter) (*model.Account, error) {
	a, err := p.repo.ClaimNext(p.sessionID, f, p.excludeIDs())
	if err != nil {
		return nil, err
	}
	p.markUsed(a.ID)
	p.mu.Lock()
	p.current = a
	p.mu.Unlock()
	p.emit(EventSelected, a.ID, "")
	return a, nil
}

// Current returns the account currently held by this provider, or nil.
func (p *AccountProvider) Current() *model.Account {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// MarkSuccess reports a successful outcome for the current account and
// clears it. No current account is a logged no-op.
func (p *AccountProvider) MarkSuccess() error {
	return p.finish(model.OutcomeSuccess, "", EventSuccess)
}

// MarkFailed reports a failed outcome for the current account and clears it.
// reason "banned" permanently retires the account.
func (p *AccountProvider) MarkFailed(reason string) error {
	outcome := model.OutcomeFailed
	if reason == "banned" {
		outcome = model.OutcomeBanned
	}
	return p.finish(outcome, reason, EventFailed)
}

// SetCooldown parks the current account for the given duration and clears it.
func (p *AccountProvider) SetCooldown(d time.Duration) error {
	cur := p.take()
	if cur == nil {
		log.Printf("[pool] account cooldown with no current resource; ignoring")
		return nil
	}
	if err := p.repo.SetCooldown(cur.ID, time.Now().Add(d)); err != nil {
		return err
	}
	p.emit(EventCooldown, cur.ID, d.String())
	return nil
}

func (p *AccountProvider) finish(outcome model.Outcome, detail string, ev EventType) error {
	cur := p.take()
	if cur == nil {
		log.Printf("[pool] account outcome %q with no current resource; ignoring", outcome)
		return nil
	}
	if err := p.repo.ReportOutcome(cur.ID, outcome, detail); err != nil {
		return err
	}
	p.emit(ev, cur.ID, detail)
	return nil
}

// take clears and returns the current account.
func (p *AccountProvider) take() *model.Account {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur := p.current
	p.current = nil
	return cur
}
