package pool

import (
	"log"
	"sync"
	"time"

	"github.com/stagecrew/roster/internal/model"
	"github.com/stagecrew/roster/internal/store"
)

// CardProvider allocates payment cards for one run.
type CardProvider struct {
	core
	repo *store.CardRepo

	mu      sync.Mutex
	current *model.Card
}

// NewCardProvider creates a provider over the given repository.
func NewCardProvider(repo *store.CardRepo, events *Notifier) *CardProvider {
	return &CardProvider{core: newCore(model.KindCard, events), repo: repo}
}

// GetNext claims the next eligible card, excluding every id this provider
// has already claimed or locked this run.
func (p *CardProvider) GetNext(f store.CardFilter) (*model.Card, error) {
	c, err := p.repo.ClaimNext(p.sessionID, f, p.excludeIDs())
	if err != nil {
		return nil, err
	}
	p.markUsed(c.ID)
	p.mu.Lock()
	p.current = c
	p.mu.Unlock()
	p.emit(EventSelected, c.ID, "")
	return c, nil
}

// Current returns the card currently held by this provider, or nil.
func (p *CardProvider) Current() *model.Card {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// MarkSuccess reports a successful charge on the current card and clears it.
func (p *CardProvider) MarkSuccess() error {
	return p.finish(model.OutcomeSuccess, "", EventSuccess)
}

// MarkFailed reports a failed outcome for the current card and clears it.
// reason "declined" permanently retires the card.
func (p *CardProvider) MarkFailed(reason string) error {
	outcome := model.OutcomeFailed
	if reason == "declined" {
		outcome = model.OutcomeDeclined
	}
	return p.finish(outcome, reason, EventFailed)
}

// SetCooldown parks the current card for the given duration and clears it.
func (p *CardProvider) SetCooldown(d time.Duration) error {
	cur := p.take()
	if cur == nil {
		log.Printf("[pool] card cooldown with no current resource; ignoring")
		return nil
	}
	if err := p.repo.SetCooldown(cur.ID, time.Now().Add(d)); err != nil {
		return err
	}
	p.emit(EventCooldown, cur.ID, d.String())
	return nil
}

func (p *CardProvider) finish(outcome model.Outcome, detail string, ev EventType) error {
	cur := p.take()
	if cur == nil {
		log.Printf("[pool] card outcome %q with no current resource; ignoring", outcome)
		return nil
	}
	if err := p.repo.ReportOutcome(cur.ID, outcome, detail); err != nil {
		return err
	}
	p.emit(ev, cur.ID, detail)
	return nil
}

func (p *CardProvider) take() *model.Card {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur := p.current
	p.current = nil
	return cur
}
