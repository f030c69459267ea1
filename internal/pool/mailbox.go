package pool

import (
	"log"
	"sync"
	"time"

	"github.com/stagecrew/roster/internal/model"
	"github.com/stagecrew/roster/internal/store"
)

// MailboxProvider allocates mailboxes for one run.
type MailboxProvider struct {
	core
	repo *store.MailboxRepo

	mu      sync.Mutex
	current *model.Mailbox
}

// NewMailboxProvider creates a provider over the given repository.
func NewMailboxProvider(repo *store.MailboxRepo, events *Notifier) *MailboxProvider {
	return &MailboxProvider{core: newCore(model.KindMailbox, events), repo: repo}
}

// GetNext claims the next eligible mailbox, excluding every id this provider
// has already claimed or locked this run.
func (p *MailboxProvider) GetNext(f store.MailboxFilter) (*model.Mailbox, error) {
	m, err := p.repo.ClaimNext(p.sessionID, f, p.excludeIDs())
	if err != nil {
		return nil, err
	}
	p.markUsed(m.ID)
	p.mu.Lock()
	p.current = m
	p.mu.Unlock()
	p.emit(EventSelected, m.ID, "")
	return m, nil
}

// Current returns the mailbox currently held by this provider, or nil.
func (p *MailboxProvider) Current() *model.Mailbox {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// MarkSuccess reports a successful outcome for the current mailbox and
// clears it.
func (p *MailboxProvider) MarkSuccess() error {
	return p.finish(model.OutcomeSuccess, "", EventSuccess)
}

// MarkFailed reports a failed outcome for the current mailbox and clears it.
// reason "banned" retires the mailbox for good.
func (p *MailboxProvider) MarkFailed(reason string) error {
	outcome := model.OutcomeFailed
	if reason == "banned" {
		outcome = model.OutcomeBanned
	}
	return p.finish(outcome, reason, EventFailed)
}

// SetCooldown parks the current mailbox for the given duration and clears it.
func (p *MailboxProvider) SetCooldown(d time.Duration) error {
	cur := p.take()
	if cur == nil {
		log.Printf("[pool] mailbox cooldown with no current resource; ignoring")
		return nil
	}
	if err := p.repo.SetCooldown(cur.ID, time.Now().Add(d)); err != nil {
		return err
	}
	p.emit(EventCooldown, cur.ID, d.String())
	return nil
}

func (p *MailboxProvider) finish(outcome model.Outcome, detail string, ev EventType) error {
	cur := p.take()
	if cur == nil {
		log.Printf("[pool] mailbox outcome %q with no current resource; ignoring", outcome)
		return nil
	}
	if err := p.repo.ReportOutcome(cur.ID, outcome, detail); err != nil {
		return err
	}
	p.emit(ev, cur.ID, detail)
	return nil
}

func (p *MailboxProvider) take() *model.Mailbox {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur := p.current
	p.current = nil
	return cur
}
