package pool

import (
	"log"
	"sync"
	"time"

	"github.com/stagecrew/roster/internal/model"
	"github.com/stagecrew/roster/internal/store"
)

const (
	// DefaultMaxFailsBeforeRotate is the consecutive-failure count at which
	// the provider drops its current proxy and excludes it for the run.
	DefaultMaxFailsBeforeRotate = 3
	// DefaultMaxFailsBeforeDead is the consecutive-failure count at which
	// the proxy is permanently retired in the store.
	DefaultMaxFailsBeforeDead = 5
)

// ProxyProviderConfig tunes proxy health thresholds and sticky behavior.
type ProxyProviderConfig struct {
	// MaxFailsBeforeRotate forces rotation at this consecutive-failure
	// count. Zero means DefaultMaxFailsBeforeRotate.
	MaxFailsBeforeRotate int
	// MaxFailsBeforeDead retires the proxy at this consecutive-failure
	// count. Zero means DefaultMaxFailsBeforeDead.
	MaxFailsBeforeDead int
	// Sticky makes GetNext return the held proxy while it stays healthy,
	// preserving session continuity for long flows.
	Sticky bool
}

// ProxyProvider allocates proxies for one run and embeds the proxy health
// monitor: consecutive-failure counting, forced rotation, and automatic
// retirement.
type ProxyProvider struct {
	core
	repo *store.ProxyRepo
	cfg  ProxyProviderConfig

	mu      sync.Mutex
	current *model.Proxy
}

// NewProxyProvider creates a provider over the given repository.
func NewProxyProvider(repo *store.ProxyRepo, events *Notifier, cfg ProxyProviderConfig) *ProxyProvider {
	if cfg.MaxFailsBeforeRotate <= 0 {
		cfg.MaxFailsBeforeRotate = DefaultMaxFailsBeforeRotate
	}
	if cfg.MaxFailsBeforeDead <= 0 {
		cfg.MaxFailsBeforeDead = DefaultMaxFailsBeforeDead
	}
	if cfg.MaxFailsBeforeDead < cfg.MaxFailsBeforeRotate {
		cfg.MaxFailsBeforeDead = cfg.MaxFailsBeforeRotate
	}
	return &ProxyProvider{core: newCore(model.KindProxy, events), repo: repo, cfg: cfg}
}

// GetNext returns a proxy for the session. In sticky mode the held proxy is
// returned as long as it has not failed out; otherwise a fresh claim is made,
// excluding every id already claimed or locked this run.
func (p *ProxyProvider) GetNext(f store.ProxyFilter) (*model.Proxy, error) {
	if p.cfg.Sticky {
		p.mu.Lock()
		cur := p.current
		p.mu.Unlock()
		if cur != nil {
			return cur, nil
		}
	}

	px, err := p.repo.ClaimNext(p.sessionID, f, p.excludeIDs())
	if err != nil {
		return nil, err
	}
	p.markUsed(px.ID)
	p.mu.Lock()
	p.current = px
	p.mu.Unlock()
	p.emit(EventSelected, px.ID, "")
	return px, nil
}

// Current returns the proxy currently held by this provider, or nil.
func (p *ProxyProvider) Current() *model.Proxy {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// ReportSuccess resets the current proxy's consecutive-failure streak and
// records the observed latency (zero means unmeasured). The proxy stays
// current; sticky sessions keep using it.
func (p *ProxyProvider) ReportSuccess(responseTime time.Duration) error {
	p.mu.Lock()
	cur := p.current
	p.mu.Unlock()
	if cur == nil {
		log.Printf("[pool] proxy success with no current resource; ignoring")
		return nil
	}
	if err := p.repo.ReportSuccess(cur.ID, responseTime); err != nil {
		return err
	}
	cur.ConsecutiveFail = 0
	return nil
}

// ReportFailure increments the current proxy's consecutive-failure streak.
// Reaching the rotate threshold drops the proxy from the session (it stays
// excluded for the run); reaching the dead threshold permanently retires it
// in the store.
func (p *ProxyProvider) ReportFailure() error {
	p.mu.Lock()
	cur := p.current
	p.mu.Unlock()
	if cur == nil {
		log.Printf("[pool] proxy failure with no current resource; ignoring")
		return nil
	}

	consecutive, err := p.repo.ReportFailure(cur.ID)
	if err != nil {
		return err
	}
	cur.ConsecutiveFail = consecutive

	switch {
	case consecutive >= p.cfg.MaxFailsBeforeDead:
		if err := p.repo.MarkDead(cur.ID); err != nil {
			return err
		}
		p.clearCurrent(cur.ID)
		p.emit(EventRetired, cur.ID, "consecutive failures")
	case consecutive >= p.cfg.MaxFailsBeforeRotate:
		if err := p.repo.ReportOutcome(cur.ID, model.OutcomeFailed, "rotated"); err != nil {
			return err
		}
		p.clearCurrent(cur.ID)
		p.emit(EventRotated, cur.ID, "consecutive failures")
	}
	return nil
}

// MarkSuccess reports a successful session outcome for the current proxy and
// clears it.
func (p *ProxyProvider) MarkSuccess() error {
	cur := p.take()
	if cur == nil {
		log.Printf("[pool] proxy outcome with no current resource; ignoring")
		return nil
	}
	if err := p.repo.ReportOutcome(cur.ID, model.OutcomeSuccess, ""); err != nil {
		return err
	}
	p.emit(EventSuccess, cur.ID, "")
	return nil
}

// MarkFailed reports a failed session outcome for the current proxy and
// clears it. Unlike ReportFailure this ends the claim without health
// bookkeeping; ordinary proxy flakiness goes through ReportFailure.
func (p *ProxyProvider) MarkFailed(reason string) error {
	cur := p.take()
	if cur == nil {
		log.Printf("[pool] proxy outcome with no current resource; ignoring")
		return nil
	}
	if err := p.repo.ReportOutcome(cur.ID, model.OutcomeFailed, reason); err != nil {
		return err
	}
	p.emit(EventFailed, cur.ID, reason)
	return nil
}

// SetCooldown parks the current proxy for the given duration and clears it.
func (p *ProxyProvider) SetCooldown(d time.Duration) error {
	cur := p.take()
	if cur == nil {
		log.Printf("[pool] proxy cooldown with no current resource; ignoring")
		return nil
	}
	if err := p.repo.SetCooldown(cur.ID, time.Now().Add(d)); err != nil {
		return err
	}
	p.emit(EventCooldown, cur.ID, d.String())
	return nil
}

func (p *ProxyProvider) take() *model.Proxy {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur := p.current
	p.current = nil
	return cur
}

// clearCurrent drops the current proxy only if it is still the given id.
func (p *ProxyProvider) clearCurrent(id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current != nil && p.current.ID == id {
		p.current = nil
	}
}
