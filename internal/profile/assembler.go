// Package profile composes per-kind providers into full session profiles:
// one account plus best-effort card, proxy, and mailbox companions.
package profile

import (
	"fmt"
	"log"
	"sync"

	"github.com/stagecrew/roster/internal/model"
	"github.com/stagecrew/roster/internal/pool"
	"github.com/stagecrew/roster/internal/store"
)

// Profile is a complete set of resources for one automation session. Account
// is always present; the other fields are nil when no eligible resource was
// available or its pool failed.
type Profile struct {
	Account *model.Account `json:"account"`
	Card    *model.Card    `json:"card"`
	Proxy   *model.Proxy   `json:"proxy"`
	Mailbox *model.Mailbox `json:"mailbox"`
}

// Request constrains which resources an assembled profile draws on.
type Request struct {
	Account store.AccountFilter
	Card    store.CardFilter
	Proxy   store.ProxyFilter
	Mailbox store.MailboxFilter

	// SkipCard / SkipProxy / SkipMailbox leave the corresponding field nil
	// without touching its pool.
	SkipCard    bool
	SkipProxy   bool
	SkipMailbox bool
}

// Assembler builds profiles from the four providers. Linked resources pinned
// on the account take precedence over pool claims.
type Assembler struct {
	accounts  *pool.AccountProvider
	cards     *pool.CardProvider
	proxies   *pool.ProxyProvider
	mailboxes *pool.MailboxProvider

	cardsByID   *store.CardRepo
	proxiesByID *store.ProxyRepo
}

// New creates an assembler. The repo arguments resolve account-linked card
// and proxy ids without taking allocation locks.
func New(accounts *pool.AccountProvider, cards *pool.CardProvider, proxies *pool.ProxyProvider,
	mailboxes *pool.MailboxProvider, cardRepo *store.CardRepo, proxyRepo *store.ProxyRepo) *Assembler {
	return &Assembler{
		accounts:    accounts,
		cards:       cards,
		proxies:     proxies,
		mailboxes:   mailboxes,
		cardsByID:   cardRepo,
		proxiesByID: proxyRepo,
	}
}

// GetFullProfile assembles a profile. The account claim is mandatory and its
// failure fails the whole call; card, proxy, and mailbox are best-effort and
// their failures only log and leave the field nil.
func (a *Assembler) GetFullProfile(req Request) (*Profile, error) {
	acct, err := a.accounts.GetNext(req.Account)
	if err != nil {
		return nil, fmt.Errorf("assemble profile: account: %w", err)
	}

	p := &Profile{Account: acct}

	if !req.SkipCard {
		p.Card = a.resolveCard(acct, req.Card)
	}
	if !req.SkipProxy {
		p.Proxy = a.resolveProxy(acct, req.Proxy)
	}
	if !req.SkipMailbox {
		mb, err := a.mailboxes.GetNext(req.Mailbox)
		if err != nil {
			log.Printf("[profile] no mailbox for account id=%d: %v", acct.ID, err)
		} else {
			p.Mailbox = mb
		}
	}
	return p, nil
}

// resolveCard prefers the account's linked card; a missing or retired link
// falls back to a pool claim. Both paths degrade to nil.
func (a *Assembler) resolveCard(acct *model.Account, f store.CardFilter) *model.Card {
	if acct.LinkedCardID != 0 {
		c, err := a.cardsByID.GetByID(acct.LinkedCardID)
		switch {
		case err != nil:
			log.Printf("[profile] linked card id=%d for account id=%d: %v", acct.LinkedCardID, acct.ID, err)
		case c.Status.IsTerminal():
			log.Printf("[profile] linked card id=%d for account id=%d is %s; claiming from pool",
				acct.LinkedCardID, acct.ID, c.Status)
		default:
			return c
		}
	}
	c, err := a.cards.GetNext(f)
	if err != nil {
		log.Printf("[profile] no card for account id=%d: %v", acct.ID, err)
		return nil
	}
	return c
}

func (a *Assembler) resolveProxy(acct *model.Account, f store.ProxyFilter) *model.Proxy {
	if acct.LinkedProxyID != 0 {
		px, err := a.proxiesByID.GetByID(acct.LinkedProxyID)
		switch {
		case err != nil:
			log.Printf("[profile] linked proxy id=%d for account id=%d: %v", acct.LinkedProxyID, acct.ID, err)
		case px.Status.IsTerminal():
			log.Printf("[profile] linked proxy id=%d for account id=%d is %s; claiming from pool",
				acct.LinkedProxyID, acct.ID, px.Status)
		default:
			return px
		}
	}
	px, err := a.proxies.GetNext(f)
	if err != nil {
		log.Printf("[profile] no proxy for account id=%d: %v", acct.ID, err)
		return nil
	}
	return px
}

// MarkProfileSuccess reports success to every provider holding a resource.
// Reports fan out concurrently; one pool's failure never blocks another's
// report. The first error is returned after all reports complete.
func (a *Assembler) MarkProfileSuccess() error {
	return a.fanOut(
		a.accounts.MarkSuccess,
		a.cards.MarkSuccess,
		a.proxies.MarkSuccess,
		a.mailboxes.MarkSuccess,
	)
}

// MarkProfileFailed reports a failed run to every provider holding a
// resource, with the same reason.
func (a *Assembler) MarkProfileFailed(reason string) error {
	return a.fanOut(
		func() error { return a.accounts.MarkFailed(reason) },
		func() error { return a.cards.MarkFailed(reason) },
		func() error { return a.proxies.MarkFailed(reason) },
		func() error { return a.mailboxes.MarkFailed(reason) },
	)
}

func (a *Assembler) fanOut(reports ...func() error) error {
	var wg sync.WaitGroup
	errs := make([]error, len(reports))
	for i, report := range reports {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = report()
		}()
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
