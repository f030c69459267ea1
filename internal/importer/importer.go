// Package importer loads inventory files into the store in bulk. Input is
// YAML; duplicate rows are dropped on content hash, weak account credentials
// get their priority docked, and proxies with no country are resolved
// through GeoIP when a database is available.
package importer

import (
	"fmt"
	"log"
	"net/netip"
	"os"
	"strings"

	zxcvbn "github.com/ccojocar/zxcvbn-go"
	"gopkg.in/yaml.v3"

	"github.com/stagecrew/roster/internal/geoip"
	"github.com/stagecrew/roster/internal/model"
	"github.com/stagecrew/roster/internal/store"
)

// weakCredentialScore is the zxcvbn score below which an account's priority
// is reduced so stronger accounts get claimed first.
const weakCredentialScore = 3

// weakCredentialPenalty is subtracted from the declared priority of accounts
// with weak credentials.
const weakCredentialPenalty = 10

// Inventory mirrors the YAML import file layout. Any section may be absent.
type Inventory struct {
	Accounts  []AccountEntry `yaml:"accounts"`
	Cards     []CardEntry    `yaml:"cards"`
	Proxies   []ProxyEntry   `yaml:"proxies"`
	Mailboxes []MailboxEntry `yaml:"mailboxes"`
	Tasks     []TaskEntry    `yaml:"tasks"`
}

type AccountEntry struct {
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	Tags     []string `yaml:"tags"`
	Priority int      `yaml:"priority"`
}

type CardEntry struct {
	Number         string `yaml:"number"`
	ExpMonth       int    `yaml:"exp_month"`
	ExpYear        int    `yaml:"exp_year"`
	CVV            string `yaml:"cvv"`
	Holder         string `yaml:"holder"`
	CardType       string `yaml:"card_type"`
	BillingAddress string `yaml:"billing_address"`
	BillingZip     string `yaml:"billing_zip"`
	BalanceCents   int64  `yaml:"balance_cents"`
	MaxUsage       int    `yaml:"max_usage"`
}

type ProxyEntry struct {
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	Protocol      string `yaml:"protocol"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	Country       string `yaml:"country"`
	RotationGroup string `yaml:"rotation_group"`
}

type MailboxEntry struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	Provider string `yaml:"provider"`
	IMAPHost string `yaml:"imap_host"`
	IMAPPort int    `yaml:"imap_port"`
	SMTPHost string `yaml:"smtp_host"`
	SMTPPort int    `yaml:"smtp_port"`
}

type TaskEntry struct {
	Type        string `yaml:"type"`
	Payload     string `yaml:"payload"` // JSON object, opaque to the allocator
	Priority    int    `yaml:"priority"`
	MaxAttempts int    `yaml:"max_attempts"`
}

// Result counts what an import run actually inserted, per kind. Duplicates
// are the difference between offered and inserted.
type Result struct {
	Accounts  int `json:"accounts"`
	Cards     int `json:"cards"`
	Proxies   int `json:"proxies"`
	Mailboxes int `json:"mailboxes"`
	Tasks     int `json:"tasks"`
}

// Total sums inserted rows across kinds.
func (r Result) Total() int { return r.Accounts + r.Cards + r.Proxies + r.Mailboxes + r.Tasks }

// Importer writes inventory files into the store.
type Importer struct {
	store *store.Store
	geo   *geoip.Service // nil = no country resolution
}

// New creates an importer. geo may be nil.
func New(s *store.Store, geo *geoip.Service) *Importer {
	return &Importer{store: s, geo: geo}
}

// ImportFile reads and imports a YAML inventory file.
func (im *Importer) ImportFile(path string) (Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Result{}, fmt.Errorf("import %s: %w", path, err)
	}
	res, err := im.Import(data)
	if err != nil {
		return res, fmt.Errorf("import %s: %w", path, err)
	}
	return res, nil
}

// Import parses YAML inventory data and bulk-inserts every section. Sections
// are independent; the returned Result reflects whatever was inserted before
// any error.
func (im *Importer) Import(data []byte) (Result, error) {
	var inv Inventory
	if err := yaml.Unmarshal(data, &inv); err != nil {
		return Result{}, fmt.Errorf("parse inventory: %w", err)
	}

	var res Result
	var err error
	if res.Accounts, err = im.importAccounts(inv.Accounts); err != nil {
		return res, err
	}
	if res.Cards, err = im.importCards(inv.Cards); err != nil {
		return res, err
	}
	if res.Proxies, err = im.importProxies(inv.Proxies); err != nil {
		return res, err
	}
	if res.Mailboxes, err = im.importMailboxes(inv.Mailboxes); err != nil {
		return res, err
	}
	if res.Tasks, err = im.importTasks(inv.Tasks); err != nil {
		return res, err
	}
	log.Printf("[importer] inserted %d rows (accounts=%d cards=%d proxies=%d mailboxes=%d tasks=%d)",
		res.Total(), res.Accounts, res.Cards, res.Proxies, res.Mailboxes, res.Tasks)
	return res, nil
}

func (im *Importer) importAccounts(entries []AccountEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	accounts := make([]model.Account, 0, len(entries))
	for _, e := range entries {
		if e.Username == "" {
			continue
		}
		score := zxcvbn.PasswordStrength(e.Password, []string{e.Username}).Score
		priority := e.Priority
		if score < weakCredentialScore {
			priority -= weakCredentialPenalty
		}
		accounts = append(accounts, model.Account{
			Username:        e.Username,
			Password:        e.Password,
			Tags:            e.Tags,
			Priority:        priority,
			CredentialScore: score,
		})
	}
	return im.store.Accounts().BulkCreate(accounts)
}

func (im *Importer) importCards(entries []CardEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	cards := make([]model.Card, 0, len(entries))
	for _, e := range entries {
		if e.Number == "" {
			continue
		}
		cards = append(cards, model.Card{
			Number:         e.Number,
			ExpMonth:       e.ExpMonth,
			ExpYear:        e.ExpYear,
			CVV:            e.CVV,
			Holder:         e.Holder,
			CardType:       strings.ToLower(e.CardType),
			BillingAddress: e.BillingAddress,
			BillingZip:     e.BillingZip,
			BalanceCents:   e.BalanceCents,
			MaxUsage:       e.MaxUsage,
		})
	}
	return im.store.Cards().BulkCreate(cards)
}

func (im *Importer) importProxies(entries []ProxyEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	proxies := make([]model.Proxy, 0, len(entries))
	for _, e := range entries {
		if e.Host == "" || e.Port == 0 {
			continue
		}
		country := strings.ToLower(e.Country)
		if country == "" {
			country = im.resolveCountry(e.Host)
		}
		proxies = append(proxies, model.Proxy{
			Host:          e.Host,
			Port:          e.Port,
			Protocol:      strings.ToLower(e.Protocol),
			Username:      e.Username,
			Password:      e.Password,
			Country:       country,
			RotationGroup: e.RotationGroup,
		})
	}
	return im.store.Proxies().BulkCreate(proxies)
}

func (im *Importer) importMailboxes(entries []MailboxEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	mailboxes := make([]model.Mailbox, 0, len(entries))
	for _, e := range entries {
		if e.Address == "" {
			continue
		}
		mailboxes = append(mailboxes, model.Mailbox{
			Address:  e.Address,
			Password: e.Password,
			Provider: strings.ToLower(e.Provider),
			IMAPHost: e.IMAPHost,
			IMAPPort: e.IMAPPort,
			SMTPHost: e.SMTPHost,
			SMTPPort: e.SMTPPort,
		})
	}
	return im.store.Mailboxes().BulkCreate(mailboxes)
}

func (im *Importer) importTasks(entries []TaskEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	tasks := make([]model.Task, 0, len(entries))
	for _, e := range entries {
		if e.Type == "" {
			continue
		}
		tasks = append(tasks, model.Task{
			Type:        strings.ToLower(e.Type),
			PayloadJSON: e.Payload,
			Priority:    e.Priority,
			MaxAttempts: e.MaxAttempts,
		})
	}
	return im.store.Tasks().BulkCreate(tasks)
}

// resolveCountry looks the host up in the GeoIP database. Hostnames are not
// resolved over DNS; only literal IPs get a country.
func (im *Importer) resolveCountry(host string) string {
	if im.geo == nil {
		return ""
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return ""
	}
	return im.geo.Lookup(ip)
}
