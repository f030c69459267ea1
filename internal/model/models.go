// Package model defines domain structs shared across the persistence layer.
package model

import "strconv"

// Kind identifies one of the resource pools.
type Kind string

const (
	KindAccount Kind = "account"
	KindCard    Kind = "card"
	KindProxy   Kind = "proxy"
	KindMailbox Kind = "mailbox"
	KindTask    Kind = "task"
)

// AllKinds lists every resource kind in a stable order.
var AllKinds = []Kind{KindAccount, KindCard, KindProxy, KindMailbox, KindTask}

// IsValid reports whether k is a known resource kind.
func (k Kind) IsValid() bool {
	switch k {
	case KindAccount, KindCard, KindProxy, KindMailbox, KindTask:
		return true
	}
	return false
}

// Table returns the store table backing this kind.
func (k Kind) Table() string {
	switch k {
	case KindAccount:
		return "accounts"
	case KindCard:
		return "cards"
	case KindProxy:
		return "proxies"
	case KindMailbox:
		return "emails"
	case KindTask:
		return "tasks"
	}
	return ""
}

// Status is a resource lifecycle state. The value set is shared across kinds;
// each kind uses the subset that makes sense for it (a proxy is never
// "declined", a card is never "banned").
type Status string

const (
	// StatusActive marks a resource eligible for claiming.
	StatusActive Status = "active"
	// StatusCooldown marks a resource ineligible until cooldown_until passes.
	// Eligibility is computed from the timestamp, never from the status alone.
	StatusCooldown Status = "cooldown"
	// StatusUsed marks a resource consumed by a successful run (terminal).
	StatusUsed Status = "used"
	// StatusBanned marks an account rejected by the target (terminal).
	StatusBanned Status = "banned"
	// StatusDeclined marks a card refused by a payment processor (terminal).
	StatusDeclined Status = "declined"
	// StatusExpired marks a card or proxy past its expiry (terminal).
	StatusExpired Status = "expired"
	// StatusDead marks a permanently retired resource (terminal).
	StatusDead Status = "dead"
)

// IsTerminal reports whether a status never returns to active without an
// explicit administrative reset.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusUsed, StatusBanned, StatusDeclined, StatusExpired, StatusDead:
		return true
	}
	return false
}

// Outcome is the terminal disposition reported for a claimed resource.
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeFailed   Outcome = "failed"
	OutcomeDeclined Outcome = "declined"
	OutcomeBanned   Outcome = "banned"
	OutcomeExpired  Outcome = "expired"
)

// Account is a credential pair with optional linked payment/proxy resources.
type Account struct {
	ID              int64    `json:"id"`
	Username        string   `json:"username"`
	Password        string   `json:"password"`
	Tags            []string `json:"tags"`
	LinkedCardID    int64    `json:"linked_card_id"`  // 0 = no link
	LinkedProxyID   int64    `json:"linked_proxy_id"` // 0 = no link
	Priority        int      `json:"priority"`
	CredentialScore int      `json:"credential_score"` // zxcvbn 0..4
	UsageCount      int      `json:"usage_count"`
	Status          Status   `json:"status"`
	CooldownUntilNs int64    `json:"cooldown_until_ns"` // 0 = none
	LastUsedAtNs    int64    `json:"last_used_at_ns"`   // 0 = never
	Hash            string   `json:"hash"`
	CreatedAtNs     int64    `json:"created_at_ns"`
	UpdatedAtNs     int64    `json:"updated_at_ns"`
}

// Card holds payment details with a bounded usage budget.
type Card struct {
	ID              int64  `json:"id"`
	Number          string `json:"number"`
	ExpMonth        int    `json:"exp_month"`
	ExpYear         int    `json:"exp_year"`
	CVV             string `json:"cvv"`
	Holder          string `json:"holder"`
	CardType        string `json:"card_type"` // visa, mastercard, amex, ...
	BillingAddress  string `json:"billing_address"`
	BillingZip      string `json:"billing_zip"`
	BalanceCents    int64  `json:"balance_cents"`
	UsageCount      int    `json:"usage_count"`
	MaxUsage        int    `json:"max_usage"` // 0 = unlimited
	Priority        int    `json:"priority"`
	Status          Status `json:"status"`
	CooldownUntilNs int64  `json:"cooldown_until_ns"`
	LastUsedAtNs    int64  `json:"last_used_at_ns"`
	Hash            string `json:"hash"`
	CreatedAtNs     int64  `json:"created_at_ns"`
	UpdatedAtNs     int64  `json:"updated_at_ns"`
}

// Proxy is a network egress endpoint with health accounting.
type Proxy struct {
	ID              int64  `json:"id"`
	Host            string `json:"host"`
	Port            int    `json:"port"`
	Protocol        string `json:"protocol"` // http, https, socks5
	Username        string `json:"username"`
	Password        string `json:"password"`
	Country         string `json:"country"` // lowercase ISO 3166-1 alpha-2, "" = unknown
	RotationGroup   string `json:"rotation_group"`
	FailCount       int    `json:"fail_count"`    // lifetime failures
	SuccessCount    int    `json:"success_count"` // lifetime successes
	ConsecutiveFail int    `json:"consecutive_fail"`
	ResponseTimeMs  int64  `json:"response_time_ms"` // 0 = unmeasured
	UsageCount      int    `json:"usage_count"`
	Status          Status `json:"status"`
	CooldownUntilNs int64  `json:"cooldown_until_ns"`
	LastUsedAtNs    int64  `json:"last_used_at_ns"`
	ExpiresAtNs     int64  `json:"expires_at_ns"` // 0 = no expiry
	Hash            string `json:"hash"`
	CreatedAtNs     int64  `json:"created_at_ns"`
	UpdatedAtNs     int64  `json:"updated_at_ns"`
}

// URL renders the proxy as a scheme://[user:pass@]host:port string.
func (p Proxy) URL() string {
	scheme := p.Protocol
	if scheme == "" {
		scheme = "http"
	}
	auth := ""
	if p.Username != "" {
		auth = p.Username + ":" + p.Password + "@"
	}
	return scheme + "://" + auth + p.Host + ":" + strconv.Itoa(p.Port)
}

// Mailbox is an email inbox used for verification flows.
type Mailbox struct {
	ID              int64  `json:"id"`
	Address         string `json:"address"`
	Password        string `json:"password"`
	Provider        string `json:"provider"` // gmail, outlook, custom, ...
	Verified        bool   `json:"verified"`
	IMAPHost        string `json:"imap_host"`
	IMAPPort        int    `json:"imap_port"`
	SMTPHost        string `json:"smtp_host"`
	SMTPPort        int    `json:"smtp_port"`
	UsageCount      int    `json:"usage_count"`
	Status          Status `json:"status"`
	CooldownUntilNs int64  `json:"cooldown_until_ns"`
	LastUsedAtNs    int64  `json:"last_used_at_ns"`
	Hash            string `json:"hash"`
	CreatedAtNs     int64  `json:"created_at_ns"`
	UpdatedAtNs     int64  `json:"updated_at_ns"`
}

// Task is a queued unit of work handed to session code alongside a profile.
// It goes through the same claim discipline as every other kind: usage_count
// is the attempt counter, and a task whose attempts are spent is retired.
type Task struct {
	ID              int64  `json:"id"`
	Type            string `json:"type"`
	PayloadJSON     string `json:"payload_json"`
	Priority        int    `json:"priority"`
	MaxAttempts     int    `json:"max_attempts"` // 0 = unlimited
	UsageCount      int    `json:"usage_count"`  // attempts so far
	Status          Status `json:"status"`
	CooldownUntilNs int64  `json:"cooldown_until_ns"`
	LastUsedAtNs    int64  `json:"last_used_at_ns"`
	Hash            string `json:"hash"`
	CreatedAtNs     int64  `json:"created_at_ns"`
	UpdatedAtNs     int64  `json:"updated_at_ns"`
}

// Claim is a live allocation lock on one resource. The claim row, not the
// resource status, is what keeps a resource out of concurrent claim queries;
// an expired claim is equivalent to no claim.
type Claim struct {
	ID          string `json:"id"` // uuid
	Kind        Kind   `json:"kind"`
	ResourceID  int64  `json:"resource_id"`
	SessionID   string `json:"session_id"`
	ClaimedAtNs int64  `json:"claimed_at_ns"`
	ExpiresAtNs int64  `json:"expires_at_ns"`
}

// StatusCounts maps status → row count for one kind.
type StatusCounts map[Status]int

// Total sums all status buckets.
func (c StatusCounts) Total() int {
	n := 0
	for _, v := range c {
		n += v
	}
	return n
}
