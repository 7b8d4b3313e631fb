// Package models holds the core send/verify data model: tenant sessions, SMTP/IMAP
// accounts, proxies, campaigns, send attempts and dead letters. These are plain
// structs, not ORM records — persistence lives behind the stores package.
package models

import (
	"errors"
	"fmt"
	"net/mail"
	"time"
)

// AccountStatus is shared by SMTP and IMAP accounts.
type AccountStatus string

const (
	AccountPending AccountStatus = "pending"
	AccountValid   AccountStatus = "valid"
	AccountInvalid AccountStatus = "invalid"
	AccountDead    AccountStatus = "dead"
	AccountChecked AccountStatus = "checked"
)

// ProxyKind enumerates the supported tunnel protocols.
type ProxyKind string

const (
	ProxySOCKS5 ProxyKind = "socks5"
	ProxySOCKS4 ProxyKind = "socks4"
	ProxyHTTP   ProxyKind = "http"
)

// ProxyStatus tracks the Proxy Pool's health classification.
type ProxyStatus string

const (
	ProxyPending     ProxyStatus = "pending"
	ProxyValid       ProxyStatus = "valid"
	ProxyDead        ProxyStatus = "dead"
	ProxyBlacklisted ProxyStatus = "blacklisted"
)

// CampaignStatus is the Campaign Orchestrator's state machine.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignRunning   CampaignStatus = "running"
	CampaignPaused    CampaignStatus = "paused"
	CampaignStopped   CampaignStatus = "stopped"
	CampaignCompleted CampaignStatus = "completed"
	CampaignFailed    CampaignStatus = "failed"
)

// TenantSession is the isolation boundary owning accounts, proxies and campaigns.
type TenantSession struct {
	ID             string
	ProxyForce     bool
	LeakPrevention bool
}

// Credential represents either a password or an OAuth refresh-token credential.
// Exactly one of Password or (RefreshToken, ClientID) should be set.
type Credential struct {
	Password     string
	RefreshToken string
	ClientID     string
	TokenURL     string
}

// IsOAuth reports whether the credential uses OAuth XOAUTH2 instead of a password.
func (c Credential) IsOAuth() bool {
	return c.RefreshToken != "" && c.ClientID != ""
}

// SMTPAccount is a sending identity.
type SMTPAccount struct {
	ID         string
	SessionID  string
	Host       string // optional; resolved via MX when empty
	Port       int
	Email      string
	Credential Credential

	Status        AccountStatus
	IsActive      bool
	HealthScore   HealthScore
	LastCheckedAt time.Time
	ResponseTime  time.Duration
	ErrorText     string

	WarmupDay      int
	WarmupDailyCap int
	DailySent      int
	HourlySent     int
}

// Domain returns the sender's domain, used as the Rate Governor's domain key.
func (a *SMTPAccount) Domain() string {
	addr, err := mail.ParseAddress(a.Email)
	if err != nil {
		return ""
	}
	at := lastIndexByte(addr.Address, '@')
	if at < 0 {
		return ""
	}
	return addr.Address[at+1:]
}

func lastIndexByte(s string, b byte) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// Eligible reports whether the account may be considered by the Account Selector.
func (a *SMTPAccount) Eligible() bool {
	if !a.IsActive {
		return false
	}
	return a.Status == AccountValid || a.Status == AccountChecked
}

// IMAPAccount is symmetric to SMTPAccount but consumed by the IMAP Prober.
type IMAPAccount struct {
	ID         string
	SessionID  string
	Host       string
	Port       int
	Email      string
	Credential Credential
	UseSSL     bool

	Status          AccountStatus
	DiscoveryStatus string
	LastCheckedAt   time.Time
}

// Proxy is an upstream SOCKS/HTTP proxy owned by a tenant session.
type Proxy struct {
	ID        string
	SessionID string
	Kind      ProxyKind
	Host      string
	Port      int
	Username  string
	Password  string

	Status          ProxyStatus
	IsActive        bool
	IsBlacklisted   bool
	BlacklistReason string
	ResponseTime    time.Duration
	LastCheckedAt   time.Time
	ErrorText       string

	// ConsecutiveTunnelFailures tracks open_tunnel failures (not probe failures),
	// used for the dead-escalation threshold.
	ConsecutiveTunnelFailures int
}

// Addr returns "host:port" for dialing.
func (p *Proxy) Addr() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// CampaignCounters holds the atomic progress counters. All are monotonic (except on
// reset) but Deferred, which also drops as deferred recipients are re-run.
type CampaignCounters struct {
	Sent        int64
	Success     int64
	Failed      int64
	Retries     int64
	Failovers   int64
	Deferred    int64
	Opened      int64
	Clicked     int64
	Bounced     int64
	OAuthErrors int64
	ProxyErrors int64
	SMTPErrors  int64
}

// CampaignConfig captures the operator-supplied send plan.
type CampaignConfig struct {
	TemplateRef        string
	SubjectPool        []string
	TemplatePool       []string
	BatchSize          int
	DelayBetweenBatches time.Duration
	ThreadCount        int
	RetryLimit         int
	Sender             string
	CC                 []string
	BCC                []string
	RedirectDomains    []string
	ProxyHost          string
	ProxyPort          int
	RequireProxy       bool
	TrackOpens         bool
	RequireUnsubscribe bool
	CustomMessageID    bool
}

// Campaign is a single outbound send run.
type Campaign struct {
	ID        string
	SessionID string
	Config    CampaignConfig

	Status      CampaignStatus
	Counters    CampaignCounters
	StartedAt   time.Time
	CompletedAt time.Time
}

// RecipientTarget is read-only input to the core.
type RecipientTarget struct {
	Email        string
	FirstName    string
	LastName     string
	CustomFields map[string]string
}

// SendOutcome classifies the terminal result of a single send attempt.
type SendOutcome string

const (
	OutcomeSuccess SendOutcome = "success"
	OutcomeFailed  SendOutcome = "failed"
	OutcomeRetried SendOutcome = "retried"
)

// SendAttempt is an append-only log record of one delivery try.
type SendAttempt struct {
	CampaignID      string
	RecipientEmail  string
	AccountID       string
	ProxyID         string
	StartedAt       time.Time
	EndedAt         time.Time
	Outcome         SendOutcome
	ErrorKind       string
	ErrorText       string
}

// DeadLetterRecord is persisted when retries for a recipient are exhausted.
type DeadLetterRecord struct {
	CampaignID     string
	RecipientEmail string
	Attempts       []SendAttempt
	FinalError     string
	CreatedAt      time.Time
}

// HealthScore is the EWMA-based composite used by the Account Selector.
type HealthScore struct {
	EWMASuccess         float64
	EWMALatencyMillis   float64
	ConsecutiveFailures int
}

// Composite computes w1*success - w2*latency - w3*failures.
func (h HealthScore) Composite(w1, w2, w3 float64) float64 {
	return w1*h.EWMASuccess - w2*(h.EWMALatencyMillis/1000.0) - w3*float64(h.ConsecutiveFailures)
}

// ErrKind enumerates the error taxonomy. It is a string, not a Go error type, so it
// can travel across the worker boundary as data.
type ErrKind string

const (
	ErrConfiguration     ErrKind = "configuration"
	ErrProxyUnavailable  ErrKind = "proxy_unavailable"
	ErrNetwork           ErrKind = "network"
	ErrAuth              ErrKind = "auth"
	ErrPolicy            ErrKind = "policy"
	ErrProtocolViolation ErrKind = "protocol_violation"
	ErrCancellation      ErrKind = "cancellation"
	ErrInternal          ErrKind = "internal"
)

// OpError is a kinded error carrying a short user-visible reason plus raw detail for
// structured logs.
type OpError struct {
	Kind ErrKind
	Text string
	Raw  string
}

func (e *OpError) Error() string {
	if e.Text == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Text)
}

// Retryable reports whether the orchestrator should route this error to Retry.
func (e *OpError) Retryable() bool {
	switch e.Kind {
	case ErrNetwork, ErrProtocolViolation:
		return true
	case ErrAuth:
		return e.Text == "transient"
	default:
		return false
	}
}

// NewOpError constructs an *OpError, never returns nil.
func NewOpError(kind ErrKind, text string) *OpError {
	return &OpError{Kind: kind, Text: text}
}

var errNilEmail = errors.New("email is required")

// ValidateRecipient performs the minimal shape check the core requires before a send.
func ValidateRecipient(r RecipientTarget) error {
	if r.Email == "" {
		return errNilEmail
	}
	if _, err := mail.ParseAddress(r.Email); err != nil {
		return fmt.Errorf("invalid recipient address %q: %w", r.Email, err)
	}
	return nil
}
