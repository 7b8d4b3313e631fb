// Package jobcontrol implements the campaign lifecycle state machine and the mock
// pre-flight validation: draft→running→(paused⇄running)→{completed,stopped,failed},
// never back to running from a terminal state. It also keeps a small in-memory audit
// trail of every transition so operators can inspect recent history without a full
// audit store wired in.
package jobcontrol

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MailerSuite/sendcore/internal/models"
	"github.com/MailerSuite/sendcore/internal/stores"
)

// ErrInvalidTransition is returned when a requested status change violates the state
// machine.
type ErrInvalidTransition struct {
	From models.CampaignStatus
	To   models.CampaignStatus
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("jobcontrol: invalid transition %s -> %s", e.From, e.To)
}

var terminal = map[models.CampaignStatus]bool{
	models.CampaignCompleted: true,
	models.CampaignStopped:   true,
	models.CampaignFailed:    true,
}

// allowed maps a current status to the set of statuses it may transition into.
var allowed = map[models.CampaignStatus]map[models.CampaignStatus]bool{
	models.CampaignDraft: {
		models.CampaignRunning: true,
		models.CampaignFailed:  true,
	},
	models.CampaignRunning: {
		models.CampaignPaused:    true,
		models.CampaignStopped:   true,
		models.CampaignCompleted: true,
		models.CampaignFailed:    true,
		models.CampaignRunning:   true, // idempotent start on an already-running campaign
	},
	models.CampaignPaused: {
		models.CampaignRunning: true,
		models.CampaignStopped: true,
		models.CampaignFailed:  true,
	},
}

// Transition is one recorded state change, kept for operator introspection.
type Transition struct {
	CampaignID string
	From       models.CampaignStatus
	To         models.CampaignStatus
	At         time.Time
}

// Controller owns the campaign state machine and its audit trail.
type Controller struct {
	clock stores.Clock

	mu         sync.Mutex
	trail      []Transition
	trailLimit int
}

// New constructs a Controller. trailLimit bounds the in-memory ring buffer; 0 means a
// sensible default.
func New(clock stores.Clock, trailLimit int) *Controller {
	if trailLimit <= 0 {
		trailLimit = 1000
	}
	return &Controller{clock: clock, trailLimit: trailLimit}
}

// Transition validates and applies a status change on campaign, recording it in the
// audit trail. Idempotent Start (running->running) returns nil without recording.
func (c *Controller) Transition(campaign *models.Campaign, to models.CampaignStatus) error {
	from := campaign.Status
	if from == to && from == models.CampaignRunning {
		return nil
	}
	if terminal[from] {
		return &ErrInvalidTransition{From: from, To: to}
	}
	if !allowed[from][to] {
		return &ErrInvalidTransition{From: from, To: to}
	}

	campaign.Status = to
	now := c.clock.Now()
	if to == models.CampaignRunning && campaign.StartedAt.IsZero() {
		campaign.StartedAt = now
	}
	if terminal[to] {
		campaign.CompletedAt = now
	}

	c.mu.Lock()
	c.trail = append(c.trail, Transition{CampaignID: campaign.ID, From: from, To: to, At: now})
	if len(c.trail) > c.trailLimit {
		c.trail = c.trail[len(c.trail)-c.trailLimit:]
	}
	c.mu.Unlock()

	return nil
}

// AuditTrail returns a snapshot of recorded transitions for campaignID, or every
// transition if campaignID is empty.
func (c *Controller) AuditTrail(campaignID string) []Transition {
	c.mu.Lock()
	defer c.mu.Unlock()
	if campaignID == "" {
		out := make([]Transition, len(c.trail))
		copy(out, c.trail)
		return out
	}
	var out []Transition
	for _, t := range c.trail {
		if t.CampaignID == campaignID {
			out = append(out, t)
		}
	}
	return out
}

// StepError is one pre-flight failure keyed by the step that produced it.
type StepError struct {
	Step    string
	Message string
}

// Pre-flight step names.
const (
	StepCampaignSettings = "campaign_settings"
	StepTemplate         = "template"
	StepSMTP             = "smtp"
	StepProxy            = "proxy"
	StepRedirectDomains  = "redirect_domains"
	StepRandomHTML       = "random_html"
)

// TemplateRenderer renders a campaign's subject/html/text against a dummy recipient
// and reports any unresolved macros.
type TemplateRenderer interface {
	Render(cfg models.CampaignConfig, dummy models.RecipientTarget) (unresolvedMacros []string, err error)
}

// TCPReachTester performs the 5-second TCP reach test for an explicitly configured
// proxy host/port.
type TCPReachTester interface {
	Reach(ctx context.Context, host string, port int, timeout time.Duration) error
}

// DomainResolver resolves redirect domain names.
type DomainResolver interface {
	Resolve(ctx context.Context, domain string) error
}

// SMTPConnectionTester opens a direct, authenticated TCP connection to the first SMTP
// account's server and runs EHLO+STARTTLS+LOGIN+QUIT without sending mail.
// It deliberately bypasses the proxy pool: the mock test is a
// diagnostic dry run against the operator's own network, not a live send.
type SMTPConnectionTester interface {
	TestConnection(ctx context.Context, account *models.SMTPAccount, timeout time.Duration) error
}

// Preflight bundles the collaborators the pre-flight checks need. Accounts is always
// required and Proxies is required whenever proxyForce is set; every other field may
// be nil to skip that step (e.g. no redirect domains configured).
type Preflight struct {
	Accounts         stores.AccountStore
	Proxies          stores.ProxyStore
	Template         TemplateRenderer
	TCPReach         TCPReachTester
	Domains          DomainResolver
	SMTPConnection   SMTPConnectionTester
	RandomHTMLPolicy func(cfg models.CampaignConfig) error // advisory only
}

// Validate runs the Start preconditions (not a dry run, no mail sent,
// no direct SMTP connection) and returns every failing step.
func (p *Preflight) Validate(ctx context.Context, sessionID string, proxyForce bool, campaign *models.Campaign, dummy models.RecipientTarget) []StepError {
	var errs []StepError

	accounts, err := p.Accounts.ListSMTPAccounts(ctx, sessionID)
	if err != nil {
		errs = append(errs, StepError{StepCampaignSettings, err.Error()})
	} else if !hasCheckedAccount(accounts) {
		errs = append(errs, StepError{StepCampaignSettings, "no checked SMTP account available"})
	}

	if proxyForce {
		proxies, err := p.Proxies.ListProxies(ctx, sessionID)
		if err != nil {
			errs = append(errs, StepError{StepProxy, err.Error()})
		} else if !hasValidProxy(proxies) {
			errs = append(errs, StepError{StepProxy, "proxy_force is set but no valid proxy exists"})
		}
	}

	if p.Template != nil {
		unresolved, err := p.Template.Render(campaign.Config, dummy)
		if err != nil {
			errs = append(errs, StepError{StepTemplate, err.Error()})
		} else if len(unresolved) > 0 {
			errs = append(errs, StepError{StepTemplate, fmt.Sprintf("unresolved macros: %v", unresolved)})
		}
	}

	if p.TCPReach != nil && campaign.Config.ProxyHost != "" {
		if err := p.TCPReach.Reach(ctx, campaign.Config.ProxyHost, campaign.Config.ProxyPort, 5*time.Second); err != nil {
			errs = append(errs, StepError{StepProxy, err.Error()})
		}
	}

	if p.Domains != nil {
		for _, domain := range campaign.Config.RedirectDomains {
			if err := p.Domains.Resolve(ctx, domain); err != nil {
				errs = append(errs, StepError{StepRedirectDomains, fmt.Sprintf("%s: %v", domain, err)})
			}
		}
	}

	if p.RandomHTMLPolicy != nil {
		if err := p.RandomHTMLPolicy(campaign.Config); err != nil {
			errs = append(errs, StepError{StepRandomHTML, err.Error()})
		}
	}

	return errs
}

// MockTest runs Validate plus the direct SMTP connection test, without sending mail.
func (p *Preflight) MockTest(ctx context.Context, sessionID string, proxyForce bool, campaign *models.Campaign, dummy models.RecipientTarget) []StepError {
	errs := p.Validate(ctx, sessionID, proxyForce, campaign, dummy)

	if p.SMTPConnection != nil {
		accounts, err := p.Accounts.ListSMTPAccounts(ctx, sessionID)
		if err == nil && len(accounts) > 0 {
			if connErr := p.SMTPConnection.TestConnection(ctx, accounts[0], 30*time.Second); connErr != nil {
				errs = append(errs, StepError{StepSMTP, connErr.Error()})
			}
		}
	}

	return errs
}

func hasCheckedAccount(accounts []*models.SMTPAccount) bool {
	for _, a := range accounts {
		if a.Eligible() {
			return true
		}
	}
	return false
}

func hasValidProxy(proxies []*models.Proxy) bool {
	for _, p := range proxies {
		if p.Status == models.ProxyValid && p.IsActive && !p.IsBlacklisted {
			return true
		}
	}
	return false
}
