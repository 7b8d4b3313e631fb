// Package selector implements the Account Selector: it chooses the
// next eligible SMTP account for a send, honoring rate, warm-up, and optionally a
// closed-loop health score.
package selector

import (
	"context"
	"math/rand"
	"sync"

	"github.com/MailerSuite/sendcore/internal/models"
	"github.com/MailerSuite/sendcore/internal/rategovernor"
	"github.com/MailerSuite/sendcore/internal/warmup"
)

// Weights for the composite health score:
// w1*ewma_success - w2*ewma_latency - w3*consecutive_failures.
type Weights struct {
	Success  float64
	Latency  float64
	Failures float64
}

// DefaultWeights favors reliability over raw speed.
var DefaultWeights = Weights{Success: 10, Latency: 1, Failures: 2}

// ErrNoEligibleAccount is returned when no account passes the eligibility filter.
var ErrNoEligibleAccount = models.NewOpError(models.ErrConfiguration, "no eligible smtp account")

// EWMAAlpha is the smoothing factor for health-score updates.
const EWMAAlpha = 0.3

// Selector chooses among a session's SMTP accounts.
type Selector struct {
	accountGovernor *rategovernor.Governor
	domainGovernor  *rategovernor.Governor
	warmupCtl       *warmup.Controller

	mu            sync.Mutex
	scores        map[string]*models.HealthScore
	healthEnabled bool
	weights       Weights
}

// New constructs a Selector. healthEnabled toggles score-ordered selection versus
// uniform random sampling.
func New(accountGovernor, domainGovernor *rategovernor.Governor, warmupCtl *warmup.Controller, healthEnabled bool) *Selector {
	return &Selector{
		accountGovernor: accountGovernor,
		domainGovernor:  domainGovernor,
		warmupCtl:       warmupCtl,
		scores:          make(map[string]*models.HealthScore),
		healthEnabled:   healthEnabled,
		weights:         DefaultWeights,
	}
}

// eligible filters to active, healthy-status accounts under their warm-up cap and
// rate window, without consuming a rate slot (used by Select to build the candidate
// pool; the actual slot is acquired by the caller
// after a choice is made, since Rate Governor.Acquire blocks).
func (s *Selector) eligible(accounts []*models.SMTPAccount) []*models.SMTPAccount {
	out := make([]*models.SMTPAccount, 0, len(accounts))
	for _, a := range accounts {
		if !a.Eligible() {
			continue
		}
		if !s.warmupCtl.CanSend(a.ID) {
			continue
		}
		if s.accountGovernor.InWindow(a.ID) >= s.accountGovernor.LimitOf() {
			continue
		}
		out = append(out, a)
	}
	return out
}

// Select returns the next account to use, or ErrNoEligibleAccount.
func (s *Selector) Select(ctx context.Context, accounts []*models.SMTPAccount) (*models.SMTPAccount, error) {
	return s.SelectExcluding(ctx, accounts, nil)
}

// SelectExcluding behaves like Select but drops any account whose id is in exclude.
// The retry failover rotation passes only accounts whose every (account, proxy)
// pairing has already been tried, so an account with untried proxies stays in play.
func (s *Selector) SelectExcluding(_ context.Context, accounts []*models.SMTPAccount, exclude map[string]bool) (*models.SMTPAccount, error) {
	candidates := s.eligible(accounts)
	if exclude != nil {
		filtered := candidates[:0:0]
		for _, a := range candidates {
			if !exclude[a.ID] {
				filtered = append(filtered, a)
			}
		}
		candidates = filtered
	}
	if len(candidates) == 0 {
		return nil, ErrNoEligibleAccount
	}

	if s.healthEnabled {
		return s.pickByScore(candidates), nil
	}
	return candidates[rand.Intn(len(candidates))], nil
}

// AccountGovernor exposes the per-account Rate Governor so the Orchestrator can
// Acquire a slot after a choice is made; Select and Acquire are separate steps since
// Acquire blocks.
func (s *Selector) AccountGovernor() *rategovernor.Governor { return s.accountGovernor }

// DomainGovernor exposes the per-sender-domain Rate Governor, symmetric to AccountGovernor.
func (s *Selector) DomainGovernor() *rategovernor.Governor { return s.domainGovernor }

// MarkSent increments the account's warm-up daily counter after a successful send.
// Distinct from AdjustScore, which tracks the EWMA health score.
func (s *Selector) MarkSent(accountID string) {
	s.warmupCtl.OnSend(accountID)
}

func (s *Selector) pickByScore(candidates []*models.SMTPAccount) *models.SMTPAccount {
	s.mu.Lock()
	defer s.mu.Unlock()

	best := candidates[0]
	bestScore := s.scoreFor(best.ID).Composite(s.weights.Success, s.weights.Latency, s.weights.Failures)
	for _, a := range candidates[1:] {
		score := s.scoreFor(a.ID).Composite(s.weights.Success, s.weights.Latency, s.weights.Failures)
		if score > bestScore {
			best, bestScore = a, score
		}
	}
	return best
}

func (s *Selector) scoreFor(accountID string) models.HealthScore {
	hs, ok := s.scores[accountID]
	if !ok {
		return models.HealthScore{EWMASuccess: 0.5}
	}
	return *hs
}

// AdjustScore updates an account's EWMAs after a send attempt completes.
func (s *Selector) AdjustScore(accountID string, success bool, responseTimeMillis float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hs, ok := s.scores[accountID]
	if !ok {
		hs = &models.HealthScore{EWMASuccess: 0.5}
		s.scores[accountID] = hs
	}

	successValue := 0.0
	if success {
		successValue = 1.0
		hs.ConsecutiveFailures = 0
	} else {
		hs.ConsecutiveFailures++
	}

	hs.EWMASuccess = EWMAAlpha*successValue + (1-EWMAAlpha)*hs.EWMASuccess
	hs.EWMALatencyMillis = EWMAAlpha*responseTimeMillis + (1-EWMAAlpha)*hs.EWMALatencyMillis
}

// Score returns a snapshot of an account's current health score, for introspection.
func (s *Selector) Score(accountID string) models.HealthScore {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scoreFor(accountID)
}
