// Package retry implements the Retry & Dead-Letter policy: bounded
// attempts with exponential backoff plus jitter, a failover rotation over (account,
// proxy) pairs that never repeats a pair while one remains untried, and a persisted
// dead-letter record on final failure.
package retry

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/MailerSuite/sendcore/internal/models"
	"github.com/MailerSuite/sendcore/internal/stores"
)

// Policy configures the bounded-retry/backoff behavior.
type Policy struct {
	Limit     int           // retry_limit, default 3
	BaseDelay time.Duration // default 1s
	MaxDelay  time.Duration // configured cap
}

// DefaultPolicy is the baseline retry behavior: 3 attempts, 1s base, 30s cap.
var DefaultPolicy = Policy{Limit: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second}

// WithDefaults fills zero fields of p with DefaultPolicy's values.
func (p Policy) WithDefaults() Policy {
	if p.Limit <= 0 {
		p.Limit = DefaultPolicy.Limit
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultPolicy.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultPolicy.MaxDelay
	}
	return p
}

// Backoff computes the exponential-with-jitter delay before retry attempt (1-indexed).
// rnd is consulted via stores.Randomness so callers get deterministic tests.
func (p Policy) Backoff(attempt int, rnd stores.Randomness) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	raw := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if raw > float64(p.MaxDelay) {
		raw = float64(p.MaxDelay)
	}
	jitter := raw * 0.25 * rnd.Float64()
	return time.Duration(raw + jitter)
}

// Pair is one (SMTP account, proxy) failover combination. ProxyID is empty when leak
// prevention is off and no proxy was used.
type Pair struct {
	AccountID string
	ProxyID   string
}

// Key returns a value suitable as a map key for "already tried" tracking.
func (p Pair) Key() string { return p.AccountID + "|" + p.ProxyID }

// Tracker records which (account, proxy) pairs have already been attempted for one
// recipient, so the orchestrator can exclude them from the next candidate selection
// and never repeat a pair while untried ones remain.
type Tracker struct {
	tried map[string]Pair
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{tried: make(map[string]Pair)}
}

// Record marks a pair as attempted.
func (t *Tracker) Record(p Pair) {
	t.tried[p.Key()] = p
}

// TriedAccountIDs returns the set of account ids already attempted.
func (t *Tracker) TriedAccountIDs() map[string]bool {
	out := make(map[string]bool, len(t.tried))
	for _, p := range t.tried {
		if p.AccountID != "" {
			out[p.AccountID] = true
		}
	}
	return out
}

// TriedProxyIDs returns the set of proxy ids already attempted.
func (t *Tracker) TriedProxyIDs() map[string]bool {
	out := make(map[string]bool, len(t.tried))
	for _, p := range t.tried {
		if p.ProxyID != "" {
			out[p.ProxyID] = true
		}
	}
	return out
}

// TriedProxiesFor returns the proxy ids already attempted in combination with
// accountID. Excluding only these (rather than every tried proxy) keeps the
// rotation walking pairs: an account stays in play until each available proxy has
// been tried with it.
func (t *Tracker) TriedProxiesFor(accountID string) map[string]bool {
	out := make(map[string]bool)
	for _, p := range t.tried {
		if p.AccountID == accountID && p.ProxyID != "" {
			out[p.ProxyID] = true
		}
	}
	return out
}

// AccountExhausted reports whether accountID has already been paired with every
// proxy in proxyIDs. With no proxy dimension to rotate over, a single prior attempt
// exhausts the account.
func (t *Tracker) AccountExhausted(accountID string, proxyIDs []string) bool {
	if len(proxyIDs) == 0 {
		_, tried := t.tried[Pair{AccountID: accountID}.Key()]
		return tried
	}
	triedProxies := t.TriedProxiesFor(accountID)
	for _, id := range proxyIDs {
		if !triedProxies[id] {
			return false
		}
	}
	return true
}

// ExhaustedPairs reports whether every candidate (account, proxy) combination,
// given the total account/proxy counts available this round, has been tried.
func (t *Tracker) ExhaustedPairs(totalAccounts, totalProxies int) bool {
	if totalAccounts == 0 {
		return true
	}
	total := totalAccounts
	if totalProxies > 0 {
		total = totalAccounts * totalProxies
	}
	return len(t.tried) >= total
}

// Recorder persists Dead-Letter Records on final failure.
type Recorder struct {
	store stores.CampaignStore
	clock stores.Clock
}

// NewRecorder constructs a Recorder.
func NewRecorder(store stores.CampaignStore, clock stores.Clock) *Recorder {
	return &Recorder{store: store, clock: clock}
}

// Record appends a models.DeadLetterRecord capturing every attempt made for recipient.
func (r *Recorder) Record(ctx context.Context, campaignID, recipientEmail string, attempts []models.SendAttempt, finalErr error) error {
	finalText := ""
	if finalErr != nil {
		finalText = finalErr.Error()
	}
	record := models.DeadLetterRecord{
		CampaignID:     campaignID,
		RecipientEmail: recipientEmail,
		Attempts:       append([]models.SendAttempt(nil), attempts...),
		FinalError:     finalText,
		CreatedAt:      r.clock.Now(),
	}
	if err := r.store.AppendDeadLetter(ctx, record); err != nil {
		return fmt.Errorf("retry: persist dead letter for %s: %w", recipientEmail, err)
	}
	return nil
}
