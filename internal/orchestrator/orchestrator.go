// Package orchestrator implements the Campaign Orchestrator: it runs a
// campaign from draft to a terminal state, fanning recipients out to a bounded worker
// pool, invoking the Account Selector, Rate Governor, SMTP Dispatcher and Retry policy
// for each one, and publishing progress snapshots.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/MailerSuite/sendcore/internal/dispatcher"
	"github.com/MailerSuite/sendcore/internal/jobcontrol"
	"github.com/MailerSuite/sendcore/internal/models"
	"github.com/MailerSuite/sendcore/internal/proxypool"
	"github.com/MailerSuite/sendcore/internal/retry"
	"github.com/MailerSuite/sendcore/internal/selector"
	"github.com/MailerSuite/sendcore/internal/stores"
)

var (
	recipientsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sendcore_orchestrator_recipients_total",
		Help: "Total recipients processed by outcome",
	}, []string{"outcome"})

	batchesCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sendcore_orchestrator_batches_total",
		Help: "Total batches completed by campaign outcome",
	}, []string{"status"})

	warmupDeferred = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sendcore_orchestrator_warmup_deferred",
		Help: "Recipients currently deferred awaiting warm-up/rate eligibility",
	})
)

// TemplateFunc selects and returns one subject/body pair from a campaign's pools for
// a given recipient; pools rotate per-recipient.
type TemplateFunc func(cfg models.CampaignConfig, rcpt models.RecipientTarget) dispatcher.TemplateInput

// RotatingTemplateFunc returns a TemplateFunc that samples uniformly from each pool.
func RotatingTemplateFunc(rnd stores.Randomness) TemplateFunc {
	return func(cfg models.CampaignConfig, _ models.RecipientTarget) dispatcher.TemplateInput {
		var in dispatcher.TemplateInput
		if len(cfg.SubjectPool) > 0 {
			in.Subject = cfg.SubjectPool[rnd.Intn(len(cfg.SubjectPool))]
		}
		if len(cfg.TemplatePool) > 0 {
			in.HTMLBody = cfg.TemplatePool[rnd.Intn(len(cfg.TemplatePool))]
		}
		return in
	}
}

// Deps bundles the Orchestrator's collaborators, each behind the narrowest interface
// it needs.
type Deps struct {
	Campaigns  stores.CampaignStore
	Accounts   stores.AccountStore
	Selector   *selector.Selector
	Proxies    *proxypool.Pool
	Dispatcher *dispatcher.Dispatcher
	Jobs       *jobcontrol.Controller
	Clock      stores.Clock
	Rand       stores.Randomness
	DeadLetter *retry.Recorder
	Template   TemplateFunc
}

// Policy configures proxy requirements shared with the rest of the core.
type Policy struct {
	LeakPrevention bool
	RetryPolicy    retry.Policy

	// DeferralRetryDelay is how long the orchestrator sleeps between passes over the
	// deferred-recipient backlog when a pass made no progress (every recipient still
	// blocked on warm-up caps or rate windows).
	DeferralRetryDelay time.Duration
}

// run tracks one in-flight campaign execution.
type run struct {
	cancel    context.CancelFunc
	paused    atomic.Bool
	startedAt time.Time
	total     int64
}

// Orchestrator runs campaigns to completion.
type Orchestrator struct {
	deps   Deps
	policy Policy

	mu   sync.Mutex
	runs map[string]*run
}

// New constructs an Orchestrator.
func New(deps Deps, policy Policy) *Orchestrator {
	policy.RetryPolicy = policy.RetryPolicy.WithDefaults()
	if policy.DeferralRetryDelay <= 0 {
		policy.DeferralRetryDelay = 30 * time.Second
	}
	if deps.Template == nil {
		deps.Template = RotatingTemplateFunc(deps.Rand)
	}
	return &Orchestrator{deps: deps, policy: policy, runs: make(map[string]*run)}
}

// Start transitions campaign into running and begins execution in the background.
// total is the recipient count known to the caller, used only for progress estimates.
// Calling Start on an already-running campaign is a no-op.
func (o *Orchestrator) Start(sessionID string, campaign *models.Campaign, total int) error {
	if campaign.Status == models.CampaignRunning {
		return nil
	}
	if err := o.deps.Jobs.Transition(campaign, models.CampaignRunning); err != nil {
		return err
	}
	if err := o.deps.Campaigns.SaveCampaign(context.Background(), campaign); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r := &run{cancel: cancel, startedAt: o.deps.Clock.Now(), total: int64(total)}

	o.mu.Lock()
	o.runs[campaign.ID] = r
	o.mu.Unlock()

	go o.execute(runCtx, sessionID, campaign, r)
	return nil
}

// Pause prevents new worker pickups; in-flight sends are allowed to finish.
func (o *Orchestrator) Pause(campaign *models.Campaign) error {
	r, ok := o.activeRun(campaign.ID)
	if !ok {
		return fmt.Errorf("orchestrator: campaign %s is not running", campaign.ID)
	}
	if err := o.deps.Jobs.Transition(campaign, models.CampaignPaused); err != nil {
		return err
	}
	r.paused.Store(true)
	return o.deps.Campaigns.SaveCampaign(context.Background(), campaign)
}

// Resume lifts a pause, letting new worker pickups proceed.
func (o *Orchestrator) Resume(campaign *models.Campaign) error {
	r, ok := o.activeRun(campaign.ID)
	if !ok {
		return fmt.Errorf("orchestrator: campaign %s is not running", campaign.ID)
	}
	if err := o.deps.Jobs.Transition(campaign, models.CampaignRunning); err != nil {
		return err
	}
	r.paused.Store(false)
	return o.deps.Campaigns.SaveCampaign(context.Background(), campaign)
}

// Stop cancels in-flight work via context and marks the campaign terminal.
func (o *Orchestrator) Stop(campaign *models.Campaign) error {
	r, ok := o.activeRun(campaign.ID)
	if !ok {
		return fmt.Errorf("orchestrator: campaign %s is not running", campaign.ID)
	}
	r.cancel()
	return nil
}

func (o *Orchestrator) activeRun(campaignID string) (*run, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.runs[campaignID]
	return r, ok
}

// ProgressSnapshot is the externally consumed progress shape.
type ProgressSnapshot struct {
	CampaignID          string
	Status              models.CampaignStatus
	Sent                int64
	Total               int64
	RatePerSecond       float64
	EstimatedCompletion time.Duration
	Counters            models.CampaignCounters
}

// GetProgress returns the current snapshot for campaign.
func (o *Orchestrator) GetProgress(campaign *models.Campaign) ProgressSnapshot {
	sent := atomic.LoadInt64(&campaign.Counters.Sent)
	snap := ProgressSnapshot{
		CampaignID: campaign.ID,
		Status:     campaign.Status,
		Sent:       sent,
		Counters:   campaign.Counters,
	}

	r, ok := o.activeRun(campaign.ID)
	if !ok {
		return snap
	}
	snap.Total = r.total
	elapsed := o.deps.Clock.Now().Sub(r.startedAt).Seconds()
	if elapsed > 0 {
		snap.RatePerSecond = float64(sent) / elapsed
	}
	if snap.RatePerSecond > 0 && snap.Total > sent {
		remaining := float64(snap.Total-sent) / snap.RatePerSecond
		snap.EstimatedCompletion = time.Duration(remaining * float64(time.Second))
	}
	return snap
}

// execute drives one campaign to completion.
func (o *Orchestrator) execute(ctx context.Context, sessionID string, campaign *models.Campaign, r *run) {
	cfg := campaign.Config
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 50
	}
	threadCount := cfg.ThreadCount
	if threadCount <= 0 {
		threadCount = 1
	}
	if threadCount > 20 {
		threadCount = 20
	}

	var backlog []models.RecipientTarget

	offset := 0
	for {
		if ctx.Err() != nil {
			o.finish(campaign, models.CampaignStopped)
			return
		}

		recipients, err := o.deps.Campaigns.ListRecipients(ctx, campaign.ID, offset, batchSize)
		if err != nil || len(recipients) == 0 {
			break
		}

		backlog = append(backlog, o.runBatch(ctx, sessionID, campaign, r, recipients, threadCount)...)
		offset += len(recipients)
		batchesCompleted.WithLabelValues("ok").Inc()

		if ctx.Err() != nil {
			o.finish(campaign, models.CampaignStopped)
			return
		}

		if cfg.DelayBetweenBatches > 0 {
			select {
			case <-ctx.Done():
				o.finish(campaign, models.CampaignStopped)
				return
			case <-time.After(cfg.DelayBetweenBatches):
			}
		}
	}

	// Deferred recipients are held, not failed: re-run them until the backlog drains,
	// pacing between passes that make no progress so warm-up day boundaries and rate
	// windows have a chance to free capacity.
	for len(backlog) > 0 {
		if ctx.Err() != nil {
			o.finish(campaign, models.CampaignStopped)
			return
		}

		// each recipient in the backlog re-enters handleRecipient, which re-counts
		// still-deferred ones; settle the previous pass's tally first
		atomic.AddInt64(&campaign.Counters.Deferred, -int64(len(backlog)))
		warmupDeferred.Sub(float64(len(backlog)))

		before := len(backlog)
		backlog = o.runBatch(ctx, sessionID, campaign, r, backlog, threadCount)
		if len(backlog) == 0 {
			break
		}
		if len(backlog) == before {
			select {
			case <-ctx.Done():
				o.finish(campaign, models.CampaignStopped)
				return
			case <-time.After(o.policy.DeferralRetryDelay):
			}
		}
	}

	o.finish(campaign, models.CampaignCompleted)
}

func (o *Orchestrator) finish(campaign *models.Campaign, status models.CampaignStatus) {
	_ = o.deps.Jobs.Transition(campaign, status)
	_ = o.deps.Campaigns.SaveCampaign(context.Background(), campaign)
	o.mu.Lock()
	delete(o.runs, campaign.ID)
	o.mu.Unlock()
}

// runBatch fans recipients out to threadCount concurrent workers, bounded by a
// semaphore, honoring Pause between pickups. It returns the recipients that were
// deferred (no eligible account yet) so the caller can re-queue them.
func (o *Orchestrator) runBatch(ctx context.Context, sessionID string, campaign *models.Campaign, r *run, recipients []models.RecipientTarget, threadCount int) []models.RecipientTarget {
	sem := make(chan struct{}, threadCount)
	var wg sync.WaitGroup

	var mu sync.Mutex
	var deferred []models.RecipientTarget

	for _, rcpt := range recipients {
		for r.paused.Load() {
			select {
			case <-ctx.Done():
				wg.Wait()
				return deferred
			case <-time.After(200 * time.Millisecond):
			}
		}
		if ctx.Err() != nil {
			break
		}

		rcpt := rcpt
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if o.handleRecipient(ctx, sessionID, campaign, rcpt) {
				mu.Lock()
				deferred = append(deferred, rcpt)
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	return deferred
}

// handleRecipient runs the full select->acquire->send->retry loop for one recipient.
// Attempts for a single recipient are sequential. It reports whether the recipient
// was deferred (no eligible account yet) and should be re-queued for a later pass.
func (o *Orchestrator) handleRecipient(ctx context.Context, sessionID string, campaign *models.Campaign, rcpt models.RecipientTarget) (deferred bool) {
	limit := campaign.Config.RetryLimit
	if limit <= 0 {
		limit = o.policy.RetryPolicy.Limit
	}

	tracker := retry.NewTracker()
	useProxy := campaign.Config.RequireProxy || o.policy.LeakPrevention
	var attempts []models.SendAttempt
	var lastErr error

	for attemptN := 1; attemptN <= limit; attemptN++ {
		if ctx.Err() != nil {
			return false
		}

		accounts, err := o.deps.Accounts.ListSMTPAccounts(ctx, sessionID)
		if err != nil {
			lastErr = err
			break
		}

		// The failover rotation walks distinct (account, proxy) pairs: an account is
		// excluded only once every available proxy has been tried with it, so a
		// single account with several proxies still rotates through all of them.
		var account *models.SMTPAccount
		var proxy *models.Proxy
		if useProxy {
			working, perr := o.deps.Proxies.ListWorking(ctx, sessionID)
			if perr != nil {
				atomic.AddInt64(&campaign.Counters.ProxyErrors, 1)
				lastErr = perr
				break
			}
			if len(working) == 0 {
				atomic.AddInt64(&campaign.Counters.ProxyErrors, 1)
				lastErr = proxypool.ErrProxyUnavailable
				break
			}
			if tracker.ExhaustedPairs(len(accounts), len(working)) {
				lastErr = models.NewOpError(models.ErrNetwork, "all (account, proxy) pairs exhausted")
				break
			}

			proxyIDs := make([]string, len(working))
			exclude := make(map[string]bool)
			for i, p := range working {
				proxyIDs[i] = p.ID
			}
			for _, a := range accounts {
				if tracker.AccountExhausted(a.ID, proxyIDs) {
					exclude[a.ID] = true
				}
			}

			account, err = o.deps.Selector.SelectExcluding(ctx, accounts, exclude)
			if err == nil {
				proxy, err = o.deps.Proxies.GetWorkingExcluding(ctx, sessionID, proxypool.StrategyFastest, tracker.TriedProxiesFor(account.ID))
				if err != nil {
					atomic.AddInt64(&campaign.Counters.ProxyErrors, 1)
					lastErr = err
					break
				}
			}
		} else {
			if tracker.ExhaustedPairs(len(accounts), 0) {
				lastErr = models.NewOpError(models.ErrNetwork, "all accounts exhausted")
				break
			}
			account, err = o.deps.Selector.SelectExcluding(ctx, accounts, tracker.TriedAccountIDs())
		}
		if err != nil {
			if attemptN == 1 {
				// no eligible account at all on the first try is a warm-up/rate
				// deferral, held for a later pass rather than counted as failed
				atomic.AddInt64(&campaign.Counters.Deferred, 1)
				warmupDeferred.Inc()
				recipientsProcessed.WithLabelValues("deferred").Inc()
				return true
			}
			// mid-retry exhaustion of eligible pairs: go to dead letter
			lastErr = err
			break
		}

		pair := retry.Pair{AccountID: account.ID}
		if proxy != nil {
			pair.ProxyID = proxy.ID
		}
		tracker.Record(pair)

		if err := o.deps.Selector.AccountGovernor().Acquire(ctx, account.ID); err != nil {
			lastErr = err
			break
		}
		if err := o.deps.Selector.DomainGovernor().Acquire(ctx, account.Domain()); err != nil {
			lastErr = err
			break
		}

		attempt, sendErr := o.attemptSend(ctx, campaign, account, proxy, rcpt)
		attempts = append(attempts, attempt)
		_ = o.deps.Campaigns.AppendSendAttempt(ctx, attempt)

		if sendErr == nil {
			atomic.AddInt64(&campaign.Counters.Sent, 1)
			atomic.AddInt64(&campaign.Counters.Success, 1)
			recipientsProcessed.WithLabelValues("success").Inc()
			return false
		}
		lastErr = sendErr

		opErr, _ := sendErr.(*models.OpError)
		kind := models.ErrInternal
		if opErr != nil {
			kind = opErr.Kind
		}

		switch kind {
		case models.ErrAuth:
			if opErr.Text != "transient" {
				account.Status = models.AccountInvalid
				_ = o.deps.Accounts.SaveSMTPAccount(ctx, account)
			}
			atomic.AddInt64(&campaign.Counters.OAuthErrors, 1)
		case models.ErrPolicy:
			atomic.AddInt64(&campaign.Counters.Sent, 1)
			atomic.AddInt64(&campaign.Counters.Failed, 1)
			recipientsProcessed.WithLabelValues("policy_rejected").Inc()
			_ = o.deps.DeadLetter.Record(ctx, campaign.ID, rcpt.Email, attempts, sendErr)
			return false
		case models.ErrProxyUnavailable:
			atomic.AddInt64(&campaign.Counters.ProxyErrors, 1)
		case models.ErrNetwork, models.ErrProtocolViolation:
			atomic.AddInt64(&campaign.Counters.SMTPErrors, 1)
		}

		if opErr != nil && !opErr.Retryable() {
			break
		}
		if attemptN == limit {
			break
		}

		atomic.AddInt64(&campaign.Counters.Retries, 1)
		atomic.AddInt64(&campaign.Counters.Failovers, 1)

		backoff := o.policy.RetryPolicy.Backoff(attemptN, o.deps.Rand)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
	}

	atomic.AddInt64(&campaign.Counters.Sent, 1)
	atomic.AddInt64(&campaign.Counters.Failed, 1)
	recipientsProcessed.WithLabelValues("failed").Inc()
	_ = o.deps.DeadLetter.Record(ctx, campaign.ID, rcpt.Email, attempts, lastErr)
	return false
}

// attemptSend builds one message and performs a single Dispatcher.Send call, updating
// the Account Selector's health score and warm-up counter on success.
func (o *Orchestrator) attemptSend(ctx context.Context, campaign *models.Campaign, account *models.SMTPAccount, proxy *models.Proxy, rcpt models.RecipientTarget) (models.SendAttempt, error) {
	tmpl := o.deps.Template(campaign.Config, rcpt)
	started := o.deps.Clock.Now()

	attempt := models.SendAttempt{
		CampaignID:     campaign.ID,
		RecipientEmail: rcpt.Email,
		AccountID:      account.ID,
		StartedAt:      started,
	}
	if proxy != nil {
		attempt.ProxyID = proxy.ID
	}

	msg, err := dispatcher.Build(tmpl, rcpt, o.buildOptions(campaign))
	if err != nil {
		attempt.EndedAt = o.deps.Clock.Now()
		attempt.Outcome = models.OutcomeFailed
		attempt.ErrorText = err.Error()
		return attempt, err
	}

	result, err := o.deps.Dispatcher.Send(ctx, account, proxy, msg)
	ended := o.deps.Clock.Now()
	attempt.EndedAt = ended
	responseMillis := ended.Sub(started).Seconds() * 1000

	if err != nil {
		attempt.Outcome = models.OutcomeRetried
		attempt.ErrorText = err.Error()
		if opErr, ok := err.(*models.OpError); ok {
			attempt.ErrorKind = string(opErr.Kind)
		}
		o.deps.Selector.AdjustScore(account.ID, false, responseMillis)
		return attempt, err
	}

	attempt.Outcome = models.OutcomeSuccess
	o.deps.Selector.AdjustScore(account.ID, true, responseMillis)
	o.deps.Selector.MarkSent(account.ID)
	_ = result
	return attempt, nil
}

func (o *Orchestrator) buildOptions(campaign *models.Campaign) dispatcher.BuildOptions {
	return dispatcher.BuildOptions{
		Sender:             campaign.Config.Sender,
		CC:                 campaign.Config.CC,
		BCC:                campaign.Config.BCC,
		CampaignName:       campaign.ID,
		CustomMessageID:    campaign.Config.CustomMessageID,
		RequireUnsubscribe: campaign.Config.RequireUnsubscribe,
		TrackOpens:         campaign.Config.TrackOpens,
		Rand:               o.deps.Rand,
	}
}

// Preflight validates Start's preconditions without mutating campaign status.
// Callers should call this before Start and surface its errors instead of starting a
// campaign that cannot run.
func (o *Orchestrator) Preflight(ctx context.Context, pf *jobcontrol.Preflight, sessionID string, campaign *models.Campaign, dummy models.RecipientTarget) []jobcontrol.StepError {
	return pf.Validate(ctx, sessionID, o.policy.LeakPrevention || campaign.Config.RequireProxy, campaign, dummy)
}
