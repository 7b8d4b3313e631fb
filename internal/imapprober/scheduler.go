package imapprober

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/MailerSuite/sendcore/internal/models"
)

// ScheduledTarget is one account/proxy pair the auto-retrieval scheduler probes on
// each tick.
type ScheduledTarget struct {
	Account *models.IMAPAccount
	Proxy   *models.Proxy
	Folders []string
}

// TargetSource supplies the current set of accounts to poll; callers typically back
// this with an AccountStore query scoped to a tenant session.
type TargetSource func(ctx context.Context) ([]ScheduledTarget, error)

// Scheduler runs Discover+ListMessages against every configured IMAP account on a
// cron schedule, logging results rather than blocking any caller; it runs
// independently of any single campaign.
type Scheduler struct {
	prober  *Prober
	cron    *cron.Cron
	source  TargetSource
	logger  *zap.Logger
}

// NewScheduler constructs a Scheduler. logger may be zap.NewNop() in tests.
func NewScheduler(prober *Prober, source TargetSource, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		prober: prober,
		cron:   cron.New(cron.WithSeconds()),
		source: source,
		logger: logger,
	}
}

// Start schedules the polling job at the given cron spec (e.g. "0 */15 * * * *" for
// every 15 minutes) and begins running it in the background.
func (s *Scheduler) Start(ctx context.Context, spec string) error {
	_, err := s.cron.AddFunc(spec, func() { s.runOnce(ctx) })
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for any in-flight run to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) runOnce(ctx context.Context) {
	targets, err := s.source(ctx)
	if err != nil {
		s.logger.Warn("imapprober: failed to load scheduled targets", zap.Error(err))
		return
	}

	for _, target := range targets {
		start := time.Now()
		if err := s.pollOne(ctx, target); err != nil {
			s.logger.Warn("imapprober: scheduled poll failed",
				zap.String("account", target.Account.Email),
				zap.Error(err),
				zap.Duration("elapsed", time.Since(start)))
			continue
		}
		s.logger.Info("imapprober: scheduled poll completed",
			zap.String("account", target.Account.Email),
			zap.Duration("elapsed", time.Since(start)))
	}
}

// AutoRetriever runs periodic fetch passes per individual account, started and
// stopped on demand. Unlike Scheduler, which
// polls a whole target set on one cron spec, each account here gets its own interval
// and its own entry; fetched (folder, uid) pairs are de-duplicated against what the
// retriever has already seen for the account.
type AutoRetriever struct {
	prober *Prober
	logger *zap.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]cron.EntryID
	seen    map[string]map[string]bool // accountID -> "folder|uid"
}

// NewAutoRetriever constructs an AutoRetriever. logger may be nil.
func NewAutoRetriever(prober *Prober, logger *zap.Logger) *AutoRetriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := cron.New()
	c.Start()
	return &AutoRetriever{
		prober:  prober,
		logger:  logger,
		cron:    c,
		entries: make(map[string]cron.EntryID),
		seen:    make(map[string]map[string]bool),
	}
}

// Start schedules periodic retrieval for account at the given interval. Starting an
// account that is already scheduled replaces its previous interval.
func (r *AutoRetriever) Start(ctx context.Context, account *models.IMAPAccount, proxy *models.Proxy, interval time.Duration) error {
	if interval < time.Second {
		return fmt.Errorf("imapprober: auto-retrieve interval %s is too short", interval)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.entries[account.ID]; ok {
		r.cron.Remove(id)
	}
	if r.seen[account.ID] == nil {
		r.seen[account.ID] = make(map[string]bool)
	}

	id := r.cron.Schedule(cron.Every(interval), cron.FuncJob(func() {
		r.pollAccount(ctx, account, proxy)
	}))
	r.entries[account.ID] = id
	return nil
}

// Stop removes account's scheduled retrieval; it reports whether one was active.
func (r *AutoRetriever) Stop(accountID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.entries[accountID]
	if !ok {
		return false
	}
	r.cron.Remove(id)
	delete(r.entries, accountID)
	return true
}

// Active reports whether account currently has a scheduled retrieval.
func (r *AutoRetriever) Active(accountID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[accountID]
	return ok
}

// Close stops every scheduled retrieval and the underlying cron runner.
func (r *AutoRetriever) Close() {
	r.mu.Lock()
	r.entries = make(map[string]cron.EntryID)
	r.mu.Unlock()
	<-r.cron.Stop().Done()
}

func (r *AutoRetriever) pollAccount(ctx context.Context, account *models.IMAPAccount, proxy *models.Proxy) {
	session, err := r.prober.Connect(ctx, account, proxy)
	if err != nil {
		r.logger.Warn("imapprober: auto-retrieve connect failed",
			zap.String("account", account.Email), zap.Error(err))
		return
	}
	defer session.Close()

	folders, err := session.Discover(ctx, false)
	if err != nil {
		r.logger.Warn("imapprober: auto-retrieve discovery failed",
			zap.String("account", account.Email), zap.Error(err))
		return
	}

	fresh := 0
	for _, folder := range folders {
		messages, err := session.ListMessages(ctx, folder)
		if err != nil {
			continue
		}
		r.mu.Lock()
		seen := r.seen[account.ID]
		if seen == nil {
			seen = make(map[string]bool)
			r.seen[account.ID] = seen
		}
		for _, m := range messages {
			key := fmt.Sprintf("%s|%d", m.Folder, m.Envelope.UID)
			if !seen[key] {
				seen[key] = true
				fresh++
			}
		}
		r.mu.Unlock()
	}

	r.logger.Info("imapprober: auto-retrieve pass completed",
		zap.String("account", account.Email),
		zap.Int("folders", len(folders)),
		zap.Int("new_messages", fresh))
}

func (s *Scheduler) pollOne(ctx context.Context, target ScheduledTarget) error {
	session, err := s.prober.Connect(ctx, target.Account, target.Proxy)
	if err != nil {
		return err
	}
	defer session.Close()

	folders := target.Folders
	if len(folders) == 0 {
		discovered, err := session.Discover(ctx, false)
		if err != nil {
			return err
		}
		folders = discovered
	}

	for _, folder := range folders {
		if _, err := session.ListMessages(ctx, folder); err != nil {
			return err
		}
	}
	return nil
}
