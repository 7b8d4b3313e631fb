// Package bootstrap wires the send/verify core's components (Proxy Pool, Rate
// Governor, Warm-up Controller, Account Selector, SMTP Dispatcher, IMAP Prober, Job
// Control, Retry/Dead-Letter and the Campaign Orchestrator) from a loaded
// configuration, so both the HTTP server (cmd/server) and the standalone CLI
// (cmd/sendctl) assemble the exact same core instead of duplicating the wiring.
package bootstrap

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // v1.10.9, Postgres driver registration

	"github.com/MailerSuite/sendcore/internal/config"
	"github.com/MailerSuite/sendcore/internal/dispatcher"
	"github.com/MailerSuite/sendcore/internal/imapprober"
	"github.com/MailerSuite/sendcore/internal/jobcontrol"
	"github.com/MailerSuite/sendcore/internal/orchestrator"
	"github.com/MailerSuite/sendcore/internal/proxypool"
	"github.com/MailerSuite/sendcore/internal/rategovernor"
	"github.com/MailerSuite/sendcore/internal/retry"
	"github.com/MailerSuite/sendcore/internal/selector"
	"github.com/MailerSuite/sendcore/internal/stores"
	"github.com/MailerSuite/sendcore/internal/warmup"
)

const (
	defaultDayBoundary = 0 // local midnight
	defaultRateWindow  = time.Minute
)

// Store bundles the three narrow persistence interfaces the core needs.
type Store interface {
	stores.AccountStore
	stores.ProxyStore
	stores.CampaignStore
}

// Core bundles every send/verify component Build assembles, so callers can wire the
// handlers/services layer (cmd/server) or drive operations directly (cmd/sendctl) on
// top of the same instance.
type Core struct {
	Store Store

	ProxyPool  *proxypool.Pool
	Dispatcher *dispatcher.Dispatcher
	Prober     *imapprober.Prober
	Selector   *selector.Selector
	Jobs       *jobcontrol.Controller
	Preflight  *jobcontrol.Preflight
	Orch       *orchestrator.Orchestrator
}

// OpenStore builds the persistence layer: a Postgres-backed store when a database host
// is configured, otherwise an in-process MemStore. Config.Validate rejects an empty
// database host, so a config loaded through config.LoadConfig always gets Postgres.
func OpenStore(cfg *config.Config) (Store, error) {
	if cfg.Database.Host == "" {
		return stores.NewMemStore(), nil
	}

	dsn := fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		cfg.Database.Host, cfg.Database.Port, cfg.Database.Name, cfg.Database.User,
		cfg.Database.Password, cfg.Database.SSLMode)
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	pg, err := stores.NewPGStore(db)
	if err != nil {
		return nil, fmt.Errorf("prepare postgres store: %w", err)
	}
	return pg, nil
}

// Build wires the full send/verify core on top of store.
func Build(cfg *config.Config, store Store) (*Core, error) {
	clock := stores.SystemClock{}
	rnd := stores.SystemRandom{}
	tokens := dispatcher.OAuth2TokenProvider{}

	pool := proxypool.New(store, proxypool.HTTPEchoProber{}, proxypool.DNSBLOracle{
		Zones: []string{"zen.spamhaus.org"},
	}, proxypool.Policy{
		LeakPrevention:   cfg.Proxy.IPLeakPrevention,
		ProbeConcurrency: 10,
		ProbeTimeout:     10 * time.Second,
		TestURLs:         []string{"https://api.ipify.org?format=json"},
	})

	perMinute := cfg.SMTP.RateLimitPerHour / 60
	if perMinute <= 0 {
		perMinute = 1
	}
	accountGovernor, err := rategovernor.New("smtp_account", perMinute, defaultRateWindow)
	if err != nil {
		return nil, fmt.Errorf("build account rate governor: %w", err)
	}
	domainGovernor, err := rategovernor.New("sender_domain", perMinute, defaultRateWindow)
	if err != nil {
		return nil, fmt.Errorf("build domain rate governor: %w", err)
	}

	warmupCtl := warmup.New(clock, defaultDayBoundary)
	acctSelector := selector.New(accountGovernor, domainGovernor, warmupCtl, true)

	disp := dispatcher.New(pool, tokens, dispatcher.Policy{
		LeakPrevention:     cfg.SMTP.ProxyForce,
		DefaultTimeout:     cfg.SMTP.DefaultTimeout,
		RequireUnsubscribe: cfg.Campaign.RequireUnsubscribeHeader,
		CustomMessageID:    cfg.Campaign.CustomMessageID,
		TrackOpens:         false,
	}, dispatcher.SecurityChecks{
		SPFValidator: dispatcher.DNSSPFValidator{},
	})

	prober := imapprober.New(pool, tokens, imapprober.Policy{
		LeakPrevention:      cfg.IMAP.ProxyForce,
		PathPrefixDefault:   cfg.IMAP.PathPrefixDefault,
		CreateSystemFolders: cfg.IMAP.CreateSystemFolders,
		RawTimeout:          cfg.IMAP.RawTimeout,
		RawRetries:          cfg.IMAP.RawRetries,
	})

	jobs := jobcontrol.New(clock, 1000)
	preflight := &jobcontrol.Preflight{
		Accounts:       store,
		Proxies:        store,
		TCPReach:       jobcontrol.DialTCPReachTester{},
		Domains:        jobcontrol.DNSDomainResolver{},
		SMTPConnection: jobcontrol.DirectSMTPTester{},
	}

	deadLetters := retry.NewRecorder(store, clock)

	orch := orchestrator.New(orchestrator.Deps{
		Campaigns:  store,
		Accounts:   store,
		Selector:   acctSelector,
		Proxies:    pool,
		Dispatcher: disp,
		Jobs:       jobs,
		Clock:      clock,
		Rand:       rnd,
		DeadLetter: deadLetters,
	}, orchestrator.Policy{
		LeakPrevention: cfg.Proxy.IPLeakPrevention,
		RetryPolicy: retry.Policy{
			Limit:     cfg.SMTP.MaxRetries,
			BaseDelay: time.Second,
			MaxDelay:  30 * time.Second,
		},
	})

	return &Core{
		Store:      store,
		ProxyPool:  pool,
		Dispatcher: disp,
		Prober:     prober,
		Selector:   acctSelector,
		Jobs:       jobs,
		Preflight:  preflight,
		Orch:       orch,
	}, nil
}
