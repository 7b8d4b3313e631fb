// Package main provides sendctl, the thin CLI surface over the send/verify core
//: run-campaign, probe-imap, and check-smtp each take a session id, print
// JSON progress to stdout, and exit with the documented codes.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2" // v2.25.7

	"github.com/MailerSuite/sendcore/internal/bootstrap"
	"github.com/MailerSuite/sendcore/internal/config"
	"github.com/MailerSuite/sendcore/internal/jobcontrol"
	"github.com/MailerSuite/sendcore/internal/models"
)

// Exit codes.
const (
	exitSuccess       = 0
	exitInternalError = 1
	exitBadConfig     = 2
	exitNoProxies     = 3
	exitNoAccounts    = 4
	exitCancelled     = 5
)

func main() {
	app := &cli.App{
		Name:  "sendctl",
		Usage: "operate the send/verify campaign engine from the command line",
		Commands: []*cli.Command{
			runCampaignCommand(),
			probeIMAPCommand(),
			checkSMTPCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitInternalError)
	}
}

func sessionFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:     "session",
		Usage:    "session id owning the accounts/proxies/campaign",
		Required: true,
	}
}

func loadCore(c *cli.Context) (*config.Config, *bootstrap.Core, error) {
	cfg, err := config.LoadConfig(".", os.Getenv("ENV"))
	if err != nil {
		return nil, nil, cli.Exit(fmt.Sprintf("load config: %v", err), exitBadConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, cli.Exit(fmt.Sprintf("invalid config: %v", err), exitBadConfig)
	}

	store, err := bootstrap.OpenStore(cfg)
	if err != nil {
		return nil, nil, cli.Exit(fmt.Sprintf("open store: %v", err), exitInternalError)
	}
	core, err := bootstrap.Build(cfg, store)
	if err != nil {
		return nil, nil, cli.Exit(fmt.Sprintf("wire core: %v", err), exitInternalError)
	}
	return cfg, core, nil
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// runCampaignCommand runs a campaign to completion, polling progress until the
// campaign reaches a terminal status, then prints the final snapshot.
func runCampaignCommand() *cli.Command {
	return &cli.Command{
		Name:  "run-campaign",
		Usage: "start a campaign and stream progress to completion",
		Flags: []cli.Flag{
			sessionFlag(),
			&cli.StringFlag{Name: "campaign", Required: true, Usage: "campaign id"},
			&cli.IntFlag{Name: "total", Usage: "expected recipient count for rate estimation"},
		},
		Action: func(c *cli.Context) error {
			cfg, core, err := loadCore(c)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			campaign, err := core.Store.GetCampaign(ctx, c.String("campaign"))
			if err != nil || campaign == nil {
				return cli.Exit("campaign not found", exitInternalError)
			}

			accounts, err := core.Store.ListSMTPAccounts(ctx, c.String("session"))
			if err != nil {
				return cli.Exit(fmt.Sprintf("list smtp accounts: %v", err), exitInternalError)
			}
			if len(accounts) == 0 {
				return cli.Exit("no smtp accounts configured for session", exitNoAccounts)
			}

			if cfg.Proxy.FallbackDisabled {
				working, err := core.ProxyPool.ListWorking(ctx, c.String("session"))
				if err != nil {
					return cli.Exit(fmt.Sprintf("list working proxies: %v", err), exitInternalError)
				}
				if len(working) == 0 {
					return cli.Exit("no working proxies and fallback is disabled", exitNoProxies)
				}
			}

			stepErrs := core.Orch.Preflight(ctx, core.Preflight, c.String("session"), campaign, models.RecipientTarget{})
			if len(stepErrs) > 0 {
				printJSON(map[string]interface{}{"preflight_errors": stepErrs})
				return cli.Exit("pre-flight failed", exitBadConfig)
			}

			if err := core.Orch.Start(c.String("session"), campaign, c.Int("total")); err != nil {
				return cli.Exit(fmt.Sprintf("start campaign: %v", err), exitInternalError)
			}

			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()

			for {
				select {
				case <-ticker.C:
					snap := core.Orch.GetProgress(campaign)
					printJSON(snap)
					if snap.Status == models.CampaignCompleted ||
						snap.Status == models.CampaignStopped ||
						snap.Status == models.CampaignFailed {
						if snap.Status == models.CampaignFailed {
							return cli.Exit("campaign failed", exitInternalError)
						}
						return nil
					}
				case <-ctx.Done():
					_ = core.Orch.Stop(campaign)
					return cli.Exit("cancelled", exitCancelled)
				}
			}
		},
	}
}

// probeIMAPCommand discovers folders for one IMAP account and prints the list.
func probeIMAPCommand() *cli.Command {
	return &cli.Command{
		Name:  "probe-imap",
		Usage: "discover IMAP folders for an account",
		Flags: []cli.Flag{
			sessionFlag(),
			&cli.StringFlag{Name: "account", Required: true, Usage: "imap account id"},
			&cli.StringFlag{Name: "proxy", Usage: "proxy id to tunnel through"},
			&cli.BoolFlag{Name: "create-missing", Usage: "create standard system folders if absent"},
		},
		Action: func(c *cli.Context) error {
			_, core, err := loadCore(c)
			if err != nil {
				return err
			}

			ctx := context.Background()
			account, err := core.Store.GetIMAPAccount(ctx, c.String("account"))
			if err != nil || account == nil {
				return cli.Exit("imap account not found", exitNoAccounts)
			}

			proxy, err := resolveProxy(ctx, core, c.String("session"), c.String("proxy"))
			if err != nil {
				return cli.Exit(err.Error(), exitNoProxies)
			}

			session, err := core.Prober.Connect(ctx, account, proxy)
			if err != nil {
				return cli.Exit(fmt.Sprintf("connect: %v", err), exitInternalError)
			}
			defer session.Close()

			folders, err := session.Discover(ctx, c.Bool("create-missing"))
			if err != nil {
				return cli.Exit(fmt.Sprintf("discover: %v", err), exitInternalError)
			}

			printJSON(map[string]interface{}{"folders": folders})
			return nil
		},
	}
}

// checkSMTPCommand runs the direct SMTP connectivity dry run for one account, the
// same EHLO+STARTTLS+LOGIN+QUIT exchange the mock test's smtp step performs.
func checkSMTPCommand() *cli.Command {
	return &cli.Command{
		Name:  "check-smtp",
		Usage: "run a direct EHLO+STARTTLS+LOGIN+QUIT dry run against an account",
		Flags: []cli.Flag{
			sessionFlag(),
			&cli.StringFlag{Name: "account", Required: true, Usage: "smtp account id"},
		},
		Action: func(c *cli.Context) error {
			_, core, err := loadCore(c)
			if err != nil {
				return err
			}

			ctx := context.Background()
			account, err := core.Store.GetSMTPAccount(ctx, c.String("account"))
			if err != nil || account == nil {
				return cli.Exit("smtp account not found", exitNoAccounts)
			}

			tester := jobcontrol.DirectSMTPTester{}
			if err := tester.TestConnection(ctx, account, 10*time.Second); err != nil {
				printJSON(map[string]interface{}{"status": "failed", "message": err.Error()})
				return cli.Exit("connectivity check failed", exitInternalError)
			}

			printJSON(map[string]interface{}{"status": "ok", "message": "connection succeeded"})
			return nil
		},
	}
}

func resolveProxy(ctx context.Context, core *bootstrap.Core, sessionID, proxyID string) (*models.Proxy, error) {
	if proxyID == "" {
		return nil, nil
	}
	proxies, err := core.Store.ListProxies(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list proxies: %w", err)
	}
	for _, p := range proxies {
		if p.ID == proxyID {
			return p, nil
		}
	}
	return nil, fmt.Errorf("proxy %s not found in session %s", proxyID, sessionID)
}

