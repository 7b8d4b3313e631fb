// Package dispatcher implements the SMTP Dispatcher: it builds a MIME
// message, authenticates (password or OAuth XOAUTH2), negotiates STARTTLS/implicit
// TLS, transmits over a socket supplied by the Proxy Pool, and attributes
// success/failure back to the caller.
package dispatcher

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/MailerSuite/sendcore/internal/models"
	"github.com/MailerSuite/sendcore/internal/proxypool"
	"github.com/MailerSuite/sendcore/internal/stores"
)

var (
	sendDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "sendcore_dispatcher_send_duration_seconds",
		Help: "Duration of SMTP Dispatcher send operations",
	}, []string{"outcome"})

	sendErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sendcore_dispatcher_errors_total",
		Help: "Total number of dispatcher errors by kind",
	}, []string{"kind"})
)

const implicitTLSPort = 465

// SendResult is the outcome of a single Dispatcher.Send call.
type SendResult struct {
	OK         bool
	MessageID  string
	ObservedIP string
}

// Dispatcher delivers single messages via a chosen account and proxy.
type Dispatcher struct {
	pool     *proxypool.Pool
	tokens   stores.TokenProvider
	policy   Policy
	security SecurityChecks
}

// Policy configures leak prevention and timeouts for the Dispatcher.
type Policy struct {
	LeakPrevention     bool
	DefaultTimeout     time.Duration
	FallbackHosts      []string
	RequireUnsubscribe bool
	CustomMessageID    bool
	TrackOpens         bool
}

// SecurityChecks holds the advisory, non-blocking pre-checks run ahead of a send.
type SecurityChecks struct {
	ContentScanner  ContentScanner
	SPFValidator    SPFValidator
	SpamScoreBlock  float64 // 0 disables blocking regardless of score
}

// ContentScanner returns a spam score in [0,1]; advisory only unless Policy blocks.
type ContentScanner interface {
	Score(subject, html, text string) (float64, error)
}

// SPFValidator compares the sender domain's authorized IPs to the observed egress IP.
type SPFValidator interface {
	Validate(ctx context.Context, senderDomain, observedIP string) (pass bool, err error)
}

// New constructs a Dispatcher.
func New(pool *proxypool.Pool, tokens stores.TokenProvider, policy Policy, security SecurityChecks) *Dispatcher {
	if policy.DefaultTimeout <= 0 {
		policy.DefaultTimeout = 30 * time.Second
	}
	return &Dispatcher{pool: pool, tokens: tokens, policy: policy, security: security}
}

// Send delivers message to account, via proxy when proxy != nil; a proxy is
// mandatory when leak prevention is enabled.
func (d *Dispatcher) Send(ctx context.Context, account *models.SMTPAccount, proxy *models.Proxy, msg *PreparedMessage) (SendResult, error) {
	start := time.Now()
	outcome := "failure"
	defer func() {
		sendDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}()

	if d.policy.LeakPrevention {
		if err := d.pool.RequireLeakSafeProxy(proxy); err != nil {
			sendErrors.WithLabelValues(string(models.ErrInternal)).Inc()
			return SendResult{}, err
		}
	}

	hosts, err := resolveHosts(ctx, account, d.policy.FallbackHosts)
	if err != nil {
		sendErrors.WithLabelValues(string(models.ErrConfiguration)).Inc()
		return SendResult{}, models.NewOpError(models.ErrConfiguration, err.Error())
	}

	var lastErr error
	for _, host := range hosts {
		result, sendErr := d.sendViaHost(ctx, account, proxy, host, msg)
		if sendErr == nil {
			outcome = "success"
			return result, nil
		}
		lastErr = sendErr
		if !isHostRetryable(sendErr) {
			break
		}
	}

	kind := classifyError(lastErr)
	sendErrors.WithLabelValues(string(kind)).Inc()
	return SendResult{}, models.NewOpError(kind, lastErr.Error())
}

// Preflight runs the advisory, non-blocking content/SPF checks ahead of
// a send. Callers decide what to do with the result (e.g. the orchestrator logs a
// warning but still sends) — neither check ever aborts Send itself.
func (d *Dispatcher) Preflight(ctx context.Context, senderDomain, observedIP string, msg *PreparedMessage) (spamScore float64, spfPass bool, err error) {
	if d.security.ContentScanner != nil {
		spamScore, err = d.security.ContentScanner.Score(subjectOf(msg), "", "")
		if err != nil {
			spamScore = 0
		}
	}
	if d.security.SPFValidator != nil && observedIP != "" {
		spfPass, _ = d.security.SPFValidator.Validate(ctx, senderDomain, observedIP)
	} else {
		spfPass = true
	}
	return spamScore, spfPass, nil
}

func subjectOf(msg *PreparedMessage) string {
	const prefix = "Subject: "
	raw := string(msg.Raw)
	idx := strings.Index(raw, prefix)
	if idx < 0 {
		return ""
	}
	rest := raw[idx+len(prefix):]
	if end := strings.Index(rest, "\r\n"); end >= 0 {
		return rest[:end]
	}
	return rest
}

func (d *Dispatcher) sendViaHost(ctx context.Context, account *models.SMTPAccount, proxy *models.Proxy, host string, msg *PreparedMessage) (SendResult, error) {
	timeout := d.policy.DefaultTimeout

	var conn net.Conn
	var err error
	if proxy != nil {
		conn, err = d.pool.OpenTunnel(ctx, proxy, host, account.Port, timeout)
	} else if d.policy.LeakPrevention {
		return SendResult{}, fmt.Errorf("internal: attempted direct egress with leak prevention enabled")
	} else {
		dialer := &net.Dialer{Timeout: timeout}
		conn, err = dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(account.Port)))
	}
	if err != nil {
		return SendResult{}, fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	if account.Port == implicitTLSPort {
		conn = tls.Client(conn, &tls.Config{ServerName: host})
	}

	client, err := smtp.NewClient(conn, host)
	if err != nil {
		return SendResult{}, fmt.Errorf("smtp handshake: %w", err)
	}
	defer client.Close()

	if err := client.Hello("sendcore.local"); err != nil {
		return SendResult{}, fmt.Errorf("ehlo: %w", err)
	}

	if account.Port != implicitTLSPort {
		if ok, _ := client.Extension("STARTTLS"); !ok {
			return SendResult{}, fmt.Errorf("server does not support STARTTLS")
		}
		if err := client.StartTLS(&tls.Config{ServerName: host}); err != nil {
			return SendResult{}, fmt.Errorf("starttls: %w", err)
		}
	}

	if err := d.authenticate(ctx, client, account, host); err != nil {
		return SendResult{}, fmt.Errorf("auth: %w", err)
	}

	if err := d.transmit(client, msg); err != nil {
		return SendResult{}, fmt.Errorf("transmit: %w", err)
	}

	if err := client.Quit(); err != nil {
		return SendResult{}, fmt.Errorf("quit: %w", err)
	}

	return SendResult{OK: true, MessageID: msg.MessageID}, nil
}

func (d *Dispatcher) transmit(client *smtp.Client, msg *PreparedMessage) error {
	if err := client.Mail(msg.From); err != nil {
		return err
	}
	for _, rcpt := range msg.AllRecipients() {
		if err := client.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg.Raw); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func isHostRetryable(err error) bool {
	kind := classifyError(err)
	return kind == models.ErrNetwork
}

func classifyError(err error) models.ErrKind {
	if err == nil {
		return models.ErrInternal
	}
	msg := err.Error()
	switch {
	case containsAny(msg, "auth", "credentials", "534", "535"):
		return models.ErrAuth
	case containsAny(msg, "starttls", "tls"):
		return models.ErrNetwork
	case containsAny(msg, "timeout", "connect", "refused", "no such host", "dial"):
		return models.ErrNetwork
	case containsAny(msg, "550", "551", "552", "553", "554"):
		return models.ErrPolicy
	default:
		return models.ErrNetwork
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
