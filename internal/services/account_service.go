package services

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/MailerSuite/sendcore/internal/imapprober"
	"github.com/MailerSuite/sendcore/internal/jobcontrol"
	"github.com/MailerSuite/sendcore/internal/models"
	"github.com/MailerSuite/sendcore/internal/stores"
)

// ConnectionTestResult is the {status, message} shape's
// test_connection operation.
type ConnectionTestResult struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// AccountService serves the credential verification surface: it runs a
// connectivity dry run against a stored SMTP or IMAP account and records the outcome
// back onto the account record (status, last check time, response time, error text).
type AccountService struct {
	accounts   stores.AccountStore
	smtpTester jobcontrol.SMTPConnectionTester
	prober     *imapprober.Prober
	clock      stores.Clock
	timeout    time.Duration
	metrics    *serviceMetrics
}

// NewAccountService creates an AccountService. prober may be nil when only SMTP
// verification is wired.
func NewAccountService(accounts stores.AccountStore, smtpTester jobcontrol.SMTPConnectionTester, prober *imapprober.Prober, clock stores.Clock, timeout time.Duration) (*AccountService, error) {
	if accounts == nil {
		return nil, errors.New("account store is required")
	}
	if clock == nil {
		clock = stores.SystemClock{}
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &AccountService{
		accounts:   accounts,
		smtpTester: smtpTester,
		prober:     prober,
		clock:      clock,
		timeout:    timeout,
		metrics: &serviceMetrics{
			duration:   campaignOperationDuration,
			errors:     campaignOperationErrors,
			operations: campaignOperationTotal,
			active:     activeRequests,
		},
	}, nil
}

// TestSMTPConnection dry-runs EHLO+STARTTLS+LOGIN+QUIT against the account's server
// and persists the verdict on the account record.
func (s *AccountService) TestSMTPConnection(ctx context.Context, accountID string) (ConnectionTestResult, error) {
	timer := prometheus.NewTimer(s.metrics.duration.WithLabelValues("test_smtp_connection"))
	defer timer.ObserveDuration()

	account, err := s.accounts.GetSMTPAccount(ctx, accountID)
	if err != nil {
		return ConnectionTestResult{}, errors.Wrap(err, "load smtp account")
	}
	if account == nil {
		return ConnectionTestResult{}, errors.Errorf("smtp account %s not found", accountID)
	}
	if s.smtpTester == nil {
		return ConnectionTestResult{}, errors.New("smtp connection testing is not configured")
	}

	started := s.clock.Now()
	testErr := s.smtpTester.TestConnection(ctx, account, s.timeout)
	account.LastCheckedAt = s.clock.Now()
	account.ResponseTime = account.LastCheckedAt.Sub(started)

	result := ConnectionTestResult{Status: "ok", Message: "connection succeeded"}
	if testErr != nil {
		account.Status = models.AccountInvalid
		account.ErrorText = testErr.Error()
		result = ConnectionTestResult{Status: "failed", Message: testErr.Error()}
		s.metrics.operations.WithLabelValues("test_smtp_connection", "failure").Inc()
	} else {
		account.Status = models.AccountChecked
		account.ErrorText = ""
		s.metrics.operations.WithLabelValues("test_smtp_connection", "success").Inc()
	}

	if err := s.accounts.SaveSMTPAccount(ctx, account); err != nil {
		return result, errors.Wrap(err, "persist smtp account verdict")
	}
	return result, nil
}

// TestIMAPConnection connects and authenticates against the account's IMAP server
// (through proxy when given) and persists the verdict.
func (s *AccountService) TestIMAPConnection(ctx context.Context, accountID string, proxy *models.Proxy) (ConnectionTestResult, error) {
	timer := prometheus.NewTimer(s.metrics.duration.WithLabelValues("test_imap_connection"))
	defer timer.ObserveDuration()

	account, err := s.accounts.GetIMAPAccount(ctx, accountID)
	if err != nil {
		return ConnectionTestResult{}, errors.Wrap(err, "load imap account")
	}
	if account == nil {
		return ConnectionTestResult{}, errors.Errorf("imap account %s not found", accountID)
	}
	if s.prober == nil {
		return ConnectionTestResult{}, errors.New("imap probing is not configured")
	}

	session, connErr := s.prober.Connect(ctx, account, proxy)
	account.LastCheckedAt = s.clock.Now()

	result := ConnectionTestResult{Status: "ok", Message: "connection succeeded"}
	if connErr != nil {
		account.Status = models.AccountInvalid
		result = ConnectionTestResult{Status: "failed", Message: connErr.Error()}
		s.metrics.operations.WithLabelValues("test_imap_connection", "failure").Inc()
	} else {
		_ = session.Close()
		account.Status = models.AccountChecked
		s.metrics.operations.WithLabelValues("test_imap_connection", "success").Inc()
	}

	if err := s.accounts.SaveIMAPAccount(ctx, account); err != nil {
		return result, errors.Wrap(err, "persist imap account verdict")
	}
	return result, nil
}
