package jobcontrol

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"time"

	"github.com/MailerSuite/sendcore/internal/models"
)

// DialTCPReachTester implements TCPReachTester with a plain net.Dialer.
type DialTCPReachTester struct{}

func (DialTCPReachTester) Reach(ctx context.Context, host string, port int, timeout time.Duration) error {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("tcp reach test failed for %s:%d: %w", host, port, err)
	}
	return conn.Close()
}

// DNSDomainResolver implements DomainResolver via a plain host lookup.
type DNSDomainResolver struct {
	Resolver *net.Resolver
}

func (r DNSDomainResolver) Resolve(ctx context.Context, domain string) error {
	resolver := r.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	_, err := resolver.LookupHost(ctx, domain)
	if err != nil {
		return fmt.Errorf("redirect domain %s does not resolve: %w", domain, err)
	}
	return nil
}

// DirectSMTPTester implements SMTPConnectionTester with a direct (non-tunneled) SMTP
// handshake against the account's server: EHLO, STARTTLS, LOGIN, QUIT, no DATA phase.
// This is the one place in the core permitted to dial an
// SMTP endpoint directly even under leak prevention, because it is a diagnostic dry run
// the operator explicitly requested, not a live send that could leak a real message.
type DirectSMTPTester struct{}

func (DirectSMTPTester) TestConnection(ctx context.Context, account *models.SMTPAccount, timeout time.Duration) error {
	if account.Host == "" {
		return fmt.Errorf("smtp account %s has no explicit host for a direct connection test", account.Email)
	}

	addr := net.JoinHostPort(account.Host, strconv.Itoa(account.Port))
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(timeout))

	client, err := smtp.NewClient(conn, account.Host)
	if err != nil {
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer client.Close()

	if err := client.Hello("sendcore-preflight.local"); err != nil {
		return fmt.Errorf("ehlo: %w", err)
	}

	if account.Port != 465 {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(&tls.Config{ServerName: account.Host}); err != nil {
				return fmt.Errorf("starttls: %w", err)
			}
		}
	}

	if account.Credential.Password != "" {
		auth := smtp.PlainAuth("", account.Email, account.Credential.Password, account.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("login: %w", err)
		}
	}

	return client.Quit()
}
