// Package stores defines the narrow collaborator interfaces the core consumes:
// components receive the narrowest interface they need, and hold ids rather than
// pointers into shared tables. Concrete implementations live in memstore.go
// (in-process, used by tests and when no database host is configured) and pgstore.go
// (Postgres).
package stores

import (
	"context"
	"math/rand"
	"time"

	"github.com/MailerSuite/sendcore/internal/models"
)

// AccountStore is the narrow persistence surface for SMTP and IMAP accounts.
type AccountStore interface {
	ListSMTPAccounts(ctx context.Context, sessionID string) ([]*models.SMTPAccount, error)
	GetSMTPAccount(ctx context.Context, id string) (*models.SMTPAccount, error)
	SaveSMTPAccount(ctx context.Context, a *models.SMTPAccount) error

	ListIMAPAccounts(ctx context.Context, sessionID string) ([]*models.IMAPAccount, error)
	GetIMAPAccount(ctx context.Context, id string) (*models.IMAPAccount, error)
	SaveIMAPAccount(ctx context.Context, a *models.IMAPAccount) error
}

// ProxyStore is the narrow persistence surface for proxies.
type ProxyStore interface {
	ListProxies(ctx context.Context, sessionID string) ([]*models.Proxy, error)
	SaveProxy(ctx context.Context, p *models.Proxy) error
}

// CampaignStore persists campaigns, send attempts and dead letters.
type CampaignStore interface {
	GetCampaign(ctx context.Context, id string) (*models.Campaign, error)
	SaveCampaign(ctx context.Context, c *models.Campaign) error
	DeleteCampaign(ctx context.Context, id string) error
	AppendSendAttempt(ctx context.Context, a models.SendAttempt) error
	AppendDeadLetter(ctx context.Context, d models.DeadLetterRecord) error
	ListRecipients(ctx context.Context, campaignID string, offset, limit int) ([]models.RecipientTarget, error)
}

// Clock abstracts time so tests can control warm-up day boundaries and rate windows
// without sleeping.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock backed by time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Randomness abstracts the core's few random choices (account sampling, macro
// substitution, jittered backoff) so tests are deterministic.
type Randomness interface {
	Intn(n int) int
	Float64() float64
}

// SystemRandom is the production Randomness backed by math/rand's global source.
type SystemRandom struct{}

func (SystemRandom) Intn(n int) int      { return rand.Intn(n) }
func (SystemRandom) Float64() float64    { return rand.Float64() }

// TokenProvider refreshes OAuth access tokens for XOAUTH2 credentials.
type TokenProvider interface {
	AccessToken(ctx context.Context, cred models.Credential) (string, error)
}

// SocketFactory is the only permitted egress path when leak-prevention is enabled;
// everything that needs a socket to an SMTP/IMAP/proxy endpoint receives one of these
// rather than calling net.Dial directly.
type SocketFactory interface {
	DialDirect(ctx context.Context, network, addr string, timeout time.Duration) (Conn, error)
}

// Conn is the minimal socket surface consumed by the dispatcher/prober, satisfied by
// both net.Conn and *tls.Conn.
type Conn interface {
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
	Close() error
	SetDeadline(t time.Time) error
}
