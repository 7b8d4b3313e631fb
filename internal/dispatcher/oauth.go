package dispatcher

import (
	"context"
	"fmt"
	"net/smtp"

	"github.com/emersion/go-sasl"
	"golang.org/x/oauth2"

	"github.com/MailerSuite/sendcore/internal/models"
)

// authenticate performs either password AUTH or XOAUTH2 SASL auth depending on the
// account's credential shape.
// host is the server actually connected to, which may differ from account.Host when
// the dispatcher fell through to MX discovery; PlainAuth verifies it against the
// connection's server name.
func (d *Dispatcher) authenticate(ctx context.Context, client *smtp.Client, account *models.SMTPAccount, host string) error {
	if account.Credential.IsOAuth() {
		return d.authenticateOAuth(ctx, client, account)
	}
	auth := smtp.PlainAuth("", account.Email, account.Credential.Password, host)
	return client.Auth(auth)
}

func (d *Dispatcher) authenticateOAuth(ctx context.Context, client *smtp.Client, account *models.SMTPAccount) error {
	if d.tokens == nil {
		return fmt.Errorf("no token provider configured for oauth account %s", account.Email)
	}
	token, err := d.tokens.AccessToken(ctx, account.Credential)
	if err != nil {
		return fmt.Errorf("refresh access token: %w", err)
	}
	return client.Auth(&xoauth2Auth{inner: sasl.NewXoauth2Client(account.Email, token)})
}

// xoauth2Auth adapts an emersion/go-sasl Client (used for its XOAUTH2 mechanism
// encoding, shared with the IMAP Prober) to the stdlib net/smtp.Auth interface, whose
// method shapes differ slightly (a *ServerInfo argument, a "more" continuation flag).
type xoauth2Auth struct {
	inner sasl.Client
}

func (a *xoauth2Auth) Start(_ *smtp.ServerInfo) (string, []byte, error) {
	return a.inner.Start()
}

func (a *xoauth2Auth) Next(fromServer []byte, more bool) ([]byte, error) {
	if !more {
		return nil, nil
	}
	return a.inner.Next(fromServer)
}

// OAuth2TokenProvider implements stores.TokenProvider against a standard OAuth2
// refresh-token flow.
type OAuth2TokenProvider struct {
	Endpoint oauth2.Endpoint
}

// AccessToken exchanges a refresh token for a fresh access token.
func (p OAuth2TokenProvider) AccessToken(ctx context.Context, cred models.Credential) (string, error) {
	if !cred.IsOAuth() {
		return "", fmt.Errorf("credential is not an oauth credential")
	}
	endpoint := p.Endpoint
	if cred.TokenURL != "" {
		endpoint.TokenURL = cred.TokenURL
	}
	cfg := oauth2.Config{
		ClientID: cred.ClientID,
		Endpoint: endpoint,
	}
	tokenSource := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken})
	tok, err := tokenSource.Token()
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}
