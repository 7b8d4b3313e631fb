package dispatcher

import (
	"context"
	"testing"

	"github.com/MailerSuite/sendcore/internal/models"
)

func TestOAuth2TokenProvider_RejectsNonOAuthCredential(t *testing.T) {
	p := OAuth2TokenProvider{}
	_, err := p.AccessToken(context.Background(), models.Credential{Password: "hunter2"})
	if err == nil {
		t.Fatal("expected error when credential has no refresh token/client id")
	}
}

func TestXOAUTH2Auth_NextReturnsNilWhenServerDoesNotContinue(t *testing.T) {
	a := &xoauth2Auth{}
	next, err := a.Next([]byte("ignored"), false)
	if err != nil || next != nil {
		t.Fatalf("Next(more=false) = (%v, %v), want (nil, nil)", next, err)
	}
}
