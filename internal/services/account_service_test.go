package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MailerSuite/sendcore/internal/models"
	"github.com/MailerSuite/sendcore/internal/stores"
)

type fakeSMTPTester struct {
	err   error
	calls int
}

func (f *fakeSMTPTester) TestConnection(context.Context, *models.SMTPAccount, time.Duration) error {
	f.calls++
	return f.err
}

func newAccountFixture(t *testing.T, tester *fakeSMTPTester) (*AccountService, *stores.MemStore) {
	t.Helper()
	store := stores.NewMemStore()
	svc, err := NewAccountService(store, tester, nil, stores.SystemClock{}, time.Second)
	require.NoError(t, err)
	return svc, store
}

func TestTestSMTPConnection_SuccessFlipsStatusToChecked(t *testing.T) {
	tester := &fakeSMTPTester{}
	svc, store := newAccountFixture(t, tester)

	account := &models.SMTPAccount{
		ID:        "a1",
		SessionID: "s1",
		Email:     "sender@example.com",
		Status:    models.AccountPending,
		ErrorText: "stale error from an earlier run",
	}
	require.NoError(t, store.SaveSMTPAccount(context.Background(), account))

	result, err := svc.TestSMTPConnection(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Status)
	assert.Equal(t, 1, tester.calls)

	got, err := store.GetSMTPAccount(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, models.AccountChecked, got.Status)
	assert.Empty(t, got.ErrorText)
	assert.False(t, got.LastCheckedAt.IsZero())
}

func TestTestSMTPConnection_FailureFlipsStatusToInvalid(t *testing.T) {
	tester := &fakeSMTPTester{err: errors.New("535 authentication failed")}
	svc, store := newAccountFixture(t, tester)

	account := &models.SMTPAccount{ID: "a2", SessionID: "s1", Email: "sender@example.com", Status: models.AccountValid}
	require.NoError(t, store.SaveSMTPAccount(context.Background(), account))

	result, err := svc.TestSMTPConnection(context.Background(), "a2")
	require.NoError(t, err)
	assert.Equal(t, "failed", result.Status)
	assert.Contains(t, result.Message, "535")

	got, err := store.GetSMTPAccount(context.Background(), "a2")
	require.NoError(t, err)
	assert.Equal(t, models.AccountInvalid, got.Status)
	assert.Contains(t, got.ErrorText, "535")
}

func TestTestSMTPConnection_UnknownAccount(t *testing.T) {
	svc, _ := newAccountFixture(t, &fakeSMTPTester{})

	_, err := svc.TestSMTPConnection(context.Background(), "missing")
	assert.Error(t, err)
}

func TestTestIMAPConnection_UnknownAccount(t *testing.T) {
	svc, _ := newAccountFixture(t, &fakeSMTPTester{})

	_, err := svc.TestIMAPConnection(context.Background(), "missing", nil)
	assert.Error(t, err)
}
