package stores

import (
	"context"
	"sync"

	"github.com/MailerSuite/sendcore/internal/models"
)

// MemStore is an in-process implementation of AccountStore, ProxyStore and
// CampaignStore, keyed by id.
// It backs the tests, and bootstrap.OpenStore returns one when the config names no
// database host.
type MemStore struct {
	mu sync.RWMutex

	smtpAccounts map[string]*models.SMTPAccount
	imapAccounts map[string]*models.IMAPAccount
	proxies      map[string]*models.Proxy
	campaigns    map[string]*models.Campaign
	recipients   map[string][]models.RecipientTarget
	attempts     []models.SendAttempt
	deadLetters  []models.DeadLetterRecord
}

// NewMemStore returns an empty, ready-to-use MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		smtpAccounts: make(map[string]*models.SMTPAccount),
		imapAccounts: make(map[string]*models.IMAPAccount),
		proxies:      make(map[string]*models.Proxy),
		campaigns:    make(map[string]*models.Campaign),
		recipients:   make(map[string][]models.RecipientTarget),
	}
}

func (m *MemStore) ListSMTPAccounts(_ context.Context, sessionID string) ([]*models.SMTPAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.SMTPAccount, 0, len(m.smtpAccounts))
	for _, a := range m.smtpAccounts {
		if a.SessionID == sessionID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *MemStore) GetSMTPAccount(_ context.Context, id string) (*models.SMTPAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.smtpAccounts[id]
	if !ok {
		return nil, nil
	}
	return a, nil
}

func (m *MemStore) SaveSMTPAccount(_ context.Context, a *models.SMTPAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.smtpAccounts[a.ID] = a
	return nil
}

func (m *MemStore) ListIMAPAccounts(_ context.Context, sessionID string) ([]*models.IMAPAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.IMAPAccount, 0, len(m.imapAccounts))
	for _, a := range m.imapAccounts {
		if a.SessionID == sessionID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *MemStore) GetIMAPAccount(_ context.Context, id string) (*models.IMAPAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.imapAccounts[id]
	if !ok {
		return nil, nil
	}
	return a, nil
}

func (m *MemStore) SaveIMAPAccount(_ context.Context, a *models.IMAPAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.imapAccounts[a.ID] = a
	return nil
}

func (m *MemStore) ListProxies(_ context.Context, sessionID string) ([]*models.Proxy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Proxy, 0, len(m.proxies))
	for _, p := range m.proxies {
		if p.SessionID == sessionID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *MemStore) SaveProxy(_ context.Context, p *models.Proxy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.proxies[p.ID] = p
	return nil
}

func (m *MemStore) GetCampaign(_ context.Context, id string) (*models.Campaign, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.campaigns[id]
	if !ok {
		return nil, nil
	}
	return c, nil
}

func (m *MemStore) SaveCampaign(_ context.Context, c *models.Campaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.campaigns[c.ID] = c
	return nil
}

func (m *MemStore) DeleteCampaign(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.campaigns, id)
	delete(m.recipients, id)
	return nil
}

func (m *MemStore) AppendSendAttempt(_ context.Context, a models.SendAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, a)
	return nil
}

func (m *MemStore) AppendDeadLetter(_ context.Context, d models.DeadLetterRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadLetters = append(m.deadLetters, d)
	return nil
}

func (m *MemStore) ListRecipients(_ context.Context, campaignID string, offset, limit int) ([]models.RecipientTarget, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.recipients[campaignID]
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	out := make([]models.RecipientTarget, end-offset)
	copy(out, all[offset:end])
	return out, nil
}

// SeedRecipients is a test/CLI helper for populating a campaign's recipient list
// in-process; contact-list ingestion is otherwise an external concern.
func (m *MemStore) SeedRecipients(campaignID string, recipients []models.RecipientTarget) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recipients[campaignID] = recipients
}

// DeadLetters returns a snapshot copy, used by tests and CLI introspection.
func (m *MemStore) DeadLetters() []models.DeadLetterRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.DeadLetterRecord, len(m.deadLetters))
	copy(out, m.deadLetters)
	return out
}

// SendAttempts returns a snapshot copy of the append-only attempt log.
func (m *MemStore) SendAttempts() []models.SendAttempt {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.SendAttempt, len(m.attempts))
	copy(out, m.attempts)
	return out
}
