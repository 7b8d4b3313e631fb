// Package imapprober implements the IMAP Prober: it authenticates,
// enumerates folders, selects them, and fetches message metadata and raw content, all
// through the Proxy Pool when leak prevention is on.
package imapprober

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/client"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/MailerSuite/sendcore/internal/models"
	"github.com/MailerSuite/sendcore/internal/proxypool"
	"github.com/MailerSuite/sendcore/internal/stores"
)

var (
	probeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "sendcore_imapprober_operation_duration_seconds",
		Help: "Duration of IMAP Prober operations",
	}, []string{"op", "outcome"})

	discoveryFolders = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sendcore_imapprober_discovered_folders",
		Help:    "Number of selectable folders discovered per account",
		Buckets: []float64{1, 2, 5, 10, 20, 50, 100},
	})
)

// Policy configures leak prevention, timeouts and folder-creation behavior.
type Policy struct {
	LeakPrevention     bool
	PathPrefixDefault  string
	CreateSystemFolders bool
	RawTimeout         time.Duration
	RawRetries         int
	FetchLimit         int // max UIDs fetched per SELECT
}

// Prober authenticates against a single IMAP account and runs the discovery and
// fetch algorithms.
type Prober struct {
	pool   *proxypool.Pool
	tokens stores.TokenProvider
	policy Policy
}

// New constructs a Prober.
func New(pool *proxypool.Pool, tokens stores.TokenProvider, policy Policy) *Prober {
	if policy.RawTimeout <= 0 {
		policy.RawTimeout = 30 * time.Second
	}
	if policy.RawRetries <= 0 {
		policy.RawRetries = 2
	}
	if policy.FetchLimit <= 0 {
		policy.FetchLimit = 50
	}
	if policy.PathPrefixDefault == "" {
		policy.PathPrefixDefault = ""
	}
	return &Prober{pool: pool, tokens: tokens, policy: policy}
}

// Session is one authenticated connection to an IMAP account's server, produced by
// Connect and closed with Close. Folder discovery is cached on the session so repeated
// Select calls don't re-run LIST.
type Session struct {
	prober    *Prober
	transport Transport
	account   *models.IMAPAccount
	folders   map[string]MailboxInfo // decoded name -> info, selectable only
	prefix    string
	delimiter string
}

// Connect dials account through proxy (required whenever leak prevention is on or
// proxy is non-nil, identical rule to the Dispatcher), negotiates implicit TLS, and
// authenticates.
func (p *Prober) Connect(ctx context.Context, account *models.IMAPAccount, proxy *models.Proxy) (*Session, error) {
	if p.policy.LeakPrevention {
		if err := p.pool.RequireLeakSafeProxy(proxy); err != nil {
			return nil, err
		}
	}

	timeout := p.policy.RawTimeout
	var conn net.Conn
	var err error
	if proxy != nil {
		conn, err = p.pool.OpenTunnel(ctx, proxy, account.Host, account.Port, timeout)
	} else if p.policy.LeakPrevention {
		return nil, models.NewOpError(models.ErrInternal, "imapprober: attempted direct egress with leak prevention enabled")
	} else {
		dialer := &net.Dialer{Timeout: timeout}
		conn, err = dialer.DialContext(ctx, "tcp", net.JoinHostPort(account.Host, strconv.Itoa(account.Port)))
	}
	if err != nil {
		return nil, models.NewOpError(models.ErrNetwork, fmt.Sprintf("connect: %v", err))
	}

	// implicit TLS only (IMAPS)
	tlsConn := tls.Client(conn, &tls.Config{ServerName: account.Host})
	tlsConn.SetDeadline(time.Now().Add(timeout))

	c, err := client.New(tlsConn)
	if err != nil {
		tlsConn.Close()
		return nil, models.NewOpError(models.ErrNetwork, fmt.Sprintf("imap handshake: %v", err))
	}

	transport := NewClientTransport(c)
	if err := p.authenticate(ctx, transport, account); err != nil {
		_ = transport.Logout()
		return nil, models.NewOpError(models.ErrAuth, err.Error())
	}

	return &Session{prober: p, transport: transport, account: account}, nil
}

func (p *Prober) authenticate(ctx context.Context, t Transport, account *models.IMAPAccount) error {
	if account.Credential.IsOAuth() {
		if p.tokens == nil {
			return fmt.Errorf("no token provider configured for oauth account %s", account.Email)
		}
		token, err := p.tokens.AccessToken(ctx, account.Credential)
		if err != nil {
			return fmt.Errorf("refresh access token: %w", err)
		}
		return t.AuthenticateXOAUTH2(account.Email, token)
	}
	return t.Login(account.Email, account.Credential.Password)
}

// Close logs out and releases the underlying connection.
func (s *Session) Close() error {
	return s.transport.Logout()
}

// Discover runs the robust, multi-step folder discovery algorithm, caching the
// selectable folder map on the session.
func (s *Session) Discover(ctx context.Context, createPolicy bool) ([]string, error) {
	start := time.Now()
	outcome := "success"
	defer func() {
		probeDuration.WithLabelValues("discover", outcome).Observe(time.Since(start).Seconds())
	}()

	prefix, delimiter, ok := s.transport.Namespace()
	if !ok {
		prefix, delimiter = s.prober.policy.PathPrefixDefault, "/"
	}
	s.prefix, s.delimiter = prefix, delimiter

	raw, err := s.listAny(prefix)
	if err != nil {
		outcome = "error"
		return nil, err
	}

	raw = s.expandChildren(raw)

	if len(raw) == 0 {
		raw = s.listFallbackReferences()
	}

	decoded := make(map[string]MailboxInfo, len(raw))
	for _, m := range raw {
		name := decodeMailboxName(m.Name)
		decoded[name] = m
	}

	selectable := make(map[string]MailboxInfo)
	for name, m := range decoded {
		if !m.Noselect() {
			selectable[name] = m
		}
	}
	s.folders = selectable

	if createPolicy {
		if err := s.ensureSystemFolders(ctx); err != nil {
			outcome = "partial"
		}
	}

	names := make([]string, 0, len(s.folders))
	for name := range s.folders {
		names = append(names, name)
	}
	sort.Strings(names)
	discoveryFolders.Observe(float64(len(names)))
	return names, nil
}

// listAny tries LIST <prefix> "*", then the fallback command order: empty pattern, "%",
// LSUB, XLIST.
func (s *Session) listAny(prefix string) ([]MailboxInfo, error) {
	attempts := []func() ([]MailboxInfo, error){
		func() ([]MailboxInfo, error) { return s.transport.List(prefix, "*") },
		func() ([]MailboxInfo, error) { return s.transport.List(prefix, "") },
		func() ([]MailboxInfo, error) { return s.transport.List(prefix, "%") },
		func() ([]MailboxInfo, error) { return s.transport.LSub(prefix, "*") },
		func() ([]MailboxInfo, error) { return s.transport.XList(prefix, "*") },
	}
	var lastErr error
	for _, attempt := range attempts {
		out, err := attempt()
		if err != nil {
			lastErr = err
			continue
		}
		if len(out) > 0 {
			return out, nil
		}
	}
	return nil, lastErr
}

// expandChildren recurses into \Noselect, \HasChildren entries.
func (s *Session) expandChildren(entries []MailboxInfo) []MailboxInfo {
	out := append([]MailboxInfo(nil), entries...)
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		seen[e.Name] = true
	}

	queue := append([]MailboxInfo(nil), entries...)
	for len(queue) > 0 {
		m := queue[0]
		queue = queue[1:]
		if !(m.Noselect() && m.HasChildren()) {
			continue
		}
		children, err := s.transport.List(m.Name, "*")
		if err != nil {
			continue
		}
		for _, c := range children {
			if seen[c.Name] {
				continue
			}
			seen[c.Name] = true
			out = append(out, c)
			queue = append(queue, c)
		}
	}
	return out
}

// listFallbackReferences tries the INBOX-rooted references.
func (s *Session) listFallbackReferences() []MailboxInfo {
	for _, ref := range []string{"INBOX", "INBOX.", "INBOX/"} {
		if out, err := s.transport.List(ref, "*"); err == nil && len(out) > 0 {
			return out
		}
	}
	return nil
}

// ensureSystemFolders creates canonical system folders when none of their known
// aliases exist.
func (s *Session) ensureSystemFolders(ctx context.Context) error {
	var firstErr error
	for logical, aliases := range folderAliasSets {
		if s.hasAnyAlias(aliases) {
			continue
		}
		canonical := canonicalFolderName[logical]
		if err := s.transport.Create(s.prefixed(canonical)); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		s.folders[canonical] = MailboxInfo{Name: canonical, Delimiter: s.delimiter}
	}
	return firstErr
}

func (s *Session) hasAnyAlias(aliases []string) bool {
	for name := range s.folders {
		normalized := strings.ToLower(strings.TrimPrefix(name, s.prefix))
		for _, alias := range aliases {
			if normalized == alias {
				return true
			}
		}
	}
	return false
}

func (s *Session) prefixed(name string) string {
	if s.prefix == "" {
		return name
	}
	return s.prefix + name
}

// Select opens a folder for reading. When the exact name fails it retries with the
// discovered folder of that name, then brute-forces every discovered folder whose
// lowercase name (namespace prefix stripped) is the requested name or one of its
// aliases.
func (s *Session) Select(name string) (messageCount uint32, err error) {
	return s.selectFolder(name, true)
}

func (s *Session) selectFolder(name string, readOnly bool) (uint32, error) {
	if n, selErr := s.transport.Select(name, readOnly); selErr == nil {
		return n, nil
	}

	if discovered, ok := s.resolveDiscoveredName(name); ok {
		if n, selErr := s.transport.Select(discovered, readOnly); selErr == nil {
			return n, nil
		}
	}

	normalized := strings.ToLower(strings.TrimPrefix(name, s.prefix))
	candidates := map[string]bool{normalized: true}
	for _, aliases := range folderAliasSets {
		for _, alias := range aliases {
			if alias == normalized {
				for _, a := range aliases {
					candidates[a] = true
				}
			}
		}
	}
	for folderName := range s.folders {
		if candidates[strings.ToLower(strings.TrimPrefix(folderName, s.prefix))] {
			if n, selErr := s.transport.Select(folderName, readOnly); selErr == nil {
				return n, nil
			}
		}
	}

	return 0, models.NewOpError(models.ErrConfiguration, fmt.Sprintf("imapprober: cannot select folder %q", name))
}

func (s *Session) resolveDiscoveredName(name string) (string, bool) {
	if _, ok := s.folders[name]; ok {
		return name, true
	}
	return "", false
}

// Message is one dedup/ordering unit across the listing and raw-fetch methods.
type Message struct {
	Folder string
	Envelope EnvelopeRecord
}

// ListMessages fetches envelope metadata for folder, up to the Prober's fetch limit,
// returning entries sorted by received_at descending, deduplicated by uid.
func (s *Session) ListMessages(ctx context.Context, folder string) ([]Message, error) {
	if _, err := s.Select(folder); err != nil {
		return nil, err
	}

	uids, err := s.transport.UIDSearchAll()
	if err != nil {
		return nil, models.NewOpError(models.ErrNetwork, err.Error())
	}

	limit := s.prober.policy.FetchLimit
	if len(uids) > limit {
		uids = uids[len(uids)-limit:]
	}

	records, err := s.transport.FetchEnvelopes(uids)
	if err != nil {
		return nil, models.NewOpError(models.ErrNetwork, err.Error())
	}

	out := dedupeAndSort(folder, records)
	return out, nil
}

func dedupeAndSort(folder string, records []EnvelopeRecord) []Message {
	seen := make(map[uint32]bool, len(records))
	out := make([]Message, 0, len(records))
	for _, r := range records {
		if seen[r.UID] {
			continue
		}
		seen[r.UID] = true
		out = append(out, Message{Folder: folder, Envelope: r})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Envelope.ReceivedAt.After(out[j].Envelope.ReceivedAt)
	})
	return out
}

// GetMessages pages through folder's envelope metadata: messages are sorted by
// received_at descending, then offset entries are skipped and up to limit returned.
// limit <= 0 falls back to the Prober's fetch limit.
func (s *Session) GetMessages(ctx context.Context, folder string, limit, offset int) ([]Message, error) {
	if limit <= 0 {
		limit = s.prober.policy.FetchLimit
	}
	if offset < 0 {
		offset = 0
	}

	if _, err := s.Select(folder); err != nil {
		return nil, err
	}

	uids, err := s.transport.UIDSearchAll()
	if err != nil {
		return nil, models.NewOpError(models.ErrNetwork, err.Error())
	}

	// Fetch only the window that can contain the requested page: the offset+limit
	// highest UIDs (UIDs ascend with arrival on every real server).
	window := offset + limit
	if len(uids) > window {
		uids = uids[len(uids)-window:]
	}

	records, err := s.transport.FetchEnvelopes(uids)
	if err != nil {
		return nil, models.NewOpError(models.ErrNetwork, err.Error())
	}

	out := dedupeAndSort(folder, records)
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkRead sets or clears the \Seen flag on one message.
func (s *Session) MarkRead(folder string, uid uint32, read bool) error {
	if _, err := s.selectFolder(folder, false); err != nil {
		return err
	}
	if err := s.transport.StoreFlags(uid, read, []string{"\\Seen"}); err != nil {
		return models.NewOpError(models.ErrNetwork, err.Error())
	}
	return nil
}

// DeleteMessage flags one message \Deleted and expunges the folder.
func (s *Session) DeleteMessage(folder string, uid uint32) error {
	if _, err := s.selectFolder(folder, false); err != nil {
		return err
	}
	if err := s.transport.StoreFlags(uid, true, []string{"\\Deleted"}); err != nil {
		return models.NewOpError(models.ErrNetwork, err.Error())
	}
	if err := s.transport.Expunge(); err != nil {
		return models.NewOpError(models.ErrNetwork, err.Error())
	}
	return nil
}

// FetchRaw retrieves and parses one message's full content.
func (s *Session) FetchRaw(folder string, uid uint32) (RawMessage, error) {
	if _, err := s.Select(folder); err != nil {
		return RawMessage{}, err
	}

	var lastErr error
	for attempt := 0; attempt <= s.prober.policy.RawRetries; attempt++ {
		msg, err := s.transport.FetchRaw(uid)
		if err == nil {
			return msg, nil
		}
		lastErr = err
	}
	return RawMessage{}, models.NewOpError(models.ErrNetwork, lastErr.Error())
}
