package imapprober

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/emersion/go-imap/utf7"

	"github.com/MailerSuite/sendcore/internal/models"
)

// fakeTransport is a minimal, fully scriptable Transport used to drive the Discover,
// Select, ListMessages and FetchRaw algorithms without a live IMAP server.
type fakeTransport struct {
	namespacePrefix    string
	namespaceDelimiter string
	namespaceOK        bool

	listResults map[string][]MailboxInfo // "reference|pattern" -> result
	listErr     map[string]error

	createdFolders []string
	createErr      error

	selected     map[string]uint32
	selectCalls  []string

	searchUIDs []uint32
	searchErr  error

	envelopes    []EnvelopeRecord
	fetchEnvErr  error

	rawMessages map[uint32]RawMessage
	rawErrCount int // number of times FetchRaw should fail before succeeding

	storedFlags  []string // "uid|op|flag" entries in call order
	expungeCalls int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		listResults: make(map[string][]MailboxInfo),
		listErr:     make(map[string]error),
		selected:    make(map[string]uint32),
		rawMessages: make(map[uint32]RawMessage),
	}
}

func (f *fakeTransport) Login(string, string) error                 { return nil }
func (f *fakeTransport) AuthenticateXOAUTH2(string, string) error    { return nil }
func (f *fakeTransport) Namespace() (string, string, bool) {
	return f.namespacePrefix, f.namespaceDelimiter, f.namespaceOK
}

func (f *fakeTransport) List(reference, pattern string) ([]MailboxInfo, error) {
	key := reference + "|" + pattern
	if err, ok := f.listErr[key]; ok {
		return nil, err
	}
	return f.listResults[key], nil
}

func (f *fakeTransport) LSub(reference, pattern string) ([]MailboxInfo, error) {
	return f.List("LSUB:"+reference, pattern)
}

func (f *fakeTransport) XList(reference, pattern string) ([]MailboxInfo, error) {
	return f.List("XLIST:"+reference, pattern)
}

func (f *fakeTransport) Create(name string) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.createdFolders = append(f.createdFolders, name)
	return nil
}

func (f *fakeTransport) Select(name string, _ bool) (uint32, error) {
	f.selectCalls = append(f.selectCalls, name)
	n, ok := f.selected[name]
	if !ok {
		return 0, errors.New("no such folder")
	}
	return n, nil
}

func (f *fakeTransport) UIDSearchAll() ([]uint32, error) { return f.searchUIDs, f.searchErr }

func (f *fakeTransport) FetchEnvelopes([]uint32) ([]EnvelopeRecord, error) {
	return f.envelopes, f.fetchEnvErr
}

func (f *fakeTransport) FetchRaw(uid uint32) (RawMessage, error) {
	if f.rawErrCount > 0 {
		f.rawErrCount--
		return RawMessage{}, errors.New("transient fetch error")
	}
	msg, ok := f.rawMessages[uid]
	if !ok {
		return RawMessage{}, errors.New("no such message")
	}
	return msg, nil
}

func (f *fakeTransport) StoreFlags(uid uint32, add bool, flags []string) error {
	op := "remove"
	if add {
		op = "add"
	}
	for _, flag := range flags {
		f.storedFlags = append(f.storedFlags, fmt.Sprintf("%d|%s|%s", uid, op, flag))
	}
	return nil
}

func (f *fakeTransport) Expunge() error {
	f.expungeCalls++
	return nil
}

func (f *fakeTransport) Logout() error { return nil }

func newTestProber(t *testing.T) *Prober {
	t.Helper()
	return New(nil, nil, Policy{FetchLimit: 50})
}

// TestDiscover_FallsBackToLSUB: an empty `LIST "" "*"` falls back through
// `LIST "" ""`, `LIST "" "%"` and finally a non-empty `LSUB "" "*"`.
func TestDiscover_FallsBackToLSUB(t *testing.T) {
	ft := newFakeTransport()
	ft.namespaceOK = false // defaults prefix="" delimiter="/"
	ft.listResults["|*"] = nil
	ft.listResults["|"] = nil
	ft.listResults["|%"] = nil
	ft.listResults["LSUB:|*"] = []MailboxInfo{
		{Name: "INBOX"},
		{Name: "Junk", Attributes: []string{`\Noselect`}},
	}

	session := &Session{prober: newTestProber(t), transport: ft}
	names, err := session.Discover(context.Background(), false)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(names) != 1 || names[0] != "INBOX" {
		t.Fatalf("names = %v, want [INBOX] (Noselect entries excluded)", names)
	}
}

// TestDiscover_DecodesUTF7Names covers modified-UTF-7 folder name decoding.
func TestDiscover_DecodesUTF7Names(t *testing.T) {
	encoded, err := utf7.Encoding.NewEncoder().String("Факты")
	if err != nil {
		t.Fatalf("encode fixture: %v", err)
	}

	ft := newFakeTransport()
	ft.listResults["|*"] = []MailboxInfo{{Name: encoded}}

	session := &Session{prober: newTestProber(t), transport: ft}
	names, err := session.Discover(context.Background(), false)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(names) != 1 || names[0] != "Факты" {
		t.Fatalf("names = %v, want the decoded original name", names)
	}
}

// TestDiscover_CreatesMissingSystemFolders covers system-folder auto-creation.
func TestDiscover_CreatesMissingSystemFolders(t *testing.T) {
	ft := newFakeTransport()
	ft.listResults["|*"] = []MailboxInfo{{Name: "INBOX"}}

	session := &Session{prober: newTestProber(t), transport: ft}
	_, err := session.Discover(context.Background(), true)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}

	want := map[string]bool{"Sent": false, "Drafts": false, "Trash": false, "Spam": false, "Archive": false}
	for _, created := range ft.createdFolders {
		if _, ok := want[created]; ok {
			want[created] = true
		}
	}
	for folder, created := range want {
		if !created {
			t.Errorf("expected CREATE for missing system folder %s", folder)
		}
	}
}

// TestDiscover_AlreadyExistsAliasSkipsCreate ensures a folder whose alias already
// exists (case-insensitively, e.g. "Sent Mail") is not recreated.
func TestDiscover_AlreadyExistsAliasSkipsCreate(t *testing.T) {
	ft := newFakeTransport()
	ft.listResults["|*"] = []MailboxInfo{{Name: "INBOX"}, {Name: "Sent Mail"}}

	session := &Session{prober: newTestProber(t), transport: ft}
	_, err := session.Discover(context.Background(), true)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	for _, created := range ft.createdFolders {
		if created == "Sent" {
			t.Fatal("should not CREATE Sent when the Sent Mail alias already exists")
		}
	}
}

// TestSelect_FallsBackToDiscoveredAliasMatch covers the case-insensitive brute-force
// fallback in "Selection": a SELECT for the canonical name fails, but a
// discovered folder differing only in case is tried next.
func TestSelect_FallsBackToDiscoveredAliasMatch(t *testing.T) {
	ft := newFakeTransport()
	ft.selected["sent"] = 12

	session := &Session{
		prober:    newTestProber(t),
		transport: ft,
		folders:   map[string]MailboxInfo{"sent": {Name: "sent"}},
	}

	n, err := session.Select("Sent")
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if n != 12 {
		t.Fatalf("Select returned %d, want 12", n)
	}
	if len(ft.selectCalls) < 2 {
		t.Fatalf("expected Select to retry with the discovered name, calls: %v", ft.selectCalls)
	}
}

func TestSelect_Unresolvable(t *testing.T) {
	ft := newFakeTransport()
	session := &Session{prober: newTestProber(t), transport: ft, folders: map[string]MailboxInfo{}}

	_, err := session.Select("DoesNotExist")
	if err == nil {
		t.Fatal("expected an error for an unresolvable folder name")
	}
}

// TestListMessages_DedupesAndOrdersDescending: duplicate (folder, uid) pairs are
// dropped and the result is sorted by received_at descending.
func TestListMessages_DedupesAndOrdersDescending(t *testing.T) {
	t1 := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	t2 := time.Date(2026, 1, 1, 11, 0, 0, 0, time.UTC)
	t3 := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

	ft := newFakeTransport()
	ft.selected["INBOX"] = 3
	ft.searchUIDs = []uint32{1, 2, 3}
	ft.envelopes = []EnvelopeRecord{
		{UID: 3, ReceivedAt: t3},
		{UID: 1, ReceivedAt: t1},
		{UID: 2, ReceivedAt: t2},
		{UID: 1, ReceivedAt: t1}, // duplicate (folder, uid) pair must be dropped
	}

	session := &Session{prober: newTestProber(t), transport: ft}
	msgs, err := session.ListMessages(context.Background(), "INBOX")
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("len(msgs) = %d, want 3 after dedup", len(msgs))
	}
	if msgs[0].Envelope.UID != 2 || msgs[1].Envelope.UID != 1 || msgs[2].Envelope.UID != 3 {
		t.Fatalf("messages not sorted by received_at descending: %+v", msgs)
	}
}

// TestGetMessages_AppliesOffsetAndLimit covers the get_messages pagination contract:
// entries are sorted by received_at descending before offset/limit are applied.
func TestGetMessages_AppliesOffsetAndLimit(t *testing.T) {
	base := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)

	ft := newFakeTransport()
	ft.selected["INBOX"] = 5
	ft.searchUIDs = []uint32{1, 2, 3, 4, 5}
	for uid := uint32(1); uid <= 5; uid++ {
		ft.envelopes = append(ft.envelopes, EnvelopeRecord{
			UID:        uid,
			ReceivedAt: base.Add(time.Duration(uid) * time.Hour),
		})
	}

	session := &Session{prober: newTestProber(t), transport: ft}
	msgs, err := session.GetMessages(context.Background(), "INBOX", 2, 1)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("len(msgs) = %d, want 2", len(msgs))
	}
	// newest first is UID 5; offset 1 skips it, leaving UIDs 4 and 3
	if msgs[0].Envelope.UID != 4 || msgs[1].Envelope.UID != 3 {
		t.Fatalf("page = [%d %d], want [4 3]", msgs[0].Envelope.UID, msgs[1].Envelope.UID)
	}
}

func TestGetMessages_OffsetPastEnd(t *testing.T) {
	ft := newFakeTransport()
	ft.selected["INBOX"] = 1
	ft.searchUIDs = []uint32{1}
	ft.envelopes = []EnvelopeRecord{{UID: 1}}

	session := &Session{prober: newTestProber(t), transport: ft}
	msgs, err := session.GetMessages(context.Background(), "INBOX", 10, 50)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("len(msgs) = %d, want 0 for an offset past the end", len(msgs))
	}
}

// TestMarkRead_TogglesSeenFlag covers the mark_read operation in both directions.
func TestMarkRead_TogglesSeenFlag(t *testing.T) {
	ft := newFakeTransport()
	ft.selected["INBOX"] = 1

	session := &Session{prober: newTestProber(t), transport: ft}
	if err := session.MarkRead("INBOX", 7, true); err != nil {
		t.Fatalf("MarkRead(true): %v", err)
	}
	if err := session.MarkRead("INBOX", 7, false); err != nil {
		t.Fatalf("MarkRead(false): %v", err)
	}

	want := []string{`7|add|\Seen`, `7|remove|\Seen`}
	if len(ft.storedFlags) != 2 || ft.storedFlags[0] != want[0] || ft.storedFlags[1] != want[1] {
		t.Fatalf("storedFlags = %v, want %v", ft.storedFlags, want)
	}
}

// TestDeleteMessage_FlagsAndExpunges covers delete_message: \Deleted then EXPUNGE.
func TestDeleteMessage_FlagsAndExpunges(t *testing.T) {
	ft := newFakeTransport()
	ft.selected["Trash"] = 1

	session := &Session{prober: newTestProber(t), transport: ft}
	if err := session.DeleteMessage("Trash", 9); err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}
	if len(ft.storedFlags) != 1 || ft.storedFlags[0] != `9|add|\Deleted` {
		t.Fatalf("storedFlags = %v, want [9|add|\\Deleted]", ft.storedFlags)
	}
	if ft.expungeCalls != 1 {
		t.Fatalf("expungeCalls = %d, want 1", ft.expungeCalls)
	}
}

func TestDeleteMessage_UnknownFolder(t *testing.T) {
	ft := newFakeTransport()
	session := &Session{prober: newTestProber(t), transport: ft, folders: map[string]MailboxInfo{}}

	if err := session.DeleteMessage("Nope", 1); err == nil {
		t.Fatal("expected an error for an unselectable folder")
	}
	if ft.expungeCalls != 0 {
		t.Fatal("must not expunge when the folder cannot be selected")
	}
}

// TestFetchRaw_RetriesWithinBudget covers the RawRetries policy surfacing a transient
// fetch error before eventually succeeding.
func TestFetchRaw_RetriesWithinBudget(t *testing.T) {
	ft := newFakeTransport()
	ft.selected["INBOX"] = 1
	ft.rawErrCount = 1
	ft.rawMessages[42] = RawMessage{UID: 42, TextBody: "hello"}

	prober := New(nil, nil, Policy{RawRetries: 2})
	session := &Session{prober: prober, transport: ft}

	msg, err := session.FetchRaw("INBOX", 42)
	if err != nil {
		t.Fatalf("FetchRaw: %v", err)
	}
	if msg.TextBody != "hello" {
		t.Fatalf("FetchRaw returned %+v", msg)
	}
}

func TestFetchRaw_ExhaustsRetries(t *testing.T) {
	ft := newFakeTransport()
	ft.selected["INBOX"] = 1
	ft.rawErrCount = 99

	prober := New(nil, nil, Policy{RawRetries: 1})
	session := &Session{prober: prober, transport: ft}

	_, err := session.FetchRaw("INBOX", 42)
	if err == nil {
		t.Fatal("expected an error once retries are exhausted")
	}
	opErr, ok := err.(*models.OpError)
	if !ok || opErr.Kind != models.ErrNetwork {
		t.Fatalf("expected a network OpError, got %v", err)
	}
}

// TestDecodeMailboxName_RoundTrip: a folder name containing non-ASCII encodes to
// modified-UTF-7 and decodes back to the original.
func TestDecodeMailboxName_RoundTrip(t *testing.T) {
	originals := []string{"Входящие", "日本語フォルダ", "Plain ASCII", "Café Promo"}
	for _, original := range originals {
		encoded, err := utf7.Encoding.NewEncoder().String(original)
		if err != nil {
			t.Fatalf("encode %q: %v", original, err)
		}
		if got := decodeMailboxName(encoded); got != original {
			t.Errorf("round trip for %q: got %q", original, got)
		}
	}
}
