package imapprober

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MailerSuite/sendcore/internal/models"
)

func TestSanitizeDumpFilename(t *testing.T) {
	cases := []struct {
		folder string
		uid    uint32
		want   string
	}{
		{"INBOX", 7, "INBOX_7.eml"},
		{"Sent Items", 3, "Sent_Items_3.eml"},
		{"INBOX/Promo", 9, "INBOX_Promo_9.eml"},
	}
	for _, c := range cases {
		if got := sanitizeDumpFilename(c.folder, c.uid); got != c.want {
			t.Errorf("sanitizeDumpFilename(%q, %d) = %q, want %q", c.folder, c.uid, got, c.want)
		}
	}
}

func TestRawDump_WritesFilesAndSummary(t *testing.T) {
	ft := newFakeTransport()
	ft.selected["INBOX"] = 1
	ft.searchUIDs = []uint32{1}
	ft.envelopes = []EnvelopeRecord{{UID: 1, ReceivedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}}
	ft.rawMessages[1] = RawMessage{UID: 1, Raw: []byte("From: a@b.com\r\n\r\nhello")}

	session := &Session{
		prober:    newTestProber(t),
		transport: ft,
		account:   &models.IMAPAccount{Email: "acct@example.com"},
		folders:   map[string]MailboxInfo{"INBOX": {Name: "INBOX"}},
	}

	dir := t.TempDir()
	summary, err := session.RawDump(context.Background(), dir, 10)
	if err != nil {
		t.Fatalf("RawDump: %v", err)
	}
	if len(summary.Entries) != 1 {
		t.Fatalf("Entries = %+v, want 1", summary.Entries)
	}
	if summary.Account != "acct@example.com" {
		t.Fatalf("Account = %q", summary.Account)
	}

	entry := summary.Entries[0]
	data, err := os.ReadFile(filepath.Join(dir, entry.File))
	if err != nil {
		t.Fatalf("read dumped message: %v", err)
	}
	if string(data) != "From: a@b.com\r\n\r\nhello" {
		t.Fatalf("dumped content mismatch: %s", data)
	}

	indexBytes, err := os.ReadFile(filepath.Join(dir, "summary.json"))
	if err != nil {
		t.Fatalf("read summary.json: %v", err)
	}
	var decoded DumpSummary
	if err := json.Unmarshal(indexBytes, &decoded); err != nil {
		t.Fatalf("decode summary.json: %v", err)
	}
	if len(decoded.Entries) != 1 || decoded.Entries[0].UID != 1 {
		t.Fatalf("decoded summary mismatch: %+v", decoded)
	}
}

func TestRawDump_RespectsPerFolderLimit(t *testing.T) {
	ft := newFakeTransport()
	ft.selected["INBOX"] = 3
	ft.searchUIDs = []uint32{1, 2, 3}
	ft.envelopes = []EnvelopeRecord{
		{UID: 1, ReceivedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
		{UID: 2, ReceivedAt: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)},
		{UID: 3, ReceivedAt: time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC)},
	}
	for _, uid := range []uint32{1, 2, 3} {
		ft.rawMessages[uid] = RawMessage{UID: uid, Raw: []byte("body")}
	}

	session := &Session{
		prober:    newTestProber(t),
		transport: ft,
		account:   &models.IMAPAccount{Email: "acct@example.com"},
		folders:   map[string]MailboxInfo{"INBOX": {Name: "INBOX"}},
	}

	summary, err := session.RawDump(context.Background(), t.TempDir(), 2)
	if err != nil {
		t.Fatalf("RawDump: %v", err)
	}
	if len(summary.Entries) != 2 {
		t.Fatalf("Entries = %d, want 2 (limited per folder)", len(summary.Entries))
	}
}
