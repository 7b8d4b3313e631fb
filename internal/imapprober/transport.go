package imapprober

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/utf7"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
)

// MailboxInfo is one entry returned by a folder-listing command, decoded and
// normalized.
type MailboxInfo struct {
	Name       string
	Delimiter  string
	Attributes []string
}

func (m MailboxInfo) hasAttr(attr string) bool {
	for _, a := range m.Attributes {
		if strings.EqualFold(a, attr) {
			return true
		}
	}
	return false
}

// Noselect reports whether the server marked this mailbox non-selectable.
func (m MailboxInfo) Noselect() bool { return m.hasAttr(imap.NoSelectAttr) }

// HasChildren reports whether the server advertised child mailboxes.
func (m MailboxInfo) HasChildren() bool { return m.hasAttr(imap.HasChildrenAttr) }

// EnvelopeRecord is the parsed metadata of one message.
type EnvelopeRecord struct {
	UID        uint32
	Sender     string
	SenderName string
	Subject    string
	Preview    string
	IsRead     bool
	IsStarred  bool
	ReceivedAt time.Time
}

// Attachment describes one MIME part without decoding its body.
type Attachment struct {
	Filename    string
	ContentType string
	Size        int
}

// RawMessage is a fully fetched, parsed message.
type RawMessage struct {
	UID         uint32
	Flags       []string
	Raw         []byte
	TextBody    string
	HTMLBody    string
	Attachments []Attachment
}

// Transport is the narrow IMAP protocol surface the Prober depends on.
// ClientTransport is the production implementation over a connected socket; tests
// substitute a fake.
type Transport interface {
	Login(username, password string) error
	AuthenticateXOAUTH2(username, token string) error
	Namespace() (prefix, delimiter string, ok bool)
	List(reference, pattern string) ([]MailboxInfo, error)
	LSub(reference, pattern string) ([]MailboxInfo, error)
	XList(reference, pattern string) ([]MailboxInfo, error)
	Create(name string) error
	Select(name string, readOnly bool) (exists uint32, err error)
	UIDSearchAll() ([]uint32, error)
	FetchEnvelopes(uids []uint32) ([]EnvelopeRecord, error)
	FetchRaw(uid uint32) (RawMessage, error)
	StoreFlags(uid uint32, add bool, flags []string) error
	Expunge() error
	Logout() error
}

// ClientTransport adapts github.com/emersion/go-imap/client to Transport. NAMESPACE,
// LSUB and XLIST are extension commands that the vendored go-imap v1 client does not
// expose directly; ClientTransport reports them unsupported
// rather than hand-rolling a fragile raw-protocol shim, and the Prober's discovery
// algorithm already treats any of these as optional.
type ClientTransport struct {
	c *client.Client
}

// NewClientTransport wraps an already-connected IMAP client.
func NewClientTransport(c *client.Client) *ClientTransport {
	return &ClientTransport{c: c}
}

func (t *ClientTransport) Login(username, password string) error {
	return t.c.Login(username, password)
}

func (t *ClientTransport) AuthenticateXOAUTH2(username, token string) error {
	return t.c.Authenticate(sasl.NewXoauth2Client(username, token))
}

// Namespace always reports unsupported; see the ClientTransport doc comment.
func (t *ClientTransport) Namespace() (string, string, bool) {
	return "", "/", false
}

func (t *ClientTransport) List(reference, pattern string) ([]MailboxInfo, error) {
	ch := make(chan *imap.MailboxInfo, 16)
	done := make(chan error, 1)
	go func() { done <- t.c.List(reference, pattern, ch) }()

	var out []MailboxInfo
	for m := range ch {
		out = append(out, MailboxInfo{Name: m.Name, Delimiter: m.Delimiter, Attributes: m.Attributes})
	}
	return out, <-done
}

// LSub always reports unsupported; see the ClientTransport doc comment.
func (t *ClientTransport) LSub(string, string) ([]MailboxInfo, error) { return nil, nil }

// XList always reports unsupported; see the ClientTransport doc comment.
func (t *ClientTransport) XList(string, string) ([]MailboxInfo, error) { return nil, nil }

func (t *ClientTransport) Create(name string) error {
	if err := t.c.Create(name); err != nil {
		if strings.Contains(strings.ToUpper(err.Error()), "ALREADYEXISTS") {
			return nil
		}
		return err
	}
	return nil
}

func (t *ClientTransport) Select(name string, readOnly bool) (uint32, error) {
	status, err := t.c.Select(name, readOnly)
	if err != nil {
		return 0, err
	}
	return status.Messages, nil
}

func (t *ClientTransport) UIDSearchAll() ([]uint32, error) {
	criteria := imap.NewSearchCriteria()
	return t.c.UidSearch(criteria)
}

func (t *ClientTransport) FetchEnvelopes(uids []uint32) ([]EnvelopeRecord, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	seqset := new(imap.SeqSet)
	for _, uid := range uids {
		seqset.AddNum(uid)
	}

	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchFlags, imap.FetchBodyStructure, imap.FetchUid}
	messages := make(chan *imap.Message, 32)
	done := make(chan error, 1)
	go func() { done <- t.c.UidFetch(seqset, items, messages) }()

	var out []EnvelopeRecord
	for msg := range messages {
		out = append(out, envelopeRecordFrom(msg))
	}
	return out, <-done
}

func envelopeRecordFrom(msg *imap.Message) EnvelopeRecord {
	rec := EnvelopeRecord{UID: msg.Uid}
	for _, flag := range msg.Flags {
		switch flag {
		case imap.SeenFlag:
			rec.IsRead = true
		case imap.FlaggedFlag:
			rec.IsStarred = true
		}
	}
	if env := msg.Envelope; env != nil {
		rec.Subject = env.Subject
		rec.ReceivedAt = env.Date
		if len(env.From) > 0 {
			rec.Sender = addressOf(env.From[0])
			rec.SenderName = env.From[0].PersonalName
		}
	}
	return rec
}

func addressOf(addr *imap.Address) string {
	if addr.MailboxName == "" || addr.HostName == "" {
		return ""
	}
	return fmt.Sprintf("%s@%s", addr.MailboxName, addr.HostName)
}

// FetchRaw retrieves the full RFC 5322 message and parses its text/HTML parts and
// attachment descriptors.
func (t *ClientTransport) FetchRaw(uid uint32) (RawMessage, error) {
	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)

	var section imap.BodySectionName
	items := []imap.FetchItem{section.FetchItem(), imap.FetchFlags, imap.FetchUid}
	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() { done <- t.c.UidFetch(seqset, items, messages) }()

	msg := <-messages
	if err := <-done; err != nil {
		return RawMessage{}, err
	}
	if msg == nil {
		return RawMessage{}, fmt.Errorf("imapprober: uid %d not found", uid)
	}

	r := msg.GetBody(&section)
	if r == nil {
		return RawMessage{}, fmt.Errorf("imapprober: uid %d has no body literal", uid)
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return RawMessage{}, fmt.Errorf("read body: %w", err)
	}

	out := RawMessage{UID: uid, Flags: msg.Flags, Raw: raw}
	if err := parseMIME(raw, &out); err != nil {
		return out, fmt.Errorf("parse mime: %w", err)
	}
	return out, nil
}

func parseMIME(raw []byte, out *RawMessage) error {
	reader, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			ct, _, _ := h.ContentType()
			body, _ := io.ReadAll(part.Body)
			switch {
			case strings.HasPrefix(ct, "text/plain") && out.TextBody == "":
				out.TextBody = string(body)
			case strings.HasPrefix(ct, "text/html") && out.HTMLBody == "":
				out.HTMLBody = string(body)
			}
		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			ct, _, _ := h.ContentType()
			body, _ := io.ReadAll(part.Body)
			out.Attachments = append(out.Attachments, Attachment{
				Filename:    filename,
				ContentType: ct,
				Size:        len(body),
			})
		}
	}
	return nil
}

// StoreFlags adds or removes flags on one message via UID STORE.
func (t *ClientTransport) StoreFlags(uid uint32, add bool, flags []string) error {
	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)

	op := imap.FlagsOp(imap.RemoveFlags)
	if add {
		op = imap.AddFlags
	}
	item := imap.FormatFlagsOp(op, true)
	values := make([]interface{}, len(flags))
	for i, f := range flags {
		values[i] = f
	}
	return t.c.UidStore(seqset, item, values, nil)
}

func (t *ClientTransport) Expunge() error {
	return t.c.Expunge(nil)
}

func (t *ClientTransport) Logout() error {
	return t.c.Logout()
}

// decodeMailboxName decodes a modified-UTF-7 folder name and strips IMAP quoting.
func decodeMailboxName(name string) string {
	decoded, err := utf7.Encoding.NewDecoder().String(name)
	if err != nil {
		decoded = name
	}
	decoded = strings.Trim(decoded, `"`)
	return decoded
}
