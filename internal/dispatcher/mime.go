package dispatcher

import (
	"bytes"
	"fmt"
	mathrand "math/rand"
	"mime"
	"mime/multipart"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MailerSuite/sendcore/internal/models"
	"github.com/MailerSuite/sendcore/internal/stores"
)

// userAgents is the pool a built message's User-Agent header is sampled from.
var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) Thunderbird/115.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) Thunderbird/115.3",
	"Microsoft Outlook 16.0",
	"Mozilla/5.0 (X11; Linux x86_64) Thunderbird/102.15",
	"Apple Mail (16.0)",
}

// PreparedMessage is a fully rendered RFC 5322 message ready for the DATA phase.
type PreparedMessage struct {
	From      string
	To        string
	CC        []string
	BCC       []string
	MessageID string
	Raw       []byte
}

// AllRecipients returns every SMTP RCPT TO address: To, CC and BCC. Envelope
// recipients include bcc even though the header does not.
func (m *PreparedMessage) AllRecipients() []string {
	out := make([]string, 0, 1+len(m.CC)+len(m.BCC))
	out = append(out, m.To)
	out = append(out, m.CC...)
	out = append(out, m.BCC...)
	return out
}

// TemplateInput is the rendered subject/body pair selected from a campaign's pools
// before macro substitution; pools rotate per-recipient.
type TemplateInput struct {
	Subject  string
	HTMLBody string
	TextBody string
}

// BuildOptions configures message assembly for one recipient.
type BuildOptions struct {
	Sender             string
	CC                 []string
	BCC                []string
	CampaignName       string
	CustomMessageID    bool
	RequireUnsubscribe bool
	TrackOpens         bool
	TrackingPixelURL   string // rendered per-recipient open-tracking URL, empty disables
	UnsubscribeURL     string
	Rand               stores.Randomness // drives %%RANDOM%% and the User-Agent pick; nil uses a package default
}

// macros maps the substitution tokens to the recipient fields or
// campaign/clock context they pull from.
func applyMacros(s string, rcpt models.RecipientTarget, campaignName string, rnd stores.Randomness) string {
	now := time.Now()
	replacer := strings.NewReplacer(
		"%%FIRST_NAME%%", rcpt.FirstName,
		"%%LAST_NAME%%", rcpt.LastName,
		"%%EMAIL%%", rcpt.Email,
		"%%CAMPAIGN%%", campaignName,
		"%%DATE%%", now.Format("2006-01-02"),
		"%%TIME%%", now.Format("15:04:05"),
		"%%RANDOM%%", fmt.Sprintf("%04d", rnd.Intn(10000)),
	)
	s = replacer.Replace(s)
	for key, val := range rcpt.CustomFields {
		s = strings.ReplaceAll(s, "%%"+strings.ToUpper(key)+"%%", val)
	}
	return s
}

// Build renders a TemplateInput for one recipient into a PreparedMessage, applying
// macro substitution, a multipart/related body holding the text and HTML parts, the
// List-Unsubscribe header pair (RFC 8058) and the open-tracking pixel.
func Build(tmpl TemplateInput, rcpt models.RecipientTarget, opts BuildOptions) (*PreparedMessage, error) {
	if err := models.ValidateRecipient(rcpt); err != nil {
		return nil, models.NewOpError(models.ErrConfiguration, err.Error())
	}

	rnd := opts.Rand
	if rnd == nil {
		rnd = defaultRand{}
	}

	subject := applyMacros(tmpl.Subject, rcpt, opts.CampaignName, rnd)
	htmlBody := applyMacros(tmpl.HTMLBody, rcpt, opts.CampaignName, rnd)
	textBody := applyMacros(tmpl.TextBody, rcpt, opts.CampaignName, rnd)

	if opts.TrackOpens && opts.TrackingPixelURL != "" && htmlBody != "" {
		htmlBody += fmt.Sprintf(`<img src="%s" width="1" height="1" alt="" style="display:none">`, opts.TrackingPixelURL)
	}

	messageID := messageIDFor(opts.Sender, opts.CustomMessageID)

	header := textproto.MIMEHeader{}
	header.Set("From", opts.Sender)
	header.Set("To", rcpt.Email)
	if len(opts.CC) > 0 {
		header.Set("Cc", strings.Join(opts.CC, ", "))
	}
	header.Set("Subject", mime.QEncoding.Encode("utf-8", subject))
	header.Set("Message-ID", messageID)
	header.Set("Date", time.Now().Format(time.RFC1123Z))
	header.Set("MIME-Version", "1.0")
	header.Set("X-Mailer", "sendcore")
	header.Set("User-Agent", userAgents[rnd.Intn(len(userAgents))])
	header.Set("Precedence", "bulk")
	header.Set("Auto-Submitted", "auto-generated")

	if opts.RequireUnsubscribe && opts.UnsubscribeURL != "" {
		header.Set("List-Unsubscribe", fmt.Sprintf("<%s>", opts.UnsubscribeURL))
		header.Set("List-Unsubscribe-Post", "List-Unsubscribe=One-Click")
	}

	fullRaw, err := renderMultipart(header, textBody, htmlBody)
	if err != nil {
		return nil, models.NewOpError(models.ErrInternal, err.Error())
	}

	return &PreparedMessage{
		From:      opts.Sender,
		To:        rcpt.Email,
		CC:        opts.CC,
		BCC:       opts.BCC,
		MessageID: messageID,
		Raw:       fullRaw,
	}, nil
}

func renderMultipart(header textproto.MIMEHeader, textBody, htmlBody string) ([]byte, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	if textBody != "" {
		part, err := writer.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {"text/plain; charset=utf-8"},
			"Content-Transfer-Encoding": {"quoted-printable"},
		})
		if err != nil {
			return nil, err
		}
		if _, err := part.Write([]byte(textBody)); err != nil {
			return nil, err
		}
	}

	if htmlBody != "" {
		part, err := writer.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {"text/html; charset=utf-8"},
			"Content-Transfer-Encoding": {"quoted-printable"},
		})
		if err != nil {
			return nil, err
		}
		if _, err := part.Write([]byte(htmlBody)); err != nil {
			return nil, err
		}
	}

	if err := writer.Close(); err != nil {
		return nil, err
	}

	var out bytes.Buffer
	header.Set("Content-Type", fmt.Sprintf("multipart/related; boundary=%s", writer.Boundary()))
	for _, k := range []string{"From", "To", "Cc", "Subject", "Message-ID", "Date", "MIME-Version",
		"X-Mailer", "User-Agent", "Precedence", "Auto-Submitted",
		"List-Unsubscribe", "List-Unsubscribe-Post", "Content-Type"} {
		for _, v := range header.Values(k) {
			fmt.Fprintf(&out, "%s: %s\r\n", k, v)
		}
	}
	out.WriteString("\r\n")
	out.Write(body.Bytes())
	return out.Bytes(), nil
}

// messageIDFor builds a Message-ID header value. A campaign may request the
// random.timestamp@domain custom format instead of a plain random one.
func messageIDFor(sender string, custom bool) string {
	domain := "sendcore.local"
	if at := strings.LastIndexByte(sender, '@'); at >= 0 {
		domain = sender[at+1:]
	}
	if custom {
		return fmt.Sprintf("<%s.%s@%s>", uuid.NewString()[:8], strconv.FormatInt(time.Now().UnixNano(), 36), domain)
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
}

// defaultRand backs BuildOptions.Rand when the caller does not supply one (e.g. direct
// library use outside the Orchestrator, which always passes its own stores.Randomness).
type defaultRand struct{}

func (defaultRand) Intn(n int) int     { return mathrand.Intn(n) }
func (defaultRand) Float64() float64   { return mathrand.Float64() }
