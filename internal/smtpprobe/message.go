package smtpprobe

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/grafana/xoauth2-probe/internal/traceutil"
	"github.com/wneessen/go-mail"
)

// HeaderProbeID carries the probe id on the message.
const HeaderProbeID = "X-Probe-Id"

const userAgent = "xoauth2-probe"

// Receipt identifies a probe message accepted by the server.
type Receipt struct {
	ProbeID   string
	MessageID string
	Size      int64
}

var htmlBody = template.Must(template.New("probe").Parse(`<!DOCTYPE html>
<html><body>
<p>Hello {{.To}},</p>
<p>This message was sent by <b>xoauth2-probe</b> to verify OAuth2 token issuance and SMTP XOAUTH2 authentication for {{.From}}.</p>
<p>Probe ID: <code>{{.ProbeID}}</code><br>Sent: {{.Date}}</p>
</body></html>
`))

const textBody = `Hello %s,

This message was sent by xoauth2-probe to verify OAuth2 token issuance and
SMTP XOAUTH2 authentication for %s.

Probe ID: %s
Sent: %s
`

// composeProbe builds the probe message. Trace context from ctx is added as
// message headers so the delivery can be correlated with the run.
func composeProbe(ctx context.Context, subject string, sender, recipient Participant, now time.Time) (*mail.Msg, *Receipt, error) {
	id := uuid.New().String()

	m := mail.NewMsg()
	m.SetUserAgent(userAgent)

	if err := m.FromFormat(sender.Name, sender.Address); err != nil {
		return nil, nil, fmt.Errorf("invalid sender %q: %w", sender.Address, err)
	}
	if err := m.AddToFormat(recipient.Name, recipient.Address); err != nil {
		return nil, nil, fmt.Errorf("invalid recipient %q: %w", recipient.Address, err)
	}

	m.Subject(fmt.Sprintf("%s [%s]", subject, id))

	messageID := id + "@" + domainOf(sender.Address)
	m.SetMessageIDWithValue(messageID)
	m.SetDateWithValue(now)
	m.SetGenHeader(HeaderProbeID, id)

	for k, vs := range traceutil.MessageHeaders(ctx) {
		m.SetGenHeader(mail.Header(k), vs...)
	}

	date := now.UTC().Format(time.RFC1123Z)

	m.SetBodyString(mail.TypeTextPlain, fmt.Sprintf(textBody, displayName(recipient), sender.Address, id, date))

	var html bytes.Buffer
	err := htmlBody.Execute(&html, struct{ To, From, ProbeID, Date string }{
		displayName(recipient), sender.Address, id, date,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("render html body: %w", err)
	}
	m.AddAlternativeString(mail.TypeTextHTML, html.String())

	return m, &Receipt{ProbeID: id, MessageID: "<" + messageID + ">"}, nil
}

func displayName(p Participant) string {
	if p.Name != "" {
		return p.Name
	}
	return p.Address
}

func domainOf(addr string) string {
	if i := strings.LastIndexByte(addr, '@'); i >= 0 && i < len(addr)-1 {
		return addr[i+1:]
	}
	return "localhost"
}
