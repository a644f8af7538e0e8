package imapmail

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"
)

// Reply describes one generated message derived from a source message.
type Reply struct {
	Account       string // mailbox owner, used as both From and To
	SubjectPrefix string
	Source        Envelope
	HTML          string
}

// Compose renders the reply to wire format and returns the raw message with
// its fresh Message-ID. Threading headers point at the source so clients
// group the pair, and auto-reply suppression headers keep the bot's own
// output out of vacation responders and out of its next scan.
func Compose(r Reply) ([]byte, string, error) {
	messageID := fmt.Sprintf("<%s@mailbot>", uuid.NewString())

	m := gomail.NewMessage()
	m.SetHeader("From", r.Account)
	m.SetHeader("To", r.Account)
	m.SetHeader("Subject", composeSubject(r.SubjectPrefix, r.Source.Subject))
	m.SetHeader("Message-ID", messageID)
	m.SetHeader("Auto-Submitted", "auto-generated")
	m.SetHeader("X-Auto-Response-Suppress", "All")
	m.SetDateHeader("Date", time.Now())
	if r.Source.MessageID != "" {
		ref := ensureAngles(r.Source.MessageID)
		m.SetHeader("In-Reply-To", ref)
		m.SetHeader("References", ref)
		m.SetHeader(LinkedHeader, ref)
	}
	m.SetBody("text/html", r.HTML)

	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		return nil, "", fmt.Errorf("rendering reply: %w", err)
	}
	return buf.Bytes(), messageID, nil
}

func composeSubject(prefix, subject string) string {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = "(no subject)"
	}
	if prefix == "" {
		return subject
	}
	return prefix + " " + subject
}

func ensureAngles(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return id
	}
	if !strings.HasPrefix(id, "<") {
		id = "<" + id
	}
	if !strings.HasSuffix(id, ">") {
		id += ">"
	}
	return id
}

// WrapPlainText turns a text-only body into minimal HTML the injection
// engine can work with, preserving line structure.
func WrapPlainText(text string) string {
	var sb strings.Builder
	sb.WriteString("<html><body><div>")
	for i, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		if i > 0 {
			sb.WriteString("<br>")
		}
		sb.WriteString(htmlEscape(line))
	}
	sb.WriteString("</div></body></html>")
	return sb.String()
}

var htmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
)

func htmlEscape(s string) string { return htmlEscaper.Replace(s) }
