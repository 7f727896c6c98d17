package delivery

import (
	"bytes"
	"fmt"
	"mime"
	"strings"
	"text/template"
	"time"

	"github.com/google/uuid"

	"github.com/mailrun/mailrun/internal/task"
)

// Composer renders the campaign message for a recipient. Subject and
// body are text/template strings evaluated against the task's fields,
// so "{{.first_name}}" in either one is filled per recipient.
type Composer struct {
	from    string
	subject *template.Template
	body    *template.Template
}

// NewComposer parses the subject and body templates once up front
func NewComposer(from, subject, body string) (*Composer, error) {
	subjTmpl, err := template.New("subject").Option("missingkey=zero").Parse(subject)
	if err != nil {
		return nil, fmt.Errorf("invalid subject template: %w", err)
	}
	bodyTmpl, err := template.New("body").Option("missingkey=zero").Parse(body)
	if err != nil {
		return nil, fmt.Errorf("invalid body template: %w", err)
	}
	return &Composer{from: from, subject: subjTmpl, body: bodyTmpl}, nil
}

// Compose renders the full RFC 5322 message for one task
func (c *Composer) Compose(t *task.Task) ([]byte, error) {
	data := make(map[string]string, len(t.Fields)+1)
	for k, v := range t.Fields {
		data[k] = v
	}
	data["email"] = t.Recipient

	var subj bytes.Buffer
	if err := c.subject.Execute(&subj, data); err != nil {
		return nil, fmt.Errorf("subject render failed: %w", err)
	}
	var body bytes.Buffer
	if err := c.body.Execute(&body, data); err != nil {
		return nil, fmt.Errorf("body render failed: %w", err)
	}

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", c.from)
	fmt.Fprintf(&msg, "To: %s\r\n", t.Recipient)
	fmt.Fprintf(&msg, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subj.String()))
	fmt.Fprintf(&msg, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	fmt.Fprintf(&msg, "Message-ID: <%s@%s>\r\n", uuid.New().String(), domainOf(c.from))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(strings.ReplaceAll(body.String(), "\n", "\r\n"))
	return msg.Bytes(), nil
}

func domainOf(addr string) string {
	if i := strings.LastIndex(addr, "@"); i >= 0 && i < len(addr)-1 {
		return addr[i+1:]
	}
	return "localhost"
}
