package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/mail"
	"sync"

	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"
)

const (
	sendgridHost     = "https://api.sendgrid.com"
	sendgridEndpoint = "/v3/mail/send"
)

// SendgridMailer delivers messages through the SendGrid v3 API.
type SendgridMailer struct {
	key        string
	host       string
	from       *sgmail.Email
	subjPrefix string
	wg         sync.WaitGroup
}

// NewSendgridMailer creates a mailer sending as from.
func NewSendgridMailer(apiKey string, from mail.Address, appName string) *SendgridMailer {
	m := &SendgridMailer{
		key:  apiKey,
		host: sendgridHost,
		from: sgmail.NewEmail(from.Name, from.Address),
	}
	if appName != "" {
		m.subjPrefix = "[" + appName + "] "
	}
	return m
}

// Send delivers each message in its own goroutine.
func (m *SendgridMailer) Send(_ context.Context, msgs ...Message) {
	for _, msg := range msgs {
		msg := msg
		if !deliverable(msg) {
			continue
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if err := m.send(msg); err != nil {
				slog.Error("sending email", "to", msg.To.Address, "subject", msg.Subject, "error", err)
			}
		}()
	}
}

// Wait blocks until all pending messages have been attempted.
func (m *SendgridMailer) Wait() {
	m.wg.Wait()
}

func (m *SendgridMailer) prepare(msg Message) *sgmail.SGMailV3 {
	p := sgmail.NewPersonalization()
	p.Subject = m.subjPrefix + msg.Subject
	p.AddTos(sgmail.NewEmail(msg.To.Name, msg.To.Address))

	v3 := sgmail.NewV3Mail()
	v3.SetFrom(m.from)
	v3.AddPersonalizations(p)
	if msg.Text != "" {
		v3.AddContent(sgmail.NewContent("text/plain", msg.Text))
	}
	if msg.HTML != "" {
		v3.AddContent(sgmail.NewContent("text/html", msg.HTML))
	}
	return v3
}

func (m *SendgridMailer) send(msg Message) error {
	req := sendgrid.GetRequest(m.key, sendgridEndpoint, m.host)
	req.Method = http.MethodPost
	req.Body = sgmail.GetRequestBody(m.prepare(msg))

	res, err := sendgrid.API(req)
	if err != nil {
		return err
	}
	if res.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("sendgrid status %d: %s", res.StatusCode, res.Body)
	}
	return nil
}
