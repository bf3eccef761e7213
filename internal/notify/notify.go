// Package notify sends transactional email.
package notify

import (
	"context"
	"log/slog"
	"net/mail"
	"strings"
)

// Message is one outgoing email.
type Message struct {
	To      mail.Address
	Subject string
	Text    string
	HTML    string
}

// Mailer delivers messages. Send returns immediately; delivery happens in
// the background and failures are logged.
type Mailer interface {
	Send(ctx context.Context, msgs ...Message)
}

// ConsoleMailer logs messages instead of delivering them.
type ConsoleMailer struct {
	logger *slog.Logger
}

// NewConsoleMailer creates a mailer that writes messages to logger.
func NewConsoleMailer(logger *slog.Logger) *ConsoleMailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConsoleMailer{logger: logger}
}

// Send logs each message.
func (m *ConsoleMailer) Send(_ context.Context, msgs ...Message) {
	for _, msg := range msgs {
		if !deliverable(msg) {
			continue
		}
		m.logger.Info("email", "to", msg.To.String(), "subject", msg.Subject, "body", msg.Text)
	}
}

func deliverable(msg Message) bool {
	return strings.TrimSpace(msg.To.Address) != "" && (msg.Text != "" || msg.HTML != "")
}
