// Package mail delivers transactional email. Providers are pluggable behind
// the Mailer interface; delivery failures are the caller's to decide on
// (auth treats them as non-fatal).
package mail

import (
	"context"
	"log/slog"
)

type Message struct {
	To      []string
	Subject string
	Text    string
}

type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// LogMailer writes messages to the log instead of delivering them. Default
// provider for local development.
type LogMailer struct {
	Log *slog.Logger
}

func (m *LogMailer) Send(_ context.Context, msg Message) error {
	m.Log.Info("mail (log provider)",
		"to", msg.To, "subject", msg.Subject, "bytes", len(msg.Text))
	return nil
}
