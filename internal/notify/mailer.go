// Package notify sends customer notifications: one-time passwords queued on
// the otp queue and payment outcome notices consumed from Kafka.
package notify

import (
	"context"
	"log/slog"
)

type Message struct {
	To      string
	Subject string
	Body    string
}

type Mailer interface {
	Send(ctx context.Context, m Message) error
}

// LogMailer writes messages to the log instead of delivering them.
type LogMailer struct {
	Log *slog.Logger
}

func (l LogMailer) Send(ctx context.Context, m Message) error {
	log := l.Log
	if log == nil {
		log = slog.Default()
	}
	log.InfoContext(ctx, "mail sent", "to", m.To, "subject", m.Subject)
	return nil
}
