// Package escalate delivers failure reports to operators.
package escalate

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/evhub/internal/model"
)

// Sink receives failure reports.
type Sink interface {
	Report(ctx context.Context, r model.FailureReport) error
}

// LogSink writes reports to a zap logger.
type LogSink struct{ Log *zap.Logger }

// Report logs r at error level with its trace.
func (s LogSink) Report(_ context.Context, r model.FailureReport) error {
	s.Log.Error("task failure report",
		zap.String("task", r.Task),
		zap.String("error", r.Err),
		zap.String("trace", r.Trace),
		zap.Time("at", r.At),
	)
	return nil
}

// SendMailFunc matches smtp.SendMail.
type SendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// MailSink emails reports through an SMTP relay.
type MailSink struct {
	Addr string // host:port
	From string
	To   []string
	Auth smtp.Auth // nil for unauthenticated relays

	// Send defaults to smtp.SendMail.
	Send SendMailFunc
}

// NewMailSink builds a MailSink using PLAIN auth when user is set.
func NewMailSink(addr, user, pass, from string, to []string) *MailSink {
	m := &MailSink{Addr: addr, From: from, To: to}
	if user != "" {
		host := addr
		if i := strings.LastIndex(addr, ":"); i >= 0 {
			host = addr[:i]
		}
		m.Auth = smtp.PlainAuth("", user, pass, host)
	}
	return m
}

// Report sends r as a plain text email. smtp.SendMail takes no context, so the
// send runs in a goroutine and ctx only bounds how long Report waits for it.
func (s *MailSink) Report(ctx context.Context, r model.FailureReport) error {
	if len(s.To) == 0 {
		return errors.New("mail sink: no recipients")
	}
	send := s.Send
	if send == nil {
		send = smtp.SendMail
	}
	msg := FormatMail(s.From, s.To, r)

	errCh := make(chan error, 1)
	go func() { errCh <- send(s.Addr, s.Auth, s.From, s.To, msg) }()
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("send mail: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FormatMail renders r as an RFC 5322 message: the error, a separator, the trace.
func FormatMail(from string, to []string, r model.FailureReport) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: [evhub] %s failed\r\n", r.Task)
	fmt.Fprintf(&b, "Date: %s\r\n", r.At.Format(time.RFC1123Z))
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(r.Err)
	b.WriteString("\r\n---\r\n")
	b.WriteString(strings.ReplaceAll(r.Trace, "\n", "\r\n"))
	b.WriteString("\r\n")
	return []byte(b.String())
}

// Multi fans a report out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Report(ctx context.Context, r model.FailureReport) error {
	var all []error
	for _, s := range m {
		if err := s.Report(ctx, r); err != nil {
			all = append(all, err)
		}
	}
	return errors.Join(all...)
}
