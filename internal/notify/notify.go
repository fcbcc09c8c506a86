package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strings"

	"github.com/jordan-wright/email"

	"github.com/connpro/orchestrator/internal/config"
	"github.com/connpro/orchestrator/internal/job"
)

type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With("component", "notify")}
}

func (n *LogNotifier) Notify(_ context.Context, note job.Notification) error {
	n.logger.Info(note.Message, "title", note.Title)
	return nil
}

// Multi delivers to every notifier and joins their errors.
type Multi []job.Notifier

func (m Multi) Notify(ctx context.Context, note job.Notification) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, note); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type sendFunc func(e *email.Email, addr string, auth smtp.Auth) error

type EmailNotifier struct {
	cfg  config.SMTPConfig
	send sendFunc
}

func NewEmailNotifier(cfg config.SMTPConfig) *EmailNotifier {
	return &EmailNotifier{
		cfg:  cfg,
		send: func(e *email.Email, addr string, auth smtp.Auth) error { return e.Send(addr, auth) },
	}
}

func (n *EmailNotifier) Notify(ctx context.Context, note job.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	mail := email.NewEmail()
	mail.From = fmt.Sprintf("%s <%s>", note.Title, n.cfg.From)
	mail.To = n.cfg.To
	mail.Subject = note.Title
	mail.Text = []byte(note.Message)

	var auth smtp.Auth
	if n.cfg.Username != "" {
		host, _, err := net.SplitHostPort(n.cfg.Addr)
		if err != nil {
			return fmt.Errorf("smtp addr %q: %w", n.cfg.Addr, err)
		}
		auth = smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, host)
	}

	// email.Send takes no context. The send is left to finish in the
	// background when ctx ends first.
	done := make(chan error, 1)
	go func() { done <- n.deliver(mail, auth) }()

	select {
	case <-ctx.Done():
		return fmt.Errorf("send email: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("send email: %w", err)
		}
		return nil
	}
}

func (n *EmailNotifier) deliver(mail *email.Email, auth smtp.Auth) error {
	err := n.send(mail, n.cfg.Addr, auth)
	if err != nil && auth != nil && strings.Contains(err.Error(), "server doesn't support AUTH") {
		err = n.send(mail, n.cfg.Addr, nil)
	}
	return err
}
