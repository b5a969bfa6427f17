package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/wneessen/go-mail"

	"rulegate/internal/config"
	"rulegate/internal/domain"
)

// Sender delivers composed messages.
type Sender interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
}

// Mail sends notifications by SMTP. Notifications without a recipient go to
// the administrator address.
type Mail struct {
	Sender Sender
	From   string
	Admin  string
}

// NewMail builds an SMTP notifier from the notifications config.
func NewMail(cfg *config.Config) (*Mail, error) {
	smtp := cfg.Notifications.SMTP
	opts := []mail.Option{mail.WithPort(smtp.Port), mail.WithTLSPolicy(mail.TLSOpportunistic)}
	if smtp.Username != "" {
		opts = append(opts, mail.WithSMTPAuth(mail.SMTPAuthPlain), mail.WithUsername(smtp.Username), mail.WithPassword(smtp.Password))
	}
	client, err := mail.NewClient(smtp.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("smtp client: %w", err)
	}
	return &Mail{Sender: client, From: cfg.Notifications.FromEmail, Admin: cfg.Notifications.AdminEmail}, nil
}

func (m *Mail) compose(n domain.Notification) (*mail.Msg, error) {
	to := strings.TrimSpace(n.Recipient)
	if to == "" {
		to = m.Admin
	}
	if to == "" {
		return nil, nil
	}
	msg := mail.NewMsg()
	if err := msg.From(m.From); err != nil {
		return nil, fmt.Errorf("from: %w", err)
	}
	if err := msg.To(to); err != nil {
		return nil, fmt.Errorf("to: %w", err)
	}
	msg.Subject(n.Subject)
	msg.SetGenHeader("X-Rulegate-Kind", string(n.Kind))
	msg.SetBodyString(mail.TypeTextPlain, n.Body)
	return msg, nil
}

func (m *Mail) Notify(ctx context.Context, n domain.Notification) error {
	msg, err := m.compose(n)
	if err != nil {
		return err
	}
	if msg == nil {
		return nil
	}
	return m.Sender.DialAndSendWithContext(ctx, msg)
}
