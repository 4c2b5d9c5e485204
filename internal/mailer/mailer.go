// Package mailer delivers verification and password-reset emails. The raw
// token appears only in the message body; persistence keeps digests.
package mailer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"
)

// ErrSendFailed wraps any delivery failure, including timeouts. Callers
// roll back the associated token when they see it.
var ErrSendFailed = errors.New("email send failed")

// Mailer is the outbound email capability consumed by the auth service.
type Mailer interface {
	SendVerificationEmail(ctx context.Context, name, email, rawToken string) error
	SendPasswordResetEmail(ctx context.Context, name, email, rawToken string) error
}

// SMTPConfig configures the SMTP-backed Mailer.
type SMTPConfig struct {
	Addr     string // host:port
	From     string
	Username string
	Password string
	BaseURL  string // public origin used in links
	Timeout  time.Duration
}

// SMTPMailer sends mail over a plain SMTP dialog with a bounded dial and
// I/O deadline.
type SMTPMailer struct {
	config SMTPConfig
}

func NewSMTPMailer(cfg SMTPConfig) (*SMTPMailer, error) {
	if cfg.Addr == "" || cfg.From == "" || cfg.BaseURL == "" {
		return nil, errors.New("smtp addr, from, and base url are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &SMTPMailer{config: cfg}, nil
}

func (m *SMTPMailer) SendVerificationEmail(ctx context.Context, name, email, rawToken string) error {
	url := fmt.Sprintf("%s/api/auth/verify-email?token=%s", strings.TrimRight(m.config.BaseURL, "/"), rawToken)
	body := fmt.Sprintf("Hi %s,\r\n\r\nVerify your email:\r\n%s\r\n", name, url)
	return m.send(ctx, email, "Verify your email", body)
}

func (m *SMTPMailer) SendPasswordResetEmail(ctx context.Context, name, email, rawToken string) error {
	url := fmt.Sprintf("%s/auth/reset-password?token=%s", strings.TrimRight(m.config.BaseURL, "/"), rawToken)
	body := fmt.Sprintf("Hi %s,\r\n\r\nReset your password:\r\n%s\r\n", name, url)
	return m.send(ctx, email, "Reset your password", body)
}

func (m *SMTPMailer) send(ctx context.Context, to, subject, body string) error {
	deadline := time.Now().Add(m.config.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	conn, err := net.DialTimeout("tcp", m.config.Addr, time.Until(deadline))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	defer conn.Close()
	if err := conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	host, _, _ := net.SplitHostPort(m.config.Addr)
	client, err := smtp.NewClient(conn, host)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	defer client.Close()

	if m.config.Username != "" {
		auth := smtp.PlainAuth("", m.config.Username, m.config.Password, host)
		if ok, _ := client.Extension("AUTH"); ok {
			if err := client.Auth(auth); err != nil {
				return fmt.Errorf("%w: %v", ErrSendFailed, err)
			}
		}
	}

	if err := client.Mail(m.config.From); err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s", m.config.From, to, subject, body)
	if _, err := w.Write([]byte(msg)); err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	return client.Quit()
}
