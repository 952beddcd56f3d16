package verification

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/crewmate/crewmate/internal/config"
)

// Mailer delivers verification codes.
type Mailer interface {
	SendVerificationCode(ctx context.Context, to, name, code string, ttl time.Duration) error
}

// SMTPMailer sends plain-text mail through an SMTP relay with STARTTLS
// and PLAIN auth when credentials are set.
type SMTPMailer struct {
	cfg  config.SMTPConfig
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPMailer creates a mailer for the relay described by cfg.
func NewSMTPMailer(cfg config.SMTPConfig) *SMTPMailer {
	return &SMTPMailer{cfg: cfg, send: smtp.SendMail}
}

// SendVerificationCode composes and sends the code email.
func (m *SMTPMailer) SendVerificationCode(ctx context.Context, to, name, code string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}

	msg := buildMessage(m.cfg.From, to, name, code, ttl)
	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))

	done := make(chan error, 1)
	go func() {
		done <- m.send(addr, auth, m.cfg.From, []string{to}, msg)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("smtp send to %s failed: %w", addr, err)
		}
		log.Debug().Str("relay", addr).Msg("Verification email sent")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func buildMessage(from, to, name, code string, ttl time.Duration) []byte {
	greeting := "Hi"
	if name != "" {
		greeting = "Hi " + sanitizeHeader(name)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: CrewMate <%s>\r\n", sanitizeHeader(from))
	fmt.Fprintf(&b, "To: %s\r\n", sanitizeHeader(to))
	b.WriteString("Subject: Your CrewMate verification code\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	fmt.Fprintf(&b, "%s,\r\n\r\n", greeting)
	fmt.Fprintf(&b, "Your verification code is %s.\r\n", code)
	fmt.Fprintf(&b, "It expires in %d minutes.\r\n\r\n", int(ttl.Minutes()))
	b.WriteString("If you did not request this code you can ignore this email.\r\n")
	return []byte(b.String())
}

func sanitizeHeader(s string) string {
	return strings.NewReplacer("\r", "", "\n", "").Replace(s)
}

// LogMailer writes codes to the debug log instead of sending mail. It is used
// when no SMTP relay is configured, so codes only surface with debug logging on.
type LogMailer struct{}

func (LogMailer) SendVerificationCode(_ context.Context, to, _ string, code string, _ time.Duration) error {
	log.Debug().Str("to", to).Str("code", code).Msg("Verification code not mailed")
	return nil
}

// MailerFromConfig picks the SMTP mailer when a relay is configured.
func MailerFromConfig(cfg config.SMTPConfig) Mailer {
	if cfg.Enabled() {
		return NewSMTPMailer(cfg)
	}
	log.Warn().Msg("SMTP not configured, verification codes will only appear in the debug log")
	return LogMailer{}
}
