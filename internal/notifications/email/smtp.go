package email

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"odds/internal/config"
	"odds/internal/types"
)

// SMTPConfig configures an SMTPSender.
type SMTPConfig struct {
	Host     string
	Port     int
	User     string
	Password types.SecretString
	// ImplicitTLS dials TLS directly (port 465 style). Otherwise STARTTLS is
	// used when the server offers it.
	ImplicitTLS bool
	Timeout     time.Duration
}

// SMTPConfigFrom maps the email settings onto an SMTPConfig.
func SMTPConfigFrom(cfg config.EmailConfig) SMTPConfig {
	return SMTPConfig{
		Host:        cfg.SMTPHost,
		Port:        cfg.SMTPPort,
		User:        cfg.SMTPUser,
		Password:    cfg.SMTPPassword,
		ImplicitTLS: cfg.SMTPSSL,
		Timeout:     30 * time.Second,
	}
}

// SMTPSender delivers plain-text mail through an SMTP relay.
type SMTPSender struct {
	cfg    SMTPConfig
	logger *slog.Logger
	now    func() time.Time

	// transmit performs the SMTP conversation; replaced in tests.
	transmit func(ctx context.Context, from string, to []string, msg []byte) error
}

// NewSMTPSender creates a sender for cfg.
func NewSMTPSender(cfg SMTPConfig, logger *slog.Logger) *SMTPSender {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	s := &SMTPSender{cfg: cfg, logger: logger, now: time.Now}
	s.transmit = s.dialAndSend
	return s
}

// Send transmits msg and returns the generated Message-ID.
func (s *SMTPSender) Send(ctx context.Context, msg types.EmailMessage) (string, error) {
	if msg.To == "" {
		return "", types.NewAppError(types.ErrCodeValidationInvalidEmail, "no recipient address", nil)
	}
	if msg.From == "" {
		return "", types.NewAppError(types.ErrCodeValidationInvalidEmail, "no sender address", nil)
	}
	id := fmt.Sprintf("<%s@%s>", uuid.NewString(), s.cfg.Host)
	raw := buildMessage(msg, id, s.now())

	if err := s.transmit(ctx, msg.From, []string{msg.To}, raw); err != nil {
		return "", mapSMTPError(err)
	}
	s.logger.InfoContext(ctx, "email sent via SMTP",
		"to", RedactEmail(msg.To),
		"message_id", id,
		"job_id", msg.ReferenceID,
	)
	return id, nil
}

// buildMessage renders an RFC 5322 message with a UTF-8 plain-text body.
func buildMessage(msg types.EmailMessage, messageID string, at time.Time) []byte {
	var b strings.Builder
	header := func(k, v string) {
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(v)
		b.WriteString("\r\n")
	}
	header("From", msg.From)
	header("To", msg.To)
	header("Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	header("Date", at.UTC().Format(time.RFC1123Z))
	header("Message-ID", messageID)
	if msg.ReferenceID != "" {
		header("X-ODDS-Job-ID", msg.ReferenceID)
	}
	header("MIME-Version", "1.0")
	header("Content-Type", `text/plain; charset="utf-8"`)
	header("Content-Transfer-Encoding", "8bit")
	b.WriteString("\r\n")
	body := strings.ReplaceAll(msg.Body, "\r\n", "\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return []byte(b.String())
}

func (s *SMTPSender) dialAndSend(ctx context.Context, from string, to []string, msg []byte) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	dialer := &net.Dialer{Timeout: s.cfg.Timeout}
	tlsCfg := &tls.Config{ServerName: s.cfg.Host, MinVersion: tls.VersionTLS12}

	var (
		conn net.Conn
		err  error
	)
	if s.cfg.ImplicitTLS {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: tlsCfg}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("smtp: dial %s: %w", addr, err)
	}
	deadline := time.Now().Add(s.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	c, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp: handshake: %w", err)
	}
	defer c.Close()

	if !s.cfg.ImplicitTLS {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(tlsCfg); err != nil {
				return fmt.Errorf("smtp: starttls: %w", err)
			}
		}
	}
	if s.cfg.User != "" {
		auth := smtp.PlainAuth("", s.cfg.User, s.cfg.Password.Unmask(), s.cfg.Host)
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("smtp: auth: %w", err)
		}
	}
	if err := c.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}
