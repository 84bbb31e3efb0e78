package incident

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/ComUnity/city-sentinel/internal/util/logger"
)

var ErrNoRecipients = errors.New("no alert recipients configured")

// Message is one outbound notification.
type Message struct {
	To      []string
	Subject string
	Body    string
}

// Mailer delivers a message. Implementations should honour ctx; errors
// wrapped with Permanent are not retried.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return "permanent: " + e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

type SMTPConfig struct {
	Server      string
	Port        int
	Username    string
	Password    string
	From        string
	StartTLS    bool
	DialTimeout time.Duration
}

// SMTPMailer sends mail over implicit TLS (port 465) or, with StartTLS,
// upgrades a plain connection.
type SMTPMailer struct {
	cfg SMTPConfig
	now func() time.Time
}

func NewSMTPMailer(cfg SMTPConfig) (*SMTPMailer, error) {
	if cfg.Server == "" || cfg.Port == 0 {
		return nil, errors.New("smtp: server and port are required")
	}
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	if cfg.From == "" {
		return nil, errors.New("smtp: sender address is required")
	}
	if cfg.Username == "" {
		cfg.Username = cfg.From
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	return &SMTPMailer{cfg: cfg, now: time.Now}, nil
}

func (m *SMTPMailer) Send(ctx context.Context, msg Message) error {
	if len(msg.To) == 0 {
		return Permanent(ErrNoRecipients)
	}
	addr := net.JoinHostPort(m.cfg.Server, strconv.Itoa(m.cfg.Port))
	tlsCfg := &tls.Config{ServerName: m.cfg.Server, MinVersion: tls.VersionTLS12}

	dialer := &net.Dialer{Timeout: m.cfg.DialTimeout}
	var (
		conn net.Conn
		err  error
	)
	if m.cfg.StartTLS {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: tlsCfg}).DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("smtp dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	c, err := smtp.NewClient(conn, m.cfg.Server)
	if err != nil {
		_ = conn.Close()
		return classify("smtp greeting", err)
	}
	defer c.Close()

	if m.cfg.StartTLS {
		if err := c.StartTLS(tlsCfg); err != nil {
			return classify("smtp starttls", err)
		}
	}
	if m.cfg.Password != "" {
		if err := c.Auth(smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Server)); err != nil {
			return classify("smtp auth", err)
		}
	}
	if err := c.Mail(m.cfg.From); err != nil {
		return classify("smtp mail from", err)
	}
	for _, rcpt := range msg.To {
		if err := c.Rcpt(rcpt); err != nil {
			return classify("smtp rcpt "+rcpt, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return classify("smtp data", err)
	}
	if _, err := w.Write(m.compose(msg)); err != nil {
		return classify("smtp write", err)
	}
	if err := w.Close(); err != nil {
		return classify("smtp data close", err)
	}
	if err := c.Quit(); err != nil {
		logger.Debug("smtp quit: %v", err)
	}
	return nil
}

func (m *SMTPMailer) compose(msg Message) []byte {
	var b strings.Builder
	header := func(k, v string) {
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(strings.NewReplacer("\r", "", "\n", "").Replace(v))
		b.WriteString("\r\n")
	}
	header("From", m.cfg.From)
	header("To", strings.Join(msg.To, ", "))
	header("Subject", msg.Subject)
	header("Date", m.now().Format(time.RFC1123Z))
	header("MIME-Version", "1.0")
	header("Content-Type", "text/plain; charset=UTF-8")
	b.WriteString("\r\n")
	body := strings.ReplaceAll(msg.Body, "\r\n", "\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	b.WriteString("\r\n")
	return []byte(b.String())
}

// classify marks 5xx replies permanent; everything else may be retried.
func classify(op string, err error) error {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) && tpErr.Code >= 500 {
		return Permanent(fmt.Errorf("%s: %w", op, err))
	}
	return fmt.Errorf("%s: %w", op, err)
}

// LogMailer writes alerts to the log instead of mailing them. It is used
// when no SMTP sender or recipients are configured.
type LogMailer struct{}

func (LogMailer) Send(_ context.Context, msg Message) error {
	logger.Warn("Alert (mail disabled) subject=%q\n%s", msg.Subject, msg.Body)
	return nil
}
