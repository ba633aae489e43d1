package notify

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strings"
	"sync"
	"time"
)

// Confirmation is a signup confirmation message addressed to a single user.
type Confirmation struct {
	Email    string
	Username string
	Code     string
}

// Notifier delivers confirmation codes to users out of band.
type Notifier interface {
	SendConfirmation(ctx context.Context, msg Confirmation) error
}

type SMTPConfig struct {
	Host     string
	Port     int
	From     string
	Username string
	Password string
	UseTLS   bool
	Timeout  time.Duration
}

// SMTPNotifier sends confirmation codes as plain-text email.
type SMTPNotifier struct {
	cfg SMTPConfig
}

func NewSMTPNotifier(cfg SMTPConfig) (*SMTPNotifier, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("smtp host required")
	}
	if cfg.Port <= 0 {
		cfg.Port = 587
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, errors.New("smtp from address required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &SMTPNotifier{cfg: cfg}, nil
}

func (n *SMTPNotifier) SendConfirmation(ctx context.Context, msg Confirmation) error {
	body := buildConfirmationMail(n.cfg.From, msg)
	addr := fmt.Sprintf("%s:%d", n.cfg.Host, n.cfg.Port)

	dialer := &net.Dialer{Timeout: n.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("connect smtp server: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, n.cfg.Host)
	if err != nil {
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer client.Close()

	if n.cfg.UseTLS {
		tlsConfig := &tls.Config{
			ServerName: n.cfg.Host,
			MinVersion: tls.VersionTLS12,
		}
		if err := client.StartTLS(tlsConfig); err != nil {
			return fmt.Errorf("smtp starttls: %w", err)
		}
	}
	if n.cfg.Username != "" && n.cfg.Password != "" {
		auth := smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := client.Mail(n.cfg.From); err != nil {
		return fmt.Errorf("smtp sender: %w", err)
	}
	if err := client.Rcpt(msg.Email); err != nil {
		return fmt.Errorf("smtp recipient: %w", err)
	}
	writer, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := writer.Write([]byte(body)); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("smtp close message: %w", err)
	}
	// A failed QUIT after a committed DATA is not a delivery failure.
	_ = client.Quit()
	return nil
}

func buildConfirmationMail(from string, msg Confirmation) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("From: %s\r\n", from))
	b.WriteString(fmt.Sprintf("To: %s\r\n", msg.Email))
	b.WriteString("Subject: Your confirmation code\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(fmt.Sprintf("Hello %s,\r\n\r\n", msg.Username))
	b.WriteString(fmt.Sprintf("Your confirmation code is: %s\r\n", msg.Code))
	return b.String()
}

// LogNotifier writes confirmation codes to the log instead of delivering
// them. Meant for local development only.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) SendConfirmation(ctx context.Context, msg Confirmation) error {
	n.logger.InfoContext(ctx, "confirmation code issued",
		"email", msg.Email,
		"username", msg.Username,
		"code", msg.Code)
	return nil
}

// MemoryNotifier records messages in memory. Tests read them back through
// Sent.
type MemoryNotifier struct {
	mu   sync.Mutex
	sent []Confirmation

	// Err, when set, is returned by SendConfirmation instead of recording.
	Err error
}

func NewMemoryNotifier() *MemoryNotifier {
	return &MemoryNotifier{}
}

func (n *MemoryNotifier) SendConfirmation(_ context.Context, msg Confirmation) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.Err != nil {
		return n.Err
	}
	n.sent = append(n.sent, msg)
	return nil
}

func (n *MemoryNotifier) Sent() []Confirmation {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Confirmation, len(n.sent))
	copy(out, n.sent)
	return out
}
