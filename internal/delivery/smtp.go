package delivery

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/mailrun/mailrun/internal/task"
)

// SMTPConfig configures one sender's SMTP transport
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Timeout  time.Duration
}

// SMTPTransport delivers messages through a relay via net/smtp. A
// circuit breaker sits in front of the dial so a dead relay degrades to
// fast transient failures instead of a connect timeout per task.
type SMTPTransport struct {
	cfg     SMTPConfig
	logger  *slog.Logger
	breaker *gobreaker.CircuitBreaker

	// compose renders the wire message for a task. Injected by the
	// campaign layer; the engine never renders content itself.
	compose func(t *task.Task) ([]byte, error)
}

// NewSMTPTransport creates an SMTP transport for one sender account
func NewSMTPTransport(cfg SMTPConfig, compose func(t *task.Task) ([]byte, error)) *SMTPTransport {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	logger := slog.Default().With("component", "smtp-transport", "host", cfg.Host)

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    fmt.Sprintf("smtp-%s:%d", cfg.Host, cfg.Port),
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Info("SMTP circuit breaker state changed",
				"name", name,
				"from", from.String(),
				"to", to.String())
		},
	})

	return &SMTPTransport{
		cfg:     cfg,
		logger:  logger,
		breaker: cb,
		compose: compose,
	}
}

// Name identifies the transport for logging
func (s *SMTPTransport) Name() string {
	return fmt.Sprintf("smtp(%s:%d)", s.cfg.Host, s.cfg.Port)
}

// Deliver sends the task's message through the relay. Failures come back
// classified: 4xx relay responses and network errors are transient, 5xx
// are permanent, credential rejections are auth failures.
func (s *SMTPTransport) Deliver(ctx context.Context, t *task.Task) error {
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.send(ctx, t)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return Transient("relay circuit open: %v", err)
	}
	return err
}

func (s *SMTPTransport) send(ctx context.Context, t *task.Task) error {
	msg, err := s.compose(t)
	if err != nil {
		return Permanent("compose message: %v", err)
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	deadline := time.Now().Add(s.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	dialer := net.Dialer{Deadline: deadline}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return Transient("dial %s: %v", addr, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(deadline)

	client, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		return Transient("smtp handshake with %s: %v", addr, err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: s.cfg.Host}); err != nil {
			return Transient("starttls with %s: %v", addr, err)
		}
	}

	if s.cfg.Username != "" {
		auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return Auth("authentication rejected by %s: %v", addr, err)
		}
	}

	if err := client.Mail(s.cfg.From); err != nil {
		return classifySMTP("MAIL FROM", err)
	}
	if err := client.Rcpt(t.Recipient); err != nil {
		return classifySMTP("RCPT TO", err)
	}

	w, err := client.Data()
	if err != nil {
		return classifySMTP("DATA", err)
	}
	if _, err := w.Write(msg); err != nil {
		return Transient("write message body: %v", err)
	}
	if err := w.Close(); err != nil {
		return classifySMTP("DATA close", err)
	}

	if err := client.Quit(); err != nil {
		// Message already accepted; a failed QUIT is not a delivery failure.
		s.logger.Debug("quit after accepted message failed", "error", err)
	}
	return nil
}

// classifySMTP maps an SMTP command error onto the failure taxonomy by
// reply code: 4yz is a temporary condition worth retrying, 5yz is final.
func classifySMTP(cmd string, err error) *Error {
	msg := err.Error()
	code := replyCode(msg)
	switch {
	case code >= 400 && code < 500:
		return Transient("%s rejected: %s", cmd, msg)
	case code >= 500:
		return Permanent("%s rejected: %s", cmd, msg)
	default:
		return Transient("%s failed: %s", cmd, msg)
	}
}

// replyCode extracts a leading 3-digit SMTP reply code, or 0
func replyCode(msg string) int {
	msg = strings.TrimSpace(msg)
	if len(msg) < 3 {
		return 0
	}
	code := 0
	for i := 0; i < 3; i++ {
		c := msg[i]
		if c < '0' || c > '9' {
			return 0
		}
		code = code*10 + int(c-'0')
	}
	return code
}
