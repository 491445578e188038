package mailer

import (
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/musequill/newsletter/internal/config"
)

// DispatchError represents a send failure with retry classification
type DispatchError struct {
	Temporary bool
	Message   string
}

func (e *DispatchError) Error() string {
	return e.Message
}

// IsTemporary reports whether an error is worth retrying
func IsTemporary(err error) bool {
	var de *DispatchError
	if errors.As(err, &de) {
		return de.Temporary
	}
	return true
}

// Sender delivers one welcome email
type Sender interface {
	Send(task *Task) error
}

// SMTPSender submits welcome emails to the configured relay over an
// authenticated STARTTLS session.
type SMTPSender struct {
	cfg    config.SMTPConfig
	logger *slog.Logger
}

func NewSMTPSender(cfg config.SMTPConfig, logger *slog.Logger) *SMTPSender {
	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	return &SMTPSender{cfg: cfg, logger: logger}
}

// Send renders and submits the welcome email for a task
func (s *SMTPSender) Send(task *Task) error {
	unsubscribeURL := s.cfg.SiteURL + "/unsubscribe?token=" + task.UnsubscribeToken

	body, err := RenderWelcome(WelcomeData{
		Name:           task.Name,
		SiteURL:        s.cfg.SiteURL,
		UnsubscribeURL: unsubscribeURL,
	})
	if err != nil {
		return &DispatchError{Temporary: false, Message: err.Error()}
	}

	msg := BuildMessage(s.cfg.FromName, s.cfg.FromEmail, task.Email, welcomeSubject, body)
	return s.submit(task.Email, msg)
}

func (s *SMTPSender) submit(to string, data []byte) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))

	dialer := &net.Dialer{Timeout: s.cfg.SendTimeout}
	conn, err := dialer.Dial("tcp", addr)
	if err != nil {
		return &DispatchError{
			Temporary: true,
			Message:   fmt.Sprintf("connection failed to %s: %v", addr, err),
		}
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(s.cfg.SendTimeout))

	client := smtp.NewClient(conn)
	defer client.Close()

	if err := client.Hello("localhost"); err != nil {
		return categorize(err, "HELO")
	}

	// The session must be encrypted before credentials go over the wire
	if ok, _ := client.Extension("STARTTLS"); !ok {
		return &DispatchError{
			Temporary: false,
			Message:   fmt.Sprintf("relay %s does not support STARTTLS", addr),
		}
	}
	tlsConfig := &tls.Config{
		ServerName: s.cfg.Host,
		MinVersion: tls.VersionTLS12,
	}
	if err := client.StartTLS(tlsConfig); err != nil {
		return categorize(err, "STARTTLS")
	}

	auth := sasl.NewPlainClient("", s.cfg.Username, s.cfg.Password)
	if err := client.Auth(auth); err != nil {
		return categorize(err, "AUTH")
	}

	if err := client.Mail(s.cfg.FromEmail, nil); err != nil {
		return categorize(err, "MAIL FROM")
	}
	if err := client.Rcpt(to, nil); err != nil {
		return categorize(err, "RCPT TO")
	}

	w, err := client.Data()
	if err != nil {
		return categorize(err, "DATA")
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		w.Close()
		return &DispatchError{Temporary: true, Message: fmt.Sprintf("failed to write message: %v", err)}
	}
	if err := w.Close(); err != nil {
		return categorize(err, "DATA close")
	}

	if err := client.Quit(); err != nil {
		// Message was accepted; a failed QUIT is not a delivery failure
		s.logger.Debug("QUIT failed after accepted message", "error", err)
	}

	return nil
}

// categorize maps an SMTP reply to a retry classification: 4xx is
// temporary, 5xx permanent, anything else (network, protocol) temporary
func categorize(err error, phase string) error {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return &DispatchError{
			Temporary: smtpErr.Code >= 400 && smtpErr.Code < 500,
			Message:   fmt.Sprintf("%s failed: %v", phase, err),
		}
	}
	return &DispatchError{
		Temporary: true,
		Message:   fmt.Sprintf("%s failed: %v", phase, err),
	}
}
