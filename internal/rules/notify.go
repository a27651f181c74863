package rules

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"github.com/mikey/remote-mail-filter/internal/config"
	"github.com/mikey/remote-mail-filter/internal/core"
)

const defaultNotifySubject = "Mail filter notification"

// SMTP connection security modes
const (
	SMTPStartTLS = "starttls"
	SMTPTLS      = "tls"
	SMTPPlain    = "none"
)

// ErrUnsupportedTLSMode is returned for an unknown smtp.tls value
var ErrUnsupportedTLSMode = errors.New("unsupported SMTP TLS mode")

// Notifier delivers a short text message to recipients
type Notifier interface {
	Notify(ctx context.Context, to []string, subject, body string) error
}

// NotifyLogic sends a notification about the message and emits nothing
type NotifyLogic struct {
	notifier Notifier
	to       []string
	subject  string
}

// NewNotifyLogic creates a new NotifyLogic
func NewNotifyLogic(notifier Notifier, to []string, subject string) *NotifyLogic {
	if subject == "" {
		subject = defaultNotifySubject
	}
	return &NotifyLogic{notifier: notifier, to: to, subject: subject}
}

// Process implements core.Logic
func (n *NotifyLogic) Process(ctx context.Context, msg *core.Message, folder core.Folder) ([]core.Action, error) {
	var body strings.Builder
	fmt.Fprintf(&body, "Folder:  %s\r\n", folder)
	fmt.Fprintf(&body, "From:    %s\r\n", msg.From)
	fmt.Fprintf(&body, "Subject: %s\r\n", msg.Subject)
	if !msg.Date.IsZero() {
		fmt.Fprintf(&body, "Date:    %s\r\n", msg.Date.Format(time.RFC1123Z))
	}
	fmt.Fprintf(&body, "ID:      %s\r\n", msg.ID)

	if err := n.notifier.Notify(ctx, n.to, n.subject, body.String()); err != nil {
		return nil, fmt.Errorf("failed to send notification: %w", err)
	}
	return nil, nil
}

func (n *NotifyLogic) String() string {
	return "notify " + strings.Join(n.to, ",")
}

// SMTPNotifier sends notifications through an SMTP relay, over STARTTLS,
// implicit TLS or plain text as configured. Credentials are sent with SASL
// PLAIN.
type SMTPNotifier struct {
	cfg       config.SMTPConfig
	tlsConfig *tls.Config
	logger    *zap.Logger
}

// NewSMTPNotifier creates a new SMTPNotifier. An empty TLS mode means STARTTLS.
func NewSMTPNotifier(cfg config.SMTPConfig, logger *zap.Logger) (*SMTPNotifier, error) {
	switch cfg.TLS {
	case "":
		cfg.TLS = SMTPStartTLS
	case SMTPStartTLS, SMTPTLS, SMTPPlain:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedTLSMode, cfg.TLS)
	}
	return &SMTPNotifier{
		cfg:       cfg,
		tlsConfig: &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12},
		logger:    logger,
	}, nil
}

func (n *SMTPNotifier) dial() (*smtp.Client, error) {
	switch n.cfg.TLS {
	case SMTPTLS:
		return smtp.DialTLS(n.cfg.Address(), n.tlsConfig)
	case SMTPPlain:
		return smtp.Dial(n.cfg.Address())
	default:
		return smtp.DialStartTLS(n.cfg.Address(), n.tlsConfig)
	}
}

// Notify implements Notifier
func (n *SMTPNotifier) Notify(ctx context.Context, to []string, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg, err := composeMessage(n.cfg.From, to, subject, body)
	if err != nil {
		return err
	}

	c, err := n.dial()
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP relay (%s): %w", n.cfg.TLS, err)
	}
	defer c.Close()

	if n.cfg.Username != "" {
		if err := c.Auth(sasl.NewPlainClient("", n.cfg.Username, n.cfg.Password)); err != nil {
			return fmt.Errorf("failed to authenticate: %w", err)
		}
	}

	if err := c.Mail(n.cfg.From, nil); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt, nil); err != nil {
			return fmt.Errorf("failed to set recipient %s: %w", rcpt, err)
		}
	}

	wc, err := c.Data()
	if err != nil {
		return fmt.Errorf("failed to start data: %w", err)
	}
	if _, err := wc.Write(msg); err != nil {
		_ = wc.Close()
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("failed to close data writer: %w", err)
	}

	if err := c.Quit(); err != nil {
		n.logger.Warn("Failed to send QUIT", zap.Error(err))
	}
	n.logger.Debug("Notification sent", zap.Strings("to", to), zap.String("subject", subject))
	return nil
}

func composeMessage(from string, to []string, subject, body string) ([]byte, error) {
	var h mail.Header
	h.SetDate(time.Now())
	h.SetAddressList("From", []*mail.Address{{Address: from}})
	rcpts := make([]*mail.Address, 0, len(to))
	for _, addr := range to {
		rcpts = append(rcpts, &mail.Address{Address: addr})
	}
	h.SetAddressList("To", rcpts)
	h.SetSubject(subject)
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("failed to generate message id: %w", err)
	}
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
