package sender

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/badoux/checkmail"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gopkg.in/gomail.v2"
)

// SMTPConfig describes the outbound mail server.
type SMTPConfig struct {
	Host       string
	Port       int
	Username   string
	Password   string
	FromEmail  string
	FromName   string
	Encryption string // SSL, TLS, STARTTLS or empty
	// MessageDomain is used for generated Message-ID headers.
	MessageDomain string
}

// SMTPEmailSender delivers email through one SMTP relay with gomail.
type SMTPEmailSender struct {
	cfg     SMTPConfig
	dialer  *gomail.Dialer
	timeout time.Duration
	log     *logrus.Entry
}

func NewSMTPEmailSender(cfg SMTPConfig, timeout time.Duration, log *logrus.Entry) *SMTPEmailSender {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	switch strings.ToUpper(cfg.Encryption) {
	case "SSL", "TLS":
		d.SSL = true
	case "STARTTLS":
		d.TLSConfig = &tls.Config{ServerName: cfg.Host}
	default:
		d.SSL = false
	}
	if cfg.MessageDomain == "" {
		cfg.MessageDomain = domainOf(cfg.FromEmail)
	}
	return &SMTPEmailSender{cfg: cfg, dialer: d, timeout: timeout, log: log.WithField("component", "smtp")}
}

// SendEmail sends msg to the recipient's address. A malformed address is a
// permanent failure; relay errors are classified by their reply code.
func (s *SMTPEmailSender) SendEmail(ctx context.Context, to Recipient, msg Message) (string, error) {
	if err := checkmail.ValidateFormat(to.Email); err != nil {
		return "", Permanentf("invalid recipient %q: %v", to.Email, err)
	}
	if msg.HTML == "" && msg.Text == "" {
		return "", Permanentf("message has no body")
	}

	messageID := fmt.Sprintf("<%s@%s>", uuid.New().String(), s.cfg.MessageDomain)
	m := s.buildMessage(to, msg, messageID)

	err := callWithTimeout(ctx, s.timeout, func() error {
		return s.dialer.DialAndSend(m)
	})
	if err != nil {
		s.log.WithError(err).WithField("to", to.Email).Warn("smtp send failed")
		return "", Classify(err)
	}

	s.log.WithFields(logrus.Fields{
		"to":         to.Email,
		"message_id": messageID,
	}).Debug("email sent")
	return messageID, nil
}

func (s *SMTPEmailSender) buildMessage(to Recipient, msg Message, messageID string) *gomail.Message {
	m := gomail.NewMessage()
	m.SetAddressHeader("From", s.cfg.FromEmail, s.cfg.FromName)
	m.SetAddressHeader("To", to.Email, to.Name)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", messageID)
	m.SetHeader("Auto-Submitted", "auto-generated")
	for k, v := range msg.Headers {
		m.SetHeader(k, v)
	}

	switch {
	case msg.HTML != "" && msg.Text != "":
		m.SetBody("text/plain", msg.Text)
		m.AddAlternative("text/html", msg.HTML)
	case msg.HTML != "":
		m.SetBody("text/html", msg.HTML)
	default:
		m.SetBody("text/plain", msg.Text)
	}
	return m
}

func domainOf(email string) string {
	if i := strings.LastIndex(email, "@"); i >= 0 && i < len(email)-1 {
		return email[i+1:]
	}
	return "localhost"
}
