package sender

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// LogSender writes messages to the log instead of sending them. It is used
// when no SMTP relay or SMS gateway is configured.
type LogSender struct {
	log *logrus.Entry
}

func NewLogSender(log *logrus.Entry) *LogSender {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &LogSender{log: log.WithField("component", "log_sender")}
}

func (s *LogSender) SendEmail(_ context.Context, to Recipient, msg Message) (string, error) {
	if to.Email == "" {
		return "", Permanentf("recipient has no email address")
	}
	id := uuid.New().String()
	s.log.WithFields(logrus.Fields{
		"to":         to.Email,
		"subject":    msg.Subject,
		"message_id": id,
	}).Info("email (not sent)")
	return id, nil
}

func (s *LogSender) SendSMS(_ context.Context, to Recipient, text string) (string, error) {
	if to.Phone == "" {
		return "", Permanentf("recipient has no phone number")
	}
	id := uuid.New().String()
	s.log.WithFields(logrus.Fields{
		"to":         to.Phone,
		"length":     len(text),
		"message_id": id,
	}).Info("sms (not sent)")
	return id, nil
}

func (s *LogSender) SendDocument(_ context.Context, to Recipient, documentRef string, _ Message) (string, error) {
	if documentRef == "" {
		return "", Permanentf("document reference is empty")
	}
	id := uuid.New().String()
	s.log.WithFields(logrus.Fields{
		"to":         to.Email,
		"document":   documentRef,
		"message_id": id,
	}).Info("document (not sent)")
	return id, nil
}
