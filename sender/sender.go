// Package sender holds the outbound channels the dispatcher delivers through.
// Every failure is classified as transient (retry later) or permanent.
package sender

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"regexp"
	"strings"
	"time"
)

// Recipient is who a message goes to.
type Recipient struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

// Message is rendered content ready to transmit.
type Message struct {
	Subject string `json:"subject"`
	HTML    string `json:"html"`
	Text    string `json:"text"`
	// Headers are added to email messages as-is.
	Headers map[string]string `json:"headers,omitempty"`
}

// EmailSender returns the provider message id on success.
type EmailSender interface {
	SendEmail(ctx context.Context, to Recipient, msg Message) (string, error)
}

type SMSSender interface {
	SendSMS(ctx context.Context, to Recipient, text string) (string, error)
}

// DocumentSender delivers a document (contract, invoice, gallery) by reference.
type DocumentSender interface {
	SendDocument(ctx context.Context, to Recipient, documentRef string, msg Message) (string, error)
}

// TransientError is a failure worth retrying: timeouts, 4xx SMTP replies,
// 5xx or 429 gateway responses.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError will fail the same way on every retry.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Permanentf builds a PermanentError from a format string.
func Permanentf(format string, args ...interface{}) error {
	return &PermanentError{Err: fmt.Errorf(format, args...)}
}

// IsTransient reports whether err should be retried. Context deadlines count
// as transient; anything unclassified does not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var t *TransientError
	if errors.As(err, &t) {
		return true
	}
	var p *PermanentError
	if errors.As(err, &p) {
		return false
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Classify wraps a raw transport error as transient or permanent.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var t *TransientError
	var p *PermanentError
	if errors.As(err, &t) || errors.As(err, &p) {
		return err
	}
	if isTemporaryError(err) {
		return Transient(err)
	}
	return Permanent(err)
}

// smtpTempReply matches a 4xx SMTP reply code at the start of a message.
var smtpTempReply = regexp.MustCompile(`^4[0-9]{2}([ -]|$)`)

func isTemporaryError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	// An unknown host will not appear on retry; a failed lookup might.
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return !dnsErr.IsNotFound
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		return protoErr.Code >= 400 && protoErr.Code < 500
	}

	// SMTP replies that lost their type along the way.
	errStr := strings.ToLower(strings.TrimSpace(err.Error()))
	if smtpTempReply.MatchString(errStr) {
		return true
	}
	for _, tempErr := range []string{"try again", "temporarily", "temporary failure", "connection reset"} {
		if strings.Contains(errStr, tempErr) {
			return true
		}
	}
	return false
}

// callWithTimeout runs send and gives up after timeout. Blocking transports
// that take no context are run this way; a timed-out call is transient.
func callWithTimeout(ctx context.Context, timeout time.Duration, send func() error) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- send()
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		return Transient(fmt.Errorf("send timed out: %w", ctx.Err()))
	}
}
