package sender

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		transient bool
	}{
		{"greylisted", &textproto.Error{Code: 451, Msg: "greylisted"}, true},
		{"mailbox unknown", &textproto.Error{Code: 550, Msg: "no such user"}, false},
		{"dial", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, true},
		{"deadline", context.DeadlineExceeded, true},
		{"untyped temporary", errors.New("421 service not available, try again"), true},
		{"untyped reply code", errors.New("450-4.2.1 mailbox busy"), true},
		{"unknown", errors.New("bad credentials"), false},
		{"unknown host", &net.OpError{Op: "dial", Err: &net.DNSError{Err: "no such host", Name: "nowhere.invalid", IsNotFound: true}}, false},
		{"lookup timeout", &net.DNSError{Err: "i/o timeout", Name: "mx.example.com", IsTimeout: true}, true},
		{"code inside permanent reply", errors.New("550 5.1.1 user 4210 unknown"), false},
		{"word containing eof", errors.New("553 sender geoffrey rejected"), false},
		{"connection closed", io.EOF, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Classify(tc.err)
			assert.Equal(t, tc.transient, IsTransient(err))
			assert.ErrorIs(t, err, tc.err)
		})
	}
}

func TestClassifyKeepsExistingClass(t *testing.T) {
	perm := Permanentf("nope")
	assert.Same(t, perm, Classify(perm))
	assert.Nil(t, Classify(nil))
	assert.False(t, IsTransient(nil))
}

func TestCallWithTimeout(t *testing.T) {
	err := callWithTimeout(context.Background(), 20*time.Millisecond, func() error {
		time.Sleep(time.Second)
		return nil
	})
	require.Error(t, err)
	assert.True(t, IsTransient(err))

	err = callWithTimeout(context.Background(), time.Second, func() error { return nil })
	assert.NoError(t, err)
}

func TestSMTPRejectsMalformedRecipient(t *testing.T) {
	s := NewSMTPEmailSender(SMTPConfig{Host: "127.0.0.1", Port: 1, FromEmail: "studio@example.com"}, time.Second, nil)
	_, err := s.SendEmail(context.Background(), Recipient{Email: "not-an-address"}, Message{Text: "hi"})
	var perm *PermanentError
	assert.True(t, errors.As(err, &perm))
}

func TestSMTPMessageShape(t *testing.T) {
	s := NewSMTPEmailSender(SMTPConfig{Host: "smtp.example.com", Port: 587, FromEmail: "studio@example.com", FromName: "Studio"}, time.Second, nil)
	assert.Equal(t, "example.com", s.cfg.MessageDomain)

	m := s.buildMessage(Recipient{Email: "ana@example.com", Name: "Ana"}, Message{
		Subject: "Welcome",
		Text:    "plain",
		HTML:    "<p>html</p>",
		Headers: map[string]string{"X-Execution-ID": "42"},
	}, "<id@example.com>")
	assert.Equal(t, []string{"Welcome"}, m.GetHeader("Subject"))
	assert.Equal(t, []string{"42"}, m.GetHeader("X-Execution-ID"))
	assert.Equal(t, []string{"<id@example.com>"}, m.GetHeader("Message-ID"))
}

func TestHTTPSMSSender(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(int(status.Load()))
		if status.Load() == http.StatusOK {
			_, _ = w.Write([]byte(`{"id":"sms-1"}`))
			return
		}
		_, _ = w.Write([]byte(`{"error":"nope"}`))
	}))
	defer srv.Close()

	s := NewHTTPSMSSender(SMSGatewayConfig{URL: srv.URL, APIToken: "secret"}, time.Second, nil)
	to := Recipient{Phone: "+1 (555) 010-2000"}

	id, err := s.SendSMS(context.Background(), to, "Your session is tomorrow")
	require.NoError(t, err)
	assert.Equal(t, "sms-1", id)

	status.Store(http.StatusServiceUnavailable)
	_, err = s.SendSMS(context.Background(), to, "hi")
	assert.True(t, IsTransient(err))

	status.Store(http.StatusBadRequest)
	_, err = s.SendSMS(context.Background(), to, "hi")
	require.Error(t, err)
	assert.False(t, IsTransient(err))

	_, err = s.SendSMS(context.Background(), Recipient{}, "hi")
	assert.False(t, IsTransient(err))
}

func TestNormalizePhone(t *testing.T) {
	assert.Equal(t, "+15550102000", normalizePhone("+1 (555) 010-2000"))
	assert.Equal(t, "5550102000", normalizePhone("555.010.2000"))
	assert.Equal(t, "", normalizePhone("12"))
}

type captureEmail struct {
	to  Recipient
	msg Message
}

func (c *captureEmail) SendEmail(_ context.Context, to Recipient, msg Message) (string, error) {
	c.to, c.msg = to, msg
	return "m-1", nil
}

func TestDocumentMailer(t *testing.T) {
	email := &captureEmail{}
	d := NewDocumentMailer(email, "https://portal.example.com/")

	id, err := d.SendDocument(context.Background(), Recipient{Email: "ana@example.com"}, "contract 7", Message{Text: "Please sign"})
	require.NoError(t, err)
	assert.Equal(t, "m-1", id)
	assert.Contains(t, email.msg.Text, "https://portal.example.com/documents/contract%207")
	assert.NotEmpty(t, email.msg.Subject)

	assert.Equal(t, "https://files.example.com/a.pdf", d.Link("https://files.example.com/a.pdf"))

	_, err = d.SendDocument(context.Background(), Recipient{Email: "ana@example.com"}, " ", Message{})
	assert.False(t, IsTransient(err))
}
