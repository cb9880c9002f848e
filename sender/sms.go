package sender

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"
)

// SMSGatewayConfig points at an HTTP SMS gateway that accepts
// POST {"from","to","body"} and answers {"id": "..."}.
type SMSGatewayConfig struct {
	URL      string
	APIToken string
	From     string
}

// HTTPSMSSender posts text messages to an SMS gateway.
type HTTPSMSSender struct {
	cfg     SMSGatewayConfig
	client  *fasthttp.Client
	timeout time.Duration
	log     *logrus.Entry
}

func NewHTTPSMSSender(cfg SMSGatewayConfig, timeout time.Duration, log *logrus.Entry) *HTTPSMSSender {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSMSSender{
		cfg:     cfg,
		client:  &fasthttp.Client{Name: "thephotocrm-scheduler"},
		timeout: timeout,
		log:     log.WithField("component", "sms"),
	}
}

type smsRequest struct {
	From string `json:"from,omitempty"`
	To   string `json:"to"`
	Body string `json:"body"`
}

type smsResponse struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// SendSMS sends text to the recipient's phone. 429 and 5xx answers and
// network errors are transient; other 4xx answers are permanent.
func (s *HTTPSMSSender) SendSMS(ctx context.Context, to Recipient, text string) (string, error) {
	phone := normalizePhone(to.Phone)
	if phone == "" {
		return "", Permanentf("recipient has no phone number")
	}
	if strings.TrimSpace(text) == "" {
		return "", Permanentf("sms has no text")
	}

	payload, err := json.Marshal(smsRequest{From: s.cfg.From, To: phone, Body: text})
	if err != nil {
		return "", Permanent(err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(s.cfg.URL)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	if s.cfg.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.APIToken)
	}
	req.SetBody(payload)

	timeout := s.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}
	if err := s.client.DoTimeout(req, resp, timeout); err != nil {
		if errors.Is(err, fasthttp.ErrTimeout) {
			return "", Transient(fmt.Errorf("sms gateway timed out: %w", err))
		}
		return "", Transient(fmt.Errorf("sms gateway unreachable: %w", err))
	}

	status := resp.StatusCode()
	var body smsResponse
	_ = json.Unmarshal(resp.Body(), &body)

	switch {
	case status >= 200 && status < 300:
		s.log.WithFields(logrus.Fields{"to": phone, "message_id": body.ID}).Debug("sms sent")
		return body.ID, nil
	case status == fasthttp.StatusTooManyRequests || status >= 500:
		return "", Transient(fmt.Errorf("sms gateway returned %d: %s", status, body.Error))
	default:
		return "", Permanentf("sms gateway rejected message (%d): %s", status, body.Error)
	}
}

func normalizePhone(phone string) string {
	var b strings.Builder
	for i, r := range strings.TrimSpace(phone) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		}
	}
	if b.Len() < 7 {
		return ""
	}
	return b.String()
}
