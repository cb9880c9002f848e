package sender

import (
	"context"
	"fmt"
	"html"
	"net/url"
	"strings"
)

// DocumentMailer delivers documents as an email carrying the document link.
type DocumentMailer struct {
	Email   EmailSender
	BaseURL string
}

func NewDocumentMailer(email EmailSender, baseURL string) *DocumentMailer {
	return &DocumentMailer{Email: email, BaseURL: strings.TrimRight(baseURL, "/")}
}

func (d *DocumentMailer) SendDocument(ctx context.Context, to Recipient, documentRef string, msg Message) (string, error) {
	if strings.TrimSpace(documentRef) == "" {
		return "", Permanentf("document reference is empty")
	}
	link := d.Link(documentRef)

	if msg.Subject == "" {
		msg.Subject = "You have a document to review"
	}
	msg.Text = strings.TrimSpace(msg.Text + "\n\n" + link)
	if msg.HTML != "" {
		msg.HTML += fmt.Sprintf(`<p><a href="%s">View document</a></p>`, html.EscapeString(link))
	}
	return d.Email.SendEmail(ctx, to, msg)
}

// Link returns the client-facing URL of documentRef. Absolute references are
// returned unchanged.
func (d *DocumentMailer) Link(documentRef string) string {
	if u, err := url.Parse(documentRef); err == nil && u.IsAbs() {
		return documentRef
	}
	return d.BaseURL + "/documents/" + url.PathEscape(documentRef)
}
