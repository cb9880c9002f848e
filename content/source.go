// Package content renders the message a step sends, from a stored template
// or from content inlined on the step.
package content

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"

	"thephotocrm/models"
	"thephotocrm/sender"

	"gorm.io/gorm"
)

// Data is the template context for one send.
type Data struct {
	ContactName  string `json:"contact_name"`
	FirstName    string `json:"first_name"`
	StudioName   string `json:"studio_name"`
	OwnerName    string `json:"owner_name"`
	ProjectType  string `json:"project_type"`
	DocumentLink string `json:"document_link"`
}

// Source produces the rendered message for a step's content reference.
type Source interface {
	Render(ctx context.Context, tenantID uint, ref models.ContentRef, data Data) (sender.Message, error)
}

// DBSource renders tenant templates stored in the database, or inline
// content when the step carries no template id.
type DBSource struct {
	db *gorm.DB
}

func NewDBSource(db *gorm.DB) *DBSource {
	return &DBSource{db: db}
}

// Render returns a permanent send error when the content is missing or does
// not parse: retrying will not fix it.
func (s *DBSource) Render(ctx context.Context, tenantID uint, ref models.ContentRef, data Data) (sender.Message, error) {
	subject, html, text := ref.Subject, ref.Body, ref.Text

	if ref.TemplateID != nil {
		var tmpl models.Template
		err := s.db.WithContext(ctx).
			Where("id = ? AND tenant_id = ?", *ref.TemplateID, tenantID).
			First(&tmpl).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return sender.Message{}, sender.Permanentf("template %d not found", *ref.TemplateID)
		}
		if err != nil {
			return sender.Message{}, fmt.Errorf("load template %d: %w", *ref.TemplateID, err)
		}
		// Inline fields on the step override the template's.
		if subject == "" {
			subject = tmpl.Subject
		}
		if html == "" {
			html = tmpl.HTMLContent
		}
		if text == "" {
			text = tmpl.TextContent
		}
	}

	if html == "" && text == "" && ref.DocumentRef == "" {
		return sender.Message{}, sender.Permanentf("step has no content")
	}

	var msg sender.Message
	var err error
	if msg.Subject, err = renderText("subject", subject, data); err != nil {
		return sender.Message{}, err
	}
	if msg.Text, err = renderText("text", text, data); err != nil {
		return sender.Message{}, err
	}
	if msg.HTML, err = renderHTML(html, data); err != nil {
		return sender.Message{}, err
	}
	return msg, nil
}

func renderText(name, src string, data Data) (string, error) {
	if !strings.Contains(src, "{{") {
		return src, nil
	}
	tmpl, err := texttemplate.New(name).Option("missingkey=zero").Parse(src)
	if err != nil {
		return "", sender.Permanentf("parse %s template: %v", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", sender.Permanentf("render %s template: %v", name, err)
	}
	return buf.String(), nil
}

func renderHTML(src string, data Data) (string, error) {
	if !strings.Contains(src, "{{") {
		return src, nil
	}
	tmpl, err := htmltemplate.New("html").Parse(src)
	if err != nil {
		return "", sender.Permanentf("parse html template: %v", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", sender.Permanentf("render html template: %v", err)
	}
	return buf.String(), nil
}
