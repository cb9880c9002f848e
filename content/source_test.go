package content_test

import (
	"context"
	"testing"

	"thephotocrm/content"
	"thephotocrm/models"
	"thephotocrm/sender"
	"thephotocrm/store/storetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderInline(t *testing.T) {
	db := storetest.Open(t)
	src := content.NewDBSource(db)

	msg, err := src.Render(context.Background(), 1, models.ContentRef{
		Subject: "Hi {{.FirstName}}",
		Body:    "<p>{{.ContactName}} &amp; {{.StudioName}}</p>",
		Text:    "See you, {{.FirstName}}",
	}, content.Data{FirstName: "Ana", ContactName: "Ana <Lee>", StudioName: "Bright"})
	require.NoError(t, err)
	assert.Equal(t, "Hi Ana", msg.Subject)
	assert.Equal(t, "<p>Ana &lt;Lee&gt; &amp; Bright</p>", msg.HTML)
	assert.Equal(t, "See you, Ana", msg.Text)
}

func TestRenderTemplateIsTenantScoped(t *testing.T) {
	db := storetest.Open(t)
	tenant := storetest.Tenant(t, db, "UTC")
	other := storetest.Tenant(t, db, "UTC")

	tmpl := models.Template{TenantID: tenant.ID, Name: "welcome", Subject: "Welcome {{.FirstName}}", TextContent: "Thanks for reaching out"}
	require.NoError(t, db.Create(&tmpl).Error)
	src := content.NewDBSource(db)

	msg, err := src.Render(context.Background(), tenant.ID, models.ContentRef{TemplateID: &tmpl.ID}, content.Data{FirstName: "Ana"})
	require.NoError(t, err)
	assert.Equal(t, "Welcome Ana", msg.Subject)
	assert.Equal(t, "Thanks for reaching out", msg.Text)

	msg, err = src.Render(context.Background(), tenant.ID, models.ContentRef{TemplateID: &tmpl.ID, Subject: "Custom"}, content.Data{})
	require.NoError(t, err)
	assert.Equal(t, "Custom", msg.Subject)

	_, err = src.Render(context.Background(), other.ID, models.ContentRef{TemplateID: &tmpl.ID}, content.Data{})
	var perm *sender.PermanentError
	assert.ErrorAs(t, err, &perm)
}

func TestRenderMissingContentIsPermanent(t *testing.T) {
	src := content.NewDBSource(storetest.Open(t))

	_, err := src.Render(context.Background(), 1, models.ContentRef{Subject: "only a subject"}, content.Data{})
	assert.False(t, sender.IsTransient(err))
	require.Error(t, err)

	_, err = src.Render(context.Background(), 1, models.ContentRef{Text: "{{.Broken"}, content.Data{})
	var perm *sender.PermanentError
	assert.ErrorAs(t, err, &perm)
}
