package controller

import (
	"errors"

	"thephotocrm/content"
	"thephotocrm/middleware"
	"thephotocrm/models"
	"thephotocrm/sender"
	"thephotocrm/utils"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

// TemplateController manages reusable message content.
type TemplateController struct {
	DB      *gorm.DB
	Content content.Source
}

func NewTemplateController(db *gorm.DB, src content.Source) *TemplateController {
	return &TemplateController{DB: db, Content: src}
}

type templateInput struct {
	Name        string `json:"name" validate:"required,max=200"`
	Subject     string `json:"subject" validate:"max=300"`
	HTMLContent string `json:"html_content"`
	TextContent string `json:"text_content"`
	Category    string `json:"category" validate:"omitempty,max=50"`
}

func (tc *TemplateController) CreateTemplate(c *fiber.Ctx) error {
	var input templateInput
	if ok, err := parseBody(c, &input); !ok {
		return err
	}
	if input.HTMLContent == "" && input.TextContent == "" {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "html_content or text_content is required", nil)
	}

	tmpl := models.Template{
		TenantID:    middleware.TenantID(c),
		Name:        input.Name,
		Subject:     input.Subject,
		HTMLContent: input.HTMLContent,
		TextContent: input.TextContent,
		Category:    input.Category,
	}
	if err := tc.DB.WithContext(c.UserContext()).Create(&tmpl).Error; err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(tmpl))
}

func (tc *TemplateController) GetTemplates(c *fiber.Ctx) error {
	query := tc.DB.WithContext(c.UserContext()).Where("tenant_id = ?", middleware.TenantID(c))
	if category := c.Query("category"); category != "" {
		query = query.Where("category = ?", category)
	}

	var templates []models.Template
	if err := query.Order("name ASC").Find(&templates).Error; err != nil {
		return respondError(c, err)
	}
	return c.JSON(utils.SuccessResponse(templates))
}

func (tc *TemplateController) GetTemplate(c *fiber.Ctx) error {
	tmpl, err := tc.load(c)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(utils.SuccessResponse(tmpl))
}

func (tc *TemplateController) UpdateTemplate(c *fiber.Ctx) error {
	tmpl, err := tc.load(c)
	if err != nil {
		return respondError(c, err)
	}

	var input templateInput
	if ok, err := parseBody(c, &input); !ok {
		return err
	}
	tmpl.Name = input.Name
	tmpl.Subject = input.Subject
	tmpl.HTMLContent = input.HTMLContent
	tmpl.TextContent = input.TextContent
	tmpl.Category = input.Category

	if err := tc.DB.WithContext(c.UserContext()).Save(tmpl).Error; err != nil {
		return respondError(c, err)
	}
	return c.JSON(utils.SuccessResponse(tmpl))
}

// DeleteTemplate refuses to delete a template that a live step still uses.
func (tc *TemplateController) DeleteTemplate(c *fiber.Ctx) error {
	tmpl, err := tc.load(c)
	if err != nil {
		return respondError(c, err)
	}

	db := tc.DB.WithContext(c.UserContext())
	var inUse int64
	if err := db.Model(&models.AutomationStep{}).Where("content_template_id = ?", tmpl.ID).Count(&inUse).Error; err != nil {
		return respondError(c, err)
	}
	if inUse == 0 {
		if err := db.Model(&models.DripCampaignStep{}).Where("content_template_id = ?", tmpl.ID).Count(&inUse).Error; err != nil {
			return respondError(c, err)
		}
	}
	if inUse > 0 {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Template is used by automation or drip steps", nil)
	}

	if err := db.Delete(tmpl).Error; err != nil {
		return respondError(c, err)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"id": tmpl.ID}))
}

// PreviewTemplate renders the template with sample or supplied merge data.
func (tc *TemplateController) PreviewTemplate(c *fiber.Ctx) error {
	tmpl, err := tc.load(c)
	if err != nil {
		return respondError(c, err)
	}

	data := content.Data{
		ContactName: "Alex Morgan",
		FirstName:   "Alex",
		StudioName:  "Your Studio",
		OwnerName:   "Studio Owner",
		ProjectType: "WEDDING",
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&data); err != nil {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
		}
	}

	id := tmpl.ID
	msg, err := tc.Content.Render(c.UserContext(), tmpl.TenantID, models.ContentRef{TemplateID: &id}, data)
	var perm *sender.PermanentError
	if errors.As(err, &perm) {
		return utils.ErrorResponse(c, fiber.StatusUnprocessableEntity, "Template does not render", err)
	}
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(utils.SuccessResponse(msg))
}

func (tc *TemplateController) load(c *fiber.Ctx) (*models.Template, error) {
	id, err := idParam(c, "id")
	if err != nil {
		return nil, err
	}
	var tmpl models.Template
	err = tc.DB.WithContext(c.UserContext()).
		Where("id = ? AND tenant_id = ?", id, middleware.TenantID(c)).
		First(&tmpl).Error
	if err != nil {
		return nil, err
	}
	return &tmpl, nil
}
