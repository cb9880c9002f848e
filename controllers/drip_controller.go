package controller

import (
	"errors"
	"fmt"
	"time"

	"thephotocrm/automation"
	"thephotocrm/middleware"
	"thephotocrm/models"
	"thephotocrm/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type DripController struct {
	DB              *gorm.DB
	Engine          *automation.Engine
	DefaultLocation *time.Location
	Logger          *logrus.Entry
}

func NewDripController(db *gorm.DB, engine *automation.Engine, defaultLoc *time.Location, logger *logrus.Entry) *DripController {
	if defaultLoc == nil {
		defaultLoc = time.UTC
	}
	return &DripController{
		DB:              db,
		Engine:          engine,
		DefaultLocation: defaultLoc,
		Logger:          logger,
	}
}

// CreateCampaign creates a drip campaign with its steps.
func (dc *DripController) CreateCampaign(c *fiber.Ctx) error {
	tenantID := middleware.TenantID(c)

	var input struct {
		Name           string                     `json:"name" validate:"required,max=200"`
		Description    string                     `json:"description" validate:"omitempty,max=1000"`
		ProjectType    string                     `json:"project_type" validate:"omitempty,max=50"`
		Enabled        *bool                      `json:"enabled"`
		SendTimePolicy models.SendTimePolicy      `json:"send_time_policy" validate:"omitempty,oneof=ENROLLMENT_TIME FIXED_TIME"`
		SendAtHour     int                        `json:"send_at_hour"`
		SendAtMinute   int                        `json:"send_at_minute"`
		Steps          []automation.DripStepInput `json:"steps" validate:"dive"`
	}
	if ok, err := parseBody(c, &input); !ok {
		return err
	}
	if err := automation.ValidateSendTime(input.SendTimePolicy, input.SendAtHour, input.SendAtMinute); err != nil {
		return respondError(c, err)
	}

	campaign := models.DripCampaign{
		TenantID:       tenantID,
		Name:           input.Name,
		Description:    input.Description,
		ProjectType:    input.ProjectType,
		Enabled:        input.Enabled == nil || *input.Enabled,
		SendTimePolicy: input.SendTimePolicy,
		SendAtHour:     input.SendAtHour,
		SendAtMinute:   input.SendAtMinute,
	}
	if campaign.SendTimePolicy == "" {
		campaign.SendTimePolicy = models.SendAtEnrollmentTime
	}
	for i, in := range input.Steps {
		step, err := automation.BuildDripStep(in)
		if err != nil {
			return respondError(c, err)
		}
		step.OrderIndex = i
		campaign.Steps = append(campaign.Steps, step)
	}

	if err := dc.DB.WithContext(c.UserContext()).Create(&campaign).Error; err != nil {
		return respondError(c, err)
	}

	dc.Logger.WithFields(logrus.Fields{
		"tenant_id":   tenantID,
		"campaign_id": campaign.ID,
		"steps":       len(campaign.Steps),
	}).Info("drip campaign created")
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(campaign))
}

func (dc *DripController) GetCampaigns(c *fiber.Ctx) error {
	var campaigns []models.DripCampaign
	err := dc.DB.WithContext(c.UserContext()).
		Where("tenant_id = ?", middleware.TenantID(c)).
		Preload("Steps", orderedSteps).
		Order("created_at DESC").
		Find(&campaigns).Error
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(utils.SuccessResponse(campaigns))
}

func (dc *DripController) GetCampaign(c *fiber.Ctx) error {
	id, err := idParam(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	campaign, err := loadCampaign(dc.DB.WithContext(c.UserContext()), middleware.TenantID(c), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(utils.SuccessResponse(campaign))
}

// UpdateCampaign changes metadata and the send-time policy. Enrollments
// already scheduled keep their timelines.
func (dc *DripController) UpdateCampaign(c *fiber.Ctx) error {
	tenantID := middleware.TenantID(c)
	id, err := idParam(c, "id")
	if err != nil {
		return respondError(c, err)
	}

	var input struct {
		Name           *string                `json:"name" validate:"omitempty,min=1,max=200"`
		Description    *string                `json:"description" validate:"omitempty,max=1000"`
		ProjectType    *string                `json:"project_type" validate:"omitempty,max=50"`
		SendTimePolicy *models.SendTimePolicy `json:"send_time_policy" validate:"omitempty,oneof=ENROLLMENT_TIME FIXED_TIME"`
		SendAtHour     *int                   `json:"send_at_hour"`
		SendAtMinute   *int                   `json:"send_at_minute"`
	}
	if ok, err := parseBody(c, &input); !ok {
		return err
	}

	var campaign *models.DripCampaign
	err = dc.DB.WithContext(c.UserContext()).Transaction(func(tx *gorm.DB) error {
		var err error
		campaign, err = loadCampaign(tx, tenantID, id)
		if err != nil {
			return err
		}
		if input.Name != nil {
			campaign.Name = *input.Name
		}
		if input.Description != nil {
			campaign.Description = *input.Description
		}
		if input.ProjectType != nil {
			campaign.ProjectType = *input.ProjectType
		}
		if input.SendTimePolicy != nil {
			campaign.SendTimePolicy = *input.SendTimePolicy
		}
		if input.SendAtHour != nil {
			campaign.SendAtHour = *input.SendAtHour
		}
		if input.SendAtMinute != nil {
			campaign.SendAtMinute = *input.SendAtMinute
		}
		if err := automation.ValidateSendTime(campaign.SendTimePolicy, campaign.SendAtHour, campaign.SendAtMinute); err != nil {
			return err
		}
		return tx.Model(campaign).
			Select("name", "description", "project_type", "send_time_policy", "send_at_hour", "send_at_minute").
			Updates(campaign).Error
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(utils.SuccessResponse(campaign))
}

func (dc *DripController) EnableCampaign(c *fiber.Ctx) error {
	return dc.setEnabled(c, true)
}

// DisableCampaign stops new enrollments, ends the active ones and cancels
// every pending send of the campaign.
func (dc *DripController) DisableCampaign(c *fiber.Ctx) error {
	return dc.setEnabled(c, false)
}

func (dc *DripController) setEnabled(c *fiber.Ctx, enabled bool) error {
	tenantID := middleware.TenantID(c)
	id, err := idParam(c, "id")
	if err != nil {
		return respondError(c, err)
	}

	ctx := c.UserContext()
	var canceled int64
	err = dc.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.DripCampaign{}).
			Where("id = ? AND tenant_id = ?", id, tenantID).
			Update("enabled", enabled)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return automation.ErrCampaignNotFound
		}
		if enabled {
			return nil
		}
		var err error
		canceled, err = dc.Engine.Reconciler.WithTx(tx).Handle(ctx, automation.ConfigChange{
			Kind:     automation.CampaignDisabled,
			TenantID: tenantID,
			ID:       id,
		}, dc.Engine.Now())
		return err
	})
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(utils.SuccessResponse(fiber.Map{
		"id":       id,
		"enabled":  enabled,
		"canceled": canceled,
	}))
}

// DeleteCampaign removes a campaign, ends its active enrollments and cancels
// their pending sends.
func (dc *DripController) DeleteCampaign(c *fiber.Ctx) error {
	tenantID := middleware.TenantID(c)
	id, err := idParam(c, "id")
	if err != nil {
		return respondError(c, err)
	}

	ctx := c.UserContext()
	now := dc.Engine.Now()
	var canceled int64
	err = dc.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		campaign, err := loadCampaign(tx, tenantID, id)
		if err != nil {
			return err
		}
		if err := tx.Where("campaign_id = ?", campaign.ID).Delete(&models.DripCampaignStep{}).Error; err != nil {
			return fmt.Errorf("delete campaign steps: %w", err)
		}
		if err := tx.Delete(campaign).Error; err != nil {
			return fmt.Errorf("delete campaign: %w", err)
		}
		canceled, err = dc.Engine.Reconciler.WithTx(tx).Handle(ctx, automation.ConfigChange{
			Kind:     automation.CampaignDeleted,
			TenantID: tenantID,
			ID:       campaign.ID,
		}, now)
		return err
	})
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(utils.SuccessResponse(fiber.Map{
		"id":       id,
		"canceled": canceled,
	}))
}

// AddStep appends a step. Existing enrollments are not extended.
func (dc *DripController) AddStep(c *fiber.Ctx) error {
	tenantID := middleware.TenantID(c)
	id, err := idParam(c, "id")
	if err != nil {
		return respondError(c, err)
	}

	var input automation.DripStepInput
	if ok, err := parseBody(c, &input); !ok {
		return err
	}
	step, err := automation.BuildDripStep(input)
	if err != nil {
		return respondError(c, err)
	}

	err = dc.DB.WithContext(c.UserContext()).Transaction(func(tx *gorm.DB) error {
		campaign, err := loadCampaign(tx, tenantID, id)
		if err != nil {
			return err
		}
		step.CampaignID = campaign.ID
		step.OrderIndex = len(campaign.Steps)
		return tx.Create(&step).Error
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(step))
}

// DeleteStep removes a campaign step and cancels its pending sends.
func (dc *DripController) DeleteStep(c *fiber.Ctx) error {
	tenantID := middleware.TenantID(c)
	id, err := idParam(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	stepID, err := idParam(c, "stepId")
	if err != nil {
		return respondError(c, err)
	}

	ctx := c.UserContext()
	var canceled int64
	err = dc.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		campaign, err := loadCampaign(tx, tenantID, id)
		if err != nil {
			return err
		}

		var rest []models.DripCampaignStep
		found := false
		for _, s := range campaign.Steps {
			if s.ID == stepID {
				found = true
				continue
			}
			rest = append(rest, s)
		}
		if !found {
			return automation.ErrStepNotFound
		}

		if err := tx.Delete(&models.DripCampaignStep{}, stepID).Error; err != nil {
			return fmt.Errorf("delete campaign step: %w", err)
		}
		canceled, err = dc.Engine.Reconciler.WithTx(tx).Handle(ctx, automation.ConfigChange{
			Kind:     automation.CampaignStepDeleted,
			TenantID: tenantID,
			ID:       stepID,
		}, dc.Engine.Now())
		if err != nil {
			return err
		}

		automation.ReindexDrip(rest)
		for _, s := range rest {
			if err := tx.Model(&models.DripCampaignStep{}).Where("id = ?", s.ID).Update("order_index", s.OrderIndex).Error; err != nil {
				return fmt.Errorf("reorder campaign step %d: %w", s.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(utils.SuccessResponse(fiber.Map{
		"id":       stepID,
		"canceled": canceled,
	}))
}

// Enroll starts an entity on the campaign and schedules its whole timeline.
func (dc *DripController) Enroll(c *fiber.Ctx) error {
	tenantID := middleware.TenantID(c)
	id, err := idParam(c, "id")
	if err != nil {
		return respondError(c, err)
	}

	var input struct {
		Entity     models.EntityRef `json:"entity" validate:"required"`
		EnrolledAt *time.Time       `json:"enrolled_at"`
	}
	if ok, err := parseBody(c, &input); !ok {
		return err
	}

	ctx := c.UserContext()
	entity, err := normalizeEntity(dc.DB.WithContext(ctx), tenantID, input.Entity)
	if err != nil {
		return respondError(c, err)
	}
	enrolledAt := dc.Engine.Now()
	if input.EnrolledAt != nil {
		enrolledAt = *input.EnrolledAt
	}

	enrollment, report, err := dc.Engine.Cadence.Enroll(ctx, tenantID, id, entity, enrolledAt)
	if err != nil {
		return respondError(c, err)
	}

	utils.LogEvent("drip_enrolled", map[string]interface{}{
		"tenant_id":     tenantID,
		"campaign_id":   id,
		"enrollment_id": enrollment.ID,
		"scheduled":     report.Scheduled,
	})
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(fiber.Map{
		"enrollment": enrollment,
		"report":     report,
	}))
}

// Unenroll stops an enrollment and cancels its pending sends.
func (dc *DripController) Unenroll(c *fiber.Ctx) error {
	tenantID := middleware.TenantID(c)
	id, err := idParam(c, "id")
	if err != nil {
		return respondError(c, err)
	}

	canceled, err := dc.Engine.Cadence.Unenroll(c.UserContext(), tenantID, id, dc.Engine.Now())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{
		"id":       id,
		"canceled": canceled,
	}))
}

// GetEnrollments lists a campaign's enrollments, optionally by status.
func (dc *DripController) GetEnrollments(c *fiber.Ctx) error {
	tenantID := middleware.TenantID(c)
	id, err := idParam(c, "id")
	if err != nil {
		return respondError(c, err)
	}

	page, limit := pagination(c)
	query := dc.DB.WithContext(c.UserContext()).
		Model(&models.DripEnrollment{}).
		Where("tenant_id = ? AND campaign_id = ?", tenantID, id)
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return respondError(c, err)
	}
	var enrollments []models.DripEnrollment
	if err := query.Order("enrolled_at DESC").Offset((page - 1) * limit).Limit(limit).Find(&enrollments).Error; err != nil {
		return respondError(c, err)
	}

	return c.JSON(utils.SuccessResponse(utils.PaginatedResponse{
		Data:  enrollments,
		Total: total,
		Page:  page,
		Limit: limit,
	}))
}

// PreviewTimeline shows when each step would fire for an enrollment at
// enrolled_at (RFC 3339, default now) without enrolling anyone.
func (dc *DripController) PreviewTimeline(c *fiber.Ctx) error {
	tenantID := middleware.TenantID(c)
	id, err := idParam(c, "id")
	if err != nil {
		return respondError(c, err)
	}

	enrolledAt := dc.Engine.Now()
	if raw := c.Query("enrolled_at"); raw != "" {
		enrolledAt, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "enrolled_at must be RFC 3339", err)
		}
	}

	db := dc.DB.WithContext(c.UserContext())
	campaign, err := loadCampaign(db, tenantID, id)
	if err != nil {
		return respondError(c, err)
	}
	var tenant models.Tenant
	if err := db.First(&tenant, tenantID).Error; err != nil {
		return respondError(c, err)
	}

	loc := tenant.Location(dc.DefaultLocation)
	return c.JSON(utils.SuccessResponse(fiber.Map{
		"timezone":    loc.String(),
		"enrolled_at": enrolledAt.UTC(),
		"steps":       automation.Timeline(campaign, enrolledAt, loc),
	}))
}

func loadCampaign(db *gorm.DB, tenantID, id uint) (*models.DripCampaign, error) {
	var campaign models.DripCampaign
	err := db.Where("id = ? AND tenant_id = ?", id, tenantID).
		Preload("Steps", orderedSteps).
		First(&campaign).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, automation.ErrCampaignNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load campaign %d: %w", id, err)
	}
	return &campaign, nil
}
