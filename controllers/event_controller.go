package controller

import (
	"fmt"

	"thephotocrm/automation"
	"thephotocrm/middleware"
	"thephotocrm/models"
	"thephotocrm/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// EventController receives pipeline notifications from the entity store.
type EventController struct {
	DB     *gorm.DB
	Engine *automation.Engine
	Logger *logrus.Entry
}

func NewEventController(db *gorm.DB, engine *automation.Engine, logger *logrus.Entry) *EventController {
	return &EventController{
		DB:     db,
		Engine: engine,
		Logger: logger,
	}
}

// StageChange records a stage transition and schedules the steps of every
// rule it fires. Re-delivering the same notification is safe.
func (ec *EventController) StageChange(c *fiber.Ctx) error {
	tenantID := middleware.TenantID(c)

	var ev automation.StageChange
	if ok, err := parseBody(c, &ev); !ok {
		return err
	}
	ev.TenantID = tenantID

	ctx := c.UserContext()
	entity, err := normalizeEntity(ec.DB.WithContext(ctx), tenantID, ev.Entity)
	if err != nil {
		return respondError(c, err)
	}
	ev.Entity = entity

	res, err := ec.Engine.HandleStageChange(ctx, ev)
	if err != nil {
		return respondError(c, err)
	}

	ec.Logger.WithFields(logrus.Fields{
		"tenant_id":     tenantID,
		"entity":        entity.Kind,
		"entity_id":     entity.ID,
		"to_stage":      ev.ToStageID,
		"transition_id": res.TransitionID,
		"duplicate":     res.Duplicate,
		"ignored":       res.Ignored,
		"scheduled":     res.Report.Scheduled,
		"canceled":      res.Canceled,
	}).Info("stage change processed")
	return c.Status(fiber.StatusAccepted).JSON(utils.SuccessResponse(res))
}

// normalizeEntity checks the entity belongs to the tenant and fills in a
// project's type from its record, so the rest of the engine never has to.
func normalizeEntity(db *gorm.DB, tenantID uint, ref models.EntityRef) (models.EntityRef, error) {
	switch ref.Kind {
	case models.EntityProject:
		var project models.Project
		err := db.Select("id", "project_type").Where("id = ? AND tenant_id = ?", ref.ID, tenantID).First(&project).Error
		if err != nil {
			return ref, fmt.Errorf("look up project %d: %w", ref.ID, err)
		}
		if project.ProjectType != "" {
			ref.ProjectType = project.ProjectType
		}
	case models.EntityContact:
		var count int64
		if err := db.Model(&models.Contact{}).Where("id = ? AND tenant_id = ?", ref.ID, tenantID).Count(&count).Error; err != nil {
			return ref, fmt.Errorf("look up contact %d: %w", ref.ID, err)
		}
		if count == 0 {
			return ref, fmt.Errorf("contact %d: %w", ref.ID, gorm.ErrRecordNotFound)
		}
	}
	return ref, nil
}
