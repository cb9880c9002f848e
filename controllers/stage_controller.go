package controller

import (
	"thephotocrm/middleware"
	"thephotocrm/models"
	"thephotocrm/utils"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

type StageController struct {
	DB *gorm.DB
}

func NewStageController(db *gorm.DB) *StageController {
	return &StageController{DB: db}
}

// GetStages returns the tenant's pipeline in order.
func (sc *StageController) GetStages(c *fiber.Ctx) error {
	var stages []models.Stage
	err := sc.DB.WithContext(c.UserContext()).
		Where("tenant_id = ?", middleware.TenantID(c)).
		Order("order_index ASC").
		Find(&stages).Error
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(utils.SuccessResponse(stages))
}

// SeedDefaultStages gives a new studio the standard photography pipeline.
// A tenant that already has stages gets them back unchanged.
func (sc *StageController) SeedDefaultStages(c *fiber.Ctx) error {
	stages, err := models.CreateDefaultStages(sc.DB.WithContext(c.UserContext()), middleware.TenantID(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(utils.SuccessResponse(stages))
}
