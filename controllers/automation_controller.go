package controller

import (
	"errors"
	"fmt"

	"thephotocrm/automation"
	"thephotocrm/delay"
	"thephotocrm/middleware"
	"thephotocrm/models"
	"thephotocrm/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type AutomationController struct {
	DB     *gorm.DB
	Engine *automation.Engine
	Logger *logrus.Entry
}

func NewAutomationController(db *gorm.DB, engine *automation.Engine, logger *logrus.Entry) *AutomationController {
	return &AutomationController{
		DB:     db,
		Engine: engine,
		Logger: logger,
	}
}

type ruleInput struct {
	Name              string                 `json:"name" validate:"required,max=200"`
	TriggerKind       models.TriggerKind     `json:"trigger_kind" validate:"required,oneof=STAGE_CHANGE SPECIFIC_STAGE"`
	TargetStageID     *uint                  `json:"target_stage_id"`
	ProjectType       string                 `json:"project_type" validate:"omitempty,max=50"`
	Enabled           *bool                  `json:"enabled"`
	CancelOnStageExit bool                   `json:"cancel_on_stage_exit"`
	Steps             []automation.StepInput `json:"steps" validate:"dive"`
}

// CreateRule creates a rule together with its ordered steps.
func (ac *AutomationController) CreateRule(c *fiber.Ctx) error {
	tenantID := middleware.TenantID(c)

	var input ruleInput
	if ok, err := parseBody(c, &input); !ok {
		return err
	}
	if err := automation.ValidateTrigger(input.TriggerKind, input.TargetStageID); err != nil {
		return respondError(c, err)
	}

	rule := models.AutomationRule{
		TenantID:          tenantID,
		Name:              input.Name,
		TriggerKind:       input.TriggerKind,
		ProjectType:       input.ProjectType,
		Enabled:           input.Enabled == nil || *input.Enabled,
		CancelOnStageExit: input.CancelOnStageExit,
	}
	if input.TriggerKind == models.TriggerSpecificStage {
		rule.TargetStageID = input.TargetStageID
	}
	for i, in := range input.Steps {
		step, err := automation.BuildStep(in)
		if err != nil {
			return respondError(c, err)
		}
		step.OrderIndex = i
		rule.Steps = append(rule.Steps, step)
	}

	err := ac.DB.WithContext(c.UserContext()).Transaction(func(tx *gorm.DB) error {
		if rule.TargetStageID != nil {
			if err := ensureStage(tx, tenantID, *rule.TargetStageID); err != nil {
				return err
			}
		}
		return tx.Create(&rule).Error
	})
	if err != nil {
		return respondError(c, err)
	}

	ac.Logger.WithFields(logrus.Fields{
		"tenant_id": tenantID,
		"rule_id":   rule.ID,
		"steps":     len(rule.Steps),
	}).Info("automation rule created")
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(rule))
}

// GetRules lists the tenant's rules with their steps.
func (ac *AutomationController) GetRules(c *fiber.Ctx) error {
	tenantID := middleware.TenantID(c)

	var rules []models.AutomationRule
	err := ac.DB.WithContext(c.UserContext()).
		Where("tenant_id = ?", tenantID).
		Preload("Steps", orderedSteps).
		Order("created_at DESC").
		Find(&rules).Error
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(utils.SuccessResponse(rules))
}

func (ac *AutomationController) GetRule(c *fiber.Ctx) error {
	id, err := idParam(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	rule, err := loadRule(ac.DB.WithContext(c.UserContext()), middleware.TenantID(c), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(utils.SuccessResponse(rule))
}

// UpdateRule changes a rule's trigger and metadata. Already scheduled work
// is kept; enable and disable have their own endpoints.
func (ac *AutomationController) UpdateRule(c *fiber.Ctx) error {
	tenantID := middleware.TenantID(c)
	id, err := idParam(c, "id")
	if err != nil {
		return respondError(c, err)
	}

	var input struct {
		Name              *string             `json:"name" validate:"omitempty,min=1,max=200"`
		TriggerKind       *models.TriggerKind `json:"trigger_kind" validate:"omitempty,oneof=STAGE_CHANGE SPECIFIC_STAGE"`
		TargetStageID     *uint               `json:"target_stage_id"`
		ProjectType       *string             `json:"project_type" validate:"omitempty,max=50"`
		CancelOnStageExit *bool               `json:"cancel_on_stage_exit"`
	}
	if ok, err := parseBody(c, &input); !ok {
		return err
	}

	var rule *models.AutomationRule
	err = ac.DB.WithContext(c.UserContext()).Transaction(func(tx *gorm.DB) error {
		var err error
		rule, err = loadRule(tx, tenantID, id)
		if err != nil {
			return err
		}

		if input.Name != nil {
			rule.Name = *input.Name
		}
		if input.TriggerKind != nil {
			rule.TriggerKind = *input.TriggerKind
		}
		if input.TargetStageID != nil {
			rule.TargetStageID = input.TargetStageID
		}
		if rule.TriggerKind == models.TriggerStageChange {
			rule.TargetStageID = nil
		}
		if input.ProjectType != nil {
			rule.ProjectType = *input.ProjectType
		}
		if input.CancelOnStageExit != nil {
			rule.CancelOnStageExit = *input.CancelOnStageExit
		}

		if err := automation.ValidateTrigger(rule.TriggerKind, rule.TargetStageID); err != nil {
			return err
		}
		if rule.TargetStageID != nil {
			if err := ensureStage(tx, tenantID, *rule.TargetStageID); err != nil {
				return err
			}
		}

		return tx.Model(rule).Select("name", "trigger_kind", "target_stage_id", "project_type", "cancel_on_stage_exit").
			Updates(rule).Error
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(utils.SuccessResponse(rule))
}

func (ac *AutomationController) EnableRule(c *fiber.Ctx) error {
	return ac.setEnabled(c, true)
}

// DisableRule stops the rule firing and cancels every pending execution it
// scheduled, in one transaction.
func (ac *AutomationController) DisableRule(c *fiber.Ctx) error {
	return ac.setEnabled(c, false)
}

func (ac *AutomationController) setEnabled(c *fiber.Ctx, enabled bool) error {
	tenantID := middleware.TenantID(c)
	id, err := idParam(c, "id")
	if err != nil {
		return respondError(c, err)
	}

	ctx := c.UserContext()
	var canceled int64
	err = ac.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.AutomationRule{}).
			Where("id = ? AND tenant_id = ?", id, tenantID).
			Update("enabled", enabled)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return automation.ErrRuleNotFound
		}
		if enabled {
			return nil
		}
		var err error
		canceled, err = ac.Engine.Reconciler.WithTx(tx).Handle(ctx, automation.ConfigChange{
			Kind:     automation.RuleDisabled,
			TenantID: tenantID,
			ID:       id,
		}, ac.Engine.Now())
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

// DeleteRule removes a rule and its steps and cancels its pending work.
func (ac *AutomationController) DeleteRule(c *fiber.Ctx) error {
	tenantID := middleware.TenantID(c)
	id, err := idParam(c, "id")
	if err != nil {
		return respondError(c, err)
	}

	ctx := c.UserContext()
	var canceled int64
	err = ac.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rule, err := loadRule(tx, tenantID, id)
		if err != nil {
			return err
		}
		if err := tx.Where("rule_id = ?", rule.ID).Delete(&models.AutomationStep{}).Error; err != nil {
			return fmt.Errorf("delete steps: %w", err)
		}
		if err := tx.Delete(rule).Error; err != nil {
			return fmt.Errorf("delete rule: %w", err)
		}
		canceled, err = ac.Engine.Reconciler.WithTx(tx).Handle(ctx, automation.ConfigChange{
			Kind:     automation.RuleDeleted,
			TenantID: tenantID,
			ID:       rule.ID,
		}, ac.Engine.Now())
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

// AddStep appends a step to the rule.
func (ac *AutomationController) AddStep(c *fiber.Ctx) error {
	tenantID := middleware.TenantID(c)
	id, err := idParam(c, "id")
	if err != nil {
		return respondError(c, err)
	}

	var input automation.StepInput
	if ok, err := parseBody(c, &input); !ok {
		return err
	}
	step, err := automation.BuildStep(input)
	if err != nil {
		return respondError(c, err)
	}

	err = ac.DB.WithContext(c.UserContext()).Transaction(func(tx *gorm.DB) error {
		rule, err := loadRule(tx, tenantID, id)
		if err != nil {
			return err
		}
		step.RuleID = rule.ID
		step.OrderIndex = len(rule.Steps)
		return tx.Create(&step).Error
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(step))
}

// UpdateStep replaces a step's action, delay and content. Pending
// executions keep the due time they were scheduled with; content is read
// at send time, so content edits reach them.
func (ac *AutomationController) UpdateStep(c *fiber.Ctx) error {
	tenantID := middleware.TenantID(c)
	id, err := idParam(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	stepID, err := idParam(c, "stepId")
	if err != nil {
		return respondError(c, err)
	}

	var input automation.StepInput
	if ok, err := parseBody(c, &input); !ok {
		return err
	}
	updated, err := automation.BuildStep(input)
	if err != nil {
		return respondError(c, err)
	}

	var step models.AutomationStep
	err = ac.DB.WithContext(c.UserContext()).Transaction(func(tx *gorm.DB) error {
		if err := loadStep(tx, tenantID, id, stepID, &step); err != nil {
			return err
		}
		updated.ID = step.ID
		updated.CreatedAt = step.CreatedAt
		updated.RuleID = step.RuleID
		updated.OrderIndex = step.OrderIndex
		step = updated
		return tx.Save(&step).Error
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(utils.SuccessResponse(step))
}

// DeleteStep removes a step, cancels its pending executions and closes the
// gap it leaves in the ordering.
func (ac *AutomationController) DeleteStep(c *fiber.Ctx) error {
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
	err = ac.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var step models.AutomationStep
		if err := loadStep(tx, tenantID, id, stepID, &step); err != nil {
			return err
		}
		if err := tx.Delete(&step).Error; err != nil {
			return fmt.Errorf("delete step: %w", err)
		}

		var err error
		canceled, err = ac.Engine.Reconciler.WithTx(tx).Handle(ctx, automation.ConfigChange{
			Kind:     automation.StepDeleted,
			TenantID: tenantID,
			ID:       step.ID,
		}, ac.Engine.Now())
		if err != nil {
			return err
		}

		var rest []models.AutomationStep
		if err := tx.Where("rule_id = ?", id).Find(&rest).Error; err != nil {
			return err
		}
		automation.Reindex(rest)
		return saveStepOrder(tx, rest)
	})
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(utils.SuccessResponse(fiber.Map{
		"id":       stepID,
		"canceled": canceled,
	}))
}

// ReorderSteps sets the rule's step order from a full list of step ids.
func (ac *AutomationController) ReorderSteps(c *fiber.Ctx) error {
	tenantID := middleware.TenantID(c)
	id, err := idParam(c, "id")
	if err != nil {
		return respondError(c, err)
	}

	var input struct {
		Order []uint `json:"order" validate:"required,min=1"`
	}
	if ok, err := parseBody(c, &input); !ok {
		return err
	}

	var rule *models.AutomationRule
	err = ac.DB.WithContext(c.UserContext()).Transaction(func(tx *gorm.DB) error {
		var err error
		rule, err = loadRule(tx, tenantID, id)
		if err != nil {
			return err
		}
		if err := automation.ApplyOrder(rule.Steps, input.Order); err != nil {
			return err
		}
		automation.Reindex(rule.Steps)
		return saveStepOrder(tx, rule.Steps)
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(utils.SuccessResponse(rule))
}

func orderedSteps(db *gorm.DB) *gorm.DB {
	return db.Order("order_index ASC")
}

func loadRule(db *gorm.DB, tenantID, id uint) (*models.AutomationRule, error) {
	var rule models.AutomationRule
	err := db.Where("id = ? AND tenant_id = ?", id, tenantID).
		Preload("Steps", orderedSteps).
		First(&rule).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, automation.ErrRuleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load rule %d: %w", id, err)
	}
	return &rule, nil
}

// loadStep loads a step of one of the tenant's rules into step.
func loadStep(db *gorm.DB, tenantID, ruleID, stepID uint, step *models.AutomationStep) error {
	err := db.Joins("JOIN automation_rules ON automation_rules.id = automation_steps.rule_id").
		Where("automation_steps.id = ? AND automation_steps.rule_id = ?", stepID, ruleID).
		Where("automation_rules.tenant_id = ? AND automation_rules.deleted_at IS NULL", tenantID).
		First(step).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return automation.ErrStepNotFound
	}
	return err
}

func saveStepOrder(tx *gorm.DB, steps []models.AutomationStep) error {
	for _, s := range steps {
		if err := tx.Model(&models.AutomationStep{}).Where("id = ?", s.ID).Update("order_index", s.OrderIndex).Error; err != nil {
			return fmt.Errorf("reorder step %d: %w", s.ID, err)
		}
	}
	return nil
}

// ensureStage checks that stageID is one of the tenant's pipeline stages.
func ensureStage(db *gorm.DB, tenantID, stageID uint) error {
	var count int64
	if err := db.Model(&models.Stage{}).Where("id = ? AND tenant_id = ?", stageID, tenantID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return &delay.ConfigurationError{Field: "target_stage_id", Reason: "is not a stage of this studio"}
	}
	return nil
}
