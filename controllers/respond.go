package controller

import (
	"errors"
	"strconv"

	"thephotocrm/automation"
	"thephotocrm/delay"
	"thephotocrm/middleware"
	"thephotocrm/store"
	"thephotocrm/utils"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

// respondError maps engine and store errors onto HTTP statuses. Anything it
// does not recognise is a 500 and is reported to Sentry.
func respondError(c *fiber.Ctx, err error) error {
	var cfgErr *delay.ConfigurationError
	switch {
	case errors.As(err, &cfgErr):
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid configuration", err)
	case errors.Is(err, automation.ErrRuleNotFound),
		errors.Is(err, automation.ErrStepNotFound),
		errors.Is(err, automation.ErrCampaignNotFound),
		errors.Is(err, automation.ErrEnrollmentNotFound),
		errors.Is(err, automation.ErrTenantNotFound),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Not found", err)
	case errors.Is(err, automation.ErrAlreadyEnrolled),
		errors.Is(err, automation.ErrCampaignDisabled):
		return utils.ErrorResponse(c, fiber.StatusConflict, err.Error(), nil)
	case errors.Is(err, automation.ErrProjectTypeMismatch):
		return utils.ErrorResponse(c, fiber.StatusUnprocessableEntity, err.Error(), nil)
	}

	utils.LogError("request_failed", err, map[string]interface{}{
		"method":    c.Method(),
		"path":      c.Path(),
		"tenant_id": middleware.TenantID(c),
	})
	return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Internal server error", nil)
}

// idParam parses a positive numeric route parameter.
func idParam(c *fiber.Ctx, name string) (uint, error) {
	id, err := strconv.ParseUint(c.Params(name), 10, 32)
	if err != nil || id == 0 {
		return 0, &delay.ConfigurationError{Field: name, Reason: "must be a positive integer"}
	}
	return uint(id), nil
}

// parseBody decodes and validates the request body into dst. When it
// reports false the error response has already been written.
func parseBody(c *fiber.Ctx, dst interface{}) (bool, error) {
	if err := c.BodyParser(dst); err != nil {
		return false, utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(dst); err != nil {
		return false, utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}
	return true, nil
}

// pagination reads page and limit query parameters.
func pagination(c *fiber.Ctx) (int, int) {
	page, _ := strconv.Atoi(c.Query("page", "1"))
	limit, _ := strconv.Atoi(c.Query("limit", "20"))
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	return page, limit
}
