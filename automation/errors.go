package automation

import "errors"

var (
	ErrRuleNotFound        = errors.New("automation rule not found")
	ErrStepNotFound        = errors.New("automation step not found")
	ErrCampaignNotFound    = errors.New("drip campaign not found")
	ErrCampaignDisabled    = errors.New("drip campaign is disabled")
	ErrEnrollmentNotFound  = errors.New("drip enrollment not found")
	ErrAlreadyEnrolled     = errors.New("entity is already enrolled in this campaign")
	ErrProjectTypeMismatch = errors.New("entity project type does not match the campaign")
	ErrTenantNotFound      = errors.New("tenant not found")
)
