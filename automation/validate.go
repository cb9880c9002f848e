package automation

import (
	"sort"
	"strings"

	"thephotocrm/delay"
	"thephotocrm/models"
)

// StepInput is the configuration API's shape for an automation step.
type StepInput struct {
	ActionKind    models.ActionKind    `json:"action_kind" validate:"required,oneof=EMAIL SMS DOCUMENT_SEND"`
	RecipientKind models.RecipientKind `json:"recipient_kind" validate:"omitempty,oneof=ENTITY_CONTACT OWNING_USER"`
	Delay         delay.Fields         `json:"delay"`
	Content       models.ContentRef    `json:"content"`
}

// BuildStep validates in and converts it to a step row. The delay form is
// decided here, once.
func BuildStep(in StepInput) (models.AutomationStep, error) {
	spec, err := delay.FromFields(in.Delay)
	if err != nil {
		return models.AutomationStep{}, err
	}
	if err := validateContent(in.ActionKind, in.Content); err != nil {
		return models.AutomationStep{}, err
	}

	step := models.AutomationStep{
		ActionKind:    in.ActionKind,
		RecipientKind: in.RecipientKind,
		Content:       in.Content,
	}
	if step.RecipientKind == "" {
		step.RecipientKind = models.RecipientEntityContact
	}
	step.SetDelay(spec)
	return step, nil
}

// DripStepInput is the configuration API's shape for a campaign step.
type DripStepInput struct {
	DaysAfterStart int                  `json:"days_after_start" validate:"min=0"`
	ActionKind     models.ActionKind    `json:"action_kind" validate:"omitempty,oneof=EMAIL SMS DOCUMENT_SEND"`
	RecipientKind  models.RecipientKind `json:"recipient_kind" validate:"omitempty,oneof=ENTITY_CONTACT OWNING_USER"`
	Content        models.ContentRef    `json:"content"`
}

// BuildDripStep validates in and converts it to a campaign step row.
func BuildDripStep(in DripStepInput) (models.DripCampaignStep, error) {
	if in.DaysAfterStart < 0 {
		return models.DripCampaignStep{}, &delay.ConfigurationError{Field: "days_after_start", Reason: "must not be negative"}
	}
	step := models.DripCampaignStep{
		DaysAfterStart: in.DaysAfterStart,
		ActionKind:     in.ActionKind,
		RecipientKind:  in.RecipientKind,
		Content:        in.Content,
	}
	if step.ActionKind == "" {
		step.ActionKind = models.ActionEmail
	}
	if step.RecipientKind == "" {
		step.RecipientKind = models.RecipientEntityContact
	}
	if err := validateContent(step.ActionKind, step.Content); err != nil {
		return models.DripCampaignStep{}, err
	}
	return step, nil
}

func validateContent(kind models.ActionKind, c models.ContentRef) error {
	if c.IsEmpty() {
		return &delay.ConfigurationError{Field: "content", Reason: "a template_id or inline content is required"}
	}
	if kind == models.ActionDocumentSend && c.DocumentRef == "" {
		return &delay.ConfigurationError{Field: "content.document_ref", Reason: "required for DOCUMENT_SEND steps"}
	}
	// Template content is checked when it is rendered.
	if c.TemplateID != nil {
		return nil
	}
	switch kind {
	case models.ActionSMS:
		if strings.TrimSpace(c.Text) == "" {
			return &delay.ConfigurationError{Field: "content.text", Reason: "required for SMS steps"}
		}
	case models.ActionEmail:
		if strings.TrimSpace(c.Body) == "" && strings.TrimSpace(c.Text) == "" {
			return &delay.ConfigurationError{Field: "content.body", Reason: "an email needs a body or text"}
		}
	}
	return nil
}

// ValidateTrigger checks that a rule's trigger kind and target agree.
func ValidateTrigger(kind models.TriggerKind, target *uint) error {
	switch kind {
	case models.TriggerStageChange:
		return nil
	case models.TriggerSpecificStage:
		if target == nil || *target == 0 {
			return &delay.ConfigurationError{Field: "target_stage_id", Reason: "required for SPECIFIC_STAGE rules"}
		}
		return nil
	}
	return &delay.ConfigurationError{Field: "trigger_kind", Reason: "must be STAGE_CHANGE or SPECIFIC_STAGE"}
}

// ValidateSendTime checks a campaign's fixed send time.
func ValidateSendTime(policy models.SendTimePolicy, hour, minute int) error {
	switch policy {
	case "", models.SendAtEnrollmentTime:
		return nil
	case models.SendAtFixedTime:
		if hour < 0 || hour > 23 {
			return &delay.ConfigurationError{Field: "send_at_hour", Reason: "must be between 0 and 23"}
		}
		if minute < 0 || minute > 59 {
			return &delay.ConfigurationError{Field: "send_at_minute", Reason: "must be between 0 and 59"}
		}
		return nil
	}
	return &delay.ConfigurationError{Field: "send_time_policy", Reason: "must be ENROLLMENT_TIME or FIXED_TIME"}
}

// Reindex sorts steps by their current order and renumbers them 0..n-1 so
// order indices stay unique and contiguous. It returns the ids whose index
// changed.
func Reindex(steps []models.AutomationStep) []uint {
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].OrderIndex < steps[j].OrderIndex })
	var changed []uint
	for i := range steps {
		if steps[i].OrderIndex != i {
			steps[i].OrderIndex = i
			changed = append(changed, steps[i].ID)
		}
	}
	return changed
}

// ReindexDrip is Reindex for campaign steps.
func ReindexDrip(steps []models.DripCampaignStep) []uint {
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].OrderIndex < steps[j].OrderIndex })
	var changed []uint
	for i := range steps {
		if steps[i].OrderIndex != i {
			steps[i].OrderIndex = i
			changed = append(changed, steps[i].ID)
		}
	}
	return changed
}

// ApplyOrder sets order indices from an explicit id ordering. Every step must
// appear exactly once.
func ApplyOrder(steps []models.AutomationStep, order []uint) error {
	if len(order) != len(steps) {
		return &delay.ConfigurationError{Field: "order", Reason: "must list every step of the rule exactly once"}
	}
	pos := make(map[uint]int, len(order))
	for i, id := range order {
		if _, dup := pos[id]; dup {
			return &delay.ConfigurationError{Field: "order", Reason: "lists a step more than once"}
		}
		pos[id] = i
	}
	for i := range steps {
		p, ok := pos[steps[i].ID]
		if !ok {
			return &delay.ConfigurationError{Field: "order", Reason: "is missing a step of the rule"}
		}
		steps[i].OrderIndex = p
	}
	return nil
}
