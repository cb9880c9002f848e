package models

import (
	"thephotocrm/delay"

	"gorm.io/gorm"
)

// TriggerKind selects which stage transitions fire a rule.
type TriggerKind string

const (
	TriggerStageChange   TriggerKind = "STAGE_CHANGE"
	TriggerSpecificStage TriggerKind = "SPECIFIC_STAGE"
)

// ActionKind is what a step does when it comes due.
type ActionKind string

const (
	ActionEmail        ActionKind = "EMAIL"
	ActionSMS          ActionKind = "SMS"
	ActionDocumentSend ActionKind = "DOCUMENT_SEND"
)

// RecipientKind selects who receives a step's message.
type RecipientKind string

const (
	RecipientEntityContact RecipientKind = "ENTITY_CONTACT"
	RecipientOwningUser    RecipientKind = "OWNING_USER"
)

// ContentRef points at the content a step sends: a stored template, inline
// content, or (for document sends) a document reference.
type ContentRef struct {
	TemplateID  *uint  `json:"template_id,omitempty"`
	Subject     string `json:"subject,omitempty"`
	Body        string `gorm:"type:text" json:"body,omitempty"`
	Text        string `gorm:"type:text" json:"text,omitempty"`
	DocumentRef string `json:"document_ref,omitempty"`
}

// IsEmpty reports whether the reference carries no content at all.
func (c ContentRef) IsEmpty() bool {
	return c.TemplateID == nil && c.Subject == "" && c.Body == "" && c.Text == "" && c.DocumentRef == ""
}

// AutomationRule is "when this stage transition happens, run these steps".
type AutomationRule struct {
	gorm.Model
	TenantID          uint        `gorm:"not null;index" json:"tenant_id"`
	Name              string      `gorm:"not null" json:"name"`
	TriggerKind       TriggerKind `gorm:"not null" json:"trigger_kind"`
	TargetStageID     *uint       `json:"target_stage_id,omitempty"`
	ProjectType       string      `json:"project_type"` // empty matches every project type
	Enabled           bool        `gorm:"not null" json:"enabled"`
	CancelOnStageExit bool        `gorm:"default:false" json:"cancel_on_stage_exit"`

	Steps []AutomationStep `gorm:"foreignKey:RuleID" json:"steps,omitempty"`
}

// Matches reports whether a transition to toStage for projectType fires the rule.
func (r *AutomationRule) Matches(toStage uint, projectType string) bool {
	if !r.Enabled {
		return false
	}
	if r.ProjectType != "" && r.ProjectType != projectType {
		return false
	}
	switch r.TriggerKind {
	case TriggerStageChange:
		return true
	case TriggerSpecificStage:
		return r.TargetStageID != nil && *r.TargetStageID == toStage
	}
	return false
}

// AutomationStep is one delayed action of a rule.
type AutomationStep struct {
	gorm.Model
	RuleID        uint          `gorm:"not null;index" json:"rule_id"`
	ActionKind    ActionKind    `gorm:"not null" json:"action_kind"`
	RecipientKind RecipientKind `gorm:"not null;default:'ENTITY_CONTACT'" json:"recipient_kind"`
	OrderIndex    int           `gorm:"not null" json:"order_index"`

	DelayKind    delay.Kind `gorm:"not null;default:'IMMEDIATE'" json:"delay_kind"`
	DelayDays    int        `gorm:"default:0" json:"delay_days"`
	DelayHours   int        `gorm:"default:0" json:"delay_hours"`
	DelayMinutes int        `gorm:"default:0" json:"delay_minutes"`
	SendAtHour   *int       `json:"send_at_hour,omitempty"`
	SendAtMinute *int       `json:"send_at_minute,omitempty"`

	Content ContentRef `gorm:"embedded;embeddedPrefix:content_" json:"content"`
}

// Delay decodes the stored delay columns into a validated spec.
func (s *AutomationStep) Delay() (delay.Spec, error) {
	return delay.FromFields(delay.Fields{
		Days:         s.DelayDays,
		Hours:        s.DelayHours,
		Minutes:      s.DelayMinutes,
		SendAtHour:   s.SendAtHour,
		SendAtMinute: s.SendAtMinute,
	})
}

// SetDelay stores spec on the step's delay columns.
func (s *AutomationStep) SetDelay(spec delay.Spec) {
	f := spec.Fields()
	s.DelayKind = spec.Kind()
	s.DelayDays = f.Days
	s.DelayHours = f.Hours
	s.DelayMinutes = f.Minutes
	s.SendAtHour = f.SendAtHour
	s.SendAtMinute = f.SendAtMinute
}
