package models

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ExecutionStatus is the lifecycle of a scheduled execution.
type ExecutionStatus string

const (
	StatusPending    ExecutionStatus = "PENDING"
	StatusInProgress ExecutionStatus = "IN_PROGRESS"
	StatusSent       ExecutionStatus = "SENT"
	StatusFailed     ExecutionStatus = "FAILED"
	StatusCanceled   ExecutionStatus = "CANCELED"
)

// IsTerminal reports whether no further transition is allowed.
func (s ExecutionStatus) IsTerminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusCanceled
}

// SourceKind tells whether an execution came from a rule or a drip campaign.
type SourceKind string

const (
	SourceAutomation SourceKind = "AUTOMATION"
	SourceDrip       SourceKind = "DRIP"
)

// TransitionOccurrence keys executions created for a stage transition.
func TransitionOccurrence(transitionID uint) string {
	return fmt.Sprintf("tr:%d", transitionID)
}

// EnrollmentOccurrence keys executions created for a drip enrollment.
func EnrollmentOccurrence(enrollmentID uint) string {
	return fmt.Sprintf("en:%d", enrollmentID)
}

// ScheduledExecution is one durable, due-dated send. The idx_execution_dedup
// unique index prevents the same trigger occurrence scheduling a step twice.
type ScheduledExecution struct {
	gorm.Model
	TenantID      uint       `gorm:"not null;index" json:"tenant_id"`
	EntityKind    EntityKind `gorm:"not null;uniqueIndex:idx_execution_dedup" json:"entity_kind"`
	EntityID      uint       `gorm:"not null;uniqueIndex:idx_execution_dedup;index" json:"entity_id"`
	SourceKind    SourceKind `gorm:"not null;uniqueIndex:idx_execution_dedup" json:"source_kind"`
	SourceID      uint       `gorm:"not null;uniqueIndex:idx_execution_dedup;index" json:"source_id"`
	StepID        uint       `gorm:"not null;uniqueIndex:idx_execution_dedup;index" json:"step_id"`
	OccurrenceKey string     `gorm:"not null;uniqueIndex:idx_execution_dedup" json:"occurrence_key"`
	ProjectType   string     `json:"project_type"`

	EnrollmentID   *uint         `gorm:"index" json:"enrollment_id,omitempty"`
	TriggerStageID *uint         `json:"trigger_stage_id,omitempty"`
	ActionKind     ActionKind    `gorm:"not null" json:"action_kind"`
	RecipientKind  RecipientKind `gorm:"not null" json:"recipient_kind"`

	Status       ExecutionStatus `gorm:"not null;default:'PENDING';index:idx_execution_due" json:"status"`
	DueAt        time.Time       `gorm:"not null;index:idx_execution_due" json:"due_at"`
	AttemptCount int             `gorm:"default:0" json:"attempt_count"`
	LastError    *string         `gorm:"type:text" json:"last_error,omitempty"`

	ClaimedAt  *time.Time `json:"claimed_at,omitempty"`
	ClaimedBy  string     `json:"claimed_by,omitempty"`
	ClaimToken string     `json:"-"`

	SentAt            *time.Time `json:"sent_at,omitempty"`
	ProviderMessageID string     `json:"provider_message_id,omitempty"`
	CanceledAt        *time.Time `json:"canceled_at,omitempty"`
	CanceledReason    string     `json:"canceled_reason,omitempty"`
}

// Entity returns the execution's target entity.
func (e *ScheduledExecution) Entity() EntityRef {
	return EntityRef{Kind: e.EntityKind, ID: e.EntityID, ProjectType: e.ProjectType}
}
