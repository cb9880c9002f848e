package automation

import (
	"time"

	"thephotocrm/models"
)

// StageChange is the entity store's notification that an entity moved
// between pipeline stages. Delivery is at-least-once.
type StageChange struct {
	TenantID    uint             `json:"tenant_id"`
	Entity      models.EntityRef `json:"entity" validate:"required"`
	FromStageID *uint            `json:"from_stage_id,omitempty"`
	ToStageID   uint             `json:"to_stage_id" validate:"required"`
	OccurredAt  time.Time        `json:"occurred_at" validate:"required"`
	// Sequence is the entity store's per-entity transition counter. When
	// zero, a key is derived from the transition's own fields.
	Sequence uint64 `json:"sequence,omitempty"`
}

// IsTransition reports whether the entity actually changed stage.
func (e StageChange) IsTransition() bool {
	return e.FromStageID == nil || *e.FromStageID != e.ToStageID
}

// ConfigChangeKind names a configuration mutation that can invalidate
// scheduled work.
type ConfigChangeKind string

const (
	RuleDisabled        ConfigChangeKind = "rule_disabled"
	RuleDeleted         ConfigChangeKind = "rule_deleted"
	StepDeleted         ConfigChangeKind = "step_deleted"
	CampaignDisabled    ConfigChangeKind = "campaign_disabled"
	CampaignDeleted     ConfigChangeKind = "campaign_deleted"
	CampaignStepDeleted ConfigChangeKind = "campaign_step_deleted"
	EntityUnenrolled    ConfigChangeKind = "entity_unenrolled"
)

// ConfigChange is passed from configuration mutations to the Reconciler.
type ConfigChange struct {
	Kind     ConfigChangeKind
	TenantID uint
	// ID is the rule, step, campaign, campaign step or enrollment id,
	// according to Kind.
	ID uint
}
