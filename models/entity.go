package models

import (
	"time"

	"gorm.io/gorm"
)

// EntityKind is the kind of pipeline record a trigger refers to.
type EntityKind string

const (
	EntityContact EntityKind = "CONTACT"
	EntityProject EntityKind = "PROJECT"
)

// EntityRef is the normalized identity of a pipeline entity. It is resolved
// once at the API boundary and carried unchanged through the engine.
type EntityRef struct {
	Kind        EntityKind `json:"kind" validate:"required,oneof=CONTACT PROJECT"`
	ID          uint       `json:"id" validate:"required"`
	ProjectType string     `json:"project_type"`
}

// Contact is a person a tenant communicates with.
type Contact struct {
	gorm.Model
	TenantID    uint   `gorm:"not null;index" json:"tenant_id"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	Email       string `gorm:"index" json:"email"`
	Phone       string `json:"phone"`
	OwnerUserID *uint  `json:"owner_user_id,omitempty"`
	StageID     *uint  `json:"stage_id,omitempty"`
}

// FullName joins first and last name.
func (c *Contact) FullName() string {
	switch {
	case c.FirstName == "":
		return c.LastName
	case c.LastName == "":
		return c.FirstName
	}
	return c.FirstName + " " + c.LastName
}

// Project is a job (wedding, portrait session, ...) for a contact.
type Project struct {
	gorm.Model
	TenantID    uint   `gorm:"not null;index" json:"tenant_id"`
	ContactID   uint   `gorm:"not null;index" json:"contact_id"`
	Title       string `json:"title"`
	ProjectType string `gorm:"index" json:"project_type"` // WEDDING, PORTRAIT, EVENT, ...
	StageID     *uint  `json:"stage_id,omitempty"`
	OwnerUserID *uint  `json:"owner_user_id,omitempty"`

	Contact Contact `json:"-"`
}

// Stage is one column of a tenant's pipeline.
type Stage struct {
	gorm.Model
	TenantID   uint   `gorm:"not null;index" json:"tenant_id"`
	Name       string `gorm:"not null" json:"name"`
	OrderIndex int    `gorm:"not null" json:"order_index"`
}

// StageTransition records one physical stage change of an entity. Its ID is
// the occurrence id that keys scheduled work for the transition.
type StageTransition struct {
	gorm.Model
	TenantID    uint       `gorm:"not null;uniqueIndex:idx_transition_dedup" json:"tenant_id"`
	EntityKind  EntityKind `gorm:"not null;uniqueIndex:idx_transition_dedup" json:"entity_kind"`
	EntityID    uint       `gorm:"not null;uniqueIndex:idx_transition_dedup" json:"entity_id"`
	DedupKey    string     `gorm:"not null;uniqueIndex:idx_transition_dedup" json:"dedup_key"`
	ProjectType string     `json:"project_type"`
	FromStageID *uint      `json:"from_stage_id,omitempty"`
	ToStageID   uint       `gorm:"not null" json:"to_stage_id"`
	Sequence    uint64     `json:"sequence"`
	OccurredAt  time.Time  `gorm:"not null" json:"occurred_at"`
}

// Entity returns the normalized identity the transition belongs to.
func (t *StageTransition) Entity() EntityRef {
	return EntityRef{Kind: t.EntityKind, ID: t.EntityID, ProjectType: t.ProjectType}
}
