package models

import (
	"time"

	"gorm.io/gorm"
)

// SendTimePolicy decides the time of day every step of a campaign goes out.
type SendTimePolicy string

const (
	// SendAtEnrollmentTime reuses the enrollment's tenant-local time of day.
	SendAtEnrollmentTime SendTimePolicy = "ENROLLMENT_TIME"
	// SendAtFixedTime uses the campaign's SendAtHour:SendAtMinute.
	SendAtFixedTime SendTimePolicy = "FIXED_TIME"
)

// DripCampaign is a nurture sequence measured in days from enrollment.
type DripCampaign struct {
	gorm.Model
	TenantID       uint           `gorm:"not null;index" json:"tenant_id"`
	Name           string         `gorm:"not null" json:"name"`
	Description    string         `json:"description"`
	ProjectType    string         `json:"project_type"`
	Enabled        bool           `gorm:"not null" json:"enabled"`
	SendTimePolicy SendTimePolicy `gorm:"default:'ENROLLMENT_TIME'" json:"send_time_policy"`
	SendAtHour     int            `json:"send_at_hour"`
	SendAtMinute   int            `json:"send_at_minute"`

	Steps []DripCampaignStep `gorm:"foreignKey:CampaignID" json:"steps,omitempty"`
}

// DripCampaignStep sends one message DaysAfterStart days into the campaign.
type DripCampaignStep struct {
	gorm.Model
	CampaignID     uint          `gorm:"not null;index" json:"campaign_id"`
	DaysAfterStart int           `gorm:"not null" json:"days_after_start"`
	ActionKind     ActionKind    `gorm:"not null;default:'EMAIL'" json:"action_kind"`
	RecipientKind  RecipientKind `gorm:"not null;default:'ENTITY_CONTACT'" json:"recipient_kind"`
	OrderIndex     int           `gorm:"not null" json:"order_index"`

	Content ContentRef `gorm:"embedded;embeddedPrefix:content_" json:"content"`
}

// EnrollmentStatus is the lifecycle of a drip enrollment.
type EnrollmentStatus string

const (
	EnrollmentActive     EnrollmentStatus = "ACTIVE"
	EnrollmentCompleted  EnrollmentStatus = "COMPLETED"
	EnrollmentUnenrolled EnrollmentStatus = "UNENROLLED"
)

// DripEnrollment anchors a campaign timeline for one entity. At most one
// enrollment per campaign and entity is ACTIVE at a time.
type DripEnrollment struct {
	gorm.Model
	TenantID     uint             `gorm:"not null;index" json:"tenant_id"`
	CampaignID   uint             `gorm:"not null;index;uniqueIndex:idx_enrollment_active,where:status = 'ACTIVE'" json:"campaign_id"`
	EntityKind   EntityKind       `gorm:"not null;index:idx_enrollment_entity;uniqueIndex:idx_enrollment_active,where:status = 'ACTIVE'" json:"entity_kind"`
	EntityID     uint             `gorm:"not null;index:idx_enrollment_entity;uniqueIndex:idx_enrollment_active,where:status = 'ACTIVE'" json:"entity_id"`
	ProjectType  string           `json:"project_type"`
	EnrolledAt   time.Time        `gorm:"not null" json:"enrolled_at"`
	Status       EnrollmentStatus `gorm:"not null;default:'ACTIVE';index" json:"status"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
	UnenrolledAt *time.Time       `json:"unenrolled_at,omitempty"`

	Campaign DripCampaign `json:"-"`
}

// Entity returns the enrolled entity.
func (e *DripEnrollment) Entity() EntityRef {
	return EntityRef{Kind: e.EntityKind, ID: e.EntityID, ProjectType: e.ProjectType}
}
