package models

import (
	"time"

	"gorm.io/gorm"
)

// Tenant is a studio/business account. Every scheduling query is scoped by it.
type Tenant struct {
	gorm.Model
	Name       string `gorm:"not null" json:"name"`
	Timezone   string `gorm:"default:'UTC'" json:"timezone"` // IANA name, drives calendar-day delays
	OwnerEmail string `json:"owner_email"`
	OwnerPhone string `json:"owner_phone"`
	IsActive   bool   `gorm:"default:true" json:"is_active"`

	Users []User `gorm:"foreignKey:TenantID" json:"users,omitempty"`
}

// Location returns the tenant's timezone, falling back to fallback when the
// stored name is empty or unknown.
func (t *Tenant) Location(fallback *time.Location) *time.Location {
	if t == nil || t.Timezone == "" {
		return fallback
	}
	loc, err := time.LoadLocation(t.Timezone)
	if err != nil {
		return fallback
	}
	return loc
}

// User is an operator of a tenant. Users are the OWNING_USER recipients.
type User struct {
	gorm.Model
	TenantID     uint    `gorm:"not null;index" json:"tenant_id"`
	Email        string  `gorm:"uniqueIndex;not null" json:"email"`
	Name         *string `json:"name,omitempty"`
	Phone        string  `json:"phone"`
	IsActive     bool    `gorm:"default:true" json:"is_active"`
	IsAdmin      bool    `gorm:"default:false" json:"is_admin"`
	TokenVersion int     `gorm:"default:0" json:"-"`

	Tenant Tenant `json:"-"`
}

// DisplayName returns the user's name or their email.
func (u *User) DisplayName() string {
	if u.Name != nil && *u.Name != "" {
		return *u.Name
	}
	return u.Email
}
