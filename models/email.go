package models

import "gorm.io/gorm"

// Template is reusable message content for automation and drip steps.
type Template struct {
	gorm.Model
	TenantID uint `gorm:"not null;index" json:"tenant_id"`

	Name        string `gorm:"not null" json:"name"`
	Subject     string `json:"subject"`
	HTMLContent string `gorm:"type:text" json:"html_content"`
	TextContent string `gorm:"type:text" json:"text_content"`

	// Category
	Category string `json:"category"` // inquiry, booking, gallery, review, ...
}
