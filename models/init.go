package models

import "gorm.io/gorm"

// All lists every model for migrations.
func All() []interface{} {
	return []interface{}{
		&Tenant{},
		&User{},
		&Stage{},
		&Contact{},
		&Project{},
		&StageTransition{},
		&Template{},
		&AutomationRule{},
		&AutomationStep{},
		&DripCampaign{},
		&DripCampaignStep{},
		&DripEnrollment{},
		&ScheduledExecution{},
	}
}

// CreateDefaultStages seeds the standard photography pipeline for a tenant
// that has no stages yet.
func CreateDefaultStages(db *gorm.DB, tenantID uint) ([]Stage, error) {
	defaultStages := []string{
		"Inquiry",
		"Consultation Booked",
		"Proposal Sent",
		"Booked",
		"Session Complete",
		"Gallery Delivered",
		"Review Requested",
	}

	var count int64
	if err := db.Model(&Stage{}).Where("tenant_id = ?", tenantID).Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		var stages []Stage
		err := db.Where("tenant_id = ?", tenantID).Order("order_index").Find(&stages).Error
		return stages, err
	}

	stages := make([]Stage, 0, len(defaultStages))
	for i, name := range defaultStages {
		stages = append(stages, Stage{TenantID: tenantID, Name: name, OrderIndex: i})
	}
	if err := db.Create(&stages).Error; err != nil {
		return nil, err
	}
	return stages, nil
}
