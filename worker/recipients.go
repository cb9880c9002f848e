package worker

import (
	"context"
	"errors"
	"fmt"

	"thephotocrm/content"
	"thephotocrm/models"
	"thephotocrm/sender"

	"gorm.io/gorm"
)

// Delivery is everything the dispatcher needs to send one execution.
type Delivery struct {
	Recipient sender.Recipient
	Content   models.ContentRef
	Data      content.Data
}

// Resolver looks up the recipient and step content of an execution. It
// returns a *sender.PermanentError when either no longer exists.
type Resolver interface {
	Resolve(ctx context.Context, exec *models.ScheduledExecution) (Delivery, error)
}

// DBResolver resolves deliveries from the CRM tables.
type DBResolver struct {
	db *gorm.DB
}

func NewDBResolver(db *gorm.DB) *DBResolver {
	return &DBResolver{db: db}
}

func (r *DBResolver) Resolve(ctx context.Context, exec *models.ScheduledExecution) (Delivery, error) {
	var d Delivery
	db := r.db.WithContext(ctx)

	ref, err := r.stepContent(db, exec)
	if err != nil {
		return d, err
	}
	d.Content = ref

	var tenant models.Tenant
	if err := db.First(&tenant, exec.TenantID).Error; err != nil {
		return d, notFoundIsPermanent(err, "tenant %d", exec.TenantID)
	}
	d.Data.StudioName = tenant.Name
	d.Data.ProjectType = exec.ProjectType

	contact, ownerID, err := r.entityContact(db, exec)
	if err != nil {
		return d, err
	}
	d.Data.ContactName = contact.FullName()
	d.Data.FirstName = contact.FirstName

	owner := sender.Recipient{Name: tenant.Name, Email: tenant.OwnerEmail, Phone: tenant.OwnerPhone}
	if ownerID != nil {
		var user models.User
		err := db.Where("id = ? AND tenant_id = ? AND is_active = ?", *ownerID, exec.TenantID, true).First(&user).Error
		switch {
		case err == nil:
			owner = sender.Recipient{Name: user.DisplayName(), Email: user.Email, Phone: user.Phone}
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return d, fmt.Errorf("load owning user %d: %w", *ownerID, err)
		}
	}
	d.Data.OwnerName = owner.Name

	switch exec.RecipientKind {
	case models.RecipientOwningUser:
		d.Recipient = owner
	default:
		d.Recipient = sender.Recipient{Name: contact.FullName(), Email: contact.Email, Phone: contact.Phone}
	}
	return d, nil
}

func (r *DBResolver) stepContent(db *gorm.DB, exec *models.ScheduledExecution) (models.ContentRef, error) {
	switch exec.SourceKind {
	case models.SourceDrip:
		var step models.DripCampaignStep
		if err := db.Where("id = ? AND campaign_id = ?", exec.StepID, exec.SourceID).First(&step).Error; err != nil {
			return models.ContentRef{}, notFoundIsPermanent(err, "campaign step %d", exec.StepID)
		}
		return step.Content, nil
	default:
		var step models.AutomationStep
		if err := db.Where("id = ? AND rule_id = ?", exec.StepID, exec.SourceID).First(&step).Error; err != nil {
			return models.ContentRef{}, notFoundIsPermanent(err, "automation step %d", exec.StepID)
		}
		return step.Content, nil
	}
}

// entityContact returns the contact behind the execution's entity and the
// user who owns the entity, if any.
func (r *DBResolver) entityContact(db *gorm.DB, exec *models.ScheduledExecution) (models.Contact, *uint, error) {
	switch exec.EntityKind {
	case models.EntityProject:
		var project models.Project
		err := db.Preload("Contact").
			Where("id = ? AND tenant_id = ?", exec.EntityID, exec.TenantID).
			First(&project).Error
		if err != nil {
			return models.Contact{}, nil, notFoundIsPermanent(err, "project %d", exec.EntityID)
		}
		if project.Contact.ID == 0 {
			return models.Contact{}, nil, sender.Permanentf("project %d has no contact", project.ID)
		}
		owner := project.OwnerUserID
		if owner == nil {
			owner = project.Contact.OwnerUserID
		}
		return project.Contact, owner, nil
	default:
		var contact models.Contact
		err := db.Where("id = ? AND tenant_id = ?", exec.EntityID, exec.TenantID).First(&contact).Error
		if err != nil {
			return models.Contact{}, nil, notFoundIsPermanent(err, "contact %d", exec.EntityID)
		}
		return contact, contact.OwnerUserID, nil
	}
}

func notFoundIsPermanent(err error, format string, args ...interface{}) error {
	what := fmt.Sprintf(format, args...)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return sender.Permanentf("%s not found", what)
	}
	return fmt.Errorf("load %s: %w", what, err)
}
