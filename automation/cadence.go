package automation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"thephotocrm/delay"
	"thephotocrm/models"
	"thephotocrm/store"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// DueStep is one dated send on a campaign timeline.
type DueStep struct {
	StepID         uint      `json:"step_id"`
	DaysAfterStart int       `json:"days_after_start"`
	DueAt          time.Time `json:"due_at"`
}

// Timeline computes when every step of campaign fires for an enrollment at
// enrolledAt. Dates are calendar days in loc; every step shares one time of
// day chosen by the campaign's send-time policy.
func Timeline(campaign *models.DripCampaign, enrolledAt time.Time, loc *time.Location) []DueStep {
	if loc == nil {
		loc = time.UTC
	}
	hour, minute := campaignSendTime(campaign, enrolledAt.In(loc))

	steps := append([]models.DripCampaignStep(nil), campaign.Steps...)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].OrderIndex < steps[j].OrderIndex })

	out := make([]DueStep, 0, len(steps))
	for _, step := range steps {
		out = append(out, DueStep{
			StepID:         step.ID,
			DaysAfterStart: step.DaysAfterStart,
			DueAt:          delay.AddCalendarDays(enrolledAt, loc, step.DaysAfterStart, hour, minute),
		})
	}
	return out
}

func campaignSendTime(c *models.DripCampaign, localEnrollment time.Time) (int, int) {
	if c.SendTimePolicy == models.SendAtFixedTime {
		return c.SendAtHour, c.SendAtMinute
	}
	return localEnrollment.Hour(), localEnrollment.Minute()
}

// Cadence enrolls entities in drip campaigns and lays out their timelines.
type Cadence struct {
	db         *gorm.DB
	store      *store.ScheduleStore
	defaultLoc *time.Location
	log        *logrus.Entry
}

func NewCadence(db *gorm.DB, schedules *store.ScheduleStore, defaultLoc *time.Location, log *logrus.Entry) *Cadence {
	if defaultLoc == nil {
		defaultLoc = time.UTC
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Cadence{db: db, store: schedules, defaultLoc: defaultLoc, log: log.WithField("component", "cadence")}
}

// Enroll starts entity on campaign at enrolledAt and schedules every step.
// An entity can hold one ACTIVE enrollment per campaign.
func (c *Cadence) Enroll(ctx context.Context, tenantID, campaignID uint, entity models.EntityRef, enrolledAt time.Time) (*models.DripEnrollment, Report, error) {
	var report Report

	campaign, err := c.loadCampaign(ctx, tenantID, campaignID)
	if err != nil {
		return nil, report, err
	}
	if !campaign.Enabled {
		return nil, report, ErrCampaignDisabled
	}
	if campaign.ProjectType != "" && campaign.ProjectType != entity.ProjectType {
		return nil, report, ErrProjectTypeMismatch
	}

	loc, err := tenantLocation(ctx, c.db, tenantID, c.defaultLoc)
	if err != nil {
		return nil, report, err
	}

	enrollment := &models.DripEnrollment{
		TenantID:    tenantID,
		CampaignID:  campaign.ID,
		EntityKind:  entity.Kind,
		EntityID:    entity.ID,
		ProjectType: entity.ProjectType,
		EnrolledAt:  enrolledAt.UTC(),
		Status:      models.EnrollmentActive,
	}

	err = c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(enrollment).Error; err != nil {
			if isUniqueViolation(err) {
				return ErrAlreadyEnrolled
			}
			return fmt.Errorf("create enrollment: %w", err)
		}

		schedules := c.store.WithTx(tx)
		steps := make(map[uint]*models.DripCampaignStep, len(campaign.Steps))
		for i := range campaign.Steps {
			steps[campaign.Steps[i].ID] = &campaign.Steps[i]
		}
		for _, due := range Timeline(campaign, enrolledAt, loc) {
			step := steps[due.StepID]
			enrollmentID := enrollment.ID
			inserted, err := schedules.Insert(ctx, &models.ScheduledExecution{
				TenantID:      tenantID,
				EntityKind:    entity.Kind,
				EntityID:      entity.ID,
				ProjectType:   entity.ProjectType,
				SourceKind:    models.SourceDrip,
				SourceID:      campaign.ID,
				StepID:        step.ID,
				OccurrenceKey: models.EnrollmentOccurrence(enrollment.ID),
				EnrollmentID:  &enrollmentID,
				ActionKind:    step.ActionKind,
				RecipientKind: step.RecipientKind,
				DueAt:         due.DueAt,
			})
			if err != nil {
				return err
			}
			report.add(inserted)
		}
		return nil
	})
	if err != nil {
		return nil, Report{}, err
	}

	c.log.WithFields(logrus.Fields{
		"tenant_id":     tenantID,
		"campaign_id":   campaign.ID,
		"enrollment_id": enrollment.ID,
		"entity":        entity.Kind,
		"entity_id":     entity.ID,
		"scheduled":     report.Scheduled,
	}).Info("entity enrolled in drip campaign")
	return enrollment, report, nil
}

// Unenroll stops an enrollment and cancels its pending sends. Unenrolling an
// enrollment that is no longer ACTIVE changes nothing.
func (c *Cadence) Unenroll(ctx context.Context, tenantID, enrollmentID uint, now time.Time) (int64, error) {
	var enrollment models.DripEnrollment
	err := c.db.WithContext(ctx).Where("id = ? AND tenant_id = ?", enrollmentID, tenantID).First(&enrollment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, ErrEnrollmentNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("load enrollment %d: %w", enrollmentID, err)
	}

	var canceled int64
	err = c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if enrollment.Status == models.EnrollmentActive {
			if err := tx.Model(&models.DripEnrollment{}).
				Where("id = ? AND status = ?", enrollment.ID, models.EnrollmentActive).
				Updates(map[string]interface{}{
					"status":        models.EnrollmentUnenrolled,
					"unenrolled_at": now.UTC(),
				}).Error; err != nil {
				return fmt.Errorf("unenroll %d: %w", enrollment.ID, err)
			}
		}
		n, err := c.store.WithTx(tx).CancelPending(ctx, store.CancelFilter{
			TenantID:     tenantID,
			SourceKind:   models.SourceDrip,
			EnrollmentID: enrollment.ID,
			Reason:       string(EntityUnenrolled),
		}, now)
		canceled = n
		return err
	})
	if err != nil {
		return 0, err
	}
	return canceled, nil
}

func (c *Cadence) loadCampaign(ctx context.Context, tenantID, campaignID uint) (*models.DripCampaign, error) {
	var campaign models.DripCampaign
	err := c.db.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", campaignID, tenantID).
		Preload("Steps", func(db *gorm.DB) *gorm.DB { return db.Order("order_index ASC") }).
		First(&campaign).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCampaignNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load campaign %d: %w", campaignID, err)
	}
	return &campaign, nil
}

// isUniqueViolation reports whether err came from a unique index, on either
// postgres (SQLSTATE 23505) or sqlite.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLSTATE 23505") || strings.Contains(msg, "UNIQUE constraint failed")
}
