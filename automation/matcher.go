package automation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"thephotocrm/delay"
	"thephotocrm/models"
	"thephotocrm/store"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Report summarizes one scheduling pass.
type Report struct {
	Scheduled int `json:"scheduled"`
	// Skipped counts dedup collisions: work that was already scheduled.
	Skipped int `json:"skipped"`
	Rules   int `json:"rules_matched"`
}

func (r *Report) add(inserted bool) {
	if inserted {
		r.Scheduled++
	} else {
		r.Skipped++
	}
}

// Matcher schedules the steps of every rule a trigger fires.
type Matcher struct {
	db         *gorm.DB
	store      *store.ScheduleStore
	defaultLoc *time.Location
	log        *logrus.Entry
}

func NewMatcher(db *gorm.DB, schedules *store.ScheduleStore, defaultLoc *time.Location, log *logrus.Entry) *Matcher {
	if defaultLoc == nil {
		defaultLoc = time.UTC
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Matcher{db: db, store: schedules, defaultLoc: defaultLoc, log: log.WithField("component", "matcher")}
}

// Match inserts one execution per step of each enabled rule that the trigger
// fires. Running it again for the same trigger only produces dedup skips.
func (m *Matcher) Match(ctx context.Context, trig Trigger) (Report, error) {
	var report Report
	tr := trig.Transition

	loc, err := tenantLocation(ctx, m.db, tr.TenantID, m.defaultLoc)
	if err != nil {
		return report, err
	}

	var rules []models.AutomationRule
	err = m.db.WithContext(ctx).
		Where("tenant_id = ? AND enabled = ?", tr.TenantID, true).
		Preload("Steps", func(db *gorm.DB) *gorm.DB { return db.Order("order_index ASC") }).
		Order("id ASC").
		Find(&rules).Error
	if err != nil {
		return report, fmt.Errorf("load automation rules: %w", err)
	}

	for i := range rules {
		rule := &rules[i]
		if !rule.Matches(tr.ToStageID, tr.ProjectType) {
			continue
		}
		report.Rules++

		for j := range rule.Steps {
			step := &rule.Steps[j]
			spec, err := step.Delay()
			if err != nil {
				// Steps are validated on write; a bad row here is skipped, not fatal.
				m.log.WithError(err).WithFields(logrus.Fields{
					"rule_id": rule.ID,
					"step_id": step.ID,
				}).Error("stored step has an invalid delay")
				continue
			}

			stage := tr.ToStageID
			exec := &models.ScheduledExecution{
				TenantID:       tr.TenantID,
				EntityKind:     tr.EntityKind,
				EntityID:       tr.EntityID,
				ProjectType:    tr.ProjectType,
				SourceKind:     models.SourceAutomation,
				SourceID:       rule.ID,
				StepID:         step.ID,
				OccurrenceKey:  trig.OccurrenceKey(),
				TriggerStageID: &stage,
				ActionKind:     step.ActionKind,
				RecipientKind:  step.RecipientKind,
				DueAt:          delay.Resolve(tr.OccurredAt, loc, spec),
			}
			inserted, err := m.store.Insert(ctx, exec)
			if err != nil {
				return report, err
			}
			report.add(inserted)
		}
	}

	m.log.WithFields(logrus.Fields{
		"tenant_id":     tr.TenantID,
		"transition_id": tr.ID,
		"rules":         report.Rules,
		"scheduled":     report.Scheduled,
		"skipped":       report.Skipped,
	}).Info("automation rules matched")
	return report, nil
}

func tenantLocation(ctx context.Context, db *gorm.DB, tenantID uint, fallback *time.Location) (*time.Location, error) {
	var tenant models.Tenant
	err := db.WithContext(ctx).Select("id", "timezone").First(&tenant, tenantID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTenantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load tenant %d: %w", tenantID, err)
	}
	return tenant.Location(fallback), nil
}
