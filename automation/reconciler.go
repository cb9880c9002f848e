package automation

import (
	"context"
	"fmt"
	"time"

	"thephotocrm/models"
	"thephotocrm/store"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Reconciler cancels pending executions that a stage exit or a configuration
// change has invalidated. Every operation is idempotent.
type Reconciler struct {
	db    *gorm.DB
	store *store.ScheduleStore
	log   *logrus.Entry
}

func NewReconciler(db *gorm.DB, schedules *store.ScheduleStore, log *logrus.Entry) *Reconciler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Reconciler{db: db, store: schedules, log: log.WithField("component", "reconciler")}
}

// OnStageChange cancels the entity's pending steps from SPECIFIC_STAGE rules
// that opted into cancel-on-exit, when the entity has now moved to a stage
// other than the one that fired them.
func (r *Reconciler) OnStageChange(ctx context.Context, ev StageChange, now time.Time) (int64, error) {
	var ruleIDs []uint
	err := r.db.WithContext(ctx).
		Model(&models.AutomationRule{}).
		Where("tenant_id = ? AND trigger_kind = ? AND cancel_on_stage_exit = ?",
			ev.TenantID, models.TriggerSpecificStage, true).
		Pluck("id", &ruleIDs).Error
	if err != nil {
		return 0, fmt.Errorf("load cancel-on-exit rules: %w", err)
	}
	if len(ruleIDs) == 0 {
		return 0, nil
	}

	entity := ev.Entity
	toStage := ev.ToStageID
	n, err := r.store.CancelPending(ctx, store.CancelFilter{
		TenantID:           ev.TenantID,
		SourceKind:         models.SourceAutomation,
		SourceIDs:          ruleIDs,
		Entity:             &entity,
		ExceptTriggerStage: &toStage,
		Reason:             "entity left triggering stage",
	}, now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.log.WithFields(logrus.Fields{
			"tenant_id": ev.TenantID,
			"entity":    entity.Kind,
			"entity_id": entity.ID,
			"to_stage":  toStage,
			"canceled":  n,
		}).Info("canceled steps after stage exit")
	}
	return n, nil
}

// Handle cancels the pending executions a configuration change invalidates.
func (r *Reconciler) Handle(ctx context.Context, change ConfigChange, now time.Time) (int64, error) {
	f := store.CancelFilter{TenantID: change.TenantID, Reason: string(change.Kind)}

	switch change.Kind {
	case RuleDisabled, RuleDeleted:
		f.SourceKind = models.SourceAutomation
		f.SourceIDs = []uint{change.ID}
	case StepDeleted:
		f.SourceKind = models.SourceAutomation
		f.StepID = change.ID
	case CampaignDisabled, CampaignDeleted:
		f.SourceKind = models.SourceDrip
		f.SourceIDs = []uint{change.ID}
		if err := r.endEnrollments(ctx, change, now); err != nil {
			return 0, err
		}
	case CampaignStepDeleted:
		f.SourceKind = models.SourceDrip
		f.StepID = change.ID
	case EntityUnenrolled:
		f.SourceKind = models.SourceDrip
		f.EnrollmentID = change.ID
	default:
		return 0, fmt.Errorf("unknown configuration change %q", change.Kind)
	}

	n, err := r.store.CancelPending(ctx, f, now)
	if err != nil {
		return 0, err
	}
	r.log.WithFields(logrus.Fields{
		"tenant_id": change.TenantID,
		"change":    change.Kind,
		"id":        change.ID,
		"canceled":  n,
	}).Info("reconciled configuration change")
	return n, nil
}

// endEnrollments takes the campaign's ACTIVE enrollments to UNENROLLED.
func (r *Reconciler) endEnrollments(ctx context.Context, change ConfigChange, now time.Time) error {
	err := r.db.WithContext(ctx).
		Model(&models.DripEnrollment{}).
		Where("tenant_id = ? AND campaign_id = ? AND status = ?", change.TenantID, change.ID, models.EnrollmentActive).
		Updates(map[string]interface{}{
			"status":        models.EnrollmentUnenrolled,
			"unenrolled_at": now.UTC(),
		}).Error
	if err != nil {
		return fmt.Errorf("end enrollments of campaign %d: %w", change.ID, err)
	}
	return nil
}

// WithTx returns a reconciler whose reads and cancellations run in tx, so a
// configuration mutation and its cancellations commit together.
func (r *Reconciler) WithTx(tx *gorm.DB) *Reconciler {
	return &Reconciler{db: tx, store: r.store.WithTx(tx), log: r.log}
}
