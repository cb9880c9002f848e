// Package store holds the durable table of scheduled executions.
//
// Two database constraints carry all of the engine's concurrency guarantees:
// the idx_execution_dedup unique index makes scheduling idempotent, and every
// status change is a conditional UPDATE so that only one worker can own a row.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"thephotocrm/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound is returned when an execution does not exist for the tenant.
var ErrNotFound = errors.New("scheduled execution not found")

// ErrClaimLost is returned when a finalizing update finds the row no longer
// held by the caller's claim (it was reclaimed as stale).
var ErrClaimLost = errors.New("execution claim lost")

type ScheduleStore struct {
	db *gorm.DB
}

func NewScheduleStore(db *gorm.DB) *ScheduleStore {
	return &ScheduleStore{db: db}
}

// WithTx returns a store bound to tx.
func (s *ScheduleStore) WithTx(tx *gorm.DB) *ScheduleStore {
	return &ScheduleStore{db: tx}
}

// Insert schedules exec. It returns false, without error, when an execution
// with the same dedup key already exists.
func (s *ScheduleStore) Insert(ctx context.Context, exec *models.ScheduledExecution) (bool, error) {
	if exec.Status == "" {
		exec.Status = models.StatusPending
	}
	exec.DueAt = exec.DueAt.UTC()

	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(exec)
	if result.Error != nil {
		return false, fmt.Errorf("insert scheduled execution: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// Due returns up to limit pending executions due at or before now, oldest
// first, leaving out the tenants in skipTenants.
func (s *ScheduleStore) Due(ctx context.Context, now time.Time, limit int, skipTenants ...uint) ([]models.ScheduledExecution, error) {
	var execs []models.ScheduledExecution
	q := s.db.WithContext(ctx).
		Where("status = ? AND due_at <= ?", models.StatusPending, now.UTC())
	if len(skipTenants) > 0 {
		q = q.Where("tenant_id NOT IN ?", skipTenants)
	}
	err := q.Order("due_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&execs).Error
	if err != nil {
		return nil, fmt.Errorf("select due executions: %w", err)
	}
	return execs, nil
}

// Claim moves exec from PENDING to IN_PROGRESS and counts the attempt. It
// returns false when another worker got there first. On success exec is
// updated in place with the claim.
func (s *ScheduleStore) Claim(ctx context.Context, exec *models.ScheduledExecution, workerID string, now time.Time) (bool, error) {
	token := uuid.New().String()
	claimedAt := now.UTC()

	result := s.db.WithContext(ctx).
		Model(&models.ScheduledExecution{}).
		Where("id = ? AND tenant_id = ? AND status = ?", exec.ID, exec.TenantID, models.StatusPending).
		Updates(map[string]interface{}{
			"status":        models.StatusInProgress,
			"attempt_count": gorm.Expr("attempt_count + ?", 1),
			"claimed_at":    claimedAt,
			"claimed_by":    workerID,
			"claim_token":   token,
		})
	if result.Error != nil {
		return false, fmt.Errorf("claim execution %d: %w", exec.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return false, nil
	}

	exec.Status = models.StatusInProgress
	exec.AttemptCount++
	exec.ClaimedAt = &claimedAt
	exec.ClaimedBy = workerID
	exec.ClaimToken = token
	return true, nil
}

// MarkSent records a successful delivery.
func (s *ScheduleStore) MarkSent(ctx context.Context, exec *models.ScheduledExecution, messageID string, now time.Time) error {
	sentAt := now.UTC()
	if err := s.finish(ctx, exec, map[string]interface{}{
		"status":              models.StatusSent,
		"sent_at":             sentAt,
		"provider_message_id": messageID,
		"last_error":          nil,
	}); err != nil {
		return err
	}
	exec.Status = models.StatusSent
	exec.SentAt = &sentAt
	exec.ProviderMessageID = messageID
	exec.LastError = nil
	return nil
}

// Reschedule returns a failed attempt to PENDING with a new due instant.
func (s *ScheduleStore) Reschedule(ctx context.Context, exec *models.ScheduledExecution, dueAt time.Time, lastErr string) error {
	dueAt = dueAt.UTC()
	if err := s.finish(ctx, exec, map[string]interface{}{
		"status":      models.StatusPending,
		"due_at":      dueAt,
		"last_error":  lastErr,
		"claimed_at":  nil,
		"claimed_by":  "",
		"claim_token": "",
	}); err != nil {
		return err
	}
	exec.Status = models.StatusPending
	exec.DueAt = dueAt
	exec.LastError = &lastErr
	exec.ClaimedAt = nil
	exec.ClaimedBy = ""
	exec.ClaimToken = ""
	return nil
}

// MarkFailed records a terminal failure.
func (s *ScheduleStore) MarkFailed(ctx context.Context, exec *models.ScheduledExecution, lastErr string) error {
	if err := s.finish(ctx, exec, map[string]interface{}{
		"status":     models.StatusFailed,
		"last_error": lastErr,
	}); err != nil {
		return err
	}
	exec.Status = models.StatusFailed
	exec.LastError = &lastErr
	return nil
}

// finish applies a transition out of IN_PROGRESS, guarded by the claim token.
func (s *ScheduleStore) finish(ctx context.Context, exec *models.ScheduledExecution, updates map[string]interface{}) error {
	result := s.db.WithContext(ctx).
		Model(&models.ScheduledExecution{}).
		Where("id = ? AND tenant_id = ? AND status = ? AND claim_token = ?",
			exec.ID, exec.TenantID, models.StatusInProgress, exec.ClaimToken).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("update execution %d: %w", exec.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrClaimLost
	}
	return nil
}

// Stale returns claimed executions whose claim is older than cutoff.
func (s *ScheduleStore) Stale(ctx context.Context, cutoff time.Time, limit int) ([]models.ScheduledExecution, error) {
	var execs []models.ScheduledExecution
	err := s.db.WithContext(ctx).
		Where("status = ? AND claimed_at < ?", models.StatusInProgress, cutoff.UTC()).
		Order("claimed_at ASC").
		Limit(limit).
		Find(&execs).Error
	if err != nil {
		return nil, fmt.Errorf("select stale executions: %w", err)
	}
	return execs, nil
}

// CancelFilter selects the pending executions to cancel. TenantID is required;
// zero-valued fields are not filtered on.
type CancelFilter struct {
	TenantID     uint
	SourceKind   models.SourceKind
	SourceIDs    []uint
	StepID       uint
	EnrollmentID uint
	Entity       *models.EntityRef
	// ExceptTriggerStage keeps rows fired by this stage.
	ExceptTriggerStage *uint
	Reason             string
}

// CancelPending moves matching PENDING executions to CANCELED and returns how
// many changed. Rows already in a terminal state or in flight are untouched.
func (s *ScheduleStore) CancelPending(ctx context.Context, f CancelFilter, now time.Time) (int64, error) {
	if f.TenantID == 0 {
		return 0, errors.New("cancel pending: tenant id is required")
	}

	q := s.db.WithContext(ctx).
		Model(&models.ScheduledExecution{}).
		Where("tenant_id = ? AND status = ?", f.TenantID, models.StatusPending)
	if f.SourceKind != "" {
		q = q.Where("source_kind = ?", f.SourceKind)
	}
	if f.SourceIDs != nil {
		if len(f.SourceIDs) == 0 {
			return 0, nil
		}
		q = q.Where("source_id IN ?", f.SourceIDs)
	}
	if f.StepID != 0 {
		q = q.Where("step_id = ?", f.StepID)
	}
	if f.EnrollmentID != 0 {
		q = q.Where("enrollment_id = ?", f.EnrollmentID)
	}
	if f.Entity != nil {
		q = q.Where("entity_kind = ? AND entity_id = ?", f.Entity.Kind, f.Entity.ID)
	}
	if f.ExceptTriggerStage != nil {
		q = q.Where("(trigger_stage_id IS NULL OR trigger_stage_id <> ?)", *f.ExceptTriggerStage)
	}

	result := q.Updates(map[string]interface{}{
		"status":          models.StatusCanceled,
		"canceled_at":     now.UTC(),
		"canceled_reason": f.Reason,
	})
	if result.Error != nil {
		return 0, fmt.Errorf("cancel pending executions: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// ListFilter narrows the inspection listing.
type ListFilter struct {
	TenantID   uint
	Entity     *models.EntityRef
	Status     models.ExecutionStatus
	SourceKind models.SourceKind
	SourceID   uint
	Page       int
	Limit      int
}

// List returns one page of executions for operator inspection, newest due first.
func (s *ScheduleStore) List(ctx context.Context, f ListFilter) ([]models.ScheduledExecution, int64, error) {
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}
	if f.Page <= 0 {
		f.Page = 1
	}

	q := s.db.WithContext(ctx).Model(&models.ScheduledExecution{}).Where("tenant_id = ?", f.TenantID)
	if f.Entity != nil {
		q = q.Where("entity_kind = ? AND entity_id = ?", f.Entity.Kind, f.Entity.ID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.SourceKind != "" {
		q = q.Where("source_kind = ?", f.SourceKind)
	}
	if f.SourceID != 0 {
		q = q.Where("source_id = ?", f.SourceID)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count executions: %w", err)
	}

	var execs []models.ScheduledExecution
	err := q.Order("due_at DESC").Order("id DESC").
		Offset((f.Page - 1) * f.Limit).
		Limit(f.Limit).
		Find(&execs).Error
	if err != nil {
		return nil, 0, fmt.Errorf("list executions: %w", err)
	}
	return execs, total, nil
}

// Get loads one execution of a tenant.
func (s *ScheduleStore) Get(ctx context.Context, tenantID, id uint) (*models.ScheduledExecution, error) {
	var exec models.ScheduledExecution
	err := s.db.WithContext(ctx).Where("id = ? AND tenant_id = ?", id, tenantID).First(&exec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get execution %d: %w", id, err)
	}
	return &exec, nil
}

// CountByStatus returns the tenant's executions grouped by status.
func (s *ScheduleStore) CountByStatus(ctx context.Context, tenantID uint) (map[models.ExecutionStatus]int64, error) {
	var rows []struct {
		Status models.ExecutionStatus
		Count  int64
	}
	err := s.db.WithContext(ctx).
		Model(&models.ScheduledExecution{}).
		Select("status, COUNT(*) AS count").
		Where("tenant_id = ?", tenantID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("count executions by status: %w", err)
	}

	counts := make(map[models.ExecutionStatus]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}

// Requeue puts a FAILED execution back to PENDING with a fresh attempt budget.
func (s *ScheduleStore) Requeue(ctx context.Context, tenantID, id uint, now time.Time) (*models.ScheduledExecution, error) {
	result := s.db.WithContext(ctx).
		Model(&models.ScheduledExecution{}).
		Where("id = ? AND tenant_id = ? AND status = ?", id, tenantID, models.StatusFailed).
		Updates(map[string]interface{}{
			"status":        models.StatusPending,
			"due_at":        now.UTC(),
			"attempt_count": 0,
			"claimed_at":    nil,
			"claimed_by":    "",
			"claim_token":   "",
		})
	if result.Error != nil {
		return nil, fmt.Errorf("requeue execution %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return s.Get(ctx, tenantID, id)
}

// CompleteFinishedEnrollments marks ACTIVE enrollments COMPLETED once none of
// their executions can still send.
func (s *ScheduleStore) CompleteFinishedEnrollments(ctx context.Context, now time.Time) (int64, error) {
	open := s.db.Model(&models.ScheduledExecution{}).
		Select("1").
		Where("scheduled_executions.enrollment_id = drip_enrollments.id").
		Where("scheduled_executions.status IN ?", []models.ExecutionStatus{models.StatusPending, models.StatusInProgress})

	result := s.db.WithContext(ctx).
		Model(&models.DripEnrollment{}).
		Where("status = ?", models.EnrollmentActive).
		Where("NOT EXISTS (?)", open).
		Updates(map[string]interface{}{
			"status":       models.EnrollmentCompleted,
			"completed_at": now.UTC(),
		})
	if result.Error != nil {
		return 0, fmt.Errorf("complete enrollments: %w", result.Error)
	}
	return result.RowsAffected, nil
}
