package store_test

import (
	"context"
	"testing"
	"time"

	"thephotocrm/models"
	"thephotocrm/store"
	"thephotocrm/store/storetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func newExec(tenantID, ruleID, stepID uint, occurrence string, due time.Time) *models.ScheduledExecution {
	return &models.ScheduledExecution{
		TenantID:      tenantID,
		EntityKind:    models.EntityProject,
		EntityID:      42,
		SourceKind:    models.SourceAutomation,
		SourceID:      ruleID,
		StepID:        stepID,
		OccurrenceKey: occurrence,
		ActionKind:    models.ActionEmail,
		RecipientKind: models.RecipientEntityContact,
		DueAt:         due,
	}
}

func TestInsertDedup(t *testing.T) {
	ctx := context.Background()
	db := storetest.Open(t)
	s := store.NewScheduleStore(db)

	inserted, err := s.Insert(ctx, newExec(1, 10, 100, "tr:1", t0))
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.Insert(ctx, newExec(1, 10, 100, "tr:1", t0.Add(time.Hour)))
	require.NoError(t, err)
	assert.False(t, inserted, "same dedup key must be a no-op")

	inserted, err = s.Insert(ctx, newExec(1, 10, 100, "tr:2", t0))
	require.NoError(t, err)
	assert.True(t, inserted, "a new occurrence schedules again")

	var count int64
	require.NoError(t, db.Model(&models.ScheduledExecution{}).Count(&count).Error)
	assert.Equal(t, int64(2), count)
}

func TestDueOrdersByDueAt(t *testing.T) {
	ctx := context.Background()
	s := store.NewScheduleStore(storetest.Open(t))

	for i, offset := range []time.Duration{2 * time.Hour, -time.Hour, 0, -2 * time.Hour} {
		_, err := s.Insert(ctx, newExec(1, 10, uint(100+i), "tr:1", t0.Add(offset)))
		require.NoError(t, err)
	}

	due, err := s.Due(ctx, t0, 10)
	require.NoError(t, err)
	require.Len(t, due, 3)
	assert.True(t, due[0].DueAt.Equal(t0.Add(-2*time.Hour)))
	assert.True(t, due[1].DueAt.Equal(t0.Add(-time.Hour)))
	assert.True(t, due[2].DueAt.Equal(t0))
}

func TestClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	s := store.NewScheduleStore(storetest.Open(t))

	exec := newExec(1, 10, 100, "tr:1", t0)
	_, err := s.Insert(ctx, exec)
	require.NoError(t, err)

	first := *exec
	second := *exec

	ok, err := s.Claim(ctx, &first, "worker-a", t0)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, first.AttemptCount)

	ok, err = s.Claim(ctx, &second, "worker-b", t0)
	require.NoError(t, err)
	assert.False(t, ok)

	wrongTenant := *exec
	wrongTenant.TenantID = 2
	ok, err = s.Claim(ctx, &wrongTenant, "worker-c", t0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFinishRequiresClaimToken(t *testing.T) {
	ctx := context.Background()
	s := store.NewScheduleStore(storetest.Open(t))

	exec := newExec(1, 10, 100, "tr:1", t0)
	_, err := s.Insert(ctx, exec)
	require.NoError(t, err)

	ok, err := s.Claim(ctx, exec, "worker-a", t0)
	require.NoError(t, err)
	require.True(t, ok)

	stolen := *exec
	stolen.ClaimToken = "not-mine"
	assert.ErrorIs(t, s.MarkSent(ctx, &stolen, "msg", t0), store.ErrClaimLost)

	require.NoError(t, s.MarkSent(ctx, exec, "msg-1", t0))
	got, err := s.Get(ctx, 1, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSent, got.Status)
	assert.Equal(t, "msg-1", got.ProviderMessageID)
}

func TestRescheduleAndFail(t *testing.T) {
	ctx := context.Background()
	s := store.NewScheduleStore(storetest.Open(t))

	exec := newExec(1, 10, 100, "tr:1", t0)
	_, err := s.Insert(ctx, exec)
	require.NoError(t, err)

	ok, err := s.Claim(ctx, exec, "w", t0)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.Reschedule(ctx, exec, t0.Add(time.Minute), "timeout"))

	got, err := s.Get(ctx, 1, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	assert.True(t, got.DueAt.Equal(t0.Add(time.Minute)))
	require.NotNil(t, got.LastError)
	assert.Equal(t, "timeout", *got.LastError)

	ok, err = s.Claim(ctx, exec, "w", t0.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.MarkFailed(ctx, exec, "mailbox unavailable"))

	got, err = s.Get(ctx, 1, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, 2, got.AttemptCount)
}

func TestStale(t *testing.T) {
	ctx := context.Background()
	s := store.NewScheduleStore(storetest.Open(t))

	old := newExec(1, 10, 100, "tr:1", t0)
	fresh := newExec(1, 10, 101, "tr:1", t0)
	for _, e := range []*models.ScheduledExecution{old, fresh} {
		_, err := s.Insert(ctx, e)
		require.NoError(t, err)
	}
	_, err := s.Claim(ctx, old, "w", t0)
	require.NoError(t, err)
	_, err = s.Claim(ctx, fresh, "w", t0.Add(9*time.Minute))
	require.NoError(t, err)

	stale, err := s.Stale(ctx, t0.Add(5*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, old.ID, stale[0].ID)
	assert.Equal(t, old.ClaimToken, stale[0].ClaimToken)
}

func TestCancelPendingLeavesTerminalRows(t *testing.T) {
	ctx := context.Background()
	s := store.NewScheduleStore(storetest.Open(t))

	var pending []*models.ScheduledExecution
	for i := 0; i < 4; i++ {
		e := newExec(1, 10, uint(100+i), "tr:1", t0)
		_, err := s.Insert(ctx, e)
		require.NoError(t, err)
		pending = append(pending, e)
	}

	sent := newExec(1, 10, 200, "tr:1", t0)
	failed := newExec(1, 10, 201, "tr:1", t0)
	other := newExec(1, 11, 300, "tr:1", t0)
	for _, e := range []*models.ScheduledExecution{sent, failed, other} {
		_, err := s.Insert(ctx, e)
		require.NoError(t, err)
	}
	_, err := s.Claim(ctx, sent, "w", t0)
	require.NoError(t, err)
	require.NoError(t, s.MarkSent(ctx, sent, "m", t0))
	_, err = s.Claim(ctx, failed, "w", t0)
	require.NoError(t, err)
	require.NoError(t, s.MarkFailed(ctx, failed, "bad address"))

	n, err := s.CancelPending(ctx, store.CancelFilter{
		TenantID:   1,
		SourceKind: models.SourceAutomation,
		SourceIDs:  []uint{10},
		Reason:     "rule deleted",
	}, t0)
	require.NoError(t, err)
	assert.Equal(t, int64(len(pending)), n)

	for _, e := range pending {
		got, err := s.Get(ctx, 1, e.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCanceled, got.Status)
		assert.Equal(t, "rule deleted", got.CanceledReason)
	}
	for e, want := range map[*models.ScheduledExecution]models.ExecutionStatus{
		sent: models.StatusSent, failed: models.StatusFailed, other: models.StatusPending,
	} {
		got, err := s.Get(ctx, 1, e.ID)
		require.NoError(t, err)
		assert.Equal(t, want, got.Status)
	}

	n, err = s.CancelPending(ctx, store.CancelFilter{TenantID: 1, SourceIDs: []uint{10}}, t0)
	require.NoError(t, err)
	assert.Zero(t, n, "cancel is idempotent")
}

func TestCancelPendingRequiresTenant(t *testing.T) {
	s := store.NewScheduleStore(storetest.Open(t))
	_, err := s.CancelPending(context.Background(), store.CancelFilter{}, t0)
	assert.Error(t, err)
}

func TestListAndCounts(t *testing.T) {
	ctx := context.Background()
	s := store.NewScheduleStore(storetest.Open(t))

	for i := 0; i < 5; i++ {
		_, err := s.Insert(ctx, newExec(1, 10, uint(100+i), "tr:1", t0.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
	}
	_, err := s.Insert(ctx, newExec(2, 10, 100, "tr:1", t0))
	require.NoError(t, err)

	page, total, err := s.List(ctx, store.ListFilter{TenantID: 1, Limit: 2, Page: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	require.Len(t, page, 2)
	assert.True(t, page[0].DueAt.After(page[1].DueAt))

	counts, err := s.CountByStatus(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(5), counts[models.StatusPending])

	_, err = s.Get(ctx, 1, 9999)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRequeueFailed(t *testing.T) {
	ctx := context.Background()
	s := store.NewScheduleStore(storetest.Open(t))

	exec := newExec(1, 10, 100, "tr:1", t0)
	_, err := s.Insert(ctx, exec)
	require.NoError(t, err)

	_, err = s.Requeue(ctx, 1, exec.ID, t0)
	assert.ErrorIs(t, err, store.ErrNotFound, "only failed rows can be requeued")

	_, err = s.Claim(ctx, exec, "w", t0)
	require.NoError(t, err)
	require.NoError(t, s.MarkFailed(ctx, exec, "boom"))

	got, err := s.Requeue(ctx, 1, exec.ID, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Zero(t, got.AttemptCount)
}

func TestCompleteFinishedEnrollments(t *testing.T) {
	ctx := context.Background()
	db := storetest.Open(t)
	s := store.NewScheduleStore(db)

	campaign := models.DripCampaign{TenantID: 1, Name: "Nurture", Enabled: true}
	require.NoError(t, db.Create(&campaign).Error)

	done := models.DripEnrollment{TenantID: 1, CampaignID: campaign.ID, EntityKind: models.EntityContact, EntityID: 1, EnrolledAt: t0, Status: models.EnrollmentActive}
	open := models.DripEnrollment{TenantID: 1, CampaignID: campaign.ID, EntityKind: models.EntityContact, EntityID: 2, EnrolledAt: t0, Status: models.EnrollmentActive}
	require.NoError(t, db.Create(&done).Error)
	require.NoError(t, db.Create(&open).Error)

	finished := newExec(1, campaign.ID, 1, models.EnrollmentOccurrence(done.ID), t0)
	finished.SourceKind = models.SourceDrip
	finished.EntityID = 1
	finished.EnrollmentID = &done.ID
	waiting := newExec(1, campaign.ID, 1, models.EnrollmentOccurrence(open.ID), t0.Add(24*time.Hour))
	waiting.SourceKind = models.SourceDrip
	waiting.EntityID = 2
	waiting.EnrollmentID = &open.ID
	for _, e := range []*models.ScheduledExecution{finished, waiting} {
		_, err := s.Insert(ctx, e)
		require.NoError(t, err)
	}
	_, err := s.Claim(ctx, finished, "w", t0)
	require.NoError(t, err)
	require.NoError(t, s.MarkSent(ctx, finished, "m", t0))

	n, err := s.CompleteFinishedEnrollments(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	var got models.DripEnrollment
	require.NoError(t, db.First(&got, done.ID).Error)
	assert.Equal(t, models.EnrollmentCompleted, got.Status)
	require.NoError(t, db.First(&got, open.ID).Error)
	assert.Equal(t, models.EnrollmentActive, got.Status)
}
