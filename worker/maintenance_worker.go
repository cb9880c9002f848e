package worker

import (
	"context"
	"time"

	"thephotocrm/store"

	"github.com/sirupsen/logrus"
)

// MaintenanceWorker closes drip enrollments whose every step has finished.
type MaintenanceWorker struct {
	store    *store.ScheduleStore
	interval time.Duration
	log      *logrus.Entry
}

func NewMaintenanceWorker(schedules *store.ScheduleStore, interval time.Duration, log *logrus.Entry) *MaintenanceWorker {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &MaintenanceWorker{
		store:    schedules,
		interval: interval,
		log:      log.WithField("component", "maintenance"),
	}
}

func (mw *MaintenanceWorker) Start(ctx context.Context) {
	mw.log.Info("maintenance worker started")
	ticker := time.NewTicker(mw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			mw.RunOnce(ctx)
		case <-ctx.Done():
			mw.log.Info("maintenance worker stopping")
			return
		}
	}
}

// RunOnce runs one maintenance pass and returns how many enrollments it completed.
func (mw *MaintenanceWorker) RunOnce(ctx context.Context) int64 {
	n, err := mw.store.CompleteFinishedEnrollments(ctx, time.Now())
	if err != nil {
		mw.log.WithError(err).Error("completing finished enrollments")
		return 0
	}
	if n > 0 {
		mw.log.WithField("completed", n).Info("drip enrollments completed")
	}
	return n
}
