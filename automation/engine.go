// Package automation turns pipeline events and drip enrollments into
// scheduled executions, and cancels them again when they stop applying.
package automation

import (
	"context"
	"time"

	"thephotocrm/store"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Engine wires the trigger path (detect, reconcile, match) together with the
// drip cadence and configuration reconciliation.
type Engine struct {
	Detector   *Detector
	Matcher    *Matcher
	Cadence    *Cadence
	Reconciler *Reconciler

	now func() time.Time
}

// Options configure NewEngine.
type Options struct {
	DefaultLocation *time.Location
	Seen            SeenCache
	Logger          *logrus.Entry
	Now             func() time.Time
}

func NewEngine(db *gorm.DB, schedules *store.ScheduleStore, opts Options) *Engine {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		Detector:   NewDetector(db, opts.Seen, opts.Logger),
		Matcher:    NewMatcher(db, schedules, opts.DefaultLocation, opts.Logger),
		Cadence:    NewCadence(db, schedules, opts.DefaultLocation, opts.Logger),
		Reconciler: NewReconciler(db, schedules, opts.Logger),
		now:        now,
	}
}

// StageChangeResult reports what a stage-change notification caused.
type StageChangeResult struct {
	TransitionID uint   `json:"transition_id,omitempty"`
	Ignored      bool   `json:"ignored"`
	Duplicate    bool   `json:"duplicate"`
	Canceled     int64  `json:"canceled"`
	Report       Report `json:"report"`
}

// HandleStageChange runs synchronously in the request that reported the
// change. A re-delivered notification re-runs matching, which only produces
// dedup skips, so an earlier delivery that failed half-way is completed.
func (e *Engine) HandleStageChange(ctx context.Context, ev StageChange) (StageChangeResult, error) {
	var res StageChangeResult
	if !ev.IsTransition() {
		res.Ignored = true
		return res, nil
	}
	if e.Detector.AlreadyProcessed(ctx, ev) {
		res.Duplicate = true
		return res, nil
	}

	trig, err := e.Detector.Detect(ctx, ev)
	if err != nil {
		return res, err
	}
	res.TransitionID = trig.Transition.ID
	res.Duplicate = trig.Duplicate

	// A late duplicate must not cancel work that newer transitions own.
	if !trig.Duplicate {
		res.Canceled, err = e.Reconciler.OnStageChange(ctx, ev, e.now())
		if err != nil {
			return res, err
		}
	}

	res.Report, err = e.Matcher.Match(ctx, trig)
	if err != nil {
		return res, err
	}

	e.Detector.Acknowledge(ctx, ev)
	return res, nil
}

// Reconcile applies a configuration change.
func (e *Engine) Reconcile(ctx context.Context, change ConfigChange) (int64, error) {
	return e.Reconciler.Handle(ctx, change, e.now())
}

// Now is the engine's clock.
func (e *Engine) Now() time.Time {
	return e.now()
}
