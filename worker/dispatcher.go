// Package worker runs the background loops: the dispatcher that sends due
// executions and the maintenance pass that closes finished enrollments.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"thephotocrm/content"
	"thephotocrm/models"
	"thephotocrm/sender"
	"thephotocrm/store"
	"thephotocrm/utils"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Config tunes the dispatcher.
type Config struct {
	WorkerID       string
	Interval       time.Duration
	BatchSize      int
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	StaleAfter     time.Duration
	SendTimeout    time.Duration
	// TenantRate is sends per second per tenant; zero disables throttling.
	TenantRate  float64
	TenantBurst int
}

func (c *Config) setDefaults() {
	if c.WorkerID == "" {
		c.WorkerID = "dispatcher"
	}
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = time.Minute
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = time.Hour
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 10 * time.Minute
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.TenantBurst <= 0 {
		c.TenantBurst = 1
	}
}

// Channels are the senders per action kind.
type Channels struct {
	Email    sender.EmailSender
	SMS      sender.SMSSender
	Document sender.DocumentSender
}

// SweepStats counts what one sweep did.
type SweepStats struct {
	Reclaimed int
	Claimed   int
	Lost      int
	Throttled int
	Sent      int
	Retried   int
	Failed    int
}

// Dispatcher claims due executions and sends them. Several dispatchers may
// share a database; the conditional claim keeps every send at-most-once.
type Dispatcher struct {
	store    *store.ScheduleStore
	resolver Resolver
	content  content.Source
	channels Channels
	hub      *Hub
	cfg      Config
	now      func() time.Time
	log      *logrus.Entry

	mu       sync.Mutex
	limiters map[uint]*rate.Limiter
}

func NewDispatcher(schedules *store.ScheduleStore, resolver Resolver, src content.Source, channels Channels, hub *Hub, cfg Config, log *logrus.Entry) *Dispatcher {
	cfg.setDefaults()
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Dispatcher{
		store:    schedules,
		resolver: resolver,
		content:  src,
		channels: channels,
		hub:      hub,
		cfg:      cfg,
		now:      time.Now,
		log:      log.WithFields(logrus.Fields{"component": "dispatcher", "worker_id": cfg.WorkerID}),
		limiters: make(map[uint]*rate.Limiter),
	}
}

// SetClock replaces the dispatcher's clock.
func (d *Dispatcher) SetClock(now func() time.Time) {
	d.now = now
}

// Start sweeps on the configured interval until ctx is done. A store failure
// stops the loop and is returned; rows are never marked terminal because of
// one.
func (d *Dispatcher) Start(ctx context.Context) error {
	fatal := make(chan error, 1)
	sweep := func() {
		if _, err := d.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			select {
			case fatal <- err:
			default:
			}
		}
	}

	c := cron.New(cron.WithChain(cron.Recover(cron.PrintfLogger(d.log)), cron.SkipIfStillRunning(cron.PrintfLogger(d.log))))
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", d.cfg.Interval), sweep); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}

	d.log.WithField("interval", d.cfg.Interval.String()).Info("dispatcher started")
	sweep()
	c.Start()

	select {
	case <-ctx.Done():
		<-c.Stop().Done()
		d.log.Info("dispatcher stopped")
		return nil
	case err := <-fatal:
		<-c.Stop().Done()
		utils.LogError("dispatcher_halted", err, map[string]interface{}{"worker_id": d.cfg.WorkerID})
		return err
	}
}

// SweepOnce reclaims stale claims, then claims and sends up to one batch of
// due executions. The returned error is a store failure.
func (d *Dispatcher) SweepOnce(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	now := d.now()

	if err := d.reclaimStale(ctx, now, &stats); err != nil {
		return stats, err
	}

	// Tenants throttled in this sweep are left out of later queries.
	throttled := make(map[uint]bool)
	var skip []uint
	budget := d.cfg.BatchSize
	for budget > 0 && ctx.Err() == nil {
		due, err := d.store.Due(ctx, now, budget, skip...)
		if err != nil {
			return stats, err
		}
		if len(due) == 0 {
			break
		}

		newlyThrottled := false
		for i := range due {
			if ctx.Err() != nil {
				break
			}
			exec := &due[i]

			if throttled[exec.TenantID] {
				stats.Throttled++
				continue
			}
			if !d.allow(exec.TenantID, now) {
				throttled[exec.TenantID] = true
				skip = append(skip, exec.TenantID)
				newlyThrottled = true
				stats.Throttled++
				continue
			}

			budget--
			ok, err := d.store.Claim(ctx, exec, d.cfg.WorkerID, d.now())
			if err != nil {
				return stats, err
			}
			if !ok {
				stats.Lost++
				continue
			}
			stats.Claimed++
			d.publish(exec)

			if err := d.process(ctx, exec, &stats); err != nil {
				return stats, err
			}
		}
		if !newlyThrottled {
			break
		}
	}

	if stats.Claimed > 0 || stats.Reclaimed > 0 {
		d.log.WithFields(logrus.Fields{
			"claimed":   stats.Claimed,
			"sent":      stats.Sent,
			"retried":   stats.Retried,
			"failed":    stats.Failed,
			"lost":      stats.Lost,
			"throttled": stats.Throttled,
			"reclaimed": stats.Reclaimed,
		}).Info("sweep finished")
	}
	return stats, nil
}

// reclaimStale treats claims older than StaleAfter as failed attempts.
func (d *Dispatcher) reclaimStale(ctx context.Context, now time.Time, stats *SweepStats) error {
	stale, err := d.store.Stale(ctx, now.Add(-d.cfg.StaleAfter), d.cfg.BatchSize)
	if err != nil {
		return err
	}
	for i := range stale {
		exec := &stale[i]
		d.log.WithFields(logrus.Fields{
			"execution_id": exec.ID,
			"claimed_by":   exec.ClaimedBy,
		}).Warn("reclaiming stale claim")
		stats.Reclaimed++
		cause := fmt.Errorf("claim by %s went stale", exec.ClaimedBy)
		if err := d.retryOrFail(ctx, exec, sender.Transient(cause), stats); err != nil {
			return err
		}
	}
	return nil
}

// process sends a claimed execution and records the outcome.
func (d *Dispatcher) process(ctx context.Context, exec *models.ScheduledExecution, stats *SweepStats) error {
	messageID, sendErr := d.deliver(ctx, exec)
	if sendErr == nil {
		err := d.store.MarkSent(ctx, exec, messageID, d.now())
		if errors.Is(err, store.ErrClaimLost) {
			d.log.WithField("execution_id", exec.ID).Warn("claim lost after send")
			return nil
		}
		if err != nil {
			return err
		}
		stats.Sent++
		d.publish(exec)
		return nil
	}

	var perm *sender.PermanentError
	var trans *sender.TransientError
	if !errors.As(sendErr, &perm) && !errors.As(sendErr, &trans) && !errors.Is(sendErr, context.DeadlineExceeded) {
		// An unclassified error comes from the store while resolving. The
		// row stays claimed and is reclaimed once the store is back.
		return sendErr
	}
	return d.retryOrFail(ctx, exec, sendErr, stats)
}

func (d *Dispatcher) retryOrFail(ctx context.Context, exec *models.ScheduledExecution, sendErr error, stats *SweepStats) error {
	var err error
	if sender.IsTransient(sendErr) && exec.AttemptCount < d.cfg.MaxRetries {
		dueAt := d.now().Add(d.Backoff(exec.AttemptCount))
		err = d.store.Reschedule(ctx, exec, dueAt, sendErr.Error())
		if err == nil {
			stats.Retried++
		}
	} else {
		err = d.store.MarkFailed(ctx, exec, sendErr.Error())
		if err == nil {
			stats.Failed++
		}
	}
	if errors.Is(err, store.ErrClaimLost) {
		d.log.WithField("execution_id", exec.ID).Warn("claim lost before recording failure")
		return nil
	}
	if err != nil {
		return err
	}

	d.log.WithFields(logrus.Fields{
		"execution_id": exec.ID,
		"tenant_id":    exec.TenantID,
		"attempt":      exec.AttemptCount,
		"status":       exec.Status,
	}).WithError(sendErr).Warn("send attempt failed")
	d.publish(exec)
	return nil
}

// Backoff is the delay before retrying after attempt failed attempts.
func (d *Dispatcher) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := d.cfg.RetryBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= d.cfg.RetryMaxDelay {
			return d.cfg.RetryMaxDelay
		}
	}
	if delay > d.cfg.RetryMaxDelay {
		return d.cfg.RetryMaxDelay
	}
	return delay
}

// deliver resolves and sends exec within SendTimeout.
func (d *Dispatcher) deliver(ctx context.Context, exec *models.ScheduledExecution) (string, error) {
	delivery, err := d.resolver.Resolve(ctx, exec)
	if err != nil {
		return "", err
	}
	msg, err := d.content.Render(ctx, exec.TenantID, delivery.Content, delivery.Data)
	if err != nil {
		return "", err
	}
	msg.Headers = map[string]string{"X-CRM-Execution": fmt.Sprintf("%d", exec.ID)}

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	defer cancel()

	var id string
	switch exec.ActionKind {
	case models.ActionEmail:
		if d.channels.Email == nil {
			return "", sender.Permanentf("no email channel configured")
		}
		id, err = d.channels.Email.SendEmail(sendCtx, delivery.Recipient, msg)
	case models.ActionSMS:
		if d.channels.SMS == nil {
			return "", sender.Permanentf("no sms channel configured")
		}
		text := msg.Text
		if text == "" {
			text = msg.Subject
		}
		id, err = d.channels.SMS.SendSMS(sendCtx, delivery.Recipient, text)
	case models.ActionDocumentSend:
		if d.channels.Document == nil {
			return "", sender.Permanentf("no document channel configured")
		}
		id, err = d.channels.Document.SendDocument(sendCtx, delivery.Recipient, delivery.Content.DocumentRef, msg)
	default:
		return "", sender.Permanentf("unknown action kind %q", exec.ActionKind)
	}

	if err == nil {
		return id, nil
	}
	if errors.Is(sendCtx.Err(), context.DeadlineExceeded) {
		return "", sender.Transient(fmt.Errorf("send timed out after %s: %w", d.cfg.SendTimeout, err))
	}
	return "", sender.Classify(err)
}

// allow applies the per-tenant token bucket.
func (d *Dispatcher) allow(tenantID uint, now time.Time) bool {
	if d.cfg.TenantRate <= 0 {
		return true
	}
	d.mu.Lock()
	lim, ok := d.limiters[tenantID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(d.cfg.TenantRate), d.cfg.TenantBurst)
		d.limiters[tenantID] = lim
	}
	d.mu.Unlock()
	return lim.AllowN(now, 1)
}

func (d *Dispatcher) publish(exec *models.ScheduledExecution) {
	d.hub.Publish(NewStatusEvent(exec, d.now()))
}
