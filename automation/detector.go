package automation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"thephotocrm/models"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Trigger is one physical stage transition, identified by its recorded row.
type Trigger struct {
	Transition models.StageTransition
	// Duplicate is set when the transition had already been recorded by an
	// earlier delivery of the same notification.
	Duplicate bool
}

// OccurrenceKey is the dedup component shared by all work this trigger schedules.
func (t Trigger) OccurrenceKey() string {
	return models.TransitionOccurrence(t.Transition.ID)
}

// SeenCache remembers fully processed transitions so hot re-deliveries can be
// answered without touching the database.
type SeenCache interface {
	Seen(ctx context.Context, key string) (bool, error)
	Remember(ctx context.Context, key string) error
}

// Detector records stage transitions and guarantees one trigger identity per
// physical transition no matter how often the entity store reports it.
type Detector struct {
	db   *gorm.DB
	seen SeenCache
	log  *logrus.Entry
}

func NewDetector(db *gorm.DB, seen SeenCache, log *logrus.Entry) *Detector {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Detector{db: db, seen: seen, log: log.WithField("component", "detector")}
}

// dedupKey identifies the transition within its entity.
func dedupKey(ev StageChange) string {
	if ev.Sequence > 0 {
		return fmt.Sprintf("seq:%d", ev.Sequence)
	}
	from := uint(0)
	if ev.FromStageID != nil {
		from = *ev.FromStageID
	}
	return fmt.Sprintf("at:%d>%d@%d", from, ev.ToStageID, ev.OccurredAt.UTC().UnixNano())
}

func cacheKey(ev StageChange) string {
	return fmt.Sprintf("crm:transition:%d:%s:%d:%s", ev.TenantID, ev.Entity.Kind, ev.Entity.ID, dedupKey(ev))
}

// AlreadyProcessed reports whether the cache has seen this transition through
// to the end. Cache failures are logged and treated as a miss.
func (d *Detector) AlreadyProcessed(ctx context.Context, ev StageChange) bool {
	if d.seen == nil {
		return false
	}
	seen, err := d.seen.Seen(ctx, cacheKey(ev))
	if err != nil {
		d.log.WithError(err).Warn("transition cache lookup failed")
		return false
	}
	return seen
}

// Acknowledge records that ev was fully processed.
func (d *Detector) Acknowledge(ctx context.Context, ev StageChange) {
	if d.seen == nil {
		return
	}
	if err := d.seen.Remember(ctx, cacheKey(ev)); err != nil {
		d.log.WithError(err).Warn("transition cache write failed")
	}
}

// Detect records ev and returns its trigger. A re-delivered transition yields
// the originally recorded row with Duplicate set; downstream scheduling is
// keyed on that row so it cannot double up.
func (d *Detector) Detect(ctx context.Context, ev StageChange) (Trigger, error) {
	transition := models.StageTransition{
		TenantID:    ev.TenantID,
		EntityKind:  ev.Entity.Kind,
		EntityID:    ev.Entity.ID,
		DedupKey:    dedupKey(ev),
		ProjectType: ev.Entity.ProjectType,
		FromStageID: ev.FromStageID,
		ToStageID:   ev.ToStageID,
		Sequence:    ev.Sequence,
		OccurredAt:  ev.OccurredAt.UTC(),
	}

	result := d.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&transition)
	if result.Error != nil {
		return Trigger{}, fmt.Errorf("record stage transition: %w", result.Error)
	}
	if result.RowsAffected == 1 {
		d.log.WithFields(logrus.Fields{
			"tenant_id":     ev.TenantID,
			"entity":        ev.Entity.Kind,
			"entity_id":     ev.Entity.ID,
			"to_stage_id":   ev.ToStageID,
			"transition_id": transition.ID,
		}).Debug("stage transition recorded")
		return Trigger{Transition: transition}, nil
	}

	var existing models.StageTransition
	err := d.db.WithContext(ctx).
		Where("tenant_id = ? AND entity_kind = ? AND entity_id = ? AND dedup_key = ?",
			ev.TenantID, ev.Entity.Kind, ev.Entity.ID, transition.DedupKey).
		First(&existing).Error
	if err != nil {
		return Trigger{}, fmt.Errorf("load recorded stage transition: %w", err)
	}
	return Trigger{Transition: existing, Duplicate: true}, nil
}

// RedisSeenCache keeps processed transition keys in Redis for ttl.
type RedisSeenCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisSeenCache(client *redis.Client, ttl time.Duration) *RedisSeenCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisSeenCache{client: client, ttl: ttl}
}

func (c *RedisSeenCache) Seen(ctx context.Context, key string) (bool, error) {
	err := c.client.Get(ctx, key).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *RedisSeenCache) Remember(ctx context.Context, key string) error {
	return c.client.Set(ctx, key, "1", c.ttl).Err()
}
