package worker

import (
	"sync"
	"time"

	"thephotocrm/models"
)

// StatusEvent is published whenever the dispatcher moves an execution.
type StatusEvent struct {
	ExecutionID  uint                   `json:"execution_id"`
	TenantID     uint                   `json:"tenant_id"`
	Status       models.ExecutionStatus `json:"status"`
	AttemptCount int                    `json:"attempt_count"`
	DueAt        time.Time              `json:"due_at"`
	LastError    string                 `json:"last_error,omitempty"`
	At           time.Time              `json:"at"`
}

// Hub fans status events out to per-tenant subscribers. Slow subscribers
// miss events rather than stall the dispatcher.
type Hub struct {
	mu   sync.RWMutex
	subs map[uint]map[chan StatusEvent]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[uint]map[chan StatusEvent]struct{})}
}

// Subscribe returns a channel of the tenant's events and a func that ends the
// subscription.
func (h *Hub) Subscribe(tenantID uint) (<-chan StatusEvent, func()) {
	ch := make(chan StatusEvent, 32)

	h.mu.Lock()
	if h.subs[tenantID] == nil {
		h.subs[tenantID] = make(map[chan StatusEvent]struct{})
	}
	h.subs[tenantID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[tenantID], ch)
			if len(h.subs[tenantID]) == 0 {
				delete(h.subs, tenantID)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *Hub) Publish(ev StatusEvent) {
	if h == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[ev.TenantID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// NewStatusEvent snapshots exec for subscribers.
func NewStatusEvent(exec *models.ScheduledExecution, now time.Time) StatusEvent {
	ev := StatusEvent{
		ExecutionID:  exec.ID,
		TenantID:     exec.TenantID,
		Status:       exec.Status,
		AttemptCount: exec.AttemptCount,
		DueAt:        exec.DueAt,
		At:           now,
	}
	if exec.LastError != nil {
		ev.LastError = *exec.LastError
	}
	return ev
}
