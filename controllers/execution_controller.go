package controller

import (
	"time"

	"thephotocrm/middleware"
	"thephotocrm/models"
	"thephotocrm/store"
	"thephotocrm/utils"
	"thephotocrm/worker"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"
)

// ExecutionController is the operator's view of scheduled work.
type ExecutionController struct {
	Store  *store.ScheduleStore
	Hub    *worker.Hub
	Logger *logrus.Entry
}

func NewExecutionController(schedules *store.ScheduleStore, hub *worker.Hub, logger *logrus.Entry) *ExecutionController {
	return &ExecutionController{
		Store:  schedules,
		Hub:    hub,
		Logger: logger,
	}
}

// GetExecutions lists executions filtered by entity, status and source.
func (ec *ExecutionController) GetExecutions(c *fiber.Ctx) error {
	tenantID := middleware.TenantID(c)
	page, limit := pagination(c)

	f := store.ListFilter{
		TenantID:   tenantID,
		Status:     models.ExecutionStatus(c.Query("status")),
		SourceKind: models.SourceKind(c.Query("source_kind")),
		SourceID:   utils.ParseUint(c.Query("source_id")),
		Page:       page,
		Limit:      limit,
	}
	if kind := c.Query("entity_kind"); kind != "" {
		entityID := utils.ParseUint(c.Query("entity_id"))
		if entityID == 0 {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "entity_id is required with entity_kind", nil)
		}
		f.Entity = &models.EntityRef{Kind: models.EntityKind(kind), ID: entityID}
	}

	execs, total, err := ec.Store.List(c.UserContext(), f)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(utils.SuccessResponse(utils.PaginatedResponse{
		Data:  execs,
		Total: total,
		Page:  page,
		Limit: limit,
	}))
}

func (ec *ExecutionController) GetExecution(c *fiber.Ctx) error {
	id, err := idParam(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	exec, err := ec.Store.Get(c.UserContext(), middleware.TenantID(c), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(utils.SuccessResponse(exec))
}

// GetStats returns the tenant's execution counts per status.
func (ec *ExecutionController) GetStats(c *fiber.Ctx) error {
	counts, err := ec.Store.CountByStatus(c.UserContext(), middleware.TenantID(c))
	if err != nil {
		return respondError(c, err)
	}

	var total int64
	for _, n := range counts {
		total += n
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{
		"by_status": counts,
		"total":     total,
	}))
}

// RetryExecution puts a FAILED execution back in the queue with a fresh
// attempt budget.
func (ec *ExecutionController) RetryExecution(c *fiber.Ctx) error {
	tenantID := middleware.TenantID(c)
	id, err := idParam(c, "id")
	if err != nil {
		return respondError(c, err)
	}

	ctx := c.UserContext()
	exec, err := ec.Store.Get(ctx, tenantID, id)
	if err != nil {
		return respondError(c, err)
	}
	if exec.Status != models.StatusFailed {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Only failed executions can be retried", nil)
	}

	now := time.Now()
	exec, err = ec.Store.Requeue(ctx, tenantID, id, now)
	if err != nil {
		return respondError(c, err)
	}
	ec.Hub.Publish(worker.NewStatusEvent(exec, now))

	utils.LogEvent("execution_requeued", map[string]interface{}{
		"tenant_id":    tenantID,
		"execution_id": id,
		"user_id":      c.Locals("userID"),
	})
	return c.JSON(utils.SuccessResponse(exec))
}

// UpgradeCheck only lets websocket handshakes through to the stream.
func (ec *ExecutionController) UpgradeCheck(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// Stream pushes the tenant's execution status changes to the socket until
// the client goes away.
func (ec *ExecutionController) Stream(conn *websocket.Conn) {
	defer conn.Close()

	tenantID, _ := conn.Locals("tenantID").(uint)
	if tenantID == 0 {
		return
	}
	status := models.ExecutionStatus(conn.Query("status"))

	events, stop := ec.Hub.Subscribe(tenantID)
	defer stop()

	// The client sends nothing; reading only notices when it disconnects.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	log := ec.Logger.WithField("tenant_id", tenantID)
	log.Debug("execution stream opened")
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if status != "" && ev.Status != status {
				continue
			}
			if err := conn.WriteJSON(ev); err != nil {
				log.WithError(err).Debug("execution stream write failed")
				return
			}
		case <-ping.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			log.Debug("execution stream closed")
			return
		}
	}
}
