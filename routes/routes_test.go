package routes_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"thephotocrm/automation"
	"thephotocrm/content"
	"thephotocrm/models"
	"thephotocrm/routes"
	"thephotocrm/store"
	"thephotocrm/store/storetest"
	"thephotocrm/utils"
	"thephotocrm/worker"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const secret = "test-secret"

var now = time.Date(2024, 6, 3, 15, 0, 0, 0, time.UTC)

type api struct {
	app    *fiber.App
	db     *gorm.DB
	token  string
	tenant models.Tenant
	stages []models.Stage
}

type envelope struct {
	Success bool            `json:"success"`
	Error   string          `json:"error"`
	Data    json.RawMessage `json:"data"`
}

func newAPI(t *testing.T) *api {
	t.Helper()
	db := storetest.Open(t)
	tenant := storetest.Tenant(t, db, "UTC")

	user := models.User{TenantID: tenant.ID, Email: "jo@studio.test", IsActive: true}
	require.NoError(t, db.Create(&user).Error)
	token, err := utils.GenerateJWTToken(&user, secret, time.Hour)
	require.NoError(t, err)

	stages, err := models.CreateDefaultStages(db, tenant.ID)
	require.NoError(t, err)

	schedules := store.NewScheduleStore(db)
	engine := automation.NewEngine(db, schedules, automation.Options{
		Now: func() time.Time { return now },
	})

	app := fiber.New()
	routes.SetupRoutes(app, routes.Deps{
		DB:              db,
		Engine:          engine,
		Schedules:       schedules,
		Content:         content.NewDBSource(db),
		Hub:             worker.NewHub(),
		JWTSecret:       secret,
		IntakeRateLimit: 100,
		DefaultLocation: time.UTC,
	})
	return &api{app: app, db: db, token: token, tenant: tenant, stages: stages}
}

func (a *api) do(t *testing.T, method, path string, body interface{}) (int, envelope) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &env), string(raw))
	}
	return resp.StatusCode, env
}

func decode(t *testing.T, env envelope, dst interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(env.Data, dst), string(env.Data))
}

func (a *api) project(t *testing.T, projectType string) models.Project {
	t.Helper()
	contact := models.Contact{TenantID: a.tenant.ID, FirstName: "Ana", Email: "ana@example.com"}
	require.NoError(t, a.db.Create(&contact).Error)
	project := models.Project{TenantID: a.tenant.ID, ContactID: contact.ID, ProjectType: projectType}
	require.NoError(t, a.db.Create(&project).Error)
	return project
}

func emailStep(delay map[string]int) map[string]interface{} {
	return map[string]interface{}{
		"action_kind": "EMAIL",
		"delay":       delay,
		"content":     map[string]string{"subject": "Hi {{.FirstName}}", "body": "<p>Hello</p>"},
	}
}

func TestAutomationRuleLifecycle(t *testing.T) {
	a := newAPI(t)
	booked := a.stages[3]

	status, env := a.do(t, http.MethodPost, "/api/v1/automations", map[string]interface{}{
		"name":            "Booking welcome",
		"trigger_kind":    "SPECIFIC_STAGE",
		"target_stage_id": booked.ID,
		"steps": []interface{}{
			emailStep(nil),
			emailStep(map[string]int{"delay_days": 1}),
		},
	})
	require.Equal(t, http.StatusCreated, status, env.Error)
	var rule models.AutomationRule
	decode(t, env, &rule)
	require.Len(t, rule.Steps, 2)
	assert.True(t, rule.Enabled)

	project := a.project(t, "WEDDING")
	event := map[string]interface{}{
		"entity":        map[string]interface{}{"kind": "PROJECT", "id": project.ID},
		"from_stage_id": a.stages[2].ID,
		"to_stage_id":   booked.ID,
		"occurred_at":   now,
		"sequence":      4,
	}

	status, env = a.do(t, http.MethodPost, "/api/v1/events/stage-change", event)
	require.Equal(t, http.StatusAccepted, status, env.Error)
	var res automation.StageChangeResult
	decode(t, env, &res)
	assert.Equal(t, 2, res.Report.Scheduled)
	assert.False(t, res.Duplicate)

	status, env = a.do(t, http.MethodPost, "/api/v1/events/stage-change", event)
	require.Equal(t, http.StatusAccepted, status)
	decode(t, env, &res)
	assert.True(t, res.Duplicate)
	assert.Equal(t, 0, res.Report.Scheduled)

	status, env = a.do(t, http.MethodGet, fmt.Sprintf("/api/v1/executions?entity_kind=PROJECT&entity_id=%d", project.ID), nil)
	require.Equal(t, http.StatusOK, status)
	var page struct {
		Data  []models.ScheduledExecution `json:"data"`
		Total int64                       `json:"total"`
	}
	decode(t, env, &page)
	assert.EqualValues(t, 2, page.Total)
	for _, exec := range page.Data {
		assert.Equal(t, "WEDDING", exec.ProjectType, "project type comes from the project record")
	}

	status, env = a.do(t, http.MethodPost, fmt.Sprintf("/api/v1/automations/%d/disable", rule.ID), nil)
	require.Equal(t, http.StatusOK, status)
	var disabled struct {
		Canceled int64 `json:"canceled"`
	}
	decode(t, env, &disabled)
	assert.EqualValues(t, 2, disabled.Canceled)

	status, env = a.do(t, http.MethodGet, "/api/v1/executions/stats", nil)
	require.Equal(t, http.StatusOK, status)
	var stats struct {
		ByStatus map[string]int64 `json:"by_status"`
		Total    int64            `json:"total"`
	}
	decode(t, env, &stats)
	assert.EqualValues(t, 2, stats.ByStatus["CANCELED"])
	assert.EqualValues(t, 2, stats.Total)
}

func TestConfigurationErrorsAreBadRequests(t *testing.T) {
	a := newAPI(t)

	status, _ := a.do(t, http.MethodPost, "/api/v1/automations", map[string]interface{}{
		"name":         "No target",
		"trigger_kind": "SPECIFIC_STAGE",
	})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = a.do(t, http.MethodPost, "/api/v1/automations", map[string]interface{}{
		"name":         "Mixed delay",
		"trigger_kind": "STAGE_CHANGE",
		"steps":        []interface{}{emailStep(map[string]int{"delay_days": 1, "delay_hours": 2})},
	})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = a.do(t, http.MethodPost, "/api/v1/automations", map[string]interface{}{
		"name":            "Foreign stage",
		"trigger_kind":    "SPECIFIC_STAGE",
		"target_stage_id": 9999,
	})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = a.do(t, http.MethodPost, "/api/v1/drip-campaigns", map[string]interface{}{
		"name":             "Bad time",
		"send_time_policy": "FIXED_TIME",
		"send_at_hour":     25,
	})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = a.do(t, http.MethodGet, "/api/v1/automations/12345", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAuthentication(t *testing.T) {
	a := newAPI(t)

	a.token = ""
	status, _ := a.do(t, http.MethodGet, "/api/v1/automations", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	a.token = "not-a-jwt"
	status, _ = a.do(t, http.MethodGet, "/api/v1/automations", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = a.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, status)

	status, _ = a.do(t, http.MethodGet, "/nowhere", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestTenantIsolation(t *testing.T) {
	a := newAPI(t)

	other := storetest.Tenant(t, a.db, "UTC")
	foreign := models.AutomationRule{TenantID: other.ID, Name: "theirs", TriggerKind: models.TriggerStageChange, Enabled: true}
	require.NoError(t, a.db.Create(&foreign).Error)

	status, _ := a.do(t, http.MethodGet, fmt.Sprintf("/api/v1/automations/%d", foreign.ID), nil)
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = a.do(t, http.MethodPost, fmt.Sprintf("/api/v1/automations/%d/disable", foreign.ID), nil)
	assert.Equal(t, http.StatusNotFound, status)

	var reloaded models.AutomationRule
	require.NoError(t, a.db.First(&reloaded, foreign.ID).Error)
	assert.True(t, reloaded.Enabled)
}

func TestStepReorderAndDelete(t *testing.T) {
	a := newAPI(t)

	status, env := a.do(t, http.MethodPost, "/api/v1/automations", map[string]interface{}{
		"name":         "Nurture",
		"trigger_kind": "STAGE_CHANGE",
		"steps": []interface{}{
			emailStep(nil),
			emailStep(map[string]int{"delay_hours": 2}),
			emailStep(map[string]int{"delay_days": 3}),
		},
	})
	require.Equal(t, http.StatusCreated, status, env.Error)
	var rule models.AutomationRule
	decode(t, env, &rule)
	ids := []uint{rule.Steps[0].ID, rule.Steps[1].ID, rule.Steps[2].ID}

	status, env = a.do(t, http.MethodPut, fmt.Sprintf("/api/v1/automations/%d/steps/order", rule.ID), map[string]interface{}{
		"order": []uint{ids[2], ids[0], ids[1]},
	})
	require.Equal(t, http.StatusOK, status, env.Error)

	status, _ = a.do(t, http.MethodPut, fmt.Sprintf("/api/v1/automations/%d/steps/order", rule.ID), map[string]interface{}{
		"order": []uint{ids[2], ids[0]},
	})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = a.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/automations/%d/steps/%d", rule.ID, ids[0]), nil)
	require.Equal(t, http.StatusOK, status)

	status, env = a.do(t, http.MethodGet, fmt.Sprintf("/api/v1/automations/%d", rule.ID), nil)
	require.Equal(t, http.StatusOK, status)
	decode(t, env, &rule)
	require.Len(t, rule.Steps, 2)
	assert.Equal(t, ids[2], rule.Steps[0].ID)
	assert.Equal(t, 0, rule.Steps[0].OrderIndex)
	assert.Equal(t, ids[1], rule.Steps[1].ID)
	assert.Equal(t, 1, rule.Steps[1].OrderIndex)
}

func TestDripEnrollment(t *testing.T) {
	a := newAPI(t)

	status, env := a.do(t, http.MethodPost, "/api/v1/drip-campaigns", map[string]interface{}{
		"name":             "Wedding nurture",
		"project_type":     "WEDDING",
		"send_time_policy": "FIXED_TIME",
		"send_at_hour":     9,
		"send_at_minute":   30,
		"steps": []interface{}{
			map[string]interface{}{"days_after_start": 0, "content": map[string]string{"subject": "Welcome", "body": "Hi"}},
			map[string]interface{}{"days_after_start": 7, "content": map[string]string{"subject": "Tips", "body": "Hi"}},
		},
	})
	require.Equal(t, http.StatusCreated, status, env.Error)
	var campaign models.DripCampaign
	decode(t, env, &campaign)

	status, env = a.do(t, http.MethodGet, fmt.Sprintf("/api/v1/drip-campaigns/%d/timeline?enrolled_at=2024-01-01T08:00:00Z", campaign.ID), nil)
	require.Equal(t, http.StatusOK, status, env.Error)
	var timeline struct {
		Steps []automation.DueStep `json:"steps"`
	}
	decode(t, env, &timeline)
	require.Len(t, timeline.Steps, 2)
	assert.True(t, timeline.Steps[0].DueAt.Equal(time.Date(2024, 1, 1, 9, 30, 0, 0, time.UTC)))
	assert.True(t, timeline.Steps[1].DueAt.Equal(time.Date(2024, 1, 8, 9, 30, 0, 0, time.UTC)))

	portrait := a.project(t, "PORTRAIT")
	status, _ = a.do(t, http.MethodPost, fmt.Sprintf("/api/v1/drip-campaigns/%d/enrollments", campaign.ID), map[string]interface{}{
		"entity": map[string]interface{}{"kind": "PROJECT", "id": portrait.ID},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, status)

	wedding := a.project(t, "WEDDING")
	enroll := map[string]interface{}{
		"entity": map[string]interface{}{"kind": "PROJECT", "id": wedding.ID},
	}
	status, env = a.do(t, http.MethodPost, fmt.Sprintf("/api/v1/drip-campaigns/%d/enrollments", campaign.ID), enroll)
	require.Equal(t, http.StatusCreated, status, env.Error)
	var enrolled struct {
		Enrollment models.DripEnrollment `json:"enrollment"`
		Report     automation.Report     `json:"report"`
	}
	decode(t, env, &enrolled)
	assert.Equal(t, 2, enrolled.Report.Scheduled)

	status, _ = a.do(t, http.MethodPost, fmt.Sprintf("/api/v1/drip-campaigns/%d/enrollments", campaign.ID), enroll)
	assert.Equal(t, http.StatusConflict, status)

	status, env = a.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/drip-enrollments/%d", enrolled.Enrollment.ID), nil)
	require.Equal(t, http.StatusOK, status)
	var unenrolled struct {
		Canceled int64 `json:"canceled"`
	}
	decode(t, env, &unenrolled)
	assert.EqualValues(t, 2, unenrolled.Canceled)
}

func TestRetryExecution(t *testing.T) {
	a := newAPI(t)

	lastErr := "mailbox unavailable"
	failed := models.ScheduledExecution{
		TenantID:      a.tenant.ID,
		EntityKind:    models.EntityContact,
		EntityID:      1,
		SourceKind:    models.SourceAutomation,
		SourceID:      1,
		StepID:        1,
		OccurrenceKey: models.TransitionOccurrence(1),
		ActionKind:    models.ActionEmail,
		RecipientKind: models.RecipientEntityContact,
		Status:        models.StatusFailed,
		DueAt:         now.Add(-time.Hour),
		AttemptCount:  3,
		LastError:     &lastErr,
	}
	require.NoError(t, a.db.Create(&failed).Error)

	path := fmt.Sprintf("/api/v1/executions/%d/retry", failed.ID)
	status, env := a.do(t, http.MethodPost, path, nil)
	require.Equal(t, http.StatusOK, status, env.Error)
	var exec models.ScheduledExecution
	decode(t, env, &exec)
	assert.Equal(t, models.StatusPending, exec.Status)
	assert.Equal(t, 0, exec.AttemptCount)

	status, _ = a.do(t, http.MethodPost, path, nil)
	assert.Equal(t, http.StatusConflict, status)

	status, _ = a.do(t, http.MethodGet, "/api/v1/executions/424242", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestTemplatePreview(t *testing.T) {
	a := newAPI(t)

	status, env := a.do(t, http.MethodPost, "/api/v1/templates", map[string]interface{}{
		"name":         "Gallery ready",
		"subject":      "{{.FirstName}}, your gallery is ready",
		"html_content": "<p>From {{.StudioName}}</p>",
	})
	require.Equal(t, http.StatusCreated, status, env.Error)
	var tmpl models.Template
	decode(t, env, &tmpl)

	status, env = a.do(t, http.MethodPost, fmt.Sprintf("/api/v1/templates/%d/preview", tmpl.ID), map[string]interface{}{
		"first_name":  "Ana",
		"studio_name": "Lumen & Co",
	})
	require.Equal(t, http.StatusOK, status, env.Error)
	var msg struct {
		Subject string `json:"subject"`
		HTML    string `json:"html"`
	}
	decode(t, env, &msg)
	assert.Equal(t, "Ana, your gallery is ready", msg.Subject)
	assert.Equal(t, "<p>From Lumen &amp; Co</p>", msg.HTML)
}
