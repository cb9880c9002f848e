package automation_test

import (
	"errors"
	"testing"

	"thephotocrm/automation"
	"thephotocrm/delay"
	"thephotocrm/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestBuildStep(t *testing.T) {
	step, err := automation.BuildStep(automation.StepInput{
		ActionKind: models.ActionSMS,
		Delay:      delay.Fields{Days: 2},
		Content:    models.ContentRef{Text: "See you soon"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.RecipientEntityContact, step.RecipientKind)

	spec, err := step.Delay()
	require.NoError(t, err)
	assert.Equal(t, delay.KindCalendarDay, spec.Kind())
	h, m := spec.TimeOfDay()
	assert.Equal(t, 9, h)
	assert.Equal(t, 0, m)
}

func TestBuildStepRejects(t *testing.T) {
	cases := map[string]automation.StepInput{
		"no content": {ActionKind: models.ActionEmail},
		"document without ref": {
			ActionKind: models.ActionDocumentSend,
			Content:    models.ContentRef{Subject: "Contract"},
		},
		"email with only a subject": {
			ActionKind: models.ActionEmail,
			Content:    models.ContentRef{Subject: "Hello"},
		},
		"sms with only html": {
			ActionKind: models.ActionSMS,
			Content:    models.ContentRef{Body: "<p>Hello</p>"},
		},
		"mixed delay": {
			ActionKind: models.ActionEmail,
			Delay:      delay.Fields{Days: 1, Hours: 2},
			Content:    models.ContentRef{Body: "x"},
		},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := automation.BuildStep(in)
			var cfgErr *delay.ConfigurationError
			assert.True(t, errors.As(err, &cfgErr), "got %v", err)
		})
	}
}

func TestBuildDripStepDefaults(t *testing.T) {
	step, err := automation.BuildDripStep(automation.DripStepInput{DaysAfterStart: 3, Content: models.ContentRef{TemplateID: uintp(4)}})
	require.NoError(t, err)
	assert.Equal(t, models.ActionEmail, step.ActionKind)
	assert.Equal(t, models.RecipientEntityContact, step.RecipientKind)

	_, err = automation.BuildDripStep(automation.DripStepInput{DaysAfterStart: -1, Content: models.ContentRef{Body: "x"}})
	assert.Error(t, err)
}

func TestValidateTrigger(t *testing.T) {
	assert.NoError(t, automation.ValidateTrigger(models.TriggerStageChange, nil))
	assert.NoError(t, automation.ValidateTrigger(models.TriggerSpecificStage, uintp(3)))
	assert.Error(t, automation.ValidateTrigger(models.TriggerSpecificStage, nil))
	assert.Error(t, automation.ValidateTrigger("WHENEVER", nil))
}

func TestValidateSendTime(t *testing.T) {
	assert.NoError(t, automation.ValidateSendTime(models.SendAtEnrollmentTime, 99, 99))
	assert.NoError(t, automation.ValidateSendTime(models.SendAtFixedTime, 23, 59))
	assert.Error(t, automation.ValidateSendTime(models.SendAtFixedTime, 24, 0))
	assert.Error(t, automation.ValidateSendTime(models.SendAtFixedTime, 8, 60))
	assert.Error(t, automation.ValidateSendTime("NOON", 0, 0))
}

func TestReindexCompacts(t *testing.T) {
	steps := []models.AutomationStep{{Model: gorm.Model{ID: 1}, OrderIndex: 4}, {Model: gorm.Model{ID: 2}, OrderIndex: 0}, {Model: gorm.Model{ID: 3}, OrderIndex: 9}}
	changed := automation.Reindex(steps)
	assert.ElementsMatch(t, []uint{1, 3}, changed)
	assert.Equal(t, []uint{2, 1, 3}, []uint{steps[0].ID, steps[1].ID, steps[2].ID})
}

func TestApplyOrder(t *testing.T) {
	steps := []models.AutomationStep{{Model: gorm.Model{ID: 1}}, {Model: gorm.Model{ID: 2}}, {Model: gorm.Model{ID: 3}}}
	require.NoError(t, automation.ApplyOrder(steps, []uint{3, 1, 2}))
	assert.Equal(t, 1, steps[0].OrderIndex)
	assert.Equal(t, 2, steps[1].OrderIndex)
	assert.Equal(t, 0, steps[2].OrderIndex)

	assert.Error(t, automation.ApplyOrder(steps, []uint{1, 2}))
	assert.Error(t, automation.ApplyOrder(steps, []uint{1, 1, 2}))
	assert.Error(t, automation.ApplyOrder(steps, []uint{1, 2, 4}))
}
