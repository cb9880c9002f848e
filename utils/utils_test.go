package utils

import (
	"testing"
	"time"

	"thephotocrm/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestJWTRoundTrip(t *testing.T) {
	user := &models.User{Model: gorm.Model{ID: 4}, TenantID: 9, TokenVersion: 2}

	token, err := GenerateJWTToken(user, "secret", time.Minute)
	require.NoError(t, err)

	claims, err := ParseJWTToken(token, "secret")
	require.NoError(t, err)
	assert.Equal(t, uint(4), claims.UserID)
	assert.Equal(t, uint(9), claims.TenantID)
	assert.Equal(t, 2, claims.TokenVersion)

	_, err = ParseJWTToken(token, "other")
	assert.Error(t, err)

	expired, err := GenerateJWTToken(user, "secret", -time.Minute)
	require.NoError(t, err)
	_, err = ParseJWTToken(expired, "secret")
	assert.Error(t, err)
}

func TestJWTRequiresTenant(t *testing.T) {
	token, err := GenerateJWTToken(&models.User{Model: gorm.Model{ID: 4}}, "secret", time.Minute)
	require.NoError(t, err)
	_, err = ParseJWTToken(token, "secret")
	assert.Error(t, err)
}

func TestValidateStruct(t *testing.T) {
	type input struct {
		Name string `validate:"required"`
		Kind string `validate:"oneof=EMAIL SMS"`
		Days int    `validate:"min=0"`
	}

	assert.NoError(t, ValidateStruct(input{Name: "x", Kind: "SMS"}))

	err := ValidateStruct(input{Kind: "FAX", Days: -1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name is required")
	assert.Contains(t, err.Error(), "kind must be one of: EMAIL SMS")
	assert.Contains(t, err.Error(), "days must be at least 0")
}

func TestGenerateRateLimitKey(t *testing.T) {
	assert.Equal(t, "rl:3:intake:/api/v1/events/stage-change", GenerateRateLimitKey(3, "intake", "/api/v1/events/stage-change"))
}
