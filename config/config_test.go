package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEngine() EngineConfig {
	return EngineConfig{
		SweepInterval:   time.Minute,
		SweepBatchSize:  100,
		MaxSendRetries:  3,
		RetryBaseDelay:  time.Minute,
		RetryMaxDelay:   time.Hour,
		StaleClaimAfter: 10 * time.Minute,
		SendTimeout:     30 * time.Second,
		DefaultTimezone: "America/New_York",
	}
}

func TestEngineConfigValidate(t *testing.T) {
	require.NoError(t, validEngine().Validate())

	cases := map[string]func(*EngineConfig){
		"sub-second sweep":        func(e *EngineConfig) { e.SweepInterval = 100 * time.Millisecond },
		"empty batch":             func(e *EngineConfig) { e.SweepBatchSize = 0 },
		"no retries":              func(e *EngineConfig) { e.MaxSendRetries = 0 },
		"base above max":          func(e *EngineConfig) { e.RetryBaseDelay = 2 * time.Hour },
		"stale shorter than send": func(e *EngineConfig) { e.StaleClaimAfter = 10 * time.Second },
		"negative rate":           func(e *EngineConfig) { e.TenantSendRate = -1 },
		"unknown timezone":        func(e *EngineConfig) { e.DefaultTimezone = "Mars/Olympus" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			e := validEngine()
			mutate(&e)
			assert.Error(t, e.Validate())
		})
	}
}

func TestDefaultLocation(t *testing.T) {
	e := validEngine()
	assert.Equal(t, "America/New_York", e.DefaultLocation().String())

	e.DefaultTimezone = "nowhere"
	assert.Equal(t, time.UTC, e.DefaultLocation())
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("CRM_TEST_INT", "42")
	t.Setenv("CRM_TEST_BAD_INT", "forty")
	t.Setenv("CRM_TEST_FLOAT", "2.5")
	t.Setenv("CRM_TEST_BOOL", "true")
	t.Setenv("CRM_TEST_DURATION", "90s")

	assert.Equal(t, 42, getEnvAsInt("CRM_TEST_INT", 1))
	assert.Equal(t, 1, getEnvAsInt("CRM_TEST_BAD_INT", 1))
	assert.Equal(t, 7, getEnvAsInt("CRM_TEST_MISSING", 7))
	assert.Equal(t, 2.5, getEnvAsFloat("CRM_TEST_FLOAT", 0))
	assert.True(t, getEnvAsBool("CRM_TEST_BOOL", false))
	assert.Equal(t, 90*time.Second, getEnvAsDuration("CRM_TEST_DURATION", time.Second))
	assert.Equal(t, time.Second, getEnvAsDuration("CRM_TEST_MISSING", time.Second))
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"https://a.test", "https://b.test"}, splitList(" https://a.test, ,https://b.test "))
	assert.Nil(t, splitList(""))
}

func TestMaskPassword(t *testing.T) {
	assert.Equal(t, "host=db password=***** dbname=crm", maskPassword("host=db password=hunter2 dbname=crm"))
	assert.Equal(t, "host=db password=*****", maskPassword("host=db password=hunter2"))
	assert.Equal(t, "host=db", maskPassword("host=db"))
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("ENVIRONMENT", "development")
	t.Setenv("DB_PASSWORD", "secret")
	t.Setenv("JWT_SECRET", "jwt")
	t.Setenv("SWEEP_INTERVAL", "30s")
	t.Setenv("TENANT_SEND_RATE", "0.5")
	t.Setenv("ALLOWED_ORIGINS", "https://app.test,https://admin.test")

	require.NoError(t, LoadConfig())
	assert.Equal(t, 30*time.Second, AppConfig.Engine.SweepInterval)
	assert.Equal(t, 0.5, AppConfig.Engine.TenantSendRate)
	assert.Equal(t, []string{"https://app.test", "https://admin.test"}, AppConfig.AllowedOrigins)
}

func TestLoadConfigRequiresSecrets(t *testing.T) {
	t.Setenv("ENVIRONMENT", "development")
	t.Setenv("DB_PASSWORD", "secret")
	t.Setenv("JWT_SECRET", "")
	assert.ErrorContains(t, LoadConfig(), "JWT_SECRET")

	t.Setenv("JWT_SECRET", "jwt")
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("SMTP_HOST", "")
	assert.ErrorContains(t, LoadConfig(), "SMTP_HOST")
}
