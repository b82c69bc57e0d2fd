package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 10, cfg.JobBatchSize)
	assert.Equal(t, 3, cfg.JobMaxRetries)
	assert.Equal(t, 25*time.Second, cfg.JobCallTimeout)
	assert.Equal(t, 100, cfg.StripeMinutesPerUnit)
	assert.Equal(t, time.Duration(0), cfg.JobRunInterval)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("JOB_BATCH_SIZE", "25")
	t.Setenv("JOB_INTER_DELAY", "500ms")
	t.Setenv("PHONE_NUMBER_MONTHLY_COST", "2.50")

	cfg := Load()

	assert.Equal(t, "9999", cfg.Port)
	assert.Equal(t, 25, cfg.JobBatchSize)
	assert.Equal(t, 500*time.Millisecond, cfg.JobInterDelay)
	assert.Equal(t, 2.50, cfg.PhoneNumberMonthlyCost)
}

func TestInvalidEnvFallsBack(t *testing.T) {
	t.Setenv("JOB_BATCH_SIZE", "not-a-number")
	t.Setenv("JOB_INTER_DELAY", "garbage")

	cfg := Load()

	assert.Equal(t, 10, cfg.JobBatchSize)
	assert.Equal(t, 2*time.Second, cfg.JobInterDelay)
}
