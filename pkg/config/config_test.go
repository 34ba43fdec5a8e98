package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_WorkflowDefaults(t *testing.T) {
	t.Setenv("WORKFLOW_SWEEP_SCHEDULE", "")
	t.Setenv("WORKFLOW_BULK_CONCURRENCY", "")

	cfg := Load()

	assert.Equal(t, "@hourly", cfg.Workflow.SweepSchedule)
	assert.Equal(t, 8, cfg.Workflow.BulkConcurrency)
	assert.Equal(t, 30*24*time.Hour, cfg.Workflow.RenewalLeadTime)
	assert.Equal(t, "approved_vendor", cfg.Workflow.ApprovedVendorRole)
}

func TestLoad_ReadsOverrides(t *testing.T) {
	t.Setenv("WORKFLOW_STORAGE", "MEMORY")
	t.Setenv("WORKFLOW_SWEEP_SCHEDULE", "*/15 * * * *")
	t.Setenv("NOTIFY_REVIEWER_EMAILS", "a@example.com, b@example.com,,")
	t.Setenv("REDIS_URL", "redis://cache:6379")

	cfg := Load()

	assert.Equal(t, "memory", cfg.Workflow.Storage)
	assert.Equal(t, "*/15 * * * *", cfg.Workflow.SweepSchedule)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, cfg.Notification.ReviewerEmails)
	assert.Equal(t, "cache:6379", cfg.Redis.URL)
}

func TestValidateCore_ReportsMissing(t *testing.T) {
	cfg := &Config{
		Server:   ServerConfig{Port: "8080"},
		Redis:    RedisConfig{URL: "localhost:6379"},
		JWT:      JWTConfig{Secret: "change-this-secret"},
		Workflow: WorkflowConfig{Storage: "postgres"},
	}

	err := cfg.ValidateCore()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
	assert.Contains(t, err.Error(), "JWT_SECRET")
}

func TestValidateWorkflow(t *testing.T) {
	valid := WorkflowConfig{
		Storage:            "memory",
		SweepSchedule:      "@hourly",
		SweepLockTTL:       time.Minute,
		BulkConcurrency:    4,
		BulkMaxDocuments:   100,
		ApprovedVendorRole: "approved_vendor",
	}
	require.NoError(t, (&Config{Workflow: valid}).ValidateWorkflow())

	broken := valid
	broken.SweepSchedule = "every hour"
	broken.BulkConcurrency = 0
	err := (&Config{Workflow: broken}).ValidateWorkflow()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WORKFLOW_SWEEP_SCHEDULE")
	assert.Contains(t, err.Error(), "WORKFLOW_BULK_CONCURRENCY")
}
