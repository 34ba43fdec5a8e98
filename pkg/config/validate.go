// Package config loads and validates service configuration.
package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// ValidateCore ensures critical configuration is present.
func (c *Config) ValidateCore() error {
	var missing []string

	if c.Workflow.Storage == "postgres" && strings.TrimSpace(c.Database.URL) == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if strings.TrimSpace(c.Redis.URL) == "" {
		missing = append(missing, "REDIS_URL")
	}
	if strings.TrimSpace(c.Server.Port) == "" {
		missing = append(missing, "SERVER_PORT")
	}
	if strings.TrimSpace(c.JWT.Secret) == "" || c.JWT.Secret == "change-this-secret" {
		missing = append(missing, "JWT_SECRET")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	return c.ValidateWorkflow()
}

// ValidateWorkflow checks the workflow section on its own; the sweep binary
// only needs this part.
func (c *Config) ValidateWorkflow() error {
	var problems []string

	switch c.Workflow.Storage {
	case "postgres", "memory":
	default:
		problems = append(problems, fmt.Sprintf("WORKFLOW_STORAGE must be postgres or memory, got %q", c.Workflow.Storage))
	}
	if _, err := cron.ParseStandard(c.Workflow.SweepSchedule); err != nil {
		problems = append(problems, fmt.Sprintf("WORKFLOW_SWEEP_SCHEDULE: %v", err))
	}
	if c.Workflow.BulkConcurrency < 1 {
		problems = append(problems, "WORKFLOW_BULK_CONCURRENCY must be at least 1")
	}
	if c.Workflow.BulkMaxDocuments < 1 {
		problems = append(problems, "WORKFLOW_BULK_MAX_DOCUMENTS must be at least 1")
	}
	if c.Workflow.SweepLockTTL <= 0 {
		problems = append(problems, "WORKFLOW_SWEEP_LOCK_TTL must be positive")
	}
	if strings.TrimSpace(c.Workflow.ApprovedVendorRole) == "" {
		problems = append(problems, "WORKFLOW_APPROVED_VENDOR_ROLE must not be empty")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid workflow configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
