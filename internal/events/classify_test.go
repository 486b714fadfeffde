package events

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"event-pipeline/internal/models"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		eventType string
		category  string
		severity  string
	}{
		{"submission.created", models.CategoryEntity, models.SeverityInfo},
		{"candidate.updated", models.CategoryEntity, models.SeverityInfo},
		{"job.sla_breach", models.CategoryWorkflow, models.SeverityWarning},
		{"timesheet.timesheet_missing", models.CategoryWorkflow, models.SeverityWarning},
		{"timesheet.approved", models.CategoryWorkflow, models.SeverityInfo},
		{"user.login", models.CategorySecurity, models.SeverityInfo},
		{"user.permission_changed", models.CategorySecurity, models.SeverityWarning},
		{"security.access_denied", models.CategorySecurity, models.SeverityWarning},
		{"security.suspicious_activity", models.CategorySecurity, models.SeverityCritical},
		{"system.maintenance_started", models.CategorySystem, models.SeverityInfo},
	}
	for _, tc := range cases {
		t.Run(tc.eventType, func(t *testing.T) {
			got := Classify(tc.eventType)
			assert.Equal(t, tc.category, got.Category)
			assert.Equal(t, tc.severity, got.Severity)
		})
	}
}

func TestValidTypeAndSplit(t *testing.T) {
	assert.True(t, ValidType("submission.created"))
	assert.True(t, ValidType("user.password_changed"))
	assert.False(t, ValidType("submission"))
	assert.False(t, ValidType("Submission.Created"))
	assert.False(t, ValidType("submission."))
	assert.False(t, ValidType(""))

	entity, action := Split("job.sla_breach")
	assert.Equal(t, "job", entity)
	assert.Equal(t, "sla_breach", action)
}
