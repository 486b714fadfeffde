package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatch(t *testing.T) {
	cases := []struct {
		pattern   string
		eventType string
		want      bool
	}{
		{"*", "submission.created", true},
		{"submission.created", "submission.created", true},
		{"submission.created", "submission.updated", false},
		{"submission.*", "submission.status_changed", true},
		{"submission.*", "job.created", false},
		{"job.*", "jobs.created", false},
		{"*.created", "submission.created", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Match(tc.pattern, tc.eventType), "%s vs %s", tc.pattern, tc.eventType)
	}
}

func TestMatchWebhookSupportsSuffixWildcard(t *testing.T) {
	assert.True(t, MatchWebhook("*.created", "submission.created"))
	assert.True(t, MatchWebhook("*.created", "job.created"))
	assert.False(t, MatchWebhook("*.created", "job.updated"))
	assert.True(t, MatchWebhook("job.*", "job.updated"))
	assert.True(t, MatchWebhook("*", "anything.else"))
	assert.False(t, MatchWebhook("*.*", "job.updated"))
}

func TestValidPattern(t *testing.T) {
	assert.True(t, ValidPattern("*", false))
	assert.True(t, ValidPattern("submission.*", false))
	assert.True(t, ValidPattern("submission.created", false))
	assert.False(t, ValidPattern("*.created", false))
	assert.True(t, ValidPattern("*.created", true))
	assert.False(t, ValidPattern("*.*", true))
	assert.False(t, ValidPattern("submission", false))
	assert.False(t, ValidPattern("", true))
}
