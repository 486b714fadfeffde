package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodePayload(t *testing.T) {
	p, ok := DecodePayload("submission.created", map[string]any{"jobTitle": "Backend Engineer", "extra": 1})
	require.True(t, ok)
	sub, ok := p.(*SubmissionCreated)
	require.True(t, ok)
	assert.Equal(t, "Backend Engineer", sub.JobTitle)
	assert.Equal(t, "submission.created", sub.EventType())

	_, ok = DecodePayload("widget.created", map[string]any{"a": "b"})
	assert.False(t, ok)

	_, ok = DecodePayload("submission.created", map[string]any{"jobTitle": 42})
	assert.False(t, ok, "mismatched field types fall back to the opaque map")
}

func TestValidator(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	assert.NoError(t, v.Validate("submission.created", map[string]any{"jobTitle": "Backend Engineer"}))
	assert.Error(t, v.Validate("submission.created", map[string]any{}))
	assert.Error(t, v.Validate("timesheet.submitted", map[string]any{"weekEnding": "2024-05-03", "hours": -1}))
	assert.NoError(t, v.Validate("timesheet.submitted", map[string]any{"weekEnding": "2024-05-03", "hours": 40}))
	assert.NoError(t, v.Validate("widget.created", nil))

	var nilValidator *Validator
	assert.NoError(t, nilValidator.Validate("submission.created", nil))
}
