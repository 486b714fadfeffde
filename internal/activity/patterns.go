package activity

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"event-pipeline/internal/events"
)

// Assignee roles understood by the engine.
const (
	RoleResponsible = "responsible"
	RoleActor       = "actor"
)

// Pattern turns a matching event into a follow-up activity.
type Pattern struct {
	ID                  string `yaml:"id"`
	EventType           string `yaml:"event_type"`
	ActivityType        string `yaml:"activity_type"`
	SubjectTemplate     string `yaml:"subject"`
	DescriptionTemplate string `yaml:"description"`
	Priority            string `yaml:"priority"`
	DueOffsetHours      int    `yaml:"due_offset_hours"`
	AssigneeRole        string `yaml:"assignee_role"`
}

// DefaultPatterns ship with the service and can be replaced by a YAML file.
var DefaultPatterns = []Pattern{
	{
		ID:                  "candidate-intro-call",
		EventType:           "candidate.created",
		ActivityType:        "call",
		SubjectTemplate:     "Introduction call with {{candidateName}}",
		DescriptionTemplate: "Schedule introduction call to discuss career goals and opportunities",
		Priority:            "high",
		DueOffsetHours:      24,
		AssigneeRole:        RoleResponsible,
	},
	{
		ID:                  "submission-follow-up",
		EventType:           "submission.created",
		ActivityType:        "task",
		SubjectTemplate:     "Follow up on submission: {{candidateName}} → {{jobTitle}}",
		DescriptionTemplate: "Follow up with client on candidate submission",
		Priority:            "high",
		DueOffsetHours:      48,
		AssigneeRole:        RoleResponsible,
	},
	{
		ID:                  "placement-start-check-in",
		EventType:           "placement.created",
		ActivityType:        "call",
		SubjectTemplate:     "Start date check-in with {{candidateName}}",
		DescriptionTemplate: "Confirm first-day logistics with {{clientName}}",
		Priority:            "medium",
		DueOffsetHours:      72,
		AssigneeRole:        RoleResponsible,
	},
	{
		ID:                  "job-sla-escalation",
		EventType:           "job.sla_breach",
		ActivityType:        "task",
		SubjectTemplate:     "Escalate SLA breach on {{title}}",
		DescriptionTemplate: "Review sourcing plan and update the client",
		Priority:            "urgent",
		DueOffsetHours:      4,
		AssigneeRole:        RoleResponsible,
	},
	{
		ID:                  "timesheet-reminder",
		EventType:           "timesheet.timesheet_missing",
		ActivityType:        "reminder",
		SubjectTemplate:     "Chase missing timesheet for week ending {{weekEnding}}",
		Priority:            "medium",
		DueOffsetHours:      24,
		AssigneeRole:        RoleResponsible,
	},
}

type patternFile struct {
	Patterns []Pattern `yaml:"patterns"`
}

// LoadPatterns reads patterns from a YAML document with a top-level
// "patterns" list.
func LoadPatterns(path string) ([]Pattern, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read activity patterns: %w", err)
	}
	var f patternFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse activity patterns: %w", err)
	}
	for i, p := range f.Patterns {
		if err := p.validate(); err != nil {
			return nil, fmt.Errorf("pattern %d: %w", i, err)
		}
	}
	return f.Patterns, nil
}

func (p Pattern) validate() error {
	switch {
	case p.ID == "":
		return fmt.Errorf("id is required")
	case !events.ValidPattern(p.EventType, false):
		return fmt.Errorf("invalid event_type %q", p.EventType)
	case p.ActivityType == "":
		return fmt.Errorf("activity_type is required")
	case p.SubjectTemplate == "":
		return fmt.Errorf("subject is required")
	case p.DueOffsetHours < 0:
		return fmt.Errorf("due_offset_hours must not be negative")
	}
	return nil
}
