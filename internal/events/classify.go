// Package events holds the pure rules shared by the emitter, bus and handlers:
// event type parsing, classification, pattern matching and typed payloads.
package events

import (
	"regexp"
	"strings"

	"event-pipeline/internal/models"
)

// Classification is the derived category and severity of an event type.
type Classification struct {
	Category string
	Severity string
}

var (
	typePattern   = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)+$`)
	entityPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
)

var exactClasses = map[string]Classification{
	"user.login":                   {models.CategorySecurity, models.SeverityInfo},
	"user.logout":                  {models.CategorySecurity, models.SeverityInfo},
	"user.password_changed":        {models.CategorySecurity, models.SeverityWarning},
	"user.password_reset":          {models.CategorySecurity, models.SeverityWarning},
	"user.permission_changed":      {models.CategorySecurity, models.SeverityWarning},
	"user.role_changed":            {models.CategorySecurity, models.SeverityWarning},
	"security.suspicious_activity": {models.CategorySecurity, models.SeverityCritical},
}

var suffixClasses = map[string]Classification{
	"sla_breach":        {models.CategoryWorkflow, models.SeverityWarning},
	"timesheet_missing": {models.CategoryWorkflow, models.SeverityWarning},
	"approved":          {models.CategoryWorkflow, models.SeverityInfo},
	"rejected":          {models.CategoryWorkflow, models.SeverityInfo},
	"escalated":         {models.CategoryWorkflow, models.SeverityInfo},
}

// ValidType reports whether eventType has the "<entity>.<action>" shape.
func ValidType(eventType string) bool {
	return typePattern.MatchString(eventType)
}

// Split returns the entity prefix (text before the first dot) and the action
// (everything after it).
func Split(eventType string) (entity, action string) {
	entity, action, _ = strings.Cut(eventType, ".")
	return entity, action
}

// Classify derives category and severity from the event type. Unknown types
// are entity lifecycle events with info severity.
func Classify(eventType string) Classification {
	if c, ok := exactClasses[eventType]; ok {
		return c
	}
	entity, action := Split(eventType)
	switch entity {
	case "security":
		return Classification{models.CategorySecurity, models.SeverityWarning}
	case "system":
		return Classification{models.CategorySystem, models.SeverityInfo}
	}
	if c, ok := suffixClasses[action]; ok {
		return c
	}
	return Classification{models.CategoryEntity, models.SeverityInfo}
}
