// Package activity creates follow-up work items from events using a table of
// patterns.
package activity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"

	"event-pipeline/internal/events"
	"event-pipeline/internal/models"
)

const defaultPriority = "medium"

// Store persists activities; CreateActivity reports false for an
// (event, pattern) pair that already exists.
type Store interface {
	CreateActivity(ctx context.Context, act models.Activity) (bool, error)
}

// Engine matches events against patterns and creates activities.
type Engine struct {
	store           Store
	patterns        []Pattern
	defaultAssignee string
	log             *slog.Logger
	now             func() time.Time
}

// NewEngine builds an engine. defaultAssignee is used when neither the event
// data nor the actor names an owner.
func NewEngine(store Store, patterns []Pattern, defaultAssignee string, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:           store,
		patterns:        patterns,
		defaultAssignee: defaultAssignee,
		log:             logger.With(slog.String("component", "activity")),
		now:             time.Now,
	}
}

// Patterns returns the patterns matching eventType.
func (e *Engine) Patterns(eventType string) []Pattern {
	var out []Pattern
	for _, p := range e.patterns {
		if events.Match(p.EventType, eventType) {
			out = append(out, p)
		}
	}
	return out
}

// ProcessEvent creates one activity per matching pattern. Replaying an event
// creates nothing new; only freshly created activities are returned.
func (e *Engine) ProcessEvent(ctx context.Context, evt models.Event) ([]models.Activity, error) {
	var created []models.Activity
	var errs []error
	for _, p := range e.Patterns(evt.Type) {
		act := e.build(p, evt)
		ok, err := e.store.CreateActivity(ctx, act)
		if err != nil {
			errs = append(errs, fmt.Errorf("pattern %s: %w", p.ID, err))
			continue
		}
		if !ok {
			e.log.Debug("activity already exists",
				slog.String("event_id", evt.ID),
				slog.String("pattern_id", p.ID),
			)
			continue
		}
		created = append(created, act)
	}
	return created, errors.Join(errs...)
}

func (e *Engine) build(p Pattern, evt models.Event) models.Activity {
	vars := variables(evt)
	priority := p.Priority
	if priority == "" {
		priority = defaultPriority
	}
	return models.Activity{
		ID:           uuid.NewString(),
		OrgID:        evt.OrgID,
		EventID:      evt.ID,
		PatternID:    p.ID,
		ActivityType: p.ActivityType,
		Subject:      Interpolate(p.SubjectTemplate, vars),
		Description:  Interpolate(p.DescriptionTemplate, vars),
		Priority:     priority,
		Status:       models.ActivityPending,
		AssignedTo:   e.resolveAssignee(p, evt),
		EntityType:   evt.EntityType,
		EntityID:     evt.EntityID,
		DueAt:        evt.OccurredAt.Add(time.Duration(p.DueOffsetHours) * time.Hour),
		CreatedAt:    e.now().UTC(),
	}
}

func (e *Engine) resolveAssignee(p Pattern, evt models.Event) string {
	if p.AssigneeRole != RoleActor {
		if v, ok := evt.Data["responsibleUserId"].(string); ok && v != "" {
			return v
		}
	}
	if evt.ActorID != "" {
		return evt.ActorID
	}
	return e.defaultAssignee
}

func variables(evt models.Event) map[string]any {
	vars := map[string]any{
		"entityType": evt.EntityType,
		"entityId":   evt.EntityID,
		"entityName": evt.EntityName,
		"actorName":  evt.ActorName,
	}
	for k, v := range evt.Data {
		vars[k] = v
	}
	return vars
}

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}`)

// Interpolate replaces {{name}} with vars[name]. Unknown names are left as is.
func Interpolate(tmpl string, vars map[string]any) string {
	return placeholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		key := placeholder.FindStringSubmatch(m)[1]
		v, ok := vars[key]
		if !ok || v == nil {
			return m
		}
		return fmt.Sprint(v)
	})
}
