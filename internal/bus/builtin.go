package bus

import (
	"context"
	"log/slog"

	"event-pipeline/internal/models"
)

// activityMatcher hands every event to the activity engine.
type activityMatcher struct {
	processor ActivityProcessor
}

func (*activityMatcher) Name() string { return "activity-pattern-matcher" }

func (m *activityMatcher) Handle(ctx context.Context, evt models.Event) (Result, error) {
	if m.processor == nil {
		return Result{Success: true, Skipped: true}, nil
	}
	created, err := m.processor.ProcessEvent(ctx, evt)
	if err != nil {
		return Result{Error: err.Error()}, err
	}
	ids := make([]string, 0, len(created))
	for _, a := range created {
		ids = append(ids, a.ID)
	}
	return Result{Success: true, Count: len(created), IDs: ids}, nil
}

// auditEcho writes a structured log line for every dispatched event.
type auditEcho struct {
	log *slog.Logger
}

func (*auditEcho) Name() string { return "audit-echo" }

func (a *auditEcho) Handle(_ context.Context, evt models.Event) (Result, error) {
	a.log.Info("event",
		slog.String("event_id", evt.ID),
		slog.String("event_type", evt.Type),
		slog.String("org_id", evt.OrgID),
		slog.String("category", evt.Category),
		slog.String("severity", evt.Severity),
		slog.String("entity_type", evt.EntityType),
		slog.String("entity_id", evt.EntityID),
		slog.String("actor_id", evt.ActorID),
		slog.String("correlation_id", evt.CorrelationID),
	)
	return Result{Success: true}, nil
}
