// Package emitter is the single entry point domain code uses to record that
// something happened. It classifies and persists the event, then hands it to
// the bus without waiting for handlers.
package emitter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"event-pipeline/internal/events"
	"event-pipeline/internal/models"
	"event-pipeline/internal/telemetry"
)

// ErrInvalidInput reports a malformed emit request.
var ErrInvalidInput = errors.New("emitter: invalid input")

// EventStore is the persistence the emitter needs.
type EventStore interface {
	InsertEvent(ctx context.Context, evt models.Event) error
}

// Publisher accepts events for asynchronous dispatch.
type Publisher interface {
	Enqueue(evt models.Event) (<-chan struct{}, error)
}

// Input describes an event to emit.
type Input struct {
	Type            string             `json:"type"`
	OrgID           string             `json:"orgId"`
	EntityType      string             `json:"entityType"`
	EntityID        string             `json:"entityId"`
	EntityName      string             `json:"entityName,omitempty"`
	ActorType       string             `json:"actorType,omitempty"`
	ActorID         string             `json:"actorId,omitempty"`
	ActorName       string             `json:"actorName,omitempty"`
	RelatedEntities []models.EntityRef `json:"relatedEntities,omitempty"`
	Data            map[string]any     `json:"eventData"`
	Changes         []models.Change    `json:"changes,omitempty"`
	Source          string             `json:"source,omitempty"`
	CorrelationID   string             `json:"correlationId,omitempty"`
	ParentEventID   string             `json:"parentEventId,omitempty"`
	OccurredAt      *time.Time         `json:"occurredAt,omitempty"`
}

// Emitter builds, persists and publishes events.
type Emitter struct {
	store     EventStore
	bus       Publisher
	validator *events.Validator
	log       *slog.Logger
	now       func() time.Time
}

// Option configures an Emitter.
type Option func(*Emitter)

// WithValidator enables payload schema checks. Violations are logged only.
func WithValidator(v *events.Validator) Option {
	return func(e *Emitter) { e.validator = v }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Emitter) { e.now = now }
}

// New constructs an Emitter.
func New(store EventStore, bus Publisher, logger *slog.Logger, opts ...Option) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Emitter{
		store: store,
		bus:   bus,
		log:   logger.With(slog.String("component", "emitter")),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Emit records an event and publishes it. Storage failures are logged and
// swallowed; only malformed input returns an error.
func (e *Emitter) Emit(ctx context.Context, in Input) (models.Event, error) {
	evt, _, err := e.emit(ctx, in)
	return evt, err
}

// EmitAsync is Emit plus a channel closed once the bus has run every handler
// for the event.
func (e *Emitter) EmitAsync(ctx context.Context, in Input) (models.Event, <-chan struct{}, error) {
	return e.emit(ctx, in)
}

// EmitBatch validates every input first and emits nothing if any is invalid;
// otherwise the inputs are emitted in order.
func (e *Emitter) EmitBatch(ctx context.Context, inputs []Input) ([]models.Event, error) {
	for i, in := range inputs {
		if err := validate(in); err != nil {
			return nil, fmt.Errorf("batch item %d: %w", i, err)
		}
	}
	out := make([]models.Event, 0, len(inputs))
	for _, in := range inputs {
		evt, _, err := e.emit(ctx, in)
		if err != nil {
			return out, err
		}
		out = append(out, evt)
	}
	return out, nil
}

func (e *Emitter) emit(ctx context.Context, in Input) (models.Event, <-chan struct{}, error) {
	if err := validate(in); err != nil {
		return models.Event{}, nil, err
	}
	evt := e.build(in)

	if e.validator != nil {
		if err := e.validator.Validate(evt.Type, evt.Data); err != nil {
			e.log.Warn("event data does not match schema",
				slog.String("event_id", evt.ID),
				slog.String("event_type", evt.Type),
				slog.String("error", err.Error()),
			)
		}
	}

	if err := e.store.InsertEvent(ctx, evt); err != nil {
		telemetry.EventPersistFailures.Inc()
		e.log.Error("persist event failed",
			slog.String("event_id", evt.ID),
			slog.String("event_type", evt.Type),
			slog.String("org_id", evt.OrgID),
			slog.String("error", err.Error()),
		)
	}
	telemetry.EventsEmitted.WithLabelValues(evt.Category).Inc()

	done, err := e.bus.Enqueue(evt)
	if err != nil {
		e.log.Error("publish event failed",
			slog.String("event_id", evt.ID),
			slog.String("event_type", evt.Type),
			slog.String("error", err.Error()),
		)
		closed := make(chan struct{})
		close(closed)
		return evt, closed, nil
	}
	return evt, done, nil
}

func validate(in Input) error {
	switch {
	case in.Type == "":
		return fmt.Errorf("%w: type is required", ErrInvalidInput)
	case !events.ValidType(in.Type):
		return fmt.Errorf("%w: malformed event type %q", ErrInvalidInput, in.Type)
	case in.OrgID == "":
		return fmt.Errorf("%w: orgId is required", ErrInvalidInput)
	case in.EntityType == "":
		return fmt.Errorf("%w: entityType is required", ErrInvalidInput)
	case in.EntityID == "":
		return fmt.Errorf("%w: entityId is required", ErrInvalidInput)
	}
	return nil
}

func (e *Emitter) build(in Input) models.Event {
	now := e.now().UTC()
	occurred := now
	if in.OccurredAt != nil {
		occurred = in.OccurredAt.UTC()
	}
	class := events.Classify(in.Type)

	actorType := in.ActorType
	if actorType == "" {
		actorType = models.ActorSystem
		if in.ActorID != "" {
			actorType = models.ActorUser
		}
	}
	source := in.Source
	if source == "" {
		source = models.SourceSystem
		if in.ActorID != "" {
			source = models.SourceUI
		}
	}
	data := in.Data
	if data == nil {
		data = map[string]any{}
	}

	id := uuid.NewString()
	correlation := in.CorrelationID
	if correlation == "" {
		correlation = id
	}
	return models.Event{
		ID:              id,
		OrgID:           in.OrgID,
		Type:            in.Type,
		Category:        class.Category,
		Severity:        class.Severity,
		ActorType:       actorType,
		ActorID:         in.ActorID,
		ActorName:       in.ActorName,
		EntityType:      in.EntityType,
		EntityID:        in.EntityID,
		EntityName:      in.EntityName,
		RelatedEntities: in.RelatedEntities,
		Data:            data,
		Changes:         in.Changes,
		Source:          source,
		CorrelationID:   correlation,
		ParentEventID:   in.ParentEventID,
		OccurredAt:      occurred,
		RecordedAt:      now,
		Status:          models.EventPending,
	}
}
