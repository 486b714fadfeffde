package emitter

import (
	"context"

	"event-pipeline/internal/models"
)

// EmitOption shapes the optional fields of the convenience emitters.
type EmitOption func(*Input)

// WithActor sets the acting user.
func WithActor(id, name string) EmitOption {
	return func(in *Input) {
		in.ActorID = id
		in.ActorName = name
	}
}

// WithEntityName sets the display name of the subject entity.
func WithEntityName(name string) EmitOption {
	return func(in *Input) { in.EntityName = name }
}

// WithCorrelation groups the event with causally related ones.
func WithCorrelation(id string) EmitOption {
	return func(in *Input) { in.CorrelationID = id }
}

// WithParent links the event to the event that caused it and inherits its
// correlation id.
func WithParent(parent models.Event) EmitOption {
	return func(in *Input) {
		in.ParentEventID = parent.ID
		if in.CorrelationID == "" {
			in.CorrelationID = parent.CorrelationID
		}
	}
}

// WithSource overrides the event source.
func WithSource(source string) EmitOption {
	return func(in *Input) { in.Source = source }
}

// WithRelated attaches secondary entity references.
func WithRelated(refs ...models.EntityRef) EmitOption {
	return func(in *Input) { in.RelatedEntities = append(in.RelatedEntities, refs...) }
}

func shaped(in Input, opts []EmitOption) Input {
	for _, opt := range opts {
		opt(&in)
	}
	return in
}

// EmitCreated emits "<entityType>.created".
func (e *Emitter) EmitCreated(ctx context.Context, orgID, entityType, entityID string, data map[string]any, opts ...EmitOption) (models.Event, error) {
	return e.Emit(ctx, shaped(Input{
		Type: entityType + ".created", OrgID: orgID, EntityType: entityType, EntityID: entityID, Data: data,
	}, opts))
}

// EmitUpdated emits "<entityType>.updated" with the field changes.
func (e *Emitter) EmitUpdated(ctx context.Context, orgID, entityType, entityID string, changes []models.Change, opts ...EmitOption) (models.Event, error) {
	data := make(map[string]any, len(changes))
	for _, c := range changes {
		data[c.Field] = c.NewValue
	}
	return e.Emit(ctx, shaped(Input{
		Type: entityType + ".updated", OrgID: orgID, EntityType: entityType, EntityID: entityID,
		Data: data, Changes: changes,
	}, opts))
}

// EmitDeleted emits "<entityType>.deleted".
func (e *Emitter) EmitDeleted(ctx context.Context, orgID, entityType, entityID string, data map[string]any, opts ...EmitOption) (models.Event, error) {
	return e.Emit(ctx, shaped(Input{
		Type: entityType + ".deleted", OrgID: orgID, EntityType: entityType, EntityID: entityID, Data: data,
	}, opts))
}

// EmitStatusChanged emits "<entityType>.status_changed" with a status change.
func (e *Emitter) EmitStatusChanged(ctx context.Context, orgID, entityType, entityID, oldStatus, newStatus string, data map[string]any, opts ...EmitOption) (models.Event, error) {
	merged := map[string]any{"oldStatus": oldStatus, "newStatus": newStatus}
	for k, v := range data {
		merged[k] = v
	}
	return e.Emit(ctx, shaped(Input{
		Type: entityType + ".status_changed", OrgID: orgID, EntityType: entityType, EntityID: entityID,
		Data:    merged,
		Changes: []models.Change{{Field: "status", OldValue: oldStatus, NewValue: newStatus}},
	}, opts))
}

// EmitSystem emits a system event ("system.<action>") with no actor.
func (e *Emitter) EmitSystem(ctx context.Context, orgID, action string, data map[string]any, opts ...EmitOption) (models.Event, error) {
	return e.Emit(ctx, shaped(Input{
		Type: "system." + action, OrgID: orgID, EntityType: "system", EntityID: action,
		Data: data, Source: models.SourceSystem, ActorType: models.ActorSystem,
	}, opts))
}
