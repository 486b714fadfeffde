package bus

import (
	"context"

	"event-pipeline/internal/models"
)

// Built-in priorities. User handlers default to PriorityDefault.
const (
	PriorityActivity = 100
	PriorityDefault  = 0
	PriorityAudit    = -100
)

// Result describes what a handler did with an event. The bus only inspects
// the returned error; Result feeds logs and tests.
type Result struct {
	Success bool           `json:"success"`
	Skipped bool           `json:"skipped,omitempty"`
	Count   int            `json:"count,omitempty"`
	IDs     []string       `json:"ids,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Handler consumes events dispatched by the bus. Name identifies the handler
// in logs, metrics and duplicate-registration checks; one name maps to one handler.
type Handler interface {
	Name() string
	Handle(ctx context.Context, evt models.Event) (Result, error)
}

// HandlerFunc adapts a function to Handler under a fixed name.
type HandlerFunc func(ctx context.Context, evt models.Event) (Result, error)

type namedHandler struct {
	name string
	fn   HandlerFunc
}

func (h *namedHandler) Name() string { return h.name }

func (h *namedHandler) Handle(ctx context.Context, evt models.Event) (Result, error) {
	return h.fn(ctx, evt)
}

// Named wraps fn as a Handler called name. Each call yields a distinct
// handler; keep the returned value to subscribe it under several patterns.
func Named(name string, fn HandlerFunc) Handler {
	return &namedHandler{name: name, fn: fn}
}

// HandlerFailure pairs a handler with the error it produced for one event.
type HandlerFailure struct {
	Handler string
	Err     error
}

// ActivityProcessor creates follow-up activities for an event.
type ActivityProcessor interface {
	ProcessEvent(ctx context.Context, evt models.Event) ([]models.Activity, error)
}
