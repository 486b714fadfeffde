// Package bus is the in-process event dispatcher. Events are drained from a
// single FIFO queue by one goroutine at a time; for each event the matching
// handlers run one after another in descending priority order.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"event-pipeline/internal/events"
	"event-pipeline/internal/models"
	"event-pipeline/internal/telemetry"
)

// ErrClosed is returned when publishing to a closed bus.
var ErrClosed = errors.New("bus: closed")

// ErrNameTaken is returned when a different handler is subscribed under a
// name that is already registered.
var ErrNameTaken = errors.New("bus: handler name already registered")

// dispatchKey marks contexts handed to handlers by a given bus.
type dispatchKey struct{}

const defaultHandlerTimeout = 10 * time.Second

// Config configures a Bus.
type Config struct {
	// HandlerTimeout bounds each handler invocation. A timeout counts as a failure.
	HandlerTimeout time.Duration
	Logger         *slog.Logger
	// Activities backs the built-in activity pattern matcher. Nil skips activity creation.
	Activities     ActivityProcessor
	TracerProvider trace.TracerProvider
	// OnDispatched runs after every handler for evt has finished.
	OnDispatched func(ctx context.Context, evt models.Event, failures []HandlerFailure)
}

// Option customizes a subscription.
type Option func(*subscription)

// WithPriority sets the dispatch priority; higher runs first.
func WithPriority(priority int) Option {
	return func(s *subscription) { s.priority = priority }
}

// HandlerInfo describes a registered subscription.
type HandlerInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Pattern  string `json:"pattern"`
	Priority int    `json:"priority"`
}

type subscription struct {
	id       string
	pattern  string
	handler  Handler
	priority int
	seq      uint64
}

type envelope struct {
	evt  models.Event
	done chan struct{}
}

// Bus dispatches events to subscribed handlers.
type Bus struct {
	cfg    Config
	log    *slog.Logger
	tracer trace.Tracer

	mu       sync.Mutex
	subs     []*subscription
	seq      uint64
	queue    []*envelope
	draining bool
	idle     chan struct{}
	closed   bool
}

// New constructs a bus with the built-in activity matcher and audit echo registered.
func New(cfg Config) *Bus {
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = defaultHandlerTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	idle := make(chan struct{})
	close(idle)
	b := &Bus{
		cfg:    cfg,
		log:    cfg.Logger.With(slog.String("component", "bus")),
		tracer: telemetry.Tracer(cfg.TracerProvider),
		idle:   idle,
	}
	// built-in patterns are valid, errors are impossible here
	_, _ = b.Subscribe(events.Wildcard, &activityMatcher{processor: cfg.Activities}, WithPriority(PriorityActivity))
	_, _ = b.Subscribe(events.Wildcard, &auditEcho{log: b.log}, WithPriority(PriorityAudit))
	return b
}

// Subscribe registers h for events matching pattern. Registering the same
// handler under the same pattern again returns the existing id. A name
// identifies exactly one handler: subscribing a different handler under a
// registered name fails with ErrNameTaken.
func (b *Bus) Subscribe(pattern string, h Handler, opts ...Option) (string, error) {
	if h == nil {
		return "", errors.New("bus: nil handler")
	}
	if !events.ValidPattern(pattern, false) {
		return "", fmt.Errorf("bus: invalid pattern %q", pattern)
	}
	sub := &subscription{pattern: pattern, handler: h, priority: PriorityDefault}
	for _, opt := range opts {
		opt(sub)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, existing := range b.subs {
		if existing.handler.Name() != h.Name() {
			continue
		}
		if !sameHandler(existing.handler, h) {
			return "", fmt.Errorf("%w: %q", ErrNameTaken, h.Name())
		}
		if existing.pattern == pattern {
			return existing.id, nil
		}
	}
	b.seq++
	sub.id = uuid.NewString()
	sub.seq = b.seq
	b.subs = append(b.subs, sub)
	return sub.id, nil
}

// Unsubscribe removes a subscription. It reports whether the id was known.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Handlers lists subscriptions in dispatch order for a global event.
func (b *Bus) Handlers() []HandlerInfo {
	b.mu.Lock()
	subs := append([]*subscription(nil), b.subs...)
	b.mu.Unlock()
	sortSubscriptions(subs)
	out := make([]HandlerInfo, 0, len(subs))
	for _, s := range subs {
		out = append(out, HandlerInfo{ID: s.id, Name: s.handler.Name(), Pattern: s.pattern, Priority: s.priority})
	}
	return out
}

// Enqueue appends evt to the dispatch queue without waiting. The returned
// channel is closed once every handler for evt has finished.
func (b *Bus) Enqueue(evt models.Event) (<-chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	env := &envelope{evt: evt, done: make(chan struct{})}
	b.queue = append(b.queue, env)
	if !b.draining {
		b.draining = true
		b.idle = make(chan struct{})
		go b.drain()
	}
	return env.done, nil
}

// Publish enqueues evt and waits until it has been fully dispatched. If ctx
// ends first the event is still dispatched; only the wait is abandoned.
// Called with a handler's context, Publish only enqueues: the event runs
// after the current one on the same drain loop.
func (b *Bus) Publish(ctx context.Context, evt models.Event) error {
	done, err := b.Enqueue(evt)
	if err != nil {
		return err
	}
	if owner, _ := ctx.Value(dispatchKey{}).(*Bus); owner == b {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush waits until the queue is empty and no drain is running.
func (b *Bus) Flush(ctx context.Context) error {
	for {
		b.mu.Lock()
		if !b.draining {
			b.mu.Unlock()
			return nil
		}
		idle := b.idle
		b.mu.Unlock()
		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close rejects further events and waits for queued ones to drain.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return b.Flush(ctx)
}

func (b *Bus) drain() {
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.draining = false
			close(b.idle)
			b.mu.Unlock()
			return
		}
		env := b.queue[0]
		b.queue[0] = nil
		b.queue = b.queue[1:]
		handlers := b.resolve(env.evt.Type)
		b.mu.Unlock()

		b.dispatch(env.evt, handlers)
		close(env.done)
	}
}

// resolve returns the subscriptions matching eventType in dispatch order. A
// handler registered under several matching patterns runs once, at its
// highest priority. Callers hold b.mu.
func (b *Bus) resolve(eventType string) []*subscription {
	var matched []*subscription
	for _, s := range b.subs {
		if events.Match(s.pattern, eventType) {
			matched = append(matched, s)
		}
	}
	sortSubscriptions(matched)
	seen := make(map[string]bool, len(matched))
	out := matched[:0]
	for _, s := range matched {
		name := s.handler.Name()
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, s)
	}
	return out
}

// sameHandler compares handler values without panicking on
// non-comparable dynamic types.
func sameHandler(a, b Handler) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}

func sortSubscriptions(subs []*subscription) {
	sort.SliceStable(subs, func(i, j int) bool {
		if subs[i].priority != subs[j].priority {
			return subs[i].priority > subs[j].priority
		}
		return subs[i].seq < subs[j].seq
	})
}

func (b *Bus) dispatch(evt models.Event, subs []*subscription) {
	ctx, span := b.tracer.Start(context.WithValue(context.Background(), dispatchKey{}, b), "bus.dispatch",
		trace.WithAttributes(
			attribute.String("event.id", evt.ID),
			attribute.String("event.type", evt.Type),
			attribute.String("org.id", evt.OrgID),
		),
	)
	var failures []HandlerFailure
	for _, s := range subs {
		if err := b.invoke(ctx, s, evt); err != nil {
			failures = append(failures, HandlerFailure{Handler: s.handler.Name(), Err: err})
		}
	}

	status := models.EventProcessed
	if len(failures) > 0 {
		status = models.EventFailed
		span.SetAttributes(attribute.Int("handler.failures", len(failures)))
	}
	telemetry.EventsDispatched.WithLabelValues(status).Inc()
	if b.cfg.OnDispatched != nil {
		b.cfg.OnDispatched(ctx, evt, failures)
	}
	telemetry.EndSpan(span, nil)
}

type outcome struct {
	res Result
	err error
}

// invoke runs one handler with a timeout and panic recovery. A handler that
// outlives its timeout keeps running in the background but no longer holds
// up the drain loop.
func (b *Bus) invoke(parent context.Context, s *subscription, evt models.Event) error {
	name := s.handler.Name()
	ctx, cancel := context.WithTimeout(parent, b.cfg.HandlerTimeout)
	defer cancel()
	ctx, span := b.tracer.Start(ctx, "bus.handler",
		trace.WithAttributes(
			attribute.String("handler.name", name),
			attribute.Int("handler.priority", s.priority),
		),
	)

	start := time.Now()
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("handler %s panicked: %v", name, r)}
			}
		}()
		res, err := s.handler.Handle(ctx, evt)
		ch <- outcome{res: res, err: err}
	}()

	var out outcome
	select {
	case out = <-ch:
	case <-ctx.Done():
		out.err = fmt.Errorf("handler %s timed out after %s: %w", name, b.cfg.HandlerTimeout, ctx.Err())
	}
	elapsed := time.Since(start)
	telemetry.HandlerDuration.WithLabelValues(name).Observe(elapsed.Seconds())

	if out.err != nil {
		telemetry.HandlerInvocations.WithLabelValues(name, "failure").Inc()
		b.log.Error("handler failed",
			slog.String("handler", name),
			slog.String("event_id", evt.ID),
			slog.String("event_type", evt.Type),
			slog.Duration("elapsed", elapsed),
			slog.String("error", out.err.Error()),
		)
		telemetry.EndSpan(span, out.err)
		return out.err
	}

	result := "success"
	if out.res.Skipped {
		result = "skipped"
	}
	telemetry.HandlerInvocations.WithLabelValues(name, result).Inc()
	b.log.Debug("handler finished",
		slog.String("handler", name),
		slog.String("event_id", evt.ID),
		slog.String("event_type", evt.Type),
		slog.Bool("skipped", out.res.Skipped),
		slog.Int("count", out.res.Count),
		slog.Duration("elapsed", elapsed),
	)
	telemetry.EndSpan(span, nil)
	return nil
}
