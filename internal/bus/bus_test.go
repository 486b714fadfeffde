package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"event-pipeline/internal/logging"
	"event-pipeline/internal/models"
)

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, s)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recorder) handler(name string) Handler {
	return Named(name, func(_ context.Context, evt models.Event) (Result, error) {
		r.add(name + ":" + evt.ID)
		return Result{Success: true}, nil
	})
}

func newTestBus(t *testing.T, cfg Config) *Bus {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	b := New(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = b.Close(ctx)
	})
	return b
}

func event(id, eventType string) models.Event {
	return models.Event{ID: id, OrgID: "org-1", Type: eventType, Data: map[string]any{}}
}

func TestPriorityOrderWithStableTies(t *testing.T) {
	b := newTestBus(t, Config{})
	rec := &recorder{}
	_, err := b.Subscribe("*", rec.handler("low"), WithPriority(-5))
	require.NoError(t, err)
	_, err = b.Subscribe("submission.*", rec.handler("first-zero"))
	require.NoError(t, err)
	_, err = b.Subscribe("submission.created", rec.handler("second-zero"))
	require.NoError(t, err)
	_, err = b.Subscribe("*", rec.handler("high"), WithPriority(50))
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), event("e1", "submission.created")))
	assert.Equal(t, []string{"high:e1", "first-zero:e1", "second-zero:e1", "low:e1"}, rec.list())
}

func TestWildcardMatching(t *testing.T) {
	b := newTestBus(t, Config{})
	rec := &recorder{}
	_, _ = b.Subscribe("*", rec.handler("global"))
	_, _ = b.Subscribe("job.*", rec.handler("jobs"))
	_, _ = b.Subscribe("job.created", rec.handler("exact"))

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, event("a", "job.created")))
	require.NoError(t, b.Publish(ctx, event("b", "job.closed")))
	require.NoError(t, b.Publish(ctx, event("c", "candidate.created")))

	assert.Equal(t, []string{
		"global:a", "jobs:a", "exact:a",
		"global:b", "jobs:b",
		"global:c",
	}, rec.list())
}

func TestEventsDoNotInterleave(t *testing.T) {
	b := newTestBus(t, Config{})
	rec := &recorder{}
	slow := Named("slow", func(_ context.Context, evt models.Event) (Result, error) {
		rec.add("slow-start:" + evt.ID)
		time.Sleep(20 * time.Millisecond)
		rec.add("slow-end:" + evt.ID)
		return Result{Success: true}, nil
	})
	_, _ = b.Subscribe("*", slow, WithPriority(10))
	_, _ = b.Subscribe("*", rec.handler("fast"))

	var dones []<-chan struct{}
	for i := 0; i < 3; i++ {
		done, err := b.Enqueue(event(fmt.Sprintf("e%d", i), "job.created"))
		require.NoError(t, err)
		dones = append(dones, done)
	}
	for _, d := range dones {
		<-d
	}

	assert.Equal(t, []string{
		"slow-start:e0", "slow-end:e0", "fast:e0",
		"slow-start:e1", "slow-end:e1", "fast:e1",
		"slow-start:e2", "slow-end:e2", "fast:e2",
	}, rec.list())
}

func TestFailureIsolation(t *testing.T) {
	var mu sync.Mutex
	var reported []HandlerFailure
	b := newTestBus(t, Config{
		HandlerTimeout: 50 * time.Millisecond,
		OnDispatched: func(_ context.Context, _ models.Event, failures []HandlerFailure) {
			mu.Lock()
			defer mu.Unlock()
			reported = append(reported, failures...)
		},
	})
	rec := &recorder{}
	_, _ = b.Subscribe("*", Named("errors", func(context.Context, models.Event) (Result, error) {
		return Result{}, errors.New("boom")
	}), WithPriority(30))
	_, _ = b.Subscribe("*", Named("panics", func(context.Context, models.Event) (Result, error) {
		panic("kaboom")
	}), WithPriority(20))
	_, _ = b.Subscribe("*", Named("hangs", func(ctx context.Context, _ models.Event) (Result, error) {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return Result{}, nil
	}), WithPriority(10))
	_, _ = b.Subscribe("*", rec.handler("survivor"))

	require.NoError(t, b.Publish(context.Background(), event("e1", "job.created")))
	require.NoError(t, b.Publish(context.Background(), event("e2", "job.created")))

	assert.Equal(t, []string{"survivor:e1", "survivor:e2"}, rec.list())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reported, 6)
	names := []string{reported[0].Handler, reported[1].Handler, reported[2].Handler}
	assert.Equal(t, []string{"errors", "panics", "hangs"}, names)
	assert.ErrorContains(t, reported[1].Err, "panicked")
	assert.ErrorIs(t, reported[2].Err, context.DeadlineExceeded)
}

func TestSubscribeDuplicateAndUnsubscribe(t *testing.T) {
	b := newTestBus(t, Config{})
	rec := &recorder{}
	h := rec.handler("dup")

	id1, err := b.Subscribe("job.*", h)
	require.NoError(t, err)
	id2, err := b.Subscribe("job.*", h)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	id3, err := b.Subscribe("job.created", h)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id3)

	require.NoError(t, b.Publish(context.Background(), event("e1", "job.created")))
	assert.Equal(t, []string{"dup:e1"}, rec.list(), "handler under two matching patterns runs once")

	assert.True(t, b.Unsubscribe(id1))
	assert.False(t, b.Unsubscribe(id1))
	assert.True(t, b.Unsubscribe(id3))

	require.NoError(t, b.Publish(context.Background(), event("e2", "job.created")))
	assert.Equal(t, []string{"dup:e1"}, rec.list())

	_, err = b.Subscribe("*.created", h)
	assert.Error(t, err)
	_, err = b.Subscribe("job.*", nil)
	assert.Error(t, err)
}

func TestSubscribeRejectsNameReuse(t *testing.T) {
	b := newTestBus(t, Config{})
	rec := &recorder{}
	first := rec.handler("notify")

	id, err := b.Subscribe("job.*", first)
	require.NoError(t, err)

	_, err = b.Subscribe("job.*", rec.handler("notify"))
	assert.ErrorIs(t, err, ErrNameTaken)
	_, err = b.Subscribe("job.created", rec.handler("notify"))
	assert.ErrorIs(t, err, ErrNameTaken)
	_, err = b.Subscribe("*", Named("activity-pattern-matcher", func(context.Context, models.Event) (Result, error) {
		return Result{Success: true}, nil
	}))
	assert.ErrorIs(t, err, ErrNameTaken)

	again, err := b.Subscribe("job.*", first)
	require.NoError(t, err)
	assert.Equal(t, id, again)

	require.NoError(t, b.Publish(context.Background(), event("e1", "job.created")))
	assert.Equal(t, []string{"notify:e1"}, rec.list())
}

func TestPublishFromHandlerDoesNotWaitOnItself(t *testing.T) {
	b := newTestBus(t, Config{HandlerTimeout: 2 * time.Second})
	rec := &recorder{}
	var nestedErr error
	var elapsed time.Duration
	_, err := b.Subscribe("job.created", Named("chain", func(ctx context.Context, evt models.Event) (Result, error) {
		start := time.Now()
		nestedErr = b.Publish(ctx, event("followup-"+evt.ID, "job.followup"))
		elapsed = time.Since(start)
		rec.add("chain:" + evt.ID)
		return Result{Success: true}, nestedErr
	}))
	require.NoError(t, err)
	_, err = b.Subscribe("job.followup", rec.handler("followup"))
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), event("e1", "job.created")))
	require.NoError(t, b.Flush(context.Background()))

	require.NoError(t, nestedErr)
	assert.Less(t, elapsed, time.Second)
	assert.Equal(t, []string{"chain:e1", "followup:followup-e1"}, rec.list())
}

func TestBuiltinsRegistered(t *testing.T) {
	b := newTestBus(t, Config{})
	_, _ = b.Subscribe("*", (&recorder{}).handler("user"))

	infos := b.Handlers()
	require.Len(t, infos, 3)
	assert.Equal(t, "activity-pattern-matcher", infos[0].Name)
	assert.Equal(t, PriorityActivity, infos[0].Priority)
	assert.Equal(t, "user", infos[1].Name)
	assert.Equal(t, "audit-echo", infos[2].Name)
	assert.Equal(t, PriorityAudit, infos[2].Priority)
}

type fakeActivities struct {
	rec *recorder
}

func (f fakeActivities) ProcessEvent(_ context.Context, evt models.Event) ([]models.Activity, error) {
	f.rec.add("activities:" + evt.ID)
	return []models.Activity{{ID: "act-1"}}, nil
}

func TestActivityMatcherRunsFirst(t *testing.T) {
	rec := &recorder{}
	b := newTestBus(t, Config{Activities: fakeActivities{rec: rec}})
	_, _ = b.Subscribe("*", rec.handler("audit"))

	require.NoError(t, b.Publish(context.Background(), event("e1", "submission.created")))
	assert.Equal(t, []string{"activities:e1", "audit:e1"}, rec.list())
}

func TestCloseRejectsAndFlushWaits(t *testing.T) {
	b := New(Config{Logger: logging.Discard()})
	rec := &recorder{}
	_, _ = b.Subscribe("*", Named("slow", func(_ context.Context, evt models.Event) (Result, error) {
		time.Sleep(10 * time.Millisecond)
		rec.add(evt.ID)
		return Result{Success: true}, nil
	}))

	for i := 0; i < 3; i++ {
		_, err := b.Enqueue(event(fmt.Sprintf("e%d", i), "job.created"))
		require.NoError(t, err)
	}
	require.NoError(t, b.Close(context.Background()))
	assert.Equal(t, []string{"e0", "e1", "e2"}, rec.list())

	_, err := b.Enqueue(event("late", "job.created"))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, b.Publish(context.Background(), event("late", "job.created")), ErrClosed)
}

func TestPublishContextCancelled(t *testing.T) {
	b := newTestBus(t, Config{})
	release := make(chan struct{})
	_, _ = b.Subscribe("*", Named("blocked", func(context.Context, models.Event) (Result, error) {
		<-release
		return Result{Success: true}, nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := b.Publish(ctx, event("e1", "job.created"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
	require.NoError(t, b.Flush(context.Background()))
}

func TestDispatchSpans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	b := newTestBus(t, Config{TracerProvider: tp})
	require.NoError(t, b.Publish(context.Background(), event("e1", "job.created")))

	var names []string
	for _, s := range sr.Ended() {
		names = append(names, s.Name())
	}
	// two built-in handler spans then the dispatch span
	assert.Equal(t, []string{"bus.handler", "bus.handler", "bus.dispatch"}, names)
}
