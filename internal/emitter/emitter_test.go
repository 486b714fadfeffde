package emitter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"event-pipeline/internal/bus"
	"event-pipeline/internal/events"
	"event-pipeline/internal/logging"
	"event-pipeline/internal/models"
)

type memStore struct {
	mu     sync.Mutex
	events []models.Event
	err    error
}

func (m *memStore) InsertEvent(_ context.Context, evt models.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, evt)
	return nil
}

type seen struct {
	mu  sync.Mutex
	ids []string
}

func (s *seen) handler() bus.Handler {
	return bus.Named("seen", func(_ context.Context, evt models.Event) (bus.Result, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.ids = append(s.ids, evt.ID)
		return bus.Result{Success: true}, nil
	})
}

func (s *seen) list() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ids...)
}

func setup(t *testing.T, st *memStore) (*Emitter, *bus.Bus, *seen) {
	t.Helper()
	b := bus.New(bus.Config{Logger: logging.Discard()})
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	s := &seen{}
	_, err := b.Subscribe("*", s.handler())
	require.NoError(t, err)
	v, err := events.NewValidator()
	require.NoError(t, err)
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return New(st, b, logging.Discard(), WithValidator(v), WithClock(func() time.Time { return fixed })), b, s
}

func TestEmitBuildsAndPublishes(t *testing.T) {
	st := &memStore{}
	e, b, s := setup(t, st)

	evt, err := e.Emit(context.Background(), Input{
		Type: "submission.created", OrgID: "org-1", EntityType: "submission", EntityID: "sub-42",
		ActorID: "user-9", Data: map[string]any{"jobTitle": "Backend Engineer"},
	})
	require.NoError(t, err)
	require.NoError(t, b.Flush(context.Background()))

	assert.NotEmpty(t, evt.ID)
	assert.Equal(t, models.CategoryEntity, evt.Category)
	assert.Equal(t, models.SeverityInfo, evt.Severity)
	assert.Equal(t, models.ActorUser, evt.ActorType)
	assert.Equal(t, models.SourceUI, evt.Source)
	assert.Equal(t, evt.ID, evt.CorrelationID)
	assert.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), evt.OccurredAt)

	require.Len(t, st.events, 1)
	assert.Equal(t, evt.ID, st.events[0].ID)
	assert.Equal(t, []string{evt.ID}, s.list())
}

func TestEmitSwallowsPersistenceFailure(t *testing.T) {
	st := &memStore{err: errors.New("db down")}
	e, b, s := setup(t, st)

	evt, err := e.Emit(context.Background(), Input{
		Type: "job.sla_breach", OrgID: "org-1", EntityType: "job", EntityID: "job-1", Data: map[string]any{},
	})
	require.NoError(t, err)
	require.NoError(t, b.Flush(context.Background()))

	assert.Equal(t, models.CategoryWorkflow, evt.Category)
	assert.Equal(t, models.SeverityWarning, evt.Severity)
	assert.Equal(t, models.SourceSystem, evt.Source)
	assert.Equal(t, []string{evt.ID}, s.list(), "published even though persistence failed")
}

func TestEmitRejectsMalformedInput(t *testing.T) {
	e, _, _ := setup(t, &memStore{})
	cases := []Input{
		{OrgID: "org-1", EntityType: "job", EntityID: "1"},
		{Type: "job", OrgID: "org-1", EntityType: "job", EntityID: "1"},
		{Type: "job.created", EntityType: "job", EntityID: "1"},
		{Type: "job.created", OrgID: "org-1", EntityID: "1"},
		{Type: "job.created", OrgID: "org-1", EntityType: "job"},
	}
	for _, in := range cases {
		_, err := e.Emit(context.Background(), in)
		assert.ErrorIs(t, err, ErrInvalidInput)
	}
}

func TestEmitBatchPreservesOrder(t *testing.T) {
	st := &memStore{}
	e, b, s := setup(t, st)

	evts, err := e.EmitBatch(context.Background(), []Input{
		{Type: "job.created", OrgID: "org-1", EntityType: "job", EntityID: "1"},
		{Type: "job.updated", OrgID: "org-1", EntityType: "job", EntityID: "1"},
		{Type: "job.closed", OrgID: "org-1", EntityType: "job", EntityID: "1"},
	})
	require.NoError(t, err)
	require.NoError(t, b.Flush(context.Background()))
	require.Len(t, evts, 3)
	assert.Equal(t, []string{evts[0].ID, evts[1].ID, evts[2].ID}, s.list())

}

func TestEmitBatchIsAllOrNothing(t *testing.T) {
	st := &memStore{}
	e, b, s := setup(t, st)

	evts, err := e.EmitBatch(context.Background(), []Input{
		{Type: "job.created", OrgID: "org-1", EntityType: "job", EntityID: "2"},
		{Type: ""},
		{Type: "job.updated", OrgID: "org-1", EntityType: "job", EntityID: "2"},
	})
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.ErrorContains(t, err, "batch item 1")
	assert.Empty(t, evts)
	require.NoError(t, b.Flush(context.Background()))
	assert.Empty(t, st.events)
	assert.Empty(t, s.list())
}

func TestEmitAsyncSignalsCompletion(t *testing.T) {
	e, _, s := setup(t, &memStore{})
	evt, done, err := e.EmitAsync(context.Background(), Input{
		Type: "candidate.created", OrgID: "org-1", EntityType: "candidate", EntityID: "c-1",
		Data: map[string]any{"firstName": "Ada", "lastName": "Lovelace"},
	})
	require.NoError(t, err)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch did not complete")
	}
	assert.Equal(t, []string{evt.ID}, s.list())
}

func TestConvenienceEmitters(t *testing.T) {
	st := &memStore{}
	e, b, _ := setup(t, st)
	ctx := context.Background()

	parent, err := e.EmitCreated(ctx, "org-1", "placement", "pl-1", map[string]any{"candidateName": "Ada"},
		WithActor("user-1", "Grace"), WithEntityName("Ada at Initech"))
	require.NoError(t, err)
	assert.Equal(t, "placement.created", parent.Type)
	assert.Equal(t, "Grace", parent.ActorName)
	assert.Equal(t, "Ada at Initech", parent.EntityName)

	changed, err := e.EmitStatusChanged(ctx, "org-1", "submission", "sub-1", "new", "interview", nil, WithParent(parent))
	require.NoError(t, err)
	assert.Equal(t, "submission.status_changed", changed.Type)
	assert.Equal(t, parent.ID, changed.ParentEventID)
	assert.Equal(t, parent.CorrelationID, changed.CorrelationID)
	require.Len(t, changed.Changes, 1)
	assert.Equal(t, "interview", changed.Changes[0].NewValue)
	assert.Equal(t, "interview", changed.Data["newStatus"])

	updated, err := e.EmitUpdated(ctx, "org-1", "candidate", "c-1", []models.Change{{Field: "phone", OldValue: "1", NewValue: "2"}})
	require.NoError(t, err)
	assert.Equal(t, "2", updated.Data["phone"])

	deleted, err := e.EmitDeleted(ctx, "org-1", "job", "j-1", nil, WithSource(models.SourceAPI))
	require.NoError(t, err)
	assert.Equal(t, models.SourceAPI, deleted.Source)

	sys, err := e.EmitSystem(ctx, "org-1", "maintenance_started", nil)
	require.NoError(t, err)
	assert.Equal(t, models.CategorySystem, sys.Category)
	assert.Equal(t, models.ActorSystem, sys.ActorType)

	require.NoError(t, b.Flush(ctx))
	assert.Len(t, st.events, 5)
}
