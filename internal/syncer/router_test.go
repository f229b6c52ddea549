package syncer

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmirror/taskmirror/internal/models"
	"github.com/taskmirror/taskmirror/internal/registry"
	"github.com/taskmirror/taskmirror/internal/store"
)

// cannedTransport serves a fixed fetch result and counts calls.
type cannedTransport[E models.Entity] struct {
	result     FetchResult[E]
	fetchCalls int
}

func (c *cannedTransport[E]) Fetch(context.Context, models.Version) (FetchResult[E], error) {
	c.fetchCalls++
	return c.result, nil
}

func (c *cannedTransport[E]) Mutate(_ context.Context, m Mutation[E]) (MutateResult[E], error) {
	return MutateResult[E]{Entity: m.Entity}, nil
}

type routerFixture struct {
	router *Router
	clock  *store.VersionClock

	tasks  *store.Store[models.Task]
	myday  *store.Store[models.Task]
	events *store.Store[models.CalendarEvent]
	lists  *store.Store[models.ListNode]

	tasksTransport  *cannedTransport[models.Task]
	mydayTransport  *cannedTransport[models.Task]
	eventsTransport *cannedTransport[models.CalendarEvent]
	listsTransport  *cannedTransport[models.ListNode]

	versions []models.Version
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()

	f := &routerFixture{
		clock: store.NewVersionClock("v1"),

		tasks:  store.New(func(e models.Task, p models.FieldPatch) models.Task { return p.ApplyToTask(e) }),
		myday:  store.New(func(e models.Task, p models.FieldPatch) models.Task { return p.ApplyToTask(e) }),
		events: store.New(func(e models.CalendarEvent, p models.FieldPatch) models.CalendarEvent { return p.ApplyToEvent(e) }),
		lists:  store.New(func(e models.ListNode, p models.FieldPatch) models.ListNode { return p.ApplyToListNode(e) }),

		tasksTransport:  &cannedTransport[models.Task]{},
		mydayTransport:  &cannedTransport[models.Task]{},
		eventsTransport: &cannedTransport[models.CalendarEvent]{},
		listsTransport:  &cannedTransport[models.ListNode]{},
	}

	reg := registry.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	tasks := NewController(ControllerConfig[models.Task]{
		Collection: models.CollectionTasks, Store: f.tasks, Registry: reg,
		Clock: f.clock, Transport: f.tasksTransport,
	}, logger)
	myday := NewController(ControllerConfig[models.Task]{
		Collection: models.CollectionMyDay, Store: f.myday, Registry: reg,
		Clock: f.clock, Transport: f.mydayTransport,
	}, logger)
	events := NewController(ControllerConfig[models.CalendarEvent]{
		Collection: models.CollectionEvents, Store: f.events, Registry: reg,
		Clock: f.clock, Transport: f.eventsTransport,
	}, logger)
	lists := NewController(ControllerConfig[models.ListNode]{
		Collection: models.CollectionLists, Store: f.lists, Registry: reg,
		Clock: f.clock, Transport: f.listsTransport,
	}, logger)

	f.router = NewRouter(RouterConfig{
		Tasks: tasks, MyDay: myday, Events: events, Lists: lists,
		Clock:     f.clock,
		OnVersion: func(v models.Version) { f.versions = append(f.versions, v) },
	}, logger)

	return f
}

func TestRouterHandle_UpToDateVersionIsNoop(t *testing.T) {
	f := newRouterFixture(t)
	f.tasks.SetLoading(true)

	f.router.Handle(context.Background(), models.Event{Version: "v1"})

	assert.Zero(t, f.tasksTransport.fetchCalls)

	loading, _ := f.tasks.Status()
	assert.False(t, loading, "stale loading flag cleared")
}

func TestRouterHandle_VersionWithoutDeltaRefetchesEverything(t *testing.T) {
	f := newRouterFixture(t)
	f.tasksTransport.result = FetchResult[models.Task]{
		Items:   []models.Task{{ID: "t1"}},
		Version: "v9",
	}

	f.router.Handle(context.Background(), models.Event{Version: "v9"})

	assert.Equal(t, 1, f.tasksTransport.fetchCalls)
	assert.Equal(t, 1, f.mydayTransport.fetchCalls)
	assert.Equal(t, 1, f.eventsTransport.fetchCalls)
	assert.Equal(t, 1, f.listsTransport.fetchCalls)

	assert.Equal(t, 1, f.tasks.Len())
	assert.Equal(t, models.Version("v9"), f.clock.Current())
}

func TestRouterHandle_RoutesDeltasByCollection(t *testing.T) {
	f := newRouterFixture(t)

	f.router.Handle(context.Background(), models.Event{
		Version: "v2",
		Changes: []models.Change{
			{Collection: models.CollectionTasks, Delta: models.Added{Entity: models.Task{ID: "t1"}}},
			{Collection: models.CollectionLists, Delta: models.Added{Entity: models.ListNode{ID: "l1", Type: models.NodeList}}},
			{Collection: models.CollectionEvents, Delta: models.Added{Entity: models.CalendarEvent{ID: "e1"}}},
		},
	})

	assert.Equal(t, 1, f.tasks.Len())
	assert.Equal(t, 1, f.lists.Len())
	assert.Equal(t, 1, f.events.Len())
	assert.Zero(t, f.myday.Len())

	assert.Zero(t, f.tasksTransport.fetchCalls, "self-sufficient delta needs no round trip")
	assert.Equal(t, models.Version("v2"), f.clock.Current())
	assert.Equal(t, []models.Version{"v2"}, f.versions)
}

func TestRouterHandle_DeltaForSameVersionTwiceAdoptsOnce(t *testing.T) {
	f := newRouterFixture(t)

	ev := models.Event{
		Version: "v2",
		Changes: []models.Change{
			{Collection: models.CollectionTasks, Delta: models.Added{Entity: models.Task{ID: "t1"}}},
		},
	}

	f.router.Handle(context.Background(), ev)
	f.router.Handle(context.Background(), ev)

	require.Equal(t, 1, f.tasks.Len(), "merge is idempotent")
	assert.Equal(t, []models.Version{"v2"}, f.versions, "version persisted once")
}

func TestRouterHandle_CrossCollectionCascade(t *testing.T) {
	// Completing a list cascades: the lists channel gets an updated
	// unfinished count while the tasks channel completes the children.
	f := newRouterFixture(t)
	f.tasks.Replace([]models.Task{{ID: "t1", Status: models.StatusActive}})
	f.lists.Replace([]models.ListNode{{ID: "l1", Type: models.NodeList, UnfinishedCount: 1}})

	completed := models.StatusCompleted
	zero := 0

	f.router.Handle(context.Background(), models.Event{
		Version: "v2",
		Changes: []models.Change{
			{Collection: models.CollectionTasks, Delta: models.StatusChanged{
				IDs: []string{"t1"}, Fields: models.FieldPatch{Status: &completed},
			}},
			{Collection: models.CollectionLists, Delta: models.StatusChanged{
				IDs: []string{"l1"}, Fields: models.FieldPatch{UnfinishedCount: &zero},
			}},
		},
	})

	task, _ := f.tasks.Get("t1")
	assert.Equal(t, models.StatusCompleted, task.Status)

	node, _ := f.lists.Get("l1")
	assert.Zero(t, node.UnfinishedCount)
}
