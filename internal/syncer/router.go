package syncer

import (
	"context"
	"log/slog"

	"github.com/taskmirror/taskmirror/internal/models"
	"github.com/taskmirror/taskmirror/internal/store"
)

// Router fans one normalized push event out to the per-collection
// controllers and owns the version reconciliation rule: a token equal to
// the clock is a no-op, a token with an accompanying delta is merged
// directly with no round trip, and a token with no delta (reconnect
// after being offline) forces a full refetch of every channel.
type Router struct {
	tasks  *Controller[models.Task]
	myday  *Controller[models.Task]
	events *Controller[models.CalendarEvent]
	lists  *Controller[models.ListNode]

	clock     *store.VersionClock
	logger    *slog.Logger
	onVersion func(models.Version)
}

// RouterConfig wires the router's collaborators.
type RouterConfig struct {
	Tasks  *Controller[models.Task]
	MyDay  *Controller[models.Task]
	Events *Controller[models.CalendarEvent]
	Lists  *Controller[models.ListNode]

	Clock *store.VersionClock

	// OnVersion is called after the clock adopts a push-delivered
	// version. Optional; used to persist the sync cursor.
	OnVersion func(models.Version)
}

// NewRouter creates the push-event router.
func NewRouter(cfg RouterConfig, logger *slog.Logger) *Router {
	return &Router{
		tasks:     cfg.Tasks,
		myday:     cfg.MyDay,
		events:    cfg.Events,
		lists:     cfg.Lists,
		clock:     cfg.Clock,
		logger:    logger,
		onVersion: cfg.OnVersion,
	}
}

// Handle processes one push event. Events are applied in arrival order;
// the only per-entity reordering is the suppression filter inside each
// controller.
func (r *Router) Handle(ctx context.Context, ev models.Event) {
	if ev.Version != "" && r.clock.UpToDate(ev.Version) {
		// Server explicitly signalled "nothing changed for you".
		r.clearLoading()
		return
	}

	if len(ev.Changes) == 0 {
		// Version moved but no self-sufficient delta came with it. Only
		// a full fetch can close the gap.
		r.logger.Info("version advanced without delta, refetching",
			slog.String("version", string(ev.Version)),
		)
		r.refreshAll(ctx)

		return
	}

	byCollection := make(map[models.Collection][]models.Delta, 4)
	for _, ch := range ev.Changes {
		byCollection[ch.Collection] = append(byCollection[ch.Collection], ch.Delta)
	}

	r.tasks.ApplyDeltas(byCollection[models.CollectionTasks])
	r.myday.ApplyDeltas(byCollection[models.CollectionMyDay])
	r.events.ApplyDeltas(byCollection[models.CollectionEvents])
	r.lists.ApplyDeltas(byCollection[models.CollectionLists])

	if ev.Version != "" && r.clock.Advance(ev.Version) && r.onVersion != nil {
		r.onVersion(ev.Version)
	}
}

// refreshAll fetches every channel. Each controller coalesces on its own,
// so a burst of version-only events causes at most one fetch per channel.
func (r *Router) refreshAll(ctx context.Context) {
	if err := r.tasks.Refresh(ctx); err != nil {
		r.logger.Warn("refetch failed", slog.String("error", err.Error()))
	}

	if err := r.myday.Refresh(ctx); err != nil {
		r.logger.Warn("refetch failed", slog.String("error", err.Error()))
	}

	if err := r.events.Refresh(ctx); err != nil {
		r.logger.Warn("refetch failed", slog.String("error", err.Error()))
	}

	if err := r.lists.Refresh(ctx); err != nil {
		r.logger.Warn("refetch failed", slog.String("error", err.Error()))
	}
}

func (r *Router) clearLoading() {
	r.tasks.Store().SetLoading(false)
	r.myday.Store().SetLoading(false)
	r.events.Store().SetLoading(false)
	r.lists.Store().SetLoading(false)
}
