// Package syncer orchestrates fetches, optimistic mutations and push
// reconciliation: it decides when a full fetch is needed versus when a
// push delta suffices, and drives every mutation through the pending
// operation registry and the entity stores.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/taskmirror/taskmirror/internal/models"
	"github.com/taskmirror/taskmirror/internal/registry"
	"github.com/taskmirror/taskmirror/internal/store"
)

// Controller runs one logical sync channel. Each controller owns exactly
// one store; the registry and version clock are shared across channels
// because pending operations and the server's version token are global.
type Controller[E models.Entity] struct {
	name      models.Collection
	store     *store.Store[E]
	reg       *registry.Registry
	clock     *store.VersionClock
	transport Transport[E]
	logger    *slog.Logger
	errSink   ErrorSink
	onVersion func(models.Version)

	// fetching guards Refresh: a second fetch while one is outstanding
	// is dropped, not queued, which prevents request storms when push
	// events arrive in a burst.
	fetching atomic.Bool
}

// ControllerConfig wires a Controller's collaborators.
type ControllerConfig[E models.Entity] struct {
	Collection models.Collection
	Store      *store.Store[E]
	Registry   *registry.Registry
	Clock      *store.VersionClock
	Transport  Transport[E]
	ErrorSink  ErrorSink

	// OnVersion is called whenever a new version token is adopted from
	// a fetch or mutation response, after the clock advanced. Optional;
	// used to persist the sync cursor.
	OnVersion func(models.Version)
}

// NewController creates a sync controller for one collection.
func NewController[E models.Entity](cfg ControllerConfig[E], logger *slog.Logger) *Controller[E] {
	sink := cfg.ErrorSink
	if sink == nil {
		sink = func(error) {}
	}

	return &Controller[E]{
		name:      cfg.Collection,
		store:     cfg.Store,
		reg:       cfg.Registry,
		clock:     cfg.Clock,
		transport: cfg.Transport,
		logger:    logger.With(slog.String("channel", string(cfg.Collection))),
		errSink:   sink,
		onVersion: cfg.OnVersion,
	}
}

// Store exposes the controller's materialized collection.
func (c *Controller[E]) Store() *store.Store[E] {
	return c.store
}

// Refresh performs a full fetch. Concurrent calls coalesce: while one
// fetch is outstanding, further calls return immediately without
// queueing. The server may answer "unchanged" when the version token we
// sent is still current, in which case only the loading flag is cleared.
func (c *Controller[E]) Refresh(ctx context.Context) error {
	if !c.fetching.CompareAndSwap(false, true) {
		c.logger.Debug("fetch already in flight, coalescing")
		return nil
	}
	defer c.fetching.Store(false)

	c.store.SetLoading(true)

	res, err := c.transport.Fetch(ctx, c.clock.Current())
	if err != nil {
		err = fmt.Errorf("fetching %s: %w", c.name, err)
		c.store.FailLoad(err)

		return err
	}

	if res.Unchanged {
		c.logger.Debug("fetch short-circuited, version current")
		c.store.SetLoading(false)

		return nil
	}

	c.store.Replace(res.Items)
	c.adoptVersion(res.Version)

	c.logger.Debug("collection refreshed",
		slog.Int("items", len(res.Items)),
		slog.String("version", string(res.Version)),
	)

	return nil
}

// ApplyDeltas merges push deltas into the store, dropping — per entity,
// not per batch — any delta that names an entity with a fresh pending
// operation. A dropped delta is expected steady-state behavior, logged
// at debug only. The caller (the router) owns version adoption.
func (c *Controller[E]) ApplyDeltas(deltas []models.Delta) {
	for _, d := range deltas {
		kept, ok := c.filterDelta(d)
		if !ok {
			c.logger.Debug("dropped stale delta for entity with fresh pending op",
				slog.Any("ids", d.EntityIDs()),
			)

			continue
		}

		c.store.MergeDelta(kept)
	}
}

// filterDelta applies the suppression window. StatusChanged batches are
// filtered id by id: suppressed entities drop out while the rest of the
// batch still applies.
func (c *Controller[E]) filterDelta(d models.Delta) (models.Delta, bool) {
	switch d := d.(type) {
	case models.Added:
		if c.reg.IsSuppressed(d.Entity.EntityID(), registry.OpAdd) {
			return nil, false
		}

		return d, true

	case models.Updated:
		if c.reg.IsSuppressedAny(d.Entity.EntityID(), registry.OpUpdate, registry.OpPatch) {
			return nil, false
		}

		return d, true

	case models.Deleted:
		if c.reg.IsSuppressed(d.ID, registry.OpDelete) {
			return nil, false
		}

		return d, true

	case models.StatusChanged:
		keep := make([]string, 0, len(d.IDs))

		for _, id := range d.IDs {
			if !c.reg.IsSuppressedAny(id, registry.OpUpdate, registry.OpPatch) {
				keep = append(keep, id)
			}
		}

		if len(keep) == 0 {
			return nil, false
		}

		return models.StatusChanged{IDs: keep, Fields: d.Fields}, true

	default:
		return nil, false
	}
}

// Add creates an entity optimistically and confirms it against the
// server. dedupeKey identifies the logical submission (e.g. list id plus
// title for a task): a second Add with the same key inside the freshness
// window is dropped, which stops rapid double-submits from inserting
// twice. An empty dedupeKey disables that check.
//
// Failures roll the store back to its pre-add state and are reported
// through the error sink; nothing is returned to unwind through.
func (c *Controller[E]) Add(ctx context.Context, e E, dedupeKey string) {
	suppressKey := dedupeKey
	if suppressKey == "" {
		suppressKey = e.EntityID()
	}

	if c.reg.IsSuppressed(suppressKey, registry.OpAdd) {
		c.logger.Debug("duplicate add suppressed", slog.String("key", suppressKey))
		return
	}

	tok := c.store.ApplyOptimistic(e)
	c.reg.Register(suppressKey, registry.OpAdd)

	res, err := c.transport.Mutate(ctx, Mutation[E]{Kind: registry.OpAdd, Entity: e})
	if err != nil {
		c.store.Rollback(tok)
		c.reg.Clear(suppressKey, registry.OpAdd)
		c.fail("adding entity", err)

		return
	}

	c.store.Confirm(e.EntityID(), res.Entity)
	c.reg.Clear(suppressKey, registry.OpAdd)
	c.adoptVersion(res.Version)
}

// Update replaces an entity optimistically and confirms it against the
// server.
func (c *Controller[E]) Update(ctx context.Context, updated E) {
	id := updated.EntityID()

	if c.reg.IsSuppressed(id, registry.OpUpdate) {
		c.logger.Debug("duplicate update suppressed", slog.String("id", id))
		return
	}

	tok, ok := c.store.ApplyOptimisticUpdate(updated)
	if !ok {
		c.logger.Warn("update for unknown entity ignored", slog.String("id", id))
		return
	}

	c.reg.Register(id, registry.OpUpdate)

	res, err := c.transport.Mutate(ctx, Mutation[E]{Kind: registry.OpUpdate, Entity: updated, ID: id})
	if err != nil {
		c.store.Rollback(tok)
		c.reg.Clear(id, registry.OpUpdate)
		c.fail("updating entity", err)

		return
	}

	c.store.Confirm(id, res.Entity)
	c.reg.Clear(id, registry.OpUpdate)
	c.adoptVersion(res.Version)
}

// Delete removes an entity optimistically and confirms the removal
// against the server.
func (c *Controller[E]) Delete(ctx context.Context, id string) {
	if c.reg.IsSuppressed(id, registry.OpDelete) {
		c.logger.Debug("duplicate delete suppressed", slog.String("id", id))
		return
	}

	tok, ok := c.store.ApplyOptimisticDelete(id)
	if !ok {
		c.logger.Warn("delete for unknown entity ignored", slog.String("id", id))
		return
	}

	c.reg.Register(id, registry.OpDelete)

	res, err := c.transport.Mutate(ctx, Mutation[E]{Kind: registry.OpDelete, ID: id})
	if err != nil {
		c.store.Rollback(tok)
		c.reg.Clear(id, registry.OpDelete)
		c.fail("deleting entity", err)

		return
	}

	c.reg.Clear(id, registry.OpDelete)
	c.adoptVersion(res.Version)
}

// Patch applies a sparse update optimistically and confirms it against
// the server.
func (c *Controller[E]) Patch(ctx context.Context, id string, p models.FieldPatch) {
	if c.reg.IsSuppressed(id, registry.OpPatch) {
		c.logger.Debug("duplicate patch suppressed", slog.String("id", id))
		return
	}

	tok, ok := c.store.ApplyOptimisticPatch(id, p)
	if !ok {
		c.logger.Warn("patch for unknown entity ignored", slog.String("id", id))
		return
	}

	c.reg.Register(id, registry.OpPatch)

	res, err := c.transport.Mutate(ctx, Mutation[E]{Kind: registry.OpPatch, ID: id, Patch: &p})
	if err != nil {
		c.store.Rollback(tok)
		c.reg.Clear(id, registry.OpPatch)
		c.fail("patching entity", err)

		return
	}

	c.store.Confirm(id, res.Entity)
	c.reg.Clear(id, registry.OpPatch)
	c.adoptVersion(res.Version)
}

func (c *Controller[E]) adoptVersion(v models.Version) {
	if v == "" {
		return
	}

	if c.clock.Advance(v) && c.onVersion != nil {
		c.onVersion(v)
	}
}

// fail reports a mutation failure exactly once via the error sink, after
// rollback already restored a consistent local state.
func (c *Controller[E]) fail(op string, err error) {
	wrapped := fmt.Errorf("%s: %s: %w", c.name, op, err)

	if IsConflict(err) {
		c.logger.Warn("mutation conflict", slog.String("error", err.Error()))
	} else {
		c.logger.Warn("mutation failed", slog.String("error", err.Error()))
	}

	c.errSink(wrapped)
}
