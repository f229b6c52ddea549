// Package store holds the materialized collections the sync engine keeps
// in memory, one Store per logical channel. Stores apply optimistic
// writes, server confirmations, rollbacks and push deltas; they never
// talk to the network themselves.
package store

import (
	"sync"

	"github.com/taskmirror/taskmirror/internal/models"
)

// Store materializes one collection of entities in display order. All
// methods are safe for concurrent use, though in practice each store is
// owned by a single controller.
//
// applyPatch maps a sparse FieldPatch onto an entity of the concrete
// type; it is injected at construction so the store itself stays agnostic
// of entity shapes.
type Store[E models.Entity] struct {
	mu         sync.RWMutex
	items      []E
	index      map[string]int
	loading    bool
	err        error
	applyPatch func(E, models.FieldPatch) E
}

// New creates an empty store. applyPatch is required for StatusChanged
// deltas; a nil applyPatch makes StatusChanged a no-op.
func New[E models.Entity](applyPatch func(E, models.FieldPatch) E) *Store[E] {
	return &Store[E]{
		index:      make(map[string]int),
		applyPatch: applyPatch,
	}
}

// RollbackToken captures the pre-mutation state of exactly the entities a
// mutation touched, keyed by id. Restoring a token does not disturb
// entities the mutation never touched, so an unrelated newer write
// survives a rollback of an older one.
type RollbackToken[E models.Entity] struct {
	entries []rollbackEntry[E]
}

type rollbackEntry[E models.Entity] struct {
	id      string
	existed bool
	prev    E
	pos     int
}

// ApplyOptimistic inserts a tentative entity at the front of the
// collection and returns a token that removes it again on rollback.
func (s *Store[E]) ApplyOptimistic(e E) RollbackToken[E] {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok := RollbackToken[E]{entries: []rollbackEntry[E]{{id: e.EntityID(), existed: false}}}
	s.insertFrontLocked(e)

	return tok
}

// ApplyOptimisticUpdate replaces the stored entity with the same id as
// updated. Returns false when the id is unknown; no token is issued and
// nothing changes.
func (s *Store[E]) ApplyOptimisticUpdate(updated E) (RollbackToken[E], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := updated.EntityID()

	pos, ok := s.index[id]
	if !ok {
		return RollbackToken[E]{}, false
	}

	tok := RollbackToken[E]{entries: []rollbackEntry[E]{{id: id, existed: true, prev: s.items[pos], pos: pos}}}
	s.items[pos] = updated

	return tok, true
}

// ApplyOptimisticDelete removes the entity with the given id. Returns
// false when the id is unknown.
func (s *Store[E]) ApplyOptimisticDelete(id string) (RollbackToken[E], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.index[id]
	if !ok {
		return RollbackToken[E]{}, false
	}

	tok := RollbackToken[E]{entries: []rollbackEntry[E]{{id: id, existed: true, prev: s.items[pos], pos: pos}}}
	s.removeLocked(id)

	return tok, true
}

// ApplyOptimisticPatch applies a sparse patch to the entity with the
// given id using the injected applyPatch hook. Returns false when the id
// is unknown or no hook was provided.
func (s *Store[E]) ApplyOptimisticPatch(id string, p models.FieldPatch) (RollbackToken[E], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.applyPatch == nil {
		return RollbackToken[E]{}, false
	}

	pos, ok := s.index[id]
	if !ok {
		return RollbackToken[E]{}, false
	}

	tok := RollbackToken[E]{entries: []rollbackEntry[E]{{id: id, existed: true, prev: s.items[pos], pos: pos}}}
	s.items[pos] = s.applyPatch(s.items[pos], p)

	return tok, true
}

// Confirm replaces the tentative entity by id with the server's canonical
// entity, which may carry a different (authoritative) id. When the
// tentative id is not present the call is a no-op: confirmation must
// never resurrect an entity that was rolled back or deleted in the
// meantime. When a push delta already materialized the authoritative
// entity before the confirmation arrived, the tentative copy is dropped
// instead of becoming a duplicate.
func (s *Store[E]) Confirm(tentativeID string, authoritative E) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.index[tentativeID]
	if !ok {
		return false
	}

	authID := authoritative.EntityID()

	if authID != tentativeID {
		if existing, dup := s.index[authID]; dup {
			s.items[existing] = authoritative
			s.removeLocked(tentativeID)

			return true
		}
	}

	delete(s.index, tentativeID)
	s.items[pos] = authoritative
	s.index[authID] = pos

	return true
}

// Rollback restores the entities captured in the token to their
// pre-mutation state. Entities the token does not name are untouched.
func (s *Store[E]) Rollback(tok RollbackToken[E]) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range tok.entries {
		if !e.existed {
			s.removeLocked(e.id)
			continue
		}

		if pos, ok := s.index[e.id]; ok {
			s.items[pos] = e.prev
			continue
		}

		s.insertAtLocked(e.prev, e.pos)
	}
}

// MergeDelta applies one push delta. Merging is idempotent: applying the
// same delta twice leaves the store in the same state as applying it
// once. Updated upserts, since a push for a not-yet-fetched entity must
// not be lost; Deleted and StatusChanged for unknown ids are no-ops.
func (s *Store[E]) MergeDelta(d models.Delta) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch d := d.(type) {
	case models.Added:
		s.upsertLocked(d.Entity)

	case models.Updated:
		s.upsertLocked(d.Entity)

	case models.Deleted:
		s.removeLocked(d.ID)

	case models.StatusChanged:
		if s.applyPatch == nil {
			return
		}
		// One lock acquisition for the whole batch, so a reader never
		// observes a half-applied cascade.
		for _, id := range d.IDs {
			if pos, ok := s.index[id]; ok {
				s.items[pos] = s.applyPatch(s.items[pos], d.Fields)
			}
		}
	}
}

// Replace swaps in the full fetch result, clearing loading and error
// state.
func (s *Store[E]) Replace(items []E) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = make([]E, len(items))
	copy(s.items, items)

	s.index = make(map[string]int, len(items))
	for i, e := range s.items {
		s.index[e.EntityID()] = i
	}

	s.loading = false
	s.err = nil
}

// SetLoading marks the store as fetching. A successful Replace or a
// FailLoad clears it.
func (s *Store[E]) SetLoading(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.loading = v
}

// FailLoad records a fetch error and clears the loading flag. The data
// already held is kept: stale data with an error beats no data.
func (s *Store[E]) FailLoad(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.loading = false
	s.err = err
}

// Status returns the loading flag and last fetch error.
func (s *Store[E]) Status() (loading bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.loading, s.err
}

// Items returns a copy of the collection in display order.
func (s *Store[E]) Items() []E {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]E, len(s.items))
	copy(out, s.items)

	return out
}

// Get returns the entity with the given id.
func (s *Store[E]) Get(id string) (E, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if pos, ok := s.index[id]; ok {
		return s.items[pos], true
	}

	var zero E

	return zero, false
}

// Len returns the number of entities held.
func (s *Store[E]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.items)
}

func (s *Store[E]) upsertLocked(ent models.Entity) {
	e, ok := ent.(E)
	if !ok {
		// Delta routed to the wrong store; dispatcher bug, drop it.
		return
	}

	if pos, exists := s.index[e.EntityID()]; exists {
		s.items[pos] = e
		return
	}

	s.insertFrontLocked(e)
}

func (s *Store[E]) insertFrontLocked(e E) {
	s.insertAtLocked(e, 0)
}

func (s *Store[E]) insertAtLocked(e E, pos int) {
	if pos > len(s.items) {
		pos = len(s.items)
	}

	s.items = append(s.items, e)
	copy(s.items[pos+1:], s.items[pos:])
	s.items[pos] = e

	for i := pos; i < len(s.items); i++ {
		s.index[s.items[i].EntityID()] = i
	}
}

func (s *Store[E]) removeLocked(id string) {
	pos, ok := s.index[id]
	if !ok {
		return
	}

	delete(s.index, id)
	s.items = append(s.items[:pos], s.items[pos+1:]...)

	for i := pos; i < len(s.items); i++ {
		s.index[s.items[i].EntityID()] = i
	}
}
