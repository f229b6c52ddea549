package models

import (
	"encoding/json"
	"fmt"
)

// DeltaAction names the kind of change a delta describes.
type DeltaAction string

const (
	ActionAdded         DeltaAction = "added"
	ActionUpdated       DeltaAction = "updated"
	ActionDeleted       DeltaAction = "deleted"
	ActionStatusChanged DeltaAction = "status_changed"
)

// Delta is a closed union over the four change kinds. Consumers type
// switch over Added, Updated, Deleted and StatusChanged; the unexported
// marker method keeps the set closed so a new kind forces every switch
// to be revisited.
type Delta interface {
	// EntityIDs lists the ids this delta touches. Used by the
	// per-entity suppression filter.
	EntityIDs() []string

	sealedDelta()
}

// Added carries a complete new entity.
type Added struct {
	Entity Entity
}

func (d Added) EntityIDs() []string { return []string{d.Entity.EntityID()} }
func (Added) sealedDelta()          {}

// Updated carries the complete post-change entity.
type Updated struct {
	Entity Entity
}

func (d Updated) EntityIDs() []string { return []string{d.Entity.EntityID()} }
func (Updated) sealedDelta()          {}

// Deleted carries only the removed id.
type Deleted struct {
	ID string
}

func (d Deleted) EntityIDs() []string { return []string{d.ID} }
func (Deleted) sealedDelta()          {}

// StatusChanged carries a batch of ids plus the sparse fields that
// changed on all of them. The server emits this when one action cascades
// (completing a list also completes its visible children).
type StatusChanged struct {
	IDs    []string
	Fields FieldPatch
}

func (d StatusChanged) EntityIDs() []string { return d.IDs }
func (StatusChanged) sealedDelta()          {}

// Change pairs a delta with the collection it belongs to. A single push
// payload commonly carries changes for several collections at once.
type Change struct {
	Collection Collection
	Delta      Delta
}

// Event is a normalized push payload: a version token plus the deltas
// that produced it.
type Event struct {
	Version Version
	Changes []Change
}

// wireChange is the JSON shape of one change in a push payload.
type wireChange struct {
	Collection Collection      `json:"collection"`
	Action     DeltaAction     `json:"action"`
	Entity     json.RawMessage `json:"entity,omitempty"`
	ID         string          `json:"id,omitempty"`
	IDs        []string        `json:"ids,omitempty"`
	Fields     *FieldPatch     `json:"fields,omitempty"`
}

type wireEvent struct {
	Version Version      `json:"version"`
	Changes []wireChange `json:"changes"`
}

// DecodeEvent parses a push payload into a normalized Event. Unknown
// collections or actions are rejected rather than skipped: a payload the
// client cannot fully interpret must not be half-applied.
func DecodeEvent(data []byte) (Event, error) {
	var we wireEvent
	if err := json.Unmarshal(data, &we); err != nil {
		return Event{}, fmt.Errorf("decoding sync event: %w", err)
	}

	ev := Event{Version: we.Version, Changes: make([]Change, 0, len(we.Changes))}

	for i, wc := range we.Changes {
		d, err := decodeDelta(wc)
		if err != nil {
			return Event{}, fmt.Errorf("change %d: %w", i, err)
		}

		ev.Changes = append(ev.Changes, Change{Collection: wc.Collection, Delta: d})
	}

	return ev, nil
}

func decodeDelta(wc wireChange) (Delta, error) {
	switch wc.Collection {
	case CollectionTasks, CollectionMyDay, CollectionEvents, CollectionLists:
	default:
		return nil, fmt.Errorf("unknown collection %q", wc.Collection)
	}

	switch wc.Action {
	case ActionAdded, ActionUpdated:
		e, err := decodeEntity(wc.Collection, wc.Entity)
		if err != nil {
			return nil, err
		}

		if wc.Action == ActionAdded {
			return Added{Entity: e}, nil
		}

		return Updated{Entity: e}, nil

	case ActionDeleted:
		if wc.ID == "" {
			return nil, fmt.Errorf("deleted change missing id")
		}

		return Deleted{ID: wc.ID}, nil

	case ActionStatusChanged:
		if len(wc.IDs) == 0 {
			return nil, fmt.Errorf("status_changed change missing ids")
		}

		var fields FieldPatch
		if wc.Fields != nil {
			fields = *wc.Fields
		}

		return StatusChanged{IDs: wc.IDs, Fields: fields}, nil

	default:
		return nil, fmt.Errorf("unknown delta action %q", wc.Action)
	}
}

func decodeEntity(c Collection, raw json.RawMessage) (Entity, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("change for %s missing entity", c)
	}

	switch c {
	case CollectionTasks, CollectionMyDay:
		var t Task
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil, fmt.Errorf("decoding task: %w", err)
		}

		return t, nil

	case CollectionEvents:
		var e CalendarEvent
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("decoding calendar event: %w", err)
		}

		return e, nil

	case CollectionLists:
		var n ListNode
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, fmt.Errorf("decoding list node: %w", err)
		}

		return n, nil

	default:
		return nil, fmt.Errorf("unknown collection %q", c)
	}
}
