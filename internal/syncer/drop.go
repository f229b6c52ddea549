package syncer

import (
	"context"
	"log/slog"

	"github.com/taskmirror/taskmirror/internal/models"
	"github.com/taskmirror/taskmirror/internal/tree"
)

// DropHandler turns validated drag-and-drop gestures into lists-channel
// mutations. All cycle and containment logic lives in the tree package;
// this handler only diffs the transformed forest against the current one
// and issues the corresponding optimistic mutations.
type DropHandler struct {
	lists    *Controller[models.ListNode]
	sections map[string]tree.Section
	logger   *slog.Logger
}

// NewDropHandler creates a drop handler over the lists controller.
func NewDropHandler(lists *Controller[models.ListNode], sections map[string]tree.Section, logger *slog.Logger) *DropHandler {
	return &DropHandler{lists: lists, sections: sections, logger: logger}
}

// CanDrop reports whether the gesture would be accepted. The UI calls
// this during hover; it never mutates anything.
func (h *DropHandler) CanDrop(sourceID, targetID string) bool {
	nodes := tree.BuildNodes(h.lists.Store().Items())

	return tree.CanDrop(nodes, h.sections, sourceID, targetID)
}

// Drop validates and applies a drop. An invalid drop returns false with
// no mutation, no network call and no error: rejected drops are a
// normal, frequent UI interaction. A valid drop issues one optimistic
// patch per migrated node (and an add for the linked node in link mode);
// each mutation confirms or rolls back independently through the
// controller.
func (h *DropHandler) Drop(ctx context.Context, sourceID, targetID string, mode tree.MoveMode) bool {
	items := h.lists.Store().Items()
	nodes := tree.BuildNodes(items)

	if !tree.CanDrop(nodes, h.sections, sourceID, targetID) {
		h.logger.Debug("drop rejected",
			slog.String("source", sourceID),
			slog.String("target", targetID),
		)

		return false
	}

	moved := tree.Move(nodes, sourceID, targetID, mode)

	before := make(map[string]tree.Node, len(nodes))
	for _, n := range nodes {
		before[n.ID] = n
	}

	// Two passes so a migrated container's children land in the new
	// section before the container itself does: a render between the
	// patches must never see a group stripped of its children.
	for _, n := range moved {
		prev, existed := before[n.ID]
		if !existed || n.ID == sourceID {
			continue
		}

		if prev.ParentID != n.ParentID || prev.SectionID != n.SectionID {
			h.patchPosition(ctx, n)
		}
	}

	for _, n := range moved {
		prev, existed := before[n.ID]

		if !existed {
			// Link mode appended a new linked node.
			h.lists.Add(ctx, models.ListNode{
				ID:              n.ID,
				Name:            nameOf(items, n.RefID),
				Type:            n.Type,
				ParentID:        n.ParentID,
				SectionID:       n.SectionID,
				UnfinishedCount: n.UnfinishedCount,
				RefID:           n.RefID,
			}, "")

			continue
		}

		if n.ID != sourceID {
			continue
		}

		if prev.ParentID != n.ParentID || prev.SectionID != n.SectionID {
			h.patchPosition(ctx, n)
		}
	}

	return true
}

func (h *DropHandler) patchPosition(ctx context.Context, n tree.Node) {
	parentID := n.ParentID
	sectionID := n.SectionID
	h.lists.Patch(ctx, n.ID, models.FieldPatch{
		ParentID:  &parentID,
		SectionID: &sectionID,
	})
}

func nameOf(items []models.ListNode, id string) string {
	for _, it := range items {
		if it.ID == id {
			return it.Name
		}
	}

	return ""
}
