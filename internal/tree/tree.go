// Package tree implements drag-and-drop validation and transformation
// for the list/group/project forest. Everything here is pure: callers
// pass node slices in and get transformed slices back, so the rules are
// testable without any UI or drag library.
package tree

import (
	"strings"

	"github.com/google/uuid"

	"github.com/taskmirror/taskmirror/internal/models"
)

// Node is the drag-and-drop view of a ListNode. Nodes are derived from
// the lists store on each render pass and have no lifecycle of their own.
type Node struct {
	ID              string
	ParentID        string
	Droppable       bool
	Type            models.NodeType
	SectionID       string
	UnfinishedCount int

	// RefID is set on linked nodes: the tree position is its own record
	// but the underlying entity is the one identified by RefID.
	RefID string
}

// MoveMode selects between physically moving a node and linking it.
type MoveMode int

const (
	// ModeMove detaches the source from its old parent and section and
	// reattaches it under the target.
	ModeMove MoveMode = iota

	// ModeLink leaves the source in place and adds a new linked node
	// under the target. Only the tree-position record is duplicated,
	// never the underlying entity.
	ModeLink
)

// rootPrefix marks synthetic drop targets that stand for a section's
// root rather than a real node.
const rootPrefix = "section:"

// RootTarget returns the synthetic target id for dropping at the root of
// a section.
func RootTarget(sectionID string) string {
	return rootPrefix + sectionID
}

// SplitRootTarget reports whether id is a synthetic root target and, if
// so, which section it names.
func SplitRootTarget(id string) (sectionID string, ok bool) {
	if !strings.HasPrefix(id, rootPrefix) {
		return "", false
	}

	return strings.TrimPrefix(id, rootPrefix), true
}

// linkIDPrefix marks node ids created for linked references.
const linkIDPrefix = "lnk-"

// BuildNodes derives the drag-and-drop forest from the lists collection.
// Groups and projects are droppable containers; lists and standard nodes
// are leaves.
func BuildNodes(listNodes []models.ListNode) []Node {
	nodes := make([]Node, 0, len(listNodes))

	for _, n := range listNodes {
		nodes = append(nodes, Node{
			ID:              n.ID,
			ParentID:        n.ParentID,
			Droppable:       n.Type == models.NodeGroup || n.Type == models.NodeProject,
			Type:            n.Type,
			SectionID:       n.SectionID,
			UnfinishedCount: n.UnfinishedCount,
			RefID:           n.RefID,
		})
	}

	return nodes
}

// allowedTargets is the type-containment matrix: which target types a
// source type may nest under. Root acceptance is handled separately per
// section. Projects only ever sort at root; standard nodes never move.
var allowedTargets = map[models.NodeType][]models.NodeType{
	models.NodeProject: {},
	models.NodeGroup:   {models.NodeProject, models.NodeGroup},
	models.NodeList:    {models.NodeGroup, models.NodeProject},
	models.NodeStandard: {},
}

// rootAllowed lists the source types that may be dropped at a section
// root at all, before per-section acceptance is checked.
var rootAllowed = map[models.NodeType]bool{
	models.NodeProject: true,
	models.NodeGroup:   true,
	models.NodeList:    true,
}

// CanDrop reports whether dropping sourceID onto targetID is a valid
// mutation. targetID is either a node id or a synthetic RootTarget. An
// invalid drop is a normal UI interaction, not an error, so the answer
// is just a bool.
func CanDrop(nodes []Node, sections map[string]Section, sourceID, targetID string) bool {
	if sourceID == targetID {
		return false
	}

	src, ok := find(nodes, sourceID)
	if !ok {
		return false
	}

	// A group owns its immediate children: a node nested under a group
	// cannot be re-dragged elsewhere without being detached first.
	if parent, ok := find(nodes, src.ParentID); ok && parent.Type == models.NodeGroup {
		return false
	}

	if sectionID, isRoot := SplitRootTarget(targetID); isRoot {
		if !rootAllowed[src.Type] {
			return false
		}

		sec, ok := sections[sectionID]
		if !ok || sec.Immutable {
			return false
		}

		return sec.acceptsAtRoot(src.Type)
	}

	tgt, ok := find(nodes, targetID)
	if !ok || !tgt.Droppable {
		return false
	}

	// Cycle guard: walk from the target up to its root; finding the
	// source on the way means the target lives inside the source's
	// subtree.
	if isDescendant(nodes, targetID, sourceID) {
		return false
	}

	for _, t := range allowedTargets[src.Type] {
		if tgt.Type == t {
			return true
		}
	}

	return false
}

// Move applies a drop the caller has already validated with CanDrop and
// returns the transformed forest. The input slice is not modified.
//
// In ModeMove, crossing a section boundary migrates the source's direct
// children first and the source itself last, so no intermediate state
// shows a container separated from its children. In ModeLink a new
// linked node is appended and the source stays put.
func Move(nodes []Node, sourceID, targetID string, mode MoveMode) []Node {
	out := make([]Node, len(nodes))
	copy(out, nodes)

	srcIdx := indexOf(out, sourceID)
	if srcIdx < 0 {
		return out
	}

	src := out[srcIdx]

	destSection, newParent := resolveDestination(out, targetID)
	if destSection == "" {
		return out
	}

	if mode == ModeLink {
		refID := src.ID
		if src.RefID != "" {
			refID = src.RefID
		}

		return append(out, Node{
			ID:              linkIDPrefix + uuid.NewString(),
			ParentID:        newParent,
			Droppable:       src.Droppable,
			Type:            src.Type,
			SectionID:       destSection,
			UnfinishedCount: src.UnfinishedCount,
			RefID:           refID,
		})
	}

	crossing := src.SectionID != destSection

	if crossing && src.Droppable {
		// Children first. Their parent pointer is unchanged; only the
		// section assignment moves with them.
		for i := range out {
			if out[i].ParentID == sourceID && out[i].SectionID == src.SectionID {
				out[i].SectionID = destSection
			}
		}
	}

	out[srcIdx].ParentID = newParent
	out[srcIdx].SectionID = destSection

	return out
}

// resolveDestination maps a drop target to (section, parent id). Root
// targets yield an empty parent id.
func resolveDestination(nodes []Node, targetID string) (sectionID, parentID string) {
	if sec, isRoot := SplitRootTarget(targetID); isRoot {
		return sec, ""
	}

	tgt, ok := find(nodes, targetID)
	if !ok {
		return "", ""
	}

	return tgt.SectionID, tgt.ID
}

// isDescendant reports whether id lives in ancestorID's subtree, by
// walking parent pointers from id toward the root. The walk is bounded
// by the node count so a corrupted forest cannot loop forever.
func isDescendant(nodes []Node, id, ancestorID string) bool {
	cur := id
	for range nodes {
		n, ok := find(nodes, cur)
		if !ok || n.ParentID == "" {
			return false
		}

		if n.ParentID == ancestorID {
			return true
		}

		cur = n.ParentID
	}

	return false
}

func find(nodes []Node, id string) (Node, bool) {
	if idx := indexOf(nodes, id); idx >= 0 {
		return nodes[idx], true
	}

	return Node{}, false
}

func indexOf(nodes []Node, id string) int {
	if id == "" {
		return -1
	}

	for i := range nodes {
		if nodes[i].ID == id {
			return i
		}
	}

	return -1
}
