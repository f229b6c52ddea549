package tree

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmirror/taskmirror/internal/models"
)

func node(id, parentID string, typ models.NodeType, section string) Node {
	return Node{
		ID:        id,
		ParentID:  parentID,
		Type:      typ,
		SectionID: section,
		Droppable: typ == models.NodeGroup || typ == models.NodeProject,
	}
}

// testForest:
//
//	projects section:  P1 (project) ─ G1 (group) ─ L1 (list)
//	free section:      L2 (list), G2 (group)
//	standard section:  S1 (standard)
func testForest() []Node {
	return []Node{
		node("P1", "", models.NodeProject, "projects"),
		node("G1", "P1", models.NodeGroup, "projects"),
		node("L1", "G1", models.NodeList, "projects"),
		node("L2", "", models.NodeList, "free"),
		node("G2", "", models.NodeGroup, "free"),
		node("S1", "", models.NodeStandard, "standard"),
	}
}

func testSections() map[string]Section {
	return DefaultSections()
}

func TestCanDrop(t *testing.T) {
	nodes := testForest()
	sections := testSections()

	tests := []struct {
		name   string
		source string
		target string
		want   bool
	}{
		{"source equals target", "L2", "L2", false},
		{"unknown source", "nope", "G2", false},
		{"unknown target", "L2", "nope", false},

		// Type matrix.
		{"list onto group", "L2", "G2", true},
		{"list onto project", "L2", "P1", true},
		{"list onto list", "L2", "L1", false},
		{"group onto project", "G2", "P1", true},
		{"project onto group", "P1", "G2", false},
		{"standard never draggable", "S1", "G2", false},
		{"standard not draggable to root", "S1", RootTarget("free"), false},

		// Cycle guard: G1 is inside P1's subtree.
		{"project onto own descendant", "P1", "G1", false},

		// Group owns its immediate children: L1 sits under G1.
		{"child of group cannot re-drag", "L1", "G2", false},

		// Root-level drops.
		{"project to projects root", "P1", RootTarget("projects"), true},
		{"list to projects root", "L2", RootTarget("projects"), false},
		{"list to free root", "L2", RootTarget("free"), true},
		{"group to free root", "G2", RootTarget("free"), true},
		{"any to immutable root", "L2", RootTarget("standard"), false},
		{"unknown section root", "L2", RootTarget("nope"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanDrop(nodes, sections, tt.source, tt.target))
		})
	}
}

func TestCanDrop_GroupOntoGroup(t *testing.T) {
	nodes := testForest()

	// G2 (free, root level) onto G1 (projects): group under group is
	// allowed by the matrix.
	assert.True(t, CanDrop(nodes, testSections(), "G2", "G1"))
}

func TestMove_ReparentsWithinSection(t *testing.T) {
	nodes := testForest()

	moved := Move(nodes, "L2", "G2", ModeMove)

	l2 := mustFind(t, moved, "L2")
	assert.Equal(t, "G2", l2.ParentID)
	assert.Equal(t, "free", l2.SectionID)

	// Pure function: the input is untouched.
	orig := mustFind(t, nodes, "L2")
	assert.Empty(t, orig.ParentID)
}

func TestMove_CrossSectionListOntoGroup(t *testing.T) {
	// Scenario: drag list L2 from "free" onto group G1 in "projects".
	nodes := testForest()
	require.True(t, CanDrop(nodes, testSections(), "L2", "G1"))

	moved := Move(nodes, "L2", "G1", ModeMove)

	l2 := mustFind(t, moved, "L2")
	assert.Equal(t, "G1", l2.ParentID)
	assert.Equal(t, "projects", l2.SectionID)

	assert.Empty(t, inSection(moved, "free", "L2"), "origin section no longer holds the node")
}

func TestMove_CrossSectionGroupMigratesChildren(t *testing.T) {
	// A group with three children moves from "free" to the projects
	// section: all four nodes must land in the destination with their
	// section rewritten, and none may remain behind.
	nodes := []Node{
		node("P1", "", models.NodeProject, "projects"),
		node("G2", "", models.NodeGroup, "free"),
		node("a", "G2", models.NodeList, "free"),
		node("b", "G2", models.NodeList, "free"),
		node("c", "G2", models.NodeList, "free"),
	}

	require.True(t, CanDrop(nodes, testSections(), "G2", "P1"))
	moved := Move(nodes, "G2", "P1", ModeMove)

	for _, id := range []string{"G2", "a", "b", "c"} {
		n := mustFind(t, moved, id)
		assert.Equal(t, "projects", n.SectionID, "node %s must migrate", id)
	}

	g2 := mustFind(t, moved, "G2")
	assert.Equal(t, "P1", g2.ParentID)

	for _, id := range []string{"a", "b", "c"} {
		n := mustFind(t, moved, id)
		assert.Equal(t, "G2", n.ParentID, "children keep their parent")
	}

	assert.Empty(t, sectionIDs(moved, "free"), "no orphans left in the origin section")
}

func TestMove_ToSectionRoot(t *testing.T) {
	nodes := testForest()

	moved := Move(nodes, "G2", RootTarget("projects"), ModeMove)

	g2 := mustFind(t, moved, "G2")
	assert.Empty(t, g2.ParentID)
	assert.Equal(t, "projects", g2.SectionID)
}

func TestMove_LinkLeavesSourceInPlace(t *testing.T) {
	nodes := testForest()

	moved := Move(nodes, "L2", "G2", ModeLink)
	require.Len(t, moved, len(nodes)+1)

	// Source unchanged.
	l2 := mustFind(t, moved, "L2")
	assert.Empty(t, l2.ParentID)
	assert.Equal(t, "free", l2.SectionID)

	link := moved[len(moved)-1]
	assert.True(t, strings.HasPrefix(link.ID, "lnk-"))
	assert.Equal(t, "G2", link.ParentID)
	assert.Equal(t, "L2", link.RefID, "link references the underlying entity")
	assert.Equal(t, models.NodeList, link.Type)
}

func TestMove_LinkOfLinkKeepsOriginalRef(t *testing.T) {
	nodes := testForest()

	once := Move(nodes, "L2", "G2", ModeLink)
	first := once[len(once)-1]

	twice := Move(once, first.ID, "P1", ModeLink)
	second := twice[len(twice)-1]

	assert.Equal(t, "L2", second.RefID, "links chain back to the real entity")
}

func TestMove_ValidSequenceStaysAcyclic(t *testing.T) {
	nodes := testForest()
	sections := testSections()

	drops := []struct {
		source, target string
	}{
		{"L2", "G2"},
		{"G2", "P1"},
		{"G2", RootTarget("free")},
		{"G2", "G1"},
	}

	for _, d := range drops {
		if !CanDrop(nodes, sections, d.source, d.target) {
			continue
		}

		nodes = Move(nodes, d.source, d.target, ModeMove)
		assertAcyclic(t, nodes)
	}
}

func TestBuildNodes(t *testing.T) {
	listNodes := []models.ListNode{
		{ID: "G1", Name: "work", Type: models.NodeGroup, SectionID: "free", UnfinishedCount: 3},
		{ID: "L1", Name: "inbox", Type: models.NodeList, ParentID: "G1", SectionID: "free"},
		{ID: "S1", Name: "today", Type: models.NodeStandard, SectionID: "standard"},
	}

	nodes := BuildNodes(listNodes)
	require.Len(t, nodes, 3)

	assert.True(t, nodes[0].Droppable)
	assert.Equal(t, 3, nodes[0].UnfinishedCount)

	assert.False(t, nodes[1].Droppable)
	assert.Equal(t, "G1", nodes[1].ParentID)

	assert.False(t, nodes[2].Droppable)
}

func TestSplitRootTarget(t *testing.T) {
	sec, ok := SplitRootTarget(RootTarget("free"))
	require.True(t, ok)
	assert.Equal(t, "free", sec)

	_, ok = SplitRootTarget("G1")
	assert.False(t, ok)
}

func mustFind(t *testing.T, nodes []Node, id string) Node {
	t.Helper()

	n, ok := find(nodes, id)
	require.True(t, ok, "node %s not found", id)

	return n
}

func inSection(nodes []Node, section, id string) []Node {
	var out []Node

	for _, n := range nodes {
		if n.SectionID == section && n.ID == id {
			out = append(out, n)
		}
	}

	return out
}

func sectionIDs(nodes []Node, section string) []string {
	var out []string

	for _, n := range nodes {
		if n.SectionID == section {
			out = append(out, n.ID)
		}
	}

	return out
}

func assertAcyclic(t *testing.T, nodes []Node) {
	t.Helper()

	for _, n := range nodes {
		assert.False(t, isDescendant(nodes, n.ID, n.ID), "node %s is its own ancestor", n.ID)
	}
}
