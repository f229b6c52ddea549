package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

// Version is an opaque server-issued token. Only equality is meaningful:
// the client asks "has anything changed since I last saw this" and never
// compares tokens for order.
type Version string

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	StatusActive    TaskStatus = "active"
	StatusCompleted TaskStatus = "completed"
)

// NodeType classifies a node in the list/group/project forest.
type NodeType string

const (
	NodeStandard NodeType = "standard"
	NodeList     NodeType = "list"
	NodeGroup    NodeType = "group"
	NodeProject  NodeType = "project"
)

// Collection identifies a logical sync channel. Each collection is owned
// by exactly one store/controller pair.
type Collection string

const (
	CollectionTasks  Collection = "tasks"
	CollectionMyDay  Collection = "myday"
	CollectionEvents Collection = "events"
	CollectionLists  Collection = "lists"
)

// Entity is anything the sync engine materializes into a store. IDs are
// opaque and never reused within a session.
type Entity interface {
	EntityID() string
}

// tempIDPrefix marks ids assigned locally to tentative entities. A
// tentative entity is addressable only by its temp id until the first
// server confirmation swaps in the authoritative id.
const tempIDPrefix = "tmp-"

// NewTempID returns a fresh id for a tentative (optimistically created)
// entity.
func NewTempID() string {
	return tempIDPrefix + uuid.NewString()
}

// IsTempID reports whether id was assigned locally and is still awaiting
// server confirmation.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, tempIDPrefix)
}

// NormalizeTitle returns the NFC form of a user-entered title. The server
// stores NFC; normalizing at construction keeps client/server equality
// comparisons byte-stable (macOS input methods produce NFD).
func NormalizeTitle(s string) string {
	return norm.NFC.String(s)
}

// Task is a single todo item. Subtasks reference their parent task;
// ChildrenOrder on the parent holds the display order of its subtasks.
type Task struct {
	ID            string     `json:"id"`
	ListID        string     `json:"list_id,omitempty"`
	ParentID      string     `json:"parent_id,omitempty"`
	Title         string     `json:"title"`
	Status        TaskStatus `json:"status"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	DueAt         *time.Time `json:"due_at,omitempty"`
	MyDay         bool       `json:"my_day,omitempty"`
	ChildrenOrder []string   `json:"children_order,omitempty"`
}

func (t Task) EntityID() string { return t.ID }

// NewTask builds a tentative task with a temp id and a normalized title.
func NewTask(listID, title string) Task {
	return Task{
		ID:     NewTempID(),
		ListID: listID,
		Title:  NormalizeTitle(title),
		Status: StatusActive,
	}
}

// CalendarEvent is a scheduled occurrence, optionally backed by a task.
type CalendarEvent struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	StartsAt time.Time `json:"starts_at"`
	EndsAt   time.Time `json:"ends_at"`
	TaskID   string    `json:"task_id,omitempty"`
}

func (e CalendarEvent) EntityID() string { return e.ID }

// ListNode is one node of the list/group/project forest. SectionID names
// the top-level partition the node currently lives in. RefID is set on
// linked nodes: the tree position is distinct but the underlying entity
// is shared with the node identified by RefID.
type ListNode struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Type            NodeType `json:"type"`
	ParentID        string   `json:"parent_id,omitempty"`
	SectionID       string   `json:"section_id"`
	ChildrenOrder   []string `json:"children_order,omitempty"`
	UnfinishedCount int      `json:"unfinished_count"`
	RefID           string   `json:"ref_id,omitempty"`
}

func (n ListNode) EntityID() string { return n.ID }

// FieldPatch is a sparse update: nil fields are left untouched. It is the
// payload of patch mutations and StatusChanged deltas.
type FieldPatch struct {
	Title           *string     `json:"title,omitempty"`
	Status          *TaskStatus `json:"status,omitempty"`
	CompletedAt     *time.Time  `json:"completed_at,omitempty"`
	ParentID        *string     `json:"parent_id,omitempty"`
	SectionID       *string     `json:"section_id,omitempty"`
	UnfinishedCount *int        `json:"unfinished_count,omitempty"`
}

// ApplyToTask returns t with the patch's non-nil fields applied. Clearing
// CompletedAt is expressed by setting Status back to active: the server
// omits completed_at for active tasks.
func (p FieldPatch) ApplyToTask(t Task) Task {
	if p.Title != nil {
		t.Title = NormalizeTitle(*p.Title)
	}

	if p.Status != nil {
		t.Status = *p.Status
		if *p.Status == StatusActive {
			t.CompletedAt = nil
		}
	}

	if p.CompletedAt != nil {
		t.CompletedAt = p.CompletedAt
	}

	if p.ParentID != nil {
		t.ParentID = *p.ParentID
	}

	return t
}

// ApplyToListNode returns n with the patch's non-nil fields applied.
func (p FieldPatch) ApplyToListNode(n ListNode) ListNode {
	if p.Title != nil {
		n.Name = NormalizeTitle(*p.Title)
	}

	if p.ParentID != nil {
		n.ParentID = *p.ParentID
	}

	if p.SectionID != nil {
		n.SectionID = *p.SectionID
	}

	if p.UnfinishedCount != nil {
		n.UnfinishedCount = *p.UnfinishedCount
	}

	return n
}

// ApplyToEvent returns e with the patch's non-nil fields applied.
func (p FieldPatch) ApplyToEvent(e CalendarEvent) CalendarEvent {
	if p.Title != nil {
		e.Title = NormalizeTitle(*p.Title)
	}

	return e
}
