// Package workflow is the staged orchestrator core: the TODO model,
// the nine stage processors and the executor that sequences them.
package workflow

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/olegkizyma008-rgb/atlas/pkg/protocol"
)

// Status of one TODO item.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPlanning  Status = "planning"
	StatusExecuting Status = "executing"
	StatusVerifying Status = "verifying"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
	StatusReplanned Status = "replanned"
	StatusBlocked   Status = "blocked"
)

// terminal statuses end an item's life. A replanned item is terminal
// itself; its children carry the work on.
func (s Status) terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusSkipped, StatusReplanned:
		return true
	}
	return false
}

// Verification is the verifier's verdict for one item.
type Verification struct {
	Verified   bool    `json:"verified"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning,omitempty"`
	Evidence   string  `json:"evidence,omitempty"`
	// Override marks a verified=false verdict accepted because the
	// reasoning prose described a match.
	Override bool `json:"override_applied,omitempty"`
}

// Item is one unit of work in a TODO.
type Item struct {
	ID              string   `json:"id"`
	Action          string   `json:"action"`
	SuccessCriteria string   `json:"success_criteria,omitempty"`
	Dependencies    []string `json:"dependencies,omitempty"`

	Status            Status `json:"status"`
	AttemptCount      int    `json:"attempt_count"`
	ReplanCount       int    `json:"replan_count"`
	BlockedCheckCount int    `json:"blocked_check_count"`

	SelectedProviders []string                   `json:"selected_providers,omitempty"`
	ToolCalls         []protocol.ToolCall        `json:"tool_calls,omitempty"`
	ExecutionResults  []protocol.ExecutionResult `json:"execution_results,omitempty"`
	Verification      *Verification              `json:"verification,omitempty"`
}

// Todo is the ordered plan for one user request. Items appear in
// depth-first insertion order; all dependency checks compare positions
// in this slice, never the numeric shape of the ids.
type Todo struct {
	UserMessage string    `json:"user_message"`
	CreatedAt   time.Time `json:"created_at"`
	Items       []*Item   `json:"items"`
}

// PlannedItem is the planner's raw output before validation.
type PlannedItem struct {
	ID              string   `json:"id"`
	Action          string   `json:"action"`
	SuccessCriteria string   `json:"success_criteria"`
	Dependencies    []string `json:"dependencies"`
}

// NewTodo validates the planned items and builds the Todo. Violations
// surface as plan-invalid errors.
func NewTodo(userMessage string, planned []PlannedItem) (*Todo, error) {
	if len(planned) == 0 {
		return nil, protocol.NewError(protocol.ErrPlanInvalid, "plan has no items")
	}

	todo := &Todo{
		UserMessage: userMessage,
		CreatedAt:   time.Now(),
	}
	seen := make(map[string]int, len(planned))
	for i, p := range planned {
		if p.ID == "" || p.Action == "" {
			return nil, protocol.NewError(protocol.ErrPlanInvalid, "item %d is missing id or action", i)
		}
		if !validID(p.ID) {
			return nil, protocol.NewError(protocol.ErrPlanInvalid, "item id %q is not a dotted integer path", p.ID)
		}
		if _, dup := seen[p.ID]; dup {
			return nil, protocol.NewError(protocol.ErrPlanInvalid, "duplicate item id %q", p.ID)
		}
		for _, dep := range p.Dependencies {
			if _, ok := seen[dep]; !ok {
				return nil, protocol.NewError(protocol.ErrPlanInvalid, "item %q depends on %q which does not appear earlier", p.ID, dep)
			}
		}
		seen[p.ID] = i
		todo.Items = append(todo.Items, &Item{
			ID:              p.ID,
			Action:          p.Action,
			SuccessCriteria: p.SuccessCriteria,
			Dependencies:    append([]string(nil), p.Dependencies...),
			Status:          StatusPending,
		})
	}
	return todo, nil
}

// validID accepts dotted positive-integer paths like "3" or "3.1.2".
func validID(id string) bool {
	for _, part := range strings.Split(id, ".") {
		n, err := strconv.Atoi(part)
		if err != nil || n <= 0 {
			return false
		}
	}
	return true
}

// indexOf returns the insertion-order position of an id, or -1.
func (t *Todo) indexOf(id string) int {
	for i, item := range t.Items {
		if item.ID == id {
			return i
		}
	}
	return -1
}

// Get returns the item with the given id, or nil.
func (t *Todo) Get(id string) *Item {
	if i := t.indexOf(id); i >= 0 {
		return t.Items[i]
	}
	return nil
}

// DepsCompleted reports whether every dependency of the item has
// reached completed.
func (t *Todo) DepsCompleted(item *Item) bool {
	for _, dep := range item.Dependencies {
		d := t.Get(dep)
		if d == nil || d.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// SubstituteReplannedDeps replaces every dependency whose item was
// replanned with that item's direct children. Returns true when the
// dependency set changed.
func (t *Todo) SubstituteReplannedDeps(item *Item) bool {
	changed := false
	var out []string
	for _, dep := range item.Dependencies {
		d := t.Get(dep)
		if d != nil && d.Status == StatusReplanned {
			out = append(out, t.DirectChildren(dep)...)
			changed = true
			continue
		}
		out = append(out, dep)
	}
	if changed {
		item.Dependencies = out
	}
	return changed
}

// DirectChildren returns the ids one level below the parent, in
// insertion order.
func (t *Todo) DirectChildren(parentID string) []string {
	prefix := parentID + "."
	var out []string
	for _, item := range t.Items {
		if !strings.HasPrefix(item.ID, prefix) {
			continue
		}
		if !strings.Contains(item.ID[len(prefix):], ".") {
			out = append(out, item.ID)
		}
	}
	return out
}

// InsertChildren inserts new items directly after the parent and its
// existing children, assigning ids parent.N onward. Dependencies are
// validated against insertion order: a child may reference the parent's
// dependencies, the parent itself, or a sibling inserted before it.
func (t *Todo) InsertChildren(parentID string, planned []PlannedItem) ([]*Item, error) {
	parentIdx := t.indexOf(parentID)
	if parentIdx < 0 {
		return nil, protocol.NewError(protocol.ErrPlanInvalid, "unknown parent item %q", parentID)
	}
	parent := t.Items[parentIdx]

	insertAt := parentIdx + 1
	for insertAt < len(t.Items) && strings.HasPrefix(t.Items[insertAt].ID, parentID+".") {
		insertAt++
	}
	nextOrdinal := len(t.DirectChildren(parentID)) + 1

	children := make([]*Item, 0, len(planned))
	newIDs := make(map[string]bool)
	for i, p := range planned {
		if p.Action == "" {
			return nil, protocol.NewError(protocol.ErrPlanInvalid, "child %d of %q has no action", i, parentID)
		}
		id := fmt.Sprintf("%s.%d", parentID, nextOrdinal)
		nextOrdinal++

		// Children inherit the parent's dependencies plus anything
		// the planner added, as long as the reference is backward.
		deps := append([]string(nil), parent.Dependencies...)
		for _, dep := range p.Dependencies {
			if dep == parentID || newIDs[dep] || t.isBackwardRef(dep, parentIdx) {
				deps = append(deps, dep)
				continue
			}
			return nil, protocol.NewError(protocol.ErrPlanInvalid, "child of %q depends on %q which is not an earlier item", parentID, dep)
		}

		newIDs[id] = true
		children = append(children, &Item{
			ID:              id,
			Action:          p.Action,
			SuccessCriteria: p.SuccessCriteria,
			Dependencies:    dedupe(deps),
			Status:          StatusPending,
		})
	}

	rest := make([]*Item, len(t.Items[insertAt:]))
	copy(rest, t.Items[insertAt:])
	t.Items = append(t.Items[:insertAt], append(children, rest...)...)
	return children, nil
}

// isBackwardRef reports whether dep sits at or before the given index.
func (t *Todo) isBackwardRef(dep string, idx int) bool {
	depIdx := t.indexOf(dep)
	return depIdx >= 0 && depIdx <= idx
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// AllTerminal reports whether every item has ended.
func (t *Todo) AllTerminal() bool {
	for _, item := range t.Items {
		if !item.Status.terminal() {
			return false
		}
	}
	return true
}

// NextReady returns the first pending item whose dependencies are all
// completed, in insertion order.
func (t *Todo) NextReady() *Item {
	for _, item := range t.Items {
		if item.Status == StatusPending && t.DepsCompleted(item) {
			return item
		}
	}
	return nil
}

// PendingBlocked returns pending items with unresolved dependencies.
func (t *Todo) PendingBlocked() []*Item {
	var out []*Item
	for _, item := range t.Items {
		if item.Status == StatusPending && !t.DepsCompleted(item) {
			out = append(out, item)
		}
	}
	return out
}

// Counts aggregates item statuses for the summary stage.
func (t *Todo) Counts() map[Status]int {
	out := make(map[Status]int)
	for _, item := range t.Items {
		out[item.Status]++
	}
	return out
}

// Snapshot projects the Todo for the event stream.
func (t *Todo) Snapshot() protocol.TodoSnapshot {
	snap := protocol.TodoSnapshot{Items: make([]protocol.TodoItemView, 0, len(t.Items))}
	for _, item := range t.Items {
		snap.Items = append(snap.Items, protocol.TodoItemView{
			ID:           item.ID,
			Action:       item.Action,
			Status:       string(item.Status),
			Dependencies: append([]string(nil), item.Dependencies...),
		})
	}
	return snap
}
