// Package kanban maintains a client-side board view: which column each task
// is in and how each column is ordered. The status map is the single source
// of truth for membership; column orderings are only presentation hints
// derived from it. A task therefore appears in exactly one column no matter
// how moves, events, and reorders interleave.
package kanban

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/opsboard/coherence/eventbus"
)

// Status is a task's workflow column.
type Status string

const (
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in_progress"
	StatusReview     Status = "review"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// Statuses lists the board columns in display order.
func Statuses() []Status {
	return []Status{StatusTodo, StatusInProgress, StatusReview, StatusCompleted, StatusCancelled}
}

func ValidStatus(s Status) bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusReview, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

var (
	ErrUnknownTask   = errors.New("kanban: unknown task")
	ErrInvalidStatus = errors.New("kanban: invalid status")
)

// Move is the mutation a cross-column drag produces. The caller submits it
// to the server (through the optimistic layer); within-column reorders never
// produce one because ordering is client-local.
type Move struct {
	TaskID string
	Status Status
}

// Board is one kanban board's client-side state.
type Board struct {
	mu sync.Mutex
	// statuses is authoritative for which column a task is in.
	statuses map[string]Status
	// order is a per-column presentation hint; entries may be stale or
	// missing and are reconciled against statuses on read.
	order map[Status][]string
	// lastTS tracks the newest commit merged per task, so replayed or
	// out-of-order events cannot move a card backwards.
	lastTS map[string]int64
}

func NewBoard() *Board {
	return &Board{
		statuses: make(map[string]Status),
		order:    make(map[Status][]string),
		lastTS:   make(map[string]int64),
	}
}

// Load replaces the board with fetched server state. Tasks arrive grouped by
// column in server order.
func (b *Board) Load(columns map[Status][]string) error {
	for st := range columns {
		if !ValidStatus(st) {
			return fmt.Errorf("%w: %q", ErrInvalidStatus, st)
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statuses = make(map[string]Status)
	b.order = make(map[Status][]string)
	b.lastTS = make(map[string]int64)
	for st, ids := range columns {
		for _, id := range ids {
			b.statuses[id] = st
		}
		b.order[st] = append([]string(nil), ids...)
	}
	return nil
}

// ColumnOf reports which column holds a task.
func (b *Board) ColumnOf(taskID string) (Status, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.statuses[taskID]
	return st, ok
}

// Column returns the task ids of one column, in order. Membership comes from
// the status map alone; the order hint only arranges it. Tasks the hint does
// not know yet are appended in id order so the result is deterministic.
func (b *Board) Column(st Status) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.columnLocked(st)
}

func (b *Board) columnLocked(st Status) []string {
	member := make(map[string]bool)
	for id, s := range b.statuses {
		if s == st {
			member[id] = true
		}
	}

	out := make([]string, 0, len(member))
	seen := make(map[string]bool, len(member))
	for _, id := range b.order[st] {
		if member[id] && !seen[id] {
			out = append(out, id)
			seen[id] = true
		}
	}
	var missing []string
	for id := range member {
		if !seen[id] {
			missing = append(missing, id)
		}
	}
	sort.Strings(missing)
	return append(out, missing...)
}

// Columns returns the whole board keyed by status.
func (b *Board) Columns() map[Status][]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[Status][]string, len(Statuses()))
	for _, st := range Statuses() {
		out[st] = b.columnLocked(st)
	}
	return out
}

// MoveWithin reorders a task inside its own column. Purely local: ordering
// is a client concern, so no server mutation results.
func (b *Board) MoveWithin(taskID string, index int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.statuses[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	col := b.columnLocked(st)
	b.order[st] = insertAt(removeID(col, taskID), taskID, index)
	return nil
}

// MoveAcross moves a task to another column at the given position and
// returns the status mutation to submit to the server.
func (b *Board) MoveAcross(taskID string, to Status, index int) (Move, error) {
	if !ValidStatus(to) {
		return Move{}, fmt.Errorf("%w: %q", ErrInvalidStatus, to)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	from, ok := b.statuses[taskID]
	if !ok {
		return Move{}, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	if from == to {
		b.order[to] = insertAt(removeID(b.columnLocked(to), taskID), taskID, index)
		return Move{TaskID: taskID, Status: to}, nil
	}
	b.order[from] = removeID(b.columnLocked(from), taskID)
	b.statuses[taskID] = to
	b.order[to] = insertAt(removeID(b.columnLocked(to), taskID), taskID, index)
	return Move{TaskID: taskID, Status: to}, nil
}

// Remove drops a task from the board.
func (b *Board) Remove(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(taskID)
}

func (b *Board) removeLocked(taskID string) {
	if st, ok := b.statuses[taskID]; ok {
		b.order[st] = removeID(b.order[st], taskID)
	}
	delete(b.statuses, taskID)
	delete(b.lastTS, taskID)
}

// ApplyEvent merges a committed task change from the feed. Later commits win
// regardless of arrival order, so two clients moving the same card converge
// on the last committed status everywhere.
func (b *Board) ApplyEvent(ev *eventbus.ChangeEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ev.CommitTS != 0 && ev.CommitTS <= b.lastTS[ev.EntityID] {
		return nil
	}

	switch ev.Type {
	case eventbus.EventDelete:
		b.removeLocked(ev.EntityID)
		return nil
	case eventbus.EventInsert, eventbus.EventUpdate:
		raw, ok := ev.New["status"]
		if !ok {
			// not a board-relevant change
			if ev.CommitTS != 0 {
				b.lastTS[ev.EntityID] = ev.CommitTS
			}
			return nil
		}
		st, ok := raw.(string)
		if !ok || !ValidStatus(Status(st)) {
			return fmt.Errorf("%w: %v", ErrInvalidStatus, raw)
		}
		if prev, known := b.statuses[ev.EntityID]; known && prev != Status(st) {
			b.order[prev] = removeID(b.order[prev], ev.EntityID)
		}
		b.statuses[ev.EntityID] = Status(st)
		if ev.CommitTS != 0 {
			b.lastTS[ev.EntityID] = ev.CommitTS
		}
		return nil
	default:
		return nil
	}
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, x := range ids {
		if x != id {
			out = append(out, x)
		}
	}
	return out
}

func insertAt(ids []string, id string, index int) []string {
	if index < 0 {
		index = 0
	}
	if index > len(ids) {
		index = len(ids)
	}
	ids = append(ids, "")
	copy(ids[index+1:], ids[index:])
	ids[index] = id
	return ids
}
