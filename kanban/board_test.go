package kanban

import (
	"reflect"
	"testing"

	"github.com/opsboard/coherence/eventbus"
)

func loadedBoard(t *testing.T) *Board {
	t.Helper()
	b := NewBoard()
	err := b.Load(map[Status][]string{
		StatusTodo:       {"t1", "t2", "t3"},
		StatusInProgress: {"t4"},
	})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

// every task must be in exactly one column.
func assertSingleColumn(t *testing.T, b *Board) {
	t.Helper()
	seen := map[string]Status{}
	for st, ids := range b.Columns() {
		for _, id := range ids {
			if prev, dup := seen[id]; dup {
				t.Fatalf("task %s appears in both %s and %s", id, prev, st)
			}
			seen[id] = st
		}
	}
}

func statusUpdate(id, status string, ts int64) *eventbus.ChangeEvent {
	return &eventbus.ChangeEvent{
		Table: "tasks", Type: eventbus.EventUpdate, EntityID: id,
		New: map[string]any{"status": status}, CommitTS: ts,
	}
}

func TestDragAcrossColumns(t *testing.T) {
	b := loadedBoard(t)

	mv, err := b.MoveAcross("t2", StatusInProgress, 0)
	if err != nil {
		t.Fatal(err)
	}
	if mv.TaskID != "t2" || mv.Status != StatusInProgress {
		t.Fatalf("mutation = %+v", mv)
	}

	if got := b.Column(StatusTodo); !reflect.DeepEqual(got, []string{"t1", "t3"}) {
		t.Fatalf("todo = %v", got)
	}
	if got := b.Column(StatusInProgress); !reflect.DeepEqual(got, []string{"t2", "t4"}) {
		t.Fatalf("in_progress = %v", got)
	}
	assertSingleColumn(t, b)

	// the echoed commit must not duplicate or bounce the card
	if err := b.ApplyEvent(statusUpdate("t2", "in_progress", 100)); err != nil {
		t.Fatal(err)
	}
	if got := b.Column(StatusInProgress); !reflect.DeepEqual(got, []string{"t2", "t4"}) {
		t.Fatalf("in_progress after echo = %v", got)
	}
	assertSingleColumn(t, b)
}

func TestReorderWithinColumnIsLocal(t *testing.T) {
	b := loadedBoard(t)

	if err := b.MoveWithin("t3", 0); err != nil {
		t.Fatal(err)
	}
	if got := b.Column(StatusTodo); !reflect.DeepEqual(got, []string{"t3", "t1", "t2"}) {
		t.Fatalf("todo = %v", got)
	}
	// membership untouched
	if st, _ := b.ColumnOf("t3"); st != StatusTodo {
		t.Fatalf("t3 moved to %s", st)
	}
	assertSingleColumn(t, b)
}

func TestConcurrentMovesConvergeOnLastCommit(t *testing.T) {
	// two boards receive the same two commits in opposite order
	mkBoard := func() *Board {
		b := NewBoard()
		if err := b.Load(map[Status][]string{StatusTodo: {"t1"}}); err != nil {
			t.Fatal(err)
		}
		return b
	}
	toReview := statusUpdate("t1", "review", 200)
	toDone := statusUpdate("t1", "completed", 300)

	b1, b2 := mkBoard(), mkBoard()
	for _, ev := range []*eventbus.ChangeEvent{toReview, toDone} {
		if err := b1.ApplyEvent(ev); err != nil {
			t.Fatal(err)
		}
	}
	for _, ev := range []*eventbus.ChangeEvent{toDone, toReview} {
		if err := b2.ApplyEvent(ev); err != nil {
			t.Fatal(err)
		}
	}

	for i, b := range []*Board{b1, b2} {
		st, ok := b.ColumnOf("t1")
		if !ok || st != StatusCompleted {
			t.Fatalf("board %d converged on %s, want completed", i+1, st)
		}
		assertSingleColumn(t, b)
	}
}

func TestEventForUnknownTaskAddsCard(t *testing.T) {
	b := loadedBoard(t)
	ev := &eventbus.ChangeEvent{
		Table: "tasks", Type: eventbus.EventInsert, EntityID: "t9",
		New: map[string]any{"status": "todo"}, CommitTS: 50,
	}
	if err := b.ApplyEvent(ev); err != nil {
		t.Fatal(err)
	}
	// unknown to the order hint: appended deterministically
	if got := b.Column(StatusTodo); !reflect.DeepEqual(got, []string{"t1", "t2", "t3", "t9"}) {
		t.Fatalf("todo = %v", got)
	}
}

func TestDeleteEventRemovesCard(t *testing.T) {
	b := loadedBoard(t)
	ev := &eventbus.ChangeEvent{
		Table: "tasks", Type: eventbus.EventDelete, EntityID: "t4",
		Old: map[string]any{"status": "in_progress"}, CommitTS: 60,
	}
	if err := b.ApplyEvent(ev); err != nil {
		t.Fatal(err)
	}
	if got := b.Column(StatusInProgress); len(got) != 0 {
		t.Fatalf("in_progress = %v", got)
	}
	if _, ok := b.ColumnOf("t4"); ok {
		t.Fatal("deleted task still on board")
	}
}

func TestStaleEventIgnored(t *testing.T) {
	b := loadedBoard(t)
	if err := b.ApplyEvent(statusUpdate("t1", "review", 100)); err != nil {
		t.Fatal(err)
	}
	if err := b.ApplyEvent(statusUpdate("t1", "todo", 90)); err != nil {
		t.Fatal(err)
	}
	if st, _ := b.ColumnOf("t1"); st != StatusReview {
		t.Fatalf("stale commit moved t1 to %s", st)
	}
}

func TestMoveValidation(t *testing.T) {
	b := loadedBoard(t)
	if _, err := b.MoveAcross("nope", StatusReview, 0); err == nil {
		t.Fatal("move of unknown task accepted")
	}
	if _, err := b.MoveAcross("t1", Status("archived"), 0); err == nil {
		t.Fatal("move to invalid status accepted")
	}
	if err := b.ApplyEvent(statusUpdate("t1", "archived", 100)); err == nil {
		t.Fatal("event with invalid status accepted")
	}
}

func TestInsertIndexClamped(t *testing.T) {
	b := loadedBoard(t)
	if _, err := b.MoveAcross("t1", StatusInProgress, 99); err != nil {
		t.Fatal(err)
	}
	if got := b.Column(StatusInProgress); !reflect.DeepEqual(got, []string{"t4", "t1"}) {
		t.Fatalf("in_progress = %v", got)
	}
}
