package engine

import (
	"testing"
	"time"
)

func TestQueueOrdersByTime(t *testing.T) {
	q := newFireQueue()
	base := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

	q.Set("late", base.Add(time.Hour), 1)
	q.Set("early", base, 1)
	q.Set("mid", base.Add(30*time.Minute), 1)

	want := []string{"early", "mid", "late"}
	for _, id := range want {
		e, ok := q.PopDue(base.Add(2 * time.Hour))
		if !ok || e.id != id {
			t.Fatalf("pop = %+v, %v; want %s", e, ok, id)
		}
	}
	if q.Len() != 0 {
		t.Fatalf("len = %d after draining", q.Len())
	}
}

func TestQueueTieBreaksByInsertionOrder(t *testing.T) {
	q := newFireQueue()
	at := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

	for _, id := range []string{"a", "b", "c"} {
		q.Set(id, at, 1)
	}
	for _, want := range []string{"a", "b", "c"} {
		e, _ := q.PopDue(at)
		if e.id != want {
			t.Fatalf("got %s, want %s", e.id, want)
		}
	}
}

func TestQueueSetReplacesExisting(t *testing.T) {
	q := newFireQueue()
	base := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

	q.Set("x", base, 1)
	q.Set("y", base.Add(time.Minute), 1)
	q.Set("x", base.Add(time.Hour), 2)

	if q.Len() != 2 {
		t.Fatalf("len = %d, want 2 after replace", q.Len())
	}
	e, _ := q.PopDue(base.Add(2 * time.Hour))
	if e.id != "y" {
		t.Fatalf("head = %s, want y", e.id)
	}
	e, _ = q.PopDue(base.Add(2 * time.Hour))
	if e.id != "x" || e.version != 2 {
		t.Fatalf("replaced entry = %+v", e)
	}
}

func TestQueueRemove(t *testing.T) {
	q := newFireQueue()
	base := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

	q.Set("a", base, 1)
	q.Set("b", base.Add(time.Minute), 1)
	q.Remove("a")
	q.Remove("nope")

	e, ok := q.Peek()
	if !ok || e.id != "b" {
		t.Fatalf("peek = %+v, %v", e, ok)
	}
}

func TestQueuePopDueRespectsNow(t *testing.T) {
	q := newFireQueue()
	base := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

	q.Set("future", base.Add(time.Hour), 1)
	if _, ok := q.PopDue(base); ok {
		t.Fatal("popped an entry before its time")
	}
	if e, ok := q.PopDue(base.Add(time.Hour)); !ok || e.id != "future" {
		t.Fatalf("due entry not popped: %+v, %v", e, ok)
	}
}
