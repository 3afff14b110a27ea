package engine

import (
	"container/heap"
	"time"
)

// entry is one pending fire. seq breaks ties between equal fire times so
// ordering stays stable across pushes.
type entry struct {
	id      string
	at      time.Time
	version uint64
	seq     uint64
	index   int
}

// fireQueue is a min-heap on fire time with an id index, so rescheduling
// an event replaces its pending entry instead of stacking a second one.
// Not safe for concurrent use; the engine serializes access.
type fireQueue struct {
	entries []*entry
	byID    map[string]*entry
	nextSeq uint64
}

func newFireQueue() *fireQueue {
	return &fireQueue{byID: make(map[string]*entry)}
}

func (q *fireQueue) Len() int { return len(q.entries) }

func (q *fireQueue) Less(i, j int) bool {
	a, b := q.entries[i], q.entries[j]
	if a.at.Equal(b.at) {
		return a.seq < b.seq
	}
	return a.at.Before(b.at)
}

func (q *fireQueue) Swap(i, j int) {
	q.entries[i], q.entries[j] = q.entries[j], q.entries[i]
	q.entries[i].index = i
	q.entries[j].index = j
}

func (q *fireQueue) Push(x any) {
	e := x.(*entry)
	e.index = len(q.entries)
	q.entries = append(q.entries, e)
}

func (q *fireQueue) Pop() any {
	old := q.entries
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	q.entries = old[:n-1]
	return e
}

// Set schedules or reschedules an event's pending fire.
func (q *fireQueue) Set(id string, at time.Time, version uint64) {
	if e, ok := q.byID[id]; ok {
		e.at = at
		e.version = version
		heap.Fix(q, e.index)
		return
	}
	e := &entry{id: id, at: at, version: version, seq: q.nextSeq}
	q.nextSeq++
	q.byID[id] = e
	heap.Push(q, e)
}

// Remove drops an event's pending fire. Absent ids are a no-op.
func (q *fireQueue) Remove(id string) {
	e, ok := q.byID[id]
	if !ok {
		return
	}
	delete(q.byID, id)
	heap.Remove(q, e.index)
}

// Peek returns the earliest pending entry without removing it.
func (q *fireQueue) Peek() (*entry, bool) {
	if len(q.entries) == 0 {
		return nil, false
	}
	return q.entries[0], true
}

// PopDue removes and returns the earliest entry if it is due at or before
// now.
func (q *fireQueue) PopDue(now time.Time) (*entry, bool) {
	e, ok := q.Peek()
	if !ok || e.at.After(now) {
		return nil, false
	}
	heap.Pop(q)
	delete(q.byID, e.id)
	return e, true
}
