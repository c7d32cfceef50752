// Package matching holds the per-kind waiting queues used to pair strangers.
// Queues are plain FIFOs; callers provide synchronization.
package matching

import (
	"fmt"
	"time"
)

// Kind distinguishes the two independent pairing pools.
type Kind string

const (
	KindChat  Kind = "chat"
	KindVideo Kind = "video"
)

// Kinds lists every pairing pool in a stable order.
var Kinds = []Kind{KindChat, KindVideo}

// ParseKind maps a wire value to a Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindChat, KindVideo:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("matching: unknown kind %q", s)
	}
}

// Entry is a queued connection and the time it started waiting.
type Entry struct {
	ID       string
	JoinedAt time.Time
}

// Queue is a FIFO of connection ids without duplicates. It is not safe for
// concurrent use.
type Queue struct {
	entries []Entry
	index   map[string]struct{}
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{index: make(map[string]struct{})}
}

// Enqueue appends id to the tail. It reports false if id is already queued.
func (q *Queue) Enqueue(id string, at time.Time) bool {
	if _, ok := q.index[id]; ok {
		return false
	}
	q.entries = append(q.entries, Entry{ID: id, JoinedAt: at})
	q.index[id] = struct{}{}
	return true
}

// Pop removes and returns the head.
func (q *Queue) Pop() (Entry, bool) {
	if len(q.entries) == 0 {
		return Entry{}, false
	}
	e := q.entries[0]
	q.entries[0] = Entry{}
	q.entries = q.entries[1:]
	delete(q.index, e.ID)
	return e, true
}

// Remove deletes id wherever it sits. It reports whether id was queued.
func (q *Queue) Remove(id string) bool {
	if _, ok := q.index[id]; !ok {
		return false
	}
	delete(q.index, id)
	for i, e := range q.entries {
		if e.ID == id {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			break
		}
	}
	return true
}

func (q *Queue) Len() int {
	return len(q.entries)
}

// IDs returns the queued ids head first.
func (q *Queue) IDs() []string {
	ids := make([]string, len(q.entries))
	for i, e := range q.entries {
		ids[i] = e.ID
	}
	return ids
}
