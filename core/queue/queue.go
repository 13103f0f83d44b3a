// Package queue holds outgoing comments waiting to be posted.
//
// Comments are kept ordered by scheduled time. Comments scheduled for the
// same instant keep their insertion order. A comment is only removed once
// its post is confirmed or abandoned, so the head of the queue is the
// comment currently being attempted.
package queue

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Comment is a pending outgoing comment.
type Comment struct {
	ID   uuid.UUID
	Text string
	Mail string
	// Name is the display name of an owner comment. Ignored by rooms.
	Name        string
	ScheduledAt time.Time
}

// NewComment returns a comment with a fresh ID.
func NewComment(text, mail string, at time.Time) Comment {
	return Comment{
		ID:          uuid.New(),
		Text:        text,
		Mail:        mail,
		ScheduledAt: at,
	}
}

// Due reports whether the comment may be posted at now.
func (c Comment) Due(now time.Time) bool {
	return !now.Before(c.ScheduledAt)
}

// Queue is a time-ordered comment queue. It is safe for concurrent use.
type Queue struct {
	mu    sync.Mutex
	items []Comment
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{}
}

// Push inserts c after every comment scheduled at or before it.
func (q *Queue) Push(c Comment) {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := len(q.items)
	for i > 0 && q.items[i-1].ScheduledAt.After(c.ScheduledAt) {
		i--
	}
	q.items = append(q.items, Comment{})
	copy(q.items[i+1:], q.items[i:])
	q.items[i] = c
}

// Peek returns the head of the queue without removing it.
func (q *Queue) Peek() (Comment, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Comment{}, false
	}
	return q.items[0], true
}

// PopDue removes and returns the head if it is due at now.
func (q *Queue) PopDue(now time.Time) (Comment, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 || !q.items[0].Due(now) {
		return Comment{}, false
	}
	c := q.items[0]
	q.items = q.items[1:]
	return c, true
}

// Remove deletes the comment with the given ID. Returns false if it was
// not queued.
func (q *Queue) Remove(id uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, c := range q.items {
		if c.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of queued comments, due or not.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Clear drops every queued comment.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
}

// Snapshot returns a copy of the queue in order.
func (q *Queue) Snapshot() []Comment {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Comment, len(q.items))
	copy(out, q.items)
	return out
}
