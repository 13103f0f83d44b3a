// Package ack tracks the outgoing comment awaiting its chat_result.
//
// A room has at most one comment in flight. The Tracker enforces that and
// detects acknowledgments that never arrive, so a lost chat_result cannot
// stall the queue forever.
package ack

import (
	"errors"
	"sync"
	"time"

	"github.com/kabili207/nicolive-go/core/queue"
)

// DefaultAckTimeout is the default time to wait for a chat_result before
// treating the post as failed.
const DefaultAckTimeout = 12 * time.Second

// ErrBusy is returned by Track while another comment is in flight.
var ErrBusy = errors.New("a comment is already awaiting acknowledgment")

// InFlight is a posted comment awaiting acknowledgment.
type InFlight struct {
	Comment queue.Comment
	// Body is the text as written to the wire, including marker characters.
	Body   string
	SentAt time.Time
}

// Tracker holds the single in-flight comment of a room.
type Tracker struct {
	timeout time.Duration

	mu  sync.Mutex
	cur *InFlight
}

// NewTracker creates a tracker. A non-positive timeout uses
// DefaultAckTimeout.
func NewTracker(timeout time.Duration) *Tracker {
	if timeout <= 0 {
		timeout = DefaultAckTimeout
	}
	return &Tracker{timeout: timeout}
}

// Timeout returns the acknowledgment timeout.
func (t *Tracker) Timeout() time.Duration {
	return t.timeout
}

// Track marks c as in flight.
func (t *Tracker) Track(c queue.Comment, body string, now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cur != nil {
		return ErrBusy
	}
	t.cur = &InFlight{Comment: c, Body: body, SentAt: now}
	return nil
}

// Resolve clears and returns the in-flight comment.
func (t *Tracker) Resolve() (InFlight, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cur == nil {
		return InFlight{}, false
	}
	f := *t.cur
	t.cur = nil
	return f, true
}

// Expired clears and returns the in-flight comment if its acknowledgment
// is overdue at now.
func (t *Tracker) Expired(now time.Time) (InFlight, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cur == nil || now.Sub(t.cur.SentAt) < t.timeout {
		return InFlight{}, false
	}
	f := *t.cur
	t.cur = nil
	return f, true
}

// Pending returns the in-flight comment without clearing it.
func (t *Tracker) Pending() (InFlight, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cur == nil {
		return InFlight{}, false
	}
	return *t.cur, true
}

// Busy reports whether a comment is in flight.
func (t *Tracker) Busy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cur != nil
}

// Cancel drops the in-flight comment without resolving it.
func (t *Tracker) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cur = nil
}
