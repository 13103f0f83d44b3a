package room

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/kabili207/nicolive-go/core/codec"
	"github.com/kabili207/nicolive-go/core/queue"
	"github.com/kabili207/nicolive-go/transport"
)

// Enqueue queues a comment for posting at or after at. A zero at means
// now. The returned comment carries the ID reported back through
// OnCommentSent.
func (s *Session) Enqueue(text, mail string, at time.Time) queue.Comment {
	if at.IsZero() {
		at = s.clock.Now()
	}
	c := queue.NewComment(text, mail, at)
	s.queue.Push(c)
	return c
}

// Pump posts the head of the queue if the session is streaming, nothing
// is in flight, the head is due and the cooldown has elapsed. A postkey is
// fetched first when none is cached for the current block. Pump never
// blocks on the server's answer; the outcome arrives with the chat_result.
func (s *Session) Pump(ctx context.Context) {
	now := s.clock.Now()

	s.mu.Lock()
	if s.state != StateStreaming || s.conn == nil {
		s.mu.Unlock()
		return
	}
	if f, ok := s.inflight.Expired(now); ok {
		s.log.Warn("no chat_result received", "timeout", s.inflight.Timeout())
		out := s.settleLocked(f.Comment, codec.StatusUnknown, now)
		s.mu.Unlock()
		s.emit(out)
		return
	}
	if s.inflight.Busy() {
		s.mu.Unlock()
		return
	}
	head, ok := s.queue.Peek()
	if !ok || !head.Due(now) || s.waitTimeLocked(now) > 0 {
		s.mu.Unlock()
		return
	}
	conn := s.conn
	block := (s.lastSeq + 1) / PostKeyBlockSize
	needKey := s.postKey == "" || s.postKeyBlock != block
	s.mu.Unlock()

	if needKey && !s.refreshPostKey(ctx, conn, block, now) {
		return
	}

	s.mu.Lock()
	if s.conn != conn || s.state != StateStreaming || s.inflight.Busy() || s.postKey == "" {
		s.mu.Unlock()
		return
	}
	if cur, ok := s.queue.Peek(); !ok || cur.ID != head.ID {
		s.mu.Unlock()
		return
	}

	body := s.decorateLocked(head.Text)
	post := codec.Post{
		Thread:  s.cfg.Info.Thread,
		Ticket:  s.ticket,
		VPos:    codec.VPosSince(s.cfg.BaseTime, now),
		PostKey: s.postKey,
		UserID:  s.cfg.UserID,
		Mail:    head.Mail,
		Premium: s.cfg.Premium,
		Locale:  s.cfg.Locale,
		Text:    body,
	}
	frame, err := post.Encode()
	if err != nil {
		s.queue.Remove(head.ID)
		s.mu.Unlock()
		s.log.Error("failed to encode comment, dropping", "error", err)
		if h := s.cfg.Handlers.OnCommentSent; h != nil {
			h(s, head, err)
		}
		return
	}
	if err := s.inflight.Track(head, body, now); err != nil {
		s.mu.Unlock()
		s.log.Error("comment already in flight", "id", head.ID, "error", err)
		return
	}
	s.lastPost = now
	s.wait = s.cfg.MinPostInterval
	s.lastBody = body
	s.mu.Unlock()

	s.log.Debug("posting comment", "id", head.ID, "vpos", post.VPos)
	if _, err := conn.Write(frame); err != nil {
		s.log.Error("failed to write comment", "error", err)
		s.teardown(conn, transport.ReasonError)
	}
}

// refreshPostKey fetches the postkey for block. Fetches are throttled; a
// throttled or failed fetch returns false and the post waits for a later
// Pump.
func (s *Session) refreshPostKey(ctx context.Context, conn net.Conn, block int, now time.Time) bool {
	if s.cfg.Keys == nil {
		return false
	}
	if !s.keyLimiter.AllowN(now, 1) {
		return false
	}

	key, err := s.cfg.Keys.PostKey(ctx, s.cfg.Info.Thread, block)
	if err == nil && key == "" {
		err = errEmptyPostKey
	}

	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return false
	}
	if err != nil {
		s.postKey = ""
		s.postKeyBlock = -1
		s.holdLocked(now, s.cfg.PostKeyFailureWait)
	} else {
		s.postKey = key
		s.postKeyBlock = block
	}
	h := s.cfg.Handlers.OnPostKey
	s.mu.Unlock()

	if err != nil {
		s.log.Warn("failed to fetch postkey", "block", block, "error", err)
	} else {
		s.log.Debug("fetched postkey", "block", block)
	}
	if h != nil {
		h(s, err)
	}
	return err == nil
}

// holdLocked extends the cooldown by d, starting at now if the current
// cooldown already ended.
func (s *Session) holdLocked(now time.Time, d time.Duration) {
	if s.waitTimeLocked(now) == 0 {
		s.lastPost = now
		s.wait = d
		return
	}
	s.wait += d
}

// decorateLocked appends marker characters to text.
func (s *Session) decorateLocked(text string) string {
	var b strings.Builder
	b.WriteString(text)
	if text == s.lastBody {
		b.WriteString(s.markers.Duplicate)
	}
	for range s.failures {
		b.WriteString(s.markers.Retry)
	}
	return b.String()
}

type settlement struct {
	comment queue.Comment
	err     *PostError
}

// settleLocked applies the outcome of the in-flight comment c.
func (s *Session) settleLocked(c queue.Comment, status codec.Status, now time.Time) settlement {
	if status.OK() {
		s.queue.Remove(c.ID)
		s.failures = 0
		return settlement{comment: c}
	}

	if status.Family() == codec.FamilyPostKey {
		s.postKey = ""
		s.postKeyBlock = -1
	}
	s.failures++
	perr := &PostError{Status: status, Attempts: s.failures}
	if s.failures >= s.cfg.MaxFailures {
		s.queue.Remove(c.ID)
		s.failures = 0
		s.holdLocked(now, s.cfg.AccessDeniedWait)
		perr.Dropped = true
	}
	return settlement{comment: c, err: perr}
}

func (s *Session) emit(out settlement) {
	h := s.cfg.Handlers
	if out.err == nil {
		s.log.Debug("comment accepted", "id", out.comment.ID)
		if h.OnCommentSent != nil {
			h.OnCommentSent(s, out.comment, nil)
		}
		return
	}

	s.log.Warn("comment rejected", "id", out.comment.ID, "status", out.err.Status,
		"attempts", out.err.Attempts, "dropped", out.err.Dropped)
	if h.OnPostRejected != nil {
		h.OnPostRejected(s, out.comment, out.err)
	}
	if out.err.Dropped && h.OnCommentSent != nil {
		h.OnCommentSent(s, out.comment, out.err)
	}
}
