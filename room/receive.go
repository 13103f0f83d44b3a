package room

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/kabili207/nicolive-go/core/codec"
	"github.com/kabili207/nicolive-go/transport"
)

// ReceiveOptions configures StartReceiving.
type ReceiveOptions struct {
	// Backlog is the number of past events to request. Zero asks for live
	// events only.
	Backlog int
	// Timeout bounds the wait for the handshake acknowledgment. Zero waits
	// until ctx is done.
	Timeout time.Duration
	// When requests a historical replay of the events preceding it. The
	// wayback key is fetched through the session's KeySource.
	When time.Time
}

// StartReceiving sends the thread handshake and blocks until the server
// acknowledges it. Only one handshake may be pending at a time; a
// concurrent call returns ErrHandshakeInProgress.
func (s *Session) StartReceiving(ctx context.Context, opts ReceiveOptions) error {
	if !s.handshaking.CompareAndSwap(false, true) {
		return ErrHandshakeInProgress
	}
	defer s.handshaking.Store(false)

	req, err := s.buildHandshake(ctx, opts)
	if err != nil {
		return err
	}

	s.mu.Lock()
	conn := s.conn
	if conn == nil {
		s.mu.Unlock()
		return ErrNotConnected
	}
	done := make(chan struct{})
	s.handshakeCh = done
	s.handshakeErr = nil
	s.state = StateAwaitingHandshake
	s.mu.Unlock()

	if _, err := conn.Write(req); err != nil {
		s.teardown(conn, transport.ReasonError)
		return fmt.Errorf("sending handshake: %w", err)
	}

	var timeout <-chan time.Time
	if opts.Timeout > 0 {
		timer := s.clock.NewTimer(opts.Timeout)
		defer timer.Stop()
		timeout = timer.Chan()
	}

	select {
	case <-done:
		s.mu.Lock()
		err := s.handshakeErr
		s.mu.Unlock()
		return err
	case <-timeout:
		s.abandonHandshake(done)
		return ErrHandshakeTimeout
	case <-ctx.Done():
		s.abandonHandshake(done)
		return ctx.Err()
	}
}

func (s *Session) buildHandshake(ctx context.Context, opts ReceiveOptions) ([]byte, error) {
	thread := s.cfg.Info.Thread
	if opts.When.IsZero() {
		return codec.BuildThreadRequest(thread, opts.Backlog)
	}
	if s.cfg.Keys == nil {
		return nil, ErrNoKeySource
	}
	key, err := s.cfg.Keys.WaybackKey(ctx, thread)
	if err != nil {
		return nil, fmt.Errorf("fetching wayback key: %w", err)
	}
	return codec.BuildReplayRequest(thread, opts.Backlog, s.cfg.UserID, key, opts.When)
}

func (s *Session) abandonHandshake(done chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handshakeCh == done {
		s.handshakeCh = nil
		if s.state == StateAwaitingHandshake {
			s.state = StateConnecting
		}
	}
}

func (s *Session) readLoop(conn net.Conn) {
	var splitter codec.Splitter
	buf := make([]byte, readBufferSize)

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			frames, ferr := splitter.Feed(buf[:n])
			if ferr != nil {
				s.log.Warn("discarding oversized frame", "error", ferr)
			}
			for _, frame := range frames {
				s.handleFrame(conn, frame)
			}
		}
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				s.teardown(conn, transport.ReasonPeerClosed)
			case errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrClosedPipe):
				// Closed locally.
				s.teardown(conn, transport.ReasonClientRequested)
			default:
				s.log.Error("read error", "error", err)
				s.teardown(conn, transport.ReasonError)
			}
			return
		}
	}
}

func (s *Session) handleFrame(conn net.Conn, frame []byte) {
	msg, err := codec.Decode(frame)
	if err != nil {
		s.log.Warn("failed to decode frame", "error", err, "frame", string(frame))
		return
	}

	switch msg.Kind {
	case codec.KindThread:
		s.handleThread(conn, msg.Thread)
	case codec.KindChat:
		s.handleChat(conn, msg.Chat)
	case codec.KindChatResult:
		s.handleChatResult(conn, msg.ChatResult)
	default:
		s.log.Debug("ignoring frame", "element", msg.Root)
	}
}

func (s *Session) handleThread(conn net.Conn, t *codec.Thread) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	if t.Thread != s.cfg.Info.Thread {
		s.mu.Unlock()
		s.log.Warn("thread ack for another thread", "got", t.Thread)
		return
	}

	done := s.handshakeCh
	s.handshakeCh = nil
	if t.ResultCode != 0 {
		s.handshakeErr = fmt.Errorf("%w: resultcode %d", ErrHandshakeRejected, t.ResultCode)
		s.mu.Unlock()
		s.log.Warn("handshake rejected", "resultcode", t.ResultCode)
		if done != nil {
			close(done)
		}
		return
	}

	s.ticket = t.Ticket
	if t.HasLastRes {
		s.lastSeq = t.LastRes
	}
	s.state = StateStreaming
	s.handshakeErr = nil
	lastSeq := s.lastSeq
	s.mu.Unlock()

	s.log.Info("handshake complete", "ticket", t.Ticket, "last_res", lastSeq)
	if done != nil {
		close(done)
	}
}

func (s *Session) handleChat(conn net.Conn, c *codec.Chat) {
	now := s.clock.Now()

	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	if c.No == 0 {
		s.lastSeq++
		c.No = s.lastSeq
	} else if c.No > s.lastSeq {
		s.lastSeq = c.No
	}

	var adopted string
	if s.anonymousID == "" && c.UserID != "" && s.isProbeEcho(c) {
		s.anonymousID = c.UserID
		adopted = c.UserID
	}
	if s.anonymousID != "" && c.UserID == s.anonymousID {
		s.lastPost = now
		s.wait = s.cfg.MinPostInterval
	}

	kicked := -1
	if c.IsManagementComment() {
		if seat, ok := parseKick(c.Text); ok && seat == s.cfg.Seat {
			kicked = seat
		}
	}
	disconnect := (c.IsOwnerComment() || c.IsAlert()) && strings.TrimSpace(c.Text) == "/disconnect"
	h := s.cfg.Handlers
	s.mu.Unlock()

	if !s.cfg.QuietChatLog {
		s.log.Debug("chat", "no", c.No, "user", c.UserID, "kind", c.Kind, "text", c.Text)
	}

	if adopted != "" {
		s.log.Info("anonymous id identified", "id", adopted)
		if h.OnAnonymousID != nil {
			h.OnAnonymousID(s, adopted)
		}
	}
	if h.OnChat != nil {
		h.OnChat(s, c)
	}
	if kicked >= 0 {
		s.log.Warn("kick command for own seat", "seat", kicked)
		if h.OnKick != nil {
			h.OnKick(s, kicked)
		}
	}
	if disconnect {
		s.log.Info("broadcast ended by server")
		s.Disconnect()
	}
}

func (s *Session) handleChatResult(conn net.Conn, r *codec.ChatResult) {
	now := s.clock.Now()

	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	f, ok := s.inflight.Resolve()
	if !ok {
		s.mu.Unlock()
		s.log.Debug("chat_result without a comment in flight", "status", r.Status)
		return
	}
	out := s.settleLocked(f.Comment, r.Status, now)
	s.mu.Unlock()

	s.emit(out)
}
