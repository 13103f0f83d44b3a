// Package room implements a session with a single comment room.
//
// A Session owns one TCP connection. It performs the thread handshake,
// decodes the event stream, and posts queued comments subject to the
// server's rate limits and postkey rules. Posting is driven from outside
// by calling Pump periodically; the session starts no timers of its own.
//
// Handlers are always invoked without the session lock held, so they may
// call back into the session.
package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/kabili207/nicolive-go/core"
	"github.com/kabili207/nicolive-go/core/ack"
	"github.com/kabili207/nicolive-go/core/codec"
	"github.com/kabili207/nicolive-go/core/queue"
	"github.com/kabili207/nicolive-go/transport"
)

const (
	DefaultMinPostInterval    = 3 * time.Second
	DefaultAccessDeniedWait   = 5 * time.Minute
	DefaultPostKeyFailureWait = 5 * time.Second
	DefaultMaxFailures        = 3
	DefaultLocale             = "jp"

	// postKeyFetchSlack is subtracted from MinPostInterval to get the
	// postkey fetch throttle interval.
	postKeyFetchSlack = 100 * time.Millisecond

	// PostKeyBlockSize is the number of events a postkey stays valid for.
	PostKeyBlockSize = 100

	readBufferSize = 4096
)

// State is the connection state of a Session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingHandshake
	StateStreaming
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingHandshake:
		return "awaiting_handshake"
	case StateStreaming:
		return "streaming"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// Markers are the invisible characters appended to a comment body so the
// server does not reject it as a duplicate.
type Markers struct {
	// Duplicate is appended when the text equals the previous post body.
	Duplicate string
	// Retry is appended once per consecutive failure.
	Retry string
}

// DefaultMarkers uses LEFT-TO-RIGHT MARK and ZERO WIDTH NON-JOINER.
var DefaultMarkers = Markers{
	Duplicate: "\u200e",
	Retry:     "\u200c",
}

// Handlers receive session events. Any of them may be nil.
type Handlers struct {
	OnDisconnected func(s *Session, reason transport.DisconnectReason)
	OnChat         func(s *Session, chat *codec.Chat)
	// OnCommentSent reports the final outcome of a queued comment: err is
	// nil on success or a *PostError when the comment was dropped.
	OnCommentSent func(s *Session, c queue.Comment, err error)
	// OnPostRejected reports every failed attempt, including the last.
	OnPostRejected func(s *Session, c queue.Comment, err *PostError)
	OnPostKey      func(s *Session, err error)
	OnAnonymousID  func(s *Session, id string)
	OnKick         func(s *Session, seat int)
}

// Config configures a Session.
type Config struct {
	Info core.RoomInfo
	// Index is the position of the room in its broadcast.
	Index int
	// Seat is the viewer's seat number, compared against kick commands.
	Seat     int
	UserID   string
	Premium  bool
	BaseTime time.Time

	// Keys fetches postkeys and wayback keys. Without it the session can
	// receive but never posts.
	Keys core.KeySource

	// Dialer defaults to a *net.Dialer.
	Dialer transport.Dialer
	// Clock defaults to the real clock.
	Clock clockwork.Clock

	// MinPostInterval is the minimum time between two posts. Default: 3s.
	MinPostInterval time.Duration
	// AccessDeniedWait is the cooldown after a comment is dropped.
	// Default: 5m.
	AccessDeniedWait time.Duration
	// PostKeyFailureWait is added to the cooldown when a postkey fetch
	// fails. Default: 5s.
	PostKeyFailureWait time.Duration
	// AckTimeout bounds the wait for a chat_result. Default: 12s.
	AckTimeout time.Duration
	// MaxFailures is the number of consecutive failures after which a
	// comment is dropped. Default: 3.
	MaxFailures int
	// Locale is sent with every post. Default: "jp".
	Locale string
	// Markers defaults to DefaultMarkers.
	Markers *Markers

	// ProbeText is the text posted by SendProbe and recognized in the
	// echo. Empty disables probe matching.
	ProbeText string

	// QuietChatLog suppresses the per-chat debug log line.
	QuietChatLog bool

	// Logger falls back to slog.Default() if nil.
	Logger *slog.Logger

	Handlers Handlers
}

// Session is a connection to one comment room.
type Session struct {
	cfg        Config
	log        *slog.Logger
	clock      clockwork.Clock
	markers    Markers
	keyLimiter *rate.Limiter

	handshaking atomic.Bool

	mu           sync.Mutex
	state        State
	conn         net.Conn
	ticket       string
	lastSeq      int
	postKey      string
	postKeyBlock int
	lastPost     time.Time
	wait         time.Duration
	anonymousID  string
	failures     int
	lastBody     string
	handshakeCh  chan struct{}
	handshakeErr error

	queue    *queue.Queue
	inflight *ack.Tracker
}

// New creates a disconnected session.
func New(cfg Config) *Session {
	if cfg.Dialer == nil {
		cfg.Dialer = &net.Dialer{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.MinPostInterval <= 0 {
		cfg.MinPostInterval = DefaultMinPostInterval
	}
	if cfg.AccessDeniedWait <= 0 {
		cfg.AccessDeniedWait = DefaultAccessDeniedWait
	}
	if cfg.PostKeyFailureWait <= 0 {
		cfg.PostKeyFailureWait = DefaultPostKeyFailureWait
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	if cfg.Locale == "" {
		cfg.Locale = DefaultLocale
	}
	markers := DefaultMarkers
	if cfg.Markers != nil {
		markers = *cfg.Markers
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	fetchEvery := cfg.MinPostInterval - postKeyFetchSlack
	if fetchEvery <= 0 {
		fetchEvery = cfg.MinPostInterval
	}

	return &Session{
		cfg:          cfg,
		log:          logger.WithGroup("room").With("room", cfg.Info.Label, "thread", cfg.Info.Thread),
		clock:        cfg.Clock,
		markers:      markers,
		keyLimiter:   rate.NewLimiter(rate.Every(fetchEvery), 1),
		postKeyBlock: -1,
		queue:        queue.New(),
		inflight:     ack.NewTracker(cfg.AckTimeout),
	}
}

// Connect dials the room. Any existing connection is torn down first.
// Per-connection state (ticket, sequence, postkey, failure counter) is
// reset. The receive loop starts immediately, but no events arrive until
// StartReceiving completes the handshake.
func (s *Session) Connect(ctx context.Context, timeout time.Duration) error {
	s.Disconnect()

	addr := s.cfg.Info.Addr()
	dctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	s.setState(StateConnecting)
	conn, err := s.cfg.Dialer.DialContext(dctx, "tcp", addr)
	if err != nil {
		s.setState(StateDisconnected)
		if errors.Is(dctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s", ErrConnectTimeout, addr)
		}
		return fmt.Errorf("connecting to %s: %w", addr, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.state = StateConnecting
	s.ticket = ""
	s.lastSeq = 0
	s.postKey = ""
	s.postKeyBlock = -1
	s.failures = 0
	s.lastBody = ""
	s.mu.Unlock()

	s.log.Info("connected", "addr", addr)
	go s.readLoop(conn)
	return nil
}

// Disconnect closes the connection and drops queued and in-flight
// comments. OnDisconnected fires with ReasonClientRequested. Calling it on
// a disconnected session does nothing.
func (s *Session) Disconnect() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		s.teardown(conn, transport.ReasonClientRequested)
	}
}

// teardown ends conn if it is still the session's connection.
func (s *Session) teardown(conn net.Conn, reason transport.DisconnectReason) {
	s.mu.Lock()
	if conn == nil || s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.state = StateDisconnecting
	s.conn = nil
	s.ticket = ""
	s.postKey = ""
	s.postKeyBlock = -1
	s.failures = 0
	s.inflight.Cancel()
	s.queue.Clear()
	handshake := s.handshakeCh
	if handshake != nil {
		s.handshakeCh = nil
		s.handshakeErr = ErrNotConnected
	}
	handler := s.cfg.Handlers.OnDisconnected
	s.mu.Unlock()

	conn.Close()

	s.mu.Lock()
	if s.conn == nil && s.state == StateDisconnecting {
		s.state = StateDisconnected
	}
	s.mu.Unlock()
	if handshake != nil {
		close(handshake)
	}

	s.log.Info("disconnected", "reason", reason)
	if handler != nil {
		handler(s, reason)
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Info returns the room descriptor.
func (s *Session) Info() core.RoomInfo {
	return s.cfg.Info
}

// Index returns the position of the room in its broadcast.
func (s *Session) Index() int {
	return s.cfg.Index
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsConnected reports whether the session holds an open connection.
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Ticket returns the ticket issued at handshake.
func (s *Session) Ticket() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticket
}

// LastSequence returns the newest sequence number seen.
func (s *Session) LastSequence() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq
}

// AnonymousID returns the viewer's anonymous id in this room, or "" if it
// is not known yet.
func (s *Session) AnonymousID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.anonymousID
}

// SetAnonymousID sets the viewer's anonymous id, typically learned from
// another room of the same broadcast.
func (s *Session) SetAnonymousID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.anonymousID = id
}

// WaitTime returns how long until the cooldown after the last post ends.
func (s *Session) WaitTime() time.Duration {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waitTimeLocked(now)
}

func (s *Session) waitTimeLocked(now time.Time) time.Duration {
	if s.lastPost.IsZero() {
		return 0
	}
	if d := s.lastPost.Add(s.wait).Sub(now); d > 0 {
		return d
	}
	return 0
}

// CanPostNow reports whether Pump would attempt a post if a comment were
// due.
func (s *Session) CanPostNow() bool {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateStreaming && !s.inflight.Busy() && s.waitTimeLocked(now) == 0
}

// IsSending reports whether a comment is awaiting its chat_result.
func (s *Session) IsSending() bool {
	return s.inflight.Busy()
}

// PendingCount returns the number of queued comments, including the one
// in flight.
func (s *Session) PendingCount() int {
	return s.queue.Len()
}
