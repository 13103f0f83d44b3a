// Package client presents the comment rooms of one broadcast as a single
// connection.
//
// A Client resolves a broadcast into its rooms, connects one room.Session
// per room, and aggregates their events. Posting is driven by a single
// periodic tick that pumps every room and submits due owner comments.
//
// Lock order is Client.mu before any session lock. Session handlers run
// without session locks held, and the client snapshots its session set
// before iterating it, so handlers may call back into the client.
package client

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kabili207/nicolive-go/core"
	"github.com/kabili207/nicolive-go/core/codec"
	"github.com/kabili207/nicolive-go/core/dedupe"
	"github.com/kabili207/nicolive-go/core/queue"
	"github.com/kabili207/nicolive-go/metrics"
	"github.com/kabili207/nicolive-go/room"
	"github.com/kabili207/nicolive-go/transport"
)

const (
	DefaultTickInterval     = 200 * time.Millisecond
	DefaultConnectTimeout   = 30 * time.Second
	DefaultHandshakeTimeout = 5 * time.Second
	DefaultOwnerPostTimeout = 10 * time.Second
)

// Credentials identify the viewer to the resolver.
type Credentials struct {
	// UserSession is the session cookie of the logged-in account.
	UserSession string
}

// Resolver turns a broadcast reference into its rooms and capabilities.
type Resolver interface {
	Resolve(ctx context.Context, ref string, creds Credentials) (*core.Broadcast, error)
}

// Events receive broadcast-level notifications. Any of them may be nil.
// They are invoked without client locks held.
type Events struct {
	OnConnected        func(b *core.Broadcast)
	OnDisconnected     func()
	OnRoomConnected    func(index int, info core.RoomInfo)
	OnRoomDisconnected func(index int, reason transport.DisconnectReason)
	OnChat             func(index int, chat *codec.Chat)
	// OnCommentSent reports the final outcome of a room comment.
	OnCommentSent      func(index int, c queue.Comment, err error)
	OnOwnerCommentSent func(c queue.Comment, err error)
	OnAnonymousID      func(id string)
	OnKicked           func(index, seat int)
	// OnConnectivity fires when either aggregate flag changes.
	OnConnectivity func(anyConnected, allConnected bool)
}

// Config configures a Client.
type Config struct {
	Resolver Resolver

	// Dialer defaults to a *net.Dialer.
	Dialer transport.Dialer
	// Clock defaults to the real clock.
	Clock clockwork.Clock

	// TickInterval is the posting tick period. Default: 200ms.
	TickInterval time.Duration
	// ConnectTimeout bounds each room dial. Default: 30s.
	ConnectTimeout time.Duration
	// HandshakeTimeout bounds each room handshake. Default: 5s.
	HandshakeTimeout time.Duration
	// OwnerPostTimeout bounds each owner comment request. Default: 10s.
	OwnerPostTimeout time.Duration

	// Room is the template for every room session. Room identity, account
	// fields, keys, dialer, clock, logger and handlers are filled in per
	// room.
	Room room.Config

	// DedupeChats surfaces owner, alert and management chats relayed into
	// several rooms only once.
	DedupeChats bool

	// Metrics is optional.
	Metrics *metrics.Collector

	// Logger falls back to slog.Default() if nil.
	Logger *slog.Logger

	Events Events
}

// ConnectOptions configures Connect.
type ConnectOptions struct {
	// CurrentRoomOnly connects only the home room. The other rooms are
	// kept as absent entries so room indexes stay stable.
	CurrentRoomOnly bool
	// Timeout overrides Config.ConnectTimeout.
	Timeout time.Duration
}

// Client is a connection to every comment room of one broadcast.
type Client struct {
	cfg   Config
	log   *slog.Logger
	clock clockwork.Clock

	// connectMu serializes Connect and Disconnect.
	connectMu sync.Mutex

	mu        sync.Mutex
	broadcast *core.Broadcast
	sessions  []*room.Session
	home      int
	conn      connectivity
	cancel    context.CancelFunc
	tickDone  chan struct{}

	paused atomic.Bool
	owner  *queue.Queue

	dedupeMu sync.Mutex
	dedupe   *dedupe.ChatDeduplicator
}

// New creates a disconnected client.
func New(cfg Config) *Client {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.OwnerPostTimeout <= 0 {
		cfg.OwnerPostTimeout = DefaultOwnerPostTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Client{
		cfg:    cfg,
		log:    cfg.Logger.WithGroup("client"),
		clock:  cfg.Clock,
		home:   -1,
		owner:  queue.New(),
		dedupe: dedupe.New(),
	}
}

// BroadcastInfo returns the connected broadcast, or nil.
func (c *Client) BroadcastInfo() *core.Broadcast {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.broadcast
}

// IsConnected reports whether at least one room is connected.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.any()
}

// IsAllConnected reports whether every constructed room is connected.
func (c *Client) IsAllConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.all()
}

// ConnectedCount returns the number of connected rooms.
func (c *Client) ConnectedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.count()
}

// RoomCount returns the number of rooms of the broadcast, including rooms
// skipped by CurrentRoomOnly.
func (c *Client) RoomCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// RoomInfo returns the descriptor of room i.
func (c *Client) RoomInfo(i int) (core.RoomInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broadcast == nil {
		return core.RoomInfo{}, ErrNotConnected
	}
	if i < 0 || i >= len(c.broadcast.Rooms) {
		return core.RoomInfo{}, ErrNoSuchRoom
	}
	return c.broadcast.Rooms[i], nil
}

// CurrentRoomIndex returns the index of the home room, or -1 when not
// connected.
func (c *Client) CurrentRoomIndex() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.home
}

// Session returns the session of room i. It returns ErrNoSuchRoom for an
// absent room.
func (c *Client) Session(i int) (*room.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionLocked(i)
}

func (c *Client) sessionLocked(i int) (*room.Session, error) {
	if c.sessions == nil {
		return nil, ErrNotConnected
	}
	if i < 0 || i >= len(c.sessions) || c.sessions[i] == nil {
		return nil, ErrNoSuchRoom
	}
	return c.sessions[i], nil
}

// AnonymousID returns the viewer's anonymous id, or "" if unknown.
func (c *Client) AnonymousID() string {
	for _, s := range c.snapshot() {
		if s != nil {
			if id := s.AnonymousID(); id != "" {
				return id
			}
		}
	}
	return ""
}

// PendingCount returns the largest number of queued comments of any room.
func (c *Client) PendingCount() int {
	n := 0
	for _, s := range c.snapshot() {
		if s != nil {
			n = max(n, s.PendingCount())
		}
	}
	return n
}

// OwnerPendingCount returns the number of queued owner comments.
func (c *Client) OwnerPendingCount() int {
	return c.owner.Len()
}

// CanPostNow reports whether room i could post immediately.
func (c *Client) CanPostNow(i int) bool {
	s, err := c.Session(i)
	if err != nil {
		return false
	}
	return s.CanPostNow()
}

// WaitTime returns the remaining cooldown of room i.
func (c *Client) WaitTime(i int) time.Duration {
	s, err := c.Session(i)
	if err != nil {
		return 0
	}
	return s.WaitTime()
}

// snapshot returns a copy of the session set.
func (c *Client) snapshot() []*room.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.sessions)
}
