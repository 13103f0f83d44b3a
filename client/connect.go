package client

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/kabili207/nicolive-go/core"
	"github.com/kabili207/nicolive-go/room"
)

// Connect resolves ref and connects its rooms. If any room fails to
// connect, every room connected by this call is closed and the error is
// returned. On success the previous broadcast, if any, is disconnected and
// replaced.
//
// Rooms do not deliver events until StartReceiving is called.
func (c *Client) Connect(ctx context.Context, ref string, creds Credentials, opts ConnectOptions) error {
	if c.cfg.Resolver == nil {
		return ErrNoResolver
	}

	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	b, err := c.cfg.Resolver.Resolve(ctx, ref, creds)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", ref, err)
	}
	if len(b.Rooms) == 0 {
		return fmt.Errorf("resolving %s: %w", ref, ErrNoSuchRoom)
	}

	home := b.HomeRoomIndex()
	if home < 0 {
		c.log.Warn("entry port matches no room, using the first", "port", b.EntryPort)
		home = 0
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.cfg.ConnectTimeout
	}

	sessions := make([]*room.Session, len(b.Rooms))
	for i, info := range b.Rooms {
		if opts.CurrentRoomOnly && i != home {
			continue
		}
		s := room.New(c.roomConfig(b, i, info))
		if err := s.Connect(ctx, timeout); err != nil {
			for _, prev := range sessions {
				if prev != nil {
					prev.Disconnect()
				}
			}
			return fmt.Errorf("connecting room %s: %w", info, err)
		}
		sessions[i] = s
	}

	c.disconnectLocked()

	live := 0
	for _, s := range sessions {
		if s != nil {
			live++
		}
	}

	c.mu.Lock()
	c.broadcast = b
	c.sessions = sessions
	c.home = home
	c.conn.reset(live)
	c.mu.Unlock()

	c.owner.Clear()
	c.dedupeMu.Lock()
	c.dedupe.Clear()
	c.dedupeMu.Unlock()

	c.log.Info("connected to broadcast", "id", b.ID, "rooms", len(b.Rooms), "live", live, "home", home)
	if h := c.cfg.Events.OnConnected; h != nil {
		h(b)
	}
	for _, s := range sessions {
		if s != nil {
			c.roomConnected(s)
		}
	}

	// Rooms that dropped before being counted never reach
	// onRoomDisconnected's reset.
	c.mu.Lock()
	dead := c.sessions != nil && c.conn.count() == 0
	if dead {
		c.resetLocked()
	}
	c.mu.Unlock()
	if dead {
		c.log.Warn("every room dropped while connecting", "id", b.ID)
		c.finishDisconnect()
	}
	return nil
}

// StartReceiving performs the handshake on every connected room
// concurrently. It returns the first handshake error.
func (c *Client) StartReceiving(ctx context.Context, opts room.ReceiveOptions) error {
	sessions := c.snapshot()
	if sessions == nil {
		return ErrNotConnected
	}
	if opts.Timeout <= 0 {
		opts.Timeout = c.cfg.HandshakeTimeout
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range sessions {
		if s == nil {
			continue
		}
		g.Go(func() error {
			if err := s.StartReceiving(gctx, opts); err != nil {
				return fmt.Errorf("room %s: %w", s.Info(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Disconnect closes every room. OnDisconnected fires once per connected
// broadcast; calling Disconnect again does nothing.
func (c *Client) Disconnect() {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()
	c.disconnectLocked()
}

// disconnectLocked requires connectMu.
func (c *Client) disconnectLocked() {
	for _, s := range c.snapshot() {
		if s != nil {
			s.Disconnect()
		}
	}

	// Rooms that never counted as connected do not trigger the reset, so
	// finish it here if it has not happened.
	c.mu.Lock()
	wasConnected := c.sessions != nil
	c.resetLocked()
	c.mu.Unlock()

	if wasConnected {
		c.finishDisconnect()
	}
}

// resetLocked clears all broadcast state. Requires c.mu.
func (c *Client) resetLocked() {
	c.broadcast = nil
	c.sessions = nil
	c.home = -1
	c.conn.reset(0)
}

func (c *Client) finishDisconnect() {
	c.owner.Clear()
	c.cfg.Metrics.ResetRooms()
	c.log.Info("disconnected from broadcast")
	if h := c.cfg.Events.OnDisconnected; h != nil {
		h()
	}
}

func (c *Client) roomConfig(b *core.Broadcast, i int, info core.RoomInfo) room.Config {
	cfg := c.cfg.Room
	cfg.Info = info
	cfg.Index = i
	cfg.Seat = b.Seat
	cfg.UserID = b.UserID
	cfg.Premium = b.Premium
	cfg.BaseTime = b.BaseTime
	cfg.Keys = b.Keys
	cfg.Dialer = c.cfg.Dialer
	cfg.Clock = c.clock
	if cfg.Logger == nil {
		cfg.Logger = c.cfg.Logger
	}
	cfg.Handlers = room.Handlers{
		OnDisconnected: c.onRoomDisconnected,
		OnChat:         c.onChat,
		OnCommentSent:  c.onCommentSent,
		OnPostRejected: c.onPostRejected,
		OnPostKey:      c.onPostKey,
		OnAnonymousID:  c.onAnonymousID,
		OnKick:         c.onKick,
	}
	return cfg
}
