package client

import (
	"github.com/kabili207/nicolive-go/core/codec"
	"github.com/kabili207/nicolive-go/core/queue"
	"github.com/kabili207/nicolive-go/metrics"
	"github.com/kabili207/nicolive-go/room"
	"github.com/kabili207/nicolive-go/transport"
)

// ownsLocked reports whether s belongs to the current session set.
// Requires c.mu.
func (c *Client) ownsLocked(s *room.Session) bool {
	i := s.Index()
	return i >= 0 && i < len(c.sessions) && c.sessions[i] == s
}

func (c *Client) owns(s *room.Session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ownsLocked(s)
}

func (c *Client) roomConnected(s *room.Session) {
	c.mu.Lock()
	if !c.ownsLocked(s) || !s.IsConnected() {
		c.mu.Unlock()
		return
	}
	added, changed := c.conn.connected(s.Index())
	anyConn, allConn := c.conn.any(), c.conn.all()
	c.mu.Unlock()

	if !added {
		return
	}
	c.cfg.Metrics.RoomConnected()
	if h := c.cfg.Events.OnRoomConnected; h != nil {
		h(s.Index(), s.Info())
	}
	if changed {
		if h := c.cfg.Events.OnConnectivity; h != nil {
			h(anyConn, allConn)
		}
	}
}

func (c *Client) onRoomDisconnected(s *room.Session, reason transport.DisconnectReason) {
	c.mu.Lock()
	if !c.ownsLocked(s) {
		c.mu.Unlock()
		return
	}
	removed, changed := c.conn.disconnected(s.Index())
	if !removed {
		c.mu.Unlock()
		return
	}
	anyConn, allConn := c.conn.any(), c.conn.all()
	empty := c.conn.count() == 0
	if empty {
		c.resetLocked()
	}
	c.mu.Unlock()

	c.log.Info("room disconnected", "room", s.Info().Label, "reason", reason)
	c.cfg.Metrics.RoomDisconnected(reason.String())
	if h := c.cfg.Events.OnRoomDisconnected; h != nil {
		h(s.Index(), reason)
	}
	if changed {
		if h := c.cfg.Events.OnConnectivity; h != nil {
			h(anyConn, allConn)
		}
	}
	if empty {
		c.finishDisconnect()
	}
}

func (c *Client) onChat(s *room.Session, chat *codec.Chat) {
	if !c.owns(s) {
		return
	}
	if c.cfg.DedupeChats && !chat.IsUserComment() {
		c.dedupeMu.Lock()
		seen := c.dedupe.HasSeen(chat)
		c.dedupeMu.Unlock()
		if seen {
			return
		}
	}

	c.cfg.Metrics.ChatReceived(s.Info().Label, chat.Kind.String())
	if h := c.cfg.Events.OnChat; h != nil {
		h(s.Index(), chat)
	}
}

func (c *Client) onCommentSent(s *room.Session, cm queue.Comment, err error) {
	if err != nil {
		c.cfg.Metrics.CommentPosted(s.Info().Label, metrics.ResultDropped)
	} else {
		c.cfg.Metrics.CommentPosted(s.Info().Label, metrics.ResultAccepted)
	}
	if h := c.cfg.Events.OnCommentSent; h != nil {
		h(s.Index(), cm, err)
	}
}

func (c *Client) onPostRejected(s *room.Session, _ queue.Comment, err *room.PostError) {
	c.cfg.Metrics.CommentPosted(s.Info().Label, metrics.ResultRejected)
	c.cfg.Metrics.PostFailed(err.Status.String())
}

func (c *Client) onPostKey(_ *room.Session, err error) {
	c.cfg.Metrics.PostKeyFetched(err)
}

// onAnonymousID shares an id learned in one room with every other room.
func (c *Client) onAnonymousID(src *room.Session, id string) {
	if !c.owns(src) {
		return
	}
	for _, s := range c.snapshot() {
		if s != nil && s != src && s.AnonymousID() == "" {
			s.SetAnonymousID(id)
		}
	}
	if h := c.cfg.Events.OnAnonymousID; h != nil {
		h(id)
	}
}

func (c *Client) onKick(s *room.Session, seat int) {
	c.log.Warn("kick command received", "room", s.Info().Label, "seat", seat)
	if h := c.cfg.Events.OnKicked; h != nil {
		h(s.Index(), seat)
	}
}
