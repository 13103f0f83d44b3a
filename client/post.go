package client

import (
	"context"
	"time"

	"github.com/kabili207/nicolive-go/core"
	"github.com/kabili207/nicolive-go/core/queue"
)

// Send queues a comment on room i.
func (c *Client) Send(i int, text, mail string, at time.Time) (queue.Comment, error) {
	s, err := c.Session(i)
	if err != nil {
		return queue.Comment{}, err
	}
	return s.Enqueue(text, mail, at), nil
}

// SendCurrent queues a comment on the home room.
func (c *Client) SendCurrent(text, mail string, at time.Time) (queue.Comment, error) {
	return c.Send(c.CurrentRoomIndex(), text, mail, at)
}

// Broadcast queues the same comment on every connected room.
func (c *Client) Broadcast(text, mail string, at time.Time) ([]queue.Comment, error) {
	sessions := c.snapshot()
	if sessions == nil {
		return nil, ErrNotConnected
	}
	var out []queue.Comment
	for _, s := range sessions {
		if s != nil {
			out = append(out, s.Enqueue(text, mail, at))
		}
	}
	return out, nil
}

// SendProbe queues the anonymous id probe on the home room. It returns
// false if probing is disabled or the id is already known.
func (c *Client) SendProbe() (bool, error) {
	s, err := c.Session(c.CurrentRoomIndex())
	if err != nil {
		return false, err
	}
	_, ok := s.SendProbe()
	return ok, nil
}

// SendAsOwner queues an owner comment. Owner comments bypass the rooms and
// are submitted over HTTP on the tick, one per tick.
func (c *Client) SendAsOwner(text, mail, name string, at time.Time) (queue.Comment, error) {
	c.mu.Lock()
	b := c.broadcast
	c.mu.Unlock()

	if b == nil {
		return queue.Comment{}, ErrNotConnected
	}
	if b.OwnerToken == "" || b.Owner == nil {
		return queue.Comment{}, ErrNotOwner
	}
	if at.IsZero() {
		at = c.clock.Now()
	}
	cm := queue.NewComment(text, mail, at)
	cm.Name = name
	c.owner.Push(cm)
	return cm, nil
}

// postOwnerComment submits the next due owner comment of b.
func (c *Client) postOwnerComment(ctx context.Context, b *core.Broadcast) {
	if b == nil || b.Owner == nil {
		return
	}
	cm, ok := c.owner.PopDue(c.clock.Now())
	if !ok {
		return
	}

	pctx, cancel := context.WithTimeout(ctx, c.cfg.OwnerPostTimeout)
	defer cancel()
	err := b.Owner.PostOwnerComment(pctx, b.ID, b.OwnerToken, core.OwnerComment{
		Text: cm.Text,
		Mail: cm.Mail,
		Name: cm.Name,
	})

	c.cfg.Metrics.OwnerCommentSent(err)
	if err != nil {
		c.log.Warn("owner comment failed", "id", cm.ID, "error", err)
	} else {
		c.log.Debug("owner comment sent", "id", cm.ID)
	}
	if h := c.cfg.Events.OnOwnerCommentSent; h != nil {
		h(cm, err)
	}
}
