package client

import (
	"context"

	"github.com/jonboulle/clockwork"

	"github.com/kabili207/nicolive-go/room"
)

// Start launches the posting tick in the background. It runs until ctx is
// cancelled or Stop is called. Each tick pumps every room, then submits at
// most one due owner comment. Start on a running tick does nothing.
func (c *Client) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.cancel = cancel
	c.tickDone = done

	ticker := c.clock.NewTicker(c.cfg.TickInterval)
	go c.run(ctx, ticker, done)
}

func (c *Client) run(ctx context.Context, ticker clockwork.Ticker, done chan struct{}) {
	defer func() {
		ticker.Stop()
		c.mu.Lock()
		if c.tickDone == done {
			c.cancel()
			c.cancel = nil
			c.tickDone = nil
		}
		c.mu.Unlock()
		close(done)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if ctx.Err() != nil {
				return
			}
			c.tick(ctx)
		}
	}
}

// Stop ends the tick started by Start. It does not wait for an in-progress
// tick to finish.
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
		c.tickDone = nil
	}
}

// SetPaused suspends or resumes the tick. Comments stay queued while
// paused.
func (c *Client) SetPaused(paused bool) {
	c.paused.Store(paused)
}

// Paused reports whether the tick is suspended.
func (c *Client) Paused() bool {
	return c.paused.Load()
}

func (c *Client) tick(ctx context.Context) {
	if c.paused.Load() {
		return
	}

	c.mu.Lock()
	sessions := append([]*room.Session(nil), c.sessions...)
	b := c.broadcast
	c.mu.Unlock()

	for _, s := range sessions {
		if s != nil {
			s.Pump(ctx)
		}
	}
	c.postOwnerComment(ctx, b)
}
