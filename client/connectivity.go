package client

// connectivity counts the rooms of the current broadcast that report an
// open connection. It is guarded by Client.mu.
//
// Rooms are tracked by index so a duplicate notification cannot skew the
// count.
type connectivity struct {
	expected int
	live     map[int]struct{}
}

// reset starts a new cycle in which expected rooms should connect.
func (c *connectivity) reset(expected int) {
	c.expected = expected
	c.live = make(map[int]struct{}, expected)
}

// count returns the number of connected rooms.
func (c *connectivity) count() int {
	return len(c.live)
}

// any reports whether at least one room is connected.
func (c *connectivity) any() bool {
	return len(c.live) > 0
}

// all reports whether every expected room is connected.
func (c *connectivity) all() bool {
	return c.expected > 0 && len(c.live) == c.expected
}

// connected records room i as connected. It returns false if i was
// already counted. changed reports whether any() or all() flipped.
func (c *connectivity) connected(i int) (added, changed bool) {
	if _, ok := c.live[i]; ok {
		return false, false
	}
	anyBefore, allBefore := c.any(), c.all()
	c.live[i] = struct{}{}
	return true, anyBefore != c.any() || allBefore != c.all()
}

// disconnected records room i as disconnected. It returns false if i was
// not counted.
func (c *connectivity) disconnected(i int) (removed, changed bool) {
	if _, ok := c.live[i]; !ok {
		return false, false
	}
	anyBefore, allBefore := c.any(), c.all()
	delete(c.live, i)
	return true, anyBefore != c.any() || allBefore != c.all()
}
