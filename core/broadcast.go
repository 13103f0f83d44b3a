package core

import (
	"context"
	"time"
)

// KeySource fetches the short-lived credentials the comment service
// requires for posting and for historical replay.
type KeySource interface {
	// PostKey returns the postkey valid for the given thread and block
	// number (sequence / 100).
	PostKey(ctx context.Context, thread, block int) (string, error)
	// WaybackKey returns the key required to request historical events
	// from the given thread.
	WaybackKey(ctx context.Context, thread int) (string, error)
}

// OwnerComment is a broadcaster comment submitted out of band.
type OwnerComment struct {
	Text string
	Mail string
	Name string
}

// OwnerPoster submits owner comments through the service's authenticated
// HTTP endpoint rather than the room socket.
type OwnerPoster interface {
	PostOwnerComment(ctx context.Context, broadcastID, token string, c OwnerComment) error
}

// Broadcast is the result of resolving a broadcast reference. Discovery
// (scraping the hosting site) lives outside this module; implementations
// of the resolver hand back this descriptor.
type Broadcast struct {
	// ID is the broadcast identifier (e.g. "lv123456").
	ID string
	// Rooms is the ordered list of comment rooms.
	Rooms []RoomInfo
	// EntryPort is the port of the caller's own entry point. The room with
	// the matching port is the home room.
	EntryPort int
	// Seat is the caller's seat number in the home room, used to detect
	// kick commands addressed to this viewer.
	Seat int

	// UserID is the numeric account id placed in outgoing post frames.
	UserID string
	// Premium reports whether the account has a premium subscription.
	Premium bool
	// BaseTime is the broadcast's reference time. Outgoing posts carry the
	// elapsed time since BaseTime in hundredths of a second.
	BaseTime time.Time

	// IsOwner reports whether the caller is the broadcaster.
	IsOwner bool
	// OwnerToken authorizes owner comments. Empty when not available.
	OwnerToken string

	// Keys fetches postkeys and replay keys. May be nil for listen-only use.
	Keys KeySource
	// Owner submits owner comments. May be nil.
	Owner OwnerPoster
}

// HomeRoomIndex returns the index of the room matching EntryPort, or -1.
func (b *Broadcast) HomeRoomIndex() int {
	return FindRoomIndex(b.Rooms, b.EntryPort)
}
