// Package transport provides the connection vocabulary shared by room
// sessions, the orchestrator and the outer relays.
package transport

import (
	"context"
	"net"
)

// Dialer opens stream connections to comment servers. *net.Dialer
// satisfies it; tests substitute in-memory pipes.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

var _ Dialer = (*net.Dialer)(nil)

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// DialContext calls f.
func (f DialerFunc) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return f(ctx, network, addr)
}

// DisconnectReason tags why a connection ended.
type DisconnectReason int

const (
	// ReasonClientRequested means the local side asked to disconnect.
	ReasonClientRequested DisconnectReason = iota
	// ReasonPeerClosed means the server closed the connection.
	ReasonPeerClosed
	// ReasonError means the connection failed with an I/O error.
	ReasonError
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonClientRequested:
		return "client_requested"
	case ReasonPeerClosed:
		return "peer_closed"
	case ReasonError:
		return "error"
	default:
		return "unknown"
	}
}

// Event represents connection state change events.
type Event int

const (
	// EventConnected is fired when a connection is established.
	EventConnected Event = iota
	// EventDisconnected is fired when a connection ends.
	EventDisconnected
	// EventReconnecting is fired when a relay is attempting to reconnect.
	EventReconnecting
	// EventError is fired when an error occurs.
	EventError
)

func (e Event) String() string {
	switch e {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventReconnecting:
		return "reconnecting"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// StateHandler is called when a relay's connection state changes.
type StateHandler func(event Event)
