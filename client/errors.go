package client

import "errors"

var (
	ErrNotConnected = errors.New("not connected to a broadcast")
	ErrNoSuchRoom   = errors.New("no such room")
	ErrNotOwner     = errors.New("owner comments are not available for this broadcast")
	ErrNoResolver   = errors.New("no resolver configured")
)
