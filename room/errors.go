package room

import (
	"errors"
	"fmt"

	"github.com/kabili207/nicolive-go/core/codec"
)

var (
	ErrConnectTimeout      = errors.New("connect timed out")
	ErrHandshakeTimeout    = errors.New("handshake timed out")
	ErrHandshakeInProgress = errors.New("handshake already in progress")
	ErrNotConnected        = errors.New("not connected")
	ErrHandshakeRejected   = errors.New("handshake rejected")
	ErrNoKeySource         = errors.New("no key source configured")
)

// PostError reports a comment the server did not accept.
type PostError struct {
	Status codec.Status
	// Attempts is the number of consecutive failed attempts so far.
	Attempts int
	// Dropped is set when the comment was removed from the queue.
	Dropped bool
}

func (e *PostError) Error() string {
	if e.Dropped {
		return fmt.Sprintf("comment dropped after %d attempts: %s", e.Attempts, e.Status)
	}
	return fmt.Sprintf("comment rejected (attempt %d): %s", e.Attempts, e.Status)
}

var errEmptyPostKey = errors.New("empty postkey")
