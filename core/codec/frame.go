// Package codec implements the comment server wire format.
//
// Every frame is a UTF-8 markup document terminated by a single zero byte.
// A TCP read may carry part of a frame, exactly one frame, or several frames
// back to back; Splitter reassembles them purely on the zero-byte boundary.
package codec

import (
	"bytes"
	"errors"
)

const (
	// FrameDelimiter terminates every frame on the wire.
	FrameDelimiter byte = 0x00

	// DefaultMaxFrameSize bounds the carry-over buffer. A peer that never
	// sends a delimiter cannot grow memory past this size.
	DefaultMaxFrameSize = 1 << 20
)

var (
	ErrEmptyFrame     = errors.New("empty frame")
	ErrFrameTooLarge  = errors.New("frame exceeds maximum size")
	ErrUnknownElement = errors.New("unknown root element")
)

// Splitter reassembles zero-terminated frames from a byte stream. Bytes
// after the last delimiter of a read are carried over to the next Feed.
//
// A Splitter is not safe for concurrent use.
type Splitter struct {
	// MaxFrameSize is the largest partial frame kept between reads.
	// Defaults to DefaultMaxFrameSize.
	MaxFrameSize int

	carry []byte
}

// Feed consumes data and returns every frame completed by it, without the
// delimiter. Empty frames (two consecutive delimiters) are skipped.
//
// If the pending partial frame grows beyond MaxFrameSize it is discarded
// and ErrFrameTooLarge is returned together with any frames completed
// before the overflow.
func (s *Splitter) Feed(data []byte) ([][]byte, error) {
	var frames [][]byte

	for {
		i := bytes.IndexByte(data, FrameDelimiter)
		if i < 0 {
			break
		}

		var frame []byte
		if len(s.carry) > 0 {
			frame = append(s.carry, data[:i]...)
			s.carry = nil
		} else {
			frame = append([]byte(nil), data[:i]...)
		}
		data = data[i+1:]

		if len(frame) == 0 {
			continue
		}
		frames = append(frames, frame)
	}

	if len(data) > 0 {
		s.carry = append(s.carry, data...)
		if len(s.carry) > s.maxFrameSize() {
			s.carry = nil
			return frames, ErrFrameTooLarge
		}
	}

	return frames, nil
}

// Pending returns the number of carried-over bytes awaiting a delimiter.
func (s *Splitter) Pending() int {
	return len(s.carry)
}

// Reset discards any carried-over bytes.
func (s *Splitter) Reset() {
	s.carry = nil
}

func (s *Splitter) maxFrameSize() int {
	if s.MaxFrameSize > 0 {
		return s.MaxFrameSize
	}
	return DefaultMaxFrameSize
}

// EncodeFrame appends the frame delimiter to doc.
func EncodeFrame(doc []byte) []byte {
	frame := make([]byte, len(doc)+1)
	copy(frame, doc)
	frame[len(doc)] = FrameDelimiter
	return frame
}
