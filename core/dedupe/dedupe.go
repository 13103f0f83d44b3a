// Package dedupe suppresses chats that arrive more than once.
//
// Owner and alert messages are relayed into every room of a broadcast, so a
// client connected to several rooms receives each of them once per room.
// Chats are identified by a truncated SHA256 hash of their sender, kind,
// timestamp and text, and tracked in a circular buffer.
package dedupe

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/kabili207/nicolive-go/core/codec"
)

const (
	// DefaultMaxHashes is the default capacity of the hash table.
	DefaultMaxHashes = 256
	// HashSize is the truncated SHA256 hash size.
	HashSize = 8
)

// ChatDeduplicator tracks recently seen chats. It is not safe for
// concurrent use.
type ChatDeduplicator struct {
	hashes    []byte // circular buffer of HashSize-byte hashes
	maxHashes int
	next      int
	count     int
}

// New creates a ChatDeduplicator with the default capacity.
func New() *ChatDeduplicator {
	return NewWithCapacity(DefaultMaxHashes)
}

// NewWithCapacity creates a ChatDeduplicator holding up to maxHashes chats.
func NewWithCapacity(maxHashes int) *ChatDeduplicator {
	if maxHashes <= 0 {
		maxHashes = DefaultMaxHashes
	}
	return &ChatDeduplicator{
		hashes:    make([]byte, maxHashes*HashSize),
		maxHashes: maxHashes,
	}
}

// HasSeen reports whether an identical chat was seen before. If not, the
// chat is recorded and HasSeen returns false.
func (d *ChatDeduplicator) HasSeen(c *codec.Chat) bool {
	hash := CalculateChatHash(c)

	for i := range d.count {
		offset := i * HashSize
		if [HashSize]byte(d.hashes[offset:offset+HashSize]) == hash {
			return true
		}
	}

	offset := d.next * HashSize
	copy(d.hashes[offset:offset+HashSize], hash[:])
	d.next = (d.next + 1) % d.maxHashes
	if d.count < d.maxHashes {
		d.count++
	}
	return false
}

// Clear forgets all previously seen chats.
func (d *ChatDeduplicator) Clear() {
	clear(d.hashes)
	d.next = 0
	d.count = 0
}

// CalculateChatHash computes the deduplication hash of a chat. The room
// specific fields (thread, sequence number, vpos) are not part of it.
func CalculateChatHash(c *codec.Chat) [HashSize]byte {
	h := sha256.New()
	var buf [9]byte
	buf[0] = byte(c.Kind)
	binary.BigEndian.PutUint64(buf[1:], uint64(c.Date.UnixMicro()))
	h.Write(buf[:])
	h.Write([]byte(c.UserID))
	h.Write([]byte{0})
	h.Write([]byte(c.Text))
	sum := h.Sum(nil)
	var result [HashSize]byte
	copy(result[:], sum[:HashSize])
	return result
}
