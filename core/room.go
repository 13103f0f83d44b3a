// Package core holds the shared vocabulary of a live-broadcast comment
// client: room descriptors, the resolved broadcast, and the collaborator
// interfaces used to obtain posting credentials.
package core

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// RoomInfo describes one comment room of a broadcast. It is created once
// during discovery and never mutated.
type RoomInfo struct {
	// Label is the human-facing room name (e.g. "arena", "立ち見A列").
	Label string
	// Host is the comment server address.
	Host string
	// Port is the comment server TCP port. The caller's own room is the one
	// whose Port matches the entry port reported by discovery.
	Port int
	// Thread is the numeric channel identifier that scopes this room's
	// event stream.
	Thread int
}

// Addr returns the host:port dial address of the room.
func (r RoomInfo) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// String returns the label followed by the thread id.
func (r RoomInfo) String() string {
	if r.Label == "" {
		return fmt.Sprintf("thread %d", r.Thread)
	}
	return fmt.Sprintf("%s (thread %d)", r.Label, r.Thread)
}

// FindRoomIndex returns the index of the first room whose port equals port,
// or -1 if none matches.
func FindRoomIndex(rooms []RoomInfo, port int) int {
	for i, r := range rooms {
		if r.Port == port {
			return i
		}
	}
	return -1
}

// ParseRoomInfo parses a room in the form "label@host:port/thread". The
// label and the "@" are optional.
func ParseRoomInfo(s string) (RoomInfo, error) {
	var info RoomInfo

	s = strings.TrimSpace(s)
	if at := strings.LastIndex(s, "@"); at >= 0 {
		info.Label = s[:at]
		s = s[at+1:]
	}

	slash := strings.LastIndex(s, "/")
	if slash < 0 {
		return info, fmt.Errorf("missing thread in %q", s)
	}
	thread, err := strconv.Atoi(s[slash+1:])
	if err != nil {
		return info, fmt.Errorf("invalid thread: %w", err)
	}

	host, portStr, err := net.SplitHostPort(s[:slash])
	if err != nil {
		return info, fmt.Errorf("invalid address: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return info, fmt.Errorf("invalid port %q", portStr)
	}

	info.Host = host
	info.Port = port
	info.Thread = thread
	return info, nil
}

// ParseRoomList parses a comma-separated list of rooms in the format
// accepted by ParseRoomInfo. Empty elements are skipped.
func ParseRoomList(s string) ([]RoomInfo, error) {
	var rooms []RoomInfo
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		info, err := ParseRoomInfo(part)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, info)
	}
	return rooms, nil
}
