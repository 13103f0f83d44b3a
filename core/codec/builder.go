package codec

import (
	"encoding/xml"
	"fmt"
	"time"
)

// ThreadVersion is the protocol version sent in every handshake.
const ThreadVersion = "20061206"

type threadRequest struct {
	XMLName    xml.Name `xml:"thread"`
	Thread     int      `xml:"thread,attr"`
	Version    string   `xml:"version,attr"`
	ResFrom    int      `xml:"res_from,attr"`
	UserID     string   `xml:"user_id,attr,omitempty"`
	WaybackKey string   `xml:"waybackkey,attr,omitempty"`
	When       int64    `xml:"when,attr,omitempty"`
}

// BuildThreadRequest builds the handshake frame asking for live events of
// thread, starting with the last backlog events already in the room.
// The server expects res_from as a negative count.
func BuildThreadRequest(thread, backlog int) ([]byte, error) {
	return encodeElement(threadRequest{
		Thread:  thread,
		Version: ThreadVersion,
		ResFrom: -backlog,
	})
}

// BuildReplayRequest builds the historical-replay handshake frame. It asks
// for the backlog events preceding when, authorized by waybackKey.
func BuildReplayRequest(thread, backlog int, userID, waybackKey string, when time.Time) ([]byte, error) {
	if waybackKey == "" {
		return nil, fmt.Errorf("replay request for thread %d: empty wayback key", thread)
	}
	return encodeElement(threadRequest{
		Thread:     thread,
		Version:    ThreadVersion,
		ResFrom:    -backlog,
		UserID:     userID,
		WaybackKey: waybackKey,
		When:       when.Unix(),
	})
}

// Post is an outgoing comment.
type Post struct {
	Thread int
	Ticket string
	// VPos is the elapsed time since the broadcast base time in hundredths
	// of a second.
	VPos    int
	PostKey string
	UserID  string
	Mail    string
	Premium bool
	Locale  string
	Text    string
}

type postElement struct {
	XMLName xml.Name `xml:"chat"`
	Thread  int      `xml:"thread,attr"`
	Ticket  string   `xml:"ticket,attr"`
	VPos    int      `xml:"vpos,attr"`
	PostKey string   `xml:"postkey,attr"`
	UserID  string   `xml:"user_id,attr"`
	Mail    string   `xml:"mail,attr"`
	Premium int      `xml:"premium,attr"`
	Locale  string   `xml:"locale,attr"`
	Text    string   `xml:",chardata"`
}

// Encode returns the zero-terminated post frame.
func (p *Post) Encode() ([]byte, error) {
	el := postElement{
		Thread:  p.Thread,
		Ticket:  p.Ticket,
		VPos:    p.VPos,
		PostKey: p.PostKey,
		UserID:  p.UserID,
		Mail:    p.Mail,
		Locale:  p.Locale,
		Text:    p.Text,
	}
	if p.Premium {
		el.Premium = 1
	}
	return encodeElement(el)
}

// VPosSince converts the elapsed time between base and now into the
// hundredths-of-a-second offset used by the vpos attribute.
func VPosSince(base, now time.Time) int {
	if base.IsZero() {
		return 0
	}
	return int(now.Sub(base) / (10 * time.Millisecond))
}

func encodeElement(v any) ([]byte, error) {
	doc, err := xml.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding frame: %w", err)
	}
	return EncodeFrame(doc), nil
}
