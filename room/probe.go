package room

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/kabili207/nicolive-go/core/codec"
	"github.com/kabili207/nicolive-go/core/queue"
)

// The server does not tell a viewer its anonymous id. SendProbe posts a
// recognizable anonymous comment; the echo of that comment carries the id,
// which the receive loop adopts when the anonymous id is still unknown.

// ProbeMail is the mail command of the probe comment.
const ProbeMail = "184"

// SendProbe queues the probe comment. It returns false when probing is
// disabled or the anonymous id is already known.
func (s *Session) SendProbe() (queue.Comment, bool) {
	if s.cfg.ProbeText == "" || s.AnonymousID() != "" {
		return queue.Comment{}, false
	}
	return s.Enqueue(s.cfg.ProbeText, ProbeMail, s.clock.Now()), true
}

// isProbeEcho reports whether c is the viewer's own anonymous comment.
// Only anonymous viewer comments qualify.
func (s *Session) isProbeEcho(c *codec.Chat) bool {
	if !c.IsUserComment() || !c.IsAnonymous() {
		return false
	}
	if c.YourPost {
		return true
	}
	if s.cfg.ProbeText == "" {
		return false
	}
	return s.stripMarkers(c.Text) == s.cfg.ProbeText
}

func (s *Session) stripMarkers(text string) string {
	for _, m := range []string{s.markers.Duplicate, s.markers.Retry} {
		if m != "" {
			text = strings.ReplaceAll(text, m, "")
		}
	}
	return text
}

var kickPattern = regexp.MustCompile(`^/hb ifseetno\s+(\d+)`)

// parseKick extracts the seat number from a kick command.
func parseKick(text string) (int, bool) {
	m := kickPattern.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	seat, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return seat, true
}
