package codec

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind identifies a frame by its root element.
type Kind int

const (
	KindUnknown    Kind = iota
	KindThread          // handshake acknowledgment
	KindChat            // chat event
	KindChatResult      // post acknowledgment
)

func (k Kind) String() string {
	switch k {
	case KindThread:
		return "thread"
	case KindChat:
		return "chat"
	case KindChatResult:
		return "chat_result"
	default:
		return "unknown"
	}
}

// Message is a decoded frame. Exactly one of Thread, Chat and ChatResult
// is set, matching Kind; for KindUnknown none is.
type Message struct {
	Kind Kind
	// Root is the root element name as received.
	Root string
	// Attrs holds every attribute of the root element.
	Attrs map[string]string

	Thread     *Thread
	Chat       *Chat
	ChatResult *ChatResult
}

// Thread is the handshake acknowledgment.
type Thread struct {
	ResultCode int
	Thread     int
	Ticket     string
	// LastRes is the newest sequence number in the room. HasLastRes is
	// false when the room has no events yet.
	LastRes    int
	HasLastRes bool
	ServerTime time.Time
	Revision   int
}

// ChatKind is the sender class of a chat event, carried in the premium
// attribute.
type ChatKind int

const (
	ChatNormal      ChatKind = 0
	ChatPremium     ChatKind = 1
	ChatAlert       ChatKind = 2
	ChatOwner       ChatKind = 3
	ChatManagement1 ChatKind = 4
	ChatManagement2 ChatKind = 5
	ChatManagement3 ChatKind = 6
)

func (k ChatKind) String() string {
	switch k {
	case ChatNormal:
		return "normal"
	case ChatPremium:
		return "premium"
	case ChatAlert:
		return "alert"
	case ChatOwner:
		return "owner"
	case ChatManagement1, ChatManagement2, ChatManagement3:
		return "management"
	default:
		return "kind_" + strconv.Itoa(int(k))
	}
}

// Chat is one received event.
type Chat struct {
	Thread int
	// No is the sequence number. Zero when the server omitted it.
	No     int
	VPos   int
	Date   time.Time
	UserID string
	Mail   string
	// Anonymity is the explicit anonymity flag. IsAnonymous also honors
	// the "184" mail command.
	Anonymity bool
	Kind      ChatKind
	YourPost  bool
	Score     int
	Origin    string
	Text      string

	// Raw is the frame the chat was decoded from.
	Raw string
}

// IsUserComment reports whether the chat was posted by a viewer.
func (c *Chat) IsUserComment() bool {
	return c.Kind == ChatNormal || c.Kind == ChatPremium
}

// IsOwnerComment reports whether the chat was posted by the broadcaster.
func (c *Chat) IsOwnerComment() bool {
	return c.Kind == ChatOwner
}

// IsAlert reports whether the chat is a system alert.
func (c *Chat) IsAlert() bool {
	return c.Kind == ChatAlert
}

// IsManagementComment reports whether the chat is a service command.
func (c *Chat) IsManagementComment() bool {
	return c.Kind == ChatManagement1 || c.Kind == ChatManagement2 || c.Kind == ChatManagement3
}

// IsAnonymous reports whether the chat was posted under an anonymous id.
func (c *Chat) IsAnonymous() bool {
	return c.Anonymity || HasMailCommand(c.Mail, "184")
}

// IsRelayed reports whether the chat was relayed from another room.
func (c *Chat) IsRelayed() bool {
	return c.Origin == "C"
}

// HasMailCommand reports whether the whitespace-separated mail string
// contains cmd.
func HasMailCommand(mail, cmd string) bool {
	for _, f := range strings.Fields(mail) {
		if f == cmd {
			return true
		}
	}
	return false
}

// ChatResult acknowledges an outgoing post.
type ChatResult struct {
	Thread int
	Status Status
	No     int
}

type rawElement struct {
	XMLName xml.Name
	Attrs   []xml.Attr `xml:",any,attr"`
	Text    string     `xml:",chardata"`
}

// Decode parses a single frame (without its delimiter).
//
// Unrecognized root elements decode without error as KindUnknown so the
// caller can log and skip them. Numeric attributes that fail to parse fall
// back to their zero value rather than failing the frame.
func Decode(frame []byte) (*Message, error) {
	if len(strings.TrimSpace(string(frame))) == 0 {
		return nil, ErrEmptyFrame
	}

	var raw rawElement
	if err := xml.Unmarshal(frame, &raw); err != nil {
		return nil, fmt.Errorf("decoding frame: %w", err)
	}

	msg := &Message{
		Root:  raw.XMLName.Local,
		Attrs: make(map[string]string, len(raw.Attrs)),
	}
	for _, a := range raw.Attrs {
		msg.Attrs[a.Name.Local] = a.Value
	}

	switch msg.Root {
	case "thread":
		msg.Kind = KindThread
		msg.Thread = decodeThread(msg.Attrs)
	case "chat":
		msg.Kind = KindChat
		msg.Chat = decodeChat(msg.Attrs, raw.Text)
		msg.Chat.Raw = string(frame)
	case "chat_result":
		msg.Kind = KindChatResult
		msg.ChatResult = decodeChatResult(msg.Attrs)
	default:
		msg.Kind = KindUnknown
	}

	return msg, nil
}

func decodeThread(attrs map[string]string) *Thread {
	t := &Thread{
		ResultCode: atoi(attrs, "resultcode", 0),
		Thread:     atoi(attrs, "thread", 0),
		Ticket:     attrs["ticket"],
		Revision:   atoi(attrs, "revision", 0),
	}
	if _, ok := attrs["last_res"]; ok {
		t.LastRes = atoi(attrs, "last_res", 0)
		t.HasLastRes = true
	}
	if sec := atoi(attrs, "server_time", 0); sec > 0 {
		t.ServerTime = time.Unix(int64(sec), 0)
	}
	return t
}

func decodeChat(attrs map[string]string, text string) *Chat {
	c := &Chat{
		Thread:    atoi(attrs, "thread", 0),
		No:        atoi(attrs, "no", 0),
		VPos:      atoi(attrs, "vpos", 0),
		UserID:    attrs["user_id"],
		Mail:      attrs["mail"],
		Anonymity: atoi(attrs, "anonymity", 0) > 0,
		Kind:      parseChatKind(attrs["premium"]),
		YourPost:  atoi(attrs, "yourpost", 0) > 0,
		Score:     atoi(attrs, "score", 0),
		Origin:    attrs["origin"],
		Text:      text,
	}
	if sec := atoi(attrs, "date", 0); sec > 0 {
		usec := atoi(attrs, "date_usec", 0)
		c.Date = time.Unix(int64(sec), int64(usec)*int64(time.Microsecond))
	}
	return c
}

func decodeChatResult(attrs map[string]string) *ChatResult {
	r := &ChatResult{
		Thread: atoi(attrs, "thread", 0),
		Status: StatusUnknown,
		No:     atoi(attrs, "no", 0),
	}
	if v, ok := attrs["status"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			r.Status = Status(n)
		}
	}
	return r
}

func parseChatKind(v string) ChatKind {
	n, err := strconv.Atoi(v)
	if err != nil {
		return ChatNormal
	}
	k := ChatKind(n)
	if k < ChatNormal || k > ChatManagement3 {
		return ChatNormal
	}
	return k
}

func atoi(attrs map[string]string, name string, def int) int {
	v, ok := attrs[name]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
