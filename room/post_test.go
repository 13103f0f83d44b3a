package room

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kabili207/nicolive-go/core/codec"
)

func TestChat_AssignsMissingSequence(t *testing.T) {
	h := newHarness(t, 41, nil)

	h.srv.send(`<chat thread="1000" user_id="u1">no sequence</chat>`)
	c := receive(t, h.rec.chats, "chat")
	if c.No != 42 {
		t.Errorf("No = %d, want 42", c.No)
	}
	if h.s.LastSequence() != 42 {
		t.Errorf("LastSequence() = %d, want 42", h.s.LastSequence())
	}

	h.srv.send(`<chat thread="1000" no="50" user_id="u1">jump</chat>`)
	receive(t, h.rec.chats, "chat")
	h.srv.send(`<chat thread="1000" no="45" user_id="u1">late</chat>`)
	receive(t, h.rec.chats, "chat")
	if h.s.LastSequence() != 50 {
		t.Errorf("LastSequence() = %d, want 50", h.s.LastSequence())
	}
}

func TestMalformedFrameIgnored(t *testing.T) {
	h := newHarness(t, 0, nil)

	h.srv.send(`<chat thread="1000">broken`)
	h.srv.send(`<view_counter viewer="10"/>`)
	h.srv.send(`<chat thread="1000" no="1">ok</chat>`)

	c := receive(t, h.rec.chats, "chat")
	if c.Text != "ok" {
		t.Errorf("Text = %q", c.Text)
	}
	if !h.s.IsConnected() {
		t.Error("malformed frame disconnected the session")
	}
}

func TestPump_PostFrame(t *testing.T) {
	h := newHarness(t, 41, func(c *Config) { c.Premium = true })

	h.s.Enqueue("hello", "184", time.Time{})
	h.s.Pump(context.Background())

	post := h.srv.expect()
	if post.Kind != codec.KindChat {
		t.Fatalf("posted frame = %q", post.Root)
	}
	want := map[string]string{
		"thread":  "1000",
		"ticket":  "0xticket",
		"vpos":    "6000",
		"postkey": "pk.0",
		"user_id": "12345",
		"mail":    "184",
		"premium": "1",
		"locale":  "jp",
	}
	for k, v := range want {
		if post.Attrs[k] != v {
			t.Errorf("attr %s = %q, want %q", k, post.Attrs[k], v)
		}
	}
	if post.Chat.Text != "hello" {
		t.Errorf("Text = %q", post.Chat.Text)
	}
	if got := h.keys.fetches(); len(got) != 1 || got[0] != 0 {
		t.Errorf("postkey fetches = %v, want [0]", got)
	}
	if !h.s.IsSending() {
		t.Error("IsSending() = false after post")
	}
	if h.s.WaitTime() != DefaultMinPostInterval {
		t.Errorf("WaitTime() = %v, want %v", h.s.WaitTime(), DefaultMinPostInterval)
	}

	h.srv.send(chatResult(0))
	ev := receive(t, h.rec.sent, "comment sent")
	if ev.err != nil || ev.comment.Text != "hello" {
		t.Errorf("sent event = %+v", ev)
	}
	if h.s.PendingCount() != 0 || h.s.IsSending() {
		t.Errorf("PendingCount() = %d, IsSending() = %v", h.s.PendingCount(), h.s.IsSending())
	}
}

func TestPump_NotDue(t *testing.T) {
	h := newHarness(t, 0, nil)

	h.s.Enqueue("later", "", testStart.Add(10*time.Second))
	h.s.Pump(context.Background())
	h.srv.expectNone()

	h.clock.Advance(10 * time.Second)
	h.s.Pump(context.Background())
	if post := h.srv.expect(); post.Chat.Text != "later" {
		t.Errorf("Text = %q", post.Chat.Text)
	}
}

func TestPump_NotStreaming(t *testing.T) {
	s := New(Config{Keys: &fakeKeys{key: "k"}})
	s.Enqueue("x", "", time.Time{})
	s.Pump(context.Background())
	if s.IsSending() {
		t.Error("disconnected session posted")
	}
	if s.CanPostNow() {
		t.Error("CanPostNow() = true while disconnected")
	}
}

func TestPump_SingleInFlight(t *testing.T) {
	h := newHarness(t, 0, nil)

	h.s.Enqueue("one", "", time.Time{})
	h.s.Enqueue("two", "", time.Time{})
	h.s.Pump(context.Background())
	h.srv.expect()

	h.clock.Advance(5 * time.Second)
	h.s.Pump(context.Background())
	h.srv.expectNone()
	if h.s.CanPostNow() {
		t.Error("CanPostNow() = true with a comment in flight")
	}

	h.srv.send(chatResult(0))
	receive(t, h.rec.sent, "comment sent")
	h.s.Pump(context.Background())
	if post := h.srv.expect(); post.Chat.Text != "two" {
		t.Errorf("second post = %q, want two", post.Chat.Text)
	}
}

func TestPump_RespectsMinInterval(t *testing.T) {
	h := newHarness(t, 0, nil)

	h.s.Enqueue("one", "", time.Time{})
	h.s.Enqueue("two", "", time.Time{})
	h.s.Pump(context.Background())
	h.srv.expect()
	h.srv.send(chatResult(0))
	receive(t, h.rec.sent, "comment sent")

	h.clock.Advance(2 * time.Second)
	h.s.Pump(context.Background())
	h.srv.expectNone()

	h.clock.Advance(time.Second)
	h.s.Pump(context.Background())
	h.srv.expect()
}

func TestPump_DuplicateMarker(t *testing.T) {
	h := newHarness(t, 0, nil)

	h.s.Enqueue("same", "", time.Time{})
	h.s.Enqueue("same", "", time.Time{})

	h.s.Pump(context.Background())
	first := h.srv.expect().Chat.Text
	h.srv.send(chatResult(0))
	receive(t, h.rec.sent, "comment sent")

	h.clock.Advance(DefaultMinPostInterval)
	h.s.Pump(context.Background())
	second := h.srv.expect().Chat.Text

	if first != "same" {
		t.Errorf("first body = %q", first)
	}
	if second == first {
		t.Fatalf("second body %q equals the first", second)
	}
	if second != "same"+DefaultMarkers.Duplicate {
		t.Errorf("second body = %q, want duplicate marker suffix", second)
	}
}

func TestChatResult_InvalidPostKeyRefetch(t *testing.T) {
	h := newHarness(t, 0, nil)

	h.s.Enqueue("hi", "", time.Time{})
	h.s.Pump(context.Background())
	h.srv.expect()

	h.keys.mu.Lock()
	h.keys.key = "pk.1"
	h.keys.mu.Unlock()

	h.srv.send(chatResult(int(codec.StatusInvalidPostKey)))
	perr := receive(t, h.rec.rejected, "rejection")
	if perr.Status != codec.StatusInvalidPostKey || perr.Dropped {
		t.Errorf("rejection = %+v", perr)
	}
	waitFor(t, "postkey cleared", func() bool {
		h.s.mu.Lock()
		defer h.s.mu.Unlock()
		return h.s.postKey == ""
	})

	h.clock.Advance(DefaultMinPostInterval)
	h.s.Pump(context.Background())
	post := h.srv.expect()

	if got := h.keys.fetches(); len(got) != 2 {
		t.Errorf("postkey fetches = %v, want a refetch", got)
	}
	if post.Attrs["postkey"] != "pk.1" {
		t.Errorf("postkey = %q, want the refetched key", post.Attrs["postkey"])
	}
	if post.Chat.Text == "hi" {
		t.Error("retry body must carry a marker")
	}
	if h.s.PendingCount() != 1 {
		t.Errorf("PendingCount() = %d, comment must stay queued", h.s.PendingCount())
	}
}

func TestChatResult_DropAfterMaxFailures(t *testing.T) {
	h := newHarness(t, 0, nil)

	h.s.Enqueue("spam", "", time.Time{})
	bodies := map[string]bool{}

	for attempt := 1; attempt <= DefaultMaxFailures; attempt++ {
		h.s.Pump(context.Background())
		body := h.srv.expect().Chat.Text
		if bodies[body] {
			t.Errorf("attempt %d reused body %q", attempt, body)
		}
		bodies[body] = true

		h.srv.send(chatResult(int(codec.StatusFailure)))
		perr := receive(t, h.rec.rejected, "rejection")
		if perr.Attempts != attempt {
			t.Errorf("Attempts = %d, want %d", perr.Attempts, attempt)
		}
		if perr.Dropped != (attempt == DefaultMaxFailures) {
			t.Errorf("attempt %d: Dropped = %v", attempt, perr.Dropped)
		}
		if attempt < DefaultMaxFailures {
			h.clock.Advance(DefaultMinPostInterval)
		}
	}

	ev := receive(t, h.rec.sent, "comment sent")
	var perr *PostError
	if !errors.As(ev.err, &perr) || !perr.Dropped {
		t.Fatalf("final event err = %v, want dropped PostError", ev.err)
	}
	if h.s.PendingCount() != 0 {
		t.Errorf("PendingCount() = %d, comment must be dropped", h.s.PendingCount())
	}
	if w := h.s.WaitTime(); w < DefaultAccessDeniedWait {
		t.Errorf("WaitTime() = %v, want at least %v", w, DefaultAccessDeniedWait)
	}

	h.s.Enqueue("after", "", time.Time{})
	h.clock.Advance(DefaultMinPostInterval)
	h.s.Pump(context.Background())
	h.srv.expectNone()

	h.clock.Advance(DefaultAccessDeniedWait)
	h.s.Pump(context.Background())
	post := h.srv.expect()
	if post.Chat.Text != "after" {
		t.Errorf("post after cooldown = %q, want after without retry markers", post.Chat.Text)
	}
}

func TestPump_AckTimeout(t *testing.T) {
	h := newHarness(t, 0, func(c *Config) { c.AckTimeout = 10 * time.Second })

	h.s.Enqueue("lost", "", time.Time{})
	h.s.Pump(context.Background())
	h.srv.expect()

	h.clock.Advance(10 * time.Second)
	h.s.Pump(context.Background())
	perr := receive(t, h.rec.rejected, "rejection")
	if perr.Status != codec.StatusUnknown {
		t.Errorf("Status = %v, want unknown", perr.Status)
	}
	if h.s.IsSending() {
		t.Error("IsSending() after ack timeout")
	}

	h.s.Pump(context.Background())
	if post := h.srv.expect(); post.Chat.Text == "lost" {
		t.Error("retry after ack timeout must carry a marker")
	}
}

func TestChatResult_WithoutInFlight(t *testing.T) {
	h := newHarness(t, 0, nil)
	h.srv.send(chatResult(0))
	h.srv.send(`<chat thread="1000" no="1">still alive</chat>`)
	receive(t, h.rec.chats, "chat")

	select {
	case ev := <-h.rec.sent:
		t.Errorf("unexpected comment sent event: %+v", ev)
	default:
	}
}

func TestPostKeyFailure(t *testing.T) {
	h := newHarness(t, 0, nil)
	h.keys.setErr(errors.New("service unavailable"))

	h.s.Enqueue("x", "", time.Time{})
	h.s.Pump(context.Background())
	h.srv.expectNone()

	if w := h.s.WaitTime(); w != DefaultPostKeyFailureWait {
		t.Errorf("WaitTime() = %v, want %v", w, DefaultPostKeyFailureWait)
	}
	if h.s.PendingCount() != 1 {
		t.Errorf("PendingCount() = %d, queue must be kept", h.s.PendingCount())
	}

	h.keys.setErr(nil)
	h.clock.Advance(DefaultPostKeyFailureWait)
	h.s.Pump(context.Background())
	if post := h.srv.expect(); post.Chat.Text != "x" {
		t.Errorf("Text = %q", post.Chat.Text)
	}
}

func TestPostKey_BlockScoped(t *testing.T) {
	h := newHarness(t, 97, nil)

	h.s.Enqueue("a", "", time.Time{})
	h.s.Pump(context.Background())
	h.srv.expect()
	h.srv.send(chatResult(0))
	receive(t, h.rec.sent, "comment sent")

	// Sequence 99 moves the next post into block 1.
	h.srv.send(`<chat thread="1000" no="99" user_id="u">x</chat>`)
	receive(t, h.rec.chats, "chat")

	h.s.Enqueue("b", "", time.Time{})
	h.clock.Advance(DefaultMinPostInterval)
	h.s.Pump(context.Background())
	h.srv.expect()

	got := h.keys.fetches()
	if len(got) != 2 || got[0] != 0 || got[1] != 1 {
		t.Errorf("postkey fetches = %v, want [0 1]", got)
	}
}

func TestPostKey_ReusedWithinBlock(t *testing.T) {
	h := newHarness(t, 10, nil)

	for _, text := range []string{"a", "b"} {
		h.s.Enqueue(text, "", time.Time{})
		h.s.Pump(context.Background())
		h.srv.expect()
		h.srv.send(chatResult(0))
		receive(t, h.rec.sent, "comment sent")
		h.clock.Advance(DefaultMinPostInterval)
	}

	if got := h.keys.fetches(); len(got) != 1 {
		t.Errorf("postkey fetches = %v, want one", got)
	}
}

func TestPump_NoKeySource(t *testing.T) {
	h := newHarness(t, 0, func(c *Config) { c.Keys = nil })
	h.s.Enqueue("x", "", time.Time{})
	h.s.Pump(context.Background())
	h.srv.expectNone()
}

func TestChatResult_SuccessResetsFailures(t *testing.T) {
	h := newHarness(t, 0, nil)

	h.s.Enqueue("first", "", time.Time{})
	h.s.Pump(context.Background())
	if body := h.srv.expect().Chat.Text; body != "first" {
		t.Fatalf("first attempt body = %q", body)
	}
	h.srv.send(chatResult(int(codec.StatusFailure)))
	receive(t, h.rec.rejected, "rejection")

	h.clock.Advance(DefaultMinPostInterval)
	h.s.Pump(context.Background())
	retry := h.srv.expect().Chat.Text
	if retry != "first"+DefaultMarkers.Duplicate+DefaultMarkers.Retry {
		t.Fatalf("retry body = %q, want one retry marker", retry)
	}
	h.srv.send(chatResult(int(codec.StatusSuccess)))
	if ev := receive(t, h.rec.sent, "comment sent"); ev.err != nil {
		t.Fatalf("retry err = %v", ev.err)
	}

	h.s.Enqueue("second", "", time.Time{})
	h.clock.Advance(DefaultMinPostInterval)
	h.s.Pump(context.Background())
	if body := h.srv.expect().Chat.Text; body != "second" {
		t.Errorf("body after success = %q, want no retry marker", body)
	}
}
