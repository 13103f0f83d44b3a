package room

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kabili207/nicolive-go/core"
	"github.com/kabili207/nicolive-go/core/codec"
	"github.com/kabili207/nicolive-go/core/queue"
	"github.com/kabili207/nicolive-go/transport"
)

const (
	testThread  = 1000
	waitTimeout = 2 * time.Second
)

var testStart = time.Date(2024, 1, 1, 20, 0, 0, 0, time.UTC)

// fakeServer is the server end of an in-memory room connection.
type fakeServer struct {
	t      *testing.T
	conn   net.Conn
	frames chan *codec.Message
}

func (srv *fakeServer) readLoop() {
	var sp codec.Splitter
	buf := make([]byte, 4096)
	for {
		n, err := srv.conn.Read(buf)
		frames, _ := sp.Feed(buf[:n])
		for _, f := range frames {
			msg, derr := codec.Decode(f)
			if derr != nil {
				continue
			}
			srv.frames <- msg
		}
		if err != nil {
			return
		}
	}
}

func (srv *fakeServer) send(frame string) {
	srv.t.Helper()
	if _, err := srv.conn.Write(append([]byte(frame), codec.FrameDelimiter)); err != nil {
		srv.t.Fatalf("server write: %v", err)
	}
}

func (srv *fakeServer) expect() *codec.Message {
	srv.t.Helper()
	select {
	case m := <-srv.frames:
		return m
	case <-time.After(waitTimeout):
		srv.t.Fatal("timed out waiting for a frame from the client")
		return nil
	}
}

func (srv *fakeServer) expectNone() {
	srv.t.Helper()
	select {
	case m := <-srv.frames:
		srv.t.Fatalf("unexpected frame from client: %s %v", m.Root, m.Attrs)
	case <-time.After(50 * time.Millisecond):
	}
}

// pipeDialer hands out in-memory connections and publishes the server end
// of each.
type pipeDialer struct {
	t       *testing.T
	servers chan *fakeServer
}

func newPipeDialer(t *testing.T) *pipeDialer {
	return &pipeDialer{t: t, servers: make(chan *fakeServer, 8)}
}

func (d *pipeDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	client, server := net.Pipe()
	srv := &fakeServer{t: d.t, conn: server, frames: make(chan *codec.Message, 32)}
	go srv.readLoop()
	d.servers <- srv
	d.t.Cleanup(func() { server.Close() })
	return client, nil
}

func (d *pipeDialer) next() *fakeServer {
	d.t.Helper()
	select {
	case srv := <-d.servers:
		return srv
	case <-time.After(waitTimeout):
		d.t.Fatal("no connection was dialed")
		return nil
	}
}

var _ transport.Dialer = (*pipeDialer)(nil)

type fakeKeys struct {
	mu      sync.Mutex
	blocks  []int
	key     string
	err     error
	wayback string
}

func (k *fakeKeys) PostKey(ctx context.Context, thread, block int) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.blocks = append(k.blocks, block)
	if k.err != nil {
		return "", k.err
	}
	return k.key, nil
}

func (k *fakeKeys) WaybackKey(ctx context.Context, thread int) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.wayback, k.err
}

func (k *fakeKeys) fetches() []int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]int(nil), k.blocks...)
}

func (k *fakeKeys) setErr(err error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.err = err
}

var _ core.KeySource = (*fakeKeys)(nil)

type sentEvent struct {
	comment queue.Comment
	err     error
}

// recorder collects handler invocations.
type recorder struct {
	chats       chan *codec.Chat
	sent        chan sentEvent
	rejected    chan *PostError
	disconnects chan transport.DisconnectReason
	anonIDs     chan string
	kicks       chan int
}

func newRecorder() *recorder {
	return &recorder{
		chats:       make(chan *codec.Chat, 32),
		sent:        make(chan sentEvent, 32),
		rejected:    make(chan *PostError, 32),
		disconnects: make(chan transport.DisconnectReason, 8),
		anonIDs:     make(chan string, 8),
		kicks:       make(chan int, 8),
	}
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnDisconnected: func(_ *Session, reason transport.DisconnectReason) { r.disconnects <- reason },
		OnChat:         func(_ *Session, c *codec.Chat) { r.chats <- c },
		OnCommentSent:  func(_ *Session, c queue.Comment, err error) { r.sent <- sentEvent{c, err} },
		OnPostRejected: func(_ *Session, _ queue.Comment, err *PostError) { r.rejected <- err },
		OnAnonymousID:  func(_ *Session, id string) { r.anonIDs <- id },
		OnKick:         func(_ *Session, seat int) { r.kicks <- seat },
	}
}

func receive[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %s", what)
		var zero T
		return zero
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

type harness struct {
	s     *Session
	srv   *fakeServer
	clock *clockwork.FakeClock
	keys  *fakeKeys
	rec   *recorder
}

// newHarness returns a connected session whose handshake is complete with
// the given last_res.
func newHarness(t *testing.T, lastRes int, mod func(*Config)) *harness {
	t.Helper()

	h := &harness{
		clock: clockwork.NewFakeClockAt(testStart),
		keys:  &fakeKeys{key: "pk.0"},
		rec:   newRecorder(),
	}
	dialer := newPipeDialer(t)
	cfg := Config{
		Info:      core.RoomInfo{Label: "arena", Host: "msg.example.com", Port: 2805, Thread: testThread},
		UserID:    "12345",
		Seat:      7,
		BaseTime:  testStart.Add(-time.Minute),
		Keys:      h.keys,
		Dialer:    dialer,
		Clock:     h.clock,
		ProbeText: "probe-text",
		Handlers:  h.rec.handlers(),
	}
	if mod != nil {
		mod(&cfg)
	}
	h.s = New(cfg)
	t.Cleanup(h.s.Disconnect)

	if err := h.s.Connect(context.Background(), time.Second); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	h.srv = dialer.next()

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.s.StartReceiving(context.Background(), ReceiveOptions{Backlog: 100})
	}()
	if req := h.srv.expect(); req.Root != "thread" {
		t.Fatalf("first frame = %q, want thread", req.Root)
	}
	h.srv.send(threadAck(lastRes))
	if err := receive(t, errCh, "handshake"); err != nil {
		t.Fatalf("StartReceiving() error: %v", err)
	}
	return h
}

func threadAck(lastRes int) string {
	return `<thread resultcode="0" thread="1000" ticket="0xticket" last_res="` + itoa(lastRes) + `"/>`
}

func chatResult(status int) string {
	return `<chat_result thread="1000" status="` + itoa(status) + `"/>`
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
