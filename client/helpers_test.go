package client

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/kabili207/nicolive-go/core"
	"github.com/kabili207/nicolive-go/core/codec"
	"github.com/kabili207/nicolive-go/core/queue"
	"github.com/kabili207/nicolive-go/transport"
)

const waitTimeout = 2 * time.Second

var testStart = time.Date(2024, 1, 1, 20, 0, 0, 0, time.UTC)

type fakeServer struct {
	t      *testing.T
	addr   string
	conn   net.Conn
	frames chan *codec.Message
	closed chan struct{}
}

func (srv *fakeServer) readLoop() {
	defer close(srv.closed)
	var sp codec.Splitter
	buf := make([]byte, 4096)
	for {
		n, err := srv.conn.Read(buf)
		frames, _ := sp.Feed(buf[:n])
		for _, f := range frames {
			if msg, derr := codec.Decode(f); derr == nil {
				srv.frames <- msg
			}
		}
		if err != nil {
			return
		}
	}
}

func (srv *fakeServer) send(frame string) {
	srv.t.Helper()
	if _, err := srv.conn.Write(append([]byte(frame), codec.FrameDelimiter)); err != nil {
		srv.t.Fatalf("server %s write: %v", srv.addr, err)
	}
}

func (srv *fakeServer) expect() *codec.Message {
	srv.t.Helper()
	select {
	case m := <-srv.frames:
		return m
	case <-time.After(waitTimeout):
		srv.t.Fatalf("server %s: timed out waiting for a frame", srv.addr)
		return nil
	}
}

func (srv *fakeServer) expectNone() {
	srv.t.Helper()
	select {
	case m := <-srv.frames:
		srv.t.Fatalf("server %s: unexpected frame %s %v", srv.addr, m.Root, m.Attrs)
	case <-time.After(50 * time.Millisecond):
	}
}

// ack answers the handshake of thread.
func (srv *fakeServer) ack(thread int) {
	srv.t.Helper()
	if req := srv.expect(); req.Root != "thread" {
		srv.t.Fatalf("server %s: first frame %q, want thread", srv.addr, req.Root)
	}
	srv.send(`<thread resultcode="0" thread="` + strconv.Itoa(thread) + `" ticket="tk" last_res="10"/>`)
}

func (srv *fakeServer) waitClosed() {
	srv.t.Helper()
	select {
	case <-srv.closed:
	case <-time.After(waitTimeout):
		srv.t.Fatalf("server %s: connection not closed", srv.addr)
	}
}

// pipeDialer connects to in-memory servers. Addresses listed in fail are
// refused; those in hangup are closed by the server right after dialing.
type pipeDialer struct {
	t *testing.T

	mu      sync.Mutex
	servers map[string]*fakeServer
	fail    map[string]bool
	hangup  map[string]bool
	dials   int
}

func newPipeDialer(t *testing.T) *pipeDialer {
	return &pipeDialer{
		t:       t,
		servers: map[string]*fakeServer{},
		fail:    map[string]bool{},
		hangup:  map[string]bool{},
	}
}

func (d *pipeDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.fail[addr] {
		return nil, errors.New("connection refused")
	}
	client, server := net.Pipe()
	srv := &fakeServer{
		t:      d.t,
		addr:   addr,
		conn:   server,
		frames: make(chan *codec.Message, 32),
		closed: make(chan struct{}),
	}
	go srv.readLoop()
	d.servers[addr] = srv
	d.t.Cleanup(func() { server.Close() })
	if d.hangup[addr] {
		server.Close()
	}
	return client, nil
}

func (d *pipeDialer) server(addr string) *fakeServer {
	d.t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	srv, ok := d.servers[addr]
	if !ok {
		d.t.Fatalf("no connection to %s", addr)
	}
	return srv
}

func (d *pipeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

var _ transport.Dialer = (*pipeDialer)(nil)

type fakeKeys struct{}

func (fakeKeys) PostKey(context.Context, int, int) (string, error) { return "pk", nil }
func (fakeKeys) WaybackKey(context.Context, int) (string, error)    { return "wk", nil }

type ownerPost struct {
	broadcastID string
	token       string
	comment     core.OwnerComment
}

type fakeOwner struct {
	mu    sync.Mutex
	posts []ownerPost
	err   error
}

func (o *fakeOwner) PostOwnerComment(_ context.Context, id, token string, c core.OwnerComment) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.posts = append(o.posts, ownerPost{id, token, c})
	return o.err
}

func (o *fakeOwner) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.posts)
}

type fakeResolver struct {
	b   *core.Broadcast
	err error
}

func (r *fakeResolver) Resolve(_ context.Context, ref string, _ Credentials) (*core.Broadcast, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.b, nil
}

func threeRooms() *core.Broadcast {
	return &core.Broadcast{
		ID: "lv1",
		Rooms: []core.RoomInfo{
			{Label: "arena", Host: "msg.example.com", Port: 2805, Thread: 1001},
			{Label: "standA", Host: "msg.example.com", Port: 2806, Thread: 1002},
			{Label: "standB", Host: "msg.example.com", Port: 2807, Thread: 1003},
		},
		EntryPort: 2806,
		Seat:      5,
		UserID:    "12345",
		BaseTime:  testStart.Add(-time.Minute),
		Keys:      fakeKeys{},
	}
}

type connectivityEvent struct{ any, all bool }

type roomDisconnect struct {
	index  int
	reason transport.DisconnectReason
}

type indexedChat struct {
	index int
	chat  *codec.Chat
}

type ownerSent struct {
	comment queue.Comment
	err     error
}

// recorder collects client events in order.
type recorder struct {
	mu    sync.Mutex
	order []string

	connected    chan *core.Broadcast
	disconnected chan struct{}
	roomUp       chan int
	roomDown     chan roomDisconnect
	chats        chan indexedChat
	owner        chan ownerSent
	anon         chan string
	flags        chan connectivityEvent
}

func newRecorder() *recorder {
	return &recorder{
		connected:    make(chan *core.Broadcast, 8),
		disconnected: make(chan struct{}, 8),
		roomUp:       make(chan int, 16),
		roomDown:     make(chan roomDisconnect, 16),
		chats:        make(chan indexedChat, 32),
		owner:        make(chan ownerSent, 8),
		anon:         make(chan string, 8),
		flags:        make(chan connectivityEvent, 32),
	}
}

func (r *recorder) log(ev string) {
	r.mu.Lock()
	r.order = append(r.order, ev)
	r.mu.Unlock()
}

func (r *recorder) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func (r *recorder) handlers() Events {
	return Events{
		OnConnected: func(b *core.Broadcast) {
			r.log("connected")
			r.connected <- b
		},
		OnDisconnected: func() {
			r.log("disconnected")
			r.disconnected <- struct{}{}
		},
		OnRoomConnected: func(i int, _ core.RoomInfo) {
			r.log("room_connected:" + strconv.Itoa(i))
			r.roomUp <- i
		},
		OnRoomDisconnected: func(i int, reason transport.DisconnectReason) {
			r.log("room_disconnected:" + strconv.Itoa(i))
			r.roomDown <- roomDisconnect{i, reason}
		},
		OnChat:             func(i int, c *codec.Chat) { r.chats <- indexedChat{i, c} },
		OnOwnerCommentSent: func(c queue.Comment, err error) { r.owner <- ownerSent{c, err} },
		OnAnonymousID:      func(id string) { r.anon <- id },
		OnConnectivity:     func(a, b bool) { r.flags <- connectivityEvent{a, b} },
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

func expectNothing[T any](t *testing.T, ch <-chan T, what string) {
	t.Helper()
	select {
	case v := <-ch:
		t.Errorf("unexpected %s: %v", what, v)
	case <-time.After(50 * time.Millisecond):
	}
}
