package client

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ffx64/editor-presence/transport/ipc"
	"github.com/rs/zerolog"
)

const readyPayload = `{"cmd":"DISPATCH","data":{"v":1,"user":{"id":"1","username":"tester"}},"evt":"READY","nonce":null}`

type fakeService struct {
	path  string
	conns chan net.Conn
}

func newFakeService(t *testing.T) *fakeService {
	t.Helper()
	path := filepath.Join(t.TempDir(), "discord-ipc-0")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &fakeService{path: path, conns: make(chan net.Conn, 1)}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		s.conns <- conn
	}()
	t.Cleanup(func() { _ = ln.Close() })
	return s
}

func (s *fakeService) accept() (net.Conn, error) {
	select {
	case conn := <-s.conns:
		return conn, nil
	case <-time.After(2 * time.Second):
		return nil, errors.New("no client connected")
	}
}

// readFrame returns the raw bytes of one frame as well as the decoded frame.
func readFrame(conn net.Conn) ([]byte, ipc.Frame, error) {
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	hdr := make([]byte, ipc.HeaderLen)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return nil, nil, err
	}
	raw := make([]byte, ipc.HeaderLen+int(binary.LittleEndian.Uint32(hdr[4:8])))
	copy(raw, hdr)
	if _, err := io.ReadFull(conn, raw[ipc.HeaderLen:]); err != nil {
		return nil, nil, err
	}
	f, err := ipc.Decode(raw)
	return raw, f, err
}

func writeFrame(conn net.Conn, f ipc.Frame) error {
	_, err := conn.Write(ipc.Encode(f))
	return err
}

// greet answers the handshake with reply and, for a READY reply, consumes
// the initial status update.
func (s *fakeService) greet(reply ipc.Frame) (net.Conn, Message, error) {
	conn, err := s.accept()
	if err != nil {
		return nil, Message{}, err
	}
	_, f, err := readFrame(conn)
	if err != nil {
		return conn, Message{}, err
	}
	hs, ok := f.(ipc.Handshake)
	if !ok {
		return conn, Message{}, fmt.Errorf("first frame is %s, want handshake", f.Op())
	}
	if p, err := hs.Params(); err != nil || p.ClientID != "123" || p.Version != 1 || p.Nonce == "" {
		return conn, Message{}, fmt.Errorf("bad handshake params %+v (%v)", p, err)
	}
	if err := writeFrame(conn, reply); err != nil {
		return conn, Message{}, err
	}
	if d, ok := reply.(ipc.Data); !ok || !bytes.Contains(d.Body, []byte(`"READY"`)) {
		return conn, Message{}, nil
	}
	_, f, err = readFrame(conn)
	if err != nil {
		return conn, Message{}, err
	}
	m, err := ParseMessage(f.Payload())
	return conn, m, err
}

func testConfig(path string) Config {
	nop := zerolog.Nop()
	return Config{
		SocketPath:   path,
		ClientID:     "123",
		PollInterval: 10 * time.Millisecond,
		Logger:       &nop,
	}
}

type greeting struct {
	conn    net.Conn
	initial Message
	err     error
}

func startWithService(t *testing.T, cfg Config) (*Client, net.Conn, Message) {
	t.Helper()
	svc := newFakeService(t)
	cfg.SocketPath = svc.path
	gc := make(chan greeting, 1)
	go func() {
		conn, m, err := svc.greet(ipc.Data{Body: []byte(readyPayload)})
		gc <- greeting{conn, m, err}
	}()

	c, err := Start(context.Background(), cfg)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	g := <-gc
	if g.err != nil {
		t.Fatalf("service: %v", g.err)
	}
	t.Cleanup(func() { _ = g.conn.Close() })
	return c, g.conn, g.initial
}

func waitDone(t *testing.T, c *Client) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("listener did not stop")
	}
}

func TestStartPublishesEditingEndToEnd(t *testing.T) {
	c, conn, initial := startWithService(t, testConfig(""))

	if c.State() != StateListening {
		t.Fatalf("state %s, want listening", c.State())
	}
	if act, err := initial.Activity(); err != nil || act == nil || act.State != "Idling" {
		t.Fatalf("initial status %+v (%v)", act, err)
	}
	if r, err := c.ReadyEvent().ReadyData(); err != nil || r.User.Username != "tester" {
		t.Fatalf("ready data %+v (%v)", r, err)
	}

	m := Editing("main.rs")
	frame, err := m.Frame()
	if err != nil {
		t.Fatalf("frame: %v", err)
	}
	if err := c.Publish(context.Background(), m); err != nil {
		t.Fatalf("publish: %v", err)
	}

	raw, _, err := readFrame(conn)
	if err != nil {
		t.Fatalf("service read: %v", err)
	}
	if want := ipc.Encode(frame); !bytes.Equal(raw, want) {
		t.Fatalf("wire bytes differ:\n got %q\nwant %q", raw, want)
	}
	got, err := ParseMessage(raw[ipc.HeaderLen:])
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if act, _ := got.Activity(); act == nil || act.State != "Editing main.rs" {
		t.Fatalf("published activity %+v", act)
	}
}

func TestStartWithInitialFile(t *testing.T) {
	cfg := testConfig("")
	cfg.InitialFile = "lib.go"
	_, _, initial := startWithService(t, cfg)
	if act, _ := initial.Activity(); act == nil || act.State != "Editing lib.go" {
		t.Fatalf("initial status %+v", act)
	}
}

func TestStartHandshakeValidation(t *testing.T) {
	cases := []struct {
		name  string
		reply ipc.Frame
	}{
		{"wrong event", ipc.Data{Body: []byte(`{"cmd":"DISPATCH","evt":"ERROR"}`)}},
		{"missing event", ipc.Data{Body: []byte(`{"cmd":"DISPATCH"}`)}},
		{"not json", ipc.Data{Body: []byte(`READY`)}},
		{"close", ipc.Close{Body: []byte(`{"code":4000,"message":"Invalid Client ID"}`)}},
		{"pong", ipc.Pong{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := newFakeService(t)
			errc := make(chan error, 1)
			go func() {
				conn, _, err := svc.greet(tc.reply)
				if conn != nil {
					defer conn.Close()
				}
				errc <- err
			}()

			c, err := Start(context.Background(), testConfig(svc.path))
			if err == nil {
				_ = c.Close()
				t.Fatalf("start succeeded")
			}
			if !errors.Is(err, ErrHandshake) {
				t.Fatalf("expected handshake error, got %v", err)
			}
			var se *StartError
			if !errors.As(err, &se) || se.State != StateHandshaking {
				t.Fatalf("expected StartError in handshaking, got %#v", err)
			}
			if err := <-errc; err != nil {
				t.Fatalf("service: %v", err)
			}
		})
	}
}

func TestStartHandshakeCloseReason(t *testing.T) {
	svc := newFakeService(t)
	go func() {
		conn, _, _ := svc.greet(ipc.Close{Body: []byte(`{"code":4000,"message":"Invalid Client ID"}`)})
		if conn != nil {
			_ = conn.Close()
		}
	}()
	_, err := Start(context.Background(), testConfig(svc.path))
	var he *HandshakeError
	if !errors.As(err, &he) {
		t.Fatalf("expected *HandshakeError, got %v", err)
	}
	if he.Op != ipc.OpClose || he.Reason != "Invalid Client ID (code 4000)" {
		t.Fatalf("unexpected handshake error %+v", he)
	}
}

func TestStartHandshakeEOF(t *testing.T) {
	svc := newFakeService(t)
	go func() {
		conn, err := svc.accept()
		if err == nil {
			_, _, _ = readFrame(conn)
			_ = conn.Close()
		}
	}()
	_, err := Start(context.Background(), testConfig(svc.path))
	if !errors.Is(err, ErrHandshake) || !errors.Is(err, io.EOF) {
		t.Fatalf("expected handshake error wrapping EOF, got %v", err)
	}
}

func TestStartConnectError(t *testing.T) {
	_, err := Start(context.Background(), testConfig(filepath.Join(t.TempDir(), "missing")))
	var ce *ipc.ConnectError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *ipc.ConnectError, got %v", err)
	}
	var se *StartError
	if !errors.As(err, &se) || se.State != StateConnecting {
		t.Fatalf("expected StartError in connecting, got %v", err)
	}
}

func TestListenerAnswersPingWithPong(t *testing.T) {
	c, conn, _ := startWithService(t, testConfig(""))

	for _, body := range []string{"", "42"} {
		if err := writeFrame(conn, ipc.Ping{Body: []byte(body)}); err != nil {
			t.Fatalf("write ping: %v", err)
		}
		_, f, err := readFrame(conn)
		if err != nil {
			t.Fatalf("read pong: %v", err)
		}
		p, ok := f.(ipc.Pong)
		if !ok {
			t.Fatalf("expected pong, got %s", f.Op())
		}
		if string(p.Body) != body {
			t.Fatalf("pong body %q, want %q", p.Body, body)
		}
		// Exactly one pong per ping.
		_ = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		var extra [1]byte
		if n, err := conn.Read(extra[:]); !errors.Is(err, os.ErrDeadlineExceeded) {
			t.Fatalf("expected no further frame, got %d bytes, err %v", n, err)
		}
	}
	if c.State() != StateListening {
		t.Fatalf("state %s after pings", c.State())
	}
}

func TestListenerStopsOnClose(t *testing.T) {
	c, conn, _ := startWithService(t, testConfig(""))

	if err := writeFrame(conn, ipc.Close{}); err != nil {
		t.Fatalf("write close: %v", err)
	}
	waitDone(t, c)
	if err := c.Err(); err != nil {
		t.Fatalf("expected clean stop, got %v", err)
	}
	if c.State() != StateClosed {
		t.Fatalf("state %s, want closed", c.State())
	}
	// No frames after close: the client just hangs up.
	if _, _, err := readFrame(conn); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after close, got %v", err)
	}
	if err := c.PublishIdle(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestListenerStopsOnEOF(t *testing.T) {
	c, conn, _ := startWithService(t, testConfig(""))
	_ = conn.Close()
	waitDone(t, c)
	if err := c.Err(); err != nil {
		t.Fatalf("expected clean stop, got %v", err)
	}
}

func TestListenerSkipsMalformedFrames(t *testing.T) {
	c, conn, _ := startWithService(t, testConfig(""))

	bad := make([]byte, ipc.HeaderLen+2)
	binary.LittleEndian.PutUint32(bad[0:4], 77)
	binary.LittleEndian.PutUint32(bad[4:8], 2)
	if _, err := conn.Write(bad); err != nil {
		t.Fatalf("write bad frame: %v", err)
	}
	if err := writeFrame(conn, ipc.Data{Body: []byte("not json")}); err != nil {
		t.Fatalf("write data: %v", err)
	}
	if err := writeFrame(conn, ipc.Handshake{Body: []byte("{}")}); err != nil {
		t.Fatalf("write handshake: %v", err)
	}
	if err := writeFrame(conn, ipc.Ping{Body: []byte("alive")}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	_, f, err := readFrame(conn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if p, ok := f.(ipc.Pong); !ok || string(p.Body) != "alive" {
		t.Fatalf("expected pong after malformed frames, got %#v", f)
	}
	select {
	case <-c.Done():
		t.Fatalf("listener stopped on malformed frame: %v", c.Err())
	default:
	}
}

func TestListenerDeliversEvents(t *testing.T) {
	events := make(chan Message, 1)
	cfg := testConfig("")
	cfg.OnEvent = func(m Message) { events <- m }
	_, conn, _ := startWithService(t, cfg)

	body := `{"cmd":"SET_ACTIVITY","evt":"ERROR","data":{"code":4000,"message":"child \"activity\" fails"},"nonce":"n1"}`
	if err := writeFrame(conn, ipc.Data{Body: []byte(body)}); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case m := <-events:
		if !m.MatchesEvent(EventError) {
			t.Fatalf("unexpected event %q", m.Evt)
		}
		if e, err := m.ErrorData(); err != nil || e.Code != 4000 {
			t.Fatalf("error data %+v (%v)", e, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("event not delivered")
	}
}

func TestCloseStopsListener(t *testing.T) {
	c, conn, _ := startWithService(t, testConfig(""))
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	waitDone(t, c)
	if c.Err() != nil {
		t.Fatalf("expected nil error after Close, got %v", c.Err())
	}
	if _, _, err := readFrame(conn); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF on service side, got %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestPublishRateLimited(t *testing.T) {
	cfg := testConfig("")
	cfg.PublishInterval = time.Hour
	cfg.PublishBurst = 1
	c, _, _ := startWithService(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := c.PublishStatus(ctx, "busy"); err == nil {
		t.Fatalf("expected rate limit error")
	}
}

func TestClearBypassesRateLimit(t *testing.T) {
	cfg := testConfig("")
	cfg.PublishInterval = time.Hour
	cfg.PublishBurst = 1
	c, conn, _ := startWithService(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Clear(ctx); err != nil {
		t.Fatalf("clear after exhausted burst: %v", err)
	}
	_, f, err := readFrame(conn)
	if err != nil {
		t.Fatalf("read clear: %v", err)
	}
	m, err := ParseMessage(f.Payload())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if act, err := m.Activity(); err != nil || act != nil {
		t.Fatalf("expected cleared activity, got %+v, %v", act, err)
	}
}

func TestPublishRejectsEmptyActivity(t *testing.T) {
	c, _, _ := startWithService(t, testConfig(""))

	err := c.Publish(context.Background(), NewSetActivity(1, &Activity{Instance: true}))
	if !errors.Is(err, ErrEmptyActivity) {
		t.Fatalf("expected ErrEmptyActivity, got %v", err)
	}
}

type failingConn struct {
	net.Conn
	err error
}

func (f failingConn) Read([]byte) (int, error)        { return 0, f.err }
func (f failingConn) SetReadDeadline(time.Time) error { return nil }
func (f failingConn) Close() error                    { return nil }

func TestListenerReportsReadError(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	boom := errors.New("boom")

	c := newClient(testConfig(""))
	c.writer = ipc.NewSession(a)
	c.reader = ipc.NewSession(failingConn{err: boom})
	go c.writeLoop()
	go c.listen()

	waitDone(t, c)
	var ioe *ipc.IOError
	if !errors.As(c.Err(), &ioe) || !errors.Is(c.Err(), boom) {
		t.Fatalf("expected IOError wrapping boom, got %v", c.Err())
	}
	if c.State() != StateClosed {
		t.Fatalf("state %s, want closed", c.State())
	}
}
