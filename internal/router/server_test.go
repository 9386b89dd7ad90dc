package router_test

import (
	"bytes"
	"context"
	"log/slog"
	"net"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/dantte-lp/gokvdb/internal/router"
	"github.com/dantte-lp/gokvdb/internal/wire"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// -------------------------------------------------------------------------
// Harness
// -------------------------------------------------------------------------

const testTimeout = 5 * time.Second

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// startRouter runs a Server on a loopback port and tears it down with the
// test.
func startRouter(t *testing.T, cfg router.Config) *router.Server {
	t.Helper()

	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	srv := router.New(cfg, testLogger())
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Serve() error: %v", err)
			}
		case <-time.After(testTimeout):
			t.Error("Serve() did not stop")
		}
	})
	return srv
}

// wireConn is a raw test connection speaking frames directly. After the
// handshake a single reader goroutine pumps inbound frames into a buffered
// channel, so tests can observe which connection received what without
// competing reads.
type wireConn struct {
	t       *testing.T
	conn    net.Conn
	fr      *wire.FrameReader
	fw      *wire.FrameWriter
	in      chan []byte
	closed  chan struct{}
	pumping bool
}

func dialRouter(t *testing.T, srv *router.Server) *wireConn {
	t.Helper()

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial router: %v", err)
	}
	c := &wireConn{
		t:      t,
		conn:   conn,
		fr:     wire.NewFrameReader(conn),
		fw:     wire.NewFrameWriter(conn),
		in:     make(chan []byte, 64),
		closed: make(chan struct{}),
	}
	t.Cleanup(func() {
		conn.Close()
		if !c.pumping {
			return
		}
		select {
		case <-c.closed:
		case <-time.After(testTimeout):
		}
	})
	return c
}

// start launches the reader pump. Called once the synchronous handshake
// phase is over.
func (c *wireConn) start() {
	c.pumping = true
	go func() {
		defer close(c.closed)
		for {
			payload, err := c.fr.ReadFrame()
			if err != nil {
				return
			}
			c.in <- payload
		}
	}()
}

func (c *wireConn) send(parts ...[]byte) {
	c.t.Helper()
	if err := c.fw.WriteFrame(parts...); err != nil {
		c.t.Fatalf("write frame: %v", err)
	}
}

// recvDirect reads one frame synchronously (handshake phase only).
func (c *wireConn) recvDirect() []byte {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(testTimeout))
	payload, err := c.fr.ReadFrame()
	if err != nil {
		c.t.Fatalf("read frame: %v", err)
	}
	c.conn.SetReadDeadline(time.Time{})
	return payload
}

// expectClosedDirect asserts the connection dies without delivering
// another frame (handshake phase only).
func (c *wireConn) expectClosedDirect() {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(testTimeout))
	if payload, err := c.fr.ReadFrame(); err == nil {
		c.t.Fatalf("expected closed connection, got frame %x", payload)
	}
	close(c.closed)
}

// recv returns the next pumped frame.
func (c *wireConn) recv() []byte {
	c.t.Helper()
	select {
	case payload := <-c.in:
		return payload
	case <-c.closed:
		c.t.Fatal("connection closed while awaiting frame")
	case <-time.After(testTimeout):
		c.t.Fatal("timeout awaiting frame")
	}
	return nil
}

// tryRecv returns the next pumped frame within d, or nil.
func (c *wireConn) tryRecv(d time.Duration) []byte {
	select {
	case payload := <-c.in:
		return payload
	case <-c.closed:
		return nil
	case <-time.After(d):
		return nil
	}
}

// expectClosed asserts the pump ends without a further frame.
func (c *wireConn) expectClosed() {
	c.t.Helper()
	select {
	case payload := <-c.in:
		c.t.Fatalf("expected closed connection, got frame %x", payload)
	case <-c.closed:
	case <-time.After(testTimeout):
		c.t.Fatal("timeout awaiting connection close")
	}
}

// handshake performs the initiating side of the handshake, starts the
// reader pump, and returns the assigned range.
func (c *wireConn) handshake(mode wire.Mode, password string) (start, end uint64) {
	c.t.Helper()

	c.send(wire.EncodeVersion(wire.Version))
	status := c.recvDirect()
	if len(status) == 1 && status[0] == wire.StatusPasswordRequired {
		c.send([]byte(password))
		status = c.recvDirect()
	}
	if len(status) != 1 || status[0] != wire.StatusOK {
		c.t.Fatalf("handshake status = %x, want OK", status)
	}

	c.send([]byte{byte(mode)})
	rangeFrame := c.recvDirect()
	start, end, err := wire.DecodeRange(rangeFrame)
	if err != nil {
		c.t.Fatalf("decode range: %v", err)
	}

	c.start()
	return start, end
}

// waitSessions polls the registry until the live session count matches.
func waitSessions(t *testing.T, srv *router.Server, want int) {
	t.Helper()

	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		if srv.Registry().Sessions() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session count never reached %d (have %d)", want, srv.Registry().Sessions())
}

func waitSyncing(t *testing.T, srv *router.Server, want int) {
	t.Helper()

	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		if srv.Registry().Syncing() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("syncing count never reached %d", want)
}

// -------------------------------------------------------------------------
// Handshake
// -------------------------------------------------------------------------

func TestHandshakeVersionMismatch(t *testing.T) {
	t.Parallel()

	srv := startRouter(t, router.Config{})
	c := dialRouter(t, srv)

	c.send(wire.EncodeVersion(wire.Version + 1))
	status := c.recvDirect()
	if len(status) != 1 || status[0] != wire.StatusError {
		t.Fatalf("status = %x, want ERROR", status)
	}
	c.expectClosedDirect()
}

func TestHandshakeBadVersionFrameAborts(t *testing.T) {
	t.Parallel()

	srv := startRouter(t, router.Config{})
	c := dialRouter(t, srv)

	// A version frame of the wrong length is a protocol violation: the
	// connection is aborted without a status reply.
	c.send([]byte{0x01, 0x02, 0x03})
	c.expectClosedDirect()
}

func TestHandshakePassword(t *testing.T) {
	t.Parallel()

	srv := startRouter(t, router.Config{
		Password:      "s3cret",
		AuthFailDelay: 100 * time.Millisecond,
	})

	t.Run("wrong password delayed rejection", func(t *testing.T) {
		t.Parallel()

		c := dialRouter(t, srv)
		c.send(wire.EncodeVersion(wire.Version))
		if status := c.recvDirect(); status[0] != wire.StatusPasswordRequired {
			t.Fatalf("status = %x, want PASSWORD_REQUIRED", status)
		}

		begin := time.Now()
		c.send([]byte("wrong"))
		status := c.recvDirect()
		elapsed := time.Since(begin)

		if status[0] != wire.StatusError {
			t.Fatalf("status = %x, want ERROR", status)
		}
		if elapsed < 100*time.Millisecond {
			t.Errorf("rejection after %v, want >= 100ms", elapsed)
		}
		c.expectClosedDirect()
	})

	t.Run("correct password accepted", func(t *testing.T) {
		t.Parallel()

		c := dialRouter(t, srv)
		start, end := c.handshake(wire.ModeClient, "s3cret")
		if end-start != wire.RangeSize {
			t.Errorf("range [%d, %d) has size %d, want %d", start, end, end-start, wire.RangeSize)
		}
	})
}

func TestHandshakeInvalidModeAborts(t *testing.T) {
	t.Parallel()

	srv := startRouter(t, router.Config{})
	c := dialRouter(t, srv)

	c.send(wire.EncodeVersion(wire.Version))
	if status := c.recvDirect(); status[0] != wire.StatusOK {
		t.Fatalf("status = %x, want OK", status)
	}

	c.send([]byte{0x7f})
	c.expectClosedDirect()
}

func TestRangeAssignmentAcrossSessions(t *testing.T) {
	t.Parallel()

	srv := startRouter(t, router.Config{})

	conns := make([]*wireConn, 4)
	for i := range conns {
		conns[i] = dialRouter(t, srv)
		start, _ := conns[i].handshake(wire.ModeClient, "")
		if want := uint64(i) * wire.RangeSize; start != want {
			t.Fatalf("session %d range start = %d, want %d", i, start, want)
		}
	}

	// Disconnect the second session; its range becomes free again.
	conns[1].conn.Close()
	waitSessions(t, srv, 3)

	c := dialRouter(t, srv)
	start, _ := c.handshake(wire.ModeClient, "")
	if start != wire.RangeSize {
		t.Errorf("reconnected session range start = %d, want %d", start, wire.RangeSize)
	}
}

// -------------------------------------------------------------------------
// Routing
// -------------------------------------------------------------------------

func TestGetWithoutPeers(t *testing.T) {
	t.Parallel()

	srv := startRouter(t, router.Config{})
	c := dialRouter(t, srv)
	start, _ := c.handshake(wire.ModeClient, "")

	rid := uint32(start)
	c.send(wire.EncodeGet(rid, []byte("nope")))

	reply := c.recv()
	if wire.Opcode(reply[0]) != wire.OpNotFound {
		t.Fatalf("reply opcode = %v, want NOTFOUND", wire.Opcode(reply[0]))
	}
	gotRID, _, err := wire.SplitRID(reply[1:])
	if err != nil || gotRID != rid {
		t.Errorf("reply rid = %d (err %v), want %d", gotRID, err, rid)
	}
}

func TestGetKeysWithoutPeers(t *testing.T) {
	t.Parallel()

	srv := startRouter(t, router.Config{})
	c := dialRouter(t, srv)
	start, _ := c.handshake(wire.ModeClient, "")

	rid := uint32(start)
	c.send(wire.EncodeGetKeys(rid))

	reply := c.recv()
	if wire.Opcode(reply[0]) != wire.OpAllKeys {
		t.Fatalf("reply opcode = %v, want ALLKEYS", wire.Opcode(reply[0]))
	}
	gotRID, keylist, err := wire.SplitRID(reply[1:])
	if err != nil || gotRID != rid {
		t.Fatalf("reply rid = %d (err %v), want %d", gotRID, err, rid)
	}
	if len(keylist) != 0 {
		t.Errorf("keylist = %x, want empty", keylist)
	}
}

// expectGet waits until exactly one of the peers receives a GET and
// returns that peer with the request id it saw.
func expectGet(t *testing.T, peers ...*wireConn) (*wireConn, uint32) {
	t.Helper()

	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		for _, p := range peers {
			frame := p.tryRecv(50 * time.Millisecond)
			if frame == nil {
				continue
			}
			if wire.Opcode(frame[0]) != wire.OpGet {
				t.Fatalf("frame opcode = %v, want GET", wire.Opcode(frame[0]))
			}
			rid, _, err := wire.SplitRID(frame[1:])
			if err != nil {
				t.Fatalf("GET payload: %v", err)
			}
			// No other peer may have been asked.
			for _, q := range peers {
				if q == p {
					continue
				}
				if extra := q.tryRecv(200 * time.Millisecond); extra != nil {
					t.Fatalf("second peer also received frame %x", extra)
				}
			}
			return p, rid
		}
	}
	t.Fatal("no peer received the GET")
	return nil, 0
}

func TestMutationFanOutAndRead(t *testing.T) {
	t.Parallel()

	srv := startRouter(t, router.Config{})

	p1 := dialRouter(t, srv)
	p1.handshake(wire.ModeServer, "")
	p2 := dialRouter(t, srv)
	p2.handshake(wire.ModeServer, "")

	cl := dialRouter(t, srv)
	start, _ := cl.handshake(wire.ModeClient, "")

	// SET reaches both peers.
	cl.send(wire.EncodeSet([]byte("a"), []byte("1")))
	for i, p := range []*wireConn{p1, p2} {
		frame := p.recv()
		if wire.Opcode(frame[0]) != wire.OpSet {
			t.Fatalf("peer %d frame opcode = %v, want SET", i+1, wire.Opcode(frame[0]))
		}
		key, value, err := wire.DecodeSet(frame[1:])
		if err != nil || !bytes.Equal(key, []byte("a")) || !bytes.Equal(value, []byte("1")) {
			t.Fatalf("peer %d SET = (%q, %q, %v)", i+1, key, value, err)
		}
	}

	// DEL reaches both peers.
	cl.send(wire.EncodeDel([]byte("gone")))
	for i, p := range []*wireConn{p1, p2} {
		frame := p.recv()
		if wire.Opcode(frame[0]) != wire.OpDel || !bytes.Equal(frame[1:], []byte("gone")) {
			t.Fatalf("peer %d frame = %x, want DEL gone", i+1, frame)
		}
	}

	// GET is dispatched to exactly one peer.
	rid := uint32(start)
	cl.send(wire.EncodeGet(rid, []byte("a")))

	asked, askedRID := expectGet(t, p1, p2)
	asked.send(wire.EncodeAnswer(askedRID, []byte("1")))

	reply := cl.recv()
	if wire.Opcode(reply[0]) != wire.OpAnswer {
		t.Fatalf("client reply opcode = %v, want ANSWER", wire.Opcode(reply[0]))
	}
	gotRID, value, err := wire.SplitRID(reply[1:])
	if err != nil || gotRID != rid || !bytes.Equal(value, []byte("1")) {
		t.Errorf("client reply = (%d, %q, %v), want (%d, \"1\")", gotRID, value, err, rid)
	}
}

func TestSwitchRemovesPeerFromReadRotation(t *testing.T) {
	t.Parallel()

	srv := startRouter(t, router.Config{})

	p := dialRouter(t, srv)
	p.handshake(wire.ModeServer, "")

	cl := dialRouter(t, srv)
	start, _ := cl.handshake(wire.ModeClient, "")

	// Switch the peer into the syncing role.
	p.send(wire.EncodeSwitch())
	waitSyncing(t, srv, 1)

	// Reads no longer target it: with no eligible servers the router
	// answers NOTFOUND inline.
	rid := uint32(start)
	cl.send(wire.EncodeGet(rid, []byte("k")))
	reply := cl.recv()
	if wire.Opcode(reply[0]) != wire.OpNotFound {
		t.Fatalf("reply opcode = %v, want NOTFOUND", wire.Opcode(reply[0]))
	}

	// Mutations still reach it.
	cl.send(wire.EncodeSet([]byte("k"), []byte("v")))
	frame := p.recv()
	if wire.Opcode(frame[0]) != wire.OpSet {
		t.Fatalf("syncing peer frame opcode = %v, want SET", wire.Opcode(frame[0]))
	}

	// Switch back: reads target it again.
	p.send(wire.EncodeSwitch())
	waitSyncing(t, srv, 0)

	cl.send(wire.EncodeGet(rid, []byte("k")))
	frame = p.recv()
	if wire.Opcode(frame[0]) != wire.OpGet {
		t.Fatalf("peer frame opcode = %v, want GET", wire.Opcode(frame[0]))
	}
	gotRID, _, _ := wire.SplitRID(frame[1:])
	p.send(wire.EncodeAnswer(gotRID, []byte("v")))

	reply = cl.recv()
	if wire.Opcode(reply[0]) != wire.OpAnswer {
		t.Errorf("reply opcode = %v, want ANSWER", wire.Opcode(reply[0]))
	}
}

func TestPeerLossRedispatchesRead(t *testing.T) {
	t.Parallel()

	srv := startRouter(t, router.Config{})

	p1 := dialRouter(t, srv)
	p1.handshake(wire.ModeServer, "")
	p2 := dialRouter(t, srv)
	p2.handshake(wire.ModeServer, "")

	cl := dialRouter(t, srv)
	start, _ := cl.handshake(wire.ModeClient, "")

	rid := uint32(start)
	cl.send(wire.EncodeGet(rid, []byte("k")))

	asked, _ := expectGet(t, p1, p2)
	other := p1
	if asked == p1 {
		other = p2
	}

	// The asked peer dies without answering; the read moves to the
	// surviving peer.
	asked.conn.Close()

	frame := other.recv()
	if wire.Opcode(frame[0]) != wire.OpGet {
		t.Fatalf("surviving peer frame opcode = %v, want GET", wire.Opcode(frame[0]))
	}
	gotRID, _, _ := wire.SplitRID(frame[1:])
	other.send(wire.EncodeAnswer(gotRID, []byte("v")))

	reply := cl.recv()
	if wire.Opcode(reply[0]) != wire.OpAnswer {
		t.Fatalf("client reply opcode = %v, want ANSWER", wire.Opcode(reply[0]))
	}
}

func TestLastPeerLossFailsRead(t *testing.T) {
	t.Parallel()

	srv := startRouter(t, router.Config{})

	p := dialRouter(t, srv)
	p.handshake(wire.ModeServer, "")

	cl := dialRouter(t, srv)
	start, _ := cl.handshake(wire.ModeClient, "")

	rid := uint32(start)
	cl.send(wire.EncodeGet(rid, []byte("k")))

	// Wait for the dispatch, then kill the only peer.
	frame := p.recv()
	if wire.Opcode(frame[0]) != wire.OpGet {
		t.Fatalf("peer frame opcode = %v, want GET", wire.Opcode(frame[0]))
	}
	p.conn.Close()

	reply := cl.recv()
	if wire.Opcode(reply[0]) != wire.OpNotFound {
		t.Fatalf("client reply opcode = %v, want NOTFOUND", wire.Opcode(reply[0]))
	}
	gotRID, _, err := wire.SplitRID(reply[1:])
	if err != nil || gotRID != rid {
		t.Errorf("reply rid = %d (err %v), want %d", gotRID, err, rid)
	}
}

func TestClientProtocolViolationAborts(t *testing.T) {
	t.Parallel()

	srv := startRouter(t, router.Config{})
	c := dialRouter(t, srv)
	c.handshake(wire.ModeClient, "")

	// ANSWER is a server-mode opcode; in client mode it is a violation.
	c.send(wire.EncodeAnswer(1, []byte("x")))
	c.expectClosed()
}

func TestStaleAnswerDropped(t *testing.T) {
	t.Parallel()

	srv := startRouter(t, router.Config{})

	p := dialRouter(t, srv)
	p.handshake(wire.ModeServer, "")

	// An ALLKEYS with a request id nobody is waiting on is dropped
	// without tearing down the peer.
	p.send(wire.EncodeAllKeys(424242, wire.EncodeKeyList(nil)))

	cl := dialRouter(t, srv)
	start, _ := cl.handshake(wire.ModeClient, "")

	// The peer still serves reads afterwards.
	rid := uint32(start)
	cl.send(wire.EncodeGet(rid, []byte("k")))
	frame := p.recv()
	if wire.Opcode(frame[0]) != wire.OpGet {
		t.Fatalf("peer frame opcode = %v, want GET", wire.Opcode(frame[0]))
	}
	gotRID, _, _ := wire.SplitRID(frame[1:])
	p.send(wire.EncodeNotFound(gotRID))

	reply := cl.recv()
	if wire.Opcode(reply[0]) != wire.OpNotFound {
		t.Errorf("client reply opcode = %v, want NOTFOUND", wire.Opcode(reply[0]))
	}
}
