// Package client implements the requester side of the routing protocol:
// a connection that declares the client role and issues mutations and
// correlated reads against the collective.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/dantte-lp/gokvdb/internal/store"
	"github.com/dantte-lp/gokvdb/internal/wire"
)

// ErrClosed indicates an operation on a client whose connection has ended.
var ErrClosed = errors.New("client connection closed")

// Config holds the client connection parameters.
type Config struct {
	// Addr is the router address, host:port.
	Addr string

	// Password authenticates against a password-protected router.
	Password string

	// TLS wraps the connection when non-nil.
	TLS *tls.Config
}

// reply is a correlated response delivered to a waiting request.
type reply struct {
	op      wire.Opcode
	payload []byte
}

// Client is a connection to the router in the client role. Mutations are
// fire-and-forget; reads allocate a request id from the assigned range and
// block until the correlated reply arrives.
//
// Safe for concurrent use.
type Client struct {
	conn   net.Conn
	fr     *wire.FrameReader
	fw     *wire.FrameWriter
	ids    *wire.RIDAllocator
	logger *slog.Logger

	rangeStart uint64
	rangeEnd   uint64

	mu      sync.Mutex
	pending map[uint32]chan reply
	err     error

	closed    chan struct{}
	closeOnce sync.Once
}

// Dial connects to the router, completes the handshake in the client role,
// and starts the reply dispatcher.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("dial router %s: %w", cfg.Addr, err)
	}
	if cfg.TLS != nil {
		conn = tls.Client(conn, cfg.TLS)
	}

	c := &Client{
		conn:    conn,
		fr:      wire.NewFrameReader(conn),
		fw:      wire.NewFrameWriter(conn),
		logger:  logger.With(slog.String("component", "client")),
		pending: make(map[uint32]chan reply),
		closed:  make(chan struct{}),
	}

	c.rangeStart, c.rangeEnd, err = wire.Handshake(c.fr, c.fw, wire.ModeClient, cfg.Password)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake: %w", err)
	}
	c.ids = wire.NewRIDAllocator(c.rangeStart, c.rangeEnd)

	c.logger.Debug("connected to router",
		slog.String("addr", cfg.Addr),
		slog.Uint64("range_start", c.rangeStart),
		slog.Uint64("range_end", c.rangeEnd),
	)

	go c.readLoop()
	return c, nil
}

// RangeStart returns the start of the assigned request-id range.
func (c *Client) RangeStart() uint64 { return c.rangeStart }

// RangeEnd returns the end of the assigned request-id range.
func (c *Client) RangeEnd() uint64 { return c.rangeEnd }

// Close terminates the connection. Outstanding reads fail with ErrClosed.
func (c *Client) Close() error {
	c.shutdown(ErrClosed)
	return c.conn.Close()
}

// shutdown marks the client dead and fails every pending read.
func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		pending := c.pending
		c.pending = nil
		c.mu.Unlock()

		close(c.closed)
		for _, ch := range pending {
			close(ch)
		}
	})
}

// readLoop dispatches correlated replies to their waiting requests. Any
// frame that is not a well-formed reply is a protocol violation and kills
// the connection.
func (c *Client) readLoop() {
	for {
		payload, err := c.fr.ReadFrame()
		if err != nil {
			c.shutdown(ErrClosed)
			return
		}
		if len(payload) == 0 {
			c.fail()
			return
		}

		op := wire.Opcode(payload[0])
		switch op {
		case wire.OpAnswer, wire.OpNotFound, wire.OpAllKeys:
		default:
			c.logger.Warn("unexpected frame from router",
				slog.String("op", op.String()),
			)
			c.fail()
			return
		}

		rid, rest, err := wire.SplitRID(payload[1:])
		if err != nil {
			c.fail()
			return
		}
		c.ids.Release(rid)

		c.mu.Lock()
		ch, ok := c.pending[rid]
		if ok {
			delete(c.pending, rid)
		}
		c.mu.Unlock()

		if !ok {
			c.logger.Debug("reply for unknown request id dropped",
				slog.Uint64("rid", uint64(rid)),
			)
			continue
		}
		ch <- reply{op: op, payload: rest}
	}
}

// fail tears the connection down after a protocol violation.
func (c *Client) fail() {
	c.shutdown(fmt.Errorf("%w: %w", ErrClosed, wire.ErrProtocolViolation))
	c.conn.Close()
}

// register allocates a request id and its reply channel.
func (c *Client) register() (uint32, chan reply, error) {
	rid, err := c.ids.Get()
	if err != nil {
		return 0, nil, err
	}

	ch := make(chan reply, 1)
	c.mu.Lock()
	if c.pending == nil {
		err = c.err
		c.mu.Unlock()
		return 0, nil, err
	}
	c.pending[rid] = ch
	c.mu.Unlock()
	return rid, ch, nil
}

// unregister drops a pending request whose caller stopped waiting.
func (c *Client) unregister(rid uint32) {
	c.mu.Lock()
	if c.pending != nil {
		delete(c.pending, rid)
	}
	c.mu.Unlock()
}

// -------------------------------------------------------------------------
// Operations
// -------------------------------------------------------------------------

// Set stores value under key on every replica. No acknowledgement is
// defined by the protocol; an error reports a local write failure only.
func (c *Client) Set(key, value []byte) error {
	select {
	case <-c.closed:
		return c.err
	default:
	}
	return c.fw.WriteFrame(wire.EncodeSet(key, value))
}

// Delete removes key on every replica. Deleting a missing key is not an
// error.
func (c *Client) Delete(key []byte) error {
	select {
	case <-c.closed:
		return c.err
	default:
	}
	return c.fw.WriteFrame(wire.EncodeDel(key))
}

// Get returns the value for key from one replica. A missing key returns
// store.ErrKeyNotFound.
func (c *Client) Get(ctx context.Context, key []byte) ([]byte, error) {
	rid, ch, err := c.register()
	if err != nil {
		return nil, err
	}

	if werr := c.fw.WriteFrame(wire.EncodeGet(rid, key)); werr != nil {
		c.unregister(rid)
		return nil, fmt.Errorf("send GET: %w", werr)
	}

	select {
	case rep, ok := <-ch:
		if !ok {
			return nil, c.err
		}
		if rep.op == wire.OpAnswer {
			return rep.payload, nil
		}
		return nil, store.ErrKeyNotFound
	case <-ctx.Done():
		c.unregister(rid)
		return nil, ctx.Err()
	}
}

// GetKeys returns the full key listing from one replica. An empty
// collective yields an empty listing, not an error.
func (c *Client) GetKeys(ctx context.Context) ([][]byte, error) {
	rid, ch, err := c.register()
	if err != nil {
		return nil, err
	}

	if werr := c.fw.WriteFrame(wire.EncodeGetKeys(rid)); werr != nil {
		c.unregister(rid)
		return nil, fmt.Errorf("send GETKEYS: %w", werr)
	}

	select {
	case rep, ok := <-ch:
		if !ok {
			return nil, c.err
		}
		if rep.op != wire.OpAllKeys {
			return nil, fmt.Errorf("%v reply to GETKEYS: %w", rep.op, wire.ErrProtocolViolation)
		}
		return wire.DecodeKeyList(rep.payload)
	case <-ctx.Done():
		c.unregister(rid)
		return nil, ctx.Err()
	}
}
