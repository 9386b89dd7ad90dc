// Package peer implements the database side of the routing protocol: a
// session that dials the router, declares the server role, and serves
// replicated mutations and dispatched reads against a local backing store.
//
// A peer started with Reset first rebuilds its store from the collective
// by temporarily switching into the client role (see reset.go) before it
// becomes eligible to serve reads.
package peer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/dantte-lp/gokvdb/internal/store"
	"github.com/dantte-lp/gokvdb/internal/wire"
)

// DefaultResetSleep is the pause inserted into the reset drain after each
// batch of pull requests, bounding in-flight load on the source peer.
const DefaultResetSleep = 200 * time.Millisecond

// resetBatchSize is the number of pull requests issued between pauses.
const resetBatchSize = 128

// Config holds the peer connection parameters.
type Config struct {
	// Addr is the router address, host:port.
	Addr string

	// Password authenticates against a password-protected router.
	Password string

	// TLS wraps the connection when non-nil.
	TLS *tls.Config

	// Reset clears the local store on connect and repopulates it from
	// an existing peer before serving.
	Reset bool

	// ResetSleep overrides DefaultResetSleep when positive.
	ResetSleep time.Duration
}

// Peer is one database replica's connection to the router.
type Peer struct {
	cfg    Config
	store  store.Store
	logger *slog.Logger

	conn net.Conn
	fr   *wire.FrameReader
	fw   *wire.FrameWriter
	ids  *wire.RIDAllocator

	rangeStart uint64
	rangeEnd   uint64

	reset *resetState // nil unless started with Reset

	ready     chan struct{}
	readyOnce sync.Once

	wg sync.WaitGroup // reset drain goroutine
}

// New creates a peer serving st over the given router connection
// parameters.
func New(st store.Store, cfg Config, logger *slog.Logger) *Peer {
	if cfg.ResetSleep <= 0 {
		cfg.ResetSleep = DefaultResetSleep
	}
	return &Peer{
		cfg:    cfg,
		store:  st,
		logger: logger.With(slog.String("component", "peer")),
		ready:  make(chan struct{}),
	}
}

// Ready is closed once the peer is serving: immediately after the
// handshake for a plain start, or after the bulk resynchronization
// completes for a reset start.
func (p *Peer) Ready() <-chan struct{} {
	return p.ready
}

// RangeStart returns the start of the assigned request-id range. Valid
// once Ready is closed.
func (p *Peer) RangeStart() uint64 { return p.rangeStart }

// RangeEnd returns the end of the assigned request-id range.
func (p *Peer) RangeEnd() uint64 { return p.rangeEnd }

func (p *Peer) signalReady() {
	p.readyOnce.Do(func() { close(p.ready) })
}

// Run dials the router and serves until the connection ends or ctx is
// cancelled. The local store is closed on return. A clean shutdown via
// ctx returns nil.
func (p *Peer) Run(ctx context.Context) error {
	defer func() {
		if cerr := p.store.Close(); cerr != nil {
			p.logger.Warn("close store", slog.String("error", cerr.Error()))
		}
	}()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", p.cfg.Addr)
	if err != nil {
		return fmt.Errorf("dial router %s: %w", p.cfg.Addr, err)
	}
	if p.cfg.TLS != nil {
		conn = tls.Client(conn, p.cfg.TLS)
	}
	p.conn = conn
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer p.wg.Wait()

	p.fr = wire.NewFrameReader(conn)
	p.fw = wire.NewFrameWriter(conn)

	p.rangeStart, p.rangeEnd, err = wire.Handshake(p.fr, p.fw, wire.ModeServer, p.cfg.Password)
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	p.ids = wire.NewRIDAllocator(p.rangeStart, p.rangeEnd)

	p.logger.Info("connected to router",
		slog.String("addr", p.cfg.Addr),
		slog.Uint64("range_start", p.rangeStart),
		slog.Uint64("range_end", p.rangeEnd),
		slog.Bool("reset", p.cfg.Reset),
	)

	if p.cfg.Reset {
		if rerr := p.startReset(); rerr != nil {
			return rerr
		}
	} else {
		p.signalReady()
	}

	return p.serve(ctx)
}

// serve is the dispatch loop for frames arriving from the router.
func (p *Peer) serve(ctx context.Context) error {
	for {
		payload, err := p.fr.ReadFrame()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				p.logger.Info("router connection closed")
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}
		if len(payload) == 0 {
			return fmt.Errorf("empty frame: %w", wire.ErrProtocolViolation)
		}

		op := wire.Opcode(payload[0])
		rest := payload[1:]

		var derr error
		switch op {
		case wire.OpSet:
			derr = p.handleSet(rest)
		case wire.OpDel:
			derr = p.handleDel(rest)
		case wire.OpGet:
			derr = p.handleGet(rest)
		case wire.OpGetKeys:
			derr = p.handleGetKeys(rest)
		case wire.OpAnswer:
			derr = p.handleAnswer(rest)
		case wire.OpNotFound:
			derr = p.handleNotFound(rest)
		case wire.OpAllKeys:
			derr = p.handleAllKeys(ctx, rest)
		default:
			derr = fmt.Errorf("opcode %v from router: %w", op, wire.ErrProtocolViolation)
		}
		if derr != nil {
			return derr
		}
	}
}

// -------------------------------------------------------------------------
// Replicated Mutations
// -------------------------------------------------------------------------

// handleSet applies a fanned-out SET. During a reset the key's pending
// pull, if any, is cancelled: the fan-out stream supersedes it.
func (p *Peer) handleSet(rest []byte) error {
	key, value, err := wire.DecodeSet(rest)
	if err != nil {
		return err
	}
	if p.resetActive() {
		p.reset.cancel(key)
	}
	if serr := p.store.Set(key, value); serr != nil {
		return fmt.Errorf("apply SET: %w", serr)
	}
	return p.maybeFinishReset()
}

// handleDel applies a fanned-out DEL. Missing keys are a no-op. During a
// reset the pending pull for the key is cancelled like for SET.
func (p *Peer) handleDel(key []byte) error {
	if p.resetActive() {
		p.reset.cancel(key)
	}
	if derr := p.store.Delete(key); derr != nil {
		return fmt.Errorf("apply DEL: %w", derr)
	}
	return p.maybeFinishReset()
}

// -------------------------------------------------------------------------
// Dispatched Reads
// -------------------------------------------------------------------------

// handleGet serves a routed read from the local store.
func (p *Peer) handleGet(rest []byte) error {
	rid, key, err := wire.SplitRID(rest)
	if err != nil {
		return err
	}

	value, gerr := p.store.Get(key)
	switch {
	case gerr == nil:
		return p.fw.WriteFrame(wire.EncodeAnswer(rid, value))
	case errors.Is(gerr, store.ErrKeyNotFound):
		return p.fw.WriteFrame(wire.EncodeNotFound(rid))
	default:
		return fmt.Errorf("serve GET: %w", gerr)
	}
}

// handleGetKeys serves a routed key listing from the local store.
func (p *Peer) handleGetKeys(rest []byte) error {
	rid, _, err := wire.SplitRID(rest)
	if err != nil {
		return err
	}

	keys, kerr := p.store.Keys()
	if kerr != nil {
		return fmt.Errorf("serve GETKEYS: %w", kerr)
	}
	return p.fw.WriteFrame(wire.EncodeAllKeys(rid, wire.EncodeKeyList(keys)))
}
