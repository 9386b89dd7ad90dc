package router

import (
	"context"
	"crypto/subtle"
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

// -------------------------------------------------------------------------
// Router-Side Session
// -------------------------------------------------------------------------

// Session is the router's end of one accepted connection. It drives the
// handshake state machine (Version -> Password? -> Unknown -> Server|Client
// -> Error) and then dispatches operational frames according to the
// session's current mode.
//
// During the handshake the mode is written by the session goroutine alone.
// From bind onwards it is mutated only under the registry mutex: by bind,
// by SWITCH frames arriving on this session's own dispatch loop, and by
// abort.
type Session struct {
	reg    *Registry
	conn   net.Conn
	fr     *wire.FrameReader
	fw     *wire.FrameWriter
	logger *slog.Logger

	// authFailDelay is slept before rejecting a wrong password.
	authFailDelay time.Duration

	// Guarded by reg.mu after the handshake.
	mode      wire.Mode
	canSwitch bool

	rangeStart uint64
	rangeEnd   uint64

	bound bool // joined the registry; remove() on exit

	// wg tracks reply goroutines spawned for client reads.
	wg sync.WaitGroup
}

func newSession(reg *Registry, conn net.Conn, authFailDelay time.Duration, logger *slog.Logger) *Session {
	return &Session{
		reg:           reg,
		conn:          conn,
		fr:            wire.NewFrameReader(conn),
		fw:            wire.NewFrameWriter(conn),
		authFailDelay: authFailDelay,
		mode:          wire.ModeConnecting,
		logger: logger.With(
			slog.String("component", "router.session"),
			slog.String("remote", conn.RemoteAddr().String()),
		),
	}
}

func (s *Session) remoteAddr() string {
	return s.conn.RemoteAddr().String()
}

// sendFrame writes one frame to the session's transport. Safe for
// concurrent use; fan-out, dispatch, and reply goroutines all write here.
func (s *Session) sendFrame(frame []byte) error {
	return s.fw.WriteFrame(frame)
}

// Mode returns the session's current mode.
func (s *Session) Mode() wire.Mode {
	s.reg.mu.Lock()
	defer s.reg.mu.Unlock()
	return s.mode
}

// serve runs the session to completion: handshake, then the dispatch loop.
// It owns the connection and closes it on return.
func (s *Session) serve(ctx context.Context) {
	defer s.conn.Close()

	// Close the transport when the router shuts down so blocked reads
	// unblock.
	stop := context.AfterFunc(ctx, func() { s.conn.Close() })
	defer stop()

	// Cancel before waiting: reply goroutines parked on a pending call
	// return via ctx.
	ctx, cancel := context.WithCancel(ctx)
	defer s.wg.Wait()
	defer cancel()

	if err := s.handshake(ctx); err != nil {
		s.logger.Warn("handshake failed", slog.String("error", err.Error()))
		return
	}
	defer s.reg.remove(s)

	for {
		payload, err := s.fr.ReadFrame()
		if err != nil {
			if errors.Is(err, wire.ErrFrameTooLarge) {
				s.logger.Warn("oversized frame, aborting", slog.String("error", err.Error()))
				s.abort()
				return
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Info("connection lost", slog.String("error", err.Error()))
			}
			return
		}
		if len(payload) == 0 {
			s.logger.Warn("empty operational frame, aborting")
			s.abort()
			return
		}

		op := wire.Opcode(payload[0])
		rest := payload[1:]

		var derr error
		switch s.Mode() {
		case wire.ModeServer:
			derr = s.dispatchServer(op, rest)
		case wire.ModeClient:
			derr = s.dispatchClient(ctx, op, rest)
		default:
			derr = fmt.Errorf("frame in mode %v: %w", s.Mode(), wire.ErrProtocolViolation)
		}
		if derr != nil {
			s.logger.Warn("aborting connection",
				slog.String("op", op.String()),
				slog.String("error", derr.Error()),
			)
			s.abort()
			return
		}
	}
}

// -------------------------------------------------------------------------
// Handshake
// -------------------------------------------------------------------------

// handshake runs the router side of the handshake. On success the session
// is bound into the registry and its range assignment has been sent.
func (s *Session) handshake(ctx context.Context) error {
	s.mode = wire.ModeVersion
	reason := "version"
	err := s.runHandshake(ctx, &reason)
	if err != nil {
		s.reg.metrics.HandshakeFailed(reason)
	}
	return err
}

func (s *Session) runHandshake(ctx context.Context, reason *string) error {
	// VERSION: the frame must be exactly the version payload; anything
	// else is a violation and aborts without a status reply.
	payload, err := s.fr.ReadFrame()
	if err != nil {
		return fmt.Errorf("read version frame: %w", err)
	}
	version, err := wire.DecodeVersion(payload)
	if err != nil {
		s.abort()
		return err
	}
	if version != wire.Version {
		// Mismatch is answered, then the connection is closed cleanly.
		if werr := s.fw.WriteFrame([]byte{wire.StatusError}); werr != nil {
			return fmt.Errorf("reject version: %w", werr)
		}
		s.mode = wire.ModeError
		return fmt.Errorf("remote version %d, local %d: %w", version, wire.Version, wire.ErrVersionMismatch)
	}

	// PASSWORD, when one is configured.
	if len(s.reg.password) > 0 {
		*reason = "password"
		if werr := s.fw.WriteFrame([]byte{wire.StatusPasswordRequired}); werr != nil {
			return fmt.Errorf("request password: %w", werr)
		}
		s.mode = wire.ModePassword

		pw, perr := s.fr.ReadFrame()
		if perr != nil {
			return fmt.Errorf("read password frame: %w", perr)
		}
		if subtle.ConstantTimeCompare(pw, s.reg.password) != 1 {
			// Slow the reply down to rate-limit guessing.
			sleepCtx(ctx, s.authFailDelay)
			if werr := s.fw.WriteFrame([]byte{wire.StatusError}); werr != nil {
				return fmt.Errorf("reject password: %w", werr)
			}
			s.mode = wire.ModeError
			return wire.ErrIncorrectPassword
		}
	}

	if werr := s.fw.WriteFrame([]byte{wire.StatusOK}); werr != nil {
		return fmt.Errorf("accept handshake: %w", werr)
	}
	s.mode = wire.ModeUnknown

	// Role selection. Invalid modes abort immediately.
	*reason = "mode"
	modeFrame, err := s.fr.ReadFrame()
	if err != nil {
		return fmt.Errorf("read mode frame: %w", err)
	}
	if len(modeFrame) != 1 {
		s.abort()
		return fmt.Errorf("mode frame of %d bytes: %w", len(modeFrame), wire.ErrProtocolViolation)
	}
	mode := wire.Mode(modeFrame[0])
	if mode != wire.ModeServer && mode != wire.ModeClient {
		s.abort()
		return fmt.Errorf("mode byte %#x: %w", modeFrame[0], wire.ErrProtocolViolation)
	}

	*reason = "range"
	if err := s.reg.bind(s, mode); err != nil {
		return err
	}
	s.bound = true

	if werr := s.fw.WriteFrame(wire.EncodeRange(s.rangeStart, s.rangeEnd)); werr != nil {
		s.reg.remove(s)
		s.bound = false
		return fmt.Errorf("send range: %w", werr)
	}
	return nil
}

// -------------------------------------------------------------------------
// Operational Dispatch
// -------------------------------------------------------------------------

// dispatchServer handles frames from a session in server mode: correlated
// replies and the SWITCH marker. Anything else is a protocol violation.
func (s *Session) dispatchServer(op wire.Opcode, rest []byte) error {
	switch op {
	case wire.OpAnswer, wire.OpNotFound, wire.OpAllKeys:
		return s.reg.deliverAnswer(op, rest)
	case wire.OpSwitch:
		s.reg.switchMode(s)
		return nil
	default:
		return fmt.Errorf("opcode %v in server mode: %w", op, wire.ErrProtocolViolation)
	}
}

// dispatchClient handles frames from a session in client mode. Mutations
// are fanned out inline so one client's writes reach every peer in issue
// order; reads complete on their own goroutines so the session keeps
// accepting frames while a reply is pending.
func (s *Session) dispatchClient(ctx context.Context, op wire.Opcode, rest []byte) error {
	switch op {
	case wire.OpSet:
		key, value, err := wire.DecodeSet(rest)
		if err != nil {
			return err
		}
		s.reg.Set(key, value)
		return nil

	case wire.OpDel:
		s.reg.Delete(rest)
		return nil

	case wire.OpGet:
		rid, key, err := wire.SplitRID(rest)
		if err != nil {
			return err
		}
		s.wg.Add(1)
		go s.answerGet(ctx, rid, key)
		return nil

	case wire.OpGetKeys:
		rid, _, err := wire.SplitRID(rest)
		if err != nil {
			return err
		}
		s.wg.Add(1)
		go s.answerGetKeys(ctx, rid)
		return nil

	case wire.OpSwitch:
		s.reg.switchMode(s)
		return nil

	default:
		return fmt.Errorf("opcode %v in client mode: %w", op, wire.ErrProtocolViolation)
	}
}

// answerGet completes one inbound GET: it awaits the routed read and sends
// ANSWER or NOTFOUND back to the originator.
func (s *Session) answerGet(ctx context.Context, rid uint32, key []byte) {
	defer s.wg.Done()

	value, err := s.reg.Get(ctx, rid, key, s)
	switch {
	case err == nil:
		if werr := s.sendFrame(wire.EncodeAnswer(rid, value)); werr != nil {
			s.logger.Warn("write ANSWER failed", slog.String("error", werr.Error()))
		}
	case errors.Is(err, store.ErrKeyNotFound):
		if werr := s.sendFrame(wire.EncodeNotFound(rid)); werr != nil {
			s.logger.Warn("write NOTFOUND failed", slog.String("error", werr.Error()))
		}
	default:
		// Context cancelled: the session is going away, nothing to send.
	}
}

// answerGetKeys completes one inbound GETKEYS with an ALLKEYS reply.
func (s *Session) answerGetKeys(ctx context.Context, rid uint32) {
	defer s.wg.Done()

	keylist, err := s.reg.GetKeys(ctx, rid, s)
	if err != nil {
		return
	}
	if werr := s.sendFrame(wire.EncodeAllKeys(rid, keylist)); werr != nil {
		s.logger.Warn("write ALLKEYS failed", slog.String("error", werr.Error()))
	}
}

// -------------------------------------------------------------------------
// Teardown Helpers
// -------------------------------------------------------------------------

// abort tears the connection down without a graceful close. Protocol
// violations and framing errors end here.
func (s *Session) abort() {
	s.reg.mu.Lock()
	s.mode = wire.ModeError
	s.reg.mu.Unlock()
	if tc, ok := s.conn.(*net.TCPConn); ok {
		// Reset instead of FIN so the remote sees the failure promptly.
		_ = tc.SetLinger(0)
	}
	_ = s.conn.Close()
}

// sleepCtx sleeps for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
