package peer

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dantte-lp/gokvdb/internal/wire"
)

// This file implements the bulk resynchronization of a freshly reset peer.
//
// Sequence: clear the local store, send SWITCH (the router moves this
// session from servers to syncing and routes its requests like a client's),
// request the key listing, then pull every key with paced GETs. Replicated
// mutations keep arriving throughout; a SET or DEL for a key cancels that
// key's pending pull, and a pull answer for a key that any mutation has
// touched since is discarded, so the last write on the fan-out stream wins
// locally. When nothing remains queued or in flight, a second SWITCH
// restores the server role.

// resetState tracks one resynchronization in progress. The dispatch loop
// and the drain goroutine share it under its mutex.
type resetState struct {
	mu sync.Mutex

	// reqID is the dedicated random correlation id of the key-listing
	// request.
	reqID []byte

	// queue holds keys awaiting a pull, in listing order. queued mirrors
	// it for membership; a cancelled key leaves queued and is skipped
	// when popped.
	queue  [][]byte
	queued map[string]struct{}

	// pending maps in-flight pull request ids to their keys; byKey is
	// the reverse index used by cancellation.
	pending map[uint32]string
	byKey   map[string]uint32

	// touched records keys hit by a replicated mutation since the sync
	// began; answers for touched keys are stale and dropped.
	touched map[string]struct{}

	// claims counts keys handed to the drain loop but not yet recorded
	// in flight. A nonzero count keeps the sync from being declared
	// settled while a pull is about to be issued.
	claims int

	// listed flips when the key listing has been received; done flips
	// when the sync has finished.
	listed bool
	done   bool
}

func newResetState() (*resetState, error) {
	reqID := make([]byte, wire.RIDSize)
	if _, err := rand.Read(reqID); err != nil {
		return nil, fmt.Errorf("generate sync request id: %w", err)
	}
	return &resetState{
		reqID:   reqID,
		queued:  make(map[string]struct{}),
		pending: make(map[uint32]string),
		byKey:   make(map[string]uint32),
		touched: make(map[string]struct{}),
	}, nil
}

// enqueue records the keys to pull.
func (rs *resetState) enqueue(keys [][]byte) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	rs.listed = true
	rs.queue = keys
	for _, k := range keys {
		rs.queued[string(k)] = struct{}{}
	}
}

// next claims the next key still awaiting a pull. ok is false once the
// queue is exhausted. A claimed key must be handed to track or released
// with abandon.
func (rs *resetState) next() (key []byte, ok bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	for len(rs.queue) > 0 {
		key = rs.queue[0]
		rs.queue = rs.queue[1:]
		if _, still := rs.queued[string(key)]; still {
			rs.claims++
			return key, true
		}
		// Cancelled while waiting in the queue.
	}
	return nil, false
}

// track records an issued pull, releasing the claim from next.
func (rs *resetState) track(rid uint32, key []byte) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	k := string(key)
	rs.claims--
	delete(rs.queued, k)
	rs.pending[rid] = k
	rs.byKey[k] = rid
}

// abandon releases a claim whose pull could not be issued.
func (rs *resetState) abandon() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	rs.claims--
}

// cancel drops the key from the sync, whether queued or in flight, and
// marks it touched so a late answer is discarded.
func (rs *resetState) cancel(key []byte) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	k := string(key)
	rs.touched[k] = struct{}{}
	delete(rs.queued, k)
	if rid, inFlight := rs.byKey[k]; inFlight {
		delete(rs.byKey, k)
		delete(rs.pending, rid)
	}
}

// take resolves an answered pull. stale is true when a replicated mutation
// has touched the key since the sync began, or when the request id is not
// an outstanding pull at all (a pull cancelled in flight lands here).
func (rs *resetState) take(rid uint32) (key string, stale bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	key, ok := rs.pending[rid]
	if !ok {
		return "", true
	}
	delete(rs.pending, rid)
	delete(rs.byKey, key)
	if _, t := rs.touched[key]; t {
		return key, true
	}
	return key, false
}

// settled reports whether the sync has nothing queued or in flight.
func (rs *resetState) settled() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	return rs.listed && rs.claims == 0 && len(rs.pending) == 0 && len(rs.queued) == 0
}

// finish marks the sync done exactly once.
func (rs *resetState) finish() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.done {
		return false
	}
	rs.done = true
	return true
}

func (rs *resetState) active() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return !rs.done
}

// -------------------------------------------------------------------------
// Peer-Side Reset Driver
// -------------------------------------------------------------------------

func (p *Peer) resetActive() bool {
	return p.reset != nil && p.reset.active()
}

// startReset clears the store, switches into the client-facing role and
// requests the key listing under a dedicated random correlation id.
func (p *Peer) startReset() error {
	rs, err := newResetState()
	if err != nil {
		return err
	}
	p.reset = rs

	p.logger.Info("starting database reset")
	if err := p.store.Reset(); err != nil {
		return fmt.Errorf("reset store: %w", err)
	}

	if err := p.fw.WriteFrame(wire.EncodeSwitch()); err != nil {
		return fmt.Errorf("send switch: %w", err)
	}
	if err := p.fw.WriteFrame([]byte{byte(wire.OpGetKeys)}, rs.reqID); err != nil {
		return fmt.Errorf("request key listing: %w", err)
	}
	return nil
}

// handleAllKeys receives the key listing that starts the pull phase. A
// listing under any other correlation id is not ours and is ignored.
func (p *Peer) handleAllKeys(ctx context.Context, rest []byte) error {
	if !p.resetActive() {
		p.logger.Warn("ALLKEYS outside reset ignored")
		return nil
	}
	if len(rest) < wire.RIDSize || !bytes.Equal(rest[:wire.RIDSize], p.reset.reqID) {
		p.logger.Warn("ALLKEYS with unexpected request id ignored")
		return nil
	}

	keys, err := wire.DecodeKeyList(rest[wire.RIDSize:])
	if err != nil {
		return err
	}

	if len(keys) == 0 {
		p.logger.Info("key listing empty, sync complete")
		p.reset.enqueue(nil)
		return p.finishReset()
	}

	p.logger.Info("key listing received", slog.Int("keys", len(keys)))
	p.reset.enqueue(keys)

	p.wg.Add(1)
	go p.drain(ctx)
	return nil
}

// drain issues one pull per listed key, pausing after each batch to bound
// the in-flight load. Completion is usually detected on the answer path;
// the tail case where every remaining pull was cancelled by the fan-out
// stream is checked here.
func (p *Peer) drain(ctx context.Context) {
	defer p.wg.Done()

	issued := 0
	for {
		if ctx.Err() != nil {
			return
		}
		key, ok := p.reset.next()
		if !ok {
			break
		}

		rid, err := p.ids.Get()
		if err != nil {
			p.reset.abandon()
			p.logger.Error("sync pull aborted", slog.String("error", err.Error()))
			p.conn.Close()
			return
		}
		p.reset.track(rid, key)

		if werr := p.fw.WriteFrame(wire.EncodeGet(rid, key)); werr != nil {
			p.logger.Warn("sync pull write failed", slog.String("error", werr.Error()))
			return
		}

		issued++
		if issued%resetBatchSize == 0 {
			sleepCtx(ctx, p.cfg.ResetSleep)
		}
	}

	p.logger.Info("finished issuing sync pulls", slog.Int("issued", issued))
	if p.reset.settled() {
		if err := p.finishReset(); err != nil {
			p.logger.Warn("finish sync", slog.String("error", err.Error()))
		}
	}
}

// handleAnswer stores a pulled value unless the key has been superseded by
// the fan-out stream, then releases the request id for reuse.
func (p *Peer) handleAnswer(rest []byte) error {
	rid, value, err := wire.SplitRID(rest)
	if err != nil {
		return err
	}

	if !p.resetActive() {
		p.logger.Warn("ANSWER outside reset ignored", slog.Uint64("rid", uint64(rid)))
		return nil
	}
	p.ids.Release(rid)

	key, stale := p.reset.take(rid)
	if stale {
		p.logger.Debug("stale sync answer dropped", slog.Uint64("rid", uint64(rid)))
	} else {
		if serr := p.store.Set([]byte(key), value); serr != nil {
			return fmt.Errorf("store pulled value: %w", serr)
		}
	}

	return p.maybeFinishReset()
}

// handleNotFound resolves a pull whose key vanished from the collective
// before it could be read. Nothing is stored; the sync just moves on.
func (p *Peer) handleNotFound(rest []byte) error {
	rid, _, err := wire.SplitRID(rest)
	if err != nil {
		return err
	}

	if !p.resetActive() {
		p.logger.Warn("NOTFOUND outside reset ignored", slog.Uint64("rid", uint64(rid)))
		return nil
	}
	p.ids.Release(rid)
	p.reset.take(rid)

	return p.maybeFinishReset()
}

// maybeFinishReset completes the sync once nothing remains queued or in
// flight.
func (p *Peer) maybeFinishReset() error {
	if p.reset == nil || !p.reset.active() {
		return nil
	}
	if !p.reset.settled() {
		return nil
	}
	return p.finishReset()
}

// finishReset switches back into the server role and signals readiness.
func (p *Peer) finishReset() error {
	if !p.reset.finish() {
		return nil
	}
	p.logger.Info("sync complete, resuming server role")
	if err := p.fw.WriteFrame(wire.EncodeSwitch()); err != nil {
		return fmt.Errorf("send switch: %w", err)
	}
	p.signalReady()
	return nil
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
