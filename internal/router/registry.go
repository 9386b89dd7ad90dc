package router

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"

	"github.com/dantte-lp/gokvdb/internal/store"
	"github.com/dantte-lp/gokvdb/internal/wire"
)

// -------------------------------------------------------------------------
// Pending Calls
// -------------------------------------------------------------------------

// callKind distinguishes the two read operations that await a correlated
// reply.
type callKind uint8

const (
	callGet callKind = iota + 1
	callGetKeys
)

// callResult is the reply delivered to a pending call. op is ANSWER,
// NOTFOUND, or ALLKEYS; payload is the value or key-list bytes after the
// request id.
type callResult struct {
	op      wire.Opcode
	payload []byte
}

// call is one outstanding GET or GETKEYS. The first reply carrying its
// request id wins; later replies find no entry and are dropped.
type call struct {
	rid    uint32
	kind   callKind
	key    []byte   // pull key, kept for re-dispatch of GETs
	owner  *Session // originating session
	server *Session // peer currently asked
	done   chan callResult
}

// -------------------------------------------------------------------------
// Registry
// -------------------------------------------------------------------------

// Registry is the router's process-wide state: the live sessions grouped by
// role, the request-id range allocator, and the pending-call table.
//
// All four aggregates are guarded by one mutex, held for the duration of
// each lookup+mutation. Frame writes happen outside the lock on snapshots
// of the target sessions.
//
// Invariants:
//   - a session is in at most one of servers/syncing, and in all exactly
//     once while live;
//   - range starts are pairwise distinct across all;
//   - a request id in calls has exactly one pending originator.
type Registry struct {
	mu      sync.Mutex
	servers []*Session
	syncing []*Session
	all     map[*Session]struct{}
	calls   map[uint32]*call

	ranges   *RangeAllocator
	password []byte
	logger   *slog.Logger
	metrics  MetricsReporter
}

// NewRegistry creates an empty registry. password of zero length disables
// authentication.
func NewRegistry(password []byte, logger *slog.Logger, metrics MetricsReporter) *Registry {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Registry{
		all:      make(map[*Session]struct{}),
		calls:    make(map[uint32]*call),
		ranges:   NewRangeAllocator(0),
		password: password,
		logger:   logger.With(slog.String("component", "router.registry")),
		metrics:  metrics,
	}
}

// Servers returns the number of peers currently eligible to serve reads.
func (r *Registry) Servers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.servers)
}

// Syncing returns the number of peers currently resynchronizing.
func (r *Registry) Syncing() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.syncing)
}

// Sessions returns the number of live sessions of any role.
func (r *Registry) Sessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.all)
}

// PendingCalls returns the number of outstanding read correlations.
func (r *Registry) PendingCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// -------------------------------------------------------------------------
// Session Lifecycle
// -------------------------------------------------------------------------

// bind assigns a request-id range to a freshly handshaken session and adds
// it to the registry under the declared role.
func (r *Registry) bind(s *Session, mode wire.Mode) error {
	start, end, err := r.ranges.Allocate()
	if err != nil {
		return fmt.Errorf("bind session: %w", err)
	}

	r.mu.Lock()
	s.mode = mode
	s.rangeStart, s.rangeEnd = start, end
	if mode == wire.ModeServer {
		s.canSwitch = true
		r.servers = append(r.servers, s)
	}
	r.all[s] = struct{}{}
	r.mu.Unlock()

	r.metrics.SessionOpened(roleName(mode, mode == wire.ModeServer))
	r.logger.Info("session joined",
		slog.String("remote", s.remoteAddr()),
		slog.String("mode", mode.String()),
		slog.Uint64("range_start", start),
		slog.Uint64("range_end", end),
	)
	return nil
}

// remove drops a session from every set on connection loss and settles the
// pending calls it was involved in: calls it originated are discarded,
// reads it was asked to answer are re-dispatched to another peer when one
// exists and completed NotFound otherwise.
func (r *Registry) remove(s *Session) {
	r.mu.Lock()

	if _, live := r.all[s]; !live {
		r.mu.Unlock()
		return
	}
	delete(r.all, s)
	r.servers = deleteSession(r.servers, s)
	r.syncing = deleteSession(r.syncing, s)
	r.ranges.Release(s.rangeStart)
	role := roleName(s.mode, s.canSwitch)

	type redispatched struct {
		c      *call
		target *Session
	}
	var moves []redispatched
	var orphaned []*call
	for rid, c := range r.calls {
		switch {
		case c.owner == s:
			// Originator gone: nobody is waiting for this reply.
			delete(r.calls, rid)
		case c.server == s:
			if t := r.pickServerLocked(); t != nil {
				c.server = t
				moves = append(moves, redispatched{c: c, target: t})
			} else {
				delete(r.calls, rid)
				orphaned = append(orphaned, c)
			}
		}
	}
	r.mu.Unlock()

	r.metrics.SessionClosed(role)
	r.logger.Info("session left",
		slog.String("remote", s.remoteAddr()),
		slog.String("role", role),
		slog.Int("redispatched", len(moves)),
		slog.Int("orphaned", len(orphaned)),
	)

	for _, m := range moves {
		r.metrics.ReadRedispatched()
		r.resend(m.c, m.target)
	}
	for _, c := range orphaned {
		c.done <- callResult{op: wire.OpNotFound}
	}
}

// resend re-issues a pending call to its newly chosen peer.
func (r *Registry) resend(c *call, target *Session) {
	var err error
	switch c.kind {
	case callGet:
		err = target.sendFrame(wire.EncodeGet(c.rid, c.key))
	case callGetKeys:
		err = target.sendFrame(wire.EncodeGetKeys(c.rid))
	}
	if err != nil {
		// The replacement peer is dying too; its removal will settle
		// the call again.
		r.logger.Warn("re-dispatch write failed",
			slog.String("remote", target.remoteAddr()),
			slog.String("error", err.Error()),
		)
	}
}

// switchMode flips a server-capable session between the server and syncing
// roles. Sessions that joined as clients cannot switch; the frame is
// ignored for them.
func (r *Registry) switchMode(s *Session) {
	r.mu.Lock()
	if !s.canSwitch {
		r.mu.Unlock()
		return
	}

	var from, to string
	switch s.mode {
	case wire.ModeServer:
		r.servers = deleteSession(r.servers, s)
		if !slices.Contains(r.syncing, s) {
			r.syncing = append(r.syncing, s)
		}
		s.mode = wire.ModeClient
		from, to = "server", "syncing"
	case wire.ModeClient:
		r.syncing = deleteSession(r.syncing, s)
		if !slices.Contains(r.servers, s) {
			r.servers = append(r.servers, s)
		}
		s.mode = wire.ModeServer
		from, to = "syncing", "server"
	default:
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	r.metrics.SessionSwitched(from, to)
	r.logger.Info("session switched role",
		slog.String("remote", s.remoteAddr()),
		slog.String("from", from),
		slog.String("to", to),
	)
}

// -------------------------------------------------------------------------
// Router Operations
// -------------------------------------------------------------------------

// Set fans a SET out to every peer in servers and syncing. No reply is
// expected.
func (r *Registry) Set(key, value []byte) {
	targets := r.fanoutTargets()
	frame := wire.EncodeSet(key, value)
	for _, s := range targets {
		if err := s.sendFrame(frame); err != nil {
			r.logger.Warn("fan-out SET write failed",
				slog.String("remote", s.remoteAddr()),
				slog.String("error", err.Error()),
			)
		}
	}
	r.metrics.FanOut(wire.OpSet.String(), len(targets))
}

// Delete fans a DEL out to every peer in servers and syncing.
func (r *Registry) Delete(key []byte) {
	targets := r.fanoutTargets()
	frame := wire.EncodeDel(key)
	for _, s := range targets {
		if err := s.sendFrame(frame); err != nil {
			r.logger.Warn("fan-out DEL write failed",
				slog.String("remote", s.remoteAddr()),
				slog.String("error", err.Error()),
			)
		}
	}
	r.metrics.FanOut(wire.OpDel.String(), len(targets))
}

// Get asks one uniformly chosen peer for the value of key and blocks until
// the correlated reply arrives or ctx is cancelled. With no peers eligible
// it completes immediately with store.ErrKeyNotFound.
//
// rid is the originator's request id; ranges are disjoint so it keys the
// pending-call table directly.
func (r *Registry) Get(ctx context.Context, rid uint32, key []byte, owner *Session) ([]byte, error) {
	c := &call{
		rid:   rid,
		kind:  callGet,
		key:   key,
		owner: owner,
		done:  make(chan callResult, 1),
	}

	r.mu.Lock()
	srv := r.pickServerLocked()
	if srv == nil {
		r.mu.Unlock()
		return nil, store.ErrKeyNotFound
	}
	c.server = srv
	r.calls[rid] = c
	r.mu.Unlock()

	r.metrics.ReadDispatched(wire.OpGet.String())
	if err := srv.sendFrame(wire.EncodeGet(rid, key)); err != nil {
		r.logger.Warn("GET dispatch write failed",
			slog.String("remote", srv.remoteAddr()),
			slog.String("error", err.Error()),
		)
		// The peer's read loop is about to tear it down; remove() will
		// re-dispatch or orphan this call.
	}

	select {
	case res := <-c.done:
		if res.op == wire.OpAnswer {
			return res.payload, nil
		}
		return nil, store.ErrKeyNotFound
	case <-ctx.Done():
		r.dropCall(rid)
		return nil, ctx.Err()
	}
}

// GetKeys asks one uniformly chosen peer for the full key listing and
// returns the raw key-list bytes. With no peers eligible it synthesizes an
// empty listing inline, which is not an error.
func (r *Registry) GetKeys(ctx context.Context, rid uint32, owner *Session) ([]byte, error) {
	c := &call{
		rid:   rid,
		kind:  callGetKeys,
		owner: owner,
		done:  make(chan callResult, 1),
	}

	r.mu.Lock()
	srv := r.pickServerLocked()
	if srv == nil {
		r.mu.Unlock()
		return wire.EncodeKeyList(nil), nil
	}
	c.server = srv
	r.calls[rid] = c
	r.mu.Unlock()

	r.metrics.ReadDispatched(wire.OpGetKeys.String())
	if err := srv.sendFrame(wire.EncodeGetKeys(rid)); err != nil {
		r.logger.Warn("GETKEYS dispatch write failed",
			slog.String("remote", srv.remoteAddr()),
			slog.String("error", err.Error()),
		)
	}

	select {
	case res := <-c.done:
		if res.op == wire.OpAllKeys {
			return res.payload, nil
		}
		// The asked peers all vanished; report what a collective with
		// no members knows.
		return wire.EncodeKeyList(nil), nil
	case <-ctx.Done():
		r.dropCall(rid)
		return nil, ctx.Err()
	}
}

// deliverAnswer routes a reply frame from a peer to its pending call.
// Replies whose request id has no pending call are dropped: the call was
// answered by an earlier reply or its originator is gone.
func (r *Registry) deliverAnswer(op wire.Opcode, payload []byte) error {
	rid, rest, err := wire.SplitRID(payload)
	if err != nil {
		return fmt.Errorf("%v reply: %w", op, err)
	}

	r.mu.Lock()
	c, ok := r.calls[rid]
	if ok {
		delete(r.calls, rid)
	}
	r.mu.Unlock()

	if !ok {
		r.metrics.AnswerDropped()
		r.logger.Debug("reply for unknown request id dropped",
			slog.String("op", op.String()),
			slog.Uint64("rid", uint64(rid)),
		)
		return nil
	}

	r.metrics.AnswerDelivered()
	c.done <- callResult{op: op, payload: rest}
	return nil
}

// dropCall removes a pending call whose originator stopped waiting.
func (r *Registry) dropCall(rid uint32) {
	r.mu.Lock()
	delete(r.calls, rid)
	r.mu.Unlock()
}

// -------------------------------------------------------------------------
// Helpers
// -------------------------------------------------------------------------

// pickServerLocked returns a uniformly random eligible peer, or nil.
// Callers hold r.mu.
func (r *Registry) pickServerLocked() *Session {
	if len(r.servers) == 0 {
		return nil
	}
	return r.servers[rand.IntN(len(r.servers))]
}

// fanoutTargets snapshots servers ∪ syncing.
func (r *Registry) fanoutTargets() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	targets := make([]*Session, 0, len(r.servers)+len(r.syncing))
	targets = append(targets, r.servers...)
	return append(targets, r.syncing...)
}

// deleteSession removes s from list, preserving order.
func deleteSession(list []*Session, s *Session) []*Session {
	if i := slices.Index(list, s); i >= 0 {
		return slices.Delete(list, i, i+1)
	}
	return list
}

// roleName maps a session's mode to its metrics label.
func roleName(mode wire.Mode, canSwitch bool) string {
	if mode == wire.ModeServer {
		return "server"
	}
	if canSwitch {
		return "syncing"
	}
	return "client"
}
