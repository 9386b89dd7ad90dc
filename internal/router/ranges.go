// Package router implements the central routing process: it accepts both
// database peers and clients, fans mutations out to every replica, and
// dispatches reads to a single peer with request-id correlation.
package router

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dantte-lp/gokvdb/internal/wire"
)

// ErrRangeSpaceExhausted indicates no free request-id range remains in the
// 32-bit space. With the default range size this allows 4096 concurrent
// sessions; running out means something is leaking connections.
var ErrRangeSpaceExhausted = errors.New("request id range space exhausted")

// ridSpace is the size of the request-id space ranges are carved from.
const ridSpace = uint64(1) << 32

// RangeAllocator hands out disjoint request-id ranges to sessions. Each
// range is [k*size, (k+1)*size) for the lowest k whose start is not held
// by a live session. Membership is a set lookup rather than a scan over
// the session list, so allocation cost does not grow with the number of
// idle ranges between live ones.
//
// Ranges are returned with Release when a session disconnects and its
// start becomes free again. Disjointness is what lets the router key
// pending calls by the bare request-id integer.
type RangeAllocator struct {
	mu        sync.Mutex
	size      uint64
	allocated map[uint64]struct{}
}

// NewRangeAllocator creates an allocator carving ranges of the given size.
// A size of 0 uses wire.RangeSize.
func NewRangeAllocator(size uint64) *RangeAllocator {
	if size == 0 {
		size = wire.RangeSize
	}
	return &RangeAllocator{
		size:      size,
		allocated: make(map[uint64]struct{}),
	}
}

// Allocate returns the lowest free range [start, end).
func (a *RangeAllocator) Allocate() (start, end uint64, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for s := uint64(0); s+a.size <= ridSpace; s += a.size {
		if _, held := a.allocated[s]; held {
			continue
		}
		a.allocated[s] = struct{}{}
		return s, s + a.size, nil
	}
	return 0, 0, fmt.Errorf("allocate range of %d: %w", a.size, ErrRangeSpaceExhausted)
}

// Release frees the range starting at start for reuse. Releasing a start
// that is not allocated is a no-op.
func (a *RangeAllocator) Release(start uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.allocated, start)
}
