package wire_test

import (
	"errors"
	"testing"

	"github.com/dantte-lp/gokvdb/internal/wire"
)

func TestRIDAllocatorMonotonic(t *testing.T) {
	t.Parallel()

	a := wire.NewRIDAllocator(100, 200)
	for want := uint32(100); want < 110; want++ {
		rid, err := a.Get()
		if err != nil {
			t.Fatalf("Get() error: %v", err)
		}
		if rid != want {
			t.Errorf("Get() = %d, want %d", rid, want)
		}
	}
}

func TestRIDAllocatorReuse(t *testing.T) {
	t.Parallel()

	a := wire.NewRIDAllocator(0, 10)
	first, err := a.Get()
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}

	a.Release(first)

	got, err := a.Get()
	if err != nil {
		t.Fatalf("Get() after Release error: %v", err)
	}
	if got != first {
		t.Errorf("Get() after Release = %d, want recycled %d", got, first)
	}
}

func TestRIDAllocatorExhaustion(t *testing.T) {
	t.Parallel()

	// Range [0, 3): ids 0 and 1 are usable, the cursor refuses to reach 2.
	a := wire.NewRIDAllocator(0, 3)
	for range 2 {
		if _, err := a.Get(); err != nil {
			t.Fatalf("Get() error: %v", err)
		}
	}

	if _, err := a.Get(); !errors.Is(err, wire.ErrRangeExhausted) {
		t.Errorf("Get() on spent range error = %v, want ErrRangeExhausted", err)
	}

	// Releasing an id makes the allocator usable again.
	a.Release(1)
	rid, err := a.Get()
	if err != nil {
		t.Fatalf("Get() after Release error: %v", err)
	}
	if rid != 1 {
		t.Errorf("Get() = %d, want 1", rid)
	}
}

func TestRIDAllocatorRangeBounds(t *testing.T) {
	t.Parallel()

	start, end := uint64(wire.RangeSize), uint64(2*wire.RangeSize)
	a := wire.NewRIDAllocator(start, end)

	for range 1000 {
		rid, err := a.Get()
		if err != nil {
			t.Fatalf("Get() error: %v", err)
		}
		if uint64(rid) < start || uint64(rid) >= end {
			t.Fatalf("Get() = %d outside [%d, %d)", rid, start, end)
		}
	}
}
