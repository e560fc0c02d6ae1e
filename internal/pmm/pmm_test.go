package pmm

import (
	"errors"
	"testing"

	"github.com/vesperos/vesper/internal/hw"
	"github.com/vesperos/vesper/internal/log"
)

func init() {
	log.LogLevel.Set(log.Error)
}

const (
	testBase hw.PhysAddr = 0x100000
	testEnd  hw.PhysAddr = 0x200000
	minBlock uint64      = 0x1000
)

func testAllocator(t *testing.T) *Allocator {
	t.Helper()

	m := hw.New(hw.Config{RAMBytes: 8 << 20})
	a := New(BusWindow{Mem: m.Mem}, m.CPU, nil)

	if err := a.Init(testBase, testEnd, minBlock); err != nil {
		t.Fatalf("init: %v", err)
	}

	return a
}

func TestAllocSequence(tt *testing.T) {
	tt.Parallel()

	tt.Run("first fit addresses", func(t *testing.T) {
		t.Parallel()

		a := testAllocator(t)

		p1, err := a.Alloc(0x1000)
		if err != nil {
			t.Fatalf("alloc: %v", err)
		}

		if p1 != 0x100000 {
			t.Errorf("first page want %#x, got %s", 0x100000, p1)
		}

		p2, err := a.Alloc(0x2000)
		if err != nil {
			t.Fatalf("alloc: %v", err)
		}

		if p2 != 0x102000 {
			t.Errorf("order-1 block want %#x, got %s", 0x102000, p2)
		}

		// Freeing both coalesces all the way back to a single block spanning the range.
		if err := a.Free(p2, 0x2000); err != nil {
			t.Fatalf("free: %v", err)
		}

		if err := a.Free(p1, 0x1000); err != nil {
			t.Fatalf("free: %v", err)
		}

		if err := a.VerifyIntegrity(); err != nil {
			t.Errorf("integrity: %v", err)
		}

		var blocks uint64
		for o := 0; o <= 8; o++ {
			blocks += a.FreeBlocks(o)
		}

		if blocks != 1 {
			t.Errorf("want 1 coalesced block, got %d", blocks)
		}

		if got := a.FreeBytes(); got != uint64(testEnd-testBase) {
			t.Errorf("free bytes want %#x, got %#x", uint64(testEnd-testBase), got)
		}

		if top := a.FreeBlocks(8); top != 1 {
			t.Errorf("top order want 1 block, got %d", top)
		}
	})

	tt.Run("same size returns same address", func(t *testing.T) {
		t.Parallel()

		a := testAllocator(t)

		p1, err := a.Alloc(0x4000)
		if err != nil {
			t.Fatalf("alloc: %v", err)
		}

		if err := a.Free(p1, 0x4000); err != nil {
			t.Fatalf("free: %v", err)
		}

		p2, err := a.Alloc(0x4000)
		if err != nil {
			t.Fatalf("alloc: %v", err)
		}

		if p1 != p2 {
			t.Errorf("want %s again, got %s", p1, p2)
		}
	})

	tt.Run("full span", func(t *testing.T) {
		t.Parallel()

		a := testAllocator(t)

		p, err := a.Alloc(uint64(testEnd - testBase))
		if err != nil {
			t.Fatalf("alloc full span: %v", err)
		}

		if p != testBase {
			t.Errorf("want managed base %s, got %s", testBase, p)
		}

		if _, err := a.Alloc(minBlock); !errors.Is(err, ErrOOM) {
			t.Errorf("want OOM, got %v", err)
		}
	})
}

func TestAllocProperties(tt *testing.T) {
	tt.Parallel()

	tt.Run("alignment and disjointness", func(t *testing.T) {
		t.Parallel()

		a := testAllocator(t)

		sizes := []uint64{0x1000, 0x3000, 0x2000, 0x1000, 0x8000, 0x5000}

		type alloc struct {
			addr hw.PhysAddr
			size uint64
		}

		var live []alloc

		for _, size := range sizes {
			p, err := a.Alloc(size)
			if err != nil {
				t.Fatalf("alloc %#x: %v", size, err)
			}

			rounded := roundUp(size, minBlock)
			order := a.orderFor(size)

			if uint64(p-testBase)%a.orderSize(order) != 0 {
				t.Errorf("addr %s not aligned for order %d", p, order)
			}

			if p < testBase || p+hw.PhysAddr(rounded) > testEnd {
				t.Errorf("addr %s outside managed range", p)
			}

			for _, other := range live {
				os := roundUp(other.size, minBlock)
				if p < other.addr+hw.PhysAddr(os) && other.addr < p+hw.PhysAddr(rounded) {
					t.Errorf("overlap: %s+%#x with %s+%#x", p, rounded, other.addr, os)
				}
			}

			live = append(live, alloc{p, size})
		}

		// No-leak: live + free accounts for the whole range.
		var liveBytes uint64
		for _, l := range live {
			liveBytes += a.orderSize(a.orderFor(l.size))
		}

		if got := liveBytes + a.FreeBytes(); got != uint64(testEnd-testBase) {
			t.Errorf("leak: live %#x + free %#x != %#x",
				liveBytes, a.FreeBytes(), uint64(testEnd-testBase))
		}

		for _, l := range live {
			if err := a.Free(l.addr, l.size); err != nil {
				t.Errorf("free %s: %v", l.addr, err)
			}

			if err := a.VerifyIntegrity(); err != nil {
				t.Errorf("integrity after free: %v", err)
			}
		}

		if a.FreeBytes() != uint64(testEnd-testBase) {
			t.Errorf("not everything came back: %#x", a.FreeBytes())
		}
	})

	tt.Run("free then alloc restores count", func(t *testing.T) {
		t.Parallel()

		a := testAllocator(t)

		p, err := a.Alloc(0x4000)
		if err != nil {
			t.Fatalf("alloc: %v", err)
		}

		if err := a.Free(p, 0x4000); err != nil {
			t.Fatalf("free: %v", err)
		}

		// The round trip may have coalesced upward; the byte total is the invariant.
		if a.FreeBytes() != uint64(testEnd-testBase) {
			t.Errorf("free bytes changed: %#x", a.FreeBytes())
		}
	})
}

func TestErrors(tt *testing.T) {
	tt.Parallel()

	tt.Run("not initialized", func(t *testing.T) {
		t.Parallel()

		m := hw.New(hw.Config{RAMBytes: 8 << 20})
		a := New(BusWindow{Mem: m.Mem}, m.CPU, nil)

		if _, err := a.Alloc(0x1000); !errors.Is(err, ErrNotInit) {
			t.Errorf("alloc want NotInit, got %v", err)
		}

		if err := a.Free(testBase, 0x1000); !errors.Is(err, ErrNotInit) {
			t.Errorf("free want NotInit, got %v", err)
		}
	})

	tt.Run("double init", func(t *testing.T) {
		t.Parallel()

		a := testAllocator(t)

		if err := a.Init(testBase, testEnd, minBlock); !errors.Is(err, ErrAlreadyInit) {
			t.Errorf("want AlreadyInit, got %v", err)
		}
	})

	tt.Run("zero size", func(t *testing.T) {
		t.Parallel()

		a := testAllocator(t)

		if _, err := a.Alloc(0); !errors.Is(err, ErrInvalid) {
			t.Errorf("want Invalid, got %v", err)
		}
	})

	tt.Run("free out of range", func(t *testing.T) {
		t.Parallel()

		a := testAllocator(t)

		if err := a.Free(0x50000, 0x1000); !errors.Is(err, ErrOutOfRange) {
			t.Errorf("want OutOfRange, got %v", err)
		}
	})

	tt.Run("free misaligned", func(t *testing.T) {
		t.Parallel()

		a := testAllocator(t)

		if _, err := a.Alloc(0x2000); err != nil {
			t.Fatalf("alloc: %v", err)
		}

		// 0x101000 is order-0 aligned but not order-1 aligned.
		if err := a.Free(0x101000, 0x2000); !errors.Is(err, ErrNotAligned) {
			t.Errorf("want NotAligned, got %v", err)
		}
	})

	tt.Run("bad min block", func(t *testing.T) {
		t.Parallel()

		m := hw.New(hw.Config{RAMBytes: 8 << 20})
		a := New(BusWindow{Mem: m.Mem}, m.CPU, nil)

		if err := a.Init(testBase, testEnd, 24); !errors.Is(err, ErrInvalid) {
			t.Errorf("want Invalid for non-power-of-two, got %v", err)
		}

		if err := a.Init(testBase, testEnd, 4); !errors.Is(err, ErrInvalid) {
			t.Errorf("want Invalid for tiny block, got %v", err)
		}
	})
}

func TestMarkReserved(tt *testing.T) {
	tt.Parallel()

	tt.Run("carves a hole", func(t *testing.T) {
		t.Parallel()

		a := testAllocator(t)

		if err := a.MarkReserved(0x140000, 0x150000); err != nil {
			t.Fatalf("reserve: %v", err)
		}

		if err := a.VerifyIntegrity(); err != nil {
			t.Errorf("integrity: %v", err)
		}

		want := uint64(testEnd-testBase) - 0x10000
		if got := a.FreeBytes(); got != want {
			t.Errorf("free bytes want %#x, got %#x", want, got)
		}

		// Nothing allocated may land inside the hole.
		for {
			p, err := a.Alloc(0x1000)
			if errors.Is(err, ErrOOM) {
				break
			}

			if err != nil {
				t.Fatalf("alloc: %v", err)
			}

			if p >= 0x140000 && p < 0x150000 {
				t.Errorf("allocation %s inside reserved hole", p)
			}
		}
	})

	tt.Run("mark free returns it", func(t *testing.T) {
		t.Parallel()

		a := testAllocator(t)

		if err := a.MarkReserved(0x140000, 0x150000); err != nil {
			t.Fatalf("reserve: %v", err)
		}

		if err := a.MarkFree(0x140000, 0x150000); err != nil {
			t.Fatalf("mark free: %v", err)
		}

		if got := a.FreeBytes(); got != uint64(testEnd-testBase) {
			t.Errorf("free bytes want full range, got %#x", got)
		}

		if err := a.VerifyIntegrity(); err != nil {
			t.Errorf("integrity: %v", err)
		}
	})
}

func TestStats(tt *testing.T) {
	tt.Parallel()

	a := testAllocator(tt)

	p, err := a.Alloc(0x1000)
	if err != nil {
		tt.Fatalf("alloc: %v", err)
	}

	if err := a.Free(p, 0x1000); err != nil {
		tt.Fatalf("free: %v", err)
	}

	s := a.Stats()

	if s.Allocations != 1 || s.Frees != 1 {
		tt.Errorf("counts want 1/1, got %d/%d", s.Allocations, s.Frees)
	}

	if s.Coalesces == 0 {
		tt.Errorf("free of a split block should coalesce")
	}

	if s.Corruptions != 0 {
		tt.Errorf("unexpected corruption count %d", s.Corruptions)
	}
}
