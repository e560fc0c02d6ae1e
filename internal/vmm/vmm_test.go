package vmm

import (
	"errors"
	"testing"

	"github.com/vesperos/vesper/internal/hw"
	"github.com/vesperos/vesper/internal/log"
	"github.com/vesperos/vesper/internal/paging"
	"github.com/vesperos/vesper/internal/pmm"
	"github.com/vesperos/vesper/internal/slab"
)

func init() {
	log.LogLevel.Set(log.Error)
}

// testKernel is the fixture: a machine, a mapper drawing interior tables from a bump region, a
// buddy allocator for backing frames, and the kernel space with one image mapping in the upper
// half.
type testKernel struct {
	machine *hw.Machine
	mapper  *paging.Mapper
	frames  *pmm.Allocator
	vm      *Manager
	kernel  *Space
}

// newTestKernel sizes the buddy pool in frames.
func newTestKernel(t *testing.T, poolFrames uint64) *testKernel {
	t.Helper()

	m := hw.New(hw.Config{RAMBytes: 64 << 20})

	efer, _ := m.CPU.ReadMSR(hw.MSREFER)
	_ = m.CPU.WriteMSR(hw.MSREFER, efer|hw.EFERNXE)

	window := pmm.BusWindow{Mem: m.Mem}

	bump := paging.NewBumpRegion(m.Mem, 0x200000, 0x800000)
	mapper := paging.NewMapper(m.Mem, m.CPU, bump, nil)

	root, err := mapper.NewRoot()
	if err != nil {
		t.Fatalf("root: %v", err)
	}

	// Something kernel-shared in the upper half.
	if err := mapper.MapPage(root, paging.KernelBase, 0x100000, paging.ProtWrite|paging.ProtExec); err != nil {
		t.Fatalf("kernel map: %v", err)
	}

	frames := pmm.New(window, m.CPU, nil)
	if err := frames.Init(0x1000000, hw.PhysAddr(0x1000000+poolFrames*hw.PageSize), hw.PageSize); err != nil {
		t.Fatalf("pmm: %v", err)
	}

	slabs := slab.New(window, frames, m.CPU, nil)

	vm, err := New(mapper, frames, slabs, window, m.CPU, nil)
	if err != nil {
		t.Fatalf("vmm: %v", err)
	}

	kernel, err := vm.KernelInit(root)
	if err != nil {
		t.Fatalf("kernel init: %v", err)
	}

	return &testKernel{machine: m, mapper: mapper, frames: frames, vm: vm, kernel: kernel}
}

func TestAllocFree(tt *testing.T) {
	tt.Parallel()

	tt.Run("round trip leaves nothing", func(t *testing.T) {
		t.Parallel()

		tk := newTestKernel(t, 64)

		s, err := tk.vm.Create(0x400000, 0x800000)
		if err != nil {
			t.Fatalf("create: %v", err)
		}

		v, err := tk.vm.Alloc(s, 3*hw.PageSize, ProtWrite, 0)
		if err != nil {
			t.Fatalf("alloc: %v", err)
		}

		if v != 0x400000 {
			t.Errorf("first object want window base, got %s", v)
		}

		if _, err := tk.vm.GetPhysical(s, v+hw.PageSize); err != nil {
			t.Errorf("leaf missing: %v", err)
		}

		if err := tk.vm.Free(s, v); err != nil {
			t.Fatalf("free: %v", err)
		}

		for off := hw.VirtAddr(0); off < 3*hw.PageSize; off += hw.PageSize {
			if _, err := tk.vm.GetPhysical(s, v+off); err == nil {
				t.Errorf("leaf at %s survived free", v+off)
			}
		}

		if _, err := tk.vm.FindMappedObject(s, v); !errors.Is(err, ErrNotFound) {
			t.Errorf("object survived free: %v", err)
		}
	})

	tt.Run("objects stay sorted and disjoint", func(t *testing.T) {
		t.Parallel()

		tk := newTestKernel(t, 64)

		s, err := tk.vm.Create(0x400000, 0x800000)
		if err != nil {
			t.Fatalf("create: %v", err)
		}

		for i := 0; i < 5; i++ {
			if _, err := tk.vm.Alloc(s, hw.PageSize, ProtWrite, 0); err != nil {
				t.Fatalf("alloc %d: %v", i, err)
			}
		}

		// Free one in the middle and allocate two pages; the gap is too small, so the new
		// object must land after the rest.
		if err := tk.vm.Free(s, 0x402000); err != nil {
			t.Fatalf("free: %v", err)
		}

		if _, err := tk.vm.Alloc(s, 2*hw.PageSize, ProtWrite, 0); err != nil {
			t.Fatalf("alloc: %v", err)
		}

		objs, err := tk.vm.ObjectsOf(s)
		if err != nil {
			t.Fatalf("objects: %v", err)
		}

		for i := 1; i < len(objs); i++ {
			prev, cur := objs[i-1], objs[i]

			if prev.Base+hw.VirtAddr(prev.Length) > cur.Base {
				t.Errorf("objects overlap or out of order: %s then %s", prev, cur)
			}
		}

		for _, o := range objs {
			if o.Base.PageOffset() != 0 || o.Length%hw.PageSize != 0 {
				t.Errorf("object not page granular: %s", o)
			}
		}
	})

	tt.Run("pool exhaustion", func(t *testing.T) {
		t.Parallel()

		// Sixteen frames of backing plus the one the node slab takes.
		tk := newTestKernel(t, 17)

		s, err := tk.vm.Create(0x400000, 0x800000)
		if err != nil {
			t.Fatalf("create: %v", err)
		}

		for i := 0; i < 16; i++ {
			if _, err := tk.vm.Alloc(s, hw.PageSize, ProtWrite, 0); err != nil {
				t.Fatalf("alloc %d should fit the pool: %v", i, err)
			}
		}

		if _, err := tk.vm.Alloc(s, hw.PageSize, ProtWrite, 0); !errors.Is(err, ErrNoMemory) {
			t.Errorf("17th alloc want NoMemory, got %v", err)
		}
	})
}

func TestAllocAt(tt *testing.T) {
	tt.Parallel()

	tt.Run("misaligned", func(t *testing.T) {
		t.Parallel()

		tk := newTestKernel(t, 64)

		s, _ := tk.vm.Create(0x400000, 0x800000)

		err := tk.vm.AllocAt(s, 0x400800, hw.PageSize, ProtWrite, 0)
		if !errors.Is(err, ErrNotAligned) {
			t.Errorf("want NotAligned, got %v", err)
		}
	})

	tt.Run("overlap", func(t *testing.T) {
		t.Parallel()

		tk := newTestKernel(t, 64)

		s, _ := tk.vm.Create(0x400000, 0x800000)

		if err := tk.vm.AllocAt(s, 0x500000, 2*hw.PageSize, ProtWrite, 0); err != nil {
			t.Fatalf("alloc at: %v", err)
		}

		err := tk.vm.AllocAt(s, 0x501000, hw.PageSize, ProtWrite, 0)
		if !errors.Is(err, ErrAlreadyMapped) {
			t.Errorf("want AlreadyMapped, got %v", err)
		}
	})

	tt.Run("mmio round trip", func(t *testing.T) {
		t.Parallel()

		tk := newTestKernel(t, 64)

		s, _ := tk.vm.Create(0x400000, 0x800000)

		p := hw.PhysAddr(0x1800000)
		v := hw.VirtAddr(0x600000)

		if err := tk.vm.AllocAt(s, v, hw.PageSize, ProtMMIO|ProtWrite, p); err != nil {
			t.Fatalf("mmio map: %v", err)
		}

		got, err := tk.vm.GetPhysical(s, v)
		if err != nil {
			t.Fatalf("get physical: %v", err)
		}

		if got != p {
			t.Errorf("physical want %s, got %s", p, got)
		}

		if !tk.vm.CheckFlags(s, v, ProtWrite) {
			t.Errorf("write flag missing before protect")
		}

		if err := tk.vm.Protect(s, v, ProtNone); err != nil {
			t.Fatalf("protect: %v", err)
		}

		if tk.vm.CheckFlags(s, v, ProtWrite) {
			t.Errorf("write flag survived protect to none")
		}

		// An MMIO free must not push device frames into the buddy.
		before := tk.frames.FreeBytes()

		if err := tk.vm.Free(s, v); err != nil {
			t.Fatalf("free: %v", err)
		}

		if tk.frames.FreeBytes() != before {
			t.Errorf("mmio frame leaked into the allocator")
		}
	})
}

func TestResizeProtect(tt *testing.T) {
	tt.Parallel()

	tt.Run("shrink then grow", func(t *testing.T) {
		t.Parallel()

		tk := newTestKernel(t, 64)

		s, _ := tk.vm.Create(0x400000, 0x800000)

		v, err := tk.vm.Alloc(s, 4*hw.PageSize, ProtWrite, 0)
		if err != nil {
			t.Fatalf("alloc: %v", err)
		}

		if err := tk.vm.Resize(s, v, 2*hw.PageSize); err != nil {
			t.Fatalf("shrink: %v", err)
		}

		if _, err := tk.vm.GetPhysical(s, v+3*hw.PageSize); err == nil {
			t.Errorf("trailing leaf survived shrink")
		}

		if err := tk.vm.Resize(s, v, 3*hw.PageSize); err != nil {
			t.Fatalf("grow: %v", err)
		}

		if _, err := tk.vm.GetPhysical(s, v+2*hw.PageSize); err != nil {
			t.Errorf("grown leaf missing: %v", err)
		}

		obj, err := tk.vm.FindMappedObject(s, v)
		if err != nil {
			t.Fatalf("find: %v", err)
		}

		if obj.Length != 3*hw.PageSize {
			t.Errorf("length want %#x, got %#x", 3*hw.PageSize, obj.Length)
		}
	})

	tt.Run("grow into neighbor fails", func(t *testing.T) {
		t.Parallel()

		tk := newTestKernel(t, 64)

		s, _ := tk.vm.Create(0x400000, 0x800000)

		v, err := tk.vm.Alloc(s, hw.PageSize, ProtWrite, 0)
		if err != nil {
			t.Fatalf("alloc: %v", err)
		}

		if _, err := tk.vm.Alloc(s, hw.PageSize, ProtWrite, 0); err != nil {
			t.Fatalf("alloc: %v", err)
		}

		if err := tk.vm.Resize(s, v, 2*hw.PageSize); !errors.Is(err, ErrOOM) {
			t.Errorf("want OOM growing into neighbor, got %v", err)
		}
	})

	tt.Run("grow past window fails", func(t *testing.T) {
		t.Parallel()

		tk := newTestKernel(t, 64)

		s, _ := tk.vm.Create(0x400000, 0x402000)

		v, err := tk.vm.Alloc(s, 2*hw.PageSize, ProtWrite, 0)
		if err != nil {
			t.Fatalf("alloc: %v", err)
		}

		if err := tk.vm.Resize(s, v, 3*hw.PageSize); !errors.Is(err, ErrOOM) {
			t.Errorf("want OOM past window end, got %v", err)
		}
	})

	tt.Run("protect every leaf", func(t *testing.T) {
		t.Parallel()

		tk := newTestKernel(t, 64)

		s, _ := tk.vm.Create(0x400000, 0x800000)

		v, err := tk.vm.Alloc(s, 3*hw.PageSize, ProtWrite, 0)
		if err != nil {
			t.Fatalf("alloc: %v", err)
		}

		if err := tk.vm.Protect(s, v, ProtWrite|ProtUser); err != nil {
			t.Fatalf("protect: %v", err)
		}

		for off := hw.VirtAddr(0); off < 3*hw.PageSize; off += hw.PageSize {
			if !tk.vm.CheckFlags(s, v+off, ProtWrite|ProtUser) {
				t.Errorf("leaf %s missing new flags", v+off)
			}
		}
	})
}

func TestDestroy(tt *testing.T) {
	tt.Parallel()

	tt.Run("cascade frees everything", func(t *testing.T) {
		t.Parallel()

		tk := newTestKernel(t, 128)

		// Warm the node slab so its retained page is part of the baseline.
		warm, _ := tk.vm.Create(0x400000, 0x800000)

		if _, err := tk.vm.Alloc(warm, hw.PageSize, ProtWrite, 0); err != nil {
			t.Fatalf("warm alloc: %v", err)
		}

		if err := tk.vm.Destroy(warm); err != nil {
			t.Fatalf("warm destroy: %v", err)
		}

		baseline := tk.frames.FreeBytes()

		s, err := tk.vm.Create(0x400000, 0x800000)
		if err != nil {
			t.Fatalf("create: %v", err)
		}

		for i := 0; i < 6; i++ {
			if _, err := tk.vm.Alloc(s, 2*hw.PageSize, ProtWrite, 0); err != nil {
				t.Fatalf("alloc %d: %v", i, err)
			}
		}

		if err := tk.vm.Destroy(s); err != nil {
			t.Fatalf("destroy: %v", err)
		}

		if got := tk.frames.FreeBytes(); got != baseline {
			t.Errorf("destroy leaked: baseline %#x, now %#x", baseline, got)
		}

		if err := tk.frames.VerifyIntegrity(); err != nil {
			t.Errorf("pmm integrity after cascade: %v", err)
		}
	})

	tt.Run("kernel mappings survive", func(t *testing.T) {
		t.Parallel()

		tk := newTestKernel(t, 64)

		s, err := tk.vm.Create(0x400000, 0x800000)
		if err != nil {
			t.Fatalf("create: %v", err)
		}

		// The new space sees the kernel's upper half.
		if _, err := tk.vm.GetPhysical(s, paging.KernelBase); err != nil {
			t.Fatalf("shared kernel mapping missing: %v", err)
		}

		if _, err := tk.vm.Alloc(s, hw.PageSize, ProtWrite|ProtUser, 0); err != nil {
			t.Fatalf("alloc: %v", err)
		}

		if err := tk.vm.Destroy(s); err != nil {
			t.Fatalf("destroy: %v", err)
		}

		// The kernel space still translates its own mapping.
		pa, err := tk.vm.GetPhysical(tk.kernel, paging.KernelBase)
		if err != nil {
			t.Fatalf("kernel mapping lost in cascade: %v", err)
		}

		if pa != 0x100000 {
			t.Errorf("kernel mapping moved: %s", pa)
		}
	})

	tt.Run("kernel space refused", func(t *testing.T) {
		t.Parallel()

		tk := newTestKernel(t, 64)

		if err := tk.vm.Destroy(tk.kernel); !errors.Is(err, ErrInvalid) {
			t.Errorf("want Invalid destroying kernel space, got %v", err)
		}
	})
}

func TestSwitch(tt *testing.T) {
	tt.Parallel()

	tk := newTestKernel(tt, 64)

	s, err := tk.vm.Create(0x400000, 0x800000)
	if err != nil {
		tt.Fatalf("create: %v", err)
	}

	tk.vm.Switch(s)

	if hw.PhysAddr(tk.machine.CPU.CR3()) != s.Root() {
		tt.Errorf("cr3 want %s, got %#x", s.Root(), tk.machine.CPU.CR3())
	}

	tk.vm.Switch(tk.kernel)

	if hw.PhysAddr(tk.machine.CPU.CR3()) != tk.kernel.Root() {
		tt.Errorf("cr3 want kernel root, got %#x", tk.machine.CPU.CR3())
	}
}
