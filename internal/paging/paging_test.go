package paging

import (
	"errors"
	"testing"

	"github.com/vesperos/vesper/internal/hw"
	"github.com/vesperos/vesper/internal/log"
)

func init() {
	log.LogLevel.Set(log.Error)
}

// testMapper builds a mapper over a bump region in the middle of RAM, with NX enabled the way
// bring-up leaves it.
func testMapper(t *testing.T) (*hw.Machine, *Mapper, hw.PhysAddr) {
	t.Helper()

	m := hw.New(hw.Config{RAMBytes: 32 << 20})

	efer, _ := m.CPU.ReadMSR(hw.MSREFER)
	_ = m.CPU.WriteMSR(hw.MSREFER, efer|hw.EFERNXE)

	bump := NewBumpRegion(m.Mem, 0x200000, 0x600000)
	mapper := NewMapper(m.Mem, m.CPU, bump, nil)

	root, err := mapper.NewRoot()
	if err != nil {
		t.Fatalf("new root: %v", err)
	}

	return m, mapper, root
}

func TestMapTranslate(tt *testing.T) {
	tt.Parallel()

	tt.Run("single page round trip", func(t *testing.T) {
		t.Parallel()

		_, m, root := testMapper(t)

		v := hw.VirtAddr(0x700000)
		p := hw.PhysAddr(0x800000)

		if err := m.MapPage(root, v, p, ProtWrite); err != nil {
			t.Fatalf("map: %v", err)
		}

		got, err := m.Translate(root, v+0x123)
		if err != nil {
			t.Fatalf("translate: %v", err)
		}

		if got != p+0x123 {
			t.Errorf("translate want %s, got %s", p+0x123, got)
		}

		if err := m.UnmapPage(root, v); err != nil {
			t.Fatalf("unmap: %v", err)
		}

		if _, err := m.Translate(root, v); !errors.Is(err, ErrNotMapped) {
			t.Errorf("want NotMapped after unmap, got %v", err)
		}
	})

	tt.Run("double map refused", func(t *testing.T) {
		t.Parallel()

		_, m, root := testMapper(t)

		v := hw.VirtAddr(0x700000)

		if err := m.MapPage(root, v, 0x800000, ProtWrite); err != nil {
			t.Fatalf("map: %v", err)
		}

		if err := m.MapPage(root, v, 0x801000, ProtWrite); !errors.Is(err, ErrMapped) {
			t.Errorf("want Mapped, got %v", err)
		}
	})

	tt.Run("flag translation", func(t *testing.T) {
		t.Parallel()

		_, m, root := testMapper(t)

		cases := []struct {
			name string
			prot Prot
		}{
			{"write", ProtWrite},
			{"exec", ProtExec},
			{"user", ProtWrite | ProtUser},
			{"mmio", ProtMMIO | ProtWrite},
			{"none", ProtNone},
		}

		for i, tc := range cases {
			v := hw.VirtAddr(0x700000 + i*hw.PageSize)

			if err := m.MapPage(root, v, hw.PhysAddr(0x800000+i*hw.PageSize), tc.prot); err != nil {
				t.Fatalf("%s: map: %v", tc.name, err)
			}

			got, err := m.LeafProt(root, v)
			if err != nil {
				t.Fatalf("%s: leaf prot: %v", tc.name, err)
			}

			if got != tc.prot {
				t.Errorf("%s: want %s, got %s", tc.name, tc.prot, got)
			}
		}
	})

	tt.Run("protect rewrites leaf", func(t *testing.T) {
		t.Parallel()

		_, m, root := testMapper(t)

		v := hw.VirtAddr(0x700000)

		if err := m.MapPage(root, v, 0x800000, ProtWrite); err != nil {
			t.Fatalf("map: %v", err)
		}

		if err := m.Protect(root, v, ProtNone); err != nil {
			t.Fatalf("protect: %v", err)
		}

		got, err := m.LeafProt(root, v)
		if err != nil {
			t.Fatalf("leaf prot: %v", err)
		}

		if got&ProtWrite != 0 {
			t.Errorf("write survived protect: %s", got)
		}

		inval, _ := m.Stats()
		if inval == 0 {
			t.Errorf("protect must invalidate the TLB entry")
		}
	})
}

func TestTableLifecycle(tt *testing.T) {
	tt.Parallel()

	tt.Run("interior tables freed at zero", func(t *testing.T) {
		t.Parallel()

		_, m, root := testMapper(t)

		v := hw.VirtAddr(0x700000)

		if err := m.MapPage(root, v, 0x800000, ProtWrite); err != nil {
			t.Fatalf("map: %v", err)
		}

		// The path PML4 -> PDPT -> PD -> PT is fully populated for this one leaf.
		pte, err := m.LeafPTE(root, v)
		if err != nil || pte == 0 {
			t.Fatalf("leaf missing: %v", err)
		}

		if err := m.UnmapPage(root, v); err != nil {
			t.Fatalf("unmap: %v", err)
		}

		// With its only leaf gone the whole interior chain must be gone too: a fresh walk
		// sees nothing at any level.
		if _, err := m.LeafPTE(root, v); !errors.Is(err, ErrNotMapped) {
			t.Errorf("interior tables survived: %v", err)
		}

		if got := m.TableRefs(root); got != 0 {
			t.Errorf("root refs want 0, got %d", got)
		}
	})

	tt.Run("upper half tables persist", func(t *testing.T) {
		t.Parallel()

		_, m, root := testMapper(t)

		v := KernelBase + 0x100000

		if err := m.MapPage(root, v, 0x800000, ProtWrite); err != nil {
			t.Fatalf("map: %v", err)
		}

		if err := m.UnmapPage(root, v); err != nil {
			t.Fatalf("unmap: %v", err)
		}

		// The leaf is gone but the kernel-shared interior chain stays.
		if got := m.TableRefs(root); got != 1 {
			t.Errorf("kernel-half PML4 entry should persist, refs %d", got)
		}
	})

	tt.Run("range unwind on failure", func(t *testing.T) {
		t.Parallel()

		_, m, root := testMapper(t)

		// Pre-map a page in the middle of the range so MapRange fails partway.
		mid := hw.VirtAddr(0x702000)
		if err := m.MapPage(root, mid, 0x900000, ProtWrite); err != nil {
			t.Fatalf("map: %v", err)
		}

		err := m.MapRange(root, 0x700000, 0x800000, 4*hw.PageSize, ProtWrite)
		if !errors.Is(err, ErrMapped) {
			t.Fatalf("want Mapped, got %v", err)
		}

		// The pages before the collision must have been unwound.
		for _, v := range []hw.VirtAddr{0x700000, 0x701000} {
			if _, err := m.LeafPTE(root, v); !errors.Is(err, ErrNotMapped) {
				t.Errorf("leaf %s survived failed MapRange: %v", v, err)
			}
		}

		// The pre-existing page is untouched.
		if _, err := m.LeafPTE(root, mid); err != nil {
			t.Errorf("pre-existing leaf lost: %v", err)
		}
	})
}

func TestEarlySequence(tt *testing.T) {
	tt.Parallel()

	tt.Run("identity teardown leaves physmap", func(t *testing.T) {
		t.Parallel()

		m := hw.New(hw.Config{RAMBytes: 32 << 20})

		efer, _ := m.CPU.ReadMSR(hw.MSREFER)
		_ = m.CPU.WriteMSR(hw.MSREFER, efer|hw.EFERNXE)

		entries := m.Mem.Map()
		budget := EarlyTableBudget(entries)
		kphysEnd := hw.PhysAddr(0x500000) + hw.PhysAddr(budget)

		bump := NewBumpRegion(m.Mem, 0x500000, kphysEnd)
		mapper := NewMapper(m.Mem, m.CPU, bump, nil)

		root, err := BootstrapRoot(mapper, m.CPU, kphysEnd)
		if err != nil {
			t.Fatalf("bootstrap: %v", err)
		}

		if hw.PhysAddr(m.CPU.CR3()) != root {
			t.Errorf("cr3 want %s, got %#x", root, m.CPU.CR3())
		}

		// The boot-stub state: identity and image windows both live.
		if _, err := mapper.Translate(root, 0x1000); err != nil {
			t.Fatalf("identity window missing: %v", err)
		}

		if err := mapper.InstallPhysmap(root, entries); err != nil {
			t.Fatalf("physmap: %v", err)
		}

		if err := mapper.TeardownIdentity(root, kphysEnd); err != nil {
			t.Fatalf("teardown: %v", err)
		}

		// Reading through the old identity window faults; the same frame reads fine through
		// PHYSMAP; the image mapping survives.
		probe := hw.PhysAddr(0x200000)

		if _, err := mapper.Translate(root, hw.VirtAddr(probe)); !errors.Is(err, ErrNotMapped) {
			t.Errorf("identity window survived teardown: %v", err)
		}

		pa, err := mapper.Translate(root, PhysToPhysmap(probe))
		if err != nil {
			t.Fatalf("physmap translate: %v", err)
		}

		if pa != probe {
			t.Errorf("physmap want %s, got %s", probe, pa)
		}

		if _, err := mapper.Translate(root, PhysToKernel(probe)); err != nil {
			t.Errorf("image mapping lost: %v", err)
		}

		// PHYSMAP data is the same data.
		if err := m.Mem.Write64(probe, 0xfeedfacecafef00d); err != nil {
			t.Fatalf("write: %v", err)
		}

		via, err := mapper.Translate(root, PhysToPhysmap(probe))
		if err != nil {
			t.Fatalf("translate: %v", err)
		}

		got, err := m.Mem.Read64(via)
		if err != nil {
			t.Fatalf("read: %v", err)
		}

		if got != 0xfeedfacecafef00d {
			t.Errorf("physmap data mismatch: %#x", got)
		}

		// PHYSMAP is never executable.
		prot, err := mapper.LeafProt(root, PhysToPhysmap(probe))
		if err != nil {
			t.Fatalf("leaf prot: %v", err)
		}

		if prot&ProtExec != 0 {
			t.Errorf("physmap must be NX, got %s", prot)
		}
	})
}
