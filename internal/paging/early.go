package paging

// early.go is the bring-up path: a bump frame source carved out of the kernel image, the
// boot-stub tables (identity plus higher-half mirror), and the sequence that tears the identity
// window down and installs PHYSMAP.

import (
	"errors"
	"fmt"

	"github.com/vesperos/vesper/internal/hw"
)

// PageShift re-exported for table math.
const PageShift = hw.PageShift

// ErrBumpExhausted is returned when the reserved early-table region runs dry.
var ErrBumpExhausted = errors.New("paging: early table region exhausted")

// BumpRegion is the pre-PMM frame source: a statically reserved run of frames inside the kernel
// image range. Frames freed during teardown are recycled from a small list.
type BumpRegion struct {
	mem   *hw.Memory
	start hw.PhysAddr
	next  hw.PhysAddr
	end   hw.PhysAddr
	free  []hw.PhysAddr
}

// NewBumpRegion creates a frame source over [start, end).
func NewBumpRegion(mem *hw.Memory, start, end hw.PhysAddr) *BumpRegion {
	return &BumpRegion{mem: mem, start: start.PageBase(), next: start.PageBase(), end: end}
}

// AllocFrame returns a zeroed frame.
func (b *BumpRegion) AllocFrame() (hw.PhysAddr, error) {
	var frame hw.PhysAddr

	switch {
	case len(b.free) > 0:
		frame = b.free[len(b.free)-1]
		b.free = b.free[:len(b.free)-1]
	case b.next < b.end:
		frame = b.next
		b.next += hw.PageSize
	default:
		return 0, ErrBumpExhausted
	}

	if err := b.mem.WriteBytes(frame, make([]byte, hw.PageSize)); err != nil {
		return 0, err
	}

	return frame, nil
}

// FreeFrame recycles a frame onto the region's free list.
func (b *BumpRegion) FreeFrame(p hw.PhysAddr) error {
	b.free = append(b.free, p)
	return nil
}

// Used reports how many frames the region has handed out and not recycled.
func (b *BumpRegion) Used() int {
	return int((b.next-b.start)/hw.PageSize) - len(b.free)
}

// EarlyTableBudget sizes the reserved table region: enough interior frames to cover PHYSMAP over
// every entry of the memory map, both boot-stub windows, and slack.
func EarlyTableBudget(entries []hw.MapEntry) uint64 {
	var leaves uint64

	for _, e := range entries {
		leaves += (e.Length + hw.PageSize - 1) / hw.PageSize
	}

	pts := leaves/512 + uint64(len(entries)) + 1
	pds := pts/512 + uint64(len(entries)) + 1
	pdpts := pds/512 + 2

	// Double for the identity and image windows, plus slack for roots.
	return (pts + pds + pdpts + 16) * 2 * hw.PageSize
}

// BootstrapRoot reproduces the state the boot stub leaves behind: a PML4 with the low identity
// window and the higher-half image mirror, both writable and executable, loaded into CR3.
func BootstrapRoot(m *Mapper, cpu *hw.CPU, kphysEnd hw.PhysAddr) (hw.PhysAddr, error) {
	root, err := m.NewRoot()
	if err != nil {
		return 0, err
	}

	prot := ProtWrite | ProtExec

	if err := m.MapRange(root, 0, 0, uint64(kphysEnd), prot); err != nil {
		return 0, fmt.Errorf("bootstrap identity: %w", err)
	}

	if err := m.MapRange(root, KernelBase, 0, uint64(kphysEnd), prot); err != nil {
		return 0, fmt.Errorf("bootstrap image: %w", err)
	}

	cpu.SetCR3(uint64(root))

	return root, nil
}

// TeardownIdentity removes the low-half identity window, leaving only the higher-half image
// mapping and whatever PHYSMAP has installed.
func (m *Mapper) TeardownIdentity(root hw.PhysAddr, kphysEnd hw.PhysAddr) error {
	return m.UnmapRange(root, 0, uint64(kphysEnd))
}

// InstallPhysmap maps every RAM and ACPI range of the memory map at its PHYSMAP alias, writable,
// never executable.
func (m *Mapper) InstallPhysmap(root hw.PhysAddr, entries []hw.MapEntry) error {
	for _, e := range entries {
		if e.Type == hw.TypeReserved {
			continue
		}

		v := PhysToPhysmap(e.Start)
		if err := m.MapRange(root, v, e.Start, e.Length, ProtWrite); err != nil {
			return fmt.Errorf("physmap %s: %w", e, err)
		}
	}

	return nil
}
