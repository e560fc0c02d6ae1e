// Package paging builds and edits the 4-level page tables. All leaves are 4 KiB. Interior table
// frames come from a pluggable frame source: a bump region inside the kernel image during early
// bring-up, the buddy allocator afterwards.
package paging

import (
	"errors"
	"fmt"

	"github.com/vesperos/vesper/internal/hw"
	"github.com/vesperos/vesper/internal/log"
)

// Higher-half layout. The kernel image is mapped at KernelBase + P for the image range only;
// PHYSMAP is a linear window over every managed frame.
const (
	KernelBase  hw.VirtAddr = 0xffffff8000000000
	PhysmapBase hw.VirtAddr = 0xffff888000000000

	// HigherHalfBase splits the canonical halves. Everything at or above it is kernel-shared
	// across address spaces.
	HigherHalfBase hw.VirtAddr = 0xffff800000000000
)

// KernelToPhys converts an image-range virtual address to physical.
func KernelToPhys(v hw.VirtAddr) hw.PhysAddr {
	return hw.PhysAddr(v - KernelBase)
}

// PhysToKernel converts an image-range physical address to its higher-half alias.
func PhysToKernel(p hw.PhysAddr) hw.VirtAddr {
	return KernelBase + hw.VirtAddr(p)
}

// PhysToPhysmap returns the PHYSMAP alias of a managed frame.
func PhysToPhysmap(p hw.PhysAddr) hw.VirtAddr {
	return PhysmapBase + hw.VirtAddr(p)
}

// PhysmapToPhys converts a PHYSMAP virtual address back to physical.
func PhysmapToPhys(v hw.VirtAddr) hw.PhysAddr {
	return hw.PhysAddr(v - PhysmapBase)
}

// Page-table entry bits.
const (
	pteP   uint64 = 1 << 0
	pteW   uint64 = 1 << 1
	pteU   uint64 = 1 << 2
	ptePWT uint64 = 1 << 3
	ptePCD uint64 = 1 << 4
	pteNX  uint64 = 1 << 63

	pteAddrMask uint64 = 0x000ffffffffff000
)

// Prot is the permission set carried by VM objects and translated onto leaves.
type Prot uint8

const (
	ProtWrite Prot = 1 << iota
	ProtExec
	ProtUser
	ProtMMIO
)

// ProtNone maps a page readable only.
const ProtNone Prot = 0

func (p Prot) String() string {
	b := []byte("r---")

	if p&ProtWrite != 0 {
		b[1] = 'w'
	}

	if p&ProtExec != 0 {
		b[2] = 'x'
	}

	if p&ProtUser != 0 {
		b[3] = 'u'
	}

	if p&ProtMMIO != 0 {
		return string(b) + "+mmio"
	}

	return string(b)
}

// Walk errors.
var (
	ErrNotMapped  = errors.New("paging: not mapped")
	ErrMapped     = errors.New("paging: already mapped")
	ErrNoFrame    = errors.New("paging: out of table frames")
	ErrCorrupt    = errors.New("paging: table corruption")
	ErrCanonical  = errors.New("paging: non-canonical address")
	ErrOutOfRange = errors.New("paging: address outside table reach")
)

// FrameSource provides and reclaims physical frames for interior tables.
type FrameSource interface {
	AllocFrame() (hw.PhysAddr, error)
	FreeFrame(p hw.PhysAddr) error
}

// Mapper edits page tables through the memory bus. One mapper serves every address space; the
// root is a parameter so the VMM can walk any space it owns.
type Mapper struct {
	mem    *hw.Memory
	cpu    *hw.CPU
	frames FrameSource

	// refs tracks present-entry counts per interior table frame, so a table is released the
	// moment its last entry is cleared.
	refs map[hw.PhysAddr]int

	invalidations uint64
	corruptions   uint64
	nxWarned      bool

	log *log.Logger
}

// NewMapper creates a page-table editor over the bus.
func NewMapper(mem *hw.Memory, cpu *hw.CPU, frames FrameSource, logger *log.Logger) *Mapper {
	if logger == nil {
		logger = log.DefaultLogger()
	}

	return &Mapper{
		mem:    mem,
		cpu:    cpu,
		frames: frames,
		refs:   make(map[hw.PhysAddr]int),
		log:    logger,
	}
}

// SetFrameSource swaps the interior-table frame source, which happens once when the buddy
// allocator comes up.
func (m *Mapper) SetFrameSource(frames FrameSource) {
	m.frames = frames
}

// NewRoot allocates and zeroes a PML4 frame.
func (m *Mapper) NewRoot() (hw.PhysAddr, error) {
	return m.newTable()
}

func (m *Mapper) newTable() (hw.PhysAddr, error) {
	frame, err := m.frames.AllocFrame()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrNoFrame, err)
	}

	if err := m.mem.WriteBytes(frame, make([]byte, hw.PageSize)); err != nil {
		return 0, err
	}

	m.refs[frame] = 0

	return frame, nil
}

func canonical(v hw.VirtAddr) bool {
	upper := uint64(v) >> 47
	return upper == 0 || upper == 0x1ffff
}

// indexAt returns the table index for a level, level 4 being the PML4.
func indexAt(v hw.VirtAddr, level int) uint64 {
	return (uint64(v) >> (PageShiftFor(level))) & 0x1ff
}

// PageShiftFor returns the shift covering one entry at a level.
func PageShiftFor(level int) uint {
	return uint(12 + 9*(level-1))
}

func (m *Mapper) readEntry(table hw.PhysAddr, idx uint64) (uint64, error) {
	return m.mem.Read64(table + hw.PhysAddr(idx*8))
}

func (m *Mapper) writeEntry(table hw.PhysAddr, idx uint64, pte uint64) error {
	// Page-table writes must be single-word stores: walkers in interrupt context read the
	// same memory without a lock.
	return m.mem.Write64(table+hw.PhysAddr(idx*8), pte)
}

// pteFor translates a Prot set into leaf bits. MMIO turns off caching; a missing EXEC sets NX
// only when EFER.NXE is on; otherwise NX is left clear, the leaf stays executable, and a warning
// is logged once.
func (m *Mapper) pteFor(pa hw.PhysAddr, prot Prot) uint64 {
	pte := uint64(pa)&pteAddrMask | pteP

	if prot&ProtWrite != 0 {
		pte |= pteW
	}

	if prot&ProtUser != 0 {
		pte |= pteU
	}

	if prot&ProtMMIO != 0 {
		pte |= ptePWT | ptePCD
	}

	if prot&ProtExec == 0 {
		if m.nxEnabled() {
			pte |= pteNX
		} else if !m.nxWarned {
			m.nxWarned = true
			m.log.Warn("paging: NX requested but EFER.NXE is clear; mappings stay executable")
		}
	}

	return pte
}

func (m *Mapper) nxEnabled() bool {
	efer, err := m.cpu.ReadMSR(hw.MSREFER)
	return err == nil && efer&hw.EFERNXE != 0
}

// walk descends to the page table covering v, allocating missing interior tables when create is
// set. It returns the PT frame.
func (m *Mapper) walk(root hw.PhysAddr, v hw.VirtAddr, create bool) (hw.PhysAddr, error) {
	if !canonical(v) {
		return 0, fmt.Errorf("%w: %s", ErrCanonical, v)
	}

	table := root

	for level := 4; level > 1; level-- {
		idx := indexAt(v, level)

		pte, err := m.readEntry(table, idx)
		if err != nil {
			return 0, err
		}

		if pte&pteP == 0 {
			if !create {
				return 0, fmt.Errorf("%w: %s", ErrNotMapped, v)
			}

			child, err := m.newTable()
			if err != nil {
				return 0, err
			}

			// Interior entries stay permissive; the leaf is where protection lives.
			if err := m.writeEntry(table, idx, uint64(child)|pteP|pteW|pteU); err != nil {
				return 0, err
			}

			m.refs[table]++
			table = child

			continue
		}

		table = hw.PhysAddr(pte & pteAddrMask)
	}

	return table, nil
}

// MapPage installs a single leaf.
func (m *Mapper) MapPage(root hw.PhysAddr, v hw.VirtAddr, p hw.PhysAddr, prot Prot) error {
	if v.PageOffset() != 0 || p.PageOffset() != 0 {
		return fmt.Errorf("%w: %s -> %s", ErrCanonical, v, p)
	}

	pt, err := m.walk(root, v, true)
	if err != nil {
		return err
	}

	idx := indexAt(v, 1)

	old, err := m.readEntry(pt, idx)
	if err != nil {
		return err
	}

	if old&pteP != 0 {
		return fmt.Errorf("%w: %s", ErrMapped, v)
	}

	if err := m.writeEntry(pt, idx, m.pteFor(p, prot)); err != nil {
		return err
	}

	m.refs[pt]++

	return nil
}

// MapRange maps length bytes starting at v onto the contiguous physical range at p. On failure
// the pages mapped so far are unwound.
func (m *Mapper) MapRange(root hw.PhysAddr, v hw.VirtAddr, p hw.PhysAddr, length uint64, prot Prot) error {
	for off := uint64(0); off < length; off += hw.PageSize {
		err := m.MapPage(root, v+hw.VirtAddr(off), p+hw.PhysAddr(off), prot)
		if err != nil {
			for undo := uint64(0); undo < off; undo += hw.PageSize {
				_ = m.UnmapPage(root, v+hw.VirtAddr(undo))
			}

			return err
		}
	}

	return nil
}

// UnmapPage clears a leaf and releases any interior tables that drop to zero present entries.
// Tables on kernel-shared upper-half paths are never released, nor is the PML4 itself.
func (m *Mapper) UnmapPage(root hw.PhysAddr, v hw.VirtAddr) error {
	return m.unmapPage(root, v, true)
}

func (m *Mapper) unmapPage(root hw.PhysAddr, v hw.VirtAddr, invalidate bool) error {
	if !canonical(v) {
		return fmt.Errorf("%w: %s", ErrCanonical, v)
	}

	// Remember the path so empty tables can be unlinked bottom-up.
	var (
		path    [4]hw.PhysAddr
		indices [4]uint64
	)

	table := root

	for level := 4; level > 1; level-- {
		idx := indexAt(v, level)

		pte, err := m.readEntry(table, idx)
		if err != nil {
			return err
		}

		if pte&pteP == 0 {
			return fmt.Errorf("%w: %s", ErrNotMapped, v)
		}

		path[level-1] = table
		indices[level-1] = idx
		table = hw.PhysAddr(pte & pteAddrMask)
	}

	idx := indexAt(v, 1)

	pte, err := m.readEntry(table, idx)
	if err != nil {
		return err
	}

	if pte&pteP == 0 {
		return fmt.Errorf("%w: %s", ErrNotMapped, v)
	}

	if err := m.writeEntry(table, idx, 0); err != nil {
		return err
	}

	m.decref(table)

	if invalidate {
		m.Invalidate(v)
	}

	// Kernel-shared paths keep their interior tables for the life of the system.
	if v >= HigherHalfBase {
		return nil
	}

	child := table

	for level := 2; level <= 4; level++ {
		parent := path[level-1]
		if m.refs[child] != 0 {
			break
		}

		if err := m.writeEntry(parent, indices[level-1], 0); err != nil {
			return err
		}

		m.decref(parent)
		delete(m.refs, child)

		if err := m.frames.FreeFrame(child); err != nil {
			return err
		}

		child = parent
	}

	return nil
}

func (m *Mapper) decref(table hw.PhysAddr) {
	if m.refs[table] == 0 {
		m.corruptions++
		m.log.Error("paging: present-count underflow", "table", table)

		return
	}

	m.refs[table]--
}

// UnmapRange removes every leaf in [v, v+length). Missing leaves are skipped.
func (m *Mapper) UnmapRange(root hw.PhysAddr, v hw.VirtAddr, length uint64) error {
	for off := uint64(0); off < length; off += hw.PageSize {
		err := m.unmapPage(root, v+hw.VirtAddr(off), true)
		if err != nil && !errors.Is(err, ErrNotMapped) {
			return err
		}
	}

	return nil
}

// Translate resolves a virtual address to physical through the given root.
func (m *Mapper) Translate(root hw.PhysAddr, v hw.VirtAddr) (hw.PhysAddr, error) {
	pte, err := m.LeafPTE(root, v)
	if err != nil {
		return 0, err
	}

	return hw.PhysAddr(pte&pteAddrMask) + hw.PhysAddr(v.PageOffset()), nil
}

// LeafPTE returns the raw leaf entry covering v.
func (m *Mapper) LeafPTE(root hw.PhysAddr, v hw.VirtAddr) (uint64, error) {
	pt, err := m.walk(root, v, false)
	if err != nil {
		return 0, err
	}

	pte, err := m.readEntry(pt, indexAt(v, 1))
	if err != nil {
		return 0, err
	}

	if pte&pteP == 0 {
		return 0, fmt.Errorf("%w: %s", ErrNotMapped, v)
	}

	return pte, nil
}

// LeafProt reconstructs the Prot set from a leaf.
func (m *Mapper) LeafProt(root hw.PhysAddr, v hw.VirtAddr) (Prot, error) {
	pte, err := m.LeafPTE(root, v)
	if err != nil {
		return 0, err
	}

	var prot Prot

	if pte&pteW != 0 {
		prot |= ProtWrite
	}

	if pte&pteU != 0 {
		prot |= ProtUser
	}

	if pte&(ptePWT|ptePCD) == ptePWT|ptePCD {
		prot |= ProtMMIO
	}

	if pte&pteNX == 0 {
		prot |= ProtExec
	}

	return prot, nil
}

// Protect rewrites the permission bits of an existing leaf and invalidates its TLB entry.
func (m *Mapper) Protect(root hw.PhysAddr, v hw.VirtAddr, prot Prot) error {
	pt, err := m.walk(root, v, false)
	if err != nil {
		return err
	}

	idx := indexAt(v, 1)

	pte, err := m.readEntry(pt, idx)
	if err != nil {
		return err
	}

	if pte&pteP == 0 {
		return fmt.Errorf("%w: %s", ErrNotMapped, v)
	}

	pa := hw.PhysAddr(pte & pteAddrMask)
	if err := m.writeEntry(pt, idx, m.pteFor(pa, prot)); err != nil {
		return err
	}

	m.Invalidate(v)

	return nil
}

// Invalidate drops the TLB entry for one page. The simulated CPU has no TLB; the count remains
// so tests can assert the shootdowns happened.
func (m *Mapper) Invalidate(_ hw.VirtAddr) {
	m.invalidations++
}

// CopyKernelHalf copies the upper-half PML4 entries from src into dst, which is how a new
// address space comes to share the kernel's mappings.
func (m *Mapper) CopyKernelHalf(dst, src hw.PhysAddr) error {
	for idx := uint64(256); idx < 512; idx++ {
		pte, err := m.readEntry(src, idx)
		if err != nil {
			return err
		}

		if err := m.writeEntry(dst, idx, pte); err != nil {
			return err
		}
	}

	return nil
}

// DestroyLowerHalf tears down everything a dying address space owns: every present lower-half
// leaf frame is reported to leafFree (with its cacheability telling MMIO apart), then the
// interior tables are freed leaf-to-root. Upper-half entries are kernel-shared and untouched.
// The root frame itself is returned to the frame source last.
func (m *Mapper) DestroyLowerHalf(root hw.PhysAddr, leafFree func(pa hw.PhysAddr, mmio bool) error) error {
	for idx := uint64(0); idx < 256; idx++ {
		pte, err := m.readEntry(root, idx)
		if err != nil {
			return err
		}

		if pte&pteP == 0 {
			continue
		}

		if err := m.destroyTable(hw.PhysAddr(pte&pteAddrMask), 3, leafFree); err != nil {
			return err
		}

		if err := m.writeEntry(root, idx, 0); err != nil {
			return err
		}
	}

	delete(m.refs, root)

	return m.frames.FreeFrame(root)
}

func (m *Mapper) destroyTable(table hw.PhysAddr, level int, leafFree func(hw.PhysAddr, bool) error) error {
	for idx := uint64(0); idx < 512; idx++ {
		pte, err := m.readEntry(table, idx)
		if err != nil {
			return err
		}

		if pte&pteP == 0 {
			continue
		}

		child := hw.PhysAddr(pte & pteAddrMask)

		if level > 1 {
			if err := m.destroyTable(child, level-1, leafFree); err != nil {
				return err
			}

			continue
		}

		if leafFree != nil {
			mmio := pte&(ptePWT|ptePCD) == ptePWT|ptePCD
			if err := leafFree(child, mmio); err != nil {
				return err
			}
		}
	}

	delete(m.refs, table)

	return m.frames.FreeFrame(table)
}

// TableRefs returns the present-entry count for an interior table frame, for integrity checks.
func (m *Mapper) TableRefs(table hw.PhysAddr) int {
	return m.refs[table]
}

// Stats reports invalidations issued and corruption events observed.
func (m *Mapper) Stats() (invalidations, corruptions uint64) {
	return m.invalidations, m.corruptions
}
