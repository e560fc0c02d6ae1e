// Package vmm manages virtual address spaces. Each space owns a page-table root, an allocation
// window, and an intrusive, ascending, non-overlapping list of VM objects. The object nodes are
// slab objects in physical memory, threaded by physical address: the VMM's own bookkeeping obeys
// the same no-heap floor as the allocators below it.
package vmm

import (
	"errors"
	"fmt"

	"github.com/vesperos/vesper/internal/hw"
	"github.com/vesperos/vesper/internal/klock"
	"github.com/vesperos/vesper/internal/log"
	"github.com/vesperos/vesper/internal/paging"
	"github.com/vesperos/vesper/internal/pmm"
	"github.com/vesperos/vesper/internal/slab"
)

// Status errors.
var (
	ErrInvalid       = errors.New("vmm: invalid argument")
	ErrOOM           = errors.New("vmm: out of virtual space")
	ErrNotInit       = errors.New("vmm: not initialized")
	ErrAlreadyInit   = errors.New("vmm: already initialized")
	ErrNotFound      = errors.New("vmm: no object at address")
	ErrNotAligned    = errors.New("vmm: misaligned address")
	ErrNoMemory      = errors.New("vmm: backing allocation failed")
	ErrAlreadyMapped = errors.New("vmm: range already mapped")
)

// Prot re-exports the paging permission set; VM objects carry it unchanged.
type Prot = paging.Prot

const (
	ProtNone  = paging.ProtNone
	ProtWrite = paging.ProtWrite
	ProtExec  = paging.ProtExec
	ProtUser  = paging.ProtUser
	ProtMMIO  = paging.ProtMMIO
)

// Kernel allocation window. All kernel-side dynamic mappings (heap backing, MMIO windows,
// remapped ACPI tables) come from here.
const (
	KernelAllocBase hw.VirtAddr = 0xffffc90000000000
	KernelAllocEnd  hw.VirtAddr = 0xffffc94000000000
)

// VM-object node layout in physical memory, one u64 per field.
const (
	nodeBase   = 0
	nodeLength = 8
	nodeFlags  = 16
	nodeNext   = 24
	nodeSize   = 32
)

// VMObject describes one mapped range, as returned to callers.
type VMObject struct {
	Base   hw.VirtAddr
	Length uint64
	Flags  Prot
}

func (o VMObject) String() string {
	return fmt.Sprintf("[%s,%s) %s", o.Base, o.Base+hw.VirtAddr(o.Length), o.Flags)
}

// Space is one address space.
type Space struct {
	root      hw.PhysAddr
	head      hw.PhysAddr // first object node, ascending by base; 0 ends the list
	allocBase hw.VirtAddr
	allocEnd  hw.VirtAddr
	kernel    bool
	objects   uint64

	lock *klock.SpinLock
}

// Root returns the space's page-table root.
func (s *Space) Root() hw.PhysAddr { return s.root }

// IsKernel reports whether this is the kernel singleton.
func (s *Space) IsKernel() bool { return s.kernel }

// Objects returns the live VM-object count.
func (s *Space) Objects() uint64 { return s.objects }

// Manager wires the VMM to the layers below it.
type Manager struct {
	mapper *paging.Mapper
	frames *pmm.Allocator
	slabs  *slab.Manager
	nodes  *slab.Cache
	window pmm.Window
	cpu    *hw.CPU

	kernel *Space

	log *log.Logger
}

// New creates the manager and its node cache. The kernel space must be installed with
// KernelInit before Create can clone its upper half.
func New(mapper *paging.Mapper, frames *pmm.Allocator, slabs *slab.Manager,
	window pmm.Window, cpu *hw.CPU, logger *log.Logger,
) (*Manager, error) {
	if logger == nil {
		logger = log.DefaultLogger()
	}

	nodes, err := slabs.CacheCreate("vmobject", nodeSize, 8)
	if err != nil {
		return nil, err
	}

	return &Manager{
		mapper: mapper,
		frames: frames,
		slabs:  slabs,
		nodes:  nodes,
		window: window,
		cpu:    cpu,
		log:    logger,
	}, nil
}

// KernelInit wraps the page tables built during early bring-up as the kernel space singleton.
func (m *Manager) KernelInit(root hw.PhysAddr) (*Space, error) {
	if m.kernel != nil {
		return nil, ErrAlreadyInit
	}

	m.kernel = &Space{
		root:      root,
		allocBase: KernelAllocBase,
		allocEnd:  KernelAllocEnd,
		kernel:    true,
		lock:      klock.New("vmm.kernel"),
	}

	return m.kernel, nil
}

// Kernel returns the kernel space singleton.
func (m *Manager) Kernel() *Space {
	return m.kernel
}

// Create builds a non-kernel space with the given allocation window. The new root shares the
// kernel's upper-half entries, which is the kernel-persistence invariant.
func (m *Manager) Create(allocBase, allocEnd hw.VirtAddr) (*Space, error) {
	if m.kernel == nil {
		return nil, ErrNotInit
	}

	if allocBase.PageOffset() != 0 || allocEnd.PageOffset() != 0 || allocBase >= allocEnd {
		return nil, fmt.Errorf("%w: window [%s,%s)", ErrInvalid, allocBase, allocEnd)
	}

	root, err := m.mapper.NewRoot()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoMemory, err)
	}

	if err := m.mapper.CopyKernelHalf(root, m.kernel.root); err != nil {
		return nil, err
	}

	return &Space{
		root:      root,
		allocBase: allocBase,
		allocEnd:  allocEnd,
		lock:      klock.New("vmm.space"),
	}, nil
}

// Switch loads the space's root into CR3.
func (m *Manager) Switch(s *Space) {
	m.cpu.SetCR3(uint64(s.root))
}

// node I/O

func (m *Manager) nodeRead(n hw.PhysAddr) (VMObject, hw.PhysAddr, error) {
	base, err := m.window.Read64(n + nodeBase)
	if err != nil {
		return VMObject{}, 0, err
	}

	length, err := m.window.Read64(n + nodeLength)
	if err != nil {
		return VMObject{}, 0, err
	}

	flags, err := m.window.Read64(n + nodeFlags)
	if err != nil {
		return VMObject{}, 0, err
	}

	next, err := m.window.Read64(n + nodeNext)
	if err != nil {
		return VMObject{}, 0, err
	}

	obj := VMObject{Base: hw.VirtAddr(base), Length: length, Flags: Prot(flags)}

	return obj, hw.PhysAddr(next), nil
}

func (m *Manager) nodeWrite(n hw.PhysAddr, obj VMObject, next hw.PhysAddr) error {
	fields := []struct {
		off uint64
		val uint64
	}{
		{nodeBase, uint64(obj.Base)},
		{nodeLength, obj.Length},
		{nodeFlags, uint64(obj.Flags)},
		{nodeNext, uint64(next)},
	}

	for _, f := range fields {
		if err := m.window.Write64(n+hw.PhysAddr(f.off), f.val); err != nil {
			return err
		}
	}

	return nil
}

// insertNode links a new object into the space in ascending base order.
func (m *Manager) insertNode(s *Space, obj VMObject) error {
	n, err := m.slabs.Alloc(m.nodes)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNoMemory, err)
	}

	var prev hw.PhysAddr

	cur := s.head

	for cur != 0 {
		curObj, next, err := m.nodeRead(cur)
		if err != nil {
			return err
		}

		if curObj.Base > obj.Base {
			break
		}

		prev, cur = cur, next
	}

	if err := m.nodeWrite(n, obj, cur); err != nil {
		return err
	}

	if prev == 0 {
		s.head = n
	} else if err := m.window.Write64(prev+nodeNext, uint64(n)); err != nil {
		return err
	}

	s.objects++

	return nil
}

// removeNode unlinks and frees the node whose object starts at base.
func (m *Manager) removeNode(s *Space, base hw.VirtAddr) error {
	var prev hw.PhysAddr

	cur := s.head

	for cur != 0 {
		obj, next, err := m.nodeRead(cur)
		if err != nil {
			return err
		}

		if obj.Base == base {
			if prev == 0 {
				s.head = next
			} else if err := m.window.Write64(prev+nodeNext, uint64(next)); err != nil {
				return err
			}

			s.objects--

			return m.slabs.Free(m.nodes, cur)
		}

		prev, cur = cur, next
	}

	return fmt.Errorf("%w: %s", ErrNotFound, base)
}

// findNode returns the node address and object covering v.
func (m *Manager) findNode(s *Space, v hw.VirtAddr) (hw.PhysAddr, VMObject, error) {
	for cur := s.head; cur != 0; {
		obj, next, err := m.nodeRead(cur)
		if err != nil {
			return 0, VMObject{}, err
		}

		if v >= obj.Base && v < obj.Base+hw.VirtAddr(obj.Length) {
			return cur, obj, nil
		}

		cur = next
	}

	return 0, VMObject{}, fmt.Errorf("%w: %s", ErrNotFound, v)
}

// overlaps reports whether [base, base+length) intersects any object.
func (m *Manager) overlaps(s *Space, base hw.VirtAddr, length uint64) (bool, error) {
	end := base + hw.VirtAddr(length)

	for cur := s.head; cur != 0; {
		obj, next, err := m.nodeRead(cur)
		if err != nil {
			return false, err
		}

		objEnd := obj.Base + hw.VirtAddr(obj.Length)
		if base < objEnd && end > obj.Base {
			return true, nil
		}

		if obj.Base >= end {
			break
		}

		cur = next
	}

	return false, nil
}

// findGap searches the allocation window for the lowest hole of at least length bytes.
func (m *Manager) findGap(s *Space, length uint64) (hw.VirtAddr, error) {
	candidate := s.allocBase

	for cur := s.head; cur != 0; {
		obj, next, err := m.nodeRead(cur)
		if err != nil {
			return 0, err
		}

		objEnd := obj.Base + hw.VirtAddr(obj.Length)

		if obj.Base >= candidate+hw.VirtAddr(length) {
			break
		}

		if objEnd > candidate {
			candidate = objEnd
		}

		cur = next
	}

	if candidate+hw.VirtAddr(length) > s.allocEnd {
		return 0, fmt.Errorf("%w: %d bytes in [%s,%s)", ErrOOM, length, s.allocBase, s.allocEnd)
	}

	return candidate, nil
}

// mapObject backs and maps every page of a new object. hint supplies the physical range for
// MMIO (or pre-owned) mappings; zero means allocate from the PMM. On any failure the pages
// mapped so far are unwound.
func (m *Manager) mapObject(s *Space, obj VMObject, hint hw.PhysAddr) error {
	mapped := uint64(0)

	undo := func() {
		for off := uint64(0); off < mapped; off += hw.PageSize {
			v := obj.Base + hw.VirtAddr(off)

			if obj.Flags&ProtMMIO == 0 {
				if pa, err := m.mapper.Translate(s.root, v); err == nil {
					_ = m.frames.Free(pa.PageBase(), hw.PageSize)
				}
			}

			_ = m.mapper.UnmapPage(s.root, v)
		}
	}

	for off := uint64(0); off < obj.Length; off += hw.PageSize {
		var (
			pa  hw.PhysAddr
			err error
		)

		if hint != 0 {
			pa = hint + hw.PhysAddr(off)
		} else {
			pa, err = m.frames.Alloc(hw.PageSize)
			if err != nil {
				undo()
				return fmt.Errorf("%w: %w", ErrNoMemory, err)
			}
		}

		if err := m.mapper.MapPage(s.root, obj.Base+hw.VirtAddr(off), pa, obj.Flags); err != nil {
			if hint == 0 {
				_ = m.frames.Free(pa, hw.PageSize)
			}

			undo()

			return err
		}

		mapped = off + hw.PageSize
	}

	return nil
}

// Alloc carves a new object of length bytes out of the allocation window. For MMIO requests the
// hint names the physical range; otherwise each leaf gets a fresh PMM frame.
func (m *Manager) Alloc(s *Space, length uint64, flags Prot, hint hw.PhysAddr) (hw.VirtAddr, error) {
	saved := s.lock.Acquire(m.cpu)
	defer s.lock.Release(m.cpu, saved)

	if length == 0 {
		return 0, fmt.Errorf("%w: zero length", ErrInvalid)
	}

	if flags&ProtMMIO != 0 && hint == 0 {
		return 0, fmt.Errorf("%w: MMIO without physical range", ErrInvalid)
	}

	length = roundUpPage(length)

	base, err := m.findGap(s, length)
	if err != nil {
		return 0, err
	}

	obj := VMObject{Base: base, Length: length, Flags: flags}

	if err := m.mapObject(s, obj, hint); err != nil {
		return 0, err
	}

	if err := m.insertNode(s, obj); err != nil {
		return 0, err
	}

	return base, nil
}

// AllocAt maps an object at a caller-chosen base.
func (m *Manager) AllocAt(s *Space, v hw.VirtAddr, length uint64, flags Prot, hint hw.PhysAddr) error {
	saved := s.lock.Acquire(m.cpu)
	defer s.lock.Release(m.cpu, saved)

	if length == 0 {
		return fmt.Errorf("%w: zero length", ErrInvalid)
	}

	if v.PageOffset() != 0 {
		return fmt.Errorf("%w: %s", ErrNotAligned, v)
	}

	if flags&ProtMMIO != 0 && hint == 0 {
		return fmt.Errorf("%w: MMIO without physical range", ErrInvalid)
	}

	length = roundUpPage(length)

	hit, err := m.overlaps(s, v, length)
	if err != nil {
		return err
	}

	if hit {
		return fmt.Errorf("%w: %s+%#x", ErrAlreadyMapped, v, length)
	}

	// Stray leaves outside any object count as mapped too.
	for off := uint64(0); off < length; off += hw.PageSize {
		if _, err := m.mapper.LeafPTE(s.root, v+hw.VirtAddr(off)); err == nil {
			return fmt.Errorf("%w: leaf at %s", ErrAlreadyMapped, v+hw.VirtAddr(off))
		}
	}

	obj := VMObject{Base: v, Length: length, Flags: flags}

	if err := m.mapObject(s, obj, hint); err != nil {
		return err
	}

	return m.insertNode(s, obj)
}

// Free releases the object covering v: every leaf is unmapped, non-MMIO frames go back to the
// PMM, interior tables that empty out are released by the mapper, and the node is removed.
func (m *Manager) Free(s *Space, v hw.VirtAddr) error {
	saved := s.lock.Acquire(m.cpu)
	defer s.lock.Release(m.cpu, saved)

	_, obj, err := m.findNode(s, v)
	if err != nil {
		return err
	}

	if err := m.unmapObject(s, obj, obj.Length); err != nil {
		return err
	}

	return m.removeNode(s, obj.Base)
}

// unmapObject unmaps the trailing length bytes of an object, freeing backing frames.
func (m *Manager) unmapObject(s *Space, obj VMObject, length uint64) error {
	for off := obj.Length - length; off < obj.Length; off += hw.PageSize {
		v := obj.Base + hw.VirtAddr(off)

		frame := hw.PhysAddr(0)

		if obj.Flags&ProtMMIO == 0 {
			if pa, err := m.mapper.Translate(s.root, v); err == nil {
				frame = pa.PageBase()
			}
		}

		if err := m.mapper.UnmapPage(s.root, v); err != nil {
			return err
		}

		if frame != 0 {
			if err := m.frames.Free(frame, hw.PageSize); err != nil {
				return err
			}
		}
	}

	return nil
}

// Resize grows or shrinks the object at v to newLength bytes.
func (m *Manager) Resize(s *Space, v hw.VirtAddr, newLength uint64) error {
	saved := s.lock.Acquire(m.cpu)
	defer s.lock.Release(m.cpu, saved)

	n, obj, err := m.findNode(s, v)
	if err != nil {
		return err
	}

	newLength = roundUpPage(newLength)

	switch {
	case newLength == 0:
		return fmt.Errorf("%w: zero length", ErrInvalid)
	case newLength == obj.Length:
		return nil
	case newLength < obj.Length:
		if err := m.unmapObject(s, obj, obj.Length-newLength); err != nil {
			return err
		}
	default:
		grow := newLength - obj.Length
		end := obj.Base + hw.VirtAddr(obj.Length)

		if end+hw.VirtAddr(grow) > s.allocEnd {
			return fmt.Errorf("%w: grow past window end", ErrOOM)
		}

		hit, err := m.overlaps(s, end, grow)
		if err != nil {
			return err
		}

		if hit {
			return fmt.Errorf("%w: grow collides at %s", ErrOOM, end)
		}

		tail := VMObject{Base: end, Length: grow, Flags: obj.Flags}
		if err := m.mapObject(s, tail, 0); err != nil {
			return err
		}
	}

	obj.Length = newLength

	_, next, err := m.nodeRead(n)
	if err != nil {
		return err
	}

	return m.nodeWrite(n, obj, next)
}

// Protect rewrites the permissions of the object covering v, leaf by leaf, invalidating each
// modified translation.
func (m *Manager) Protect(s *Space, v hw.VirtAddr, flags Prot) error {
	saved := s.lock.Acquire(m.cpu)
	defer s.lock.Release(m.cpu, saved)

	n, obj, err := m.findNode(s, v)
	if err != nil {
		return err
	}

	// MMIO-ness is a property of the backing, not a permission; it survives protection changes.
	flags = flags&^ProtMMIO | obj.Flags&ProtMMIO

	for off := uint64(0); off < obj.Length; off += hw.PageSize {
		if err := m.mapper.Protect(s.root, obj.Base+hw.VirtAddr(off), flags); err != nil {
			return err
		}
	}

	obj.Flags = flags

	_, next, err := m.nodeRead(n)
	if err != nil {
		return err
	}

	return m.nodeWrite(n, obj, next)
}

// Destroy tears a non-kernel space down: every object is freed, then the destruction cascade
// walks the lower half releasing any remaining leaf frames and the interior tables leaf-to-root.
// Nothing reachable from the kernel space is touched.
func (m *Manager) Destroy(s *Space) error {
	if s == nil || s.kernel {
		return ErrInvalid
	}

	saved := s.lock.Acquire(m.cpu)
	defer s.lock.Release(m.cpu, saved)

	for s.head != 0 {
		obj, _, err := m.nodeRead(s.head)
		if err != nil {
			return err
		}

		if err := m.unmapObject(s, obj, obj.Length); err != nil {
			return err
		}

		if err := m.removeNode(s, obj.Base); err != nil {
			return err
		}
	}

	return m.mapper.DestroyLowerHalf(s.root, func(pa hw.PhysAddr, mmio bool) error {
		if mmio {
			return nil
		}

		return m.frames.Free(pa, hw.PageSize)
	})
}

// MapPage installs one leaf directly, for callers below the object layer.
func (m *Manager) MapPage(s *Space, v hw.VirtAddr, p hw.PhysAddr, flags Prot) error {
	saved := s.lock.Acquire(m.cpu)
	defer s.lock.Release(m.cpu, saved)

	return m.mapper.MapPage(s.root, v, p, flags)
}

// UnmapPage removes one leaf directly.
func (m *Manager) UnmapPage(s *Space, v hw.VirtAddr) error {
	saved := s.lock.Acquire(m.cpu)
	defer s.lock.Release(m.cpu, saved)

	return m.mapper.UnmapPage(s.root, v)
}

// MapRange maps a contiguous range directly.
func (m *Manager) MapRange(s *Space, v hw.VirtAddr, p hw.PhysAddr, length uint64, flags Prot) error {
	saved := s.lock.Acquire(m.cpu)
	defer s.lock.Release(m.cpu, saved)

	return m.mapper.MapRange(s.root, v, p, length, flags)
}

// UnmapRange removes a contiguous range directly.
func (m *Manager) UnmapRange(s *Space, v hw.VirtAddr, length uint64) error {
	saved := s.lock.Acquire(m.cpu)
	defer s.lock.Release(m.cpu, saved)

	return m.mapper.UnmapRange(s.root, v, length)
}

// GetPhysical translates v through the space's tables.
func (m *Manager) GetPhysical(s *Space, v hw.VirtAddr) (hw.PhysAddr, error) {
	saved := s.lock.Acquire(m.cpu)
	defer s.lock.Release(m.cpu, saved)

	return m.mapper.Translate(s.root, v)
}

// FindMappedObject returns the object covering v.
func (m *Manager) FindMappedObject(s *Space, v hw.VirtAddr) (VMObject, error) {
	saved := s.lock.Acquire(m.cpu)
	defer s.lock.Release(m.cpu, saved)

	_, obj, err := m.findNode(s, v)

	return obj, err
}

// CheckFlags reports whether the leaf covering v carries every flag in want.
func (m *Manager) CheckFlags(s *Space, v hw.VirtAddr, want Prot) bool {
	saved := s.lock.Acquire(m.cpu)
	defer s.lock.Release(m.cpu, saved)

	prot, err := m.mapper.LeafProt(s.root, v)
	if err != nil {
		return false
	}

	return prot&want == want
}

// ObjectsOf returns a snapshot of the space's object list, ascending.
func (m *Manager) ObjectsOf(s *Space) ([]VMObject, error) {
	saved := s.lock.Acquire(m.cpu)
	defer s.lock.Release(m.cpu, saved)

	var out []VMObject

	for cur := s.head; cur != 0; {
		obj, next, err := m.nodeRead(cur)
		if err != nil {
			return nil, err
		}

		out = append(out, obj)
		cur = next
	}

	return out, nil
}

func roundUpPage(v uint64) uint64 {
	return (v + hw.PageSize - 1) &^ (hw.PageSize - 1)
}
