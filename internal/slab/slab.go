// Package slab provides named fixed-size object caches backed by PMM pages. Each slab is one
// page: a header at the page start records the owning cache, its place in the cache's slab
// lists, and an intrusive freelist threaded through the free objects. An object pointer resolves
// to its slab by masking to the page base, so free needs no lookup structure.
package slab

import (
	"errors"
	"fmt"

	"github.com/vesperos/vesper/internal/hw"
	"github.com/vesperos/vesper/internal/klock"
	"github.com/vesperos/vesper/internal/log"
	"github.com/vesperos/vesper/internal/pmm"
)

// Status errors.
var (
	ErrInvalid    = errors.New("slab: invalid argument")
	ErrNoMemory   = errors.New("slab: no memory")
	ErrNotInit    = errors.New("slab: not initialized")
	ErrCacheFull  = errors.New("slab: cache table full")
	ErrNotFound   = errors.New("slab: not found")
	ErrCorruption = errors.New("slab: corrupt slab header")
	ErrBadSize    = errors.New("slab: object size too large")
)

// MaxCaches bounds the cache registry.
const MaxCaches = 16

// MaxObjectSize is the largest object a cache will take; bigger allocations should go straight
// to the PMM.
const MaxObjectSize = hw.PageSize / 8

// colorStride staggers object areas across slabs by cache lines.
const colorStride = 64

// Slab header layout, one u64 per field, at the page base.
const (
	hdrMagic    = 0  // magic | cache index
	hdrNext     = 8  // next slab page in this list
	hdrPrev     = 16 // previous slab page in this list
	hdrFreeHead = 24 // first free object, 0 = none
	hdrFreeCnt  = 32
	hdrObjBase  = 40 // offset of the object area
	hdrCapacity = 48
	hdrSize     = 56
)

const slabMagic uint64 = 0x51ab51abcafe0000

// state of a slab, derived from its free count.
type state int

const (
	stateEmpty state = iota
	statePartial
	stateFull
)

// Cache is one named object cache.
type Cache struct {
	name    string
	objSize uint64
	align   uint64
	stride  uint64
	index   int

	// Heads of the per-state slab lists, threaded through the slab headers.
	lists [3]hw.PhysAddr

	slabs   uint64
	inUse   uint64
	nextClr uint64
}

// Name returns the cache's registered name.
func (c *Cache) Name() string { return c.name }

// ObjSize returns the object size the cache was created with.
func (c *Cache) ObjSize() uint64 { return c.objSize }

// InUse returns the count of live objects.
func (c *Cache) InUse() uint64 { return c.inUse }

// Manager is the cache registry and allocator.
type Manager struct {
	window Window
	frames *pmm.Allocator

	caches [MaxCaches]*Cache

	lock *klock.SpinLock
	cpu  *hw.CPU
	log  *log.Logger
}

// Window is the PHYSMAP view the slab layer reads and writes headers through.
type Window = pmm.Window

// New creates a manager drawing slab pages from the buddy allocator.
func New(window Window, frames *pmm.Allocator, cpu *hw.CPU, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.DefaultLogger()
	}

	return &Manager{
		window: window,
		frames: frames,
		cpu:    cpu,
		lock:   klock.New("slab"),
		log:    logger,
	}
}

// CacheCreate registers a new cache. Alignment must be a power of two; zero means 8.
func (m *Manager) CacheCreate(name string, objSize, align uint64) (*Cache, error) {
	saved := m.lock.Acquire(m.cpu)
	defer m.lock.Release(m.cpu, saved)

	if align == 0 {
		align = 8
	}

	if name == "" || align&(align-1) != 0 {
		return nil, fmt.Errorf("%w: name %q align %d", ErrInvalid, name, align)
	}

	if objSize < 8 || objSize > MaxObjectSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrBadSize, objSize)
	}

	slot := -1

	for i, c := range m.caches {
		if c != nil && c.name == name {
			return nil, fmt.Errorf("%w: duplicate cache %q", ErrInvalid, name)
		}

		if c == nil && slot < 0 {
			slot = i
		}
	}

	if slot < 0 {
		return nil, ErrCacheFull
	}

	stride := roundUp(objSize, align)

	c := &Cache{
		name:    name,
		objSize: objSize,
		align:   align,
		stride:  stride,
		index:   slot,
	}
	m.caches[slot] = c

	return c, nil
}

// Find returns the cache registered under name.
func (m *Manager) Find(name string) (*Cache, error) {
	saved := m.lock.Acquire(m.cpu)
	defer m.lock.Release(m.cpu, saved)

	for _, c := range m.caches {
		if c != nil && c.name == name {
			return c, nil
		}
	}

	return nil, fmt.Errorf("%w: cache %q", ErrNotFound, name)
}

func roundUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// header I/O

func (m *Manager) rd(page hw.PhysAddr, field uint64) (uint64, error) {
	return m.window.Read64(page + hw.PhysAddr(field))
}

func (m *Manager) wr(page hw.PhysAddr, field, v uint64) error {
	return m.window.Write64(page+hw.PhysAddr(field), v)
}

func (m *Manager) checkSlab(page hw.PhysAddr, c *Cache) error {
	magic, err := m.rd(page, hdrMagic)
	if err != nil {
		return err
	}

	if magic != slabMagic|uint64(c.index) {
		return fmt.Errorf("%w: page %s magic %#x", ErrCorruption, page, magic)
	}

	return nil
}

func (c *Cache) stateOf(freeCnt, capacity uint64) state {
	switch freeCnt {
	case 0:
		return stateFull
	case capacity:
		return stateEmpty
	default:
		return statePartial
	}
}

// listInsert pushes a slab page onto the head of a state list.
func (m *Manager) listInsert(c *Cache, page hw.PhysAddr, s state) error {
	head := c.lists[s]

	if err := m.wr(page, hdrNext, uint64(head)); err != nil {
		return err
	}

	if err := m.wr(page, hdrPrev, 0); err != nil {
		return err
	}

	if head != 0 {
		if err := m.wr(head, hdrPrev, uint64(page)); err != nil {
			return err
		}
	}

	c.lists[s] = page

	return nil
}

// listRemove unlinks a slab page from a state list.
func (m *Manager) listRemove(c *Cache, page hw.PhysAddr, s state) error {
	next, err := m.rd(page, hdrNext)
	if err != nil {
		return err
	}

	prev, err := m.rd(page, hdrPrev)
	if err != nil {
		return err
	}

	if prev != 0 {
		if err := m.wr(hw.PhysAddr(prev), hdrNext, next); err != nil {
			return err
		}
	} else {
		c.lists[s] = hw.PhysAddr(next)
	}

	if next != 0 {
		if err := m.wr(hw.PhysAddr(next), hdrPrev, prev); err != nil {
			return err
		}
	}

	return nil
}

// grow adds one empty slab page to the cache.
func (m *Manager) grow(c *Cache) error {
	page, err := m.frames.Alloc(hw.PageSize)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNoMemory, err)
	}

	// Coloring: the slack left after packing objects at color zero is cycled through in
	// cache-line steps, so successive slabs stagger their object areas.
	base0 := roundUp(hdrSize, c.align)
	cap0 := (hw.PageSize - base0) / c.stride
	slack := hw.PageSize - base0 - cap0*c.stride
	colors := slack/colorStride + 1

	color := roundUp(c.nextClr%colors*colorStride, c.align)
	c.nextClr++

	objBase := base0 + color
	capacity := (hw.PageSize - objBase) / c.stride

	if capacity == 0 {
		_ = m.frames.Free(page, hw.PageSize)
		return fmt.Errorf("%w: stride %d", ErrBadSize, c.stride)
	}

	fields := map[uint64]uint64{
		hdrMagic:    slabMagic | uint64(c.index),
		hdrFreeCnt:  capacity,
		hdrObjBase:  objBase,
		hdrCapacity: capacity,
	}

	for f, v := range fields {
		if err := m.wr(page, f, v); err != nil {
			return err
		}
	}

	// Thread the freelist through the objects.
	var prev uint64

	for i := int(capacity) - 1; i >= 0; i-- {
		obj := uint64(page) + objBase + uint64(i)*c.stride
		if err := m.window.Write64(hw.PhysAddr(obj), prev); err != nil {
			return err
		}

		prev = obj
	}

	if err := m.wr(page, hdrFreeHead, prev); err != nil {
		return err
	}

	c.slabs++

	return m.listInsert(c, page, stateEmpty)
}

// Alloc takes one object from the cache, preferring partial slabs, then empty ones, growing the
// cache only when both are dry.
func (m *Manager) Alloc(c *Cache) (hw.PhysAddr, error) {
	saved := m.lock.Acquire(m.cpu)
	defer m.lock.Release(m.cpu, saved)

	if c == nil {
		return 0, ErrInvalid
	}

	page := c.lists[statePartial]
	from := statePartial

	if page == 0 {
		page = c.lists[stateEmpty]
		from = stateEmpty
	}

	if page == 0 {
		if err := m.grow(c); err != nil {
			return 0, err
		}

		page = c.lists[stateEmpty]
		from = stateEmpty
	}

	if err := m.checkSlab(page, c); err != nil {
		return 0, err
	}

	head, err := m.rd(page, hdrFreeHead)
	if err != nil {
		return 0, err
	}

	if head == 0 {
		return 0, fmt.Errorf("%w: empty freelist on non-full slab %s", ErrCorruption, page)
	}

	next, err := m.window.Read64(hw.PhysAddr(head))
	if err != nil {
		return 0, err
	}

	if err := m.wr(page, hdrFreeHead, next); err != nil {
		return 0, err
	}

	freeCnt, err := m.rd(page, hdrFreeCnt)
	if err != nil {
		return 0, err
	}

	capacity, err := m.rd(page, hdrCapacity)
	if err != nil {
		return 0, err
	}

	freeCnt--

	if err := m.wr(page, hdrFreeCnt, freeCnt); err != nil {
		return 0, err
	}

	if to := c.stateOf(freeCnt, capacity); to != from {
		if err := m.listRemove(c, page, from); err != nil {
			return 0, err
		}

		if err := m.listInsert(c, page, to); err != nil {
			return 0, err
		}
	}

	c.inUse++

	return hw.PhysAddr(head), nil
}

// Free returns an object to its slab. The object must belong to the given cache; its slab is
// found by masking the address to its page.
func (m *Manager) Free(c *Cache, obj hw.PhysAddr) error {
	saved := m.lock.Acquire(m.cpu)
	defer m.lock.Release(m.cpu, saved)

	if c == nil {
		return ErrInvalid
	}

	page := obj.PageBase()

	if err := m.checkSlab(page, c); err != nil {
		return err
	}

	objBase, err := m.rd(page, hdrObjBase)
	if err != nil {
		return err
	}

	off := uint64(obj) - uint64(page)
	if off < objBase || (off-objBase)%c.stride != 0 {
		return fmt.Errorf("%w: object %s", ErrInvalid, obj)
	}

	head, err := m.rd(page, hdrFreeHead)
	if err != nil {
		return err
	}

	if err := m.window.Write64(obj, head); err != nil {
		return err
	}

	if err := m.wr(page, hdrFreeHead, uint64(obj)); err != nil {
		return err
	}

	freeCnt, err := m.rd(page, hdrFreeCnt)
	if err != nil {
		return err
	}

	capacity, err := m.rd(page, hdrCapacity)
	if err != nil {
		return err
	}

	from := c.stateOf(freeCnt, capacity)
	freeCnt++

	if err := m.wr(page, hdrFreeCnt, freeCnt); err != nil {
		return err
	}

	if to := c.stateOf(freeCnt, capacity); to != from {
		if err := m.listRemove(c, page, from); err != nil {
			return err
		}

		if err := m.listInsert(c, page, to); err != nil {
			return err
		}
	}

	c.inUse--

	// Cache pressure policy: keep one empty slab, release the rest.
	return m.trimEmpty(c)
}

// trimEmpty releases surplus empty slabs back to the PMM, keeping one as a reserve.
func (m *Manager) trimEmpty(c *Cache) error {
	head := c.lists[stateEmpty]
	if head == 0 {
		return nil
	}

	next, err := m.rd(head, hdrNext)
	if err != nil {
		return err
	}

	for next != 0 {
		page := hw.PhysAddr(next)

		next, err = m.rd(page, hdrNext)
		if err != nil {
			return err
		}

		if err := m.listRemove(c, page, stateEmpty); err != nil {
			return err
		}

		if err := m.wr(page, hdrMagic, 0); err != nil {
			return err
		}

		if err := m.frames.Free(page, hw.PageSize); err != nil {
			return err
		}

		c.slabs--
	}

	return nil
}

// CacheDestroy releases every slab of a cache and frees its registry slot. Live objects are a
// caller bug; they are reported and the pages released anyway.
func (m *Manager) CacheDestroy(c *Cache) error {
	saved := m.lock.Acquire(m.cpu)
	defer m.lock.Release(m.cpu, saved)

	if c == nil || m.caches[c.index] != c {
		return ErrInvalid
	}

	if c.inUse > 0 {
		m.log.Warn("slab: destroying cache with live objects", "cache", c.name, "live", c.inUse)
	}

	for s := stateEmpty; s <= stateFull; s++ {
		for page := c.lists[s]; page != 0; {
			next, err := m.rd(page, hdrNext)
			if err != nil {
				return err
			}

			if err := m.wr(page, hdrMagic, 0); err != nil {
				return err
			}

			if err := m.frames.Free(page, hw.PageSize); err != nil {
				return err
			}

			page = hw.PhysAddr(next)
		}

		c.lists[s] = 0
	}

	m.caches[c.index] = nil

	return nil
}
