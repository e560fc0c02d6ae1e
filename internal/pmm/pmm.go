// Package pmm is the physical memory manager: a range-based buddy allocator whose free lists
// live inside the free blocks themselves. The first eight bytes of a free block hold the
// physical address of the next free block in its order's list (zero ends the list); the next
// word carries a magic tag and the block's order so pops and coalesces can detect corruption.
//
// All header access goes through a Window, the PHYSMAP view of physical memory. The allocator
// owns no host-side bookkeeping for free blocks at all: its state is the frames.
package pmm

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/vesperos/vesper/internal/hw"
	"github.com/vesperos/vesper/internal/klock"
	"github.com/vesperos/vesper/internal/log"
)

// Window reads and writes physical memory through the PHYSMAP mapping.
type Window interface {
	Read64(p hw.PhysAddr) (uint64, error)
	Write64(p hw.PhysAddr, v uint64) error
}

// Status errors.
var (
	ErrOOM         = errors.New("pmm: out of memory")
	ErrInvalid     = errors.New("pmm: invalid argument")
	ErrNotInit     = errors.New("pmm: not initialized")
	ErrAlreadyInit = errors.New("pmm: already initialized")
	ErrNotAligned  = errors.New("pmm: misaligned address")
	ErrOutOfRange  = errors.New("pmm: address outside managed range")
	ErrNotFound    = errors.New("pmm: block not found")
)

// blockMagic tags the second header word of a free block; the low byte carries the order.
const blockMagic uint64 = 0xb0ddfeedf4ee0000

// magicOrderMask extracts the order from the tag word.
const magicOrderMask uint64 = 0xff

// Stats are the allocator's read-only counters.
type Stats struct {
	Allocations uint64
	Frees       uint64
	Coalesces   uint64
	Corruptions uint64
}

// Allocator is the buddy allocator over one physical range.
type Allocator struct {
	window   Window
	base     hw.PhysAddr
	end      hw.PhysAddr
	minBlock uint64
	maxOrder int

	// heads[o] is the physical address of the first free block of order o; zero means empty.
	// Managed ranges never start at physical zero, so zero is free to be the sentinel.
	heads  []hw.PhysAddr
	counts []uint64

	stats Stats
	ready bool

	lock *klock.SpinLock
	cpu  *hw.CPU
	log  *log.Logger
}

// New creates an uninitialized allocator. Init must run before any other operation.
func New(window Window, cpu *hw.CPU, logger *log.Logger) *Allocator {
	if logger == nil {
		logger = log.DefaultLogger()
	}

	return &Allocator{
		window: window,
		cpu:    cpu,
		lock:   klock.New("pmm"),
		log:    logger,
	}
}

// Init takes ownership of [start, end), rounded inward to multiples of minBlock. minBlock must
// be a power of two no smaller than eight, and the range must not start at physical zero.
func (a *Allocator) Init(start, end hw.PhysAddr, minBlock uint64) error {
	saved := a.lock.Acquire(a.cpu)
	defer a.lock.Release(a.cpu, saved)

	if a.ready {
		return ErrAlreadyInit
	}

	if minBlock < 8 || bits.OnesCount64(minBlock) != 1 {
		return fmt.Errorf("%w: min block %#x", ErrInvalid, minBlock)
	}

	start = hw.PhysAddr(roundUp(uint64(start), minBlock))
	end = hw.PhysAddr(uint64(end) &^ (minBlock - 1))

	if start == 0 || start >= end {
		return fmt.Errorf("%w: [%s,%s)", ErrInvalid, start, end)
	}

	size := uint64(end - start)
	maxOrder := bits.Len64(size/minBlock) - 1

	a.base = start
	a.end = end
	a.minBlock = minBlock
	a.maxOrder = maxOrder
	a.heads = make([]hw.PhysAddr, maxOrder+1)
	a.counts = make([]uint64, maxOrder+1)
	a.ready = true

	if err := a.insertRange(start, end); err != nil {
		a.ready = false
		return err
	}

	a.log.Info("pmm: managing range",
		"base", a.base.String(), "end", a.end.String(), "maxOrder", maxOrder)

	return nil
}

// Base returns the managed range start.
func (a *Allocator) Base() hw.PhysAddr { return a.base }

// End returns the managed range end.
func (a *Allocator) End() hw.PhysAddr { return a.end }

// MinBlock returns the configured minimum block size.
func (a *Allocator) MinBlock() uint64 { return a.minBlock }

func roundUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

func (a *Allocator) orderSize(order int) uint64 {
	return a.minBlock << uint(order)
}

// orderFor returns the smallest order whose block covers size bytes.
func (a *Allocator) orderFor(size uint64) int {
	blocks := roundUp(size, a.minBlock) / a.minBlock
	o := bits.Len64(blocks - 1)

	return o
}

// Free-list plumbing. The list nodes are the blocks.

func (a *Allocator) readNext(p hw.PhysAddr) (hw.PhysAddr, error) {
	v, err := a.window.Read64(p)
	return hw.PhysAddr(v), err
}

func (a *Allocator) writeHeader(p hw.PhysAddr, next hw.PhysAddr, order int) error {
	if err := a.window.Write64(p, uint64(next)); err != nil {
		return err
	}

	if a.orderSize(order) >= 16 {
		return a.window.Write64(p+8, blockMagic|uint64(order))
	}

	return nil
}

// checkHeader validates a block's tag word on pop or coalesce. Blocks too small for a tag are
// exempt.
func (a *Allocator) checkHeader(p hw.PhysAddr, order int) bool {
	if a.orderSize(order) < 16 {
		return true
	}

	tag, err := a.window.Read64(p + 8)
	if err != nil || tag&^magicOrderMask != blockMagic || int(tag&magicOrderMask) != order {
		a.stats.Corruptions++
		a.log.Error("pmm: free block header corrupt",
			"addr", p.String(), "order", order, "tag", fmt.Sprintf("%#x", tag))

		return false
	}

	return true
}

func (a *Allocator) push(p hw.PhysAddr, order int) error {
	if err := a.writeHeader(p, a.heads[order], order); err != nil {
		return err
	}

	a.heads[order] = p
	a.counts[order]++

	return nil
}

func (a *Allocator) pop(order int) (hw.PhysAddr, error) {
	p := a.heads[order]
	if p == 0 {
		return 0, ErrNotFound
	}

	a.checkHeader(p, order)

	next, err := a.readNext(p)
	if err != nil {
		return 0, err
	}

	a.heads[order] = next
	a.counts[order]--

	return p, nil
}

// unlink removes a specific block from its order's list, returning ErrNotFound if absent.
func (a *Allocator) unlink(target hw.PhysAddr, order int) error {
	var prev hw.PhysAddr

	for p := a.heads[order]; p != 0; {
		next, err := a.readNext(p)
		if err != nil {
			return err
		}

		if p == target {
			a.checkHeader(p, order)

			if prev == 0 {
				a.heads[order] = next
			} else if err := a.window.Write64(prev, uint64(next)); err != nil {
				return err
			}

			a.counts[order]--

			return nil
		}

		prev, p = p, next
	}

	return ErrNotFound
}

func (a *Allocator) onList(target hw.PhysAddr, order int) (bool, error) {
	for p := a.heads[order]; p != 0; {
		if p == target {
			return true, nil
		}

		next, err := a.readNext(p)
		if err != nil {
			return false, err
		}

		p = next
	}

	return false, nil
}

// insertRange decomposes an aligned sub-range greedily into the largest naturally aligned
// power-of-two blocks that fit and pushes each onto its order's list.
func (a *Allocator) insertRange(start, end hw.PhysAddr) error {
	for start < end {
		order := a.maxOrder

		for order > 0 {
			size := a.orderSize(order)
			if uint64(start-a.base)%size == 0 && uint64(end-start) >= size {
				break
			}

			order--
		}

		if err := a.push(start, order); err != nil {
			return err
		}

		start += hw.PhysAddr(a.orderSize(order))
	}

	return nil
}

// Alloc returns a naturally aligned block of at least size bytes.
func (a *Allocator) Alloc(size uint64) (hw.PhysAddr, error) {
	saved := a.lock.Acquire(a.cpu)
	defer a.lock.Release(a.cpu, saved)

	if !a.ready {
		return 0, ErrNotInit
	}

	if size == 0 || size > uint64(a.end-a.base) {
		return 0, fmt.Errorf("%w: size %#x", ErrInvalid, size)
	}

	order := a.orderFor(size)

	avail := -1

	for o := order; o <= a.maxOrder; o++ {
		if a.heads[o] != 0 {
			avail = o
			break
		}
	}

	if avail < 0 {
		return 0, fmt.Errorf("%w: %#x bytes", ErrOOM, size)
	}

	p, err := a.pop(avail)
	if err != nil {
		return 0, err
	}

	// Split down, pushing the upper half each time.
	for avail > order {
		avail--

		if err := a.push(p+hw.PhysAddr(a.orderSize(avail)), avail); err != nil {
			return 0, err
		}
	}

	a.stats.Allocations++

	return p, nil
}

// Free returns a block to the allocator, coalescing with its buddy upward as far as possible.
// The size must be the one passed to Alloc.
func (a *Allocator) Free(p hw.PhysAddr, size uint64) error {
	saved := a.lock.Acquire(a.cpu)
	defer a.lock.Release(a.cpu, saved)

	if !a.ready {
		return ErrNotInit
	}

	if p < a.base || p >= a.end {
		return fmt.Errorf("%w: %s", ErrOutOfRange, p)
	}

	order := a.orderFor(size)

	if uint64(p-a.base)%a.orderSize(order) != 0 {
		return fmt.Errorf("%w: %s order %d", ErrNotAligned, p, order)
	}

	for order < a.maxOrder {
		buddy := a.buddyOf(p, order)

		if buddy < a.base || buddy+hw.PhysAddr(a.orderSize(order)) > a.end {
			break
		}

		on, err := a.onList(buddy, order)
		if err != nil {
			return err
		}

		if !on {
			break
		}

		if err := a.unlink(buddy, order); err != nil {
			return err
		}

		if buddy < p {
			p = buddy
		}

		order++
		a.stats.Coalesces++
	}

	if err := a.push(p, order); err != nil {
		return err
	}

	a.stats.Frees++

	return nil
}

// buddyOf computes the buddy of a block: the same-size neighbor that together with it forms the
// next-larger aligned block.
func (a *Allocator) buddyOf(p hw.PhysAddr, order int) hw.PhysAddr {
	return hw.PhysAddr(uint64(p-a.base)^a.orderSize(order)) + a.base
}

// MarkReserved removes [start, end) from the free lists, trimming any free block that overlaps
// it and reinserting the remainder.
func (a *Allocator) MarkReserved(start, end hw.PhysAddr) error {
	saved := a.lock.Acquire(a.cpu)
	defer a.lock.Release(a.cpu, saved)

	if !a.ready {
		return ErrNotInit
	}

	if start < a.base {
		start = a.base
	}

	if end > a.end {
		end = a.end
	}

	if start >= end {
		return fmt.Errorf("%w: empty range", ErrInvalid)
	}

	for order := 0; order <= a.maxOrder; order++ {
		size := hw.PhysAddr(a.orderSize(order))

		// Collect overlapping blocks first; unlinking while walking would skip nodes.
		var hits []hw.PhysAddr

		for p := a.heads[order]; p != 0; {
			next, err := a.readNext(p)
			if err != nil {
				return err
			}

			if p < end && p+size > start {
				hits = append(hits, p)
			}

			p = next
		}

		for _, p := range hits {
			if err := a.unlink(p, order); err != nil {
				return err
			}

			if p < start {
				if err := a.insertRange(p, start); err != nil {
					return err
				}
			}

			if p+size > end {
				if err := a.insertRange(end, p+size); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

// MarkFree hands [start, end) to the allocator as free space.
func (a *Allocator) MarkFree(start, end hw.PhysAddr) error {
	saved := a.lock.Acquire(a.cpu)
	defer a.lock.Release(a.cpu, saved)

	if !a.ready {
		return ErrNotInit
	}

	if start < a.base || end > a.end || start >= end {
		return fmt.Errorf("%w: [%s,%s)", ErrOutOfRange, start, end)
	}

	return a.insertRange(start, end)
}

// FreeBlocks returns the free-block count at one order.
func (a *Allocator) FreeBlocks(order int) uint64 {
	saved := a.lock.Acquire(a.cpu)
	defer a.lock.Release(a.cpu, saved)

	if order < 0 || order > a.maxOrder {
		return 0
	}

	return a.counts[order]
}

// FreeBytes sums the free lists.
func (a *Allocator) FreeBytes() uint64 {
	saved := a.lock.Acquire(a.cpu)
	defer a.lock.Release(a.cpu, saved)

	var total uint64

	for o := range a.counts {
		total += a.counts[o] * a.orderSize(o)
	}

	return total
}

// Stats returns a snapshot of the counters.
func (a *Allocator) Stats() Stats {
	saved := a.lock.Acquire(a.cpu)
	defer a.lock.Release(a.cpu, saved)

	return a.stats
}

// VerifyIntegrity walks every free list checking alignment, range, header tags, and count
// consistency. It returns the first inconsistency found.
func (a *Allocator) VerifyIntegrity() error {
	saved := a.lock.Acquire(a.cpu)
	defer a.lock.Release(a.cpu, saved)

	if !a.ready {
		return ErrNotInit
	}

	for order := 0; order <= a.maxOrder; order++ {
		size := a.orderSize(order)

		var n uint64

		for p := a.heads[order]; p != 0; {
			if p < a.base || p+hw.PhysAddr(size) > a.end {
				return fmt.Errorf("%w: %s at order %d", ErrOutOfRange, p, order)
			}

			if uint64(p-a.base)%size != 0 {
				return fmt.Errorf("%w: %s at order %d", ErrNotAligned, p, order)
			}

			if !a.checkHeader(p, order) {
				return fmt.Errorf("%w: %s at order %d", ErrInvalid, p, order)
			}

			n++
			if n > a.counts[order] {
				return fmt.Errorf("%w: cycle at order %d", ErrInvalid, order)
			}

			next, err := a.readNext(p)
			if err != nil {
				return err
			}

			p = next
		}

		if n != a.counts[order] {
			return fmt.Errorf("%w: order %d count %d != %d", ErrInvalid, order, n, a.counts[order])
		}
	}

	return nil
}

// AllocFrame implements the paging frame source on top of the buddy.
func (a *Allocator) AllocFrame() (hw.PhysAddr, error) {
	return a.Alloc(hw.PageSize)
}

// FreeFrame implements the paging frame source on top of the buddy.
func (a *Allocator) FreeFrame(p hw.PhysAddr) error {
	return a.Free(p, hw.PageSize)
}

// BusWindow adapts the raw memory bus as a Window, for use before PHYSMAP exists and in tests.
type BusWindow struct {
	Mem *hw.Memory
}

func (w BusWindow) Read64(p hw.PhysAddr) (uint64, error) { return w.Mem.Read64(p) }

func (w BusWindow) Write64(p hw.PhysAddr, v uint64) error { return w.Mem.Write64(p, v) }
