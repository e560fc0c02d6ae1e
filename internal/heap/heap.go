// Package heap is the boundary-tag kernel heap, layered on the VMM. Blocks carry a magic-tagged
// header and a mirrored footer so frees can coalesce in both directions, and both sides of every
// payload are fenced with a red-zone pattern. The free list is size-ordered and allocation is
// best-fit.
package heap

import (
	"errors"
	"fmt"

	"github.com/vesperos/vesper/internal/hw"
	"github.com/vesperos/vesper/internal/klock"
	"github.com/vesperos/vesper/internal/log"
	"github.com/vesperos/vesper/internal/pmm"
	"github.com/vesperos/vesper/internal/vmm"
)

// Status errors.
var (
	ErrInvalid    = errors.New("heap: invalid argument")
	ErrOOM        = errors.New("heap: out of memory")
	ErrNotInit    = errors.New("heap: not initialized")
	ErrVMMFail    = errors.New("heap: backing vmm failed")
	ErrCorrupted  = errors.New("heap: block corrupted")
	ErrNotFound   = errors.New("heap: pointer not from this heap")
	ErrDoubleFree = errors.New("heap: double free")
)

// Tunables.
const (
	// MinAlign is the payload alignment.
	MinAlign = 16

	// MinSize is the growth quantum requested from the VMM.
	MinSize = 64 << 10

	// minSplit is the smallest tail worth splitting off a best-fit block.
	minSplit = hdrSize + redzone*2 + ftrSize + 64
)

// Block layout. All fields are u64.
const (
	hSize  = 0 // total block size, header through footer
	hFlags = 8 // bit 0: allocated
	hPrev  = 16
	hNext  = 24
	hMagic = 32

	hdrSize = 48 // rounded so the payload stays 16-aligned
	redzone = 16
	ftrSize = 16 // size, magic

	payloadOff = hdrSize + redzone
	overhead   = hdrSize + redzone*2 + ftrSize
)

const (
	headerMagic uint64 = 0xc0ffee42c0ffee42
	redzoneByte byte   = 0x5a
	flagAlloc   uint64 = 1 << 0
)

// Heap is one allocator instance over one address space.
type Heap struct {
	vm     *vmm.Manager
	space  *vmm.Space
	window pmm.Window
	cpu    *hw.CPU

	free    hw.VirtAddr // size-ordered free list head
	regions []region

	// urgentFatal is the panic sink for URGENT allocations that cannot be satisfied.
	urgentFatal func(msg string)

	stats Stats
	lock  *klock.SpinLock
	log   *log.Logger
}

type region struct {
	start hw.VirtAddr
	end   hw.VirtAddr
}

// Stats are the heap's read-only counters.
type Stats struct {
	Allocations uint64
	Frees       uint64
	Grows       uint64
	Corruptions uint64
}

// kernelHeap is the distinguished kernel instance.
var kernelHeap *Heap

// SetKernel installs the kernel heap singleton during bring-up.
func SetKernel(h *Heap) {
	kernelHeap = h
}

// Kernel returns the kernel heap.
func Kernel() *Heap {
	return kernelHeap
}

// New creates a heap over an address space. The first allocation grows it.
func New(vm *vmm.Manager, space *vmm.Space, window pmm.Window, cpu *hw.CPU, logger *log.Logger) *Heap {
	if logger == nil {
		logger = log.DefaultLogger()
	}

	return &Heap{
		vm:     vm,
		space:  space,
		window: window,
		cpu:    cpu,
		lock:   klock.New("heap"),
		log:    logger,
	}
}

// SetUrgentFatal installs the panic sink used when an URGENT allocation fails.
func (h *Heap) SetUrgentFatal(fn func(msg string)) {
	h.urgentFatal = fn
}

// Destroy releases every region back to the VMM. Outstanding pointers die with it.
func (h *Heap) Destroy() error {
	saved := h.lock.Acquire(h.cpu)
	defer h.lock.Release(h.cpu, saved)

	for _, r := range h.regions {
		if err := h.vm.Free(h.space, r.start); err != nil {
			return fmt.Errorf("%w: %w", ErrVMMFail, err)
		}
	}

	h.regions = nil
	h.free = 0

	return nil
}

// word access through the address space

func (h *Heap) rd(v hw.VirtAddr) (uint64, error) {
	pa, err := h.vm.GetPhysical(h.space, v)
	if err != nil {
		return 0, err
	}

	return h.window.Read64(pa)
}

func (h *Heap) wr(v hw.VirtAddr, val uint64) error {
	pa, err := h.vm.GetPhysical(h.space, v)
	if err != nil {
		return err
	}

	return h.window.Write64(pa, val)
}

func (h *Heap) fill(v hw.VirtAddr, b byte, n uint64) error {
	word := uint64(b)
	word |= word<<8 | word<<16 | word<<24
	word |= word << 32

	for off := uint64(0); off < n; off += 8 {
		if err := h.wr(v+hw.VirtAddr(off), word); err != nil {
			return err
		}
	}

	return nil
}

func (h *Heap) checkFill(v hw.VirtAddr, b byte, n uint64) (bool, error) {
	word := uint64(b)
	word |= word<<8 | word<<16 | word<<24
	word |= word << 32

	for off := uint64(0); off < n; off += 8 {
		got, err := h.rd(v + hw.VirtAddr(off))
		if err != nil {
			return false, err
		}

		if got != word {
			return false, nil
		}
	}

	return true, nil
}

// block helpers

func (h *Heap) blockSize(blk hw.VirtAddr) (uint64, error) { return h.rd(blk + hSize) }

func (h *Heap) writeFooter(blk hw.VirtAddr, size uint64) error {
	ftr := blk + hw.VirtAddr(size-ftrSize)

	if err := h.wr(ftr, size); err != nil {
		return err
	}

	return h.wr(ftr+8, headerMagic)
}

// checkBlock validates the header and footer magics and the size mirror.
func (h *Heap) checkBlock(blk hw.VirtAddr) (uint64, error) {
	magic, err := h.rd(blk + hMagic)
	if err != nil {
		return 0, err
	}

	if magic != headerMagic {
		h.stats.Corruptions++
		return 0, fmt.Errorf("%w: header magic %#x at %s", ErrCorrupted, magic, blk)
	}

	size, err := h.blockSize(blk)
	if err != nil {
		return 0, err
	}

	ftr := blk + hw.VirtAddr(size-ftrSize)

	fsize, err := h.rd(ftr)
	if err != nil {
		return 0, err
	}

	fmagic, err := h.rd(ftr + 8)
	if err != nil {
		return 0, err
	}

	if fsize != size || fmagic != headerMagic {
		h.stats.Corruptions++
		return 0, fmt.Errorf("%w: footer mismatch at %s", ErrCorrupted, blk)
	}

	return size, nil
}

// free-list plumbing, size-ordered ascending

func (h *Heap) listInsert(blk hw.VirtAddr, size uint64) error {
	var prev hw.VirtAddr

	cur := h.free

	for cur != 0 {
		curSize, err := h.blockSize(cur)
		if err != nil {
			return err
		}

		if curSize >= size {
			break
		}

		next, err := h.rd(cur + hNext)
		if err != nil {
			return err
		}

		prev, cur = cur, hw.VirtAddr(next)
	}

	if err := h.wr(blk+hPrev, uint64(prev)); err != nil {
		return err
	}

	if err := h.wr(blk+hNext, uint64(cur)); err != nil {
		return err
	}

	if prev == 0 {
		h.free = blk
	} else if err := h.wr(prev+hNext, uint64(blk)); err != nil {
		return err
	}

	if cur != 0 {
		if err := h.wr(cur+hPrev, uint64(blk)); err != nil {
			return err
		}
	}

	return nil
}

func (h *Heap) listRemove(blk hw.VirtAddr) error {
	prev, err := h.rd(blk + hPrev)
	if err != nil {
		return err
	}

	next, err := h.rd(blk + hNext)
	if err != nil {
		return err
	}

	if prev == 0 {
		h.free = hw.VirtAddr(next)
	} else if err := h.wr(hw.VirtAddr(prev)+hNext, next); err != nil {
		return err
	}

	if next != 0 {
		if err := h.wr(hw.VirtAddr(next)+hPrev, prev); err != nil {
			return err
		}
	}

	return nil
}

// makeFree writes a free block's header, footer, and list linkage.
func (h *Heap) makeFree(blk hw.VirtAddr, size uint64) error {
	if err := h.wr(blk+hSize, size); err != nil {
		return err
	}

	if err := h.wr(blk+hFlags, 0); err != nil {
		return err
	}

	if err := h.wr(blk+hMagic, headerMagic); err != nil {
		return err
	}

	if err := h.writeFooter(blk, size); err != nil {
		return err
	}

	return h.listInsert(blk, size)
}

// grow asks the VMM for more pages and seeds them as one free block.
func (h *Heap) grow(need uint64) error {
	want := need
	if want < MinSize {
		want = MinSize
	}

	want = (want + hw.PageSize - 1) &^ (hw.PageSize - 1)

	base, err := h.vm.Alloc(h.space, want, vmm.ProtWrite, 0)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrVMMFail, err)
	}

	h.regions = append(h.regions, region{start: base, end: base + hw.VirtAddr(want)})
	h.stats.Grows++

	return h.makeFree(base, want)
}

func (h *Heap) regionOf(blk hw.VirtAddr) (region, bool) {
	for _, r := range h.regions {
		if blk >= r.start && blk < r.end {
			return r, true
		}
	}

	return region{}, false
}

// Malloc allocates size bytes, payload aligned to MinAlign.
func (h *Heap) Malloc(size uint64) (hw.VirtAddr, error) {
	saved := h.lock.Acquire(h.cpu)
	defer h.lock.Release(h.cpu, saved)

	return h.malloc(size)
}

// MallocUrgent is Malloc for allocations the kernel cannot survive losing: on failure it routes
// to the panic sink instead of returning.
func (h *Heap) MallocUrgent(size uint64) (hw.VirtAddr, error) {
	saved := h.lock.Acquire(h.cpu)
	p, err := h.malloc(size)
	h.lock.Release(h.cpu, saved)

	if err != nil && h.urgentFatal != nil {
		h.urgentFatal(fmt.Sprintf("urgent allocation of %d bytes failed: %v", size, err))
	}

	return p, err
}

func (h *Heap) malloc(size uint64) (hw.VirtAddr, error) {
	if size == 0 {
		return 0, fmt.Errorf("%w: zero size", ErrInvalid)
	}

	need := roundUp(size, MinAlign) + overhead

	blk, err := h.bestFit(need)
	if err != nil {
		return 0, err
	}

	if blk == 0 {
		if err := h.grow(need); err != nil {
			return 0, err
		}

		blk, err = h.bestFit(need)
		if err != nil {
			return 0, err
		}

		if blk == 0 {
			return 0, fmt.Errorf("%w: %d bytes", ErrOOM, size)
		}
	}

	blkSize, err := h.checkBlock(blk)
	if err != nil {
		return 0, err
	}

	if err := h.listRemove(blk); err != nil {
		return 0, err
	}

	// Split if the tail is worth keeping.
	if blkSize-need >= minSplit {
		if err := h.makeFree(blk+hw.VirtAddr(need), blkSize-need); err != nil {
			return 0, err
		}

		blkSize = need
	}

	if err := h.wr(blk+hSize, blkSize); err != nil {
		return 0, err
	}

	if err := h.wr(blk+hFlags, flagAlloc); err != nil {
		return 0, err
	}

	if err := h.wr(blk+hMagic, headerMagic); err != nil {
		return 0, err
	}

	if err := h.writeFooter(blk, blkSize); err != nil {
		return 0, err
	}

	// Fence the payload.
	if err := h.fill(blk+hdrSize, redzoneByte, redzone); err != nil {
		return 0, err
	}

	if err := h.fill(blk+hw.VirtAddr(blkSize-ftrSize-redzone), redzoneByte, redzone); err != nil {
		return 0, err
	}

	h.stats.Allocations++

	return blk + payloadOff, nil
}

// bestFit returns the smallest free block of at least need bytes. The list is size-ordered, so
// the first fit is the best fit.
func (h *Heap) bestFit(need uint64) (hw.VirtAddr, error) {
	for cur := h.free; cur != 0; {
		size, err := h.blockSize(cur)
		if err != nil {
			return 0, err
		}

		if size >= need {
			return cur, nil
		}

		next, err := h.rd(cur + hNext)
		if err != nil {
			return 0, err
		}

		cur = hw.VirtAddr(next)
	}

	return 0, nil
}

// Free returns a payload pointer to the heap, coalescing with both neighbors.
func (h *Heap) Free(ptr hw.VirtAddr) error {
	saved := h.lock.Acquire(h.cpu)
	defer h.lock.Release(h.cpu, saved)

	return h.freeBlock(ptr)
}

func (h *Heap) freeBlock(ptr hw.VirtAddr) error {
	if ptr == 0 {
		return fmt.Errorf("%w: nil pointer", ErrInvalid)
	}

	blk := ptr - payloadOff

	r, ok := h.regionOf(blk)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, ptr)
	}

	size, err := h.checkBlock(blk)
	if err != nil {
		return err
	}

	flags, err := h.rd(blk + hFlags)
	if err != nil {
		return err
	}

	if flags&flagAlloc == 0 {
		return fmt.Errorf("%w: %s", ErrDoubleFree, ptr)
	}

	// Coalesce backward through the preceding block's footer.
	if blk > r.start {
		pftr := blk - ftrSize

		psize, err := h.rd(pftr)
		if err != nil {
			return err
		}

		pmagic, err := h.rd(pftr + 8)
		if err != nil {
			return err
		}

		if pmagic == headerMagic && psize <= uint64(blk-r.start) {
			pblk := blk - hw.VirtAddr(psize)

			pflags, err := h.rd(pblk + hFlags)
			if err != nil {
				return err
			}

			if pflags&flagAlloc == 0 {
				if err := h.listRemove(pblk); err != nil {
					return err
				}

				blk = pblk
				size += psize
			}
		}
	}

	// Coalesce forward.
	if next := blk + hw.VirtAddr(size); next < r.end {
		nmagic, err := h.rd(next + hMagic)
		if err != nil {
			return err
		}

		if nmagic == headerMagic {
			nflags, err := h.rd(next + hFlags)
			if err != nil {
				return err
			}

			if nflags&flagAlloc == 0 {
				nsize, err := h.blockSize(next)
				if err != nil {
					return err
				}

				if err := h.listRemove(next); err != nil {
					return err
				}

				size += nsize
			}
		}
	}

	if err := h.makeFree(blk, size); err != nil {
		return err
	}

	h.stats.Frees++

	return nil
}

// Realloc resizes an allocation. A nil pointer is Malloc; a zero size is Free returning nil.
func (h *Heap) Realloc(ptr hw.VirtAddr, size uint64) (hw.VirtAddr, error) {
	if ptr == 0 {
		return h.Malloc(size)
	}

	if size == 0 {
		return 0, h.Free(ptr)
	}

	saved := h.lock.Acquire(h.cpu)
	defer h.lock.Release(h.cpu, saved)

	blk := ptr - payloadOff

	if _, ok := h.regionOf(blk); !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, ptr)
	}

	oldSize, err := h.checkBlock(blk)
	if err != nil {
		return 0, err
	}

	oldPayload := oldSize - overhead

	newPtr, err := h.malloc(size)
	if err != nil {
		return 0, err
	}

	n := oldPayload
	if size < n {
		n = size
	}

	for off := uint64(0); off < n; off += 8 {
		word, err := h.rd(ptr + hw.VirtAddr(off))
		if err != nil {
			return 0, err
		}

		if err := h.wr(newPtr+hw.VirtAddr(off), word); err != nil {
			return 0, err
		}
	}

	if err := h.freeBlock(ptr); err != nil {
		return 0, err
	}

	return newPtr, nil
}

// Calloc allocates n*size bytes, zeroed.
func (h *Heap) Calloc(n, size uint64) (hw.VirtAddr, error) {
	if n != 0 && size > ^uint64(0)/n {
		return 0, fmt.Errorf("%w: calloc overflow", ErrInvalid)
	}

	total := n * size

	ptr, err := h.Malloc(total)
	if err != nil {
		return 0, err
	}

	saved := h.lock.Acquire(h.cpu)
	defer h.lock.Release(h.cpu, saved)

	if err := h.fill(ptr, 0, roundUp(total, 8)); err != nil {
		return 0, err
	}

	return ptr, nil
}

// CheckIntegrity walks every block of every region, verifying magics, size mirrors, red zones of
// allocated blocks, and free-list linkage.
func (h *Heap) CheckIntegrity() error {
	saved := h.lock.Acquire(h.cpu)
	defer h.lock.Release(h.cpu, saved)

	var freeSeen uint64

	for _, r := range h.regions {
		for blk := r.start; blk < r.end; {
			size, err := h.checkBlock(blk)
			if err != nil {
				return err
			}

			if size < overhead || blk+hw.VirtAddr(size) > r.end {
				h.stats.Corruptions++
				return fmt.Errorf("%w: size %d at %s", ErrCorrupted, size, blk)
			}

			flags, err := h.rd(blk + hFlags)
			if err != nil {
				return err
			}

			if flags&flagAlloc != 0 {
				ok, err := h.checkFill(blk+hdrSize, redzoneByte, redzone)
				if err != nil {
					return err
				}

				if ok {
					ok, err = h.checkFill(blk+hw.VirtAddr(size-ftrSize-redzone), redzoneByte, redzone)
					if err != nil {
						return err
					}
				}

				if !ok {
					h.stats.Corruptions++
					return fmt.Errorf("%w: red zone at %s", ErrCorrupted, blk)
				}
			} else {
				freeSeen++
			}

			blk += hw.VirtAddr(size)
		}
	}

	// Free-list linkage must account for exactly the free blocks found in the walk.
	var listed uint64

	for cur := h.free; cur != 0; {
		listed++

		if listed > freeSeen {
			return fmt.Errorf("%w: free list longer than free blocks", ErrCorrupted)
		}

		next, err := h.rd(cur + hNext)
		if err != nil {
			return err
		}

		cur = hw.VirtAddr(next)
	}

	if listed != freeSeen {
		return fmt.Errorf("%w: free list %d entries, %d free blocks", ErrCorrupted, listed, freeSeen)
	}

	return nil
}

// Stats returns a snapshot of the counters.
func (h *Heap) Stats() Stats {
	saved := h.lock.Acquire(h.cpu)
	defer h.lock.Release(h.cpu, saved)

	return h.stats
}

func roundUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
