// Package hw simulates the machine the kernel runs on: physical memory behind a bus, a CPU
// register file, a port bus, and the handful of devices the core needs (UART, 8259 pair). The
// kernel packages above it only ever touch hardware through these types, the same way a real
// kernel only touches hardware through loads, stores, and special instructions.
package hw

import "fmt"

// PhysAddr is an address on the memory bus. Physical and virtual addresses are distinct domains;
// conversions between them happen only in the paging layer.
type PhysAddr uint64

func (p PhysAddr) String() string {
	return fmt.Sprintf("%#011x", uint64(p))
}

// VirtAddr is an address in some address space. It means nothing to the bus.
type VirtAddr uint64

func (v VirtAddr) String() string {
	return fmt.Sprintf("%#018x", uint64(v))
}

// PageSize is the granularity of the bus's MMIO windows and of everything the kernel maps.
const (
	PageSize  = 4096
	PageShift = 12
)

// PageBase masks an address down to its frame.
func (p PhysAddr) PageBase() PhysAddr {
	return p &^ (PageSize - 1)
}

// PageOffset returns the offset of the address within its frame.
func (p PhysAddr) PageOffset() uint64 {
	return uint64(p) & (PageSize - 1)
}

// PageBase masks an address down to its page.
func (v VirtAddr) PageBase() VirtAddr {
	return v &^ (PageSize - 1)
}

// PageOffset returns the offset of the address within its page.
func (v VirtAddr) PageOffset() uint64 {
	return uint64(v) & (PageSize - 1)
}
