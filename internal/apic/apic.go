// Package apic drives the interrupt controllers: the per-CPU local APIC and the chipset I/O
// APIC. Both are programmed through MMIO windows the VMM maps uncached; the MADT supplies their
// addresses and the board's legacy-IRQ wiring.
package apic

import (
	"errors"
	"fmt"

	"github.com/vesperos/vesper/internal/hw"
	"github.com/vesperos/vesper/internal/log"
	"github.com/vesperos/vesper/internal/vmm"
)

// Errors.
var (
	ErrNoIOAPIC = errors.New("apic: no ioapic record")
	ErrBadGSI   = errors.New("apic: gsi outside redirection table")
)

// Delivery-mode bits for LVT and redirection entries.
const (
	deliveryFixed = 0x0 << 8
	deliveryNMI   = 0x4 << 8
)

// LAPIC is the local APIC driver.
type LAPIC struct {
	cpu   *hw.CPU
	vm    *vmm.Manager
	space *vmm.Space
	mem   *hw.Memory

	base hw.VirtAddr
	phys hw.PhysAddr

	spurious uint8

	log *log.Logger
}

// InitLAPIC brings the local APIC up: the base MSR is read (and globally enabled if firmware
// left it off), the register frame is mapped uncached, the spurious vector register gets the
// software-enable bit, and the task priority drops to accept everything.
func InitLAPIC(cpu *hw.CPU, vm *vmm.Manager, space *vmm.Space, mem *hw.Memory,
	spurious uint8, logger *log.Logger,
) (*LAPIC, error) {
	if logger == nil {
		logger = log.DefaultLogger()
	}

	base, err := cpu.ReadMSR(hw.MSRAPICBase)
	if err != nil {
		return nil, err
	}

	if base&hw.APICBaseEnable == 0 {
		base |= hw.APICBaseEnable
		if err := cpu.WriteMSR(hw.MSRAPICBase, base); err != nil {
			return nil, err
		}
	}

	phys := hw.PhysAddr(base) & 0x0000000ffffff000

	virt, err := vm.Alloc(space, hw.PageSize, vmm.ProtMMIO|vmm.ProtWrite, phys)
	if err != nil {
		return nil, fmt.Errorf("lapic map: %w", err)
	}

	l := &LAPIC{
		cpu:      cpu,
		vm:       vm,
		space:    space,
		mem:      mem,
		base:     virt,
		phys:     phys,
		spurious: spurious,
		log:      logger,
	}

	if err := l.write(hw.LAPICRegSVR, uint32(spurious)|hw.LAPICSVREnable); err != nil {
		return nil, err
	}

	if err := l.write(hw.LAPICRegTPR, 0); err != nil {
		return nil, err
	}

	logger.Info("apic: lapic enabled",
		"base", phys.String(), "id", l.ID(), "spurious", spurious)

	return l, nil
}

func (l *LAPIC) read(off uint64) (uint32, error) {
	pa, err := l.vm.GetPhysical(l.space, l.base+hw.VirtAddr(off))
	if err != nil {
		return 0, err
	}

	return l.mem.Read32(pa)
}

func (l *LAPIC) write(off uint64, val uint32) error {
	pa, err := l.vm.GetPhysical(l.space, l.base+hw.VirtAddr(off))
	if err != nil {
		return err
	}

	return l.mem.Write32(pa, val)
}

// ID returns the LAPIC ID from the register file.
func (l *LAPIC) ID() uint8 {
	v, err := l.read(hw.LAPICRegID)
	if err != nil {
		return 0
	}

	return uint8(v >> 24)
}

// EOI acknowledges the in-service interrupt.
func (l *LAPIC) EOI() {
	_ = l.write(hw.LAPICRegEOI, 0)
}

// SendIPI sends a fixed-delivery IPI: wait for the delivery status to clear, write the
// destination, then the vector.
func (l *LAPIC) SendIPI(dest uint8, vec uint8) error {
	for {
		lo, err := l.read(hw.LAPICRegICRLow)
		if err != nil {
			return err
		}

		if lo&hw.LAPICICRDelivering == 0 {
			break
		}
	}

	if err := l.write(hw.LAPICRegICRHigh, uint32(dest)<<24); err != nil {
		return err
	}

	return l.write(hw.LAPICRegICRLow, uint32(vec)|deliveryFixed)
}

// ApplyNMIs programs LVT LINT0/LINT1 for every MADT NMI record naming this processor.
func (l *LAPIC) ApplyNMIs(m *MADT) error {
	id := l.ID()

	for _, nmi := range m.NMIs {
		if nmi.ProcID != 0xff && nmi.ProcID != id {
			continue
		}

		reg := uint64(hw.LAPICRegLVTLINT0)
		if nmi.LINT == 1 {
			reg = hw.LAPICRegLVTLINT1
		}

		if err := l.write(reg, deliveryNMI); err != nil {
			return err
		}

		l.log.Info("apic: lint set to nmi", "lint", nmi.LINT)
	}

	return nil
}

// IOAPIC is the I/O APIC driver.
type IOAPIC struct {
	cpu   *hw.CPU
	vm    *vmm.Manager
	space *vmm.Space
	mem   *hw.Memory

	base    hw.VirtAddr
	gsiBase uint32
	entries int

	// isaToGSI is the legacy wiring after interrupt source overrides.
	isaToGSI map[int]int

	log *log.Logger
}

// InitIOAPIC maps the I/O APIC named by the MADT, sizes its redirection table from the version
// register, points every entry at the BSP masked with vector 32+GSI, and applies the interrupt
// source overrides.
func InitIOAPIC(cpu *hw.CPU, vm *vmm.Manager, space *vmm.Space, mem *hw.Memory,
	m *MADT, bsp uint8, logger *log.Logger,
) (*IOAPIC, error) {
	if logger == nil {
		logger = log.DefaultLogger()
	}

	if len(m.IOAPICs) == 0 {
		return nil, ErrNoIOAPIC
	}

	rec := m.IOAPICs[0]

	virt, err := vm.Alloc(space, hw.PageSize, vmm.ProtMMIO|vmm.ProtWrite, hw.PhysAddr(rec.Addr))
	if err != nil {
		return nil, fmt.Errorf("ioapic map: %w", err)
	}

	io := &IOAPIC{
		cpu:      cpu,
		vm:       vm,
		space:    space,
		mem:      mem,
		base:     virt,
		gsiBase:  rec.GSIBase,
		isaToGSI: make(map[int]int),
		log:      logger,
	}

	ver, err := io.readReg(hw.IOAPICIndexVersion)
	if err != nil {
		return nil, err
	}

	io.entries = int(ver>>16&0xff) + 1

	for i := 0; i < io.entries; i++ {
		vec := uint32(32 + io.gsiBase + uint32(i))

		if err := io.writeEntry(i, vec|hw.IOAPICRedirMaskBit, uint32(bsp)<<24); err != nil {
			return nil, err
		}
	}

	for _, ovr := range m.Overrides {
		gsi := int(ovr.GSI - io.gsiBase)
		if gsi < 0 || gsi >= io.entries {
			continue
		}

		lo := uint32(32+ovr.GSI) | hw.IOAPICRedirMaskBit

		if ovr.ActiveLow() {
			lo |= hw.IOAPICRedirPolarity
		}

		if ovr.LevelTriggered() {
			lo |= hw.IOAPICRedirTrigger
		}

		if err := io.writeEntry(gsi, lo, uint32(bsp)<<24); err != nil {
			return nil, err
		}

		io.isaToGSI[int(ovr.Source)] = int(ovr.GSI)

		io.log.Info("apic: interrupt override",
			"isa", ovr.Source, "gsi", ovr.GSI,
			"activeLow", ovr.ActiveLow(), "level", ovr.LevelTriggered())
	}

	logger.Info("apic: ioapic ready",
		"base", hw.PhysAddr(rec.Addr).String(), "entries", io.entries, "gsiBase", io.gsiBase)

	return io, nil
}

func (io *IOAPIC) readReg(idx uint32) (uint32, error) {
	if err := io.writeMMIO(hw.IOAPICRegSel, idx); err != nil {
		return 0, err
	}

	return io.readMMIO(hw.IOAPICRegWin)
}

func (io *IOAPIC) writeReg(idx, val uint32) error {
	if err := io.writeMMIO(hw.IOAPICRegSel, idx); err != nil {
		return err
	}

	return io.writeMMIO(hw.IOAPICRegWin, val)
}

func (io *IOAPIC) readMMIO(off uint64) (uint32, error) {
	pa, err := io.vm.GetPhysical(io.space, io.base+hw.VirtAddr(off))
	if err != nil {
		return 0, err
	}

	return io.mem.Read32(pa)
}

func (io *IOAPIC) writeMMIO(off uint64, val uint32) error {
	pa, err := io.vm.GetPhysical(io.space, io.base+hw.VirtAddr(off))
	if err != nil {
		return err
	}

	return io.mem.Write32(pa, val)
}

func (io *IOAPIC) writeEntry(gsi int, lo, hi uint32) error {
	idx := uint32(hw.IOAPICIndexRedBase + gsi*2)

	if err := io.writeReg(idx, lo); err != nil {
		return err
	}

	return io.writeReg(idx+1, hi)
}

// GSIFor resolves an ISA IRQ through the overrides.
func (io *IOAPIC) GSIFor(isa int) int {
	if gsi, ok := io.isaToGSI[isa]; ok {
		return gsi
	}

	return isa
}

// Unmask opens a redirection entry by clearing bit 16 of its low dword.
func (io *IOAPIC) Unmask(gsi int) error {
	return io.setMask(gsi, false)
}

// Mask closes a redirection entry.
func (io *IOAPIC) Mask(gsi int) error {
	return io.setMask(gsi, true)
}

func (io *IOAPIC) setMask(gsi int, masked bool) error {
	if gsi < 0 || gsi >= io.entries {
		return fmt.Errorf("%w: %d", ErrBadGSI, gsi)
	}

	idx := uint32(hw.IOAPICIndexRedBase + gsi*2)

	lo, err := io.readReg(idx)
	if err != nil {
		return err
	}

	if masked {
		lo |= hw.IOAPICRedirMaskBit
	} else {
		lo &^= hw.IOAPICRedirMaskBit
	}

	return io.writeReg(idx, lo)
}

// Entries returns the redirection table size.
func (io *IOAPIC) Entries() int {
	return io.entries
}
