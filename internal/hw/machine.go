package hw

// machine.go assembles the machine from its parts.

import (
	"io"
	"sync"

	"github.com/vesperos/vesper/internal/log"
)

// Well-known physical layout. The kernel image is loaded at the traditional megabyte mark; the
// hole below it covers the EBDA and legacy ROM windows.
const (
	LowRAMEnd       PhysAddr = 0x0009fc00
	KernelLoadBase  PhysAddr = 0x00100000
	DefaultRAMBytes uint64   = 128 << 20
	ACPIRegionBytes uint64   = 64 << 10
)

// Config sets up a machine.
type Config struct {
	// RAMBytes is the amount of memory above the megabyte mark. Zero means DefaultRAMBytes.
	RAMBytes uint64

	// SerialOut receives bytes the guest transmits on COM1. Nil discards them.
	SerialOut io.Writer

	// SerialLogOut receives bytes the guest transmits on COM2, the log port. Nil discards
	// them.
	SerialLogOut io.Writer

	Logger *log.Logger
}

// Machine is the simulated computer: one CPU, the memory bus, the port bus, and the board
// devices. Everything else — APICs, consoles, the kernel itself — is layered on by its owner.
type Machine struct {
	Mem    *Memory
	CPU    *CPU
	Ports  *PortBus
	COM1   *UART
	COM2   *UART
	PIC    *PIC
	LAPIC  *LAPIC
	IOAPIC *IOAPIC

	mut    sync.Mutex
	router func(irq int)

	log *log.Logger
}

// New builds a machine. The memory map carves the traditional hole below 1 MiB and an ACPI
// region at the top of RAM where the firmware lays its tables.
func New(cfg Config) *Machine {
	if cfg.RAMBytes == 0 {
		cfg.RAMBytes = DefaultRAMBytes
	}

	if cfg.Logger == nil {
		cfg.Logger = log.DefaultLogger()
	}

	ramEnd := KernelLoadBase + PhysAddr(cfg.RAMBytes)
	acpiBase := ramEnd - PhysAddr(ACPIRegionBytes)

	entries := []MapEntry{
		{Start: 0, Length: uint64(LowRAMEnd), Type: TypeRAM},
		{Start: LowRAMEnd, Length: uint64(KernelLoadBase - LowRAMEnd), Type: TypeReserved},
		{Start: KernelLoadBase, Length: uint64(acpiBase - KernelLoadBase), Type: TypeRAM},
		{Start: acpiBase, Length: ACPIRegionBytes, Type: TypeACPI},
	}

	m := &Machine{
		Mem:   NewMemory(entries),
		CPU:   NewCPU(),
		Ports: NewPortBus(),
		COM1:  NewUART(COM1Base, cfg.SerialOut),
		COM2:  NewUART(COM2Base, cfg.SerialLogOut),
		PIC:   NewPIC(),
		log:   cfg.Logger,
	}

	m.Ports.Claim(COM1Base, 8, m.COM1)
	m.Ports.Claim(COM2Base, 8, m.COM2)
	m.Ports.Claim(PICMasterCmd, 2, m.PIC)
	m.Ports.Claim(PICSlaveCmd, 2, m.PIC)

	// The interrupt controllers live at their architectural frames.
	m.LAPIC = NewLAPIC(m.CPU.LAPICID(), m.CPU.Raise)
	m.IOAPIC = NewIOAPIC(m.CPU.Raise)
	_ = m.Mem.MapMMIO(LAPICDefaultBase, PageSize, m.LAPIC)
	_ = m.Mem.MapMMIO(IOAPICDefaultBase, PageSize, m.IOAPIC)

	// Until the kernel reroutes IRQs through the IOAPIC, the 8259 owns them.
	m.router = func(irq int) { m.PIC.Raise(irq) }
	m.PIC.OnInterrupt(func(vec uint8) { m.CPU.Raise(vec) })
	m.COM1.OnInterrupt(func() { m.RaiseIRQ(COM1IRQ) })
	m.COM2.OnInterrupt(func() { m.RaiseIRQ(COM2IRQ) })

	return m
}

// RaiseIRQ asserts a board IRQ line through whichever interrupt controller currently owns it.
func (m *Machine) RaiseIRQ(irq int) {
	m.mut.Lock()
	router := m.router
	m.mut.Unlock()

	if router != nil {
		router(irq)
	}
}

// SetIRQRouter replaces the IRQ routing path. The APIC layer installs its IOAPIC here once the
// redirection table is programmed.
func (m *Machine) SetIRQRouter(fn func(irq int)) {
	m.mut.Lock()
	m.router = fn
	m.mut.Unlock()
}

// GSIFor returns the board's wiring of an ISA IRQ to its global system interrupt: the timer line
// is wired to GSI 2, everything else is identity. The firmware's interrupt source override
// records describe the same wiring to the kernel.
func (m *Machine) GSIFor(irq int) int {
	if irq == 0 {
		return 2
	}

	return irq
}

// RouteThroughIOAPIC retargets board IRQ lines at the IOAPIC, the state after the kernel masks
// the 8259s and programs the redirection table.
func (m *Machine) RouteThroughIOAPIC() {
	m.SetIRQRouter(func(irq int) {
		m.IOAPIC.Assert(m.GSIFor(irq))
	})
}

// ACPIRegion returns the base and length of the firmware table region.
func (m *Machine) ACPIRegion() (PhysAddr, uint64) {
	for _, e := range m.Mem.Map() {
		if e.Type == TypeACPI {
			return e.Start, e.Length
		}
	}

	return 0, 0
}
