// Package kernel sequences bring-up and owns the machine afterwards. The order is rigid:
// features, early paging, IDT, legacy PIC off, RSDP, PMM, slab, VMM, heap, APIC, timers,
// terminals. Each stage consumes only stages before it; the allocators cannot be trusted until
// the interrupt plumbing under them is alive.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/vesperos/vesper/internal/acpi"
	"github.com/vesperos/vesper/internal/apic"
	"github.com/vesperos/vesper/internal/arch"
	"github.com/vesperos/vesper/internal/firmware"
	"github.com/vesperos/vesper/internal/heap"
	"github.com/vesperos/vesper/internal/hw"
	"github.com/vesperos/vesper/internal/intr"
	"github.com/vesperos/vesper/internal/log"
	"github.com/vesperos/vesper/internal/paging"
	"github.com/vesperos/vesper/internal/pmm"
	"github.com/vesperos/vesper/internal/slab"
	"github.com/vesperos/vesper/internal/tty"
	"github.com/vesperos/vesper/internal/vmm"
)

// SpuriousVector is the LAPIC's spurious vector; the dispatcher never acknowledges it.
const SpuriousVector = intr.SpuriousVector

// ErrPanicked is returned from Run after the panic screen has been rendered.
var ErrPanicked = errors.New("kernel: panicked")

// Kernel holds the machine and every subsystem singleton.
type Kernel struct {
	Machine *hw.Machine
	Boot    *firmware.BootInfo

	Info   *arch.CPUInfo
	Mapper *paging.Mapper
	Root   hw.PhysAddr
	IDT    *intr.Table
	PMM    *pmm.Allocator
	Slabs  *slab.Manager
	VM     *vmm.Manager
	KSpace *vmm.Space
	Heap   *heap.Heap
	ACPI   *acpi.Tables
	RSDP   *acpi.RSDP
	MADT   *apic.MADT
	LAPIC  *apic.LAPIC
	IOAPIC *apic.IOAPIC
	TTYs   *tty.List
	Cons   *tty.TTY

	// TicksPerMS is the TSC calibration result.
	TicksPerMS uint64

	panicked  bool
	panicLine string

	log *log.Logger
}

// physmapWindow is the PHYSMAP view the allocators use: every access translates its physmap
// alias through the live page tables before touching the bus, so a missing or torn-down mapping
// fails loudly instead of silently bypassing the MMU.
type physmapWindow struct {
	mapper *paging.Mapper
	root   hw.PhysAddr
	mem    *hw.Memory
}

func (w *physmapWindow) Read64(p hw.PhysAddr) (uint64, error) {
	pa, err := w.mapper.Translate(w.root, paging.PhysToPhysmap(p))
	if err != nil {
		return 0, err
	}

	return w.mem.Read64(pa)
}

func (w *physmapWindow) Write64(p hw.PhysAddr, v uint64) error {
	pa, err := w.mapper.Translate(w.root, paging.PhysToPhysmap(p))
	if err != nil {
		return err
	}

	return w.mem.Write64(pa, v)
}

// New boots the kernel on a machine the firmware has prepared.
func New(m *hw.Machine, boot *firmware.BootInfo, logger *log.Logger) (*Kernel, error) {
	if logger == nil {
		logger = log.DefaultLogger()
	}

	k := &Kernel{
		Machine: m,
		Boot:    boot,
		log:     logger,
	}

	if err := k.bringUp(); err != nil {
		return nil, err
	}

	return k, nil
}

func (k *Kernel) bringUp() error {
	m := k.Machine

	// CPU identification and feature enables. NXE in particular must be on before the paging
	// layer starts writing NX bits.
	k.Info = arch.Identify(m.CPU)
	arch.EnableFeatures(m.CPU, k.Info, k.log)

	k.initSerial()

	// Early paging: reserve table space inside the image range, reproduce the boot-stub
	// windows, hang PHYSMAP off the root, then drop the identity half.
	budget := paging.EarlyTableBudget(k.Boot.MemoryMap)
	tableBase := k.Boot.KernelImageEnd
	kphysEnd := tableBase + hw.PhysAddr(budget)

	bump := paging.NewBumpRegion(m.Mem, tableBase, kphysEnd)
	k.Mapper = paging.NewMapper(m.Mem, m.CPU, bump, k.log)

	root, err := paging.BootstrapRoot(k.Mapper, m.CPU, kphysEnd)
	if err != nil {
		return fmt.Errorf("bootstrap paging: %w", err)
	}

	k.Root = root

	if err := k.Mapper.InstallPhysmap(root, k.Boot.MemoryMap); err != nil {
		return err
	}

	if err := k.Mapper.TeardownIdentity(root, kphysEnd); err != nil {
		return err
	}

	k.log.Info("paging: higher half only", "root", root.String(), "tables", bump.Used())

	// Interrupts next; nothing below may allocate yet.
	k.IDT = intr.New(m.CPU, k.log)
	k.IDT.SetFatal(k.Panic)
	intr.DisableLegacyPIC(m.Ports)
	m.CPU.Sti()

	// The RSDP arrives as a boot tag and validates before any allocator exists.
	rsdp, err := acpi.ParseRSDP(k.Boot.RSDP)
	if err != nil {
		return err
	}

	k.RSDP = rsdp

	// PMM over everything between the early tables and the firmware region.
	window := &physmapWindow{mapper: k.Mapper, root: root, mem: m.Mem}
	k.PMM = pmm.New(window, m.CPU, k.log)

	pmmEnd := k.ramTop()
	if err := k.PMM.Init(kphysEnd, pmmEnd, hw.PageSize); err != nil {
		return err
	}

	// Interior page tables come from the buddy from here on.
	k.Mapper.SetFrameSource(k.PMM)

	k.Slabs = slab.New(window, k.PMM, m.CPU, k.log)

	k.VM, err = vmm.New(k.Mapper, k.PMM, k.Slabs, window, m.CPU, k.log)
	if err != nil {
		return err
	}

	k.KSpace, err = k.VM.KernelInit(root)
	if err != nil {
		return err
	}

	k.Heap = heap.New(k.VM, k.KSpace, window, m.CPU, k.log)
	k.Heap.SetUrgentFatal(func(msg string) { k.Panic(nil, msg) })
	heap.SetKernel(k.Heap)

	if err := k.initAPIC(); err != nil {
		return err
	}

	k.TicksPerMS = k.calibrateTimer()
	k.log.Info("timer: tsc calibrated", "ticksPerMS", k.TicksPerMS)

	k.initTTY()

	return nil
}

// ramTop returns the end of the RAM entry the kernel lives in.
func (k *Kernel) ramTop() hw.PhysAddr {
	for _, e := range k.Boot.MemoryMap {
		if e.Type != hw.TypeRAM {
			continue
		}

		if hw.KernelLoadBase >= e.Start && hw.KernelLoadBase < e.Start+hw.PhysAddr(e.Length) {
			return e.Start + hw.PhysAddr(e.Length)
		}
	}

	return hw.KernelLoadBase
}

// initAPIC walks the ACPI tables and brings both interrupt controllers up, after which the
// legacy lines route through the IOAPIC.
func (k *Kernel) initAPIC() error {
	m := k.Machine

	k.ACPI = acpi.New(k.VM, k.KSpace, m.Mem, k.log)
	if err := k.ACPI.Init(k.RSDP); err != nil {
		return err
	}

	madtTable, err := k.ACPI.Find("APIC")
	if err != nil {
		return err
	}
	defer func() { _ = madtTable.Unmap() }()

	k.MADT, err = apic.ParseMADT(madtTable)
	if err != nil {
		return err
	}

	k.LAPIC, err = apic.InitLAPIC(m.CPU, k.VM, k.KSpace, m.Mem, SpuriousVector, k.log)
	if err != nil {
		return err
	}

	if err := k.LAPIC.ApplyNMIs(k.MADT); err != nil {
		return err
	}

	k.IDT.SetEOI(k.LAPIC.EOI)

	k.IOAPIC, err = apic.InitIOAPIC(m.CPU, k.VM, k.KSpace, m.Mem, k.MADT, k.LAPIC.ID(), k.log)
	if err != nil {
		return err
	}

	m.RouteThroughIOAPIC()

	return nil
}

// calibrateTimer measures the TSC stride over a fixed spin so later delays can be expressed in
// milliseconds. On this machine the stride is deterministic; on real hardware the loop would
// bracket a PIT window instead.
func (k *Kernel) calibrateTimer() uint64 {
	const samples = 64

	start := k.Machine.CPU.Rdtsc()

	var last uint64
	for i := 0; i < samples; i++ {
		last = k.Machine.CPU.Rdtsc()
	}

	return (last - start) / samples
}

// initSerial programs both serial ports: 38400 baud, 8N1, FIFOs enabled. COM1 is the console,
// COM2 the log port.
func (k *Kernel) initSerial() {
	p := k.Machine.Ports

	for _, base := range []uint16{hw.COM1Base, hw.COM2Base} {
		p.Out8(base+3, 0x80) // DLAB
		p.Out8(base+0, 0x03) // divisor low: 38400 baud
		p.Out8(base+1, 0x00) // divisor high
		p.Out8(base+3, 0x03) // DLAB off, 8N1
		p.Out8(base+2, 0xc7) // FIFO on, clear, 14-byte trigger
	}
}

// initTTY builds the console terminal over COM1 and registers the receive interrupt.
func (k *Kernel) initTTY() {
	m := k.Machine

	k.TTYs = tty.NewList(m.CPU)

	k.Cons = tty.New("console", func(b byte) {
		m.Ports.Out8(hw.COM1Base, b)
	}, m.CPU, k.log)

	k.TTYs.Add(k.Cons)

	// Enable the UART's receive interrupt and open its redirection entry.
	m.Ports.Out8(hw.COM1Base+1, 0x01)

	gsi := k.IOAPIC.GSIFor(hw.COM1IRQ)
	vector := uint8(32 + gsi)

	if err := k.IDT.Register(vector, k.serialISR); err != nil {
		k.log.Error("tty: serial vector busy", "err", err)
	}

	if err := k.IOAPIC.Unmask(gsi); err != nil {
		k.log.Error("tty: unmask failed", "err", err)
	}
}

// serialISR drains COM1 into the active terminal.
func (k *Kernel) serialISR(_ *intr.Context) {
	m := k.Machine

	for m.Ports.In8(hw.COM1Base+5)&0x01 != 0 {
		b := m.Ports.In8(hw.COM1Base)

		t, err := k.TTYs.Active()
		if err != nil {
			return
		}

		t.InputByte(b)
	}
}

// SerialLog returns a writer that transmits on COM2, the log port.
func (k *Kernel) SerialLog() *SerialWriter {
	return &SerialWriter{ports: k.Machine.Ports, base: hw.COM2Base}
}

// SerialWriter transmits bytes on a serial port.
type SerialWriter struct {
	ports *hw.PortBus
	base  uint16
}

func (w *SerialWriter) Write(p []byte) (int, error) {
	for _, b := range p {
		w.ports.Out8(w.base, b)
	}

	return len(p), nil
}

// Run drops into the interactive shell on the console terminal until the context ends, the user
// halts the machine, or something panics.
func (k *Kernel) Run(ctx context.Context) error {
	k.banner()

	line := make([]byte, tty.LineMax)

	for {
		if k.panicked {
			return fmt.Errorf("%w: %s", ErrPanicked, k.panicLine)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, _ = k.Cons.WriteString("vesper> ")

		n, err := k.Cons.ReadLine(line, k.waitForInterrupt(ctx))
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}

			return err
		}

		if done := k.command(strings.TrimSpace(string(line[:n]))); done {
			return nil
		}
	}
}

// waitForInterrupt parks the CPU between keystrokes, bailing out when the context ends.
func (k *Kernel) waitForInterrupt(ctx context.Context) func() error {
	return func() error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		return k.Machine.CPU.Halt()
	}
}

func (k *Kernel) command(cmd string) bool {
	switch cmd {
	case "":
	case "help":
		_, _ = k.Cons.WriteString("commands: help stats mem cpu panic halt\n")
	case "stats":
		s := k.PMM.Stats()
		hs := k.Heap.Stats()
		_, _ = k.Cons.WriteString(fmt.Sprintf(
			"pmm: alloc=%d free=%d coalesce=%d corrupt=%d\nheap: alloc=%d free=%d grow=%d\n",
			s.Allocations, s.Frees, s.Coalesces, s.Corruptions,
			hs.Allocations, hs.Frees, hs.Grows))
	case "mem":
		_, _ = k.Cons.WriteString(fmt.Sprintf("pmm free: %d KiB\n", k.PMM.FreeBytes()>>10))

		for _, e := range k.Boot.MemoryMap {
			_, _ = k.Cons.WriteString(e.String() + "\n")
		}
	case "cpu":
		_, _ = k.Cons.WriteString(k.Info.String() + "\n")
		_, _ = k.Cons.WriteString("features: " + k.Info.Enabled.String() + "\n")
	case "panic":
		k.Panic(nil, "requested from console")

		return true
	case "halt":
		_, _ = k.Cons.WriteString("halted.\n")

		return true
	default:
		_, _ = k.Cons.WriteString("unknown command: " + cmd + "\n")
	}

	return k.panicked
}

// Panicked reports whether the panic path ran.
func (k *Kernel) Panicked() (bool, string) {
	return k.panicked, k.panicLine
}
