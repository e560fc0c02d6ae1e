// Package intr contains the interrupt plumbing: the IDT and its packed stubs, the saved CPU
// context, the dispatcher, and the per-vector handler registry. It must be alive before any
// allocator can be trusted, because the allocators share state with interrupt handlers.
package intr

import (
	"errors"
	"fmt"

	"github.com/vesperos/vesper/internal/hw"
	"github.com/vesperos/vesper/internal/log"
)

// Vector assignments.
const (
	NumVectors = 256

	// IRQBase is where hardware interrupts start; vectors below it are exceptions.
	IRQBase = 32

	// SpuriousVector is acknowledged by never sending EOI.
	SpuriousVector = 0xff
)

// Architectural exception vectors the kernel names explicitly.
const (
	VecDivideError   = 0
	VecDebug         = 1
	VecNMI           = 2
	VecBreakpoint    = 3
	VecOverflow      = 4
	VecBoundRange    = 5
	VecInvalidOpcode = 6
	VecDeviceNA      = 7
	VecDoubleFault   = 8
	VecInvalidTSS    = 10
	VecSegmentNP     = 11
	VecStackFault    = 12
	VecGPFault       = 13
	VecPageFault     = 14
	VecFPError       = 16
	VecAlignment     = 17
	VecMachineCheck  = 18
	VecSIMD          = 19
)

var exceptionNames = map[uint8]string{
	VecDivideError:   "divide error",
	VecDebug:         "debug",
	VecNMI:           "non-maskable interrupt",
	VecBreakpoint:    "breakpoint",
	VecOverflow:      "overflow",
	VecBoundRange:    "bound range exceeded",
	VecInvalidOpcode: "invalid opcode",
	VecDeviceNA:      "device not available",
	VecDoubleFault:   "double fault",
	VecInvalidTSS:    "invalid TSS",
	VecSegmentNP:     "segment not present",
	VecStackFault:    "stack segment fault",
	VecGPFault:       "general protection fault",
	VecPageFault:     "page fault",
	VecFPError:       "x87 floating-point error",
	VecAlignment:     "alignment check",
	VecMachineCheck:  "machine check",
	VecSIMD:          "SIMD floating-point exception",
}

// ExceptionName returns the architectural name for an exception vector.
func ExceptionName(vec uint8) string {
	if name, ok := exceptionNames[vec]; ok {
		return name
	}

	return fmt.Sprintf("exception %d", vec)
}

// Context is the register frame the interrupt stubs capture: every GPR, the vector and error
// code the stub pushed, and the hardware IRET frame.
type Context struct {
	R15, R14, R13, R12, R11, R10, R9, R8 uint64
	RBP, RDI, RSI, RDX, RCX, RBX, RAX    uint64

	Vector  uint64
	ErrCode uint64

	RIP    hw.VirtAddr
	CS     uint64
	RFLAGS uint64
	RSP    hw.VirtAddr
	SS     uint64
}

func (c *Context) String() string {
	return fmt.Sprintf("vec=%d err=%#x rip=%s rsp=%s rflags=%#x",
		c.Vector, c.ErrCode, c.RIP, c.RSP, c.RFLAGS)
}

// LogValue renders the frame for the log.
func (c *Context) LogValue() log.Value {
	return log.GroupValue(
		log.Uint64("vector", c.Vector),
		log.Uint64("err", c.ErrCode),
		log.String("rip", c.RIP.String()),
		log.String("rsp", c.RSP.String()),
	)
}

// Page-fault error code bits.
const (
	PFPresent  = 1 << 0
	PFWrite    = 1 << 1
	PFUser     = 1 << 2
	PFReserved = 1 << 3
	PFIFetch   = 1 << 4
)

// DecodePageFault renders the error-code bits of a page fault the way the panic screen prints
// them.
func DecodePageFault(errCode uint64, cr2 uint64) string {
	cause := "non-present page"
	if errCode&PFPresent != 0 {
		cause = "protection violation"
	}

	access := "read"

	switch {
	case errCode&PFIFetch != 0:
		access = "instruction fetch"
	case errCode&PFWrite != 0:
		access = "write"
	}

	mode := "kernel"
	if errCode&PFUser != 0 {
		mode = "user"
	}

	s := fmt.Sprintf("%s on %s at %#x in %s mode", cause, access, cr2, mode)
	if errCode&PFReserved != 0 {
		s += " (reserved bit set)"
	}

	return s
}

// Handler services one vector in saved-context form.
type Handler func(*Context)

// Gate is one IDT entry. The offset points into the stub block, where each vector owns a
// 16-byte slot that pushes its number (and a zero pseudo error code when the hardware does not
// push one) before jumping to the common entry.
type Gate struct {
	Offset   hw.VirtAddr
	Selector uint16
	IST      uint8
	TypeAttr uint8
}

// Present reports whether the gate has been populated.
func (g Gate) Present() bool {
	return g.TypeAttr&0x80 != 0
}

const (
	gateInterrupt = 0x8e // present, DPL0, 64-bit interrupt gate
	kernelCS      = 0x08
	stubStride    = 16
)

// Table is the IDT plus the per-vector handler registry and the dispatcher state. Writes to the
// registry happen with interrupts disabled; the dispatcher itself runs with them disabled, so
// reads need no lock.
type Table struct {
	cpu   *hw.CPU
	gates [NumVectors]Gate

	handlers [NumVectors]Handler

	// eoi acknowledges a hardware interrupt at the LAPIC. Until the APIC layer installs the
	// real write, acknowledging is a no-op; the dispatch contract is unchanged.
	eoi func()

	// fatal renders a diagnostic and halts. Installed by the kernel's panic path.
	fatal func(*Context, string)

	spurious uint64
	unexpect uint64

	log *log.Logger
}

var (
	// ErrBadVector is returned for registrations outside the table.
	ErrBadVector = errors.New("intr: vector out of range")

	// ErrBusyVector is returned when registering over a live handler.
	ErrBusyVector = errors.New("intr: vector already registered")
)

// StubBase is where the stub block sits in the kernel image. The exact address only matters to
// the gates, which all point into it at a fixed stride.
const StubBase hw.VirtAddr = 0xffffff8000010000

// New builds the IDT, pointing every gate at its stub slot, and installs the dispatcher on the
// CPU's interrupt line.
func New(cpu *hw.CPU, logger *log.Logger) *Table {
	if logger == nil {
		logger = log.DefaultLogger()
	}

	t := &Table{
		cpu: cpu,
		eoi: func() {},
		log: logger,
	}

	for v := 0; v < NumVectors; v++ {
		t.gates[v] = Gate{
			Offset:   StubBase + hw.VirtAddr(v*stubStride),
			Selector: kernelCS,
			TypeAttr: gateInterrupt,
		}
	}

	t.fatal = func(ctx *Context, msg string) {
		t.log.Error("unhandled exception with no panic sink", "msg", msg, "ctx", ctx)
	}

	cpu.SetDeliver(t.deliver)

	return t
}

// Gate returns the descriptor for a vector, for diagnostics.
func (t *Table) Gate(vec uint8) Gate {
	return t.gates[vec]
}

// SetEOI installs the LAPIC end-of-interrupt write.
func (t *Table) SetEOI(fn func()) {
	was := t.cpu.IntrSave()
	t.eoi = fn
	t.cpu.IntrRestore(was)
}

// SetFatal installs the panic sink for exceptions.
func (t *Table) SetFatal(fn func(*Context, string)) {
	was := t.cpu.IntrSave()
	t.fatal = fn
	t.cpu.IntrRestore(was)
}

// Register installs a handler for a vector. The table is shared with interrupt context, so the
// write happens with interrupts disabled.
func (t *Table) Register(vec uint8, fn Handler) error {
	was := t.cpu.IntrSave()
	defer t.cpu.IntrRestore(was)

	if t.handlers[vec] != nil {
		return fmt.Errorf("%w: %d", ErrBusyVector, vec)
	}

	t.handlers[vec] = fn

	return nil
}

// Unregister removes a vector's handler.
func (t *Table) Unregister(vec uint8) {
	was := t.cpu.IntrSave()
	t.handlers[vec] = nil
	t.cpu.IntrRestore(was)
}

// deliver is the common stub entry: it builds the saved context and runs the dispatcher.
func (t *Table) deliver(vec uint8) {
	ctx := &Context{
		Vector: uint64(vec),
		RIP:    StubBase + hw.VirtAddr(uint64(vec)*stubStride),
		CS:     kernelCS,
		RFLAGS: hw.FlagIF | 0x2,
	}

	t.Dispatch(ctx)
}

// Trigger raises a software interrupt through the stub path, as INT n would. Like the
// instruction, it is not gated on IF.
func (t *Table) Trigger(vec uint8) {
	t.deliver(vec)
}

// Fault reports a synchronous exception from kernel code, with the faulting address loaded into
// CR2 for page faults.
func (t *Table) Fault(vec uint8, errCode uint64, addr hw.VirtAddr) {
	if vec == VecPageFault {
		t.cpu.SetCR2(uint64(addr))
	}

	ctx := &Context{
		Vector:  uint64(vec),
		ErrCode: errCode,
		RIP:     StubBase + hw.VirtAddr(uint64(vec)*stubStride),
		CS:      kernelCS,
	}

	t.Dispatch(ctx)
}

// Dispatch is the dispatcher in saved-context form. Spurious vectors return without EOI; a
// registered handler runs and, for hardware vectors, is followed by exactly one EOI; unhandled
// exceptions are fatal; anything else is logged and acknowledged.
func (t *Table) Dispatch(ctx *Context) {
	vec := uint8(ctx.Vector)

	if vec == SpuriousVector {
		t.spurious++
		return
	}

	if fn := t.handlers[vec]; fn != nil {
		fn(ctx)

		if vec >= IRQBase {
			t.eoi()
		}

		return
	}

	if vec < IRQBase {
		msg := ExceptionName(vec)
		if vec == VecPageFault {
			msg = fmt.Sprintf("%s: %s", msg, DecodePageFault(ctx.ErrCode, t.cpu.CR2()))
		}

		t.fatal(ctx, msg)

		return
	}

	t.unexpect++
	t.log.Warn("intr: unhandled hardware interrupt", "vector", vec)
	t.eoi()
}

// Stats returns the spurious and unexpected interrupt counts.
func (t *Table) Stats() (spurious, unexpected uint64) {
	return t.spurious, t.unexpect
}

// DisableLegacyPIC remaps the 8259 pair away from the exception range and masks every line, the
// required state before the IOAPIC takes over.
func DisableLegacyPIC(ports *hw.PortBus) {
	// ICW1: begin initialization, expect ICW4.
	ports.Out8(hw.PICMasterCmd, 0x11)
	ports.Out8(hw.PICSlaveCmd, 0x11)
	// ICW2: vector offsets clear of the exceptions.
	ports.Out8(hw.PICMasterData, 0x20)
	ports.Out8(hw.PICSlaveData, 0x28)
	// ICW3: slave on IRQ2.
	ports.Out8(hw.PICMasterData, 0x04)
	ports.Out8(hw.PICSlaveData, 0x02)
	// ICW4: 8086 mode.
	ports.Out8(hw.PICMasterData, 0x01)
	ports.Out8(hw.PICSlaveData, 0x01)
	// Mask everything.
	ports.Out8(hw.PICMasterData, 0xff)
	ports.Out8(hw.PICSlaveData, 0xff)
}
