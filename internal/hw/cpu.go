package hw

// cpu.go is the CPU register file: control registers, MSRs, the CPUID table, the TSC, and the
// interrupt line. There is exactly one CPU; the kernel core is specified for the BSP only.

import (
	"errors"
	"fmt"
	"sync"

	"github.com/vesperos/vesper/internal/log"
)

// RFLAGS bits.
const (
	FlagIF uint64 = 1 << 9
)

// CR0 bits the kernel manipulates.
const (
	CR0PE uint64 = 1 << 0
	CR0MP uint64 = 1 << 1
	CR0EM uint64 = 1 << 2
	CR0WP uint64 = 1 << 16
	CR0PG uint64 = 1 << 31
)

// CR4 bits the kernel manipulates.
const (
	CR4PAE        uint64 = 1 << 5
	CR4OSFXSR     uint64 = 1 << 9
	CR4OSXMMEXCPT uint64 = 1 << 10
	CR4VMXE       uint64 = 1 << 13
	CR4OSXSAVE    uint64 = 1 << 18
)

// XCR0 state-component bits.
const (
	XCR0X87 uint64 = 1 << 0
	XCR0SSE uint64 = 1 << 1
	XCR0AVX uint64 = 1 << 2
)

// Architectural MSRs.
const (
	MSRAPICBase uint32 = 0x0000001b
	MSREFER     uint32 = 0xc0000080
)

// IA32_EFER bits.
const (
	EFERNXE  uint64 = 1 << 11
	EFERSVME uint64 = 1 << 12
)

// IA32_APIC_BASE bits.
const (
	APICBaseBSP    uint64 = 1 << 8
	APICBaseEnable uint64 = 1 << 11
)

// CPUIDLeaf is the result of one CPUID leaf/subleaf pair.
type CPUIDLeaf struct {
	EAX, EBX, ECX, EDX uint32
}

// CPU holds the processor state the kernel core reads and writes. The interrupt line is part of
// the CPU: devices raise vectors, and a delivery callback installed by the interrupt layer plays
// the role of the IDT.
type CPU struct {
	mut  sync.Mutex
	cond *sync.Cond

	cr0, cr2, cr3, cr4 uint64
	xcr0               uint64
	rflags             uint64
	tsc                uint64
	apicID             uint8

	msrs  map[uint32]uint64
	cpuid map[uint64]CPUIDLeaf

	pending    []uint8
	deliver    func(vec uint8)
	delivering bool

	log *log.Logger
}

// CPU access errors.
var (
	ErrMSR  = errors.New("cpu: unimplemented msr")
	ErrXCR  = errors.New("cpu: invalid xcr access")
	ErrHalt = errors.New("cpu: halted with interrupts disabled")
)

// NewCPU builds a CPU in its post-boot-stub state: long mode on, paging on, interrupts off.
func NewCPU() *CPU {
	cpu := &CPU{
		cr0:    CR0PE | CR0PG,
		rflags: 0x2, // Reserved bit 1 reads as set.
		msrs: map[uint32]uint64{
			MSRAPICBase: 0xfee00000 | APICBaseBSP | APICBaseEnable,
			MSREFER:     0x500, // LME|LMA
		},
		log: log.DefaultLogger(),
	}
	cpu.cond = sync.NewCond(&cpu.mut)
	cpu.cpuid = defaultCPUID()

	return cpu
}

func leafKey(leaf, sub uint32) uint64 {
	return uint64(leaf)<<32 | uint64(sub)
}

func defaultCPUID() map[uint64]CPUIDLeaf {
	vendor := [12]byte{'V', 'e', 's', 'p', 'e', 'r', 'V', 'C', 'P', 'U', ' ', ' '}
	brand := "Vesper Virtual CPU @ 1.00GHz"

	leaves := map[uint64]CPUIDLeaf{
		leafKey(0, 0): {
			EAX: 0x7,
			EBX: leu32(vendor[0:4]),
			EDX: leu32(vendor[4:8]),
			ECX: leu32(vendor[8:12]),
		},
		leafKey(1, 0): {
			EAX: 0x000606a4, // family 6, model 106, stepping 4
			EBX: 0x00010800, // one logical processor, initial APIC ID 0
			// SSE3|SSSE3|SSE4.1|SSE4.2|XSAVE|AVX|VMX
			ECX: 1<<0 | 1<<9 | 1<<19 | 1<<20 | 1<<26 | 1<<28 | 1<<5,
			// FPU|MSR|PAE|APIC|PGE|FXSR|SSE|SSE2
			EDX: 1<<0 | 1<<5 | 1<<6 | 1<<9 | 1<<13 | 1<<24 | 1<<25 | 1<<26,
		},
		leafKey(7, 0): {
			EBX: 1 << 5, // AVX2
		},
		leafKey(0x80000000, 0): {EAX: 0x80000008},
		leafKey(0x80000001, 0): {
			EDX: 1<<20 | 1<<29, // NX|LM
		},
		leafKey(0x80000008, 0): {EAX: 0x3024}, // 48 virtual, 36 physical bits
	}

	// Brand string across leaves 0x80000002..4, 16 bytes each.
	var padded [48]byte
	copy(padded[:], brand)

	for i := 0; i < 3; i++ {
		chunk := padded[i*16 : (i+1)*16]
		leaves[leafKey(0x80000002+uint32(i), 0)] = CPUIDLeaf{
			EAX: leu32(chunk[0:4]),
			EBX: leu32(chunk[4:8]),
			ECX: leu32(chunk[8:12]),
			EDX: leu32(chunk[12:16]),
		}
	}

	return leaves
}

func leu32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// CPUID returns the leaf/subleaf registers. Unknown leaves read as zero, as they do on hardware
// past the maximum supported leaf.
func (cpu *CPU) CPUID(leaf, sub uint32) CPUIDLeaf {
	cpu.mut.Lock()
	defer cpu.mut.Unlock()

	return cpu.cpuid[leafKey(leaf, sub)]
}

// ReadMSR reads a model-specific register.
func (cpu *CPU) ReadMSR(idx uint32) (uint64, error) {
	cpu.mut.Lock()
	defer cpu.mut.Unlock()

	v, ok := cpu.msrs[idx]
	if !ok {
		return 0, fmt.Errorf("%w: %#x", ErrMSR, idx)
	}

	return v, nil
}

// WriteMSR writes a model-specific register.
func (cpu *CPU) WriteMSR(idx uint32, v uint64) error {
	cpu.mut.Lock()
	defer cpu.mut.Unlock()

	if _, ok := cpu.msrs[idx]; !ok {
		return fmt.Errorf("%w: %#x", ErrMSR, idx)
	}

	cpu.msrs[idx] = v

	return nil
}

// Control register accessors.

func (cpu *CPU) CR0() uint64 { cpu.mut.Lock(); defer cpu.mut.Unlock(); return cpu.cr0 }
func (cpu *CPU) CR2() uint64 { cpu.mut.Lock(); defer cpu.mut.Unlock(); return cpu.cr2 }
func (cpu *CPU) CR3() uint64 { cpu.mut.Lock(); defer cpu.mut.Unlock(); return cpu.cr3 }
func (cpu *CPU) CR4() uint64 { cpu.mut.Lock(); defer cpu.mut.Unlock(); return cpu.cr4 }

func (cpu *CPU) SetCR0(v uint64) { cpu.mut.Lock(); cpu.cr0 = v; cpu.mut.Unlock() }
func (cpu *CPU) SetCR2(v uint64) { cpu.mut.Lock(); cpu.cr2 = v; cpu.mut.Unlock() }
func (cpu *CPU) SetCR3(v uint64) { cpu.mut.Lock(); cpu.cr3 = v; cpu.mut.Unlock() }
func (cpu *CPU) SetCR4(v uint64) { cpu.mut.Lock(); cpu.cr4 = v; cpu.mut.Unlock() }

// XGetBV reads an extended control register. Only XCR0 exists.
func (cpu *CPU) XGetBV(idx uint32) (uint64, error) {
	cpu.mut.Lock()
	defer cpu.mut.Unlock()

	if idx != 0 || cpu.cr4&CR4OSXSAVE == 0 {
		return 0, fmt.Errorf("%w: xcr%d", ErrXCR, idx)
	}

	return cpu.xcr0, nil
}

// XSetBV writes XCR0. x87 state must stay enabled.
func (cpu *CPU) XSetBV(idx uint32, v uint64) error {
	cpu.mut.Lock()
	defer cpu.mut.Unlock()

	if idx != 0 || cpu.cr4&CR4OSXSAVE == 0 || v&XCR0X87 == 0 {
		return fmt.Errorf("%w: xcr%d=%#x", ErrXCR, idx, v)
	}

	cpu.xcr0 = v

	return nil
}

// Rdtsc reads the time-stamp counter. The counter advances by a fixed tick per read so timing
// loops make deterministic progress.
func (cpu *CPU) Rdtsc() uint64 {
	cpu.mut.Lock()
	defer cpu.mut.Unlock()

	cpu.tsc += 2749 // Arbitrary odd stride; calibration only needs monotonicity.

	return cpu.tsc
}

// LAPICID returns the local APIC ID of this CPU.
func (cpu *CPU) LAPICID() uint8 {
	return cpu.apicID
}

// Interrupt line.

// SetDeliver installs the delivery callback. The interrupt layer installs its dispatcher here,
// exactly once, before interrupts are enabled.
func (cpu *CPU) SetDeliver(fn func(vec uint8)) {
	cpu.mut.Lock()
	cpu.deliver = fn
	cpu.mut.Unlock()
}

// IF reports whether interrupts are enabled.
func (cpu *CPU) IF() bool {
	cpu.mut.Lock()
	defer cpu.mut.Unlock()

	return cpu.rflags&FlagIF != 0
}

// Cli disables interrupts.
func (cpu *CPU) Cli() {
	cpu.mut.Lock()
	cpu.rflags &^= FlagIF
	cpu.mut.Unlock()
}

// Sti enables interrupts and delivers anything pending.
func (cpu *CPU) Sti() {
	cpu.mut.Lock()
	cpu.rflags |= FlagIF
	cpu.mut.Unlock()
	cpu.drain()
}

// IntrSave disables interrupts and returns whether they were enabled, for spinlock acquire.
func (cpu *CPU) IntrSave() bool {
	cpu.mut.Lock()
	defer cpu.mut.Unlock()

	was := cpu.rflags&FlagIF != 0
	cpu.rflags &^= FlagIF

	return was
}

// IntrRestore restores the interrupt state saved by IntrSave.
func (cpu *CPU) IntrRestore(enabled bool) {
	if enabled {
		cpu.Sti()
	}
}

// Raise asserts a vector on the interrupt line. If interrupts are enabled the vector is delivered
// on the caller's flow of control, preempting whatever it was doing; otherwise it stays pending
// until Sti.
func (cpu *CPU) Raise(vec uint8) {
	cpu.mut.Lock()
	cpu.pending = append(cpu.pending, vec)
	cpu.cond.Broadcast()
	cpu.mut.Unlock()

	cpu.drain()
}

// Halt parks the CPU until a vector is delivered, then services it. It models HLT in the idle
// loop: the caller must have interrupts enabled or the machine would never wake.
func (cpu *CPU) Halt() error {
	cpu.mut.Lock()

	if cpu.rflags&FlagIF == 0 {
		cpu.mut.Unlock()
		return ErrHalt
	}

	// One wake per interrupt arrival. The vector may already have been serviced by the flow
	// that raised it; the caller rechecks its condition either way, as real HLT users must.
	if len(cpu.pending) == 0 {
		cpu.cond.Wait()
	}
	cpu.mut.Unlock()

	cpu.drain()

	return nil
}

// drain delivers pending vectors while interrupts are enabled. Delivery clears IF for the length
// of the handler, as an interrupt gate does, and restores it afterwards. A delivering flag keeps
// handlers serialized: there is one CPU.
func (cpu *CPU) drain() {
	for {
		cpu.mut.Lock()

		if cpu.delivering || cpu.deliver == nil ||
			cpu.rflags&FlagIF == 0 || len(cpu.pending) == 0 {
			cpu.mut.Unlock()
			return
		}

		vec := cpu.pending[0]
		cpu.pending = cpu.pending[1:]
		cpu.delivering = true
		cpu.rflags &^= FlagIF
		fn := cpu.deliver
		cpu.mut.Unlock()

		fn(vec)

		cpu.mut.Lock()
		cpu.delivering = false
		cpu.rflags |= FlagIF
		cpu.mut.Unlock()
	}
}
