// Package firmware plays the boot loader's part: it lays the ACPI tables into the machine's
// table region and hands the kernel the boot information a multiboot parser would have produced,
// a memory map and the raw RSDP tag.
package firmware

import (
	"encoding/binary"

	"github.com/vesperos/vesper/internal/hw"
	"github.com/vesperos/vesper/internal/log"
)

// BootInfo is what the boot stub hands the kernel.
type BootInfo struct {
	// MemoryMap is the firmware memory map, RAM entries usable.
	MemoryMap []hw.MapEntry

	// RSDP is the raw ACPI root pointer tag (new form when revision 2+).
	RSDP []byte

	// KernelImageEnd is the first byte past the loaded image. The kernel's early page-table
	// region starts here.
	KernelImageEnd hw.PhysAddr
}

// Hardware the tables describe.
const (
	LAPICPhysBase  uint32 = 0xfee00000
	IOAPICPhysBase uint32 = 0xfec00000
)

// Config adjusts table generation.
type Config struct {
	// OldRSDP emits a revision-0 RSDP without an XSDT, exercising the 32-bit walk.
	OldRSDP bool

	// KernelImageBytes is the simulated size of the loaded kernel image.
	KernelImageBytes uint64

	Logger *log.Logger
}

// Build writes the tables and assembles the boot info.
func Build(m *hw.Machine, cfg Config) (*BootInfo, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.DefaultLogger()
	}

	if cfg.KernelImageBytes == 0 {
		cfg.KernelImageBytes = 4 << 20
	}

	base, length := m.ACPIRegion()

	madt := buildMADT(m.CPU.LAPICID())
	madtAddr := base

	// The root SDTs carry one entry each: the MADT.
	rsdt := buildSDT("RSDT", le32(uint32(madtAddr)))
	rsdtAddr := madtAddr + hw.PhysAddr(roundUp(uint64(len(madt)), 16))

	xsdt := buildSDT("XSDT", le64(uint64(madtAddr)))
	xsdtAddr := rsdtAddr + hw.PhysAddr(roundUp(uint64(len(rsdt)), 16))

	end := uint64(xsdtAddr-base) + uint64(len(xsdt))
	if end > length {
		return nil, hw.ErrBusFault
	}

	for _, w := range []struct {
		at  hw.PhysAddr
		buf []byte
	}{
		{madtAddr, madt},
		{rsdtAddr, rsdt},
		{xsdtAddr, xsdt},
	} {
		if err := m.Mem.WriteBytes(w.at, w.buf); err != nil {
			return nil, err
		}
	}

	rsdp := buildRSDP(uint32(rsdtAddr), uint64(xsdtAddr), cfg.OldRSDP)

	info := &BootInfo{
		MemoryMap:      m.Mem.Map(),
		RSDP:           rsdp,
		KernelImageEnd: hw.KernelLoadBase + hw.PhysAddr(cfg.KernelImageBytes),
	}

	cfg.Logger.Info("firmware: tables written",
		"madt", madtAddr.String(), "rsdt", rsdtAddr.String(), "xsdt", xsdtAddr.String())

	return info, nil
}

// buildRSDP emits the 20-byte 1.0 form or the 36-byte 2.0 form, checksummed.
func buildRSDP(rsdt uint32, xsdt uint64, old bool) []byte {
	size := 36
	if old {
		size = 20
	}

	b := make([]byte, size)
	copy(b[0:8], "RSD PTR ")
	copy(b[9:15], "VESPER")
	binary.LittleEndian.PutUint32(b[16:20], rsdt)

	if !old {
		b[15] = 2
		binary.LittleEndian.PutUint32(b[20:24], 36)
		binary.LittleEndian.PutUint64(b[24:32], xsdt)
	}

	b[8] = fixup(b[:20])

	if !old {
		b[32] = fixup(b[:36])
	}

	return b
}

// buildSDT wraps a body in a 36-byte header with the checksum folded in.
func buildSDT(sig string, body []byte) []byte {
	b := make([]byte, 36+len(body))
	copy(b[0:4], sig)
	binary.LittleEndian.PutUint32(b[4:8], uint32(len(b)))
	b[8] = 1 // revision
	copy(b[10:16], "VESPER")
	copy(b[16:24], "VESPERHW")
	binary.LittleEndian.PutUint32(b[24:28], 1)
	copy(b[28:32], "VSPR")
	binary.LittleEndian.PutUint32(b[32:36], 1)
	copy(b[36:], body)

	b[9] = fixup(b)

	return b
}

// buildMADT describes one LAPIC, one IOAPIC at GSI 0, the classic timer override (ISA IRQ 0 to
// GSI 2, edge high), and an NMI on LINT1.
func buildMADT(bspID uint8) []byte {
	var body []byte

	body = append(body, le32(LAPICPhysBase)...)
	body = append(body, le32(1)...) // PCAT_COMPAT: the 8259s exist

	// Type 0: processor local APIC.
	body = append(body, 0, 8, 0, bspID)
	body = append(body, le32(1)...) // enabled

	// Type 1: I/O APIC.
	body = append(body, 1, 12, 0, 0)
	body = append(body, le32(IOAPICPhysBase)...)
	body = append(body, le32(0)...) // GSI base

	// Type 2: interrupt source override, ISA IRQ 0 -> GSI 2.
	body = append(body, 2, 10, 0, 0)
	body = append(body, le32(2)...)
	body = append(body, 0, 0) // flags: conforms to bus

	// Type 4: local APIC NMI on LINT1.
	body = append(body, 4, 6, 0xff, 0, 0, 1)

	return buildSDT("APIC", body)
}

func fixup(b []byte) uint8 {
	var sum uint8

	for _, c := range b {
		sum += c
	}

	return uint8(256 - uint16(sum))
}

func le32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)

	return b
}

func le64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)

	return b
}

func roundUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
