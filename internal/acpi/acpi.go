// Package acpi walks the ACPI root tables: RSDP validation in both its 1.0 and 2.0+ forms, the
// RSDT/XSDT pointer arrays, and signature-indexed table lookup. Tables are mapped through the
// VMM's MMIO path and read through the translation they get, never through pointers the
// firmware's lifetime does not guarantee.
package acpi

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/vesperos/vesper/internal/hw"
	"github.com/vesperos/vesper/internal/log"
	"github.com/vesperos/vesper/internal/vmm"
)

// Errors.
var (
	ErrBadRSDP    = errors.New("acpi: invalid rsdp")
	ErrBadTable   = errors.New("acpi: malformed table")
	ErrNotFound   = errors.New("acpi: table not found")
	ErrNotMapped  = errors.New("acpi: table read outside mapping")
	ErrNoRootSDT  = errors.New("acpi: no root sdt")
	ErrTruncated  = errors.New("acpi: truncated structure")
	ErrBadVersion = errors.New("acpi: unsupported revision")
)

// rsdpSignature is the 8-byte anchor.
const rsdpSignature = "RSD PTR "

// SDT header layout.
const sdtHeaderLen = 36

// RSDP is the parsed root pointer structure.
type RSDP struct {
	Revision int
	OEMID    string
	RSDT     uint32
	Length   uint32
	XSDT     uint64
}

// ParseRSDP validates an RSDP from its raw bytes: the 1.0 form checksums its first 20 bytes, the
// 2.0+ form its entire advertised length.
func ParseRSDP(raw []byte) (*RSDP, error) {
	if len(raw) < 20 {
		return nil, fmt.Errorf("%w: %d bytes", ErrTruncated, len(raw))
	}

	if string(raw[0:8]) != rsdpSignature {
		return nil, fmt.Errorf("%w: bad signature", ErrBadRSDP)
	}

	r := &RSDP{
		Revision: int(raw[15]),
		OEMID:    string(raw[9:15]),
		RSDT:     binary.LittleEndian.Uint32(raw[16:20]),
	}

	if checksum(raw[:20]) != 0 {
		return nil, fmt.Errorf("%w: checksum", ErrBadRSDP)
	}

	if r.Revision < 2 {
		return r, nil
	}

	if len(raw) < 36 {
		return nil, fmt.Errorf("%w: v2 rsdp %d bytes", ErrTruncated, len(raw))
	}

	r.Length = binary.LittleEndian.Uint32(raw[20:24])
	r.XSDT = binary.LittleEndian.Uint64(raw[24:32])

	if int(r.Length) > len(raw) || r.Length < 36 {
		return nil, fmt.Errorf("%w: v2 length %d", ErrBadRSDP, r.Length)
	}

	if checksum(raw[:r.Length]) != 0 {
		return nil, fmt.Errorf("%w: extended checksum", ErrBadRSDP)
	}

	return r, nil
}

func checksum(b []byte) uint8 {
	var sum uint8

	for _, c := range b {
		sum += c
	}

	return sum
}

// Table is one mapped ACPI table. Callers release it with Unmap, a single vmm free.
type Table struct {
	Signature string
	Length    uint32
	Phys      hw.PhysAddr

	virt    hw.VirtAddr // page-aligned mapping base
	offset  uint64      // table start within the mapping
	mapped  uint64
	tables  *Tables
	release bool
}

// Virt returns the table's virtual address inside its mapping.
func (t *Table) Virt() hw.VirtAddr {
	return t.virt + hw.VirtAddr(t.offset)
}

// Bytes reads the span [off, off+n) of the table through its mapping.
func (t *Table) Bytes(off, n uint32) ([]byte, error) {
	if off+n > t.Length {
		return nil, fmt.Errorf("%w: %d+%d of %d", ErrNotMapped, off, n, t.Length)
	}

	return t.tables.readVirt(t.Virt()+hw.VirtAddr(off), uint64(n))
}

// Unmap releases the table's mapping.
func (t *Table) Unmap() error {
	if !t.release {
		return nil
	}

	t.release = false

	return t.tables.vm.Free(t.tables.space, t.virt)
}

// Tables is the root walk state: the parsed pointer array and the machinery to map tables on
// demand.
type Tables struct {
	vm    *vmm.Manager
	space *vmm.Space
	mem   *hw.Memory

	roots []hw.PhysAddr
	use64 bool

	log *log.Logger
}

// New prepares a root walk through the given address space, normally the kernel's.
func New(vm *vmm.Manager, space *vmm.Space, mem *hw.Memory, logger *log.Logger) *Tables {
	if logger == nil {
		logger = log.DefaultLogger()
	}

	return &Tables{vm: vm, space: space, mem: mem, log: logger}
}

// Init walks the root SDT named by the RSDP: the XSDT's 64-bit pointer array when the revision
// is 2+ and the XSDT address is set, the RSDT's 32-bit array otherwise.
func (t *Tables) Init(r *RSDP) error {
	var root hw.PhysAddr

	switch {
	case r.Revision >= 2 && r.XSDT != 0:
		root = hw.PhysAddr(r.XSDT)
		t.use64 = true
	case r.RSDT != 0:
		root = hw.PhysAddr(r.RSDT)
	default:
		return ErrNoRootSDT
	}

	tbl, err := t.mapTable(root)
	if err != nil {
		return err
	}
	defer func() { _ = tbl.Unmap() }()

	want := "RSDT"
	if t.use64 {
		want = "XSDT"
	}

	if tbl.Signature != want {
		return fmt.Errorf("%w: root sdt %q", ErrBadTable, tbl.Signature)
	}

	ptrSize := uint32(4)
	if t.use64 {
		ptrSize = 8
	}

	count := (tbl.Length - sdtHeaderLen) / ptrSize

	body, err := tbl.Bytes(sdtHeaderLen, count*ptrSize)
	if err != nil {
		return err
	}

	t.roots = t.roots[:0]

	for i := uint32(0); i < count; i++ {
		if t.use64 {
			t.roots = append(t.roots, hw.PhysAddr(binary.LittleEndian.Uint64(body[i*8:])))
		} else {
			t.roots = append(t.roots, hw.PhysAddr(binary.LittleEndian.Uint32(body[i*4:])))
		}
	}

	t.log.Info("acpi: root walk complete", "root", want, "tables", len(t.roots))

	return nil
}

// Find maps and returns the first table with the given 4-byte signature. The caller owns the
// returned mapping.
func (t *Tables) Find(sig string) (*Table, error) {
	for _, p := range t.roots {
		tbl, err := t.mapTable(p)
		if err != nil {
			return nil, err
		}

		if tbl.Signature == sig {
			return tbl, nil
		}

		if err := tbl.Unmap(); err != nil {
			return nil, err
		}
	}

	return nil, fmt.Errorf("%w: %q", ErrNotFound, sig)
}

// mapTable maps a table's header through the VMM, reads its length, and remaps the full span.
func (t *Tables) mapTable(p hw.PhysAddr) (*Table, error) {
	hdr, err := t.mapSpan(p, sdtHeaderLen)
	if err != nil {
		return nil, err
	}

	raw, err := t.readVirt(hdr.Virt(), sdtHeaderLen)
	if err != nil {
		_ = hdr.Unmap()
		return nil, err
	}

	sig := string(raw[0:4])
	length := binary.LittleEndian.Uint32(raw[4:8])

	if length < sdtHeaderLen {
		_ = hdr.Unmap()
		return nil, fmt.Errorf("%w: %q length %d", ErrBadTable, sig, length)
	}

	if err := hdr.Unmap(); err != nil {
		return nil, err
	}

	full, err := t.mapSpan(p, uint64(length))
	if err != nil {
		return nil, err
	}

	full.Signature = sig
	full.Length = length

	return full, nil
}

// mapSpan maps [p, p+n) page-aligned through the VMM MMIO path.
func (t *Tables) mapSpan(p hw.PhysAddr, n uint64) (*Table, error) {
	base := p.PageBase()
	span := uint64(p-base) + n

	virt, err := t.vm.Alloc(t.space, span, vmm.ProtMMIO|vmm.ProtWrite, base)
	if err != nil {
		return nil, err
	}

	return &Table{
		Phys:    p,
		virt:    virt,
		offset:  uint64(p - base),
		mapped:  span,
		tables:  t,
		release: true,
	}, nil
}

// readVirt reads n bytes at a mapped virtual address, translating page by page.
func (t *Tables) readVirt(v hw.VirtAddr, n uint64) ([]byte, error) {
	out := make([]byte, 0, n)

	for n > 0 {
		pa, err := t.vm.GetPhysical(t.space, v)
		if err != nil {
			return nil, err
		}

		chunk := hw.PageSize - pa.PageOffset()
		if chunk > n {
			chunk = n
		}

		b, err := t.mem.ReadBytes(pa, chunk)
		if err != nil {
			return nil, err
		}

		out = append(out, b...)
		v += hw.VirtAddr(chunk)
		n -= chunk
	}

	return out, nil
}
