package apic

// madt.go parses the MADT: the table that tells the kernel where its interrupt controllers are
// and how the board wired the legacy lines.

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/vesperos/vesper/internal/acpi"
)

// ErrBadMADT reports a malformed MADT record stream.
var ErrBadMADT = errors.New("apic: malformed madt")

// MADT record types.
const (
	madtTypeLAPIC    = 0
	madtTypeIOAPIC   = 1
	madtTypeOverride = 2
	madtTypeNMI      = 4
)

// MADTLAPIC is one processor's local APIC.
type MADTLAPIC struct {
	ProcID uint8
	ID     uint8
	Flags  uint32
}

// MADTIOAPIC is one I/O APIC and the GSI range it serves.
type MADTIOAPIC struct {
	ID      uint8
	Addr    uint32
	GSIBase uint32
}

// MADTOverride remaps an ISA IRQ onto a global system interrupt, with polarity and trigger
// flags.
type MADTOverride struct {
	Bus    uint8
	Source uint8
	GSI    uint32
	Flags  uint16
}

// ActiveLow decodes the polarity flags.
func (o MADTOverride) ActiveLow() bool { return o.Flags&0x3 == 0x3 }

// LevelTriggered decodes the trigger-mode flags.
func (o MADTOverride) LevelTriggered() bool { return o.Flags>>2&0x3 == 0x3 }

// MADTNMI connects a local APIC LINT pin to NMI delivery.
type MADTNMI struct {
	ProcID uint8 // 0xff means every processor
	Flags  uint16
	LINT   uint8
}

// MADT is the parsed table.
type MADT struct {
	LAPICAddr uint32
	Flags     uint32

	LAPICs    []MADTLAPIC
	IOAPICs   []MADTIOAPIC
	Overrides []MADTOverride
	NMIs      []MADTNMI
}

// ParseMADT decodes the record stream of a mapped "APIC" table.
func ParseMADT(t *acpi.Table) (*MADT, error) {
	body, err := t.Bytes(36, t.Length-36)
	if err != nil {
		return nil, err
	}

	if len(body) < 8 {
		return nil, fmt.Errorf("%w: %d byte body", ErrBadMADT, len(body))
	}

	m := &MADT{
		LAPICAddr: binary.LittleEndian.Uint32(body[0:4]),
		Flags:     binary.LittleEndian.Uint32(body[4:8]),
	}

	rec := body[8:]

	for len(rec) > 0 {
		if len(rec) < 2 || int(rec[1]) > len(rec) || rec[1] < 2 {
			return nil, fmt.Errorf("%w: record header", ErrBadMADT)
		}

		typ, length := rec[0], int(rec[1])

		switch typ {
		case madtTypeLAPIC:
			if length < 8 {
				return nil, fmt.Errorf("%w: lapic record", ErrBadMADT)
			}

			m.LAPICs = append(m.LAPICs, MADTLAPIC{
				ProcID: rec[2],
				ID:     rec[3],
				Flags:  binary.LittleEndian.Uint32(rec[4:8]),
			})
		case madtTypeIOAPIC:
			if length < 12 {
				return nil, fmt.Errorf("%w: ioapic record", ErrBadMADT)
			}

			m.IOAPICs = append(m.IOAPICs, MADTIOAPIC{
				ID:      rec[2],
				Addr:    binary.LittleEndian.Uint32(rec[4:8]),
				GSIBase: binary.LittleEndian.Uint32(rec[8:12]),
			})
		case madtTypeOverride:
			if length < 10 {
				return nil, fmt.Errorf("%w: override record", ErrBadMADT)
			}

			m.Overrides = append(m.Overrides, MADTOverride{
				Bus:    rec[2],
				Source: rec[3],
				GSI:    binary.LittleEndian.Uint32(rec[4:8]),
				Flags:  binary.LittleEndian.Uint16(rec[8:10]),
			})
		case madtTypeNMI:
			if length < 6 {
				return nil, fmt.Errorf("%w: nmi record", ErrBadMADT)
			}

			m.NMIs = append(m.NMIs, MADTNMI{
				ProcID: rec[2],
				Flags:  binary.LittleEndian.Uint16(rec[3:5]),
				LINT:   rec[5],
			})
		default:
			// Record types this kernel does not consume are skipped by length.
		}

		rec = rec[length:]
	}

	return m, nil
}
