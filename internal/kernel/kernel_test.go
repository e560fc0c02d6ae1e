package kernel

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/vesperos/vesper/internal/firmware"
	"github.com/vesperos/vesper/internal/hw"
	"github.com/vesperos/vesper/internal/intr"
	"github.com/vesperos/vesper/internal/log"
	"github.com/vesperos/vesper/internal/paging"
)

func init() {
	log.LogLevel.Set(log.Error)
}

type testHarness struct {
	*testing.T
	machine *hw.Machine
	kernel  *Kernel
	serial  *bytes.Buffer
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	serial := new(bytes.Buffer)

	m := hw.New(hw.Config{
		RAMBytes:  64 << 20,
		SerialOut: serial,
	})

	info, err := firmware.Build(m, firmware.Config{})
	if err != nil {
		t.Fatalf("firmware: %v", err)
	}

	k, err := New(m, info, nil)
	if err != nil {
		t.Fatalf("bring-up: %v", err)
	}

	return &testHarness{T: t, machine: m, kernel: k, serial: serial}
}

// typeLine feeds a command through the wire, the way the console would.
func (t *testHarness) typeLine(s string) {
	for _, b := range []byte(s) {
		t.machine.COM1.Receive(b)
	}

	t.machine.COM1.Receive('\r')
}

func TestBringUp(tt *testing.T) {
	tt.Parallel()

	tt.Run("machine state after boot", func(t *testing.T) {
		t.Parallel()

		h := newTestHarness(t)

		if !h.machine.PIC.Disabled() {
			t.Errorf("legacy pic must be masked off")
		}

		if !h.machine.LAPIC.SWEnabled() {
			t.Errorf("lapic must be software enabled")
		}

		if !h.machine.CPU.IF() {
			t.Errorf("interrupts must be on after bring-up")
		}

		if hw.PhysAddr(h.machine.CPU.CR3()) != h.kernel.Root {
			t.Errorf("cr3 not pointing at the kernel root")
		}

		if h.kernel.TicksPerMS == 0 {
			t.Errorf("timer calibration produced nothing")
		}

		if !h.machine.COM1.FIFOEnabled() || h.machine.COM1.Divisor() != 3 {
			t.Errorf("serial not programmed: fifo=%v divisor=%d",
				h.machine.COM1.FIFOEnabled(), h.machine.COM1.Divisor())
		}

		if h.kernel.Info == nil || !strings.Contains(h.kernel.Info.Brand, "Vesper") {
			t.Errorf("cpu identification missing")
		}
	})

	tt.Run("identity gone physmap alive", func(t *testing.T) {
		t.Parallel()

		h := newTestHarness(t)

		k := h.kernel

		// Low-half reads fault: the identity window died in bring-up.
		if _, err := k.Mapper.Translate(k.Root, 0x1000); !errors.Is(err, paging.ErrNotMapped) {
			t.Errorf("identity window survived: %v", err)
		}

		// The same frame reads through PHYSMAP.
		probe := hw.PhysAddr(0x4000)

		if err := h.machine.Mem.Write64(probe, 0xabad1dea); err != nil {
			t.Fatalf("write: %v", err)
		}

		pa, err := k.Mapper.Translate(k.Root, paging.PhysToPhysmap(probe))
		if err != nil {
			t.Fatalf("physmap translate: %v", err)
		}

		got, err := h.machine.Mem.Read64(pa)
		if err != nil || got != 0xabad1dea {
			t.Errorf("physmap read want 0xabad1dea, got %#x (%v)", got, err)
		}
	})

	tt.Run("allocators work end to end", func(t *testing.T) {
		t.Parallel()

		h := newTestHarness(t)
		k := h.kernel

		p, err := k.Heap.Malloc(256)
		if err != nil {
			t.Fatalf("malloc: %v", err)
		}

		if err := k.Heap.Free(p); err != nil {
			t.Fatalf("free: %v", err)
		}

		if err := k.Heap.CheckIntegrity(); err != nil {
			t.Errorf("heap integrity: %v", err)
		}

		if err := k.PMM.VerifyIntegrity(); err != nil {
			t.Errorf("pmm integrity: %v", err)
		}
	})

	tt.Run("software interrupt round trip", func(t *testing.T) {
		t.Parallel()

		h := newTestHarness(t)
		k := h.kernel

		var invoked int

		if err := k.IDT.Register(0x30, func(*intr.Context) { invoked++ }); err != nil {
			t.Fatalf("register: %v", err)
		}

		eois := h.machine.LAPIC.EOICount()

		k.IDT.Trigger(0x30)

		if invoked != 1 {
			t.Errorf("handler invocations want 1, got %d", invoked)
		}

		if h.machine.LAPIC.EOICount() != eois+1 {
			t.Errorf("want exactly one eoi at the lapic")
		}
	})
}

func TestShell(tt *testing.T) {
	tt.Parallel()

	tt.Run("commands over the wire", func(t *testing.T) {
		t.Parallel()

		h := newTestHarness(t)

		// Queue the whole session before running; the shell drains the TTY buffer.
		h.typeLine("stats")
		h.typeLine("cpu")
		h.typeLine("halt")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := h.kernel.Run(ctx); err != nil {
			t.Fatalf("run: %v", err)
		}

		out := h.serial.String()

		for _, want := range []string{"vesper", "pmm:", "Vesper Virtual CPU", "halted."} {
			if !strings.Contains(out, want) {
				t.Errorf("console output missing %q", want)
			}
		}
	})

	tt.Run("unknown command answered", func(t *testing.T) {
		t.Parallel()

		h := newTestHarness(t)

		h.typeLine("frobnicate")
		h.typeLine("halt")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := h.kernel.Run(ctx); err != nil {
			t.Fatalf("run: %v", err)
		}

		if !strings.Contains(h.serial.String(), "unknown command: frobnicate") {
			t.Errorf("no response to unknown command")
		}
	})
}

func TestPanic(tt *testing.T) {
	tt.Parallel()

	tt.Run("unhandled exception renders the screen", func(t *testing.T) {
		t.Parallel()

		h := newTestHarness(t)

		h.kernel.IDT.Trigger(intr.VecGPFault)

		panicked, msg := h.kernel.Panicked()

		if !panicked {
			t.Fatalf("kernel should have panicked")
		}

		if !strings.Contains(msg, "general protection fault") {
			t.Errorf("panic cause want gp fault, got %q", msg)
		}

		out := h.serial.String()

		for _, want := range []string{"KERNEL PANIC", "general protection fault", "system halted"} {
			if !strings.Contains(out, want) {
				t.Errorf("panic screen missing %q", want)
			}
		}

		if h.machine.CPU.IF() {
			t.Errorf("interrupts must be off after panic")
		}
	})

	tt.Run("page fault decode on the screen", func(t *testing.T) {
		t.Parallel()

		h := newTestHarness(t)

		h.kernel.IDT.Fault(intr.VecPageFault, intr.PFWrite, 0xdead0000)

		out := h.serial.String()

		for _, want := range []string{"page fault", "write", "0xdead0000"} {
			if !strings.Contains(out, want) {
				t.Errorf("page fault panic missing %q", want)
			}
		}
	})

	tt.Run("run reports the panic", func(t *testing.T) {
		t.Parallel()

		h := newTestHarness(t)

		h.typeLine("panic")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		_ = h.kernel.Run(ctx)

		panicked, _ := h.kernel.Panicked()
		if !panicked {
			t.Errorf("console panic command should panic the kernel")
		}
	})
}
