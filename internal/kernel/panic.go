package kernel

// panic.go renders the panic screen, the kernel's only user-facing error surface. Interrupts go
// off, the diagnostic goes to the console and the serial log, and the machine stays down.

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/x/ansi"

	"github.com/vesperos/vesper/internal/intr"
)

var (
	panicTitle = ansi.Style{}.Bold().ForegroundColor(ansi.White).BackgroundColor(ansi.Red)
	panicLabel = ansi.Style{}.Bold().ForegroundColor(ansi.Red)
	bannerHue  = ansi.Style{}.Bold().ForegroundColor(ansi.Cyan)
)

// Panic is the fatal-class sink: exceptions with no handler, allocator integrity failures, and
// urgent allocation failures all land here.
func (k *Kernel) Panic(ctx *intr.Context, msg string) {
	k.Machine.CPU.Cli()

	if k.panicked {
		// A panic inside the panic path gets one terse line and nothing else.
		k.log.Error("double panic", "msg", msg)
		return
	}

	k.panicked = true
	k.panicLine = msg

	var b strings.Builder

	b.WriteString("\r\n")
	b.WriteString(panicTitle.Styled(" KERNEL PANIC "))
	b.WriteString("\r\n\r\n")
	b.WriteString(panicLabel.Styled("cause: ") + msg + "\r\n")

	if ctx != nil {
		fmt.Fprintf(&b, "%svector %d (%s), error code %#x\r\n",
			panicLabel.Styled("trap:  "),
			ctx.Vector, intr.ExceptionName(uint8(ctx.Vector)), ctx.ErrCode)
		fmt.Fprintf(&b, "%sRIP=%s CS=%#x RFLAGS=%#x\r\n",
			panicLabel.Styled("frame: "), ctx.RIP, ctx.CS, ctx.RFLAGS)
		fmt.Fprintf(&b, "       RSP=%s SS=%#x\r\n", ctx.RSP, ctx.SS)
		fmt.Fprintf(&b, "       RAX=%#x RBX=%#x RCX=%#x RDX=%#x\r\n",
			ctx.RAX, ctx.RBX, ctx.RCX, ctx.RDX)

		if uint8(ctx.Vector) == intr.VecPageFault {
			fmt.Fprintf(&b, "%s%s\r\n",
				panicLabel.Styled("fault: "),
				intr.DecodePageFault(ctx.ErrCode, k.Machine.CPU.CR2()))
		}
	}

	fmt.Fprintf(&b, "\r\ncpu: %s\r\n", k.Info)
	b.WriteString("\r\nsystem halted.\r\n")

	// Console first, then the raw text to the serial log.
	if k.Cons != nil {
		_, _ = k.Cons.WriteString(b.String())
	}

	_, _ = k.SerialLog().Write([]byte(ansi.Strip(b.String())))

	k.log.Error("kernel panic", "msg", msg)
}

func (k *Kernel) banner() {
	free := k.PMM.FreeBytes() >> 20

	lines := []string{
		"",
		bannerHue.Styled("vesper") + " kernel core",
		fmt.Sprintf("cpu: %s", k.Info),
		fmt.Sprintf("mem: %d MiB free, tsc %d ticks/ms", free, k.TicksPerMS),
		"type 'help' for commands",
		"",
	}

	for _, l := range lines {
		_, _ = k.Cons.WriteString(l + "\n")
	}
}
