// Package console bridges the machine's serial port to the host terminal using Unix terminal
// I/O. Keys typed on the host are injected into COM1's receive side, where they travel the same
// interrupt path any wire data would; the UART's transmit side writes back to the terminal.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/vesperos/vesper/internal/hw"
)

// ErrNoTTY is returned when standard input is not a terminal; the machine still runs, it just
// has no interactive console.
var ErrNoTTY = errors.New("console: not a TTY")

// Console owns the host terminal while the machine runs.
type Console struct {
	in    *os.File
	out   *term.Terminal
	fd    int
	state *term.State

	keyCh chan byte
}

// New puts the terminal into raw mode. Callers must Restore before exiting.
func New(sin, sout *os.File) (*Console, error) {
	fd := int(sin.Fd())

	if !term.IsTerminal(fd) {
		return nil, ErrNoTTY
	}

	saved, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoTTY, err)
	}

	c := &Console{
		in:    sin,
		out:   term.NewTerminal(sout, ""),
		fd:    fd,
		state: saved,
		keyCh: make(chan byte, 8),
	}

	if err := c.setTerminalParams(1, 0); err != nil {
		c.Restore()
		return nil, err
	}

	return c, nil
}

// Writer returns the terminal's output side, suitable as the machine's serial sink.
func (c *Console) Writer() io.Writer {
	return c.out
}

// Restore returns the terminal to its saved state and unblocks pending reads.
func (c *Console) Restore() {
	_ = c.in.SetReadDeadline(time.Now())
	_ = term.Restore(c.fd, c.state)
}

func (c *Console) setTerminalParams(vmin, vtime byte) error {
	_ = syscall.SetNonblock(c.fd, true)

	termIO, err := unix.IoctlGetTermios(c.fd, getTermiosIoctl)
	if err != nil {
		return err
	}

	termIO.Cc[unix.VMIN] = vmin
	termIO.Cc[unix.VTIME] = vtime

	if err := unix.IoctlSetTermios(c.fd, setTermiosIoctl, termIO); err != nil {
		return err
	}

	_ = c.in.SetReadDeadline(time.Time{})

	return nil
}

// Attach wires the console to a machine: a reader goroutine copies keystrokes into the UART's
// receive queue until the context ends.
func (c *Console) Attach(ctx context.Context, m *hw.Machine) {
	go c.readKeys(ctx)
	go c.feedUART(ctx, m.COM1)
}

func (c *Console) readKeys(ctx context.Context) {
	buf := bufio.NewReader(c.in)

	_ = syscall.SetNonblock(c.fd, false)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		b, err := buf.ReadByte()
		if err != nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case c.keyCh <- b:
		}
	}
}

func (c *Console) feedUART(ctx context.Context, uart *hw.UART) {
	for {
		select {
		case <-ctx.Done():
			return
		case b := <-c.keyCh:
			uart.Receive(b)
		}
	}
}

// Press injects a key without a terminal, for scripted runs.
func (c *Console) Press(b byte) {
	c.keyCh <- b
}
