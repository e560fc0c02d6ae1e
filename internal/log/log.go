// Package log provides logging output for the machine and kernel.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

var (
	// DefaultLogger returns the default, global logger. Components call DefaultLogger during
	// startup and cache the result; the default does not change at runtime.
	DefaultLogger = func() *Logger { return NewFormattedLogger(os.Stderr) }

	// SetDefault sets slog's package-level default logger. It does not change what
	// DefaultLogger returns.
	SetDefault = slog.SetDefault

	// LogLevel is a variable holding the log level. It can be changed at runtime.
	LogLevel = &slog.LevelVar{}
)

// NewFormattedLogger returns a logger that writes compact single-line records to a writer. The
// format is deliberately terse: the same records are teed to the simulated serial port, where a
// multi-line format would be unreadable.
func NewFormattedLogger(out io.Writer) *Logger {
	return slog.New(NewHandler(out))
}

// Handler implements slog.Handler. Records are rendered as:
//
//	LEVEL elapsed group: message key=value key=value …
type Handler struct {
	mut *sync.Mutex // Synchronizes writers.
	out io.Writer
	tee io.Writer // Secondary sink, e.g. the serial port. May be nil.

	opts  *slog.HandlerOptions
	group string
	attrs []Attr
	start time.Time
}

// Options for log handlers.
var Options = &slog.HandlerOptions{
	Level: LogLevel,
}

// NewHandler creates and initializes a Handler with a writer.
func NewHandler(out io.Writer) *Handler {
	return &Handler{
		out:   out,
		mut:   new(sync.Mutex),
		opts:  Options,
		start: time.Now(),
	}
}

// Tee registers a secondary writer that receives a copy of every record. It is how log output
// reaches the machine's serial log port.
func (h *Handler) Tee(w io.Writer) {
	h.mut.Lock()
	h.tee = w
	h.mut.Unlock()
}

// Enabled returns true if the level is at or above the current logging level.
func (h *Handler) Enabled(_ context.Context, level Level) bool {
	return level >= h.opts.Level.Level()
}

// Handle formats and writes a log record to the handler's writers.
func (h *Handler) Handle(_ context.Context, rec slog.Record) error {
	b := new(strings.Builder)

	fmt.Fprintf(b, "%-5s", rec.Level.String())

	if !rec.Time.IsZero() {
		fmt.Fprintf(b, " %10.6f", rec.Time.Sub(h.start).Seconds())
	}

	if h.group != "" {
		fmt.Fprintf(b, " %s:", h.group)
	}

	fmt.Fprintf(b, " %s", rec.Message)

	for _, a := range h.attrs {
		h.appendAttr(b, a)
	}

	rec.Attrs(func(attr Attr) bool {
		h.appendAttr(b, attr)
		return true
	})

	b.WriteByte('\n')

	h.mut.Lock()
	defer h.mut.Unlock()

	if h.tee != nil {
		_, _ = io.WriteString(h.tee, b.String())
	}

	_, err := io.WriteString(h.out, b.String())

	return err
}

// WithGroup returns a handler that prefixes records with a group name.
func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}

	dup := *h
	if h.group != "" {
		dup.group = h.group + "." + name
	} else {
		dup.group = name
	}

	return &dup
}

// WithAttrs returns a new handler that combines the handler's attributes and those in the argument.
func (h *Handler) WithAttrs(attrs []Attr) slog.Handler {
	dup := *h
	dup.attrs = make([]Attr, 0, len(h.attrs)+len(attrs))
	dup.attrs = append(dup.attrs, h.attrs...)
	dup.attrs = append(dup.attrs, attrs...)

	return &dup
}

func (h *Handler) appendAttr(b *strings.Builder, attr slog.Attr) {
	attr.Value = attr.Value.Resolve()

	if attr.Equal(Attr{}) {
		return
	}

	if attr.Value.Kind() == slog.KindGroup {
		for _, a := range attr.Value.Group() {
			if attr.Key != "" {
				a.Key = attr.Key + "." + a.Key
			}

			h.appendAttr(b, a)
		}

		return
	}

	fmt.Fprintf(b, " %s=%v", attr.Key, attr.Value.Any())
}

// Loggable values expose a logger to be replaced after initialization.
type Loggable interface {
	WithLogger(*Logger)
}

type (
	Attr   = slog.Attr
	Level  = slog.Level
	Logger = slog.Logger
	Value  = slog.Value
)

var (
	String      = slog.String
	StringValue = slog.StringValue
	Int         = slog.Int
	Uint64      = slog.Uint64
	Group       = slog.Group
	GroupValue  = slog.GroupValue
	Any         = slog.Any
	AnyValue    = slog.AnyValue
)

const (
	Debug = slog.LevelDebug
	Info  = slog.LevelInfo
	Warn  = slog.LevelWarn
	Error = slog.LevelError
)
