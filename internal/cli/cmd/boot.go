package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/vesperos/vesper/internal/cli"
	"github.com/vesperos/vesper/internal/console"
	"github.com/vesperos/vesper/internal/firmware"
	"github.com/vesperos/vesper/internal/hw"
	"github.com/vesperos/vesper/internal/kernel"
	"github.com/vesperos/vesper/internal/log"
)

// Boot creates the boot command.
func Boot() cli.Command {
	return new(boot)
}

type boot struct {
	configPath string
	debug      bool
	quiet      bool
	headless   bool
}

// machineConfig is the YAML machine description the boot command accepts.
type machineConfig struct {
	RAMMiB    uint64 `yaml:"ram_mib"`
	ImageMiB  uint64 `yaml:"image_mib"`
	OldRSDP   bool   `yaml:"old_rsdp"`
	SerialLog string `yaml:"serial_log"`
}

func defaultConfig() machineConfig {
	return machineConfig{
		RAMMiB:   128,
		ImageMiB: 4,
	}
}

func (boot) Description() string {
	return "boot the machine and drop into the console"
}

func (b boot) Usage(out io.Writer) error {
	_, err := fmt.Fprintln(out, `
boot [ -config file.yaml ] [ -debug | -quiet ] [ -headless ]

Build the machine, run the firmware, bring the kernel up, and attach the
console to the current terminal. The optional YAML config sets the RAM size,
the simulated image size, the RSDP revision, and a serial log file.`)

	return err
}

func (b *boot) FlagSet() *cli.FlagSet {
	fs := flag.NewFlagSet("boot", flag.ExitOnError)

	fs.StringVar(&b.configPath, "config", "", "machine config file (YAML)")
	fs.BoolVar(&b.debug, "debug", false, "enable debug logging")
	fs.BoolVar(&b.quiet, "quiet", false, "log errors only")
	fs.BoolVar(&b.headless, "headless", false, "boot without attaching the terminal")

	return fs
}

func (b boot) Run(ctx context.Context, _ []string, out io.Writer, logger *log.Logger) int {
	if b.quiet {
		log.LogLevel.Set(log.Error)
	}

	if b.debug {
		log.LogLevel.Set(log.Debug)
	}

	cfg := defaultConfig()

	if b.configPath != "" {
		raw, err := os.ReadFile(b.configPath)
		if err != nil {
			logger.Error("boot: read config", "err", err)
			return 1
		}

		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			logger.Error("boot: parse config", "err", err)
			return 1
		}
	}

	// The console owns the terminal while the machine runs; without one the machine still
	// boots, it just has no input.
	var (
		cons      *console.Console
		serialOut io.Writer = out
	)

	if !b.headless {
		c, err := console.New(os.Stdin, os.Stdout)

		switch {
		case errors.Is(err, console.ErrNoTTY):
			logger.Warn("boot: no terminal; running headless")
		case err != nil:
			logger.Error("boot: console", "err", err)
			return 1
		default:
			cons = c
			serialOut = c.Writer()

			defer cons.Restore()
		}
	}

	var serialLog io.Writer

	if cfg.SerialLog != "" {
		f, err := os.Create(cfg.SerialLog)
		if err != nil {
			logger.Error("boot: serial log", "err", err)
			return 1
		}

		defer f.Close()

		serialLog = f
	}

	machine := hw.New(hw.Config{
		RAMBytes:     cfg.RAMMiB << 20,
		SerialOut:    serialOut,
		SerialLogOut: serialLog,
		Logger:       logger,
	})

	info, err := firmware.Build(machine, firmware.Config{
		OldRSDP:          cfg.OldRSDP,
		KernelImageBytes: cfg.ImageMiB << 20,
		Logger:           logger,
	})
	if err != nil {
		logger.Error("boot: firmware", "err", err)
		return 1
	}

	k, err := kernel.New(machine, info, logger)
	if err != nil {
		logger.Error("boot: bring-up failed", "err", err)
		return 1
	}

	// With a serial log configured, tee every record out COM2 as well.
	if h, ok := logger.Handler().(*log.Handler); ok && serialLog != nil {
		h.Tee(k.SerialLog())
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cons != nil {
		cons.Attach(ctx, machine)
	}

	if b.headless {
		// Nothing will ever type; report the boot result and stop.
		logger.Info("boot: kernel up", "cpu", k.Info)
		return 0
	}

	if err := k.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("boot: stopped", "err", err)
		return 1
	}

	return 0
}
