// cmd/vesper is the command-line interface to VESPER, a simulated x86-64 machine and its kernel.
package main

import (
	"context"
	"os"

	"github.com/vesperos/vesper/internal/cli"
	"github.com/vesperos/vesper/internal/cli/cmd"
)

var commands = []cli.Command{
	cmd.Boot(),
}

// Entry point.
func main() {
	result :=
		cli.New(context.Background()).
			WithLogger(os.Stderr).
			WithCommands(commands).
			WithHelp(cmd.Help(commands)).
			Execute(os.Args[1:])

	os.Exit(result)
}
