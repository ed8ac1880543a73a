// Package cli implements the fleetlink command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
)

// Run is the main CLI entry point. It parses args and dispatches to the
// appropriate subcommand, returning a process exit code.
func Run(args []string) int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return run(ctx, args, os.Stdout, os.Stderr)
}

type command func(ctx context.Context, args []string, stdout, stderr io.Writer) int

var commands = map[string]command{
	"run":        runAgent,
	"register":   runRegister,
	"ping":       runPing,
	"info":       runInfo,
	"status":     runStatus,
	"screenshot": runScreenshot,
	"tunnel":     runTunnel,
	"history":    runHistory,
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || (strings.HasPrefix(args[0], "-") && !isHelp(args[0]) && !isVersion(args[0])) {
		return runAgent(ctx, args, stdout, stderr)
	}
	switch {
	case isVersion(args[0]):
		printVersion(stdout)
		return 0
	case isHelp(args[0]):
		printUsage(stdout)
		return 0
	}
	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n\n", args[0])
		printUsage(stderr)
		return 2
	}
	return cmd(ctx, args[1:], stdout, stderr)
}

func isHelp(arg string) bool {
	return arg == "help" || arg == "-h" || arg == "--help"
}

func isVersion(arg string) bool {
	return arg == "version" || arg == "--version" || arg == "-v"
}
