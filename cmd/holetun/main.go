// Copyright (c) 2025
// SPDX-License-Identifier: MIT

// Command holetun tunnels a local UDP application to a peer behind another
// NAT, using a rendezvous relay to discover the peer and hole punching to
// open a direct path.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/saintparish4/holetun/pkg/types"
)

var (
	version = "dev" // Set via ldflags
)

const (
	exitOK      = 0
	exitError   = 1
	exitSession = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr, os.LookupEnv)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer, lookup func(string) (string, bool)) int {
	if len(args) < 1 {
		printUsage(stderr)
		return exitError
	}

	command, rest := args[0], args[1:]
	switch command {
	case "connect":
		return connectCommand(ctx, rest, stdout, stderr, lookup)
	case "relay":
		return relayCommand(ctx, rest, stderr, lookup)
	case "discover":
		return discoverCommand(ctx, rest, stdout, stderr, lookup)
	case "version", "-v", "--version":
		fmt.Fprintf(stdout, "holetun version %s\n", version)
		return exitOK
	case "help", "-h", "--help":
		printUsage(stdout)
		return exitOK
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n\n", command)
		printUsage(stderr)
		return exitError
	}
}

// exitCode maps a command error to the process exit status. A session that
// ended in FAILED exits 2, cancellation exits 0.
func exitCode(err error) int {
	var sessErr *types.SessionError
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return exitOK
	case errors.As(err, &sessErr):
		return exitSession
	default:
		return exitError
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "holetun - UDP tunnel through NAT hole punching")
	fmt.Fprintf(w, "Version: %s\n", version)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: holetun <command> [options]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  connect         Meet a peer through the relay and tunnel local UDP traffic to it")
	fmt.Fprintln(w, "  relay           Run the rendezvous relay")
	fmt.Fprintln(w, "  discover        Show this host's public mapping using STUN")
	fmt.Fprintln(w, "  version         Show version information")
	fmt.Fprintln(w, "  help            Show this help message")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Every option can also come from a JSON file (-config) or a HOLETUN_* variable.")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Examples:")
	fmt.Fprintln(w, "  holetun relay -listen :50000")
	fmt.Fprintln(w, "  holetun connect -relay 203.0.113.1 -session abc123 -external-port 40000 -local-port 51820")
	fmt.Fprintln(w, "  holetun discover -stun stun.l.google.com:19302")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "For detailed help on a command:")
	fmt.Fprintln(w, "  holetun <command> -h")
}
