// Copyright (c) 2025
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/saintparish4/holetun/internal/config"
	"github.com/saintparish4/holetun/internal/logging"
	"github.com/saintparish4/holetun/internal/relay"
)

func relayCommand(ctx context.Context, args []string, stderr io.Writer, lookup func(string) (string, bool)) int {
	fs := flag.NewFlagSet("relay", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "Usage: holetun relay [options]")
		fmt.Fprintln(fs.Output())
		fmt.Fprintln(fs.Output(), "Pair the two registrants of each session and tell each the other's address.")
		fmt.Fprintln(fs.Output())
		fmt.Fprintln(fs.Output(), "Relevant options: -listen, -stale-timeout, -cleanup-interval, -log-level, -log-format, -config")
	}

	cfg, err := config.Load(fs, args, lookup)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	if err := cfg.ValidateRelay(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}

	logger, err := logging.New(stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}

	server := relay.NewServer(cfg.RelayConfig(), logger)
	if err := server.ListenAndServe(ctx); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	return exitOK
}
