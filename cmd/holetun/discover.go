// Copyright (c) 2025
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/saintparish4/holetun/internal/config"
	"github.com/saintparish4/holetun/pkg/stunprobe"
)

const (
	defaultSTUNServer = "stun.l.google.com:19302"
)

func discoverCommand(ctx context.Context, args []string, stdout, stderr io.Writer, lookup func(string) (string, bool)) int {
	fs := flag.NewFlagSet("discover", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "Usage: holetun discover [-stun HOST:PORT] [-stun-timeout D]")
		fmt.Fprintln(fs.Output())
		fmt.Fprintf(fs.Output(), "Discover your public IP and port (default server: %s).\n", defaultSTUNServer)
	}

	cfg, err := config.Load(fs, args, lookup)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}

	server := cfg.STUNServer
	if server == "" {
		server = defaultSTUNServer
	}

	fmt.Fprintf(stdout, "Discovering public endpoint using STUN server: %s\n", server)

	res, err := stunprobe.Discover(ctx, server, time.Duration(cfg.STUNTimeout))
	if err != nil {
		fmt.Fprintf(stderr, "Error: discovery failed: %v\n", err)
		return exitError
	}

	fmt.Fprintf(stdout, "\nDiscovered public endpoint: %s\n", res.Mapped)
	fmt.Fprintf(stdout, "  IP: %s\n", res.Mapped.IP)
	fmt.Fprintf(stdout, "  Port: %d\n", res.Mapped.Port)
	fmt.Fprintf(stdout, "  RTT: %s\n", res.RTT.Round(time.Millisecond))
	return exitOK
}
