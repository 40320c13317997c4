// Copyright (c) 2025
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/saintparish4/holetun/internal/config"
	"github.com/saintparish4/holetun/internal/logging"
	"github.com/saintparish4/holetun/internal/status"
	"github.com/saintparish4/holetun/pkg/netutil"
	"github.com/saintparish4/holetun/pkg/tunnel"
)

func connectCommand(ctx context.Context, args []string, stdout, stderr io.Writer, lookup func(string) (string, bool)) int {
	fs := flag.NewFlagSet("connect", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { printConnectUsage(fs) }

	cfg, err := config.Load(fs, args, lookup)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}

	logger, err := logging.New(stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}

	if err := cfg.ValidateClient(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}

	// bind first so a taken port is reported before any name lookup
	conn, err := netutil.ListenExternal(ctx, "udp4", cfg.ExternalPort, cfg.ReuseAddr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: bind external port %d: %v\n", cfg.ExternalPort, err)
		return exitError
	}

	tc, err := cfg.TunnelConfig()
	if err != nil {
		conn.Close()
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}

	statusCfg, withStatus := cfg.StatusConfig()
	res, err := connect(ctx, conn, tc, statusCfg, withStatus, logger)
	printResult(stdout, res)
	if err != nil && exitCode(err) != exitOK {
		fmt.Fprintf(stderr, "Error: %v\n", err)
	}
	return exitCode(err)
}

// connect runs one session on conn, plus the status server when enabled,
// until the session fails or ctx is cancelled. conn is closed on return.
func connect(ctx context.Context, conn *net.UDPConn, tc tunnel.Config, sc status.Config, withStatus bool, logger logrus.FieldLogger) (tunnel.Result, error) {
	driver, err := tunnel.New(conn, tc, logger)
	if err != nil {
		conn.Close()
		return tunnel.Result{}, err
	}
	defer driver.Close()

	logger.WithFields(logrus.Fields{
		"session":  tc.SessionID,
		"relay":    tc.Relay,
		"external": conn.LocalAddr(),
	}).Info("starting session")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	var (
		res    tunnel.Result
		runErr error
	)
	g.Go(func() error {
		defer cancel()
		res, runErr = driver.Run(gctx)
		return nil
	})
	if withStatus {
		srv := status.NewServer(driver.State(), sc, logger)
		g.Go(func() error {
			if err := srv.ListenAndServe(gctx); err != nil {
				return fmt.Errorf("status server: %w", err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil && (runErr == nil || errors.Is(runErr, context.Canceled)) {
		runErr = err
	}
	return res, runErr
}

func printResult(w io.Writer, res tunnel.Result) {
	snap := res.Snapshot
	if snap.SessionID == "" {
		return
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Session %s ended: %s\n", snap.SessionID, snap.Status)
	if snap.Reason != "" {
		fmt.Fprintf(w, "  Reason      : %s\n", snap.Reason)
	}
	if res.Mapping != nil {
		fmt.Fprintf(w, "  Public      : %s\n", res.Mapping.Mapped)
	}
	if snap.RemotePeer != nil {
		fmt.Fprintf(w, "  Remote peer : %s\n", snap.RemotePeer)
	}
	if snap.LocalPeer != nil {
		fmt.Fprintf(w, "  Local peer  : %s\n", snap.LocalPeer)
	}
	fmt.Fprintf(w, "  To remote   : %d packets, %d bytes\n", snap.Traffic.ToRemotePackets, snap.Traffic.ToRemoteBytes)
	fmt.Fprintf(w, "  To local    : %d packets, %d bytes\n", snap.Traffic.ToLocalPackets, snap.Traffic.ToLocalBytes)
	fmt.Fprintf(w, "  Dropped     : %d\n", snap.Traffic.Dropped)
}

func printConnectUsage(fs *flag.FlagSet) {
	w := fs.Output()
	fmt.Fprintln(w, "Usage: holetun connect -relay HOST -session ID -external-port PORT [options]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Register with the relay, wait for the peer of the same session, punch a")
	fmt.Fprintln(w, "direct path to it and forward datagrams between it and the local application.")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Options:")
	fs.PrintDefaults()
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Exit status: 0 on interrupt, 1 on bad options or bind failure,")
	fmt.Fprintln(w, "2 when discovery or punching times out.")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Example:")
	fmt.Fprintln(w, "  # both peers, within a few seconds of each other")
	fmt.Fprintln(w, "  $ holetun connect -relay 203.0.113.1 -session abc123 -external-port 40000 -local-port 51820")
}
