package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saintparish4/holetun/internal/config"
	"github.com/saintparish4/holetun/internal/relay"
	"github.com/saintparish4/holetun/internal/status"
	"github.com/saintparish4/holetun/pkg/holepunch"
	"github.com/saintparish4/holetun/pkg/netutil"
	"github.com/saintparish4/holetun/pkg/session"
	"github.com/saintparish4/holetun/pkg/tunnel"
	"github.com/saintparish4/holetun/pkg/types"
)

func noEnv(string) (string, bool) { return "", false }

func runCLI(ctx context.Context, args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := run(ctx, args, &stdout, &stderr, noEnv)
	return code, stdout.String(), stderr.String()
}

func listenLoopback(t *testing.T) *net.UDPConn {
	t.Helper()
	return listenAt(t, net.IPv4(127, 0, 0, 1))
}

func listenAt(t *testing.T, ip net.IP) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: ip})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func addrOf(conn *net.UDPConn) netip.AddrPort {
	ap := conn.LocalAddr().(*net.UDPAddr).AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

func TestRunUsage(t *testing.T) {
	code, _, stderr := runCLI(context.Background())
	assert.Equal(t, exitError, code)
	assert.Contains(t, stderr, "Usage: holetun")

	code, stdout, _ := runCLI(context.Background(), "help")
	assert.Equal(t, exitOK, code)
	assert.Contains(t, stdout, "connect")

	code, _, stderr = runCLI(context.Background(), "bogus")
	assert.Equal(t, exitError, code)
	assert.Contains(t, stderr, "Unknown command: bogus")
}

func TestRunVersion(t *testing.T) {
	code, stdout, _ := runCLI(context.Background(), "version")
	assert.Equal(t, exitOK, code)
	assert.Equal(t, "holetun version dev\n", stdout)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, exitOK, exitCode(nil))
	assert.Equal(t, exitOK, exitCode(fmt.Errorf("session: %w", context.Canceled)))
	assert.Equal(t, exitSession, exitCode(types.NewSessionError("discover", tunnel.ErrDiscoveryTimeout)))
	assert.Equal(t, exitSession, exitCode(types.NewSessionError("punch", holepunch.ErrPunchTimeout)))
	assert.Equal(t, exitError, exitCode(errors.New("router stopped")))
}

func TestConnectRejectsBadOptions(t *testing.T) {
	code, _, stderr := runCLI(context.Background(), "connect", "-session", "abc123")
	assert.Equal(t, exitError, code)
	assert.Contains(t, stderr, "relay host is required")

	code, _, _ = runCLI(context.Background(), "connect", "-no-such-flag")
	assert.Equal(t, exitError, code)

	code, _, _ = runCLI(context.Background(), "connect", "-h")
	assert.Equal(t, exitOK, code)
}

func TestConnectBindFailure(t *testing.T) {
	occupied, err := netutil.ListenExternal(context.Background(), "udp4", 0, false)
	require.NoError(t, err)
	defer occupied.Close()
	port := occupied.LocalAddr().(*net.UDPAddr).Port

	code, _, stderr := runCLI(context.Background(), "connect",
		"-relay", "127.0.0.1",
		"-session", "abc123",
		"-external-port", strconv.Itoa(port),
		"-reuse-addr=false",
	)
	assert.Equal(t, exitError, code)
	assert.Contains(t, stderr, "bind external port")
}

func TestConnectReportsBindFailureBeforeResolving(t *testing.T) {
	occupied, err := netutil.ListenExternal(context.Background(), "udp4", 0, false)
	require.NoError(t, err)
	defer occupied.Close()
	port := occupied.LocalAddr().(*net.UDPAddr).Port

	code, _, stderr := runCLI(context.Background(), "connect",
		"-relay", "relay.invalid",
		"-session", "abc123",
		"-external-port", strconv.Itoa(port),
		"-reuse-addr=false",
	)
	assert.Equal(t, exitError, code)
	assert.Contains(t, stderr, "bind external port")
	assert.NotContains(t, stderr, "relay:")
}

func TestConnectUnresolvableRelay(t *testing.T) {
	code, _, stderr := runCLI(context.Background(), "connect",
		"-relay", "relay.invalid",
		"-session", "abc123",
		"-external-port", "0",
	)
	assert.Equal(t, exitError, code)
	assert.Contains(t, stderr, "relay:")
}

func TestConnectDiscoveryTimeoutExitsTwo(t *testing.T) {
	// a relay that never answers
	silent := listenLoopback(t)

	start := time.Now()
	code, stdout, _ := runCLI(context.Background(), "connect",
		"-relay", "127.0.0.1",
		"-relay-port", strconv.Itoa(int(addrOf(silent).Port())),
		"-session", "abc123",
		"-register-count", "2",
		"-register-interval", "20ms",
		"-discovery-timeout", "300ms",
		"-log-level", "error",
	)
	assert.Equal(t, exitSession, code)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Contains(t, stdout, "FAILED")
}

func TestRelayCommandStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	code, _, stderr := runCLI(ctx, "relay", "-listen", "127.0.0.1:0", "-log-level", "error")
	assert.Equal(t, exitOK, code, stderr)
}

func TestRelayCommandRejectsBadConfig(t *testing.T) {
	code, _, stderr := runCLI(context.Background(), "relay", "-stale-timeout", "0s")
	assert.Equal(t, exitError, code)
	assert.Contains(t, stderr, "stale timeout")
}

func TestDiscoverCommandFailure(t *testing.T) {
	silent := listenLoopback(t)

	code, stdout, stderr := runCLI(context.Background(), "discover",
		"-stun", addrOf(silent).String(),
		"-stun-timeout", "200ms",
	)
	assert.Equal(t, exitError, code)
	assert.Contains(t, stdout, "Discovering public endpoint")
	assert.Contains(t, stderr, "discovery failed")
}

func sessionConfig(t *testing.T, relayAddr netip.AddrPort) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.RelayHost = relayAddr.Addr().String()
	cfg.RelayPort = int(relayAddr.Port())
	cfg.SessionID = "e2e"
	// applications sit on 127.0.0.2 so the other peer's loopback socket is never local
	cfg.LocalNetworks = []string{"127.0.0.2/32"}
	cfg.LocalHost = "127.0.0.2"
	cfg.RegisterInterval = config.Duration(50 * time.Millisecond)
	cfg.DiscoveryTimeout = config.Duration(5 * time.Second)
	cfg.PunchInterval = config.Duration(20 * time.Millisecond)
	cfg.PunchWindow = config.Duration(3 * time.Second)
	cfg.KeepaliveInterval = config.Duration(100 * time.Millisecond)
	return cfg
}

type sessionOutcome struct {
	res tunnel.Result
	err error
}

// readPayload waits for a datagram that is not a punch marker
func readPayload(t *testing.T, conn *net.UDPConn, timeout time.Duration) (string, bool) {
	t.Helper()
	buf := make([]byte, 2048)
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, _, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if netutil.IsTimeout(err) {
				continue
			}
			t.Fatalf("read failed: %v", err)
		}
		require.False(t, holepunch.IsMarker(buf[:n]), "punch marker leaked to the local application")
		return string(buf[:n]), true
	}
	return "", false
}

func TestConnectEndToEnd(t *testing.T) {
	logger, _ := test.NewNullLogger()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	rl := relay.NewServer(relay.Config{Addr: "127.0.0.1:0"}, logger)
	require.NoError(t, rl.Listen())
	relayDone := make(chan error, 1)
	go func() { relayDone <- rl.Serve(ctx) }()

	appA := listenAt(t, net.IPv4(127, 0, 0, 2))
	appB := listenAt(t, net.IPv4(127, 0, 0, 2))

	sessionCtx, stopSessions := context.WithCancel(ctx)
	defer stopSessions()

	start := func(cfg *config.Config, withStatus bool) (netip.AddrPort, <-chan sessionOutcome) {
		tc, err := cfg.TunnelConfig()
		require.NoError(t, err)
		conn, err := netutil.ListenExternal(ctx, "udp4", 0, true)
		require.NoError(t, err)
		external := netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), addrOf(conn).Port())

		sc := status.Config{Addr: "127.0.0.1:0"}
		done := make(chan sessionOutcome, 1)
		go func() {
			res, err := connect(sessionCtx, conn, tc, sc, withStatus, logger)
			done <- sessionOutcome{res, err}
		}()
		return external, done
	}

	// A learns its local application from traffic, B has it configured
	externalA, doneA := start(sessionConfig(t, rl.Addr()), true)
	cfgB := sessionConfig(t, rl.Addr())
	cfgB.LocalPort = int(addrOf(appB).Port())
	externalB, doneB := start(cfgB, false)

	// retry until the path is up; earlier datagrams are dropped
	var got string
	for i := 0; i < 50 && got == ""; i++ {
		_, err := appA.WriteToUDPAddrPort([]byte("hello"), externalA)
		require.NoError(t, err)
		got, _ = readPayload(t, appB, 200*time.Millisecond)
	}
	require.Equal(t, "hello", got)

	_, err := appB.WriteToUDPAddrPort([]byte("world"), externalB)
	require.NoError(t, err)
	reply, ok := readPayload(t, appA, 3*time.Second)
	require.True(t, ok, "reply never reached the learned local application")
	assert.Equal(t, "world", reply)

	stopSessions()
	for _, done := range []<-chan sessionOutcome{doneA, doneB} {
		select {
		case out := <-done:
			assert.ErrorIs(t, out.err, context.Canceled)
			assert.Equal(t, exitOK, exitCode(out.err))
			assert.Equal(t, session.StatusConnected, out.res.Status)
			assert.NotZero(t, out.res.Snapshot.Traffic.ToRemotePackets+out.res.Snapshot.Traffic.ToLocalPackets)
		case <-time.After(5 * time.Second):
			t.Fatal("session did not stop after cancel")
		}
	}

	cancel()
	select {
	case err := <-relayDone:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not stop")
	}
	assert.Equal(t, 1, rl.Registry().Stats().Paired)
}
