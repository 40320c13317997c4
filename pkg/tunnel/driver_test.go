package tunnel

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saintparish4/holetun/pkg/holepunch"
	"github.com/saintparish4/holetun/pkg/rendezvous"
	"github.com/saintparish4/holetun/pkg/session"
	"github.com/saintparish4/holetun/pkg/types"
)

func listen(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func addrOf(conn *net.UDPConn) netip.AddrPort {
	ap := conn.LocalAddr().(*net.UDPAddr).AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// stubRelay records REGISTER messages. With announce set it answers every
// REGISTER with that peer; with pair set it introduces the first two
// registrants to each other.
type stubRelay struct {
	conn     *net.UDPConn
	announce netip.AddrPort
	pair     bool

	mu        sync.Mutex
	registers int
	seen      []netip.AddrPort
}

func startStubRelay(t *testing.T, announce netip.AddrPort, pair bool) *stubRelay {
	t.Helper()
	r := &stubRelay{conn: listen(t), announce: announce, pair: pair}
	go r.serve()
	return r
}

func (r *stubRelay) serve() {
	buf := make([]byte, 1500)
	for {
		n, from, err := r.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			return
		}
		if _, err := rendezvous.ParseRegister(buf[:n]); err != nil {
			continue
		}
		from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())

		r.mu.Lock()
		r.registers++
		known := false
		for _, s := range r.seen {
			known = known || s == from
		}
		if !known {
			r.seen = append(r.seen, from)
		}
		seen := append([]netip.AddrPort(nil), r.seen...)
		r.mu.Unlock()

		if r.announce.IsValid() {
			_, _ = r.conn.WriteToUDPAddrPort(rendezvous.EncodePeer(r.announce), from)
		}
		if r.pair && len(seen) >= 2 {
			_, _ = r.conn.WriteToUDPAddrPort(rendezvous.EncodePeer(seen[1]), seen[0])
			_, _ = r.conn.WriteToUDPAddrPort(rendezvous.EncodePeer(seen[0]), seen[1])
		}
	}
}

func (r *stubRelay) registerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registers
}

func fastConfig(relay netip.AddrPort) Config {
	cfg := DefaultConfig()
	cfg.SessionID = "abc123"
	cfg.Relay = relay
	cfg.RegisterCount = 3
	cfg.RegisterInterval = 20 * time.Millisecond
	cfg.DiscoveryTimeout = 2 * time.Second
	cfg.PunchInterval = 10 * time.Millisecond
	cfg.PunchWindow = 2 * time.Second
	cfg.KeepaliveInterval = 50 * time.Millisecond
	return cfg
}

func newDriver(t *testing.T, conn Conn, cfg Config) *Driver {
	t.Helper()
	logger, _ := test.NewNullLogger()
	d, err := New(conn, cfg, logger)
	require.NoError(t, err)
	return d
}

func TestNewValidation(t *testing.T) {
	conn := listen(t)

	_, err := New(nil, fastConfig(netip.MustParseAddrPort("127.0.0.1:50000")), nil)
	assert.Error(t, err)

	_, err = New(conn, fastConfig(netip.AddrPort{}), nil)
	assert.Error(t, err)

	cfg := fastConfig(netip.MustParseAddrPort("127.0.0.1:50000"))
	cfg.SessionID = "has space"
	_, err = New(conn, cfg, nil)
	assert.Error(t, err)
}

func TestNewAppliesDefaults(t *testing.T) {
	d := newDriver(t, listen(t), Config{SessionID: "abc123", Relay: netip.MustParseAddrPort("127.0.0.1:50000")})

	assert.Equal(t, DefaultDiscoveryTimeout, d.cfg.DiscoveryTimeout)
	assert.Equal(t, holepunch.DefaultWindow, d.cfg.PunchWindow)
	assert.Equal(t, rendezvous.DefaultBurstCount, d.cfg.RegisterCount)
	assert.NotEmpty(t, d.cfg.LocalNetworks)
	assert.Equal(t, session.StatusAwaitingPeer, d.State().Status())
}

func TestDiscoveryTimeout(t *testing.T) {
	relay := startStubRelay(t, netip.AddrPort{}, false)
	cfg := fastConfig(addrOf(relay.conn))
	cfg.DiscoveryTimeout = 300 * time.Millisecond
	d := newDriver(t, listen(t), cfg)

	start := time.Now()
	res, err := d.Run(context.Background())
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDiscoveryTimeout)
	var se *types.SessionError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "discover", se.Op)

	assert.Equal(t, session.StatusFailed, res.Status)
	assert.Equal(t, ErrDiscoveryTimeout.Error(), res.Reason)
	assert.GreaterOrEqual(t, elapsed, cfg.DiscoveryTimeout)
	assert.Less(t, elapsed, cfg.DiscoveryTimeout+time.Second)
	assert.Equal(t, cfg.RegisterCount, relay.registerCount())
}

func TestPunchTimeout(t *testing.T) {
	silent := listen(t)
	relay := startStubRelay(t, addrOf(silent), false)
	cfg := fastConfig(addrOf(relay.conn))
	cfg.PunchWindow = 200 * time.Millisecond
	d := newDriver(t, listen(t), cfg)

	res, err := d.Run(context.Background())

	assert.ErrorIs(t, err, holepunch.ErrPunchTimeout)
	var se *types.SessionError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "punch", se.Op)
	assert.Equal(t, session.StatusFailed, res.Status)
	assert.Equal(t, addrOf(silent), res.Peer)
	assert.Greater(t, res.Punch.Attempts, 5)

	// the silent peer saw only markers
	buf := make([]byte, 1500)
	require.NoError(t, silent.SetReadDeadline(time.Now().Add(time.Second)))
	n, _, err := silent.ReadFromUDPAddrPort(buf)
	require.NoError(t, err)
	assert.True(t, holepunch.IsMarker(buf[:n]))
}

func TestRegisterBurstCompletesAfterPeerAnnounced(t *testing.T) {
	silent := listen(t)
	// the relay answers the first REGISTER with the peer
	relay := startStubRelay(t, addrOf(silent), false)
	cfg := fastConfig(addrOf(relay.conn))
	cfg.RegisterCount = 6
	cfg.RegisterInterval = 50 * time.Millisecond
	cfg.PunchWindow = 100 * time.Millisecond
	d := newDriver(t, listen(t), cfg)

	res, err := d.Run(context.Background())

	assert.ErrorIs(t, err, holepunch.ErrPunchTimeout)
	assert.Equal(t, addrOf(silent), res.Peer)
	assert.Eventually(t, func() bool {
		return relay.registerCount() == cfg.RegisterCount
	}, time.Second, 10*time.Millisecond)
}

func TestCancelDuringDiscovery(t *testing.T) {
	relay := startStubRelay(t, netip.AddrPort{}, false)
	d := newDriver(t, listen(t), fastConfig(addrOf(relay.conn)))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	res, err := d.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, session.StatusAwaitingPeer, res.Status, "cancellation does not fail the session")
}

func TestClosedSocketStopsRun(t *testing.T) {
	relay := startStubRelay(t, netip.AddrPort{}, false)
	conn := listen(t)
	d := newDriver(t, conn, fastConfig(addrOf(relay.conn)))

	time.AfterFunc(100*time.Millisecond, func() { _ = d.Close() })

	_, err := d.Run(context.Background())
	assert.ErrorIs(t, err, net.ErrClosed)
	assert.NoError(t, d.Close(), "closing twice is not an error")
}

type runOutcome struct {
	res Result
	err error
}

func TestTwoPeersExchangeTraffic(t *testing.T) {
	relay := startStubRelay(t, netip.AddrPort{}, true)
	extA, extB := listen(t), listen(t)
	appA, appB := listen(t), listen(t)

	cfgA := fastConfig(addrOf(relay.conn))
	cfgB := fastConfig(addrOf(relay.conn))
	cfgB.LocalPeer = addrOf(appB)

	a := newDriver(t, extA, cfgA)
	b := newDriver(t, extB, cfgB)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	outA := make(chan runOutcome, 1)
	outB := make(chan runOutcome, 1)
	go func() { res, err := a.Run(ctx); outA <- runOutcome{res, err} }()
	go func() { res, err := b.Run(ctx); outB <- runOutcome{res, err} }()

	connected := func() bool {
		return a.State().Status() == session.StatusConnected && b.State().Status() == session.StatusConnected
	}
	require.Eventually(t, connected, 3*time.Second, 10*time.Millisecond)

	peerA, _ := a.State().RemotePeer()
	peerB, _ := b.State().RemotePeer()
	assert.Equal(t, addrOf(extB), peerA)
	assert.Equal(t, addrOf(extA), peerB)

	buf := make([]byte, 1500)

	// A's application talks first, so A learns its local peer from traffic
	_, err := appA.WriteToUDPAddrPort([]byte("hello"), addrOf(extA))
	require.NoError(t, err)
	require.NoError(t, appB.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, from, err := appB.ReadFromUDPAddrPort(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
	assert.Equal(t, addrOf(extB), netip.AddrPortFrom(from.Addr().Unmap(), from.Port()))

	_, err = appB.WriteToUDPAddrPort([]byte("world"), addrOf(extB))
	require.NoError(t, err)
	require.NoError(t, appA.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err = appA.ReadFromUDPAddrPort(buf)
	require.NoError(t, err)
	assert.Equal(t, "world", string(buf[:n]))

	// keepalive markers keep flowing but never reach the applications
	require.NoError(t, appA.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err = appA.ReadFromUDPAddrPort(buf)
	assert.True(t, isTimeout(err), "no further datagram expected, got %v", err)

	cancel()
	for _, out := range []chan runOutcome{outA, outB} {
		select {
		case o := <-out:
			assert.ErrorIs(t, o.err, context.Canceled)
			assert.Equal(t, session.StatusConnected, o.res.Status)
			assert.NotZero(t, o.res.Snapshot.Traffic.ToRemotePackets+o.res.Snapshot.Traffic.ToLocalPackets)
		case <-time.After(2 * time.Second):
			t.Fatal("driver did not stop after cancellation")
		}
	}

	assert.Greater(t, relay.registerCount(), 2*cfgA.RegisterCount-2, "keepalive re-registers with the relay")
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
