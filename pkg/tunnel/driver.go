// Package tunnel drives one hole-punched session through its phases:
// register with the relay, wait for the peer, punch, then keep the
// mappings alive while the router forwards traffic.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/saintparish4/holetun/pkg/holepunch"
	"github.com/saintparish4/holetun/pkg/netutil"
	"github.com/saintparish4/holetun/pkg/rendezvous"
	"github.com/saintparish4/holetun/pkg/router"
	"github.com/saintparish4/holetun/pkg/session"
	"github.com/saintparish4/holetun/pkg/stunprobe"
	"github.com/saintparish4/holetun/pkg/types"
)

const (
	DefaultDiscoveryTimeout  = 15 * time.Second
	DefaultKeepaliveInterval = 1 * time.Second
)

// ErrDiscoveryTimeout is returned when the relay never announced a peer
var ErrDiscoveryTimeout = errors.New("peer discovery timed out")

// Conn is the shared external socket. *net.UDPConn satisfies it.
type Conn interface {
	router.PacketConn
	LocalAddr() net.Addr
	Close() error
}

// Config holds the tunables of a session
type Config struct {
	SessionID string
	Relay     netip.AddrPort

	// LocalPeer is an optional fixed address of the local application
	LocalPeer     netip.AddrPort
	LocalNetworks netutil.LocalNetworks

	RegisterCount     int
	RegisterInterval  time.Duration
	DiscoveryTimeout  time.Duration
	PunchInterval     time.Duration
	PunchWindow       time.Duration
	KeepaliveInterval time.Duration

	// STUNServer enables a mapping probe before registration
	STUNServer  netip.AddrPort
	STUNTimeout time.Duration
}

// DefaultConfig returns a config with every interval at its default.
// SessionID and Relay must still be set.
func DefaultConfig() Config {
	return Config{
		LocalNetworks:     netutil.DefaultLocalNetworks(),
		RegisterCount:     rendezvous.DefaultBurstCount,
		RegisterInterval:  rendezvous.DefaultBurstInterval,
		DiscoveryTimeout:  DefaultDiscoveryTimeout,
		PunchInterval:     holepunch.DefaultInterval,
		PunchWindow:       holepunch.DefaultWindow,
		KeepaliveInterval: DefaultKeepaliveInterval,
		STUNTimeout:       stunprobe.DefaultTimeout,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if len(c.LocalNetworks) == 0 {
		c.LocalNetworks = d.LocalNetworks
	}
	if c.RegisterCount <= 0 {
		c.RegisterCount = d.RegisterCount
	}
	if c.RegisterInterval <= 0 {
		c.RegisterInterval = d.RegisterInterval
	}
	if c.DiscoveryTimeout <= 0 {
		c.DiscoveryTimeout = d.DiscoveryTimeout
	}
	if c.PunchInterval <= 0 {
		c.PunchInterval = d.PunchInterval
	}
	if c.PunchWindow <= 0 {
		c.PunchWindow = d.PunchWindow
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = d.KeepaliveInterval
	}
	if c.STUNTimeout <= 0 {
		c.STUNTimeout = d.STUNTimeout
	}
}

// Result is the final report of a session run
type Result struct {
	Status   session.Status
	Peer     netip.AddrPort
	Reason   string
	Punch    holepunch.Result
	Mapping  *stunprobe.Result
	Snapshot session.Snapshot
}

// Driver owns the session state and the components sharing the external socket
type Driver struct {
	conn    Conn
	cfg     Config
	state   *session.State
	client  *rendezvous.Client
	puncher *holepunch.Puncher
	router  *router.Router
	log     logrus.FieldLogger
}

// New wires a driver around conn. The driver takes ownership of conn.
func New(conn Conn, cfg Config, logger logrus.FieldLogger) (*Driver, error) {
	if conn == nil {
		return nil, fmt.Errorf("conn cannot be nil")
	}
	if !cfg.Relay.IsValid() || cfg.Relay.Port() == 0 {
		return nil, fmt.Errorf("invalid relay address %q", cfg.Relay)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	cfg.applyDefaults()

	state := session.New(cfg.SessionID, cfg.Relay, cfg.LocalPeer)

	client, err := rendezvous.NewClient(conn, state, logger)
	if err != nil {
		return nil, err
	}
	puncher, err := holepunch.NewPuncher(conn, state, holepunch.Config{
		Interval: cfg.PunchInterval,
		Window:   cfg.PunchWindow,
	}, logger)
	if err != nil {
		return nil, err
	}
	rt, err := router.New(conn, state, client, cfg.LocalNetworks, logger)
	if err != nil {
		return nil, err
	}

	return &Driver{
		conn:    conn,
		cfg:     cfg,
		state:   state,
		client:  client,
		puncher: puncher,
		router:  rt,
		log: logger.WithFields(logrus.Fields{
			"component": "tunnel",
			"session":   cfg.SessionID,
		}),
	}, nil
}

// State exposes the session state for observers
func (d *Driver) State() *session.State {
	return d.state
}

// Run executes the session until it fails or ctx is cancelled.
// A failed discovery or punch returns a *types.SessionError wrapping
// ErrDiscoveryTimeout or holepunch.ErrPunchTimeout. Cancellation returns an
// error wrapping the context error, with the result of the phases reached.
func (d *Driver) Run(ctx context.Context) (Result, error) {
	var res Result

	if d.cfg.STUNServer.IsValid() {
		res.Mapping = d.probe(ctx)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.router.Run(gctx)
	})

	var runErr error
	g.Go(func() error {
		defer cancel()
		runErr = d.run(gctx, &res)
		return nil
	})

	if err := g.Wait(); err != nil && (runErr == nil || errors.Is(runErr, context.Canceled)) {
		runErr = fmt.Errorf("router stopped: %w", err)
	}

	res.Status = d.state.Status()
	res.Reason = d.state.Reason()
	res.Snapshot = d.state.Snapshot()
	return res, runErr
}

func (d *Driver) run(ctx context.Context, res *Result) error {
	d.log.WithFields(logrus.Fields{
		"relay": d.cfg.Relay,
		"burst": d.cfg.RegisterCount,
	}).Info("registering with relay")

	// the burst always runs to completion unless ctx ends, even once the peer is known
	burstDone := make(chan struct{})
	go func() {
		defer close(burstDone)
		_ = d.client.RegisterBurst(ctx, d.cfg.RegisterCount, d.cfg.RegisterInterval)
	}()
	defer func() { <-burstDone }()

	peer, err := d.discover(ctx)
	if err != nil {
		return err
	}
	res.Peer = peer

	punch, err := d.puncher.Punch(ctx)
	res.Punch = punch
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("punch: %w", ctx.Err())
		}
		return types.NewSessionError("punch", err)
	}

	d.log.WithField("peer", peer).Info("tunnel established, forwarding")

	d.keepalive(ctx)
	return fmt.Errorf("session: %w", ctx.Err())
}

// discover waits for the relay to announce the peer. The timeout runs from
// the start of registration.
func (d *Driver) discover(ctx context.Context) (netip.AddrPort, error) {
	dctx, cancel := context.WithTimeout(ctx, d.cfg.DiscoveryTimeout)
	defer cancel()

	err := d.state.Await(dctx, func(s *session.State) bool {
		_, ok := s.RemotePeer()
		return ok || s.Status().Terminal()
	})
	if err == nil {
		if peer, ok := d.state.RemotePeer(); ok {
			return peer, nil
		}
		return netip.AddrPort{}, types.NewSessionError("discover", session.ErrTerminal)
	}
	if ctx.Err() != nil {
		return netip.AddrPort{}, fmt.Errorf("discover: %w", ctx.Err())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		d.state.Fail(ErrDiscoveryTimeout.Error())
		d.log.WithField("timeout", d.cfg.DiscoveryTimeout).Warn("no peer announced by relay")
		return netip.AddrPort{}, types.NewSessionError("discover", ErrDiscoveryTimeout)
	}
	return netip.AddrPort{}, types.NewSessionError("discover", err)
}

// keepalive refreshes the relay registration and the peer mapping until ctx ends
func (d *Driver) keepalive(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.client.Register(); err != nil {
				d.log.WithError(err).Debug("register keepalive failed")
			}
			if err := d.puncher.SendKeepalive(); err != nil {
				d.log.WithError(err).Debug("peer keepalive failed")
			}
		}
	}
}

func (d *Driver) probe(ctx context.Context) *stunprobe.Result {
	var local netip.AddrPort
	if ua, ok := d.conn.LocalAddr().(*net.UDPAddr); ok {
		local = ua.AddrPort()
	}

	res, err := stunprobe.Probe(ctx, d.conn, d.cfg.STUNServer, local, d.cfg.STUNTimeout)
	if err != nil {
		d.log.WithError(err).WithField("server", d.cfg.STUNServer).Warn("mapping probe failed")
		return nil
	}

	d.log.WithFields(logrus.Fields{
		"server": d.cfg.STUNServer,
		"mapped": res.Mapped,
		"rtt":    res.RTT,
	}).Info("public mapping")
	return res
}

// Close releases the external socket
func (d *Driver) Close() error {
	if err := d.conn.Close(); err != nil && !netutil.IsClosed(err) {
		return err
	}
	return nil
}
