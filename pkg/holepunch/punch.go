package holepunch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/saintparish4/holetun/pkg/session"
)

const (
	// Marker is sent to punch through NAT and to keep the mapping alive.
	// It is a control token and is never delivered to the local application.
	Marker = "THIS_IS_A_UNIQUE_MESSAGE_5348y2dhjkg"

	// DefaultInterval between punch packets
	DefaultInterval = 100 * time.Millisecond

	// DefaultWindow is how long punching may take before the session fails
	DefaultWindow = 5 * time.Second
)

var marker = []byte(Marker)

// ErrPunchTimeout is returned when no datagram from the peer arrived within the punch window
var ErrPunchTimeout = errors.New("hole punching timed out")

// IsMarker reports whether payload is exactly the punch marker
func IsMarker(payload []byte) bool {
	return bytes.Equal(payload, marker)
}

// PacketWriter is the send half of the shared external socket
type PacketWriter interface {
	WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error)
}

// Outcome is the final verdict of a punch attempt
type Outcome int

const (
	OutcomeConnected Outcome = iota
	OutcomeFailed
)

func (o Outcome) String() string {
	if o == OutcomeConnected {
		return "connected"
	}
	return "failed"
}

// Result describes a finished punch attempt
type Result struct {
	Outcome  Outcome
	Peer     netip.AddrPort
	Attempts int
	Elapsed  time.Duration
	Reason   string
}

// Config holds configuration for the hole puncher
type Config struct {
	// Interval between marker datagrams
	Interval time.Duration

	// Window bounds the whole attempt
	Window time.Duration
}

// DefaultConfig returns the default punch configuration
func DefaultConfig() Config {
	return Config{
		Interval: DefaultInterval,
		Window:   DefaultWindow,
	}
}

// Puncher sends marker bursts toward the discovered peer. It never reads from the
// socket: confirmation comes from the router marking the session CONNECTED.
type Puncher struct {
	conn  PacketWriter
	state *session.State
	cfg   Config
	log   logrus.FieldLogger
}

// NewPuncher creates a puncher that writes through conn
func NewPuncher(conn PacketWriter, state *session.State, cfg Config, logger logrus.FieldLogger) (*Puncher, error) {
	if conn == nil {
		return nil, fmt.Errorf("conn cannot be nil")
	}
	if state == nil {
		return nil, fmt.Errorf("session state cannot be nil")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Puncher{
		conn:  conn,
		state: state,
		cfg:   cfg,
		log:   logger.WithField("component", "holepunch"),
	}, nil
}

// Punch sends the marker to the remote peer every Interval until the session is
// CONNECTED or Window elapses. On timeout the session is marked FAILED and
// ErrPunchTimeout is returned alongside the result.
func (p *Puncher) Punch(ctx context.Context) (Result, error) {
	peer, ok := p.state.RemotePeer()
	if !ok {
		return Result{Outcome: OutcomeFailed, Reason: session.ErrNoRemotePeer.Error()}, session.ErrNoRemotePeer
	}
	if err := p.state.MarkPunching(); err != nil {
		return Result{Outcome: OutcomeFailed, Peer: peer, Reason: err.Error()}, err
	}

	p.log.WithFields(logrus.Fields{
		"peer":     peer,
		"interval": p.cfg.Interval,
		"window":   p.cfg.Window,
	}).Info("hole punching")

	start := time.Now()
	result := Result{Peer: peer}

	deadline := time.NewTimer(p.cfg.Window)
	defer deadline.Stop()
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.send(peer, &result)

	for {
		changed := p.state.Changed()
		switch p.state.Status() {
		case session.StatusConnected:
			result.Outcome = OutcomeConnected
			result.Elapsed = time.Since(start)
			p.log.WithFields(logrus.Fields{
				"peer":     peer,
				"attempts": result.Attempts,
				"elapsed":  result.Elapsed,
			}).Info("hole punched")
			return result, nil
		case session.StatusFailed:
			result.Outcome = OutcomeFailed
			result.Elapsed = time.Since(start)
			result.Reason = p.state.Reason()
			return result, session.ErrTerminal
		}

		select {
		case <-ctx.Done():
			result.Outcome = OutcomeFailed
			result.Elapsed = time.Since(start)
			result.Reason = ctx.Err().Error()
			return result, ctx.Err()

		case <-deadline.C:
			if p.state.Status() == session.StatusConnected {
				continue
			}
			result.Outcome = OutcomeFailed
			result.Elapsed = time.Since(start)
			result.Reason = ErrPunchTimeout.Error()
			p.state.Fail(result.Reason)
			return result, ErrPunchTimeout

		case <-ticker.C:
			p.send(peer, &result)

		case <-changed:
		}
	}
}

// send writes one marker; failures are retried on the next tick
func (p *Puncher) send(peer netip.AddrPort, result *Result) {
	result.Attempts++
	if _, err := p.conn.WriteToUDPAddrPort(marker, peer); err != nil {
		p.log.WithError(err).WithField("attempt", result.Attempts).Debug("punch send failed")
	}
}

// SendKeepalive sends a single marker to the remote peer, if known
func (p *Puncher) SendKeepalive() error {
	peer, ok := p.state.RemotePeer()
	if !ok {
		return nil
	}
	if _, err := p.conn.WriteToUDPAddrPort(marker, peer); err != nil {
		return fmt.Errorf("failed to send keepalive: %w", err)
	}
	return nil
}
