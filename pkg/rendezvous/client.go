package rendezvous

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/saintparish4/holetun/pkg/netutil"
	"github.com/saintparish4/holetun/pkg/session"
)

// PacketWriter is the send half of the shared external socket.
// *net.UDPConn satisfies it and is safe for concurrent use.
type PacketWriter interface {
	WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error)
}

const (
	// DefaultBurstCount is the number of REGISTER messages in the initial burst
	DefaultBurstCount = 6

	// DefaultBurstInterval between REGISTER messages in the initial burst
	DefaultBurstInterval = 500 * time.Millisecond
)

// Client registers the session with the relay and learns the remote peer
// from relay control messages.
type Client struct {
	conn     PacketWriter
	state    *session.State
	register []byte
	log      logrus.FieldLogger
}

// NewClient creates a rendezvous client sharing conn with the rest of the session
func NewClient(conn PacketWriter, state *session.State, logger logrus.FieldLogger) (*Client, error) {
	if conn == nil {
		return nil, fmt.Errorf("conn cannot be nil")
	}
	if state == nil {
		return nil, fmt.Errorf("session state cannot be nil")
	}
	if !ValidSessionID(state.SessionID()) {
		return nil, fmt.Errorf("invalid session id %q", state.SessionID())
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Client{
		conn:     conn,
		state:    state,
		register: EncodeRegister(state.SessionID()),
		log:      logger.WithField("component", "rendezvous"),
	}, nil
}

// Register sends one REGISTER message to the relay
func (c *Client) Register() error {
	if _, err := c.conn.WriteToUDPAddrPort(c.register, c.state.Relay()); err != nil {
		return fmt.Errorf("failed to send register: %w", err)
	}
	return nil
}

// RegisterBurst sends count REGISTER messages interval apart to open the NAT
// mapping toward the relay. Individual send failures are logged and skipped.
func (c *Client) RegisterBurst(ctx context.Context, count int, interval time.Duration) error {
	if count <= 0 {
		count = DefaultBurstCount
	}
	if interval <= 0 {
		interval = DefaultBurstInterval
	}

	for i := 0; i < count; i++ {
		if err := c.Register(); err != nil {
			c.log.WithError(err).Debug("register send failed")
		}

		if i == count-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}

	c.log.WithFields(logrus.Fields{
		"relay": c.state.Relay(),
		"count": count,
	}).Debug("register burst sent")
	return nil
}

// HandleControl interprets a datagram received from the relay.
// Datagrams from any other source are never treated as control traffic.
// It reports whether the message set the remote peer.
func (c *Client) HandleControl(from netip.AddrPort, data []byte) bool {
	if !netutil.SameAddr(from, c.state.Relay()) {
		return false
	}

	peer, err := ParsePeer(data)
	if err != nil {
		c.log.WithError(err).Debug("ignoring relay message")
		return false
	}

	if !c.state.SetRemotePeer(peer) {
		current, _ := c.state.RemotePeer()
		if current != peer {
			c.log.WithFields(logrus.Fields{
				"offered": peer,
				"current": current,
			}).Debug("ignoring late peer announcement")
		}
		return false
	}

	c.log.WithField("peer", peer).Info("remote peer discovered")
	return true
}
