// Package router runs the single receive loop on the external socket and
// dispatches every inbound datagram by its source address:
//
//  1. from the relay: relay control message, never forwarded
//  2. from the remote peer: confirms the tunnel; data goes to the local application
//  3. from a local network: the local application; data goes to the remote peer
//  4. anything else: dropped without a reply
package router

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/saintparish4/holetun/pkg/holepunch"
	"github.com/saintparish4/holetun/pkg/netutil"
	"github.com/saintparish4/holetun/pkg/session"
)

const (
	// MaxDatagramSize is the receive buffer size
	MaxDatagramSize = 65536

	// pollInterval bounds how long a read blocks before the context is re-checked
	pollInterval = 250 * time.Millisecond
)

// PacketConn is the subset of *net.UDPConn used by the router
type PacketConn interface {
	ReadFromUDPAddrPort(b []byte) (int, netip.AddrPort, error)
	WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error)
	SetReadDeadline(t time.Time) error
}

// ControlHandler consumes relay control messages
type ControlHandler interface {
	HandleControl(from netip.AddrPort, data []byte) bool
}

// Route is the classification of an inbound datagram
type Route int

const (
	RouteRelay Route = iota
	RoutePeer
	RouteLocal
	RouteUnknown
)

func (r Route) String() string {
	switch r {
	case RouteRelay:
		return "relay"
	case RoutePeer:
		return "peer"
	case RouteLocal:
		return "local"
	default:
		return "unknown"
	}
}

// Router demultiplexes datagrams between the relay, the remote peer and the
// local application.
type Router struct {
	conn    PacketConn
	state   *session.State
	control ControlHandler
	local   netutil.LocalNetworks
	log     logrus.FieldLogger
}

// New creates a router. An empty local set falls back to the loopback ranges.
func New(conn PacketConn, state *session.State, control ControlHandler, local netutil.LocalNetworks, logger logrus.FieldLogger) (*Router, error) {
	if conn == nil {
		return nil, fmt.Errorf("conn cannot be nil")
	}
	if state == nil {
		return nil, fmt.Errorf("session state cannot be nil")
	}
	if control == nil {
		return nil, fmt.Errorf("control handler cannot be nil")
	}
	if len(local) == 0 {
		local = netutil.DefaultLocalNetworks()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Router{
		conn:    conn,
		state:   state,
		control: control,
		local:   local,
		log:     logger.WithField("component", "router"),
	}, nil
}

// Run reads datagrams until ctx is cancelled or the socket is closed.
// Forwarding failures never stop the loop.
func (r *Router) Run(ctx context.Context) error {
	buf := make([]byte, MaxDatagramSize)

	for {
		if ctx.Err() != nil {
			return nil
		}

		_ = r.conn.SetReadDeadline(time.Now().Add(pollInterval))
		n, from, err := r.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			switch {
			case netutil.IsTimeout(err):
				continue
			case netutil.IsClosed(err):
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("external socket closed: %w", err)
			default:
				r.log.WithError(err).Debug("read error")
				continue
			}
		}

		r.Dispatch(from, buf[:n])
	}
}

// Classify applies the ordered source-address rules to from
func (r *Router) Classify(from netip.AddrPort) Route {
	if netutil.SameAddr(from, r.state.Relay()) {
		return RouteRelay
	}
	if remote, ok := r.state.RemotePeer(); ok && netutil.SameAddr(from, remote) {
		return RoutePeer
	}
	if r.local.Contains(from.Addr()) {
		return RouteLocal
	}
	return RouteUnknown
}

// Dispatch handles one datagram and returns the route it took.
// payload is only used for the duration of the call.
func (r *Router) Dispatch(from netip.AddrPort, payload []byte) Route {
	route := r.Classify(from)

	switch route {
	case RouteRelay:
		r.control.HandleControl(from, payload)

	case RoutePeer:
		if r.state.MarkConnected() {
			r.log.WithField("peer", from).Info("datagram from peer, tunnel connected")
		}
		if holepunch.IsMarker(payload) {
			return route
		}
		local, ok := r.state.LocalPeer()
		if !ok {
			r.state.Counters().AddDropped()
			r.log.WithField("size", len(payload)).Trace("no local application yet, dropping")
			return route
		}
		if r.forward(payload, local) {
			r.state.Counters().AddToLocal(len(payload))
		}

	case RouteLocal:
		if holepunch.IsMarker(payload) {
			r.state.Counters().AddDropped()
			return route
		}
		if r.state.SetLocalPeer(from) {
			r.log.WithField("local", from).Info("local application address learned")
		}
		remote, ok := r.state.RemotePeer()
		if !ok {
			r.state.Counters().AddDropped()
			r.log.WithField("size", len(payload)).Trace("no tunnel yet, dropping")
			return route
		}
		if r.forward(payload, remote) {
			r.state.Counters().AddToRemote(len(payload))
		}

	default:
		r.state.Counters().AddDropped()
		r.log.WithField("from", from).Trace("dropping datagram from unknown source")
	}

	return route
}

// forward reports whether the datagram was written; a failed write counts as dropped
func (r *Router) forward(payload []byte, to netip.AddrPort) bool {
	if _, err := r.conn.WriteToUDPAddrPort(payload, to); err != nil {
		r.state.Counters().AddDropped()
		r.log.WithError(err).WithField("to", to).Debug("forward failed")
		return false
	}
	return true
}
