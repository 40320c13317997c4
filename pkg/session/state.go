// Package session holds the shared, concurrency-safe record of a tunnel session:
// the relay, the discovered remote peer, the local application peer and the
// connection status.
//
// The router goroutine and the driver both read and write a State at arbitrary
// times. Every field is guarded by one mutex; every observable change closes the
// channel returned by Changed so waiters can block on an event instead of polling.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/saintparish4/holetun/pkg/types"
)

// Status is the connection status of a session
type Status int

const (
	StatusAwaitingPeer Status = iota
	StatusPunching
	StatusConnected
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusAwaitingPeer:
		return "AWAITING_PEER"
	case StatusPunching:
		return "PUNCHING"
	case StatusConnected:
		return "CONNECTED"
	case StatusFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusFailed
}

var (
	// ErrTerminal is returned when a transition is requested on a failed session.
	ErrTerminal = errors.New("session is in a terminal state")

	// ErrNoRemotePeer is returned when punching is requested before discovery.
	ErrNoRemotePeer = errors.New("remote peer address is not known")
)

// State is the single long-lived session record.
type State struct {
	sessionID string
	relay     netip.AddrPort

	mu           sync.RWMutex
	local        netip.AddrPort
	remote       netip.AddrPort
	status       Status
	reason       string
	discoveredAt time.Time
	connectedAt  time.Time
	changed      chan struct{}

	counters Counters
}

// New creates a session awaiting its peer. local may be the zero AddrPort when
// the local application address is to be learned from traffic.
func New(sessionID string, relay, local netip.AddrPort) *State {
	return &State{
		sessionID: sessionID,
		relay:     normalize(relay),
		local:     normalize(local),
		status:    StatusAwaitingPeer,
		changed:   make(chan struct{}),
	}
}

// SessionID returns the immutable session identifier.
func (s *State) SessionID() string {
	return s.sessionID
}

// Relay returns the immutable relay address.
func (s *State) Relay() netip.AddrPort {
	return s.relay
}

// RemotePeer returns the remote peer address and whether it is known.
func (s *State) RemotePeer() (netip.AddrPort, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.remote, s.remote.IsValid()
}

// SetRemotePeer records the remote peer address if none is known yet.
// It returns false when the address was already set (first write wins) or when
// addr is not a valid address.
func (s *State) SetRemotePeer(addr netip.AddrPort) bool {
	addr = normalize(addr)
	if !addr.IsValid() || addr.Port() == 0 {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.remote.IsValid() {
		return false
	}
	s.remote = addr
	s.discoveredAt = time.Now()
	s.notifyLocked()
	return true
}

// LocalPeer returns the local application address and whether it is known.
func (s *State) LocalPeer() (netip.AddrPort, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.local, s.local.IsValid()
}

// SetLocalPeer records the most recent local application address.
// It returns true when the stored address changed.
func (s *State) SetLocalPeer(addr netip.AddrPort) bool {
	addr = normalize(addr)
	if !addr.IsValid() {
		return false
	}

	s.mu.RLock()
	same := s.local == addr
	s.mu.RUnlock()
	if same {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.local == addr {
		return false
	}
	s.local = addr
	s.notifyLocked()
	return true
}

// Status returns the current connection status.
func (s *State) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Reason returns the failure reason, empty unless the session failed.
func (s *State) Reason() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reason
}

// MarkPunching moves an awaiting session into PUNCHING. A session that is already
// punching or connected is left unchanged.
func (s *State) MarkPunching() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.status {
	case StatusFailed:
		return ErrTerminal
	case StatusPunching, StatusConnected:
		return nil
	}
	if !s.remote.IsValid() {
		return ErrNoRemotePeer
	}
	s.status = StatusPunching
	s.notifyLocked()
	return nil
}

// MarkConnected records that a datagram arrived from the remote peer.
// It returns true only on the transition into CONNECTED.
func (s *State) MarkConnected() bool {
	s.mu.RLock()
	status := s.status
	s.mu.RUnlock()
	if status == StatusConnected || status.Terminal() {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == StatusConnected || s.status.Terminal() {
		return false
	}
	s.status = StatusConnected
	s.connectedAt = time.Now()
	s.notifyLocked()
	return true
}

// Fail moves the session into the terminal FAILED status.
// It returns false if the session had already failed.
func (s *State) Fail(reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.Terminal() {
		return false
	}
	s.status = StatusFailed
	s.reason = reason
	s.notifyLocked()
	return true
}

// Changed returns a channel that is closed on the next state change.
// Callers must fetch a fresh channel after each wake-up.
func (s *State) Changed() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.changed
}

// Await blocks until cond holds or ctx is done. cond is evaluated once up front
// and again after every change notification.
func (s *State) Await(ctx context.Context, cond func(*State) bool) error {
	for {
		ch := s.Changed()
		if cond(s) {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Counters exposes the traffic counters of the session.
func (s *State) Counters() *Counters {
	return &s.counters
}

// Snapshot returns a consistent copy of the session for reporting.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		SessionID:    s.sessionID,
		Relay:        types.EndpointFromAddrPort(s.relay),
		Status:       s.status.String(),
		Reason:       s.reason,
		DiscoveredAt: s.discoveredAt,
		ConnectedAt:  s.connectedAt,
		Traffic:      s.counters.load(),
	}
	if s.local.IsValid() {
		ep := types.EndpointFromAddrPort(s.local)
		snap.LocalPeer = &ep
	}
	if s.remote.IsValid() {
		ep := types.EndpointFromAddrPort(s.remote)
		snap.RemotePeer = &ep
	}
	return snap
}

// notifyLocked wakes every waiter. Must be called with mu held for writing.
func (s *State) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func normalize(ap netip.AddrPort) netip.AddrPort {
	if !ap.IsValid() {
		return netip.AddrPort{}
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// Snapshot is a point-in-time copy of a State.
type Snapshot struct {
	SessionID    string          `json:"session_id"`
	Relay        types.Endpoint  `json:"relay"`
	LocalPeer    *types.Endpoint `json:"local_peer,omitempty"`
	RemotePeer   *types.Endpoint `json:"remote_peer,omitempty"`
	Status       string          `json:"status"`
	Reason       string          `json:"reason,omitempty"`
	DiscoveredAt time.Time       `json:"discovered_at,omitempty"`
	ConnectedAt  time.Time       `json:"connected_at,omitempty"`
	Traffic      TrafficStats    `json:"traffic"`
}

// Counters tracks forwarded and dropped datagrams.
type Counters struct {
	toRemotePackets atomic.Uint64
	toRemoteBytes   atomic.Uint64
	toLocalPackets  atomic.Uint64
	toLocalBytes    atomic.Uint64
	dropped         atomic.Uint64
}

// AddToRemote records a datagram forwarded from the local application to the peer.
func (c *Counters) AddToRemote(n int) {
	c.toRemotePackets.Add(1)
	c.toRemoteBytes.Add(uint64(n))
}

// AddToLocal records a datagram forwarded from the peer to the local application.
func (c *Counters) AddToLocal(n int) {
	c.toLocalPackets.Add(1)
	c.toLocalBytes.Add(uint64(n))
}

// AddDropped records a datagram that had nowhere to go.
func (c *Counters) AddDropped() {
	c.dropped.Add(1)
}

func (c *Counters) load() TrafficStats {
	return TrafficStats{
		ToRemotePackets: c.toRemotePackets.Load(),
		ToRemoteBytes:   c.toRemoteBytes.Load(),
		ToLocalPackets:  c.toLocalPackets.Load(),
		ToLocalBytes:    c.toLocalBytes.Load(),
		Dropped:         c.dropped.Load(),
	}
}

// TrafficStats is a copy of the traffic counters.
type TrafficStats struct {
	ToRemotePackets uint64 `json:"to_remote_packets"`
	ToRemoteBytes   uint64 `json:"to_remote_bytes"`
	ToLocalPackets  uint64 `json:"to_local_packets"`
	ToLocalBytes    uint64 `json:"to_local_bytes"`
	Dropped         uint64 `json:"dropped"`
}
