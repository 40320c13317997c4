package types

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
)

// Endpoint represents a network endpoint with IP and port
type Endpoint struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

// String returns a string representation of the endpoint
func (e Endpoint) String() string {
	return net.JoinHostPort(e.IP, strconv.Itoa(e.Port))
}

// EndpointFromAddrPort builds an Endpoint from a netip.AddrPort
func EndpointFromAddrPort(ap netip.AddrPort) Endpoint {
	return Endpoint{
		IP:   ap.Addr().Unmap().String(),
		Port: int(ap.Port()),
	}
}

// SessionError represents an error during a tunnel session phase
type SessionError struct {
	Op  string // Phase that failed
	Err error  // Underlying error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("session %s: %v", e.Op, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// NewSessionError creates a new session error
func NewSessionError(op string, err error) error {
	return &SessionError{
		Op:  op,
		Err: err,
	}
}

// ProbeError represents a failed STUN mapping probe
type ProbeError struct {
	Op  string
	Err error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("stun probe %s: %v", e.Op, e.Err)
}

func (e *ProbeError) Unwrap() error {
	return e.Err
}

// NewProbeError creates a new probe error
func NewProbeError(op string, err error) error {
	return &ProbeError{
		Op:  op,
		Err: err,
	}
}
