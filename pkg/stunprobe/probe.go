// Package stunprobe asks a STUN server how the NAT maps a UDP socket.
// It is diagnostic only: rendezvous never depends on its answer.
package stunprobe

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"time"

	"github.com/pion/stun"

	"github.com/saintparish4/holetun/pkg/netutil"
	"github.com/saintparish4/holetun/pkg/types"
)

// DefaultTimeout bounds a single probe
const DefaultTimeout = 3 * time.Second

// ErrNoMappedAddress is returned when the response carries no mapped address
var ErrNoMappedAddress = errors.New("no mapped address in response")

// Conn is the subset of *net.UDPConn a probe needs. The probe reads from the
// socket directly, so it must run before anything else starts reading.
type Conn interface {
	ReadFromUDPAddrPort(b []byte) (int, netip.AddrPort, error)
	WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error)
	SetReadDeadline(t time.Time) error
}

// Result is the mapping reported by the server
type Result struct {
	Server  netip.AddrPort
	Mapped  types.Endpoint
	RTT     time.Duration
	Changed bool // mapped address differs from the socket's local address
}

// Probe sends one binding request from conn to server and waits for the
// matching response. Unrelated datagrams received meanwhile are discarded.
func Probe(ctx context.Context, conn Conn, server netip.AddrPort, local netip.AddrPort, timeout time.Duration) (*Result, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	req, err := stun.Build(stun.TransactionID, stun.BindingRequest)
	if err != nil {
		return nil, types.NewProbeError("build_request", err)
	}

	deadline := time.Now().Add(timeout)
	ctxBound := false
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
		ctxBound = true
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, types.NewProbeError("set_deadline", err)
	}
	defer conn.SetReadDeadline(time.Time{})

	start := time.Now()
	if _, err := conn.WriteToUDPAddrPort(req.Raw, server); err != nil {
		return nil, types.NewProbeError("send_request", err)
	}

	buf := make([]byte, 1500)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		n, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if ctxBound && netutil.IsTimeout(err) {
				return nil, context.DeadlineExceeded
			}
			return nil, types.NewProbeError("read_response", err)
		}
		if !netutil.SameAddr(from, server) || !stun.IsMessage(buf[:n]) {
			continue
		}

		res := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
		if err := res.Decode(); err != nil {
			return nil, types.NewProbeError("decode_response", err)
		}
		if res.TransactionID != req.TransactionID {
			continue
		}

		mapped, err := mappedAddress(res)
		if err != nil {
			return nil, types.NewProbeError("parse_response", err)
		}

		return &Result{
			Server:  server,
			Mapped:  types.EndpointFromAddrPort(mapped),
			RTT:     time.Since(start),
			Changed: local.IsValid() && !netutil.SameAddr(mapped, local),
		}, nil
	}
}

// Discover probes server from a fresh ephemeral socket
func Discover(ctx context.Context, server string, timeout time.Duration) (*Result, error) {
	raddr, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		return nil, types.NewProbeError("resolve_address", err)
	}

	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, types.NewProbeError("listen", err)
	}
	defer conn.Close()

	ap := raddr.AddrPort()
	ap = netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	local := conn.LocalAddr().(*net.UDPAddr).AddrPort()

	return Probe(ctx, conn, ap, local, timeout)
}

func mappedAddress(m *stun.Message) (netip.AddrPort, error) {
	var xor stun.XORMappedAddress
	if err := xor.GetFrom(m); err == nil {
		return toAddrPort(xor.IP, xor.Port)
	}

	// RFC 3489 servers only send MAPPED-ADDRESS
	var plain stun.MappedAddress
	if err := plain.GetFrom(m); err == nil {
		return toAddrPort(plain.IP, plain.Port)
	}

	return netip.AddrPort{}, ErrNoMappedAddress
}

func toAddrPort(ip net.IP, port int) (netip.AddrPort, error) {
	addr, ok := netip.AddrFromSlice(ip)
	if !ok || port < 1 || port > 65535 {
		return netip.AddrPort{}, ErrNoMappedAddress
	}
	return netip.AddrPortFrom(addr.Unmap(), uint16(port)), nil
}
