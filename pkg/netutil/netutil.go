package netutil

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// LocalNetworks is the set of address ranges whose sources are treated as the
// local application side of the tunnel.
type LocalNetworks []netip.Prefix

// DefaultLocalNetworks returns the loopback ranges for IPv4 and IPv6
func DefaultLocalNetworks() LocalNetworks {
	return LocalNetworks{
		netip.MustParsePrefix("127.0.0.0/8"),
		netip.MustParsePrefix("::1/128"),
	}
}

// ParseLocalNetworks parses CIDR strings. A bare address is taken as a single-host prefix.
func ParseLocalNetworks(entries []string) (LocalNetworks, error) {
	nets := make(LocalNetworks, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		if !strings.Contains(entry, "/") {
			addr, err := netip.ParseAddr(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid local network %q: %w", entry, err)
			}
			addr = addr.Unmap()
			nets = append(nets, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}

		prefix, err := netip.ParsePrefix(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid local network %q: %w", entry, err)
		}
		nets = append(nets, prefix.Masked())
	}
	return nets, nil
}

// Contains reports whether addr falls inside one of the networks
func (n LocalNetworks) Contains(addr netip.Addr) bool {
	if !addr.IsValid() {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range n {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// WithInterfaceAddresses returns a copy of n extended with a host prefix for every
// address assigned to an up, non-loopback interface.
func (n LocalNetworks) WithInterfaceAddresses() (LocalNetworks, error) {
	addrs, err := GetLocalAddresses()
	if err != nil {
		return nil, err
	}

	out := make(LocalNetworks, len(n), len(n)+len(addrs))
	copy(out, n)
	for _, addr := range addrs {
		if out.Contains(addr) {
			continue
		}
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// Strings renders the networks in CIDR notation
func (n LocalNetworks) Strings() []string {
	out := make([]string, len(n))
	for i, prefix := range n {
		out[i] = prefix.String()
	}
	return out
}

// GetLocalAddresses returns all non-loopback local IP addresses
func GetLocalAddresses() ([]netip.Addr, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to get network interfaces: %w", err)
	}

	var addresses []netip.Addr
	for _, iface := range ifaces {
		// Skip loopback and down interfaces
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}

			parsed, ok := netip.AddrFromSlice(ip)
			if !ok {
				continue
			}
			parsed = parsed.Unmap()
			if parsed.IsLoopback() {
				continue
			}

			addresses = append(addresses, parsed)
		}
	}

	return addresses, nil
}

// ListenExternal binds the shared external UDP socket on the given port.
// With reuse set the socket is created with SO_REUSEADDR where supported.
func ListenExternal(ctx context.Context, network string, port int, reuse bool) (*net.UDPConn, error) {
	if port < 0 || port > 65535 {
		return nil, fmt.Errorf("invalid port %d", port)
	}

	lc := net.ListenConfig{}
	if reuse {
		lc.Control = reuseAddrControl
	}

	pc, err := lc.ListenPacket(ctx, network, net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("failed to bind UDP port %d: %w", port, err)
	}

	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("unexpected packet conn type %T", pc)
	}
	return conn, nil
}

// ResolveAddrPort resolves host and port into a comparable address with better error messages
func ResolveAddrPort(network, host string, port int) (netip.AddrPort, error) {
	if host == "" {
		return netip.AddrPort{}, errors.New("empty host")
	}
	if port < 1 || port > 65535 {
		return netip.AddrPort{}, fmt.Errorf("invalid port %d", port)
	}

	resolved, err := net.ResolveUDPAddr(network, net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("failed to resolve UDP address %s:%d: %w", host, port, err)
	}

	ap := resolved.AddrPort()
	if !ap.Addr().IsValid() {
		return netip.AddrPort{}, fmt.Errorf("resolved address has no IP: %s", host)
	}

	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
}

// SameAddr compares two addresses ignoring IPv4-in-IPv6 mapping
func SameAddr(a, b netip.AddrPort) bool {
	if !a.IsValid() || !b.IsValid() {
		return false
	}
	return a.Port() == b.Port() && a.Addr().Unmap() == b.Addr().Unmap()
}

// IsTimeout reports whether err is a network timeout
func IsTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsClosed reports whether err was caused by using a closed connection
func IsClosed(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
