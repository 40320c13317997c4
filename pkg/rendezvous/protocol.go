// Package rendezvous implements the text control protocol spoken with the
// rendezvous relay and the client side of it.
//
// Wire format (UDP, one message per datagram, newline-terminated):
//
//	client -> relay: REGISTER <sessionId>\n
//	relay -> client: PEER <ip> <port>\n
//
// Tokens are whitespace-delimited. Messages that do not parse are dropped.
package rendezvous

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

const (
	// CommandRegister announces a session to the relay.
	CommandRegister = "REGISTER"

	// CommandPeer carries the public address of the other registrant.
	CommandPeer = "PEER"
)

var (
	// ErrMalformed is returned for control messages that do not parse.
	ErrMalformed = errors.New("malformed control message")

	// ErrUnknownCommand is returned for well-formed messages with an unknown verb.
	ErrUnknownCommand = errors.New("unknown control command")
)

// ValidSessionID reports whether id can be carried as a single protocol token.
func ValidSessionID(id string) bool {
	return id != "" && !strings.ContainsAny(id, " \t\r\n\v\f")
}

// EncodeRegister builds a REGISTER message.
func EncodeRegister(sessionID string) []byte {
	return []byte(CommandRegister + " " + sessionID + "\n")
}

// ParseRegister extracts the session identifier from a REGISTER message.
func ParseRegister(data []byte) (string, error) {
	tokens := strings.Fields(string(data))
	if len(tokens) == 0 {
		return "", ErrMalformed
	}
	if tokens[0] != CommandRegister {
		return "", fmt.Errorf("%w: %q", ErrUnknownCommand, tokens[0])
	}
	if len(tokens) != 2 {
		return "", fmt.Errorf("%w: REGISTER expects 1 argument, got %d", ErrMalformed, len(tokens)-1)
	}
	return tokens[1], nil
}

// EncodePeer builds a PEER message for addr.
func EncodePeer(addr netip.AddrPort) []byte {
	return []byte(fmt.Sprintf("%s %s %d\n", CommandPeer, addr.Addr().Unmap(), addr.Port()))
}

// ParsePeer extracts the peer address from a PEER message.
func ParsePeer(data []byte) (netip.AddrPort, error) {
	tokens := strings.Fields(string(data))
	if len(tokens) == 0 {
		return netip.AddrPort{}, ErrMalformed
	}
	if tokens[0] != CommandPeer {
		return netip.AddrPort{}, fmt.Errorf("%w: %q", ErrUnknownCommand, tokens[0])
	}
	if len(tokens) != 3 {
		return netip.AddrPort{}, fmt.Errorf("%w: PEER expects 2 arguments, got %d", ErrMalformed, len(tokens)-1)
	}

	addr, err := netip.ParseAddr(tokens[1])
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: bad ip %q", ErrMalformed, tokens[1])
	}
	if addr.Zone() != "" {
		return netip.AddrPort{}, fmt.Errorf("%w: zoned ip %q", ErrMalformed, tokens[1])
	}

	port, err := strconv.ParseUint(tokens[2], 10, 16)
	if err != nil || port == 0 {
		return netip.AddrPort{}, fmt.Errorf("%w: bad port %q", ErrMalformed, tokens[2])
	}

	return netip.AddrPortFrom(addr.Unmap(), uint16(port)), nil
}
