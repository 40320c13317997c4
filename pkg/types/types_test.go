package types

import (
	"errors"
	"net/netip"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndpointString(t *testing.T) {
	assert.Equal(t, "198.51.100.7:40000", Endpoint{IP: "198.51.100.7", Port: 40000}.String())
	assert.Equal(t, "[::1]:9000", Endpoint{IP: "::1", Port: 9000}.String())
}

func TestEndpointFromAddrPort(t *testing.T) {
	ep := EndpointFromAddrPort(netip.MustParseAddrPort("[::ffff:127.0.0.1]:9000"))
	assert.Equal(t, Endpoint{IP: "127.0.0.1", Port: 9000}, ep)
}

func TestSessionErrorUnwrap(t *testing.T) {
	base := errors.New("boom")
	err := NewSessionError("discover", base)

	assert.Equal(t, "session discover: boom", err.Error())
	assert.ErrorIs(t, err, base)

	var se *SessionError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "discover", se.Op)
}

func TestProbeError(t *testing.T) {
	err := NewProbeError("read_response", os.ErrDeadlineExceeded)

	assert.Equal(t, "stun probe read_response: i/o timeout", err.Error())
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)
}
