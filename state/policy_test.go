package state

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fenwick-labs/corevpn/netsec"
)

// Spec §9 open question: either LockdownMode or BlockWhenDisconnected alone
// must keep Disconnected blocking; decided as a boolean OR (DESIGN.md).
func TestSharedValuesBlockingIsBooleanOr(t *testing.T) {
	cases := []struct {
		lockdown, blockWhenDisconnected, want bool
	}{
		{false, false, false},
		{true, false, true},
		{false, true, true},
		{true, true, true},
	}
	for _, c := range cases {
		s := SharedValues{LockdownMode: c.lockdown, BlockWhenDisconnected: c.blockWhenDisconnected}
		require.Equal(t, c.want, s.blocking())
	}
}

func TestPolicyKinds(t *testing.T) {
	s := SharedValues{AllowLAN: true}
	require.Equal(t, netsec.PolicyConnecting, s.connectingPolicy(nil, nil, nil).Kind)
	require.Equal(t, netsec.PolicyConnected, s.connectedPolicy("wg0", nil).Kind)
	require.Equal(t, netsec.PolicyBlocked, s.blockedPolicy().Kind)
	require.True(t, s.blockedPolicy().AllowLAN)
}

// Once an obfuscator rewrites the tunnel's peer to a loopback address, the
// firewall must still see the real relay address so the obfuscator's own
// egress to it stays permitted (leak-prevention invariant 1).
func TestConnectingPolicyCarriesRealRelayEndpointSeparately(t *testing.T) {
	s := SharedValues{}
	loopback := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4000}
	relay := &net.UDPAddr{IP: net.ParseIP("203.0.113.9"), Port: 51820}

	p := s.connectingPolicy(loopback, relay, nil)
	require.Equal(t, loopback, p.PeerEndpoint)
	require.Equal(t, relay, p.RelayEndpoint)
}
