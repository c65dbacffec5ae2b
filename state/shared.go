package state

import (
	"net"

	"github.com/fenwick-labs/corevpn/netsec"
)

// SharedValues are held across state transitions and mutated by the
// SetAllowLAN/SetDNS/SetLockdownMode/AllowEndpoint/SetExcludedApps commands
// (spec §3 "Shared state values"). The machine owns this value exclusively;
// no lock is needed because only the machine's own goroutine ever touches
// it (spec §5 "no locks guard tunnel state").
type SharedValues struct {
	AllowLAN        bool
	LockdownMode    bool
	AllowedEndpoint *net.UDPAddr
	DNSServers      []net.IP
	ExcludedPaths   []string
	ConnectivityOK  bool

	// BlockWhenDisconnected additionally keeps Disconnected in a blocking
	// policy independent of LockdownMode (spec §9 open question: "either
	// flag alone is sufficient to maintain blocking" -- decided in
	// DESIGN.md as a boolean OR of the two).
	BlockWhenDisconnected bool
}

// blocking reports whether Disconnected must apply a blocking policy
// instead of an open one (spec §4.1 "Lockdown mode").
func (s SharedValues) blocking() bool {
	return s.LockdownMode || s.BlockWhenDisconnected
}

// connectingPolicy builds the Connecting firewall policy: block all
// non-tunnel traffic except LAN (if allowed), the chosen relay endpoint, the
// allowed API endpoint, and DNS to the tunnel gateway only (spec §4.1
// "Connecting" step 1). peer is where the tunnel device itself sends to --
// the obfuscator's loopback address when one is spawned, else relay --
// while relay is always the real address on the wire, so an obfuscator's
// own egress to it stays permitted (leak-prevention invariant 1).
func (s SharedValues) connectingPolicy(peer, relay *net.UDPAddr, pingable []net.IP) netsec.Policy {
	return netsec.Policy{
		Kind:            netsec.PolicyConnecting,
		PeerEndpoint:    peer,
		RelayEndpoint:   relay,
		AllowLAN:        s.AllowLAN,
		AllowedEndpoint: s.AllowedEndpoint,
		PingableHosts:   pingable,
		DNSServers:      nil, // tunnel-gateway DNS is not known until the interface exists
	}
}

// connectedPolicy builds the Connected firewall policy, anchored to the
// final tunnel interface (spec §4.1 "Connected" entry action). Identical
// shape to connectingPolicy but addressed by interface instead of peer.
func (s SharedValues) connectedPolicy(iface string, dns []net.IP) netsec.Policy {
	return netsec.Policy{
		Kind:            netsec.PolicyConnected,
		TunnelInterface: iface,
		AllowLAN:        s.AllowLAN,
		AllowedEndpoint: s.AllowedEndpoint,
		DNSServers:      dns,
	}
}

// blockedPolicy builds the lockdown/error blocking policy: no non-tunnel
// traffic may leak (leak-prevention invariant 3), though loopback, DHCP,
// and the allowed API endpoint remain reachable per spec §4.1 "Lockdown
// mode".
func (s SharedValues) blockedPolicy() netsec.Policy {
	return netsec.Policy{
		Kind:            netsec.PolicyBlocked,
		AllowLAN:        s.AllowLAN,
		AllowedEndpoint: s.AllowedEndpoint,
	}
}
