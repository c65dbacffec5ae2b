// Package netsec declares the external collaborator ABIs the state machine
// drives: NetworkSecurity (firewall), DnsMonitor, RouteManager, and
// TunProvider (spec §6 "Network-configuration ABI"). Per spec §1 these are
// out of scope to implement — every OS-specific firewall/DNS/route/TUN
// primitive lives outside this module. Only the interfaces the core calls,
// and the plain-data Policy it passes across them, live here.
//
// The shape is grounded in Lanius-collaris-firestack's tunnel.Tunnel
// interface (Mtu/IsConnected/Disconnect/Write/SetLink...), generalized from
// "one gvisor-backed TUN device" to "one abstract TUN handle owned by
// whichever OS layer implements it".
package netsec

import (
	"context"
	"net"
)

// Policy is the firewall policy the state machine asks NetworkSecurity to
// apply. Exactly one of the embedded variants is populated; Kind says which.
type Policy struct {
	Kind PolicyKind

	// Connecting fields.
	PeerEndpoint *net.UDPAddr

	// RelayEndpoint is the real relay address the tunnel is ultimately
	// trying to reach. It equals PeerEndpoint unless an obfuscator is in
	// play, in which case PeerEndpoint is rewritten to the obfuscator's
	// local loopback address and RelayEndpoint carries the address the
	// obfuscator's own (separately protected) socket dials -- the firewall
	// must permit egress to both, not just the loopback hop (leak-prevention
	// invariant 1).
	RelayEndpoint *net.UDPAddr

	// Connected fields.
	TunnelInterface string

	// Common to Connecting/Connected/Blocked.
	AllowLAN        bool
	AllowedEndpoint *net.UDPAddr // API control-plane endpoint, always reachable
	PingableHosts   []net.IP
	DNSServers      []net.IP
}

// PolicyKind discriminates the Policy variants from spec §6.
type PolicyKind int

const (
	// PolicyConnecting blocks everything except LAN (if allowed), the
	// chosen relay endpoint, the allowed API endpoint, and DNS to the
	// tunnel gateway.
	PolicyConnecting PolicyKind = iota
	// PolicyConnected is anchored to the final tunnel interface.
	PolicyConnected
	// PolicyBlocked is the lockdown/error-state blocking policy: no
	// non-tunnel traffic may leak (spec invariant 3).
	PolicyBlocked
)

func (k PolicyKind) String() string {
	switch k {
	case PolicyConnecting:
		return "connecting"
	case PolicyConnected:
		return "connected"
	case PolicyBlocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// NetworkSecurity applies and resets the firewall policy. Implemented per-OS
// outside this module (iptables/nftables/pf/WFP/...).
type NetworkSecurity interface {
	ApplyPolicy(ctx context.Context, p Policy) error
	ResetPolicy(ctx context.Context) error
}

// DnsMonitor pins or releases the system resolver to a fixed server set on a
// given interface.
type DnsMonitor interface {
	Set(ctx context.Context, iface string, servers []net.IP) error
	Reset(ctx context.Context) error
}

// RequiredRoute is one route the RouteManager must install for the duration
// of a connection.
type RequiredRoute struct {
	Destination net.IPNet
	Via         string // interface name or gateway, implementation-defined
}

// RouteManager adds and clears routes for the lifetime of a connection, and
// notifies a registered callback when the host's default route changes
// underneath it (e.g. Wi-Fi to Ethernet handover). The state machine in
// this module registers no such callback; it only calls ClearRoutes.
type RouteManager interface {
	AddRoutes(ctx context.Context, routes []RequiredRoute) error
	ClearRoutes(ctx context.Context) error
	AddDefaultRouteChangeCallback(cb func()) (remove func())
}

// TunHandle is a file-descriptor-like handle to a TUN device, with the
// liveness/link-management surface Lanius-collaris-firestack's
// tunnel.Tunnel interface exposes around its gvisor-backed device.
type TunHandle interface {
	// MTU returns the device's current MTU.
	MTU() int
	// IsConnected reports whether the device is still open.
	IsConnected() bool
	// Close tears the device down.
	Close() error
}

// TunConfig is what the state machine asks TunProvider to realize.
type TunConfig struct {
	MTU        int
	EnableIPv6 bool
	Addresses  []net.IPNet
	DNSServers []net.IP
}

// TunProvider hands out TUN device handles. Implemented per-OS outside this
// module (NetworkExtension, WinTun, ioctl TUNSETIFF, utun, ...).
type TunProvider interface {
	GetTun(ctx context.Context, cfg TunConfig) (TunHandle, error)
}
