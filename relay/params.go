package relay

import "net"

// ObfuscatorConfig is the subset of obfuscator configuration the selector
// resolves (which variant, and any relay-derived parameters); the
// obfuscation package turns this into a running Obfuscator.
type ObfuscatorConfig struct {
	Mode ObfuscationMode
	Port uint16 // resolved concrete port, when Mode requires one
}

// WireguardPeer is one peer entry of the resolved tunnel configuration.
type WireguardPeer struct {
	PublicKey   [32]byte
	Endpoint    *net.UDPAddr
	AllowedIPv4 []net.IPNet
	AllowedIPv6 []net.IPNet
}

// TunnelParameters is the concrete output of the selector (spec §3 "Tunnel
// parameters").
type TunnelParameters struct {
	Protocol TunnelProtocol

	Exit  Relay
	Entry *Relay // non-nil iff multihop

	// Endpoint is the address+port+transport the tunnel itself (or its
	// obfuscator, once rewritten by the state machine) should dial.
	Endpoint *net.UDPAddr
	Transport TransportProtocol

	EntryPeer *WireguardPeer // non-nil iff multihop
	ExitPeer  *WireguardPeer // non-nil for wireguard (single or exit-of-multihop)

	Obfuscator *ObfuscatorConfig // nil => no obfuscation

	DAITA            bool
	QuantumResistant bool

	MTU        int
	EnableIPv6 bool
	DNSServers []net.IP
}
