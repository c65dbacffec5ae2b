package relay

// LocationConstraint is the user's location constraint: any, a geographic
// constraint, or a reference to a custom list.
type LocationConstraint struct {
	Any      bool
	Country  string // lowercased
	City     string // lowercased, optional
	Hostname string // optional
	ListID   string // set iff this constraint is a custom-list reference
}

// IsCustomList reports whether this constraint names a custom list.
func (l LocationConstraint) IsCustomList() bool {
	return !l.Any && l.ListID != ""
}

// TunnelProtocol is the user's protocol constraint.
type TunnelProtocol int

const (
	ProtocolAny TunnelProtocol = iota
	ProtocolWireguard
	ProtocolOpenVPN
)

// Providers is the user's provider constraint: any, or an explicit set.
type Providers struct {
	Any   bool
	Names map[string]bool
}

// AnyProviders is the universal provider constraint.
func AnyProviders() Providers { return Providers{Any: true} }

// Matches reports whether provider satisfies this constraint.
func (p Providers) Matches(provider string) bool {
	if p.Any {
		return true
	}
	return p.Names[provider]
}

// PortConstraint is a per-protocol port sub-constraint: any (the zero value),
// or a fixed port.
type PortConstraint struct {
	Fixed bool
	Port  uint16
}

// Any reports whether this constraint accepts any port.
func (p PortConstraint) Any() bool { return !p.Fixed }

// FixedPort builds a PortConstraint pinned to port.
func FixedPort(port uint16) PortConstraint {
	return PortConstraint{Fixed: true, Port: port}
}

// IPVersionConstraint is the WireGuard IP-version sub-constraint.
type IPVersionConstraint int

const (
	IPVersionAny IPVersionConstraint = iota
	IPVersionV4
	IPVersionV6
)

// WireguardConstraints holds WireGuard-specific sub-constraints.
type WireguardConstraints struct {
	Port          PortConstraint
	IPVersion     IPVersionConstraint
	MultihopEntry *LocationConstraint // non-nil => multihop requested
	Obfuscation   ObfuscationConstraint
	DAITA         bool
	// DaitaUseMultihopIfNecessary: when DAITA is requested on a singlehop
	// query but the chosen exit lacks direct DAITA support, force multihop
	// through a DAITA-capable entry instead of failing the query.
	// Supplemented from original_source/mullvad-types (spec.md is silent).
	DaitaUseMultihopIfNecessary bool
}

// ObfuscationConstraint is the user's obfuscation sub-constraint.
type ObfuscationConstraint struct {
	Mode ObfuscationMode
	Port PortConstraint // only meaningful when Mode == ObfuscationShadowsocks
}

type ObfuscationMode int

const (
	ObfuscationAny ObfuscationMode = iota
	ObfuscationOff
	ObfuscationShadowsocks
	ObfuscationUDPOverTCP
	ObfuscationQUIC // MASQUE
	ObfuscationLWO  // lightweight WireGuard obfuscation (spec §4.3 "LWO")
)

// OpenVPNConstraints holds OpenVPN-specific sub-constraints.
type OpenVPNConstraints struct {
	TransportPort PortConstraint
	Protocol      *TransportProtocol // nil => any
	BridgeMode    bool
}

// Query is the user's full set of relay constraints (spec §3 "Relay query").
type Query struct {
	Location  LocationConstraint
	Protocol  TunnelProtocol
	Providers Providers
	Ownership Ownership

	Wireguard WireguardConstraints
	OpenVPN   OpenVPNConstraints

	// QuantumResistant is a selection-neutral passthrough carried onto the
	// resulting TunnelParameters (supplemented from original_source;
	// spec.md's glossary names the feature but the distilled query type
	// dropped the field).
	QuantumResistant bool
}

// AnyLocation is the universal location constraint.
func AnyLocation() LocationConstraint { return LocationConstraint{Any: true} }
