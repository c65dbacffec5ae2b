// Package relay implements the relay catalog data model and the relay
// selector: a pure function from (catalog, query, custom lists, runtime
// parameters) to tunnel parameters (spec §3, §4.2).
package relay

import "net"

// Location names a relay's (or a query's) geography.
type Location struct {
	Country  string // country_code, lowercased on ingest
	City     string // city_code, lowercased on ingest
	Hostname string
	Lat      float64
	Lon      float64
}

// Ownership distinguishes Mullvad-owned relays from rented ones.
type Ownership int

const (
	OwnershipAny Ownership = iota
	OwnershipOwned
	OwnershipRented
)

// PortRange is an inclusive, non-empty port range.
type PortRange struct {
	First uint16
	Last  uint16
}

// Width returns the number of ports covered, inclusive.
func (r PortRange) Width() int {
	return int(r.Last) - int(r.First) + 1
}

// Contains reports whether port falls within the inclusive range.
func (r PortRange) Contains(port uint16) bool {
	return port >= r.First && port <= r.Last
}

// EndpointKind discriminates the three relay kinds carried by a Relay.
type EndpointKind int

const (
	KindWireguard EndpointKind = iota
	KindOpenVPN
	KindBridge
)

// WireguardData is the endpoint-kind payload for a WireGuard relay.
type WireguardData struct {
	PublicKey             [32]byte
	PortRanges            []PortRange
	DaitaSupported        bool
	ShadowsocksExtraAddrs []net.IP // any port allowed on these addrs
}

// OpenVPNPort is one advertised (port, protocol) pair.
type OpenVPNPort struct {
	Port     uint16
	Protocol TransportProtocol
}

// OpenVPNData is the endpoint-kind payload for an OpenVPN relay.
type OpenVPNData struct {
	Ports []OpenVPNPort
}

// BridgeData is the endpoint-kind payload for a bridge relay.
type BridgeData struct {
	ShadowsocksPort uint16
}

// TransportProtocol is the wire transport an OpenVPN relay listens on.
type TransportProtocol int

const (
	ProtocolTCP TransportProtocol = iota
	ProtocolUDP
)

// Relay is one entry of the periodically-downloaded relay catalog snapshot
// (spec §3 "Relay catalog").
type Relay struct {
	Hostname         string
	IPv4AddrIn       net.IP
	IPv6AddrIn       net.IP // optional; nil if absent
	Provider         string
	Owned            bool // false => rented
	Weight           uint64
	Active           bool
	IncludeInCountry bool
	Location         Location

	Kind      EndpointKind
	Wireguard *WireguardData // non-nil iff Kind == KindWireguard
	OpenVPN   *OpenVPNData   // non-nil iff Kind == KindOpenVPN
	Bridge    *BridgeData    // non-nil iff Kind == KindBridge
}

// HasIPv6 reports whether the relay advertises an IPv6 ingress address.
func (r *Relay) HasIPv6() bool {
	return r.IPv6AddrIn != nil
}

// IPFor returns the ingress address for the requested IP version, or nil if
// the relay has none for that version.
func (r *Relay) IPFor(v6 bool) net.IP {
	if v6 {
		return r.IPv6AddrIn
	}
	return r.IPv4AddrIn
}

// Ownership reports this relay's Ownership value for constraint matching.
func (r *Relay) Ownership() Ownership {
	if r.Owned {
		return OwnershipOwned
	}
	return OwnershipRented
}

// CustomList is a named, stable-id set of geographic locations (spec §3
// "Custom lists"). A list may not contain the `any` location.
type CustomList struct {
	ID        string
	Name      string
	Locations []Location
}

// Catalog is an immutable relay-list snapshot. A new Catalog value replaces
// the old one atomically; see relay.Store.
type Catalog struct {
	Relays       []Relay
	ETag         string
	CustomLists  map[string]CustomList // keyed by ID
}
