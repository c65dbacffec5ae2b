package relay

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"strings"
)

// wireRelay is the JSON shape of one entry under the /v1/relays document's
// per-kind relay list, before it is lowercased and turned into a Relay.
type wireRelay struct {
	Hostname   string `json:"hostname"`
	Provider   string `json:"provider"`
	Owned      bool   `json:"owned"`
	Weight     uint64 `json:"weight"`
	Active     bool   `json:"active"`
	IncludeIn  bool   `json:"include_in_country"`
	IPv4AddrIn string `json:"ipv4_addr_in"`
	IPv6AddrIn string `json:"ipv6_addr_in,omitempty"`

	PublicKey      string   `json:"public_key,omitempty"`
	PortRanges     [][2]int `json:"port_ranges,omitempty"`
	DaitaSupported bool     `json:"daita,omitempty"`
	ShadowsocksExt []string `json:"shadowsocks_extra_addr_in,omitempty"`

	Ports []struct {
		Port     uint16 `json:"port"`
		Protocol string `json:"protocol"`
	} `json:"ports,omitempty"`

	ShadowsocksPort uint16 `json:"shadowsocks_port,omitempty"`
}

type wireLocation struct {
	Country string  `json:"country"`
	City    string  `json:"city"`
	Lat     float64 `json:"latitude"`
	Lon     float64 `json:"longitude"`
}

type wireCustomList struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Locations []string `json:"locations"` // "country" or "country-city" location keys
}

// wireDocument is the schema of the `/v1/relays` response body (spec §3
// "Relay catalog" / §5 "Catalog refresh").
type wireDocument struct {
	Locations   map[string]wireLocation `json:"locations"`
	Wireguard   struct {
		Relays []wireRelay `json:"relays"`
	} `json:"wireguard"`
	Openvpn struct {
		Relays []wireRelay `json:"relays"`
	} `json:"openvpn"`
	Bridge struct {
		Relays []wireRelay `json:"relays"`
	} `json:"bridge"`
	CustomLists []wireCustomList `json:"custom_lists"`
}

// ParseCatalog decodes a /v1/relays document body into a Catalog, lowercasing
// location codes on ingest per spec §3.
func ParseCatalog(body []byte, etag string) (*Catalog, error) {
	var doc wireDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("relay: decoding catalog: %w", err)
	}

	cat := &Catalog{ETag: etag, CustomLists: make(map[string]CustomList, len(doc.CustomLists))}

	for _, wr := range doc.Wireguard.Relays {
		r, err := buildRelay(wr, doc.Locations, KindWireguard)
		if err != nil {
			return nil, err
		}
		wg := &WireguardData{DaitaSupported: wr.DaitaSupported}
		if wr.PublicKey != "" {
			key, err := decodePublicKey(wr.PublicKey)
			if err != nil {
				return nil, fmt.Errorf("relay: %s: %w", wr.Hostname, err)
			}
			wg.PublicKey = key
		}
		for _, pr := range wr.PortRanges {
			wg.PortRanges = append(wg.PortRanges, PortRange{First: uint16(pr[0]), Last: uint16(pr[1])})
		}
		for _, a := range wr.ShadowsocksExt {
			if ip := net.ParseIP(a); ip != nil {
				wg.ShadowsocksExtraAddrs = append(wg.ShadowsocksExtraAddrs, ip)
			}
		}
		r.Wireguard = wg
		cat.Relays = append(cat.Relays, r)
	}

	for _, wr := range doc.Openvpn.Relays {
		r, err := buildRelay(wr, doc.Locations, KindOpenVPN)
		if err != nil {
			return nil, err
		}
		ov := &OpenVPNData{}
		for _, p := range wr.Ports {
			proto := ProtocolUDP
			if strings.EqualFold(p.Protocol, "tcp") {
				proto = ProtocolTCP
			}
			ov.Ports = append(ov.Ports, OpenVPNPort{Port: p.Port, Protocol: proto})
		}
		r.OpenVPN = ov
		cat.Relays = append(cat.Relays, r)
	}

	for _, wr := range doc.Bridge.Relays {
		r, err := buildRelay(wr, doc.Locations, KindBridge)
		if err != nil {
			return nil, err
		}
		r.Bridge = &BridgeData{ShadowsocksPort: wr.ShadowsocksPort}
		cat.Relays = append(cat.Relays, r)
	}

	for _, wl := range doc.CustomLists {
		locs := make([]Location, 0, len(wl.Locations))
		for _, key := range wl.Locations {
			if loc, ok := resolveLocationKey(key, doc.Locations); ok {
				locs = append(locs, loc)
			}
		}
		cat.CustomLists[wl.ID] = CustomList{ID: wl.ID, Name: wl.Name, Locations: locs}
	}

	return cat, nil
}

func buildRelay(wr wireRelay, locations map[string]wireLocation, kind EndpointKind) (Relay, error) {
	hostname := strings.ToLower(wr.Hostname)
	ipv4 := net.ParseIP(wr.IPv4AddrIn)
	if ipv4 == nil {
		return Relay{}, fmt.Errorf("relay: %s: invalid ipv4_addr_in %q", hostname, wr.IPv4AddrIn)
	}
	var ipv6 net.IP
	if wr.IPv6AddrIn != "" {
		ipv6 = net.ParseIP(wr.IPv6AddrIn)
	}

	// Location keys are "<country>" or "<country>-<city>"; firestack-style relay
	// hostnames embed the location prefix (e.g. "se-mma-wg-001"), so the
	// location key is derived from the hostname's leading segments when the
	// document doesn't carry an explicit per-relay location field.
	country, city, lat, lon := deriveLocation(hostname, locations)

	return Relay{
		Hostname:         hostname,
		IPv4AddrIn:       ipv4,
		IPv6AddrIn:       ipv6,
		Provider:         wr.Provider,
		Owned:            wr.Owned,
		Weight:           wr.Weight,
		Active:           wr.Active,
		IncludeInCountry: wr.IncludeIn,
		Location: Location{
			Country:  country,
			City:     city,
			Hostname: hostname,
			Lat:      lat,
			Lon:      lon,
		},
		Kind: kind,
	}, nil
}

// deriveLocation pulls the country/city code from the leading two
// hyphen-separated segments of a relay hostname and resolves coordinates from
// the locations map, falling back to the bare country entry.
func deriveLocation(hostname string, locations map[string]wireLocation) (country, city string, lat, lon float64) {
	parts := strings.SplitN(hostname, "-", 3)
	if len(parts) < 2 {
		return hostname, "", 0, 0
	}
	country = strings.ToLower(parts[0])
	city = strings.ToLower(parts[1])

	if loc, ok := locations[country+"-"+city]; ok {
		return country, city, loc.Lat, loc.Lon
	}
	if loc, ok := locations[country]; ok {
		return country, city, loc.Lat, loc.Lon
	}
	return country, city, 0, 0
}

func resolveLocationKey(key string, locations map[string]wireLocation) (Location, bool) {
	key = strings.ToLower(key)
	loc, ok := locations[key]
	if !ok {
		return Location{}, false
	}
	country, city, _ := strings.Cut(key, "-")
	return Location{Country: country, City: city, Lat: loc.Lat, Lon: loc.Lon}, true
}

func decodePublicKey(b64 string) (key [32]byte, err error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return key, fmt.Errorf("decoding public key: %w", err)
	}
	if len(raw) != 32 {
		return key, fmt.Errorf("public key must be 32 bytes, got %d", len(raw))
	}
	copy(key[:], raw)
	return key, nil
}
