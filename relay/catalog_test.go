package relay

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleDoc = `{
  "locations": {
    "se-mma": {"country": "se", "city": "mma", "latitude": 55.6, "longitude": 13.0},
    "no-osl": {"country": "no", "city": "osl", "latitude": 59.9, "longitude": 10.7}
  },
  "wireguard": {
    "relays": [
      {
        "hostname": "SE-MMA-WG-001",
        "provider": "31173",
        "owned": true,
        "weight": 100,
        "active": true,
        "include_in_country": true,
        "ipv4_addr_in": "185.1.2.3",
        "ipv6_addr_in": "2001:db8::1",
        "public_key": "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=",
        "port_ranges": [[51820, 51820], [53, 53]]
      }
    ]
  },
  "openvpn": {
    "relays": [
      {
        "hostname": "no-osl-ovpn-001",
        "provider": "m247",
        "owned": false,
        "weight": 50,
        "active": true,
        "ipv4_addr_in": "185.9.9.9",
        "ports": [{"port": 1194, "protocol": "udp"}, {"port": 443, "protocol": "tcp"}]
      }
    ]
  },
  "custom_lists": [
    {"id": "list1", "name": "Favorites", "locations": ["se-mma"]}
  ]
}`

func TestParseCatalog_DecodesWireguardAndOpenVPNRelays(t *testing.T) {
	cat, err := ParseCatalog([]byte(sampleDoc), `"abc123"`)
	require.NoError(t, err)
	require.Equal(t, `"abc123"`, cat.ETag)
	require.Len(t, cat.Relays, 2)

	var wg, ovpn *Relay
	for i := range cat.Relays {
		switch cat.Relays[i].Kind {
		case KindWireguard:
			wg = &cat.Relays[i]
		case KindOpenVPN:
			ovpn = &cat.Relays[i]
		}
	}
	require.NotNil(t, wg)
	require.NotNil(t, ovpn)

	require.Equal(t, "se-mma-wg-001", wg.Hostname, "hostname is lowercased on ingest")
	require.Equal(t, "se", wg.Location.Country)
	require.True(t, wg.HasIPv6())
	require.Len(t, wg.Wireguard.PortRanges, 2)
	require.True(t, wg.IncludeInCountry)

	require.Equal(t, "no-osl-ovpn-001", ovpn.Hostname)
	require.False(t, ovpn.Owned)
	require.Len(t, ovpn.OpenVPN.Ports, 2)
}

func TestParseCatalog_CustomListsResolveLocations(t *testing.T) {
	cat, err := ParseCatalog([]byte(sampleDoc), "")
	require.NoError(t, err)
	list, ok := cat.CustomLists["list1"]
	require.True(t, ok)
	require.Len(t, list.Locations, 1)
	require.Equal(t, "se", list.Locations[0].Country)
}

func TestParseCatalog_RejectsMalformedJSON(t *testing.T) {
	_, err := ParseCatalog([]byte("not json"), "")
	require.Error(t, err)
}
