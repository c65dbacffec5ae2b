package relay

import (
	"math/rand"
	"net"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func wgRelay(hostname, country, city string, v4 string, weight uint64, active, includeInCountry bool) Relay {
	var key [32]byte
	copy(key[:], []byte(hostname))
	return Relay{
		Hostname:         hostname,
		IPv4AddrIn:       net.ParseIP(v4),
		Provider:         "prov",
		Owned:            true,
		Weight:           weight,
		Active:           active,
		IncludeInCountry: includeInCountry,
		Location:         Location{Country: country, City: city, Hostname: hostname},
		Kind:             KindWireguard,
		Wireguard: &WireguardData{
			PublicKey:  key,
			PortRanges: []PortRange{{First: 51820, Last: 51820}},
		},
	}
}

func TestSelect_FiltersInactiveRelays(t *testing.T) {
	cat := &Catalog{Relays: []Relay{
		wgRelay("se1", "se", "mma", "10.0.0.1", 100, false, true),
		wgRelay("se2", "se", "mma", "10.0.0.2", 100, true, true),
	}}
	rnd := rand.New(rand.NewSource(1))

	params, err := Select(cat, Query{Location: AnyLocation(), Protocol: ProtocolWireguard, Providers: AnyProviders()}, rnd)
	require.NoError(t, err)
	require.Equal(t, "se2", params.Exit.Hostname)
}

func TestSelect_NoMatchReturnsErrNoRelayMatched(t *testing.T) {
	cat := &Catalog{Relays: []Relay{
		wgRelay("se1", "se", "mma", "10.0.0.1", 100, true, true),
	}}
	rnd := rand.New(rand.NewSource(1))

	_, err := Select(cat, Query{
		Location:  LocationConstraint{Country: "no"},
		Protocol:  ProtocolWireguard,
		Providers: AnyProviders(),
	}, rnd)
	require.ErrorIs(t, err, ErrNoRelayMatched)
}

func TestSelect_CountryInclusionRuleShadowsNonIncluded(t *testing.T) {
	cat := &Catalog{Relays: []Relay{
		wgRelay("se1", "se", "mma", "10.0.0.1", 100, true, false),
		wgRelay("se2", "se", "got", "10.0.0.2", 100, true, true),
	}}
	rnd := rand.New(rand.NewSource(1))

	for i := 0; i < 20; i++ {
		params, err := Select(cat, Query{
			Location:  LocationConstraint{Country: "se"},
			Protocol:  ProtocolWireguard,
			Providers: AnyProviders(),
		}, rnd)
		require.NoError(t, err)
		require.Equal(t, "se2", params.Exit.Hostname, "only the include_in_country relay should ever be chosen")
	}
}

func TestSelect_CityConstraintBypassesCountryInclusionRule(t *testing.T) {
	cat := &Catalog{Relays: []Relay{
		wgRelay("se1", "se", "mma", "10.0.0.1", 100, true, false),
	}}
	rnd := rand.New(rand.NewSource(1))

	params, err := Select(cat, Query{
		Location:  LocationConstraint{Country: "se", City: "mma"},
		Protocol:  ProtocolWireguard,
		Providers: AnyProviders(),
	}, rnd)
	require.NoError(t, err)
	require.Equal(t, "se1", params.Exit.Hostname)
}

func TestSelect_IsDeterministicForAFixedSeed(t *testing.T) {
	cat := &Catalog{Relays: []Relay{
		wgRelay("se1", "se", "mma", "10.0.0.1", 50, true, true),
		wgRelay("se2", "se", "mma", "10.0.0.2", 50, true, true),
	}}
	q := Query{Location: AnyLocation(), Protocol: ProtocolWireguard, Providers: AnyProviders()}

	p1, err := Select(cat, q, rand.New(rand.NewSource(42)))
	require.NoError(t, err)
	p2, err := Select(cat, q, rand.New(rand.NewSource(42)))
	require.NoError(t, err)
	require.Equal(t, p1.Exit.Hostname, p2.Exit.Hostname)
}

func TestSelect_WeightedPickConvergesToWeightRatio(t *testing.T) {
	cat := &Catalog{Relays: []Relay{
		wgRelay("heavy", "se", "mma", "10.0.0.1", 90, true, true),
		wgRelay("light", "se", "mma", "10.0.0.2", 10, true, true),
	}}
	rnd := rand.New(rand.NewSource(7))

	counts := map[string]int{}
	const n = 5000
	for i := 0; i < n; i++ {
		params, err := Select(cat, Query{Location: AnyLocation(), Protocol: ProtocolWireguard, Providers: AnyProviders()}, rnd)
		require.NoError(t, err)
		counts[params.Exit.Hostname]++
	}

	ratio := float64(counts["heavy"]) / float64(n)
	require.InDelta(t, 0.9, ratio, 0.03)
}

func TestSelect_OpenVPNUnsupportedFallsBackToWireguard(t *testing.T) {
	cat := &Catalog{Relays: []Relay{
		wgRelay("se1", "se", "mma", "10.0.0.1", 100, true, true),
	}}
	rnd := rand.New(rand.NewSource(1))

	params, err := SelectWithRuntime(cat, Query{
		Location:  AnyLocation(),
		Protocol:  ProtocolOpenVPN,
		Providers: AnyProviders(),
	}, RuntimeParameters{HaveIPv4: true, OpenVPNSupported: false}, rnd)
	require.NoError(t, err)
	require.Equal(t, ProtocolWireguard, params.Protocol)
}

func TestSelect_PortConstraintWeightedByRangeWidth(t *testing.T) {
	r := wgRelay("se1", "se", "mma", "10.0.0.1", 100, true, true)
	r.Wireguard.PortRanges = []PortRange{{First: 53, Last: 53}, {First: 4000, Last: 4005}} // widths 1 and 6
	cat := &Catalog{Relays: []Relay{r}}
	rnd := rand.New(rand.NewSource(3))

	counts := map[bool]int{}
	const n = 3500
	for i := 0; i < n; i++ {
		params, err := Select(cat, Query{Location: AnyLocation(), Protocol: ProtocolWireguard, Providers: AnyProviders()}, rnd)
		require.NoError(t, err)
		counts[params.Endpoint.Port == 53]++
	}

	ratio := float64(counts[false]) / float64(n) // 4000-4005 range, width 6 of 7
	require.InDelta(t, 6.0/7.0, ratio, 0.04)
}

func TestSelect_MultihopBuildsEntryAndExitPeers(t *testing.T) {
	exit := wgRelay("exit1", "se", "mma", "10.0.0.1", 100, true, true)
	entry := wgRelay("entry1", "no", "osl", "10.0.1.1", 100, true, true)
	cat := &Catalog{Relays: []Relay{exit, entry}}
	rnd := rand.New(rand.NewSource(1))

	q := Query{
		Location:  LocationConstraint{Country: "se"},
		Protocol:  ProtocolWireguard,
		Providers: AnyProviders(),
		Wireguard: WireguardConstraints{
			MultihopEntry: &LocationConstraint{Country: "no"},
			Port:          PortConstraint{},
		},
	}
	params, err := Select(cat, q, rnd)
	require.NoError(t, err)
	require.NotNil(t, params.Entry)
	require.Equal(t, "entry1", params.Entry.Hostname)
	require.Equal(t, "exit1", params.Exit.Hostname)
	require.Equal(t, fixedExitPort, params.ExitPeer.Endpoint.Port)
	require.True(t, params.EntryPeer.AllowedIPv4[0].IP.Equal(exit.IPv4AddrIn))
}

// TestSelect_MultihopParamsMatchScenarioC checks the multihop shape of spec
// §8 Scenario C: a fixed entry/exit pair with port=any, the exit on the
// fixed exit port, the entry allowed only the exit's /32, and the exit
// allowed everything, compared with one structural diff. The entry has a
// single-port range here, so its port is deterministic; range-width
// weighting is covered by TestSelect_PortConstraintWeightedByRangeWidth.
func TestSelect_MultihopParamsMatchScenarioC(t *testing.T) {
	exit := wgRelay("exit1", "se", "mma", "10.0.0.1", 100, true, true)
	entry := wgRelay("entry1", "no", "osl", "10.0.1.1", 100, true, true)
	cat := &Catalog{Relays: []Relay{exit, entry}}

	q := Query{
		Location:  LocationConstraint{Country: "se"},
		Protocol:  ProtocolWireguard,
		Providers: AnyProviders(),
		Wireguard: WireguardConstraints{
			MultihopEntry: &LocationConstraint{Country: "no"},
			Port:          PortConstraint{},
		},
	}
	params, err := Select(cat, q, rand.New(rand.NewSource(1)))
	require.NoError(t, err)

	exitMask := net.CIDRMask(32, 32)
	exitIP := net.ParseIP("10.0.0.1")
	entryIP := net.ParseIP("10.0.1.1")

	type resolvedShape struct {
		Endpoint  *net.UDPAddr
		Transport TransportProtocol
		EntryPeer *WireguardPeer
		ExitPeer  *WireguardPeer
	}
	got := resolvedShape{
		Endpoint:  params.Endpoint,
		Transport: params.Transport,
		EntryPeer: params.EntryPeer,
		ExitPeer:  params.ExitPeer,
	}
	want := resolvedShape{
		Endpoint:  &net.UDPAddr{IP: entryIP, Port: 51820},
		Transport: ProtocolUDP,
		EntryPeer: &WireguardPeer{
			PublicKey:   entry.Wireguard.PublicKey,
			Endpoint:    &net.UDPAddr{IP: entryIP, Port: 51820},
			AllowedIPv4: []net.IPNet{{IP: exitIP.Mask(exitMask), Mask: exitMask}},
		},
		ExitPeer: &WireguardPeer{
			PublicKey:   exit.Wireguard.PublicKey,
			Endpoint:    &net.UDPAddr{IP: exitIP, Port: fixedExitPort},
			AllowedIPv4: []net.IPNet{allIPv4},
			AllowedIPv6: []net.IPNet{allIPv6},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("resolved multihop params mismatch (-want +got):\n%s", diff)
	}
}

func TestSelect_ObfuscationModeCarriesResolvedPortOntoParams(t *testing.T) {
	cat := &Catalog{Relays: []Relay{
		wgRelay("se1", "se", "mma", "10.0.0.1", 100, true, true),
	}}
	rnd := rand.New(rand.NewSource(1))

	q := Query{
		Location:  AnyLocation(),
		Protocol:  ProtocolWireguard,
		Providers: AnyProviders(),
		Wireguard: WireguardConstraints{
			Obfuscation: ObfuscationConstraint{Mode: ObfuscationShadowsocks},
		},
	}
	params, err := Select(cat, q, rnd)
	require.NoError(t, err)
	require.NotNil(t, params.Obfuscator)
	require.Equal(t, ObfuscationShadowsocks, params.Obfuscator.Mode)
	require.Equal(t, params.Endpoint.Port, int(params.Obfuscator.Port))
}

func TestSelect_NoObfuscationLeavesParamsObfuscatorNil(t *testing.T) {
	cat := &Catalog{Relays: []Relay{
		wgRelay("se1", "se", "mma", "10.0.0.1", 100, true, true),
	}}
	rnd := rand.New(rand.NewSource(1))

	params, err := Select(cat, Query{Location: AnyLocation(), Protocol: ProtocolWireguard, Providers: AnyProviders()}, rnd)
	require.NoError(t, err)
	require.Nil(t, params.Obfuscator)
}
