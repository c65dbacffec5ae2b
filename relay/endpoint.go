package relay

import (
	"math/rand"
	"net"
)

// fixedExitPort is the port a multihop exit peer always listens on, per
// spec §4.2 "exit peer is configured with ... endpoint=(exit.ipv4,
// FIXED_EXIT_PORT=51820)".
const fixedExitPort = 51820

var (
	allIPv4 = net.IPNet{IP: net.IPv4zero, Mask: net.CIDRMask(0, 32)}
	allIPv6 = net.IPNet{IP: net.IPv6zero, Mask: net.CIDRMask(0, 128)}
)

// selectWireguard details the wireguard endpoint for a chosen exit relay,
// resolving multihop against q.Wireguard.MultihopEntry when set (spec §4.2
// "Endpoint detailing (WireGuard)").
func selectWireguard(cat *Catalog, q Query, exit Relay, rnd *rand.Rand) (*TunnelParameters, error) {
	if exit.Kind != KindWireguard || exit.Wireguard == nil {
		return nil, ErrMissingPublicKey
	}

	if q.Wireguard.MultihopEntry == nil {
		return singlehopWireguard(q, exit, rnd)
	}
	return multihopWireguard(cat, q, exit, rnd)
}

func singlehopWireguard(q Query, exit Relay, rnd *rand.Rand) (*TunnelParameters, error) {
	v6 := wantIPv6(q.Wireguard.IPVersion)
	ip := exit.IPFor(v6)
	if ip == nil {
		if q.Wireguard.IPVersion == IPVersionV6 {
			return nil, &NoIPv6Error{Hostname: exit.Hostname}
		}
		ip = exit.IPFor(false)
		v6 = false
		if ip == nil {
			return nil, ErrNoRelayMatched
		}
	}

	port, err := choosePort(exit.Wireguard.PortRanges, q.Wireguard.Port, rnd)
	if err != nil {
		return nil, err
	}

	endpoint := &net.UDPAddr{IP: ip, Port: int(port)}
	peer := &WireguardPeer{
		PublicKey:   exit.Wireguard.PublicKey,
		Endpoint:    endpoint,
		AllowedIPv4: []net.IPNet{allIPv4},
		AllowedIPv6: []net.IPNet{allIPv6},
	}

	return &TunnelParameters{
		Protocol:         ProtocolWireguard,
		Exit:             exit,
		Endpoint:         endpoint,
		Transport:        ProtocolUDP,
		ExitPeer:         peer,
		Obfuscator:       resolveObfuscatorConfig(q.Wireguard.Obfuscation, port),
		DAITA:            q.Wireguard.DAITA,
		QuantumResistant: q.QuantumResistant,
	}, nil
}

// resolveObfuscatorConfig turns the query's obfuscation sub-constraint into
// the config the obfuscation package spawns from, reusing the already
// resolved WireGuard port when the constraint leaves the obfuscation port
// unconstrained (spec §4.2/§4.3: the obfuscator wraps the same relay
// endpoint the tunnel would otherwise dial directly).
func resolveObfuscatorConfig(c ObfuscationConstraint, wgPort uint16) *ObfuscatorConfig {
	switch c.Mode {
	case ObfuscationOff, ObfuscationAny:
		return nil
	case ObfuscationShadowsocks:
		if c.Port.Fixed {
			return &ObfuscatorConfig{Mode: c.Mode, Port: c.Port.Port}
		}
		return &ObfuscatorConfig{Mode: c.Mode, Port: wgPort}
	default:
		return &ObfuscatorConfig{Mode: c.Mode, Port: wgPort}
	}
}

func multihopWireguard(cat *Catalog, q Query, exit Relay, rnd *rand.Rand) (*TunnelParameters, error) {
	entryFlat := flattenLocationConstraint(*q.Wireguard.MultihopEntry, cat.CustomLists)
	entryCandidates := filterCandidates(cat, Query{
		Location:  *q.Wireguard.MultihopEntry,
		Protocol:  ProtocolWireguard,
		Providers: AnyProviders(),
		Ownership: OwnershipAny,
		// DAITA is the first hop's property in multihop, so the requirement
		// is re-applied here against the entry candidate pool (stage 7 skips
		// the exit pool once MultihopEntry is set).
		Wireguard: WireguardConstraints{DAITA: q.Wireguard.DAITA},
	}, ProtocolWireguard, entryFlat)
	entryCandidates = applyCountryInclusionRule(entryCandidates, entryFlat)
	if len(entryCandidates) == 0 {
		return nil, ErrNoRelayMatched
	}
	entry := weightedPick(entryCandidates, rnd)
	if entry.Kind != KindWireguard || entry.Wireguard == nil {
		return nil, ErrMissingPublicKey
	}

	exitIP := exit.IPFor(false) // exit is always reached over IPv4 in multihop
	if exitIP == nil {
		return nil, ErrNoRelayMatched
	}
	exitEndpoint := &net.UDPAddr{IP: exitIP, Port: fixedExitPort}

	entryPort, err := choosePort(entry.Wireguard.PortRanges, q.Wireguard.Port, rnd)
	if err != nil {
		return nil, err
	}
	entryIP := entry.IPFor(false)
	if entryIP == nil {
		return nil, ErrNoRelayMatched
	}
	entryEndpoint := &net.UDPAddr{IP: entryIP, Port: int(entryPort)}

	exitMask := net.CIDRMask(32, 32)
	entryPeer := &WireguardPeer{
		PublicKey:   entry.Wireguard.PublicKey,
		Endpoint:    entryEndpoint,
		AllowedIPv4: []net.IPNet{{IP: exitIP.Mask(exitMask), Mask: exitMask}},
	}
	exitPeer := &WireguardPeer{
		PublicKey:   exit.Wireguard.PublicKey,
		Endpoint:    exitEndpoint,
		AllowedIPv4: []net.IPNet{allIPv4},
		AllowedIPv6: []net.IPNet{allIPv6},
	}

	return &TunnelParameters{
		Protocol:         ProtocolWireguard,
		Exit:             exit,
		Entry:            &entry,
		Endpoint:         entryEndpoint,
		Transport:        ProtocolUDP,
		EntryPeer:        entryPeer,
		ExitPeer:         exitPeer,
		Obfuscator:       resolveObfuscatorConfig(q.Wireguard.Obfuscation, entryPort),
		DAITA:            q.Wireguard.DAITA,
		QuantumResistant: q.QuantumResistant,
	}, nil
}

// choosePort resolves a WireGuard port constraint against a relay's
// port_ranges. When the constraint is `any`, a port is drawn uniformly
// weighted by range width (spec §4.2 "if the constraint is any, pick a port
// uniformly weighted by range width" — scenario C: 6/7 vs 1/7).
func choosePort(ranges []PortRange, pc PortConstraint, rnd *rand.Rand) (uint16, error) {
	if len(ranges) == 0 {
		return 0, ErrNoPortMatched
	}
	if pc.Fixed {
		for _, r := range ranges {
			if r.Contains(pc.Port) {
				return pc.Port, nil
			}
		}
		return 0, ErrNoPortMatched
	}

	if rnd == nil {
		return ranges[0].First, nil
	}

	total := 0
	for _, r := range ranges {
		total += r.Width()
	}
	if total <= 0 {
		return 0, ErrPortSelection
	}
	draw := rnd.Intn(total)
	for _, r := range ranges {
		if draw < r.Width() {
			return r.First + uint16(draw), nil
		}
		draw -= r.Width()
	}
	return 0, ErrPortSelection
}

// resolveIPVersion applies the host-connectivity preference for an `any`
// IP-version query once a singlehop relay has already been detailed (spec
// §4.2 "IPv6 policy ... if any, choose IPv4 when the host has IPv4
// connectivity, else IPv6").
func resolveIPVersion(params *TunnelParameters, chosen Relay, q Query, rt RuntimeParameters) {
	if params == nil || params.Entry != nil { // multihop always dials exit over ipv4
		return
	}
	if q.Wireguard.IPVersion != IPVersionAny {
		return
	}
	if rt.HaveIPv4 || !rt.HaveIPv6 {
		return // already resolved to ipv4 by default in singlehopWireguard
	}
	if ip := chosen.IPFor(true); ip != nil && params.ExitPeer != nil {
		params.Endpoint = &net.UDPAddr{IP: ip, Port: params.Endpoint.Port}
		params.ExitPeer.Endpoint = params.Endpoint
	}
}

// wantIPv6 resolves the fixed cases directly; an `any` constraint defaults to
// IPv4 here and is corrected by resolveIPVersion once runtime connectivity
// facts are available.
func wantIPv6(c IPVersionConstraint) bool {
	return c == IPVersionV6
}

// selectOpenVPN picks one of the relay's advertised (port, protocol) pairs
// consistent with the query (spec §4.2 "Endpoint detailing (OpenVPN)").
func selectOpenVPN(q Query, chosen Relay) (*TunnelParameters, error) {
	if chosen.Kind != KindOpenVPN || chosen.OpenVPN == nil {
		return nil, ErrNoRelayMatched
	}

	var candidates []OpenVPNPort
	for _, p := range chosen.OpenVPN.Ports {
		if q.OpenVPN.BridgeMode && p.Protocol != ProtocolTCP {
			continue
		}
		if q.OpenVPN.Protocol != nil && p.Protocol != *q.OpenVPN.Protocol {
			continue
		}
		if q.OpenVPN.TransportPort.Fixed && p.Port != q.OpenVPN.TransportPort.Port {
			continue
		}
		candidates = append(candidates, p)
	}
	if len(candidates) == 0 {
		return nil, ErrNoPortMatched
	}
	picked := candidates[0]

	ip := chosen.IPFor(false)
	if ip == nil {
		return nil, ErrNoRelayMatched
	}
	endpoint := &net.UDPAddr{IP: ip, Port: int(picked.Port)}

	return &TunnelParameters{
		Protocol:  ProtocolOpenVPN,
		Exit:      chosen,
		Endpoint:  endpoint,
		Transport: picked.Protocol,
	}, nil
}
