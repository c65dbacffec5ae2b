package relay

import (
	"math/rand"
	"strings"

	"github.com/fenwick-labs/corevpn/internal/corelog"
)

var log = corelog.Tagged("relay")

// RuntimeParameters are host-local facts the selector needs but that aren't
// part of the catalog or the query (spec §4.2 "Runtime-parameters").
type RuntimeParameters struct {
	HaveIPv4         bool
	HaveIPv6         bool
	OpenVPNSupported bool // false on platforms where openvpn is unsupported
}

// Select is the pure function from (catalog, query) to either a
// TunnelParameters or an error (spec §4.2), assuming dual-stack IPv4/IPv6
// connectivity and OpenVPN support. rnd drives the weighted-selection
// draws; callers pass a seeded *rand.Rand to make selection deterministic
// (testable property 4). Use SelectWithRuntime to honor host-local
// IPv4/IPv6/OpenVPN-support facts.
func Select(cat *Catalog, q Query, rnd *rand.Rand) (*TunnelParameters, error) {
	return SelectWithRuntime(cat, q, RuntimeParameters{HaveIPv4: true, HaveIPv6: true, OpenVPNSupported: true}, rnd)
}

// SelectWithRuntime is Select with explicit runtime parameters honored:
// protocol fallback when OpenVPN is unsupported, and IPv4/IPv6 preference
// for `any`-ip-version queries (spec §4.2 filter stage 2, "IPv6 policy").
func SelectWithRuntime(cat *Catalog, q Query, rt RuntimeParameters, rnd *rand.Rand) (*TunnelParameters, error) {
	if !rt.OpenVPNSupported {
		q.Protocol = ProtocolWireguard // silently forced, per spec stage 2
	}

	protocol := effectiveProtocolFromQuery(q)
	flat := flattenLocationConstraint(q.Location, cat.CustomLists)
	candidates := filterCandidates(cat, q, protocol, flat)
	if len(candidates) == 0 {
		// spec §3.1 "DaitaUseMultihopIfNecessary": a singlehop query that
		// asked for DAITA but matched no directly DAITA-capable exit falls
		// back to multihop through a DAITA-capable entry instead of failing.
		if fallback, ok := daitaMultihopFallback(q, protocol); ok {
			q = fallback
			flat = flattenLocationConstraint(q.Location, cat.CustomLists)
			candidates = filterCandidates(cat, q, protocol, flat)
		}
		if len(candidates) == 0 {
			return nil, ErrNoRelayMatched
		}
	}

	candidates = applyCountryInclusionRule(candidates, flat)
	chosen := weightedPick(candidates, rnd)

	switch protocol {
	case ProtocolWireguard:
		params, err := selectWireguard(cat, q, chosen, rnd)
		if err != nil {
			return nil, err
		}
		resolveIPVersion(params, chosen, q, rt)
		return params, nil
	case ProtocolOpenVPN:
		return selectOpenVPN(q, chosen)
	default:
		return nil, ErrNoRelayMatched
	}
}

// daitaMultihopFallback builds the forced-multihop variant of q used when no
// directly DAITA-capable exit exists for a singlehop DAITA query: the exit
// keeps the original location constraint but is no longer required to
// support DAITA itself (stage 7 only requires it of the entry once
// MultihopEntry is set), while the entry is constrained to any
// DAITA-capable relay (spec §3.1 "DaitaUseMultihopIfNecessary").
func daitaMultihopFallback(q Query, protocol TunnelProtocol) (Query, bool) {
	if protocol != ProtocolWireguard || !q.Wireguard.DAITA {
		return q, false
	}
	if q.Wireguard.MultihopEntry != nil || !q.Wireguard.DaitaUseMultihopIfNecessary {
		return q, false
	}
	anyEntry := AnyLocation()
	q.Wireguard.MultihopEntry = &anyEntry
	return q, true
}

func effectiveProtocolFromQuery(q Query) TunnelProtocol {
	if q.Protocol == ProtocolAny {
		return ProtocolWireguard // wireguard is the default "any" choice
	}
	return q.Protocol
}

// filterCandidates runs the spec §4.2 filter pipeline stages 1-7 (minus the
// IPv6 check, which happens at endpoint-detailing time per spec). flat is
// q.Location already resolved through flattenLocationConstraint.
func filterCandidates(cat *Catalog, q Query, protocol TunnelProtocol, flat []LocationConstraint) []Relay {
	var out []Relay
	for _, r := range cat.Relays {
		if !r.Active { // stage 1
			continue
		}
		if !matchesProtocol(r, protocol) { // stage 2
			continue
		}
		if !matchesLocation(r, flat) { // stage 3
			continue
		}
		if !matchesOwnership(r, q.Ownership) { // stage 4
			continue
		}
		if !q.Providers.Matches(r.Provider) { // stage 5
			continue
		}
		if !matchesObfuscation(r, protocol, q) { // stage 6
			continue
		}
		// stage 7: DAITA is a property of the first hop the client talks to
		// -- the exit itself in singlehop, the entry in multihop -- so this
		// only constrains the exit candidate pool when no multihop entry is
		// requested; multihopWireguard applies the same check to its entry
		// candidates separately.
		if protocol == ProtocolWireguard && q.Wireguard.DAITA && q.Wireguard.MultihopEntry == nil {
			if r.Wireguard == nil || !r.Wireguard.DaitaSupported {
				continue
			}
		}
		out = append(out, r)
	}
	return out
}

func matchesProtocol(r Relay, protocol TunnelProtocol) bool {
	switch protocol {
	case ProtocolWireguard:
		return r.Kind == KindWireguard
	case ProtocolOpenVPN:
		return r.Kind == KindOpenVPN
	default:
		return true
	}
}

// flattenLocationConstraint resolves a custom-list reference to the
// flattened set of geographic constraints it names (spec §4.2 stage 3).
func flattenLocationConstraint(l LocationConstraint, lists map[string]CustomList) []LocationConstraint {
	if l.Any {
		return []LocationConstraint{l}
	}
	if !l.IsCustomList() {
		return []LocationConstraint{l}
	}
	list, ok := lists[l.ListID]
	if !ok {
		return nil // unknown list id matches nothing
	}
	flat := make([]LocationConstraint, 0, len(list.Locations))
	for _, loc := range list.Locations {
		flat = append(flat, LocationConstraint{Country: loc.Country, City: loc.City, Hostname: loc.Hostname})
	}
	return flat
}

func matchesLocation(r Relay, flat []LocationConstraint) bool {
	for _, l := range flat {
		if locationConstraintMatches(r.Location, l) {
			return true
		}
	}
	return false
}

func locationConstraintMatches(loc Location, l LocationConstraint) bool {
	if l.Any {
		return true
	}
	if l.Country != "" && !strings.EqualFold(loc.Country, l.Country) {
		return false
	}
	if l.City != "" && !strings.EqualFold(loc.City, l.City) {
		return false
	}
	if l.Hostname != "" && !strings.EqualFold(loc.Hostname, l.Hostname) {
		return false
	}
	return true
}

func matchesOwnership(r Relay, o Ownership) bool {
	if o == OwnershipAny {
		return true
	}
	return r.Ownership() == o
}

func matchesObfuscation(r Relay, protocol TunnelProtocol, q Query) bool {
	if protocol != ProtocolWireguard {
		return true
	}
	if q.Wireguard.Obfuscation.Mode != ObfuscationShadowsocks {
		return true
	}
	if r.Wireguard == nil {
		return false
	}
	if len(r.Wireguard.ShadowsocksExtraAddrs) > 0 {
		return true // any port allowed
	}
	if q.Wireguard.Obfuscation.Port.Any() {
		return len(r.Wireguard.PortRanges) > 0
	}
	for _, pr := range r.Wireguard.PortRanges {
		if pr.Contains(q.Wireguard.Obfuscation.Port.Port) {
			return true
		}
	}
	return false
}

// applyCountryInclusionRule implements spec §4.2's "country-inclusion rule":
// for each flattened location constraint that is bare-country-scoped (no
// city/hostname given, and not `any`), any candidate in that same country
// with include_in_country=true shadows every candidate in that country with
// include_in_country=false. flat is the already-flattened location
// constraint (a custom-list reference resolves to a mix of country-, city-,
// and hostname-scoped entries; only the bare-country ones among them
// participate in this rule -- a list made entirely of city/hostname entries
// is a no-op, matching the per-location partition the original selector
// applies rather than a single partition over the whole candidate set).
func applyCountryInclusionRule(candidates []Relay, flat []LocationConstraint) []Relay {
	bareCountries := map[string]bool{}
	for _, l := range flat {
		if !l.Any && l.Country != "" && l.City == "" && l.Hostname == "" {
			bareCountries[strings.ToLower(l.Country)] = true
		}
	}
	if len(bareCountries) == 0 {
		return candidates
	}

	hasIncluded := map[string]bool{}
	for _, r := range candidates {
		cc := strings.ToLower(r.Location.Country)
		if bareCountries[cc] && r.IncludeInCountry {
			hasIncluded[cc] = true
		}
	}

	out := make([]Relay, 0, len(candidates))
	for _, r := range candidates {
		cc := strings.ToLower(r.Location.Country)
		if bareCountries[cc] && hasIncluded[cc] && !r.IncludeInCountry {
			continue // shadowed by an include_in_country relay in the same country
		}
		out = append(out, r)
	}
	return out
}

// weightedPick is roulette-wheel sampling on Weight (spec §4.2 "Weighted
// selection"): total = Σweight; if total==0 pick uniformly; else draw
// i∈[1,total] and walk the list subtracting weights until i<=0.
func weightedPick(candidates []Relay, rnd *rand.Rand) Relay {
	var total uint64
	for _, r := range candidates {
		total += r.Weight
	}
	if total == 0 {
		return candidates[rnd.Intn(len(candidates))]
	}

	draw := int64(rnd.Int63n(int64(total))) + 1 // i in [1, total]
	for _, r := range candidates {
		draw -= int64(r.Weight)
		if draw <= 0 {
			return r
		}
	}
	// unreachable given total>0 and the invariant that weights sum to total
	return candidates[len(candidates)-1]
}
