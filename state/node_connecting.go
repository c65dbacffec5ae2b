package state

import (
	"context"
	"net"
	"time"

	"github.com/fenwick-labs/corevpn/internal/classify"
	"github.com/fenwick-labs/corevpn/internal/corex"
	"github.com/fenwick-labs/corevpn/netsec"
	"github.com/fenwick-labs/corevpn/relay"
)

// connectingNode drives the connect sequence: firewall policy, optional
// obfuscator spawn + endpoint rewrite, TUN bring-up, then either Connected
// on success or Disconnecting on failure (spec §4.1 "Connecting").
type connectingNode struct {
	params  *relay.TunnelParameters
	retries *retryBudget
}

func (n *connectingNode) enter(ctx context.Context, m *Machine) TunnelState {
	m.attempt = connAttempt{params: n.params, retries: n.retries}

	endpoint := n.params.Endpoint

	// Step 2: spawn the obfuscator (if requested) on loopback and rewrite
	// the tunnel's target endpoint to the obfuscator's local address
	// (spec §4.1 step 2, §4.3 "Obfuscator local endpoint").
	var pubkey [32]byte
	if n.params.ExitPeer != nil {
		pubkey = n.params.ExitPeer.PublicKey
	}
	if n.params.Obfuscator != nil {
		obf, err := m.deps.Obfuscators.Spawn(ctx, *n.params.Obfuscator, endpoint, pubkey)
		if err != nil {
			m.post(stepFailedEvent{err: classify.Obfuscator(err, classify.Restartable)})
		} else if obf != nil {
			obfCtx, cancel := context.WithCancel(ctx)
			m.attempt.obfuscator = obf
			m.attempt.obfCancel = cancel
			endpoint = obf.Endpoint()
			go func() {
				defer corex.Recover("state: obfuscator.Run")
				if err := obf.Run(obfCtx); err != nil && obfCtx.Err() == nil {
					m.post(stepFailedEvent{err: classify.Obfuscator(err, classify.Restartable)})
				}
			}()
		}
	}

	// Step 1: apply the connecting firewall policy before any packet can
	// egress (leak-prevention invariant 1) -- installed after the
	// obfuscator's endpoint is known so the policy allows traffic to the
	// address the tunnel will actually send to.
	pingable := relayPingableHosts(n.params)
	if err := m.deps.NetSec.ApplyPolicy(ctx, m.shared.connectingPolicy(endpoint, n.params.Endpoint, pingable)); err != nil {
		m.post(stepFailedEvent{err: classify.Firewall(err)})
		return Connecting{Endpoint: endpoint, Location: relayLocation(n.params), Features: featuresOf(n.params)}
	}

	// Step 3: bring up the tunnel device; step 4 (handshake/interface-ready)
	// is reported asynchronously via tunnelUpEvent.
	cfg := netsec.TunConfig{
		MTU:        n.params.MTU,
		EnableIPv6: n.params.EnableIPv6,
		DNSServers: n.params.DNSServers,
	}
	go n.bringUpTunnel(ctx, m, cfg)

	return Connecting{Endpoint: endpoint, Location: relayLocation(n.params), Features: featuresOf(n.params)}
}

func (n *connectingNode) bringUpTunnel(ctx context.Context, m *Machine, cfg netsec.TunConfig) {
	defer corex.Recover("state: bringUpTunnel")
	tun, err := m.deps.Tun.GetTun(ctx, cfg)
	if err != nil {
		m.post(stepFailedEvent{err: classify.Tunnel(err, classify.Restartable)})
		return
	}
	m.attempt.tun = tun
	m.post(tunnelUpEvent{iface: "", dns: n.params.DNSServers})
}

func (n *connectingNode) handle(ctx context.Context, m *Machine, ev event) node {
	switch e := ev.(type) {
	case tunnelUpEvent:
		return &connectedNode{params: n.params, iface: e.iface, dns: e.dns}
	case stepFailedEvent:
		return n.fail(m, e.err)
	case cmdEvent:
		switch c := e.cmd.(type) {
		case Disconnect:
			return &disconnectingNode{after: AfterNothing{}}
		case Reconnect:
			return &disconnectingNode{after: AfterReconnect{}}
		case Block:
			return &disconnectingNode{after: AfterBlock{Reason: c.Reason}}
		default:
			return n
		}
	default:
		return n
	}
}

// stallWindow is the rolling window Machine.stalls counts repeated
// Restartable failures of the same category over.
const stallWindow = 10 * time.Minute

// stallWarnThreshold is how many same-category Restartable failures within
// stallWindow are logged as a flapping warning.
const stallWarnThreshold = 3

// fail classifies a Connecting substep failure and decides whether to
// retry in place, Reconnect, or surface as Error (spec §4.1 "On any step
// failure" + "Failure semantics").
func (n *connectingNode) fail(m *Machine, err error) node {
	var class classify.Classification = classify.Restartable
	var category classify.Category
	if ce, ok := classify.As(err); ok {
		class = ce.Classification()
		category = ce.Category()
	}

	switch class {
	case classify.Fatal:
		return &disconnectingNode{after: AfterBlock{Reason: err}}
	case classify.Recoverable:
		return n
	default: // Restartable
		key := category.String()
		m.stalls.Set(key, stallWindow)
		if hits := m.stalls.Get(key); hits >= stallWarnThreshold {
			log.W("connecting: %s has failed %d times in the last %s", category, hits, stallWindow)
		}
		if n.retries.recordFailure() {
			return &disconnectingNode{after: AfterBlock{Reason: err}}
		}
		return &disconnectingNode{after: AfterReconnect{Delay: n.retries.nextDelay()}}
	}
}

func relayPingableHosts(p *relay.TunnelParameters) []net.IP {
	if p.Exit.IPv4AddrIn == nil {
		return nil
	}
	return []net.IP{p.Exit.IPv4AddrIn}
}

func relayLocation(p *relay.TunnelParameters) *relay.Location {
	loc := p.Exit.Location
	return &loc
}

func featuresOf(p *relay.TunnelParameters) FeatureIndicators {
	return FeatureIndicators{
		Multihop:         p.Entry != nil,
		DAITA:            p.DAITA,
		QuantumResistant: p.QuantumResistant,
		Obfuscation:      p.Obfuscator != nil,
	}
}
