package state

import (
	"context"
	"net"
	"time"

	"github.com/fenwick-labs/corevpn/internal/corex"
	"github.com/fenwick-labs/corevpn/relay"
)

// connectedNode is a live tunnel: post-connect firewall policy applied, DNS
// set to the tunnel's servers, and a periodic health probe running (spec
// §4.1 "Connected"). It adds no routes; RouteManager.AddRoutes is not called.
type connectedNode struct {
	params *relay.TunnelParameters
	iface  string
	dns    []net.IP
}

func (n *connectedNode) enter(ctx context.Context, m *Machine) TunnelState {
	n.applyPolicy(ctx, m)

	if err := m.deps.DNS.Set(ctx, n.iface, n.dns); err != nil {
		log.E("connected: set dns: %v", err)
	}

	probeCtx, cancel := context.WithCancel(ctx)
	m.attempt.probeCancel = cancel
	gateway := n.params.Exit.IPv4AddrIn
	go n.probeLoop(probeCtx, m, gateway)

	return Connected{Endpoint: n.params.Endpoint, Location: relayLocation(n.params), Features: featuresOf(n.params)}
}

// applyPolicy (re)installs the Connected firewall policy, used both on
// entry and by Machine.reapplyPolicy when allow-LAN/DNS/allowed-endpoint
// change while Connected.
func (n *connectedNode) applyPolicy(ctx context.Context, m *Machine) {
	if err := m.deps.NetSec.ApplyPolicy(ctx, m.shared.connectedPolicy(n.iface, n.dns)); err != nil {
		log.E("connected: apply policy: %v", err)
	}
}

func (n *connectedNode) probeLoop(ctx context.Context, m *Machine, gateway net.IP) {
	defer corex.Recover("state: probeLoop")
	if gateway == nil {
		return
	}
	interval := m.deps.Config.HealthProbeInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := m.deps.Clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if err := m.deps.Health.Probe(ctx, gateway); err != nil {
				m.post(healthProbeFailedEvent{err: err})
				return
			}
		}
	}
}

func (n *connectedNode) handle(ctx context.Context, m *Machine, ev event) node {
	switch e := ev.(type) {
	case tunnelDownEvent, healthProbeFailedEvent:
		_ = e
		return &disconnectingNode{after: AfterReconnect{}}
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
