// Health probing backs the Connected state's periodic liveness check (spec
// §4.1 "Periodically probe for tunnel health"). The threshold for declaring
// a handshake stale is not uniform across backends per spec §9; this
// realization picks ICMP-ping-to-gateway via pro-bing as the
// backend-agnostic default (documented in DESIGN.md), overridable via
// config.
package state

import (
	"context"
	"fmt"
	"net"
	"time"

	probing "github.com/prometheus-community/pro-bing"
)

// HealthProber probes whether the tunnel gateway is still reachable.
// Platform-specific backends (stats-based liveness, WireGuard handshake
// age) can satisfy this interface too; ICMPProber is the default.
type HealthProber interface {
	Probe(ctx context.Context, gateway net.IP) error
}

// ICMPProber pings the tunnel gateway, declaring it unhealthy after
// MissThreshold consecutive failed probes.
type ICMPProber struct {
	MissThreshold int

	misses int
}

// Probe sends one ICMP echo to gateway. It returns an error only once
// MissThreshold consecutive probes have failed, matching spec's "3 missed
// probes before declaring the handshake stale" decision.
func (p *ICMPProber) Probe(ctx context.Context, gateway net.IP) error {
	pinger, err := probing.NewPinger(gateway.String())
	if err != nil {
		return fmt.Errorf("health: new pinger: %w", err)
	}
	pinger.Count = 1
	pinger.Timeout = 3 * time.Second
	pinger.SetPrivileged(false)

	if err := pinger.RunWithContext(ctx); err != nil || pinger.Statistics().PacketsRecv == 0 {
		p.misses++
		if p.misses >= max(p.MissThreshold, 1) {
			return fmt.Errorf("health: gateway %s unreachable after %d probes", gateway, p.misses)
		}
		return nil
	}
	p.misses = 0
	return nil
}
