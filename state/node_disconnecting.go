package state

import (
	"context"

	"github.com/fenwick-labs/corevpn/internal/corex"
)

// disconnectingNode tears down, in order: tunnel, obfuscator, routes added
// for this connection, DNS, then firewall -- the firewall is reset only when
// teardown ends in a non-blocking Disconnected; when a new connection
// attempt follows (AfterReconnect or a queued Connect) or Error follows, it
// stays blocking to prevent leaks (spec §4.1 "Disconnecting",
// leak-prevention invariants 2 and 3).
type disconnectingNode struct {
	after   AfterDisconnect
	pending *Connect // a Connect that arrived mid-teardown overrides `after`

	// waitingReconnect is set once teardown has finished and this
	// Disconnecting is only waiting out an AfterReconnect backoff delay
	// before the next Connecting attempt starts.
	waitingReconnect bool
}

func (n *disconnectingNode) enter(ctx context.Context, m *Machine) TunnelState {
	dctx, cancel := context.WithTimeout(ctx, m.deps.Config.DisconnectTimeout)
	defer cancel()

	if m.attempt.probeCancel != nil {
		m.attempt.probeCancel()
	}
	if m.attempt.tun != nil {
		if err := m.attempt.tun.Close(); err != nil {
			log.E("disconnecting: close tun: %v", err)
		}
	}
	if m.attempt.obfCancel != nil {
		m.attempt.obfCancel()
	}
	if m.attempt.obfuscator != nil {
		if err := m.attempt.obfuscator.Close(); err != nil {
			log.E("disconnecting: close obfuscator: %v", err)
		}
	}
	if err := m.deps.Routes.ClearRoutes(dctx); err != nil {
		log.E("disconnecting: clear routes: %v", err)
	}
	if err := m.deps.DNS.Reset(dctx); err != nil {
		log.E("disconnecting: reset dns: %v", err)
	}

	// Firewall reset only when teardown leads to plain Disconnected and no
	// new attempt is already pending; Reconnect keeps the firewall blocking
	// across attempts (leak-prevention invariant 2), and Block must leave
	// it blocking going into Error (invariant 3) -- and only when
	// Disconnected will not block on its own (lockdown or
	// block-when-disconnected), so the firewall never opens between here
	// and disconnectedNode.enter applying the Blocked policy.
	_, afterNothing := n.after.(AfterNothing)
	if afterNothing && n.pending == nil && !m.shared.blocking() {
		if err := m.deps.NetSec.ResetPolicy(dctx); err != nil {
			log.E("disconnecting: reset policy: %v", err)
		}
	}

	m.post(teardownDoneEvent{})
	return Disconnecting{After: n.after}
}

func (n *disconnectingNode) handle(ctx context.Context, m *Machine, ev event) node {
	switch e := ev.(type) {
	case teardownDoneEvent:
		if n.pending != nil {
			return n.enterPendingConnect(ctx, m)
		}
		switch after := n.after.(type) {
		case AfterNothing:
			return &disconnectedNode{}
		case AfterBlock:
			return &errorNode{cause: after.Reason}
		case AfterReconnect:
			if after.Delay <= 0 {
				return &connectingNode{params: m.attempt.params, retries: m.attempt.retries}
			}
			// Honor the exponential-backoff delay computed for this
			// retry (spec §4.1 "Retry policy: exponential backoff")
			// before starting the next Connecting attempt.
			n.waitingReconnect = true
			timer := m.deps.Clock.NewTimer(after.Delay)
			go func() {
				defer corex.Recover("state: reconnect delay timer")
				select {
				case <-timer.Chan():
					m.post(reconnectDelayElapsedEvent{})
				case <-ctx.Done():
					timer.Stop()
				}
			}()
			return n
		default:
			return &disconnectedNode{}
		}
	case reconnectDelayElapsedEvent:
		if !n.waitingReconnect {
			return n
		}
		if n.pending != nil {
			return n.enterPendingConnect(ctx, m)
		}
		return &connectingNode{params: m.attempt.params, retries: m.attempt.retries}
	case cmdEvent:
		// Commands that arrive mid-teardown (or mid-backoff-wait) retarget
		// where this teardown ends rather than being dropped (spec §6 "a
		// command that arrives mid-transition waits"): Connect queues a
		// fresh attempt, Disconnect and Block replace the target with
		// Disconnected or Error. Reconnect leaves the target unchanged.
		switch c := e.cmd.(type) {
		case Connect:
			n.pending = &c
		case Disconnect:
			n.pending, n.after = nil, AfterNothing{}
		case Block:
			n.pending, n.after = nil, AfterBlock{Reason: c.Reason}
		}
		if _, still := n.after.(AfterReconnect); n.waitingReconnect && !still {
			return n.handle(ctx, m, teardownDoneEvent{})
		}
		return n
	default:
		return n
	}
}

// enterPendingConnect resolves a Connect command that arrived mid-teardown
// (or mid-backoff-wait), overriding whatever After was originally headed
// toward.
func (n *disconnectingNode) enterPendingConnect(ctx context.Context, m *Machine) node {
	params, err := resolveParams(m, *n.pending)
	if err != nil {
		log.E("disconnecting: pending connect: resolve params: %v", err)
		return &errorNode{cause: err}
	}
	return &connectingNode{params: params, retries: newRetryBudget(m.deps.Config, m.deps.Clock)}
}
