package state

import "context"

// errorNode holds a non-recoverable cause. The firewall remains in a
// blocking policy for as long as this state is active (leak-prevention
// invariant 3); only Disconnect, Reconnect, or a fresh Connect leave it
// (spec §4.1 "Error").
type errorNode struct {
	cause        error
	blockFailure bool
}

func (n *errorNode) enter(ctx context.Context, m *Machine) TunnelState {
	if err := m.deps.NetSec.ApplyPolicy(ctx, m.shared.blockedPolicy()); err != nil {
		// Best-effort: even if this fails, Error's contract is to have
		// *attempted* a blocking policy (spec §7 "Firewall remains in
		// best-effort Blocked").
		n.blockFailure = true
		log.E("error: apply blocked policy (best effort): %v", err)
	}
	return Error{Cause: n.cause, BlockFailure: n.blockFailure}
}

func (n *errorNode) handle(ctx context.Context, m *Machine, ev event) node {
	ce, ok := ev.(cmdEvent)
	if !ok {
		return n
	}
	switch c := ce.cmd.(type) {
	case Disconnect:
		return &disconnectingNode{after: AfterNothing{}}
	case Reconnect:
		return &disconnectingNode{after: AfterReconnect{}}
	case Connect:
		// No tunnel/obfuscator is active in Error, so there is nothing for
		// Disconnecting to tear down; go directly to Connecting with the
		// fresh request (spec §4.1 "Only ... a fresh Connect can leave
		// Error"). The outgoing firewall policy stays Blocked until
		// Connecting installs its own, so no leak window opens.
		params, err := resolveParams(m, c)
		if err != nil {
			log.E("error: connect: resolve params: %v", err)
			return n
		}
		return &connectingNode{params: params, retries: newRetryBudget(m.deps.Config, m.deps.Clock)}
	default:
		return n
	}
}
