package state

import (
	"context"
	"fmt"

	"github.com/fenwick-labs/corevpn/relay"
)

// disconnectedNode is the idle state: no tunnel, no obfuscator. Firewall is
// either open or Blocked depending on lockdown/block-when-disconnected
// (spec §4.1 "Lockdown mode").
type disconnectedNode struct{}

func (n *disconnectedNode) enter(ctx context.Context, m *Machine) TunnelState {
	n.applyPolicy(ctx, m)
	return Disconnected{LockedDown: m.shared.blocking()}
}

// applyPolicy installs the Blocked policy when locked down (or when
// block-when-disconnected is set), and resets to open otherwise. Also used
// by Machine.reapplyPolicy when SharedValues change while Disconnected is
// active.
func (n *disconnectedNode) applyPolicy(ctx context.Context, m *Machine) {
	if m.shared.blocking() {
		if err := m.deps.NetSec.ApplyPolicy(ctx, m.shared.blockedPolicy()); err != nil {
			log.E("disconnected: apply blocked policy: %v", err)
		}
		return
	}
	if err := m.deps.NetSec.ResetPolicy(ctx); err != nil {
		log.E("disconnected: reset policy: %v", err)
	}
}

func (n *disconnectedNode) handle(ctx context.Context, m *Machine, ev event) node {
	ce, ok := ev.(cmdEvent)
	if !ok {
		return n
	}
	switch c := ce.cmd.(type) {
	case Connect:
		params, err := resolveParams(m, c)
		if err != nil {
			log.E("disconnected: connect: resolve params: %v", err)
			return &errorNode{cause: fmt.Errorf("state: no matching relay: %w", err)}
		}
		return &connectingNode{params: params, retries: newRetryBudget(m.deps.Config, m.deps.Clock)}
	case Block:
		return &errorNode{cause: c.Reason}
	default:
		return n
	}
}

// resolveParams honors spec §4.1 "Connect(params?) -- begin connecting. If
// params absent, query the selector."
func resolveParams(m *Machine, c Connect) (*relay.TunnelParameters, error) {
	if c.Params != nil {
		return c.Params, nil
	}
	if m.deps.Selector == nil {
		return nil, fmt.Errorf("state: no selector configured and no explicit params given")
	}
	return m.deps.Selector(c.Query)
}
