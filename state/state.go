// Package state implements the tunnel state machine (spec §4.1): the
// connection lifecycle Disconnected -> Connecting -> Connected ->
// Disconnecting -> Error, driving firewall/DNS/route changes in lockstep
// with tunnel liveness. Grounded in Lanius-collaris-firestack's
// single-owner-goroutine pattern (tunnel.gtunnel owns its stack/hdl/pcapio
// with no external locking beyond a sync.Once for shutdown) and its
// tagged-sum-of-capabilities idiom (intra/ipn/proxies.go's ipn.Proxy),
// generalized here to TunnelState's sealed variants.
package state

import (
	"net"
	"time"

	"github.com/fenwick-labs/corevpn/relay"
)

// Kind discriminates the five TunnelState variants (spec §3 "Tunnel state").
type Kind int

const (
	KindDisconnected Kind = iota
	KindConnecting
	KindConnected
	KindDisconnecting
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindDisconnected:
		return "disconnected"
	case KindConnecting:
		return "connecting"
	case KindConnected:
		return "connected"
	case KindDisconnecting:
		return "disconnecting"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// TunnelState is the externally observable state (spec §3, §6
// "TunnelStateTransition"). It is a closed sum type: the only
// implementations are the five below.
type TunnelState interface {
	Kind() Kind
	isTunnelState()
}

// FeatureIndicators tags which optional features are active on the current
// tunnel (spec glossary "Feature indicators").
type FeatureIndicators struct {
	Multihop         bool
	DAITA            bool
	QuantumResistant bool
	Obfuscation      bool
}

// Disconnected is the initial/idle state: no tunnel, no obfuscator.
type Disconnected struct {
	LockedDown bool
}

// Connecting is mid-handshake: firewall policy has been applied, the
// obfuscator (if any) has been spawned, and the tunnel device is coming up.
type Connecting struct {
	Endpoint *net.UDPAddr
	Location *relay.Location
	Features FeatureIndicators
}

// Connected is a live tunnel with post-connect policy applied.
type Connected struct {
	Endpoint *net.UDPAddr
	Location *relay.Location
	Features FeatureIndicators
}

// AfterDisconnect says what happens once Disconnecting's teardown finishes
// (spec §3 "Tunnel state" / §4.1 "Disconnecting").
type AfterDisconnect interface {
	isAfterDisconnect()
}

// AfterNothing leads to Disconnected.
type AfterNothing struct{}

// AfterBlock leads to Error with the given cause.
type AfterBlock struct{ Reason error }

// AfterReconnect leads back to Connecting. Delay is the exponential-backoff
// wait (spec §4.1 "Retry policy: exponential backoff") applied before the
// next Connecting attempt when this Reconnect was triggered by a Restartable
// Connecting failure; it is zero for a user-issued Reconnect command or a
// Connected handshake loss, which retry immediately.
type AfterReconnect struct{ Delay time.Duration }

func (AfterNothing) isAfterDisconnect()   {}
func (AfterBlock) isAfterDisconnect()     {}
func (AfterReconnect) isAfterDisconnect() {}

// Disconnecting is tearing down: tunnel, then obfuscator, then routes added
// for this connection, then DNS, then firewall (reset only when After is
// AfterNothing and Disconnected will not block; for AfterReconnect and
// AfterBlock the firewall stays blocking).
type Disconnecting struct {
	After AfterDisconnect
}

// Error holds a non-recoverable cause. The firewall remains in a blocking
// policy for as long as this state is active (leak-prevention invariant 3).
type Error struct {
	Cause        error
	BlockFailure bool
}

func (Disconnected) Kind() Kind  { return KindDisconnected }
func (Connecting) Kind() Kind    { return KindConnecting }
func (Connected) Kind() Kind     { return KindConnected }
func (Disconnecting) Kind() Kind { return KindDisconnecting }
func (Error) Kind() Kind         { return KindError }

func (Disconnected) isTunnelState()  {}
func (Connecting) isTunnelState()    {}
func (Connected) isTunnelState()     {}
func (Disconnecting) isTunnelState() {}
func (Error) isTunnelState()         {}

// Transition is one value published on the subscription broadcast (spec §6
// "Tunnel state subscription"): exactly one per observed state change, in
// order.
type Transition struct {
	State TunnelState
}
