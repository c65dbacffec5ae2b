package state

import (
	"context"
	"net"
)

// node is the unexported sealed-interface member backing the active
// TunnelState (spec §9 "tagged sum behind a uniform capability"; §4.1
// "Each state is a value implementing a common contract"). enter runs the
// state's entry actions; handle advances it in response to one event.
type node interface {
	// enter performs this state's entry actions against m and returns the
	// externally visible TunnelState to publish for it. It may kick off
	// background work (goroutines) that later deliver events on m.events;
	// it must not block for longer than its own internal timeouts allow.
	enter(ctx context.Context, m *Machine) TunnelState

	// handle reacts to one event while this node is active. It returns the
	// next node (itself if no transition happened); the event loop calls
	// next.enter whenever the returned node differs from the current one.
	handle(ctx context.Context, m *Machine, ev event) node
}

// event is the sealed union of things that can happen to the active node
// besides a Command (spec §5 "Suspension points": "tunnel monitor events,
// timers").
type event interface {
	isEvent()
}

// tunnelUpEvent reports the tunnel device reached first successful
// handshake / interface-ready signal (spec §4.1 "Connecting" step 4).
type tunnelUpEvent struct {
	iface string
	dns   []net.IP
}

// tunnelDownEvent reports handshake loss on an active tunnel (spec §4.1
// "Connected": "On handshake loss ... transition to Disconnecting").
type tunnelDownEvent struct {
	cause error
}

// stepFailedEvent reports one Connecting substep failed, classified per
// internal/classify (spec §4.1 "On any step failure").
type stepFailedEvent struct {
	err error
}

// teardownDoneEvent reports Disconnecting has finished releasing every
// resource (tunnel, obfuscator, routes, DNS, firewall as applicable).
type teardownDoneEvent struct{}

// healthProbeFailedEvent reports the Connected health prober missed its
// threshold (spec §4.1 "Periodically probe for tunnel health").
type healthProbeFailedEvent struct {
	err error
}

// reconnectDelayElapsedEvent reports that the exponential-backoff timer
// started after a Restartable Connecting failure has fired, so the queued
// Reconnect may now proceed (spec §4.1 "Retry policy: exponential backoff").
type reconnectDelayElapsedEvent struct{}

func (tunnelUpEvent) isEvent()              {}
func (tunnelDownEvent) isEvent()            {}
func (stepFailedEvent) isEvent()            {}
func (teardownDoneEvent) isEvent()          {}
func (healthProbeFailedEvent) isEvent()     {}
func (reconnectDelayElapsedEvent) isEvent() {}
