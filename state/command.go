package state

import (
	"net"

	"github.com/fenwick-labs/corevpn/relay"
)

// Command is one message on the command channel (spec §4.1 "Command
// surface", §6 "Command channel"). The machine applies commands strictly in
// the order they arrive; a command that arrives mid-transition waits behind
// whatever substep is in flight.
type Command interface {
	isCommand()
}

// Connect begins connecting. If Params is nil the machine queries the
// selector (Deps.Selector) using Query.
type Connect struct {
	Params *relay.TunnelParameters
	Query  relay.Query
}

// Disconnect tears the tunnel down if one is active.
type Disconnect struct{}

// Reconnect is equivalent to a Disconnect whose AfterDisconnect is
// AfterReconnect.
type Reconnect struct{}

// SetAllowLAN mutates the allow-LAN shared value; if this changes the
// currently applied firewall policy, it is reapplied.
type SetAllowLAN struct{ Allow bool }

// SetDNS mutates the DNS override shared value.
type SetDNS struct{ Servers []net.IP }

// SetLockdownMode mutates the lockdown-mode shared value.
type SetLockdownMode struct{ Enabled bool }

// AllowEndpoint mutates the allowed-endpoint (API) shared value.
type AllowEndpoint struct{ Endpoint *net.UDPAddr }

// SetExcludedApps is a split-tunnel update.
type SetExcludedApps struct{ Paths []string }

// Block forces the Error state with the given cause.
type Block struct{ Reason error }

func (Connect) isCommand()         {}
func (Disconnect) isCommand()      {}
func (Reconnect) isCommand()       {}
func (SetAllowLAN) isCommand()     {}
func (SetDNS) isCommand()          {}
func (SetLockdownMode) isCommand() {}
func (AllowEndpoint) isCommand()   {}
func (SetExcludedApps) isCommand() {}
func (Block) isCommand()           {}
