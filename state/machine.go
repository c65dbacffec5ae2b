package state

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/jonboulle/clockwork"

	"github.com/fenwick-labs/corevpn/config"
	"github.com/fenwick-labs/corevpn/internal/corelog"
	"github.com/fenwick-labs/corevpn/internal/corex"
	"github.com/fenwick-labs/corevpn/netsec"
	"github.com/fenwick-labs/corevpn/obfuscation"
	"github.com/fenwick-labs/corevpn/relay"
)

var log = corelog.Tagged("state")

// SelectorFunc asks the relay selector for tunnel parameters. Injected so
// tests can stub selection without a real catalog (spec §4.1 "Connect
// ... query the selector").
type SelectorFunc func(q relay.Query) (*relay.TunnelParameters, error)

// Deps are the external collaborators and policy knobs the machine is wired
// to. NetSec, DNS, Routes and Tun are required. Selector may be nil when
// every Connect carries explicit Params. Clock, Config, Rand, Obfuscators
// and Health default to a real clock, config.Default(), a rand seeded with
// 1, DefaultObfuscatorFactory and an ICMPProber.
type Deps struct {
	NetSec      netsec.NetworkSecurity
	DNS         netsec.DnsMonitor
	Routes      netsec.RouteManager
	Tun         netsec.TunProvider
	Selector    SelectorFunc
	Obfuscators ObfuscatorFactory
	Health      HealthProber
	Clock       clockwork.Clock
	Config      *config.Config
	Rand        *rand.Rand
}

// Machine is the tunnel state machine (spec §4.1). It owns its state
// exclusively from a single goroutine; no lock guards TunnelState or
// SharedValues (spec §5 "no locks guard tunnel state").
type Machine struct {
	deps Deps

	cmds   chan Command
	events chan event
	trans  *corex.Broadcaster[Transition]

	shared  SharedValues
	cur     node
	attempt connAttempt

	// stalls counts recent Restartable Connecting failures per error
	// category within a rolling window, so repeated failures of the same
	// kind ("stalls") are visible in logs even though the retry budget
	// itself only tracks a flat attempt count.
	stalls *corex.ExpMap

	// curState is an atomic snapshot of the externally-visible TunnelState,
	// published alongside (never instead of) the broadcast so that a
	// subscriber racing the machine's own goroutine can still be handed
	// "at least the current state" (spec §6) without a lock on the
	// machine's internal node.
	curState atomic.Pointer[TunnelState]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// connAttempt is the working state of the in-flight (or most recent)
// connection attempt: the chosen parameters, the spawned obfuscator and TUN
// handle, and the retry budget. It is zeroed whenever Disconnecting
// finishes.
type connAttempt struct {
	params      *relay.TunnelParameters
	obfuscator  obfuscation.Obfuscator
	obfCancel   context.CancelFunc
	tun         netsec.TunHandle
	retries     *retryBudget
	probeCancel context.CancelFunc
}

// New constructs a Machine starting in Disconnected with the given initial
// lockdown/block-when-disconnected flags, and starts its event loop
// goroutine. Callers must call Close to stop it.
func New(deps Deps, initialLockdown, blockWhenDisconnected bool) *Machine {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Config == nil {
		deps.Config = config.Default()
	}
	if deps.Rand == nil {
		deps.Rand = rand.New(rand.NewSource(1))
	}
	if deps.Obfuscators == nil {
		deps.Obfuscators = DefaultObfuscatorFactory{}
	}
	if deps.Health == nil {
		deps.Health = &ICMPProber{MissThreshold: deps.Config.HealthProbeMissThreshold}
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Machine{
		deps:   deps,
		cmds:   make(chan Command, 32),
		events: make(chan event, 32),
		trans:  corex.NewBroadcaster[Transition](),
		shared: SharedValues{LockdownMode: initialLockdown, BlockWhenDisconnected: blockWhenDisconnected},
		stalls: corex.NewExpMap(),
		ctx:    ctx,
		cancel: cancel,
	}
	m.cur = &disconnectedNode{}
	initial := m.cur.enter(ctx, m)
	m.curState.Store(&initial)
	m.trans.Publish(Transition{State: initial})

	m.wg.Add(1)
	go m.run()
	return m
}

// Commands returns the channel callers send Command values on (spec §6
// "Command channel").
func (m *Machine) Commands() chan<- Command { return m.cmds }

// Subscribe registers a new TunnelStateTransition reader (spec §6 "Tunnel
// state subscription"). The current state is delivered immediately so late
// subscribers "see at least the current state".
func (m *Machine) Subscribe() (<-chan Transition, func()) {
	var replay []Transition
	if st := m.curState.Load(); st != nil {
		replay = append(replay, Transition{State: *st})
	}
	return m.trans.Subscribe(8, replay...)
}

// State returns an atomic snapshot of the externally-visible TunnelState
// without going through the subscription channel.
func (m *Machine) State() TunnelState {
	st := m.curState.Load()
	if st == nil {
		return nil
	}
	return *st
}

// Close stops the machine's event loop and releases its resources. It does
// not run Disconnecting's teardown sequence; callers that want a clean
// shutdown should send Disconnect and wait for Disconnected before Close.
func (m *Machine) Close() {
	m.cancel()
	m.wg.Wait()
	m.trans.Close()
}

func (m *Machine) run() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case cmd := <-m.cmds:
			m.applyCommand(cmd)
		case ev := <-m.events:
			m.advance(ev)
		}
	}
}

// applyCommand handles the shared-value mutations directly (spec §4.1:
// "if the change affects the currently applied firewall policy, reapply")
// and forwards transition-triggering commands to the active node.
func (m *Machine) applyCommand(cmd Command) {
	switch c := cmd.(type) {
	case SetAllowLAN:
		m.shared.AllowLAN = c.Allow
		m.reapplyPolicy()
	case SetDNS:
		m.shared.DNSServers = c.Servers
		m.reapplyPolicy()
	case SetLockdownMode:
		m.shared.LockdownMode = c.Enabled
		m.reapplyPolicy()
	case AllowEndpoint:
		m.shared.AllowedEndpoint = c.Endpoint
		m.reapplyPolicy()
	case SetExcludedApps:
		m.shared.ExcludedPaths = c.Paths
	default:
		m.advance(cmdEvent{c})
	}
}

// reapplyPolicy re-derives and re-applies the firewall policy for whichever
// steady state is currently active (Disconnected, Connected, Error); it is
// a no-op during the transient Connecting/Disconnecting states, whose
// entry actions already read the latest SharedValues.
func (m *Machine) reapplyPolicy() {
	switch n := m.cur.(type) {
	case *disconnectedNode:
		n.applyPolicy(m.ctx, m)
	case *connectedNode:
		n.applyPolicy(m.ctx, m)
	case *errorNode:
		_ = m.deps.NetSec.ApplyPolicy(m.ctx, m.shared.blockedPolicy())
	}
}

// advance feeds one event to the active node and, if it returns a different
// node, runs that node's entry actions and publishes the resulting
// transition (spec §6 "Broadcasts ... emitted exactly once per observed
// transition and in order").
func (m *Machine) advance(ev event) {
	next := m.cur.handle(m.ctx, m, ev)
	if next == m.cur {
		return
	}
	m.cur = next
	st := next.enter(m.ctx, m)
	m.curState.Store(&st)
	m.trans.Publish(Transition{State: st})
}

// post delivers an event from a background goroutine back onto the
// machine's own goroutine, preserving single-owner semantics.
func (m *Machine) post(ev event) {
	select {
	case m.events <- ev:
	case <-m.ctx.Done():
	}
}

// cmdEvent wraps a Connect/Disconnect/Reconnect/Block command so it can
// flow through the same node.handle contract as tunnel-monitor/timer events
// (spec §4.1 "handle an incoming event and return the next state").
type cmdEvent struct {
	cmd Command
}

func (cmdEvent) isEvent() {}
