package state

import (
	"net"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/fenwick-labs/corevpn/config"
	"github.com/fenwick-labs/corevpn/netsec"
	"github.com/fenwick-labs/corevpn/relay"
)

func testParams() *relay.TunnelParameters {
	exit := relay.Relay{
		Hostname:   "se1-wireguard",
		IPv4AddrIn: net.ParseIP("185.0.0.1"),
		Weight:     1,
		Active:     true,
		Location:   relay.Location{Country: "se"},
	}
	return &relay.TunnelParameters{
		Protocol: relay.ProtocolWireguard,
		Exit:     exit,
		Endpoint: &net.UDPAddr{IP: net.ParseIP("185.0.0.1"), Port: 51820},
		ExitPeer: &relay.WireguardPeer{PublicKey: [32]byte{1, 2, 3}},
		MTU:      1380,
	}
}

func newTestMachine(t *testing.T, netSec *fakeNetSec, tun *fakeTunProvider, cfg *config.Config, lockdown bool) *Machine {
	t.Helper()
	m, _ := newTestMachineWithClock(t, netSec, tun, cfg, lockdown)
	return m
}

func newTestMachineWithClock(t *testing.T, netSec *fakeNetSec, tun *fakeTunProvider, cfg *config.Config, lockdown bool) (*Machine, clockwork.FakeClock) {
	t.Helper()
	if cfg == nil {
		cfg = config.Default()
		cfg.DisconnectTimeout = time.Second
	}
	clock := clockwork.NewFakeClock()
	m := New(Deps{
		NetSec: netSec,
		DNS:    fakeDNS{},
		Routes: fakeRoutes{},
		Tun:    tun,
		Health: fakeHealthProber{},
		Clock:  clock,
		Config: cfg,
	}, lockdown, false)
	t.Cleanup(m.Close)
	return m, clock
}

func waitForState(t *testing.T, ch <-chan Transition, kind Kind, timeout time.Duration) TunnelState {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case tr := <-ch:
			if tr.State.Kind() == kind {
				return tr.State
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state kind %v", kind)
			return nil
		}
	}
}

// Scenario A -- clean connect: Disconnected -> Connecting -> Connected, no
// other transitions.
func TestCleanConnect(t *testing.T) {
	netSec := &fakeNetSec{}
	tun := &fakeTunProvider{}
	m := newTestMachine(t, netSec, tun, nil, false)

	sub, unsub := m.Subscribe()
	defer unsub()
	waitForState(t, sub, KindDisconnected, time.Second)

	m.Commands() <- Connect{Params: testParams()}

	waitForState(t, sub, KindConnecting, time.Second)
	waitForState(t, sub, KindConnected, time.Second)

	last, ok := netSec.last()
	require.True(t, ok)
	require.Equal(t, 2, len(netSec.history)) // connecting policy, then connected policy
	require.Equal(t, netsec.PolicyConnected, last.Kind)
}

// Scenario B -- lockdown disconnected: the initial transition reports
// locked_down=true and the firewall starts in a blocking policy.
func TestLockdownDisconnectedInitialTransition(t *testing.T) {
	netSec := &fakeNetSec{}
	tun := &fakeTunProvider{}
	m := New(Deps{
		NetSec: netSec,
		DNS:    fakeDNS{},
		Routes: fakeRoutes{},
		Tun:    tun,
		Health: fakeHealthProber{},
		Clock:  clockwork.NewFakeClock(),
		Config: config.Default(),
	}, true, false)
	defer m.Close()

	sub, unsub := m.Subscribe()
	defer unsub()

	st := waitForState(t, sub, KindDisconnected, time.Second)
	dc, ok := st.(Disconnected)
	require.True(t, ok)
	require.True(t, dc.LockedDown)
	require.False(t, netSec.isOpen())
}

// Scenario F -- tunnel failure with retry budget: three consecutive
// handshake timeouts during Connecting, budget=2, observed transitions
// Disconnected -> Connecting -> Disconnecting{Reconnect} -> Connecting ->
// Disconnecting{Block} -> Error.
func TestTunnelFailureRetryBudget(t *testing.T) {
	netSec := &fakeNetSec{}
	tun := &fakeTunProvider{failN: 3}
	cfg := config.Default()
	cfg.MaxConnectRetries = 2
	cfg.DisconnectTimeout = time.Second
	m, clock := newTestMachineWithClock(t, netSec, tun, cfg, false)

	sub, unsub := m.Subscribe()
	defer unsub()
	waitForState(t, sub, KindDisconnected, time.Second)

	m.Commands() <- Connect{Params: testParams()}

	waitForState(t, sub, KindConnecting, time.Second)
	st := waitForState(t, sub, KindDisconnecting, time.Second)
	dcing, ok := st.(Disconnecting)
	require.True(t, ok)
	reconnect, isReconnect := dcing.After.(AfterReconnect)
	require.True(t, isReconnect, "first failure should lead to Reconnect")
	require.Greater(t, reconnect.Delay, time.Duration(0), "retry-driven reconnect should carry a backoff delay")

	// The exponential-backoff timer is honored before the next Connecting
	// attempt starts (spec §4.1 "Retry policy: exponential backoff"): wait
	// for the Disconnecting node to register its timer, then advance the
	// fake clock past it.
	clock.BlockUntil(1)
	clock.Advance(reconnect.Delay)

	waitForState(t, sub, KindConnecting, time.Second)
	st = waitForState(t, sub, KindDisconnecting, time.Second)
	dcing, ok = st.(Disconnecting)
	require.True(t, ok)
	_, isBlock := dcing.After.(AfterBlock)
	require.True(t, isBlock, "second failure should exhaust the retry budget and block")

	waitForState(t, sub, KindError, time.Second)
}

// Invariant 2/3 (spec §8): the firewall is never open while the machine is
// in Connecting, Connected, Disconnecting, or Error.
func TestFirewallNeverOpenOutsideDisconnected(t *testing.T) {
	netSec := &fakeNetSec{}
	tun := &fakeTunProvider{}
	m := newTestMachine(t, netSec, tun, nil, false)

	sub, unsub := m.Subscribe()
	defer unsub()
	waitForState(t, sub, KindDisconnected, time.Second)

	m.Commands() <- Connect{Params: testParams()}
	waitForState(t, sub, KindConnecting, time.Second)
	require.False(t, netSec.isOpen())
	waitForState(t, sub, KindConnected, time.Second)
	require.False(t, netSec.isOpen())

	m.Commands() <- Disconnect{}
	waitForState(t, sub, KindDisconnecting, time.Second)
	waitForState(t, sub, KindDisconnected, time.Second)
}
