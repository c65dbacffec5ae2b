package state

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/fenwick-labs/corevpn/netsec"
)

// fakeNetSec records every ApplyPolicy/ResetPolicy call so tests can assert
// the leak-prevention ordering invariants (spec §8 invariants 1-3).
type fakeNetSec struct {
	mu      sync.Mutex
	history []netsec.Policy
	open    bool // true once ResetPolicy has been called without a later ApplyPolicy
}

func (f *fakeNetSec) ApplyPolicy(ctx context.Context, p netsec.Policy) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history = append(f.history, p)
	f.open = false
	return nil
}

func (f *fakeNetSec) ResetPolicy(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = true
	return nil
}

func (f *fakeNetSec) isOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeNetSec) last() (netsec.Policy, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.history) == 0 {
		return netsec.Policy{}, false
	}
	return f.history[len(f.history)-1], true
}

type fakeDNS struct{}

func (fakeDNS) Set(ctx context.Context, iface string, servers []net.IP) error { return nil }
func (fakeDNS) Reset(ctx context.Context) error                              { return nil }

type fakeRoutes struct{}

func (fakeRoutes) AddRoutes(ctx context.Context, routes []netsec.RequiredRoute) error { return nil }
func (fakeRoutes) ClearRoutes(ctx context.Context) error                             { return nil }
func (fakeRoutes) AddDefaultRouteChangeCallback(cb func()) (remove func())           { return func() {} }

type fakeTunHandle struct{ mtu int }

func (h *fakeTunHandle) MTU() int          { return h.mtu }
func (h *fakeTunHandle) IsConnected() bool { return true }
func (h *fakeTunHandle) Close() error      { return nil }

// fakeTunProvider succeeds immediately unless failN > 0, in which case the
// first failN calls fail (simulating handshake timeouts), and all
// subsequent calls succeed.
type fakeTunProvider struct {
	mu     sync.Mutex
	failN  int
	called int
}

func (p *fakeTunProvider) GetTun(ctx context.Context, cfg netsec.TunConfig) (netsec.TunHandle, error) {
	p.mu.Lock()
	p.called++
	n := p.called
	p.mu.Unlock()

	if n <= p.failN {
		return nil, errors.New("fake: handshake timeout")
	}
	return &fakeTunHandle{mtu: cfg.MTU}, nil
}

// fakeHealthProber never reports a failure; used so Connected's probe loop
// never fires a transition during tests that don't exercise it.
type fakeHealthProber struct{}

func (fakeHealthProber) Probe(ctx context.Context, gateway net.IP) error { return nil }
