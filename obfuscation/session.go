package obfuscation

import (
	"context"
	"fmt"
	"net"
	"sync"
)

// Session owns an obfuscator's two UDP sockets (client-side bound to
// loopback, remote-side connected to the upstream relay) plus the
// cancellation token that tears both down. It is embedded by every variant
// that speaks raw UDP to the relay (spec §3 "Obfuscator session").
type Session struct {
	local  *net.UDPConn
	remote *net.UDPConn

	cancel context.CancelFunc
	once   sync.Once
}

// NewSession binds a loopback UDP socket (127.0.0.1:0, picking an ephemeral
// port per spec §4.1 "Obfuscator local endpoint") and dials remote.
func NewSession(remote *net.UDPAddr) (*Session, error) {
	local, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		return nil, fmt.Errorf("obfuscation: binding local socket: %w", err)
	}
	rconn, err := net.DialUDP("udp", nil, remote)
	if err != nil {
		local.Close()
		return nil, fmt.Errorf("obfuscation: dialing remote %s: %w", remote, err)
	}
	return &Session{local: local, remote: rconn}, nil
}

// Endpoint returns the local loopback address the tunnel should target.
func (s *Session) Endpoint() *net.UDPAddr {
	return s.local.LocalAddr().(*net.UDPAddr)
}

// LocalUDPConn exposes the bound loopback socket for variants that need to
// read/write raw UDP datagrams directly.
func (s *Session) LocalUDPConn() *net.UDPConn { return s.local }

// RemoteUDPConn exposes the connected upstream socket for variants that need
// to read/write raw UDP datagrams directly.
func (s *Session) RemoteUDPConn() *net.UDPConn { return s.remote }

// RemoteConn exposes the raw remote socket for platform-level VPN-routing
// exemption (spec §4.3's optional remote_fd capability).
func (s *Session) RemoteConn() net.Conn {
	return s.remote
}

// WithCancel derives a cancellable context bound to this session and
// remembers the cancel func so Close can invoke it.
func (s *Session) WithCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	return ctx
}

// Close cancels the session's context (if derived via WithCancel) and closes
// both sockets. Safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		if e := s.local.Close(); e != nil {
			err = e
		}
		if e := s.remote.Close(); e != nil && err == nil {
			err = e
		}
	})
	return err
}
