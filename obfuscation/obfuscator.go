// Package obfuscation implements the local UDP shims that sit between the
// tunnel and a remote relay, rewriting packets per a pluggable scheme so
// that tunnel traffic does not look like its underlying protocol on the
// wire (spec §4.3).
//
// Every variant (lwo, udp2tcp, shadowsocks, masque, multiplexer) implements
// the same Obfuscator contract, mirroring firestack's ipn.Proxy tagged-sum
// capability set: a caller that holds an Obfuscator never needs to know
// which variant it is.
package obfuscation

import (
	"context"
	"net"

	"github.com/fenwick-labs/corevpn/internal/corelog"
)

var log = corelog.Tagged("obfuscation")

// Obfuscator is the uniform capability set every variant exposes (spec §4.3
// "Responsibility"), grounded in firestack's `ipn.Proxy` interface
// (ID/Type/Dial/Status/Stop shape, generalized from proxying to packet
// rewriting).
type Obfuscator interface {
	// Kind identifies which variant this is, for logging and feature
	// indicators.
	Kind() Kind
	// Endpoint is the local UDP address the tunnel must send to.
	Endpoint() *net.UDPAddr
	// PacketOverhead is the number of bytes this obfuscator's framing adds
	// per datagram, used to adjust the tunnel's effective MTU.
	PacketOverhead() uint16
	// Run drives the two concurrent forwarding paths (local<->remote) until
	// ctx is cancelled or an unrecoverable I/O error occurs. Run returns
	// when the obfuscator has fully shut down.
	Run(ctx context.Context) error
	// RemoteConn optionally exposes the raw remote-side connection, used on
	// platforms that must exempt it from the tunnel for routing purposes
	// (spec §4.3: "a raw handle to the remote socket"). Returns nil if the
	// variant has no single remote socket to exempt (e.g. MASQUE, or a
	// Multiplexer that has not yet committed to a winner).
	RemoteConn() net.Conn
	// Close releases the obfuscator's sockets immediately. Run returns
	// shortly after Close is called even without ctx cancellation.
	Close() error
}

// Kind discriminates the five obfuscator variants (spec §4.3 "Variants").
type Kind int

const (
	KindLWO Kind = iota
	KindUDPOverTCP
	KindShadowsocks
	KindMASQUE
	KindMultiplexer
)

func (k Kind) String() string {
	switch k {
	case KindLWO:
		return "lwo"
	case KindUDPOverTCP:
		return "udp2tcp"
	case KindShadowsocks:
		return "shadowsocks"
	case KindMASQUE:
		return "masque"
	case KindMultiplexer:
		return "multiplexer"
	default:
		return "unknown"
	}
}

// RemoteEndpoint is the upstream relay address an obfuscator connects to.
type RemoteEndpoint struct {
	Addr      *net.UDPAddr
	PublicKey [32]byte // the WireGuard peer's public key, used by LWO's keying
}
