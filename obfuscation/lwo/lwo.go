// Package lwo implements Lightweight WireGuard Obfuscation: a single-UDP-flow
// obfuscator that XORs each packet's fixed-length prefix against the peer's
// public key and flags the result with a random obfuscation bit (spec §4.3
// "LWO").
package lwo

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"

	"github.com/fenwick-labs/corevpn/internal/corelog"
	"github.com/fenwick-labs/corevpn/internal/corex"
	"github.com/fenwick-labs/corevpn/obfuscation"
)

var log = corelog.Tagged("lwo")

// WireGuard packet type bytes (spec §4.3).
const (
	typeInit        byte = 1
	typeResponse    byte = 2
	typeCookieReply byte = 3
	typeData        byte = 4
)

// prefixLen maps each recognized type byte to its fixed obfuscated-prefix
// length.
var prefixLen = map[byte]int{
	typeInit:        148,
	typeResponse:    92,
	typeCookieReply: 64,
	typeData:        32,
}

const obfuscationBit = 0x80 // MSB of the second byte flags an obfuscated packet

// Obfuscate rewrites pkt in place per spec §4.3: XOR the fixed prefix
// (indexed by pkt[0]'s packet type) against key, then stomp pkt[1] with a
// random byte whose MSB is set. Packets whose first byte isn't a recognized
// WireGuard type are passed through unmodified — obfuscate/deobfuscate is a
// no-op on unrelated bytes (spec §4.3 framing invariants), never an error.
// The only error this can return is a failure to draw the random flag byte.
func Obfuscate(pkt []byte, key [32]byte) ([]byte, error) {
	if len(pkt) == 0 {
		return pkt, nil
	}
	n, ok := prefixLen[pkt[0]]
	if !ok || len(pkt) < n {
		return pkt, nil
	}

	xorPrefix(pkt[:n], key)

	flag := make([]byte, 1)
	if _, err := rand.Read(flag); err != nil {
		return nil, fmt.Errorf("lwo: generating obfuscation flag: %w", err)
	}
	pkt[1] = flag[0] | obfuscationBit
	return pkt, nil
}

// Deobfuscate reverses Obfuscate: detects the obfuscation bit on pkt[1],
// XORs the prefix back with key to recover the true type byte, and zeroes
// pkt[1]. Packets without the obfuscation bit set, or whose xor'd prefix
// doesn't resolve to a recognized type, are passed through unmodified (spec
// §4.3 "For unrelated (non-WG) bytes ... a no-op").
func Deobfuscate(pkt []byte, key [32]byte) ([]byte, error) {
	if len(pkt) < 2 || pkt[1]&obfuscationBit == 0 {
		return pkt, nil
	}

	// The true type is hidden inside the xor'd prefix; probe each known
	// prefix length by trial-xoring byte 0 until a recognized type emerges.
	for typ, n := range prefixLen {
		if len(pkt) < n {
			continue
		}
		candidate := append([]byte(nil), pkt[:n]...)
		xorPrefix(candidate, key)
		if candidate[0] == typ {
			copy(pkt[:n], candidate)
			pkt[1] = 0
			return pkt, nil
		}
	}
	return pkt, nil
}

func xorPrefix(buf []byte, key [32]byte) {
	for i := range buf {
		buf[i] ^= key[i%len(key)]
	}
}

// Obfuscator is the LWO variant of obfuscation.Obfuscator.
type Obfuscator struct {
	*obfuscation.Session
	key       [32]byte
	overhead  uint16
	protector obfuscation.Protector
}

// New binds a loopback session to remote and returns an LWO Obfuscator keyed
// on the peer's public key. protector may be nil, in which case no
// VPN-routing exemption is attempted.
func New(remote *net.UDPAddr, peerPublicKey [32]byte, protector obfuscation.Protector) (*Obfuscator, error) {
	sess, err := obfuscation.NewSession(remote)
	if err != nil {
		return nil, err
	}
	if protector == nil {
		protector = obfuscation.NoopProtector{}
	}
	if err := protector.Protect(obfuscation.KindLWO.String(), sess.RemoteConn()); err != nil {
		sess.Close()
		return nil, fmt.Errorf("lwo: protecting remote socket: %w", err)
	}
	return &Obfuscator{Session: sess, key: peerPublicKey, protector: protector}, nil
}

func (o *Obfuscator) Kind() obfuscation.Kind { return obfuscation.KindLWO }

// PacketOverhead is zero: LWO rewrites bytes in place, it never grows the
// datagram (spec §4.3 lists no per-packet overhead for LWO).
func (o *Obfuscator) PacketOverhead() uint16 { return 0 }

// Run pumps datagrams in both directions, obfuscating on the way out to the
// relay and deobfuscating on the way back, until ctx is cancelled.
func (o *Obfuscator) Run(ctx context.Context) error {
	ctx = o.WithCancel(ctx)

	errc := make(chan error, 2)
	go o.forward(ctx, o.localConn(), o.remoteConn(), Obfuscate, errc)
	go o.forward(ctx, o.remoteConn(), o.localConn(), Deobfuscate, errc)

	select {
	case <-ctx.Done():
		o.Close()
		return nil
	case err := <-errc:
		o.Close()
		return err
	}
}

func (o *Obfuscator) localConn() *net.UDPConn  { return o.Session.LocalUDPConn() }
func (o *Obfuscator) remoteConn() *net.UDPConn { return o.Session.RemoteUDPConn() }

type transform func(pkt []byte, key [32]byte) ([]byte, error)

func (o *Obfuscator) forward(ctx context.Context, from, to *net.UDPConn, xf transform, errc chan<- error) {
	defer corex.Recover("lwo: forward")
	buf := make([]byte, 65535)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, _, err := from.ReadFromUDP(buf)
		if err != nil {
			select {
			case errc <- err:
			default:
			}
			return
		}

		out, err := xf(buf[:n], o.key)
		if err != nil {
			// xf only fails on a random-flag read failure, never on an
			// unrecognized type byte (those pass through unmodified); treat
			// it like any other fatal transport error.
			select {
			case errc <- err:
			default:
			}
			return
		}
		if _, err := to.Write(out); err != nil {
			select {
			case errc <- err:
			default:
			}
			return
		}
	}
}
