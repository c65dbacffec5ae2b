// Package udp2tcp implements the UDP-over-TCP obfuscator: each datagram is
// wrapped in a 2-byte big-endian length prefix and sent over a single
// persistent TCP connection to the remote relay's obfuscation port (spec
// §4.3 "UDP-over-TCP (udp2tcp)").
package udp2tcp

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync/atomic"

	"github.com/fenwick-labs/corevpn/internal/corelog"
	"github.com/fenwick-labs/corevpn/internal/corex"
	"github.com/fenwick-labs/corevpn/obfuscation"
)

var log = corelog.Tagged("udp2tcp")

// lengthPrefixOverhead is the 2-byte framing overhead per datagram (spec
// §4.3: "Overhead = 2 bytes + TCP framing").
const lengthPrefixOverhead = 2

const maxDatagram = 65507

// Obfuscator is the udp2tcp variant of obfuscation.Obfuscator.
type Obfuscator struct {
	local  *net.UDPConn
	remote *net.TCPConn

	// lastClient is written by localToRemote and read by remoteToLocal, two
	// separate goroutines; it is held behind an atomic pointer rather than a
	// plain field.
	lastClient atomic.Pointer[net.UDPAddr]
	cancel     context.CancelFunc
}

// New binds a loopback UDP socket and opens a persistent TCP connection to
// remote.
func New(remote *net.TCPAddr, protector obfuscation.Protector) (*Obfuscator, error) {
	local, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		return nil, fmt.Errorf("udp2tcp: binding local socket: %w", err)
	}
	rconn, err := net.DialTCP("tcp", nil, remote)
	if err != nil {
		local.Close()
		return nil, fmt.Errorf("udp2tcp: dialing remote %s: %w", remote, err)
	}

	if protector == nil {
		protector = obfuscation.NoopProtector{}
	}
	if err := protector.Protect(obfuscation.KindUDPOverTCP.String(), rconn); err != nil {
		local.Close()
		rconn.Close()
		return nil, fmt.Errorf("udp2tcp: protecting remote socket: %w", err)
	}

	return &Obfuscator{local: local, remote: rconn}, nil
}

func (o *Obfuscator) Kind() obfuscation.Kind { return obfuscation.KindUDPOverTCP }

func (o *Obfuscator) Endpoint() *net.UDPAddr {
	return o.local.LocalAddr().(*net.UDPAddr)
}

func (o *Obfuscator) PacketOverhead() uint16 { return lengthPrefixOverhead }

func (o *Obfuscator) RemoteConn() net.Conn { return o.remote }

func (o *Obfuscator) Close() error {
	if o.cancel != nil {
		o.cancel()
	}
	err := o.local.Close()
	if rerr := o.remote.Close(); err == nil {
		err = rerr
	}
	return err
}

// Run pumps datagrams bidirectionally, framing each with a 2-byte length
// prefix on the TCP side, until ctx is cancelled.
func (o *Obfuscator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	errc := make(chan error, 2)
	go o.localToRemote(ctx, errc)
	go o.remoteToLocal(ctx, errc)

	select {
	case <-ctx.Done():
		o.Close()
		return nil
	case err := <-errc:
		o.Close()
		return err
	}
}

func (o *Obfuscator) localToRemote(ctx context.Context, errc chan<- error) {
	defer corex.Recover("udp2tcp: localToRemote")
	buf := make([]byte, maxDatagram)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, addr, err := o.local.ReadFromUDP(buf)
		if err != nil {
			reportErr(errc, err)
			return
		}
		o.lastClient.Store(addr)

		frame := encodeFrame(buf[:n])
		if _, err := o.remote.Write(frame); err != nil {
			reportErr(errc, err)
			return
		}
	}
}

func (o *Obfuscator) remoteToLocal(ctx context.Context, errc chan<- error) {
	defer corex.Recover("udp2tcp: remoteToLocal")
	hdr := make([]byte, lengthPrefixOverhead)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if _, err := io.ReadFull(o.remote, hdr); err != nil {
			reportErr(errc, err)
			return
		}
		n := binary.BigEndian.Uint16(hdr)
		body := make([]byte, n)
		if _, err := io.ReadFull(o.remote, body); err != nil {
			reportErr(errc, err)
			return
		}
		client := o.lastClient.Load()
		if client == nil {
			log.D("dropping datagram: no client has sent yet")
			continue
		}
		if _, err := o.local.WriteToUDP(body, client); err != nil {
			reportErr(errc, err)
			return
		}
	}
}

// encodeFrame prepends payload with its 2-byte big-endian length (spec §4.3
// "wraps each datagram in a 2-byte big-endian length prefix").
func encodeFrame(payload []byte) []byte {
	frame := make([]byte, lengthPrefixOverhead+len(payload))
	binary.BigEndian.PutUint16(frame, uint16(len(payload)))
	copy(frame[lengthPrefixOverhead:], payload)
	return frame
}

func reportErr(errc chan<- error, err error) {
	select {
	case errc <- err:
	default:
	}
}
