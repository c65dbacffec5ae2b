// Package masque implements the MASQUE obfuscator: CONNECT-UDP proxying
// over HTTP/3 (spec §4.3 "MASQUE (CONNECT-UDP over HTTP/3)"). A QUIC
// connection with TLS 1.3 is established to the relay, an extended-CONNECT
// request opens a UDP-proxying stream, and each forwarded datagram rides a
// QUIC datagram frame prefixed by a varint context-id (always 0, since one
// obfuscator instance proxies exactly one UDP flow). Datagrams too large
// for the path's QUIC MTU are split into 2-byte-fragment-id chunks that the
// relay reassembles.
package masque

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/quic-go/quic-go"

	"github.com/fenwick-labs/corevpn/internal/corelog"
	"github.com/fenwick-labs/corevpn/internal/corex"
	"github.com/fenwick-labs/corevpn/obfuscation"
)

var log = corelog.Tagged("masque")

// udpProxyContextID is the single CONNECT-UDP context id this obfuscator
// ever uses; it multiplexes exactly one UDP flow per QUIC connection.
const udpProxyContextID = 0

// maxFragmentPayload keeps each QUIC datagram comfortably under a
// conservative path MTU once the context-id varint and fragment header are
// accounted for.
const maxFragmentPayload = 1200

const maxDatagram = 65507

// Config carries the TLS parameters for the relay's MASQUE endpoint.
type Config struct {
	ServerName         string
	InsecureSkipVerify bool
}

// Obfuscator is the MASQUE variant of obfuscation.Obfuscator.
type Obfuscator struct {
	local *net.UDPConn
	pconn net.PacketConn
	qconn quic.Connection
	ctrl  quic.Stream

	lastClient *net.UDPAddr

	reassembly struct {
		sync.Mutex
		parts map[uint16][][]byte
		total map[uint16]int
	}

	cancel context.CancelFunc
}

// New binds a loopback UDP socket for the tunnel side, dials a QUIC
// connection to remote over a protectable UDP socket, and issues the
// CONNECT-UDP handshake for host:port (the WireGuard relay's own address,
// per spec "CONNECT /.well-known/masque/udp/{host}/{port}/").
func New(ctx context.Context, remote *net.UDPAddr, host string, port uint16, cfg Config, protector obfuscation.Protector) (*Obfuscator, error) {
	local, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		return nil, fmt.Errorf("masque: binding local socket: %w", err)
	}

	pconn, err := net.ListenUDP("udp", nil)
	if err != nil {
		local.Close()
		return nil, fmt.Errorf("masque: binding quic socket: %w", err)
	}
	if protector == nil {
		protector = obfuscation.NoopProtector{}
	}
	if err := protector.Protect(obfuscation.KindMASQUE.String(), pconn); err != nil {
		local.Close()
		pconn.Close()
		return nil, fmt.Errorf("masque: protecting quic socket: %w", err)
	}

	sni := cfg.ServerName
	if sni == "" {
		sni = host
	}
	tlsConf := &tls.Config{
		ServerName:         sni,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		NextProtos:         []string{"h3"},
		MinVersion:         tls.VersionTLS13,
	}
	qconf := &quic.Config{EnableDatagrams: true}

	qconn, err := quic.Dial(ctx, pconn, remote, tlsConf, qconf)
	if err != nil {
		local.Close()
		pconn.Close()
		return nil, fmt.Errorf("masque: dialing quic %s: %w", remote, err)
	}

	ctrl, err := qconn.OpenStreamSync(ctx)
	if err != nil {
		local.Close()
		qconn.CloseWithError(0, "handshake failed")
		return nil, fmt.Errorf("masque: opening control stream: %w", err)
	}
	if err := connectUDPHandshake(ctrl, host, port); err != nil {
		local.Close()
		qconn.CloseWithError(0, "handshake failed")
		return nil, err
	}

	o := &Obfuscator{local: local, pconn: pconn, qconn: qconn, ctrl: ctrl}
	o.reassembly.parts = make(map[uint16][][]byte)
	o.reassembly.total = make(map[uint16]int)
	return o, nil
}

// connectUDPHandshake issues the extended-CONNECT request line and reads
// back the relay's response, expecting a 200 status (spec "Expect 200").
func connectUDPHandshake(ctrl quic.Stream, host string, port uint16) error {
	req := fmt.Sprintf("CONNECT /.well-known/masque/udp/%s/%d/ HTTP/3\r\n:protocol: connect-udp\r\nCapsule-Protocol: ?1\r\n\r\n", host, port)
	if _, err := ctrl.Write([]byte(req)); err != nil {
		return fmt.Errorf("masque: writing CONNECT-UDP request: %w", err)
	}

	status := make([]byte, 128)
	n, err := ctrl.Read(status)
	if err != nil && err != io.EOF {
		return fmt.Errorf("masque: reading CONNECT-UDP response: %w", err)
	}
	if !bytes.Contains(status[:n], []byte("200")) {
		return fmt.Errorf("masque: relay rejected CONNECT-UDP: %q", status[:n])
	}
	return nil
}

func (o *Obfuscator) Kind() obfuscation.Kind { return obfuscation.KindMASQUE }

func (o *Obfuscator) Endpoint() *net.UDPAddr {
	return o.local.LocalAddr().(*net.UDPAddr)
}

// PacketOverhead is the worst case of one context-id varint byte plus the
// 3-byte fragment header every chunk carries.
func (o *Obfuscator) PacketOverhead() uint16 { return 4 }

// RemoteConn exposes nil: the QUIC socket was already protected at dial
// time in New, and quic.Connection does not hand back its underlying
// net.PacketConn for a second exemption pass.
func (o *Obfuscator) RemoteConn() net.Conn { return nil }

func (o *Obfuscator) Close() error {
	if o.cancel != nil {
		o.cancel()
	}
	err := o.local.Close()
	o.qconn.CloseWithError(0, "closing")
	if perr := o.pconn.Close(); err == nil {
		err = perr
	}
	return err
}

// Run pumps datagrams bidirectionally between the local loopback socket and
// the QUIC connection's datagram channel until ctx is cancelled.
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
	defer corex.Recover("masque: localToRemote")
	buf := make([]byte, maxDatagram)
	var fragID uint16
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
		o.lastClient = addr

		if err := o.sendFragmented(buf[:n], fragID); err != nil {
			reportErr(errc, err)
			return
		}
		fragID++
	}
}

// sendFragmented splits payload into chunks no larger than
// maxFragmentPayload and sends each as its own QUIC datagram, framed as:
// varint(context-id) || fragID(2) || seq(1, high bit set on the last chunk)
// || chunk.
func (o *Obfuscator) sendFragmented(payload []byte, fragID uint16) error {
	chunks := chunk(payload, maxFragmentPayload)
	for i, c := range chunks {
		seq := byte(i)
		if i == len(chunks)-1 {
			seq |= 0x80
		}
		frame := make([]byte, 0, 1+2+1+len(c))
		frame = append(frame, udpProxyContextID)
		var hdr [2]byte
		binary.BigEndian.PutUint16(hdr[:], fragID)
		frame = append(frame, hdr[:]...)
		frame = append(frame, seq)
		frame = append(frame, c...)
		if err := o.qconn.SendDatagram(frame); err != nil {
			return fmt.Errorf("masque: sending datagram: %w", err)
		}
	}
	return nil
}

func chunk(b []byte, size int) [][]byte {
	if len(b) == 0 {
		return [][]byte{b}
	}
	var out [][]byte
	for len(b) > 0 {
		n := size
		if n > len(b) {
			n = len(b)
		}
		out = append(out, b[:n])
		b = b[n:]
	}
	return out
}

func (o *Obfuscator) remoteToLocal(ctx context.Context, errc chan<- error) {
	defer corex.Recover("masque: remoteToLocal")
	for {
		frame, err := o.qconn.ReceiveDatagram(ctx)
		if err != nil {
			reportErr(errc, err)
			return
		}
		if len(frame) < 4 || frame[0] != udpProxyContextID {
			log.D("dropping datagram: unexpected context id")
			continue
		}
		fragID := binary.BigEndian.Uint16(frame[1:3])
		seq := frame[3]
		last := seq&0x80 != 0
		seq &^= 0x80
		payload, complete := o.reassemble(fragID, int(seq), last, frame[4:])
		if !complete {
			continue
		}
		if o.lastClient == nil {
			log.D("dropping inbound datagram: no client has sent yet")
			continue
		}
		if _, err := o.local.WriteToUDP(payload, o.lastClient); err != nil {
			reportErr(errc, err)
			return
		}
	}
}

// reassemble accumulates fragments for fragID until the chunk flagged
// `last` has arrived, then concatenates them in sequence order.
func (o *Obfuscator) reassemble(fragID uint16, seq int, last bool, part []byte) ([]byte, bool) {
	o.reassembly.Lock()
	defer o.reassembly.Unlock()

	parts := o.reassembly.parts[fragID]
	for len(parts) <= seq {
		parts = append(parts, nil)
	}
	parts[seq] = part
	o.reassembly.parts[fragID] = parts
	if last {
		o.reassembly.total[fragID] = seq + 1
	}

	want, haveTotal := o.reassembly.total[fragID]
	if !haveTotal || len(parts) < want {
		return nil, false
	}
	for _, p := range parts[:want] {
		if p == nil {
			return nil, false
		}
	}
	delete(o.reassembly.parts, fragID)
	delete(o.reassembly.total, fragID)

	var out []byte
	for _, p := range parts[:want] {
		out = append(out, p...)
	}
	return out, true
}

func reportErr(errc chan<- error, err error) {
	select {
	case errc <- err:
	default:
	}
}
