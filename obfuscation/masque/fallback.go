package masque

import (
	"context"
	"fmt"
	"net"

	"nhooyr.io/websocket"

	"github.com/fenwick-labs/corevpn/internal/corelog"
	"github.com/fenwick-labs/corevpn/internal/corex"
	"github.com/fenwick-labs/corevpn/obfuscation"
)

var fallbackLog = corelog.Tagged("masque-fallback")

// FallbackObfuscator is the PIPWS-style WebSocket fallback used when a
// relay advertises a bridge over WebSocket instead of exposing a raw
// UDP-over-TCP or QUIC MASQUE listener: each forwarded datagram becomes one
// binary WebSocket message, so (unlike udp2tcp) no length prefix is needed
// -- the WebSocket framing already delimits messages.
type FallbackObfuscator struct {
	local *net.UDPConn
	ws    *websocket.Conn
	url   string

	lastClient *net.UDPAddr
	cancel     context.CancelFunc
}

// NewFallback binds a loopback UDP socket and opens a WebSocket connection
// to the relay's bridge URL (wss://host:port/path).
func NewFallback(ctx context.Context, url string, protector obfuscation.Protector) (*FallbackObfuscator, error) {
	local, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		return nil, fmt.Errorf("masque-fallback: binding local socket: %w", err)
	}

	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		local.Close()
		return nil, fmt.Errorf("masque-fallback: dialing %s: %w", url, err)
	}
	ws.SetReadLimit(maxDatagram)

	return &FallbackObfuscator{local: local, ws: ws, url: url}, nil
}

func (o *FallbackObfuscator) Kind() obfuscation.Kind { return obfuscation.KindMASQUE }

func (o *FallbackObfuscator) Endpoint() *net.UDPAddr {
	return o.local.LocalAddr().(*net.UDPAddr)
}

// PacketOverhead is zero: WebSocket message framing carries its own length,
// no extra bytes are added to the payload itself.
func (o *FallbackObfuscator) PacketOverhead() uint16 { return 0 }

// RemoteConn is nil: nhooyr.io/websocket does not expose the underlying
// net.Conn once the handshake has completed.
func (o *FallbackObfuscator) RemoteConn() net.Conn { return nil }

func (o *FallbackObfuscator) Close() error {
	if o.cancel != nil {
		o.cancel()
	}
	err := o.local.Close()
	if werr := o.ws.Close(websocket.StatusNormalClosure, "closing"); err == nil {
		err = werr
	}
	return err
}

func (o *FallbackObfuscator) Run(ctx context.Context) error {
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

func (o *FallbackObfuscator) localToRemote(ctx context.Context, errc chan<- error) {
	defer corex.Recover("masque-fallback: localToRemote")
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
		o.lastClient = addr
		if err := o.ws.Write(ctx, websocket.MessageBinary, buf[:n]); err != nil {
			reportErr(errc, err)
			return
		}
	}
}

func (o *FallbackObfuscator) remoteToLocal(ctx context.Context, errc chan<- error) {
	defer corex.Recover("masque-fallback: remoteToLocal")
	for {
		typ, data, err := o.ws.Read(ctx)
		if err != nil {
			reportErr(errc, err)
			return
		}
		if typ != websocket.MessageBinary {
			fallbackLog.D("dropping non-binary websocket message")
			continue
		}
		if o.lastClient == nil {
			fallbackLog.D("dropping inbound datagram: no client has sent yet")
			continue
		}
		if _, err := o.local.WriteToUDP(data, o.lastClient); err != nil {
			reportErr(errc, err)
			return
		}
	}
}
