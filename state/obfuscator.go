package state

import (
	"context"
	"fmt"
	"net"

	"github.com/fenwick-labs/corevpn/obfuscation"
	"github.com/fenwick-labs/corevpn/obfuscation/lwo"
	"github.com/fenwick-labs/corevpn/obfuscation/masque"
	"github.com/fenwick-labs/corevpn/obfuscation/shadowsocks"
	"github.com/fenwick-labs/corevpn/obfuscation/udp2tcp"
	"github.com/fenwick-labs/corevpn/relay"
)

// ObfuscatorFactory spawns the obfuscator variant named by cfg, bound to
// remote, for the connection the state machine is bringing up (spec §4.1
// "Connecting" step 2: "if obfuscator requested, spawn it on loopback").
type ObfuscatorFactory interface {
	Spawn(ctx context.Context, cfg relay.ObfuscatorConfig, remote *net.UDPAddr, peerPublicKey [32]byte) (obfuscation.Obfuscator, error)
}

// DefaultObfuscatorFactory dispatches on relay.ObfuscationMode to the
// concrete variant package, the Go realization of the tagged-sum-of-
// capabilities pattern from spec §9 ("Obfuscators are modeled as values of
// a tagged sum ... behind the uniform capability set"). Shadowsocks/MASQUE
// credentials are account-wide client settings rather than catalog data, so
// they live on the factory itself instead of in relay.ObfuscatorConfig.
type DefaultObfuscatorFactory struct {
	Protector obfuscation.Protector

	ShadowsocksCipher   shadowsocks.Cipher
	ShadowsocksPassword string

	MasqueServerName string
}

func (f DefaultObfuscatorFactory) Spawn(ctx context.Context, cfg relay.ObfuscatorConfig, remote *net.UDPAddr, peerPublicKey [32]byte) (obfuscation.Obfuscator, error) {
	switch cfg.Mode {
	case relay.ObfuscationOff, relay.ObfuscationAny:
		return nil, nil
	case relay.ObfuscationLWO:
		return lwoObfuscatorFor(remote, peerPublicKey, f.Protector)
	case relay.ObfuscationUDPOverTCP:
		tcpRemote := &net.TCPAddr{IP: remote.IP, Port: remote.Port}
		return udp2tcp.New(tcpRemote, f.Protector)
	case relay.ObfuscationShadowsocks:
		ssRemote := &net.UDPAddr{IP: remote.IP, Port: int(cfg.Port)}
		return shadowsocks.New(ssRemote, shadowsocks.Config{
			Cipher:   f.ShadowsocksCipher,
			Password: f.ShadowsocksPassword,
		}, f.Protector)
	case relay.ObfuscationQUIC:
		masqueRemote := &net.UDPAddr{IP: remote.IP, Port: int(cfg.Port)}
		return masque.New(ctx, masqueRemote, remote.IP.String(), cfg.Port, masque.Config{
			ServerName: f.MasqueServerName,
		}, f.Protector)
	default:
		return nil, fmt.Errorf("state: unknown obfuscation mode %v", cfg.Mode)
	}
}

// lwoObfuscatorFor spawns the LWO obfuscator (spec §4.3 "LWO"), keyed by the
// selected peer's public key rather than by a port drawn from the catalog,
// unlike every other obfuscator variant.
func lwoObfuscatorFor(remote *net.UDPAddr, peerPublicKey [32]byte, protector obfuscation.Protector) (obfuscation.Obfuscator, error) {
	return lwo.New(remote, peerPublicKey, protector)
}
