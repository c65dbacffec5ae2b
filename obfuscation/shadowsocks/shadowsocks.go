// Package shadowsocks implements the Shadowsocks obfuscator: each datagram
// is sealed under the configured AEAD cipher and password before being sent
// over UDP to the remote relay (spec §4.3 "Shadowsocks"). Framing follows
// the Shadowsocks AEAD-for-UDP construction: a random per-packet salt,
// followed by one sealed AEAD (or XChaCha20-Poly1305) chunk carrying the
// whole datagram as its plaintext, with an implicit all-zero nonce for the
// AEAD ciphers (the salt alone gives each packet a fresh subkey) and an
// explicit carried nonce for the XChaCha20 variant.
package shadowsocks

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/fenwick-labs/corevpn/internal/corelog"
	"github.com/fenwick-labs/corevpn/internal/corex"
	"github.com/fenwick-labs/corevpn/obfuscation"
)

var log = corelog.Tagged("shadowsocks")

const maxDatagram = 65507

// Config is the shared server-config structure every session is built
// from (spec §4.3 "Uses a shared context and server-config structure").
type Config struct {
	Cipher   Cipher
	Password string
}

// Obfuscator is the Shadowsocks variant of obfuscation.Obfuscator.
type Obfuscator struct {
	*obfuscation.Session

	cfg       Config
	masterKey []byte

	// lastClient is written by localToRemote and read by remoteToLocal, two
	// separate goroutines; it is held behind an atomic pointer rather than a
	// plain field.
	lastClient atomic.Pointer[net.UDPAddr]
}

// New binds a loopback session to remote and returns a Shadowsocks
// Obfuscator keyed on cfg's password.
func New(remote *net.UDPAddr, cfg Config, protector obfuscation.Protector) (*Obfuscator, error) {
	sess, err := obfuscation.NewSession(remote)
	if err != nil {
		return nil, err
	}
	if protector == nil {
		protector = obfuscation.NoopProtector{}
	}
	if err := protector.Protect(obfuscation.KindShadowsocks.String(), sess.RemoteConn()); err != nil {
		sess.Close()
		return nil, fmt.Errorf("shadowsocks: protecting remote socket: %w", err)
	}
	return &Obfuscator{
		Session:   sess,
		cfg:       cfg,
		masterKey: deriveMasterKey(cfg.Password, cfg.Cipher.keySize()),
	}, nil
}

func (o *Obfuscator) Kind() obfuscation.Kind { return obfuscation.KindShadowsocks }

// PacketOverhead is the cipher's salt plus AEAD tag (plus nonce, for
// XChaCha20) added to every forwarded datagram.
func (o *Obfuscator) PacketOverhead() uint16 { return uint16(o.cfg.Cipher.overhead()) }

func (o *Obfuscator) localConn() *net.UDPConn  { return o.Session.LocalUDPConn() }
func (o *Obfuscator) remoteConn() *net.UDPConn { return o.Session.RemoteUDPConn() }

// Run pumps datagrams in both directions, sealing on the way out to the
// relay and opening on the way back, until ctx is cancelled.
func (o *Obfuscator) Run(ctx context.Context) error {
	ctx = o.WithCancel(ctx)

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
	defer corex.Recover("shadowsocks: localToRemote")
	buf := make([]byte, maxDatagram)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, addr, err := o.localConn().ReadFromUDP(buf)
		if err != nil {
			reportErr(errc, err)
			return
		}
		o.lastClient.Store(addr)

		packet, err := o.seal(buf[:n])
		if err != nil {
			log.D("dropping outbound packet: %v", err)
			continue
		}
		if _, err := o.remoteConn().Write(packet); err != nil {
			reportErr(errc, err)
			return
		}
	}
}

func (o *Obfuscator) remoteToLocal(ctx context.Context, errc chan<- error) {
	defer corex.Recover("shadowsocks: remoteToLocal")
	buf := make([]byte, maxDatagram)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, err := o.remoteConn().Read(buf)
		if err != nil {
			reportErr(errc, err)
			return
		}
		plaintext, err := o.open(buf[:n])
		if err != nil {
			log.D("dropping inbound packet: %v", err)
			continue
		}
		client := o.lastClient.Load()
		if client == nil {
			log.D("dropping inbound packet: no client has sent yet")
			continue
		}
		if _, err := o.localConn().WriteToUDP(plaintext, client); err != nil {
			reportErr(errc, err)
			return
		}
	}
}

// seal derives a fresh subkey from a random salt and encrypts plaintext
// into one Shadowsocks UDP packet: salt || [nonce] || ciphertext||tag.
func (o *Obfuscator) seal(plaintext []byte) ([]byte, error) {
	salt := make([]byte, o.cfg.Cipher.saltSize())
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("shadowsocks: generating salt: %w", err)
	}
	key, err := subkey(o.masterKey, salt, o.cfg.Cipher.keySize())
	if err != nil {
		return nil, err
	}

	if o.cfg.Cipher == CipherXChaCha20Poly1305 {
		nonce := make([]byte, o.cfg.Cipher.nonceSize())
		if _, err := rand.Read(nonce); err != nil {
			return nil, fmt.Errorf("shadowsocks: generating nonce: %w", err)
		}
		sealed := sealXChaCha20(key, nonce, plaintext)
		out := make([]byte, 0, len(salt)+len(nonce)+len(sealed))
		out = append(out, salt...)
		out = append(out, nonce...)
		out = append(out, sealed...)
		return out, nil
	}

	aead, err := newAEAD(o.cfg.Cipher, key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	sealed := aead.Seal(nil, nonce, plaintext, nil)
	out := make([]byte, 0, len(salt)+len(sealed))
	out = append(out, salt...)
	out = append(out, sealed...)
	return out, nil
}

// open reverses seal: split salt, [nonce], and ciphertext, derive the same
// subkey, and decrypt.
func (o *Obfuscator) open(packet []byte) ([]byte, error) {
	saltSize := o.cfg.Cipher.saltSize()
	if len(packet) < saltSize {
		return nil, fmt.Errorf("shadowsocks: packet shorter than salt")
	}
	salt := packet[:saltSize]
	rest := packet[saltSize:]
	key, err := subkey(o.masterKey, salt, o.cfg.Cipher.keySize())
	if err != nil {
		return nil, err
	}

	if o.cfg.Cipher == CipherXChaCha20Poly1305 {
		nonceSize := o.cfg.Cipher.nonceSize()
		if len(rest) < nonceSize {
			return nil, fmt.Errorf("shadowsocks: packet shorter than nonce")
		}
		return openXChaCha20(key, rest[:nonceSize], rest[nonceSize:])
	}

	aead, err := newAEAD(o.cfg.Cipher, key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	return aead.Open(nil, nonce, rest, nil)
}

func reportErr(errc chan<- error, err error) {
	select {
	case errc <- err:
	default:
	}
}
