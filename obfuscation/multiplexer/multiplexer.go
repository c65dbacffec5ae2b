// Package multiplexer implements the racing-transport obfuscator: it holds
// an ordered list of candidate transports (direct UDP or any other
// obfuscator) and, on the first local datagram, broadcasts to every
// currently-spawned candidate while spawning a new one every second in
// priority order, until one candidate's remote side answers first. That
// candidate becomes the committed transport; the rest are aborted (spec
// §4.3 "Multiplexer (racing transport)").
package multiplexer

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/fenwick-labs/corevpn/internal/corelog"
	"github.com/fenwick-labs/corevpn/internal/corex"
	"github.com/fenwick-labs/corevpn/obfuscation"
)

var log = corelog.Tagged("multiplexer")

// spawnInterval is how often a new candidate is brought online while none
// has yet won the race (spec "A new candidate is spawned every 1s in
// priority order").
const spawnInterval = 1 * time.Second

const maxDatagram = 65507

// ErrNoTransportSucceeded is returned when every candidate has been spawned
// and none ever answered (spec §9 edge case: "reports ErrNoTransportSucceeded
// upstream, surfaced as an ObfuscatorError (Restartable)").
var ErrNoTransportSucceeded = errors.New("multiplexer: no candidate transport answered")

// Candidate is one racing transport: a spawn function building a live
// obfuscator to some remote. The multiplexer reaches each candidate through
// that obfuscator's own loopback Endpoint.
type Candidate struct {
	Name  string
	Spawn func(ctx context.Context) (obfuscation.Obfuscator, error)
}

// Obfuscator is the Multiplexer variant of obfuscation.Obfuscator. Unlike
// the other variants it has no single remote socket of its own: once a
// candidate wins, the multiplexer forwards directly between the local
// client socket and the winner's own endpoint.
type Obfuscator struct {
	candidates []Candidate
	clock      clockwork.Clock

	local  *net.UDPConn
	winner obfuscation.Obfuscator

	// lastClient is written by forwardToWinner and read by
	// forwardFromWinner, two separate goroutines; it is held behind an
	// atomic pointer rather than a plain field.
	lastClient atomic.Pointer[net.UDPAddr]
	cancel     context.CancelFunc
}

// New binds a loopback UDP socket the tunnel will send to, racing
// candidates (in order) once the first datagram arrives.
func New(candidates []Candidate, clock clockwork.Clock) (*Obfuscator, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	local, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		return nil, err
	}
	return &Obfuscator{candidates: candidates, clock: clock, local: local}, nil
}

func (o *Obfuscator) Kind() obfuscation.Kind { return obfuscation.KindMultiplexer }

func (o *Obfuscator) Endpoint() *net.UDPAddr {
	return o.local.LocalAddr().(*net.UDPAddr)
}

// PacketOverhead reports the winning candidate's overhead once known, else
// zero -- the multiplexer itself adds no framing of its own.
func (o *Obfuscator) PacketOverhead() uint16 {
	if o.winner != nil {
		return o.winner.PacketOverhead()
	}
	return 0
}

// RemoteConn exposes the winning candidate's remote connection, if any; nil
// before a winner is decided.
func (o *Obfuscator) RemoteConn() net.Conn {
	if o.winner != nil {
		return o.winner.RemoteConn()
	}
	return nil
}

func (o *Obfuscator) Close() error {
	if o.cancel != nil {
		o.cancel()
	}
	err := o.local.Close()
	if o.winner != nil {
		if werr := o.winner.Close(); err == nil {
			err = werr
		}
	}
	return err
}

// Run waits for the first local datagram, races the candidates, and once
// one wins, forwards every subsequent datagram directly to/from it.
func (o *Obfuscator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	defer o.Close()

	buf := make([]byte, maxDatagram)
	n, addr, err := o.local.ReadFromUDP(buf)
	if err != nil {
		return err
	}
	first := append([]byte(nil), buf[:n]...)
	o.lastClient.Store(addr)

	winner, winnerConn, err := o.race(ctx, first)
	if err != nil {
		return err
	}
	o.winner = winner
	log.I("multiplexer: committed to %s", winner.Kind())

	errc := make(chan error, 2)
	go o.forwardToWinner(ctx, winnerConn, errc)
	go o.forwardFromWinner(ctx, winnerConn, errc)

	select {
	case <-ctx.Done():
		return nil
	case err := <-errc:
		return err
	}
}

// race spawns each candidate in priority order, one per spawnInterval,
// broadcasting the first datagram to every spawned candidate, until one's
// remote side answers (signalled by a successful Run-internal Obfuscator,
// detected here by probing the candidate's own loopback endpoint for a
// reply before committing).
func (o *Obfuscator) race(ctx context.Context, first []byte) (obfuscation.Obfuscator, *net.UDPConn, error) {
	type spawned struct {
		obf   obfuscation.Obfuscator
		conn  *net.UDPConn
		reply []byte // the candidate's first answer, read by its race probe
	}
	var live []spawned
	ticker := o.clock.NewTicker(spawnInterval)
	defer ticker.Stop()

	winc := make(chan spawned, len(o.candidates))
	next := 0

	trySpawn := func() {
		if next >= len(o.candidates) {
			return
		}
		c := o.candidates[next]
		next++
		obf, err := c.Spawn(ctx)
		if err != nil {
			log.D("multiplexer: candidate %s failed to spawn: %v", c.Name, err)
			return
		}
		go func() {
			defer corex.Recover("multiplexer: candidate.Run")
			_ = obf.Run(ctx)
		}()
		conn, err := net.DialUDP("udp", nil, obf.Endpoint())
		if err != nil {
			obf.Close()
			return
		}
		if _, err := conn.Write(first); err != nil {
			obf.Close()
			conn.Close()
			return
		}
		live = append(live, spawned{obf: obf, conn: conn})
		go func(s spawned) {
			defer corex.Recover("multiplexer: race probe")
			reply := make([]byte, maxDatagram)
			n, err := s.conn.Read(reply)
			if err != nil {
				return
			}
			s.reply = reply[:n]
			select {
			case winc <- s:
			default:
			}
		}(spawned{obf: obf, conn: conn})
	}

	// exhaustedTicks counts spawn-interval ticks observed after every
	// candidate has been spawned. Once every candidate is live but none has
	// answered within one further spawnInterval, the race is abandoned
	// instead of blocking forever (spec §9 open question: "recommend
	// reporting NoTransportSucceeded upstream").
	exhaustedTicks := 0
	const maxExhaustedTicks = 1

	trySpawn()
	for {
		select {
		case <-ctx.Done():
			for _, s := range live {
				s.obf.Close()
				s.conn.Close()
			}
			return nil, nil, ctx.Err()
		case w := <-winc:
			for _, s := range live {
				if s.obf != w.obf {
					s.obf.Close()
					s.conn.Close()
				}
			}
			// The probe consumed the winner's first answer; hand it to the
			// client so the forwarding loops only carry what follows.
			if client := o.lastClient.Load(); client != nil {
				if _, err := o.local.WriteToUDP(w.reply, client); err != nil {
					w.obf.Close()
					w.conn.Close()
					return nil, nil, err
				}
			}
			return w.obf, w.conn, nil
		case <-ticker.Chan():
			if next >= len(o.candidates) {
				exhaustedTicks++
				if len(live) == 0 || exhaustedTicks > maxExhaustedTicks {
					for _, s := range live {
						s.obf.Close()
						s.conn.Close()
					}
					return nil, nil, ErrNoTransportSucceeded
				}
				continue
			}
			trySpawn()
		}
	}
}

func (o *Obfuscator) forwardToWinner(ctx context.Context, winnerConn *net.UDPConn, errc chan<- error) {
	defer corex.Recover("multiplexer: forwardToWinner")
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
		if _, err := winnerConn.Write(buf[:n]); err != nil {
			reportErr(errc, err)
			return
		}
	}
}

func (o *Obfuscator) forwardFromWinner(ctx context.Context, winnerConn *net.UDPConn, errc chan<- error) {
	defer corex.Recover("multiplexer: forwardFromWinner")
	buf := make([]byte, maxDatagram)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, err := winnerConn.Read(buf)
		if err != nil {
			reportErr(errc, err)
			return
		}
		client := o.lastClient.Load()
		if client == nil {
			continue
		}
		if _, err := o.local.WriteToUDP(buf[:n], client); err != nil {
			reportErr(errc, err)
			return
		}
	}
}

func reportErr(errc chan<- error, err error) {
	select {
	case errc <- err:
	default:
	}
}
