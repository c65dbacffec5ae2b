package obfuscation

import (
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// Protector exempts an obfuscator's remote-side socket from the tunnel's own
// routing, so that obfuscated traffic reaches the real relay instead of
// looping back through the VPN interface. This is an external-collaborator
// seam (the exemption mechanism — SO_MARK, a routing table, a platform
// VPN-service callback — is host-OS-specific; only the Linux SO_MARK form
// is implemented here, as SOMarkProtector), adapted from firestack's `intra/protect.Controller`/`Protector`
// fd-binding callbacks into a conn-level interface.
type Protector interface {
	// Protect is called once an obfuscator's remote socket has been
	// established; implementations bind/mark the underlying fd so platform
	// routing rules send its traffic outside the tunnel. who identifies the
	// obfuscator (its Kind's string form) for logging.
	Protect(who string, conn net.Conn) error
}

// NoopProtector performs no exemption; used on platforms (or in tests) where
// no VPN-routing exemption is necessary.
type NoopProtector struct{}

func (NoopProtector) Protect(string, net.Conn) error { return nil }

// SOMarkProtector exempts a socket from the tunnel by tagging it with a
// Linux fwmark (SO_MARK). A RouteManager-side ip-rule keyed on the same
// mark routes marked sockets via the physical default route instead of
// the tunnel interface.
type SOMarkProtector struct {
	Mark int
}

func (p SOMarkProtector) Protect(who string, conn net.Conn) error {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return fmt.Errorf("obfuscation: %s socket does not expose SyscallConn for SO_MARK", who)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return fmt.Errorf("obfuscation: %s SyscallConn: %w", who, err)
	}
	var setErr error
	if err := raw.Control(func(fd uintptr) {
		setErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_MARK, p.Mark)
	}); err != nil {
		return fmt.Errorf("obfuscation: %s Control: %w", who, err)
	}
	if setErr != nil {
		return fmt.Errorf("obfuscation: %s SO_MARK %d: %w", who, p.Mark, setErr)
	}
	return nil
}
