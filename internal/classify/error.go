// Package classify implements the §7 error taxonomy as a single status-coded
// error type, adapted from Lanius-collaris-firestack's intra/dnsx.QueryError
// (a status int + wrapped cause with Unwrap/Status accessors). Here the
// "status" is which of the seven named error categories applies, and a
// second axis (Classification) says how the state machine should react.
package classify

import "errors"

// Category is one of the named error taxonomy members from spec §7.
type Category int

const (
	CategoryConfiguration Category = iota
	CategorySelection
	CategoryFirewall
	CategoryDNS
	CategoryTunnel
	CategoryObfuscator
	CategoryRoute
)

func (c Category) String() string {
	switch c {
	case CategoryConfiguration:
		return "ConfigurationError"
	case CategorySelection:
		return "SelectionError"
	case CategoryFirewall:
		return "FirewallError"
	case CategoryDNS:
		return "DnsError"
	case CategoryTunnel:
		return "TunnelError"
	case CategoryObfuscator:
		return "ObfuscatorError"
	case CategoryRoute:
		return "RouteError"
	default:
		return "UnknownError"
	}
}

// Classification says how the state machine must respond to a failed step.
type Classification int

const (
	// Recoverable steps are retried in place without leaving the current state.
	Recoverable Classification = iota
	// Restartable steps drive a Reconnect (Disconnecting with after=Reconnect).
	Restartable
	// Fatal steps drive an Error state.
	Fatal
)

func (c Classification) String() string {
	switch c {
	case Recoverable:
		return "recoverable"
	case Restartable:
		return "restartable"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

var errNoCause = errors.New("no underlying cause")

// Error wraps a cause with a taxonomy Category and a Classification telling
// the caller how to react. It is the vocabulary every fallible step in the
// state machine and the obfuscators returns (spec §7 "every fallible step is
// paired with a classification").
type Error struct {
	category Category
	class    Classification
	err      error
}

func New(cat Category, class Classification, err error) *Error {
	if err == nil {
		err = errNoCause
	}
	return &Error{category: cat, class: class, err: err}
}

func (e *Error) Error() string {
	return e.category.String() + ": " + e.err.Error()
}

func (e *Error) Unwrap() error { return e.err }

func (e *Error) Category() Category             { return e.category }
func (e *Error) Classification() Classification  { return e.class }
func (e *Error) Fatal() bool                     { return e.class == Fatal }
func (e *Error) Restartable() bool               { return e.class == Restartable }
func (e *Error) Recoverable() bool               { return e.class == Recoverable }

// Configuration, Selection, Firewall, Dns, Tunnel, Obfuscator, and Route are
// constructors for each named category, defaulting to the classification
// spec §7 assigns it (firewall/dns/route are always fatal; selection is
// always fatal to the attempt; tunnel/obfuscator take their classification
// from the caller).

func Configuration(err error) *Error { return New(CategoryConfiguration, Fatal, err) }
func Selection(err error) *Error     { return New(CategorySelection, Fatal, err) }
func Firewall(err error) *Error      { return New(CategoryFirewall, Fatal, err) }
func Dns(err error) *Error           { return New(CategoryDNS, Fatal, err) }
func Route(err error) *Error         { return New(CategoryRoute, Fatal, err) }

func Tunnel(err error, class Classification) *Error {
	return New(CategoryTunnel, class, err)
}

func Obfuscator(err error, class Classification) *Error {
	return New(CategoryObfuscator, class, err)
}

// As reports whether err is a *Error, unwrapping through wrapped errors.
func As(err error) (*Error, bool) {
	var ce *Error
	ok := errors.As(err, &ce)
	return ce, ok
}
