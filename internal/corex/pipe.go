// Recover is adapted from Lanius-collaris-firestack's intra/common.go guard
// around c.upload/c.sendSummary: every goroutine the state machine and the
// obfuscators spawn defers Recover so a panic in one forwarding/probe
// goroutine is logged and swallowed instead of crashing the process.
package corex

import (
	"github.com/fenwick-labs/corevpn/internal/corelog"
)

var pipeLog = corelog.Tagged("pipe")

// Recover logs and swallows a panic in a goroutine that must never crash the
// process, tagging the log line with where it happened. Callers defer it as
// the first statement of the goroutine body.
func Recover(where string) {
	if r := recover(); r != nil {
		pipeLog.E("recovered panic in %s: %v", where, r)
	}
}
