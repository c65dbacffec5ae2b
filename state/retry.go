// Retry implements the Connecting retry budget (spec §4.1 "Retry policy:
// exponential backoff with a bounded number of attempts before surfacing as
// Error") on top of cenkalti/backoff/v4 (donated by malbeclabs-doublezero,
// which layers the same library onto its own reconnect logic), with a
// jonboulle/clockwork.Clock injected so tests never sleep.
package state

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"

	"github.com/fenwick-labs/corevpn/config"
)

// retryBudget tracks the exponential-backoff schedule and attempt count for
// one Connecting sequence. A fresh retryBudget is created each time the
// machine leaves Disconnected/Error into Connecting from a user Connect,
// and is reused across internal Reconnects triggered by Restartable
// failures until MaxConnectRetries is exhausted.
type retryBudget struct {
	bo      backoff.BackOff
	attempt int
	max     int
}

func newRetryBudget(cfg *config.Config, clock clockwork.Clock) *retryBudget {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = cfg.InitialBackoff
	eb.MaxInterval = cfg.MaxBackoff
	eb.MaxElapsedTime = 0 // bounded by attempt count, not elapsed time
	eb.Clock = clock      // clockwork.Clock already satisfies backoff.Clock's Now() time.Time
	eb.Reset()
	return &retryBudget{bo: eb, max: cfg.MaxConnectRetries}
}

// recordFailure counts one failed Connecting attempt against the budget and
// reports whether the budget is now exhausted (spec scenario F: "budget=2"
// exhausts after the 2nd failed attempt, surfacing as Error rather than a
// second Reconnect).
func (r *retryBudget) recordFailure() (exhausted bool) {
	r.attempt++
	return r.attempt >= r.max
}

// nextDelay returns how long to wait before the next Connecting attempt,
// advancing the exponential-backoff schedule.
func (r *retryBudget) nextDelay() time.Duration {
	d := r.bo.NextBackOff()
	if d == backoff.Stop {
		return r.bo.(*backoff.ExponentialBackOff).MaxInterval
	}
	return d
}
