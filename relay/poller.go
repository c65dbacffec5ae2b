package relay

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Poller periodically refreshes a Store on a ticker, retrying failed
// refreshes with exponential backoff before falling back to the normal
// interval (grounded in malbeclabs-doublezero's watcher Run/Tick ticker
// loop, with cenkalti/backoff layered on top of Tick's error path).
type Poller struct {
	Store    *Store
	Fetcher  *Fetcher
	Interval time.Duration
}

// NewPoller returns a Poller that refreshes store from the document at url
// every interval.
func NewPoller(store *Store, url string, interval time.Duration) *Poller {
	return &Poller{Store: store, Fetcher: NewFetcher(url), Interval: interval}
}

// Run blocks, refreshing the catalog immediately and then on every tick,
// until ctx is done. Each refresh failure is retried with exponential
// backoff (capped at Interval) before the next regular tick takes over.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	p.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = p.Interval
	bctx := backoff.WithContext(b, ctx)

	err := backoff.Retry(func() error {
		return p.Store.Refresh(ctx, p.Fetcher)
	}, bctx)
	if err != nil {
		log.W("catalog refresh failed after retries: %v", err)
	}
}
