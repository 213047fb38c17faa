package jadapter

import (
	"context"
	"time"

	"github.com/lightningnetwork/lnd/ticker"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Poller drives event polling for a set of jurisdictions on an I/O
// scheduler outside the tick loop. Deliver is invoked with each batch of
// freshly finalized events; the callback enqueues them for the next tick.
type Poller struct {
	Replicas []*JReplica
	Interval time.Duration

	// Ticker paces the poll loop. Left nil, a wall-clock ticker at
	// Interval is used; tests inject ticker.NewForce to drive polls
	// manually.
	Ticker ticker.Ticker

	// Deliver hands polled events to the runtime's between-tick input
	// buffer. It must not touch env state directly.
	Deliver func(jurisdiction string, events []Event)

	// MaxConcurrent bounds simultaneous adapter RPCs across jurisdictions.
	MaxConcurrent int64
}

// Run polls every replica on the configured interval until ctx is
// cancelled. One jurisdiction's failing endpoint does not stall the others;
// its errors are logged and retried next interval.
func (p *Poller) Run(ctx context.Context) error {
	interval := p.Interval
	if interval <= 0 {
		interval = time.Second
	}
	maxConc := p.MaxConcurrent
	if maxConc <= 0 {
		maxConc = 4
	}
	sem := semaphore.NewWeighted(maxConc)

	pollTicker := p.Ticker
	if pollTicker == nil {
		pollTicker = ticker.New(interval)
	}
	pollTicker.Resume()
	defer pollTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-pollTicker.Ticks():
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, jr := range p.Replicas {
			jr := jr
			g.Go(func() error {
				if err := sem.Acquire(gctx, 1); err != nil {
					return err
				}
				defer sem.Release(1)

				events, err := jr.PollEvents(gctx)
				if err != nil {
					log.Warnf("jurisdiction %s: poll failed: %v", jr.Name, err)
					return nil
				}
				if len(events) > 0 && p.Deliver != nil {
					p.Deliver(jr.Name, events)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
}
