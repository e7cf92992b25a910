package sqlite

import (
	"context"
	"log"
	"time"
)

// Sweeper runs a background goroutine that periodically prunes change rows
// whose entity was deleted, bumping the per-account changes floor so stale
// cursors behind the prune point get a cursor-gone on their next catch-up.
type Sweeper struct {
	store    *Store
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewSweeper creates a new Sweeper. Call Start() to begin sweeping.
func NewSweeper(store *Store, interval time.Duration) *Sweeper {
	return &Sweeper{
		store:    store,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start launches the background sweep goroutine.
func (sw *Sweeper) Start(ctx context.Context) {
	ctx, sw.cancel = context.WithCancel(ctx)

	go func() {
		defer close(sw.done)

		ticker := time.NewTicker(sw.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sw.runSweep(ctx)
			}
		}
	}()
}

// Stop cancels the sweep goroutine and waits for it to finish.
func (sw *Sweeper) Stop() {
	if sw.cancel != nil {
		sw.cancel()
	}
	<-sw.done
}

func (sw *Sweeper) runSweep(ctx context.Context) {
	deleted, accounts, err := sw.store.SweepOrphanChanges(ctx)
	if err != nil {
		log.Printf("sweeper: %v", err)
		return
	}
	if deleted == 0 {
		return
	}
	log.Printf("sweeper: pruned %d orphan change row(s) across %d account(s)", deleted, accounts)
}
