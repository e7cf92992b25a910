package client

import (
	"context"
	"sync"
)

// Store is the client's local replica; the applier calls into it to execute
// a plan's intents. Implementations decrypt and persist however they like.
type Store interface {
	RefreshSessions(ctx context.Context) error
	RefreshMachines(ctx context.Context) error
	RefreshAccount(ctx context.Context) error
	RefreshTranscript(ctx context.Context, sessionID string) error

	// FetchKV bulk-loads the given keys. A result map smaller than the
	// request means some keys were missing or the read was partial.
	FetchKV(ctx context.Context, keys []string) (map[string]string, error)
	RefreshKVAll(ctx context.Context) error
}

// Applier executes plans against the local store, batching independent
// refreshes concurrently.
type Applier struct {
	store Store
}

func NewApplier(store Store) *Applier {
	return &Applier{store: store}
}

func (a *Applier) Apply(ctx context.Context, plan Plan) error {
	if plan.Empty() {
		return nil
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 4+len(plan.Transcripts))

	run := func(fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				errCh <- err
			}
		}()
	}

	if plan.RefreshSessions {
		run(a.store.RefreshSessions)
	}
	if plan.RefreshMachines {
		run(a.store.RefreshMachines)
	}
	if plan.RefreshAccount {
		run(a.store.RefreshAccount)
	}
	for _, sessionID := range plan.Transcripts {
		sid := sessionID
		run(func(ctx context.Context) error {
			return a.store.RefreshTranscript(ctx, sid)
		})
	}
	if plan.KVFull {
		run(a.store.RefreshKVAll)
	} else if len(plan.KVKeys) > 0 {
		run(func(ctx context.Context) error {
			return a.applyKV(ctx, plan.KVKeys)
		})
	}

	wg.Wait()
	close(errCh)
	for err := range errCh {
		return err
	}
	return nil
}

// applyKV bulk-fetches targeted keys; a short or failed read falls back to
// the full kv refresh rather than trusting a partial result.
func (a *Applier) applyKV(ctx context.Context, keys []string) error {
	values, err := a.store.FetchKV(ctx, keys)
	if err != nil || len(values) < len(keys) {
		return a.store.RefreshKVAll(ctx)
	}
	return nil
}
