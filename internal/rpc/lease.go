package rpc

import (
	"context"
	"time"
)

// Lease records which socket currently serves an RPC method for an account.
// InstanceID identifies the relay process holding the socket, so stale
// leases from a crashed instance age out via TTL instead of lingering.
type Lease struct {
	ConnectionID string
	InstanceID   string
	UpdatedAt    time.Time
}

// LeaseStore is the method ownership registry. Put is last-writer-wins; the
// compare-and-* operations only act when connectionID still owns the lease,
// so a re-registered method is never torn down by its previous owner's
// cleanup.
type LeaseStore interface {
	Put(ctx context.Context, accountID, method string, lease Lease, ttl time.Duration) error
	Lookup(ctx context.Context, accountID, method string) (Lease, bool, error)
	CompareAndDelete(ctx context.Context, accountID, method, connectionID string) (bool, error)
	CompareAndRefresh(ctx context.Context, accountID, method, connectionID string, ttl time.Duration) (bool, error)
}
