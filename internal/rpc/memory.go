package rpc

import (
	"context"
	"sync"
	"time"
)

// MemoryLeaseStore is the single-instance lease registry. Expiry is lazy:
// an expired entry is treated as absent and overwritten on next Put.
type MemoryLeaseStore struct {
	mu      sync.Mutex
	leases  map[string]memoryLease
	nowFunc func() time.Time // for testing
}

type memoryLease struct {
	lease     Lease
	expiresAt time.Time
}

func NewMemoryLeaseStore() *MemoryLeaseStore {
	return &MemoryLeaseStore{leases: make(map[string]memoryLease), nowFunc: time.Now}
}

func leaseKey(accountID, method string) string {
	return accountID + "\x00" + method
}

func (m *MemoryLeaseStore) Put(ctx context.Context, accountID, method string, lease Lease, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leases[leaseKey(accountID, method)] = memoryLease{
		lease:     lease,
		expiresAt: m.nowFunc().Add(ttl),
	}
	return nil
}

func (m *MemoryLeaseStore) Lookup(ctx context.Context, accountID, method string) (Lease, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.live(accountID, method)
	if !ok {
		return Lease{}, false, nil
	}
	return entry.lease, true, nil
}

func (m *MemoryLeaseStore) CompareAndDelete(ctx context.Context, accountID, method, connectionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.live(accountID, method)
	if !ok || entry.lease.ConnectionID != connectionID {
		return false, nil
	}
	delete(m.leases, leaseKey(accountID, method))
	return true, nil
}

func (m *MemoryLeaseStore) CompareAndRefresh(ctx context.Context, accountID, method, connectionID string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.live(accountID, method)
	if !ok || entry.lease.ConnectionID != connectionID {
		return false, nil
	}
	entry.lease.UpdatedAt = m.nowFunc()
	entry.expiresAt = m.nowFunc().Add(ttl)
	m.leases[leaseKey(accountID, method)] = entry
	return true, nil
}

// live returns the entry if present and unexpired; expired entries are
// dropped on sight. Caller holds the lock.
func (m *MemoryLeaseStore) live(accountID, method string) (memoryLease, bool) {
	key := leaseKey(accountID, method)
	entry, ok := m.leases[key]
	if !ok {
		return memoryLease{}, false
	}
	if m.nowFunc().After(entry.expiresAt) {
		delete(m.leases, key)
		return memoryLease{}, false
	}
	return entry, true
}
