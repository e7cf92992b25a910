package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/mistakeknot/harbor/internal/core"
	"github.com/mistakeknot/harbor/internal/events"
)

const (
	// DefaultLeaseTTL bounds how long a crashed instance's leases linger.
	DefaultLeaseTTL = 120 * time.Second
	// CallTimeout is how long a forwarded call waits for the handler's ack.
	CallTimeout = 30 * time.Second

	permissionSuffix = ":permission"
)

// ConnectionSource resolves live local sockets; satisfied by events.Router.
type ConnectionSource interface {
	Connection(connID string) (*events.Connection, bool)
}

// ApprovalChecker answers whether an account may act on another account's
// permission RPCs; satisfied by storage.Store.
type ApprovalChecker interface {
	SessionOwner(ctx context.Context, sessionID string) (string, error)
	CanApprovePermissions(ctx context.Context, accountID, sessionID string) (bool, error)
}

// Directory routes RPC calls between an account's sockets. Method ownership
// lives in the LeaseStore; the directory keeps a local map of what each
// socket registered so it can refresh and tear down leases.
type Directory struct {
	leases     LeaseStore
	conns      ConnectionSource
	perms      ApprovalChecker
	forward    Forwarder
	instanceID string
	ttl        time.Duration

	mu    sync.Mutex
	owned map[string]map[string]string // connID -> method -> accountID
	stop  map[string]chan struct{}
}

func NewDirectory(leases LeaseStore, conns ConnectionSource, perms ApprovalChecker, instanceID string, ttl time.Duration) *Directory {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	return &Directory{
		leases:     leases,
		conns:      conns,
		perms:      perms,
		instanceID: instanceID,
		ttl:        ttl,
		owned:      make(map[string]map[string]string),
		stop:       make(map[string]chan struct{}),
	}
}

// SetForwarder enables cross-instance call delivery; without one a lease
// held by another instance answers method-not-available.
func (d *Directory) SetForwarder(f Forwarder) {
	d.forward = f
}

// Register claims a method for a socket. Last writer wins: re-registering a
// method from a new socket silently displaces the old owner, whose refresh
// loop will notice the lost lease and drop it.
func (d *Directory) Register(ctx context.Context, accountID, connID, method string) error {
	if method == "" {
		return core.ErrInvalidParams
	}
	lease := Lease{ConnectionID: connID, InstanceID: d.instanceID, UpdatedAt: time.Now()}
	if err := d.leases.Put(ctx, accountID, method, lease, d.ttl); err != nil {
		return fmt.Errorf("put lease: %w", err)
	}

	d.mu.Lock()
	methods, ok := d.owned[connID]
	if !ok {
		methods = make(map[string]string)
		d.owned[connID] = methods
	}
	methods[method] = accountID
	if _, running := d.stop[connID]; !running {
		stop := make(chan struct{})
		d.stop[connID] = stop
		go d.refreshLoop(connID, stop)
	}
	d.mu.Unlock()
	return nil
}

func (d *Directory) Unregister(ctx context.Context, accountID, connID, method string) error {
	if _, err := d.leases.CompareAndDelete(ctx, accountID, method, connID); err != nil {
		return fmt.Errorf("delete lease: %w", err)
	}
	d.mu.Lock()
	if methods, ok := d.owned[connID]; ok {
		delete(methods, method)
		if len(methods) == 0 {
			d.stopLocked(connID)
		}
	}
	d.mu.Unlock()
	return nil
}

// Disconnect tears down every lease the socket still owns.
func (d *Directory) Disconnect(ctx context.Context, connID string) {
	d.mu.Lock()
	methods := d.owned[connID]
	d.stopLocked(connID)
	d.mu.Unlock()

	for method, accountID := range methods {
		if _, err := d.leases.CompareAndDelete(ctx, accountID, method, connID); err != nil {
			log.Printf("rpc: release %s for %s: %v", method, connID, err)
		}
	}
}

// stopLocked halts the refresh loop and forgets the socket. Caller holds d.mu.
func (d *Directory) stopLocked(connID string) {
	delete(d.owned, connID)
	if stop, ok := d.stop[connID]; ok {
		close(stop)
		delete(d.stop, connID)
	}
}

func (d *Directory) refreshLoop(connID string, stop chan struct{}) {
	interval := d.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			d.refreshOwned(connID)
		}
	}
}

func (d *Directory) refreshOwned(connID string) {
	d.mu.Lock()
	methods := make(map[string]string, len(d.owned[connID]))
	for method, accountID := range d.owned[connID] {
		methods[method] = accountID
	}
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for method, accountID := range methods {
		ok, err := d.leases.CompareAndRefresh(ctx, accountID, method, connID, d.ttl)
		if err != nil {
			log.Printf("rpc: refresh %s for %s: %v", method, connID, err)
			continue
		}
		if !ok {
			// Displaced by a newer registration; stop tracking it.
			d.mu.Lock()
			if owned, exists := d.owned[connID]; exists {
				delete(owned, method)
				if len(owned) == 0 {
					d.stopLocked(connID)
				}
			}
			d.mu.Unlock()
		}
	}
}

type rpcRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// Call forwards an RPC to whichever socket owns the method and returns its
// ack payload. A dead or unresponsive owner gets its lease evicted so the
// next registration starts clean.
func (d *Directory) Call(ctx context.Context, callerAccountID, callerConnID, method string, params json.RawMessage) (json.RawMessage, error) {
	if method == "" {
		return nil, core.ErrInvalidParams
	}
	targetAccount := callerAccountID
	lease, ok, err := d.leases.Lookup(ctx, targetAccount, method)
	if err != nil {
		return nil, fmt.Errorf("lookup lease: %w", err)
	}
	if !ok {
		// Permission methods may be served out of the session owner's
		// account when the caller holds an approval-capable share.
		owner, delegated := d.delegatedOwner(ctx, callerAccountID, method)
		if !delegated {
			return nil, core.ErrMethodNotAvailable
		}
		targetAccount = owner
		lease, ok, err = d.leases.Lookup(ctx, targetAccount, method)
		if err != nil {
			return nil, fmt.Errorf("lookup delegated lease: %w", err)
		}
		if !ok {
			return nil, core.ErrMethodNotAvailable
		}
	}

	if lease.ConnectionID == callerConnID {
		// A socket calling its own registration would deadlock waiting on
		// itself; treat the method as unavailable to it.
		return nil, core.ErrMethodNotAvailable
	}
	if lease.InstanceID != d.instanceID {
		if d.forward == nil {
			return nil, core.ErrMethodNotAvailable
		}
		resp, err := d.forward.Forward(ctx, lease.InstanceID, lease.ConnectionID, method, params, CallTimeout)
		if err != nil {
			// Unreachable instance or zero-ack send: the lease is stale.
			d.evict(targetAccount, method, lease.ConnectionID)
			return nil, core.ErrMethodNotAvailable
		}
		return resp, nil
	}

	conn, found := d.conns.Connection(lease.ConnectionID)
	if !found {
		d.evict(targetAccount, method, lease.ConnectionID)
		return nil, core.ErrMethodNotAvailable
	}

	resp, err := conn.Emitter.EmitWithAck(ctx, "rpc-request", rpcRequest{Method: method, Params: params}, CallTimeout)
	if err != nil {
		d.evict(targetAccount, method, lease.ConnectionID)
		return nil, core.ErrMethodNotAvailable
	}
	return resp, nil
}

// delegatedOwner resolves "<sessionId>:permission" methods to the session
// owner's account, if the caller is allowed to answer for them.
func (d *Directory) delegatedOwner(ctx context.Context, callerAccountID, method string) (string, bool) {
	sessionID, found := strings.CutSuffix(method, permissionSuffix)
	if !found || sessionID == "" {
		return "", false
	}
	owner, err := d.perms.SessionOwner(ctx, sessionID)
	if err != nil || owner == callerAccountID {
		return "", false
	}
	can, err := d.perms.CanApprovePermissions(ctx, callerAccountID, sessionID)
	if err != nil || !can {
		return "", false
	}
	return owner, true
}

func (d *Directory) evict(accountID, method, connID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := d.leases.CompareAndDelete(ctx, accountID, method, connID); err != nil {
		log.Printf("rpc: evict %s: %v", method, err)
	}
	d.mu.Lock()
	if owned, ok := d.owned[connID]; ok {
		delete(owned, method)
		if len(owned) == 0 {
			d.stopLocked(connID)
		}
	}
	d.mu.Unlock()
}
