package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/mistakeknot/harbor/internal/core"
	"github.com/mistakeknot/harbor/internal/events"
)

type fakeConns struct {
	conns map[string]*events.Connection
}

func (f *fakeConns) Connection(id string) (*events.Connection, bool) {
	c, ok := f.conns[id]
	return c, ok
}

type fakePerms struct {
	owner    string
	approved map[string]bool
}

func (f *fakePerms) SessionOwner(ctx context.Context, sessionID string) (string, error) {
	if f.owner == "" {
		return "", core.ErrSessionNotFound
	}
	return f.owner, nil
}

func (f *fakePerms) CanApprovePermissions(ctx context.Context, accountID, sessionID string) (bool, error) {
	return f.approved[accountID], nil
}

type ackEmitter struct {
	response json.RawMessage
	fail     bool
	calls    []string
}

func (a *ackEmitter) Emit(event string, body any) {}

func (a *ackEmitter) EmitWithAck(ctx context.Context, event string, body any, timeout time.Duration) (json.RawMessage, error) {
	a.calls = append(a.calls, event)
	if a.fail {
		return nil, errors.New("no ack")
	}
	return a.response, nil
}

func newTestDirectory(conns *fakeConns, perms *fakePerms) *Directory {
	return NewDirectory(NewMemoryLeaseStore(), conns, perms, "instance-1", DefaultLeaseTTL)
}

func addConn(f *fakeConns, id, account string, em events.Emitter) {
	f.conns[id] = &events.Connection{ID: id, AccountID: account, Type: events.ClientSessionScoped, Emitter: em}
}

func TestCallRoundTrip(t *testing.T) {
	conns := &fakeConns{conns: map[string]*events.Connection{}}
	handler := &ackEmitter{response: json.RawMessage(`{"answer":42}`)}
	addConn(conns, "handler-conn", "acct-a", handler)

	d := newTestDirectory(conns, &fakePerms{})
	ctx := context.Background()
	if err := d.Register(ctx, "acct-a", "handler-conn", "sess-1:bash"); err != nil {
		t.Fatalf("register: %v", err)
	}
	defer d.Disconnect(ctx, "handler-conn")

	resp, err := d.Call(ctx, "acct-a", "caller-conn", "sess-1:bash", json.RawMessage(`{"cmd":"ls"}`))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if string(resp) != `{"answer":42}` {
		t.Fatalf("unexpected response %s", resp)
	}
	if len(handler.calls) != 1 || handler.calls[0] != "rpc-request" {
		t.Fatalf("expected one rpc-request, got %v", handler.calls)
	}
}

func TestCallUnknownMethod(t *testing.T) {
	d := newTestDirectory(&fakeConns{conns: map[string]*events.Connection{}}, &fakePerms{})
	_, err := d.Call(context.Background(), "acct-a", "caller", "nope", nil)
	if !errors.Is(err, core.ErrMethodNotAvailable) {
		t.Fatalf("expected method-not-available, got %v", err)
	}
}

func TestCallRejectsSelf(t *testing.T) {
	conns := &fakeConns{conns: map[string]*events.Connection{}}
	addConn(conns, "conn-1", "acct-a", &ackEmitter{})
	d := newTestDirectory(conns, &fakePerms{})
	ctx := context.Background()
	_ = d.Register(ctx, "acct-a", "conn-1", "m")
	defer d.Disconnect(ctx, "conn-1")

	_, err := d.Call(ctx, "acct-a", "conn-1", "m", nil)
	if !errors.Is(err, core.ErrMethodNotAvailable) {
		t.Fatalf("self-call should be method-not-available, got %v", err)
	}
	// The registration itself stays valid for other callers.
	if _, ok, _ := d.leases.Lookup(ctx, "acct-a", "m"); !ok {
		t.Fatalf("self-call must not evict the lease")
	}
}

func TestCallEvictsDeadOwner(t *testing.T) {
	conns := &fakeConns{conns: map[string]*events.Connection{}}
	d := newTestDirectory(conns, &fakePerms{})
	ctx := context.Background()
	// Lease exists but the socket is gone.
	_ = d.Register(ctx, "acct-a", "ghost-conn", "m")

	_, err := d.Call(ctx, "acct-a", "caller", "m", nil)
	if !errors.Is(err, core.ErrMethodNotAvailable) {
		t.Fatalf("expected method-not-available, got %v", err)
	}
	// Lease must have been evicted.
	if _, ok, _ := d.leases.Lookup(ctx, "acct-a", "m"); ok {
		t.Fatalf("dead owner's lease should be evicted")
	}
}

func TestCallEvictsOnNoAck(t *testing.T) {
	conns := &fakeConns{conns: map[string]*events.Connection{}}
	addConn(conns, "handler-conn", "acct-a", &ackEmitter{fail: true})
	d := newTestDirectory(conns, &fakePerms{})
	ctx := context.Background()
	_ = d.Register(ctx, "acct-a", "handler-conn", "m")

	_, err := d.Call(ctx, "acct-a", "caller", "m", nil)
	if !errors.Is(err, core.ErrMethodNotAvailable) {
		t.Fatalf("expected method-not-available after no ack, got %v", err)
	}
	if _, ok, _ := d.leases.Lookup(ctx, "acct-a", "m"); ok {
		t.Fatalf("unresponsive owner's lease should be evicted")
	}
}

func TestLastWriterWins(t *testing.T) {
	conns := &fakeConns{conns: map[string]*events.Connection{}}
	old := &ackEmitter{response: json.RawMessage(`"old"`)}
	fresh := &ackEmitter{response: json.RawMessage(`"new"`)}
	addConn(conns, "old-conn", "acct-a", old)
	addConn(conns, "new-conn", "acct-a", fresh)

	d := newTestDirectory(conns, &fakePerms{})
	ctx := context.Background()
	_ = d.Register(ctx, "acct-a", "old-conn", "m")
	_ = d.Register(ctx, "acct-a", "new-conn", "m")

	// The displaced socket's cleanup must not tear down the new lease.
	d.Disconnect(ctx, "old-conn")

	resp, err := d.Call(ctx, "acct-a", "caller", "m", nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if string(resp) != `"new"` {
		t.Fatalf("expected the new owner to answer, got %s", resp)
	}
}

func TestPermissionDelegation(t *testing.T) {
	conns := &fakeConns{conns: map[string]*events.Connection{}}
	ownerDevice := &ackEmitter{response: json.RawMessage(`{"approved":true}`)}
	addConn(conns, "owner-conn", "owner", ownerDevice)

	perms := &fakePerms{owner: "owner", approved: map[string]bool{"grantee": true}}
	d := newTestDirectory(conns, perms)
	ctx := context.Background()
	_ = d.Register(ctx, "owner", "owner-conn", "sess-1:permission")

	// An approval-capable grantee reaches the owner's handler.
	resp, err := d.Call(ctx, "grantee", "grantee-conn", "sess-1:permission", nil)
	if err != nil {
		t.Fatalf("delegated call: %v", err)
	}
	if string(resp) != `{"approved":true}` {
		t.Fatalf("unexpected response %s", resp)
	}

	// Without an approval-capable share delegation is refused.
	_, err = d.Call(ctx, "stranger", "stranger-conn", "sess-1:permission", nil)
	if !errors.Is(err, core.ErrMethodNotAvailable) {
		t.Fatalf("expected method-not-available for stranger, got %v", err)
	}

	// Non-permission methods never delegate.
	_ = d.Register(ctx, "owner", "owner-conn", "sess-1:bash")
	_, err = d.Call(ctx, "grantee", "grantee-conn", "sess-1:bash", nil)
	if !errors.Is(err, core.ErrMethodNotAvailable) {
		t.Fatalf("expected method-not-available for non-permission method, got %v", err)
	}
}

type fakeForwarder struct {
	response json.RawMessage
	fail     bool
	calls    []string
}

func (f *fakeForwarder) Forward(ctx context.Context, instanceID, connectionID, method string, params json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	f.calls = append(f.calls, instanceID+"/"+connectionID+"/"+method)
	if f.fail {
		return nil, errors.New("instance not reachable")
	}
	return f.response, nil
}

// putRemoteLease plants a lease owned by another relay instance.
func putRemoteLease(t *testing.T, d *Directory, accountID, method, connID, instanceID string) {
	t.Helper()
	lease := Lease{ConnectionID: connID, InstanceID: instanceID, UpdatedAt: time.Now()}
	if err := d.leases.Put(context.Background(), accountID, method, lease, DefaultLeaseTTL); err != nil {
		t.Fatalf("put lease: %v", err)
	}
}

func TestCallForwardsToRemoteInstance(t *testing.T) {
	d := newTestDirectory(&fakeConns{conns: map[string]*events.Connection{}}, &fakePerms{})
	fwd := &fakeForwarder{response: json.RawMessage(`{"ok":true}`)}
	d.SetForwarder(fwd)
	ctx := context.Background()
	putRemoteLease(t, d, "acct-a", "m", "remote-conn", "instance-2")

	resp, err := d.Call(ctx, "acct-a", "caller", "m", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("remote call: %v", err)
	}
	if string(resp) != `{"ok":true}` {
		t.Fatalf("unexpected response %s", resp)
	}
	if len(fwd.calls) != 1 || fwd.calls[0] != "instance-2/remote-conn/m" {
		t.Fatalf("expected one targeted forward, got %v", fwd.calls)
	}
}

func TestCallRemoteZeroAckEvictsLease(t *testing.T) {
	d := newTestDirectory(&fakeConns{conns: map[string]*events.Connection{}}, &fakePerms{})
	d.SetForwarder(&fakeForwarder{fail: true})
	ctx := context.Background()
	putRemoteLease(t, d, "acct-a", "m", "remote-conn", "instance-2")

	_, err := d.Call(ctx, "acct-a", "caller", "m", nil)
	if !errors.Is(err, core.ErrMethodNotAvailable) {
		t.Fatalf("expected method-not-available, got %v", err)
	}
	// The stale lease is gone so the next caller fails fast.
	if _, ok, _ := d.leases.Lookup(ctx, "acct-a", "m"); ok {
		t.Fatalf("unreachable remote owner's lease should be evicted")
	}
}

func TestCallRemoteWithoutForwarder(t *testing.T) {
	d := newTestDirectory(&fakeConns{conns: map[string]*events.Connection{}}, &fakePerms{})
	ctx := context.Background()
	putRemoteLease(t, d, "acct-a", "m", "remote-conn", "instance-2")

	_, err := d.Call(ctx, "acct-a", "caller", "m", nil)
	if !errors.Is(err, core.ErrMethodNotAvailable) {
		t.Fatalf("expected method-not-available, got %v", err)
	}
	// No send was attempted, so the lease is not ours to judge.
	if _, ok, _ := d.leases.Lookup(ctx, "acct-a", "m"); !ok {
		t.Fatalf("lease must survive when no forwarder is configured")
	}
}

func TestUnregisterReleasesLease(t *testing.T) {
	conns := &fakeConns{conns: map[string]*events.Connection{}}
	addConn(conns, "conn-1", "acct-a", &ackEmitter{})
	d := newTestDirectory(conns, &fakePerms{})
	ctx := context.Background()
	_ = d.Register(ctx, "acct-a", "conn-1", "m")
	if err := d.Unregister(ctx, "acct-a", "conn-1", "m"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if _, ok, _ := d.leases.Lookup(ctx, "acct-a", "m"); ok {
		t.Fatalf("lease should be gone after unregister")
	}
}
