package sqlite

import (
	"context"
	"time"

	"github.com/mistakeknot/harbor/internal/core"
	"github.com/mistakeknot/harbor/internal/storage"
)

// Compile-time interface check.
var _ storage.Store = (*ResilientStore)(nil)

// ResilientStore wraps every method of *Store with CircuitBreaker + RetryOnBusy
// to provide resilience against transient SQLite errors (database-is-locked,
// connection failures, etc.). Domain errors (version-mismatch, forbidden,
// not-found) pass through without counting as breaker failures: a busy relay
// produces them constantly and they say nothing about database health.
type ResilientStore struct {
	inner *Store
	cb    *CircuitBreaker
}

// NewResilient creates a ResilientStore with default circuit breaker settings
// (threshold=5, resetTimeout=30s).
func NewResilient(inner *Store) *ResilientStore {
	return &ResilientStore{inner: inner, cb: NewCircuitBreaker(5, 30*time.Second)}
}

// NewResilientWithBreaker creates a ResilientStore with a custom circuit breaker.
func NewResilientWithBreaker(inner *Store, cb *CircuitBreaker) *ResilientStore {
	return &ResilientStore{inner: inner, cb: cb}
}

// CircuitBreakerState returns the current state of the circuit breaker as a string.
func (r *ResilientStore) CircuitBreakerState() string {
	return r.cb.State().String()
}

func (r *ResilientStore) execute(fn func() error) error {
	var domainErr error
	err := r.cb.Execute(func() error {
		return RetryOnBusy(func() error {
			err := fn()
			if err != nil && core.ErrorCode(err) != core.CodeInternal {
				domainErr = err
				return nil
			}
			return err
		})
	})
	if err != nil {
		return err
	}
	return domainErr
}

func executeWith[T any](r *ResilientStore, fn func() (T, error)) (T, error) {
	var result T
	err := r.execute(func() error {
		var innerErr error
		result, innerErr = fn()
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) CreateAccount(ctx context.Context, id string) (core.Account, error) {
	return executeWith(r, func() (core.Account, error) { return r.inner.CreateAccount(ctx, id) })
}

func (r *ResilientStore) GetAccount(ctx context.Context, id string) (core.Account, error) {
	return executeWith(r, func() (core.Account, error) { return r.inner.GetAccount(ctx, id) })
}

func (r *ResilientStore) CreateSession(ctx context.Context, accountID, metadata string, agentState *string) (core.Session, []core.ParticipantCursor, error) {
	var (
		sess    core.Session
		cursors []core.ParticipantCursor
	)
	err := r.execute(func() error {
		var innerErr error
		sess, cursors, innerErr = r.inner.CreateSession(ctx, accountID, metadata, agentState)
		return innerErr
	})
	return sess, cursors, err
}

func (r *ResilientStore) GetSession(ctx context.Context, id string) (core.Session, error) {
	return executeWith(r, func() (core.Session, error) { return r.inner.GetSession(ctx, id) })
}

func (r *ResilientStore) ListSessions(ctx context.Context, accountID string, afterID string, limit int) ([]core.Session, error) {
	return executeWith(r, func() ([]core.Session, error) {
		return r.inner.ListSessions(ctx, accountID, afterID, limit)
	})
}

func (r *ResilientStore) DeleteSession(ctx context.Context, actorID, id string) ([]core.ParticipantCursor, error) {
	return executeWith(r, func() ([]core.ParticipantCursor, error) {
		return r.inner.DeleteSession(ctx, actorID, id)
	})
}

func (r *ResilientStore) UpdateSessionMetadata(ctx context.Context, actorID, sessionID string, expectedVersion int64, ciphertext string) (*storage.LaneUpdate, error) {
	return executeWith(r, func() (*storage.LaneUpdate, error) {
		return r.inner.UpdateSessionMetadata(ctx, actorID, sessionID, expectedVersion, ciphertext)
	})
}

func (r *ResilientStore) UpdateSessionAgentState(ctx context.Context, actorID, sessionID string, expectedVersion int64, ciphertext *string) (*storage.LaneUpdate, error) {
	return executeWith(r, func() (*storage.LaneUpdate, error) {
		return r.inner.UpdateSessionAgentState(ctx, actorID, sessionID, expectedVersion, ciphertext)
	})
}

func (r *ResilientStore) PatchSession(ctx context.Context, actorID, sessionID string, metadata, agentState *storage.LanePatch) (*storage.PatchUpdate, error) {
	return executeWith(r, func() (*storage.PatchUpdate, error) {
		return r.inner.PatchSession(ctx, actorID, sessionID, metadata, agentState)
	})
}

func (r *ResilientStore) AppendSessionMessage(ctx context.Context, actorID, sessionID, ciphertext string, localID *string) (*storage.AppendResult, error) {
	return executeWith(r, func() (*storage.AppendResult, error) {
		return r.inner.AppendSessionMessage(ctx, actorID, sessionID, ciphertext, localID)
	})
}

func (r *ResilientStore) ListSessionMessages(ctx context.Context, actorID, sessionID string, q storage.MessageQuery) ([]core.SessionMessage, error) {
	return executeWith(r, func() ([]core.SessionMessage, error) {
		return r.inner.ListSessionMessages(ctx, actorID, sessionID, q)
	})
}

func (r *ResilientStore) CreateMachine(ctx context.Context, accountID, machineID, metadata string, daemonState *string) (core.Machine, []core.ParticipantCursor, error) {
	var (
		machine core.Machine
		cursors []core.ParticipantCursor
	)
	err := r.execute(func() error {
		var innerErr error
		machine, cursors, innerErr = r.inner.CreateMachine(ctx, accountID, machineID, metadata, daemonState)
		return innerErr
	})
	return machine, cursors, err
}

func (r *ResilientStore) GetMachine(ctx context.Context, accountID, id string) (core.Machine, error) {
	return executeWith(r, func() (core.Machine, error) { return r.inner.GetMachine(ctx, accountID, id) })
}

func (r *ResilientStore) ListMachines(ctx context.Context, accountID string) ([]core.Machine, error) {
	return executeWith(r, func() ([]core.Machine, error) { return r.inner.ListMachines(ctx, accountID) })
}

func (r *ResilientStore) UpdateMachineMetadata(ctx context.Context, actorID, machineID string, expectedVersion int64, ciphertext string) (*storage.LaneUpdate, error) {
	return executeWith(r, func() (*storage.LaneUpdate, error) {
		return r.inner.UpdateMachineMetadata(ctx, actorID, machineID, expectedVersion, ciphertext)
	})
}

func (r *ResilientStore) UpdateMachineDaemonState(ctx context.Context, actorID, machineID string, expectedVersion int64, ciphertext *string) (*storage.LaneUpdate, error) {
	return executeWith(r, func() (*storage.LaneUpdate, error) {
		return r.inner.UpdateMachineDaemonState(ctx, actorID, machineID, expectedVersion, ciphertext)
	})
}

func (r *ResilientStore) MarkSessionAlive(ctx context.Context, accountID, sessionID string, at time.Time) error {
	return r.execute(func() error { return r.inner.MarkSessionAlive(ctx, accountID, sessionID, at) })
}

func (r *ResilientStore) MarkSessionEnded(ctx context.Context, accountID, sessionID string, at time.Time) error {
	return r.execute(func() error { return r.inner.MarkSessionEnded(ctx, accountID, sessionID, at) })
}

func (r *ResilientStore) MarkMachineAlive(ctx context.Context, accountID, machineID string, at time.Time) error {
	return r.execute(func() error { return r.inner.MarkMachineAlive(ctx, accountID, machineID, at) })
}

func (r *ResilientStore) ShareSession(ctx context.Context, sessionID, withAccountID string, level core.AccessLevel) ([]core.ParticipantCursor, error) {
	return executeWith(r, func() ([]core.ParticipantCursor, error) {
		return r.inner.ShareSession(ctx, sessionID, withAccountID, level)
	})
}

func (r *ResilientStore) SessionParticipants(ctx context.Context, sessionID string) ([]string, error) {
	return executeWith(r, func() ([]string, error) { return r.inner.SessionParticipants(ctx, sessionID) })
}

func (r *ResilientStore) SessionOwner(ctx context.Context, sessionID string) (string, error) {
	return executeWith(r, func() (string, error) { return r.inner.SessionOwner(ctx, sessionID) })
}

func (r *ResilientStore) CanApprovePermissions(ctx context.Context, accountID, sessionID string) (bool, error) {
	return executeWith(r, func() (bool, error) {
		return r.inner.CanApprovePermissions(ctx, accountID, sessionID)
	})
}

func (r *ResilientStore) MarkKVChanged(ctx context.Context, accountID string, keys []string) (int64, error) {
	return executeWith(r, func() (int64, error) { return r.inner.MarkKVChanged(ctx, accountID, keys) })
}

func (r *ResilientStore) ListChanges(ctx context.Context, accountID string, after int64, limit int) (*storage.ChangePage, error) {
	return executeWith(r, func() (*storage.ChangePage, error) {
		return r.inner.ListChanges(ctx, accountID, after, limit)
	})
}

func (r *ResilientStore) AccountCursor(ctx context.Context, accountID string) (int64, int64, error) {
	var cursor, floor int64
	err := r.execute(func() error {
		var innerErr error
		cursor, floor, innerErr = r.inner.AccountCursor(ctx, accountID)
		return innerErr
	})
	return cursor, floor, err
}

// SweepOrphanChanges wraps the store's retention sweep with CB+retry.
func (r *ResilientStore) SweepOrphanChanges(ctx context.Context) (int, int, error) {
	var deleted, accounts int
	err := r.execute(func() error {
		var innerErr error
		deleted, accounts, innerErr = r.inner.SweepOrphanChanges(ctx)
		return innerErr
	})
	return deleted, accounts, err
}

// Close delegates directly to the inner store without CB or retry.
func (r *ResilientStore) Close() error {
	return r.inner.Close()
}
