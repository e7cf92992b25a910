package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Encryptor seals and opens the session metadata blob. The queue never sees
// key material; callers provide whatever primitive their platform uses.
type Encryptor interface {
	Encrypt(plaintext []byte) (string, error)
	Decrypt(ciphertext string) ([]byte, error)
}

// PendingMessage is one outgoing message the relay has not yet confirmed.
type PendingMessage struct {
	LocalID    string `json:"localId"`
	Ciphertext string `json:"ciphertext"`
	CreatedAt  int64  `json:"createdAt"`
	UpdatedAt  int64  `json:"updatedAt"`
}

// pendingState is the slice of the decrypted metadata the queue owns; every
// other field round-trips untouched through rest.
type pendingState struct {
	Pending []PendingMessage `json:"pendingMessages,omitempty"`
}

// PendingQueue keeps not-yet-confirmed outgoing messages inside the
// session's encrypted metadata, so the queue survives process restarts on
// any device that can decrypt the session. All metadata writes go through
// the CAS lane and retry with jitter on conflict.
type PendingQueue struct {
	client    *Client
	enc       Encryptor
	sessionID string
	backoff   Backoff

	mu        sync.Mutex
	inFlight  string
	discarded map[string]bool
}

func NewPendingQueue(c *Client, enc Encryptor, sessionID string) *PendingQueue {
	return &PendingQueue{
		client:    c,
		enc:       enc,
		sessionID: sessionID,
		backoff:   Backoff{Min: 100 * time.Millisecond, Max: 5 * time.Second, Factor: 2, Jitter: 0.3},
		discarded: make(map[string]bool),
	}
}

// Enqueue persists a new outgoing message into the metadata-embedded queue
// and returns its localId. The caller renders it optimistically and then
// sends it; Confirm removes it once the relay acks.
func (q *PendingQueue) Enqueue(ctx context.Context, ciphertext string) (string, error) {
	localID := uuid.NewString()
	now := time.Now().UnixMilli()
	err := q.mutate(ctx, func(state *pendingState) {
		state.Pending = append(state.Pending, PendingMessage{
			LocalID:    localID,
			Ciphertext: ciphertext,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	})
	if err != nil {
		return "", err
	}
	return localID, nil
}

// Confirm drops a delivered message from the queue and frees the in-flight
// slot.
func (q *PendingQueue) Confirm(ctx context.Context, localID string) error {
	q.mu.Lock()
	if q.inFlight == localID {
		q.inFlight = ""
	}
	delete(q.discarded, localID)
	q.mu.Unlock()

	return q.mutate(ctx, func(state *pendingState) {
		state.Pending = removePending(state.Pending, localID)
	})
}

// Discard marks a message as abandoned: it stays out of sending but remains
// in the durable queue until confirmed or purged, so another device can
// still see it failed.
func (q *PendingQueue) Discard(localID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.discarded[localID] = true
	if q.inFlight == localID {
		q.inFlight = ""
	}
}

// Load reads the durable queue from the session metadata.
func (q *PendingQueue) Load(ctx context.Context) ([]PendingMessage, error) {
	sess, err := q.client.GetSession(ctx, q.sessionID)
	if err != nil {
		return nil, err
	}
	state, _, err := q.decodeState(sess.Metadata)
	if err != nil {
		return nil, err
	}
	return state.Pending, nil
}

// NextUnsent claims the oldest pending message that is neither discarded
// nor already in flight. Release or Confirm frees the slot.
func (q *PendingQueue) NextUnsent(ctx context.Context) (*PendingMessage, error) {
	pending, err := q.Load(ctx)
	if err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inFlight != "" {
		return nil, nil
	}
	for i := range pending {
		if q.discarded[pending[i].LocalID] {
			continue
		}
		q.inFlight = pending[i].LocalID
		msg := pending[i]
		return &msg, nil
	}
	return nil, nil
}

// Release frees the in-flight slot after a failed send so the message can
// be retried.
func (q *PendingQueue) Release(localID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inFlight == localID {
		q.inFlight = ""
	}
}

// Flush sends queued messages over the socket one at a time, confirming
// each ack. It stops at the first failure; the caller reschedules with
// backoff, and the next Flush re-reads current state before resending.
func (q *PendingQueue) Flush(ctx context.Context, sock *Socket) error {
	for {
		msg, err := q.NextUnsent(ctx)
		if err != nil {
			return err
		}
		if msg == nil {
			return nil
		}
		body := map[string]any{"sid": q.sessionID, "message": msg.Ciphertext, "localId": msg.LocalID}
		resp, err := sock.CallWithAck(ctx, "message", body, MessageAckTimeout)
		if err != nil {
			q.Release(msg.LocalID)
			return err
		}
		var ack struct {
			OK bool `json:"ok"`
		}
		if err := json.Unmarshal(resp, &ack); err != nil || !ack.OK {
			q.Release(msg.LocalID)
			return fmt.Errorf("message rejected: %s", resp)
		}
		if err := q.Confirm(ctx, msg.LocalID); err != nil {
			return err
		}
	}
}

// mutate runs a read-modify-write cycle on the metadata-embedded state. On
// CAS conflict it rebases onto the winner's lane carried in the mismatch,
// so a retry costs no extra round trip.
func (q *PendingQueue) mutate(ctx context.Context, fn func(*pendingState)) error {
	sess, err := q.client.GetSession(ctx, q.sessionID)
	if err != nil {
		return err
	}
	metadata, version := sess.Metadata, sess.MetadataVersion

	for attempt := 0; ; attempt++ {
		state, rest, err := q.decodeState(metadata)
		if err != nil {
			return err
		}
		fn(&state)
		blob, err := q.encodeState(state, rest)
		if err != nil {
			return err
		}
		_, err = q.client.PatchSession(ctx, q.sessionID, &Lane{Value: &blob, ExpectedVersion: version}, nil)
		if err == nil {
			return nil
		}
		var vm *VersionMismatchError
		if !errors.As(err, &vm) {
			return err
		}
		if vm.Metadata != nil && vm.Metadata.Value != nil {
			metadata, version = *vm.Metadata.Value, vm.Metadata.Version
		} else {
			// The mismatch did not carry the lane; fall back to a read.
			fresh, err := q.client.GetSession(ctx, q.sessionID)
			if err != nil {
				return err
			}
			metadata, version = fresh.Metadata, fresh.MetadataVersion
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(q.backoff.Delay(attempt)):
		}
	}
}

// decodeState opens the metadata blob and splits out the queue's fields;
// rest keeps every other metadata field intact for re-encryption.
func (q *PendingQueue) decodeState(metadata string) (pendingState, map[string]json.RawMessage, error) {
	plain, err := q.enc.Decrypt(metadata)
	if err != nil {
		return pendingState{}, nil, fmt.Errorf("decrypt metadata: %w", err)
	}
	rest := make(map[string]json.RawMessage)
	if len(plain) > 0 {
		if err := json.Unmarshal(plain, &rest); err != nil {
			return pendingState{}, nil, fmt.Errorf("parse metadata: %w", err)
		}
	}
	var state pendingState
	if raw, ok := rest["pendingMessages"]; ok {
		if err := json.Unmarshal(raw, &state.Pending); err != nil {
			return pendingState{}, nil, fmt.Errorf("parse pending queue: %w", err)
		}
		delete(rest, "pendingMessages")
	}
	return state, rest, nil
}

func (q *PendingQueue) encodeState(state pendingState, rest map[string]json.RawMessage) (string, error) {
	if len(state.Pending) > 0 {
		raw, err := json.Marshal(state.Pending)
		if err != nil {
			return "", err
		}
		rest["pendingMessages"] = raw
	} else {
		delete(rest, "pendingMessages")
	}
	plain, err := json.Marshal(rest)
	if err != nil {
		return "", err
	}
	return q.enc.Encrypt(plain)
}

func removePending(pending []PendingMessage, localID string) []PendingMessage {
	out := pending[:0]
	for _, msg := range pending {
		if msg.LocalID != localID {
			out = append(out, msg)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
