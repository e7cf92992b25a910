// Package client is the device-side sync engine: an HTTP client for entity
// reads and CAS writes, a socket client for live updates and RPC, and the
// reconciliation machinery (change planner, applier, seq tracking, pending
// outgoing queue) that keeps a local replica converged with the relay.
package client

import (
	"encoding/json"
	"fmt"
)

// Session mirrors the relay's session wire shape. All content fields are
// ciphertext; the client decrypts them elsewhere.
type Session struct {
	ID                string  `json:"id"`
	Seq               int64   `json:"seq"`
	Metadata          string  `json:"metadata"`
	MetadataVersion   int64   `json:"metadataVersion"`
	AgentState        *string `json:"agentState"`
	AgentStateVersion int64   `json:"agentStateVersion"`
	Active            bool    `json:"active"`
	ActiveAt          int64   `json:"activeAt"`
	CreatedAt         int64   `json:"createdAt"`
	UpdatedAt         int64   `json:"updatedAt"`
}

type Message struct {
	ID        string  `json:"id"`
	Seq       int64   `json:"seq"`
	LocalID   *string `json:"localId"`
	Content   string  `json:"content"`
	CreatedAt int64   `json:"createdAt"`
}

type Machine struct {
	ID                 string  `json:"id"`
	Metadata           string  `json:"metadata"`
	MetadataVersion    int64   `json:"metadataVersion"`
	DaemonState        *string `json:"daemonState"`
	DaemonStateVersion int64   `json:"daemonStateVersion"`
	Active             bool    `json:"active"`
	ActiveAt           int64   `json:"activeAt"`
	CreatedAt          int64   `json:"createdAt"`
	UpdatedAt          int64   `json:"updatedAt"`
}

type Change struct {
	Cursor    int64           `json:"cursor"`
	Kind      string          `json:"kind"`
	EntityID  string          `json:"entityId"`
	ChangedAt int64           `json:"changedAt"`
	Hint      json.RawMessage `json:"hint"`
}

type ChangesPage struct {
	Changes    []Change `json:"changes"`
	NextCursor int64    `json:"nextCursor"`
}

type CursorInfo struct {
	Cursor       int64 `json:"cursor"`
	ChangesFloor int64 `json:"changesFloor"`
}

// Lane is one CAS lane in a patch request or response.
type Lane struct {
	Value           *string `json:"value"`
	ExpectedVersion int64   `json:"expectedVersion,omitempty"`
	Version         int64   `json:"version,omitempty"`
}

// Update is the envelope of a durable server push. Seq is this account's
// change-log cursor for the mutation.
type Update struct {
	ID        string          `json:"id"`
	Seq       int64           `json:"seq"`
	Body      json.RawMessage `json:"body"`
	CreatedAt int64           `json:"createdAt"`
}

// UpdateBody is the decoded union of update bodies; T discriminates. Unknown
// tags are preserved so callers can apply the forward-compatible default.
type UpdateBody struct {
	T          string   `json:"t"`
	SID        string   `json:"sid"`
	MachineID  string   `json:"machineId"`
	Session    *Session `json:"session"`
	Machine    *Machine `json:"machine"`
	Msg        *Message `json:"message"`
	Metadata   *Lane    `json:"metadata"`
	AgentState *Lane    `json:"agentState"`
}

func DecodeUpdateBody(raw json.RawMessage) (UpdateBody, error) {
	var b UpdateBody
	if err := json.Unmarshal(raw, &b); err != nil {
		return UpdateBody{}, fmt.Errorf("decode update body: %w", err)
	}
	return b, nil
}

// APIError is any non-2xx response that is not one of the typed signals
// below.
type APIError struct {
	Status int
	Code   string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error %d: %s", e.Status, e.Code)
	}
	return fmt.Sprintf("api error %d", e.Status)
}

// VersionMismatchError is the client-side CAS conflict: it carries the
// winner's lanes so the caller can recompute and retry.
type VersionMismatchError struct {
	Metadata   *Lane
	AgentState *Lane
}

func (e *VersionMismatchError) Error() string { return "version-mismatch" }

// CursorGoneError means the requested cursor fell outside the relay's
// retention window; the client must snapshot and resume from CurrentCursor.
type CursorGoneError struct {
	CurrentCursor int64
}

func (e *CursorGoneError) Error() string {
	return fmt.Sprintf("cursor-gone: current cursor %d", e.CurrentCursor)
}

// ErrNotFound marks 404s so GetSession can fall back to the paginated scan.
type NotFoundError struct {
	Code string
}

func (e *NotFoundError) Error() string { return e.Code }
