package core

import (
	"encoding/json"
	"time"
)

type ChangeKind string

const (
	ChangeKindSession ChangeKind = "session"
	ChangeKindShare   ChangeKind = "share"
	ChangeKindMachine ChangeKind = "machine"
	ChangeKindAccount ChangeKind = "account"
	ChangeKindKV      ChangeKind = "kv"
)

type AccessLevel string

const (
	AccessView AccessLevel = "view"
	AccessEdit AccessLevel = "edit"
	AccessFull AccessLevel = "full"
)

// CanEdit reports whether the share level permits writes to the session.
func (l AccessLevel) CanEdit() bool {
	return l == AccessEdit || l == AccessFull
}

// CanApprovePermissions reports whether the share level permits answering
// delegated permission-approval RPCs on the owner's behalf.
func (l AccessLevel) CanApprovePermissions() bool {
	return l == AccessFull
}

type Account struct {
	ID           string
	Seq          int64
	ChangesFloor int64
	CreatedAt    time.Time
}

// Session holds two independent CAS lanes: metadata and agent state. Their
// versions are never conflated; a metadata write does not need to know the
// current agent-state version.
type Session struct {
	ID                string
	AccountID         string
	Seq               int64
	Metadata          string
	MetadataVersion   int64
	AgentState        *string
	AgentStateVersion int64
	Active            bool
	LastActiveAt      time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type SessionMessage struct {
	ID        string
	SessionID string
	Seq       int64
	LocalID   *string
	Content   string
	CreatedAt time.Time
}

type SessionShare struct {
	SessionID       string
	SharedWithID    string
	AccessLevel     AccessLevel
	CreatedAt       time.Time
}

// Machine mirrors Session's lane layout with daemon state instead of agent
// state; the daemon state carries liveness fields (pid, startedAt) opaque to
// the relay.
type Machine struct {
	ID                 string
	AccountID          string
	Metadata           string
	MetadataVersion    int64
	DaemonState        *string
	DaemonStateVersion int64
	Active             bool
	LastActiveAt       time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

type ChangeEntry struct {
	Cursor    int64
	Kind      ChangeKind
	EntityID  string
	ChangedAt time.Time
	Hint      json.RawMessage
}

// ParticipantCursor pairs an interested account with the change-log cursor
// its change row received, so a mutation's caller can fan out without a
// second read.
type ParticipantCursor struct {
	AccountID string
	Cursor    int64
}
