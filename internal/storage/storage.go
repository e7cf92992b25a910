package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mistakeknot/harbor/internal/core"
)

// LaneUpdate is the result of a successful single-lane CAS write.
type LaneUpdate struct {
	Version            int64
	Value              *string
	ParticipantCursors []core.ParticipantCursor
}

// PatchUpdate is the result of a successful combined patch; lanes not part of
// the patch are nil. Only one change row is written even when both lanes
// change.
type PatchUpdate struct {
	Metadata           *LaneState
	AgentState         *LaneState
	ParticipantCursors []core.ParticipantCursor
}

type LaneState struct {
	Version int64
	Value   *string
}

// LanePatch is one lane of a combined patch request.
type LanePatch struct {
	Value           *string
	ExpectedVersion int64
}

// AppendResult reports a message append. DidWrite is false when the localId
// matched an existing row; no change rows are written in that case.
type AppendResult struct {
	Message            core.SessionMessage
	DidWrite           bool
	ParticipantCursors []core.ParticipantCursor
}

type MessageQuery struct {
	AfterSeq  int64
	BeforeSeq int64
	Limit     int
}

type ChangePage struct {
	Changes    []core.ChangeEntry
	NextCursor int64
}

type Store interface {
	CreateAccount(ctx context.Context, id string) (core.Account, error)
	GetAccount(ctx context.Context, id string) (core.Account, error)

	CreateSession(ctx context.Context, accountID, metadata string, agentState *string) (core.Session, []core.ParticipantCursor, error)
	GetSession(ctx context.Context, id string) (core.Session, error)
	ListSessions(ctx context.Context, accountID string, afterID string, limit int) ([]core.Session, error)
	DeleteSession(ctx context.Context, actorID, id string) ([]core.ParticipantCursor, error)

	UpdateSessionMetadata(ctx context.Context, actorID, sessionID string, expectedVersion int64, ciphertext string) (*LaneUpdate, error)
	UpdateSessionAgentState(ctx context.Context, actorID, sessionID string, expectedVersion int64, ciphertext *string) (*LaneUpdate, error)
	PatchSession(ctx context.Context, actorID, sessionID string, metadata, agentState *LanePatch) (*PatchUpdate, error)

	AppendSessionMessage(ctx context.Context, actorID, sessionID, ciphertext string, localID *string) (*AppendResult, error)
	ListSessionMessages(ctx context.Context, actorID, sessionID string, q MessageQuery) ([]core.SessionMessage, error)

	CreateMachine(ctx context.Context, accountID, machineID, metadata string, daemonState *string) (core.Machine, []core.ParticipantCursor, error)
	GetMachine(ctx context.Context, accountID, id string) (core.Machine, error)
	ListMachines(ctx context.Context, accountID string) ([]core.Machine, error)
	UpdateMachineMetadata(ctx context.Context, actorID, machineID string, expectedVersion int64, ciphertext string) (*LaneUpdate, error)
	UpdateMachineDaemonState(ctx context.Context, actorID, machineID string, expectedVersion int64, ciphertext *string) (*LaneUpdate, error)

	MarkSessionAlive(ctx context.Context, accountID, sessionID string, at time.Time) error
	MarkSessionEnded(ctx context.Context, accountID, sessionID string, at time.Time) error
	MarkMachineAlive(ctx context.Context, accountID, machineID string, at time.Time) error

	ShareSession(ctx context.Context, sessionID, withAccountID string, level core.AccessLevel) ([]core.ParticipantCursor, error)
	SessionParticipants(ctx context.Context, sessionID string) ([]string, error)
	SessionOwner(ctx context.Context, sessionID string) (string, error)
	CanApprovePermissions(ctx context.Context, accountID, sessionID string) (bool, error)

	MarkKVChanged(ctx context.Context, accountID string, keys []string) (int64, error)
	ListChanges(ctx context.Context, accountID string, after int64, limit int) (*ChangePage, error)
	AccountCursor(ctx context.Context, accountID string) (cursor, changesFloor int64, err error)
}

// Hint payloads are opaque kind-specific catch-up shortcuts; helpers here
// build the two shapes the relay emits.
func MessageHint(lastMessageSeq int64, lastMessageID string) json.RawMessage {
	raw, _ := json.Marshal(map[string]any{"lastMessageSeq": lastMessageSeq, "lastMessageId": lastMessageID})
	return raw
}

func KeysHint(keys []string) json.RawMessage {
	raw, _ := json.Marshal(map[string]any{"keys": keys})
	return raw
}

func FullHint() json.RawMessage {
	return json.RawMessage(`{"full":true}`)
}
