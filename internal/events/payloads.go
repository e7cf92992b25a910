package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/mistakeknot/harbor/internal/core"
)

// UpdateContainer is the envelope for durable "update" events. Seq is the
// receiving account's change-log cursor for this mutation, so a device can
// spot gaps in the stream and fall back to cursor catch-up.
type UpdateContainer struct {
	ID        string          `json:"id"`
	Seq       int64           `json:"seq"`
	Body      json.RawMessage `json:"body"`
	CreatedAt int64           `json:"createdAt"`
}

func NewUpdateContainer(seq int64, body json.RawMessage) UpdateContainer {
	return UpdateContainer{
		ID:        uuid.NewString(),
		Seq:       seq,
		Body:      body,
		CreatedAt: time.Now().UnixMilli(),
	}
}

// SessionPayload is the wire shape of a session, shared by the socket and
// HTTP boundaries. All content fields are ciphertext.
type SessionPayload struct {
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

func SessionWire(s core.Session) SessionPayload {
	return SessionPayload{
		ID:                s.ID,
		Seq:               s.Seq,
		Metadata:          s.Metadata,
		MetadataVersion:   s.MetadataVersion,
		AgentState:        s.AgentState,
		AgentStateVersion: s.AgentStateVersion,
		Active:            s.Active,
		ActiveAt:          s.LastActiveAt.UnixMilli(),
		CreatedAt:         s.CreatedAt.UnixMilli(),
		UpdatedAt:         s.UpdatedAt.UnixMilli(),
	}
}

type MessagePayload struct {
	ID        string  `json:"id"`
	Seq       int64   `json:"seq"`
	LocalID   *string `json:"localId"`
	Content   string  `json:"content"`
	CreatedAt int64   `json:"createdAt"`
}

func MessageWire(m core.SessionMessage) MessagePayload {
	return MessagePayload{
		ID:        m.ID,
		Seq:       m.Seq,
		LocalID:   m.LocalID,
		Content:   m.Content,
		CreatedAt: m.CreatedAt.UnixMilli(),
	}
}

type MachinePayload struct {
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

func MachineWire(m core.Machine) MachinePayload {
	return MachinePayload{
		ID:                 m.ID,
		Metadata:           m.Metadata,
		MetadataVersion:    m.MetadataVersion,
		DaemonState:        m.DaemonState,
		DaemonStateVersion: m.DaemonStateVersion,
		Active:             m.Active,
		ActiveAt:           m.LastActiveAt.UnixMilli(),
		CreatedAt:          m.CreatedAt.UnixMilli(),
		UpdatedAt:          m.UpdatedAt.UnixMilli(),
	}
}

// Update bodies. Each carries a discriminator "t" the client switches on.

func NewMessageBody(sessionID string, msg core.SessionMessage) json.RawMessage {
	raw, _ := json.Marshal(map[string]any{
		"t":       "new-message",
		"sid":     sessionID,
		"message": MessageWire(msg),
	})
	return raw
}

func NewSessionBody(s core.Session) json.RawMessage {
	raw, _ := json.Marshal(map[string]any{
		"t":       "new-session",
		"session": SessionWire(s),
	})
	return raw
}

type LaneValue struct {
	Value   *string `json:"value"`
	Version int64   `json:"version"`
}

func UpdateSessionBody(sessionID string, metadata, agentState *LaneValue) json.RawMessage {
	body := map[string]any{"t": "update-session", "sid": sessionID}
	if metadata != nil {
		body["metadata"] = metadata
	}
	if agentState != nil {
		body["agentState"] = agentState
	}
	raw, _ := json.Marshal(body)
	return raw
}

func DeleteSessionBody(sessionID string) json.RawMessage {
	raw, _ := json.Marshal(map[string]any{"t": "delete-session", "sid": sessionID})
	return raw
}

func NewMachineBody(m core.Machine) json.RawMessage {
	raw, _ := json.Marshal(map[string]any{
		"t":       "new-machine",
		"machine": MachineWire(m),
	})
	return raw
}

func UpdateMachineBody(machineID string, metadata, daemonState *LaneValue) json.RawMessage {
	body := map[string]any{"t": "update-machine", "machineId": machineID}
	if metadata != nil {
		body["metadata"] = metadata
	}
	if daemonState != nil {
		body["daemonState"] = daemonState
	}
	raw, _ := json.Marshal(body)
	return raw
}

// Ephemeral payloads. Not durable, not in the change log; a device that
// misses one simply waits for the next.

func SessionActivityEphemeral(sessionID string, active bool, activeAt int64, thinking bool) map[string]any {
	return map[string]any{
		"type":     "activity",
		"id":       sessionID,
		"active":   active,
		"activeAt": activeAt,
		"thinking": thinking,
	}
}

func MachineActivityEphemeral(machineID string, active bool, activeAt int64) map[string]any {
	return map[string]any{
		"type":     "machine-activity",
		"id":       machineID,
		"active":   active,
		"activeAt": activeAt,
	}
}
