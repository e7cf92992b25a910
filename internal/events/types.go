package events

import (
	"context"
	"encoding/json"
	"time"
)

// ClientType determines which rooms a socket joins and which update streams
// it receives.
type ClientType string

const (
	// ClientUserScoped is an interactive device (phone, desktop) that wants
	// the full per-account update stream.
	ClientUserScoped ClientType = "user-scoped"
	// ClientSessionScoped is an agent bound to one session; it receives
	// session-targeted events but not per-account update containers.
	ClientSessionScoped ClientType = "session-scoped"
	// ClientMachineScoped is a daemon bound to one machine.
	ClientMachineScoped ClientType = "machine-scoped"
)

func (t ClientType) Valid() bool {
	switch t {
	case ClientUserScoped, ClientSessionScoped, ClientMachineScoped:
		return true
	}
	return false
}

// Emitter pushes events to one socket. EmitWithAck blocks until the peer
// acknowledges the frame or the timeout elapses.
type Emitter interface {
	Emit(event string, body any)
	EmitWithAck(ctx context.Context, event string, body any, timeout time.Duration) (json.RawMessage, error)
}

// Connection is a registered socket. ID is unique per socket, not per
// device: a reconnecting device gets a fresh Connection.
type Connection struct {
	ID        string
	AccountID string
	Type      ClientType
	SessionID string
	MachineID string
	Emitter   Emitter
}

// Rooms returns the rooms this connection joins at registration time.
func (c *Connection) Rooms() []string {
	rooms := []string{UserRoom(c.AccountID)}
	switch c.Type {
	case ClientUserScoped:
		rooms = append(rooms, UserScopedRoom(c.AccountID))
	case ClientSessionScoped:
		rooms = append(rooms, SessionRoom(c.SessionID), SessionScopedRoom(c.SessionID, c.AccountID))
	case ClientMachineScoped:
		rooms = append(rooms, MachineRoom(c.MachineID, c.AccountID))
	}
	return rooms
}
