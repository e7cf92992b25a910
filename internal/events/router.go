package events

import (
	"context"
	"encoding/json"
	"log"
	"sync"
)

const (
	EventUpdate    = "update"
	EventEphemeral = "ephemeral"
)

// Bus fans an event out to every relay instance (including the publisher).
// When a bus is configured the router publishes instead of delivering
// directly; each instance's subscriber feeds DeliverLocal.
type Bus interface {
	Publish(ctx context.Context, rooms []string, event string, body json.RawMessage, skipConnID string) error
}

// Router tracks live sockets by room and fans events out to them.
type Router struct {
	mu    sync.RWMutex
	rooms map[string]map[string]*Connection
	conns map[string]*Connection

	bus Bus
}

func NewRouter() *Router {
	return &Router{
		rooms: make(map[string]map[string]*Connection),
		conns: make(map[string]*Connection),
	}
}

// SetBus installs the cross-instance fabric. Must be called before the first
// Register.
func (r *Router) SetBus(bus Bus) {
	r.bus = bus
}

func (r *Router) Register(conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[conn.ID] = conn
	for _, room := range conn.Rooms() {
		members, ok := r.rooms[room]
		if !ok {
			members = make(map[string]*Connection)
			r.rooms[room] = members
		}
		members[conn.ID] = conn
	}
}

func (r *Router) Unregister(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[connID]
	if !ok {
		return
	}
	delete(r.conns, connID)
	for _, room := range conn.Rooms() {
		members, ok := r.rooms[room]
		if !ok {
			continue
		}
		delete(members, connID)
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
}

// Connection looks up a live socket by id. The RPC directory uses this to
// push rpc-request frames at lease holders.
func (r *Router) Connection(connID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[connID]
	return conn, ok
}

// EmitUpdate sends a durable update container to one account's recipients.
// skipConnID excludes the socket that caused the mutation; it already has
// the result in its ack.
func (r *Router) EmitUpdate(ctx context.Context, accountID string, filter RecipientFilter, seq int64, body json.RawMessage, skipConnID string) {
	container := NewUpdateContainer(seq, body)
	raw, err := json.Marshal(container)
	if err != nil {
		log.Printf("events: marshal update: %v", err)
		return
	}
	r.emit(ctx, filter.TargetRooms(accountID), EventUpdate, raw, skipConnID)
}

// EmitEphemeral sends a transient event. Unlike updates, ephemerals may
// target the cross-type user room.
func (r *Router) EmitEphemeral(ctx context.Context, accountID string, filter RecipientFilter, payload any, skipConnID string) {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Printf("events: marshal ephemeral: %v", err)
		return
	}
	r.emit(ctx, filter.TargetRooms(accountID), EventEphemeral, raw, skipConnID)
}

func (r *Router) emit(ctx context.Context, rooms []string, event string, body json.RawMessage, skipConnID string) {
	if r.bus != nil {
		if err := r.bus.Publish(ctx, rooms, event, body, skipConnID); err != nil {
			log.Printf("events: bus publish: %v", err)
			// Degrade to local-only delivery rather than dropping the event.
			r.DeliverLocal(rooms, event, body, skipConnID)
		}
		return
	}
	r.DeliverLocal(rooms, event, body, skipConnID)
}

// DeliverLocal pushes the event to every local member of the rooms, at most
// once per socket.
func (r *Router) DeliverLocal(rooms []string, event string, body json.RawMessage, skipConnID string) {
	for _, conn := range r.members(rooms, skipConnID) {
		conn.Emitter.Emit(event, body)
	}
}

func (r *Router) members(rooms []string, skipConnID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []*Connection
	for _, room := range rooms {
		for id, conn := range r.rooms[room] {
			if id == skipConnID {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, conn)
		}
	}
	return out
}
