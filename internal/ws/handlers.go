package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/mistakeknot/harbor/internal/core"
	"github.com/mistakeknot/harbor/internal/events"
	"github.com/mistakeknot/harbor/internal/relay"
	"github.com/mistakeknot/harbor/internal/rpc"
)

// connHandler dispatches one connection's event frames. Message frames go
// through an ordered queue: a session's message seqs must match the order
// the client sent them, and concurrent handling would race the appends.
// Everything else is version-guarded or idempotent and may run concurrently.
type connHandler struct {
	svc       *relay.Service
	directory *rpc.Directory
	conn      *events.Connection
	sock      *socket

	msgCh chan queued
	done  chan struct{}
}

type queued struct {
	ctx   context.Context
	frame Frame
}

func newConnHandler(svc *relay.Service, directory *rpc.Directory, conn *events.Connection, sock *socket) *connHandler {
	h := &connHandler{
		svc:       svc,
		directory: directory,
		conn:      conn,
		sock:      sock,
		msgCh:     make(chan queued, 64),
		done:      make(chan struct{}),
	}
	go h.messageWorker()
	return h
}

func (h *connHandler) stop() {
	close(h.done)
}

func (h *connHandler) messageWorker() {
	for {
		select {
		case <-h.done:
			return
		case q := <-h.msgCh:
			h.handleMessage(q.ctx, q.frame)
		}
	}
}

func (h *connHandler) dispatch(ctx context.Context, frame Frame) {
	if frame.Event == "message" {
		select {
		case h.msgCh <- queued{ctx: ctx, frame: frame}:
		default:
			// Queue overflow: the client is flooding faster than the store
			// can append. Reject rather than block the read loop.
			h.sock.ack(frame.ID, map[string]any{"ok": false, "error": "overloaded"})
		}
		return
	}
	go h.handle(ctx, frame)
}

func (h *connHandler) handle(ctx context.Context, frame Frame) {
	switch frame.Event {
	case "update-metadata":
		h.handleUpdateMetadata(ctx, frame)
	case "update-state":
		h.handleUpdateState(ctx, frame)
	case "machine-update-metadata":
		h.handleMachineUpdateMetadata(ctx, frame)
	case "machine-update-state":
		h.handleMachineUpdateState(ctx, frame)
	case "session-alive":
		h.handleSessionAlive(ctx, frame)
	case "session-end":
		h.handleSessionEnd(ctx, frame)
	case "machine-alive":
		h.handleMachineAlive(ctx, frame)
	case "rpc-register":
		h.handleRPCRegister(ctx, frame)
	case "rpc-unregister":
		h.handleRPCUnregister(ctx, frame)
	case "rpc-call":
		h.handleRPCCall(ctx, frame)
	default:
		log.Printf("ws: unknown event %q from %s", frame.Event, h.conn.ID)
		h.sock.ack(frame.ID, map[string]any{"ok": false, "error": "unknown-event"})
	}
}

func (h *connHandler) handleMessage(ctx context.Context, frame Frame) {
	var p struct {
		SID     string  `json:"sid"`
		Message string  `json:"message"`
		LocalID *string `json:"localId"`
	}
	if err := json.Unmarshal(frame.Body, &p); err != nil || p.SID == "" || p.Message == "" {
		h.sock.ack(frame.ID, map[string]any{"ok": false, "error": core.CodeInvalidParams})
		return
	}
	res, err := h.svc.PostMessage(ctx, h.conn.AccountID, p.SID, p.Message, p.LocalID, h.conn.ID)
	if err != nil {
		h.sock.ack(frame.ID, map[string]any{"ok": false, "error": core.ErrorCode(err)})
		return
	}
	h.sock.ack(frame.ID, map[string]any{
		"ok":      true,
		"id":      res.Message.ID,
		"seq":     res.Message.Seq,
		"localId": res.Message.LocalID,
	})
}

// laneAck converts a CAS outcome into the shared ack shape. field names the
// lane key in the ack ("metadata", "agentState", "daemonState").
func laneAck(field string, up *storageLane, err error) map[string]any {
	if err == nil {
		return map[string]any{"result": "success", "version": up.Version, field: up.Value}
	}
	var vm *core.VersionMismatchError
	if errors.As(err, &vm) {
		return map[string]any{"result": "version-mismatch", "version": vm.Version, field: vm.Value}
	}
	switch core.ErrorCode(err) {
	case core.CodeForbidden:
		return map[string]any{"result": "forbidden"}
	case core.CodeSessionNotFound, core.CodeMachineNotFound:
		return map[string]any{"result": "error", "error": core.ErrorCode(err)}
	default:
		return map[string]any{"result": "error", "error": core.ErrorCode(err)}
	}
}

type storageLane struct {
	Version int64
	Value   *string
}

func (h *connHandler) handleUpdateMetadata(ctx context.Context, frame Frame) {
	var p struct {
		SID             string `json:"sid"`
		ExpectedVersion int64  `json:"expectedVersion"`
		Metadata        string `json:"metadata"`
	}
	if err := json.Unmarshal(frame.Body, &p); err != nil || p.SID == "" {
		h.sock.ack(frame.ID, map[string]any{"result": "error", "error": core.CodeInvalidParams})
		return
	}
	up, err := h.svc.UpdateSessionMetadata(ctx, h.conn.AccountID, p.SID, p.ExpectedVersion, p.Metadata, h.conn.ID)
	var lane *storageLane
	if up != nil {
		lane = &storageLane{Version: up.Version, Value: up.Value}
	}
	h.sock.ack(frame.ID, laneAck("metadata", lane, err))
}

func (h *connHandler) handleUpdateState(ctx context.Context, frame Frame) {
	var p struct {
		SID             string  `json:"sid"`
		ExpectedVersion int64   `json:"expectedVersion"`
		AgentState      *string `json:"agentState"`
	}
	if err := json.Unmarshal(frame.Body, &p); err != nil || p.SID == "" {
		h.sock.ack(frame.ID, map[string]any{"result": "error", "error": core.CodeInvalidParams})
		return
	}
	up, err := h.svc.UpdateSessionAgentState(ctx, h.conn.AccountID, p.SID, p.ExpectedVersion, p.AgentState, h.conn.ID)
	var lane *storageLane
	if up != nil {
		lane = &storageLane{Version: up.Version, Value: up.Value}
	}
	h.sock.ack(frame.ID, laneAck("agentState", lane, err))
}

func (h *connHandler) handleMachineUpdateMetadata(ctx context.Context, frame Frame) {
	var p struct {
		MachineID       string `json:"machineId"`
		ExpectedVersion int64  `json:"expectedVersion"`
		Metadata        string `json:"metadata"`
	}
	if err := json.Unmarshal(frame.Body, &p); err != nil || p.MachineID == "" {
		h.sock.ack(frame.ID, map[string]any{"result": "error", "error": core.CodeInvalidParams})
		return
	}
	up, err := h.svc.UpdateMachineMetadata(ctx, h.conn.AccountID, p.MachineID, p.ExpectedVersion, p.Metadata, h.conn.ID)
	var lane *storageLane
	if up != nil {
		lane = &storageLane{Version: up.Version, Value: up.Value}
	}
	h.sock.ack(frame.ID, laneAck("metadata", lane, err))
}

func (h *connHandler) handleMachineUpdateState(ctx context.Context, frame Frame) {
	var p struct {
		MachineID       string  `json:"machineId"`
		ExpectedVersion int64   `json:"expectedVersion"`
		DaemonState     *string `json:"daemonState"`
	}
	if err := json.Unmarshal(frame.Body, &p); err != nil || p.MachineID == "" {
		h.sock.ack(frame.ID, map[string]any{"result": "error", "error": core.CodeInvalidParams})
		return
	}
	up, err := h.svc.UpdateMachineDaemonState(ctx, h.conn.AccountID, p.MachineID, p.ExpectedVersion, p.DaemonState, h.conn.ID)
	var lane *storageLane
	if up != nil {
		lane = &storageLane{Version: up.Version, Value: up.Value}
	}
	h.sock.ack(frame.ID, laneAck("daemonState", lane, err))
}

func livenessTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Now().UTC()
	}
	return time.UnixMilli(ms).UTC()
}

func (h *connHandler) handleSessionAlive(ctx context.Context, frame Frame) {
	var p struct {
		SID      string `json:"sid"`
		Time     int64  `json:"time"`
		Thinking bool   `json:"thinking"`
	}
	if err := json.Unmarshal(frame.Body, &p); err != nil || p.SID == "" {
		return
	}
	if err := h.svc.SessionAlive(ctx, h.conn.AccountID, p.SID, livenessTime(p.Time), p.Thinking, h.conn.ID); err != nil {
		log.Printf("ws: session-alive %s: %v", p.SID, err)
	}
}

func (h *connHandler) handleSessionEnd(ctx context.Context, frame Frame) {
	var p struct {
		SID  string `json:"sid"`
		Time int64  `json:"time"`
	}
	if err := json.Unmarshal(frame.Body, &p); err != nil || p.SID == "" {
		return
	}
	if err := h.svc.SessionEnd(ctx, h.conn.AccountID, p.SID, livenessTime(p.Time), h.conn.ID); err != nil {
		log.Printf("ws: session-end %s: %v", p.SID, err)
	}
}

func (h *connHandler) handleMachineAlive(ctx context.Context, frame Frame) {
	var p struct {
		MachineID string `json:"machineId"`
		Time      int64  `json:"time"`
	}
	if err := json.Unmarshal(frame.Body, &p); err != nil || p.MachineID == "" {
		return
	}
	if err := h.svc.MachineAlive(ctx, h.conn.AccountID, p.MachineID, livenessTime(p.Time), h.conn.ID); err != nil {
		log.Printf("ws: machine-alive %s: %v", p.MachineID, err)
	}
}

func (h *connHandler) handleRPCRegister(ctx context.Context, frame Frame) {
	var p struct {
		Method string `json:"method"`
	}
	if err := json.Unmarshal(frame.Body, &p); err != nil || p.Method == "" {
		h.sock.ack(frame.ID, map[string]any{"success": false, "error": core.CodeInvalidParams})
		return
	}
	if err := h.directory.Register(ctx, h.conn.AccountID, h.conn.ID, p.Method); err != nil {
		h.sock.ack(frame.ID, map[string]any{"success": false, "error": core.ErrorCode(err)})
		return
	}
	h.sock.ack(frame.ID, map[string]any{"success": true})
}

func (h *connHandler) handleRPCUnregister(ctx context.Context, frame Frame) {
	var p struct {
		Method string `json:"method"`
	}
	if err := json.Unmarshal(frame.Body, &p); err != nil || p.Method == "" {
		h.sock.ack(frame.ID, map[string]any{"success": false, "error": core.CodeInvalidParams})
		return
	}
	if err := h.directory.Unregister(ctx, h.conn.AccountID, h.conn.ID, p.Method); err != nil {
		h.sock.ack(frame.ID, map[string]any{"success": false, "error": core.ErrorCode(err)})
		return
	}
	h.sock.ack(frame.ID, map[string]any{"success": true})
}

func (h *connHandler) handleRPCCall(ctx context.Context, frame Frame) {
	var p struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(frame.Body, &p); err != nil || p.Method == "" {
		h.sock.ack(frame.ID, map[string]any{"ok": false, "error": core.CodeInvalidParams})
		return
	}
	result, err := h.directory.Call(ctx, h.conn.AccountID, h.conn.ID, p.Method, p.Params)
	if err != nil {
		h.sock.ack(frame.ID, map[string]any{"ok": false, "error": core.ErrorCode(err)})
		return
	}
	h.sock.ack(frame.ID, map[string]any{"ok": true, "result": result})
}
