package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const writeTimeout = 5 * time.Second

// socket wraps a websocket connection with serialized writes and pending-ack
// bookkeeping. It implements events.Emitter so the router and the RPC
// directory can push frames without knowing about websockets.
type socket struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	ackMu   sync.Mutex
	nextID  int64
	pending map[int64]chan json.RawMessage
}

func newSocket(conn *websocket.Conn) *socket {
	return &socket{conn: conn, pending: make(map[int64]chan json.RawMessage)}
}

func (s *socket) write(frame Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, s.conn, frame)
}

func marshalBody(body any) (json.RawMessage, error) {
	if raw, ok := body.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(body)
}

// Emit pushes a fire-and-forget event. Write failures are ignored here; the
// read loop notices the dead connection and tears it down.
func (s *socket) Emit(event string, body any) {
	raw, err := marshalBody(body)
	if err != nil {
		return
	}
	_ = s.write(Frame{Type: FrameEvent, Event: event, Body: raw})
}

// EmitWithAck pushes an event and blocks until the peer acks it or the
// timeout elapses.
func (s *socket) EmitWithAck(ctx context.Context, event string, body any, timeout time.Duration) (json.RawMessage, error) {
	raw, err := marshalBody(body)
	if err != nil {
		return nil, err
	}

	s.ackMu.Lock()
	s.nextID++
	id := s.nextID
	ch := make(chan json.RawMessage, 1)
	s.pending[id] = ch
	s.ackMu.Unlock()

	defer func() {
		s.ackMu.Lock()
		delete(s.pending, id)
		s.ackMu.Unlock()
	}()

	if err := s.write(Frame{Type: FrameEvent, ID: id, Event: event, Body: raw}); err != nil {
		return nil, fmt.Errorf("write: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("ack timeout after %s", timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// handleAck resolves a pending EmitWithAck. Unknown ids (late acks after
// timeout) are dropped.
func (s *socket) handleAck(id int64, body json.RawMessage) {
	s.ackMu.Lock()
	ch, ok := s.pending[id]
	s.ackMu.Unlock()
	if ok {
		select {
		case ch <- body:
		default:
		}
	}
}

// ack answers a client event frame.
func (s *socket) ack(id int64, body any) {
	if id == 0 {
		return
	}
	raw, err := marshalBody(body)
	if err != nil {
		return
	}
	_ = s.write(Frame{Type: FrameAck, ID: id, Body: raw})
}

func (s *socket) close(code websocket.StatusCode, reason string) {
	_ = s.conn.Close(code, reason)
}
