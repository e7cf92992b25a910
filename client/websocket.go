package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// frame mirrors the relay's socket protocol.
type frame struct {
	Type  string          `json:"type"`
	ID    int64           `json:"id,omitempty"`
	Event string          `json:"event,omitempty"`
	Body  json.RawMessage `json:"body,omitempty"`
}

// UpdateHandler receives durable server pushes.
type UpdateHandler func(update Update)

// EphemeralHandler receives best-effort presence payloads.
type EphemeralHandler func(body json.RawMessage)

// RPCHandler answers a relayed rpc-request for a method this socket
// registered. The returned payload becomes the caller's result.
type RPCHandler func(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error)

// Socket is the device's live connection: it receives updates, answers
// relayed RPC requests, and sends acked events.
type Socket struct {
	baseURL    string
	token      string
	clientType string
	sessionID  string
	machineID  string
	reconnect  bool
	backoff    Backoff

	onUpdate    UpdateHandler
	onEphemeral EphemeralHandler
	rpcHandler  RPCHandler

	mu      sync.Mutex
	conn    *websocket.Conn
	nextID  int64
	pending map[int64]chan json.RawMessage
	done    chan struct{}
	closed  bool
}

type SocketOption func(*Socket)

func WithSocketToken(token string) SocketOption {
	return func(s *Socket) { s.token = token }
}

// WithClientType tags the connection: "user-scoped" (default),
// "session-scoped" (requires sessionID), or "machine-scoped" (machineID).
func WithClientType(clientType, sessionID, machineID string) SocketOption {
	return func(s *Socket) {
		s.clientType = clientType
		s.sessionID = sessionID
		s.machineID = machineID
	}
}

func WithReconnect(enabled bool) SocketOption {
	return func(s *Socket) { s.reconnect = enabled }
}

func WithOnUpdate(h UpdateHandler) SocketOption {
	return func(s *Socket) { s.onUpdate = h }
}

func WithOnEphemeral(h EphemeralHandler) SocketOption {
	return func(s *Socket) { s.onEphemeral = h }
}

func WithRPCHandler(h RPCHandler) SocketOption {
	return func(s *Socket) { s.rpcHandler = h }
}

func NewSocket(baseURL string, opts ...SocketOption) *Socket {
	s := &Socket{
		baseURL:   baseURL,
		reconnect: true,
		backoff:   DefaultBackoff(),
		pending:   make(map[int64]chan json.RawMessage),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Socket) Connect(ctx context.Context) error {
	wsURL, err := s.buildURL()
	if err != nil {
		return fmt.Errorf("build socket url: %w", err)
	}
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("socket dial: %w", err)
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	go s.readLoop(ctx, conn)
	return nil
}

func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client closing")
	}
	return nil
}

func (s *Socket) buildURL() (string, error) {
	u, err := url.Parse(s.baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/v1/updates"
	q := u.Query()
	if s.token != "" {
		q.Set("token", s.token)
	}
	if s.clientType != "" {
		q.Set("clientType", s.clientType)
	}
	if s.sessionID != "" {
		q.Set("sessionId", s.sessionID)
	}
	if s.machineID != "" {
		q.Set("machineId", s.machineID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Emit sends a fire-and-forget event.
func (s *Socket) Emit(ctx context.Context, event string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return s.write(ctx, frame{Type: "event", Event: event, Body: raw})
}

// CallWithAck sends an event with an id and waits for the matching ack.
func (s *Socket) CallWithAck(ctx context.Context, event string, body any, timeout time.Duration) (json.RawMessage, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	ch := make(chan json.RawMessage, 1)
	s.pending[id] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	if err := s.write(ctx, frame{Type: "event", ID: id, Event: event, Body: raw}); err != nil {
		return nil, err
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
	case <-s.done:
		return nil, fmt.Errorf("socket closed")
	}
}

func (s *Socket) write(ctx context.Context, f frame) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	return wsjson.Write(ctx, conn, f)
}

func (s *Socket) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var f frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			select {
			case <-s.done:
				return
			case <-ctx.Done():
				return
			default:
			}
			if s.reconnect {
				s.redial(ctx)
			}
			return
		}
		switch f.Type {
		case "ack":
			s.resolveAck(f.ID, f.Body)
		case "event":
			s.handleEvent(ctx, f)
		}
	}
}

func (s *Socket) resolveAck(id int64, body json.RawMessage) {
	s.mu.Lock()
	ch, ok := s.pending[id]
	s.mu.Unlock()
	if ok {
		select {
		case ch <- body:
		default:
		}
	}
}

func (s *Socket) handleEvent(ctx context.Context, f frame) {
	switch f.Event {
	case "update":
		if s.onUpdate == nil {
			return
		}
		var update Update
		if err := json.Unmarshal(f.Body, &update); err != nil {
			return
		}
		s.onUpdate(update)
	case "ephemeral":
		if s.onEphemeral != nil {
			s.onEphemeral(f.Body)
		}
	case "rpc-request":
		go s.answerRPC(ctx, f)
	}
}

func (s *Socket) answerRPC(ctx context.Context, f frame) {
	var req struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(f.Body, &req); err != nil {
		return
	}
	var result json.RawMessage
	if s.rpcHandler != nil {
		out, err := s.rpcHandler(ctx, req.Method, req.Params)
		if err != nil {
			out, _ = json.Marshal(map[string]string{"error": err.Error()})
		}
		result = out
	} else {
		result, _ = json.Marshal(map[string]string{"error": "no handler"})
	}
	_ = s.write(ctx, frame{Type: "ack", ID: f.ID, Body: result})
}

// redial reconnects with capped exponential backoff until it succeeds or
// the socket is closed.
func (s *Socket) redial(ctx context.Context) {
	for attempt := 0; ; attempt++ {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case <-time.After(s.backoff.Delay(attempt)):
		}
		if err := s.Connect(ctx); err == nil {
			return
		}
	}
}
