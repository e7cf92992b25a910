package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/mistakeknot/harbor/internal/auth"
	"github.com/mistakeknot/harbor/internal/core"
	"github.com/mistakeknot/harbor/internal/events"
	"github.com/mistakeknot/harbor/internal/relay"
	"github.com/mistakeknot/harbor/internal/rpc"
	"github.com/mistakeknot/harbor/internal/storage"
	"github.com/mistakeknot/harbor/internal/storage/sqlite"
)

type wsEnv struct {
	store  storage.Store
	svc    *relay.Service
	server *httptest.Server
}

func newWSEnv(t *testing.T) *wsEnv {
	t.Helper()
	st := sqlite.NewSQLiteTest(t)
	router := events.NewRouter()
	svc := relay.New(st, router)
	directory := rpc.NewDirectory(rpc.NewMemoryLeaseStore(), router, st, "test-instance", rpc.DefaultLeaseTTL)
	ring := auth.NewKeyring(false, map[string]string{
		"token-a": "acct-a",
		"token-b": "acct-b",
	})
	gw := NewGateway(svc, router, directory, ring)
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	return &wsEnv{store: st, svc: svc, server: srv}
}

func (e *wsEnv) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/?" + query
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("ws dial %q: %v", query, err)
	}
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame Frame) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn, timeout time.Duration) Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	var frame Frame
	if err := wsjson.Read(ctx, conn, &frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func decodeBody[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return v
}

func TestGatewayRejectsBadHandshake(t *testing.T) {
	env := newWSEnv(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// No token at all.
	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/"
	if _, _, err := websocket.Dial(ctx, wsURL, nil); err == nil {
		t.Fatalf("dial without token should fail")
	}

	// Wrong token.
	if _, _, err := websocket.Dial(ctx, wsURL+"?token=nope", nil); err == nil {
		t.Fatalf("dial with bad token should fail")
	}

	// Session-scoped without sessionId.
	if _, _, err := websocket.Dial(ctx, wsURL+"?token=token-a&clientType=session-scoped", nil); err == nil {
		t.Fatalf("session-scoped without sessionId should fail")
	}
}

func TestMessageAckOverSocket(t *testing.T) {
	env := newWSEnv(t)
	ctx := context.Background()

	sess, err := env.svc.CreateSession(ctx, "acct-a", "meta", nil)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	conn := env.dial(t, "token=token-a")
	defer conn.Close(websocket.StatusNormalClosure, "")

	body, _ := json.Marshal(map[string]any{"sid": sess.ID, "message": "enc-1", "localId": "l-1"})
	writeFrame(t, conn, Frame{Type: FrameEvent, ID: 1, Event: "message", Body: body})

	ack := readFrame(t, conn, 2*time.Second)
	if ack.Type != FrameAck || ack.ID != 1 {
		t.Fatalf("expected ack for id 1, got %+v", ack)
	}
	resp := decodeBody[struct {
		OK      bool    `json:"ok"`
		ID      string  `json:"id"`
		Seq     int64   `json:"seq"`
		LocalID *string `json:"localId"`
	}](t, ack.Body)
	if !resp.OK || resp.Seq != 1 || resp.LocalID == nil || *resp.LocalID != "l-1" {
		t.Fatalf("unexpected ack %+v", resp)
	}

	// Replay with the same localId: same message back.
	writeFrame(t, conn, Frame{Type: FrameEvent, ID: 2, Event: "message", Body: body})
	ack = readFrame(t, conn, 2*time.Second)
	resp2 := decodeBody[struct {
		OK  bool   `json:"ok"`
		ID  string `json:"id"`
		Seq int64  `json:"seq"`
	}](t, ack.Body)
	if !resp2.OK || resp2.ID != resp.ID || resp2.Seq != 1 {
		t.Fatalf("replay should return the stored message, got %+v", resp2)
	}
}

func TestUpdateFanOutBetweenSockets(t *testing.T) {
	env := newWSEnv(t)
	ctx := context.Background()

	sess, _ := env.svc.CreateSession(ctx, "acct-a", "meta", nil)

	sender := env.dial(t, "token=token-a")
	defer sender.Close(websocket.StatusNormalClosure, "")
	receiver := env.dial(t, "token=token-a")
	defer receiver.Close(websocket.StatusNormalClosure, "")
	stranger := env.dial(t, "token=token-b")
	defer stranger.Close(websocket.StatusNormalClosure, "")

	body, _ := json.Marshal(map[string]any{"sid": sess.ID, "message": "enc-1"})
	writeFrame(t, sender, Frame{Type: FrameEvent, ID: 1, Event: "message", Body: body})

	// Sender gets only its ack, not the update.
	ack := readFrame(t, sender, 2*time.Second)
	if ack.Type != FrameAck {
		t.Fatalf("sender expected ack first, got %+v", ack)
	}

	update := readFrame(t, receiver, 2*time.Second)
	if update.Type != FrameEvent || update.Event != events.EventUpdate {
		t.Fatalf("receiver expected update event, got %+v", update)
	}
	container := decodeBody[events.UpdateContainer](t, update.Body)
	inner := decodeBody[map[string]any](t, container.Body)
	if inner["t"] != "new-message" {
		t.Fatalf("expected new-message body, got %v", inner["t"])
	}

	// The other account must see nothing.
	readCtx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	var noop Frame
	if err := wsjson.Read(readCtx, stranger, &noop); err == nil {
		t.Fatalf("other account should not receive the update, got %+v", noop)
	}
}

func TestCASAckShapesOverSocket(t *testing.T) {
	env := newWSEnv(t)
	ctx := context.Background()

	sess, _ := env.svc.CreateSession(ctx, "acct-a", "meta-1", nil)

	conn := env.dial(t, "token=token-a")
	defer conn.Close(websocket.StatusNormalClosure, "")

	body, _ := json.Marshal(map[string]any{"sid": sess.ID, "expectedVersion": 1, "metadata": "meta-2"})
	writeFrame(t, conn, Frame{Type: FrameEvent, ID: 1, Event: "update-metadata", Body: body})
	ack := readFrame(t, conn, 2*time.Second)
	success := decodeBody[struct {
		Result  string `json:"result"`
		Version int64  `json:"version"`
	}](t, ack.Body)
	if success.Result != "success" || success.Version != 2 {
		t.Fatalf("expected success at version 2, got %+v", success)
	}

	// Stale version reports the current lane.
	writeFrame(t, conn, Frame{Type: FrameEvent, ID: 2, Event: "update-metadata", Body: body})
	ack = readFrame(t, conn, 2*time.Second)
	mismatch := decodeBody[struct {
		Result   string  `json:"result"`
		Version  int64   `json:"version"`
		Metadata *string `json:"metadata"`
	}](t, ack.Body)
	if mismatch.Result != "version-mismatch" || mismatch.Version != 2 {
		t.Fatalf("expected version-mismatch at 2, got %+v", mismatch)
	}
	if mismatch.Metadata == nil || *mismatch.Metadata != "meta-2" {
		t.Fatalf("mismatch should carry current metadata, got %v", mismatch.Metadata)
	}
}

func TestRPCOverSockets(t *testing.T) {
	env := newWSEnv(t)
	ctx := context.Background()

	sess, _ := env.svc.CreateSession(ctx, "acct-a", "meta", nil)
	method := sess.ID + ":bash"

	handler := env.dial(t, "token=token-a&clientType=session-scoped&sessionId="+sess.ID)
	defer handler.Close(websocket.StatusNormalClosure, "")
	caller := env.dial(t, "token=token-a")
	defer caller.Close(websocket.StatusNormalClosure, "")

	regBody, _ := json.Marshal(map[string]any{"method": method})
	writeFrame(t, handler, Frame{Type: FrameEvent, ID: 1, Event: "rpc-register", Body: regBody})
	regAck := readFrame(t, handler, 2*time.Second)
	reg := decodeBody[struct {
		Success bool `json:"success"`
	}](t, regAck.Body)
	if !reg.Success {
		t.Fatalf("register failed: %s", regAck.Body)
	}

	// The handler side answers the forwarded rpc-request.
	go func() {
		readCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		var req Frame
		if err := wsjson.Read(readCtx, handler, &req); err != nil {
			return
		}
		if req.Event != "rpc-request" {
			return
		}
		result, _ := json.Marshal(map[string]any{"stdout": "ok"})
		_ = wsjson.Write(readCtx, handler, Frame{Type: FrameAck, ID: req.ID, Body: result})
	}()

	callBody, _ := json.Marshal(map[string]any{"method": method, "params": map[string]any{"cmd": "ls"}})
	writeFrame(t, caller, Frame{Type: FrameEvent, ID: 7, Event: "rpc-call", Body: callBody})

	callAck := readFrame(t, caller, 5*time.Second)
	if callAck.ID != 7 {
		t.Fatalf("expected ack for call id 7, got %+v", callAck)
	}
	call := decodeBody[struct {
		OK     bool            `json:"ok"`
		Result json.RawMessage `json:"result"`
		Error  string          `json:"error"`
	}](t, callAck.Body)
	if !call.OK {
		t.Fatalf("rpc-call failed: %s", call.Error)
	}
	result := decodeBody[map[string]any](t, call.Result)
	if result["stdout"] != "ok" {
		t.Fatalf("unexpected rpc result %v", result)
	}
}

func TestRPCCallUnknownMethod(t *testing.T) {
	env := newWSEnv(t)

	conn := env.dial(t, "token=token-a")
	defer conn.Close(websocket.StatusNormalClosure, "")

	callBody, _ := json.Marshal(map[string]any{"method": "ghost"})
	writeFrame(t, conn, Frame{Type: FrameEvent, ID: 1, Event: "rpc-call", Body: callBody})
	ack := readFrame(t, conn, 2*time.Second)
	resp := decodeBody[struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}](t, ack.Body)
	if resp.OK || resp.Error != core.CodeMethodNotAvailable {
		t.Fatalf("expected method-not-available, got %+v", resp)
	}
}
