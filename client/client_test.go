package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mistakeknot/harbor/pkg/embedded"
)

// startRelay runs an in-process relay with the localhost bypass, so the
// client needs no token.
func startRelay(t *testing.T) *Client {
	t.Helper()
	srv, err := embedded.New(embedded.Config{})
	if err != nil {
		t.Fatalf("embedded server: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })
	return New(srv.URL())
}

func strptr(s string) *string { return &s }

func TestClientSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	c := startRelay(t)

	sess, err := c.CreateSession(ctx, "meta-1", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sess.ID == "" || sess.MetadataVersion != 1 {
		t.Fatalf("unexpected session %+v", sess)
	}

	got, err := c.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Metadata != "meta-1" {
		t.Fatalf("metadata = %q, want meta-1", got.Metadata)
	}

	list, err := c.ListSessions(ctx, "", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].ID != sess.ID {
		t.Fatalf("list = %+v", list)
	}

	lanes, err := c.PatchSession(ctx, sess.ID, &Lane{Value: strptr("meta-2"), ExpectedVersion: 1}, nil)
	if err != nil {
		t.Fatalf("patch: %v", err)
	}
	if lanes["metadata"].Version != 2 {
		t.Fatalf("patched version = %d, want 2", lanes["metadata"].Version)
	}

	// Replaying the stale expected version surfaces the winner's lane.
	_, err = c.PatchSession(ctx, sess.ID, &Lane{Value: strptr("meta-3"), ExpectedVersion: 1}, nil)
	var vm *VersionMismatchError
	if !errors.As(err, &vm) {
		t.Fatalf("stale patch error = %v, want version mismatch", err)
	}
	if vm.Metadata == nil || vm.Metadata.Version != 2 || vm.Metadata.Value == nil || *vm.Metadata.Value != "meta-2" {
		t.Fatalf("mismatch lane = %+v", vm.Metadata)
	}

	if err := c.DeleteSession(ctx, sess.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := c.GetSession(ctx, sess.ID); err == nil {
		t.Fatalf("deleted session should not resolve")
	}
}

func TestClientMessages(t *testing.T) {
	ctx := context.Background()
	c := startRelay(t)

	sess, err := c.CreateSession(ctx, "meta", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	first, err := c.PostMessage(ctx, sess.ID, "cipher-1", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if first.Seq != 1 {
		t.Fatalf("first seq = %d, want 1", first.Seq)
	}

	localID := "local-abc"
	second, err := c.PostMessage(ctx, sess.ID, "cipher-2", &localID)
	if err != nil {
		t.Fatalf("post with localId: %v", err)
	}
	replay, err := c.PostMessage(ctx, sess.ID, "cipher-2", &localID)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replay.ID != second.ID || replay.Seq != second.Seq {
		t.Fatalf("replayed localId returned a new row: %+v vs %+v", replay, second)
	}

	msgs, err := c.ListMessages(ctx, sess.ID, 0, 0, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("transcript length = %d, want 2", len(msgs))
	}

	window, err := c.ListMessages(ctx, sess.ID, 1, 0, 0)
	if err != nil {
		t.Fatalf("windowed list: %v", err)
	}
	if len(window) != 1 || window[0].Seq != 2 {
		t.Fatalf("afterSeq=1 window = %+v", window)
	}
}

func TestClientMachines(t *testing.T) {
	ctx := context.Background()
	c := startRelay(t)

	m, err := c.CreateMachine(ctx, "m-1", "machine-meta", strptr("daemon"))
	if err != nil {
		t.Fatalf("create machine: %v", err)
	}
	if m.ID != "m-1" || m.MetadataVersion != 1 {
		t.Fatalf("unexpected machine %+v", m)
	}

	list, err := c.ListMachines(ctx)
	if err != nil {
		t.Fatalf("list machines: %v", err)
	}
	if len(list) != 1 || list[0].ID != "m-1" {
		t.Fatalf("machine list = %+v", list)
	}
}

func TestClientChangesAndCursor(t *testing.T) {
	ctx := context.Background()
	c := startRelay(t)

	info, err := c.GetCursor(ctx)
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if info.Cursor != 0 {
		t.Fatalf("fresh account cursor = %d, want 0", info.Cursor)
	}

	sess, err := c.CreateSession(ctx, "meta", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	info, err = c.GetCursor(ctx)
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if info.Cursor == 0 {
		t.Fatalf("cursor should advance after a mutation")
	}

	page, err := c.GetChanges(ctx, 0, 0)
	if err != nil {
		t.Fatalf("changes: %v", err)
	}
	if len(page.Changes) != 1 || page.Changes[0].Kind != "session" || page.Changes[0].EntityID != sess.ID {
		t.Fatalf("change page = %+v", page)
	}
	if page.NextCursor != info.Cursor {
		t.Fatalf("nextCursor = %d, head = %d", page.NextCursor, info.Cursor)
	}
}

func TestClientCursorGoneTyped(t *testing.T) {
	ctx := context.Background()
	c := startRelay(t)

	if _, err := c.CreateSession(ctx, "meta", nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err := c.GetChanges(ctx, 9999, 0)
	var gone *CursorGoneError
	if !errors.As(err, &gone) {
		t.Fatalf("future cursor error = %v, want cursor gone", err)
	}
	if gone.CurrentCursor < 1 {
		t.Fatalf("currentCursor = %d, want >= 1", gone.CurrentCursor)
	}
}

// Relays that predate the single-session route answer 404; the client then
// walks the paginated list.
func TestGetSessionListFallback(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/sessions/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "session-not-found"})
	})
	mux.HandleFunc("/v2/sessions", func(w http.ResponseWriter, r *http.Request) {
		var sessions []Session
		if r.URL.Query().Get("after") == "" {
			sessions = []Session{{ID: "s-a", Metadata: "a"}, {ID: "s-b", Metadata: "b"}}
		}
		json.NewEncoder(w).Encode(map[string]any{"sessions": sessions})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(srv.URL)
	sess, err := c.GetSession(context.Background(), "s-b")
	if err != nil {
		t.Fatalf("fallback get: %v", err)
	}
	if sess.Metadata != "b" {
		t.Fatalf("fallback returned %+v", sess)
	}

	_, err = c.GetSession(context.Background(), "s-missing")
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("missing session error = %v, want not found", err)
	}
}
