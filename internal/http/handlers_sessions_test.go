package httpapi

import (
	"net/http"
	"testing"

	"github.com/mistakeknot/harbor/internal/events"
)

func TestSessionsRequireAuth(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get(t, "", "/v2/sessions")
	requireStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()

	resp = env.get(t, "bogus", "/v2/sessions")
	requireStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()
}

func TestCreateGetListSessions(t *testing.T) {
	env := newTestEnv(t)

	id := createTestSession(t, env, "token-a", "cipher-meta")

	resp := env.get(t, "token-a", "/v2/sessions/"+id)
	requireStatus(t, resp, http.StatusOK)
	got := decodeJSON[map[string]events.SessionPayload](t, resp)
	sess := got["session"]
	if sess.ID != id || sess.Metadata != "cipher-meta" || sess.MetadataVersion != 1 {
		t.Fatalf("unexpected session %+v", sess)
	}

	resp = env.get(t, "token-a", "/v2/sessions")
	requireStatus(t, resp, http.StatusOK)
	list := decodeJSON[listSessionsResponse](t, resp)
	if len(list.Sessions) != 1 || list.Sessions[0].ID != id {
		t.Fatalf("unexpected list %+v", list.Sessions)
	}

	// Another account cannot see it, by id or in its list.
	resp = env.get(t, "token-b", "/v2/sessions/"+id)
	requireStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	resp = env.get(t, "token-b", "/v2/sessions")
	list = decodeJSON[listSessionsResponse](t, resp)
	if len(list.Sessions) != 0 {
		t.Fatalf("other account should see no sessions, got %+v", list.Sessions)
	}
}

func TestPatchSessionCAS(t *testing.T) {
	env := newTestEnv(t)
	id := createTestSession(t, env, "token-a", "meta-1")

	meta2 := "meta-2"
	resp := env.patch(t, "token-a", "/v2/sessions/"+id, map[string]any{
		"metadata": map[string]any{"value": &meta2, "expectedVersion": 1},
	})
	requireStatus(t, resp, http.StatusOK)
	ok := decodeJSON[map[string]laneJSON](t, resp)
	if ok["metadata"].Version != 2 || *ok["metadata"].Value != "meta-2" {
		t.Fatalf("unexpected patch result %+v", ok)
	}

	// Replay with the stale version: 409 carrying the current lane.
	resp = env.patch(t, "token-a", "/v2/sessions/"+id, map[string]any{
		"metadata": map[string]any{"value": &meta2, "expectedVersion": 1},
	})
	requireStatus(t, resp, http.StatusConflict)
	conflict := decodeJSON[struct {
		Error    string   `json:"error"`
		Metadata laneJSON `json:"metadata"`
	}](t, resp)
	if conflict.Error != "version-mismatch" || conflict.Metadata.Version != 2 {
		t.Fatalf("unexpected conflict body %+v", conflict)
	}
	if conflict.Metadata.Value == nil || *conflict.Metadata.Value != "meta-2" {
		t.Fatalf("conflict should carry current metadata, got %v", conflict.Metadata.Value)
	}

	// Empty patch is invalid.
	resp = env.patch(t, "token-a", "/v2/sessions/"+id, map[string]any{})
	requireStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestPatchBothLanesAtomic(t *testing.T) {
	env := newTestEnv(t)
	id := createTestSession(t, env, "token-a", "meta-1")

	meta2, state1 := "meta-2", "state-1"
	resp := env.patch(t, "token-a", "/v2/sessions/"+id, map[string]any{
		"metadata":   map[string]any{"value": &meta2, "expectedVersion": 1},
		"agentState": map[string]any{"value": &state1, "expectedVersion": 0},
	})
	requireStatus(t, resp, http.StatusOK)
	both := decodeJSON[map[string]laneJSON](t, resp)
	if both["metadata"].Version != 2 || both["agentState"].Version != 1 {
		t.Fatalf("unexpected versions %+v", both)
	}

	// One stale lane fails the whole patch and reports only the stale lane.
	meta3, state2 := "meta-3", "state-2"
	resp = env.patch(t, "token-a", "/v2/sessions/"+id, map[string]any{
		"metadata":   map[string]any{"value": &meta3, "expectedVersion": 2},
		"agentState": map[string]any{"value": &state2, "expectedVersion": 0},
	})
	requireStatus(t, resp, http.StatusConflict)
	conflict := decodeJSON[struct {
		Error      string    `json:"error"`
		Metadata   *laneJSON `json:"metadata"`
		AgentState *laneJSON `json:"agentState"`
	}](t, resp)
	if conflict.Metadata != nil {
		t.Fatalf("fresh lane should not be reported, got %+v", conflict.Metadata)
	}
	if conflict.AgentState == nil || conflict.AgentState.Version != 1 {
		t.Fatalf("stale lane missing from conflict %+v", conflict)
	}

	// Neither write landed.
	resp = env.get(t, "token-a", "/v2/sessions/"+id)
	got := decodeJSON[map[string]events.SessionPayload](t, resp)
	if got["session"].Metadata != "meta-2" {
		t.Fatalf("failed patch must not write, metadata is %q", got["session"].Metadata)
	}
}

func TestDeleteSessionOwnerOnly(t *testing.T) {
	env := newTestEnv(t)
	id := createTestSession(t, env, "token-a", "meta")

	shareResp := env.post(t, "token-a", "/v2/sessions/"+id+"/share", map[string]any{
		"accountId": "acct-b", "accessLevel": "edit",
	})
	requireStatus(t, shareResp, http.StatusOK)
	shareResp.Body.Close()

	resp := env.do(t, http.MethodDelete, "token-b", "/v2/sessions/"+id, nil)
	requireStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = env.do(t, http.MethodDelete, "token-a", "/v2/sessions/"+id, nil)
	requireStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = env.get(t, "token-a", "/v2/sessions/"+id)
	requireStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestShareSessionGrantsVisibility(t *testing.T) {
	env := newTestEnv(t)
	id := createTestSession(t, env, "token-a", "meta")

	// Only the owner may share.
	resp := env.post(t, "token-b", "/v2/sessions/"+id+"/share", map[string]any{
		"accountId": "acct-b", "accessLevel": "view",
	})
	requireStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = env.post(t, "token-a", "/v2/sessions/"+id+"/share", map[string]any{
		"accountId": "acct-b", "accessLevel": "view",
	})
	requireStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = env.get(t, "token-b", "/v2/sessions/"+id)
	requireStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = env.get(t, "token-b", "/v2/sessions")
	list := decodeJSON[listSessionsResponse](t, resp)
	if len(list.Sessions) != 1 || list.Sessions[0].ID != id {
		t.Fatalf("shared session missing from grantee list %+v", list.Sessions)
	}

	// Bad access level is rejected.
	resp = env.post(t, "token-a", "/v2/sessions/"+id+"/share", map[string]any{
		"accountId": "acct-b", "accessLevel": "admin",
	})
	requireStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestMachinesEndpoints(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "token-a", "/v2/machines", map[string]any{
		"id": "m-1", "metadata": "machine-meta",
	})
	requireStatus(t, resp, http.StatusOK)
	created := decodeJSON[map[string]events.MachinePayload](t, resp)
	if created["machine"].ID != "m-1" || created["machine"].MetadataVersion != 1 {
		t.Fatalf("unexpected machine %+v", created["machine"])
	}

	// Create is an upsert where the existing row wins.
	resp = env.post(t, "token-a", "/v2/machines", map[string]any{
		"id": "m-1", "metadata": "other-meta",
	})
	requireStatus(t, resp, http.StatusOK)
	again := decodeJSON[map[string]events.MachinePayload](t, resp)
	if again["machine"].Metadata != "machine-meta" {
		t.Fatalf("repeat create should keep original metadata, got %q", again["machine"].Metadata)
	}

	resp = env.get(t, "token-a", "/v2/machines")
	list := decodeJSON[listMachinesResponse](t, resp)
	if len(list.Machines) != 1 {
		t.Fatalf("expected one machine, got %+v", list.Machines)
	}

	// Machines are strictly per account.
	resp = env.get(t, "token-b", "/v2/machines/m-1")
	requireStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}
