package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mistakeknot/harbor/internal/auth"
	"github.com/mistakeknot/harbor/internal/events"
	"github.com/mistakeknot/harbor/internal/relay"
	"github.com/mistakeknot/harbor/internal/storage/sqlite"
)

// testEnv bundles the store, relay service, and an httptest server behind
// the real auth middleware. Requests authenticate with per-account bearer
// tokens ("token-a" -> "acct-a").
type testEnv struct {
	srv   *httptest.Server
	relay *relay.Service
	store *sqlite.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := sqlite.NewSQLiteTest(t)
	router := events.NewRouter()
	svc := relay.New(st, router)
	ring := auth.NewKeyring(false, map[string]string{
		"token-a": "acct-a",
		"token-b": "acct-b",
	})
	srv := httptest.NewServer(NewRouter(NewService(svc), nil, auth.Middleware(ring)))
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, relay: svc, store: st}
}

func (e *testEnv) do(t *testing.T, method, token, path string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(buf)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func (e *testEnv) get(t *testing.T, token, path string) *http.Response {
	t.Helper()
	return e.do(t, http.MethodGet, token, path, nil)
}

func (e *testEnv) post(t *testing.T, token, path string, body any) *http.Response {
	t.Helper()
	return e.do(t, http.MethodPost, token, path, body)
}

func (e *testEnv) patch(t *testing.T, token, path string, body any) *http.Response {
	t.Helper()
	return e.do(t, http.MethodPatch, token, path, body)
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func requireStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Fatalf("expected status %d, got %d", want, resp.StatusCode)
	}
}

func createTestSession(t *testing.T, env *testEnv, token, metadata string) string {
	t.Helper()
	resp := env.post(t, token, "/v2/sessions", map[string]any{"metadata": metadata})
	requireStatus(t, resp, http.StatusOK)
	body := decodeJSON[map[string]events.SessionPayload](t, resp)
	return body["session"].ID
}
