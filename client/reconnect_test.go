package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type memCursorStore struct {
	cursor   int64
	lastSync time.Time

	saved      int64
	savedFlush bool
	saves      int
}

func (s *memCursorStore) LoadCursor() (int64, time.Time, error) {
	return s.cursor, s.lastSync, nil
}

func (s *memCursorStore) SaveCursor(cursor int64, lastSync time.Time, flush bool) error {
	s.saved = cursor
	s.savedFlush = flush
	s.saves++
	return nil
}

type fakeSnapshotter struct {
	mu    sync.Mutex
	calls int
}

func (s *fakeSnapshotter) SnapshotAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return nil
}

func (s *fakeSnapshotter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// reconcilerEnv stubs the two relay routes the reconciler touches.
func reconcilerEnv(t *testing.T, changes func(w http.ResponseWriter, r *http.Request), cursor CursorInfo) (*Reconciler, *memCursorStore, *fakeSnapshotter, *fakeStore) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/changes", changes)
	mux.HandleFunc("/v2/cursor", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(cursor)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	store := &fakeStore{}
	cursors := &memCursorStore{lastSync: time.Now()}
	snap := &fakeSnapshotter{}
	r := NewReconciler(New(srv.URL), NewApplier(store), cursors, snap)
	return r, cursors, snap, store
}

func jsonChanges(page ChangesPage) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(page)
	}
}

func TestResumeSmallPageAppliesIncrementally(t *testing.T) {
	page := ChangesPage{
		Changes: []Change{
			{Cursor: 5, Kind: "session", EntityID: "s-1"},
			{Cursor: 6, Kind: "machine", EntityID: "m-1"},
		},
		NextCursor: 6,
	}
	r, cursors, snap, store := reconcilerEnv(t, jsonChanges(page), CursorInfo{Cursor: 6})

	if err := r.Resume(context.Background()); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if snap.count() != 0 {
		t.Fatalf("small page must not snapshot")
	}
	if !contains(store.sorted(), "sessions") || !contains(store.sorted(), "machines") {
		t.Fatalf("plan not applied, calls %v", store.sorted())
	}
	if cursors.saved != 6 || cursors.savedFlush {
		t.Fatalf("cursor save = (%d, flush=%v), want (6, flush=false)", cursors.saved, cursors.savedFlush)
	}
}

func TestResumeSaturatedPageSnapshots(t *testing.T) {
	full := make([]Change, 3)
	for i := range full {
		full[i] = Change{Cursor: int64(i + 1), Kind: "session", EntityID: "s"}
	}
	r, cursors, snap, store := reconcilerEnv(t, jsonChanges(ChangesPage{Changes: full, NextCursor: 3}), CursorInfo{Cursor: 40})
	r.Limit = 3

	if err := r.Resume(context.Background()); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if snap.count() != 1 {
		t.Fatalf("saturated page should snapshot once, got %d", snap.count())
	}
	if len(store.sorted()) != 0 {
		t.Fatalf("snapshot path must not run incremental refreshes, calls %v", store.sorted())
	}
	// The adopted cursor is the head read before the snapshot, flushed
	// immediately.
	if cursors.saved != 40 || !cursors.savedFlush {
		t.Fatalf("cursor save = (%d, flush=%v), want (40, flush=true)", cursors.saved, cursors.savedFlush)
	}
}

func TestResumeCursorGoneSnapshotsAndAdopts(t *testing.T) {
	gone := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusGone)
		json.NewEncoder(w).Encode(map[string]any{"error": "cursor-gone", "currentCursor": 77})
	}
	r, cursors, snap, _ := reconcilerEnv(t, gone, CursorInfo{Cursor: 77})

	if err := r.Resume(context.Background()); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if snap.count() != 1 {
		t.Fatalf("cursor-gone should snapshot once, got %d", snap.count())
	}
	if cursors.saved != 77 || !cursors.savedFlush {
		t.Fatalf("cursor save = (%d, flush=%v), want (77, flush=true)", cursors.saved, cursors.savedFlush)
	}
}

func TestResumeLongOfflineSnapshots(t *testing.T) {
	changesCalled := false
	handler := func(w http.ResponseWriter, r *http.Request) {
		changesCalled = true
		jsonChanges(ChangesPage{})(w, r)
	}
	r, cursors, snap, _ := reconcilerEnv(t, handler, CursorInfo{Cursor: 12})
	r.now = func() time.Time { return time.Now().Add(48 * time.Hour) }

	if err := r.Resume(context.Background()); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if snap.count() != 1 {
		t.Fatalf("long offline should snapshot once, got %d", snap.count())
	}
	if changesCalled {
		t.Fatalf("long offline must skip incremental catch-up")
	}
	if cursors.saved != 12 || !cursors.savedFlush {
		t.Fatalf("cursor save = (%d, flush=%v), want (12, flush=true)", cursors.saved, cursors.savedFlush)
	}
}

func TestResumeEmptyPageSavesCursorOnly(t *testing.T) {
	r, cursors, snap, store := reconcilerEnv(t, jsonChanges(ChangesPage{NextCursor: 9}), CursorInfo{Cursor: 9})
	cursors.cursor = 9

	if err := r.Resume(context.Background()); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if snap.count() != 0 || len(store.sorted()) != 0 {
		t.Fatalf("empty page should be a noop apart from the cursor save")
	}
	if cursors.saved != 9 {
		t.Fatalf("cursor save = %d, want 9", cursors.saved)
	}
}
