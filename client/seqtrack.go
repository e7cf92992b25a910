package client

import "sync"

// SeqTracker remembers, per session, the highest message seq the client has
// durably applied to its local transcript. A live push whose seq jumps past
// max+1 means messages were missed and an afterSeq fetch is needed.
type SeqTracker struct {
	mu     sync.Mutex
	maxSeq map[string]int64
	loaded map[string]bool
}

func NewSeqTracker() *SeqTracker {
	return &SeqTracker{
		maxSeq: make(map[string]int64),
		loaded: make(map[string]bool),
	}
}

// MarkLoaded records that the session's transcript is materialized up to
// seq; gap detection only makes sense from then on.
func (t *SeqTracker) MarkLoaded(sessionID string, seq int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.loaded[sessionID] = true
	if seq > t.maxSeq[sessionID] {
		t.maxSeq[sessionID] = seq
	}
}

func (t *SeqTracker) Unload(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.loaded, sessionID)
	delete(t.maxSeq, sessionID)
}

func (t *SeqTracker) Loaded(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.loaded[sessionID]
}

func (t *SeqTracker) Max(sessionID string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.maxSeq[sessionID]
}

// Observe records a pushed message seq. It returns (fetchAfter, true) when
// the seq reveals a gap: the caller should fetch messages with
// afterSeq=fetchAfter before applying the pushed one. Duplicate or stale
// seqs return false and leave the max untouched.
func (t *SeqTracker) Observe(sessionID string, seq int64) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.loaded[sessionID] {
		return 0, false
	}
	max := t.maxSeq[sessionID]
	if seq <= max {
		return 0, false
	}
	gap := seq > max+1
	t.maxSeq[sessionID] = seq
	if gap {
		return max, true
	}
	return 0, false
}
