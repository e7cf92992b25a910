package httpapi

import (
	"encoding/json"
	"net/http"
)

type changeJSON struct {
	Cursor    int64           `json:"cursor"`
	Kind      string          `json:"kind"`
	EntityID  string          `json:"entityId"`
	ChangedAt int64           `json:"changedAt"`
	Hint      json.RawMessage `json:"hint,omitempty"`
}

type changesResponse struct {
	Changes    []changeJSON `json:"changes"`
	NextCursor int64        `json:"nextCursor"`
}

// handleChanges serves cursor catch-up. A cursor outside the retention
// window comes back as 410 with the account's current cursor so the client
// can snapshot and resume.
func (s *Service) handleChanges(w http.ResponseWriter, r *http.Request) {
	accountID, ok := s.account(w, r)
	if !ok {
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	after := int64Query(r, "after", 0)
	limit := intQuery(r, "limit", 0)
	page, err := s.store.ListChanges(r.Context(), accountID, after, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]changeJSON, 0, len(page.Changes))
	for _, c := range page.Changes {
		out = append(out, changeJSON{
			Cursor:    c.Cursor,
			Kind:      string(c.Kind),
			EntityID:  c.EntityID,
			ChangedAt: c.ChangedAt.UnixMilli(),
			Hint:      c.Hint,
		})
	}
	writeJSON(w, http.StatusOK, changesResponse{Changes: out, NextCursor: page.NextCursor})
}

func (s *Service) handleCursor(w http.ResponseWriter, r *http.Request) {
	accountID, ok := s.account(w, r)
	if !ok {
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cursor, floor, err := s.store.AccountCursor(r.Context(), accountID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"cursor": cursor, "changesFloor": floor})
}
