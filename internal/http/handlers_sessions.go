package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/mistakeknot/harbor/internal/core"
	"github.com/mistakeknot/harbor/internal/events"
	"github.com/mistakeknot/harbor/internal/storage"
)

type createSessionRequest struct {
	Metadata   string  `json:"metadata"`
	AgentState *string `json:"agentState,omitempty"`
}

type listSessionsResponse struct {
	Sessions []events.SessionPayload `json:"sessions"`
}

func (s *Service) handleSessions(w http.ResponseWriter, r *http.Request) {
	accountID, ok := s.account(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		after := strings.TrimSpace(r.URL.Query().Get("after"))
		limit := intQuery(r, "limit", 0)
		sessions, err := s.store.ListSessions(r.Context(), accountID, after, limit)
		if err != nil {
			writeError(w, err)
			return
		}
		out := make([]events.SessionPayload, 0, len(sessions))
		for _, sess := range sessions {
			out = append(out, events.SessionWire(sess))
		}
		writeJSON(w, http.StatusOK, listSessionsResponse{Sessions: out})
	case http.MethodPost:
		var req createSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Metadata == "" {
			writeError(w, core.ErrInvalidParams)
			return
		}
		sess, err := s.relay.CreateSession(r.Context(), accountID, req.Metadata, req.AgentState)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"session": events.SessionWire(sess)})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

type patchLaneRequest struct {
	Value           *string `json:"value"`
	ExpectedVersion int64   `json:"expectedVersion"`
}

type patchSessionRequest struct {
	Metadata   *patchLaneRequest `json:"metadata,omitempty"`
	AgentState *patchLaneRequest `json:"agentState,omitempty"`
}

type shareSessionRequest struct {
	AccountID   string `json:"accountId"`
	AccessLevel string `json:"accessLevel"`
}

func (s *Service) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	accountID, ok := s.account(w, r)
	if !ok {
		return
	}
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v2/sessions/"), "/")
	parts := strings.Split(path, "/")
	if parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	sessionID := parts[0]

	if len(parts) == 2 && parts[1] == "share" {
		s.handleShareSession(w, r, accountID, sessionID)
		return
	}
	if len(parts) != 1 {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodGet:
		sess, err := s.getVisibleSession(w, r, accountID, sessionID)
		if err != nil {
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"session": events.SessionWire(sess)})
	case http.MethodPatch:
		var req patchSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || (req.Metadata == nil && req.AgentState == nil) {
			writeError(w, core.ErrInvalidParams)
			return
		}
		var metadata, agentState *storage.LanePatch
		if req.Metadata != nil {
			metadata = &storage.LanePatch{Value: req.Metadata.Value, ExpectedVersion: req.Metadata.ExpectedVersion}
		}
		if req.AgentState != nil {
			agentState = &storage.LanePatch{Value: req.AgentState.Value, ExpectedVersion: req.AgentState.ExpectedVersion}
		}
		up, err := s.relay.PatchSession(r.Context(), accountID, sessionID, metadata, agentState, "")
		if err != nil {
			writeError(w, err)
			return
		}
		body := map[string]any{}
		if up.Metadata != nil {
			body["metadata"] = laneJSON{Version: up.Metadata.Version, Value: up.Metadata.Value}
		}
		if up.AgentState != nil {
			body["agentState"] = laneJSON{Version: up.AgentState.Version, Value: up.AgentState.Value}
		}
		writeJSON(w, http.StatusOK, body)
	case http.MethodDelete:
		if err := s.relay.DeleteSession(r.Context(), accountID, sessionID); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Service) handleShareSession(w http.ResponseWriter, r *http.Request, accountID, sessionID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req shareSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AccountID == "" {
		writeError(w, core.ErrInvalidParams)
		return
	}
	if err := s.relay.ShareSession(r.Context(), accountID, sessionID, req.AccountID, core.AccessLevel(req.AccessLevel)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// getVisibleSession loads a session the caller owns or participates in.
// Strangers get 404, not 403: the id itself must not leak.
func (s *Service) getVisibleSession(w http.ResponseWriter, r *http.Request, accountID, sessionID string) (core.Session, error) {
	sess, err := s.store.GetSession(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return core.Session{}, err
	}
	if sess.AccountID != accountID {
		participants, err := s.store.SessionParticipants(r.Context(), sessionID)
		if err != nil {
			writeError(w, err)
			return core.Session{}, err
		}
		found := false
		for _, p := range participants {
			if p == accountID {
				found = true
				break
			}
		}
		if !found {
			writeError(w, core.ErrSessionNotFound)
			return core.Session{}, core.ErrSessionNotFound
		}
	}
	return sess, nil
}

func intQuery(r *http.Request, name string, fallback int) int {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
