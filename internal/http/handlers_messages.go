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

type postMessageRequest struct {
	Message string  `json:"message"`
	LocalID *string `json:"localId,omitempty"`
}

type listMessagesResponse struct {
	Messages []events.MessagePayload `json:"messages"`
}

// handleSessionMessages serves /v1/sessions/{id}/messages. GET pages the
// transcript by seq, POST is the idempotent append.
func (s *Service) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	accountID, ok := s.account(w, r)
	if !ok {
		return
	}
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/sessions/"), "/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "messages" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	sessionID := parts[0]

	switch r.Method {
	case http.MethodGet:
		q := storage.MessageQuery{
			AfterSeq:  int64Query(r, "afterSeq", 0),
			BeforeSeq: int64Query(r, "beforeSeq", 0),
			Limit:     intQuery(r, "limit", 0),
		}
		msgs, err := s.store.ListSessionMessages(r.Context(), accountID, sessionID, q)
		if err != nil {
			writeError(w, err)
			return
		}
		out := make([]events.MessagePayload, 0, len(msgs))
		for _, m := range msgs {
			out = append(out, events.MessageWire(m))
		}
		writeJSON(w, http.StatusOK, listMessagesResponse{Messages: out})
	case http.MethodPost:
		var req postMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
			writeError(w, core.ErrInvalidParams)
			return
		}
		res, err := s.relay.PostMessage(r.Context(), accountID, sessionID, req.Message, req.LocalID, "")
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"message": events.MessageWire(res.Message)})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func int64Query(r *http.Request, name string, fallback int64) int64 {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}
