// Package httpapi exposes the relay over HTTP: entity reads, the CAS patch
// endpoint, the message log, and cursor catch-up. Push traffic stays on the
// socket; these endpoints exist for pull-style clients and reconnect sweeps.
package httpapi

import (
	"net/http"

	"github.com/mistakeknot/harbor/internal/auth"
	"github.com/mistakeknot/harbor/internal/relay"
	"github.com/mistakeknot/harbor/internal/storage"
)

type Service struct {
	relay *relay.Service
	store storage.Store
}

func NewService(svc *relay.Service) *Service {
	return &Service{relay: svc, store: svc.Store()}
}

// account resolves the caller's account and provisions its row. Every
// endpoint is per-account, so a missing auth context is a 401 regardless of
// path.
func (s *Service) account(w http.ResponseWriter, r *http.Request) (string, bool) {
	info, ok := auth.FromContext(r.Context())
	if !ok || info.AccountID == "" {
		w.WriteHeader(http.StatusUnauthorized)
		return "", false
	}
	if _, err := s.store.CreateAccount(r.Context(), info.AccountID); err != nil {
		writeError(w, err)
		return "", false
	}
	return info.AccountID, true
}
