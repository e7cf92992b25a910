package httpapi

import "net/http"

// NewRouter mounts the API plus the websocket endpoint. mw is the auth
// middleware; it wraps everything, including the socket handshake, so the
// localhost bypass works on both surfaces.
func NewRouter(svc *Service, wsHandler http.Handler, mw func(http.Handler) http.Handler) http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.Handler) http.Handler {
		if mw != nil {
			return mw(h)
		}
		return h
	}
	handle := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, wrap(h))
	}

	handle("/v1/sessions/", svc.handleSessionMessages)
	handle("/v2/sessions", svc.handleSessions)
	handle("/v2/sessions/", svc.handleSessionByID)
	handle("/v2/machines", svc.handleMachines)
	handle("/v2/machines/", svc.handleMachineByID)
	handle("/v2/changes", svc.handleChanges)
	handle("/v2/cursor", svc.handleCursor)

	if wsHandler != nil {
		mux.Handle("/v1/updates", wrap(wsHandler))
	}

	return mux
}
