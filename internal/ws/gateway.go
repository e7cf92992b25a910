package ws

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/mistakeknot/harbor/internal/auth"
	"github.com/mistakeknot/harbor/internal/events"
	"github.com/mistakeknot/harbor/internal/relay"
	"github.com/mistakeknot/harbor/internal/rpc"
)

// Gateway upgrades devices to websockets and feeds their frames into the
// relay service, router, and RPC directory.
type Gateway struct {
	svc       *relay.Service
	router    *events.Router
	directory *rpc.Directory
	ring      *auth.Keyring
}

func NewGateway(svc *relay.Service, router *events.Router, directory *rpc.Directory, ring *auth.Keyring) *Gateway {
	return &Gateway{svc: svc, router: router, directory: directory, ring: ring}
}

func (g *Gateway) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID, ok := g.authenticate(r)
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		q := r.URL.Query()
		clientType := events.ClientType(strings.TrimSpace(q.Get("clientType")))
		if clientType == "" {
			clientType = events.ClientUserScoped
		}
		if !clientType.Valid() {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		sessionID := strings.TrimSpace(q.Get("sessionId"))
		machineID := strings.TrimSpace(q.Get("machineId"))
		if clientType == events.ClientSessionScoped && sessionID == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if clientType == events.ClientMachineScoped && machineID == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		store := g.svc.Store()
		if _, err := store.CreateAccount(r.Context(), accountID); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		// A session-scoped socket must prove the session is reachable from
		// its account before joining its rooms.
		if clientType == events.ClientSessionScoped {
			sess, err := store.GetSession(r.Context(), sessionID)
			if err != nil {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			if sess.AccountID != accountID {
				participants, err := store.SessionParticipants(r.Context(), sessionID)
				if err != nil || !contains(participants, accountID) {
					w.WriteHeader(http.StatusForbidden)
					return
				}
			}
		}

		wsConn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}

		sock := newSocket(wsConn)
		conn := &events.Connection{
			ID:        uuid.NewString(),
			AccountID: accountID,
			Type:      clientType,
			SessionID: sessionID,
			MachineID: machineID,
			Emitter:   sock,
		}
		g.router.Register(conn)

		h := newConnHandler(g.svc, g.directory, conn, sock)
		defer func() {
			g.router.Unregister(conn.ID)
			cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			g.directory.Disconnect(cleanupCtx, conn.ID)
			cancel()
			h.stop()
		}()

		ctx := r.Context()
		for {
			var frame Frame
			if err := wsjson.Read(ctx, wsConn, &frame); err != nil {
				return
			}
			switch frame.Type {
			case FrameAck:
				sock.handleAck(frame.ID, frame.Body)
			case FrameEvent:
				h.dispatch(ctx, frame)
			default:
				log.Printf("ws: unknown frame type %q from %s", frame.Type, conn.ID)
			}
		}
	}
}

// authenticate resolves the socket's account from the handshake: bearer
// header or token query param, with the localhost bypass as fallback.
func (g *Gateway) authenticate(r *http.Request) (string, bool) {
	token := ""
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			token = strings.TrimSpace(parts[1])
		}
	}
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token != "" {
		if account, ok := g.ring.AccountForToken(token); ok {
			return account, true
		}
	}
	if info, ok := auth.FromContext(r.Context()); ok && info.AccountID != "" {
		return info.AccountID, true
	}
	return "", false
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
