// Package embedded runs an in-process harbor relay, for host applications
// that want sync without a separate daemon and for integration tests.
package embedded

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mistakeknot/harbor/internal/auth"
	"github.com/mistakeknot/harbor/internal/events"
	httpapi "github.com/mistakeknot/harbor/internal/http"
	"github.com/mistakeknot/harbor/internal/relay"
	"github.com/mistakeknot/harbor/internal/rpc"
	"github.com/mistakeknot/harbor/internal/storage/sqlite"
	"github.com/mistakeknot/harbor/internal/ws"
)

type Config struct {
	// DBPath is the sqlite file; empty means an in-memory store that dies
	// with the process.
	DBPath string

	// Host defaults to 127.0.0.1, Port 0 picks a free port.
	Host string
	Port int

	// KeysFile enables token auth when set; when empty the localhost
	// bypass maps every local caller to the "local" account.
	KeysFile string
}

type Server struct {
	cfg   Config
	store *sqlite.Store
	svc   *relay.Service
	http  *http.Server
	ln    net.Listener

	mu      sync.Mutex
	started bool
}

func New(cfg Config) (*Server, error) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}

	var (
		store *sqlite.Store
		err   error
	)
	if cfg.DBPath == "" {
		store, err = sqlite.NewInMemory()
	} else {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
		store, err = sqlite.New(cfg.DBPath)
	}
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	ring, err := auth.LoadKeyring(cfg.KeysFile)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("load keys: %w", err)
	}

	router := events.NewRouter()
	svc := relay.New(store, router)
	directory := rpc.NewDirectory(rpc.NewMemoryLeaseStore(), router, store, "embedded", rpc.DefaultLeaseTTL)
	gateway := ws.NewGateway(svc, router, directory, ring)
	handler := httpapi.NewRouter(httpapi.NewService(svc), gateway.Handler(), auth.Middleware(ring))

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("listen: %w", err)
	}

	return &Server{
		cfg:   cfg,
		store: store,
		svc:   svc,
		http:  &http.Server{Handler: handler},
		ln:    ln,
	}, nil
}

func (s *Server) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	go func() {
		if err := s.http.Serve(s.ln); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "harbor embedded server error: %v\n", err)
		}
	}()
	return nil
}

func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		s.ln.Close()
		s.store.Close()
		return nil
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.http.Shutdown(ctx)
	s.store.Close()
	return err
}

// Addr returns the bound address, which includes the real port when Port
// was 0.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

func (s *Server) URL() string {
	return fmt.Sprintf("http://%s", s.Addr())
}

// Relay exposes the service for in-process callers that want to skip HTTP.
func (s *Server) Relay() *relay.Service {
	return s.svc
}

// Store exposes the underlying store for direct access.
func (s *Server) Store() *sqlite.Store {
	return s.store
}
