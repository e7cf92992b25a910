// Package server runs the relay's listeners: a TCP listener for devices and
// an optional unix socket for same-host tooling (CLI, local daemons).
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
)

type Config struct {
	Addr       string
	SocketPath string
	Handler    http.Handler
}

type Server struct {
	cfg    Config
	tcp    *http.Server
	unix   *http.Server
	unixLn net.Listener
}

func New(cfg Config) (*Server, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("addr required")
	}
	handler := cfg.Handler
	if handler == nil {
		handler = http.NewServeMux()
	}
	s := &Server{cfg: cfg, tcp: &http.Server{Addr: cfg.Addr, Handler: handler}}

	if cfg.SocketPath != "" {
		ln, err := listenUnix(cfg.SocketPath)
		if err != nil {
			return nil, err
		}
		s.unixLn = ln
		s.unix = &http.Server{Handler: handler}
	}
	return s, nil
}

// listenUnix binds the socket path, replacing a stale file left by a
// previous run. Group access only; the socket carries unauthenticated
// localhost traffic.
func listenUnix(path string) (net.Listener, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("unix listen: %w", err)
	}
	if err := os.Chmod(path, 0660); err != nil {
		ln.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return ln, nil
}

// Start serves both listeners; it blocks on the TCP listener the way
// http.ListenAndServe does.
func (s *Server) Start() error {
	if s.unixLn != nil {
		go s.unix.Serve(s.unixLn)
	}
	return s.tcp.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	var firstErr error
	if s.unix != nil {
		if err := s.unix.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		os.Remove(s.cfg.SocketPath)
	}
	if err := s.tcp.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// SocketPath returns the configured socket path, or empty if not configured.
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}
