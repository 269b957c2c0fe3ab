package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/haukened/hostgate/internal/gate/common/log"
)

// Server runs the message API on a TCP listener.
type Server struct {
	addr    string
	handler http.Handler
	logger  log.Logger

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
	running  bool
}

func NewServer(addr string, handler http.Handler, logger log.Logger) *Server {
	return &Server{addr: addr, handler: handler, logger: logger}
}

// Start binds the listener and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("http server already running")
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.srv = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.running = true

	s.logger.Info(map[string]any{"address": ln.Addr().String()}, "message API started")
	go func(srv *http.Server) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(map[string]any{"error": err.Error()}, "message API stopped unexpectedly")
		}
	}(s.srv)
	return nil
}

// Stop drains in-flight requests for up to five seconds.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.srv.Shutdown(ctx)
	s.running = false
	s.logger.Info(map[string]any{"address": s.listener.Addr().String()}, "message API stopped")
	return err
}

// Address returns the bound address once started, else the configured one.
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}
