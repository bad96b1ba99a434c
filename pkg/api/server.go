// Package api provides the HTTP retrieval facade.
//
// The facade resolves a logical (task, path) pair to a container and a
// byte range, fetches or reuses a cached copy of the container, and
// serves the member's bytes.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/caflabs/packd/internal/logger"
)

// Server is the facade HTTP server.
//
// The server is created stopped; Start blocks until the context is
// cancelled or the listener fails. Stop is safe to call multiple times.
type Server struct {
	server       *http.Server
	config       Config
	shutdownOnce sync.Once
}

// NewServer creates the facade server around an already-wired Handler.
func NewServer(config Config, handler *Handler) *Server {
	config.applyDefaults()

	router := NewRouter(handler, config.AllowedOrigins)

	return &Server{
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", config.Port),
			Handler:      router,
			ReadTimeout:  config.ReadTimeout,
			WriteTimeout: config.WriteTimeout,
			IdleTimeout:  config.IdleTimeout,
		},
		config: config,
	}
}

// Start serves requests until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		logger.Info("facade server listening", "port", s.config.Port)

		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			select {
			case errChan <- err:
			default:
			}
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("facade server shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("facade server failed: %w", err)
	}
}

// Stop initiates graceful shutdown.
func (s *Server) Stop(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("facade server shutdown error: %w", err)
			logger.Error("facade server shutdown error", "error", err)
		} else {
			logger.Info("facade server stopped gracefully")
		}
	})
	return shutdownErr
}

// Port returns the TCP port the server is configured for.
func (s *Server) Port() int {
	return s.config.Port
}
