package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// Server wraps the HTTP API's Echo instance with TLS termination and
// graceful shutdown. It holds no hub state of its own; that all lives in
// the Room Registry, Credential Store, and Graph WebSocket Hub passed in at
// construction via httpapi.New.
type Server struct {
	addr        string
	certFile    string
	keyFile     string
	echo        *echo.Echo
	idleTimeout time.Duration
}

// NewServer binds an Echo app (already carrying the REST and WebSocket
// routes) to a TLS listen address.
func NewServer(addr, certFile, keyFile string, e *echo.Echo, idleTimeout time.Duration) *Server {
	return &Server{
		addr:        addr,
		certFile:    certFile,
		keyFile:     keyFile,
		echo:        e,
		idleTimeout: idleTimeout,
	}
}

// Run starts the HTTPS listener and blocks until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	s.echo.Server.IdleTimeout = s.idleTimeout
	s.echo.Server.ReadHeaderTimeout = 10 * time.Second

	errCh := make(chan error, 1)
	go func() {
		err := s.echo.StartTLS(s.addr, s.certFile, s.keyFile)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	slog.Info("hub listening", "addr", s.addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.echo.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown", "err", err)
		}
		<-errCh
		slog.Info("hub stopped")
		return nil
	}
}
