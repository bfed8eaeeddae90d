package status

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Server runs the status API until Shutdown is called.
type Server struct {
	httpServer *http.Server
	log        *zap.Logger

	// closed once Shutdown has returned, so Serve can wait for drained
	// connections before it returns.
	done          chan struct{}
	closeDoneOnce sync.Once
}

func NewServer(log *zap.Logger, addr string, handler http.Handler) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		log:  log.Named("status"),
		done: make(chan struct{}),
	}
}

// Shutdown stops accepting requests and waits up to timeout for active ones.
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	defer s.closeDoneOnce.Do(func() {
		close(s.done)
	})

	err := s.httpServer.Shutdown(ctx)
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Serve(ln net.Listener) error {
	s.log.Info("serving status api", zap.Stringer("address", ln.Addr()))
	return s.handleShutdown(s.httpServer.Serve(ln))
}

func (s *Server) ListenAndServe() error {
	s.log.Info("serving status api", zap.String("address", s.httpServer.Addr))
	return s.handleShutdown(s.httpServer.ListenAndServe())
}

func (s *Server) handleShutdown(err error) error {
	if err != http.ErrServerClosed {
		return err
	}

	s.log.Debug("listener shutdown, waiting for connections to drain")
	<-s.done
	s.log.Debug("server connections are drained")
	return nil
}
