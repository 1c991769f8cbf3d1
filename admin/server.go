package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/rs/zerolog/log"
)

// Server is the admin HTTP server: admin API, pprof and optionally /metrics
type Server struct {
	httpServer *http.Server
	listener   net.Listener
}

// NewServer builds the admin mux. metricsHandler may be nil.
func NewServer(handlers *AdminHandlers, secret string, metricsHandler http.Handler) *Server {
	mux := http.NewServeMux()

	// Register pprof handlers for profiling
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
		log.Info().Msg("Metrics endpoint enabled at /metrics")
	}

	RegisterRoutes(mux, handlers, secret)

	return &Server{
		httpServer: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens on address and serves in the background
func (s *Server) Start(address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	s.listener = listener

	log.Info().Str("address", listener.Addr().String()).Msg("Starting admin server")

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Admin server failed")
		}
	}()

	return nil
}

// Addr returns the bound address, or nil before Start
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop gracefully stops the admin server
func (s *Server) Stop(ctx context.Context) error {
	log.Info().Msg("Stopping admin server")
	return s.httpServer.Shutdown(ctx)
}
