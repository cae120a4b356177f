// Package server exposes the review service over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/time/rate"

	"github.com/nickcecere/revsearch/internal/config"
	"github.com/nickcecere/revsearch/internal/reviews"
	"github.com/nickcecere/revsearch/internal/store"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Backend is the subset of the review service the HTTP API calls.
type Backend interface {
	AddReview(ctx context.Context, r store.Record) (*reviews.AddResult, error)
	Search(ctx context.Context, query string, topK int) (*reviews.SearchResponse, error)
	Health() (*reviews.Health, error)
	Reconcile(ctx context.Context, mode reviews.ReconcileMode) (*reviews.ReconcileSummary, error)
}

// Server is the HTTP front end.
type Server struct {
	backend Backend
	cfg     config.ServerConfig

	// writeLimiter throttles add requests; nil disables limiting.
	writeLimiter *rate.Limiter

	httpServer *http.Server
	listener   net.Listener
	closed     atomic.Bool
}

// New creates a server. A zero WriteRateLimit disables write throttling.
func New(backend Backend, cfg config.ServerConfig) *Server {
	s := &Server{backend: backend, cfg: cfg}
	if cfg.WriteRateLimit > 0 {
		burst := cfg.WriteBurst
		if burst < 1 {
			burst = 1
		}
		s.writeLimiter = rate.NewLimiter(rate.Limit(cfg.WriteRateLimit), burst)
	}
	return s
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("POST /reviews/add", s.limitWrites(http.HandlerFunc(s.handleAdd)))
	mux.HandleFunc("POST /reviews/search", s.handleSearch)
	mux.HandleFunc("POST /admin/reconcile", s.handleReconcile)

	return s.recoverPanics(s.requestID(s.logRequests(mux)))
}

// Start listens on the configured address and serves in the background.
// HTTP/2 is available over cleartext alongside HTTP/1.1.
func (s *Server) Start() error {
	if s.closed.Load() {
		return http.ErrServerClosed
	}

	listener, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr(), err)
	}
	s.listener = listener

	s.httpServer = &http.Server{
		Handler:      h2c.NewHandler(s.Handler(), &http2.Server{}),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  2 * s.cfg.WriteTimeout,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server stopped", "error", err)
		}
	}()

	log.Info("Listening", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts down gracefully, waiting for in-flight requests up to the
// configured shutdown timeout.
func (s *Server) Stop(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) || s.httpServer == nil {
		return nil
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		_ = s.httpServer.Close()
		return err
	}
	return nil
}
