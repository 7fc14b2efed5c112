package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/vonshlovens/capture-sync/internal/metrics"
)

const (
	DefaultMaxChunkBytes = 8 << 20
	shutdownTimeout      = 10 * time.Second
)

// Options configures the HTTP layer
type Options struct {
	Listen        string
	JWTSecret     string
	RateLimit     float64
	RateBurst     int
	MaxChunkBytes int64
}

// Server exposes a Service over HTTP
type Server struct {
	service *Service
	store   Store
	metrics *metrics.Metrics
	opts    Options
	router  chi.Router
}

// New builds the router. m may be nil, in which case /metrics is not served.
func New(service *Service, store Store, m *metrics.Metrics, opts Options) (*Server, error) {
	if opts.JWTSecret == "" {
		return nil, errors.New("server jwt secret is not configured")
	}
	if opts.MaxChunkBytes <= 0 {
		opts.MaxChunkBytes = DefaultMaxChunkBytes
	}

	s := &Server{
		service: service,
		store:   store,
		metrics: m,
		opts:    opts,
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.Use(rateLimit(opts.RateLimit, opts.RateBurst))

	config := huma.DefaultConfig("capsync API", "1.0.0")
	config.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
		"bearer": {Type: "http", Scheme: "bearer", BearerFormat: "JWT"},
	}
	api := humachi.New(r, config)
	s.registerOperations(api)

	r.With(s.jwtAuth).Put("/uploads/{captureID}/chunks/{index}", s.handleChunk)
	if m != nil {
		r.Handle("/metrics", m.Handler())
	}

	s.router = r
	return s, nil
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("sync server listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	slog.Info("sync server stopped")
	return nil
}
