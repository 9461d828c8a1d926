// Package server exposes an engine over HTTP.
//
// Routes:
//
//	POST   /api/conversations/{id}/turns           run a turn, streamed as SSE
//	GET    /api/conversations/{id}/messages        stored history
//	GET    /api/conversations/{id}/tasks           scheduled tasks
//	DELETE /api/conversations/{id}/tasks/{taskID}  cancel a task
//	GET    /api/events                             websocket feed of engine events
//	GET    /metrics                                Prometheus metrics
//	GET    /healthz                                liveness
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/germanamz/relay/pkg/engine"
	"github.com/germanamz/relay/pkg/observability"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// maxBodyBytes bounds a turn request body.
const maxBodyBytes = 1 << 20

// Options configures a Server.
type Options struct {
	Logger *slog.Logger
	// AllowedOrigins are the origin host patterns accepted by /api/events.
	AllowedOrigins []string
}

// Server serves an engine over HTTP.
type Server struct {
	eng    *engine.Engine
	opts   Options
	logger *slog.Logger
}

// New creates a Server for eng.
func New(eng *engine.Engine, opts Options) *Server {
	return &Server{
		eng:    eng,
		opts:   opts,
		logger: observability.LoggerOrDefault(opts.Logger).With("component", "server"),
	}
}

// Handler returns the HTTP handler with every route mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(s.logging)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.eng.Gatherer(), promhttp.HandlerOpts{}))

	r.Route("/api", func(api chi.Router) {
		api.Route("/conversations/{id}", func(r chi.Router) {
			r.Post("/turns", s.handleTurn)
			r.Get("/messages", s.handleMessages)
			r.Get("/tasks", s.handleTasks)
			r.Delete("/tasks/{taskID}", s.handleCancelTask)
		})

		api.Get("/events", s.handleEvents)
	})

	return r
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}

	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	s.logger.Info("listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
