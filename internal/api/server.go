package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/seantiz/coderun/internal/dispatch"
	"github.com/seantiz/coderun/internal/sandbox"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
	maxBodySize       = 2 << 20 // 2 MB
)

// Server defaults.
const (
	DefaultSubmitRPS   = 20
	DefaultSubmitBurst = 10
	DefaultEventPoll   = time.Second
)

// Options configures a Server.
type Options struct {
	Addr string

	// SubmitRPS and SubmitBurst bound submissions per client IP. A zero
	// SubmitRPS disables the limit.
	SubmitRPS   float64
	SubmitBurst int

	// EventPoll is how often an event stream re-reads the job, which picks
	// up transitions made by other processes.
	EventPoll time.Duration
}

// Server wraps the chi router and application dependencies.
type Server struct {
	router     *chi.Mux
	dispatcher *dispatch.Dispatcher
	registry   *sandbox.Registry
	opts       Options
	logger     *slog.Logger
}

// NewServer creates and configures a new HTTP server.
func NewServer(opts Options, d *dispatch.Dispatcher, reg *sandbox.Registry, logger *slog.Logger) *Server {
	if opts.SubmitBurst <= 0 {
		opts.SubmitBurst = DefaultSubmitBurst
	}
	if opts.EventPoll <= 0 {
		opts.EventPoll = DefaultEventPoll
	}

	srv := &Server{
		router:     chi.NewRouter(),
		dispatcher: d,
		registry:   reg,
		opts:       opts,
		logger:     logger,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/readyz", s.handleReadyz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Route("/api/v1", func(r chi.Router) {
		r.With(newIPRateLimiter(s.opts.SubmitRPS, s.opts.SubmitBurst).middleware).
			Post("/execute", s.handleExecute)
		r.Get("/status/{id}", s.handleStatus)
		r.Get("/status/{id}/events", s.handleStatusEvents)
		r.Get("/languages", s.handleListLanguages)
		r.Get("/providers", s.handleListProviders)
		r.Get("/stats", s.handleGetStats)
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run serves HTTP on the configured address until ctx is cancelled, then
// drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.opts.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down http server")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// errorResponse is the body of every error reply.
type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// writeJSON writes v as a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, errorResponse{Error: message})
}
