package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/stagerd/internal/events"
	"github.com/mattjoyce/stagerd/internal/history"
	"github.com/mattjoyce/stagerd/internal/queue"
)

// Queue is the part of the staging queue exposed over HTTP.
// *queue.Store satisfies it.
type Queue interface {
	CondInsert(url, treeName string) (queue.Entry, bool)
	Lookup(url string) (queue.Entry, bool)
	QueryByStatus(status queue.Status, limit int) []queue.Entry
	Summary() queue.Summary
	FlushEntries() []queue.Entry
}

// Waker is notified when new work is inserted so the dispatch loop need not
// wait for its next tick.
type Waker interface {
	Wake()
}

// HistoryReader reads recorded staging attempts.
type HistoryReader interface {
	Recent(ctx context.Context, url string, limit int) ([]history.Attempt, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is the bearer token. Empty leaves the API open.
	APIKey string
}

// Option configures a Server.
type Option func(*Server)

// WithWaker wakes the dispatch loop after inserts.
func WithWaker(w Waker) Option {
	return func(s *Server) { s.waker = w }
}

// WithHistory enables GET /history.
func WithHistory(h HistoryReader) Option {
	return func(s *Server) { s.history = h }
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	queue     Queue
	events    *events.Hub
	waker     Waker
	history   HistoryReader
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance
func New(config Config, q Queue, hub *events.Hub, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		config:    config,
		queue:     q,
		events:    hub,
		logger:    logger,
		startedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     router,
		ReadTimeout: 10 * time.Second,
		// No write timeout: /events streams for as long as the client stays.
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	r.Get("/openapi.json", s.handleOpenAPI)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/queue", s.handleSummary)
		r.Post("/queue", s.handleInsert)
		r.Get("/queue/entries", s.handleListEntries)
		r.Get("/queue/entry", s.handleGetEntry)
		r.Post("/queue/flush", s.handleFlush)
		r.Get("/history", s.handleHistory)
		r.Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
