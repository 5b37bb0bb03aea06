package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/stagerd/internal/events"
)

// Server represents the webhook HTTP server.
type Server struct {
	config Config
	queue  Enqueuer
	events events.Publisher
	waker  Waker
	logger *slog.Logger
	server *http.Server

	// endpoints maps URL paths to their configurations
	endpoints map[string]*EndpointConfig
}

// Option configures a Server.
type Option func(*Server)

// WithWaker wakes the dispatch loop after a push created entries.
func WithWaker(w Waker) Option {
	return func(s *Server) { s.waker = w }
}

// WithPublisher announces created entries.
func WithPublisher(p events.Publisher) Option {
	return func(s *Server) { s.events = p }
}

// New creates a new webhook server instance.
func New(config Config, q Enqueuer, logger *slog.Logger, opts ...Option) *Server {
	endpoints := make(map[string]*EndpointConfig)
	for i := range config.Endpoints {
		ep := &config.Endpoints[i]
		if ep.MaxBodySize == 0 {
			ep.MaxBodySize = DefaultMaxBodySize
		}
		endpoints[ep.Path] = ep
	}

	s := &Server{
		config:    config,
		queue:     q,
		events:    events.Discard{},
		logger:    logger,
		endpoints: endpoints,
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

// Start starts the webhook HTTP server (blocking).
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.setupRoutes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("webhook server starting", "listen", s.config.Listen, "endpoints", len(s.endpoints))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("webhook server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("webhook server error: %w", err)
	}
}

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	for path := range s.endpoints {
		r.Post(path, s.handleWebhook)
	}

	return r
}

// loggingMiddleware logs requests without their bodies.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("webhook request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"remote_addr", r.RemoteAddr,
		)
	})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	endpoint, ok := s.endpoints[r.URL.Path]
	if !ok {
		s.respondError(w, http.StatusNotFound, "endpoint not found")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, endpoint.MaxBodySize+1))
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to read request body")
		return
	}
	if int64(len(body)) > endpoint.MaxBodySize {
		s.respondError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	signature := r.Header.Get(endpoint.SignatureHeader)
	if signature == "" {
		s.logger.Warn("webhook signature missing", "path", r.URL.Path, "header", endpoint.SignatureHeader)
		s.respondError(w, http.StatusForbidden, "forbidden")
		return
	}
	if err := verifyHMACSignature(body, signature, endpoint.Secret); err != nil {
		s.logger.Warn("webhook signature verification failed", "path", r.URL.Path, "error", err)
		s.respondError(w, http.StatusForbidden, "forbidden")
		return
	}

	urls, tree, err := decodeStageRequest(body)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if tree == "" {
		tree = endpoint.Tree
	}

	var resp TriggerResponse
	for _, u := range urls {
		entry, created := s.queue.CondInsert(u, tree)
		if !created {
			resp.Existing++
			continue
		}
		resp.Created++
		s.events.Publish(events.StageQueued, events.StagePayload{
			URL: entry.URL, Tree: entry.TreeName,
		})
	}
	if resp.Created > 0 && s.waker != nil {
		s.waker.Wake()
	}

	s.logger.Info("webhook push accepted",
		"path", r.URL.Path,
		"created", resp.Created,
		"existing", resp.Existing,
	)
	s.respondJSON(w, http.StatusAccepted, resp)
}

func decodeStageRequest(body []byte) ([]string, string, error) {
	var req StageRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, "", fmt.Errorf("invalid JSON body")
	}
	if req.URL != "" {
		req.URLs = append(req.URLs, req.URL)
	}
	if len(req.URLs) == 0 {
		return nil, "", fmt.Errorf("no urls in request")
	}
	if len(req.URLs) > maxURLsPerPush {
		return nil, "", fmt.Errorf("too many urls (max %d)", maxURLsPerPush)
	}

	urls := make([]string, 0, len(req.URLs))
	for i, u := range req.URLs {
		u = strings.TrimSpace(u)
		if u == "" {
			return nil, "", fmt.Errorf("urls[%d] is empty", i)
		}
		urls = append(urls, u)
	}
	return urls, strings.TrimSpace(req.Tree), nil
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, ErrorResponse{Error: message})
}
