// Package server provides the HTTP REST API for artifact upload, analysis
// and job status polling.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/jonathan/mats/internal/artifact"
	"github.com/jonathan/mats/internal/config"
	"github.com/jonathan/mats/internal/jobs"
	"github.com/jonathan/mats/internal/observability"
	"github.com/jonathan/mats/internal/pipeline"
	"github.com/jonathan/mats/internal/server/middleware"
	"github.com/jonathan/mats/internal/server/ratelimit"
	"github.com/jonathan/mats/internal/tools"
	"github.com/jonathan/mats/internal/types"
)

// JobArchive serves jobs that were evicted from the in-memory registry.
type JobArchive interface {
	GetJob(ctx context.Context, id string) (*types.Job, error)
	ListJobs(ctx context.Context, limit int) ([]types.JobSummary, error)
}

// Deps are the collaborators the API is built on. Archive and Metrics are
// optional.
type Deps struct {
	Store        *artifact.Store
	Catalog      *tools.Catalog
	Registry     *jobs.Registry
	Orchestrator *pipeline.Orchestrator
	Archive      JobArchive
	Metrics      *observability.Metrics
	Logger       logrus.FieldLogger
	Version      string
}

// Server represents the HTTP server
type Server struct {
	cfg          config.Config
	httpServer   *http.Server
	router       chi.Router
	store        *artifact.Store
	catalog      *tools.Catalog
	registry     *jobs.Registry
	orchestrator *pipeline.Orchestrator
	archive      JobArchive
	metrics      *observability.Metrics
	logger       logrus.FieldLogger
	rateLimiter  *ratelimit.Limiter
	jwtService   *JWTService
	version      string

	// streamInterval is how often /status/{id}/stream polls the registry.
	streamInterval time.Duration
	// draining is closed when the HTTP server begins shutting down. Shutdown
	// does not cancel request contexts, so open streams watch it instead.
	draining     chan struct{}
	drainingOnce sync.Once
}

// New creates a new server instance
func New(cfg config.Config, deps Deps) (*Server, error) {
	if deps.Store == nil || deps.Catalog == nil || deps.Registry == nil || deps.Orchestrator == nil {
		return nil, fmt.Errorf("server requires a store, catalog, registry and orchestrator")
	}
	cfg = cfg.MergeWithDefaults(config.Default())

	logger := deps.Logger
	if logger == nil {
		logger = observability.DiscardLogger()
	}

	s := &Server{
		cfg:            cfg,
		store:          deps.Store,
		catalog:        deps.Catalog,
		registry:       deps.Registry,
		orchestrator:   deps.Orchestrator,
		archive:        deps.Archive,
		metrics:        deps.Metrics,
		logger:         logger,
		version:        deps.Version,
		streamInterval: 500 * time.Millisecond,
		draining:       make(chan struct{}),
	}

	// Initialize rate limiter
	s.rateLimiter = ratelimit.NewLimiter(ratelimit.NewConfig(
		cfg.RateLimit.Enabled,
		cfg.RateLimit.RequestsPerSecond,
		cfg.RateLimit.Burst,
		[]string{"127.0.0.1", "::1"},
	))

	if cfg.Auth.Enabled() {
		s.jwtService = NewJWTService(cfg.Auth)
	}

	s.router = s.routes()
	s.httpServer = &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           s.router,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		// No write timeout: uploads are large and status streams are long-lived.
	}
	s.httpServer.RegisterOnShutdown(func() {
		s.drainingOnce.Do(func() { close(s.draining) })
	})

	return s, nil
}

func (s *Server) routes() chi.Router {
	var observer middleware.RequestObserver
	if s.metrics != nil {
		observer = s.metrics
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(s.logger, observer))
	r.Use(chimw.Recoverer)
	r.Use(s.withCORS)
	r.Use(s.withRateLimit)
	if s.jwtService != nil {
		r.Use(middleware.AuthMiddleware(s.jwtService.AsTokenValidator(), "/", "/health", "/metrics"))
	}

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Post("/upload", s.handleUpload)
	r.Post("/analyze", s.handleAnalyze)
	r.Get("/status/{id}", s.handleStatus)
	r.Get("/status/{id}/stream", s.handleStatusStream)
	r.Get("/results/{id}", s.handleResults)
	r.Get("/download/{id}/{tool}", s.handleDownload)
	r.Get("/jobs", s.handleListJobs)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		s.errorResponse(w, http.StatusNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		s.errorResponse(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is canceled, then shuts the listener down
// gracefully. Running jobs are left to the orchestrator's own shutdown.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("Server starting on %s", ln.Addr())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		s.rateLimiter.Stop()
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	// Stop rate limiter cleanup goroutine
	defer s.rateLimiter.Stop()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.logger.Info("Server stopped")
	return nil
}

// withCORS allows the configured browser origins.
func (s *Server) withCORS(next http.Handler) http.Handler {
	allowed := newOriginMatcher(s.cfg.Server.CORSOrigins)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && allowed.match(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// originMatcher matches Origin headers against configured entries. An entry
// of "*" allows every origin and "scheme://host:*" allows that host on any
// port, including none.
type originMatcher struct {
	any     bool
	exact   map[string]bool
	anyPort []string
}

func newOriginMatcher(origins []string) *originMatcher {
	m := &originMatcher{exact: make(map[string]bool, len(origins))}
	for _, o := range origins {
		switch {
		case o == "*":
			m.any = true
		case strings.HasSuffix(o, ":*"):
			m.anyPort = append(m.anyPort, strings.TrimSuffix(o, ":*"))
		default:
			m.exact[o] = true
		}
	}
	return m
}

func (m *originMatcher) match(origin string) bool {
	if m.any || m.exact[origin] {
		return true
	}
	for _, base := range m.anyPort {
		if origin == base {
			return true
		}
		if port, ok := strings.CutPrefix(origin, base+":"); ok && isPort(port) {
			return true
		}
	}
	return false
}

func isPort(s string) bool {
	if s == "" || len(s) > 5 {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// withRateLimit adds rate limiting middleware
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, info := s.rateLimiter.Allow(s.extractClientID(r), r.URL.Path, r.Method)
		s.setRateLimitHeaders(w, info)
		if !allowed {
			s.rateLimitResponse(w, r, info)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// extractClientID extracts the client identifier from the request.
// RealIP has already replaced RemoteAddr with the forwarded address.
func (s *Server) extractClientID(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// setRateLimitHeaders sets standard rate limit headers on the response.
func (s *Server) setRateLimitHeaders(w http.ResponseWriter, info ratelimit.Info) {
	if info.Limit > 0 {
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(info.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
	}
}

// rateLimitResponse writes a 429 Too Many Requests response with rate limit information.
func (s *Server) rateLimitResponse(w http.ResponseWriter, r *http.Request, info ratelimit.Info) {
	retryAfter := max(int(info.RetryAfter.Round(time.Second).Seconds()), 1)
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))

	s.logger.WithFields(logrus.Fields{
		"client": s.extractClientID(r),
		"path":   r.URL.Path,
		"limit":  info.Limit,
	}).Warn("Rate limit exceeded")

	s.jsonResponse(w, http.StatusTooManyRequests, map[string]any{
		"error":       "rate_limit_exceeded",
		"message":     "Rate limit exceeded. Please try again later.",
		"limit":       info.Limit,
		"retry_after": retryAfter,
	})
}

// jsonResponse writes a JSON response
func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Error encoding JSON response")
	}
}

// errorResponse writes an error JSON response
func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	s.jsonResponse(w, status, map[string]string{"error": message})
}

// fail maps err to its status code and writes it. Server errors are logged
// and their details withheld from the client.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := HTTPStatus(err)
	message := err.Error()
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		s.logger.WithError(err).WithField("path", r.URL.Path).Error("Request failed")
		message = "internal server error"
	}
	s.errorResponse(w, status, message)
}
