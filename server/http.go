// Package server provides the HTTP surface of the tiered vector cache.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/tiered-cache/promote"
	"github.com/wolfeidau/tiered-cache/store/l2"
	"github.com/wolfeidau/tiered-cache/store/outbox"
	"github.com/wolfeidau/tiered-cache/store/poller"
	"github.com/wolfeidau/tiered-cache/store/vcache"
	"github.com/wolfeidau/tiered-cache/telemetry"
)

// Config holds server configuration and the components it serves.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// AuthToken enables Bearer authentication when set.
	// /health and /metrics stay public.
	AuthToken string

	// ReadTimeout and WriteTimeout bound request handling. Default: 30s.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Cache is the L1 vector cache. Required.
	Cache *vcache.Locked

	// Outbox is the durable outbox. Required.
	Outbox *outbox.Outbox

	// L2 serves reads that miss L1. Optional.
	L2 *l2.Store

	// Poller and Promoter are started with the server when set.
	Poller   *poller.Poller
	Promoter *promote.Promoter

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP server for the tiered cache.
type Server struct {
	config     Config
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger

	cache    *vcache.Locked
	outbox   *outbox.Outbox
	l2       *l2.Store
	poller   *poller.Poller
	promoter *promote.Promoter
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Cache == nil {
		return nil, errors.New("server: cache is required")
	}
	if cfg.Outbox == nil {
		return nil, errors.New("server: outbox is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}

	s := &Server{
		config:   cfg,
		logger:   cfg.Logger,
		cache:    cfg.Cache,
		outbox:   cfg.Outbox,
		l2:       cfg.L2,
		poller:   cfg.Poller,
		promoter: cfg.Promoter,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)
	s.handler = s.loggingMiddleware(s.authMiddleware(mux))

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// L1 vector cache
	mux.HandleFunc("PUT /v1/vectors/{oid}", s.handlePutVector)
	mux.HandleFunc("GET /v1/vectors/{oid}", s.handleGetVector)
	mux.HandleFunc("DELETE /v1/vectors/{oid}", s.handleRemoveVector)
	mux.HandleFunc("DELETE /v1/vectors", s.handleClearVectors)
	mux.HandleFunc("POST /v1/search", s.handleSearch)
	mux.HandleFunc("GET /v1/promotions", s.handlePeekPromotions)
	mux.HandleFunc("POST /v1/promotions/drain", s.handleDrainPromotions)

	// Outbox
	mux.HandleFunc("POST /v1/outbox", s.handleEnqueue)
	mux.HandleFunc("GET /v1/outbox/dlq", s.handleFetchDLQ)
	mux.HandleFunc("POST /v1/outbox/purge", s.handlePurge)
	mux.HandleFunc("GET /v1/outbox/{id}", s.handleLookup)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.poller != nil {
		if err := s.poller.Err(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, envelope{"success": false, "status": "degraded", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, envelope{"success": true, "status": "ok"})
}

// handleStats reports cache, outbox and tier statistics.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	outboxStats, err := s.outbox.Statistics(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	body := envelope{
		"success": true,
		"cache":   s.cache.Statistics(),
		"outbox":  outboxStats,
	}
	if s.l2 != nil {
		n, err := s.l2.Len(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		body["l2_entries"] = n
	}
	if s.poller != nil {
		body["poller"] = s.poller.Status()
	}
	writeJSON(w, http.StatusOK, body)
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		// Inject request tags so handlers can set cache_result, endpoint, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)
		tags.Component = deriveComponent(r.URL.Path)

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"component", tags.Component,
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		}
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the background workers and serves HTTP until Shutdown.
func (s *Server) Start(ctx context.Context) error {
	if s.poller != nil {
		s.logger.Info("starting outbox poller")
		s.poller.Start(ctx)
	}
	if s.promoter != nil {
		s.logger.Info("starting promoter")
		s.promoter.Start(ctx)
	}

	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting requests, then stops the promoter and the poller
// so that final promotions still reach the outbox.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	err := s.httpServer.Shutdown(ctx)

	if s.promoter != nil {
		err = errors.Join(err, s.promoter.Stop(ctx))
	}
	if s.poller != nil {
		err = errors.Join(err, s.poller.Stop(ctx))
	}
	return err
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// deriveComponent classifies the request path for logs and metrics.
func deriveComponent(path string) string {
	switch {
	case path == "/health" || path == "/stats" || path == "/metrics":
		return "internal"
	case strings.HasPrefix(path, "/v1/vectors"), strings.HasPrefix(path, "/v1/search"):
		return "vectors"
	case strings.HasPrefix(path, "/v1/promotions"):
		return "promotions"
	case strings.HasPrefix(path, "/v1/outbox"):
		return "outbox"
	default:
		return "unknown"
	}
}
