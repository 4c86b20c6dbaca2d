package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jsnelgro/oplogwatch/internal/demoauth"
	"github.com/jsnelgro/oplogwatch/internal/driver"
	"github.com/jsnelgro/oplogwatch/internal/multiplex"
	"github.com/jsnelgro/oplogwatch/internal/ratelimit"
)

// WatchStatus is the subset of *oplogwatch.Handle the health endpoint needs.
// Declared as an interface so this package doesn't depend on the root
// oplogwatch package (which itself depends on internal/driver).
type WatchStatus interface {
	Phase() driver.Phase
	CacheSizes() (published, buffered int)
}

// Server is the demo HTTP API for oplogwatchd: it exposes each registered
// live query as an SSE topic under GET /v1/watch, plus a health endpoint
// reporting per-topic driver phase.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
	hub        *multiplex.Hub

	mu      sync.RWMutex
	watches map[string]WatchStatus
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
type ServerConfig struct {
	// Required dependencies.
	JWTMgr *demoauth.Manager
	Hub    *multiplex.Hub
	Logger *slog.Logger

	// Optional dependencies (nil = disabled).
	RateLimiter ratelimit.Limiter

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxRequestBodyBytes int64
	CORSAllowedOrigins  []string
}

// New creates a new HTTP server with all routes configured. Live queries are
// attached afterward via RegisterWatch.
func New(cfg ServerConfig) *Server {
	s := &Server{
		logger:  cfg.Logger,
		hub:     cfg.Hub,
		watches: make(map[string]WatchStatus),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /health", s.handleHealthz)
	mux.HandleFunc("POST /auth/token", s.handleAuthToken(cfg.JWTMgr))
	mux.HandleFunc("GET /v1/watch", s.handleWatch)

	var handler http.Handler = mux
	if cfg.RateLimiter != nil {
		handler = ratelimit.Middleware(cfg.RateLimiter, ratelimit.IPKeyFunc, RequestIDFromContext)(handler)
	}
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = corsMiddleware(cfg.CORSAllowedOrigins, handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	s.handler = handler
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  2 * cfg.ReadTimeout,
	}
	return s
}

// RegisterWatch attaches a running watch under topic, so GET /v1/watch?topic=
// can stream its events and GET /healthz can report its phase. The caller is
// responsible for wiring the watch's Multiplexer to a multiplex.Fanout
// created against the same Hub and topic.
func (s *Server) RegisterWatch(topic string, w WatchStatus) {
	s.mu.Lock()
	s.watches[topic] = w
	s.mu.Unlock()
}

// UnregisterWatch removes a previously registered topic.
func (s *Server) UnregisterWatch(topic string) {
	s.mu.Lock()
	delete(s.watches, topic)
	s.mu.Unlock()
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}

type healthTopic struct {
	Topic     string `json:"topic"`
	Phase     string `json:"phase"`
	Published int    `json:"published"`
	Buffered  int    `json:"buffered"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	topics := make([]healthTopic, 0, len(s.watches))
	for topic, d := range s.watches {
		pub, buf := d.CacheSizes()
		topics = append(topics, healthTopic{
			Topic:     topic,
			Phase:     d.Phase().String(),
			Published: pub,
			Buffered:  buf,
		})
	}
	s.mu.RUnlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"topics": topics,
	})
}

type issueTokenRequest struct {
	Subject     string   `json:"subject"`
	Collections []string `json:"collections"`
}

type issueTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handleAuthToken mints a demo bearer token for the given subject and
// collection allowlist. There is no credential check: this demo server has
// no user store, so anyone who can reach the endpoint can request a token
// scoped to whatever collections they name. Do not expose this endpoint
// outside a trusted demo environment.
func (s *Server) handleAuthToken(jwtMgr *demoauth.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req issueTokenRequest
		if err := decodeJSON(r, &req, 64*1024); err != nil {
			writeError(w, r, http.StatusBadRequest, "bad_request", "invalid request body")
			return
		}
		if req.Subject == "" {
			writeError(w, r, http.StatusBadRequest, "bad_request", "subject is required")
			return
		}
		if len(req.Collections) == 0 {
			req.Collections = []string{"*"}
		}

		token, exp, err := jwtMgr.IssueToken(req.Subject, req.Collections)
		if err != nil {
			s.logger.Error("server: failed to issue token", "error", err)
			writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to issue token")
			return
		}

		writeJSON(w, http.StatusOK, issueTokenResponse{Token: token, ExpiresAt: exp})
	}
}

// handleWatch streams the named topic's added/changed/removed/ready events
// as Server-Sent Events. The bearer token's claims must permit watching the
// requested topic (used here as the collection name).
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		writeError(w, r, http.StatusBadRequest, "bad_request", "topic query parameter is required")
		return
	}

	claims := ClaimsFromContext(r.Context())
	if claims == nil || !claims.Allows(topic) {
		writeError(w, r, http.StatusForbidden, "forbidden", "token does not permit watching this topic")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "internal_error", "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.hub.Subscribe(topic)
	defer s.hub.Unsubscribe(topic, ch)

	ctx := r.Context()
	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
