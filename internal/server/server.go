package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/user/keypool/internal/coordinator"
	"github.com/user/keypool/internal/metrics"
	"github.com/user/keypool/internal/store"
)

// Config holds HTTP server settings.
type Config struct {
	Bind string
	// AdminKey guards the puzzle management routes. When blank every admin
	// call is rejected.
	AdminKey  string
	RateLimit RateLimitConfig
}

// Server is the HTTP server for the keypool coordinator.
type Server struct {
	svc        *coordinator.Service
	metrics    *metrics.Collector
	adminKey   string
	limiter    *rateLimiter
	httpServer *http.Server
	router     chi.Router
}

// New creates a new Server.
func New(svc *coordinator.Service, m *metrics.Collector, cfg Config) *Server {
	srv := &Server{
		svc:      svc,
		metrics:  m,
		adminKey: cfg.AdminKey,
		limiter:  newRateLimiter(cfg.RateLimit),
	}
	srv.router = srv.buildRouter()
	srv.httpServer = &http.Server{
		Addr:              cfg.Bind,
		Handler:           h2c.NewHandler(srv.router, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.structuredLogger)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)
	r.Use(s.rateLimitMiddleware)

	r.Route("/api", func(r chi.Router) {
		// Worker endpoints
		r.Post("/clients/register", s.handleRegister)
		r.Post("/ranges/claim", s.handleClaim)
		r.Post("/ranges/report", s.handleReport)
		r.Post("/events/key-found", s.handleKeyFound)

		// Dashboard
		r.Get("/stats/overview", s.handleOverview)

		// Admin
		r.Route("/admin", func(r chi.Router) {
			r.Use(s.adminOnly)
			r.Get("/puzzles", s.handleListPuzzles)
			r.Put("/puzzles/{code}", s.handleUpsertPuzzle)
			r.Delete("/puzzles/{code}", s.handleDeletePuzzle)
			r.Get("/key-finds", s.handleListKeyFinds)
		})
	})

	r.Get("/health", s.handleHealthz)
	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	return r
}

// Start begins listening for HTTP requests. Cleartext HTTP/2 is accepted
// alongside HTTP/1.1.
func (s *Server) Start() error {
	slog.Info("HTTP server starting", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("HTTP server shutting down")
	s.limiter.close()
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// JSON response helpers

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, code string) {
	writeJSON(w, status, map[string]string{"error": msg, "code": code})
}

// writeStoreError maps a typed store error to its HTTP status. Anything
// untyped is logged and reported as an internal error.
func writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	code := store.ErrorCodeOf(err)
	switch code {
	case store.ErrorCodeValidation:
		writeError(w, http.StatusBadRequest, err.Error(), string(code))
	case store.ErrorCodeUnauthorized:
		writeError(w, http.StatusUnauthorized, err.Error(), string(code))
	case store.ErrorCodeNotOwned:
		writeError(w, http.StatusForbidden, err.Error(), string(code))
	case store.ErrorCodeNotFound:
		writeError(w, http.StatusNotFound, err.Error(), string(code))
	case store.ErrorCodeConflict:
		writeError(w, http.StatusConflict, err.Error(), string(code))
	default:
		if errors.Is(err, context.Canceled) {
			return
		}
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error", "INTERNAL_ERROR")
	}
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// Middleware

func (s *Server) structuredLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		elapsed := time.Since(start)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.ObserveRequest(r.Method, route, status, elapsed)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"duration_ms", elapsed.Milliseconds(),
		)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Client-Token, X-Client-Id, X-Admin-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
