// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tweet-watcher/deliver"
	"tweet-watcher/pkg/watcher"
	"tweet-watcher/poll"
)

//go:embed tmpl/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "tmpl/*.tmpl"))

// Store interface for watch management and the status page.
type Store interface {
	ListWatches(ctx context.Context) ([]*watcher.Watch, error)
	LoadWatch(ctx context.Context, id string) (*watcher.Watch, error)
	SaveWatch(ctx context.Context, w *watcher.Watch) error
	InsertWatch(ctx context.Context, w *watcher.Watch) error
	DeleteWatch(ctx context.Context, id string) error
	ListCredentials(ctx context.Context) ([]*watcher.Credential, error)
	ListNotifications(ctx context.Context, limit int) ([]*watcher.Notification, error)
}

// Poller interface for triggering polling cycles.
type Poller interface {
	CheckAll(ctx context.Context) (*poll.Report, error)
}

// Deliverer interface for draining pending notifications.
type Deliverer interface {
	DeliverPending(ctx context.Context) (*deliver.Summary, error)
}

// Server handles HTTP requests.
type Server struct {
	store         Store
	poller        Poller
	deliverer     Deliverer
	logger        *slog.Logger
	now           func() time.Time
	signingSecret string
}

// Config holds server configuration.
type Config struct {
	Store         Store
	Poller        Poller
	Deliverer     Deliverer
	Logger        *slog.Logger
	SigningSecret string // Slack signing secret; empty disables /slack/commands
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	return &Server{
		store:         cfg.Store,
		poller:        cfg.Poller,
		deliverer:     cfg.Deliverer,
		logger:        cfg.Logger,
		now:           time.Now,
		signingSecret: cfg.SigningSecret,
	}
}

// Handler returns the router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleStatus)
	r.Get("/health", s.handleHealth)
	r.Post("/pollz", s.handlePoll)
	r.Post("/deliverz", s.handleDeliver)
	r.Post("/slack/commands", s.handleSlackCommand)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	// Configure server with timeouts to prevent resource exhaustion
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,  // Time to read request headers and body
		WriteTimeout:      5 * time.Minute,   // Polling cycles run inside the request
		IdleTimeout:       120 * time.Second, // Time to keep connection alive between requests
		ReadHeaderTimeout: 5 * time.Second,   // Time to read request headers only
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("HTTP server shutdown failed", "error", err)
		}
	}()

	s.logger.Info("Starting HTTP server", "port", port)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// Scrapes and probes are too chatty for info level.
		level := slog.LevelInfo
		if r.URL.Path == "/metrics" || r.URL.Path == "/health" {
			level = slog.LevelDebug
		}
		s.logger.Log(r.Context(), level, "HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("Poll endpoint triggered")

	report, err := s.poller.CheckAll(r.Context())
	if err != nil {
		s.logger.Error("Poll check failed", "error", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]any{
			"status": "failed",
			"error":  err.Error(),
			"report": report,
		})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"status": "completed", "report": report})
}

func (s *Server) handleDeliver(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("Deliver endpoint triggered")

	summary, err := s.deliverer.DeliverPending(r.Context())
	if err != nil {
		s.logger.Error("Delivery failed", "error", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]any{
			"status":  "failed",
			"error":   err.Error(),
			"summary": summary,
		})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"status": "completed", "summary": summary})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}
