package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/vincentbai/sessiontrace/internal/database"
	"github.com/vincentbai/sessiontrace/internal/models"
)

// MaxPayloadBytes bounds an ingested session payload.
const MaxPayloadBytes = 8 << 20

type Server struct {
	db      *database.Database
	address string
	server  *http.Server
	logger  *slog.Logger

	rateLimit      int
	allowedOrigins []string
}

type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRateLimit caps ingestion requests per client IP per minute. Zero
// disables the limit.
func WithRateLimit(perMinute int) Option {
	return func(s *Server) { s.rateLimit = perMinute }
}

func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) {
		if len(origins) > 0 {
			s.allowedOrigins = origins
		}
	}
}

func NewServer(db *database.Database, address string, opts ...Option) *Server {
	s := &Server{
		db:             db,
		address:        address,
		logger:         slog.Default(),
		allowedOrigins: []string{"*"},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		s.logger.Error("database unavailable", "error", err)
		http.Error(w, "database unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Write([]byte("ok"))
}

func (s *Server) handleSessions(w http.ResponseWriter, request *http.Request) {
	var payload models.Payload
	decoder := json.NewDecoder(http.MaxBytesReader(w, request.Body, MaxPayloadBytes))
	if err := decoder.Decode(&payload); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "Payload exceeds "+humanize.IBytes(uint64(tooLarge.Limit)), http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "Invalid JSON format", http.StatusBadRequest)
		return
	}

	id, err := s.db.InsertSession(request.Context(), payload)
	if errors.Is(err, database.ErrInvalidPayload) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		s.logger.Error("database error", "error", err)
		http.Error(w, "Failed to store session", http.StatusInternalServerError)
		return
	}

	s.logger.Info("session stored",
		"session_id", id,
		"business_id", payload.BusinessID,
		"events", len(payload.TrackerEvents),
		"errors", len(payload.Errors),
		"duration", time.Duration(payload.DurationMS)*time.Millisecond)
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleGetSession(w http.ResponseWriter, request *http.Request) {
	stored, err := s.db.GetSession(request.Context(), chi.URLParam(request, "id"))
	if errors.Is(err, database.ErrSessionNotFound) {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("database error", "error", err)
		http.Error(w, "Failed to load session", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) setupRoutes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "sessiontrace-agent")
	})
	// beacons are sent with credentials, so origins are reflected rather
	// than wildcarded
	r.Use(cors.Handler(cors.Options{
		AllowOriginFunc:  s.allowOrigin,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", s.handleHealthz)
	r.Route("/sessions", func(r chi.Router) {
		if s.rateLimit > 0 {
			r.With(httprate.LimitByIP(s.rateLimit, time.Minute)).Post("/", s.handleSessions)
		} else {
			r.Post("/", s.handleSessions)
		}
		r.Get("/{id}", s.handleGetSession)
	})
	return r
}

func (s *Server) allowOrigin(_ *http.Request, origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// Start serves until ctx is cancelled or the process is interrupted, then
// shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.address,
		Handler:      s.setupRoutes(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		s.logger.Info("sessiontrace agent listening", "address", s.address)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}
	s.logger.Info("shutting down server")

	shutdownContext, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.server.Shutdown(shutdownContext); err != nil {
		return err
	}

	s.logger.Info("server exited")
	return nil
}
