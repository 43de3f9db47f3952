package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"eddisonso.com/edd-events/internal/db"
	"eddisonso.com/edd-events/internal/events"
)

// BusStatus reports whether the message bus connection is usable.
type BusStatus interface {
	Connected() bool
}

type Handler struct {
	db             *db.DB
	notifier       *events.Notifier
	bus            BusStatus
	jwtSecret      []byte
	allowedOrigins []string
	metrics        http.Handler
	logger         *slog.Logger
}

type Config struct {
	DB       *db.DB
	Notifier *events.Notifier
	Bus      BusStatus
	// JWTSecret enables Authorization: Bearer identities.
	JWTSecret      []byte
	AllowedOrigins []string
	// Metrics, when set, is served at /metrics.
	Metrics http.Handler
	Logger  *slog.Logger
}

func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return &Handler{
		db:             cfg.DB,
		notifier:       cfg.Notifier,
		bus:            cfg.Bus,
		jwtSecret:      cfg.JWTSecret,
		allowedOrigins: origins,
		metrics:        cfg.Metrics,
		logger:         logger,
	}
}

// Router returns the HTTP handler for the service.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: h.allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-User-Id", "X-User-Email"},
		MaxAge:         300,
	}))

	r.Get("/healthz", h.handleHealthz)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(h.requireIdentity)

		r.Get("/events", h.handleListEvents)
		r.Post("/events", h.handleCreateEvent)
		r.Get("/events/{eventID}", h.handleGetEvent)
		r.Put("/events/{eventID}", h.handleUpdateEvent)
		r.Delete("/events/{eventID}", h.handleDeleteEvent)
		r.Get("/events/{eventID}/attendees", h.handleListAttendees)
		r.Post("/events/{eventID}/attend", h.handleAttend)

		r.Get("/users/{userID}/events", h.handleUserEvents)
	})

	return r
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.logger.Info("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := map[string]string{"status": "ok", "database": "ok", "bus": "connected"}
	code := http.StatusOK
	if err := h.db.PingContext(ctx); err != nil {
		h.logger.Warn("health check: database unreachable", "error", err)
		status["status"] = "degraded"
		status["database"] = "unreachable"
		code = http.StatusServiceUnavailable
	}
	if h.bus == nil || !h.bus.Connected() {
		status["bus"] = "disconnected"
	}
	writeJSONStatus(w, code, status)
}

type errorItem struct {
	Message string `json:"message"`
}

type errorResponse struct {
	Errors []errorItem `json:"errors"`
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	writeJSONStatus(w, http.StatusOK, data)
}

func writeJSONStatus(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, msg string, status int) {
	writeJSONStatus(w, status, errorResponse{Errors: []errorItem{{Message: msg}}})
}
