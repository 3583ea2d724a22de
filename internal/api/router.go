package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"agrowatch/internal/auth"
	"agrowatch/internal/dispatch"
	"agrowatch/internal/events"
	"agrowatch/internal/model"
)

// Store is the read side of persistence the API queries
type Store interface {
	GetDevice(id string) (*model.Device, error)
	ListDevices() ([]model.Device, error)
	GetDispatch(correlationID string) (*model.DispatchRecord, error)
	ListDispatches(deviceID string, from, to time.Time) ([]model.DispatchRecord, error)
	GetReadings(sensorID string, limit int) ([]model.Reading, error)
}

// Trigger dispatches manual actuator commands
type Trigger interface {
	Trigger(ctx context.Context, rawTarget string, dc dispatch.Context) ([]*model.DispatchRecord, error)
}

// Connectivity reports whether the broker connection is up
type Connectivity interface {
	IsConnected() bool
}

// Deps are the collaborators the server is built from
type Deps struct {
	Store      Store
	Trigger    Trigger
	EventStore *events.Store
	Broker     Connectivity
	Metrics    http.Handler

	JWT     *auth.JWTManager
	Limiter *auth.TriggerLimiter
	// WSTokens may be nil when NoAuth is set
	WSTokens *auth.WSTokenStore
	NoAuth   bool

	// StreamInterval is how often the event stream polls the audit store
	StreamInterval time.Duration
}

// Server represents the API server
type Server struct {
	router *chi.Mux
	deps   Deps
	authMw *auth.Middleware
}

// NewServer creates new API server
func NewServer(deps Deps) *Server {
	if deps.StreamInterval <= 0 {
		deps.StreamInterval = 500 * time.Millisecond
	}
	if deps.WSTokens == nil {
		deps.WSTokens = auth.NewWSTokenStore()
	}

	s := &Server{
		router: chi.NewRouter(),
		deps:   deps,
		authMw: auth.NewMiddleware(deps.JWT),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	r := s.router

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Create handlers
	authHandler := NewAuthHandler(s.deps.WSTokens)
	eventsHandler := NewEventsHandler(s.deps.EventStore, s.deps.WSTokens, s.deps.NoAuth, s.deps.StreamInterval)
	actuatorHandler := NewActuatorHandler(s.deps.Trigger, s.deps.Limiter)
	historyHandler := NewHistoryHandler(s.deps.Store)

	// Public routes
	r.Get("/healthz", s.health)
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics)
	}

	// The stream authenticates with a one-time token in the query string
	r.Get("/api/events/stream", eventsHandler.Stream)

	// Protected API routes
	r.Group(func(r chi.Router) {
		if !s.deps.NoAuth {
			r.Use(s.authMw.RequireAuth)
		} else {
			r.Use(auth.NoAuth)
		}

		r.Get("/api/auth/me", authHandler.Me)
		r.Get("/api/auth/ws-token", authHandler.WSToken)

		// Audit events
		r.Get("/api/events", eventsHandler.List)

		// History
		r.Get("/api/dispatches/{correlationId}", historyHandler.Dispatch)
		r.Get("/api/devices", historyHandler.Devices)
		r.Get("/api/devices/{deviceId}", historyHandler.Device)
		r.Get("/api/devices/{deviceId}/dispatches", historyHandler.DeviceDispatches)
		r.Get("/api/sensors/{sensorId}/readings", historyHandler.Readings)

		// Actuation
		r.With(s.authMw.RequireOperator).Post("/api/actuators/trigger", actuatorHandler.Trigger)
	})
}

// health handles GET /healthz
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	connected := s.deps.Broker != nil && s.deps.Broker.IsConnected()
	if !connected {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"status": "degraded", "mqtt": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "mqtt": true})
}

// Router returns the chi router
func (s *Server) Router() *chi.Mux {
	return s.router
}

// writeJSON writes JSON response
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes {"error": message}
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
