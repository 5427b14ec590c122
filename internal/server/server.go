package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/lazypower/bondline/internal/engine"
	"github.com/lazypower/bondline/internal/events"
	"github.com/lazypower/bondline/internal/metrics"
)

// Server is the bondline HTTP API server.
type Server struct {
	engine  *engine.Engine
	sweeper *engine.Sweeper
	bus     *events.Bus
	log     zerolog.Logger
	router  chi.Router
	version string
	started time.Time
}

// New creates a Server. The bus feeds the /api/events stream.
func New(eng *engine.Engine, sweeper *engine.Sweeper, bus *events.Bus, version string, log zerolog.Logger) *Server {
	s := &Server{
		engine:  eng,
		sweeper: sweeper,
		bus:     bus,
		log:     log.With().Str("component", "http").Logger(),
		version: version,
		started: time.Now(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)

	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Post("/bonds", s.handleEstablish)
		r.Get("/bonds/{bondID}", s.handleGetBond)
		r.Patch("/bonds/{bondID}/metrics", s.handleUpdateMetrics)
		r.Post("/bonds/{bondID}/release", s.handleRelease)

		r.Get("/users/{userID}/bonds", s.handleUserBonds)
		r.Get("/users/{userID}/legacy", s.handleUserLegacy)

		r.Get("/queue/{agentID}/{userID}", s.handleQueuePosition)
		r.Delete("/queue/{agentID}/{userID}", s.handleCancelQueue)

		r.Post("/offers/{agentID}/{userID}/accept", s.handleAcceptOffer)
		r.Post("/offers/{agentID}/{userID}/decline", s.handleDeclineOffer)

		r.Get("/agents/{agentID}/tiers/{tier}/occupancy", s.handleOccupancy)
		r.Put("/agents/{agentID}/tiers/{tier}/capacity", s.handleSetCapacity)

		r.Get("/leaderboard", s.handleLeaderboard)
		r.Get("/stats", s.handleStats)
		r.Post("/sweep", s.handleSweep)

		r.Get("/events", s.handleEvents)
	})

	s.router = r
}

// requestLogger logs one line per request at debug level.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if err := s.engine.Ping(r.Context()); err != nil {
		dbOK = false
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"version":     s.version,
		"uptime":      time.Since(s.started).Seconds(),
		"db":          dbOK,
		"subscribers": s.bus.Subscribers(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
