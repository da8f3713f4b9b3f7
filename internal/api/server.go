// Package api is the lifecycle control surface of the core: begin_game and
// force_finish for the game-creation collaborator, an operational state
// read, and the process observability endpoints. Player commands never pass
// through here; they enter via the ingress straight into the input log.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/pkg/errors"

	"cowboy-core/internal/audit"
	"cowboy-core/internal/game"
	"cowboy-core/internal/stream"
)

// ServerConfig contains the dependencies of the control API.
//
// Example usage in tests:
//
//	srv := api.NewServer(api.ServerConfig{
//	    Log:          memLog,
//	    Store:        memStore,
//	    CommandTopic: stream.CommandTopic,
//	    RateLimitConfig: &api.RateLimitConfig{RequestsPerSecond: 1000, Burst: 1000, CleanupInterval: time.Minute},
//	})
//	ts := httptest.NewServer(srv.Router())
type ServerConfig struct {
	// Log publishes lifecycle envelopes into the input log (required).
	Log stream.Publisher

	// Store reads audited game state for the operational endpoints
	// (required).
	Store audit.Store

	// CommandTopic is the input log topic lifecycle envelopes go to.
	CommandTopic string

	// RateLimitConfig overrides the default limiter when set.
	RateLimitConfig *RateLimitConfig

	// CORSOrigins overrides the allowed origins; defaults to any, the
	// control API sits behind the internal gateway.
	CORSOrigins []string

	// DisableLogging disables the request logger middleware (tests).
	DisableLogging bool

	// Clock overrides time.Now for deterministic tests.
	Clock func() time.Time
}

// Server is the control API server.
type Server struct {
	cfg         ServerConfig
	router      *chi.Mux
	rateLimiter *IPRateLimiter
	now         func() time.Time
	httpSrv     *http.Server
}

// NewServer builds the server and its router. Nothing listens until Start.
func NewServer(cfg ServerConfig) *Server {
	s := &Server{
		cfg: cfg,
		now: cfg.Clock,
	}
	if s.now == nil {
		s.now = time.Now
	}

	limitCfg := DefaultRateLimitConfig
	if cfg.RateLimitConfig != nil {
		limitCfg = *cfg.RateLimitConfig
	}
	s.rateLimiter = NewIPRateLimiter(limitCfg)

	origins := cfg.CORSOrigins
	if origins == nil {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	if !cfg.DisableLogging {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))
	r.Use(s.rateLimiter.Middleware)
	r.Use(metricsMiddleware)

	r.Get("/healthz", s.handleHealth)
	r.Route("/v1/games/{gameID}", func(r chi.Router) {
		r.Post("/begin", s.handleBeginGame)
		r.Post("/finish", s.handleForceFinish)
		r.Get("/", s.handleGetGame)
	})

	s.router = r
	return s
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start listens on addr and blocks until the server exits.
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	log.Printf("🌐 Control API listening on %s", addr)
	return s.httpSrv.ListenAndServe()
}

// Stop shuts the server down and stops the limiter's cleanup goroutine.
func (s *Server) Stop() {
	s.rateLimiter.Stop()
	if s.httpSrv != nil {
		s.httpSrv.Close()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// beginGameRequest is the begin_game payload: the seed game instance. The
// game id in the URL is authoritative.
type beginGameRequest struct {
	Map                game.Map       `json:"map"`
	Players            []*game.Player `json:"players"`
	TurnTimeoutSeconds int            `json:"turn_timeout_seconds"`
}

// handleBeginGame validates the seed and routes a game_started envelope
// through the input log; the turn engine emits GAME_STARTED as the game's
// first output event. Nothing is persisted on rejection.
func (s *Server) handleBeginGame(w http.ResponseWriter, r *http.Request) {
	gameID := chi.URLParam(r, "gameID")

	var req beginGameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.Wrap(err, "malformed request body"))
		return
	}
	if req.TurnTimeoutSeconds == 0 {
		req.TurnTimeoutSeconds = game.DefaultTurnTimeoutSeconds
	}

	seed := &game.State{
		GameID:             gameID,
		Status:             game.StatusCreated,
		Map:                req.Map,
		Players:            req.Players,
		TurnTimeoutSeconds: req.TurnTimeoutSeconds,
	}
	if err := seed.ValidateSeed(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	// Refuse to re-begin a game that already has history. The engine would
	// reject it anyway; failing fast here gives the lobby a clean error.
	if seq, err := s.cfg.Store.LatestSeq(r.Context(), gameID); err != nil {
		writeError(w, http.StatusServiceUnavailable, errors.Wrap(err, "audit store unavailable"))
		return
	} else if seq > 0 {
		writeError(w, http.StatusConflict, errors.Errorf("game %s already started", gameID))
		return
	}

	cmd := game.NewGameStartedCommand(seed, s.now())
	if err := s.publish(r.Context(), gameID, cmd); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}

	log.Printf("🎮 begin_game accepted for %s (%d players)", gameID, len(req.Players))
	writeJSON(w, http.StatusAccepted, map[string]string{
		"game_id":    gameID,
		"command_id": cmd.CommandID,
	})
}

// forceFinishRequest is the administrative termination payload.
type forceFinishRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleForceFinish(w http.ResponseWriter, r *http.Request) {
	gameID := chi.URLParam(r, "gameID")

	var req forceFinishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.Wrap(err, "malformed request body"))
		return
	}
	if req.Reason == "" {
		writeError(w, http.StatusBadRequest, errors.New("reason is required"))
		return
	}

	cmd := game.NewForceFinishCommand(req.Reason, s.now())
	if err := s.publish(r.Context(), gameID, cmd); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}

	log.Printf("🛑 force_finish accepted for %s: %s", gameID, req.Reason)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"game_id":    gameID,
		"command_id": cmd.CommandID,
	})
}

// handleGetGame serves the latest audited snapshot of a game.
func (s *Server) handleGetGame(w http.ResponseWriter, r *http.Request) {
	gameID := chi.URLParam(r, "gameID")

	recs, err := s.cfg.Store.Scan(r.Context(), gameID)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, errors.Wrap(err, "audit store unavailable"))
		return
	}
	if len(recs) == 0 {
		writeError(w, http.StatusNotFound, errors.Errorf("game %s not found", gameID))
		return
	}

	last := recs[len(recs)-1]
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"game_id":    gameID,
		"latest_seq": last.StepSeq,
		"state":      last.StateAfter,
	})
}

func (s *Server) publish(ctx context.Context, gameID string, cmd *game.Command) error {
	data, err := cmd.Encode()
	if err != nil {
		return err
	}
	return s.cfg.Log.Publish(ctx, s.cfg.CommandTopic, gameID, data)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// metricsMiddleware records request latency and counts with the route
// pattern as the endpoint label.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		endpoint := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				endpoint = pattern
			}
		}
		RecordRequest(r.Method, endpoint, ww.Status(), time.Since(start))
	})
}
