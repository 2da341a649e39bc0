// Package api exposes the application lifecycle over HTTP and websocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"application-lifecycle/internal/common/config"
	"application-lifecycle/internal/common/logger"
	"application-lifecycle/internal/models"
	"application-lifecycle/internal/notification"
	"application-lifecycle/internal/orchestrator"
)

// Lifecycle is the orchestrator surface the handlers use.
type Lifecycle interface {
	SaveState(ctx context.Context, req orchestrator.SaveRequest) (*models.ApplicationState, error)
	RetrieveState(ctx context.Context, userIdentifier string, channel models.Channel) (*orchestrator.Resumption, error)
	CreateFinalApplication(ctx context.Context, sessionID string) (*models.Application, error)
	ApplyTransition(ctx context.Context, req orchestrator.TransitionRequest) (*models.ApplicationState, error)
	Cancel(ctx context.Context, sessionID, reason string) (*models.ApplicationState, error)
	ResolveBySession(ctx context.Context, sessionID string) (*models.ApplicationState, error)
	Timeline(ctx context.Context, sessionID string) ([]models.Transition, error)
	LookupReference(ctx context.Context, code string) (*models.ApplicationState, error)
	ExtendReference(ctx context.Context, code string, days int) (*models.ApplicationState, error)
	ResumeCode(ctx context.Context, sessionID string) (*models.ApplicationState, error)
	LinkSessions(ctx context.Context, req orchestrator.LinkRequest) (*orchestrator.LinkResult, error)
	MergeStates(ctx context.Context, primarySessionID, secondarySessionID string) (*models.ApplicationState, error)
	SwitchChannel(ctx context.Context, req orchestrator.SwitchRequest) (*orchestrator.LinkResult, error)
	SyncStatus(ctx context.Context, firstSessionID, secondSessionID string) (*orchestrator.SyncReport, error)
}

// Check is one readiness check.
type Check func(ctx context.Context) error

type Server struct {
	config  config.ServerConfig
	svc     Lifecycle
	hub     *notification.Hub
	checks  map[string]Check
	limiter *RateLimiter
	router  *mux.Router
	server  *http.Server
	done    chan struct{}
	logger  logger.Logger
}

// NewServer builds the router. A nil hub disables the websocket route.
func NewServer(cfg config.ServerConfig, svc Lifecycle, hub *notification.Hub, checks map[string]Check, log logger.Logger) *Server {
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	s := &Server{
		config: cfg,
		svc:    svc,
		hub:    hub,
		checks: checks,
		done:   make(chan struct{}),
		logger: log.WithFields(map[string]interface{}{"component": "http-api"}),
	}
	if cfg.RateLimit > 0 {
		s.limiter = NewRateLimiter(cfg.RateLimit, cfg.RateBurst, s.logger)
	}
	s.router = s.routes()
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  millis(cfg.ReadTimeout, 15*time.Second),
		WriteTimeout: millis(cfg.WriteTimeout, 15*time.Second),
	}
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.instrument)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	if s.limiter != nil {
		v1.Use(s.limiter.Middleware)
	}
	v1.HandleFunc("/states/save", s.handleSaveState).Methods(http.MethodPost)
	v1.HandleFunc("/states/retrieve", s.handleRetrieveState).Methods(http.MethodPost)
	v1.HandleFunc("/applications", s.handleCreateApplication).Methods(http.MethodPost)
	v1.HandleFunc("/states/{session_id}", s.handleGetState).Methods(http.MethodGet)
	v1.HandleFunc("/states/{session_id}/transitions", s.handleTransition).Methods(http.MethodPost)
	v1.HandleFunc("/states/{session_id}/cancel", s.handleCancel).Methods(http.MethodPost)
	v1.HandleFunc("/states/{session_id}/timeline", s.handleTimeline).Methods(http.MethodGet)
	v1.HandleFunc("/states/{session_id}/resume-code", s.handleResumeCode).Methods(http.MethodPost)
	v1.HandleFunc("/states/{session_id}/link", s.handleLink).Methods(http.MethodPost)
	v1.HandleFunc("/states/{session_id}/merge", s.handleMerge).Methods(http.MethodPost)
	v1.HandleFunc("/states/{session_id}/switch", s.handleSwitch).Methods(http.MethodPost)
	v1.HandleFunc("/states/{session_id}/sync/{other_session_id}", s.handleSyncStatus).Methods(http.MethodGet)
	v1.HandleFunc("/sessions", s.handleNewSession).Methods(http.MethodPost)
	v1.HandleFunc("/references/{code}", s.handleLookupReference).Methods(http.MethodGet)
	v1.HandleFunc("/references/{code}/extend", s.handleExtendReference).Methods(http.MethodPost)

	r.HandleFunc("/ws/states/{session_id}", s.handleStream).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody{Success: false, Message: "Route not found"})
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Success: false, Message: "Method not allowed"})
	})
	return r
}

// Handler returns the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	if s.limiter != nil {
		go s.sweepLimiters()
	}

	s.logger.Info("HTTP server listening", map[string]interface{}{"port": s.config.Port})
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	close(s.done)
	return s.server.Shutdown(ctx)
}

func (s *Server) sweepLimiters() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.limiter.Cleanup(10 * time.Minute)
		case <-s.done:
			return
		}
	}
}

func millis(ms int, fallback time.Duration) time.Duration {
	if ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	results := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			results[name] = err.Error()
			continue
		}
		results[name] = "ok"
	}

	state := "ready"
	if status != http.StatusOK {
		state = "not_ready"
	}
	writeJSON(w, status, map[string]interface{}{
		"status": state,
		"checks": results,
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
