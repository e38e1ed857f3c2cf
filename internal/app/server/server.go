package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/PascalSeth/tripsync/internal/app/server/handlers"
	"github.com/PascalSeth/tripsync/internal/core/contracts"
	"github.com/PascalSeth/tripsync/pkg/middleware"
)

type Server struct {
	log        *slog.Logger
	mux        *http.ServeMux
	addr       string
	app        string
	wsHandler  *handlers.WSHandler
	reqHandler *handlers.RequestHandler
	tokens     contracts.TokenVerifier
	http       *http.Server
	checksMu   sync.RWMutex
	checks     map[string]HealthCheck
}

// HealthCheck checks one dependency for /healthz.
type HealthCheck func(ctx context.Context) error

func NewServer(
	log *slog.Logger,
	app string,
	addr string,
	tokens contracts.TokenVerifier,
	wsHandler *handlers.WSHandler,
	reqHandler *handlers.RequestHandler,
) *Server {
	s := &Server{
		log:        log,
		mux:        http.NewServeMux(),
		addr:       addr,
		app:        app,
		wsHandler:  wsHandler,
		reqHandler: reqHandler,
		tokens:     tokens,
		checks:     map[string]HealthCheck{},
	}
	s.routes()
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	auth := middleware.AuthMiddleware(s.tokens)

	// Public routes
	s.mux.HandleFunc("GET /healthz", s.health)
	// Connections authenticate in-band with an authenticate frame.
	s.mux.HandleFunc("GET /ws", s.wsHandler.Handler)

	// Protected routes
	s.mux.Handle("GET /providers/me/requests", auth(http.HandlerFunc(s.reqHandler.Available)))
	s.mux.Handle("POST /requests/{id}/status", auth(http.HandlerFunc(s.reqHandler.UpdateStatus)))
}

// Handler returns the mux wrapped in the tracing and logging middleware.
func (s *Server) Handler() http.Handler {
	return middleware.TracerMiddleware(s.app, "/healthz")(middleware.RequestLogger(s.log)(s.mux))
}

// AddHealthCheck registers a dependency check.
func (s *Server) AddHealthCheck(name string, check HealthCheck) {
	s.checksMu.Lock()
	defer s.checksMu.Unlock()
	s.checks[name] = check
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	s.checksMu.RLock()
	checks := make(map[string]HealthCheck, len(s.checks))
	for name, check := range s.checks {
		checks[name] = check
	}
	s.checksMu.RUnlock()

	status := http.StatusOK
	report := make(map[string]string, len(checks))
	for name, check := range checks {
		if err := check(ctx); err != nil {
			s.log.WarnContext(ctx, "server - health - dependency unhealthy", slog.String("dependency", name), slog.String("error", err.Error()))
			report[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		report[name] = "ok"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(report)
}

// Start blocks serving until Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("server starting", slog.String("addr", s.addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
