// Package httpapi serves the read-only settlement API: creation files,
// request lookups, ledger stats, health, and Prometheus metrics.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/subnetindex/settlement/internal/epoch"
	"github.com/subnetindex/settlement/internal/ledger"
	"github.com/subnetindex/settlement/internal/metrics"
	"github.com/subnetindex/settlement/internal/persistence"
)

// ServerConfig holds server configuration.
type ServerConfig struct {
	ListenAddr   string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Server is the read-only HTTP server. All mutation goes through the ledger
// service and CLI; this surface only observes.
type Server struct {
	router *mux.Router
	server *http.Server
	clock  epoch.Clock
	svc    *ledger.Service
	files  persistence.CreationFileRepo
	reg    *metrics.Registry
	log    zerolog.Logger
}

// NewServer wires the router over the ledger service and file store.
func NewServer(cfg ServerConfig, clock epoch.Clock, svc *ledger.Service, files persistence.CreationFileRepo, reg *metrics.Registry, log zerolog.Logger) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}

	s := &Server{
		router: mux.NewRouter(),
		clock:  clock,
		svc:    svc,
		files:  files,
		reg:    reg,
		log:    log,
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)

	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	if s.reg != nil {
		s.router.Handle("/metrics", s.reg.Handler()).Methods("GET")
	}

	api := s.router.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/epoch", s.handleEpoch).Methods("GET")
	api.HandleFunc("/creation-file/current", s.handleCurrentFile).Methods("GET")
	api.HandleFunc("/creation-file/{epoch:[0-9-]+}", s.handleFileByEpoch).Methods("GET")
	api.HandleFunc("/requests", s.handleListRequests).Methods("GET")
	api.HandleFunc("/requests/{id}", s.handleGetRequest).Methods("GET")
	api.HandleFunc("/stats", s.handleStats).Methods("GET")

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "route not found")
	})
}

// Handler exposes the router, used by tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("http server starting")
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server stopping")
	return s.server.Shutdown(ctx)
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()[:8]
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
