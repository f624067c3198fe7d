// Package server implements the tourmatch HTTP server: the REST API for
// submissions, status and task control, agent auth, the capability manifest
// and the SSE event stream.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/GoCodeAlone/tourmatch/config"
	"github.com/GoCodeAlone/tourmatch/core"
	"github.com/GoCodeAlone/tourmatch/server/api"
)

// Server is the tourmatch HTTP server.
type Server struct {
	cfg      *config.Config
	core     *core.Core
	mux      *http.ServeMux
	httpSrv  *http.Server
	logger   *slog.Logger
	manifest []byte

	// JWT secret caching
	secretOnce      sync.Once
	generatedSecret []byte

	startTime time.Time
	version   string
	now       func() time.Time
}

// New creates a Server for c and registers its routes.
func New(cfg *config.Config, c *core.Core, ver string, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	manifest, err := loadManifest(cfg.Server.ManifestPath, ver, cfg.Match.Ranking)
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:       cfg,
		core:      c,
		mux:       http.NewServeMux(),
		logger:    logger,
		manifest:  manifest,
		startTime: time.Now(),
		version:   ver,
		now:       time.Now,
	}
	s.registerRoutes()
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.mux }

// Start begins listening on the configured address.
func (s *Server) Start() error {
	addr := s.cfg.Server.Addr
	if addr == "" {
		addr = ":9090"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Stop.
func (s *Server) Serve(ln net.Listener) error {
	s.httpSrv = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 15 * time.Second,
	}
	// Shutdown waits for handlers; closing the bus ends open event streams.
	s.httpSrv.RegisterOnShutdown(s.core.Bus.Close)
	s.logger.Info("server listening", slog.String("addr", ln.Addr().String()))
	err := s.httpSrv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// registerRoutes sets up all HTTP routes.
func (s *Server) registerRoutes() {
	h := &api.Handlers{
		Core:    s.core,
		Logger:  s.logger,
		Version: s.version,
		StartAt: s.startTime,
	}

	// SSE and discovery stay outside the request timeout.
	s.mux.HandleFunc("GET /events", s.handleSSE)
	s.mux.HandleFunc("GET /.well-known/tourmatch.json", s.handleManifest)

	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /api/auth/token", s.handleToken)
	apiMux.Handle("GET /api/auth/me", s.authMiddleware(s.handleMe))
	h.RegisterRoutes(apiMux, s.authMiddleware)

	s.mux.Handle("/api/", s.withTimeout(apiMux))
}

// withTimeout bounds every API request by server.request_timeout.
func (s *Server) withTimeout(next http.Handler) http.Handler {
	d := s.cfg.Server.RequestTimeout
	if d <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), d)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes a JSON error response.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, api.Error{Error: msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
