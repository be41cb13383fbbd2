// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package api serves the admin HTTP endpoints: Prometheus metrics, health,
// flow lookup and mitigation, and verdict history.
package api

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/flowguard/internal/alerting"
	"grimm.is/flowguard/internal/analytics"
	"grimm.is/flowguard/internal/errors"
	"grimm.is/flowguard/internal/flow"
	"grimm.is/flowguard/internal/logging"
	"grimm.is/flowguard/internal/metrics"
	"grimm.is/flowguard/internal/scoring"
)

// ServerConfig holds HTTP server limits.
type ServerConfig struct {
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	MaxBodyBytes      int64
	ShutdownTimeout   time.Duration
}

// DefaultServerConfig returns default server limits.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 16,
		MaxBodyBytes:      1 << 20,
		ShutdownTimeout:   5 * time.Second,
	}
}

// Flows is the live flow table as the API sees it.
type Flows interface {
	Snapshot(key flow.Key) (flow.View, bool)
	Mitigate(key flow.Key) (flow.State, error)
	Recent(limit int) []scoring.Verdict
}

// VerdictStore is the persisted verdict history.
type VerdictStore interface {
	Recent(limit int) ([]scoring.Verdict, error)
	BySource(addr netip.Addr, limit int) ([]scoring.Verdict, error)
	TopSources(from, to time.Time, limit int) ([]analytics.Summary, error)
}

// StatusSource reports the cached pipeline status.
type StatusSource interface {
	Status() metrics.Status
}

// AlertHistory lists recently delivered alerts.
type AlertHistory interface {
	GetHistory(limit int) []alerting.AlertEvent
}

// ServerOptions holds dependencies for the API server. Flows is required.
type ServerOptions struct {
	Logger   *logging.Logger
	Config   *ServerConfig
	Flows    Flows
	Store    VerdictStore
	Status   StatusSource
	Alerts   AlertHistory
	Gatherer prometheus.Gatherer
}

// Server handles API requests.
type Server struct {
	config   *ServerConfig
	logger   *logging.Logger
	flows    Flows
	store    VerdictStore
	status   StatusSource
	alerts   AlertHistory
	gatherer prometheus.Gatherer
	started  time.Time

	router *mux.Router
}

// NewServer creates a new API server with the provided options.
func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Flows == nil {
		return nil, errors.New(errors.KindValidation, "api server needs a flow source")
	}
	if opts.Logger == nil {
		opts.Logger = logging.WithComponent("api")
	}
	if opts.Config == nil {
		opts.Config = DefaultServerConfig()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		config:   opts.Config,
		logger:   opts.Logger,
		flows:    opts.Flows,
		store:    opts.Store,
		status:   opts.Status,
		alerts:   opts.Alerts,
		gatherer: opts.Gatherer,
		started:  time.Now(),
		router:   mux.NewRouter(),
	}
	s.initRoutes()
	return s, nil
}

func (s *Server) initRoutes() {
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondWithError(w, http.StatusNotFound, "not found")
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondWithError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	// Registered on the root router: a subrouter reports a method mismatch as 404.
	s.router.HandleFunc("/api/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/api/flows", s.handleGetFlow).Methods(http.MethodGet)
	s.router.HandleFunc("/api/flows/mitigate", s.handleMitigate).Methods(http.MethodPost)
	s.router.HandleFunc("/api/verdicts", s.handleVerdicts).Methods(http.MethodGet)
	s.router.HandleFunc("/api/sources/top", s.handleTopSources).Methods(http.MethodGet)
	s.router.HandleFunc("/api/alerts", s.handleAlerts).Methods(http.MethodGet)
}

// Handler returns the routed handler wrapped in logging and body limits.
func (s *Server) Handler() http.Handler {
	return s.loggingMiddleware(s.maxBodyMiddleware(s.config.MaxBodyBytes)(s.router))
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Attr(errors.Wrap(err, errors.KindUnavailable, "api listen"), "addr", addr)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.config.ReadHeaderTimeout,
		ReadTimeout:       s.config.ReadTimeout,
		WriteTimeout:      s.config.WriteTimeout,
		IdleTimeout:       s.config.IdleTimeout,
		MaxHeaderBytes:    s.config.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API server starting", "addr", ln.Addr().String())
		errCh <- server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, errors.KindUnavailable, "api serve")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, errors.KindTimeout, "api shutdown")
	}
	s.logger.Info("API server stopped")
	return nil
}

// loggingMiddleware logs all API requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		if r.URL.Path == "/metrics" || r.URL.Path == "/healthz" {
			return
		}
		args := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"elapsed", time.Since(start).Round(time.Microsecond),
		}
		switch {
		case wrapped.statusCode >= 500:
			s.logger.Error("API request", args...)
		case wrapped.statusCode >= 400:
			s.logger.Warn("API request", args...)
		default:
			s.logger.Debug("API request", args...)
		}
	})
}

// maxBodyMiddleware limits the size of request bodies.
func (s *Server) maxBodyMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if maxBytes <= 0 || r.Method == http.MethodGet || r.Method == http.MethodHead {
				next.ServeHTTP(w, r)
				return
			}
			if r.ContentLength > maxBytes {
				respondWithError(w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// statusFor maps an error kind onto an HTTP status.
func statusFor(err error) int {
	switch errors.GetKind(err) {
	case errors.KindNotFound:
		return http.StatusNotFound
	case errors.KindValidation, errors.KindParse:
		return http.StatusBadRequest
	case errors.KindUnavailable:
		return http.StatusServiceUnavailable
	case errors.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
