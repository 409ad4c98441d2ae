// Package api serves the HTTP control surface over the technique registry
// and the session manager.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/raaihank/anonymizer/internal/anonymize"
	"github.com/raaihank/anonymizer/internal/logger"
	"github.com/raaihank/anonymizer/internal/metrics"
	"github.com/raaihank/anonymizer/internal/session"
	"github.com/raaihank/anonymizer/internal/web"
	"github.com/raaihank/anonymizer/internal/websocket"
)

// Config contains HTTP server configuration
type Config struct {
	Port          int
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	IdleTimeout   time.Duration
	RateLimit     RateLimitConfig
	WebSocketPath string // empty disables the event stream
	MetricsPath   string // empty disables Prometheus export
	DashboardPath string // empty disables the dashboard page
	EnableReverse bool   // serves detokenization and re-identification
	Version       string
}

// Dependencies are the services the API exposes
type Dependencies struct {
	Registry *anonymize.Registry
	Manager  *session.Manager
	Hub      *websocket.Hub
	Gatherer prometheus.Gatherer
	Sampler  metrics.Sampler
}

// Server represents the control API server
type Server struct {
	config  Config
	deps    Dependencies
	logger  *logger.Logger
	limiter *RateLimiter
	router  *mux.Router
	server  *http.Server
	started time.Time
	stop    chan struct{}
}

// New creates a new API server instance
func New(cfg Config, deps Dependencies, log *logger.Logger) *Server {
	s := &Server{
		config:  cfg,
		deps:    deps,
		logger:  log.WithComponent("api"),
		limiter: NewRateLimiter(cfg.RateLimit),
		router:  mux.NewRouter(),
		started: time.Now(),
		stop:    make(chan struct{}),
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(s.recoverMiddleware)
	s.router.Use(s.loggingMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	if s.config.MetricsPath != "" && s.deps.Gatherer != nil {
		s.router.Handle(s.config.MetricsPath, promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	if s.config.WebSocketPath != "" && s.deps.Hub != nil {
		s.router.HandleFunc(s.config.WebSocketPath, s.deps.Hub.HandleWebSocket).Methods(http.MethodGet)
	}
	if s.config.DashboardPath != "" {
		s.router.HandleFunc(s.config.DashboardPath, web.DashboardHandler(s.config.WebSocketPath)).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(s.rateLimitMiddleware)

	api.HandleFunc("/techniques", s.handleListTechniques).Methods(http.MethodGet)
	api.HandleFunc("/techniques/{id}", s.handleDescribeTechnique).Methods(http.MethodGet)
	api.HandleFunc("/techniques/{id}/apply", s.handleApplyTechnique).Methods(http.MethodPost)
	api.HandleFunc("/techniques/{id}/validate", s.handleValidateParameters).Methods(http.MethodPost)
	if s.config.EnableReverse {
		api.HandleFunc("/techniques/{id}/reverse", s.handleReverse).Methods(http.MethodPost)
	}

	api.HandleFunc("/sessions", s.handleListSessions).Methods(http.MethodGet)
	api.HandleFunc("/sessions", s.handleCreateSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}", s.handleGetSession).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", s.handleDeleteSession).Methods(http.MethodDelete)
	api.HandleFunc("/sessions/{id}/start", s.handleStartSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/pause", s.handlePauseSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/stop", s.handleStopSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/metrics", s.handleSessionMetrics).Methods(http.MethodGet)

	api.HandleFunc("/metrics", s.handleListMetrics).Methods(http.MethodGet)
	api.HandleFunc("/system/status", s.handleSystemStatus).Methods(http.MethodGet)
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Stop is called
func (s *Server) Start() error {
	s.logger.Info("Starting anonymizer API server",
		zap.Int("port", s.config.Port),
		zap.String("websocket_path", s.config.WebSocketPath),
		zap.String("metrics_path", s.config.MetricsPath),
		zap.Bool("rate_limit", s.config.RateLimit.Enabled),
		zap.Bool("reverse_enabled", s.config.EnableReverse),
	)
	s.limiter.StartCleanupRoutine(s.stop)

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping anonymizer API server")
	close(s.stop)
	return s.server.Shutdown(ctx)
}

// SystemStatus summarizes the service for the status endpoint and the
// websocket status reporter
func (s *Server) SystemStatus() websocket.SystemStatusEvent {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	status := websocket.SystemStatusEvent{
		Status:      "healthy",
		Uptime:      time.Since(s.started).Round(time.Second).String(),
		MemoryUsage: humanize.Bytes(mem.Alloc),
	}
	if s.deps.Registry != nil {
		status.Techniques = len(s.deps.Registry.IDs())
	}
	if s.deps.Manager != nil {
		sessions := s.deps.Manager.List()
		status.TotalSessions = len(sessions)
		for _, sess := range sessions {
			if sess.IsActive {
				status.ActiveSessions++
			}
			if sess.Status == session.StatusError {
				status.Status = "degraded"
			}
		}
	}
	if s.deps.Sampler != nil {
		if cpu, rss, err := s.deps.Sampler.Sample(); err == nil {
			status.CPUUsage = fmt.Sprintf("%.1f%%", cpu)
			status.MemoryUsage = humanize.Bytes(uint64(rss * 1024 * 1024))
		}
	}
	if s.deps.Hub != nil {
		status.ConnectedClients = int(s.deps.Hub.Stats().ActiveConnections)
	}
	return status
}
