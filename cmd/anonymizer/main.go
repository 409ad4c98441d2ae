package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/raaihank/anonymizer/internal/anonymize"
	"github.com/raaihank/anonymizer/internal/api"
	"github.com/raaihank/anonymizer/internal/config"
	"github.com/raaihank/anonymizer/internal/connector"
	"github.com/raaihank/anonymizer/internal/logger"
	"github.com/raaihank/anonymizer/internal/metrics"
	"github.com/raaihank/anonymizer/internal/session"
	"github.com/raaihank/anonymizer/internal/websocket"
)

var (
	version = "0.1.0"
	commit  = "dev"
	date    = "unknown"
)

func main() {
	var (
		configPath  = flag.StringP("config", "c", "", "Path to configuration file")
		watchConfig = flag.Bool("watch", false, "Reload the log level when the configuration file changes")
		showVersion = flag.BoolP("version", "v", false, "Show version information")
		healthCheck = flag.String("health-check", "", "Check the health endpoint at the given address and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("anonymizer %s (commit: %s, built: %s)\n", version, commit, date)
		os.Exit(0)
	}

	if *healthCheck != "" {
		performHealthCheck(*healthCheck)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LoggerConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting anonymizer",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("build_date", date),
		zap.Int("port", cfg.Server.Port),
	)

	if *watchConfig {
		err := config.Watch(*configPath,
			func(updated *config.Config) {
				if err := log.SetLevel(updated.Logging.Level); err != nil {
					log.Warn("Ignoring log level from reloaded configuration", zap.Error(err))
					return
				}
				log.Info("Configuration reloaded", zap.String("level", updated.Logging.Level))
			},
			func(err error) {
				log.Warn("Reloaded configuration rejected", zap.Error(err))
			})
		if err != nil {
			log.Warn("Configuration watch disabled", zap.Error(err))
		}
	}

	if err := run(cfg, log); err != nil {
		log.Error("Anonymizer stopped with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("Anonymizer shutdown complete")
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	registry := anonymize.NewRegistry(
		anonymize.WithLogger(log.WithComponent("techniques").Logger),
		anonymize.WithMetrics(reg),
		anonymize.WithPseudonymSecret(cfg.Techniques.PseudonymSecret),
		anonymize.WithDefaultShiftRange(cfg.Techniques.DefaultShiftRange),
	)
	if cfg.Techniques.PseudonymSecret == "" {
		log.Warn("No pseudonymization secret configured, pseudonyms are derived from an empty key and anyone can recompute them")
	}

	var sampler metrics.Sampler
	if cfg.Metrics.ProcessSampling {
		ps, err := metrics.NewProcessSampler(cfg.Metrics.SampleInterval)
		if err != nil {
			log.Warn("Process sampling disabled", zap.Error(err))
		} else {
			sampler = ps
		}
	}
	var promReg prometheus.Registerer = reg
	if !cfg.Metrics.Enabled {
		promReg = nil
	}
	collector := metrics.NewCollector(log.WithComponent("metrics").Logger, promReg, sampler)

	var (
		hub       *websocket.Hub
		publisher session.Publisher
	)
	if cfg.WebSocket.Enabled {
		hub = websocket.NewHub(cfg.HubConfig(), log.WithComponent("websocket").Logger)
		publisher = hub
		go hub.Run(ctx)
	}

	router := connector.NewRouter(cfg.Connectors, log.WithComponent("connector").Logger)
	manager := session.NewManager(registry, router, collector, publisher,
		cfg.SessionSettings(), log.WithComponent("session").Logger)

	apiConfig := api.Config{
		Port:         cfg.Server.Port,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		RateLimit: api.RateLimitConfig{
			Enabled:        cfg.Server.RateLimit.Enabled,
			RequestsPerMin: cfg.Server.RateLimit.RequestsPerMin,
			Burst:          cfg.Server.RateLimit.Burst,
		},
		EnableReverse: cfg.Server.EnableReverse,
		Version:       version,
	}
	if cfg.WebSocket.Enabled {
		apiConfig.WebSocketPath = cfg.WebSocket.Path
		apiConfig.DashboardPath = cfg.Server.DashboardPath
	}
	if cfg.Metrics.Enabled {
		apiConfig.MetricsPath = cfg.Metrics.Path
	}
	server := api.New(apiConfig, api.Dependencies{
		Registry: registry,
		Manager:  manager,
		Hub:      hub,
		Gatherer: reg,
		Sampler:  sampler,
	}, log)

	if hub != nil && cfg.WebSocket.StatusInterval > 0 {
		go hub.RunStatusReporter(ctx, cfg.WebSocket.StatusInterval, server.SystemStatus)
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		serverErrors <- server.Start()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	var serveErr error
	select {
	case serveErr = <-serverErrors:
		log.Error("Server error", zap.Error(serveErr))
	case sig := <-shutdown:
		log.Info("Shutdown signal received", zap.String("signal", sig.String()))
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer stop()

	if serveErr == nil {
		if err := server.Stop(shutdownCtx); err != nil {
			log.Error("Failed to shutdown server gracefully", zap.Error(err))
		}
	}
	if err := manager.Cleanup(shutdownCtx); err != nil {
		log.Error("Failed to release session resources", zap.Error(err))
	}
	cancel()
	return serveErr
}

// performHealthCheck performs a health check against a running server
func performHealthCheck(addr string) {
	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	resp, err := client.Get(addr + "/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: HTTP %d\n", resp.StatusCode)
		os.Exit(1)
	}

	fmt.Println("Health check passed")
}
