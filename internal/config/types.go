package config

import (
	"time"

	"github.com/raaihank/anonymizer/internal/connector"
	"github.com/raaihank/anonymizer/internal/logger"
	"github.com/raaihank/anonymizer/internal/session"
	"github.com/raaihank/anonymizer/internal/websocket"
)

// Config represents the main configuration structure
type Config struct {
	Server     ServerConfig       `yaml:"server" mapstructure:"server"`
	Logging    LoggingConfig      `yaml:"logging" mapstructure:"logging"`
	Sessions   SessionsConfig     `yaml:"sessions" mapstructure:"sessions"`
	Techniques TechniquesConfig   `yaml:"techniques" mapstructure:"techniques"`
	Connectors connector.Settings `yaml:"connectors" mapstructure:"connectors"`
	WebSocket  WebSocketConfig    `yaml:"websocket" mapstructure:"websocket"`
	Metrics    MetricsConfig      `yaml:"metrics" mapstructure:"metrics"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port            int             `yaml:"port" mapstructure:"port"`
	ReadTimeout     time.Duration   `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout    time.Duration   `yaml:"write_timeout" mapstructure:"write_timeout"`
	IdleTimeout     time.Duration   `yaml:"idle_timeout" mapstructure:"idle_timeout"`
	DashboardPath   string          `yaml:"dashboard_path" mapstructure:"dashboard_path"` // empty disables
	EnableReverse   bool            `yaml:"enable_reverse" mapstructure:"enable_reverse"` // detokenize endpoint, off by default
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	RateLimit       RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// RateLimitConfig throttles API clients by IP
type RateLimitConfig struct {
	Enabled        bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMin int  `yaml:"requests_per_min" mapstructure:"requests_per_min"`
	Burst          int  `yaml:"burst" mapstructure:"burst"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string     `yaml:"level" mapstructure:"level"`
	Format string     `yaml:"format" mapstructure:"format"` // json or console
	File   FileConfig `yaml:"file" mapstructure:"file"`
}

// FileConfig contains rotated log file configuration
type FileConfig struct {
	Enabled    bool   `yaml:"enabled" mapstructure:"enabled"`
	Path       string `yaml:"path" mapstructure:"path"`
	MaxSize    int    `yaml:"max_size" mapstructure:"max_size"`
	MaxAge     int    `yaml:"max_age" mapstructure:"max_age"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	Compress   bool   `yaml:"compress" mapstructure:"compress"`
}

// SessionsConfig tunes the session manager
type SessionsConfig struct {
	DefaultPollInterval time.Duration `yaml:"default_poll_interval" mapstructure:"default_poll_interval"`
	ErrorThreshold      int64         `yaml:"error_threshold" mapstructure:"error_threshold"`
	ValidateTimeout     time.Duration `yaml:"validate_timeout" mapstructure:"validate_timeout"`
	CycleTimeout        time.Duration `yaml:"cycle_timeout" mapstructure:"cycle_timeout"`
}

// TechniquesConfig configures technique construction
type TechniquesConfig struct {
	PseudonymSecret   string `yaml:"pseudonym_secret" mapstructure:"pseudonym_secret"`
	DefaultShiftRange int    `yaml:"default_shift_range" mapstructure:"default_shift_range"`
}

// WebSocketConfig contains WebSocket configuration
type WebSocketConfig struct {
	Enabled        bool          `yaml:"enabled" mapstructure:"enabled"`
	Path           string        `yaml:"path" mapstructure:"path"`
	Username       string        `yaml:"username" mapstructure:"username"`
	Password       string        `yaml:"password" mapstructure:"password"`
	AllowedOrigins []string      `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	StatusInterval time.Duration `yaml:"status_interval" mapstructure:"status_interval"`
	Events         EventsConfig  `yaml:"events" mapstructure:"events"`
}

// EventsConfig toggles broadcast event types
type EventsConfig struct {
	SessionStatus bool `yaml:"session_status" mapstructure:"session_status"`
	Batches       bool `yaml:"batches" mapstructure:"batches"`
	Errors        bool `yaml:"errors" mapstructure:"errors"`
	System        bool `yaml:"system" mapstructure:"system"`
	Connections   bool `yaml:"connections" mapstructure:"connections"`
}

// MetricsConfig contains Prometheus and process sampling configuration
type MetricsConfig struct {
	Enabled         bool          `yaml:"enabled" mapstructure:"enabled"`
	Path            string        `yaml:"path" mapstructure:"path"`
	ProcessSampling bool          `yaml:"process_sampling" mapstructure:"process_sampling"`
	SampleInterval  time.Duration `yaml:"sample_interval" mapstructure:"sample_interval"`
}

// GetDefaults returns a configuration with sensible defaults
func GetDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			DashboardPath:   "/dashboard",
			ShutdownTimeout: 30 * time.Second,
			RateLimit: RateLimitConfig{
				Enabled:        true,
				RequestsPerMin: 600,
				Burst:          50,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			File: FileConfig{
				Enabled:    false,
				Path:       "logs/anonymizer.log",
				MaxSize:    100, // MB
				MaxAge:     30,  // days
				MaxBackups: 5,
				Compress:   true,
			},
		},
		Sessions: SessionsConfig{
			DefaultPollInterval: session.DefaultPollInterval,
			ErrorThreshold:      10,
			ValidateTimeout:     10 * time.Second,
			CycleTimeout:        30 * time.Second,
		},
		Techniques: TechniquesConfig{
			DefaultShiftRange: 365,
		},
		Connectors: connector.DefaultSettings(),
		WebSocket: WebSocketConfig{
			Enabled:        true,
			Path:           "/ws",
			AllowedOrigins: []string{},
			StatusInterval: 30 * time.Second,
			Events: EventsConfig{
				SessionStatus: true,
				Batches:       true,
				Errors:        true,
				System:        true,
				Connections:   false,
			},
		},
		Metrics: MetricsConfig{
			Enabled:         true,
			Path:            "/metrics/prometheus",
			ProcessSampling: true,
			SampleInterval:  time.Second,
		},
	}
}

// LoggerConfig converts the logging section
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{
		Level:  c.Logging.Level,
		Format: c.Logging.Format,
		File: &logger.FileConfig{
			Enabled:    c.Logging.File.Enabled,
			Path:       c.Logging.File.Path,
			MaxSize:    c.Logging.File.MaxSize,
			MaxAge:     c.Logging.File.MaxAge,
			MaxBackups: c.Logging.File.MaxBackups,
			Compress:   c.Logging.File.Compress,
		},
	}
}

// SessionSettings converts the sessions section
func (c *Config) SessionSettings() session.Settings {
	return session.Settings{
		DefaultPollInterval: c.Sessions.DefaultPollInterval,
		ErrorThreshold:      c.Sessions.ErrorThreshold,
		ValidateTimeout:     c.Sessions.ValidateTimeout,
		CycleTimeout:        c.Sessions.CycleTimeout,
	}
}

// HubConfig converts the websocket section
func (c *Config) HubConfig() websocket.HubConfig {
	return websocket.HubConfig{
		BroadcastSessionStatus: c.WebSocket.Events.SessionStatus,
		BroadcastBatches:       c.WebSocket.Events.Batches,
		BroadcastErrors:        c.WebSocket.Events.Errors,
		BroadcastSystem:        c.WebSocket.Events.System,
		BroadcastConnections:   c.WebSocket.Events.Connections,
		Username:               c.WebSocket.Username,
		Password:               c.WebSocket.Password,
		AllowedOrigins:         c.WebSocket.AllowedOrigins,
	}
}
