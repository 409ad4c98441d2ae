// Package connector opens the sources and sinks sessions stream records through.
package connector

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/anonymizer/internal/session"
)

// Settings tunes the connectors
type Settings struct {
	DefaultBatchSize int           `yaml:"default_batch_size" mapstructure:"default_batch_size"`
	HTTPTimeout      time.Duration `yaml:"http_timeout" mapstructure:"http_timeout"`
	HTTPRateLimit    float64       `yaml:"http_rate_limit" mapstructure:"http_rate_limit"`
	HTTPBurst        int           `yaml:"http_burst" mapstructure:"http_burst"`
	DatabaseDriver   string        `yaml:"database_driver" mapstructure:"database_driver"`
	MaxOpenConns     int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	RedisURL         string        `yaml:"redis_url" mapstructure:"redis_url"`
}

// DefaultSettings returns the connector defaults
func DefaultSettings() Settings {
	return Settings{
		DefaultBatchSize: 100,
		HTTPTimeout:      10 * time.Second,
		HTTPRateLimit:    10,
		HTTPBurst:        5,
		DatabaseDriver:   "postgres",
		MaxOpenConns:     4,
		RedisURL:         "redis://localhost:6379/0",
	}
}

func (s Settings) withDefaults() Settings {
	def := DefaultSettings()
	if s.DefaultBatchSize <= 0 {
		s.DefaultBatchSize = def.DefaultBatchSize
	}
	if s.HTTPTimeout <= 0 {
		s.HTTPTimeout = def.HTTPTimeout
	}
	if s.HTTPRateLimit <= 0 {
		s.HTTPRateLimit = def.HTTPRateLimit
	}
	if s.HTTPBurst <= 0 {
		s.HTTPBurst = def.HTTPBurst
	}
	if s.DatabaseDriver == "" {
		s.DatabaseDriver = def.DatabaseDriver
	}
	if s.MaxOpenConns <= 0 {
		s.MaxOpenConns = def.MaxOpenConns
	}
	if s.RedisURL == "" {
		s.RedisURL = def.RedisURL
	}
	return s
}

// Router dispatches on the source type of a session's input and output
type Router struct {
	settings Settings
	logger   *zap.Logger
}

var _ session.Connector = (*Router)(nil)

// NewRouter creates a connector router
func NewRouter(settings Settings, logger *zap.Logger) *Router {
	return &Router{settings: settings.withDefaults(), logger: logger}
}

// OpenSource opens the configured input. Nothing is contacted until Validate.
func (r *Router) OpenSource(_ context.Context, in session.InputSource) (session.Source, error) {
	cfg := in.Configuration
	batch := r.batchSize(cfg)
	logger := r.logger.With(zap.String("source_type", string(in.Type)))

	switch in.Type {
	case session.SourceFile:
		return NewFileSource(cfg, batch, logger)
	case session.SourceDatabase:
		return NewDatabaseSource(cfg, r.settings, batch, logger)
	case session.SourceAPI:
		return NewAPISource(cfg, r.settings, batch, logger)
	case session.SourceStream:
		return NewStreamSource(cfg, r.settings, batch, logger)
	default:
		return nil, fmt.Errorf("unsupported source type: %q", in.Type)
	}
}

// OpenSink opens the configured output
func (r *Router) OpenSink(_ context.Context, out session.OutputTarget) (session.Sink, error) {
	cfg := out.Configuration
	logger := r.logger.With(zap.String("target_type", string(out.Type)), zap.String("target", out.Name))

	switch out.Type {
	case session.SourceFile:
		return NewFileSink(cfg)
	case session.SourceDatabase:
		return NewDatabaseSink(cfg, r.settings, logger)
	case session.SourceAPI:
		return NewAPISink(cfg, r.settings, logger)
	case session.SourceStream:
		return NewStreamSink(cfg, r.settings, logger)
	default:
		return nil, fmt.Errorf("unsupported target type: %q", out.Type)
	}
}

func (r *Router) batchSize(cfg session.Configuration) int {
	if cfg.BatchSize > 0 {
		return cfg.BatchSize
	}
	return r.settings.DefaultBatchSize
}

// maskURL hides the password of a connection URL for logging
func maskURL(raw string) string {
	u, err := url.Parse(raw)
	if err == nil && u.User != nil {
		return u.Redacted()
	}
	// DSNs like user:pass@tcp(host)/db
	if at := strings.LastIndex(raw, "@"); at > 0 {
		if colon := strings.Index(raw[:at], ":"); colon >= 0 {
			return raw[:colon+1] + "***" + raw[at:]
		}
	}
	return raw
}
