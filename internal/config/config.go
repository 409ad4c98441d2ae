// Package config loads service configuration from defaults, a YAML file and
// ANONYMIZER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides, e.g. ANONYMIZER_SERVER_PORT
const EnvPrefix = "ANONYMIZER"

// newViper prepares a viper instance that knows every key, so environment
// variables override keys absent from the file too
func newViper(configPath string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	raw, err := yaml.Marshal(GetDefaults())
	if err != nil {
		return nil, fmt.Errorf("failed to encode defaults: %w", err)
	}
	var defaults map[string]any
	if err := yaml.Unmarshal(raw, &defaults); err != nil {
		return nil, fmt.Errorf("failed to decode defaults: %w", err)
	}
	setDefaults(v, "", defaults)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/anonymizer/")
		v.AddConfigPath("$HOME/.anonymizer/")
	}
	return v, nil
}

func setDefaults(v *viper.Viper, prefix string, values map[string]any) {
	for k, val := range values {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			setDefaults(v, key, nested)
			continue
		}
		v.SetDefault(key, val)
	}
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := GetDefaults()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Load loads configuration from file and environment variables. A missing
// config file is only an error when configPath names one explicitly.
func Load(configPath string) (*Config, error) {
	v, err := newViper(configPath)
	if err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return decode(v)
}

// Validate checks a configuration for values the service cannot run with
func Validate(config *Config) error {
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}
	if config.Server.RateLimit.Enabled && config.Server.RateLimit.RequestsPerMin <= 0 {
		return fmt.Errorf("rate limit requests_per_min must be positive")
	}

	switch config.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", config.Logging.Level)
	}
	if config.Logging.Format != "json" && config.Logging.Format != "console" {
		return fmt.Errorf("invalid log format: %s (must be json or console)", config.Logging.Format)
	}
	if config.Logging.File.Enabled && config.Logging.File.Path == "" {
		return fmt.Errorf("log file path is required when file logging is enabled")
	}

	if config.Sessions.DefaultPollInterval <= 0 {
		return fmt.Errorf("sessions default_poll_interval must be positive")
	}
	if config.Sessions.ErrorThreshold <= 0 {
		return fmt.Errorf("sessions error_threshold must be positive")
	}
	if config.Techniques.DefaultShiftRange < 1 || config.Techniques.DefaultShiftRange > 3650 {
		return fmt.Errorf("invalid default shift range: %d (must be 1-3650)", config.Techniques.DefaultShiftRange)
	}

	if config.Connectors.DefaultBatchSize <= 0 {
		return fmt.Errorf("connectors default_batch_size must be positive")
	}
	if d := config.Connectors.DatabaseDriver; d != "postgres" && d != "mysql" {
		return fmt.Errorf("invalid database driver: %s (must be postgres or mysql)", d)
	}

	if config.WebSocket.Enabled {
		if !strings.HasPrefix(config.WebSocket.Path, "/") {
			return fmt.Errorf("websocket path must start with /: %q", config.WebSocket.Path)
		}
		if config.WebSocket.Username != "" && config.WebSocket.Password == "" {
			return fmt.Errorf("websocket password is required when a username is set")
		}
	}
	if config.Metrics.Enabled && !strings.HasPrefix(config.Metrics.Path, "/") {
		return fmt.Errorf("metrics path must start with /: %q", config.Metrics.Path)
	}
	return nil
}

// Watch re-reads the configuration file on change and hands every valid
// result to callback. Invalid changes are reported to onError and ignored.
func Watch(configPath string, callback func(*Config), onError func(error)) error {
	v, err := newViper(configPath)
	if err != nil {
		return err
	}
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("no config file to watch: %w", err)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := decode(v)
		if err != nil {
			if onError != nil {
				onError(fmt.Errorf("%s: %w", e.Name, err))
			}
			return
		}
		callback(cfg)
	})
	v.WatchConfig()
	return nil
}
