// Package config loads spp-serial settings from YAML and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"bluetooth-serial/internal/rfcomm"
)

// Config is the root configuration.
type Config struct {
	Log     LogConfig     `mapstructure:"log"`
	Session SessionConfig `mapstructure:"session"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	Rotation    RotationConfig `mapstructure:"rotation"`
	Development bool           `mapstructure:"development"`
}

// RotationConfig controls rotation of file outputs.
type RotationConfig struct {
	Enable     bool `mapstructure:"enable"`
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// SessionConfig tunes the session worker. See rfcomm.Config.
type SessionConfig struct {
	AcceptTimeout    time.Duration `mapstructure:"accept_timeout"`
	ServerRetries    int           `mapstructure:"server_retries"`
	ClientRetries    int           `mapstructure:"client_retries"`
	ClientRetryDelay time.Duration `mapstructure:"client_retry_delay"`
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout"`
	ReadChunkSize    int           `mapstructure:"read_chunk_size"`
	CancelGrace      time.Duration `mapstructure:"cancel_grace"`
	ServiceUUID      string        `mapstructure:"service_uuid"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	// Listen is the HTTP address for /metrics; empty disables it.
	Listen string `mapstructure:"listen"`
}

// Default returns the built-in configuration.
func Default() *Config {
	d := rfcomm.DefaultConfig()
	return &Config{
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
			Rotation: RotationConfig{
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Session: SessionConfig{
			AcceptTimeout:    d.AcceptTimeout,
			ServerRetries:    d.ServerRetries,
			ClientRetries:    d.ClientRetries,
			ClientRetryDelay: d.ClientRetryDelay,
			ConnectTimeout:   d.ConnectTimeout,
			ReadChunkSize:    d.ReadChunkSize,
			CancelGrace:      d.CancelGrace,
			ServiceUUID:      d.ServiceUUID,
		},
	}
}

// Load reads configuration from path, or searches ./spp-serial.yaml and
// ~/.spp-serial/ when path is empty. A missing file is not an error.
// Environment variables use the prefix SPPSERIAL with `.` replaced by `_`,
// e.g. SPPSERIAL_SESSION_CLIENT_RETRIES=5.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("SPPSERIAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("session.accept_timeout", cfg.Session.AcceptTimeout)
	v.SetDefault("session.server_retries", cfg.Session.ServerRetries)
	v.SetDefault("session.client_retries", cfg.Session.ClientRetries)
	v.SetDefault("session.client_retry_delay", cfg.Session.ClientRetryDelay)
	v.SetDefault("session.connect_timeout", cfg.Session.ConnectTimeout)
	v.SetDefault("session.read_chunk_size", cfg.Session.ReadChunkSize)
	v.SetDefault("session.cancel_grace", cfg.Session.CancelGrace)
	v.SetDefault("session.service_uuid", cfg.Session.ServiceUUID)
	v.SetDefault("metrics.listen", cfg.Metrics.Listen)

	if path == "" {
		path = os.Getenv("SPPSERIAL_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("spp-serial")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".spp-serial"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stderr"}
	}
	if err := c.Session.RFCOMM().Validate(); err != nil {
		return fmt.Errorf("invalid session config: %w", err)
	}
	return nil
}

// RFCOMM converts the section to the worker tuning.
func (s SessionConfig) RFCOMM() rfcomm.Config {
	return rfcomm.Config{
		AcceptTimeout:    s.AcceptTimeout,
		ServerRetries:    s.ServerRetries,
		ClientRetries:    s.ClientRetries,
		ClientRetryDelay: s.ClientRetryDelay,
		ConnectTimeout:   s.ConnectTimeout,
		ReadChunkSize:    s.ReadChunkSize,
		CancelGrace:      s.CancelGrace,
		ServiceUUID:      s.ServiceUUID,
	}
}
