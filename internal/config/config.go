// Package config manages gokvdb router daemon configuration using koanf/v2.
//
// Supports YAML files, environment variables, and CLI flags.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/dantte-lp/gokvdb/internal/wire"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete router daemon configuration.
type Config struct {
	Listen  ListenConfig  `koanf:"listen"`
	Auth    AuthConfig    `koanf:"auth"`
	TLS     TLSConfig     `koanf:"tls"`
	Metrics MetricsConfig `koanf:"metrics"`
	Log     LogConfig     `koanf:"log"`
}

// ListenConfig holds the routing listener configuration.
type ListenConfig struct {
	// Addr is the TCP listen address (e.g., ":54565").
	Addr string `koanf:"addr"`
}

// AuthConfig holds the shared-password authentication configuration.
type AuthConfig struct {
	// Password gates the handshake when non-empty.
	Password string `koanf:"password"`

	// FailDelay is slept before rejecting a wrong password, to
	// rate-limit brute-force attempts.
	FailDelay time.Duration `koanf:"fail_delay"`
}

// TLSConfig holds the optional TLS listener configuration. Both files must
// be set to enable TLS.
type TLSConfig struct {
	// CertFile is the PEM certificate path.
	CertFile string `koanf:"cert_file"`

	// KeyFile is the PEM private key path.
	KeyFile string `koanf:"key_file"`
}

// Enabled reports whether TLS is configured.
func (tc TLSConfig) Enabled() bool {
	return tc.CertFile != "" || tc.KeyFile != ""
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint
	// (e.g., ":9334"). Empty disables the endpoint.
	Addr string `koanf:"addr"`

	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`

	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults: the
// well-known routing port, no password, no metrics endpoint, and a
// 3-second wrong-password delay.
func DefaultConfig() *Config {
	return &Config{
		Listen: ListenConfig{
			Addr: fmt.Sprintf(":%d", wire.DefaultPort),
		},
		Auth: AuthConfig{
			FailDelay: 3 * time.Second,
		},
		Metrics: MetricsConfig{
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for gokvdb configuration.
// Variables are named GOKVDB_<section>_<key>, e.g., GOKVDB_LISTEN_ADDR.
const envPrefix = "GOKVDB_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (GOKVDB_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults. An empty path skips
// the file layer.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := loadDefaults(k, DefaultConfig()); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	// GOKVDB_LISTEN_ADDR -> listen.addr (strip prefix, lowercase, first _ -> .).
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// envKeyMapper transforms GOKVDB_LISTEN_ADDR -> listen.addr and
// GOKVDB_AUTH_FAIL_DELAY -> auth.fail_delay.
// Strips the GOKVDB_ prefix, lowercases, and replaces the first _ (the
// section separator) with .
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"listen.addr":     defaults.Listen.Addr,
		"auth.password":   defaults.Auth.Password,
		"auth.fail_delay": defaults.Auth.FailDelay.String(),
		"tls.cert_file":   defaults.TLS.CertFile,
		"tls.key_file":    defaults.TLS.KeyFile,
		"metrics.addr":    defaults.Metrics.Addr,
		"metrics.path":    defaults.Metrics.Path,
		"log.level":       defaults.Log.Level,
		"log.format":      defaults.Log.Format,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyListenAddr indicates the routing listen address is empty.
	ErrEmptyListenAddr = errors.New("listen.addr must not be empty")

	// ErrNegativeFailDelay indicates a negative wrong-password delay.
	ErrNegativeFailDelay = errors.New("auth.fail_delay must be >= 0")

	// ErrPartialTLS indicates only one of tls.cert_file / tls.key_file
	// is set.
	ErrPartialTLS = errors.New("tls requires both cert_file and key_file")

	// ErrEmptyMetricsPath indicates a metrics endpoint without a path.
	ErrEmptyMetricsPath = errors.New("metrics.path must not be empty when metrics.addr is set")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Listen.Addr == "" {
		return ErrEmptyListenAddr
	}

	if cfg.Auth.FailDelay < 0 {
		return ErrNegativeFailDelay
	}

	if cfg.TLS.Enabled() && (cfg.TLS.CertFile == "" || cfg.TLS.KeyFile == "") {
		return ErrPartialTLS
	}

	if cfg.Metrics.Addr != "" && cfg.Metrics.Path == "" {
		return ErrEmptyMetricsPath
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
