// ABOUTME: Runtime settings loading for profilesync binaries
// ABOUTME: Supports YAML or TOML files with ${VAR} expansion, duration parsing and env overrides

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Backend driver names.
const (
	DriverFirebase = "firebase"
	DriverLocal    = "local"
	DriverGRPC     = "grpc"
)

// Defaults applied by Default and to zero-valued fields after loading.
const (
	DefaultAuthFallbackTimeout = 1500 * time.Millisecond
	DefaultMessageTTL          = 3 * time.Second
	DefaultTokenTTL            = time.Hour
	DefaultGRPCAddr            = "127.0.0.1:50061"
)

// Config represents the complete profilesync runtime configuration
type Config struct {
	Backend BackendConfig `yaml:"backend" toml:"backend"`
	Session SessionConfig `yaml:"session" toml:"session"`
	Server  ServerConfig  `yaml:"server" toml:"server"`
	Logging LoggingConfig `yaml:"logging" toml:"logging"`
}

// BackendConfig selects and tunes the identity/document backend
type BackendConfig struct {
	Driver       string `yaml:"driver" toml:"driver" env:"PROFILESYNC_BACKEND_DRIVER"`
	DatabasePath string `yaml:"database_path" toml:"database_path" env:"PROFILESYNC_DATABASE_PATH"`
	// TokenSecret signs custom and id tokens for the local and grpc drivers.
	// Falls back to the resolved API key when empty.
	TokenSecret string `yaml:"token_secret" toml:"token_secret" env:"PROFILESYNC_TOKEN_SECRET"`
	// Insecure dials the grpc backend without TLS
	Insecure bool          `yaml:"insecure" toml:"insecure" env:"PROFILESYNC_GRPC_INSECURE"`
	TokenTTL time.Duration `yaml:"-" toml:"-"`

	TokenTTLRaw string `yaml:"token_ttl" toml:"token_ttl" env:"PROFILESYNC_TOKEN_TTL"`
}

// SessionConfig holds client session timing
type SessionConfig struct {
	AuthFallbackTimeout time.Duration `yaml:"-" toml:"-"`
	MessageTTL          time.Duration `yaml:"-" toml:"-"`

	// Raw string values for YAML/TOML unmarshaling
	AuthFallbackTimeoutRaw string `yaml:"auth_fallback_timeout" toml:"auth_fallback_timeout" env:"PROFILESYNC_AUTH_FALLBACK_TIMEOUT"`
	MessageTTLRaw          string `yaml:"message_ttl" toml:"message_ttl" env:"PROFILESYNC_MESSAGE_TTL"`
}

// ServerConfig holds the self-hosted backend listener
type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr" env:"PROFILESYNC_GRPC_ADDR"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level" env:"PROFILESYNC_LOG_LEVEL"`
	Format string `yaml:"format" toml:"format" env:"PROFILESYNC_LOG_FORMAT"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{
		Backend: BackendConfig{Driver: DriverFirebase},
		Server:  ServerConfig{GRPCAddr: DefaultGRPCAddr},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
	applyDefaults(cfg)
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded before decoding
// and PROFILESYNC_* variables override decoded values afterwards.
// A missing file is not an error: the defaults are used instead.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("reading config file: %w", err)
	default:
		if err := decode(path, expandEnvVars(string(data)), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func decode(path, content string, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		_, err := toml.Decode(content, cfg)
		return err
	}
	return yaml.Unmarshal([]byte(content), cfg)
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	switch c.Backend.Driver {
	case DriverFirebase, DriverLocal, DriverGRPC:
	default:
		return fmt.Errorf("backend.driver must be one of %s, %s, %s (got %q)",
			DriverFirebase, DriverLocal, DriverGRPC, c.Backend.Driver)
	}

	if c.Backend.Driver == DriverLocal && c.Backend.DatabasePath == "" {
		return fmt.Errorf("backend.database_path is required for the local driver")
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json (got %q)", c.Logging.Format)
	}

	if c.Session.AuthFallbackTimeout < 0 || c.Session.MessageTTL < 0 {
		return fmt.Errorf("session durations must not be negative")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"session.auth_fallback_timeout", cfg.Session.AuthFallbackTimeoutRaw, &cfg.Session.AuthFallbackTimeout},
		{"session.message_ttl", cfg.Session.MessageTTLRaw, &cfg.Session.MessageTTL},
		{"backend.token_ttl", cfg.Backend.TokenTTLRaw, &cfg.Backend.TokenTTL},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Backend.Driver == "" {
		cfg.Backend.Driver = DriverFirebase
	}
	if cfg.Backend.TokenTTL == 0 {
		cfg.Backend.TokenTTL = DefaultTokenTTL
	}
	if cfg.Session.AuthFallbackTimeout == 0 {
		cfg.Session.AuthFallbackTimeout = DefaultAuthFallbackTimeout
	}
	if cfg.Session.MessageTTL == 0 {
		cfg.Session.MessageTTL = DefaultMessageTTL
	}
	if cfg.Server.GRPCAddr == "" {
		cfg.Server.GRPCAddr = DefaultGRPCAddr
	}
}

// DefaultPath returns the config file location.
// Priority: PROFILESYNC_CONFIG env var > XDG_CONFIG_HOME/profilesync/config.yaml > ~/.config/profilesync/config.yaml
func DefaultPath() string {
	if envPath := os.Getenv("PROFILESYNC_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "profilesync", "config.yaml")
}
