// Package config provides configuration loading and validation for the
// server and the CLI.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/jonathan/mats/internal/tools"
)

// EnvPrefix prefixes every environment override, for example MATS_SERVER_PORT.
const EnvPrefix = "MATS"

// Config is the full service configuration. Every field has a default, so
// an empty file (or no file at all) yields a runnable setup.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Tools        ToolsConfig        `mapstructure:"tools"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Registry     RegistryConfig     `mapstructure:"registry"`
	RateLimit    RateLimitConfig    `mapstructure:"ratelimit"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Events       EventsConfig       `mapstructure:"events"`
	Tracing      TracingConfig      `mapstructure:"tracing"`
	Log          LogConfig          `mapstructure:"log"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port" validate:"min=1,max=65535"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" validate:"min=0"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout" validate:"min=0"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" validate:"min=0"`
	CORSOrigins       []string      `mapstructure:"cors_origins"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StorageConfig controls where uploads and tool output live.
type StorageConfig struct {
	UploadDir       string        `mapstructure:"upload_dir" validate:"required"`
	ResultsDir      string        `mapstructure:"results_dir"`
	MaxUploadMB     int64         `mapstructure:"max_upload_mb" validate:"min=1"`
	Retention       time.Duration `mapstructure:"retention" validate:"min=0"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" validate:"min=0"`
}

// MaxUploadBytes converts MaxUploadMB to bytes.
func (s StorageConfig) MaxUploadBytes() int64 {
	return s.MaxUploadMB << 20
}

// ToolConfig overrides one tool's binary and timeout.
type ToolConfig struct {
	Path    string        `mapstructure:"path"`
	Timeout time.Duration `mapstructure:"timeout" validate:"min=0"`
}

// ToolsConfig controls tool discovery and output capture.
type ToolsConfig struct {
	Dir            string                `mapstructure:"dir"`
	MaxOutputBytes int                   `mapstructure:"max_output_bytes" validate:"min=1024"`
	QuarkRulesDir  string                `mapstructure:"quark_rules_dir"`
	Overrides      map[string]ToolConfig `mapstructure:"overrides" validate:"dive"`
}

// OrchestratorConfig bounds job execution.
type OrchestratorConfig struct {
	MaxConcurrentJobs int64 `mapstructure:"max_concurrent_jobs" validate:"min=1,max=64"`
}

// RegistryConfig controls eviction of finished jobs from memory.
type RegistryConfig struct {
	Retention        time.Duration `mapstructure:"retention" validate:"min=0"`
	EvictionInterval time.Duration `mapstructure:"eviction_interval" validate:"min=0"`
}

// RateLimitConfig throttles requests per client IP.
type RateLimitConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second" validate:"min=0"`
	Burst             int     `mapstructure:"burst" validate:"min=0"`
}

// DatabaseConfig enables the Postgres job archive when URL is set.
type DatabaseConfig struct {
	URL            string        `mapstructure:"url"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" validate:"min=0"`
	Migrate        bool          `mapstructure:"migrate"`
}

// EventsConfig enables NATS job events when NATSURL is set.
type EventsConfig struct {
	NATSURL       string `mapstructure:"nats_url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// TracingConfig enables OTLP trace export when Endpoint is set.
type TracingConfig struct {
	Endpoint    string  `mapstructure:"endpoint"`
	SampleRatio float64 `mapstructure:"sample_ratio" validate:"min=0,max=1"`
	Insecure    bool    `mapstructure:"insecure"`
}

// LogConfig selects the log level and output format.
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=trace debug info warn warning error fatal panic"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              8000,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       2 * time.Minute,
			ShutdownTimeout:   30 * time.Second,
			CORSOrigins: []string{
				"http://localhost:*", "https://localhost:*",
				"http://127.0.0.1:*", "https://127.0.0.1:*",
			},
		},
		Storage: StorageConfig{
			UploadDir:       "uploads",
			ResultsDir:      filepath.Join("uploads", "results"),
			MaxUploadMB:     200,
			Retention:       7 * 24 * time.Hour,
			CleanupInterval: time.Hour,
		},
		Tools: ToolsConfig{
			Dir:            "tools",
			MaxOutputBytes: tools.DefaultMaxOutputBytes,
		},
		Orchestrator: OrchestratorConfig{MaxConcurrentJobs: 2},
		Registry: RegistryConfig{
			Retention:        24 * time.Hour,
			EvictionInterval: 10 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: 10,
			Burst:             20,
		},
		Auth: AuthConfig{ExpirationHours: 24, Issuer: "mats"},
		Database: DatabaseConfig{
			ConnectTimeout: 30 * time.Second,
			Migrate:        true,
		},
		Events:  EventsConfig{SubjectPrefix: "mats.jobs"},
		Tracing: TracingConfig{SampleRatio: 1},
		Log:     LogConfig{Level: "info", Format: "text"},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.read_header_timeout", d.Server.ReadHeaderTimeout)
	v.SetDefault("server.idle_timeout", d.Server.IdleTimeout)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("server.cors_origins", d.Server.CORSOrigins)

	v.SetDefault("storage.upload_dir", d.Storage.UploadDir)
	v.SetDefault("storage.results_dir", d.Storage.ResultsDir)
	v.SetDefault("storage.max_upload_mb", d.Storage.MaxUploadMB)
	v.SetDefault("storage.retention", d.Storage.Retention)
	v.SetDefault("storage.cleanup_interval", d.Storage.CleanupInterval)

	v.SetDefault("tools.dir", d.Tools.Dir)
	v.SetDefault("tools.max_output_bytes", d.Tools.MaxOutputBytes)
	v.SetDefault("tools.quark_rules_dir", d.Tools.QuarkRulesDir)

	v.SetDefault("orchestrator.max_concurrent_jobs", d.Orchestrator.MaxConcurrentJobs)
	v.SetDefault("registry.retention", d.Registry.Retention)
	v.SetDefault("registry.eviction_interval", d.Registry.EvictionInterval)

	v.SetDefault("ratelimit.enabled", d.RateLimit.Enabled)
	v.SetDefault("ratelimit.requests_per_second", d.RateLimit.RequestsPerSecond)
	v.SetDefault("ratelimit.burst", d.RateLimit.Burst)

	v.SetDefault("auth.jwt_secret", d.Auth.JWTSecret)
	v.SetDefault("auth.issuer", d.Auth.Issuer)
	v.SetDefault("auth.expiration_hours", d.Auth.ExpirationHours)

	v.SetDefault("database.url", d.Database.URL)
	v.SetDefault("database.connect_timeout", d.Database.ConnectTimeout)
	v.SetDefault("database.migrate", d.Database.Migrate)

	v.SetDefault("events.nats_url", d.Events.NATSURL)
	v.SetDefault("events.subject_prefix", d.Events.SubjectPrefix)

	v.SetDefault("tracing.endpoint", d.Tracing.Endpoint)
	v.SetDefault("tracing.sample_ratio", d.Tracing.SampleRatio)
	v.SetDefault("tracing.insecure", d.Tracing.Insecure)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// LoadConfig reads the optional config file at path (YAML, JSON or TOML by
// extension), applies MATS_* environment overrides and validates the result.
// An empty path loads defaults and environment only.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Conventional unprefixed names used by docker-compose setups.
	_ = v.BindEnv("database.url", EnvPrefix+"_DATABASE_URL", "DATABASE_URL")
	_ = v.BindEnv("events.nats_url", EnvPrefix+"_EVENTS_NATS_URL", "NATS_URL")
	_ = v.BindEnv("auth.jwt_secret", EnvPrefix+"_AUTH_JWT_SECRET", "JWT_SECRET")

	if path != "" {
		// Resolve path relative to current directory if not absolute
		if !filepath.IsAbs(path) {
			cwd, err := os.Getwd()
			if err != nil {
				return nil, fmt.Errorf("failed to get current directory: %w", err)
			}
			path = filepath.Join(cwd, path)
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var parseErr viper.ConfigParseError
			if errors.As(err, &parseErr) {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New()

// Validate checks that the configuration has valid values.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("config error: '%s' failed '%s' (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("config error: %w", err)
	}

	for name := range c.Tools.Overrides {
		if _, ok := tools.ToolRegistry[name]; !ok {
			return fmt.Errorf("config error: override for unknown tool %q", name)
		}
	}
	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst < 1) {
		return fmt.Errorf("config error: rate limiting needs a positive 'requests_per_second' and 'burst'")
	}
	if err := c.Auth.normalize(); err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	return nil
}

// MergeWithDefaults returns a copy of c with zero-valued fields filled from
// defaults. Booleans cannot be told apart from unset and are kept as is.
func (c *Config) MergeWithDefaults(defaults Config) Config {
	result := *c

	if result.Server.Host == "" {
		result.Server.Host = defaults.Server.Host
	}
	if result.Server.Port == 0 {
		result.Server.Port = defaults.Server.Port
	}
	if result.Server.ReadHeaderTimeout == 0 {
		result.Server.ReadHeaderTimeout = defaults.Server.ReadHeaderTimeout
	}
	if result.Server.IdleTimeout == 0 {
		result.Server.IdleTimeout = defaults.Server.IdleTimeout
	}
	if result.Server.ShutdownTimeout == 0 {
		result.Server.ShutdownTimeout = defaults.Server.ShutdownTimeout
	}
	if result.Server.CORSOrigins == nil {
		result.Server.CORSOrigins = defaults.Server.CORSOrigins
	}

	if result.Storage.UploadDir == "" {
		result.Storage.UploadDir = defaults.Storage.UploadDir
	}
	if result.Storage.ResultsDir == "" {
		result.Storage.ResultsDir = filepath.Join(result.Storage.UploadDir, "results")
	}
	if result.Storage.MaxUploadMB == 0 {
		result.Storage.MaxUploadMB = defaults.Storage.MaxUploadMB
	}

	if result.Tools.Dir == "" {
		result.Tools.Dir = defaults.Tools.Dir
	}
	if result.Tools.MaxOutputBytes == 0 {
		result.Tools.MaxOutputBytes = defaults.Tools.MaxOutputBytes
	}

	if result.Orchestrator.MaxConcurrentJobs == 0 {
		result.Orchestrator.MaxConcurrentJobs = defaults.Orchestrator.MaxConcurrentJobs
	}
	if result.RateLimit.RequestsPerSecond == 0 {
		result.RateLimit.RequestsPerSecond = defaults.RateLimit.RequestsPerSecond
	}
	if result.RateLimit.Burst == 0 {
		result.RateLimit.Burst = defaults.RateLimit.Burst
	}
	if result.Auth.ExpirationHours == 0 {
		result.Auth.ExpirationHours = defaults.Auth.ExpirationHours
	}
	if result.Auth.Issuer == "" {
		result.Auth.Issuer = defaults.Auth.Issuer
	}
	if result.Events.SubjectPrefix == "" {
		result.Events.SubjectPrefix = defaults.Events.SubjectPrefix
	}
	if result.Log.Level == "" {
		result.Log.Level = defaults.Log.Level
	}
	if result.Log.Format == "" {
		result.Log.Format = defaults.Log.Format
	}

	return result
}

// ToolOptions converts the tools section into adapter options.
func (c *Config) ToolOptions() tools.Options {
	overrides := make(map[string]tools.ToolOptions, len(c.Tools.Overrides))
	for name, t := range c.Tools.Overrides {
		overrides[name] = tools.ToolOptions{Path: t.Path, Timeout: t.Timeout}
	}
	home, _ := os.UserHomeDir()
	return tools.Options{
		ToolsDir:       c.Tools.Dir,
		HomeDir:        home,
		MaxOutputBytes: c.Tools.MaxOutputBytes,
		QuarkRulesDir:  c.Tools.QuarkRulesDir,
		Tools:          overrides,
	}
}
