package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"go.uber.org/multierr"
)

// Config holds all daemon configuration.
type Config struct {
	Server     ServerConfig
	Storage    StorageConfig
	Lifecycle  LifecycleConfig
	Checkpoint CheckpointConfig
	Display    DisplayConfig
	Logging    LogConfig
	RateLimit  RateLimitConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8000"`
	Host string `envconfig:"HOST" default:"0.0.0.0"`
	// CORSOrigins lists allowed browser origins; "*" allows any.
	CORSOrigins []string `envconfig:"CORS_ORIGINS" default:"*"`
}

// StorageConfig holds the on-disk layout.
type StorageConfig struct {
	Root string `envconfig:"SESSIONS_ROOT" default:"/var/lib/deskd/sessions"`
	// BaseDir overrides <root>/base as the shared lower layer.
	BaseDir         string   `envconfig:"BASE_DIR"`
	ArchiveExcludes []string `envconfig:"ARCHIVE_EXCLUDES"`
}

// LifecycleConfig holds TTL, quota and reclamation policy.
type LifecycleConfig struct {
	TTLSeconds               int   `envconfig:"SESSION_TTL_SECONDS" default:"3600"`
	ReclaimIntervalSeconds   int   `envconfig:"RECLAIM_INTERVAL_SECONDS" default:"300"`
	QuotaBytes               int64 `envconfig:"SESSION_QUOTA_BYTES" default:"1073741824"`
	SuspendedCeilingBytes    int64 `envconfig:"SUSPENDED_STORAGE_CEILING_BYTES" default:"21474836480"`
	Compression              bool  `envconfig:"SNAPSHOT_COMPRESSION" default:"true"`
	OperationTimeoutSeconds  int   `envconfig:"OPERATION_TIMEOUT_SECONDS" default:"120"`
	SuspendOnIdle            bool  `envconfig:"SUSPEND_ON_IDLE" default:"false"`
	SuspendedGraceSeconds    int   `envconfig:"SUSPENDED_GRACE_SECONDS" default:"86400"`
	DestroyedRetentionSecond int   `envconfig:"DESTROYED_RETENTION_SECONDS" default:"3600"`
	SuspendOnShutdown        bool  `envconfig:"SUSPEND_ON_SHUTDOWN" default:"true"`
}

// CheckpointConfig holds criu(8) options.
type CheckpointConfig struct {
	CRIUPath       string `envconfig:"CRIU_PATH" default:"criu"`
	TCPEstablished bool   `envconfig:"CRIU_TCP_ESTABLISHED" default:"true"`
	ShellJob       bool   `envconfig:"CRIU_SHELL_JOB" default:"true"`
}

// DisplayConfig selects and configures the display allocator.
type DisplayConfig struct {
	Mode       string `envconfig:"DISPLAY_MODE" default:"remote"`
	Addr       string `envconfig:"DISPLAY_ADDR" default:"http://localhost:7000"`
	VNCBaseURL string `envconfig:"VNC_BASE_URL" default:"http://localhost:6080/vnc.html"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"50"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"100"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// Display modes.
const (
	DisplayRemote = "remote"
	DisplayMemory = "memory"
)

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        "8000",
			Host:        "0.0.0.0",
			CORSOrigins: []string{"*"},
		},
		Storage: StorageConfig{
			Root: "/var/lib/deskd/sessions",
		},
		Lifecycle: LifecycleConfig{
			TTLSeconds:               3600,
			ReclaimIntervalSeconds:   300,
			QuotaBytes:               1 << 30,
			SuspendedCeilingBytes:    20 << 30,
			Compression:              true,
			OperationTimeoutSeconds:  120,
			SuspendedGraceSeconds:    86400,
			DestroyedRetentionSecond: 3600,
			SuspendOnShutdown:        true,
		},
		Checkpoint: CheckpointConfig{
			CRIUPath:       "criu",
			TCPEstablished: true,
			ShellJob:       true,
		},
		Display: DisplayConfig{
			Mode:       DisplayRemote,
			Addr:       "http://localhost:7000",
			VNCBaseURL: "http://localhost:6080/vnc.html",
		},
		Logging: LogConfig{
			Level: "info",
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 50,
			Burst:             100,
			Enabled:           true,
		},
	}
}

// Validate rejects settings no engine can run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Storage.Root == "" {
		errs = append(errs, errors.New("SESSIONS_ROOT must be set"))
	}
	if c.Lifecycle.TTLSeconds <= 0 {
		errs = append(errs, errors.New("SESSION_TTL_SECONDS must be positive"))
	}
	if c.Lifecycle.ReclaimIntervalSeconds <= 0 {
		errs = append(errs, errors.New("RECLAIM_INTERVAL_SECONDS must be positive"))
	}
	if c.Lifecycle.OperationTimeoutSeconds <= 0 {
		errs = append(errs, errors.New("OPERATION_TIMEOUT_SECONDS must be positive"))
	}
	if c.Lifecycle.SuspendedGraceSeconds < 0 || c.Lifecycle.DestroyedRetentionSecond < 0 {
		errs = append(errs, errors.New("grace and retention periods cannot be negative"))
	}
	if c.Lifecycle.QuotaBytes > 0 && c.Lifecycle.SuspendedCeilingBytes > 0 &&
		c.Lifecycle.QuotaBytes > c.Lifecycle.SuspendedCeilingBytes {
		errs = append(errs, fmt.Errorf("SESSION_QUOTA_BYTES (%d) exceeds SUSPENDED_STORAGE_CEILING_BYTES (%d)",
			c.Lifecycle.QuotaBytes, c.Lifecycle.SuspendedCeilingBytes))
	}
	switch c.Display.Mode {
	case DisplayRemote, DisplayMemory:
	default:
		errs = append(errs, fmt.Errorf("DISPLAY_MODE %q must be %q or %q", c.Display.Mode, DisplayRemote, DisplayMemory))
	}
	return multierr.Combine(errs...)
}

// TTL returns the idle time-to-live.
func (l LifecycleConfig) TTL() time.Duration {
	return time.Duration(l.TTLSeconds) * time.Second
}

// ReclaimInterval returns the reclamation tick period.
func (l LifecycleConfig) ReclaimInterval() time.Duration {
	return time.Duration(l.ReclaimIntervalSeconds) * time.Second
}

// OperationTimeout bounds a single lifecycle operation.
func (l LifecycleConfig) OperationTimeout() time.Duration {
	return time.Duration(l.OperationTimeoutSeconds) * time.Second
}

// SuspendedGrace is how long a session idles in Suspended before destroy.
func (l LifecycleConfig) SuspendedGrace() time.Duration {
	return time.Duration(l.SuspendedGraceSeconds) * time.Second
}

// DestroyedRetention is how long Destroyed records stay listable.
func (l LifecycleConfig) DestroyedRetention() time.Duration {
	return time.Duration(l.DestroyedRetentionSecond) * time.Second
}

// Addr returns the HTTP listen address.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}
