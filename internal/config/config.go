// Package config loads goflume settings from defaults, an optional config
// file, GOFLUME_* environment variables, and runtime overrides, in
// increasing order of precedence.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"

	"github.com/3leaps/goflume/internal/observability"
	"github.com/3leaps/goflume/pkg/provider/s3"
	"github.com/3leaps/goflume/pkg/store"
)

// AppName names the binary, the config file, and the app data directory.
const AppName = "goflume"

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "GOFLUME"

// Config is the decoded configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Health    HealthConfig    `mapstructure:"health"`
	Paths     PathsConfig     `mapstructure:"paths"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Execution ExecutionConfig `mapstructure:"execution"`
	S3        S3Config        `mapstructure:"s3"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// PathsConfig locates on-disk state. Empty RunsDir and CacheDir default to
// subdirectories of OutputDir.
type PathsConfig struct {
	OutputDir string `mapstructure:"output_dir"`
	RunsDir   string `mapstructure:"runs_dir"`
	CacheDir  string `mapstructure:"cache_dir"`
}

// IndexDir is the root of the output index.
func (p PathsConfig) IndexDir() string {
	return filepath.Join(p.OutputDir, "index")
}

// DatabaseConfig selects the run database. An empty Path and URL use
// {output_dir}/database.db.
type DatabaseConfig struct {
	Path      string `mapstructure:"path"`
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
}

type ExecutionConfig struct {
	MaxConcurrentRuns int           `mapstructure:"max_concurrent_runs"`
	EventBuffer       int           `mapstructure:"event_buffer"`
	CallCache         bool          `mapstructure:"call_cache"`
	Shell             string        `mapstructure:"shell"`
	KillGrace         time.Duration `mapstructure:"kill_grace"`
	SessionLease      time.Duration `mapstructure:"session_lease"`
}

type S3Config struct {
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	Profile        string `mapstructure:"profile"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}

// Store returns the store configuration.
func (c *Config) Store() store.Config {
	return store.Config{
		Path:      c.Database.Path,
		URL:       c.Database.URL,
		AuthToken: c.Database.AuthToken,
	}
}

// S3Defaults returns the settings applied to every s3:// input.
func (c *Config) S3Defaults() s3.Defaults {
	return s3.Defaults{
		Region:         c.S3.Region,
		Endpoint:       c.S3.Endpoint,
		Profile:        c.S3.Profile,
		ForcePathStyle: c.S3.ForcePathStyle,
	}
}

// DefaultOutputDir is the app data directory.
func DefaultOutputDir() string {
	return gfconfig.GetAppDataDir(AppName)
}

func (c *Config) fillDerived() {
	if c.Paths.OutputDir == "" {
		c.Paths.OutputDir = DefaultOutputDir()
	}
	if c.Paths.RunsDir == "" {
		c.Paths.RunsDir = filepath.Join(c.Paths.OutputDir, "runs")
	}
	if c.Paths.CacheDir == "" {
		c.Paths.CacheDir = filepath.Join(c.Paths.OutputDir, "cache")
	}
	if c.Database.Path == "" && c.Database.URL == "" {
		c.Database.Path = filepath.Join(c.Paths.OutputDir, "database.db")
	}
	c.Logging.Profile = strings.ToLower(strings.TrimSpace(c.Logging.Profile))
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch c.Logging.Profile {
	case observability.ProfileStructured, observability.ProfileConsole:
	default:
		return fmt.Errorf("logging.profile %q must be %s or %s", c.Logging.Profile, observability.ProfileStructured, observability.ProfileConsole)
	}
	if c.Execution.MaxConcurrentRuns < 1 {
		return fmt.Errorf("execution.max_concurrent_runs must be >= 1")
	}
	if c.Execution.EventBuffer < 1 {
		return fmt.Errorf("execution.event_buffer must be >= 1")
	}
	if c.Execution.KillGrace < 0 {
		return fmt.Errorf("execution.kill_grace must not be negative")
	}
	if c.Execution.SessionLease < 3*time.Millisecond {
		return fmt.Errorf("execution.session_lease must be at least 3ms")
	}
	return nil
}
