package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

var (
	configMu   sync.RWMutex
	appConfig  *Config
	configFile string
)

// EnvSpec maps an environment variable to a config key.
type EnvSpec struct {
	Name string
	Path string
}

// SetConfigFile pins the config file Load reads. An empty path restores
// discovery of goflume.yaml in the working directory and the user config
// directory.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = path
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("health.enabled", true)

	v.SetDefault("paths.output_dir", "")
	v.SetDefault("paths.runs_dir", "")
	v.SetDefault("paths.cache_dir", "")

	v.SetDefault("database.path", "")
	v.SetDefault("database.url", "")
	v.SetDefault("database.auth_token", "")

	v.SetDefault("execution.max_concurrent_runs", 4)
	v.SetDefault("execution.event_buffer", 1024)
	v.SetDefault("execution.call_cache", true)
	v.SetDefault("execution.shell", "/bin/sh")
	v.SetDefault("execution.kill_grace", "5s")
	v.SetDefault("execution.session_lease", "30s")

	v.SetDefault("s3.region", "")
	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.profile", "")
	v.SetDefault("s3.force_path_style", false)
}

// Load builds the configuration. Later overrides win over earlier ones and
// over every other source.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := viper.New()
	SetDefaults(v)

	configMu.RLock()
	file := configFile
	configMu.RUnlock()
	if err := readConfigFile(v, file); err != nil {
		return nil, err
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.fillDerived()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

func readConfigFile(v *viper.Viper, file string) error {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", file, err)
		}
		return nil
	}

	v.SetConfigName(AppName)
	v.SetConfigType("yaml")
	for _, p := range getUserConfigPaths() {
		v.AddConfigPath(p)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// getUserConfigPaths lists the directories searched for goflume.yaml, most
// specific first.
func getUserConfigPaths() []string {
	paths := []string{"."}
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, AppName))
	}
	return paths
}

// getEnvSpecs lists the short environment variable names. Every other key is
// also reachable as GOFLUME_<SECTION>_<KEY>.
func getEnvSpecs() []EnvSpec {
	short := []EnvSpec{
		{"HOST", "server.host"},
		{"PORT", "server.port"},
		{"READ_TIMEOUT", "server.read_timeout"},
		{"WRITE_TIMEOUT", "server.write_timeout"},
		{"IDLE_TIMEOUT", "server.idle_timeout"},
		{"SHUTDOWN_TIMEOUT", "server.shutdown_timeout"},
		{"LOG_LEVEL", "logging.level"},
		{"LOG_PROFILE", "logging.profile"},
		{"METRICS_ENABLED", "metrics.enabled"},
		{"HEALTH_ENABLED", "health.enabled"},
		{"OUTPUT_DIR", "paths.output_dir"},
		{"RUNS_DIR", "paths.runs_dir"},
		{"CACHE_DIR", "paths.cache_dir"},
		{"DATABASE_PATH", "database.path"},
		{"DATABASE_URL", "database.url"},
		{"DATABASE_AUTH_TOKEN", "database.auth_token"},
		{"MAX_CONCURRENT_RUNS", "execution.max_concurrent_runs"},
		{"EVENT_BUFFER", "execution.event_buffer"},
		{"CALL_CACHE", "execution.call_cache"},
		{"SHELL", "execution.shell"},
		{"KILL_GRACE", "execution.kill_grace"},
		{"SESSION_LEASE", "execution.session_lease"},
		{"S3_REGION", "s3.region"},
		{"S3_ENDPOINT", "s3.endpoint"},
		{"S3_PROFILE", "s3.profile"},
		{"S3_FORCE_PATH_STYLE", "s3.force_path_style"},
	}
	specs := make([]EnvSpec, len(short))
	for i, s := range short {
		specs[i] = EnvSpec{Name: EnvPrefix + "_" + s.Name, Path: s.Path}
	}
	return specs
}

// flatten turns nested override maps into dotted keys.
func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}
