// Package config loads the hostd configuration from an optional TOML file,
// HOSTD_* environment variables and built-in defaults, in that order of
// precedence (env wins over file).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/hostd/internal/credential"
	"github.com/loykin/hostd/internal/env"
	"github.com/loykin/hostd/internal/logger"
	"github.com/loykin/hostd/internal/process"
)

const (
	EnvPrefix      = "HOSTD"
	AppName        = "hostd"
	DefaultPort    = 8765
	DefaultListen  = "127.0.0.1:7420"
	DefaultRuntime = "hostd-backend"
)

type Config struct {
	DataDir     string           `mapstructure:"data_dir"`
	Log         logger.Config    `mapstructure:"log"`
	Backend     BackendConfig    `mapstructure:"backend"`
	Store       StoreConfig      `mapstructure:"store"`
	Credentials CredentialConfig `mapstructure:"credentials"`
	Server      ServerConfig     `mapstructure:"server"`
	Metrics     MetricsConfig    `mapstructure:"metrics"`
	History     HistoryConfig    `mapstructure:"history"`
}

// BackendConfig describes the supervised analysis backend.
type BackendConfig struct {
	Name       string              `mapstructure:"name"`
	Host       string              `mapstructure:"host"`
	Port       int                 `mapstructure:"port"`
	HealthPath string              `mapstructure:"health_path"`
	Runtime    []process.Candidate `mapstructure:"runtime"` // ordered: dev, bundled, system
	Args       []string            `mapstructure:"args"`
	WorkDir    string              `mapstructure:"workdir"`
	Env        []string            `mapstructure:"env"`
	EnvFiles   []string            `mapstructure:"env_files"`
	UseOSEnv   bool                `mapstructure:"use_os_env"`
	PIDFile    string              `mapstructure:"pidfile"`
	AutoStart  bool                `mapstructure:"auto_start"`

	StartInterval   time.Duration `mapstructure:"start_interval"`
	StartAttempts   int           `mapstructure:"start_attempts"`
	MonitorInterval time.Duration `mapstructure:"monitor_interval"`
	ProbeTimeout    time.Duration `mapstructure:"probe_timeout"`
	StopGrace       time.Duration `mapstructure:"stop_grace"`
	MaxRecoveries   int           `mapstructure:"max_recoveries"`
}

type StoreConfig struct {
	Path              string        `mapstructure:"path"`
	Retention         time.Duration `mapstructure:"retention"` // 0 keeps synced records forever
	RetentionInterval time.Duration `mapstructure:"retention_interval"`
}

type CredentialConfig struct {
	Service string `mapstructure:"service"`
	Mode    string `mapstructure:"mode"` // auto, keychain, memory
}

type ServerConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type HistoryConfig struct {
	Sinks   []string      `mapstructure:"sinks"` // DSNs, see history/factory
	Timeout time.Duration `mapstructure:"timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.path", "")
	v.SetDefault("log.file.dir", "")
	v.SetDefault("log.file.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.file.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.file.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.file.compress", false)

	v.SetDefault("backend.name", "backend")
	v.SetDefault("backend.host", "localhost")
	v.SetDefault("backend.port", DefaultPort)
	v.SetDefault("backend.health_path", "/health")
	v.SetDefault("backend.args", []string{})
	v.SetDefault("backend.workdir", "")
	v.SetDefault("backend.env", []string{})
	v.SetDefault("backend.env_files", []string{})
	v.SetDefault("backend.use_os_env", true)
	v.SetDefault("backend.pidfile", "")
	v.SetDefault("backend.auto_start", true)
	v.SetDefault("backend.start_interval", time.Second)
	v.SetDefault("backend.start_attempts", 30)
	v.SetDefault("backend.monitor_interval", 30*time.Second)
	v.SetDefault("backend.probe_timeout", 2*time.Second)
	v.SetDefault("backend.stop_grace", 5*time.Second)
	v.SetDefault("backend.max_recoveries", 3)

	v.SetDefault("store.path", "")
	v.SetDefault("store.retention", time.Duration(0))
	v.SetDefault("store.retention_interval", time.Hour)

	v.SetDefault("credentials.service", AppName)
	v.SetDefault("credentials.mode", credential.ModeAuto)

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.listen", DefaultListen)
	v.SetDefault("server.base_path", "/api")

	v.SetDefault("metrics.enabled", false)

	v.SetDefault("history.sinks", []string{})
	v.SetDefault("history.timeout", 5*time.Second)
}

// Load reads path (TOML; empty for none), applies HOSTD_* overrides such as
// HOSTD_BACKEND_PORT, fills derived paths and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(filepath.Clean(path))
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	// string slices set through the environment arrive space separated
	cfg.History.Sinks = splitList(cfg.History.Sinks)

	if err := cfg.resolvePaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultDataDir is <UserConfigDir>/hostd.
func DefaultDataDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locate user config dir: %w", err)
	}
	return filepath.Join(base, AppName), nil
}

func (c *Config) resolvePaths() error {
	if c.DataDir == "" {
		d, err := DefaultDataDir()
		if err != nil {
			return err
		}
		c.DataDir = d
	}
	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(c.DataDir, AppName+".db")
	}
	if c.Log.File.Dir == "" {
		c.Log.File.Dir = filepath.Join(c.DataDir, "logs")
	}
	if c.Backend.PIDFile == "" {
		c.Backend.PIDFile = filepath.Join(c.DataDir, c.Backend.Name+".pid")
	}
	if len(c.Backend.Runtime) == 0 {
		c.Backend.Runtime = []process.Candidate{{Source: "system", Path: DefaultRuntime}}
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	b := c.Backend
	if b.Port <= 0 || b.Port > 65535 {
		return fmt.Errorf("backend.port %d out of range", b.Port)
	}
	if strings.TrimSpace(b.Name) == "" || strings.ContainsAny(b.Name, `/\`) {
		return fmt.Errorf("backend.name %q is invalid", b.Name)
	}
	for i, rc := range b.Runtime {
		if strings.TrimSpace(rc.Path) == "" {
			return fmt.Errorf("backend.runtime[%d].path is empty", i)
		}
	}
	for name, d := range map[string]time.Duration{
		"backend.start_interval":   b.StartInterval,
		"backend.monitor_interval": b.MonitorInterval,
		"backend.probe_timeout":    b.ProbeTimeout,
		"backend.stop_grace":       b.StopGrace,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if b.StartAttempts <= 0 {
		return errors.New("backend.start_attempts must be positive")
	}
	if b.MaxRecoveries <= 0 {
		return errors.New("backend.max_recoveries must be positive")
	}
	if c.Store.Retention < 0 {
		return errors.New("store.retention must not be negative")
	}
	if c.Store.Retention > 0 && c.Store.RetentionInterval <= 0 {
		return errors.New("store.retention_interval must be positive when retention is enabled")
	}
	switch strings.ToLower(c.Credentials.Mode) {
	case credential.ModeAuto, credential.ModeKeychain, credential.ModeMemory:
	default:
		return fmt.Errorf("credentials.mode %q must be auto, keychain or memory", c.Credentials.Mode)
	}
	if c.Server.Enabled {
		if c.Server.Listen == "" {
			return errors.New("server.listen is required when the server is enabled")
		}
		if !strings.HasPrefix(c.Server.BasePath, "/") {
			return fmt.Errorf("server.base_path %q must start with /", c.Server.BasePath)
		}
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// BackendEnv composes the backend environment: the OS environment when
// use_os_env is set, then env_files in order, then the env list.
func (c *Config) BackendEnv() (*env.Env, error) {
	e := env.New()
	if c.Backend.UseOSEnv {
		e = e.FromOS()
	}
	e, err := e.WithFiles(c.Backend.EnvFiles...)
	if err != nil {
		return nil, err
	}
	return e.WithPairs(c.Backend.Env), nil
}

func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		for _, f := range strings.Fields(s) {
			out = append(out, f)
		}
	}
	return out
}
