package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/statekeep/internal/auth"
	"github.com/loykin/statekeep/internal/env"
	"github.com/loykin/statekeep/internal/logger"
	"github.com/loykin/statekeep/internal/process"
	"github.com/loykin/statekeep/internal/retention"
	"github.com/loykin/statekeep/internal/supervisor"
	tlsx "github.com/loykin/statekeep/internal/tls"
)

const (
	// DefaultPath is read when no --config is given.
	DefaultPath = ".state.conf.json"
	// DefaultStateFile holds the persisted states and logs.
	DefaultStateFile = ".state.json"
	// EnvPrefix namespaces environment overrides, e.g. STATEKEEP_STATE_FILE.
	EnvPrefix = "STATEKEEP"
)

// Config is the whole configuration file.
type Config struct {
	StateFile   string           `mapstructure:"state_file"`
	Application string           `mapstructure:"application"`
	InputMode   string           `mapstructure:"input_mode"`
	Supervisor  SupervisorConfig `mapstructure:"supervisor"`
	Log         logger.Config    `mapstructure:"log"`
	History     []string         `mapstructure:"history"`
	Metrics     MetricsConfig    `mapstructure:"metrics"`
	Server      ServerConfig     `mapstructure:"server"`
	Retention   retention.Policy `mapstructure:"retention"`
	Env         []string         `mapstructure:"env"`
	EnvFiles    []string         `mapstructure:"env_files"`
	WorkDir     string           `mapstructure:"workdir"`
}

type SupervisorConfig struct {
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	PollDivisor       int           `mapstructure:"poll_divisor"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	StopOnIdle        bool          `mapstructure:"stop_on_idle"`
	StopWait          time.Duration `mapstructure:"stop_wait"`
	ProcessGroup      bool          `mapstructure:"process_group"`
}

type MetricsConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	ChildSampleInterval time.Duration `mapstructure:"child_sample_interval"`
}

type ServerConfig struct {
	Listen   string      `mapstructure:"listen"`
	BasePath string      `mapstructure:"base_path"`
	TLS      tlsx.Config `mapstructure:"tls"`
	Auth     auth.Config `mapstructure:"auth"`
}

func setDefaults(v *viper.Viper) {
	d := supervisor.DefaultOptions()
	v.SetDefault("state_file", DefaultStateFile)
	v.SetDefault("application", "")
	v.SetDefault("input_mode", string(supervisor.InputState))
	v.SetDefault("workdir", "")
	v.SetDefault("supervisor.idle_timeout", d.IdleTimeout)
	v.SetDefault("supervisor.poll_divisor", d.PollDivisor)
	v.SetDefault("supervisor.heartbeat_interval", d.HeartbeatInterval)
	v.SetDefault("supervisor.stop_on_idle", false)
	v.SetDefault("supervisor.stop_wait", d.StopWait)
	v.SetDefault("supervisor.process_group", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", logger.FormatColor)
	v.SetDefault("log.file.path", "")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.child_sample_interval", time.Duration(0))
	v.SetDefault("server.listen", "")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.auth.enabled", false)
	v.SetDefault("server.auth.jwt_secret", "")
	v.SetDefault("server.auth.token_ttl", auth.DefaultTokenTTL)
	v.SetDefault("retention.schedule", "")
	v.SetDefault("retention.keep_states", 0)
	v.SetDefault("retention.keep_logs", 0)
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg, err := decode(newViper())
	if err != nil {
		panic(err) // defaults always decode
	}
	return cfg
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// Load reads path (DefaultPath when empty). A missing file is not an error;
// defaults and STATEKEEP_* environment overrides still apply. The format
// follows the extension: json, toml or yaml.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	v := newViper()
	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat config %s: %w", path, err)
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the supervisor cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.StateFile == "" {
		errs = append(errs, errors.New("state_file must not be empty"))
	}
	if !supervisor.InputMode(c.InputMode).Valid() {
		errs = append(errs, fmt.Errorf("unknown input_mode %q", c.InputMode))
	}
	if c.Supervisor.IdleTimeout <= 0 {
		errs = append(errs, errors.New("supervisor.idle_timeout must be positive"))
	}
	if c.Supervisor.PollDivisor <= 0 {
		errs = append(errs, errors.New("supervisor.poll_divisor must be positive"))
	}
	if c.Supervisor.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("supervisor.heartbeat_interval must be positive"))
	}
	if c.Supervisor.StopWait < 0 {
		errs = append(errs, errors.New("supervisor.stop_wait must not be negative"))
	}
	if c.Metrics.ChildSampleInterval < 0 {
		errs = append(errs, errors.New("metrics.child_sample_interval must not be negative"))
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Server.Auth.Enabled {
		if err := c.Server.Auth.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.Retention.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SupervisorOptions converts the supervisor section for the worker.
func (c *Config) SupervisorOptions() supervisor.Options {
	return supervisor.Options{
		IdleTimeout:       c.Supervisor.IdleTimeout,
		PollDivisor:       c.Supervisor.PollDivisor,
		HeartbeatInterval: c.Supervisor.HeartbeatInterval,
		StopOnIdle:        c.Supervisor.StopOnIdle,
		StopWait:          c.Supervisor.StopWait,
		InputMode:         supervisor.InputMode(c.InputMode),
		SampleInterval:    c.Metrics.ChildSampleInterval,
	}
}

// ChildEnv composes the child environment: OS env, env_files in order, then env.
func (c *Config) ChildEnv() ([]string, error) {
	e := env.New()
	for _, p := range c.EnvFiles {
		if err := e.AddFile(p); err != nil {
			return nil, err
		}
	}
	return e.Merge(c.Env), nil
}

// ProcessSpec describes how to launch application.
func (c *Config) ProcessSpec(application string) (process.Spec, error) {
	childEnv, err := c.ChildEnv()
	if err != nil {
		return process.Spec{}, err
	}
	return process.Spec{
		Command:      application,
		WorkDir:      c.WorkDir,
		Env:          childEnv,
		ProcessGroup: c.Supervisor.ProcessGroup,
	}, nil
}
