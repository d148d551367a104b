// Package config loads the daemon configuration from TOML with viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/papa/internal/env"
	"github.com/loykin/papa/internal/logger"
	"github.com/loykin/papa/internal/output"
	"github.com/loykin/papa/internal/process"
)

// Defaults for an empty or partial configuration.
const (
	DefaultSocket        = "/tmp/papa.sock"
	DefaultSocketMode    = "0600"
	DefaultShutdownGrace = 10 * time.Second
)

// EnvPrefix names environment variables that override file settings, e.g.
// PAPA_DAEMON_SOCKET or PAPA_HTTP_LISTEN.
const EnvPrefix = "PAPA"

// Config represents the top-level TOML structure.
type Config struct {
	Daemon    DaemonConfig  `toml:"daemon" mapstructure:"daemon"`
	HTTP      HTTPConfig    `toml:"http" mapstructure:"http"`
	Log       LogConfig     `toml:"log" mapstructure:"log"`
	History   HistoryConfig `toml:"history" mapstructure:"history"`
	Env       []string      `toml:"env" mapstructure:"env"`
	EnvFiles  []string      `toml:"env_files" mapstructure:"env_files"`
	UseOSEnv  bool          `toml:"use_os_env" mapstructure:"use_os_env"`
	Processes []ProcConfig  `toml:"processes" mapstructure:"processes"`
}

type DaemonConfig struct {
	Socket        string        `toml:"socket" mapstructure:"socket"`
	SocketMode    string        `toml:"socket_mode" mapstructure:"socket_mode"`
	ShutdownGrace time.Duration `toml:"shutdown_grace" mapstructure:"shutdown_grace"`
	BufferSize    int           `toml:"buffer_size" mapstructure:"buffer_size"`
}

// HTTPConfig enables the read-only HTTP API when Listen is set.
type HTTPConfig struct {
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
}

// LogConfig covers the daemon logger and the default process output files.
type LogConfig struct {
	Level      string `toml:"level" mapstructure:"level"`
	Format     string `toml:"format" mapstructure:"format"`
	Color      bool   `toml:"color" mapstructure:"color"`
	Timestamps bool   `toml:"timestamps" mapstructure:"timestamps"`
	Source     bool   `toml:"source" mapstructure:"source"`
	File       string `toml:"file" mapstructure:"file"`
	Dir        string `toml:"dir" mapstructure:"dir"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

// HistoryConfig lists lifecycle history destinations, see factory.NewSinkFromDSN.
type HistoryConfig struct {
	DSN []string `toml:"dsn" mapstructure:"dsn"`
}

type ProcConfig struct {
	Name              string         `toml:"name" mapstructure:"name"`
	Command           string         `toml:"command" mapstructure:"command"`
	Args              []string       `toml:"args" mapstructure:"args"`
	WorkDir           string         `toml:"workdir" mapstructure:"workdir"`
	Env               []string       `toml:"env" mapstructure:"env"`
	User              string         `toml:"user" mapstructure:"user"`
	Group             string         `toml:"group" mapstructure:"group"`
	Restart           string         `toml:"restart" mapstructure:"restart"`
	BackoffInitial    time.Duration  `toml:"backoff_initial" mapstructure:"backoff_initial"`
	BackoffMax        time.Duration  `toml:"backoff_max" mapstructure:"backoff_max"`
	BackoffMultiplier float64        `toml:"backoff_multiplier" mapstructure:"backoff_multiplier"`
	MaxRetries        int            `toml:"max_retries" mapstructure:"max_retries"`
	StartSeconds      time.Duration  `toml:"startsecs" mapstructure:"startsecs"`
	StopSignal        string         `toml:"stop_signal" mapstructure:"stop_signal"`
	StopGrace         time.Duration  `toml:"stop_grace" mapstructure:"stop_grace"`
	ResetAfter        time.Duration  `toml:"reset_after" mapstructure:"reset_after"`
	AutoStart         *bool          `toml:"autostart" mapstructure:"autostart"`
	BufferSize        int            `toml:"buffer_size" mapstructure:"buffer_size"`
	Log               *ProcLogConfig `toml:"log" mapstructure:"log"`
}

// ProcLogConfig overrides the output files of a single process.
type ProcLogConfig struct {
	Dir        string `toml:"dir" mapstructure:"dir"`
	Stdout     string `toml:"stdout" mapstructure:"stdout"`
	Stderr     string `toml:"stderr" mapstructure:"stderr"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	v := newViper()
	var c Config
	_ = v.Unmarshal(&c)
	return &c
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetDefault("daemon.socket", DefaultSocket)
	v.SetDefault("daemon.socket_mode", DefaultSocketMode)
	v.SetDefault("daemon.shutdown_grace", DefaultShutdownGrace)
	v.SetDefault("daemon.buffer_size", output.DefaultCapacity)
	v.SetDefault("use_os_env", true)
	v.SetDefault("http.listen", "")
	v.SetDefault("http.base_path", "")
	v.SetDefault("log.level", string(logger.LevelInfo))
	v.SetDefault("log.format", string(logger.FormatText))
	v.SetDefault("log.timestamps", true)
	v.SetDefault("log.file", "")
	v.SetDefault("log.dir", "")
	return v
}

// Load reads and validates a TOML file.
func Load(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &c, nil
}

// Validate checks daemon level settings and process name uniqueness. Process
// definitions themselves are validated when they are registered.
func (c *Config) Validate() error {
	if c.Daemon.Socket == "" {
		return errors.New("daemon.socket is required")
	}
	if _, err := c.SocketFileMode(); err != nil {
		return err
	}
	if c.Daemon.ShutdownGrace < 0 {
		return errors.New("daemon.shutdown_grace cannot be negative")
	}
	if c.Daemon.BufferSize < 0 {
		return errors.New("daemon.buffer_size cannot be negative")
	}
	switch logger.Level(strings.ToLower(c.Log.Level)) {
	case "", logger.LevelDebug, logger.LevelInfo, logger.LevelWarn, logger.LevelError:
	default:
		return fmt.Errorf("log.level %q must be one of: debug, info, warn, error", c.Log.Level)
	}
	switch logger.Format(strings.ToLower(c.Log.Format)) {
	case "", logger.FormatText, logger.FormatJSON:
	default:
		return fmt.Errorf("log.format %q must be text or json", c.Log.Format)
	}
	seen := make(map[string]struct{}, len(c.Processes))
	for i, pc := range c.Processes {
		if pc.Name == "" {
			return fmt.Errorf("processes[%d] requires name", i)
		}
		if _, dup := seen[pc.Name]; dup {
			return fmt.Errorf("duplicate process name %q", pc.Name)
		}
		seen[pc.Name] = struct{}{}
	}
	return nil
}

// SocketFileMode parses daemon.socket_mode as an octal permission.
func (c *Config) SocketFileMode() (os.FileMode, error) {
	s := c.Daemon.SocketMode
	if s == "" {
		s = DefaultSocketMode
	}
	m, err := strconv.ParseUint(s, 8, 32)
	if err != nil || m > 0o777 {
		return 0, fmt.Errorf("daemon.socket_mode %q must be an octal permission like 0600", c.Daemon.SocketMode)
	}
	return os.FileMode(m), nil
}

// Logger returns the daemon logging configuration with process output files.
func (c *Config) Logger() logger.Config {
	return logger.Config{
		Slog: logger.SlogConfig{
			Level:      logger.Level(strings.ToLower(c.Log.Level)),
			Format:     logger.Format(strings.ToLower(c.Log.Format)),
			Color:      c.Log.Color,
			TimeStamps: c.Log.Timestamps,
			Source:     c.Log.Source,
			Path:       c.Log.File,
		},
		File: logger.FileConfig{
			Dir:        c.Log.Dir,
			MaxSizeMB:  c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
			MaxAgeDays: c.Log.MaxAgeDays,
			Compress:   c.Log.Compress,
		},
	}
}

// Environment builds the global environment: the daemon's own (when
// use_os_env is set), then env_files in order, then the env list.
func (c *Config) Environment() (*env.Env, error) {
	e := env.New()
	e.UseOS = c.UseOSEnv
	if e.UseOS {
		e.FromOS()
	}
	for _, p := range c.EnvFiles {
		if err := e.LoadFile(p); err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
	}
	if err := e.SetPairs(c.Env); err != nil {
		return nil, err
	}
	return e, nil
}

// Specs converts the [[processes]] tables. The global output file settings
// are applied by the supervisor, only per-process overrides land in Spec.Log.
func (c *Config) Specs() []process.Spec {
	out := make([]process.Spec, 0, len(c.Processes))
	for _, pc := range c.Processes {
		s := process.Spec{
			Name:    pc.Name,
			Command: pc.Command,
			Args:    pc.Args,
			WorkDir: pc.WorkDir,
			Env:     pc.Env,
			User:    pc.User,
			Group:   pc.Group,
			Restart: process.RestartPolicy(pc.Restart),
			Backoff: process.Backoff{
				Initial:    pc.BackoffInitial,
				Max:        pc.BackoffMax,
				Multiplier: pc.BackoffMultiplier,
			},
			MaxRetries:   pc.MaxRetries,
			StartSeconds: pc.StartSeconds,
			StopSignal:   pc.StopSignal,
			StopGrace:    pc.StopGrace,
			ResetAfter:   pc.ResetAfter,
			AutoStart:    pc.AutoStart,
			BufferSize:   pc.BufferSize,
		}
		if pc.Log != nil {
			s.Log = logger.FileConfig{
				Dir:        pc.Log.Dir,
				StdoutPath: pc.Log.Stdout,
				StderrPath: pc.Log.Stderr,
				MaxSizeMB:  pc.Log.MaxSizeMB,
				MaxBackups: pc.Log.MaxBackups,
				MaxAgeDays: pc.Log.MaxAgeDays,
				Compress:   pc.Log.Compress,
			}
		}
		out = append(out, s)
	}
	return out
}
