package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Config is the unified logging configuration: the daemon's own slog output
// plus the rotating files that receive supervised process output.
type Config struct {
	Slog SlogConfig `json:"slog" mapstructure:"slog"`
	File FileConfig `json:"file" mapstructure:"file"`
}

// SlogConfig controls the daemon logger.
type SlogConfig struct {
	Level      Level  `json:"level" mapstructure:"level"`
	Format     Format `json:"format" mapstructure:"format"`
	Color      bool   `json:"color" mapstructure:"color"`
	TimeStamps bool   `json:"timestamps" mapstructure:"timestamps"`
	Source     bool   `json:"source" mapstructure:"source"`
	// Path sends daemon logs to a rotating file instead of stderr.
	Path string `json:"path" mapstructure:"path"`
}

// FileConfig describes log files for a process.
// If StdoutPath/StderrPath are empty, and Dir is set, files will be
// Dir/<name>.stdout.log and Dir/<name>.stderr.log
// Rotation parameters follow lumberjack semantics.
type FileConfig struct {
	Dir        string `json:"dir" mapstructure:"dir"`                   // base directory for logs
	StdoutPath string `json:"stdout_path" mapstructure:"stdout"`        // explicit stdout path overrides Dir
	StderrPath string `json:"stderr_path" mapstructure:"stderr"`        // explicit stderr path overrides Dir
	MaxSizeMB  int    `json:"max_size_mb" mapstructure:"max_size_mb"`   // megabytes before rotation (default 10)
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups"`   // number of backups to keep (default 3)
	MaxAgeDays int    `json:"max_age_days" mapstructure:"max_age_days"` // days to keep (default 7)
	Compress   bool   `json:"compress" mapstructure:"compress"`         // gzip rotated files
}

func DefaultConfig() Config {
	return Config{
		Slog: SlogConfig{
			Level:      LevelInfo,
			Format:     FormatText,
			TimeStamps: true,
		},
	}
}

// Enabled reports whether any file destination is configured.
func (c FileConfig) Enabled() bool {
	return c.Dir != "" || c.StdoutPath != "" || c.StderrPath != ""
}

// Merge overlays the non-zero fields of o onto c.
func (c FileConfig) Merge(o FileConfig) FileConfig {
	if o.Dir != "" {
		c.Dir = o.Dir
	}
	if o.StdoutPath != "" {
		c.StdoutPath = o.StdoutPath
	}
	if o.StderrPath != "" {
		c.StderrPath = o.StderrPath
	}
	if o.MaxSizeMB != 0 {
		c.MaxSizeMB = o.MaxSizeMB
	}
	if o.MaxBackups != 0 {
		c.MaxBackups = o.MaxBackups
	}
	if o.MaxAgeDays != 0 {
		c.MaxAgeDays = o.MaxAgeDays
	}
	if o.Compress {
		c.Compress = true
	}
	return c
}

// Writers returns io.WriteClosers for stdout and stderr for given process name.
func (c FileConfig) Writers(name string) (io.WriteCloser, io.WriteCloser, error) {
	stdout := c.StdoutPath
	stderr := c.StderrPath
	if stdout == "" && c.Dir != "" {
		stdout = filepath.Join(c.Dir, fmt.Sprintf("%s.stdout.log", name))
	}
	if stderr == "" && c.Dir != "" {
		stderr = filepath.Join(c.Dir, fmt.Sprintf("%s.stderr.log", name))
	}
	if c.Dir != "" {
		if err := os.MkdirAll(c.Dir, 0o750); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
	}
	var outW, errW io.WriteCloser
	if stdout != "" {
		outW = c.rotating(stdout)
	}
	if stderr != "" {
		errW = c.rotating(stderr)
	}
	return outW, errW, nil
}

func (c FileConfig) rotating(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

// NewSlogger builds the daemon logger writing to stderr, or to a rotating file
// when Slog.Path is set.
func (c Config) NewSlogger() *slog.Logger {
	var w io.Writer = os.Stderr
	if c.Slog.Path != "" {
		w = c.File.rotating(c.Slog.Path)
	}
	return c.NewSloggerTo(w)
}

// NewSloggerTo builds the daemon logger writing to w.
func (c Config) NewSloggerTo(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.Slog.Level.slogLevel(), AddSource: c.Slog.Source}
	if !c.Slog.TimeStamps {
		opts.ReplaceAttr = dropTime
	}
	var h slog.Handler
	switch {
	case c.Slog.Format == FormatJSON:
		h = slog.NewJSONHandler(w, opts)
	case c.Slog.Color:
		h = NewColorTextHandler(w, opts, c.Slog.TimeStamps)
	default:
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

func dropTime(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.TimeKey {
		return slog.Attr{}
	}
	return a
}

func (l Level) slogLevel() slog.Level {
	switch Level(strings.ToLower(string(l))) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
