// Package papa embeds the process supervisor daemon: a supervision loop, its
// control socket, and an optional read-only HTTP API.
package papa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/loykin/papa/internal/config"
	"github.com/loykin/papa/internal/env"
	"github.com/loykin/papa/internal/history"
	"github.com/loykin/papa/internal/history/factory"
	"github.com/loykin/papa/internal/logger"
	"github.com/loykin/papa/internal/metrics"
	"github.com/loykin/papa/internal/output"
	"github.com/loykin/papa/internal/process"
	"github.com/loykin/papa/internal/server"
	"github.com/loykin/papa/internal/supervisor"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Spec = process.Spec

type Status = supervisor.Status

type State = process.State

type Backoff = process.Backoff

type RestartPolicy = process.RestartPolicy

type Config = cfg.Config

type HistorySink = history.Sink

type HistoryEvent = history.Event

// LogFiles configures rotating files fed with process output.
type LogFiles = logger.FileConfig

const (
	RestartNever     = process.RestartNever
	RestartAlways    = process.RestartAlways
	RestartOnFailure = process.RestartOnFailure
)

// Options configure a Daemon.
type Options struct {
	Socket       string
	SocketMode   os.FileMode // default 0600
	HTTPListen   string      // empty disables the HTTP API
	HTTPBasePath string

	ShutdownGrace time.Duration
	BufferSize    int

	// Environment handed to every process: the daemon's own when UseOSEnv,
	// then EnvFiles in order, then Env entries, then the per-process list.
	Env      []string
	EnvFiles []string
	UseOSEnv bool

	Output      LogFiles
	History     []HistorySink
	HistoryDSNs []string // opened with the sqlite, postgres or clickhouse sinks

	Processes []Spec
	Logger    *slog.Logger
}

// OptionsFromConfig maps a loaded configuration file onto Options.
func OptionsFromConfig(c *Config, log *slog.Logger) (Options, error) {
	mode, err := c.SocketFileMode()
	if err != nil {
		return Options{}, err
	}
	return Options{
		Socket:        c.Daemon.Socket,
		SocketMode:    mode,
		HTTPListen:    c.HTTP.Listen,
		HTTPBasePath:  c.HTTP.BasePath,
		ShutdownGrace: c.Daemon.ShutdownGrace,
		BufferSize:    c.Daemon.BufferSize,
		Env:           c.Env,
		EnvFiles:      c.EnvFiles,
		UseOSEnv:      c.UseOSEnv,
		Output:        c.Logger().File,
		HistoryDSNs:   c.History.DSN,
		Processes:     c.Specs(),
		Logger:        log,
	}, nil
}

// LoadConfig reads a TOML configuration file.
func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// DefaultConfig is the configuration used without a file.
func DefaultConfig() *Config { return cfg.Default() }

// Daemon is a supervisor bound to a control socket.
type Daemon struct {
	opts Options
	log  *slog.Logger
	sup  *supervisor.Supervisor
	srv  *server.Server
	web  *http.Server
}

// New validates options, opens history sinks and registers the configured
// processes. Nothing is started until Run.
func New(opts Options) (*Daemon, error) {
	if opts.Socket == "" {
		return nil, errors.New("socket path required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = output.DefaultCapacity
	}

	e := env.New()
	e.UseOS = opts.UseOSEnv
	for _, p := range opts.EnvFiles {
		if err := e.LoadFile(p); err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
	}
	if err := e.SetPairs(opts.Env); err != nil {
		return nil, err
	}

	sinks, err := factory.NewSinks(opts.HistoryDSNs)
	if err != nil {
		return nil, err
	}
	sup := supervisor.New(supervisor.Options{
		BufferSize:    opts.BufferSize,
		ShutdownGrace: opts.ShutdownGrace,
		Env:           e,
		Output:        opts.Output,
		History:       append(append([]history.Sink(nil), opts.History...), sinks...),
		Logger:        opts.Logger,
	})
	for _, s := range opts.Processes {
		if err := sup.Register(s); err != nil {
			_ = sup.Close()
			return nil, fmt.Errorf("register %s: %w", s.Name, err)
		}
	}
	return &Daemon{
		opts: opts,
		log:  opts.Logger,
		sup:  sup,
		srv:  server.New(sup, server.Config{Socket: opts.Socket, Mode: opts.SocketMode}, opts.Logger),
	}, nil
}

// Run binds the control socket (and the HTTP API when configured), then runs
// the supervision loop until ctx is done or a shutdown completes. Bind
// failures are returned before any process is started; the daemon's output
// files and history sinks are released on every path.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.srv.Listen(); err != nil {
		return errors.Join(err, d.sup.Close())
	}
	if d.opts.HTTPListen != "" {
		web, err := server.ListenHTTP(d.opts.HTTPListen, d.opts.HTTPBasePath, d.sup)
		if err != nil {
			_ = d.srv.Close()
			return errors.Join(err, d.sup.Close())
		}
		d.web = web
		d.log.Info("HTTP API listening", "addr", web.Addr)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	serveErr := make(chan error, 1)
	go func() { serveErr <- d.srv.Serve(ctx) }()

	runErr := d.sup.Run(ctx)
	cancel()
	errs := []error{runErr, <-serveErr}
	if d.web != nil {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, d.web.Shutdown(sctx))
		scancel()
	}
	return errors.Join(errs...)
}

// Shutdown stops every process and makes Run return. It does not wait for Run.
func (d *Daemon) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return d.sup.Shutdown(ctx)
}

// Done is closed when the supervision loop has stopped.
func (d *Daemon) Done() <-chan struct{} { return d.sup.Done() }

// SocketPath returns the control socket path.
func (d *Daemon) SocketPath() string { return d.opts.Socket }

// HTTPAddr returns the bound HTTP address, empty when disabled or not running.
func (d *Daemon) HTTPAddr() string {
	if d.web == nil {
		return ""
	}
	return d.web.Addr
}

func (d *Daemon) Start(ctx context.Context, name string, wait bool) error {
	return d.sup.Start(ctx, name, wait)
}

func (d *Daemon) Stop(ctx context.Context, name string, wait bool) error {
	return d.sup.Stop(ctx, name, wait)
}

func (d *Daemon) Restart(ctx context.Context, name string, wait bool) error {
	return d.sup.Restart(ctx, name, wait)
}

func (d *Daemon) Status(ctx context.Context, name string) (Status, error) {
	return d.sup.Status(ctx, name)
}

func (d *Daemon) StatusAll(ctx context.Context) ([]Status, error) { return d.sup.StatusAll(ctx) }

func (d *Daemon) Tail(ctx context.Context, name, stream string, maxBytes int) ([]byte, error) {
	st, err := output.ParseStream(stream)
	if err != nil {
		return nil, err
	}
	return d.sup.Tail(ctx, name, st, maxBytes)
}

func (d *Daemon) Add(ctx context.Context, s Spec) error         { return d.sup.Add(ctx, s) }
func (d *Daemon) Remove(ctx context.Context, name string) error { return d.sup.Remove(ctx, name) }

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// NewLogger builds a daemon logger from a configuration file's [log] table.
func NewLogger(c *Config) *slog.Logger { return c.Logger().NewSlogger() }
