// Package supervisor runs the event loop that owns every supervised process.
//
// A single goroutine (Run) holds the registry and all controller state. Client
// sessions and the HTTP API submit closures through Do-style helpers; child
// exits arrive from waiter goroutines; backoff, start thresholds and stop grace
// periods are entries in a timer queue. Nothing on the loop sleeps or waits on
// a child.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/papa/internal/env"
	"github.com/loykin/papa/internal/history"
	"github.com/loykin/papa/internal/logger"
	"github.com/loykin/papa/internal/metrics"
	"github.com/loykin/papa/internal/output"
	"github.com/loykin/papa/internal/process"
	"github.com/loykin/papa/internal/protocol"
)

// DefaultShutdownGrace bounds how long shutdown waits before SIGKILL.
const DefaultShutdownGrace = 10 * time.Second

var (
	// ErrStopped is returned by commands submitted after Run has returned.
	ErrStopped = &protocol.Error{Kind: protocol.KindInvalidState, Message: "supervisor is not running"}
	// ErrShuttingDown rejects commands that would start processes during shutdown.
	ErrShuttingDown = &protocol.Error{Kind: protocol.KindInvalidState, Message: "daemon is shutting down"}
)

type Options struct {
	// BufferSize is the default per-stream output ring capacity.
	BufferSize int
	// ShutdownGrace is the global wait before stragglers are killed on shutdown.
	ShutdownGrace time.Duration
	// Env composes the environment of every child. Nil uses the daemon environment.
	Env *env.Env
	// Output configures rotating files that receive process output. Per-process
	// settings are merged over it; an empty config writes no files.
	Output logger.FileConfig
	// History receives lifecycle events.
	History []history.Sink
	Logger  *slog.Logger
}

type Supervisor struct {
	opts    Options
	log     *slog.Logger
	env     *env.Env
	hist    *history.Dispatcher
	sampler *metrics.Sampler

	cmds  chan func()
	exits chan process.ExitEvent
	done  chan struct{}

	started     atomic.Bool
	releaseOnce sync.Once

	// loop owned
	reg           *registry
	timers        timerQueue
	clock         *time.Timer
	shutting      bool
	shutdownTimer *timer
}

func New(opts Options) *Supervisor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = output.DefaultCapacity
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = DefaultShutdownGrace
	}
	e := opts.Env
	if e == nil {
		e = env.New()
	}
	return &Supervisor{
		opts:    opts,
		log:     opts.Logger,
		env:     e,
		hist:    history.NewDispatcher(opts.Logger, opts.History...),
		sampler: metrics.NewSampler(),
		cmds:    make(chan func()),
		exits:   make(chan process.ExitEvent, 64),
		done:    make(chan struct{}),
		reg:     newRegistry(),
	}
}

// Register adds a process before Run starts. Processes whose spec asks for it
// are started when the loop begins.
func (s *Supervisor) Register(spec process.Spec) error {
	if s.started.Load() {
		return errors.New("register after Run: use Add")
	}
	e, err := s.newEntry(spec)
	if err != nil {
		return err
	}
	if err := s.reg.add(e); err != nil {
		_ = e.out.Close()
		return err
	}
	metrics.SetCurrentState(spec.Name, "", process.StateStopped.String())
	return nil
}

// newEntry validates spec and builds its controller and output capture.
// It does file I/O and must not run on the loop.
func (s *Supervisor) newEntry(spec process.Spec) (*entry, error) {
	spec = spec.WithDefaults()
	if err := spec.Validate(); err != nil {
		return nil, protocol.Errorf(protocol.KindProtocol, "%v", err)
	}
	size := spec.BufferSize
	if size <= 0 {
		size = s.opts.BufferSize
	}
	var outW, errW io.WriteCloser
	if fc := s.opts.Output.Merge(spec.Log); fc.Enabled() {
		o, e, err := fc.Writers(spec.Name)
		if err != nil {
			return nil, fmt.Errorf("output files for %s: %w", spec.Name, err)
		}
		outW, errW = o, e
	}
	return &entry{
		ctl: process.NewController(spec),
		out: output.NewCapture(spec.Name, size, outW, errW, s.log),
	}, nil
}

// Done is closed when Run has returned.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// Run executes the loop until shutdown completes or ctx is canceled, in which
// case every process is stopped first. Run may only be called once.
func (s *Supervisor) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("supervisor already running")
	}
	defer s.finish()

	s.clock = time.NewTimer(time.Hour)
	s.clock.Stop()
	defer s.clock.Stop()

	for _, e := range s.reg.sorted() {
		if e.ctl.Spec().ShouldAutoStart() {
			_ = s.start(e)
		}
	}
	s.log.Info("Supervisor started", "processes", s.reg.len())

	ctxDone := ctx.Done()
	for {
		s.drainExits()
		if s.shutting && !s.anyLive() {
			s.log.Info("Supervisor stopped")
			return nil
		}
		s.armClock()
		select {
		case ev := <-s.exits:
			s.reap(ev)
		case fn := <-s.cmds:
			fn()
		case <-s.clock.C:
			s.fireTimers()
		case <-ctxDone:
			ctxDone = nil
			s.beginShutdown()
		}
	}
}

// drainExits handles every exit already posted before any command runs.
func (s *Supervisor) drainExits() {
	for {
		select {
		case ev := <-s.exits:
			s.reap(ev)
		default:
			return
		}
	}
}

func (s *Supervisor) armClock() {
	at, ok := s.timers.next()
	if !ok {
		s.clock.Stop()
		return
	}
	s.clock.Reset(max(time.Until(at), 0))
}

func (s *Supervisor) fireTimers() {
	for _, t := range s.timers.expired(time.Now()) {
		t.fn()
	}
}

// postExit is the onExit callback handed to controllers; it runs on waiter goroutines.
func (s *Supervisor) postExit(ev process.ExitEvent) {
	select {
	case s.exits <- ev:
	case <-s.done:
	}
}

func (s *Supervisor) anyLive() bool {
	for _, e := range s.reg.entries {
		if e.ctl.HasRun() {
			return true
		}
	}
	return false
}

func (s *Supervisor) finish() {
	close(s.done)
	for _, e := range s.reg.entries {
		for _, w := range e.waiters {
			w.reply <- ErrStopped
		}
		e.waiters = nil
	}
	if err := s.release(); err != nil {
		s.log.Warn("Failed to release supervisor resources", "error", err)
	}
}

// Close releases the output captures and history sinks of a supervisor whose
// Run was never called. Once Run has started, Shutdown releases them instead.
func (s *Supervisor) Close() error {
	if !s.started.CompareAndSwap(false, true) {
		select {
		case <-s.done:
			return nil
		default:
			return errors.New("supervisor is running: use Shutdown")
		}
	}
	close(s.done)
	return s.release()
}

// release closes every capture and flushes history. It runs once, after the
// loop is gone.
func (s *Supervisor) release() error {
	var errs []error
	s.releaseOnce.Do(func() {
		for _, e := range s.reg.entries {
			if err := e.out.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close output %s: %w", e.ctl.Name(), err))
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.hist.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush history: %w", err))
		}
	})
	return errors.Join(errs...)
}

// call runs fn on the loop and returns the error it reports. fn may keep the
// reply channel and answer later; it must answer exactly once.
func (s *Supervisor) call(ctx context.Context, fn func(reply chan<- error)) error {
	reply := make(chan error, 1)
	select {
	case s.cmds <- func() { fn(reply) }:
	case <-s.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-s.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// do runs fn on the loop and returns its error.
func (s *Supervisor) do(ctx context.Context, fn func() error) error {
	return s.call(ctx, func(reply chan<- error) { reply <- fn() })
}
