package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// ErrNotRunning is returned by Signal when no live run is owned.
var ErrNotRunning = errors.New("process not running")

// SpawnError reports that a run could not be started (exec failure, missing
// executable, bad credentials).
type SpawnError struct {
	Name string
	Err  error
}

func (e *SpawnError) Error() string { return fmt.Sprintf("spawn %s: %v", e.Name, e.Err) }
func (e *SpawnError) Unwrap() error { return e.Err }

// ExitEvent is posted exactly once per run when the child terminates.
type ExitEvent struct {
	Name   string
	Run    uint64 // run generation the event belongs to
	PID    int
	Code   int            // exit code, -1 when killed by a signal
	Signal syscall.Signal // terminating signal, 0 on a normal exit
	Err    error          // wait failure unrelated to the exit status
	At     time.Time
}

// Success reports a clean exit with status 0.
func (e ExitEvent) Success() bool { return e.Err == nil && e.Signal == 0 && e.Code == 0 }

func (e ExitEvent) String() string {
	switch {
	case e.Err != nil:
		return e.Err.Error()
	case e.Signal != 0:
		return "signal: " + e.Signal.String()
	default:
		return fmt.Sprintf("exit status %d", e.Code)
	}
}

// Controller owns one supervised OS process and its bookkeeping. It is not
// safe for concurrent use: the supervisor loop is its only writer and reader.
type Controller struct {
	spec  Spec
	state State

	cmd       *exec.Cmd
	pid       int
	run       uint64
	startedAt time.Time
	stoppedAt time.Time

	failures     int
	restarts     int
	exited       bool
	lastExit     ExitEvent
	lastErr      string
	backoffUntil time.Time
}

func NewController(spec Spec) *Controller {
	return &Controller{spec: spec, state: StateStopped}
}

func (c *Controller) Spec() Spec          { return c.spec }
func (c *Controller) Name() string        { return c.spec.Name }
func (c *Controller) State() State        { return c.state }
func (c *Controller) PID() int            { return c.pid }
func (c *Controller) Run() uint64         { return c.run }
func (c *Controller) Failures() int       { return c.failures }
func (c *Controller) HasRun() bool        { return c.cmd != nil }
func (c *Controller) LastExit() ExitEvent { return c.lastExit }

// SetState moves the controller to s and returns the previous state.
func (c *Controller) SetState(s State) State {
	old := c.state
	c.state = s
	if s != StateBackoff {
		c.backoffUntil = time.Time{}
	}
	return old
}

func (c *Controller) IncFailures() int {
	c.failures++
	return c.failures
}

func (c *Controller) ResetFailures() { c.failures = 0 }

func (c *Controller) IncRestarts() int {
	c.restarts++
	return c.restarts
}

func (c *Controller) SetBackoffUntil(t time.Time) { c.backoffUntil = t }

func (c *Controller) SetLastError(msg string) { c.lastErr = msg }

// Spawn launches a new run with env as the complete environment; a nil env
// inherits the daemon's. stdout and stderr receive everything the child
// writes; they are fed from pipe reader goroutines so a slow writer never holds
// the caller. onExit is called from a waiter goroutine once the child is gone.
// On failure every acquired descriptor is released and a *SpawnError is returned.
func (c *Controller) Spawn(env []string, stdout, stderr io.Writer, onExit func(ExitEvent)) error {
	if c.cmd != nil {
		return &SpawnError{Name: c.spec.Name, Err: fmt.Errorf("run %d (pid %d) not reaped", c.run, c.pid)}
	}
	cmd := c.spec.BuildCommand()
	if c.spec.WorkDir != "" {
		cmd.Dir = c.spec.WorkDir
	}
	if env != nil {
		cmd.Env = env
	}
	if err := configureSysProcAttr(cmd, c.spec); err != nil {
		return &SpawnError{Name: c.spec.Name, Err: err}
	}

	var files []*os.File
	closeAll := func() {
		for _, f := range files {
			_ = f.Close()
		}
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		return &SpawnError{Name: c.spec.Name, Err: fmt.Errorf("stdout pipe: %w", err)}
	}
	files = append(files, outR, outW)
	errR, errW, err := os.Pipe()
	if err != nil {
		closeAll()
		return &SpawnError{Name: c.spec.Name, Err: fmt.Errorf("stderr pipe: %w", err)}
	}
	files = append(files, errR, errW)
	cmd.Stdin = nil
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		closeAll()
		return &SpawnError{Name: c.spec.Name, Err: err}
	}
	// The child holds its own copies of the write ends.
	_ = outW.Close()
	_ = errW.Close()

	c.run++
	c.cmd = cmd
	c.pid = cmd.Process.Pid
	c.startedAt = time.Now()
	c.stoppedAt = time.Time{}

	go drain(outR, stdout)
	go drain(errR, stderr)

	name, run, pid := c.spec.Name, c.run, c.pid
	go func() {
		werr := cmd.Wait()
		onExit(exitEventFrom(name, run, pid, cmd.ProcessState, werr))
	}()
	return nil
}

func drain(r *os.File, w io.Writer) {
	defer func() { _ = r.Close() }()
	if w == nil {
		w = io.Discard
	}
	_, _ = io.Copy(w, r)
}

func exitEventFrom(name string, run uint64, pid int, ps *os.ProcessState, err error) ExitEvent {
	ev := ExitEvent{Name: name, Run: run, PID: pid, Code: -1, At: time.Now()}
	if ps == nil {
		ev.Err = err
		return ev
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok {
		switch {
		case ws.Exited():
			ev.Code = ws.ExitStatus()
		case ws.Signaled():
			ev.Signal = ws.Signal()
		}
		return ev
	}
	ev.Code = ps.ExitCode()
	return ev
}

// Signal delivers sig to the live run's process group. It reports
// ErrNotRunning when there is nothing to signal.
func (c *Controller) Signal(sig syscall.Signal) error {
	if c.cmd == nil || c.pid <= 0 {
		return ErrNotRunning
	}
	return signalGroup(c.pid, sig)
}

// StopSignal returns the configured stop signal, SIGTERM if it cannot be parsed.
func (c *Controller) StopSignal() syscall.Signal {
	sig, err := ParseSignal(c.spec.StopSignal)
	if err != nil {
		return syscall.SIGTERM
	}
	return sig
}

// Reap finalizes exit bookkeeping for the run the event belongs to. It returns
// false when the event does not match the current run.
func (c *Controller) Reap(ev ExitEvent) bool {
	if c.cmd == nil || ev.Run != c.run {
		return false
	}
	c.cmd = nil
	c.pid = 0
	c.stoppedAt = ev.At
	c.exited = true
	c.lastExit = ev
	if !ev.Success() {
		c.lastErr = ev.String()
	}
	return true
}

// Snapshot returns a copy of the current status.
func (c *Controller) Snapshot() Status {
	st := Status{
		Name:         c.spec.Name,
		State:        c.state,
		PID:          c.pid,
		StartedAt:    c.startedAt,
		StoppedAt:    c.stoppedAt,
		Failures:     c.failures,
		Restarts:     c.restarts,
		Exited:       c.exited,
		LastError:    c.lastErr,
		BackoffUntil: c.backoffUntil,
		Restart:      c.spec.Restart,
	}
	if c.exited {
		st.ExitCode = c.lastExit.Code
		if c.lastExit.Signal != 0 {
			st.ExitSignal = c.lastExit.Signal.String()
		}
	}
	return st
}
