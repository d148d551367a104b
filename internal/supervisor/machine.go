package supervisor

import (
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/loykin/papa/internal/history"
	"github.com/loykin/papa/internal/metrics"
	"github.com/loykin/papa/internal/output"
	"github.com/loykin/papa/internal/process"
	"github.com/loykin/papa/internal/protocol"
)

// Everything in this file runs on the loop goroutine.

func (s *Supervisor) setState(e *entry, to process.State) {
	name := e.ctl.Name()
	from := e.ctl.SetState(to)
	if from != to {
		metrics.RecordStateTransition(name, from.String(), to.String())
		metrics.SetCurrentState(name, from.String(), to.String())
		s.log.Debug("State changed", "name", name, "from", from.String(), "to", to.String())
	}
	s.notify(e)
}

// notify answers every waiter whose condition now holds.
func (s *Supervisor) notify(e *entry) {
	if len(e.waiters) == 0 {
		return
	}
	st := e.ctl.State()
	kept := e.waiters[:0]
	for _, w := range e.waiters {
		if w.done(st) {
			w.reply <- w.result(e)
			continue
		}
		kept = append(kept, w)
	}
	e.waiters = kept
}

// start handles the start command.
func (s *Supervisor) start(e *entry) error {
	switch st := e.ctl.State(); st {
	case process.StateStarting, process.StateRunning:
		return protocol.InvalidState(e.ctl.Name(), st.String(), "already running")
	case process.StateStopping:
		return protocol.InvalidState(e.ctl.Name(), st.String(), "stop in progress, use restart")
	case process.StateBackoff:
		s.timers.cancel(e.backoffTimer)
		e.backoffTimer = nil
	default:
		e.ctl.ResetFailures()
	}
	return s.spawn(e)
}

// stop handles the stop command. grace <= 0 arms no kill timer.
func (s *Supervisor) stop(e *entry, grace time.Duration) error {
	e.restartQueued = false
	switch e.ctl.State() {
	case process.StateStopped, process.StateFatal, process.StateStopping:
		return nil
	case process.StateBackoff:
		s.timers.cancel(e.backoffTimer)
		e.backoffTimer = nil
		s.setState(e, process.StateStopped)
		return nil
	}
	s.cancelRunTimers(e)
	e.forced = false
	name := e.ctl.Name()
	sig := e.ctl.StopSignal()
	if err := e.ctl.Signal(sig); err != nil && !errors.Is(err, process.ErrNotRunning) {
		s.log.Warn("Failed to signal process", "name", name, "signal", sig.String(), "error", err)
	}
	s.log.Info("Stopping process", "name", name, "pid", e.ctl.PID(), "signal", sig.String())
	s.setState(e, process.StateStopping)
	if grace > 0 {
		run := e.ctl.Run()
		e.graceTimer = s.timers.schedule(time.Now().Add(grace), func() { s.graceExpired(e, run) })
	}
	return nil
}

// restart handles the restart command.
func (s *Supervisor) restart(e *entry) error {
	switch e.ctl.State() {
	case process.StateStarting, process.StateRunning:
		_ = s.stop(e, e.ctl.Spec().StopGrace)
		e.restartQueued = true
		return nil
	case process.StateStopping:
		e.restartQueued = true
		return nil
	case process.StateBackoff:
		s.timers.cancel(e.backoffTimer)
		e.backoffTimer = nil
	}
	e.ctl.ResetFailures()
	return s.spawn(e)
}

// spawn starts a new run. On failure the failure policy has already been
// applied when the SpawnError is returned.
func (s *Supervisor) spawn(e *entry) error {
	spec := e.ctl.Spec()
	name := spec.Name
	err := e.ctl.Spawn(s.env.Merge(spec.Env), e.out.Writer(output.Stdout), e.out.Writer(output.Stderr), s.postExit)
	if err != nil {
		metrics.IncSpawnFailure(name)
		e.ctl.SetLastError(err.Error())
		s.log.Warn("Failed to spawn process", "name", name, "error", err)
		s.emit(history.EventSpawnFailed, e)
		s.afterFailure(e, false, false)
		return protocol.Errorf(protocol.KindSpawn, "%v", err)
	}
	e.forced = false
	metrics.IncStart(name)
	s.setState(e, process.StateStarting)
	s.log.Info("Process started", "name", name, "pid", e.ctl.PID(), "run", e.ctl.Run())
	s.emit(history.EventStart, e)

	run := e.ctl.Run()
	now := time.Now()
	e.startTimer = s.timers.schedule(now.Add(spec.StartSeconds), func() { s.startThresholdReached(e, run) })
	if spec.ResetAfter > 0 {
		e.resetTimer = s.timers.schedule(now.Add(spec.ResetAfter), func() { s.stableWindowReached(e, run) })
	}
	return nil
}

func (s *Supervisor) startThresholdReached(e *entry, run uint64) {
	e.startTimer = nil
	if e.ctl.State() != process.StateStarting || e.ctl.Run() != run {
		return
	}
	s.setState(e, process.StateRunning)
}

func (s *Supervisor) stableWindowReached(e *entry, run uint64) {
	e.resetTimer = nil
	if e.ctl.State() != process.StateRunning || e.ctl.Run() != run {
		return
	}
	if e.ctl.Failures() > 0 {
		s.log.Debug("Failure count reset after stable run", "name", e.ctl.Name(), "failures", e.ctl.Failures())
		e.ctl.ResetFailures()
	}
}

func (s *Supervisor) backoffExpired(e *entry) {
	e.backoffTimer = nil
	if e.ctl.State() != process.StateBackoff {
		return
	}
	_ = s.spawn(e)
}

func (s *Supervisor) graceExpired(e *entry, run uint64) {
	e.graceTimer = nil
	if e.ctl.State() != process.StateStopping || e.ctl.Run() != run || !e.ctl.HasRun() {
		return
	}
	s.kill(e)
}

func (s *Supervisor) kill(e *entry) {
	e.forced = true
	s.log.Warn("Grace period expired, killing process", "name", e.ctl.Name(), "pid", e.ctl.PID())
	if err := e.ctl.Signal(syscall.SIGKILL); err != nil && !errors.Is(err, process.ErrNotRunning) {
		s.log.Error("Failed to kill process", "name", e.ctl.Name(), "error", err)
	}
}

// afterFailure applies the failure policy after an unexpected exit or a spawn
// failure. Only an exit from RUNNING consults the restart policy; an exit
// during startup or a failed spawn always backs off until MaxRetries is spent.
// clean reports an exit with status 0.
func (s *Supervisor) afterFailure(e *entry, fromRunning, clean bool) {
	spec := e.ctl.Spec()
	if s.shutting {
		e.ctl.IncFailures()
		s.setState(e, process.StateStopped)
		return
	}
	if fromRunning {
		switch {
		case spec.Restart == process.RestartOnFailure && clean:
			s.setState(e, process.StateStopped)
			return
		case spec.Restart == process.RestartNever:
			e.ctl.IncFailures()
			s.setState(e, process.StateStopped)
			return
		}
	}
	n := e.ctl.IncFailures()
	switch {
	case spec.MaxRetries > 0 && n > spec.MaxRetries:
		s.fatal(e, fmt.Sprintf("giving up after %d consecutive failures", n))
	default:
		delay := spec.Backoff.Delay(n)
		until := time.Now().Add(delay)
		e.ctl.IncRestarts()
		metrics.IncRestart(spec.Name)
		e.ctl.SetBackoffUntil(until)
		s.setState(e, process.StateBackoff)
		e.backoffTimer = s.timers.schedule(until, func() { s.backoffExpired(e) })
		s.log.Info("Restart scheduled", "name", spec.Name, "delay", delay, "failures", n)
		s.emit(history.EventBackoff, e)
	}
}

// fatal parks the process. A non-empty reason replaces the last error.
func (s *Supervisor) fatal(e *entry, reason string) {
	if reason != "" {
		e.ctl.SetLastError(reason)
	}
	s.setState(e, process.StateFatal)
	metrics.IncFatal(e.ctl.Name())
	s.log.Error("Process entered FATAL state", "name", e.ctl.Name(), "failures", e.ctl.Failures(), "error", e.ctl.Snapshot().LastError)
	s.emit(history.EventFatal, e)
}

func (s *Supervisor) cancelRunTimers(e *entry) {
	s.timers.cancel(e.startTimer)
	s.timers.cancel(e.resetTimer)
	e.startTimer, e.resetTimer = nil, nil
}

func (s *Supervisor) cancelAllTimers(e *entry) {
	s.cancelRunTimers(e)
	s.timers.cancel(e.backoffTimer)
	s.timers.cancel(e.graceTimer)
	e.backoffTimer, e.graceTimer = nil, nil
}

// beginShutdown stops every process and arms the global kill timer.
func (s *Supervisor) beginShutdown() {
	if s.shutting {
		return
	}
	s.shutting = true
	s.log.Info("Shutting down", "grace", s.opts.ShutdownGrace)
	for _, e := range s.reg.sorted() {
		_ = s.stop(e, 0)
	}
	if s.anyLive() {
		s.shutdownTimer = s.timers.schedule(time.Now().Add(s.opts.ShutdownGrace), s.killStragglers)
	}
}

func (s *Supervisor) killStragglers() {
	s.shutdownTimer = nil
	for _, e := range s.reg.sorted() {
		if e.ctl.HasRun() {
			s.kill(e)
		}
	}
}

func (s *Supervisor) emit(t history.EventType, e *entry) {
	st := e.ctl.Snapshot()
	pid := st.PID
	if pid == 0 && st.Exited {
		pid = e.ctl.LastExit().PID
	}
	s.hist.Emit(history.Event{
		Type:       t,
		OccurredAt: time.Now(),
		Record: history.Record{
			Name:       st.Name,
			PID:        pid,
			Run:        e.ctl.Run(),
			State:      st.State.String(),
			StartedAt:  st.StartedAt,
			ExitCode:   st.ExitCode,
			ExitSignal: st.ExitSignal,
			Failures:   st.Failures,
			Restarts:   st.Restarts,
			Error:      st.LastError,
		},
	})
}
