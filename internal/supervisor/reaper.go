package supervisor

import (
	"github.com/loykin/papa/internal/history"
	"github.com/loykin/papa/internal/metrics"
	"github.com/loykin/papa/internal/process"
)

// reap finalizes one exit event on the loop and drives the resulting transition.
func (s *Supervisor) reap(ev process.ExitEvent) {
	e, ok := s.reg.entries[ev.Name]
	if !ok || !e.ctl.Reap(ev) {
		s.log.Warn("Dropping exit event for unknown run", "name", ev.Name, "run", ev.Run, "pid", ev.PID)
		return
	}
	s.cancelRunTimers(e)
	name := e.ctl.Name()

	switch st := e.ctl.State(); st {
	case process.StateStopping:
		s.timers.cancel(e.graceTimer)
		e.graceTimer = nil
		metrics.IncStop(name, e.forced)
		s.log.Info("Process stopped", "name", name, "pid", ev.PID, "exit", ev.String(), "forced", e.forced)
		s.emit(history.EventStop, e)
		if e.restartQueued && !s.shutting {
			e.restartQueued = false
			e.ctl.ResetFailures()
			_ = s.spawn(e)
			return
		}
		e.restartQueued = false
		s.setState(e, process.StateStopped)

	case process.StateStarting, process.StateRunning:
		s.log.Warn("Process exited unexpectedly", "name", name, "pid", ev.PID, "state", st.String(), "exit", ev.String())
		s.emit(history.EventExit, e)
		s.afterFailure(e, st == process.StateRunning, ev.Success())

	default:
		s.log.Warn("Exit reaped in unexpected state", "name", name, "state", st.String())
		s.setState(e, process.StateStopped)
	}
}
