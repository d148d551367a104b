package supervisor

import (
	"context"
	"errors"
	"time"

	"github.com/loykin/papa/internal/metrics"
	"github.com/loykin/papa/internal/output"
	"github.com/loykin/papa/internal/process"
	"github.com/loykin/papa/internal/protocol"
)

// Status is a process snapshot plus output counters and, for live runs,
// resource usage sampled after the snapshot was taken.
type Status struct {
	process.Status
	Uptime         time.Duration
	StdoutWritten  uint64
	StderrWritten  uint64
	BufferCapacity int
	Usage          *metrics.Usage
}

func startSettled(st process.State) bool {
	return st == process.StateRunning || st == process.StateBackoff || st.IsRest()
}

func stopSettled(st process.State) bool { return st.IsRest() }

// startResult reports how a waited start or restart ended.
func startResult(e *entry) error {
	st := e.ctl.Snapshot()
	name := e.ctl.Name()
	switch st.State {
	case process.StateRunning:
		return nil
	case process.StateFatal:
		spec := e.ctl.Spec()
		if spec.MaxRetries > 0 && st.Failures > spec.MaxRetries {
			return protocol.Errorf(protocol.KindResourceExhausted, "process %q: %s", name, st.LastError)
		}
		return protocol.Errorf(protocol.KindSpawn, "process %q: %s", name, st.LastError)
	case process.StateBackoff:
		return protocol.Errorf(protocol.KindSpawn, "process %q exited during startup: %s", name, st.LastError)
	default:
		return protocol.InvalidState(name, st.State.String(), "stopped before reaching RUNNING")
	}
}

func noResult(*entry) error { return nil }

// settle answers reply now, or once the process satisfies done when wait is set.
func (s *Supervisor) settle(e *entry, wait bool, done func(process.State) bool, result func(*entry) error, reply chan<- error) {
	if !wait {
		reply <- nil
		return
	}
	if done(e.ctl.State()) {
		reply <- result(e)
		return
	}
	e.waiters = append(e.waiters, waiter{done: done, reply: reply, result: result})
}

// Start launches a stopped, fatal or backing-off process. With wait the call
// returns once the process is RUNNING or has failed to get there.
func (s *Supervisor) Start(ctx context.Context, name string, wait bool) error {
	return s.call(ctx, func(reply chan<- error) {
		if s.shutting {
			reply <- ErrShuttingDown
			return
		}
		e, err := s.reg.get(name)
		if err != nil {
			reply <- err
			return
		}
		if err := s.start(e); err != nil {
			reply <- err
			return
		}
		s.settle(e, wait, startSettled, startResult, reply)
	})
}

// Stop signals the process and kills it after its grace period. Stopping a
// process that is already at rest succeeds without change.
func (s *Supervisor) Stop(ctx context.Context, name string, wait bool) error {
	return s.call(ctx, func(reply chan<- error) {
		e, err := s.reg.get(name)
		if err != nil {
			reply <- err
			return
		}
		_ = s.stop(e, e.ctl.Spec().StopGrace)
		s.settle(e, wait, stopSettled, noResult, reply)
	})
}

// Restart stops the current run if any and starts a new one.
func (s *Supervisor) Restart(ctx context.Context, name string, wait bool) error {
	return s.call(ctx, func(reply chan<- error) {
		if s.shutting {
			reply <- ErrShuttingDown
			return
		}
		e, err := s.reg.get(name)
		if err != nil {
			reply <- err
			return
		}
		if err := s.restart(e); err != nil {
			reply <- err
			return
		}
		s.settle(e, wait, startSettled, startResult, reply)
	})
}

// Status returns the snapshot of one process.
func (s *Supervisor) Status(ctx context.Context, name string) (Status, error) {
	var st Status
	err := s.do(ctx, func() error {
		e, err := s.reg.get(name)
		if err != nil {
			return err
		}
		st = snapshot(e, time.Now())
		return nil
	})
	if err != nil {
		return Status{}, err
	}
	s.sample(&st)
	return st, nil
}

// StatusAll returns every process ordered by name, taken in one loop turn.
func (s *Supervisor) StatusAll(ctx context.Context) ([]Status, error) {
	var out []Status
	err := s.do(ctx, func() error {
		now := time.Now()
		entries := s.reg.sorted()
		out = make([]Status, 0, len(entries))
		for _, e := range entries {
			out = append(out, snapshot(e, now))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	live := make(map[int32]struct{}, len(out))
	for i := range out {
		s.sample(&out[i])
		if out[i].PID > 0 {
			live[int32(out[i].PID)] = struct{}{}
		}
	}
	s.sampler.Retain(live)
	return out, nil
}

func snapshot(e *entry, now time.Time) Status {
	ps := e.ctl.Snapshot()
	return Status{
		Status:         ps,
		Uptime:         ps.Uptime(now),
		StdoutWritten:  e.out.Written(output.Stdout),
		StderrWritten:  e.out.Written(output.Stderr),
		BufferCapacity: e.out.Capacity(),
	}
}

// sample attaches resource usage; it runs on the caller's goroutine.
func (s *Supervisor) sample(st *Status) {
	if st.PID <= 0 {
		return
	}
	u, err := s.sampler.Sample(st.Name, int32(st.PID))
	if err != nil {
		s.log.Debug("Failed to sample process usage", "name", st.Name, "pid", st.PID, "error", err)
		return
	}
	st.Usage = &u
}

// capture looks up the output of name on the loop.
func (s *Supervisor) capture(ctx context.Context, name string) (*output.Capture, error) {
	var c *output.Capture
	err := s.do(ctx, func() error {
		e, err := s.reg.get(name)
		if err != nil {
			return err
		}
		c = e.out
		return nil
	})
	return c, err
}

// Tail returns up to maxBytes of the most recent output of one stream
// (everything buffered when maxBytes <= 0). The copy is taken off the loop.
func (s *Supervisor) Tail(ctx context.Context, name string, stream output.Stream, maxBytes int) ([]byte, error) {
	c, err := s.capture(ctx, name)
	if err != nil {
		return nil, err
	}
	return c.Tail(stream, maxBytes), nil
}

// Subscribe opens a live feed of one stream. The returned func cancels it; the
// feed also ends when the process is removed or the supervisor stops.
func (s *Supervisor) Subscribe(ctx context.Context, name string, stream output.Stream) (*output.Subscription, func(), error) {
	c, err := s.capture(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	sub, err := c.Subscribe(stream, 0)
	if err != nil {
		return nil, nil, protocol.Errorf(protocol.KindNotFound, "process %q was removed", name)
	}
	return sub, func() { c.Unsubscribe(sub.ID) }, nil
}

// Add registers a new process and starts it when its spec asks for it.
func (s *Supervisor) Add(ctx context.Context, spec process.Spec) error {
	e, err := s.newEntry(spec)
	if err != nil {
		return err
	}
	err = s.do(ctx, func() error {
		if s.shutting {
			return ErrShuttingDown
		}
		if err := s.reg.add(e); err != nil {
			return err
		}
		name := e.ctl.Name()
		metrics.SetCurrentState(name, "", process.StateStopped.String())
		s.log.Info("Process added", "name", name)
		if e.ctl.Spec().ShouldAutoStart() {
			_ = s.start(e)
		}
		return nil
	})
	if err != nil {
		_ = e.out.Close()
	}
	return err
}

// Remove unregisters a process that is STOPPED or FATAL.
func (s *Supervisor) Remove(ctx context.Context, name string) error {
	return s.do(ctx, func() error {
		e, err := s.reg.get(name)
		if err != nil {
			return err
		}
		if st := e.ctl.State(); !st.IsRest() {
			return protocol.InvalidState(name, st.String(), "stop it before removing")
		}
		s.cancelAllTimers(e)
		s.reg.remove(name)
		if err := e.out.Close(); err != nil {
			s.log.Warn("Failed to close output", "name", name, "error", err)
		}
		metrics.Forget(name)
		s.log.Info("Process removed", "name", name)
		return nil
	})
}

// Shutdown stops every process and makes Run return once they have exited or
// been killed after the shutdown grace period. It does not wait for that.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	err := s.do(ctx, func() error {
		s.beginShutdown()
		return nil
	})
	if errors.Is(err, ErrStopped) {
		return nil
	}
	return err
}
